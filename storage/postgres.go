package storage

import (
	"context"
	"database/sql"
	"errors"
	"time"

	_ "github.com/lib/pq"

	"github.com/annwen/groupauth/wire"
)

// PostgresStore is the durable Store backed by PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore connects to PostgreSQL, configures the connection
// pool, and runs the schema migration.
func NewPostgresStore(connStr string) (*PostgresStore, error) {
	db, err := sql.Open("postgres", connStr)
	if err != nil {
		return nil, err
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.Ping(); err != nil {
		return nil, err
	}

	s := &PostgresStore{db: db}
	if err := s.migrate(); err != nil {
		return nil, err
	}
	return s, nil
}

// Close closes the database connection.
func (s *PostgresStore) Close() error {
	return s.db.Close()
}

func (s *PostgresStore) migrate() error {
	schema := `
		CREATE TABLE IF NOT EXISTS operations (
			hash         BYTEA PRIMARY KEY,
			public_key   BYTEA NOT NULL,
			log_id       TEXT NOT NULL,
			seq_num      BIGINT NOT NULL,
			header_bytes BYTEA NOT NULL,
			body         BYTEA,
			inserted_at  TIMESTAMPTZ NOT NULL DEFAULT now(),
			UNIQUE (public_key, log_id, seq_num)
		);
		CREATE INDEX IF NOT EXISTS operations_log_idx
			ON operations (public_key, log_id, seq_num);`
	_, err := s.db.Exec(schema)
	return err
}

func (s *PostgresStore) InsertOperation(ctx context.Context, op Operation) (bool, error) {
	query := `
		INSERT INTO operations (hash, public_key, log_id, seq_num, header_bytes, body)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (hash) DO NOTHING`

	res, err := s.db.ExecContext(ctx, query,
		op.Hash[:], op.PublicKey(), op.LogID, int64(op.SeqNum()), op.HeaderBytes, op.Body)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func (s *PostgresStore) GetOperation(ctx context.Context, hash wire.Hash) (Operation, error) {
	query := `
		SELECT hash, log_id, header_bytes, body
		FROM operations WHERE hash = $1`
	return scanOperation(s.db.QueryRowContext(ctx, query, hash[:]))
}

func (s *PostgresStore) DeleteOperation(ctx context.Context, hash wire.Hash) (bool, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM operations WHERE hash = $1`, hash[:])
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func (s *PostgresStore) DeletePayload(ctx context.Context, hash wire.Hash) (bool, error) {
	res, err := s.db.ExecContext(ctx, `UPDATE operations SET body = NULL WHERE hash = $1`, hash[:])
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func (s *PostgresStore) GetLog(ctx context.Context, publicKey []byte, logID string, from *uint64) ([]Operation, error) {
	query := `
		SELECT hash, log_id, header_bytes, body
		FROM operations
		WHERE public_key = $1 AND log_id = $2 AND seq_num >= $3
		ORDER BY seq_num ASC`

	var fromSeq int64
	if from != nil {
		fromSeq = int64(*from)
	}

	rows, err := s.db.QueryContext(ctx, query, publicKey, logID, fromSeq)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Operation
	for rows.Next() {
		op, err := scanOperation(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, op)
	}
	return out, rows.Err()
}

func (s *PostgresStore) LatestOperation(ctx context.Context, publicKey []byte, logID string) (Operation, error) {
	query := `
		SELECT hash, log_id, header_bytes, body
		FROM operations
		WHERE public_key = $1 AND log_id = $2
		ORDER BY seq_num DESC LIMIT 1`
	return scanOperation(s.db.QueryRowContext(ctx, query, publicKey, logID))
}

func (s *PostgresStore) LogHeight(ctx context.Context, publicKey []byte, logID string) (uint64, bool, error) {
	query := `
		SELECT seq_num FROM operations
		WHERE public_key = $1 AND log_id = $2
		ORDER BY seq_num DESC LIMIT 1`

	var seq int64
	err := s.db.QueryRowContext(ctx, query, publicKey, logID).Scan(&seq)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, err
	}
	return uint64(seq), true, nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

// scanOperation decodes one operations row, re-parsing the stored
// canonical header bytes so callers always see a verified structure.
func scanOperation(row rowScanner) (Operation, error) {
	var (
		hashBytes   []byte
		logID       string
		headerBytes []byte
		body        []byte
	)
	err := row.Scan(&hashBytes, &logID, &headerBytes, &body)
	if errors.Is(err, sql.ErrNoRows) {
		return Operation{}, ErrNotFound
	}
	if err != nil {
		return Operation{}, err
	}

	header, err := wire.Decode(headerBytes)
	if err != nil {
		return Operation{}, err
	}

	var hash wire.Hash
	copy(hash[:], hashBytes)
	return Operation{
		Hash:        hash,
		Header:      header,
		HeaderBytes: headerBytes,
		Body:        body,
		LogID:       logID,
	}, nil
}
