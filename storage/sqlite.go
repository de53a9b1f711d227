package storage

import (
	"context"
	"database/sql"
	"errors"

	_ "github.com/mattn/go-sqlite3"

	"github.com/annwen/groupauth/wire"
)

// SQLiteStore is the embedded single-node Store backed by SQLite,
// for hosts that don't run a database server.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens (creating if needed) the SQLite database at
// path and runs the schema migration. Use ":memory:" for an
// ephemeral store.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, err
	}

	// SQLite serializes writers; a single connection avoids
	// SQLITE_BUSY churn under concurrent inserts.
	db.SetMaxOpenConns(1)

	if err := db.Ping(); err != nil {
		return nil, err
	}

	s := &SQLiteStore{db: db}
	if err := s.migrate(); err != nil {
		return nil, err
	}
	return s, nil
}

// Close closes the database.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) migrate() error {
	schema := `
		CREATE TABLE IF NOT EXISTS operations (
			hash         BLOB PRIMARY KEY,
			public_key   BLOB NOT NULL,
			log_id       TEXT NOT NULL,
			seq_num      INTEGER NOT NULL,
			header_bytes BLOB NOT NULL,
			body         BLOB,
			UNIQUE (public_key, log_id, seq_num)
		);
		CREATE INDEX IF NOT EXISTS operations_log_idx
			ON operations (public_key, log_id, seq_num);`
	_, err := s.db.Exec(schema)
	return err
}

func (s *SQLiteStore) InsertOperation(ctx context.Context, op Operation) (bool, error) {
	query := `
		INSERT OR IGNORE INTO operations (hash, public_key, log_id, seq_num, header_bytes, body)
		VALUES (?, ?, ?, ?, ?, ?)`

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

func (s *SQLiteStore) GetOperation(ctx context.Context, hash wire.Hash) (Operation, error) {
	query := `
		SELECT hash, log_id, header_bytes, body
		FROM operations WHERE hash = ?`
	return scanOperation(s.db.QueryRowContext(ctx, query, hash[:]))
}

func (s *SQLiteStore) DeleteOperation(ctx context.Context, hash wire.Hash) (bool, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM operations WHERE hash = ?`, hash[:])
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func (s *SQLiteStore) DeletePayload(ctx context.Context, hash wire.Hash) (bool, error) {
	res, err := s.db.ExecContext(ctx, `UPDATE operations SET body = NULL WHERE hash = ?`, hash[:])
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func (s *SQLiteStore) GetLog(ctx context.Context, publicKey []byte, logID string, from *uint64) ([]Operation, error) {
	query := `
		SELECT hash, log_id, header_bytes, body
		FROM operations
		WHERE public_key = ? AND log_id = ? AND seq_num >= ?
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

func (s *SQLiteStore) LatestOperation(ctx context.Context, publicKey []byte, logID string) (Operation, error) {
	query := `
		SELECT hash, log_id, header_bytes, body
		FROM operations
		WHERE public_key = ? AND log_id = ?
		ORDER BY seq_num DESC LIMIT 1`
	return scanOperation(s.db.QueryRowContext(ctx, query, publicKey, logID))
}

func (s *SQLiteStore) LogHeight(ctx context.Context, publicKey []byte, logID string) (uint64, bool, error) {
	query := `
		SELECT seq_num FROM operations
		WHERE public_key = ? AND log_id = ?
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
