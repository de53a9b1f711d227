package storage

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"

	"github.com/annwen/groupauth/wire"
)

// HotLog caches each author's most recent operations in Redis sorted
// sets (scored by seq_num), so GetLog/LatestOperation answer from
// memory for the common "catch me up" case before falling through to
// the durable store.
type HotLog struct {
	client  *redis.Client
	maxOps  int64
	keyTmpl string
}

// NewHotLog wraps an existing Redis client. maxOps bounds how many
// trailing operations each log retains in the cache.
func NewHotLog(client *redis.Client, maxOps int64) *HotLog {
	return &HotLog{client: client, maxOps: maxOps, keyTmpl: "groupauth:log:%s:%s"}
}

func (h *HotLog) key(publicKey []byte, logID string) string {
	return fmt.Sprintf(h.keyTmpl, hex.EncodeToString(publicKey), logID)
}

// cachedOp is the cache entry: enough to reconstruct the Operation
// without consulting the durable store.
type cachedOp struct {
	Hash        []byte `json:"hash"`
	HeaderBytes []byte `json:"header_bytes"`
	Body        []byte `json:"body,omitempty"`
	LogID       string `json:"log_id"`
}

func encodeCachedOp(op Operation) (string, error) {
	data, err := json.Marshal(cachedOp{
		Hash:        op.Hash[:],
		HeaderBytes: op.HeaderBytes,
		Body:        op.Body,
		LogID:       op.LogID,
	})
	if err != nil {
		return "", err
	}
	return string(data), nil
}

func decodeCachedOp(data []byte) (Operation, error) {
	var c cachedOp
	if err := json.Unmarshal(data, &c); err != nil {
		return Operation{}, err
	}
	header, err := wire.Decode(c.HeaderBytes)
	if err != nil {
		return Operation{}, err
	}
	var hash wire.Hash
	copy(hash[:], c.Hash)
	return Operation{
		Hash:        hash,
		Header:      header,
		HeaderBytes: c.HeaderBytes,
		Body:        c.Body,
		LogID:       c.LogID,
	}, nil
}

// Append caches op at the tail of its author's hot log, trimming the
// oldest entries past the retention bound.
func (h *HotLog) Append(ctx context.Context, op Operation) error {
	entry, err := encodeCachedOp(op)
	if err != nil {
		return err
	}

	key := h.key(op.PublicKey(), op.LogID)
	pipe := h.client.Pipeline()
	pipe.ZAdd(ctx, key, redis.Z{Score: float64(op.SeqNum()), Member: entry})
	if h.maxOps > 0 {
		pipe.ZRemRangeByRank(ctx, key, 0, -h.maxOps-1)
	}
	_, err = pipe.Exec(ctx)
	return err
}

// Recent returns the cached tail of a log from seq_num from upward,
// oldest first.
func (h *HotLog) Recent(ctx context.Context, publicKey []byte, logID string, from uint64) ([]Operation, error) {
	key := h.key(publicKey, logID)
	members, err := h.client.ZRangeByScore(ctx, key, &redis.ZRangeBy{
		Min: fmt.Sprintf("%d", from),
		Max: "+inf",
	}).Result()
	if err != nil {
		return nil, err
	}

	out := make([]Operation, 0, len(members))
	for _, m := range members {
		op, err := decodeCachedOp([]byte(m))
		if err != nil {
			return nil, err
		}
		out = append(out, op)
	}
	return out, nil
}

// Latest returns the newest cached operation of a log, ErrNotFound
// on a cold cache.
func (h *HotLog) Latest(ctx context.Context, publicKey []byte, logID string) (Operation, error) {
	members, err := h.client.ZRevRange(ctx, h.key(publicKey, logID), 0, 0).Result()
	if err != nil {
		return Operation{}, err
	}
	if len(members) == 0 {
		return Operation{}, ErrNotFound
	}
	return decodeCachedOp([]byte(members[0]))
}

// Invalidate drops a log's cache entirely, used after deletions so
// the cache never resurrects a removed operation.
func (h *HotLog) Invalidate(ctx context.Context, publicKey []byte, logID string) error {
	return h.client.Del(ctx, h.key(publicKey, logID)).Err()
}

// TieredStore layers a HotLog cache over a durable Store: writes go
// to both, log reads are served hot-first with a durable
// fall-through, and point lookups always hit the durable store
// (the cache is keyed per log, not per hash).
type TieredStore struct {
	Hot  *HotLog
	Base Store
}

func (t *TieredStore) InsertOperation(ctx context.Context, op Operation) (bool, error) {
	inserted, err := t.Base.InsertOperation(ctx, op)
	if err != nil || !inserted {
		return inserted, err
	}
	if err := t.Hot.Append(ctx, op); err != nil {
		// The durable write already succeeded; a cold cache is
		// recoverable on the next read-through.
		return true, nil
	}
	return true, nil
}

func (t *TieredStore) GetOperation(ctx context.Context, hash wire.Hash) (Operation, error) {
	return t.Base.GetOperation(ctx, hash)
}

func (t *TieredStore) DeleteOperation(ctx context.Context, hash wire.Hash) (bool, error) {
	op, err := t.Base.GetOperation(ctx, hash)
	if err == ErrNotFound {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	existed, err := t.Base.DeleteOperation(ctx, hash)
	if err != nil {
		return existed, err
	}
	if existed {
		if err := t.Hot.Invalidate(ctx, op.PublicKey(), op.LogID); err != nil {
			return true, err
		}
	}
	return existed, nil
}

func (t *TieredStore) DeletePayload(ctx context.Context, hash wire.Hash) (bool, error) {
	op, err := t.Base.GetOperation(ctx, hash)
	if err == ErrNotFound {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	existed, err := t.Base.DeletePayload(ctx, hash)
	if err != nil {
		return existed, err
	}
	if existed {
		if err := t.Hot.Invalidate(ctx, op.PublicKey(), op.LogID); err != nil {
			return true, err
		}
	}
	return existed, nil
}

func (t *TieredStore) GetLog(ctx context.Context, publicKey []byte, logID string, from *uint64) ([]Operation, error) {
	var fromSeq uint64
	if from != nil {
		fromSeq = *from
	}

	cached, err := t.Hot.Recent(ctx, publicKey, logID, fromSeq)
	if err == nil && len(cached) > 0 && cached[0].SeqNum() == fromSeq {
		return cached, nil
	}
	return t.Base.GetLog(ctx, publicKey, logID, from)
}

func (t *TieredStore) LatestOperation(ctx context.Context, publicKey []byte, logID string) (Operation, error) {
	op, err := t.Hot.Latest(ctx, publicKey, logID)
	if err == nil {
		return op, nil
	}
	return t.Base.LatestOperation(ctx, publicKey, logID)
}

func (t *TieredStore) LogHeight(ctx context.Context, publicKey []byte, logID string) (uint64, bool, error) {
	op, err := t.Hot.Latest(ctx, publicKey, logID)
	if err == nil {
		return op.SeqNum(), true, nil
	}
	return t.Base.LogHeight(ctx, publicKey, logID)
}
