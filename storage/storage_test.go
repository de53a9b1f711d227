package storage

import (
	"context"
	"crypto/ed25519"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/annwen/groupauth/wire"
)

func buildOperation(t *testing.T, signer ed25519.PrivateKey, seq uint64, backlink *wire.Hash, body []byte) Operation {
	t.Helper()
	header := wire.Header{
		Version:     wire.CurrentVersion,
		PublicKey:   signer.Public().(ed25519.PublicKey),
		PayloadSize: uint64(len(body)),
		SeqNum:      seq,
		Backlink:    backlink,
	}
	signed, err := header.Sign(signer)
	require.NoError(t, err)
	hash, err := signed.ID()
	require.NoError(t, err)
	headerBytes, err := signed.Encode()
	require.NoError(t, err)
	return Operation{
		Hash:        hash,
		Header:      signed,
		HeaderBytes: headerBytes,
		Body:        body,
		LogID:       "chat",
	}
}

func TestMemoryStoreInsertAndDuplicate(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	_, signer, err := ed25519.GenerateKey(nil)
	require.NoError(t, err)

	op := buildOperation(t, signer, 0, nil, []byte("payload"))

	inserted, err := store.InsertOperation(ctx, op)
	require.NoError(t, err)
	require.True(t, inserted)

	// Duplicate delivery is a no-op, not an error.
	inserted, err = store.InsertOperation(ctx, op)
	require.NoError(t, err)
	require.False(t, inserted)

	got, err := store.GetOperation(ctx, op.Hash)
	require.NoError(t, err)
	require.Equal(t, []byte("payload"), got.Body)
	require.Equal(t, uint64(0), got.SeqNum())
}

func TestMemoryStoreLogOrderAndHeight(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	_, signer, err := ed25519.GenerateKey(nil)
	require.NoError(t, err)

	op0 := buildOperation(t, signer, 0, nil, []byte("first"))
	op1 := buildOperation(t, signer, 1, &op0.Hash, []byte("second"))
	op2 := buildOperation(t, signer, 2, &op1.Hash, []byte("third"))

	// Insert out of order; reads come back sorted by seq_num.
	for _, op := range []Operation{op2, op0, op1} {
		_, err := store.InsertOperation(ctx, op)
		require.NoError(t, err)
	}

	log, err := store.GetLog(ctx, op0.PublicKey(), "chat", nil)
	require.NoError(t, err)
	require.Len(t, log, 3)
	for i, op := range log {
		require.Equal(t, uint64(i), op.SeqNum())
	}

	from := uint64(1)
	tail, err := store.GetLog(ctx, op0.PublicKey(), "chat", &from)
	require.NoError(t, err)
	require.Len(t, tail, 2)
	require.Equal(t, uint64(1), tail[0].SeqNum())

	latest, err := store.LatestOperation(ctx, op0.PublicKey(), "chat")
	require.NoError(t, err)
	require.Equal(t, op2.Hash, latest.Hash)

	height, found, err := store.LogHeight(ctx, op0.PublicKey(), "chat")
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, uint64(2), height)
}

func TestMemoryStoreDeletePayloadKeepsHeader(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	_, signer, err := ed25519.GenerateKey(nil)
	require.NoError(t, err)

	op := buildOperation(t, signer, 0, nil, []byte("sensitive"))
	_, err = store.InsertOperation(ctx, op)
	require.NoError(t, err)

	existed, err := store.DeletePayload(ctx, op.Hash)
	require.NoError(t, err)
	require.True(t, existed)

	got, err := store.GetOperation(ctx, op.Hash)
	require.NoError(t, err)
	require.Nil(t, got.Body)
	require.Equal(t, op.Header.PayloadSize, got.Header.PayloadSize)
}

func TestMemoryStoreDeleteOperation(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	_, signer, err := ed25519.GenerateKey(nil)
	require.NoError(t, err)

	op := buildOperation(t, signer, 0, nil, nil)
	_, err = store.InsertOperation(ctx, op)
	require.NoError(t, err)

	existed, err := store.DeleteOperation(ctx, op.Hash)
	require.NoError(t, err)
	require.True(t, existed)

	_, err = store.GetOperation(ctx, op.Hash)
	require.ErrorIs(t, err, ErrNotFound)

	_, found, err := store.LogHeight(ctx, op.PublicKey(), "chat")
	require.NoError(t, err)
	require.False(t, found)
}
