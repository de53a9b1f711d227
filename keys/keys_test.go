package keys

import (
	"context"
	"crypto/rand"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestInitSignsSignedPreKey(t *testing.T) {
	m, err := Init(rand.Reader, time.Hour)
	require.NoError(t, err)

	bundle := m.PreKeyBundle(time.Now())
	require.True(t, bundle.Verify(time.Now()))
}

func TestBundleExpiry(t *testing.T) {
	m, err := Init(rand.Reader, time.Hour)
	require.NoError(t, err)

	bundle := m.PreKeyBundle(time.Now().Add(-2 * time.Hour))
	require.False(t, bundle.Verify(time.Now()))
}

func TestOneTimeSecretSingleUse(t *testing.T) {
	m, err := Init(rand.Reader, 0)
	require.NoError(t, err)

	bundle, err := m.GenerateOnetimeBundle(rand.Reader, time.Now())
	require.NoError(t, err)
	require.NotNil(t, bundle.OneTimePK)

	_, err = m.UseOnetimeSecret(bundle.OneTimeID)
	require.NoError(t, err)

	_, err = m.UseOnetimeSecret(bundle.OneTimeID)
	require.ErrorIs(t, err, ErrPreKeyReuse)
}

func TestMemoryStoreRoundTrip(t *testing.T) {
	store := NewMemoryStore()
	id := MemberID{1, 2, 3}
	ctx := context.Background()

	require.NoError(t, store.Put(ctx, id, "identity_sk", []byte("secret-bytes")))

	got, err := store.Get(ctx, id, "identity_sk")
	require.NoError(t, err)
	require.Equal(t, []byte("secret-bytes"), got)

	_, err = store.Get(ctx, id, "missing")
	require.Error(t, err)
}
