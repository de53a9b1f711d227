package pki

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/annwen/groupauth/keys"
)

func TestMemoryPublishLookup(t *testing.T) {
	mgr, err := keys.Init(nil, time.Hour)
	require.NoError(t, err)

	reg := NewMemory()
	bundle := mgr.PreKeyBundle(time.Now())
	require.NoError(t, reg.Publish(bundle))

	got, err := reg.LookupBundle(mgr.MemberID)
	require.NoError(t, err)
	require.Equal(t, bundle.SigningPK, got.SigningPK)
}

func TestMemoryLookupMissing(t *testing.T) {
	reg := NewMemory()
	_, err := reg.LookupBundle(keys.MemberID{0x01})
	require.ErrorIs(t, err, ErrNotFound)
}

func TestMemoryLookupExpired(t *testing.T) {
	mgr, err := keys.Init(nil, time.Nanosecond)
	require.NoError(t, err)

	reg := NewMemory()
	bundle := mgr.PreKeyBundle(time.Now().Add(-time.Hour))
	require.NoError(t, reg.Publish(bundle))

	_, err = reg.LookupBundle(mgr.MemberID)
	require.Error(t, err)
}
