package crypto

import (
	"crypto/ed25519"
	"crypto/rand"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestAEADXChaCha20Poly1305RoundTrip(t *testing.T) {
	key := make([]byte, 32)
	_, err := rand.Read(key)
	require.NoError(t, err)

	ct, err := AEADSealXChaCha20Poly1305(key, []byte("aad"), []byte("hello group"))
	require.NoError(t, err)

	pt, err := AEADOpenXChaCha20Poly1305(key, []byte("aad"), ct)
	require.NoError(t, err)
	require.Equal(t, []byte("hello group"), pt)

	_, err = AEADOpenXChaCha20Poly1305(key, []byte("wrong-aad"), ct)
	require.ErrorIs(t, err, ErrInvalidCiphertext)
}

func TestAEADAESGCMRoundTrip(t *testing.T) {
	key := make([]byte, 32)
	nonce := make([]byte, 12)
	_, err := rand.Read(key)
	require.NoError(t, err)
	_, err = rand.Read(nonce)
	require.NoError(t, err)

	ct, err := AEADSealAESGCM(key, nonce, nil, []byte("ratchet payload"))
	require.NoError(t, err)

	pt, err := AEADOpenAESGCM(key, nonce, nil, ct)
	require.NoError(t, err)
	require.Equal(t, []byte("ratchet payload"), pt)
}

func TestX25519DHAgreement(t *testing.T) {
	aSK, aPK, err := GenerateX25519(rand.Reader)
	require.NoError(t, err)
	bSK, bPK, err := GenerateX25519(rand.Reader)
	require.NoError(t, err)

	ab, err := X25519DH(aSK, bPK)
	require.NoError(t, err)
	ba, err := X25519DH(bSK, aPK)
	require.NoError(t, err)
	require.Equal(t, ab, ba)
}

func TestHPKESealOpenRoundTrip(t *testing.T) {
	sk, pk, err := GenerateX25519(rand.Reader)
	require.NoError(t, err)

	sealed, err := HPKESeal(rand.Reader, pk, []byte("info"), []byte("aad"), []byte("direct message"))
	require.NoError(t, err)

	pt, err := HPKEOpen(sk, []byte("info"), []byte("aad"), sealed)
	require.NoError(t, err)
	require.Equal(t, []byte("direct message"), pt)
}

func TestX3DHHandshakeRoundTrip(t *testing.T) {
	signingPK, signingSK, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)

	bIdentitySK, bIdentityPK, err := GenerateX25519(rand.Reader)
	require.NoError(t, err)
	bSignedSK, bSignedPK, err := GenerateX25519(rand.Reader)
	require.NoError(t, err)
	bOneTimeSK, bOneTimePK, err := GenerateX25519(rand.Reader)
	require.NoError(t, err)

	sig := Sign(signingSK, bSignedPK[:])
	bundle := X3DHBundle{
		IdentityPK:      bIdentityPK,
		SigningPK:       signingPK,
		SignedPreKeyPK:  bSignedPK,
		SignedPreKeySig: sig,
		OneTimePK:       &bOneTimePK,
		OneTimeID:       7,
	}
	require.True(t, VerifyX3DHBundle(bundle))

	aIdentitySK, _, err := GenerateX25519(rand.Reader)
	require.NoError(t, err)

	out, err := X3DHEncrypt(rand.Reader, aIdentitySK, bundle)
	require.NoError(t, err)
	require.NotNil(t, out.UsedOneTimeID)
	require.Equal(t, uint64(7), *out.UsedOneTimeID)

	aIdentityPK, err := func() (X25519PublicKey, error) {
		return X25519PublicKeyFromSecret(aIdentitySK)
	}()
	require.NoError(t, err)

	theirSecret, err := X3DHDecrypt(bIdentitySK, bSignedSK, &bOneTimeSK, aIdentityPK, out.EphemeralPK)
	require.NoError(t, err)
	require.Equal(t, out.SharedSecret, theirSecret)
}
