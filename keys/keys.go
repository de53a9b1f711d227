// Package keys implements identity and pre-key management: the
// long-term identity key pair, signed and one-time pre-key bundles,
// and single-shot consumption of one-time secrets.
package keys

import (
	"crypto/ed25519"
	"errors"
	"io"
	"time"

	"github.com/annwen/groupauth/crypto"
)

// ErrPreKeyReuse is returned when a one-time pre-key is consumed a
// second time.
var ErrPreKeyReuse = errors.New("keys: one-time pre-key already consumed")

// MemberID identifies a member stably and opaquely to the rest of the
// module. It is the first 32 bytes of the member's Ed25519 identity
// public key, which is sufficiently collision-resistant for the
// purposes of this core and lets every package key maps off a
// comparable, hashable value instead of carrying an interface around.
type MemberID [32]byte

// MemberIDFromIdentity derives a MemberID from an Ed25519 identity
// public key.
func MemberIDFromIdentity(pk ed25519.PublicKey) MemberID {
	var id MemberID
	copy(id[:], pk)
	return id
}

// Bundle is a published pre-key bundle: the tuple spec.md §3 defines,
// plus the DH-capable identity key 2SM needs (distinct from the
// signing key, see crypto.X3DHBundle).
type Bundle struct {
	MemberID        MemberID
	SigningPK       ed25519.PublicKey
	DHIdentityPK    crypto.X25519PublicKey
	SignedPreKeyPK  crypto.X25519PublicKey
	SignedPreKeySig []byte
	OneTimePK       *crypto.X25519PublicKey
	OneTimeID       uint64
	ExpiresAt       time.Time
}

// Verify checks the bundle's signature and lifetime against now.
func (b Bundle) Verify(now time.Time) bool {
	if !b.ExpiresAt.IsZero() && now.After(b.ExpiresAt) {
		return false
	}
	return crypto.Verify(b.SigningPK, b.SignedPreKeyPK[:], b.SignedPreKeySig)
}

// X3DHBundle projects a Bundle into the shape crypto.X3DHEncrypt
// expects.
func (b Bundle) X3DHBundle() crypto.X3DHBundle {
	return crypto.X3DHBundle{
		IdentityPK:      b.DHIdentityPK,
		SigningPK:       b.SigningPK,
		SignedPreKeyPK:  b.SignedPreKeyPK,
		SignedPreKeySig: b.SignedPreKeySig,
		OneTimePK:       b.OneTimePK,
		OneTimeID:       b.OneTimeID,
	}
}

// Manager owns a member's secret key material: the Ed25519 identity
// secret used for signing, the DH-capable identity secret 2SM uses,
// one signed pre-key secret, and a pool of one-time pre-key secrets.
type Manager struct {
	MemberID MemberID

	SigningPK ed25519.PublicKey
	signingSK ed25519.PrivateKey

	dhIdentitySK crypto.X25519PrivateKey
	DHIdentityPK crypto.X25519PublicKey

	signedPreKeySK crypto.X25519PrivateKey
	SignedPreKeyPK crypto.X25519PublicKey

	oneTimeSecrets map[uint64]crypto.X25519PrivateKey
	oneTimePublics map[uint64]crypto.X25519PublicKey
	nextOneTimeID  uint64

	lifetime time.Duration
}

// Init generates a fresh identity key pair and a signed pre-key,
// signing the pre-key under the identity key, as spec.md §4.2 requires.
func Init(rng io.Reader, lifetime time.Duration) (*Manager, error) {
	signingPK, signingSK, err := ed25519.GenerateKey(rng)
	if err != nil {
		return nil, err
	}
	dhSK, dhPK, err := crypto.GenerateX25519(rng)
	if err != nil {
		return nil, err
	}
	preSK, prePK, err := crypto.GenerateX25519(rng)
	if err != nil {
		return nil, err
	}

	m := &Manager{
		MemberID:       MemberIDFromIdentity(signingPK),
		SigningPK:      signingPK,
		signingSK:      signingSK,
		dhIdentitySK:   dhSK,
		DHIdentityPK:   dhPK,
		signedPreKeySK: preSK,
		SignedPreKeyPK: prePK,
		oneTimeSecrets: make(map[uint64]crypto.X25519PrivateKey),
		oneTimePublics: make(map[uint64]crypto.X25519PublicKey),
		lifetime:       lifetime,
	}
	return m, nil
}

// SignedPreKeySignature signs the current signed pre-key under the
// identity key.
func (m *Manager) SignedPreKeySignature() []byte {
	return crypto.Sign(m.signingSK, m.SignedPreKeyPK[:])
}

// GenerateOnetimeBundle creates and stores a fresh one-time pre-key,
// returning a Bundle ready for publication.
func (m *Manager) GenerateOnetimeBundle(rng io.Reader, now time.Time) (Bundle, error) {
	sk, pk, err := crypto.GenerateX25519(rng)
	if err != nil {
		return Bundle{}, err
	}
	id := m.nextOneTimeID
	m.nextOneTimeID++
	m.oneTimeSecrets[id] = sk
	m.oneTimePublics[id] = pk

	return Bundle{
		MemberID:        m.MemberID,
		SigningPK:       m.SigningPK,
		DHIdentityPK:    m.DHIdentityPK,
		SignedPreKeyPK:  m.SignedPreKeyPK,
		SignedPreKeySig: m.SignedPreKeySignature(),
		OneTimePK:       &pk,
		OneTimeID:       id,
		ExpiresAt:       m.expiry(now),
	}, nil
}

// PreKeyBundle returns the long-term bundle (no one-time key).
func (m *Manager) PreKeyBundle(now time.Time) Bundle {
	return Bundle{
		MemberID:        m.MemberID,
		SigningPK:       m.SigningPK,
		DHIdentityPK:    m.DHIdentityPK,
		SignedPreKeyPK:  m.SignedPreKeyPK,
		SignedPreKeySig: m.SignedPreKeySignature(),
		ExpiresAt:       m.expiry(now),
	}
}

func (m *Manager) expiry(now time.Time) time.Time {
	if m.lifetime <= 0 {
		return time.Time{}
	}
	return now.Add(m.lifetime)
}

// UseOnetimeSecret removes and returns the one-time secret key for id.
// A second call for the same id fails with ErrPreKeyReuse.
func (m *Manager) UseOnetimeSecret(id uint64) (crypto.X25519PrivateKey, error) {
	sk, ok := m.oneTimeSecrets[id]
	if !ok {
		return crypto.X25519PrivateKey{}, ErrPreKeyReuse
	}
	delete(m.oneTimeSecrets, id)
	delete(m.oneTimePublics, id)
	return sk, nil
}

// DHIdentitySecret returns the DH-capable identity secret, used by
// twosm and the X3DH responder path.
func (m *Manager) DHIdentitySecret() crypto.X25519PrivateKey { return m.dhIdentitySK }

// SigningSecret returns the Ed25519 identity secret used to sign
// outgoing operation headers (wire.Header.Sign), distinct from the
// DH-capable identity secret 2SM uses.
func (m *Manager) SigningSecret() ed25519.PrivateKey { return m.signingSK }

// SignedPreKeySecret returns the current signed pre-key secret.
func (m *Manager) SignedPreKeySecret() crypto.X25519PrivateKey { return m.signedPreKeySK }
