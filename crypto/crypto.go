// Package crypto implements the cryptographic primitives the rest of
// the module builds on: Ed25519 signatures, X25519 Diffie-Hellman,
// HPKE seal/open, the X3DH handshake, AEAD, and HKDF expansion.
package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha256"
	"errors"
	"io"

	"github.com/cloudflare/circl/hpke"
	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/curve25519"
	"golang.org/x/crypto/hkdf"
)

var (
	// ErrPreKeyReuse is returned when a one-time pre-key is consumed twice.
	ErrPreKeyReuse = errors.New("crypto: one-time pre-key already consumed")
	// ErrInvalidCiphertext is returned when an AEAD/HPKE/X3DH open fails
	// to authenticate.
	ErrInvalidCiphertext = errors.New("crypto: ciphertext failed to authenticate")
)

// X25519PrivateKey and X25519PublicKey are raw 32-byte Curve25519 keys.
type X25519PrivateKey [32]byte
type X25519PublicKey [32]byte

// GenerateX25519 creates a fresh, correctly-clamped X25519 key pair.
func GenerateX25519(rng io.Reader) (X25519PrivateKey, X25519PublicKey, error) {
	var sk X25519PrivateKey
	if _, err := io.ReadFull(rng, sk[:]); err != nil {
		return sk, X25519PublicKey{}, err
	}
	// Clamp per RFC 7748.
	sk[0] &= 248
	sk[31] &= 127
	sk[31] |= 64

	pkBytes, err := curve25519.X25519(sk[:], curve25519.Basepoint)
	if err != nil {
		return sk, X25519PublicKey{}, err
	}
	var pk X25519PublicKey
	copy(pk[:], pkBytes)
	return sk, pk, nil
}

// X25519DH performs a Diffie-Hellman exchange, returning the raw shared
// point. Callers must run the result through HKDF before using it as a
// key.
func X25519DH(sk X25519PrivateKey, pk X25519PublicKey) ([]byte, error) {
	return curve25519.X25519(sk[:], pk[:])
}

// X25519PublicKeyFromSecret recomputes the public key for an already
// clamped secret key.
func X25519PublicKeyFromSecret(sk X25519PrivateKey) (X25519PublicKey, error) {
	pkBytes, err := curve25519.X25519(sk[:], curve25519.Basepoint)
	if err != nil {
		return X25519PublicKey{}, err
	}
	var pk X25519PublicKey
	copy(pk[:], pkBytes)
	return pk, nil
}

// Sign produces an Ed25519 signature over msg.
func Sign(identitySecret ed25519.PrivateKey, msg []byte) []byte {
	return ed25519.Sign(identitySecret, msg)
}

// Verify checks an Ed25519 signature. It runs in constant time with
// respect to the key material, as guaranteed by crypto/ed25519.
func Verify(identityPublic ed25519.PublicKey, msg, sig []byte) bool {
	return ed25519.Verify(identityPublic, msg, sig)
}

// HKDFExpand derives outLen bytes of key material from ikm, salt and
// info using HKDF-SHA256.
func HKDFExpand(ikm, salt, info []byte, outLen int) ([]byte, error) {
	r := hkdf.New(sha256.New, ikm, salt, info)
	out := make([]byte, outLen)
	if _, err := io.ReadFull(r, out); err != nil {
		return nil, err
	}
	return out, nil
}

// AEADSealXChaCha20Poly1305 seals plaintext under key with a fresh
// random 24-byte nonce, which is prefixed to the returned ciphertext.
// Used by the data encryption scheme.
func AEADSealXChaCha20Poly1305(key, aad, plaintext []byte) ([]byte, error) {
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, err
	}
	nonce := make([]byte, aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, err
	}
	return aead.Seal(nonce, nonce, plaintext, aad), nil
}

// AEADOpenXChaCha20Poly1305 opens a ciphertext produced by
// AEADSealXChaCha20Poly1305.
func AEADOpenXChaCha20Poly1305(key, aad, ciphertext []byte) ([]byte, error) {
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, err
	}
	if len(ciphertext) < aead.NonceSize() {
		return nil, ErrInvalidCiphertext
	}
	nonce, ct := ciphertext[:aead.NonceSize()], ciphertext[aead.NonceSize():]
	pt, err := aead.Open(nil, nonce, ct, aad)
	if err != nil {
		return nil, ErrInvalidCiphertext
	}
	return pt, nil
}

// AEADSealAESGCM seals plaintext under a generation-derived key and
// nonce. Used by the message encryption scheme's ratchets, where the
// nonce is derived rather than random so it must never be reused under
// the same key.
func AEADSealAESGCM(key, nonce, aad, plaintext []byte) ([]byte, error) {
	if len(key) != 32 {
		return nil, errors.New("crypto: AES-256-GCM key must be 32 bytes")
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}
	if len(nonce) != gcm.NonceSize() {
		return nil, errors.New("crypto: bad nonce size")
	}
	return gcm.Seal(nil, nonce, plaintext, aad), nil
}

// AEADOpenAESGCM opens a ciphertext produced by AEADSealAESGCM.
func AEADOpenAESGCM(key, nonce, aad, ciphertext []byte) ([]byte, error) {
	if len(key) != 32 {
		return nil, errors.New("crypto: AES-256-GCM key must be 32 bytes")
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}
	pt, err := gcm.Open(nil, nonce, ciphertext, aad)
	if err != nil {
		return nil, ErrInvalidCiphertext
	}
	return pt, nil
}

const hpkeKEM = hpke.KEM_X25519_HKDF_SHA256

var hpkeSuite = hpke.NewSuite(hpkeKEM, hpke.KDF_HKDF_SHA256, hpke.AEAD_ChaCha20Poly1305)

// HPKESeal seals pt for recipientPK (a raw X25519 public key), binding
// aad and info into the key schedule. It returns an encapsulated key
// followed by the ciphertext, concatenated; HPKEOpen expects this
// framing.
func HPKESeal(rng io.Reader, recipientPK X25519PublicKey, info, aad, pt []byte) ([]byte, error) {
	kemPub, err := hpkeKEM.Scheme().UnmarshalBinaryPublicKey(recipientPK[:])
	if err != nil {
		return nil, err
	}
	sender, err := hpkeSuite.NewSender(kemPub, info)
	if err != nil {
		return nil, err
	}
	enc, sealer, err := sender.Setup(rng)
	if err != nil {
		return nil, err
	}
	ct, err := sealer.Seal(pt, aad)
	if err != nil {
		return nil, err
	}
	out := make([]byte, 0, len(enc)+len(ct))
	out = append(out, enc...)
	out = append(out, ct...)
	return out, nil
}

// HPKEOpen opens a ciphertext produced by HPKESeal under the
// recipient's X25519 secret key.
func HPKEOpen(recipientSK X25519PrivateKey, info, aad, sealed []byte) ([]byte, error) {
	kemScheme := hpkeKEM.Scheme()
	encSize := kemScheme.CiphertextSize()
	if len(sealed) < encSize {
		return nil, ErrInvalidCiphertext
	}
	enc, ct := sealed[:encSize], sealed[encSize:]

	kemPriv, err := kemScheme.UnmarshalBinaryPrivateKey(recipientSK[:])
	if err != nil {
		return nil, err
	}
	receiver, err := hpkeSuite.NewReceiver(kemPriv, info)
	if err != nil {
		return nil, err
	}
	opener, err := receiver.Setup(enc)
	if err != nil {
		return nil, ErrInvalidCiphertext
	}
	pt, err := opener.Open(ct, aad)
	if err != nil {
		return nil, ErrInvalidCiphertext
	}
	return pt, nil
}
