// Package twosm implements Two-Party Secure Messaging (2SM): a
// pairwise session that bootstraps via X3DH against a pre-key bundle
// and continues with HPKE, handing the other party a fresh secret key
// on every round for O(n) group rekeying instead of O(n^2) pairwise
// PKE. Grounded on the "Key Agreement for Decentralized Secure Group
// Messaging with Strong Security Guarantees" (2020) paper's 2SM
// protocol.
package twosm

import (
	"errors"
	"fmt"
	"io"

	"github.com/annwen/groupauth/crypto"
	"github.com/annwen/groupauth/keys"
)

var (
	ErrPreKeyReuse           = errors.New("twosm: pre-key bundle already consumed")
	ErrInvalidCiphertextType = errors.New("twosm: ciphertext type does not match key_used")
	ErrNotOurDirectMessage   = errors.New("twosm: message does not belong to this session")
)

// ErrUnknownSecretUsed is returned when a receive references a secret
// index or slot this session never generated or has already trimmed.
type ErrUnknownSecretUsed struct{ Index uint64 }

func (e ErrUnknownSecretUsed) Error() string {
	return fmt.Sprintf("twosm: unknown secret used (index %d)", e.Index)
}

// KeyUsed tags which key material the sender used to encrypt a
// message, telling the receiver how to decrypt it.
type KeyUsed struct {
	Kind  KeyUsedKind
	Index uint64 // only meaningful when Kind == KeyUsedOwnKey
}

type KeyUsedKind int

const (
	KeyUsedPreKey KeyUsedKind = iota
	KeyUsedReceivedKey
	KeyUsedOwnKey
)

// CiphertextKind distinguishes the X3DH bootstrap ciphertext from
// ordinary HPKE-sealed rounds.
type CiphertextKind int

const (
	CiphertextPreKey CiphertextKind = iota
	CiphertextHPKE
)

// Ciphertext is the wire payload of a Message.
type Ciphertext struct {
	Kind CiphertextKind

	// Set when Kind == CiphertextPreKey.
	X3DHEphemeralPK crypto.X25519PublicKey
	X3DHOneTimeID   *uint64
	X3DHSealed      []byte // AEAD-sealed plaintextPayload under the X3DH shared secret

	// Set when Kind == CiphertextHPKE.
	HPKESealed []byte
}

// Message is the unit exchanged between the two parties of a session.
type Message struct {
	Ciphertext Ciphertext
	KeyUsed    KeyUsed
}

// plaintextPayload is the structure 2SM seals on every round: the
// application plaintext plus the bookkeeping the protocol needs to
// hand the other party fresh key material.
type plaintextPayload struct {
	Plaintext          []byte
	ReceiverNewSecret  crypto.X25519PrivateKey
	SenderNewPublicKey crypto.X25519PublicKey
	SenderNextIndex    uint64
}

// State is a 2SM session's pure value state. See spec.md §3 for the
// field-by-field contract this mirrors exactly.
type State struct {
	ourNextKeyIndex uint64
	ourMinKeyIndex  uint64
	ourSecretKeys   map[uint64]crypto.X25519PrivateKey

	ourReceivedSecretKey *crypto.X25519PrivateKey

	theirNextKeyUsed  KeyUsed
	theirIdentityKey  crypto.X25519PublicKey
	theirPreKeyBundle *keys.Bundle
	theirPublicKey    *crypto.X25519PublicKey
}

// Init creates a new session state bound to the other party's
// published pre-key bundle.
func Init(theirBundle keys.Bundle) State {
	b := theirBundle
	return State{
		ourNextKeyIndex:   1,
		ourMinKeyIndex:    1,
		ourSecretKeys:     make(map[uint64]crypto.X25519PrivateKey),
		theirIdentityKey:  theirBundle.DHIdentityPK,
		theirPreKeyBundle: &b,
		theirNextKeyUsed:  KeyUsed{Kind: KeyUsedPreKey},
	}
}

// Clone returns a deep copy so callers can keep the old state around
// (e.g. for retrying a failed send) without aliasing map storage.
func (s State) Clone() State {
	cp := s
	cp.ourSecretKeys = make(map[uint64]crypto.X25519PrivateKey, len(s.ourSecretKeys))
	for k, v := range s.ourSecretKeys {
		cp.ourSecretKeys[k] = v
	}
	return cp
}

// Send encrypts plaintext for the other party, advancing the session
// state. See spec.md §4.3 "Send".
func Send(rng io.Reader, s State, ourIdentitySK crypto.X25519PrivateKey, plaintext []byte) (State, Message, error) {
	y := s.Clone()

	ourNewSK, ourNewPK, err := crypto.GenerateX25519(rng)
	if err != nil {
		return s, Message{}, err
	}
	theirNewSK, theirNewPK, err := crypto.GenerateX25519(rng)
	if err != nil {
		return s, Message{}, err
	}

	payload := plaintextPayload{
		Plaintext:          plaintext,
		ReceiverNewSecret:  theirNewSK,
		SenderNewPublicKey: ourNewPK,
		SenderNextIndex:    y.ourNextKeyIndex,
	}
	payloadBytes, err := encodePayload(payload)
	if err != nil {
		return s, Message{}, err
	}

	keyUsed := y.theirNextKeyUsed
	var ct Ciphertext
	if y.theirPublicKey == nil {
		bundle := y.theirPreKeyBundle
		if bundle == nil {
			return s, Message{}, ErrPreKeyReuse
		}
		y.theirPreKeyBundle = nil

		out, err := crypto.X3DHEncrypt(rng, ourIdentitySK, bundle.X3DHBundle())
		if err != nil {
			return s, Message{}, err
		}
		sealed, err := crypto.AEADSealXChaCha20Poly1305(out.SharedSecret, nil, payloadBytes)
		if err != nil {
			return s, Message{}, err
		}
		ct = Ciphertext{
			Kind:            CiphertextPreKey,
			X3DHEphemeralPK: out.EphemeralPK,
			X3DHOneTimeID:   out.UsedOneTimeID,
			X3DHSealed:      sealed,
		}
	} else {
		sealed, err := crypto.HPKESeal(rng, *y.theirPublicKey, nil, nil, payloadBytes)
		if err != nil {
			return s, Message{}, err
		}
		ct = Ciphertext{Kind: CiphertextHPKE, HPKESealed: sealed}
	}

	message := Message{Ciphertext: ct, KeyUsed: keyUsed}

	y.ourSecretKeys[y.ourNextKeyIndex] = ourNewSK
	y.ourNextKeyIndex++
	y.theirPublicKey = &theirNewPK
	y.theirNextKeyUsed = KeyUsed{Kind: KeyUsedReceivedKey}

	return y, message, nil
}

// ResponderIdentity bundles the local secrets needed to decrypt an
// X3DH bootstrap message: our own DH identity secret, our signed
// pre-key secret, and (via lookup) any referenced one-time secret.
type ResponderIdentity struct {
	DHIdentitySK   crypto.X25519PrivateKey
	SignedPreKeySK crypto.X25519PrivateKey
	// OneTimeSecrets resolves and single-shot-consumes a one-time
	// pre-key secret; returns keys.ErrPreKeyReuse if already consumed.
	OneTimeSecrets func(id uint64) (crypto.X25519PrivateKey, error)
}

// Receive decrypts an incoming Message, advancing the session state
// and returning the plaintext. See spec.md §4.3 "Receive".
func Receive(s State, responder ResponderIdentity, message Message) (State, []byte, error) {
	y := s.Clone()

	var plaintextBytes []byte
	switch message.KeyUsed.Kind {
	case KeyUsedPreKey:
		if message.Ciphertext.Kind != CiphertextPreKey {
			return s, nil, ErrInvalidCiphertextType
		}
		var oneTimeSK *crypto.X25519PrivateKey
		if message.Ciphertext.X3DHOneTimeID != nil {
			if responder.OneTimeSecrets == nil {
				return s, nil, ErrPreKeyReuse
			}
			sk, err := responder.OneTimeSecrets(*message.Ciphertext.X3DHOneTimeID)
			if err != nil {
				return s, nil, ErrPreKeyReuse
			}
			oneTimeSK = &sk
		}

		secret, err := crypto.X3DHDecrypt(
			responder.DHIdentitySK,
			responder.SignedPreKeySK,
			oneTimeSK,
			y.theirIdentityKey,
			message.Ciphertext.X3DHEphemeralPK,
		)
		if err != nil {
			return s, nil, err
		}
		pt, err := crypto.AEADOpenXChaCha20Poly1305(secret, nil, message.Ciphertext.X3DHSealed)
		if err != nil {
			return s, nil, err
		}
		plaintextBytes = pt

	case KeyUsedReceivedKey:
		if message.Ciphertext.Kind != CiphertextHPKE {
			return s, nil, ErrInvalidCiphertextType
		}
		if y.ourReceivedSecretKey == nil {
			return s, nil, ErrUnknownSecretUsed{Index: 0}
		}
		pt, err := crypto.HPKEOpen(*y.ourReceivedSecretKey, nil, nil, message.Ciphertext.HPKESealed)
		if err != nil {
			return s, nil, err
		}
		plaintextBytes = pt

	case KeyUsedOwnKey:
		if message.Ciphertext.Kind != CiphertextHPKE {
			return s, nil, ErrInvalidCiphertextType
		}
		index := message.KeyUsed.Index
		secret, ok := y.ourSecretKeys[index]
		if !ok {
			return s, nil, ErrUnknownSecretUsed{Index: index}
		}
		pt, err := crypto.HPKEOpen(secret, nil, nil, message.Ciphertext.HPKESealed)
		if err != nil {
			return s, nil, err
		}
		plaintextBytes = pt

		for i := y.ourMinKeyIndex; i <= index; i++ {
			delete(y.ourSecretKeys, i)
		}
		y.ourMinKeyIndex = index + 1

	default:
		return s, nil, ErrInvalidCiphertextType
	}

	payload, err := decodePayload(plaintextBytes)
	if err != nil {
		return s, nil, err
	}

	y.theirPublicKey = &payload.SenderNewPublicKey
	y.theirNextKeyUsed = KeyUsed{Kind: KeyUsedOwnKey, Index: payload.SenderNextIndex}
	recvSecret := payload.ReceiverNewSecret
	y.ourReceivedSecretKey = &recvSecret

	return y, payload.Plaintext, nil
}

// HeldSecretIndices reports which of our own secret-key slots are
// still retained, for forward-secrecy assertions in tests.
func (s State) HeldSecretIndices() []uint64 {
	out := make([]uint64, 0, len(s.ourSecretKeys))
	for k := range s.ourSecretKeys {
		out = append(out, k)
	}
	return out
}
