// Package ratchet implements the symmetric key ratchets the message
// encryption scheme uses: a forward-only encryption ratchet for the
// sender, and a decryption ratchet with a bounded skip window for
// receivers, in the style of the Double Ratchet algorithm used by
// Signal: a per-generation HKDF chain step derives the next chain
// secret, and a separate derivation from the chain secret yields the
// message key and nonce for that generation.
package ratchet

import (
	"errors"
	"fmt"

	"github.com/annwen/groupauth/crypto"
)

var (
	// ErrTooFarAhead is returned when a decryption request references
	// a generation further ahead than MaximumForwardDistance allows.
	ErrTooFarAhead = errors.New("ratchet: generation exceeds maximum forward distance")
	// ErrTooFarBehind is returned when a generation is older than the
	// retained skipped-key window.
	ErrTooFarBehind = errors.New("ratchet: generation too far behind current, key no longer available")
)

const (
	infoChainStep  = "groupauth-ratchet-chain"
	infoMessageKey = "groupauth-ratchet-message-key"
)

// EncryptionRatchet is the sender-side, forward-only ratchet: every
// call to RatchetForward derives the next message key/nonce and
// advances the chain irreversibly.
type EncryptionRatchet struct {
	currentSecret []byte
	generation    uint64
}

// NewEncryptionRatchet seeds a fresh ratchet from an update secret
// (installed by DCGKA on Create/Add/Remove/Update, see spec.md §4.7).
func NewEncryptionRatchet(updateSecret []byte) EncryptionRatchet {
	secret := make([]byte, len(updateSecret))
	copy(secret, updateSecret)
	return EncryptionRatchet{currentSecret: secret}
}

// RatchetForward derives the key/nonce for the current generation,
// returns that generation, and advances the chain. Called once per
// message sent.
func (r EncryptionRatchet) RatchetForward() (EncryptionRatchet, uint64, []byte, []byte, error) {
	key, err := deriveMessageKey(r.currentSecret, r.generation)
	if err != nil {
		return r, 0, nil, nil, err
	}
	nonce := deriveNonce(r.currentSecret, r.generation)

	nextSecret, err := crypto.HKDFExpand(r.currentSecret, nil, []byte(infoChainStep), 32)
	if err != nil {
		return r, 0, nil, nil, err
	}

	gen := r.generation
	next := EncryptionRatchet{currentSecret: nextSecret, generation: r.generation + 1}
	return next, gen, key, nonce, nil
}

// Generation reports the ratchet's current generation counter.
func (r EncryptionRatchet) Generation() uint64 { return r.generation }

// CurrentSecret returns a copy of the ratchet's current chain secret,
// used to seed a DecryptionRatchet for a newly-welcomed member who
// needs to start decrypting from our present position (the AddAck
// forwarding path of spec.md §4.4/§4.7).
func (r EncryptionRatchet) CurrentSecret() []byte {
	cp := make([]byte, len(r.currentSecret))
	copy(cp, r.currentSecret)
	return cp
}

// DecryptionRatchet is the receiver-side counterpart: it can derive
// keys for generations at or ahead of its current position (up to
// MaximumForwardDistance, skipping intermediate keys into a bounded
// cache) and for already-skipped generations within
// OutOfOrderTolerance of the furthest generation seen.
type skippedKey struct {
	key   []byte
	nonce []byte
}

type DecryptionRatchet struct {
	currentSecret []byte
	generation    uint64
	skipped       map[uint64]skippedKey

	maximumForwardDistance uint64
	outOfOrderTolerance    uint64
}

// NewDecryptionRatchet seeds a fresh decryption ratchet mirroring the
// sender's update secret.
func NewDecryptionRatchet(updateSecret []byte, maximumForwardDistance, outOfOrderTolerance uint64) DecryptionRatchet {
	secret := make([]byte, len(updateSecret))
	copy(secret, updateSecret)
	return DecryptionRatchet{
		currentSecret:          secret,
		skipped:                make(map[uint64]skippedKey),
		maximumForwardDistance: maximumForwardDistance,
		outOfOrderTolerance:    outOfOrderTolerance,
	}
}

// ResumeDecryptionRatchet seeds a decryption ratchet from a chain
// secret captured mid-stream (a Welcome or AddAck forward): the
// ratchet starts at the sender's generation at capture time, so
// generations before it are undecryptable by construction.
func ResumeDecryptionRatchet(chainSecret []byte, generation uint64, maximumForwardDistance, outOfOrderTolerance uint64) DecryptionRatchet {
	d := NewDecryptionRatchet(chainSecret, maximumForwardDistance, outOfOrderTolerance)
	d.generation = generation
	return d
}

// KeyFor returns the message key for the given generation, ratcheting
// forward and caching any skipped intermediate keys as needed.
func (d DecryptionRatchet) KeyFor(generation uint64) (DecryptionRatchet, []byte, []byte, error) {
	next := d.clone()

	if generation < next.generation {
		sk, ok := next.skipped[generation]
		if !ok {
			return d, nil, nil, fmt.Errorf("ratchet: %w (generation %d, current %d)", ErrTooFarBehind, generation, next.generation)
		}
		delete(next.skipped, generation)
		return next, sk.key, sk.nonce, nil
	}

	distance := generation - next.generation
	if distance > next.maximumForwardDistance {
		return d, nil, nil, fmt.Errorf("ratchet: %w (distance %d)", ErrTooFarAhead, distance)
	}

	for next.generation < generation {
		key, err := deriveMessageKey(next.currentSecret, next.generation)
		if err != nil {
			return d, nil, nil, err
		}
		nonce := deriveNonce(next.currentSecret, next.generation)
		next.skipped[next.generation] = skippedKey{key: key, nonce: nonce}
		nextSecret, err := crypto.HKDFExpand(next.currentSecret, nil, []byte(infoChainStep), 32)
		if err != nil {
			return d, nil, nil, err
		}
		next.currentSecret = nextSecret
		next.generation++
		next.trimSkipped()
	}

	key, err := deriveMessageKey(next.currentSecret, next.generation)
	if err != nil {
		return d, nil, nil, err
	}
	nonce := deriveNonce(next.currentSecret, next.generation)

	nextSecret, err := crypto.HKDFExpand(next.currentSecret, nil, []byte(infoChainStep), 32)
	if err != nil {
		return d, nil, nil, err
	}
	next.currentSecret = nextSecret
	next.generation++
	next.trimSkipped()

	return next, key, nonce, nil
}

// Generation reports the ratchet's current (next-expected) generation.
func (d DecryptionRatchet) Generation() uint64 { return d.generation }

// SkippedCount reports how many out-of-order keys are currently
// retained, for resource-bound assertions in tests.
func (d DecryptionRatchet) SkippedCount() int { return len(d.skipped) }

func (d DecryptionRatchet) clone() DecryptionRatchet {
	cp := d
	cp.skipped = make(map[uint64]skippedKey, len(d.skipped))
	for k, v := range d.skipped {
		cp.skipped[k] = v
	}
	return cp
}

func (d *DecryptionRatchet) trimSkipped() {
	if d.outOfOrderTolerance == 0 {
		return
	}
	for gen := range d.skipped {
		if d.generation > gen && d.generation-gen > d.outOfOrderTolerance {
			delete(d.skipped, gen)
		}
	}
}

func deriveMessageKey(secret []byte, generation uint64) ([]byte, error) {
	info := fmt.Sprintf("%s-%d", infoMessageKey, generation)
	return crypto.HKDFExpand(secret, nil, []byte(info), 32)
}

func deriveNonce(secret []byte, generation uint64) []byte {
	nonce := make([]byte, 12)
	for i := 0; i < 8; i++ {
		nonce[4+i] = byte(generation >> (8 * (7 - i)))
	}
	if len(secret) > 0 {
		nonce[0] ^= secret[0]
	}
	return nonce
}
