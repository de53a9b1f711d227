// Package wire implements the operation header codec: canonical CBOR
// encoding, BLAKE3 operation identifiers, and Ed25519 header signing
// with the signature field elided from the signed bytes.
package wire

import (
	"bytes"
	"crypto/ed25519"
	"errors"
	"fmt"

	"github.com/fxamacker/cbor/v2"
	"github.com/zeebo/blake3"
)

// CurrentVersion is the only header version this codec accepts.
const CurrentVersion = 1

var (
	ErrUnsupportedVersion   = errors.New("wire: unsupported header version")
	ErrInconsistentPayload  = errors.New("wire: inconsistent payload info")
	ErrBacklinkMismatch     = errors.New("wire: backlink missing or mismatched")
	ErrTooManyAuthors       = errors.New("wire: too many authors in log")
	ErrNonIncrementalSeqNum = errors.New("wire: seq_num is not incremental")
	ErrPayloadMismatch      = errors.New("wire: payload hash or size mismatch")
	ErrSignatureInvalid     = errors.New("wire: header signature invalid or missing")
)

// Hash is a BLAKE3 digest, used both as an operation identifier and
// as a backlink/previous reference.
type Hash [32]byte

func (h Hash) String() string { return fmt.Sprintf("%x", h[:]) }

// Header is the canonical operation envelope carried by every
// broadcast message: version, author, optional signature, payload
// metadata, logical clock, and causal backpointers.
type Header struct {
	Version     uint8          `cbor:"1,keyasint"`
	PublicKey   []byte         `cbor:"2,keyasint"`
	Signature   []byte         `cbor:"3,keyasint,omitempty"`
	PayloadSize uint64         `cbor:"4,keyasint"`
	PayloadHash *Hash          `cbor:"5,keyasint,omitempty"`
	TimestampUs int64          `cbor:"6,keyasint"`
	SeqNum      uint64         `cbor:"7,keyasint"`
	Backlink    *Hash          `cbor:"8,keyasint,omitempty"`
	Previous    []Hash         `cbor:"9,keyasint,omitempty"`
	Extensions  map[string][]byte `cbor:"10,keyasint,omitempty"`
}

var encMode = func() cbor.EncMode {
	opts := cbor.CanonicalEncOptions()
	mode, err := opts.EncMode()
	if err != nil {
		panic(fmt.Sprintf("wire: building canonical cbor encoder: %v", err))
	}
	return mode
}()

// CanonicalBytes returns the deterministic CBOR encoding of the
// header, with the signature field elided — this is exactly what
// gets signed and hashed.
func (h Header) CanonicalBytes() ([]byte, error) {
	unsigned := h
	unsigned.Signature = nil
	return encMode.Marshal(unsigned)
}

// Encode returns the canonical CBOR encoding including the signature
// field, for transmission/storage.
func (h Header) Encode() ([]byte, error) {
	return encMode.Marshal(h)
}

// Decode parses a canonically-encoded header.
func Decode(b []byte) (Header, error) {
	var h Header
	if err := decodeCBOR(b, &h); err != nil {
		return Header{}, fmt.Errorf("wire: decoding header: %w", err)
	}
	return h, nil
}

func decodeCBOR(b []byte, v interface{}) error {
	return cbor.Unmarshal(b, v)
}

// ID computes the operation identifier: BLAKE3 of the canonical
// (signature-elided) header encoding.
func (h Header) ID() (Hash, error) {
	b, err := h.CanonicalBytes()
	if err != nil {
		return Hash{}, err
	}
	return Hash(blake3.Sum256(b)), nil
}

// Sign signs the canonical header bytes with the author's Ed25519
// secret key and returns a copy of the header carrying the signature.
func (h Header) Sign(secretKey ed25519.PrivateKey) (Header, error) {
	unsigned, err := h.CanonicalBytes()
	if err != nil {
		return Header{}, err
	}
	signed := h
	signed.Signature = ed25519.Sign(secretKey, unsigned)
	return signed, nil
}

// Verify checks the header's Ed25519 signature against its own
// PublicKey field. Fails on an absent or mismatching signature.
func (h Header) Verify() error {
	if len(h.Signature) == 0 {
		return ErrSignatureInvalid
	}
	unsigned, err := h.CanonicalBytes()
	if err != nil {
		return err
	}
	if !ed25519.Verify(ed25519.PublicKey(h.PublicKey), unsigned, h.Signature) {
		return ErrSignatureInvalid
	}
	return nil
}

// ValidateAgainstPayload checks payload_size and payload_hash (when
// present) against the actual payload bytes.
func (h Header) ValidateAgainstPayload(payload []byte) error {
	if h.PayloadSize != uint64(len(payload)) {
		return ErrPayloadMismatch
	}
	if h.PayloadHash != nil {
		sum := Hash(blake3.Sum256(payload))
		if !bytes.Equal(sum[:], h.PayloadHash[:]) {
			return ErrPayloadMismatch
		}
	}
	return nil
}

// ValidateVersion rejects any header not on CurrentVersion.
func (h Header) ValidateVersion() error {
	if h.Version != CurrentVersion {
		return fmt.Errorf("%w: got %d, want %d", ErrUnsupportedVersion, h.Version, CurrentVersion)
	}
	return nil
}

// ValidateBacklink checks that a non-initial header in an author's
// log (seq_num > 0) carries a backlink equal to the previous header's
// own ID, and that the first header in a log (seq_num == 0) carries
// none.
func (h Header) ValidateBacklink(previous *Header) error {
	if h.SeqNum == 0 {
		if h.Backlink != nil {
			return ErrBacklinkMismatch
		}
		return nil
	}
	if previous == nil || h.Backlink == nil {
		return ErrBacklinkMismatch
	}
	prevID, err := previous.ID()
	if err != nil {
		return err
	}
	if *h.Backlink != prevID {
		return ErrBacklinkMismatch
	}
	return nil
}

// ValidateSeqNum checks that seq_num strictly increments by one over
// an author's previous header, per-author FIFO ordering (spec.md
// §4.9's guarantee starts at the codec boundary).
func (h Header) ValidateSeqNum(previousSeqNum uint64, hasPrevious bool) error {
	if !hasPrevious {
		if h.SeqNum != 0 {
			return ErrNonIncrementalSeqNum
		}
		return nil
	}
	if h.SeqNum != previousSeqNum+1 {
		return ErrNonIncrementalSeqNum
	}
	return nil
}
