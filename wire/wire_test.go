package wire

import (
	"crypto/ed25519"
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/zeebo/blake3"
)

func TestSignAndVerifyRoundTrip(t *testing.T) {
	pub, priv, err := ed25519.GenerateKey(nil)
	require.NoError(t, err)

	h := Header{
		Version:     CurrentVersion,
		PublicKey:   pub,
		PayloadSize: 5,
		TimestampUs: 1000,
		SeqNum:      0,
	}

	signed, err := h.Sign(priv)
	require.NoError(t, err)
	require.NotEmpty(t, signed.Signature)
	require.NoError(t, signed.Verify())

	tampered := signed
	tampered.SeqNum = 1
	require.ErrorIs(t, tampered.Verify(), ErrSignatureInvalid)
}

func TestIDIsDeterministicAndIgnoresSignature(t *testing.T) {
	pub, priv, err := ed25519.GenerateKey(nil)
	require.NoError(t, err)
	h := Header{Version: CurrentVersion, PublicKey: pub, PayloadSize: 1, SeqNum: 0}

	signed1, err := h.Sign(priv)
	require.NoError(t, err)
	signed2, err := h.Sign(priv)
	require.NoError(t, err)

	id1, err := signed1.ID()
	require.NoError(t, err)
	id2, err := signed2.ID()
	require.NoError(t, err)
	require.Equal(t, id1, id2)
}

func TestEncodeDecodeRoundTrip(t *testing.T) {
	pub, priv, err := ed25519.GenerateKey(nil)
	require.NoError(t, err)
	backlink := Hash(blake3.Sum256([]byte("prev")))
	h := Header{
		Version:     CurrentVersion,
		PublicKey:   pub,
		PayloadSize: 3,
		TimestampUs: 42,
		SeqNum:      1,
		Backlink:    &backlink,
		Previous:    []Hash{backlink},
	}
	signed, err := h.Sign(priv)
	require.NoError(t, err)

	b, err := signed.Encode()
	require.NoError(t, err)

	decoded, err := Decode(b)
	require.NoError(t, err)
	require.Equal(t, signed.SeqNum, decoded.SeqNum)
	require.NoError(t, decoded.Verify())
}

func TestValidateVersionRejectsUnknown(t *testing.T) {
	h := Header{Version: 99}
	require.ErrorIs(t, h.ValidateVersion(), ErrUnsupportedVersion)
}

func TestValidateAgainstPayloadDetectsMismatch(t *testing.T) {
	payload := []byte("hello world")
	sum := Hash(blake3.Sum256(payload))
	h := Header{PayloadSize: uint64(len(payload)), PayloadHash: &sum}
	require.NoError(t, h.ValidateAgainstPayload(payload))

	require.ErrorIs(t, h.ValidateAgainstPayload([]byte("tampered")), ErrPayloadMismatch)
}

func TestValidateBacklinkRules(t *testing.T) {
	first := Header{SeqNum: 0}
	require.NoError(t, first.ValidateBacklink(nil))

	badFirst := Header{SeqNum: 0, Backlink: &Hash{1}}
	require.ErrorIs(t, badFirst.ValidateBacklink(nil), ErrBacklinkMismatch)

	prev := Header{Version: CurrentVersion, SeqNum: 0, PayloadSize: 0}
	prevID, err := prev.ID()
	require.NoError(t, err)

	next := Header{SeqNum: 1, Backlink: &prevID}
	require.NoError(t, next.ValidateBacklink(&prev))

	wrongLink := Hash{9, 9, 9}
	bad := Header{SeqNum: 1, Backlink: &wrongLink}
	require.ErrorIs(t, bad.ValidateBacklink(&prev), ErrBacklinkMismatch)
}

func TestValidateSeqNumRules(t *testing.T) {
	h0 := Header{SeqNum: 0}
	require.NoError(t, h0.ValidateSeqNum(0, false))

	h1 := Header{SeqNum: 1}
	require.NoError(t, h1.ValidateSeqNum(0, true))

	skipped := Header{SeqNum: 2}
	require.ErrorIs(t, skipped.ValidateSeqNum(0, true), ErrNonIncrementalSeqNum)
}

func TestControlMessageRoundTrip(t *testing.T) {
	pub, priv, err := ed25519.GenerateKey(nil)
	require.NoError(t, err)
	h, err := Header{Version: CurrentVersion, PublicKey: pub, PayloadSize: 2, SeqNum: 0}.Sign(priv)
	require.NoError(t, err)

	msg := ControlMessage{
		GroupID: []byte("group-1"),
		Header:  h,
		Action:  []byte{0xde, 0xad},
		Direct: []DirectMessage{
			{Recipient: pub, Content: DirectContent{Kind: DirectTwoParty, Ciphertext: []byte("ct")}},
		},
	}

	b, err := msg.Encode()
	require.NoError(t, err)
	decoded, err := DecodeControlMessage(b)
	require.NoError(t, err)
	require.Equal(t, msg.GroupID, decoded.GroupID)
	require.Len(t, decoded.Direct, 1)
	require.Equal(t, DirectTwoParty, decoded.Direct[0].Content.Kind)
}
