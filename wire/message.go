package wire

import "fmt"

// DirectContentKind discriminates the three kinds of direct-message
// content a control message may carry alongside its broadcast part.
type DirectContentKind uint8

const (
	DirectTwoParty DirectContentKind = iota
	DirectWelcome
	DirectForward
)

// DirectContent is a plain 2SM ciphertext, a Welcome carrying both a
// 2SM ciphertext and a DGM history snapshot for the newcomer to
// rebuild membership state from, or an AddAck forward carrying an
// acknowledging member's ratchet snapshot to the newcomer.
type DirectContent struct {
	Kind       DirectContentKind `cbor:"1,keyasint"`
	Ciphertext []byte            `cbor:"2,keyasint"`
	DGMHistory []byte            `cbor:"3,keyasint,omitempty"`
}

// DirectMessage pairs a recipient with the content addressed to them.
type DirectMessage struct {
	Recipient []byte        `cbor:"1,keyasint"`
	Content   DirectContent `cbor:"2,keyasint"`
}

// ControlMessage is the broadcast envelope: a signed header plus an
// opaque action payload (the DCGKA control-message body) and any
// direct messages riding alongside it, per spec.md §6.
type ControlMessage struct {
	GroupID []byte          `cbor:"1,keyasint,omitempty"`
	Header  Header          `cbor:"2,keyasint"`
	Action  []byte          `cbor:"3,keyasint"`
	Direct  []DirectMessage `cbor:"4,keyasint,omitempty"`
}

// Encode returns the canonical CBOR encoding of the full control
// message, header signature included.
func (m ControlMessage) Encode() ([]byte, error) {
	b, err := encMode.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("wire: encoding control message: %w", err)
	}
	return b, nil
}

// DecodeControlMessage parses a canonically-encoded control message.
func DecodeControlMessage(b []byte) (ControlMessage, error) {
	var m ControlMessage
	if err := decodeCBOR(b, &m); err != nil {
		return ControlMessage{}, fmt.Errorf("wire: decoding control message: %w", err)
	}
	return m, nil
}

// ApplicationMessage carries an encrypted payload for the data or
// message encryption scheme, addressed by the author's header.
type ApplicationMessage struct {
	Header     Header `cbor:"1,keyasint"`
	Nonce      []byte `cbor:"2,keyasint,omitempty"`
	Ciphertext []byte `cbor:"3,keyasint"`
}

func (m ApplicationMessage) Encode() ([]byte, error) {
	b, err := encMode.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("wire: encoding application message: %w", err)
	}
	return b, nil
}

func DecodeApplicationMessage(b []byte) (ApplicationMessage, error) {
	var m ApplicationMessage
	if err := decodeCBOR(b, &m); err != nil {
		return ApplicationMessage{}, fmt.Errorf("wire: decoding application message: %w", err)
	}
	return m, nil
}
