package twosm

import "github.com/fxamacker/cbor/v2"

var canonicalEncMode = func() cbor.EncMode {
	opts := cbor.CanonicalEncOptions()
	mode, err := opts.EncMode()
	if err != nil {
		panic(err)
	}
	return mode
}()

func encodePayload(p plaintextPayload) ([]byte, error) {
	return canonicalEncMode.Marshal(p)
}

func decodePayload(b []byte) (plaintextPayload, error) {
	var p plaintextPayload
	if err := cbor.Unmarshal(b, &p); err != nil {
		return plaintextPayload{}, err
	}
	return p, nil
}

// EncodeMessage serializes a session Message so it can be carried
// inside a group scheme's direct message on the wire.
func EncodeMessage(m Message) ([]byte, error) {
	return cbor.Marshal(m)
}

// DecodeMessage parses bytes produced by EncodeMessage.
func DecodeMessage(b []byte) (Message, error) {
	var m Message
	if err := cbor.Unmarshal(b, &m); err != nil {
		return Message{}, err
	}
	return m, nil
}
