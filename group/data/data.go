// Package data implements the data encryption scheme's group façade:
// members share an append-only bundle of group secrets, every
// application message is sealed under the latest one, and old secrets
// are retained so historical ciphertexts stay readable. Membership is
// governed by the CL-Set CRDT. See spec.md §4.8.
package data

import (
	"errors"
	"fmt"
	"io"

	"github.com/fxamacker/cbor/v2"
	"github.com/zeebo/blake3"

	"github.com/annwen/groupauth/crypto"
	"github.com/annwen/groupauth/dcgka"
	"github.com/annwen/groupauth/dgm/clset"
	"github.com/annwen/groupauth/keys"
	"github.com/annwen/groupauth/orderer"
	"github.com/annwen/groupauth/twosm"
	"github.com/annwen/groupauth/wire"
)

var (
	ErrAlreadyEstablished = errors.New("data: group already established for this member")
	ErrNotEstablished     = errors.New("data: group not yet established for this member")
	ErrRemoved            = errors.New("data: member has been removed from the group")
	ErrNoGroupSecret      = errors.New("data: no group secret available")
	// ErrUnknownGroupSecret is returned when a ciphertext references a
	// secret this member never learned — the expected outcome for a
	// removed member after the group rotates, spec.md §8 S2.
	ErrUnknownGroupSecret = errors.New("data: ciphertext references an unknown group secret")
)

// OutputKind tags a group event yielded by Receive.
type OutputKind int

const (
	OutputApplication OutputKind = iota
	OutputJoined
	OutputRemoved
)

// Output is one event produced by processing a received message.
type Output struct {
	Kind      OutputKind
	Sender    keys.MemberID
	Plaintext []byte
}

// State is one member's value-type group state for the data scheme,
// spec.md §3 "Group state (Data scheme)".
type State struct {
	myID   keys.MemberID
	myKeys *keys.Manager

	dcgka    dcgka.DataState
	ord      orderer.Orderer
	ordState orderer.State

	secrets    dcgka.SecretBundle
	isWelcomed bool
	removed    bool
}

// NewState returns a fresh, standby group state for the member whose
// secrets myKeys holds.
func NewState(ord orderer.Orderer, registry dcgka.PKI, myKeys *keys.Manager) State {
	return State{
		myID:     myKeys.MemberID,
		myKeys:   myKeys,
		dcgka:    dcgka.InitData(registry, myKeys, myKeys.MemberID),
		ord:      ord,
		ordState: orderer.NewState(myKeys.MemberID),
		secrets:  dcgka.NewSecretBundle(),
	}
}

// MyID returns the local member's identifier.
func (s State) MyID() keys.MemberID { return s.myID }

// IsWelcomed reports whether this member has joined the group.
func (s State) IsWelcomed() bool { return s.isWelcomed }

// Members returns the currently active member set.
func (s State) Members() map[keys.MemberID]struct{} {
	return clset.ActiveMembers(s.dcgka.DGM)
}

// Managers returns the active members holding Manage access.
func (s State) Managers() map[keys.MemberID]struct{} {
	return clset.Managers(s.dcgka.DGM)
}

// SecretCount reports how many group secrets this member retains.
func (s State) SecretCount() int { return s.secrets.Len() }

// TruncateSecrets drops all but the n newest group secrets, the
// application-driven retention hook of spec.md §4.8.
func (s State) TruncateSecrets(n int) State {
	s.secrets = s.secrets.Truncate(n)
	return s
}

// Create establishes a new group with the given initial members
// (ourselves included implicitly) and a fresh group secret, returning
// the control message to broadcast.
func Create(rng io.Reader, y State, initialMembers []keys.MemberID) (State, orderer.Message, error) {
	if y.isWelcomed {
		return y, orderer.Message{}, ErrAlreadyEstablished
	}

	secret, err := dcgka.GenerateGroupSecret(rng)
	if err != nil {
		return y, orderer.Message{}, err
	}

	next, out, err := dcgka.DataCreate(rng, y.dcgka, initialMembers, secret)
	if err != nil {
		return y, orderer.Message{}, err
	}
	y.dcgka = next

	y, msg, err := buildControl(y, out)
	if err != nil {
		return y, orderer.Message{}, err
	}

	y.dcgka, _, err = dcgka.DataProcess(y.dcgka, dcgka.DataProcessInput{
		Seq: msg.Header.SeqNum, Sender: y.myID, Control: out.Control,
	})
	if err != nil {
		return y, orderer.Message{}, err
	}

	y.secrets = y.secrets.Insert(secret)
	y.isWelcomed = true
	return y, msg, nil
}

// Add invites a new member, handing them the full secret bundle and
// the membership history via a Welcome direct message.
func Add(rng io.Reader, y State, added keys.MemberID) (State, orderer.Message, error) {
	if err := y.requireActive(); err != nil {
		return y, orderer.Message{}, err
	}

	next, out, err := dcgka.DataAdd(rng, y.dcgka, added, y.secrets)
	if err != nil {
		return y, orderer.Message{}, err
	}
	y.dcgka = next

	y, msg, err := buildControl(y, out)
	if err != nil {
		return y, orderer.Message{}, err
	}

	y.dcgka, _, err = dcgka.DataProcess(y.dcgka, dcgka.DataProcessInput{
		Seq: msg.Header.SeqNum, Sender: y.myID, Control: out.Control,
	})
	if err != nil {
		return y, orderer.Message{}, err
	}
	return y, msg, nil
}

// Remove evicts a member and rotates the group secret so the evicted
// member cannot read anything sent afterwards.
func Remove(rng io.Reader, y State, removed keys.MemberID) (State, orderer.Message, error) {
	if err := y.requireActive(); err != nil {
		return y, orderer.Message{}, err
	}

	secret, err := dcgka.GenerateGroupSecret(rng)
	if err != nil {
		return y, orderer.Message{}, err
	}

	next, out, err := dcgka.DataRemove(rng, y.dcgka, removed, secret)
	if err != nil {
		return y, orderer.Message{}, err
	}
	y.dcgka = next

	y, msg, err := buildControl(y, out)
	if err != nil {
		return y, orderer.Message{}, err
	}

	y.dcgka, _, err = dcgka.DataProcess(y.dcgka, dcgka.DataProcessInput{
		Seq: msg.Header.SeqNum, Sender: y.myID, Control: out.Control,
	})
	if err != nil {
		return y, orderer.Message{}, err
	}

	y.secrets = y.secrets.Insert(secret)
	return y, msg, nil
}

// Update rotates the group secret without a membership change.
func Update(rng io.Reader, y State) (State, orderer.Message, error) {
	if err := y.requireActive(); err != nil {
		return y, orderer.Message{}, err
	}

	secret, err := dcgka.GenerateGroupSecret(rng)
	if err != nil {
		return y, orderer.Message{}, err
	}

	next, out, err := dcgka.DataUpdate(rng, y.dcgka, secret)
	if err != nil {
		return y, orderer.Message{}, err
	}
	y.dcgka = next

	y, msg, err := buildControl(y, out)
	if err != nil {
		return y, orderer.Message{}, err
	}

	y.secrets = y.secrets.Insert(secret)
	return y, msg, nil
}

// dataEnvelope is the application-message payload: which group secret
// sealed it plus the XChaCha20-Poly1305 ciphertext (nonce prefixed).
type dataEnvelope struct {
	SecretID []byte `cbor:"1,keyasint"`
	Sealed   []byte `cbor:"2,keyasint"`
}

// Send seals plaintext under the latest group secret, spec.md §4.8.
func Send(y State, plaintext []byte) (State, orderer.Message, error) {
	if err := y.requireActive(); err != nil {
		return y, orderer.Message{}, err
	}
	latest, ok := y.secrets.Latest()
	if !ok {
		return y, orderer.Message{}, ErrNoGroupSecret
	}

	sealed, err := crypto.AEADSealXChaCha20Poly1305(latest.Secret, nil, plaintext)
	if err != nil {
		return y, orderer.Message{}, err
	}

	payload, err := encMode.Marshal(dataEnvelope{SecretID: latest.ID[:], Sealed: sealed})
	if err != nil {
		return y, orderer.Message{}, fmt.Errorf("data: encoding envelope: %w", err)
	}

	hash := wire.Hash(blake3.Sum256(payload))
	ordState, header, err := y.ord.NextApplicationMessage(y.ordState, y.myKeys.SigningSecret(), &hash, uint64(len(payload)))
	if err != nil {
		return y, orderer.Message{}, err
	}
	y.ordState = ordState

	return y, orderer.Message{
		Header:      header,
		Application: &wire.ApplicationMessage{Header: header, Ciphertext: payload},
	}, nil
}

// Receive feeds one received message through the orderer and
// processes everything that becomes causally ready, yielding group
// events. Messages arriving before this member's welcome are ignored,
// except the Create/Add that performs the welcome itself.
func Receive(y State, msg orderer.Message) (State, []Output, error) {
	if err := msg.Header.Verify(); err != nil {
		return y, nil, err
	}

	sender, err := senderID(msg.Header)
	if err != nil {
		return y, nil, err
	}

	if !y.isWelcomed && sender != y.myID {
		welcoming, err := welcomesUs(y, msg)
		if err != nil {
			return y, nil, err
		}
		if !welcoming {
			return y, nil, nil
		}
		if msg.Header.SeqNum > 0 || len(msg.Header.Previous) > 0 {
			y.ordState = y.ord.SetWelcome(y.ordState, msg)
		}
	}

	ordState, err := y.ord.Queue(y.ordState, msg)
	if err != nil {
		return y, nil, err
	}
	y.ordState = ordState

	var outputs []Output
	for {
		ordState, ready := y.ord.NextReadyMessage(y.ordState)
		y.ordState = ordState
		if ready == nil {
			break
		}
		y, outputs, err = processReady(y, *ready, outputs)
		if err != nil {
			return y, outputs, err
		}
	}
	return y, outputs, nil
}

func processReady(y State, m orderer.Message, outputs []Output) (State, []Output, error) {
	sender, err := senderID(m.Header)
	if err != nil {
		return y, outputs, err
	}
	if sender == y.myID {
		return y, outputs, nil
	}

	switch {
	case m.Control != nil:
		return processControl(y, sender, m, outputs)
	case m.Application != nil:
		return processApplication(y, sender, *m.Application, outputs)
	default:
		return y, outputs, errors.New("data: message carries neither control nor application payload")
	}
}

func processControl(y State, sender keys.MemberID, m orderer.Message, outputs []Output) (State, []Output, error) {
	ctl, err := decodeControl(m.Control.Action)
	if err != nil {
		return y, outputs, err
	}

	dm, err := directForUs(y.myID, m.Control.Direct)
	if err != nil {
		return y, outputs, err
	}

	wasWelcomed := y.isWelcomed
	next, out, err := dcgka.DataProcess(y.dcgka, dcgka.DataProcessInput{
		Seq: m.Header.SeqNum, Sender: sender, Control: ctl, DirectMessage: dm,
	})
	if err != nil {
		return y, outputs, err
	}
	y.dcgka = next

	switch out.Kind {
	case dcgka.DataSecretSecret:
		y.secrets = y.secrets.Insert(out.Secret)
	case dcgka.DataSecretBundle:
		y.secrets = y.secrets.Extend(out.Bundle)
	}

	switch ctl.Kind {
	case dcgka.DatCreate:
		for _, id := range ctl.InitialMembers {
			if id == y.myID {
				y.isWelcomed = true
			}
		}
	case dcgka.DatAdd:
		if ctl.Added == y.myID {
			y.isWelcomed = true
		}
	case dcgka.DatRemove:
		if ctl.Removed == y.myID {
			y.removed = true
			outputs = append(outputs, Output{Kind: OutputRemoved, Sender: sender})
		}
	}

	if !wasWelcomed && y.isWelcomed {
		outputs = append(outputs, Output{Kind: OutputJoined, Sender: sender})
	}
	return y, outputs, nil
}

func processApplication(y State, sender keys.MemberID, app wire.ApplicationMessage, outputs []Output) (State, []Output, error) {
	if !y.isWelcomed {
		return y, outputs, nil
	}

	var env dataEnvelope
	if err := cbor.Unmarshal(app.Ciphertext, &env); err != nil {
		return y, outputs, fmt.Errorf("data: decoding envelope: %w", err)
	}
	if len(env.SecretID) != 32 {
		return y, outputs, ErrUnknownGroupSecret
	}

	var id dcgka.GroupSecretID
	copy(id[:], env.SecretID)
	secret, ok := y.secrets.Get(id)
	if !ok {
		return y, outputs, ErrUnknownGroupSecret
	}

	plaintext, err := crypto.AEADOpenXChaCha20Poly1305(secret.Secret, nil, env.Sealed)
	if err != nil {
		return y, outputs, err
	}

	outputs = append(outputs, Output{Kind: OutputApplication, Sender: sender, Plaintext: plaintext})
	return y, outputs, nil
}

func (s State) requireActive() error {
	if s.removed {
		return ErrRemoved
	}
	if !s.isWelcomed {
		return ErrNotEstablished
	}
	return nil
}

// welcomesUs reports whether a not-yet-queued control message is the
// one that brings this member into the group.
func welcomesUs(y State, msg orderer.Message) (bool, error) {
	if msg.Control == nil {
		return false, nil
	}
	ctl, err := decodeControl(msg.Control.Action)
	if err != nil {
		return false, err
	}
	switch ctl.Kind {
	case dcgka.DatCreate:
		for _, id := range ctl.InitialMembers {
			if id == y.myID {
				return true, nil
			}
		}
	case dcgka.DatAdd:
		return ctl.Added == y.myID, nil
	}
	return false, nil
}

var encMode = func() cbor.EncMode {
	mode, err := cbor.CanonicalEncOptions().EncMode()
	if err != nil {
		panic(err)
	}
	return mode
}()

func decodeControl(action []byte) (dcgka.DataControlMessage, error) {
	var ctl dcgka.DataControlMessage
	if err := cbor.Unmarshal(action, &ctl); err != nil {
		return ctl, fmt.Errorf("data: decoding control message: %w", err)
	}
	return ctl, nil
}

// directForUs picks out and decodes the direct message addressed to
// us, if any.
func directForUs(myID keys.MemberID, directs []wire.DirectMessage) (*dcgka.DataDirectMessage, error) {
	for _, d := range directs {
		if len(d.Recipient) != len(myID) || string(d.Recipient) != string(myID[:]) {
			continue
		}
		ct, err := twosm.DecodeMessage(d.Content.Ciphertext)
		if err != nil {
			return nil, fmt.Errorf("data: decoding direct 2sm message: %w", err)
		}
		dm := &dcgka.DataDirectMessage{Recipient: myID, Ciphertext: ct}
		switch d.Content.Kind {
		case wire.DirectTwoParty:
			dm.Kind = dcgka.DataDirectTwoParty
		case wire.DirectWelcome:
			dm.Kind = dcgka.DataDirectWelcome
			if err := cbor.Unmarshal(d.Content.DGMHistory, &dm.History); err != nil {
				return nil, fmt.Errorf("data: decoding welcome history: %w", err)
			}
		default:
			return nil, fmt.Errorf("data: unexpected direct content kind %d", d.Content.Kind)
		}
		return dm, nil
	}
	return nil, nil
}

// buildControl sequences, signs, and envelopes a DCGKA operation
// output into a broadcastable message.
func buildControl(y State, out dcgka.DataOperationOutput) (State, orderer.Message, error) {
	action, err := encMode.Marshal(out.Control)
	if err != nil {
		return y, orderer.Message{}, fmt.Errorf("data: encoding control message: %w", err)
	}

	directs := make([]wire.DirectMessage, 0, len(out.Direct))
	for _, d := range out.Direct {
		ct, err := twosm.EncodeMessage(d.Ciphertext)
		if err != nil {
			return y, orderer.Message{}, fmt.Errorf("data: encoding direct 2sm message: %w", err)
		}
		content := wire.DirectContent{Ciphertext: ct}
		switch d.Kind {
		case dcgka.DataDirectTwoParty:
			content.Kind = wire.DirectTwoParty
		case dcgka.DataDirectWelcome:
			content.Kind = wire.DirectWelcome
			history, err := encMode.Marshal(d.History)
			if err != nil {
				return y, orderer.Message{}, fmt.Errorf("data: encoding welcome history: %w", err)
			}
			content.DGMHistory = history
		}
		directs = append(directs, wire.DirectMessage{Recipient: append([]byte{}, d.Recipient[:]...), Content: content})
	}

	hash := wire.Hash(blake3.Sum256(action))
	ordState, header, err := y.ord.NextControlMessage(y.ordState, y.myKeys.SigningSecret(), action, &hash)
	if err != nil {
		return y, orderer.Message{}, err
	}
	y.ordState = ordState

	return y, orderer.Message{
		Header:  header,
		Control: &wire.ControlMessage{Header: header, Action: action, Direct: directs},
	}, nil
}

func senderID(h wire.Header) (keys.MemberID, error) {
	var id keys.MemberID
	if len(h.PublicKey) != len(id) {
		return id, fmt.Errorf("data: header public key has unexpected length %d", len(h.PublicKey))
	}
	copy(id[:], h.PublicKey)
	return id, nil
}
