// Package message implements the message encryption scheme's group
// façade: per-sender symmetric ratchets reseeded by DCGKA update
// secrets give every message forward secrecy, and rotating on
// membership changes gives post-compromise security. Membership is
// tracked by the acked-DGM causal history. See spec.md §4.7.
package message

import (
	"errors"
	"fmt"
	"io"

	"github.com/fxamacker/cbor/v2"
	"github.com/zeebo/blake3"

	"github.com/annwen/groupauth/crypto"
	"github.com/annwen/groupauth/dcgka"
	"github.com/annwen/groupauth/keys"
	"github.com/annwen/groupauth/orderer"
	"github.com/annwen/groupauth/ratchet"
	"github.com/annwen/groupauth/twosm"
	"github.com/annwen/groupauth/wire"
)

var (
	ErrAlreadyEstablished = errors.New("message: group already established for this member")
	ErrNotEstablished     = errors.New("message: group not yet established for this member")
	ErrRemoved            = errors.New("message: member has been removed from the group")
	// ErrUnknownSenderRatchet is returned when an application message
	// arrives from a sender whose update secret we never received.
	ErrUnknownSenderRatchet = errors.New("message: no decryption ratchet for sender")
)

// Config bounds the decryption ratchets' skip behavior, spec.md §3.
type Config struct {
	MaximumForwardDistance uint64
	OutOfOrderTolerance    uint64
}

// DefaultConfig mirrors the defaults of the reference implementation.
func DefaultConfig() Config {
	return Config{MaximumForwardDistance: 1000, OutOfOrderTolerance: 100}
}

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

// State is one member's value-type group state for the message
// scheme, spec.md §3 "Group state (Message scheme)". The encryption
// ratchet is non-nil exactly while the member is welcomed and not
// removed.
type State struct {
	myID   keys.MemberID
	myKeys *keys.Manager

	dcgka    dcgka.MessageState
	ord      orderer.Orderer
	ordState orderer.State

	enc *ratchet.EncryptionRatchet
	dec map[keys.MemberID]ratchet.DecryptionRatchet

	// covered tracks who received our current update secret over 2SM,
	// so Receive knows when a grown membership view needs a rekey.
	covered map[keys.MemberID]struct{}

	welcomed bool
	removed  bool

	config Config
}

// NewState returns a fresh, standby group state for the member whose
// secrets myKeys holds.
func NewState(ord orderer.Orderer, registry dcgka.PKI, myKeys *keys.Manager, config Config) State {
	return State{
		myID:     myKeys.MemberID,
		myKeys:   myKeys,
		dcgka:    dcgka.InitMessage(registry, myKeys, myKeys.MemberID),
		ord:      ord,
		ordState: orderer.NewState(myKeys.MemberID),
		dec:      make(map[keys.MemberID]ratchet.DecryptionRatchet),
		covered:  make(map[keys.MemberID]struct{}),
		config:   config,
	}
}

// MyID returns the local member's identifier.
func (s State) MyID() keys.MemberID { return s.myID }

// IsWelcomed reports whether this member has joined the group.
func (s State) IsWelcomed() bool { return s.welcomed }

// Members returns the member set this member's causal history
// establishes from its own point of view.
func (s State) Members() map[keys.MemberID]struct{} {
	return s.dcgka.Members()
}

func (s State) cloneMaps() State {
	dec := make(map[keys.MemberID]ratchet.DecryptionRatchet, len(s.dec))
	for k, v := range s.dec {
		dec[k] = v
	}
	covered := make(map[keys.MemberID]struct{}, len(s.covered))
	for k := range s.covered {
		covered[k] = struct{}{}
	}
	s.dec = dec
	s.covered = covered
	return s
}

// ratchetSnapshot is the payload of Welcome and AddAck forwards: a
// sender's chain secret captured mid-stream plus the generation it
// was captured at.
type ratchetSnapshot struct {
	Secret     []byte `cbor:"1,keyasint"`
	Generation uint64 `cbor:"2,keyasint"`
}

// messageEnvelope is the application-message payload: the sender's
// ratchet generation plus the AES-GCM ciphertext sealed under that
// generation's key and nonce.
type messageEnvelope struct {
	Generation uint64 `cbor:"1,keyasint"`
	Sealed     []byte `cbor:"2,keyasint"`
}

// Create establishes a new group with the given initial members
// (ourselves included implicitly), distributing a fresh update secret
// that seeds our encryption ratchet.
func Create(rng io.Reader, y State, initialMembers []keys.MemberID) (State, []orderer.Message, error) {
	if y.welcomed {
		return y, nil, ErrAlreadyEstablished
	}
	y = y.cloneMaps()

	secret, err := newUpdateSecret(rng)
	if err != nil {
		return y, nil, err
	}

	next, out, err := dcgka.MessageCreate(rng, y.dcgka, initialMembers, secret)
	if err != nil {
		return y, nil, err
	}
	y.dcgka = next

	y, msg, err := buildControl(y, out)
	if err != nil {
		return y, nil, err
	}

	y.dcgka, _, err = dcgka.MessageProcess(y.dcgka, dcgka.MessageProcessInput{
		Seq: msg.Header.SeqNum, Sender: y.myID, Control: out.Control,
	})
	if err != nil {
		return y, nil, err
	}

	enc := ratchet.NewEncryptionRatchet(secret)
	y.enc = &enc
	y.welcomed = true
	y.covered = make(map[keys.MemberID]struct{}, len(out.Control.InitialMembers))
	for _, id := range out.Control.InitialMembers {
		y.covered[id] = struct{}{}
	}
	return y, []orderer.Message{msg}, nil
}

// Update rotates our update secret, reseeding our encryption ratchet
// and handing every current member the new seed over 2SM.
func Update(rng io.Reader, y State) (State, []orderer.Message, error) {
	if err := y.requireActive(); err != nil {
		return y, nil, err
	}
	y = y.cloneMaps()

	y, msg, err := rekey(rng, y)
	if err != nil {
		return y, nil, err
	}
	return y, []orderer.Message{msg}, nil
}

// Remove evicts a member and rotates our update secret so the evicted
// member cannot read anything we send afterwards.
func Remove(rng io.Reader, y State, removed keys.MemberID) (State, []orderer.Message, error) {
	if err := y.requireActive(); err != nil {
		return y, nil, err
	}
	y = y.cloneMaps()

	secret, err := newUpdateSecret(rng)
	if err != nil {
		return y, nil, err
	}

	next, out, err := dcgka.MessageRemove(rng, y.dcgka, removed, secret)
	if err != nil {
		return y, nil, err
	}
	y.dcgka = next

	y, msg, err := buildControl(y, out)
	if err != nil {
		return y, nil, err
	}

	y.dcgka, _, err = dcgka.MessageProcess(y.dcgka, dcgka.MessageProcessInput{
		Seq: msg.Header.SeqNum, Sender: y.myID, Control: out.Control,
	})
	if err != nil {
		return y, nil, err
	}

	enc := ratchet.NewEncryptionRatchet(secret)
	y.enc = &enc
	delete(y.dec, removed)
	delete(y.covered, removed)
	y.covered = currentView(y)
	return y, []orderer.Message{msg}, nil
}

// Add invites a new member. The Welcome carries our membership
// history and our current ratchet snapshot; we also immediately
// acknowledge our own add so the newcomer's view includes us, the
// same obligation every other established member discharges when they
// process the Add. Spec.md §4.4/§4.5.
func Add(rng io.Reader, y State, added keys.MemberID) (State, []orderer.Message, error) {
	if err := y.requireActive(); err != nil {
		return y, nil, err
	}
	y = y.cloneMaps()

	snapshot, err := encMode.Marshal(ratchetSnapshot{Secret: y.enc.CurrentSecret(), Generation: y.enc.Generation()})
	if err != nil {
		return y, nil, fmt.Errorf("message: encoding ratchet snapshot: %w", err)
	}

	next, out, err := dcgka.MessageAdd(rng, y.dcgka, added, snapshot)
	if err != nil {
		return y, nil, err
	}
	y.dcgka = next

	y, addMsg, err := buildControl(y, out)
	if err != nil {
		return y, nil, err
	}

	y.dcgka, _, err = dcgka.MessageProcess(y.dcgka, dcgka.MessageProcessInput{
		Seq: addMsg.Header.SeqNum, Sender: y.myID, Control: out.Control,
	})
	if err != nil {
		return y, nil, err
	}

	y, ackMsg, err := emitAddAck(rng, y, added, addMsg.Header.SeqNum)
	if err != nil {
		return y, nil, err
	}

	y.covered[added] = struct{}{}
	return y, []orderer.Message{addMsg, ackMsg}, nil
}

// Send seals plaintext under the next generation of our encryption
// ratchet. Requires the member to be active, spec.md §4.7.
func Send(y State, plaintext []byte) (State, orderer.Message, error) {
	if err := y.requireActive(); err != nil {
		return y, orderer.Message{}, err
	}

	nextEnc, generation, key, nonce, err := y.enc.RatchetForward()
	if err != nil {
		return y, orderer.Message{}, err
	}

	sealed, err := crypto.AEADSealAESGCM(key, nonce, nil, plaintext)
	if err != nil {
		return y, orderer.Message{}, err
	}

	payload, err := encMode.Marshal(messageEnvelope{Generation: generation, Sealed: sealed})
	if err != nil {
		return y, orderer.Message{}, fmt.Errorf("message: encoding envelope: %w", err)
	}

	hash := wire.Hash(blake3.Sum256(payload))
	ordState, header, err := y.ord.NextApplicationMessage(y.ordState, y.myKeys.SigningSecret(), &hash, uint64(len(payload)))
	if err != nil {
		return y, orderer.Message{}, err
	}
	y.ordState = ordState
	y.enc = &nextEnc

	return y, orderer.Message{
		Header:      header,
		Application: &wire.ApplicationMessage{Header: header, Ciphertext: payload},
	}, nil
}

// Receive feeds one received message through the orderer and
// processes everything that becomes causally ready. Beyond yielding
// group events, it may return messages of our own that the protocol
// obliges us to broadcast in response: AddAcks for newcomers and
// update rekeys whenever our membership view grows or shrinks.
func Receive(rng io.Reader, y State, msg orderer.Message) (State, []Output, []orderer.Message, error) {
	if err := msg.Header.Verify(); err != nil {
		return y, nil, nil, err
	}

	sender, err := senderID(msg.Header)
	if err != nil {
		return y, nil, nil, err
	}

	if !y.welcomed && sender != y.myID {
		welcoming, err := welcomesUs(y, msg)
		if err != nil {
			return y, nil, nil, err
		}
		if !welcoming {
			return y, nil, nil, nil
		}
		if msg.Header.SeqNum > 0 || len(msg.Header.Previous) > 0 {
			y.ordState = y.ord.SetWelcome(y.ordState, msg)
		}
	}

	y = y.cloneMaps()

	ordState, err := y.ord.Queue(y.ordState, msg)
	if err != nil {
		return y, nil, nil, err
	}
	y.ordState = ordState

	var (
		outputs     []Output
		pendingAcks []pendingAck
		needRekey   bool
	)
	for {
		ordState, ready := y.ord.NextReadyMessage(y.ordState)
		y.ordState = ordState
		if ready == nil {
			break
		}
		y, outputs, pendingAcks, needRekey, err = processReady(y, *ready, outputs, pendingAcks, needRekey)
		if err != nil {
			return y, outputs, nil, err
		}
	}

	var outgoing []orderer.Message
	if y.welcomed && !y.removed {
		if y.enc == nil || needRekey || viewGrewPast(y) {
			var rekeyMsg orderer.Message
			y, rekeyMsg, err = rekey(rng, y)
			if err != nil {
				return y, outputs, outgoing, err
			}
			outgoing = append(outgoing, rekeyMsg)
		}
		for _, ack := range pendingAcks {
			var ackMsg orderer.Message
			y, ackMsg, err = emitAddAck(rng, y, ack.newcomer, ack.seq)
			if err != nil {
				return y, outputs, outgoing, err
			}
			outgoing = append(outgoing, ackMsg)
		}
	}
	return y, outputs, outgoing, nil
}

type pendingAck struct {
	newcomer keys.MemberID
	seq      uint64
}

func processReady(y State, m orderer.Message, outputs []Output, pendingAcks []pendingAck, needRekey bool) (State, []Output, []pendingAck, bool, error) {
	sender, err := senderID(m.Header)
	if err != nil {
		return y, outputs, pendingAcks, needRekey, err
	}
	if sender == y.myID {
		return y, outputs, pendingAcks, needRekey, nil
	}

	if m.Application != nil {
		y, outputs, err = processApplication(y, sender, *m.Application, outputs)
		return y, outputs, pendingAcks, needRekey, err
	}
	if m.Control == nil {
		return y, outputs, pendingAcks, needRekey, errors.New("message: message carries neither control nor application payload")
	}

	ctl, err := decodeControl(m.Control.Action)
	if err != nil {
		return y, outputs, pendingAcks, needRekey, err
	}
	dm, err := directForUs(y.myID, m.Control.Direct)
	if err != nil {
		return y, outputs, pendingAcks, needRekey, err
	}

	next, result, err := dcgka.MessageProcess(y.dcgka, dcgka.MessageProcessInput{
		Seq: m.Header.SeqNum, Sender: sender, Control: ctl, DirectMessage: dm,
	})
	if err != nil {
		return y, outputs, pendingAcks, needRekey, err
	}
	y.dcgka = next

	y, err = installSecret(y, result.Secret)
	if err != nil {
		return y, outputs, pendingAcks, needRekey, err
	}

	switch ctl.Kind {
	case dcgka.MsgCreate:
		for _, id := range ctl.InitialMembers {
			if id == y.myID && !y.welcomed {
				y.welcomed = true
				outputs = append(outputs, Output{Kind: OutputJoined, Sender: sender})
			}
		}
	case dcgka.MsgAdd:
		if ctl.Added == y.myID {
			if !y.welcomed {
				y.welcomed = true
				outputs = append(outputs, Output{Kind: OutputJoined, Sender: sender})
			}
		}
	case dcgka.MsgRemove:
		if ctl.Removed == y.myID {
			y.removed = true
			y.enc = nil
			outputs = append(outputs, Output{Kind: OutputRemoved, Sender: sender})
		} else {
			// Rotate: the evicted member still holds our current
			// chain secret, post-compromise security demands a fresh
			// one it never learns.
			needRekey = true
			delete(y.dec, ctl.Removed)
			delete(y.covered, ctl.Removed)
		}
	}

	for _, newcomer := range result.PendingAddAcks {
		pendingAcks = append(pendingAcks, pendingAck{newcomer: newcomer, seq: m.Header.SeqNum})
	}
	return y, outputs, pendingAcks, needRekey, nil
}

// installSecret turns a DCGKA secret output into the sender's
// decryption ratchet: fresh update secrets start at generation zero,
// forwarded snapshots resume at the sender's captured position.
func installSecret(y State, secret dcgka.MessageSecretOutput) (State, error) {
	switch secret.Kind {
	case dcgka.MessageSecretUpdate:
		y.dec[secret.From] = ratchet.NewDecryptionRatchet(secret.UpdateSecret, y.config.MaximumForwardDistance, y.config.OutOfOrderTolerance)
	case dcgka.MessageSecretForward:
		if len(secret.UpdateSecret) == 0 {
			return y, nil
		}
		var snap ratchetSnapshot
		if err := cbor.Unmarshal(secret.UpdateSecret, &snap); err != nil {
			return y, fmt.Errorf("message: decoding ratchet snapshot: %w", err)
		}
		y.dec[secret.From] = ratchet.ResumeDecryptionRatchet(snap.Secret, snap.Generation, y.config.MaximumForwardDistance, y.config.OutOfOrderTolerance)
	}
	return y, nil
}

func processApplication(y State, sender keys.MemberID, app wire.ApplicationMessage, outputs []Output) (State, []Output, error) {
	if !y.welcomed {
		return y, outputs, nil
	}

	var env messageEnvelope
	if err := cbor.Unmarshal(app.Ciphertext, &env); err != nil {
		return y, outputs, fmt.Errorf("message: decoding envelope: %w", err)
	}

	dec, ok := y.dec[sender]
	if !ok {
		return y, outputs, ErrUnknownSenderRatchet
	}

	nextDec, key, nonce, err := dec.KeyFor(env.Generation)
	if err != nil {
		return y, outputs, err
	}

	plaintext, err := crypto.AEADOpenAESGCM(key, nonce, nil, env.Sealed)
	if err != nil {
		return y, outputs, err
	}

	y.dec[sender] = nextDec
	outputs = append(outputs, Output{Kind: OutputApplication, Sender: sender, Plaintext: plaintext})
	return y, outputs, nil
}

// rekey rotates our update secret: fresh encryption ratchet, new 2SM
// delivery to every member currently in our view.
func rekey(rng io.Reader, y State) (State, orderer.Message, error) {
	secret, err := newUpdateSecret(rng)
	if err != nil {
		return y, orderer.Message{}, err
	}

	next, out, err := dcgka.MessageUpdate(rng, y.dcgka, secret)
	if err != nil {
		return y, orderer.Message{}, err
	}
	y.dcgka = next

	y, msg, err := buildControl(y, out)
	if err != nil {
		return y, orderer.Message{}, err
	}

	enc := ratchet.NewEncryptionRatchet(secret)
	y.enc = &enc
	y.covered = currentView(y)
	return y, msg, nil
}

func emitAddAck(rng io.Reader, y State, newcomer keys.MemberID, ackSeq uint64) (State, orderer.Message, error) {
	snapshot, err := encMode.Marshal(ratchetSnapshot{Secret: y.enc.CurrentSecret(), Generation: y.enc.Generation()})
	if err != nil {
		return y, orderer.Message{}, fmt.Errorf("message: encoding ratchet snapshot: %w", err)
	}

	next, out, err := dcgka.MessageAddAck(rng, y.dcgka, newcomer, ackSeq, snapshot)
	if err != nil {
		return y, orderer.Message{}, err
	}
	y.dcgka = next

	y, msg, err := buildControl(y, out)
	if err != nil {
		return y, orderer.Message{}, err
	}

	y.dcgka, _, err = dcgka.MessageProcess(y.dcgka, dcgka.MessageProcessInput{
		Seq: msg.Header.SeqNum, Sender: y.myID, Control: out.Control,
	})
	if err != nil {
		return y, orderer.Message{}, err
	}

	y.covered[newcomer] = struct{}{}
	return y, msg, nil
}

func (s State) requireActive() error {
	if s.removed {
		return ErrRemoved
	}
	if !s.welcomed || s.enc == nil {
		return ErrNotEstablished
	}
	return nil
}

func currentView(y State) map[keys.MemberID]struct{} {
	view := y.dcgka.Members()
	covered := make(map[keys.MemberID]struct{}, len(view))
	for id := range view {
		covered[id] = struct{}{}
	}
	return covered
}

// viewGrewPast reports whether our membership view now contains
// members who never received our current update secret.
func viewGrewPast(y State) bool {
	for id := range y.dcgka.Members() {
		if id == y.myID {
			continue
		}
		if _, ok := y.covered[id]; !ok {
			return true
		}
	}
	return false
}

func welcomesUs(y State, msg orderer.Message) (bool, error) {
	if msg.Control == nil {
		return false, nil
	}
	ctl, err := decodeControl(msg.Control.Action)
	if err != nil {
		return false, err
	}
	switch ctl.Kind {
	case dcgka.MsgCreate:
		for _, id := range ctl.InitialMembers {
			if id == y.myID {
				return true, nil
			}
		}
	case dcgka.MsgAdd:
		return ctl.Added == y.myID, nil
	}
	return false, nil
}

func newUpdateSecret(rng io.Reader) ([]byte, error) {
	secret := make([]byte, 32)
	if _, err := io.ReadFull(rng, secret); err != nil {
		return nil, err
	}
	return secret, nil
}

var encMode = func() cbor.EncMode {
	mode, err := cbor.CanonicalEncOptions().EncMode()
	if err != nil {
		panic(err)
	}
	return mode
}()

func decodeControl(action []byte) (dcgka.MessageControlMessage, error) {
	var ctl dcgka.MessageControlMessage
	if err := cbor.Unmarshal(action, &ctl); err != nil {
		return ctl, fmt.Errorf("message: decoding control message: %w", err)
	}
	return ctl, nil
}

func directForUs(myID keys.MemberID, directs []wire.DirectMessage) (*dcgka.MessageDirectMessage, error) {
	for _, d := range directs {
		if len(d.Recipient) != len(myID) || string(d.Recipient) != string(myID[:]) {
			continue
		}
		ct, err := twosm.DecodeMessage(d.Content.Ciphertext)
		if err != nil {
			return nil, fmt.Errorf("message: decoding direct 2sm message: %w", err)
		}
		dm := &dcgka.MessageDirectMessage{Recipient: myID, Ciphertext: ct}
		switch d.Content.Kind {
		case wire.DirectTwoParty:
			dm.Kind = dcgka.MessageDirectTwoParty
		case wire.DirectWelcome:
			dm.Kind = dcgka.MessageDirectWelcome
			if err := cbor.Unmarshal(d.Content.DGMHistory, &dm.History); err != nil {
				return nil, fmt.Errorf("message: decoding welcome history: %w", err)
			}
		case wire.DirectForward:
			dm.Kind = dcgka.MessageDirectForward
		default:
			return nil, fmt.Errorf("message: unexpected direct content kind %d", d.Content.Kind)
		}
		return dm, nil
	}
	return nil, nil
}

func buildControl(y State, out dcgka.MessageOperationOutput) (State, orderer.Message, error) {
	action, err := encMode.Marshal(out.Control)
	if err != nil {
		return y, orderer.Message{}, fmt.Errorf("message: encoding control message: %w", err)
	}

	directs := make([]wire.DirectMessage, 0, len(out.Direct))
	for _, d := range out.Direct {
		ct, err := twosm.EncodeMessage(d.Ciphertext)
		if err != nil {
			return y, orderer.Message{}, fmt.Errorf("message: encoding direct 2sm message: %w", err)
		}
		content := wire.DirectContent{Ciphertext: ct}
		switch d.Kind {
		case dcgka.MessageDirectTwoParty:
			content.Kind = wire.DirectTwoParty
		case dcgka.MessageDirectWelcome:
			content.Kind = wire.DirectWelcome
			history, err := encMode.Marshal(d.History)
			if err != nil {
				return y, orderer.Message{}, fmt.Errorf("message: encoding welcome history: %w", err)
			}
			content.DGMHistory = history
		case dcgka.MessageDirectForward:
			content.Kind = wire.DirectForward
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
		return id, fmt.Errorf("message: header public key has unexpected length %d", len(h.PublicKey))
	}
	copy(id[:], h.PublicKey)
	return id, nil
}
