package dcgka

import (
	"fmt"
	"io"

	"github.com/annwen/groupauth/dgm/acked"
	"github.com/annwen/groupauth/keys"
	"github.com/annwen/groupauth/twosm"
)

// MessageControlKind tags a message-scheme control message.
type MessageControlKind int

const (
	MsgCreate MessageControlKind = iota
	MsgUpdate
	MsgRemove
	MsgAdd
	MsgAck
	MsgAddAck
)

func (k MessageControlKind) String() string {
	switch k {
	case MsgCreate:
		return "create"
	case MsgUpdate:
		return "update"
	case MsgRemove:
		return "remove"
	case MsgAdd:
		return "add"
	case MsgAck:
		return "ack"
	case MsgAddAck:
		return "add-ack"
	default:
		return "unknown"
	}
}

// MessageControlMessage is the message scheme's broadcast control
// message. MessageProcess does not emit acknowledgements itself: it
// reports the newcomers still owed an AddAck in PendingAddAcks, and
// the caller builds each AddAck with MessageAddAck. No Ack is built.
//
// Our implementation distributes every Create/Update/Remove update
// secret directly to each recipient over 2SM (the same O(n) fan-out
// the data scheme uses), rather than the paper's O(log n) update-tree
// path secrets — see DESIGN.md's note on this simplification. Under
// that model a plain Ack carries no information a recipient didn't
// already get from the accompanying 2SM direct message, so only
// AddAck (forwarding a live member's current update secret to a
// newly welcomed member who wasn't part of the original recipient
// list) is ever auto-emitted by this implementation.
type MessageControlMessage struct {
	Kind           MessageControlKind `cbor:"1,keyasint"`
	InitialMembers []keys.MemberID    `cbor:"2,keyasint,omitempty"`
	Removed        keys.MemberID      `cbor:"3,keyasint,omitempty"`
	Added          keys.MemberID      `cbor:"4,keyasint,omitempty"`
	AckSender      keys.MemberID      `cbor:"5,keyasint,omitempty"`
	AckSeq         uint64             `cbor:"6,keyasint,omitempty"`
}

// MessageDirectContentKind tags the kind of direct message content.
type MessageDirectContentKind int

const (
	MessageDirectTwoParty MessageDirectContentKind = iota
	MessageDirectWelcome
	MessageDirectForward
)

// MessageDirectMessage is a per-recipient direct message riding
// alongside a MessageControlMessage broadcast.
type MessageDirectMessage struct {
	Recipient  keys.MemberID
	Kind       MessageDirectContentKind
	Ciphertext twosm.Message
	// History is set only when Kind == MessageDirectWelcome.
	History []acked.Op
}

// MessageOperationOutput is what Create/Add/Remove/Update/AddAck
// return: a control message to broadcast and the direct messages to
// piggy-back.
type MessageOperationOutput struct {
	Control MessageControlMessage
	Direct  []MessageDirectMessage
}

// MessageSecretOutputKind tags what a Process call learned.
type MessageSecretOutputKind int

const (
	MessageSecretNone MessageSecretOutputKind = iota
	MessageSecretUpdate
	// MessageSecretForward marks a secret delivered via a Welcome or
	// AddAck forward: the payload is an opaque ratchet snapshot the
	// Group façade encoded (chain secret plus current generation),
	// not a fresh epoch-zero update secret.
	MessageSecretForward
)

// MessageSecretOutput reports a freshly learned per-sender update
// secret, which the caller installs as that sender's decryption
// ratchet seed (or, when From == us, ignored — our own ratchet is
// seeded directly from the secret we generated for the operation).
type MessageSecretOutput struct {
	Kind         MessageSecretOutputKind
	From         keys.MemberID
	UpdateSecret []byte
}

// MessageState is the message scheme's DCGKA state: Core plus the
// Acked-DGM causal op history.
type MessageState struct {
	Core    Core
	History []acked.Op
}

// InitMessage returns fresh DCGKA state for the message encryption
// scheme.
func InitMessage(pki PKI, myKeys *keys.Manager, myID keys.MemberID) MessageState {
	return MessageState{Core: NewCore(pki, myKeys, myID)}
}

// Members returns the set of members the current causal history
// establishes as present from our own point of view.
func (y MessageState) Members() map[keys.MemberID]struct{} {
	return acked.MembersView(y.Core.MyID, y.History)
}

// MessageProcessInput is what the caller hands to Process.
type MessageProcessInput struct {
	Seq           uint64
	Sender        keys.MemberID
	Control       MessageControlMessage
	DirectMessage *MessageDirectMessage
}

// MessageProcessResult bundles what Process learned plus any
// newcomers this member now owes an AddAck to.
type MessageProcessResult struct {
	Secret         MessageSecretOutput
	PendingAddAcks []keys.MemberID
}

// MessageCreate distributes a fresh update secret to every other
// initial member via 2SM. Spec.md §4.4 "create".
func MessageCreate(rng io.Reader, y MessageState, initialMembers []keys.MemberID, updateSecret []byte) (MessageState, MessageOperationOutput, error) {
	members := dedupeMembers(initialMembers)
	if !containsMember(members, y.Core.MyID) {
		members = append(members, y.Core.MyID)
	}

	core, direct, err := messageSendSecret(rng, y.Core, members, updateSecret)
	if err != nil {
		return y, MessageOperationOutput{}, err
	}
	y.Core = core

	return y, MessageOperationOutput{
		Control: MessageControlMessage{Kind: MsgCreate, InitialMembers: members},
		Direct:  direct,
	}, nil
}

// MessageUpdate distributes a fresh update secret to every other
// current member, reseeding our encryption ratchet for forward
// secrecy. Spec.md §4.4 "update".
func MessageUpdate(rng io.Reader, y MessageState, updateSecret []byte) (MessageState, MessageOperationOutput, error) {
	recipients := make([]keys.MemberID, 0)
	for id := range acked.MembersView(y.Core.MyID, y.History) {
		if id != y.Core.MyID {
			recipients = append(recipients, id)
		}
	}

	core, direct, err := messageSendSecret(rng, y.Core, recipients, updateSecret)
	if err != nil {
		return y, MessageOperationOutput{}, err
	}
	y.Core = core

	return y, MessageOperationOutput{Control: MessageControlMessage{Kind: MsgUpdate}, Direct: direct}, nil
}

// MessageRemove removes a member and distributes a fresh update
// secret to the remaining members for post-compromise security.
// Spec.md §4.4 "remove".
func MessageRemove(rng io.Reader, y MessageState, removed keys.MemberID, updateSecret []byte) (MessageState, MessageOperationOutput, error) {
	if _, ok := acked.MembersView(y.Core.MyID, y.History)[removed]; !ok {
		return y, MessageOperationOutput{}, ErrNotMember
	}

	recipients := make([]keys.MemberID, 0)
	for id := range acked.MembersView(y.Core.MyID, y.History) {
		if id != y.Core.MyID && id != removed {
			recipients = append(recipients, id)
		}
	}

	core, direct, err := messageSendSecret(rng, y.Core, recipients, updateSecret)
	if err != nil {
		return y, MessageOperationOutput{}, err
	}
	y.Core = core

	return y, MessageOperationOutput{
		Control: MessageControlMessage{Kind: MsgRemove, Removed: removed},
		Direct:  direct,
	}, nil
}

// MessageAdd adds a new member, sending them a Welcome carrying the
// DGM history snapshot they need to rebuild their membership view
// plus welcomeSecret, the adder's opaque ratchet snapshot so the
// newcomer can decrypt the adder's messages from the current
// position. Ratchet material from every *other* established member
// arrives via the AddAcks they auto-emit once they process this Add,
// per spec.md §4.4/§4.5.
func MessageAdd(rng io.Reader, y MessageState, added keys.MemberID, welcomeSecret []byte) (MessageState, MessageOperationOutput, error) {
	if added == y.Core.MyID {
		return y, MessageOperationOutput{}, ErrCannotAddSelf
	}
	if _, ok := acked.MembersView(y.Core.MyID, y.History)[added]; ok {
		return y, MessageOperationOutput{}, ErrAlreadyMember
	}

	history := append(append([]acked.Op{}, y.History...), acked.Op{
		Kind: acked.OpAdd, Sender: y.Core.MyID, Added: added,
	})

	core, ciphertext, err := y.Core.EncryptTo(rng, added, welcomeSecret)
	if err != nil {
		return y, MessageOperationOutput{}, err
	}
	y.Core = core

	return y, MessageOperationOutput{
		Control: MessageControlMessage{Kind: MsgAdd, Added: added},
		Direct: []MessageDirectMessage{{
			Recipient:  added,
			Kind:       MessageDirectWelcome,
			Ciphertext: ciphertext,
			History:    history,
		}},
	}, nil
}

// MessageAddAck forwards our currently held update secret to a
// newcomer we just learned about, so they can start decrypting
// messages from us. Called by the Group façade once for each pending
// newcomer MessageProcess reports. Spec.md §4.4 "AddAck".
func MessageAddAck(rng io.Reader, y MessageState, newcomer keys.MemberID, ackedSeq uint64, currentUpdateSecret []byte) (MessageState, MessageOperationOutput, error) {
	core, ciphertext, err := y.Core.EncryptTo(rng, newcomer, currentUpdateSecret)
	if err != nil {
		return y, MessageOperationOutput{}, err
	}
	y.Core = core

	return y, MessageOperationOutput{
		Control: MessageControlMessage{Kind: MsgAddAck, Added: newcomer, AckSender: y.Core.MyID, AckSeq: ackedSeq},
		Direct: []MessageDirectMessage{{
			Recipient:  newcomer,
			Kind:       MessageDirectForward,
			Ciphertext: ciphertext,
		}},
	}, nil
}

// MessageProcess dispatches a received control message, per spec.md
// §4.4 "Processing".
func MessageProcess(y MessageState, input MessageProcessInput) (MessageState, MessageProcessResult, error) {
	switch input.Control.Kind {
	case MsgCreate:
		return messageProcessCreate(y, input)
	case MsgUpdate:
		secret, err := messageProcessSecret(&y, input.Sender, input.DirectMessage)
		return y, MessageProcessResult{Secret: secret}, err
	case MsgRemove:
		return messageProcessRemove(y, input)
	case MsgAdd:
		return messageProcessAdd(y, input)
	case MsgAddAck:
		return messageProcessAddAck(y, input)
	case MsgAck:
		// No information beyond what process_secret already delivers
		// under our direct-fan-out distribution model; see the
		// MessageControlMessage doc comment.
		return y, MessageProcessResult{}, nil
	default:
		return y, MessageProcessResult{}, fmt.Errorf("dcgka: unknown control message kind %v", input.Control.Kind)
	}
}

func messageProcessCreate(y MessageState, input MessageProcessInput) (MessageState, MessageProcessResult, error) {
	y.History = append(y.History, acked.Op{Kind: acked.OpCreate, Sender: input.Sender, InitialMembers: input.Control.InitialMembers})
	secret, err := messageProcessSecret(&y, input.Sender, input.DirectMessage)
	return y, MessageProcessResult{Secret: secret}, err
}

func messageProcessRemove(y MessageState, input MessageProcessInput) (MessageState, MessageProcessResult, error) {
	y.History = append(y.History, acked.Op{Kind: acked.OpRemove, Sender: input.Sender, Removed: input.Control.Removed})
	secret, err := messageProcessSecret(&y, input.Sender, input.DirectMessage)
	return y, MessageProcessResult{Secret: secret}, err
}

func messageProcessAdd(y MessageState, input MessageProcessInput) (MessageState, MessageProcessResult, error) {
	wasEstablished := false
	if input.Sender != y.Core.MyID {
		_, wasEstablished = acked.MembersView(y.Core.MyID, y.History)[y.Core.MyID]
	}

	y.History = append(y.History, acked.Op{Kind: acked.OpAdd, Sender: input.Sender, Added: input.Control.Added})

	if input.Control.Added == y.Core.MyID {
		dm := input.DirectMessage
		if dm == nil {
			return y, MessageProcessResult{}, ErrMissingDirectMessage{Kind: "welcome"}
		}
		if dm.Kind != MessageDirectWelcome {
			return y, MessageProcessResult{}, ErrUnexpectedDirectMessageType{Expected: "welcome", Got: "2sm"}
		}
		if dm.Recipient != y.Core.MyID {
			return y, MessageProcessResult{}, ErrNotOurDirectMessage
		}
		y.History = append([]acked.Op{}, dm.History...)

		core, plaintext, err := y.Core.DecryptFrom(input.Sender, dm.Ciphertext)
		if err != nil {
			return y, MessageProcessResult{}, err
		}
		y.Core = core

		return y, MessageProcessResult{Secret: MessageSecretOutput{
			Kind: MessageSecretForward, From: input.Sender, UpdateSecret: plaintext,
		}}, nil
	}

	result := MessageProcessResult{}
	if input.Sender != y.Core.MyID && wasEstablished {
		result.PendingAddAcks = []keys.MemberID{input.Control.Added}
	}
	return y, result, nil
}

func messageProcessAddAck(y MessageState, input MessageProcessInput) (MessageState, MessageProcessResult, error) {
	y.History = append(y.History, acked.Op{Kind: acked.OpAddAck, Added: input.Control.Added, AckSender: input.Control.AckSender})

	if input.Control.Added != y.Core.MyID {
		return y, MessageProcessResult{}, nil
	}

	dm := input.DirectMessage
	if dm == nil {
		return y, MessageProcessResult{}, nil
	}
	if dm.Kind != MessageDirectForward {
		return y, MessageProcessResult{}, ErrUnexpectedDirectMessageType{Expected: "forward", Got: "2sm"}
	}
	if dm.Recipient != y.Core.MyID {
		return y, MessageProcessResult{}, ErrNotOurDirectMessage
	}

	core, plaintext, err := y.Core.DecryptFrom(input.Control.AckSender, dm.Ciphertext)
	if err != nil {
		return y, MessageProcessResult{}, err
	}
	y.Core = core

	return y, MessageProcessResult{Secret: MessageSecretOutput{
		Kind: MessageSecretForward, From: input.Control.AckSender, UpdateSecret: plaintext,
	}}, nil
}

func messageProcessSecret(y *MessageState, sender keys.MemberID, dm *MessageDirectMessage) (MessageSecretOutput, error) {
	if dm == nil {
		return MessageSecretOutput{}, nil
	}
	if dm.Kind != MessageDirectTwoParty {
		return MessageSecretOutput{}, ErrUnexpectedDirectMessageType{Expected: "2sm", Got: "welcome/forward"}
	}
	if dm.Recipient != y.Core.MyID {
		return MessageSecretOutput{}, ErrNotOurDirectMessage
	}

	core, plaintext, err := y.Core.DecryptFrom(sender, dm.Ciphertext)
	if err != nil {
		return MessageSecretOutput{}, err
	}
	y.Core = core

	return MessageSecretOutput{Kind: MessageSecretUpdate, From: sender, UpdateSecret: plaintext}, nil
}

func messageSendSecret(rng io.Reader, core Core, recipients []keys.MemberID, secret []byte) (Core, []MessageDirectMessage, error) {
	direct := make([]MessageDirectMessage, 0, len(recipients))
	y := core
	for _, recipient := range recipients {
		if recipient == y.MyID {
			continue
		}
		next, ciphertext, err := y.EncryptTo(rng, recipient, secret)
		if err != nil {
			return core, nil, err
		}
		y = next
		direct = append(direct, MessageDirectMessage{Recipient: recipient, Kind: MessageDirectTwoParty, Ciphertext: ciphertext})
	}
	return y, direct, nil
}
