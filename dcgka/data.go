package dcgka

import (
	"errors"
	"fmt"
	"io"

	"github.com/zeebo/blake3"

	"github.com/annwen/groupauth/dgm/clset"
	"github.com/annwen/groupauth/keys"
	"github.com/annwen/groupauth/twosm"
)

// GroupSecretID is a content-addressed identifier for a GroupSecret,
// a BLAKE3 digest of the secret material itself, as the original's
// `GroupSecretId` is (see SPEC_FULL.md §10 supplemented features).
type GroupSecretID [32]byte

// GroupSecret is the data scheme's shared symmetric secret: every
// member who learns it can decrypt any application message sealed
// under it.
type GroupSecret struct {
	ID     GroupSecretID
	Secret []byte
}

// GenerateGroupSecret creates a fresh, random 32-byte group secret.
func GenerateGroupSecret(rng io.Reader) (GroupSecret, error) {
	secret := make([]byte, 32)
	if _, err := io.ReadFull(rng, secret); err != nil {
		return GroupSecret{}, err
	}
	return GroupSecret{ID: GroupSecretID(blake3.Sum256(secret)), Secret: secret}, nil
}

func (g GroupSecret) bytes() []byte {
	return append([]byte{}, g.Secret...)
}

func groupSecretFromBytes(b []byte) GroupSecret {
	secret := append([]byte{}, b...)
	return GroupSecret{ID: GroupSecretID(blake3.Sum256(secret)), Secret: secret}
}

// SecretBundle is the ordered, content-addressed map of every group
// secret a member has ever learned, spec.md §3. Old secrets are kept
// so historical ciphertexts remain decryptable; an application may
// truncate via its own policy (spec.md §4.8 "update_secrets").
type SecretBundle struct {
	order   []GroupSecretID
	secrets map[GroupSecretID]GroupSecret
}

// NewSecretBundle returns an empty bundle.
func NewSecretBundle() SecretBundle {
	return SecretBundle{secrets: make(map[GroupSecretID]GroupSecret)}
}

func (b SecretBundle) clone() SecretBundle {
	nb := SecretBundle{
		order:   append([]GroupSecretID{}, b.order...),
		secrets: make(map[GroupSecretID]GroupSecret, len(b.secrets)),
	}
	for k, v := range b.secrets {
		nb.secrets[k] = v
	}
	return nb
}

// Latest returns the most recently inserted secret.
func (b SecretBundle) Latest() (GroupSecret, bool) {
	if len(b.order) == 0 {
		return GroupSecret{}, false
	}
	return b.secrets[b.order[len(b.order)-1]], true
}

// Get looks up a secret by its content-addressed id.
func (b SecretBundle) Get(id GroupSecretID) (GroupSecret, bool) {
	s, ok := b.secrets[id]
	return s, ok
}

// Insert adds a secret, a no-op if already present (idempotent).
func (b SecretBundle) Insert(s GroupSecret) SecretBundle {
	if _, ok := b.secrets[s.ID]; ok {
		return b
	}
	nb := b.clone()
	nb.secrets[s.ID] = s
	nb.order = append(nb.order, s.ID)
	return nb
}

// Extend merges every secret from other not already present, in
// other's insertion order, used when a Welcome message delivers a
// newcomer's initial bundle.
func (b SecretBundle) Extend(other SecretBundle) SecretBundle {
	nb := b.clone()
	for _, id := range other.order {
		if _, ok := nb.secrets[id]; ok {
			continue
		}
		nb.secrets[id] = other.secrets[id]
		nb.order = append(nb.order, id)
	}
	return nb
}

// Len reports how many secrets the bundle currently retains.
func (b SecretBundle) Len() int { return len(b.order) }

// Truncate drops every secret except the n most recently inserted,
// the mechanism spec.md §4.8's "update_secrets" hook exposes to
// applications wanting to bound forward-secrecy retention explicitly.
func (b SecretBundle) Truncate(n int) SecretBundle {
	if n < 0 || len(b.order) <= n {
		return b
	}
	nb := NewSecretBundle()
	for _, id := range b.order[len(b.order)-n:] {
		nb = nb.Insert(b.secrets[id])
	}
	return nb
}

// DataControlKind tags a data-scheme control message.
type DataControlKind int

const (
	DatCreate DataControlKind = iota
	DatUpdate
	DatRemove
	DatAdd
)

func (k DataControlKind) String() string {
	switch k {
	case DatCreate:
		return "create"
	case DatUpdate:
		return "update"
	case DatRemove:
		return "remove"
	case DatAdd:
		return "add"
	default:
		return "unknown"
	}
}

// DataControlMessage is the data scheme's broadcast control message,
// spec.md §4.4.
type DataControlMessage struct {
	Kind           DataControlKind `cbor:"1,keyasint"`
	InitialMembers []keys.MemberID `cbor:"2,keyasint,omitempty"`
	Removed        keys.MemberID   `cbor:"3,keyasint,omitempty"`
	Added          keys.MemberID   `cbor:"4,keyasint,omitempty"`
}

// DataDirectContentKind tags the kind of direct message content.
type DataDirectContentKind int

const (
	DataDirectTwoParty DataDirectContentKind = iota
	DataDirectWelcome
)

// DataDirectMessage is a per-recipient direct message riding
// alongside a DataControlMessage broadcast.
type DataDirectMessage struct {
	Recipient  keys.MemberID
	Kind       DataDirectContentKind
	Ciphertext twosm.Message
	// History is set only when Kind == DataDirectWelcome: the DGM
	// snapshot a newcomer rebuilds their membership state from.
	History clset.State
}

// DataOperationOutput is what Create/Add/Remove/Update return: a
// control message to broadcast and the direct messages to
// piggy-back, per spec.md §4.4's operations table.
type DataOperationOutput struct {
	Control DataControlMessage
	Direct  []DataDirectMessage
}

// DataSecretOutputKind tags what a Process call learned.
type DataSecretOutputKind int

const (
	DataSecretNone DataSecretOutputKind = iota
	DataSecretSecret
	DataSecretBundle
)

// DataSecretOutput is process_secret's result, spec.md §4.4.
type DataSecretOutput struct {
	Kind   DataSecretOutputKind
	Secret GroupSecret
	Bundle SecretBundle
}

// DataState is the data scheme's DCGKA state: Core plus the CL-Set
// membership CRDT.
type DataState struct {
	Core Core
	DGM  clset.State
}

// InitData returns fresh DCGKA state for the data encryption scheme,
// used before creating a new group or accepting an invitation.
func InitData(pki PKI, myKeys *keys.Manager, myID keys.MemberID) DataState {
	return DataState{Core: NewCore(pki, myKeys, myID)}
}

// DataProcessInput is what the caller hands to Process: a causally-
// ordered, authenticated control message from sender plus the direct
// message (if any) addressed to us.
type DataProcessInput struct {
	Seq           uint64
	Sender        keys.MemberID
	Control       DataControlMessage
	DirectMessage *DataDirectMessage
}

// DataCreate takes the initial member set (including, optionally,
// ourselves), de-duplicates it, ensures we're included, and creates a
// fresh group secret sent to every other initial member via 2SM.
// Spec.md §4.4 "create".
func DataCreate(rng io.Reader, y DataState, initialMembers []keys.MemberID, secret GroupSecret) (DataState, DataOperationOutput, error) {
	members := dedupeMembers(initialMembers)
	if !containsMember(members, y.Core.MyID) {
		members = append(members, y.Core.MyID)
	}

	core, direct, err := dataSendSecret(rng, y.Core, members, secret)
	if err != nil {
		return y, DataOperationOutput{}, err
	}
	y.Core = core

	return y, DataOperationOutput{
		Control: DataControlMessage{Kind: DatCreate, InitialMembers: members},
		Direct:  direct,
	}, nil
}

// DataUpdate establishes a fresh group secret, sent to every current
// member besides ourselves. Spec.md §4.4 "update".
func DataUpdate(rng io.Reader, y DataState, secret GroupSecret) (DataState, DataOperationOutput, error) {
	recipients := make([]keys.MemberID, 0, len(y.DGM.Members))
	for id := range clset.ActiveMembers(y.DGM) {
		if id != y.Core.MyID {
			recipients = append(recipients, id)
		}
	}

	core, direct, err := dataSendSecret(rng, y.Core, recipients, secret)
	if err != nil {
		return y, DataOperationOutput{}, err
	}
	y.Core = core

	return y, DataOperationOutput{Control: DataControlMessage{Kind: DatUpdate}, Direct: direct}, nil
}

// DataRemove removes a member and distributes a fresh group secret to
// the remaining members for post-compromise security. Spec.md §4.4
// "remove".
func DataRemove(rng io.Reader, y DataState, removed keys.MemberID, secret GroupSecret) (DataState, DataOperationOutput, error) {
	if st, ok := y.DGM.Members[removed]; !ok || !st.IsActive() {
		return y, DataOperationOutput{}, ErrNotMember
	}

	recipients := make([]keys.MemberID, 0, len(y.DGM.Members))
	for id := range clset.ActiveMembers(y.DGM) {
		if id != y.Core.MyID && id != removed {
			recipients = append(recipients, id)
		}
	}

	core, direct, err := dataSendSecret(rng, y.Core, recipients, secret)
	if err != nil {
		return y, DataOperationOutput{}, err
	}
	y.Core = core

	return y, DataOperationOutput{
		Control: DataControlMessage{Kind: DatRemove, Removed: removed},
		Direct:  direct,
	}, nil
}

// DataAdd adds a new member, sending them a Welcome direct message
// carrying the current SecretBundle and DGM history. The history
// snapshot is taken before the add itself; the newcomer applies the
// add on top when processing, arriving at the same state as every
// other member. Spec.md §4.4 "add".
func DataAdd(rng io.Reader, y DataState, added keys.MemberID, bundle SecretBundle) (DataState, DataOperationOutput, error) {
	if added == y.Core.MyID {
		return y, DataOperationOutput{}, ErrCannotAddSelf
	}
	if st, ok := y.DGM.Members[added]; ok && st.IsActive() {
		return y, DataOperationOutput{}, ErrAlreadyMember
	}

	core, ciphertext, err := y.Core.EncryptTo(rng, added, encodeSecretBundle(bundle))
	if err != nil {
		return y, DataOperationOutput{}, err
	}
	y.Core = core

	return y, DataOperationOutput{
		Control: DataControlMessage{Kind: DatAdd, Added: added},
		Direct: []DataDirectMessage{{
			Recipient:  added,
			Kind:       DataDirectWelcome,
			Ciphertext: ciphertext,
			History:    y.DGM,
		}},
	}, nil
}

// DataProcess dispatches a received control message to the
// appropriate handler, per spec.md §4.4 "Processing".
func DataProcess(y DataState, input DataProcessInput) (DataState, DataSecretOutput, error) {
	switch input.Control.Kind {
	case DatCreate:
		return dataProcessCreate(y, input)
	case DatUpdate:
		return dataProcessSecret(y, input.Sender, input.DirectMessage)
	case DatRemove:
		return dataProcessRemove(y, input)
	case DatAdd:
		return dataProcessAdd(y, input)
	default:
		return y, DataSecretOutput{}, fmt.Errorf("dcgka: unknown control message kind %v", input.Control.Kind)
	}
}

func dataProcessCreate(y DataState, input DataProcessInput) (DataState, DataSecretOutput, error) {
	initial := make([]clset.InitialMember, 0, len(input.Control.InitialMembers))
	for _, id := range input.Control.InitialMembers {
		initial = append(initial, clset.InitialMember{ID: id, Access: clset.Access{Level: clset.Manage}})
	}
	y.DGM = clset.Create(initial)
	return dataProcessSecret(y, input.Sender, input.DirectMessage)
}

func dataProcessRemove(y DataState, input DataProcessInput) (DataState, DataSecretOutput, error) {
	next, err := clset.Remove(y.DGM, input.Sender, input.Control.Removed)
	if err != nil {
		return y, DataSecretOutput{}, fmt.Errorf("%w: %v", ErrDgmOperation, err)
	}
	y.DGM = next
	return dataProcessSecret(y, input.Sender, input.DirectMessage)
}

func dataProcessAdd(y DataState, input DataProcessInput) (DataState, DataSecretOutput, error) {
	if input.Control.Added != y.Core.MyID {
		next, err := clset.Add(y.DGM, input.Sender, input.Control.Added, clset.Access{Level: clset.Read})
		if err != nil {
			return y, DataSecretOutput{}, fmt.Errorf("%w: %v", ErrDgmOperation, err)
		}
		y.DGM = next
		return y, DataSecretOutput{}, nil
	}

	// We are the added member: rebuild the DGM from the welcome's
	// history snapshot (taken before the add), then apply the add on
	// top so every replica converges on the same state.
	dm := input.DirectMessage
	if dm == nil {
		return y, DataSecretOutput{}, ErrMissingDirectMessage{Kind: "welcome"}
	}
	if dm.Kind != DataDirectWelcome {
		return y, DataSecretOutput{}, ErrUnexpectedDirectMessageType{Expected: "welcome", Got: "2sm"}
	}
	if dm.Recipient != y.Core.MyID {
		return y, DataSecretOutput{}, ErrNotOurDirectMessage
	}

	next, err := clset.Add(dm.History, input.Sender, input.Control.Added, clset.Access{Level: clset.Read})
	if err != nil {
		return y, DataSecretOutput{}, fmt.Errorf("%w: %v", ErrDgmOperation, err)
	}
	y.DGM = next

	core, plaintext, err := y.Core.DecryptFrom(input.Sender, dm.Ciphertext)
	if err != nil {
		return y, DataSecretOutput{}, err
	}
	y.Core = core

	bundle, err := decodeSecretBundle(plaintext)
	if err != nil {
		return y, DataSecretOutput{}, fmt.Errorf("dcgka: decoding welcome bundle: %w", err)
	}

	return y, DataSecretOutput{Kind: DataSecretBundle, Bundle: bundle}, nil
}

func dataProcessSecret(y DataState, sender keys.MemberID, dm *DataDirectMessage) (DataState, DataSecretOutput, error) {
	if dm == nil {
		return y, DataSecretOutput{}, nil
	}
	if dm.Kind != DataDirectTwoParty {
		return y, DataSecretOutput{}, ErrUnexpectedDirectMessageType{Expected: "2sm", Got: "welcome"}
	}
	if dm.Recipient != y.Core.MyID {
		return y, DataSecretOutput{}, ErrNotOurDirectMessage
	}

	core, plaintext, err := y.Core.DecryptFrom(sender, dm.Ciphertext)
	if err != nil {
		return y, DataSecretOutput{}, err
	}
	y.Core = core

	return y, DataSecretOutput{Kind: DataSecretSecret, Secret: groupSecretFromBytes(plaintext)}, nil
}

func dataSendSecret(rng io.Reader, core Core, recipients []keys.MemberID, secret GroupSecret) (Core, []DataDirectMessage, error) {
	direct := make([]DataDirectMessage, 0, len(recipients))
	y := core
	for _, recipient := range recipients {
		if recipient == y.MyID {
			continue
		}
		next, ciphertext, err := y.EncryptTo(rng, recipient, secret.bytes())
		if err != nil {
			return core, nil, err
		}
		y = next
		direct = append(direct, DataDirectMessage{Recipient: recipient, Kind: DataDirectTwoParty, Ciphertext: ciphertext})
	}
	return y, direct, nil
}

// Members returns the set of currently active members per the DGM.
func (y DataState) Members() map[keys.MemberID]struct{} {
	return clset.ActiveMembers(y.DGM)
}

var errEmptyBundle = errors.New("dcgka: empty secret bundle payload")

func encodeSecretBundle(b SecretBundle) []byte {
	out := make([]byte, 0, 32*len(b.order))
	for _, id := range b.order {
		s := b.secrets[id]
		out = append(out, byte(len(s.Secret)))
		out = append(out, s.Secret...)
	}
	return out
}

func decodeSecretBundle(data []byte) (SecretBundle, error) {
	b := NewSecretBundle()
	for len(data) > 0 {
		if len(data) < 1 {
			return SecretBundle{}, errEmptyBundle
		}
		n := int(data[0])
		data = data[1:]
		if len(data) < n {
			return SecretBundle{}, errEmptyBundle
		}
		b = b.Insert(groupSecretFromBytes(data[:n]))
		data = data[n:]
	}
	return b, nil
}
