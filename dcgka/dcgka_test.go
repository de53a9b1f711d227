package dcgka

import (
	"crypto/rand"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/annwen/groupauth/keys"
	"github.com/annwen/groupauth/pki"
)

func newPeer(t *testing.T, registry *pki.Memory) *keys.Manager {
	t.Helper()
	mgr, err := keys.Init(rand.Reader, 0)
	require.NoError(t, err)
	require.NoError(t, registry.Publish(mgr.PreKeyBundle(time.Now())))
	return mgr
}

func TestDataCreateDistributesSecret(t *testing.T) {
	registry := pki.NewMemory()
	alice := newPeer(t, registry)
	bob := newPeer(t, registry)

	aliceState := InitData(registry, alice, alice.MemberID)
	bobState := InitData(registry, bob, bob.MemberID)

	secret, err := GenerateGroupSecret(rand.Reader)
	require.NoError(t, err)

	aliceState, out, err := DataCreate(rand.Reader, aliceState, []keys.MemberID{alice.MemberID, bob.MemberID}, secret)
	require.NoError(t, err)
	require.Equal(t, DatCreate, out.Control.Kind)
	require.Len(t, out.Control.InitialMembers, 2)
	require.Len(t, out.Direct, 1)
	require.Equal(t, bob.MemberID, out.Direct[0].Recipient)

	dm := out.Direct[0]
	bobState, got, err := DataProcess(bobState, DataProcessInput{
		Sender:        alice.MemberID,
		Control:       out.Control,
		DirectMessage: &dm,
	})
	require.NoError(t, err)
	require.Equal(t, DataSecretSecret, got.Kind)
	require.Equal(t, secret.Secret, got.Secret.Secret)
	require.Equal(t, secret.ID, got.Secret.ID)

	require.Contains(t, bobState.Members(), alice.MemberID)
	require.Contains(t, bobState.Members(), bob.MemberID)
	_ = aliceState
}

func TestDataCreateDeduplicatesAndIncludesSelf(t *testing.T) {
	registry := pki.NewMemory()
	alice := newPeer(t, registry)
	bob := newPeer(t, registry)

	state := InitData(registry, alice, alice.MemberID)
	secret, err := GenerateGroupSecret(rand.Reader)
	require.NoError(t, err)

	// Self omitted, bob listed twice.
	_, out, err := DataCreate(rand.Reader, state, []keys.MemberID{bob.MemberID, bob.MemberID}, secret)
	require.NoError(t, err)
	require.Len(t, out.Control.InitialMembers, 2)
	require.Len(t, out.Direct, 1)
}

func TestDataAddWelcomeCarriesBundleAndHistory(t *testing.T) {
	registry := pki.NewMemory()
	alice := newPeer(t, registry)
	bob := newPeer(t, registry)
	charlie := newPeer(t, registry)

	aliceState := InitData(registry, alice, alice.MemberID)
	secret, err := GenerateGroupSecret(rand.Reader)
	require.NoError(t, err)
	aliceState, create, err := DataCreate(rand.Reader, aliceState, []keys.MemberID{alice.MemberID, bob.MemberID}, secret)
	require.NoError(t, err)
	aliceState, _, err = DataProcess(aliceState, DataProcessInput{Sender: alice.MemberID, Control: create.Control})
	require.NoError(t, err)

	bundle := NewSecretBundle().Insert(secret)
	aliceState, add, err := DataAdd(rand.Reader, aliceState, charlie.MemberID, bundle)
	require.NoError(t, err)
	require.Equal(t, DatAdd, add.Control.Kind)
	require.Len(t, add.Direct, 1)
	require.Equal(t, DataDirectWelcome, add.Direct[0].Kind)

	charlieState := InitData(registry, charlie, charlie.MemberID)
	dm := add.Direct[0]
	charlieState, got, err := DataProcess(charlieState, DataProcessInput{
		Sender:        alice.MemberID,
		Control:       add.Control,
		DirectMessage: &dm,
	})
	require.NoError(t, err)
	require.Equal(t, DataSecretBundle, got.Kind)
	latest, ok := got.Bundle.Latest()
	require.True(t, ok)
	require.Equal(t, secret.ID, latest.ID)

	// The welcome's history plus the add itself yields the full set.
	require.Len(t, charlieState.Members(), 3)
	_ = aliceState
}

func TestDataAddValidations(t *testing.T) {
	registry := pki.NewMemory()
	alice := newPeer(t, registry)
	bob := newPeer(t, registry)

	state := InitData(registry, alice, alice.MemberID)
	secret, err := GenerateGroupSecret(rand.Reader)
	require.NoError(t, err)
	state, create, err := DataCreate(rand.Reader, state, []keys.MemberID{alice.MemberID, bob.MemberID}, secret)
	require.NoError(t, err)
	state, _, err = DataProcess(state, DataProcessInput{Sender: alice.MemberID, Control: create.Control})
	require.NoError(t, err)

	_, _, err = DataAdd(rand.Reader, state, alice.MemberID, NewSecretBundle())
	require.ErrorIs(t, err, ErrCannotAddSelf)

	_, _, err = DataAdd(rand.Reader, state, bob.MemberID, NewSecretBundle())
	require.ErrorIs(t, err, ErrAlreadyMember)

	outsider := newPeer(t, registry)
	_, _, err = DataRemove(rand.Reader, state, outsider.MemberID, secret)
	require.ErrorIs(t, err, ErrNotMember)
}

func TestDataAddRequiresWelcomeDirectMessage(t *testing.T) {
	registry := pki.NewMemory()
	alice := newPeer(t, registry)
	charlie := newPeer(t, registry)

	charlieState := InitData(registry, charlie, charlie.MemberID)
	_, _, err := DataProcess(charlieState, DataProcessInput{
		Sender:  alice.MemberID,
		Control: DataControlMessage{Kind: DatAdd, Added: charlie.MemberID},
	})
	var missing ErrMissingDirectMessage
	require.ErrorAs(t, err, &missing)
	require.Equal(t, "welcome", missing.Kind)
}

func TestDataEncryptToUnknownMemberFails(t *testing.T) {
	registry := pki.NewMemory()
	alice := newPeer(t, registry)

	state := InitData(registry, alice, alice.MemberID)
	var stranger keys.MemberID
	stranger[0] = 0xFF

	secret, err := GenerateGroupSecret(rand.Reader)
	require.NoError(t, err)
	_, _, err = DataCreate(rand.Reader, state, []keys.MemberID{alice.MemberID, stranger}, secret)
	var missing ErrMissingPreKeys
	require.ErrorAs(t, err, &missing)
	require.Equal(t, stranger, missing.MemberID)
}

func TestSecretBundleOrderingAndTruncate(t *testing.T) {
	bundle := NewSecretBundle()
	var ids []GroupSecretID
	for i := 0; i < 4; i++ {
		s, err := GenerateGroupSecret(rand.Reader)
		require.NoError(t, err)
		bundle = bundle.Insert(s)
		ids = append(ids, s.ID)
	}

	latest, ok := bundle.Latest()
	require.True(t, ok)
	require.Equal(t, ids[3], latest.ID)

	// Insert is idempotent.
	dup, _ := bundle.Get(ids[0])
	require.Equal(t, 4, bundle.Insert(dup).Len())

	trimmed := bundle.Truncate(2)
	require.Equal(t, 2, trimmed.Len())
	_, ok = trimmed.Get(ids[0])
	require.False(t, ok)
	latest, ok = trimmed.Latest()
	require.True(t, ok)
	require.Equal(t, ids[3], latest.ID)
}

func TestMessageCreateAndProcess(t *testing.T) {
	registry := pki.NewMemory()
	alice := newPeer(t, registry)
	bob := newPeer(t, registry)

	aliceState := InitMessage(registry, alice, alice.MemberID)
	bobState := InitMessage(registry, bob, bob.MemberID)

	secret := make([]byte, 32)
	secret[0] = 0x42

	aliceState, out, err := MessageCreate(rand.Reader, aliceState, []keys.MemberID{alice.MemberID, bob.MemberID}, secret)
	require.NoError(t, err)
	require.Equal(t, MsgCreate, out.Control.Kind)
	require.Len(t, out.Direct, 1)

	dm := out.Direct[0]
	bobState, result, err := MessageProcess(bobState, MessageProcessInput{
		Sender:        alice.MemberID,
		Control:       out.Control,
		DirectMessage: &dm,
	})
	require.NoError(t, err)
	require.Equal(t, MessageSecretUpdate, result.Secret.Kind)
	require.Equal(t, alice.MemberID, result.Secret.From)
	require.Equal(t, secret, result.Secret.UpdateSecret)
	require.Contains(t, bobState.Members(), alice.MemberID)
	_ = aliceState
}

func TestMessageAddEmitsPendingAddAck(t *testing.T) {
	registry := pki.NewMemory()
	alice := newPeer(t, registry)
	bob := newPeer(t, registry)
	charlie := newPeer(t, registry)

	aliceState := InitMessage(registry, alice, alice.MemberID)
	bobState := InitMessage(registry, bob, bob.MemberID)

	secret := make([]byte, 32)
	aliceState, create, err := MessageCreate(rand.Reader, aliceState, []keys.MemberID{alice.MemberID, bob.MemberID}, secret)
	require.NoError(t, err)
	aliceState, _, err = MessageProcess(aliceState, MessageProcessInput{Sender: alice.MemberID, Control: create.Control})
	require.NoError(t, err)

	dm := create.Direct[0]
	bobState, _, err = MessageProcess(bobState, MessageProcessInput{
		Sender: alice.MemberID, Control: create.Control, DirectMessage: &dm,
	})
	require.NoError(t, err)

	aliceState, add, err := MessageAdd(rand.Reader, aliceState, charlie.MemberID, []byte("snapshot"))
	require.NoError(t, err)
	require.Equal(t, MsgAdd, add.Control.Kind)
	require.Equal(t, MessageDirectWelcome, add.Direct[0].Kind)

	// An established bystander owes the newcomer an AddAck.
	bobState, result, err := MessageProcess(bobState, MessageProcessInput{
		Seq: 1, Sender: alice.MemberID, Control: add.Control,
	})
	require.NoError(t, err)
	require.Equal(t, []keys.MemberID{charlie.MemberID}, result.PendingAddAcks)

	// The newcomer rebuilds history from the welcome and learns the
	// adder's forwarded snapshot.
	charlieState := InitMessage(registry, charlie, charlie.MemberID)
	welcome := add.Direct[0]
	charlieState, result, err = MessageProcess(charlieState, MessageProcessInput{
		Seq: 1, Sender: alice.MemberID, Control: add.Control, DirectMessage: &welcome,
	})
	require.NoError(t, err)
	require.Equal(t, MessageSecretForward, result.Secret.Kind)
	require.Equal(t, alice.MemberID, result.Secret.From)
	require.Equal(t, []byte("snapshot"), result.Secret.UpdateSecret)

	// Until acks arrive, the newcomer's view holds only itself.
	require.Len(t, charlieState.Members(), 1)

	// Bob's AddAck forwards his position and admits him to the view.
	bobState, ack, err := MessageAddAck(rand.Reader, bobState, charlie.MemberID, 1, []byte("bob-snapshot"))
	require.NoError(t, err)
	require.Equal(t, MsgAddAck, ack.Control.Kind)

	forward := ack.Direct[0]
	charlieState, result, err = MessageProcess(charlieState, MessageProcessInput{
		Seq: 2, Sender: bob.MemberID, Control: ack.Control, DirectMessage: &forward,
	})
	require.NoError(t, err)
	require.Equal(t, MessageSecretForward, result.Secret.Kind)
	require.Equal(t, bob.MemberID, result.Secret.From)
	require.Equal(t, []byte("bob-snapshot"), result.Secret.UpdateSecret)
	require.Contains(t, charlieState.Members(), bob.MemberID)
	_ = aliceState
}

func TestMessageAddValidations(t *testing.T) {
	registry := pki.NewMemory()
	alice := newPeer(t, registry)
	bob := newPeer(t, registry)

	state := InitMessage(registry, alice, alice.MemberID)
	secret := make([]byte, 32)
	state, create, err := MessageCreate(rand.Reader, state, []keys.MemberID{alice.MemberID, bob.MemberID}, secret)
	require.NoError(t, err)
	state, _, err = MessageProcess(state, MessageProcessInput{Sender: alice.MemberID, Control: create.Control})
	require.NoError(t, err)

	_, _, err = MessageAdd(rand.Reader, state, alice.MemberID, nil)
	require.ErrorIs(t, err, ErrCannotAddSelf)

	_, _, err = MessageAdd(rand.Reader, state, bob.MemberID, nil)
	require.ErrorIs(t, err, ErrAlreadyMember)

	outsider := newPeer(t, registry)
	_, _, err = MessageRemove(rand.Reader, state, outsider.MemberID, secret)
	require.ErrorIs(t, err, ErrNotMember)
}
