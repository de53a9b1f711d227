package message

import (
	"crypto/rand"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/annwen/groupauth/keys"
	"github.com/annwen/groupauth/orderer"
	"github.com/annwen/groupauth/pki"
)

type member struct {
	name   string
	mgr    *keys.Manager
	st     State
	cursor int
	events []Output
}

func newMember(t *testing.T, registry *pki.Memory, name string) *member {
	t.Helper()
	mgr, err := keys.Init(rand.Reader, 0)
	require.NoError(t, err)
	require.NoError(t, registry.Publish(mgr.PreKeyBundle(time.Now())))
	return &member{
		name: name,
		mgr:  mgr,
		st:   NewState(orderer.CausalOrderer{}, registry, mgr, DefaultConfig()),
	}
}

// converge replays the shared log into every member until no member
// is behind and no member has protocol responses left to broadcast.
// Emission order preserves per-author FIFO, which is all the orderer
// asks of the transport.
func converge(t *testing.T, log *[]orderer.Message, members ...*member) {
	t.Helper()
	for {
		progressed := false
		for _, m := range members {
			for m.cursor < len(*log) {
				msg := (*log)[m.cursor]
				m.cursor++
				st, outputs, outgoing, err := Receive(rand.Reader, m.st, msg)
				require.NoError(t, err)
				m.st = st
				m.events = append(m.events, outputs...)
				*log = append(*log, outgoing...)
				progressed = true
			}
		}
		if !progressed {
			return
		}
	}
}

func (m *member) drainEvents() []Output {
	ev := m.events
	m.events = nil
	return ev
}

func applicationEvents(events []Output) []Output {
	var out []Output
	for _, e := range events {
		if e.Kind == OutputApplication {
			out = append(out, e)
		}
	}
	return out
}

func requireMembers(t *testing.T, m *member, want ...*member) {
	t.Helper()
	members := m.st.Members()
	require.Len(t, members, len(want), "member view of %s", m.name)
	for _, w := range want {
		require.Contains(t, members, w.mgr.MemberID)
	}
}

func TestCreateSendReceive(t *testing.T) {
	registry := pki.NewMemory()
	alice := newMember(t, registry, "alice")
	bob := newMember(t, registry, "bob")
	charlie := newMember(t, registry, "charlie")

	st, msgs, err := Create(rand.Reader, alice.st, []keys.MemberID{
		alice.mgr.MemberID, bob.mgr.MemberID, charlie.mgr.MemberID,
	})
	require.NoError(t, err)
	alice.st = st

	log := msgs
	st, app, err := Send(alice.st, []byte("Hello everyone!"))
	require.NoError(t, err)
	alice.st = st
	log = append(log, app)

	converge(t, &log, alice, bob, charlie)

	for _, peer := range []*member{bob, charlie} {
		events := peer.drainEvents()
		apps := applicationEvents(events)
		require.Len(t, apps, 1)
		require.Equal(t, alice.mgr.MemberID, apps[0].Sender)
		require.Equal(t, []byte("Hello everyone!"), apps[0].Plaintext)
		for _, e := range events {
			require.NotEqual(t, OutputRemoved, e.Kind)
		}
	}

	for _, m := range []*member{alice, bob, charlie} {
		requireMembers(t, m, alice, bob, charlie)
	}
}

func TestGroupAgreementAcrossSenders(t *testing.T) {
	registry := pki.NewMemory()
	alice := newMember(t, registry, "alice")
	bob := newMember(t, registry, "bob")

	st, msgs, err := Create(rand.Reader, alice.st, []keys.MemberID{
		alice.mgr.MemberID, bob.mgr.MemberID,
	})
	require.NoError(t, err)
	alice.st = st

	log := msgs
	converge(t, &log, alice, bob)

	// Both directions decrypt once views and ratchets have settled.
	st, fromBob, err := Send(bob.st, []byte("from bob"))
	require.NoError(t, err)
	bob.st = st
	log = append(log, fromBob)

	st, fromAlice, err := Send(alice.st, []byte("from alice"))
	require.NoError(t, err)
	alice.st = st
	log = append(log, fromAlice)

	converge(t, &log, alice, bob)

	aliceApps := applicationEvents(alice.drainEvents())
	require.Len(t, aliceApps, 1)
	require.Equal(t, []byte("from bob"), aliceApps[0].Plaintext)

	bobApps := applicationEvents(bob.drainEvents())
	require.Len(t, bobApps, 1)
	require.Equal(t, []byte("from alice"), bobApps[0].Plaintext)
}

func TestConcurrentUpdateAndAdd(t *testing.T) {
	registry := pki.NewMemory()
	alice := newMember(t, registry, "alice")
	bob := newMember(t, registry, "bob")
	charlie := newMember(t, registry, "charlie")

	st, msgs, err := Create(rand.Reader, alice.st, []keys.MemberID{
		alice.mgr.MemberID, bob.mgr.MemberID,
	})
	require.NoError(t, err)
	alice.st = st
	log := msgs
	converge(t, &log, alice, bob)

	// Concurrently: bob rotates his ratchet while alice adds charlie.
	st, updates, err := Update(rand.Reader, bob.st)
	require.NoError(t, err)
	bob.st = st

	st, adds, err := Add(rand.Reader, alice.st, charlie.mgr.MemberID)
	require.NoError(t, err)
	alice.st = st

	log = append(log, updates...)
	log = append(log, adds...)
	converge(t, &log, alice, bob, charlie)

	for _, m := range []*member{alice, bob, charlie} {
		requireMembers(t, m, alice, bob, charlie)
		m.drainEvents()
	}

	st, hello, err := Send(bob.st, []byte("Hello everyone!"))
	require.NoError(t, err)
	bob.st = st
	log = append(log, hello)
	converge(t, &log, alice, bob, charlie)

	for _, peer := range []*member{alice, charlie} {
		apps := applicationEvents(peer.drainEvents())
		require.Len(t, apps, 1, "peer %s", peer.name)
		require.Equal(t, []byte("Hello everyone!"), apps[0].Plaintext)
	}
}

func TestRemoveEvictsMember(t *testing.T) {
	registry := pki.NewMemory()
	alice := newMember(t, registry, "alice")
	bob := newMember(t, registry, "bob")
	charlie := newMember(t, registry, "charlie")

	st, msgs, err := Create(rand.Reader, alice.st, []keys.MemberID{
		alice.mgr.MemberID, bob.mgr.MemberID, charlie.mgr.MemberID,
	})
	require.NoError(t, err)
	alice.st = st
	log := msgs
	converge(t, &log, alice, bob, charlie)
	for _, m := range []*member{alice, bob, charlie} {
		m.drainEvents()
	}

	st, removes, err := Remove(rand.Reader, bob.st, charlie.mgr.MemberID)
	require.NoError(t, err)
	bob.st = st
	log = append(log, removes...)
	converge(t, &log, alice, bob)

	// Remaining members rotated; their traffic still flows.
	st, app, err := Send(alice.st, []byte("fresh start"))
	require.NoError(t, err)
	alice.st = st
	log = append(log, app)
	converge(t, &log, alice, bob)

	bobApps := applicationEvents(bob.drainEvents())
	require.Len(t, bobApps, 1)
	require.Equal(t, []byte("fresh start"), bobApps[0].Plaintext)

	requireMembers(t, alice, alice, bob)
	requireMembers(t, bob, alice, bob)

	// Catch charlie up: the eviction is announced, the rotated
	// epoch's ciphertext is not decryptable with pre-eviction keys.
	var (
		sawRemoved bool
		decryptErr error
	)
	for charlie.cursor < len(log) {
		msg := log[charlie.cursor]
		charlie.cursor++
		st, outputs, _, err := Receive(rand.Reader, charlie.st, msg)
		charlie.st = st
		if err != nil {
			decryptErr = err
			continue
		}
		for _, e := range outputs {
			if e.Kind == OutputRemoved {
				sawRemoved = true
			}
		}
	}
	require.True(t, sawRemoved)
	require.Error(t, decryptErr)

	_, _, err = Send(charlie.st, []byte("still here?"))
	require.ErrorIs(t, err, ErrRemoved)
}

func TestSendRequiresActiveMembership(t *testing.T) {
	registry := pki.NewMemory()
	alice := newMember(t, registry, "alice")

	_, _, err := Send(alice.st, []byte("too early"))
	require.ErrorIs(t, err, ErrNotEstablished)
}

func TestAddWelcomesNewcomerMidConversation(t *testing.T) {
	registry := pki.NewMemory()
	alice := newMember(t, registry, "alice")
	bob := newMember(t, registry, "bob")
	charlie := newMember(t, registry, "charlie")

	st, msgs, err := Create(rand.Reader, alice.st, []keys.MemberID{
		alice.mgr.MemberID, bob.mgr.MemberID,
	})
	require.NoError(t, err)
	alice.st = st
	log := msgs
	converge(t, &log, alice, bob)

	st, app, err := Send(alice.st, []byte("before charlie"))
	require.NoError(t, err)
	alice.st = st
	log = append(log, app)
	converge(t, &log, alice, bob)
	for _, m := range []*member{alice, bob} {
		m.drainEvents()
	}

	st, adds, err := Add(rand.Reader, alice.st, charlie.mgr.MemberID)
	require.NoError(t, err)
	alice.st = st
	log = append(log, adds...)
	converge(t, &log, alice, bob, charlie)

	require.True(t, charlie.st.IsWelcomed())
	requireMembers(t, charlie, alice, bob, charlie)

	// Conversation continues in every direction.
	st, after, err := Send(alice.st, []byte("welcome charlie"))
	require.NoError(t, err)
	alice.st = st
	log = append(log, after)

	st, reply, err := Send(charlie.st, []byte("hello all"))
	require.NoError(t, err)
	charlie.st = st
	log = append(log, reply)
	converge(t, &log, alice, bob, charlie)

	charlieApps := applicationEvents(charlie.drainEvents())
	require.Len(t, charlieApps, 1)
	require.Equal(t, []byte("welcome charlie"), charlieApps[0].Plaintext)

	bobApps := applicationEvents(bob.drainEvents())
	require.Len(t, bobApps, 2)

	aliceApps := applicationEvents(alice.drainEvents())
	require.Len(t, aliceApps, 1)
	require.Equal(t, []byte("hello all"), aliceApps[0].Plaintext)
}
