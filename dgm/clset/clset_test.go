package clset

import (
	"testing"

	"github.com/annwen/groupauth/keys"
	"github.com/stretchr/testify/require"
)

func id(b byte) keys.MemberID {
	var m keys.MemberID
	m[0] = b
	return m
}

func manage() Access { return Access{Level: Manage} }
func read() Access   { return Access{Level: Read} }
func pull() Access   { return Access{Level: Pull} }
func write(cond string) Access { return Access{Level: Write, Conditions: cond} }

func TestCreateAddRemove(t *testing.T) {
	alice, bob, charlie := id(0), id(1), id(2)

	state := Create([]InitialMember{{alice, manage()}, {bob, read()}})
	_, inAlice := ActiveMembers(state)[alice]
	_, inBob := ActiveMembers(state)[bob]
	require.True(t, inAlice)
	require.True(t, inBob)
	_, aliceManages := Managers(state)[alice]
	_, bobManages := Managers(state)[bob]
	require.True(t, aliceManages)
	require.False(t, bobManages)

	state, err := Add(state, alice, charlie, write("requirement"))
	require.NoError(t, err)
	_, inCharlie := ActiveMembers(state)[charlie]
	require.True(t, inCharlie)

	state, err = Remove(state, alice, bob)
	require.NoError(t, err)
	_, inBob = ActiveMembers(state)[bob]
	require.False(t, inBob)
}

func TestPromoteDemoteModify(t *testing.T) {
	alice, bob := id(0), id(1)
	state := Create([]InitialMember{{alice, manage()}, {bob, read()}})

	state, err := Promote(state, alice, bob, write("requirement"))
	require.NoError(t, err)
	require.Equal(t, Write, state.Members[bob].Access.Level)

	state, err = Demote(state, alice, bob, read())
	require.NoError(t, err)
	require.Equal(t, Read, state.Members[bob].Access.Level)

	state, err = Promote(state, alice, bob, manage())
	require.NoError(t, err)
	require.True(t, state.Members[bob].Access.isManage())
}

func TestAddErrors(t *testing.T) {
	alice, bob, charlie, daphne := id(0), id(1), id(2), id(3)
	state := Create([]InitialMember{{alice, manage()}, {bob, read()}})

	_, err := Add(state, charlie, daphne, read())
	require.Equal(t, ErrUnrecognisedActor, err.(*Error).Kind)

	_, err = Add(state, bob, daphne, read())
	require.Equal(t, ErrInsufficientAccess, err.(*Error).Kind)

	_, err = Add(state, alice, bob, read())
	require.Equal(t, ErrAlreadyAdded, err.(*Error).Kind)

	state, err = Remove(state, alice, bob)
	require.NoError(t, err)

	_, err = Add(state, bob, daphne, read())
	require.Equal(t, ErrInactiveActor, err.(*Error).Kind)
}

func TestRemoveErrors(t *testing.T) {
	alice, bob, charlie, daphne := id(0), id(1), id(2), id(3)
	state := Create([]InitialMember{{alice, manage()}, {bob, read()}, {charlie, read()}})

	_, err := Remove(state, daphne, charlie)
	require.Equal(t, ErrUnrecognisedActor, err.(*Error).Kind)

	_, err = Remove(state, bob, charlie)
	require.Equal(t, ErrInsufficientAccess, err.(*Error).Kind)

	_, err = Remove(state, alice, daphne)
	require.Equal(t, ErrUnrecognisedMember, err.(*Error).Kind)

	state, err = Remove(state, alice, charlie)
	require.NoError(t, err)

	_, err = Remove(state, alice, charlie)
	require.Equal(t, ErrAlreadyRemoved, err.(*Error).Kind)
}

func TestPromoteErrors(t *testing.T) {
	alice, bob, charlie, daphne := id(0), id(1), id(2), id(3)
	state := Create([]InitialMember{{alice, manage()}, {bob, read()}, {charlie, read()}})

	_, err := Promote(state, daphne, charlie, manage())
	require.Equal(t, ErrUnrecognisedActor, err.(*Error).Kind)

	_, err = Promote(state, bob, charlie, write("paw"))
	require.Equal(t, ErrInsufficientAccess, err.(*Error).Kind)

	_, err = Promote(state, alice, daphne, read())
	require.Equal(t, ErrUnrecognisedMember, err.(*Error).Kind)

	state, err = Remove(state, alice, charlie)
	require.NoError(t, err)

	_, err = Promote(state, alice, charlie, pull())
	require.Equal(t, ErrInactiveMember, err.(*Error).Kind)

	_, err = Promote(state, charlie, bob, manage())
	require.Equal(t, ErrInactiveActor, err.(*Error).Kind)
}

func TestDemoteErrors(t *testing.T) {
	alice, bob, charlie, daphne := id(0), id(1), id(2), id(3)
	state := Create([]InitialMember{{alice, manage()}, {bob, read()}, {charlie, read()}})

	_, err := Demote(state, daphne, charlie, pull())
	require.Equal(t, ErrUnrecognisedActor, err.(*Error).Kind)

	_, err = Demote(state, bob, charlie, pull())
	require.Equal(t, ErrInsufficientAccess, err.(*Error).Kind)

	_, err = Demote(state, alice, daphne, read())
	require.Equal(t, ErrUnrecognisedMember, err.(*Error).Kind)

	state, err = Remove(state, alice, charlie)
	require.NoError(t, err)

	_, err = Demote(state, alice, charlie, pull())
	require.Equal(t, ErrInactiveMember, err.(*Error).Kind)

	_, err = Demote(state, charlie, bob, pull())
	require.Equal(t, ErrInactiveActor, err.(*Error).Kind)
}

func TestMergeNewMember(t *testing.T) {
	alice, bob, charlie, daphne := id(0), id(1), id(2), id(3)
	s1 := Create([]InitialMember{{alice, manage()}, {bob, read()}, {charlie, pull()}})
	s2, err := Add(s1, alice, daphne, read())
	require.NoError(t, err)

	merged := Merge(s1, s2)
	_, ok := ActiveMembers(merged)[daphne]
	require.True(t, ok)
}

func TestMergeHigherMemberCounterWins(t *testing.T) {
	alice, bob, charlie := id(0), id(1), id(2)
	s1 := Create([]InitialMember{{alice, manage()}, {bob, read()}, {charlie, pull()}})
	s2, err := Remove(s1, alice, bob)
	require.NoError(t, err)
	s2, err = Add(s2, alice, bob, read())
	require.NoError(t, err)

	merged := Merge(s1, s2)
	require.Equal(t, uint64(3), merged.Members[bob].MemberCounter)
}

func TestMergeHigherAccessCounterWins(t *testing.T) {
	alice, bob, charlie := id(0), id(1), id(2)
	s1 := Create([]InitialMember{{alice, manage()}, {bob, read()}, {charlie, pull()}})

	s2, err := Promote(s1, alice, charlie, read())
	require.NoError(t, err)
	s2, err = Demote(s2, alice, charlie, pull())
	require.NoError(t, err)

	merged := Merge(s1, s2)
	require.Equal(t, uint64(2), merged.Members[charlie].AccessCounter)
	require.True(t, merged.Members[charlie].Access.isPull())
}

// TestMergeAccessTieBreakLowerWins reproduces spec.md §8 S5: two
// branches each perform two access modifications on the same member,
// so access_counter ties at 2 and the lower access level must win.
func TestMergeAccessTieBreakLowerWins(t *testing.T) {
	alice, charlie := id(0), id(2)
	base := Create([]InitialMember{{alice, manage()}, {id(1), read()}, {charlie, pull()}})

	b1, err := Promote(base, alice, charlie, read())
	require.NoError(t, err)
	b1, err = Demote(b1, alice, charlie, pull())
	require.NoError(t, err)

	b2, err := Promote(base, alice, charlie, manage())
	require.NoError(t, err)
	b2, err = Demote(b2, alice, charlie, read())
	require.NoError(t, err)

	merged := Merge(b1, b2)
	require.Equal(t, uint64(2), merged.Members[charlie].AccessCounter)
	require.True(t, merged.Members[charlie].Access.isPull())
}

// TestMergeCommutativeAndIdempotent covers spec.md §8 properties 2/3.
func TestMergeCommutativeAndIdempotent(t *testing.T) {
	alice, bob, charlie := id(0), id(1), id(2)
	s1 := Create([]InitialMember{{alice, manage()}, {bob, read()}, {charlie, pull()}})
	s2, err := Add(s1, alice, id(3), read())
	require.NoError(t, err)

	ab := Merge(s1, s2)
	ba := Merge(s2, s1)
	require.Equal(t, ab.Members, ba.Members)

	aa := Merge(s1, s1)
	require.Equal(t, s1.Members, aa.Members)
}

// TestReAddBumpsMemberCounterToThree reproduces spec.md §8 S4.
func TestReAddBumpsMemberCounterToThree(t *testing.T) {
	alice, bob := id(0), id(1)
	state := Create([]InitialMember{{alice, manage()}, {bob, read()}})

	state, err := Remove(state, alice, bob)
	require.NoError(t, err)
	state, err = Add(state, alice, bob, read())
	require.NoError(t, err)

	require.Equal(t, uint64(3), state.Members[bob].MemberCounter)
	require.True(t, state.Members[bob].IsActive())
	_, isManager := Managers(state)[bob]
	require.False(t, isManager)
	_, aliceManages := Managers(state)[alice]
	require.True(t, aliceManages)
}
