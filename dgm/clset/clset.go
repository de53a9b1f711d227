// Package clset implements the Causal-Length Set (CL-Set) group
// membership CRDT used by the data encryption scheme: grow-only
// counters encoding add/remove/promote/demote causality, merged
// deterministically, commutatively, and idempotently. Grounded on
// Yu & Rostad, "A Low-Cost Set CRDT Based on Causal Lengths" (2020).
package clset

import (
	"fmt"

	"github.com/annwen/groupauth/keys"
)

// AccessLevel is the total order Pull < Read < Write < Manage from
// spec.md §3. Comparison on Write ignores any attached conditions.
type AccessLevel int

const (
	Pull AccessLevel = iota
	Read
	Write
	Manage
)

// Access pairs an access level with opaque, implementation-defined
// conditions that only apply (and are ignored for ordering) at Write.
type Access struct {
	Level      AccessLevel
	Conditions string
}

func (a Access) isPull() bool   { return a.Level == Pull }
func (a Access) isManage() bool { return a.Level == Manage }

// less compares two access values by level only, per spec.md §3
// ("Comparison on Write ignores conditions").
func less(a, b Access) bool { return a.Level < b.Level }
func equalAccess(a, b Access) bool {
	if a.Level != b.Level {
		return false
	}
	if a.Level == Write {
		return true
	}
	return a.Conditions == b.Conditions
}

// MemberState is the per-member CL-Set entry, spec.md §3.
type MemberState struct {
	MemberCounter uint64
	Access        Access
	AccessCounter uint64
}

// IsActive reports whether the member is currently active
// (member_counter is odd).
func (m MemberState) IsActive() bool { return m.MemberCounter%2 == 1 }

// State is the full group-members map, spec.md §3.
type State struct {
	Members map[keys.MemberID]MemberState
}

// Error is a typed authorization/state-precondition failure.
type Error struct {
	Kind   ErrorKind
	Member keys.MemberID
}

func (e *Error) Error() string {
	return fmt.Sprintf("clset: %s: %x", e.Kind, e.Member[:8])
}

type ErrorKind string

const (
	ErrUnrecognisedActor  ErrorKind = "unrecognised actor"
	ErrInactiveActor      ErrorKind = "inactive actor"
	ErrInsufficientAccess ErrorKind = "insufficient access"
	ErrUnrecognisedMember ErrorKind = "unrecognised member"
	ErrInactiveMember     ErrorKind = "inactive member"
	ErrAlreadyAdded       ErrorKind = "already added"
	ErrAlreadyRemoved     ErrorKind = "already removed"
)

// InitialMember seeds Create with a member and their starting access.
type InitialMember struct {
	ID     keys.MemberID
	Access Access
}

// Create establishes a fresh group state with the given initial
// members, all active at member_counter == 1.
func Create(initial []InitialMember) State {
	members := make(map[keys.MemberID]MemberState, len(initial))
	for _, m := range initial {
		members[m.ID] = MemberState{MemberCounter: 1, Access: m.Access, AccessCounter: 0}
	}
	return State{Members: members}
}

func (s State) clone() State {
	cp := make(map[keys.MemberID]MemberState, len(s.Members))
	for k, v := range s.Members {
		cp[k] = v
	}
	return State{Members: cp}
}

func requireManager(s State, actor keys.MemberID) error {
	st, ok := s.Members[actor]
	if !ok {
		return &Error{Kind: ErrUnrecognisedActor, Member: actor}
	}
	if !st.IsActive() {
		return &Error{Kind: ErrInactiveActor, Member: actor}
	}
	if !st.Access.isManage() {
		return &Error{Kind: ErrInsufficientAccess, Member: actor}
	}
	return nil
}

// Add adds `added` to the group with the given access level. `adder`
// must be an active manager. Re-adding a previously removed member is
// supported and bumps member_counter, resetting access_counter.
func Add(s State, adder, added keys.MemberID, access Access) (State, error) {
	if err := requireManager(s, adder); err != nil {
		return s, err
	}
	if st, ok := s.Members[added]; ok && st.IsActive() {
		return s, &Error{Kind: ErrAlreadyAdded, Member: added}
	}

	next := s.clone()
	if st, ok := next.Members[added]; ok {
		st.MemberCounter++
		st.Access = access
		st.AccessCounter = 0
		next.Members[added] = st
	} else {
		next.Members[added] = MemberState{MemberCounter: 1, Access: access, AccessCounter: 0}
	}
	return next, nil
}

// Remove removes `removed` from the group. `remover` must be an
// active manager and `removed` must be an active member.
func Remove(s State, remover, removed keys.MemberID) (State, error) {
	if err := requireManager(s, remover); err != nil {
		return s, err
	}
	st, ok := s.Members[removed]
	if !ok {
		return s, &Error{Kind: ErrUnrecognisedMember, Member: removed}
	}
	if !st.IsActive() {
		return s, &Error{Kind: ErrAlreadyRemoved, Member: removed}
	}

	next := s.clone()
	st.MemberCounter++
	st.AccessCounter = 0
	next.Members[removed] = st
	return next, nil
}

func modify(s State, modifier, modified keys.MemberID, access Access) (State, error) {
	if err := requireManager(s, modifier); err != nil {
		return s, err
	}
	st, ok := s.Members[modified]
	if !ok {
		return s, &Error{Kind: ErrUnrecognisedMember, Member: modified}
	}
	if !st.IsActive() {
		return s, &Error{Kind: ErrInactiveMember, Member: modified}
	}

	if equalAccess(st.Access, access) {
		return s, nil
	}

	next := s.clone()
	st.Access = access
	st.AccessCounter++
	next.Members[modified] = st
	return next, nil
}

// Promote raises `promoted`'s access level. A no-op if they already
// hold Manage.
func Promote(s State, promoter, promoted keys.MemberID, access Access) (State, error) {
	st, ok := s.Members[promoted]
	if !ok {
		return s, &Error{Kind: ErrUnrecognisedMember, Member: promoted}
	}
	if st.Access.isManage() {
		return s, nil
	}
	return modify(s, promoter, promoted, access)
}

// Demote lowers `demoted`'s access level. A no-op if they already
// hold Pull.
func Demote(s State, demoter, demoted keys.MemberID, access Access) (State, error) {
	st, ok := s.Members[demoted]
	if !ok {
		return s, &Error{Kind: ErrUnrecognisedMember, Member: demoted}
	}
	if st.Access.isPull() {
		return s, nil
	}
	return modify(s, demoter, demoted, access)
}

// ActiveMembers returns the currently active member set.
func ActiveMembers(s State) map[keys.MemberID]struct{} {
	out := make(map[keys.MemberID]struct{})
	for id, st := range s.Members {
		if st.IsActive() {
			out[id] = struct{}{}
		}
	}
	return out
}

// Managers returns the set of active members with Manage access.
func Managers(s State) map[keys.MemberID]struct{} {
	out := make(map[keys.MemberID]struct{})
	for id, st := range s.Members {
		if st.IsActive() && st.Access.isManage() {
			out[id] = struct{}{}
		}
	}
	return out
}

// Merge deterministically, commutatively, associatively, and
// idempotently merges two states. For each member present in either
// input: the higher member_counter wins; on a tie, the higher
// access_counter wins; on a further tie, the lower access level wins
// (conservative), per spec.md §4.6.
func Merge(a, b State) State {
	next := b.clone()

	for id, as := range a.Members {
		bs, ok := next.Members[id]
		if !ok {
			next.Members[id] = as
			continue
		}

		if as.MemberCounter > bs.MemberCounter {
			bs.MemberCounter = as.MemberCounter
			bs.Access = as.Access
			bs.AccessCounter = as.AccessCounter
		} else if as.MemberCounter == bs.MemberCounter {
			if as.AccessCounter > bs.AccessCounter {
				bs.Access = as.Access
				bs.AccessCounter = as.AccessCounter
			} else if as.AccessCounter == bs.AccessCounter && less(as.Access, bs.Access) {
				bs.Access = as.Access
			}
		}
		next.Members[id] = bs
	}

	return next
}
