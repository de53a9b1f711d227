// Package acked implements the Acked-DGM membership abstraction used
// by the message encryption scheme: a per-viewer member set computed
// by replaying the causal history of Create/Add/Remove/AddAck control
// messages. Each viewer's membership knowledge is asymmetric: a
// newly added member only learns of pre-existing members once those
// members acknowledge the Add that welcomed them, while pre-existing
// members learn of the newcomer immediately.
package acked

import "github.com/annwen/groupauth/keys"

// OpKind tags a recorded control message relevant to membership.
type OpKind int

const (
	OpCreate OpKind = iota
	OpAdd
	OpRemove
	OpAddAck
)

// Op is one membership-relevant control message, in the causal order
// the orderer delivered it.
type Op struct {
	Kind OpKind
	// Sender is whoever authored the control message.
	Sender keys.MemberID

	// Create
	InitialMembers []keys.MemberID

	// Add / AddAck target
	Added keys.MemberID

	// Remove
	Removed keys.MemberID

	// AddAck
	AckSender keys.MemberID
}

func contains(list []keys.MemberID, id keys.MemberID) bool {
	for _, m := range list {
		if m == id {
			return true
		}
	}
	return false
}

// MembersView replays ops and returns the member set viewer believes
// is present. Per spec.md §4.5:
//   - the creator and every initial member learn the full initial set
//     at Create;
//   - the member who calls Add learns the new member immediately;
//   - every other already-established member also learns of the new
//     member immediately (they need to know to route future
//     messages, even before they can address 2SM to them);
//   - the newly added member starts knowing only themself, and learns
//     of each pre-existing member only once that member's AddAck is
//     processed;
//   - a Remove takes effect for every viewer immediately.
func MembersView(viewer keys.MemberID, ops []Op) map[keys.MemberID]struct{} {
	view := make(map[keys.MemberID]struct{})
	established := false

	for _, op := range ops {
		switch op.Kind {
		case OpCreate:
			if op.Sender == viewer || contains(op.InitialMembers, viewer) {
				for _, m := range op.InitialMembers {
					view[m] = struct{}{}
				}
				established = true
			}

		case OpAdd:
			switch {
			case viewer == op.Added:
				view[viewer] = struct{}{}
				established = true
			case viewer == op.Sender:
				view[op.Added] = struct{}{}
			case established:
				view[op.Added] = struct{}{}
			}

		case OpAddAck:
			if viewer == op.Added {
				view[op.AckSender] = struct{}{}
			}

		case OpRemove:
			delete(view, op.Removed)
		}
	}

	return view
}

// FromWelcome rebuilds a newcomer's membership state from the DGM
// history snapshot carried in a Welcome direct message, per spec.md
// §4.5 "from_welcome".
func FromWelcome(self keys.MemberID, history []Op) map[keys.MemberID]struct{} {
	return MembersView(self, history)
}

// PendingAcks reports which already-established members (known to
// the adder at the time of Add) still owe an AddAck to `added`, so
// the message-scheme DCGKA variant knows who must still acknowledge
// before `added`'s view is complete.
func PendingAcks(adder keys.MemberID, added keys.MemberID, ops []Op) []keys.MemberID {
	adderView := MembersView(adder, ops)
	addedView := MembersView(added, ops)

	pending := make([]keys.MemberID, 0, len(adderView))
	for m := range adderView {
		if m == added {
			continue
		}
		if _, ok := addedView[m]; !ok {
			pending = append(pending, m)
		}
	}
	return pending
}
