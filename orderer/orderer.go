// Package orderer implements the causal-delivery collaborator the
// core treats as external, per spec.md §4.9: per-author FIFO, causal
// readiness (a message is yielded only once every op it references in
// `Previous` has itself been yielded), and idempotent re-delivery.
//
// The core never imports this package back — Orderer is consumed by
// group/message and group/data the same way a caller might bring
// their own networked implementation instead.
package orderer

import (
	"crypto/ed25519"
	"errors"
	"fmt"

	"github.com/annwen/groupauth/keys"
	"github.com/annwen/groupauth/wire"
)

var (
	// ErrNoWelcome is returned by NextControlMessage/NextApplicationMessage
	// style callers that need a welcome snapshot before sequencing is
	// possible; collaborators may ignore it where not applicable.
	ErrNoWelcome = errors.New("orderer: no welcome message set")
)

// Message is an envelope the orderer tracks: exactly one of Control
// or Application is set.
type Message struct {
	Header      wire.Header
	Control     *wire.ControlMessage
	Application *wire.ApplicationMessage
}

// ID returns the message's operation identifier.
func (m Message) ID() (wire.Hash, error) { return m.Header.ID() }

func (m Message) author() (keys.MemberID, error) {
	var id keys.MemberID
	if len(m.Header.PublicKey) != len(id) {
		return id, fmt.Errorf("orderer: header public key has unexpected length %d", len(m.Header.PublicKey))
	}
	copy(id[:], m.Header.PublicKey)
	return id, nil
}

// Orderer is the minimal external collaborator contract of spec.md
// §4.9, realized as a Go interface so callers may substitute a
// persistent or networked implementation for CausalOrderer.
type Orderer interface {
	Queue(state State, msg Message) (State, error)
	SetWelcome(state State, msg Message) State
	NextReadyMessage(state State) (State, *Message)
	NextControlMessage(state State, signingKey ed25519.PrivateKey, payload []byte, payloadHash *wire.Hash) (State, wire.Header, error)
	NextApplicationMessage(state State, signingKey ed25519.PrivateKey, payloadHash *wire.Hash, payloadSize uint64) (State, wire.Header, error)
}

// State is the CausalOrderer's value-type state: pending (not yet
// causally ready) messages per author, the FIFO-ready queue, the set
// of already-delivered operation ids (for idempotent re-delivery),
// and our own next-sequence bookkeeping.
type State struct {
	myID keys.MemberID

	delivered map[wire.Hash]struct{}
	heads     map[keys.MemberID]wire.Hash

	pending map[keys.MemberID]map[uint64]Message
	nextSeq map[keys.MemberID]uint64

	ready []Message

	welcome  *Message
	welcomed bool

	ourNextSeq  uint64
	ourBacklink *wire.Hash
}

// NewState returns an empty CausalOrderer state for member myID.
func NewState(myID keys.MemberID) State {
	return State{
		myID:      myID,
		delivered: make(map[wire.Hash]struct{}),
		heads:     make(map[keys.MemberID]wire.Hash),
		pending:   make(map[keys.MemberID]map[uint64]Message),
		nextSeq:   make(map[keys.MemberID]uint64),
	}
}

func (s State) clone() State {
	cp := s
	cp.delivered = make(map[wire.Hash]struct{}, len(s.delivered))
	for k := range s.delivered {
		cp.delivered[k] = struct{}{}
	}
	cp.heads = make(map[keys.MemberID]wire.Hash, len(s.heads))
	for k, v := range s.heads {
		cp.heads[k] = v
	}
	cp.pending = make(map[keys.MemberID]map[uint64]Message, len(s.pending))
	for author, byseq := range s.pending {
		nb := make(map[uint64]Message, len(byseq))
		for seq, m := range byseq {
			nb[seq] = m
		}
		cp.pending[author] = nb
	}
	cp.nextSeq = make(map[keys.MemberID]uint64, len(s.nextSeq))
	for k, v := range s.nextSeq {
		cp.nextSeq[k] = v
	}
	cp.ready = append([]Message{}, s.ready...)
	return cp
}

// CausalOrderer is the in-memory reference Orderer implementation,
// per spec.md §4.9 and SPEC_FULL.md §4.9.
type CausalOrderer struct{}

// Queue buffers msg, promoting it (and anything it unblocks) to the
// ready queue once its author's FIFO position is reached and every
// op in its `Previous` has already been delivered. Re-queuing an
// already-delivered message is a no-op.
func (CausalOrderer) Queue(state State, msg Message) (State, error) {
	id, err := msg.ID()
	if err != nil {
		return state, err
	}

	y := state.clone()
	if _, ok := y.delivered[id]; ok {
		return y, nil
	}

	author, err := msg.author()
	if err != nil {
		return state, err
	}

	if _, ok := y.pending[author]; !ok {
		y.pending[author] = make(map[uint64]Message)
	}
	if y.welcomed {
		// A welcomed newcomer never witnessed the start of an
		// existing author's log; adopt the first message seen from
		// each author as that chain's FIFO baseline.
		if _, seen := y.nextSeq[author]; !seen {
			y.nextSeq[author] = msg.Header.SeqNum
		}
	}
	if _, ok := y.pending[author][msg.Header.SeqNum]; ok {
		return y, nil
	}
	y.pending[author][msg.Header.SeqNum] = msg

	y = drain(y)
	return y, nil
}

// drain repeatedly promotes every author's next-in-FIFO message to
// the ready queue as long as its causal dependencies are satisfied,
// looping until a full pass makes no further progress (promoting one
// author's message can unblock another author's buffered message
// that named it in `Previous`).
func drain(y State) State {
	for {
		progressed := false
		for author, byseq := range y.pending {
			seq := y.nextSeq[author]
			msg, ok := byseq[seq]
			if !ok {
				continue
			}
			if !causallyReady(y, msg) {
				continue
			}

			id, err := msg.ID()
			if err != nil {
				continue
			}

			delete(byseq, seq)
			y.delivered[id] = struct{}{}
			y.heads[author] = id
			y.nextSeq[author] = seq + 1
			y.ready = append(y.ready, msg)
			progressed = true
		}
		if !progressed {
			return y
		}
	}
}

// causallyReady gates a message on its references having been
// delivered. After a welcome the newcomer cannot witness operations
// from before its own Add, so references it never saw are trusted to
// the external causal-broadcast layer instead of blocking forever.
func causallyReady(y State, msg Message) bool {
	for _, prev := range msg.Header.Previous {
		if _, ok := y.delivered[prev]; !ok {
			if !y.welcomed {
				return false
			}
		}
	}
	if msg.Header.SeqNum > 0 && msg.Header.Backlink != nil {
		if _, ok := y.delivered[*msg.Header.Backlink]; !ok {
			if !y.welcomed {
				return false
			}
		}
	}
	return true
}

// SetWelcome records a Welcome message as the snapshot a newcomer
// bootstraps from, per spec.md §4.7/§4.8 "receive" join path. The
// welcome's causal references (its `Previous` frontier and the
// author's backlink) are marked delivered: a newcomer never saw the
// operations before its own Add, so gating on them would deadlock.
func (CausalOrderer) SetWelcome(state State, msg Message) State {
	y := state.clone()
	m := msg
	y.welcome = &m
	y.welcomed = true
	for _, prev := range msg.Header.Previous {
		y.delivered[prev] = struct{}{}
	}
	if msg.Header.Backlink != nil {
		y.delivered[*msg.Header.Backlink] = struct{}{}
	}
	if author, err := msg.author(); err == nil {
		if y.nextSeq[author] < msg.Header.SeqNum {
			y.nextSeq[author] = msg.Header.SeqNum
		}
	}
	return y
}

// NextReadyMessage pops the oldest causally-ready, not-yet-yielded
// message, if any.
func (CausalOrderer) NextReadyMessage(state State) (State, *Message) {
	if len(state.ready) == 0 {
		return state, nil
	}
	y := state.clone()
	m := y.ready[0]
	y.ready = y.ready[1:]
	return y, &m
}

// NextControlMessage assigns seq_num/backlink/previous for a new
// control message we are about to broadcast ourselves and returns the
// signed header. `Previous` is set to every known author's current
// head (the causal frontier as we've observed it), excluding our own
// chain (carried via `Backlink` instead).
func (CausalOrderer) NextControlMessage(state State, signingKey ed25519.PrivateKey, payload []byte, payloadHash *wire.Hash) (State, wire.Header, error) {
	return nextHeader(state, signingKey, uint64(len(payload)), payloadHash)
}

// NextApplicationMessage assigns sequencing for a new application
// message we are about to send, same frontier rule as
// NextControlMessage.
func (CausalOrderer) NextApplicationMessage(state State, signingKey ed25519.PrivateKey, payloadHash *wire.Hash, payloadSize uint64) (State, wire.Header, error) {
	return nextHeader(state, signingKey, payloadSize, payloadHash)
}

func nextHeader(state State, signingKey ed25519.PrivateKey, payloadSize uint64, payloadHash *wire.Hash) (State, wire.Header, error) {
	y := state.clone()

	previous := make([]wire.Hash, 0, len(y.heads))
	for author, head := range y.heads {
		if author == y.myID {
			continue
		}
		previous = append(previous, head)
	}

	h := wire.Header{
		Version:     wire.CurrentVersion,
		PublicKey:   append([]byte{}, signingKey.Public().(ed25519.PublicKey)...),
		PayloadSize: payloadSize,
		PayloadHash: payloadHash,
		SeqNum:      y.ourNextSeq,
		Backlink:    y.ourBacklink,
		Previous:    previous,
	}

	signed, err := h.Sign(signingKey)
	if err != nil {
		return state, wire.Header{}, fmt.Errorf("orderer: signing header: %w", err)
	}

	id, err := signed.ID()
	if err != nil {
		return state, wire.Header{}, fmt.Errorf("orderer: hashing header: %w", err)
	}

	y.ourNextSeq++
	y.ourBacklink = &id
	y.delivered[id] = struct{}{}
	y.heads[y.myID] = id

	return y, signed, nil
}
