// Package pki implements the address-book / pre-key registry
// collaborator the core assumes for bundle lookups (spec.md §4.2/4.3,
// "PKI" in the capability list of §9): publish a member's current
// signed pre-key bundle, look one up by MemberID.
package pki

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/annwen/groupauth/keys"
)

// ErrNotFound is returned when no bundle is published for a member.
var ErrNotFound = errors.New("pki: no bundle published for member")

// Registry is the capability dcgka.PKI needs plus publication, so a
// single interface covers every collaborator in this package.
type Registry interface {
	Publish(bundle keys.Bundle) error
	LookupBundle(id keys.MemberID) (keys.Bundle, error)
}

// Memory is an in-memory reference Registry, used in tests and as the
// default collaborator for single-process deployments.
type Memory struct {
	mu      sync.RWMutex
	bundles map[keys.MemberID]keys.Bundle
}

// NewMemory returns an empty in-memory registry.
func NewMemory() *Memory {
	return &Memory{bundles: make(map[keys.MemberID]keys.Bundle)}
}

// Publish stores bundle, overwriting any previous bundle for the same
// member.
func (m *Memory) Publish(bundle keys.Bundle) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.bundles[bundle.MemberID] = bundle
	return nil
}

// LookupBundle returns the most recently published bundle for id.
func (m *Memory) LookupBundle(id keys.MemberID) (keys.Bundle, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	b, ok := m.bundles[id]
	if !ok {
		return keys.Bundle{}, fmt.Errorf("%w: %x", ErrNotFound, id[:8])
	}
	if !b.Verify(time.Now()) {
		return keys.Bundle{}, fmt.Errorf("pki: bundle for %x has expired or failed verification", id[:8])
	}
	return b, nil
}
