package pki

import (
	"fmt"
	"log"

	"github.com/fxamacker/cbor/v2"
	"github.com/hashicorp/consul/api"

	"github.com/annwen/groupauth/keys"
)

// ConsulRegistry stores published pre-key bundles as Consul KV
// entries, keyed by hex-encoded MemberID under keyPrefix. Adapted
// from the teacher's internal/registry/consul.go, which used Consul
// for chat-server service discovery; this repurposes the same client
// for bundle publication/lookup instead of service registration — no
// network peer discovery is implemented, honoring spec.md's
// transport/discovery non-goal.
type ConsulRegistry struct {
	client    *api.Client
	keyPrefix string
}

// NewConsulRegistry dials Consul at addr and returns a registry
// storing bundles under keyPrefix (e.g. "groupauth/bundles/").
func NewConsulRegistry(addr, keyPrefix string) (*ConsulRegistry, error) {
	config := api.DefaultConfig()
	config.Address = addr

	client, err := api.NewClient(config)
	if err != nil {
		return nil, fmt.Errorf("pki: building consul client: %w", err)
	}

	return &ConsulRegistry{client: client, keyPrefix: keyPrefix}, nil
}

func (c *ConsulRegistry) kvKey(id keys.MemberID) string {
	return fmt.Sprintf("%s%x", c.keyPrefix, id[:])
}

// Publish writes bundle to Consul's KV store, overwriting any
// previous value for the same member.
func (c *ConsulRegistry) Publish(bundle keys.Bundle) error {
	encoded, err := cbor.Marshal(bundle)
	if err != nil {
		return fmt.Errorf("pki: encoding bundle: %w", err)
	}

	pair := &api.KVPair{Key: c.kvKey(bundle.MemberID), Value: encoded}
	if _, err := c.client.KV().Put(pair, nil); err != nil {
		return fmt.Errorf("pki: writing bundle to consul: %w", err)
	}

	log.Printf("[pki] published bundle for %x", bundle.MemberID[:8])
	return nil
}

// LookupBundle reads and decodes the bundle published for id.
func (c *ConsulRegistry) LookupBundle(id keys.MemberID) (keys.Bundle, error) {
	pair, _, err := c.client.KV().Get(c.kvKey(id), nil)
	if err != nil {
		return keys.Bundle{}, fmt.Errorf("pki: reading bundle from consul: %w", err)
	}
	if pair == nil {
		return keys.Bundle{}, fmt.Errorf("%w: %x", ErrNotFound, id[:8])
	}

	var bundle keys.Bundle
	if err := cbor.Unmarshal(pair.Value, &bundle); err != nil {
		return keys.Bundle{}, fmt.Errorf("pki: decoding bundle: %w", err)
	}
	return bundle, nil
}
