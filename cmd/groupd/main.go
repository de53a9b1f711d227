// Command groupd is the demo host process: it wires configuration,
// storage, the pre-key registry, and metrics together, then runs a
// three-member encrypted group end to end on a single machine so the
// whole stack can be exercised without a network transport.
package main

import (
	"context"
	"crypto/rand"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/annwen/groupauth/config"
	"github.com/annwen/groupauth/group/data"
	"github.com/annwen/groupauth/keys"
	"github.com/annwen/groupauth/orderer"
	"github.com/annwen/groupauth/pki"
	"github.com/annwen/groupauth/storage"
	"github.com/annwen/groupauth/telemetry"
)

func main() {
	cfg := config.Load()

	store, cleanup, err := buildStore(cfg)
	if err != nil {
		log.Fatalf("Failed to initialize storage: %v", err)
	}
	defer cleanup()

	registry, err := buildRegistry(cfg)
	if err != nil {
		log.Fatalf("Failed to initialize pre-key registry: %v", err)
	}

	secrets, err := cfg.SecretStore()
	if err != nil {
		log.Fatalf("Failed to initialize secret store: %v", err)
	}

	if cfg.MetricsAddr != "" {
		go func() {
			log.Printf("Serving metrics on %s", cfg.MetricsAddr)
			if err := telemetry.Serve(cfg.MetricsAddr); err != nil {
				log.Printf("Warning: metrics server stopped: %v", err)
			}
		}()
	}

	if err := runDemo(cfg, store, registry, secrets); err != nil {
		log.Fatalf("Demo run failed: %v", err)
	}
}

// buildStore selects the configured storage backend, layering the
// Redis hot-log cache and MinIO payload spill-over when configured.
func buildStore(cfg config.Config) (storage.Store, func(), error) {
	var (
		base    storage.Store
		cleanup = func() {}
	)

	switch {
	case cfg.PostgresURL != "":
		pg, err := storage.NewPostgresStore(cfg.PostgresURL)
		if err != nil {
			return nil, nil, err
		}
		base = pg
		cleanup = func() {
			if err := pg.Close(); err != nil {
				log.Printf("Warning: failed to close Postgres store: %v", err)
			}
		}
		log.Printf("Using Postgres operation store")
	case cfg.SQLitePath != "":
		sl, err := storage.NewSQLiteStore(cfg.SQLitePath)
		if err != nil {
			return nil, nil, err
		}
		base = sl
		cleanup = func() {
			if err := sl.Close(); err != nil {
				log.Printf("Warning: failed to close SQLite store: %v", err)
			}
		}
		log.Printf("Using SQLite operation store at %s", cfg.SQLitePath)
	default:
		base = storage.NewMemoryStore()
		log.Printf("Using in-memory operation store")
	}

	if cfg.MinioEndpoint != "" {
		blobs, err := storage.NewObjectStore(cfg.MinioEndpoint, cfg.MinioAccessKey, cfg.MinioSecretKey, cfg.MinioBucket, cfg.MinioUseSSL)
		if err != nil {
			return nil, nil, err
		}
		base = &storage.SpillStore{Base: base, Blobs: blobs, Threshold: cfg.SpillThreshold}
		log.Printf("Payloads over %d bytes spill to object storage bucket %q", cfg.SpillThreshold, cfg.MinioBucket)
	}

	if cfg.RedisURL != "" {
		client := redis.NewClient(&redis.Options{Addr: cfg.RedisURL, Password: cfg.RedisPassword})
		if err := client.Ping(context.Background()).Err(); err != nil {
			return nil, nil, fmt.Errorf("connecting to Redis: %w", err)
		}
		base = &storage.TieredStore{Hot: storage.NewHotLog(client, cfg.HotLogMaxOps), Base: base}
		log.Printf("Redis hot-log cache enabled (%d ops per log)", cfg.HotLogMaxOps)
	}

	return base, cleanup, nil
}

func buildRegistry(cfg config.Config) (pki.Registry, error) {
	if cfg.ConsulAddr == "" {
		log.Printf("CONSUL_ADDR not set, using in-memory pre-key registry")
		return pki.NewMemory(), nil
	}
	reg, err := pki.NewConsulRegistry(cfg.ConsulAddr, cfg.ConsulKeyPrefix)
	if err != nil {
		return nil, err
	}
	log.Printf("Consul pre-key registry at %s (prefix %s)", cfg.ConsulAddr, cfg.ConsulKeyPrefix)
	return reg, nil
}

type peer struct {
	name  string
	mgr   *keys.Manager
	state data.State
}

// runDemo creates a three-member group, exchanges messages, evicts a
// member, and verifies post-compromise security, storing every
// broadcast operation along the way.
func runDemo(cfg config.Config, store storage.Store, registry pki.Registry, secrets keys.SecretStore) error {
	ctx := context.Background()
	now := time.Now()
	logID := uuid.NewString()

	peers := make([]*peer, 0, 3)
	for _, name := range []string{"alice", "bob", "charlie"} {
		mgr, err := keys.Init(rand.Reader, cfg.PreKeyLifetime)
		if err != nil {
			return fmt.Errorf("generating identity for %s: %w", name, err)
		}
		if err := registry.Publish(mgr.PreKeyBundle(now)); err != nil {
			return fmt.Errorf("publishing bundle for %s: %w", name, err)
		}
		if err := secrets.Put(ctx, mgr.MemberID, "identity", mgr.SigningSecret()); err != nil {
			return fmt.Errorf("persisting identity for %s: %w", name, err)
		}
		peers = append(peers, &peer{
			name:  name,
			mgr:   mgr,
			state: data.NewState(orderer.CausalOrderer{}, registry, mgr),
		})
	}
	alice, bob, charlie := peers[0], peers[1], peers[2]

	broadcast := func(from *peer, msg orderer.Message) error {
		if err := persist(ctx, store, logID, msg); err != nil {
			return err
		}
		for _, p := range peers {
			if p == from {
				continue
			}
			next, outputs, err := data.Receive(p.state, msg)
			if err != nil {
				return fmt.Errorf("%s receiving from %s: %w", p.name, from.name, err)
			}
			p.state = next
			for _, out := range outputs {
				logOutput(p.name, out)
			}
		}
		return nil
	}

	ids := []keys.MemberID{alice.mgr.MemberID, bob.mgr.MemberID, charlie.mgr.MemberID}
	st, create, err := data.Create(rand.Reader, alice.state, ids)
	if err != nil {
		return err
	}
	alice.state = st
	telemetry.DcgkaOperationsTotal.WithLabelValues("data", "create").Inc()
	if err := broadcast(alice, create); err != nil {
		return err
	}

	st, hello, err := data.Send(alice.state, []byte("Hello everyone!"))
	if err != nil {
		return err
	}
	alice.state = st
	if err := broadcast(alice, hello); err != nil {
		return err
	}

	st, remove, err := data.Remove(rand.Reader, bob.state, charlie.mgr.MemberID)
	if err != nil {
		return err
	}
	bob.state = st
	telemetry.DcgkaOperationsTotal.WithLabelValues("data", "remove").Inc()
	if err := persist(ctx, store, logID, remove); err != nil {
		return err
	}
	for _, p := range []*peer{alice, charlie} {
		next, outputs, err := data.Receive(p.state, remove)
		if err != nil {
			return fmt.Errorf("%s receiving remove: %w", p.name, err)
		}
		p.state = next
		for _, out := range outputs {
			logOutput(p.name, out)
		}
	}

	st, secret, err := data.Send(alice.state, []byte("just the two of us now"))
	if err != nil {
		return err
	}
	alice.state = st
	if err := persist(ctx, store, logID, secret); err != nil {
		return err
	}
	next, outputs, err := data.Receive(bob.state, secret)
	if err != nil {
		return err
	}
	bob.state = next
	for _, out := range outputs {
		logOutput(bob.name, out)
	}

	// The evicted member must not be able to read the rotated epoch.
	if _, _, err := data.Receive(charlie.state, secret); err == nil {
		return fmt.Errorf("expected charlie to fail decrypting post-removal traffic")
	}
	log.Printf("charlie correctly locked out of post-removal traffic")

	height, _, err := store.LogHeight(ctx, alice.mgr.SigningPK, logID)
	if err != nil {
		return err
	}
	log.Printf("Demo complete: alice's log height %d, %d members remain", height, len(alice.state.Members()))
	return nil
}

func persist(ctx context.Context, store storage.Store, logID string, msg orderer.Message) error {
	hash, err := msg.Header.ID()
	if err != nil {
		return err
	}
	headerBytes, err := msg.Header.Encode()
	if err != nil {
		return err
	}

	var body []byte
	switch {
	case msg.Control != nil:
		body = msg.Control.Action
	case msg.Application != nil:
		body = msg.Application.Ciphertext
	}

	inserted, err := store.InsertOperation(ctx, storage.Operation{
		Hash:        hash,
		Header:      msg.Header,
		HeaderBytes: headerBytes,
		Body:        body,
		LogID:       logID,
	})
	result := "inserted"
	if err != nil {
		result = "error"
	} else if !inserted {
		result = "duplicate"
	}
	telemetry.StorageOperationsTotal.WithLabelValues("store", "insert", result).Inc()
	return err
}

func logOutput(name string, out data.Output) {
	switch out.Kind {
	case data.OutputApplication:
		log.Printf("%s received: %q", name, out.Plaintext)
	case data.OutputJoined:
		log.Printf("%s joined the group", name)
	case data.OutputRemoved:
		log.Printf("%s was removed from the group", name)
	}
}
