package keys

import (
	"context"
	"encoding/base64"
	"fmt"
	"log"
	"os"
	"sync"
	"time"

	vaultapi "github.com/hashicorp/vault/api"
)

// SecretStore persists a member's identity/signed-prekey secrets
// so a Manager can be reconstructed across process restarts. It is a
// capability the key manager is polymorphic over, per spec.md §9.
type SecretStore interface {
	Put(ctx context.Context, memberID MemberID, field string, value []byte) error
	Get(ctx context.Context, memberID MemberID, field string) ([]byte, error)
}

// MemoryStore is an in-memory SecretStore, used in tests and by
// single-process demos.
type MemoryStore struct {
	mu   sync.RWMutex
	data map[MemberID]map[string][]byte
}

// NewMemoryStore returns an empty in-memory secret store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{data: make(map[MemberID]map[string][]byte)}
}

func (s *MemoryStore) Put(_ context.Context, id MemberID, field string, value []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.data[id] == nil {
		s.data[id] = make(map[string][]byte)
	}
	cp := make([]byte, len(value))
	copy(cp, value)
	s.data[id][field] = cp
	return nil
}

func (s *MemoryStore) Get(_ context.Context, id MemberID, field string) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.data[id][field]
	if !ok {
		return nil, fmt.Errorf("keys: secret %q not found for member", field)
	}
	cp := make([]byte, len(v))
	copy(cp, v)
	return cp, nil
}

// VaultSecretStore stores secrets under Vault's KV v2 engine, one
// secret path per member.
type VaultSecretStore struct {
	client     *vaultapi.Client
	mountPath  string
	pathPrefix string
	logger     *log.Logger
}

// NewVaultSecretStore dials Vault and verifies connectivity, mirroring
// InitializeVaultClient's health-check-on-construct behavior.
func NewVaultSecretStore(addr, token, mountPath, pathPrefix string) (*VaultSecretStore, error) {
	cfg := &vaultapi.Config{Address: addr}
	client, err := vaultapi.NewClient(cfg)
	if err != nil {
		return nil, fmt.Errorf("keys: failed to create vault client: %w", err)
	}
	client.SetToken(token)

	if _, err := client.Sys().Health(); err != nil {
		return nil, fmt.Errorf("keys: failed to connect to vault: %w", err)
	}

	return &VaultSecretStore{
		client:     client,
		mountPath:  mountPath,
		pathPrefix: pathPrefix,
		logger:     log.New(os.Stdout, "[keys-vault] ", log.Ldate|log.Ltime|log.LUTC),
	}, nil
}

func (s *VaultSecretStore) secretPath(id MemberID) string {
	return fmt.Sprintf("%s/%x", s.pathPrefix, id)
}

func (s *VaultSecretStore) Put(ctx context.Context, id MemberID, field string, value []byte) error {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	path := s.secretPath(id)
	existing, err := s.client.KVv2(s.mountPath).Get(ctx, path)
	data := map[string]interface{}{}
	if err == nil && existing != nil {
		for k, v := range existing.Data {
			data[k] = v
		}
	}
	data[field] = base64.StdEncoding.EncodeToString(value)

	if _, err := s.client.KVv2(s.mountPath).Put(ctx, path, data); err != nil {
		return fmt.Errorf("keys: failed to write secret to vault: %w", err)
	}
	s.logger.Printf("stored secret field %q for member", field)
	return nil
}

func (s *VaultSecretStore) Get(ctx context.Context, id MemberID, field string) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	secret, err := s.client.KVv2(s.mountPath).Get(ctx, s.secretPath(id))
	if err != nil {
		return nil, fmt.Errorf("keys: failed to retrieve secret from vault: %w", err)
	}
	if secret == nil || secret.Data == nil {
		return nil, fmt.Errorf("keys: secret not found in vault path %s/%s", s.mountPath, s.secretPath(id))
	}
	encoded, ok := secret.Data[field].(string)
	if !ok {
		return nil, fmt.Errorf("keys: secret field %q not found or not a string", field)
	}
	return base64.StdEncoding.DecodeString(encoded)
}
