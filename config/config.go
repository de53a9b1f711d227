// Package config loads host configuration from the environment (with
// .env support for local development) and wires the optional
// Vault-backed secret store for long-lived key material.
package config

import (
	"fmt"
	"log"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"

	"github.com/annwen/groupauth/keys"
)

var logger = log.New(os.Stdout, "[CONFIG] ", log.Ldate|log.Ltime|log.LUTC)

// Config carries every tunable the demo host and the collaborator
// adapters need. All fields have working defaults for a local,
// in-memory setup; external backends activate only when their
// addresses are set.
type Config struct {
	// Crypto tunables.
	MaximumForwardDistance uint64
	OutOfOrderTolerance    uint64
	PreKeyLifetime         time.Duration

	// PKI registry (Consul KV). Empty ConsulAddr selects the
	// in-memory registry.
	ConsulAddr      string
	ConsulKeyPrefix string

	// Secret store (Vault KV v2). Empty VaultAddr selects the
	// in-memory store.
	VaultAddr       string
	VaultToken      string
	VaultMountPath  string
	VaultPathPrefix string

	// Operation storage. Empty PostgresURL falls back to SQLitePath;
	// empty SQLitePath falls back to the in-memory store.
	PostgresURL string
	SQLitePath  string

	// Redis hot-log cache. Empty RedisURL disables the cache tier.
	RedisURL      string
	RedisPassword string
	HotLogMaxOps  int64

	// Object storage payload spill-over. Empty MinioEndpoint keeps
	// payloads inline.
	MinioEndpoint  string
	MinioAccessKey string
	MinioSecretKey string
	MinioBucket    string
	MinioUseSSL    bool
	SpillThreshold int

	// Prometheus metrics listen address. Empty disables the endpoint.
	MetricsAddr string
}

// Load reads configuration from the environment, after loading a
// .env file if one is present.
func Load() Config {
	if err := godotenv.Load(); err != nil {
		logger.Printf("No .env file found, using environment variables")
	}

	cfg := Config{
		MaximumForwardDistance: getEnvUint("MAX_FORWARD_DISTANCE", 1000),
		OutOfOrderTolerance:    getEnvUint("OUT_OF_ORDER_TOLERANCE", 100),
		PreKeyLifetime:         getEnvDuration("PREKEY_LIFETIME", 30*24*time.Hour),

		ConsulAddr:      os.Getenv("CONSUL_ADDR"),
		ConsulKeyPrefix: getEnv("CONSUL_KEY_PREFIX", "groupauth/prekeys/"),

		VaultAddr:       os.Getenv("VAULT_ADDR"),
		VaultToken:      os.Getenv("VAULT_TOKEN"),
		VaultMountPath:  getEnv("VAULT_MOUNT_PATH", "secret"),
		VaultPathPrefix: getEnv("VAULT_PATH_PREFIX", "groupauth/identity"),

		PostgresURL: os.Getenv("POSTGRES_URL"),
		SQLitePath:  os.Getenv("SQLITE_PATH"),

		RedisURL:      os.Getenv("REDIS_URL"),
		RedisPassword: os.Getenv("REDIS_PASSWORD"),
		HotLogMaxOps:  int64(getEnvInt("HOTLOG_MAX_OPS", 512)),

		MinioEndpoint:  os.Getenv("MINIO_ENDPOINT"),
		MinioAccessKey: os.Getenv("MINIO_ACCESS_KEY"),
		MinioSecretKey: os.Getenv("MINIO_SECRET_KEY"),
		MinioBucket:    getEnv("MINIO_BUCKET", "groupauth-payloads"),
		MinioUseSSL:    getEnvBool("MINIO_USE_SSL", false),
		SpillThreshold: getEnvInt("SPILL_THRESHOLD", 64*1024),

		MetricsAddr: os.Getenv("METRICS_ADDR"),
	}

	if cfg.OutOfOrderTolerance > cfg.MaximumForwardDistance {
		logger.Printf("Warning: OUT_OF_ORDER_TOLERANCE (%d) exceeds MAX_FORWARD_DISTANCE (%d)",
			cfg.OutOfOrderTolerance, cfg.MaximumForwardDistance)
	}
	return cfg
}

// SecretStore builds the identity secret store the configuration
// selects: Vault when an address is configured, in-memory otherwise.
func (c Config) SecretStore() (keys.SecretStore, error) {
	if c.VaultAddr == "" {
		logger.Printf("VAULT_ADDR not set, using in-memory secret store")
		return keys.NewMemoryStore(), nil
	}
	store, err := keys.NewVaultSecretStore(c.VaultAddr, c.VaultToken, c.VaultMountPath, c.VaultPathPrefix)
	if err != nil {
		return nil, fmt.Errorf("config: connecting to Vault: %w", err)
	}
	logger.Printf("Vault secret store initialized - Address: %s, Mount: %s", c.VaultAddr, c.VaultMountPath)
	return store, nil
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		logger.Printf("Warning: invalid %s=%q, using default %d", key, v, fallback)
		return fallback
	}
	return n
}

func getEnvUint(key string, fallback uint64) uint64 {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.ParseUint(v, 10, 64)
	if err != nil {
		logger.Printf("Warning: invalid %s=%q, using default %d", key, v, fallback)
		return fallback
	}
	return n
}

func getEnvBool(key string, fallback bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		logger.Printf("Warning: invalid %s=%q, using default %v", key, v, fallback)
		return fallback
	}
	return b
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		logger.Printf("Warning: invalid %s=%q, using default %v", key, v, fallback)
		return fallback
	}
	return d
}
