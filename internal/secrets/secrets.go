// Package secrets resolves credentials for the category store, the wiki
// and the cache from the environment or a JSON file.
package secrets

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"
)

// SecretKey identifies a credential katbot needs.
type SecretKey string

const (
	SecretStorePassword SecretKey = "store_password"
	SecretWikiPassword  SecretKey = "wiki_password"
	SecretNeo4jPassword SecretKey = "neo4j_password"
	SecretRedisPassword SecretKey = "redis_password"
)

// ErrNotFound is returned when no provider knows a secret.
var ErrNotFound = errors.New("secret not found")

// Provider is a read-only secret backend.
type Provider interface {
	Get(ctx context.Context, key string) (string, error)
	Name() string
}

// Config configures the secrets manager.
type Config struct {
	// Provider specifies which backend to use: "env" or "file"
	Provider string
	// Path of the JSON secrets file for the file provider
	Path string
	// Prefix for environment variable names (default: "KATBOT_")
	EnvPrefix string
}

// DefaultConfig returns default secrets configuration (env-based).
func DefaultConfig() *Config {
	return &Config{
		Provider:  "env",
		EnvPrefix: "KATBOT_",
	}
}

// Manager looks secrets up in a primary provider and falls back to the
// environment.
type Manager struct {
	primary  Provider
	fallback Provider
	cache    map[string]string
	cacheMu  sync.RWMutex
}

// NewManager creates a secrets manager with the specified configuration.
func NewManager(cfg *Config) (*Manager, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}

	var primary Provider
	switch cfg.Provider {
	case "file":
		fp, err := NewFileProvider(cfg.Path)
		if err != nil {
			return nil, fmt.Errorf("create file provider: %w", err)
		}
		primary = fp
	case "env", "":
		primary = NewEnvProvider(cfg.EnvPrefix)
	default:
		return nil, fmt.Errorf("unknown secrets provider: %s", cfg.Provider)
	}

	m := &Manager{primary: primary, cache: make(map[string]string)}
	if primary.Name() != "env" {
		m.fallback = NewEnvProvider(cfg.EnvPrefix)
	}
	return m, nil
}

// Get retrieves a secret, trying primary then fallback.
func (m *Manager) Get(ctx context.Context, key string) (string, error) {
	m.cacheMu.RLock()
	if val, ok := m.cache[key]; ok {
		m.cacheMu.RUnlock()
		return val, nil
	}
	m.cacheMu.RUnlock()

	for _, p := range []Provider{m.primary, m.fallback} {
		if p == nil {
			continue
		}
		if val, err := p.Get(ctx, key); err == nil && val != "" {
			m.cacheMu.Lock()
			m.cache[key] = val
			m.cacheMu.Unlock()
			return val, nil
		}
	}
	return "", fmt.Errorf("%w: %s", ErrNotFound, key)
}

// Fill sets every empty target to the secret stored under its key. Targets
// that already hold a value, and secrets nobody knows, are left alone.
// It returns the keys that were filled.
func (m *Manager) Fill(ctx context.Context, targets map[SecretKey]*string) []SecretKey {
	var filled []SecretKey
	for key, dst := range targets {
		if dst == nil || *dst != "" {
			continue
		}
		if val, err := m.Get(ctx, string(key)); err == nil {
			*dst = val
			filled = append(filled, key)
		}
	}
	return filled
}

// EnvProvider reads secrets from environment variables.
type EnvProvider struct {
	prefix string
}

// NewEnvProvider creates an environment-based secrets provider.
func NewEnvProvider(prefix string) *EnvProvider {
	if prefix == "" {
		prefix = "KATBOT_"
	}
	return &EnvProvider{prefix: prefix}
}

func (p *EnvProvider) Name() string { return "env" }

func (p *EnvProvider) Get(ctx context.Context, key string) (string, error) {
	envKey := p.prefix + strings.ToUpper(key)
	if val := os.Getenv(envKey); val != "" {
		return val, nil
	}
	return "", fmt.Errorf("%w: env var %s", ErrNotFound, envKey)
}
