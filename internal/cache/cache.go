// Package cache memoizes expensive datasets (hidden categories, page
// memberships, closures) between runs.
package cache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"
)

// Dataset names used as cache keys.
const (
	KeyHidden         = "hidden-categories"
	KeyPageCategories = "page-categories"
	KeyClosure        = "closure"
)

// Cache is a key/blob store.
type Cache interface {
	// Get returns the blob stored under key and whether it was present.
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Put(ctx context.Context, key string, value []byte) error
	// Clear removes every entry owned by this cache.
	Clear(ctx context.Context) error
	Close() error
}

// Options selects and configures a backend.
type Options struct {
	Backend       string // file, redis or none
	Dir           string
	RedisAddr     string
	RedisPassword string
	RedisDB       int
	Prefix        string
	TTL           time.Duration
}

// Open builds the configured backend.
func Open(ctx context.Context, opts Options) (Cache, error) {
	switch opts.Backend {
	case "", "file":
		f, err := NewFile(opts.Dir)
		if err != nil {
			return nil, err
		}
		return f, nil
	case "redis":
		r, err := NewRedis(ctx, opts)
		if err != nil {
			return nil, err
		}
		return r, nil
	case "none":
		return Noop{}, nil
	default:
		return nil, fmt.Errorf("unknown cache backend %q", opts.Backend)
	}
}

// Key derives a cache key for dataset, qualified by the parameters that
// produced it. Without parameters the dataset name itself is the key.
func Key(dataset string, params ...string) string {
	if len(params) == 0 {
		return dataset
	}
	sum := sha256.Sum256([]byte(strings.Join(params, "\x00")))
	return dataset + "-" + hex.EncodeToString(sum[:6])
}

// Memo wraps a Cache for typed memoization.
type Memo struct {
	Cache Cache
	// Refresh skips reads but still stores fresh values.
	Refresh bool
	Logger  *slog.Logger

	hits, misses int
}

// Stats reports cache hits and misses seen so far.
func (m *Memo) Stats() (hits, misses int) {
	return m.hits, m.misses
}

// Memoize returns the value cached under key, or computes, stores and
// returns it. Cache failures are logged and never fail the computation.
func Memoize[T any](ctx context.Context, m *Memo, key string, compute func(context.Context) (T, error)) (T, error) {
	logger := m.Logger
	if logger == nil {
		logger = slog.Default()
	}

	if m.Cache != nil && !m.Refresh {
		data, ok, err := m.Cache.Get(ctx, key)
		switch {
		case err != nil:
			logger.Warn("cache read failed", "key", key, "error", err)
		case ok:
			var v T
			if err := json.Unmarshal(data, &v); err != nil {
				logger.Warn("cache entry unreadable, recomputing", "key", key, "error", err)
				break
			}
			m.hits++
			logger.Info("cache hit", "key", key, "bytes", len(data))
			return v, nil
		}
	}

	m.misses++
	v, err := compute(ctx)
	if err != nil {
		return v, err
	}

	if m.Cache != nil {
		data, err := json.Marshal(v)
		if err != nil {
			logger.Warn("cache encode failed", "key", key, "error", err)
			return v, nil
		}
		if err := m.Cache.Put(ctx, key, data); err != nil {
			logger.Warn("cache write failed", "key", key, "error", err)
		}
	}
	return v, nil
}

// Noop never stores anything.
type Noop struct{}

func (Noop) Get(context.Context, string) ([]byte, bool, error) { return nil, false, nil }
func (Noop) Put(context.Context, string, []byte) error        { return nil }
func (Noop) Clear(context.Context) error                      { return nil }
func (Noop) Close() error                                     { return nil }
