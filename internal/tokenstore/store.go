// Package tokenstore persists the queue admission token between visits.
//
// A token is stored as two values, its opaque string and the UTC millisecond
// at which it was issued, under the fixed keys queueit_token and
// queueit_timestamp. Reads enforce the validity window: a token whose age has
// reached the window is treated as absent and purged on the spot.
//
// Storage failures never propagate. Read degrades to "no token" and
// Write/Clear become no-ops; every failure is logged.
package tokenstore

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"k8s.io/utils/clock"

	"github.com/snehjoshi/queuegate/internal/config"
	"github.com/snehjoshi/queuegate/internal/types"
)

const (
	KeyToken     = "queueit_token"
	KeyTimestamp = "queueit_timestamp"
)

// Store reads and writes the single persisted admission token.
type Store struct {
	backend  Backend
	validity time.Duration
	clock    clock.PassiveClock
}

// Option configures a Store.
type Option func(*Store)

// WithClock replaces the wall clock used for issuance and expiry.
func WithClock(c clock.PassiveClock) Option {
	return func(s *Store) { s.clock = c }
}

// New creates a Store over backend with the given validity window.
func New(backend Backend, validity time.Duration, opts ...Option) *Store {
	s := &Store{backend: backend, validity: validity, clock: clock.RealClock{}}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Open builds the backend selected by cfg.Storage and wraps it in a Store.
func Open(cfg *config.Config, opts ...Option) (*Store, error) {
	var b Backend
	switch cfg.Storage.Backend {
	case config.StorageMemory:
		b = NewMemoryBackend()
	case config.StorageBolt:
		bb, err := OpenBolt(cfg.Storage.BoltPath)
		if err != nil {
			return nil, err
		}
		b = bb
	case config.StorageRedis:
		rdb := redis.NewClient(&redis.Options{Addr: cfg.Storage.RedisAddr})
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := rdb.Ping(ctx).Err(); err != nil {
			_ = rdb.Close()
			return nil, fmt.Errorf("tokenstore: redis ping %s: %w", cfg.Storage.RedisAddr, err)
		}
		b = NewRedisBackend(rdb, cfg.Storage.RedisPrefix)
	default:
		return nil, fmt.Errorf("tokenstore: unknown backend %q", cfg.Storage.Backend)
	}
	return New(b, cfg.Token.Validity(), opts...), nil
}

// Validity returns the configured validity window.
func (s *Store) Validity() time.Duration { return s.validity }

// Read returns the persisted token if one exists and is still valid.
func (s *Store) Read(ctx context.Context) (types.Token, bool) {
	kv, err := s.backend.GetAll(ctx, KeyToken, KeyTimestamp)
	if err != nil {
		slog.Warn("tokenstore: read failed", "err", err)
		return types.Token{}, false
	}
	value, hasValue := kv[KeyToken]
	rawTS, hasTS := kv[KeyTimestamp]
	if !hasValue && !hasTS {
		return types.Token{}, false
	}
	if !hasValue || !hasTS {
		slog.Warn("tokenstore: half-written token, purging", "has_token", hasValue, "has_timestamp", hasTS)
		s.Clear(ctx)
		return types.Token{}, false
	}
	issued, err := strconv.ParseInt(rawTS, 10, 64)
	if err != nil {
		slog.Warn("tokenstore: malformed timestamp, purging", "value", rawTS)
		s.Clear(ctx)
		return types.Token{}, false
	}

	tok := types.Token{Value: value, IssuedAt: issued}
	if value == "" || tok.Expired(s.clock.Now().UnixMilli(), s.validity) {
		s.Clear(ctx)
		return types.Token{}, false
	}
	return tok, true
}

// Write persists value stamped with the current time and returns the stored
// token. Value and timestamp are written together.
func (s *Store) Write(ctx context.Context, value string) types.Token {
	tok := types.Token{Value: value, IssuedAt: s.clock.Now().UnixMilli()}
	s.Put(ctx, tok)
	return tok
}

// Put persists tok as-is, keeping its IssuedAt.
func (s *Store) Put(ctx context.Context, tok types.Token) {
	err := s.backend.SetAll(ctx, map[string]string{
		KeyToken:     tok.Value,
		KeyTimestamp: strconv.FormatInt(tok.IssuedAt, 10),
	})
	if err != nil {
		slog.Warn("tokenstore: write failed", "err", err)
	}
}

// Clear removes the token and its timestamp. Clearing an empty store is a
// no-op.
func (s *Store) Clear(ctx context.Context) {
	if err := s.backend.Delete(ctx, KeyToken, KeyTimestamp); err != nil {
		slog.Warn("tokenstore: clear failed", "err", err)
	}
}

// Close closes the backend.
func (s *Store) Close() error { return s.backend.Close() }
