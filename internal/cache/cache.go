// Package cache implements the read-through/write-through layer in front of
// the persistent stores. A miss triggers at most one concurrent recomputation
// per key (single-flight); all concurrent callers for that key share the same
// freshly computed result. Failures are never cached: when recomputation
// fails, the store falls back to a stale entry still within the grace window,
// and otherwise reports the source as unavailable.
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/voyapay/rate-engine/internal/metrics"
)

var (
	// ErrMiss is returned by a Backend when a key is absent or expired.
	ErrMiss = errors.New("cache: miss")

	// ErrSourceUnavailable is returned when recomputation fails and no
	// stale value within the grace window exists. Propagated to every
	// waiter of the in-flight recomputation.
	ErrSourceUnavailable = errors.New("cache: source unavailable")

	// ErrNoData signals that the source of truth holds no value for the
	// key — distinguishable from a zero rate or an unchanged rate.
	ErrNoData = errors.New("cache: no data")
)

// Backend is the raw key-value layer under the cache-aside store.
type Backend interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Del(ctx context.Context, key string) error
}

// LoadFunc recomputes a value from the source of truth on a cache miss.
// Return ErrNoData (wrapped or bare) when the source holds nothing.
type LoadFunc func(ctx context.Context) ([]byte, error)

// envelope wraps cached values with freshness metadata so a fresh hit is
// distinguishable from a stale-but-within-grace one. The backend TTL is
// ttl+grace; ExpiresAt marks the end of freshness.
type envelope struct {
	Value     json.RawMessage `json:"value"`
	StoredAt  time.Time       `json:"stored_at"`
	ExpiresAt time.Time       `json:"expires_at"`
}

// Store is the cache-aside coordinator. Safe for concurrent use.
type Store struct {
	backend   Backend
	group     singleflight.Group
	grace     time.Duration
	opTimeout time.Duration
	now       func() time.Time
}

// Option configures a Store.
type Option func(*Store)

// WithGrace sets the window after freshness expiry during which a stale
// value may still serve as a fallback when recomputation fails.
func WithGrace(d time.Duration) Option {
	return func(s *Store) { s.grace = d }
}

// WithOpTimeout bounds every backend read/write.
func WithOpTimeout(d time.Duration) Option {
	return func(s *Store) { s.opTimeout = d }
}

// WithClock overrides the freshness clock (tests).
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// New creates a cache-aside store over the given backend.
func New(backend Backend, opts ...Option) *Store {
	s := &Store{
		backend:   backend,
		grace:     5 * time.Minute,
		opTimeout: 2 * time.Second,
		now:       func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Get returns the cached value for key if fresh. On a miss or expired entry
// it runs load under single-flight, caches the result with the given ttl,
// and returns it to every concurrent caller. If load fails, a stale entry
// still within the grace window is returned instead; with no such entry the
// load failure surfaces as ErrSourceUnavailable (or ErrNoData, passed
// through untouched).
func (s *Store) Get(ctx context.Context, key string, ttl time.Duration, load LoadFunc) ([]byte, error) {
	if env, ok := s.read(ctx, key); ok && s.fresh(env) {
		metrics.CacheHits.Inc()
		return env.Value, nil
	}
	metrics.CacheMisses.Inc()

	v, err, _ := s.group.Do(key, func() (interface{}, error) {
		// A concurrent caller may have repopulated while we queued.
		if env, ok := s.read(ctx, key); ok && s.fresh(env) {
			return []byte(env.Value), nil
		}

		metrics.CacheRecomputes.Inc()
		value, err := load(ctx)
		if err != nil {
			if errors.Is(err, ErrNoData) {
				return nil, err
			}
			// Fallback chain: stale cache within the grace window
			// beats an outage. Never cache the failure itself.
			if env, ok := s.read(ctx, key); ok {
				metrics.CacheStaleFallbacks.Inc()
				return []byte(env.Value), nil
			}
			return nil, fmt.Errorf("%w: %v", ErrSourceUnavailable, err)
		}

		s.write(ctx, key, value, ttl)
		return value, nil
	})
	if err != nil {
		return nil, err
	}
	return v.([]byte), nil
}

// Put unconditionally overwrites key with the given TTL. Used to pre-warm
// the cache after ingestion or materialization so the next read does not
// stampede the source.
func (s *Store) Put(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	return s.write(ctx, key, value, ttl)
}

// Invalidate removes a key. Idempotent; a missing key is a no-op.
func (s *Store) Invalidate(ctx context.Context, key string) error {
	ctx, cancel := context.WithTimeout(ctx, s.opTimeout)
	defer cancel()
	if err := s.backend.Del(ctx, key); err != nil && !errors.Is(err, ErrMiss) {
		return fmt.Errorf("invalidate %s: %w", key, err)
	}
	return nil
}

func (s *Store) fresh(env *envelope) bool {
	return s.now().Before(env.ExpiresAt)
}

// read fetches and decodes the envelope for key. Backend failures degrade
// to a miss: the caller falls through to the source of truth.
func (s *Store) read(ctx context.Context, key string) (*envelope, bool) {
	ctx, cancel := context.WithTimeout(ctx, s.opTimeout)
	defer cancel()

	data, err := s.backend.Get(ctx, key)
	if err != nil {
		return nil, false
	}
	var env envelope
	if json.Unmarshal(data, &env) != nil {
		return nil, false
	}
	return &env, true
}

// write stores value under key. The backend entry outlives freshness by the
// grace window so it can serve as an outage fallback.
func (s *Store) write(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	now := s.now()
	env := envelope{
		Value:     value,
		StoredAt:  now,
		ExpiresAt: now.Add(ttl),
	}
	data, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("marshal cache entry %s: %w", key, err)
	}

	ctx, cancel := context.WithTimeout(ctx, s.opTimeout)
	defer cancel()
	if err := s.backend.Set(ctx, key, data, ttl+s.grace); err != nil {
		return fmt.Errorf("cache put %s: %w", key, err)
	}
	return nil
}
