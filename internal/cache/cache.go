// Package cache is the tiered cache shielding the analytical store: a
// process-local layer with sliding-expiration bookkeeping in front of a
// shared durable key-value store. The cache is best-effort, never a system
// of record; every durable failure degrades instead of propagating.
package cache

import (
	"context"
	"strings"
	"sync"
	"time"

	"liveops/internal/logger"
	"liveops/internal/metrics"
	"liveops/internal/sched"
)

// Backend is the shared durable layer. A nil Backend is a valid state: the
// cache then operates local-only.
type Backend interface {
	Get(ctx context.Context, key string) (string, bool, error)
	Set(ctx context.Context, key, value string, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
	GetRange(ctx context.Context, key string, count int64) ([]string, error)
	PushCapped(ctx context.Context, key, value string, limit int64) error
	Name() string
	Close() error
}

// Config controls local-layer bookkeeping.
type Config struct {
	SweepInterval  time.Duration
	ExtendWindow   time.Duration
	AttemptCeiling int
	Clock          sched.Clock
}

type localEntry struct {
	value     string
	expiresAt time.Time
	attempts  int
}

// Tiered is the two-layer cache.
type Tiered struct {
	cfg     Config
	backend Backend
	clock   sched.Clock

	mu    sync.Mutex
	local map[string]*localEntry

	sweeper *sched.Recurring
}

// New creates the cache and starts the local sweep. backend may be nil.
func New(cfg Config, backend Backend) *Tiered {
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = time.Second
	}
	if cfg.ExtendWindow <= 0 {
		cfg.ExtendWindow = 120 * time.Second
	}
	if cfg.AttemptCeiling <= 0 {
		cfg.AttemptCeiling = 100
	}
	if cfg.Clock == nil {
		cfg.Clock = sched.RealClock{}
	}

	c := &Tiered{
		cfg:     cfg,
		backend: backend,
		clock:   cfg.Clock,
		local:   make(map[string]*localEntry),
	}
	c.sweeper = sched.NewRecurring(cfg.SweepInterval, cfg.Clock, c.sweep)
	c.sweeper.Start()

	name := "none"
	if backend != nil {
		name = backend.Name()
	}
	logger.With("cache").Info().Str("backend", name).Msg("tiered cache started")
	return c
}

// Key builds a composite cache key. Callers own the namespace layout:
// <studio>:<branch>:<resource>:<qualifier>.
func Key(parts ...string) string {
	return strings.Join(parts, ":")
}

// Get returns the cached value for key. A local hit extends the entry's
// expiration and counts one refresh attempt; past the ceiling the entry is
// evicted rather than extended again, bounding residency of hot keys. A
// local miss falls through to the durable layer, and any durable hit resets
// the local bookkeeping.
func (c *Tiered) Get(ctx context.Context, key string) (string, bool) {
	now := c.clock.Now()

	c.mu.Lock()
	if e, ok := c.local[key]; ok && now.Before(e.expiresAt) {
		e.attempts++
		if e.attempts > c.cfg.AttemptCeiling {
			delete(c.local, key)
		} else {
			e.expiresAt = now.Add(c.cfg.ExtendWindow)
			value := e.value
			c.mu.Unlock()
			metrics.CacheRequests.WithLabelValues("local", "hit").Inc()
			return value, true
		}
	}
	c.mu.Unlock()
	metrics.CacheRequests.WithLabelValues("local", "miss").Inc()

	if c.backend == nil {
		return "", false
	}

	value, ok, err := c.backend.Get(ctx, key)
	if err != nil {
		logger.With("cache").Warn().Err(err).Str("key", key).Msg("durable read failed")
		metrics.CacheRequests.WithLabelValues("durable", "error").Inc()
		return "", false
	}
	if !ok {
		metrics.CacheRequests.WithLabelValues("durable", "miss").Inc()
		return "", false
	}
	metrics.CacheRequests.WithLabelValues("durable", "hit").Inc()

	c.storeLocal(key, value, now)
	return value, true
}

// Set writes the durable layer and, when useLocal is set, populates the local
// layer synchronously. Durable failure is logged, never returned: callers
// must not fail because the cache did.
func (c *Tiered) Set(ctx context.Context, key, value string, ttl time.Duration, useLocal bool) {
	if c.backend != nil {
		if err := c.backend.Set(ctx, key, value, ttl); err != nil {
			logger.With("cache").Warn().Err(err).Str("key", key).Msg("durable write failed")
		}
	}
	if useLocal {
		c.storeLocal(key, value, c.clock.Now())
	}
}

// Delete removes key from both layers.
func (c *Tiered) Delete(ctx context.Context, key string) {
	c.mu.Lock()
	delete(c.local, key)
	c.mu.Unlock()

	if c.backend != nil {
		if err := c.backend.Delete(ctx, key); err != nil {
			logger.With("cache").Warn().Err(err).Str("key", key).Msg("durable delete failed")
		}
	}
}

// GetRange reads the most recent count elements of a list-shaped durable
// value, newest first. Ring buffers bypass the local layer entirely.
func (c *Tiered) GetRange(ctx context.Context, key string, count int64) []string {
	if c.backend == nil {
		return nil
	}
	values, err := c.backend.GetRange(ctx, key, count)
	if err != nil {
		logger.With("cache").Warn().Err(err).Str("key", key).Msg("durable range read failed")
		return nil
	}
	return values
}

// Push prepends value to a capped list-shaped durable value.
func (c *Tiered) Push(ctx context.Context, key, value string, limit int64) {
	if c.backend == nil {
		return
	}
	if err := c.backend.PushCapped(ctx, key, value, limit); err != nil {
		logger.With("cache").Warn().Err(err).Str("key", key).Msg("durable push failed")
	}
}

// Durable reports whether a durable backend is attached.
func (c *Tiered) Durable() bool {
	return c.backend != nil
}

func (c *Tiered) storeLocal(key, value string, now time.Time) {
	c.mu.Lock()
	c.local[key] = &localEntry{
		value:     value,
		expiresAt: now.Add(c.cfg.ExtendWindow),
	}
	c.mu.Unlock()
}

func (c *Tiered) sweep(now time.Time) {
	c.mu.Lock()
	for key, e := range c.local {
		if !now.Before(e.expiresAt) {
			delete(c.local, key)
		}
	}
	c.mu.Unlock()
}

// Close stops the sweep and releases the durable backend.
func (c *Tiered) Close() error {
	c.sweeper.Stop()
	if c.backend != nil {
		return c.backend.Close()
	}
	return nil
}
