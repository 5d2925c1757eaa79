// Package keycache holds resolved conversation key material behind a
// request-coalescing, TTL/LRU-evicting in-memory cache. It is the only
// shared mutable state in the engine and the enforcement point for epoch
// monotonicity.
package keycache

import (
	"context"
	"errors"
	"sync"
	"time"

	"hush-chat/go-keycore/internal/kdf"
)

var (
	ErrEpochRegression = errors.New("epoch regression")
	ErrCacheShutDown   = errors.New("key cache is shut down")
)

const (
	DefaultIdleTTL    = 30 * time.Minute
	DefaultMaxEntries = 256
)

// Resolver produces the material for one (conversation, epoch) on a miss.
// It runs on a detached context so one caller's cancellation cannot abort
// the shared resolution while other waiters remain.
type Resolver func(ctx context.Context) (kdf.Material, error)

type Config struct {
	IdleTTL    time.Duration
	MaxEntries int
}

func (c Config) normalized() Config {
	if c.IdleTTL <= 0 {
		c.IdleTTL = DefaultIdleTTL
	}
	if c.MaxEntries <= 0 {
		c.MaxEntries = DefaultMaxEntries
	}
	return c
}

type cacheKey struct {
	conversationID string
	epoch          uint64
}

type entry struct {
	material     kdf.Material
	lastAccessed time.Time
}

type flight struct {
	done     chan struct{}
	cancel   context.CancelFunc
	material kdf.Material
	err      error
	waiters  int
}

// Stats is a read-only snapshot derived from cache internals.
type Stats struct {
	Hits     uint64
	Misses   uint64
	Entries  int
	InFlight int
}

func (s Stats) HitRate() float64 {
	total := s.Hits + s.Misses
	if total == 0 {
		return 0
	}
	return float64(s.Hits) / float64(total)
}

type Cache struct {
	mu        sync.Mutex
	cfg       Config
	entries   map[cacheKey]*entry
	inflight  map[cacheKey]*flight
	maxServed map[string]uint64
	hits      uint64
	misses    uint64
	closed    bool
	now       func() time.Time
}

func New(cfg Config) *Cache {
	return &Cache{
		cfg:       cfg.normalized(),
		entries:   make(map[cacheKey]*entry),
		inflight:  make(map[cacheKey]*flight),
		maxServed: make(map[string]uint64),
		now:       time.Now,
	}
}

// GetOrResolve returns a snapshot of the material for (conversationID,
// epoch), running resolver at most once per key no matter how many callers
// arrive concurrently. A caller canceling its own context detaches only
// itself; the shared resolution is abandoned when the last waiter leaves.
func (c *Cache) GetOrResolve(ctx context.Context, conversationID string, epoch uint64, resolver Resolver) (kdf.Material, error) {
	key := cacheKey{conversationID: conversationID, epoch: epoch}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return kdf.Material{}, ErrCacheShutDown
	}
	if served := c.maxServed[conversationID]; epoch < served {
		c.mu.Unlock()
		return kdf.Material{}, ErrEpochRegression
	}
	// Sweep on every lookup so an idle cache still drops and zeroizes
	// expired entries, not only when a new miss inserts one.
	c.evictLocked()

	if e, ok := c.entries[key]; ok {
		e.lastAccessed = c.now()
		c.hits++
		c.maxServed[conversationID] = epoch
		snapshot := e.material.Clone()
		c.mu.Unlock()
		return snapshot, nil
	}

	f, running := c.inflight[key]
	if !running {
		resolveCtx, cancel := context.WithCancel(context.Background())
		f = &flight{done: make(chan struct{}), cancel: cancel}
		c.inflight[key] = f
		c.misses++
		go c.runResolution(resolveCtx, key, f, resolver)
	}
	f.waiters++
	c.mu.Unlock()

	select {
	case <-ctx.Done():
		c.mu.Lock()
		f.waiters--
		select {
		case <-f.done:
			// Result already landed; nothing to abort.
		default:
			// Cancel under the lock, and only while this flight is still
			// the installed one with no waiters, so a caller attaching
			// right now cannot inherit a cancellation it never asked for.
			if f.waiters == 0 && c.inflight[key] == f {
				delete(c.inflight, key)
				f.cancel()
			}
		}
		c.mu.Unlock()
		return kdf.Material{}, ctx.Err()
	case <-f.done:
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	f.waiters--
	if f.err != nil {
		return kdf.Material{}, f.err
	}
	if served := c.maxServed[conversationID]; epoch < served {
		return kdf.Material{}, ErrEpochRegression
	}
	c.maxServed[conversationID] = epoch
	return f.material.Clone(), nil
}

func (c *Cache) runResolution(ctx context.Context, key cacheKey, f *flight, resolver Resolver) {
	material, err := resolver(ctx)
	defer f.cancel()

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.inflight[key] == f {
		delete(c.inflight, key)
	}
	if err == nil && ctx.Err() != nil && f.waiters == 0 {
		// Every waiter left before the result landed; drop it unseen.
		material.Zero()
		f.err = ctx.Err()
		close(f.done)
		return
	}
	f.material = material
	f.err = err
	if err == nil && !c.closed {
		c.entries[key] = &entry{
			material:     material.Clone(),
			lastAccessed: c.now(),
		}
		c.evictLocked()
	}
	close(f.done)
}

// evictLocked drops idle entries past the TTL, then the least recently used
// entries beyond capacity. Only the cache's own copies are zeroized;
// snapshots already handed out stay intact.
func (c *Cache) evictLocked() {
	now := c.now()
	cutoff := now.Add(-c.cfg.IdleTTL)
	for key, e := range c.entries {
		if e.lastAccessed.Before(cutoff) {
			e.material.Zero()
			delete(c.entries, key)
		}
	}
	for len(c.entries) > c.cfg.MaxEntries {
		var (
			oldestKey cacheKey
			oldest    *entry
		)
		for key, e := range c.entries {
			if oldest == nil || e.lastAccessed.Before(oldest.lastAccessed) {
				oldestKey = key
				oldest = e
			}
		}
		if oldest == nil {
			return
		}
		oldest.material.Zero()
		delete(c.entries, oldestKey)
	}
}

func (c *Cache) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		c.evictLocked()
	}
	return Stats{
		Hits:     c.hits,
		Misses:   c.misses,
		Entries:  len(c.entries),
		InFlight: len(c.inflight),
	}
}

// Clear zeroizes and drops every cached entry. The per-conversation
// monotonicity floor survives: clearing the cache must not allow an epoch
// replay within the same process.
func (c *Cache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for key, e := range c.entries {
		e.material.Zero()
		delete(c.entries, key)
	}
}

// Shutdown aborts in-flight resolutions and renders the cache unusable.
func (c *Cache) Shutdown() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	flights := make([]*flight, 0, len(c.inflight))
	for _, f := range c.inflight {
		flights = append(flights, f)
	}
	for key, e := range c.entries {
		e.material.Zero()
		delete(c.entries, key)
	}
	c.mu.Unlock()

	for _, f := range flights {
		f.cancel()
	}
}
