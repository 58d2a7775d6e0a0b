// Package memory implements the in-memory tier of the image cache: a
// cost-bounded LRU map with per-entry expiration and a background sweep
// that removes expired entries.
package memory

import (
	"sync"
	"time"

	"github.com/halcyon-cache/halcyon/cache"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	cacheHits = promauto.NewCounter(prometheus.CounterOpts{
		Name: "halcyon_memory_cache_hits",
		Help: "The total number of memory cache hits",
	})
	cacheMisses = promauto.NewCounter(prometheus.CounterOpts{
		Name: "halcyon_memory_cache_misses",
		Help: "The total number of memory cache misses",
	})
	cacheEvictions = promauto.NewCounter(prometheus.CounterOpts{
		Name: "halcyon_memory_cache_evictions_total",
		Help: "The total number of entries evicted from the memory cache",
	})
)

// DefaultCleanInterval is how often the background sweep removes
// expired entries.
const DefaultCleanInterval = 2 * time.Minute

// Store is a bounded key/value map with per-entry cost and expiration.
// It is safe for concurrent use. The value type is opaque to the store;
// retrieval callers store decoded images and use the image byte count
// as cost.
type Store struct {
	mu  sync.Mutex
	lru sizedLRU

	defaultExpiration cache.Expiration
	cleanInterval     time.Duration

	stopOnce sync.Once
	stopChan chan struct{}
}

// Option configures a Store.
type Option func(*Store)

// WithCostLimit bounds the cumulative cost of stored entries. Zero or
// negative means unbounded.
func WithCostLimit(limit int64) Option {
	return func(s *Store) {
		s.lru.maxCost = limit
	}
}

// WithDefaultExpiration sets the expiration callers should use when no
// explicit expiration was requested. Set always uses the expiration it
// is given.
func WithDefaultExpiration(e cache.Expiration) Option {
	return func(s *Store) {
		s.defaultExpiration = e
	}
}

// WithCleanInterval sets the period of the background sweep. Zero or
// negative disables the sweep; expired entries are then only removed
// lazily on access.
func WithCleanInterval(d time.Duration) Option {
	return func(s *Store) {
		s.cleanInterval = d
	}
}

// New returns a new memory store and starts its background sweep.
func New(opts ...Option) *Store {
	s := &Store{
		defaultExpiration: cache.In(5 * time.Minute),
		cleanInterval:     DefaultCleanInterval,
		stopChan:          make(chan struct{}),
	}
	s.lru = newSizedLRU(0, func(key string, value interface{}) {
		cacheEvictions.Inc()
	})

	for _, o := range opts {
		o(s)
	}

	s.startSweeper()

	return s
}

// DefaultExpiration returns the expiration callers should use when no
// explicit expiration was requested.
func (s *Store) DefaultExpiration() cache.Expiration {
	return s.defaultExpiration
}

// Set inserts or replaces the value under key. Storing an
// already-expired value is a no-op.
func (s *Store) Set(key string, value interface{}, cost int64, exp cache.Expiration) {
	if exp.IsExpired() {
		return
	}

	now := time.Now()
	s.mu.Lock()
	s.lru.add(key, entry{
		key:       key,
		value:     value,
		cost:      cost,
		expiresAt: exp.EstimatedAt(now),
		ttl:       exp.Duration(),
	})
	s.mu.Unlock()
}

// Get returns the value under key if present and not expired. The
// extend policy may push the entry's estimated expiration forward.
func (s *Store) Get(key string, extend cache.Extend) (interface{}, bool) {
	now := time.Now()

	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.lru.get(key)
	if !ok {
		cacheMisses.Inc()
		return nil, false
	}

	if cache.Expired(e.expiresAt, now) {
		s.lru.remove(key)
		cacheMisses.Inc()
		return nil, false
	}

	if newExp, changed := extend.Apply(e.ttl, now); changed {
		e.expiresAt = newExp
	}

	cacheHits.Inc()
	return e.value, true
}

// IsCached returns true if key is present and not expired. It does not
// disturb the LRU order or the entry's expiration.
func (s *Store) IsCached(key string) bool {
	now := time.Now()

	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.lru.peek(key)
	return ok && !cache.Expired(e.expiresAt, now)
}

// Remove deletes the entry under key, if any.
func (s *Store) Remove(key string) {
	s.mu.Lock()
	s.lru.remove(key)
	s.mu.Unlock()
}

// RemoveAll deletes every entry.
func (s *Store) RemoveAll() {
	s.mu.Lock()
	s.lru.removeAll()
	s.mu.Unlock()
}

// RemoveExpired removes entries that have expired as of ref and returns
// their keys. The background sweep calls this with the current time.
func (s *Store) RemoveExpired(ref time.Time) []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lru.removeExpired(ref)
}

// TotalCost returns the cumulative cost of the stored entries.
func (s *Store) TotalCost() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lru.totalCost()
}

// Len returns the number of stored entries, including entries that
// have expired but not yet been swept.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lru.len()
}

// Stop terminates the background sweep. The store remains usable.
func (s *Store) Stop() {
	s.stopOnce.Do(func() {
		close(s.stopChan)
	})
}

func (s *Store) startSweeper() {
	if s.cleanInterval <= 0 {
		return
	}

	ticker := time.NewTicker(s.cleanInterval)

	go func() {
		for {
			select {
			case <-ticker.C:
				s.RemoveExpired(time.Now())
			case <-s.stopChan:
				ticker.Stop()
				return
			}
		}
	}()
}
