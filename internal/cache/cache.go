// Package cache provides the time-bounded result cache that sits in front of
// lens discovery.
package cache

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Cache is the capability the service layer depends on.
type Cache[V any] interface {
	Get(key string) (V, bool)
	Put(key string, value V)
	InvalidateAll()
}

var (
	cacheMetricsOnce sync.Once

	cacheRequests  *prometheus.CounterVec
	cacheEvictions *prometheus.CounterVec
)

func initCacheMetrics() {
	cacheMetricsOnce.Do(func() {
		cacheRequests = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "lens_selector",
				Subsystem: "cache",
				Name:      "requests_total",
				Help:      "Cache lookups by cache name and result.",
			},
			[]string{"cache", "result"},
		)
		cacheEvictions = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "lens_selector",
				Subsystem: "cache",
				Name:      "evictions_total",
				Help:      "Cache entries removed by cache name and reason.",
			},
			[]string{"cache", "reason"},
		)
		prometheus.MustRegister(cacheRequests, cacheEvictions)
	})
}

type entry[V any] struct {
	value   V
	expires time.Time
}

// TTL is a map of values that expire a fixed duration after they are stored.
// A zero TTL disables caching: Put is a no-op and every Get misses.
type TTL[V any] struct {
	name string
	now  func() time.Time

	mu      sync.Mutex
	ttl     time.Duration
	entries map[string]entry[V]
}

// NewTTL creates a TTL cache. name labels its metrics.
func NewTTL[V any](name string, ttl time.Duration) *TTL[V] {
	initCacheMetrics()
	if ttl < 0 {
		ttl = 0
	}
	return &TTL[V]{
		name:    name,
		now:     time.Now,
		ttl:     ttl,
		entries: make(map[string]entry[V]),
	}
}

// WithClock replaces the time source. Intended for tests.
func (c *TTL[V]) WithClock(now func() time.Time) *TTL[V] {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = now
	return c
}

// Get returns the value for key if it has not expired.
func (c *TTL[V]) Get(key string) (V, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	var zero V
	e, ok := c.entries[key]
	if !ok {
		cacheRequests.WithLabelValues(c.name, "miss").Inc()
		return zero, false
	}
	if !c.now().Before(e.expires) {
		delete(c.entries, key)
		cacheEvictions.WithLabelValues(c.name, "expired").Inc()
		cacheRequests.WithLabelValues(c.name, "miss").Inc()
		return zero, false
	}
	cacheRequests.WithLabelValues(c.name, "hit").Inc()
	return e.value, true
}

// Put stores value under key, replacing any previous entry.
func (c *TTL[V]) Put(key string, value V) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.ttl <= 0 {
		return
	}
	c.entries[key] = entry[V]{value: value, expires: c.now().Add(c.ttl)}
}

// InvalidateAll drops every entry.
func (c *TTL[V]) InvalidateAll() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if n := len(c.entries); n > 0 {
		cacheEvictions.WithLabelValues(c.name, "invalidated").Add(float64(n))
	}
	c.entries = make(map[string]entry[V])
}

// SetTTL changes the lifetime of entries stored from now on. Setting it to
// zero also drops existing entries.
func (c *TTL[V]) SetTTL(ttl time.Duration) {
	if ttl < 0 {
		ttl = 0
	}
	c.mu.Lock()
	c.ttl = ttl
	c.mu.Unlock()

	if ttl == 0 {
		c.InvalidateAll()
	}
}

// TTL returns the current entry lifetime.
func (c *TTL[V]) TTL() time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ttl
}

// Prune removes expired entries and returns how many were removed.
func (c *TTL[V]) Prune() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	removed := 0
	for key, e := range c.entries {
		if !now.Before(e.expires) {
			delete(c.entries, key)
			removed++
		}
	}
	if removed > 0 {
		cacheEvictions.WithLabelValues(c.name, "expired").Add(float64(removed))
	}
	return removed
}

// Len returns the number of stored entries, including expired ones not yet pruned.
func (c *TTL[V]) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}
