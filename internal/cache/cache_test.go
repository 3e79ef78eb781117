package cache

import (
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func newClock() *fakeClock {
	return &fakeClock{now: time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)}
}

func TestTTLGetPut(t *testing.T) {
	clock := newClock()
	c := NewTTL[[]string]("test_get_put", time.Minute).WithClock(clock.Now)

	_, ok := c.Get("repo")
	assert.False(t, ok)

	c.Put("repo", []string{"a", "b"})
	got, ok := c.Get("repo")
	require.True(t, ok)
	assert.Equal(t, []string{"a", "b"}, got)

	clock.Advance(59 * time.Second)
	_, ok = c.Get("repo")
	assert.True(t, ok)

	clock.Advance(time.Second)
	_, ok = c.Get("repo")
	assert.False(t, ok)
	assert.Zero(t, c.Len())
}

func TestTTLZeroDisablesCaching(t *testing.T) {
	c := NewTTL[int]("test_disabled", 0)
	c.Put("k", 1)

	_, ok := c.Get("k")
	assert.False(t, ok)
	assert.Zero(t, c.Len())

	negative := NewTTL[int]("test_negative", -time.Second)
	assert.Zero(t, negative.TTL())
}

func TestTTLInvalidateAll(t *testing.T) {
	c := NewTTL[int]("test_invalidate", time.Hour)
	c.Put("a", 1)
	c.Put("b", 2)
	require.Equal(t, 2, c.Len())

	before := testutil.ToFloat64(cacheEvictions.WithLabelValues("test_invalidate", "invalidated"))
	c.InvalidateAll()

	assert.Zero(t, c.Len())
	_, ok := c.Get("a")
	assert.False(t, ok)
	assert.Equal(t, before+2, testutil.ToFloat64(cacheEvictions.WithLabelValues("test_invalidate", "invalidated")))
}

func TestTTLSetTTL(t *testing.T) {
	clock := newClock()
	c := NewTTL[int]("test_set_ttl", time.Minute).WithClock(clock.Now)
	c.Put("a", 1)

	c.SetTTL(time.Hour)
	assert.Equal(t, time.Hour, c.TTL())
	c.Put("b", 2)
	clock.Advance(2 * time.Minute)

	_, ok := c.Get("a")
	assert.False(t, ok, "existing entries keep their original expiry")
	_, ok = c.Get("b")
	assert.True(t, ok)

	c.SetTTL(0)
	assert.Zero(t, c.Len())
}

func TestTTLPrune(t *testing.T) {
	clock := newClock()
	c := NewTTL[int]("test_prune", time.Minute).WithClock(clock.Now)
	c.Put("old", 1)
	clock.Advance(30 * time.Second)
	c.Put("new", 2)
	clock.Advance(45 * time.Second)

	assert.Equal(t, 1, c.Prune())
	assert.Equal(t, 1, c.Len())
	_, ok := c.Get("new")
	assert.True(t, ok)
}

func TestTTLMetrics(t *testing.T) {
	c := NewTTL[int]("test_metrics", time.Minute)
	hits := func() float64 { return testutil.ToFloat64(cacheRequests.WithLabelValues("test_metrics", "hit")) }
	misses := func() float64 { return testutil.ToFloat64(cacheRequests.WithLabelValues("test_metrics", "miss")) }

	c.Get("a")
	c.Put("a", 1)
	c.Get("a")
	c.Get("a")

	assert.Equal(t, 2.0, hits())
	assert.Equal(t, 1.0, misses())
}

func TestTTLConcurrentAccess(t *testing.T) {
	c := NewTTL[int]("test_concurrent", time.Minute)
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			c.Put("k", i)
			c.Get("k")
			if i%5 == 0 {
				c.InvalidateAll()
			}
		}(i)
	}
	wg.Wait()
}

var _ Cache[int] = (*TTL[int])(nil)
