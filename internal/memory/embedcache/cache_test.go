package embedcache

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct{ now time.Time }

func (f *fakeClock) Now() time.Time { return f.now }

func TestCacheGetMissThenPutThenHit(t *testing.T) {
	c := New(&fakeClock{now: time.Unix(0, 0)}, 10, time.Hour)

	_, ok := c.Get("h1")
	require.False(t, ok)

	c.Put("h1", []float32{1, 2, 3})
	v, ok := c.Get("h1")
	require.True(t, ok)
	assert.Equal(t, []float32{1, 2, 3}, v)

	stats := c.Stats()
	assert.Equal(t, 1, stats.Size)
	assert.Equal(t, int64(1), stats.Hits)
	assert.Equal(t, int64(1), stats.Misses)
}

func TestCacheExpiresByTTL(t *testing.T) {
	clock := &fakeClock{now: time.Unix(0, 0)}
	c := New(clock, 10, time.Minute)

	c.Put("h1", []float32{1})
	clock.now = clock.now.Add(2 * time.Minute)

	_, ok := c.Get("h1")
	assert.False(t, ok)
	assert.Equal(t, 0, c.Stats().Size)
}

func TestCacheEvictsOldestOverCapacity(t *testing.T) {
	c := New(&fakeClock{now: time.Unix(0, 0)}, 2, 0)

	c.Put("a", []float32{1})
	c.Put("b", []float32{2})
	c.Put("c", []float32{3})

	_, ok := c.Get("a")
	assert.False(t, ok, "oldest entry should have been evicted")

	_, ok = c.Get("b")
	assert.True(t, ok)
	_, ok = c.Get("c")
	assert.True(t, ok)
	assert.Equal(t, 2, c.Stats().Size)
}

func TestCachePutRefreshesExistingEntry(t *testing.T) {
	clock := &fakeClock{now: time.Unix(0, 0)}
	c := New(clock, 10, time.Minute)

	c.Put("h1", []float32{1})
	clock.now = clock.now.Add(30 * time.Second)
	c.Put("h1", []float32{2})
	clock.now = clock.now.Add(45 * time.Second)

	v, ok := c.Get("h1")
	require.True(t, ok, "refreshed entry should not have expired")
	assert.Equal(t, []float32{2}, v)
}
