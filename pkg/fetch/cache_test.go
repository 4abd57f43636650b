package fetch

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTaskCacheFindAndRemove(t *testing.T) {
	c := NewTaskCache(time.Minute, newFakeClock().Now)
	a := NewFetchTask("g", "c1", 100)
	b := NewFetchTask("g", "c2", 100)
	c.Add(a)
	c.Add(b)

	got, ok := c.FindAndRemove(b.CacheKey, "")
	require.True(t, ok)
	assert.Same(t, b, got)
	assert.Equal(t, 1, c.Len())

	_, ok = c.FindAndRemove(b.CacheKey, "")
	assert.False(t, ok, "entries are removed on lookup")
}

func TestTaskCacheFindAndRemoveMatchesOrigin(t *testing.T) {
	c := NewTaskCache(time.Minute, newFakeClock().Now)
	linked := NewFetchTask("g", "c1", 150)
	linked.Cursor = "m0201"
	linked.origin = "m0201"
	c.Add(linked)

	_, ok := c.FindAndRemove(linked.CacheKey, "")
	assert.False(t, ok, "a newest-first request must not pick up a linked range")
	assert.Equal(t, 1, c.Len())

	got, ok := c.FindAndRemove(linked.CacheKey, "m0201")
	require.True(t, ok)
	assert.Same(t, linked, got)
}

func TestTaskCacheKeepsCreationTime(t *testing.T) {
	clock := newFakeClock()
	c := NewTaskCache(5*time.Minute, clock.Now)

	task := NewFetchTask("g", "c1", 100)
	task.CreatedAt = clock.Now()
	clock.Advance(4 * time.Minute)
	c.Add(task)

	assert.Equal(t, time.Minute, c.sweep(), "ttl runs from creation, not from caching")

	clock.Advance(time.Minute)
	assert.Less(t, c.sweep(), time.Duration(0))
	assert.Equal(t, 0, c.Len())
}

func TestTaskCacheSweepOutOfOrderDeadlines(t *testing.T) {
	clock := newFakeClock()
	c := NewTaskCache(5*time.Minute, clock.Now)

	fresh := NewFetchTask("g", "c1", 100)
	c.Add(fresh)
	old := NewFetchTask("g", "c2", 100)
	old.CreatedAt = clock.Now().Add(-4 * time.Minute)
	c.Add(old)

	assert.Equal(t, time.Minute, c.sweep())
	clock.Advance(time.Minute)
	assert.Equal(t, 4*time.Minute, c.sweep())
	assert.Equal(t, 1, c.Len())

	_, err := old.Future().Wait(context.Background())
	assert.ErrorIs(t, err, ErrTaskExpired)
}

func TestTaskCacheSweepExpiresOldest(t *testing.T) {
	clock := newFakeClock()
	c := NewTaskCache(5*time.Minute, clock.Now)

	old := NewFetchTask("g", "c1", 100)
	c.Add(old)
	clock.Advance(2 * time.Minute)
	fresh := NewFetchTask("g", "c2", 100)
	c.Add(fresh)

	next := c.sweep()
	assert.Equal(t, 3*time.Minute, next)
	assert.Equal(t, 2, c.Len())

	clock.Advance(3 * time.Minute)
	next = c.sweep()
	assert.Equal(t, 2*time.Minute, next)
	assert.Equal(t, 1, c.Len())

	_, err := old.Future().Wait(context.Background())
	assert.True(t, errors.Is(err, ErrTaskExpired))

	clock.Advance(2 * time.Minute)
	assert.Less(t, c.sweep(), time.Duration(0))
	assert.Equal(t, 0, c.Len())
}

func TestTaskCacheRunEvictsOnDeadline(t *testing.T) {
	c := NewTaskCache(30*time.Millisecond, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go c.Run(ctx)

	task := NewFetchTask("g", "c1", 10)
	c.Add(task)

	select {
	case <-task.Future().Done():
	case <-time.After(2 * time.Second):
		t.Fatal("cached task was not evicted")
	}
	assert.Equal(t, 0, c.Len())
}

func TestCacheKeyIsDeterministic(t *testing.T) {
	assert.Equal(t, CacheKey("g", "c", 250), CacheKey("g", "c", 250))
	assert.NotEqual(t, CacheKey("g", "c", 250), CacheKey("g", "c", 251))
	assert.NotEqual(t, CacheKey("g", "c", 250), CacheKey("g", "d", 250))
}
