// ThreadClaw - Discord thread and chat assistant
// License: MIT
//
// Copyright (c) 2026 ThreadClaw contributors

package fetch

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/zhaopengme/threadclaw/pkg/logger"
)

// ErrTaskExpired is delivered to a cached task's waiters when it is
// evicted without having been resumed.
var ErrTaskExpired = errors.New("fetch task expired before it could be resumed")

// TaskCache holds tasks that ran out of retries so an identical request
// can pick up where they stopped. Entries expire after a fixed TTL.
type TaskCache struct {
	mu    sync.Mutex
	items []*FetchTask
	ttl   time.Duration
	now   func() time.Time
	wake  chan struct{}
}

func NewTaskCache(ttl time.Duration, now func() time.Time) *TaskCache {
	if now == nil {
		now = time.Now
	}
	return &TaskCache{
		ttl:  ttl,
		now:  now,
		wake: make(chan struct{}, 1),
	}
}

// Add stores the task. Its TTL runs from the task's CreatedAt, so caching
// a resumed task again does not extend its life.
func (c *TaskCache) Add(task *FetchTask) {
	c.mu.Lock()
	if task.CreatedAt.IsZero() {
		task.CreatedAt = c.now()
	}
	c.items = append(c.items, task)
	c.mu.Unlock()

	select {
	case c.wake <- struct{}{}:
	default:
	}
}

// FindAndRemove takes the cached task for key that started from origin.
// Tasks with the same key but another origin cover a different range of
// the channel and are left alone.
func (c *TaskCache) FindAndRemove(key, origin string) (*FetchTask, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i, t := range c.items {
		if t.CacheKey == key && t.origin == origin {
			c.items = append(c.items[:i], c.items[i+1:]...)
			return t, true
		}
	}
	return nil, false
}

func (c *TaskCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.items)
}

// sweep evicts expired entries and returns how long until the next one
// expires, or a negative duration if the cache is empty.
func (c *TaskCache) sweep() time.Duration {
	c.mu.Lock()
	now := c.now()
	var expired []*FetchTask
	kept := c.items[:0]
	next := time.Duration(-1)
	for _, t := range c.items {
		left := t.CreatedAt.Add(c.ttl).Sub(now)
		if left <= 0 {
			expired = append(expired, t)
			continue
		}
		kept = append(kept, t)
		if next < 0 || left < next {
			next = left
		}
	}
	clear(c.items[len(kept):])
	c.items = kept
	c.mu.Unlock()

	for _, t := range expired {
		logger.InfoCF("fetch", "Cached task expired", map[string]any{
			"channel_id": t.ChannelID,
			"fetched":    len(t.aggregated),
			"total":      t.FetchTotal,
		})
		if t.completion != nil {
			t.completion.reject(ErrTaskExpired)
		}
	}
	return next
}

// Run evicts entries as they expire. It sleeps until the nearest
// deadline and wakes early when a new entry is added.
func (c *TaskCache) Run(ctx context.Context) {
	for {
		next := c.sweep()

		if next < 0 {
			select {
			case <-ctx.Done():
				return
			case <-c.wake:
				continue
			}
		}

		timer := time.NewTimer(next)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-c.wake:
			timer.Stop()
		case <-timer.C:
		}
	}
}
