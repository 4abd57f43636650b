// ThreadClaw - Discord thread and chat assistant
// License: MIT
//
// Copyright (c) 2026 ThreadClaw contributors

package fetch

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/zhaopengme/threadclaw/pkg/history"
	"github.com/zhaopengme/threadclaw/pkg/logger"
)

var ErrSchedulerClosed = errors.New("fetch scheduler is closed")

// errRetriesExhausted marks a slice that kept failing with retryable
// errors until the task's retry budget ran out.
var errRetriesExhausted = errors.New("retries exhausted")

type Options struct {
	GuildID string

	RateLimit  int
	RateWindow time.Duration

	MaxRetries  int
	BackoffBase time.Duration

	CacheTTL time.Duration
	// SlicePause is slept after every network slice.
	SlicePause time.Duration

	HistorySize          int
	DefaultSliceDuration time.Duration

	Now      func() time.Time
	Registry *prometheus.Registry
}

func DefaultOptions() Options {
	return Options{
		RateLimit:            50,
		RateWindow:           60 * time.Second,
		MaxRetries:           3,
		BackoffBase:          time.Second,
		CacheTTL:             5 * time.Minute,
		SlicePause:           time.Second,
		HistorySize:          50,
		DefaultSliceDuration: 500 * time.Millisecond,
		Now:                  time.Now,
	}
}

// Scheduler pulls channel history one slice at a time from a single
// consumer goroutine, keeping every channel under its rate window.
type Scheduler struct {
	opts    Options
	source  history.Source
	window  *RateWindow
	cache   *TaskCache
	queue   *taskQueue
	metrics *schedulerMetricsProvider

	histMu    sync.Mutex
	durations []time.Duration
	histNext  int

	deferMu  sync.Mutex
	deferred map[*FetchTask]*time.Timer

	closed atomic.Bool
}

func NewScheduler(source history.Source, opts Options) *Scheduler {
	def := DefaultOptions()
	if opts.Now == nil {
		opts.Now = def.Now
	}
	if opts.RateLimit <= 0 {
		opts.RateLimit = def.RateLimit
	}
	if opts.RateWindow <= 0 {
		opts.RateWindow = def.RateWindow
	}
	if opts.MaxRetries < 0 {
		opts.MaxRetries = 0
	}
	if opts.CacheTTL <= 0 {
		opts.CacheTTL = def.CacheTTL
	}
	if opts.HistorySize <= 0 {
		opts.HistorySize = def.HistorySize
	}
	if opts.DefaultSliceDuration <= 0 {
		opts.DefaultSliceDuration = def.DefaultSliceDuration
	}

	return &Scheduler{
		opts:     opts,
		source:   source,
		window:   NewRateWindow(opts.RateLimit, opts.RateWindow, opts.Now),
		cache:    NewTaskCache(opts.CacheTTL, opts.Now),
		queue:    newTaskQueue(),
		metrics:  newSchedulerMetricsProvider(opts.Registry),
		deferred: make(map[*FetchTask]*time.Timer),
	}
}

// Submit queues the task and returns the Future its result lands in.
func (s *Scheduler) Submit(task *FetchTask) *Future {
	if task.completion == nil {
		task.completion = newFuture(task.FetchTotal)
	}
	fut := task.completion

	if task.FetchTotal <= 0 {
		fut.resolve(nil)
		return fut
	}
	if task.CreatedAt.IsZero() {
		task.CreatedAt = s.opts.Now()
	}
	if task.SliceLimit <= 0 || task.SliceLimit > MaxSlice {
		task.SliceLimit = min(task.FetchTotal, MaxSlice)
	}
	if task.CacheKey == "" {
		task.CacheKey = CacheKey(task.GuildID, task.ChannelID, task.FetchTotal)
	}
	task.origin = task.Cursor

	s.enqueue(task)
	return fut
}

// Fetch submits a request for the newest total messages of a channel and
// waits for them, oldest first.
func (s *Scheduler) Fetch(ctx context.Context, channelID string, total int) ([]history.Message, error) {
	fut := s.Submit(NewFetchTask(s.opts.GuildID, channelID, total))
	return fut.Wait(ctx)
}

// NewTask builds a task bound to the scheduler's guild.
func (s *Scheduler) NewTask(channelID string, total int) *FetchTask {
	return NewFetchTask(s.opts.GuildID, channelID, total)
}

func (s *Scheduler) enqueue(task *FetchTask) {
	if s.closed.Load() || !s.queue.push(task) {
		task.completion.reject(ErrSchedulerClosed)
	}
}

func (s *Scheduler) QueueLen() int  { return s.queue.len() }
func (s *Scheduler) CachedLen() int { return s.cache.Len() }

// Run consumes the queue until ctx ends. It also runs the cache sweeper.
// Tasks still queued or deferred at shutdown are rejected.
func (s *Scheduler) Run(ctx context.Context) error {
	logger.InfoCF("fetch", "Scheduler started", map[string]any{
		"rate_limit":  s.opts.RateLimit,
		"rate_window": s.opts.RateWindow.String(),
		"max_retries": s.opts.MaxRetries,
	})

	sweepCtx, cancelSweep := context.WithCancel(ctx)
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		s.cache.Run(sweepCtx)
	}()

	defer func() {
		cancelSweep()
		wg.Wait()
		s.shutdown()
		logger.InfoC("fetch", "Scheduler stopped")
	}()

	for {
		task, ok := s.queue.pop(ctx)
		if !ok {
			return nil
		}
		s.process(ctx, task)
	}
}

func (s *Scheduler) shutdown() {
	s.closed.Store(true)

	s.deferMu.Lock()
	for task, timer := range s.deferred {
		timer.Stop()
		task.completion.reject(ErrSchedulerClosed)
		delete(s.deferred, task)
	}
	s.deferMu.Unlock()

	for _, task := range s.queue.close() {
		task.completion.reject(ErrSchedulerClosed)
	}
}

func (s *Scheduler) process(ctx context.Context, task *FetchTask) {
	resumed := false
	if cached, ok := s.cache.FindAndRemove(task.CacheKey, task.origin); ok {
		if cached != task {
			cached.completion.follow(task.completion)
		}
		task = cached
		resumed = true
		s.metrics.IncrementCacheHits()
		fetched, _ := task.completion.Progress()
		logger.InfoCF("fetch", "Resuming cached task", map[string]any{
			"channel_id": task.ChannelID,
			"fetched":    fetched,
			"total":      task.FetchTotal,
		})
	}

	if !resumed && s.window.IsLimited(task.ChannelID) {
		s.deferTask(task, s.window.UntilReset(task.ChannelID))
		return
	}

	s.window.Record(task.ChannelID)

	start := time.Now()
	page, err := s.fetchSlice(ctx, task)
	if err != nil {
		switch {
		case errors.Is(err, errRetriesExhausted):
			s.metrics.IncrementSlice("exhausted")
			s.metrics.IncrementCached()
			logger.ErrorCF("fetch", "Slice failed after retries, caching task", map[string]any{
				"channel_id": task.ChannelID,
				"fetched":    len(task.aggregated),
				"total":      task.FetchTotal,
				"error":      err.Error(),
			})
			s.cache.Add(task)
		default:
			s.metrics.IncrementSlice("error")
			logger.ErrorCF("fetch", "Slice failed", map[string]any{
				"channel_id": task.ChannelID,
				"error":      err.Error(),
			})
			task.completion.reject(err)
		}
		return
	}

	elapsed := time.Since(start)
	s.recordDuration(elapsed)
	s.metrics.IncrementSlice("ok")
	s.metrics.ObserveSliceDuration(elapsed.Seconds())

	task.aggregated = append(task.aggregated, page...)
	task.completion.fetched.Store(int64(len(task.aggregated)))

	exhausted := len(page) == 0
	reached := len(task.aggregated) >= task.FetchTotal

	if exhausted || reached {
		reason := "limit reached"
		if exhausted {
			reason = "channel exhausted"
		}
		logger.DebugCF("fetch", "Fetch complete", map[string]any{
			"channel_id": task.ChannelID,
			"fetched":    len(task.aggregated),
			"reason":     reason,
		})
		task.completion.resolve(task.result())
	} else {
		logger.DebugCF("fetch", "Slice fetched, continuing", map[string]any{
			"channel_id": task.ChannelID,
			"page":       len(page),
			"fetched":    len(task.aggregated),
			"total":      task.FetchTotal,
		})
		s.enqueue(task.continuation(s.opts.Now()))
	}

	if s.opts.SlicePause > 0 {
		timer := time.NewTimer(s.opts.SlicePause)
		select {
		case <-ctx.Done():
		case <-timer.C:
		}
		timer.Stop()
	}
}

func (s *Scheduler) deferTask(task *FetchTask, wait time.Duration) {
	s.metrics.IncrementThrottled()
	logger.InfoCF("fetch", "Channel rate limited, deferring slice", map[string]any{
		"channel_id": task.ChannelID,
		"wait":       wait.String(),
	})

	s.deferMu.Lock()
	defer s.deferMu.Unlock()
	s.deferred[task] = time.AfterFunc(wait, func() {
		s.deferMu.Lock()
		_, pending := s.deferred[task]
		delete(s.deferred, task)
		s.deferMu.Unlock()
		if !pending {
			return
		}
		s.enqueue(task)
	})
}

// sliceBackOff doubles the wait per retry and counts retries on the task
// itself, so a resumed task carries its spent budget with it.
type sliceBackOff struct {
	task *FetchTask
	base time.Duration
	max  int
}

func (b *sliceBackOff) Reset() {}

func (b *sliceBackOff) NextBackOff() time.Duration {
	if b.task.retryCount >= b.max {
		return backoff.Stop
	}
	b.task.retryCount++
	return b.base << b.task.retryCount
}

func (s *Scheduler) fetchSlice(ctx context.Context, task *FetchTask) ([]history.Message, error) {
	op := func() ([]history.Message, error) {
		page, err := s.source.FetchPage(ctx, task.ChannelID, task.Cursor, task.SliceLimit)
		if err != nil {
			if history.IsRetryable(err) {
				return nil, err
			}
			return nil, backoff.Permanent(err)
		}
		return page, nil
	}

	page, err := backoff.Retry(ctx, op,
		backoff.WithBackOff(&sliceBackOff{task: task, base: s.opts.BackoffBase, max: s.opts.MaxRetries}),
		backoff.WithMaxElapsedTime(0),
		backoff.WithNotify(func(err error, wait time.Duration) {
			s.metrics.IncrementRetries()
			logger.WarnCF("fetch", "Retryable provider error, backing off", map[string]any{
				"channel_id": task.ChannelID,
				"retry":      task.retryCount,
				"max":        s.opts.MaxRetries,
				"wait":       wait.String(),
				"error":      err.Error(),
			})
		}),
	)
	if err != nil {
		if history.IsRetryable(err) {
			return nil, fmt.Errorf("channel %s: %w: %w", task.ChannelID, errRetriesExhausted, err)
		}
		return nil, fmt.Errorf("channel %s: %w", task.ChannelID, err)
	}

	task.retryCount = 0
	return page, nil
}

func (s *Scheduler) recordDuration(d time.Duration) {
	s.histMu.Lock()
	defer s.histMu.Unlock()
	if len(s.durations) < s.opts.HistorySize {
		s.durations = append(s.durations, d)
		return
	}
	s.durations[s.histNext] = d
	s.histNext = (s.histNext + 1) % s.opts.HistorySize
}

func (s *Scheduler) averageSliceDuration() time.Duration {
	s.histMu.Lock()
	defer s.histMu.Unlock()
	if len(s.durations) == 0 {
		return s.opts.DefaultSliceDuration
	}
	var total time.Duration
	for _, d := range s.durations {
		total += d
	}
	return total / time.Duration(len(s.durations))
}

// taskQueue is a FIFO that can be inspected without consuming it.
type taskQueue struct {
	mu     sync.Mutex
	items  []*FetchTask
	notify chan struct{}
	closed bool
}

func newTaskQueue() *taskQueue {
	return &taskQueue{notify: make(chan struct{}, 1)}
}

func (q *taskQueue) push(t *FetchTask) bool {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return false
	}
	q.items = append(q.items, t)
	q.mu.Unlock()

	select {
	case q.notify <- struct{}{}:
	default:
	}
	return true
}

func (q *taskQueue) pop(ctx context.Context) (*FetchTask, bool) {
	for {
		if ctx.Err() != nil {
			return nil, false
		}
		q.mu.Lock()
		if len(q.items) > 0 {
			t := q.items[0]
			q.items[0] = nil
			q.items = q.items[1:]
			q.mu.Unlock()
			return t, true
		}
		q.mu.Unlock()

		select {
		case <-ctx.Done():
			return nil, false
		case <-q.notify:
		}
	}
}

func (q *taskQueue) len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// plan returns channel and remaining-slice pairs for every queued task.
func (q *taskQueue) plan() []slicePlan {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]slicePlan, 0, len(q.items))
	for _, t := range q.items {
		out = append(out, slicePlan{channelID: t.ChannelID, slices: max(t.remainingSlices(), 1)})
	}
	return out
}

func (q *taskQueue) close() []*FetchTask {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.closed = true
	items := q.items
	q.items = nil
	return items
}
