package fetch

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zhaopengme/threadclaw/pkg/history"
)

func assertChronological(t *testing.T, msgs []history.Message, want int) {
	t.Helper()
	require.Len(t, msgs, want)
	seen := make(map[string]bool, len(msgs))
	for i, m := range msgs {
		assert.Equal(t, fmt.Sprintf("m%04d", i+1), m.ID, "position %d", i)
		assert.False(t, seen[m.ID], "duplicate %s", m.ID)
		seen[m.ID] = true
	}
}

func TestSchedulerPaginationCompleteness(t *testing.T) {
	const messages = 120

	for _, limit := range []int{1, 50, 100} {
		t.Run(fmt.Sprintf("limit=%d", limit), func(t *testing.T) {
			src := newFakeSource(messages, limit)
			s := startScheduler(t, src, func(o *Options) { o.RateLimit = 1000 })

			task := s.NewTask("chan", 150)
			task.SliceLimit = limit
			msgs, err := s.Submit(task).Wait(waitCtx(t))
			require.NoError(t, err)
			assertChronological(t, msgs, messages)
		})
	}
}

func TestSchedulerStopsAtFetchTotal(t *testing.T) {
	src := newFakeSource(500, 100)
	s := startScheduler(t, src, nil)

	msgs, err := s.Fetch(waitCtx(t), "chan", 250)
	require.NoError(t, err)
	require.Len(t, msgs, 250)
	// the newest 250 of 500, oldest first
	assert.Equal(t, "m0251", msgs[0].ID)
	assert.Equal(t, "m0500", msgs[249].ID)
	assert.Equal(t, []int{100, 100, 50}, src.requestedLimits())
}

func TestSchedulerShortChannel(t *testing.T) {
	// 250 requested, 230 exist, pages of at most 100.
	src := newFakeSource(230, 100)
	s := startScheduler(t, src, nil)

	msgs, err := s.Fetch(waitCtx(t), "chan", 250)
	require.NoError(t, err)
	assertChronological(t, msgs, 230)

	pages := src.pageSizes()
	nonEmpty := pages[:0:0]
	for _, p := range pages {
		if p > 0 {
			nonEmpty = append(nonEmpty, p)
		}
	}
	assert.Equal(t, []int{100, 100, 30}, nonEmpty)
	assert.Equal(t, 0, pages[len(pages)-1], "history ends with an empty page")
}

func TestSchedulerRetriesTransientErrors(t *testing.T) {
	src := newFakeSource(10, 100)
	src.failWith(
		&history.StatusError{Status: http.StatusTooManyRequests},
		&history.StatusError{Status: http.StatusServiceUnavailable},
	)
	reg := prometheus.NewRegistry()
	s := startScheduler(t, src, func(o *Options) { o.Registry = reg })

	msgs, err := s.Fetch(waitCtx(t), "chan", 10)
	require.NoError(t, err)
	assertChronological(t, msgs, 10)
	assert.Equal(t, 3, src.calls())
	assert.Equal(t, 2.0, counterValue(t, reg, "fetch_retries_total"))
}

func TestSchedulerFatalErrorRejectsImmediately(t *testing.T) {
	src := newFakeSource(10, 100)
	src.failWith(&history.StatusError{Status: http.StatusForbidden})
	s := startScheduler(t, src, nil)

	_, err := s.Fetch(waitCtx(t), "chan", 10)
	require.Error(t, err)

	var se *history.StatusError
	require.True(t, errors.As(err, &se))
	assert.Equal(t, http.StatusForbidden, se.Status)
	assert.Equal(t, 1, src.calls(), "fatal errors are not retried")
	assert.Equal(t, 0, s.CachedLen())
}

func TestSchedulerCachesExhaustedTaskAndResumes(t *testing.T) {
	src := newFakeSource(150, 100)
	s := startScheduler(t, src, func(o *Options) { o.MaxRetries = 2 })

	// The first page (m0150..m0051) succeeds, the second keeps failing
	// for all three attempts.
	src.failAt("m0051", 3, &history.StatusError{Status: http.StatusInternalServerError})

	firstFut := s.Submit(s.NewTask("chan", 150))

	require.Eventually(t, func() bool { return s.CachedLen() == 1 }, 2*time.Second, time.Millisecond)

	shortCtx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := firstFut.Wait(shortCtx)
	assert.ErrorIs(t, err, context.DeadlineExceeded, "the original future stays pending")

	fetched, total := firstFut.Progress()
	assert.Equal(t, 100, fetched)
	assert.Equal(t, 150, total)

	// An identical request resumes the cached task rather than restarting.
	callsBefore := src.calls()
	secondFut := s.Submit(s.NewTask("chan", 150))

	second, err := secondFut.Wait(waitCtx(t))
	require.NoError(t, err)
	assertChronological(t, second, 150)

	first2, err := firstFut.Wait(waitCtx(t))
	require.NoError(t, err)
	assert.Equal(t, second, first2, "both callers see the same result")

	assert.Equal(t, 1, src.calls()-callsBefore, "only the missing slice is fetched")
	assert.Equal(t, 0, s.CachedLen())
}

func TestSchedulerDoesNotResumeTaskFromAnotherCursor(t *testing.T) {
	src := newFakeSource(300, 100)
	s := startScheduler(t, src, func(o *Options) { o.MaxRetries = 1 })

	// A linked fetch of the 150 messages before m0201 gets one page
	// (m0200..m0101) and then keeps failing on the page before m0101.
	src.failAt("m0101", 2, &history.StatusError{Status: http.StatusServiceUnavailable})
	linked := s.NewTask("chan", 150)
	linked.Cursor = "m0201"
	linkedFut := s.Submit(linked)
	require.Eventually(t, func() bool { return s.CachedLen() == 1 }, 2*time.Second, time.Millisecond)

	// Same channel and count, but from the newest message.
	msgs, err := s.Fetch(waitCtx(t), "chan", 150)
	require.NoError(t, err)
	require.Len(t, msgs, 150)
	assert.Equal(t, "m0151", msgs[0].ID)
	assert.Equal(t, "m0300", msgs[149].ID)
	assert.Equal(t, 1, s.CachedLen(), "the linked task stays cached")

	// Repeating the linked request resumes it.
	again := s.NewTask("chan", 150)
	again.Cursor = "m0201"
	resumed, err := s.Submit(again).Wait(waitCtx(t))
	require.NoError(t, err)
	require.Len(t, resumed, 150)
	assert.Equal(t, "m0051", resumed[0].ID)
	assert.Equal(t, "m0200", resumed[149].ID)

	first, err := linkedFut.Wait(waitCtx(t))
	require.NoError(t, err)
	assert.Equal(t, resumed, first)
	assert.Equal(t, 0, s.CachedLen())
}

func TestSchedulerDefersRateLimitedChannel(t *testing.T) {
	src := newFakeSource(100, 10)
	reg := prometheus.NewRegistry()
	s := startScheduler(t, src, func(o *Options) {
		o.RateLimit = 2
		o.RateWindow = 60 * time.Millisecond
		o.Registry = reg
	})

	start := time.Now()
	msgs, err := s.Fetch(waitCtx(t), "chan", 40)
	require.NoError(t, err)
	require.Len(t, msgs, 40)

	assert.GreaterOrEqual(t, time.Since(start), 60*time.Millisecond)
	assert.GreaterOrEqual(t, counterValue(t, reg, "fetch_throttled_total"), 1.0)
}

func TestSchedulerThrottleDoesNotStallOtherChannels(t *testing.T) {
	busy := newFakeSource(100, 10)
	s := startScheduler(t, busy, func(o *Options) {
		o.RateLimit = 1
		o.RateWindow = time.Hour
	})

	// Fill the window for "chan" so its next slice is deferred.
	blocked := s.Submit(s.NewTask("chan", 20))
	require.Eventually(t, func() bool { return busy.calls() == 1 }, time.Second, time.Millisecond)

	other, err := s.Fetch(waitCtx(t), "other", 5)
	require.NoError(t, err)
	assert.Len(t, other, 5)

	select {
	case <-blocked.Done():
		t.Fatal("throttled fetch should still be waiting")
	default:
	}
}

func TestSchedulerZeroTotalResolvesEmpty(t *testing.T) {
	s := NewScheduler(newFakeSource(5, 100), testOptions())
	msgs, err := s.Submit(s.NewTask("chan", 0)).Wait(context.Background())
	require.NoError(t, err)
	assert.Empty(t, msgs)
}

func TestSchedulerShutdownRejectsQueued(t *testing.T) {
	s := NewScheduler(newFakeSource(5, 100), testOptions())
	fut := s.Submit(s.NewTask("chan", 5))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	require.NoError(t, s.Run(ctx))

	_, err := fut.Wait(context.Background())
	assert.ErrorIs(t, err, ErrSchedulerClosed)

	_, err = s.Submit(s.NewTask("chan", 5)).Wait(context.Background())
	assert.ErrorIs(t, err, ErrSchedulerClosed)
}

func TestContinuationTransfersOwnership(t *testing.T) {
	task := NewFetchTask("g", "c", 250)
	task.aggregated = []history.Message{{ID: "m0300"}, {ID: "m0299"}}
	fut := task.Future()

	next := task.continuation(time.Now())

	assert.Nil(t, task.aggregated)
	assert.Nil(t, task.completion)
	assert.Same(t, fut, next.Future())
	assert.Equal(t, "m0299", next.Cursor)
	assert.Equal(t, 100, next.SliceLimit)
	assert.Equal(t, task.CacheKey, next.CacheKey)
	assert.Len(t, next.aggregated, 2)
}
