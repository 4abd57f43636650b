package fetch

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"

	"github.com/zhaopengme/threadclaw/pkg/history"
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{t: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

// fakeSource serves a channel of n messages, ids m0001 (oldest) upward.
type fakeSource struct {
	mu       sync.Mutex
	msgs     []history.Message
	pageSize int
	failures []error
	limits   []int
	pages    []int

	failCursor string
	failCount  int
	failErr    error
}

func newFakeSource(n, pageSize int) *fakeSource {
	base := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	msgs := make([]history.Message, n)
	for i := range msgs {
		msgs[i] = history.Message{
			ID:        fmt.Sprintf("m%04d", i+1),
			ChannelID: "chan",
			Author:    history.Author{ID: "u1", DisplayName: "alice"},
			Content:   fmt.Sprintf("message %d", i+1),
			CreatedAt: base.Add(time.Duration(i) * time.Minute),
		}
	}
	return &fakeSource{msgs: msgs, pageSize: pageSize}
}

func (f *fakeSource) failWith(errs ...error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failures = append(f.failures, errs...)
}

// failAt makes the next count requests for the page before cursor fail.
func (f *fakeSource) failAt(cursor string, count int, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failCursor, f.failCount, f.failErr = cursor, count, err
}

func (f *fakeSource) FetchPage(_ context.Context, _ string, beforeID string, limit int) ([]history.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.limits = append(f.limits, limit)
	if f.failCount > 0 && beforeID == f.failCursor {
		f.failCount--
		return nil, f.failErr
	}
	if len(f.failures) > 0 {
		err := f.failures[0]
		f.failures = f.failures[1:]
		if err != nil {
			return nil, err
		}
	}

	end := len(f.msgs)
	if beforeID != "" {
		end = 0
		for i, m := range f.msgs {
			if m.ID == beforeID {
				end = i
				break
			}
		}
	}

	n := min(limit, f.pageSize, end)
	page := make([]history.Message, 0, n)
	for i := end - 1; i >= end-n; i-- {
		page = append(page, f.msgs[i])
	}
	f.pages = append(f.pages, len(page))
	return page, nil
}

func (f *fakeSource) calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.limits)
}

func (f *fakeSource) requestedLimits() []int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]int(nil), f.limits...)
}

func (f *fakeSource) pageSizes() []int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]int(nil), f.pages...)
}

func testOptions() Options {
	opts := DefaultOptions()
	opts.GuildID = "guild"
	opts.SlicePause = 0
	opts.BackoffBase = time.Millisecond
	return opts
}

func startScheduler(t *testing.T, src history.Source, mutate func(*Options)) *Scheduler {
	t.Helper()
	opts := testOptions()
	if mutate != nil {
		mutate(&opts)
	}
	s := NewScheduler(src, opts)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		_ = s.Run(ctx)
		close(done)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return s
}

func waitCtx(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func counterValue(t *testing.T, reg *prometheus.Registry, name string) float64 {
	t.Helper()
	families, err := reg.Gather()
	require.NoError(t, err)
	for _, mf := range families {
		if mf.GetName() != name {
			continue
		}
		var total float64
		for _, m := range mf.GetMetric() {
			total += m.GetCounter().GetValue()
		}
		return total
	}
	return 0
}
