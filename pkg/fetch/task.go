// ThreadClaw - Discord thread and chat assistant
// License: MIT
//
// Copyright (c) 2026 ThreadClaw contributors

package fetch

import (
	"context"
	"encoding/base64"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/zhaopengme/threadclaw/pkg/history"
)

// MaxSlice is the largest page the provider returns in one request.
const MaxSlice = 100

// Future is the single-assignment result of one logical fetch. Every
// slice of that fetch shares the same Future.
type Future struct {
	done   chan struct{}
	once   sync.Once
	msgs   []history.Message
	err    error
	target int

	fetched atomic.Int64
	leader  atomic.Pointer[Future]

	mu        sync.Mutex
	followers []*Future
}

func newFuture(target int) *Future {
	return &Future{done: make(chan struct{}), target: target}
}

func (f *Future) settle(msgs []history.Message, err error) {
	f.once.Do(func() {
		f.msgs = msgs
		f.err = err
		close(f.done)

		f.mu.Lock()
		followers := f.followers
		f.followers = nil
		f.mu.Unlock()
		for _, fl := range followers {
			fl.settle(msgs, err)
		}
	})
}

func (f *Future) resolve(msgs []history.Message) { f.settle(msgs, nil) }
func (f *Future) reject(err error)               { f.settle(nil, err) }

// follow makes other settle with whatever f settles with.
func (f *Future) follow(other *Future) {
	if other == nil || other == f {
		return
	}
	other.leader.Store(f)

	f.mu.Lock()
	select {
	case <-f.done:
		f.mu.Unlock()
		other.settle(f.msgs, f.err)
		return
	default:
	}
	f.followers = append(f.followers, other)
	f.mu.Unlock()
}

func (f *Future) Done() <-chan struct{} { return f.done }

// Wait blocks until the fetch settles or ctx ends. A ctx timeout only
// stops waiting; the scheduler keeps working on the task.
func (f *Future) Wait(ctx context.Context) ([]history.Message, error) {
	select {
	case <-f.done:
		return f.msgs, f.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Progress reports how many messages have been aggregated so far and the
// requested total.
func (f *Future) Progress() (fetched, target int) {
	if l := f.leader.Load(); l != nil {
		return l.Progress()
	}
	return int(f.fetched.Load()), f.target
}

// FetchTask is one slice of a logical fetch. Continuation slices take
// over the accumulator and Future of the slice before them.
type FetchTask struct {
	CreatedAt  time.Time
	GuildID    string
	ChannelID  string
	FetchTotal int
	SliceLimit int
	// Cursor is the id to paginate before; empty for the newest page.
	Cursor   string
	CacheKey string

	// origin is the Cursor the logical fetch started from. A cached task
	// only resumes a request that starts from the same place.
	origin     string
	aggregated []history.Message
	retryCount int
	completion *Future
}

func NewFetchTask(guildID, channelID string, total int) *FetchTask {
	return &FetchTask{
		GuildID:    guildID,
		ChannelID:  channelID,
		FetchTotal: total,
		SliceLimit: min(total, MaxSlice),
		CacheKey:   CacheKey(guildID, channelID, total),
		completion: newFuture(total),
	}
}

// CacheKey identifies a logical fetch so a failed one can be resumed by
// an identical request.
func CacheKey(guildID, channelID string, total int) string {
	raw := fmt.Sprintf("https://discord.com/channels/%s/%s:%d", guildID, channelID, total)
	return base64.StdEncoding.EncodeToString([]byte(raw))
}

func (t *FetchTask) Future() *Future { return t.completion }

func (t *FetchTask) remainingSlices() int {
	remaining := t.FetchTotal - len(t.aggregated)
	if remaining <= 0 {
		return 0
	}
	return (remaining + MaxSlice - 1) / MaxSlice
}

// continuation moves the accumulator and Future into a new task for the
// next older page. t must not be used afterwards.
func (t *FetchTask) continuation(now time.Time) *FetchTask {
	remaining := t.FetchTotal - len(t.aggregated)
	next := &FetchTask{
		CreatedAt:  now,
		GuildID:    t.GuildID,
		ChannelID:  t.ChannelID,
		FetchTotal: t.FetchTotal,
		SliceLimit: min(remaining, MaxSlice),
		Cursor:     t.aggregated[len(t.aggregated)-1].ID,
		CacheKey:   t.CacheKey,
		origin:     t.origin,
		aggregated: t.aggregated,
		completion: t.completion,
	}
	t.aggregated = nil
	t.completion = nil
	return next
}

// result returns at most FetchTotal messages, oldest first.
func (t *FetchTask) result() []history.Message {
	n := min(len(t.aggregated), t.FetchTotal)
	out := make([]history.Message, n)
	for i := 0; i < n; i++ {
		out[i] = t.aggregated[n-1-i]
	}
	return out
}
