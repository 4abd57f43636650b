// ThreadClaw - Discord thread and chat assistant
// License: MIT
//
// Copyright (c) 2026 ThreadClaw contributors

package fetch

import (
	"sync"
	"time"
)

type windowEntry struct {
	count int
	start time.Time
}

// RateWindow counts requests per channel inside a fixed window that
// starts at the channel's first request. Expired windows are dropped
// lazily on the next check rather than by a timer.
type RateWindow struct {
	mu      sync.Mutex
	limit   int
	window  time.Duration
	now     func() time.Time
	entries map[string]windowEntry
}

func NewRateWindow(limit int, window time.Duration, now func() time.Time) *RateWindow {
	if now == nil {
		now = time.Now
	}
	return &RateWindow{
		limit:   limit,
		window:  window,
		now:     now,
		entries: make(map[string]windowEntry),
	}
}

// expireLocked drops the channel's entry if its window has passed.
func (w *RateWindow) expireLocked(channelID string, now time.Time) (windowEntry, bool) {
	e, ok := w.entries[channelID]
	if !ok {
		return windowEntry{}, false
	}
	if now.After(e.start.Add(w.window)) {
		delete(w.entries, channelID)
		return windowEntry{}, false
	}
	return e, true
}

func (w *RateWindow) IsLimited(channelID string) bool {
	w.mu.Lock()
	defer w.mu.Unlock()

	e, ok := w.expireLocked(channelID, w.now())
	if !ok {
		return false
	}
	return e.count >= w.limit
}

func (w *RateWindow) Record(channelID string) {
	w.mu.Lock()
	defer w.mu.Unlock()

	now := w.now()
	e, ok := w.expireLocked(channelID, now)
	if !ok {
		e = windowEntry{start: now}
	}
	e.count++
	w.entries[channelID] = e
}

// UntilReset returns how long until the channel's current window ends,
// or zero if it has no open window.
func (w *RateWindow) UntilReset(channelID string) time.Duration {
	w.mu.Lock()
	defer w.mu.Unlock()

	e, ok := w.entries[channelID]
	if !ok {
		return 0
	}
	d := e.start.Add(w.window).Sub(w.now())
	if d < 0 {
		return 0
	}
	return d
}

// Count returns the requests recorded in the channel's open window.
func (w *RateWindow) Count(channelID string) int {
	w.mu.Lock()
	defer w.mu.Unlock()
	e, ok := w.expireLocked(channelID, w.now())
	if !ok {
		return 0
	}
	return e.count
}

func (w *RateWindow) snapshot() map[string]windowEntry {
	w.mu.Lock()
	defer w.mu.Unlock()
	out := make(map[string]windowEntry, len(w.entries))
	for k, v := range w.entries {
		out[k] = v
	}
	return out
}
