package fetch

import "time"

type slicePlan struct {
	channelID string
	slices    int
}

// EstimateCompletion predicts how long the scheduler needs before the
// given task would finish, if it were submitted now.
//
// It replays the queued work and the task's own slices against a copy
// of the rate windows, charging the rolling average slice time plus the
// slice pause per slice and jumping the clock to the window reset when a
// simulated channel is throttled. No scheduler state is modified.
func (s *Scheduler) EstimateCompletion(task *FetchTask) time.Duration {
	now := s.opts.Now()
	windows := s.window.snapshot()
	perSlice := s.averageSliceDuration() + s.opts.SlicePause

	plans := s.queue.plan()
	s.deferMu.Lock()
	for t := range s.deferred {
		plans = append(plans, slicePlan{channelID: t.ChannelID, slices: max(t.remainingSlices(), 1)})
	}
	s.deferMu.Unlock()

	if task != nil && task.FetchTotal > 0 {
		plans = append(plans, slicePlan{
			channelID: task.ChannelID,
			slices:    (task.FetchTotal + MaxSlice - 1) / MaxSlice,
		})
	}

	clock := now
	for _, p := range plans {
		for i := 0; i < p.slices; i++ {
			e, ok := windows[p.channelID]
			if ok && clock.After(e.start.Add(s.opts.RateWindow)) {
				delete(windows, p.channelID)
				ok = false
			}
			if ok && e.count >= s.opts.RateLimit {
				if reset := e.start.Add(s.opts.RateWindow); reset.After(clock) {
					clock = reset
				}
				delete(windows, p.channelID)
				ok = false
			}

			clock = clock.Add(perSlice)

			if !ok {
				e = windowEntry{start: clock}
			}
			e.count++
			windows[p.channelID] = e
		}
	}

	if d := clock.Sub(now); d > 0 {
		return d
	}
	return 0
}
