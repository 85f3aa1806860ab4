package cable

import (
	"sync"
	"time"
)

// retryTimer schedules a single deferred invocation of callback, walking an
// interval ladder: after n fires (without a Reset in between) the next Start
// waits intervals[min(n, len-1)]. The ladder never runs out; once past the
// end it holds at the last, longest interval. Starting again before the
// pending invocation fires preempts it, so at most one invocation is ever
// pending. Bounded and monotonically non-decreasing, which keeps a fleet of
// clients from storming a recovering server.
type retryTimer struct {
	callback  func()
	intervals []time.Duration

	mu      sync.Mutex
	tries   int
	pending *time.Timer
	gen     uint64
}

func newRetryTimer(callback func(), intervals []time.Duration) *retryTimer {
	if len(intervals) == 0 {
		intervals = []time.Duration{time.Second}
	}
	return &retryTimer{
		callback:  callback,
		intervals: intervals,
	}
}

// Start schedules the callback after the current ladder interval. Any
// previously pending schedule is cancelled first; the ladder only advances
// when a scheduled invocation actually fires, so restarting before the fire
// repeats the same interval instead of climbing.
func (t *retryTimer) Start() {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.pending != nil {
		t.pending.Stop()
	}

	idx := t.tries
	if idx >= len(t.intervals) {
		idx = len(t.intervals) - 1
	}

	t.gen++
	gen := t.gen

	t.pending = time.AfterFunc(t.intervals[idx], func() {
		// A fire that lost the race against Reset/Start must be a no-op.
		t.mu.Lock()
		stale := gen != t.gen
		if !stale {
			t.tries++
			t.pending = nil
		}
		t.mu.Unlock()

		if !stale {
			t.callback()
		}
	})
}

// Reset cancels any pending schedule and rewinds the ladder to its first
// interval.
func (t *retryTimer) Reset() {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.pending != nil {
		t.pending.Stop()
		t.pending = nil
	}
	t.tries = 0
	t.gen++
}
