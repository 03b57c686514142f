package zrtp

import "time"

// retryTimer is an exponential backoff schedule with a retry cap.
type retryTimer struct {
	start      time.Duration
	max        time.Duration
	maxRetries int
	current    time.Duration
	count      int
}

func newRetryTimer(start, max time.Duration, maxRetries int) retryTimer {
	if max < start {
		max = start
	}
	return retryTimer{start: start, max: max, maxRetries: maxRetries}
}

// reset restarts the schedule and returns the first interval in ms.
func (t *retryTimer) reset() int {
	t.current = t.start
	t.count = 0
	return int(t.current / time.Millisecond)
}

// next doubles the interval up to max. It returns false once the retry
// budget is spent.
func (t *retryTimer) next() (int, bool) {
	t.count++
	if t.count > t.maxRetries {
		return 0, false
	}
	t.current *= 2
	if t.current > t.max {
		t.current = t.max
	}
	return int(t.current / time.Millisecond), true
}
