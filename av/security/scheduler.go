package security

import (
	"container/heap"
	"sync"
	"time"
)

// Scheduler runs the protocol timeouts of many engines on one goroutine.
type Scheduler struct {
	mu      sync.Mutex
	queue   deadlineQueue
	wake    chan struct{}
	done    chan struct{}
	stopped bool
	wg      sync.WaitGroup
}

type deadline struct {
	at    time.Time
	timer *Timer
	gen   uint64
	index int
}

type deadlineQueue []*deadline

func (q deadlineQueue) Len() int           { return len(q) }
func (q deadlineQueue) Less(i, j int) bool { return q[i].at.Before(q[j].at) }
func (q deadlineQueue) Swap(i, j int) {
	q[i], q[j] = q[j], q[i]
	q[i].index = i
	q[j].index = j
}

func (q *deadlineQueue) Push(x interface{}) {
	d := x.(*deadline)
	d.index = len(*q)
	*q = append(*q, d)
}

func (q *deadlineQueue) Pop() interface{} {
	old := *q
	n := len(old)
	d := old[n-1]
	old[n-1] = nil
	*q = old[:n-1]
	return d
}

// NewScheduler starts a scheduler goroutine. Call Stop to end it.
func NewScheduler() *Scheduler {
	s := &Scheduler{
		wake: make(chan struct{}, 1),
		done: make(chan struct{}),
	}
	s.wg.Add(1)
	go s.run()
	return s
}

// Timer is a single timeout slot. Reset replaces any pending deadline.
type Timer struct {
	s  *Scheduler
	fn func(Expiry)

	// gen is guarded by s.mu; a deadline only fires if it carries the
	// current generation.
	gen uint64
}

// Expiry is one firing of a Timer.
type Expiry struct {
	t   *Timer
	gen uint64
}

// Current reports whether the timer was neither stopped nor reset since
// the deadline that produced this expiry was armed. Callbacks that race
// with Stop or Reset check it under the lock those calls are made with.
func (x Expiry) Current() bool {
	if x.t == nil {
		return false
	}
	x.t.s.mu.Lock()
	defer x.t.s.mu.Unlock()
	return x.t.gen == x.gen
}

// NewTimer creates a slot whose expiry runs fn on the scheduler goroutine.
// fn must not block.
func (s *Scheduler) NewTimer(fn func(Expiry)) *Timer {
	return &Timer{s: s, fn: fn}
}

// Reset arms the timer to fire after d, replacing a pending deadline. It
// returns false once the scheduler is stopped.
func (t *Timer) Reset(d time.Duration) bool {
	s := t.s
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return false
	}
	t.gen++
	heap.Push(&s.queue, &deadline{at: time.Now().Add(d), timer: t, gen: t.gen})
	s.mu.Unlock()
	s.poke()
	return true
}

// Stop disarms the timer. Stale queue entries are discarded when reached.
func (t *Timer) Stop() {
	t.s.mu.Lock()
	t.gen++
	t.s.mu.Unlock()
}

// Pending returns the number of queued deadlines, including stale ones.
func (s *Scheduler) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.queue.Len()
}

// Stop ends the scheduler goroutine and drops all deadlines. It is
// idempotent.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return
	}
	s.stopped = true
	s.queue = nil
	s.mu.Unlock()
	close(s.done)
	s.wg.Wait()
}

func (s *Scheduler) poke() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func (s *Scheduler) run() {
	defer s.wg.Done()
	idle := time.NewTimer(time.Hour)
	defer idle.Stop()

	for {
		fire, wait := s.due(time.Now())
		for _, x := range fire {
			if x.Current() {
				x.t.fn(x)
			}
		}
		if len(fire) > 0 {
			continue
		}

		if !idle.Stop() {
			select {
			case <-idle.C:
			default:
			}
		}
		idle.Reset(wait)

		select {
		case <-s.done:
			return
		case <-s.wake:
		case <-idle.C:
		}
	}
}

// due pops every expired deadline and returns the expiries to run along
// with the time until the next deadline.
func (s *Scheduler) due(now time.Time) ([]Expiry, time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var fire []Expiry
	for s.queue.Len() > 0 {
		next := s.queue[0]
		if next.gen != next.timer.gen {
			heap.Pop(&s.queue)
			continue
		}
		if next.at.After(now) {
			return fire, next.at.Sub(now)
		}
		heap.Pop(&s.queue)
		fire = append(fire, Expiry{t: next.timer, gen: next.gen})
	}
	return fire, time.Hour
}
