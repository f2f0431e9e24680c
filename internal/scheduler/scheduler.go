// Package scheduler provides the delayed-callback timer used to arm DJ jobs
// and other one-shot work. A single goroutine owns the timer wheel; arming
// an already-known id replaces its fire time, and cancellation is O(1)
// best-effort: a racing fire that has already been dispatched is absorbed
// by the caller's own idempotence.
package scheduler

import (
	"container/heap"
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

type entry struct {
	id     string
	fireAt time.Time
	fn     func()
	index  int  // heap index
	dead   bool // cancelled or replaced
}

type timerHeap []*entry

func (h timerHeap) Len() int            { return len(h) }
func (h timerHeap) Less(i, j int) bool  { return h[i].fireAt.Before(h[j].fireAt) }
func (h timerHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i]; h[i].index = i; h[j].index = j }
func (h *timerHeap) Push(x any)         { e := x.(*entry); e.index = len(*h); *h = append(*h, e) }
func (h *timerHeap) Pop() any {
	old := *h
	n := len(old)
	e := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return e
}

// Scheduler dispatches armed callbacks at their fire time.
type Scheduler struct {
	mu      sync.Mutex
	heap    timerHeap
	entries map[string]*entry
	wake    chan struct{}
	log     zerolog.Logger

	now func() time.Time // override in tests
}

func New(log zerolog.Logger) *Scheduler {
	return &Scheduler{
		entries: make(map[string]*entry),
		wake:    make(chan struct{}, 1),
		log:     log,
		now:     time.Now,
	}
}

// ArmAfter schedules fn to run after delay. Re-arming a known id replaces
// its fire time and callback.
func (s *Scheduler) ArmAfter(id string, delay time.Duration, fn func()) {
	s.mu.Lock()
	if old, ok := s.entries[id]; ok {
		old.dead = true
		delete(s.entries, id)
	}
	e := &entry{id: id, fireAt: s.now().Add(delay), fn: fn}
	s.entries[id] = e
	heap.Push(&s.heap, e)
	s.mu.Unlock()
	s.poke()
}

// Cancel removes a pending timer. Returns true when an armed timer existed.
func (s *Scheduler) Cancel(id string) bool {
	s.mu.Lock()
	e, ok := s.entries[id]
	if ok {
		e.dead = true
		delete(s.entries, id)
	}
	s.mu.Unlock()
	if ok {
		s.poke()
	}
	return ok
}

// Pending returns the number of armed timers.
func (s *Scheduler) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

// Run owns the wheel until ctx is cancelled. Fired callbacks run in their
// own goroutines so a slow callback never delays the wheel.
func (s *Scheduler) Run(ctx context.Context) error {
	timer := time.NewTimer(time.Hour)
	defer timer.Stop()

	for {
		next, fns := s.collectDue()
		for _, fn := range fns {
			go fn()
		}

		if !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
		if next.IsZero() {
			timer.Reset(time.Hour)
		} else {
			timer.Reset(time.Until(next))
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-s.wake:
		case <-timer.C:
		}
	}
}

// collectDue pops every due entry and returns the callbacks to dispatch plus
// the fire time of the next pending entry (zero when the wheel is empty).
func (s *Scheduler) collectDue() (time.Time, []func()) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	var fns []func()
	for s.heap.Len() > 0 {
		e := s.heap[0]
		if e.dead {
			heap.Pop(&s.heap)
			continue
		}
		if e.fireAt.After(now) {
			return e.fireAt, fns
		}
		heap.Pop(&s.heap)
		delete(s.entries, e.id)
		fns = append(fns, e.fn)
	}
	return time.Time{}, fns
}

func (s *Scheduler) poke() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}
