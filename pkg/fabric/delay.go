package fabric

import (
	"container/heap"
	"sync"
	"time"
)

// scheduler delivers scheduled callbacks no earlier than their due time. A
// single goroutine drains a min-heap ordered by due time; this is the
// server-side delay that underpins retry back-off and the archive-get
// prepare-check requeue.
type scheduler struct {
	mu      sync.Mutex
	entries delayHeap
	wake    chan struct{}
	done    chan struct{}
	stopped bool
}

type delayEntry struct {
	at time.Time
	fn func()
}

type delayHeap []delayEntry

func (h delayHeap) Len() int            { return len(h) }
func (h delayHeap) Less(i, j int) bool  { return h[i].at.Before(h[j].at) }
func (h delayHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i] }
func (h *delayHeap) Push(x any) { *h = append(*h, x.(delayEntry)) }
func (h *delayHeap) Pop() any {
	old := *h
	n := len(old)
	e := old[n-1]
	*h = old[:n-1]
	return e
}

func newScheduler() *scheduler {
	s := &scheduler{
		wake: make(chan struct{}, 1),
		done: make(chan struct{}),
	}
	go s.run()
	return s
}

func (s *scheduler) schedule(at time.Time, fn func()) {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return
	}
	heap.Push(&s.entries, delayEntry{at: at, fn: fn})
	s.mu.Unlock()
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func (s *scheduler) run() {
	timer := time.NewTimer(time.Hour)
	defer timer.Stop()
	for {
		s.mu.Lock()
		var wait time.Duration
		ready := make([]func(), 0)
		now := time.Now()
		for len(s.entries) > 0 && !s.entries[0].at.After(now) {
			e := heap.Pop(&s.entries).(delayEntry)
			ready = append(ready, e.fn)
		}
		if len(s.entries) > 0 {
			wait = time.Until(s.entries[0].at)
		} else {
			wait = time.Hour
		}
		s.mu.Unlock()

		for _, fn := range ready {
			fn()
		}

		if !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
		timer.Reset(wait)
		select {
		case <-timer.C:
		case <-s.wake:
		case <-s.done:
			return
		}
	}
}

func (s *scheduler) stop() {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return
	}
	s.stopped = true
	s.mu.Unlock()
	close(s.done)
}
