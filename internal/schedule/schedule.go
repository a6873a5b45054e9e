// Package schedule runs delayed tasks off a single timer.
//
// Tasks run one at a time on the scheduler's own goroutine, in due order, with ties
// broken by submission order. A task must not block; long work belongs in a goroutine
// the task starts.
package schedule

import (
	"container/heap"
	"sync"
	"time"
)

type task struct {
	due time.Time
	seq uint64
	fn  func()
}

type queue []*task

func (q queue) Len() int { return len(q) }
func (q queue) Less(i, j int) bool {
	if q[i].due.Equal(q[j].due) {
		return q[i].seq < q[j].seq
	}
	return q[i].due.Before(q[j].due)
}
func (q queue) Swap(i, j int) { q[i], q[j] = q[j], q[i] }
func (q *queue) Push(x any)   { *q = append(*q, x.(*task)) }
func (q *queue) Pop() any {
	old := *q
	n := len(old)
	t := old[n-1]
	old[n-1] = nil
	*q = old[:n-1]
	return t
}

type Scheduler struct {
	mu    sync.Mutex
	tasks queue
	seq   uint64

	wake    chan struct{}
	done    chan struct{}
	started sync.Once
	stopped sync.Once
}

func New() *Scheduler {
	return &Scheduler{
		wake: make(chan struct{}, 1),
		done: make(chan struct{}),
	}
}

// After runs fn once d has elapsed. Tasks submitted after Close never run.
func (s *Scheduler) After(d time.Duration, fn func()) {
	s.started.Do(func() { go s.run() })

	s.mu.Lock()
	heap.Push(&s.tasks, &task{due: time.Now().Add(d), seq: s.seq, fn: fn})
	s.seq++
	s.mu.Unlock()

	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// Pending reports how many tasks have not run yet.
func (s *Scheduler) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.tasks.Len()
}

func (s *Scheduler) Close() {
	s.stopped.Do(func() { close(s.done) })
}

func (s *Scheduler) run() {
	for {
		ready, next, ok := s.due(time.Now())
		for _, t := range ready {
			t.fn()
		}

		var timer *time.Timer
		var fire <-chan time.Time
		if ok {
			timer = time.NewTimer(next)
			fire = timer.C
		}

		select {
		case <-s.done:
			if timer != nil {
				timer.Stop()
			}
			return
		case <-s.wake:
		case <-fire:
		}
		if timer != nil {
			timer.Stop()
		}
	}
}

// due pops every task due at now and reports the wait until the next one.
func (s *Scheduler) due(now time.Time) ([]*task, time.Duration, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var ready []*task
	for s.tasks.Len() > 0 && !s.tasks[0].due.After(now) {
		ready = append(ready, heap.Pop(&s.tasks).(*task))
	}
	if s.tasks.Len() == 0 {
		return ready, 0, false
	}
	return ready, s.tasks[0].due.Sub(now), true
}
