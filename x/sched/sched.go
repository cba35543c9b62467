// Package sched is a heap of named periodic jobs. Due jobs are delivered on
// a channel so the consumer runs them on its own goroutine.
package sched

import (
	"container/heap"
	"context"
	"math/rand"
	"sync"
	"time"
)

// Fire is one due job.
type Fire struct {
	Name  string
	Every time.Duration
}

type item struct {
	name   string
	due    int64
	every  time.Duration
	jitter time.Duration
	index  int
}

type jobHeap []*item

func (h jobHeap) Len() int           { return len(h) }
func (h jobHeap) Less(i, j int) bool { return h[i].due < h[j].due }
func (h jobHeap) Swap(i, j int)      { h[i], h[j] = h[j], h[i]; h[i].index = i; h[j].index = j }
func (h *jobHeap) Push(x any)        { it := x.(*item); it.index = len(*h); *h = append(*h, it) }
func (h *jobHeap) Pop() any {
	old := *h
	n := len(old)
	it := old[n-1]
	it.index = -1
	*h = old[:n-1]
	return it
}
func (h jobHeap) Top() *item {
	if len(h) == 0 {
		return nil
	}
	return h[0]
}

type Scheduler struct {
	mu    sync.Mutex
	wake  chan struct{}
	items map[string]*item
	h     jobHeap
	rand  *rand.Rand
	out   chan<- Fire
}

// New delivers due jobs on out. A fire is dropped if out is not ready; the
// job is re-armed either way.
func New(out chan<- Fire) *Scheduler {
	return &Scheduler{
		wake:  make(chan struct{}, 1),
		items: make(map[string]*item),
		rand:  rand.New(rand.NewSource(time.Now().UnixNano())),
		out:   out,
	}
}

// Upsert adds or updates a job. The first fire occurs after first; later
// fires every interval plus a random jitter in [0..jitter].
func (s *Scheduler) Upsert(name string, first, every, jitter time.Duration) {
	if every <= 0 || name == "" {
		return
	}
	if first < 0 {
		first = 0
	}
	if jitter < 0 {
		jitter = 0
	}
	due := time.Now().Add(first).UnixNano()

	s.mu.Lock()
	if it := s.items[name]; it == nil {
		it = &item{name: name, due: due, every: every, jitter: jitter, index: -1}
		s.items[name] = it
		heap.Push(&s.h, it)
	} else {
		it.every = every
		it.jitter = jitter
		it.due = due
		heap.Fix(&s.h, it.index)
	}
	s.mu.Unlock()
	s.wakeup()
}

// SetEvery changes a job's interval, keeping its phase: the next fire moves
// to the last fire plus the new interval (or now, if that is in the past).
func (s *Scheduler) SetEvery(name string, every time.Duration) {
	if every <= 0 {
		return
	}
	now := time.Now().UnixNano()
	s.mu.Lock()
	if it := s.items[name]; it != nil && it.every != every {
		last := it.due - int64(it.every)
		it.every = every
		it.due = last + int64(every)
		if it.due < now {
			it.due = now
		}
		heap.Fix(&s.h, it.index)
	}
	s.mu.Unlock()
	s.wakeup()
}

// Now makes a job due immediately.
func (s *Scheduler) Now(name string) {
	s.mu.Lock()
	if it := s.items[name]; it != nil {
		it.due = time.Now().UnixNano()
		heap.Fix(&s.h, it.index)
	}
	s.mu.Unlock()
	s.wakeup()
}

func (s *Scheduler) Stop(name string) {
	s.mu.Lock()
	if it := s.items[name]; it != nil {
		heap.Remove(&s.h, it.index)
		delete(s.items, name)
	}
	s.mu.Unlock()
	s.wakeup()
}

// Len is the number of scheduled jobs.
func (s *Scheduler) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.items)
}

func (s *Scheduler) Run(ctx context.Context) {
	timer := time.NewTimer(time.Hour)
	defer timer.Stop()

	for {
		wait := s.nextWait()
		if wait < 0 {
			select {
			case <-ctx.Done():
				return
			case <-s.wake:
				continue
			}
		}
		if wait == 0 {
			var fire *item

			s.mu.Lock()
			now := time.Now()
			top := s.h.Top()
			if top != nil && top.due <= now.UnixNano() {
				fire = heap.Pop(&s.h).(*item)
				fire.due = now.Add(s.jittered(fire.every, fire.jitter)).UnixNano()
				heap.Push(&s.h, fire)
			}
			var f Fire
			if fire != nil {
				f = Fire{Name: fire.name, Every: fire.every}
			}
			s.mu.Unlock()

			if fire != nil {
				select {
				case s.out <- f:
				case <-ctx.Done():
					return
				default:
				}
			}
			continue
		}

		timer.Reset(time.Duration(wait))
		select {
		case <-ctx.Done():
			return
		case <-s.wake:
			if !timer.Stop() {
				<-timer.C
			}
		case <-timer.C:
		}
	}
}

func (s *Scheduler) nextWait() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	top := s.h.Top()
	if top == nil {
		return -1
	}
	now := time.Now().UnixNano()
	if top.due <= now {
		return 0
	}
	return top.due - now
}

func (s *Scheduler) wakeup() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func (s *Scheduler) jittered(every, jitter time.Duration) time.Duration {
	if jitter <= 0 {
		return every
	}
	return every + time.Duration(s.rand.Int63n(int64(jitter)+1))
}
