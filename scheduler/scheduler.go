// Package scheduler provides a priority-queue-backed timer scheduler,
// used by the core to drive its periodic identity-key and device-sync key
// rotation reminders without a dedicated background goroutine per timer.
package scheduler

import (
	"container/heap"
	"fmt"
	"sync"
	"time"

	"gopkg.in/op/go-logging.v1"
)

// entry is one scheduled task, ordered by its absolute deadline.
type entry struct {
	deadline time.Time
	value    interface{}
	index    int
}

// entryHeap is a container/heap.Interface min-heap over entry.deadline.
type entryHeap []*entry

func (h entryHeap) Len() int            { return len(h) }
func (h entryHeap) Less(i, j int) bool  { return h[i].deadline.Before(h[j].deadline) }
func (h entryHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *entryHeap) Push(x interface{}) {
	e := x.(*entry)
	e.index = len(*h)
	*h = append(*h, e)
}

func (h *entryHeap) Pop() interface{} {
	old := *h
	n := len(old)
	e := old[n-1]
	old[n-1] = nil
	e.index = -1
	*h = old[:n-1]
	return e
}

// PriorityScheduler runs a handler for each task it is given, at the
// delay requested by Add, without spawning a goroutine per pending
// task — it keeps a single timer armed for the earliest deadline.
type PriorityScheduler struct {
	sync.Mutex

	heap        entryHeap
	taskHandler func(interface{})
	timer       *time.Timer
	log         *logging.Logger
}

// New creates a PriorityScheduler that invokes taskHandler for each
// task once its delay elapses. name identifies this scheduler instance
// in log output (e.g. "transport-reconnect", "device-sync-rotate").
func New(taskHandler func(interface{}), name string) *PriorityScheduler {
	return &PriorityScheduler{
		taskHandler: taskHandler,
		log:         logging.MustGetLogger(fmt.Sprintf("mi-e2ee/scheduler.%s", name)),
	}
}

// Add schedules task to run after duration elapses.
func (s *PriorityScheduler) Add(duration time.Duration, task interface{}) {
	s.Lock()
	heap.Push(&s.heap, &entry{deadline: time.Now().Add(duration), value: task})
	s.Unlock()
	s.schedule()
}

// Len reports how many tasks are pending.
func (s *PriorityScheduler) Len() int {
	s.Lock()
	defer s.Unlock()
	return s.heap.Len()
}

// pop removes and returns the earliest-deadline entry, or nil if empty.
func (s *PriorityScheduler) pop() *entry {
	s.Lock()
	defer s.Unlock()
	if s.heap.Len() == 0 {
		return nil
	}
	return heap.Pop(&s.heap).(*entry)
}

// peekDeadline returns the earliest pending deadline and whether one
// exists.
func (s *PriorityScheduler) peekDeadline() (time.Time, bool) {
	s.Lock()
	defer s.Unlock()
	if s.heap.Len() == 0 {
		return time.Time{}, false
	}
	return s.heap[0].deadline, true
}

// run pops and dispatches the earliest-deadline task, then rearms the
// timer for whatever is next.
func (s *PriorityScheduler) run() {
	e := s.pop()
	if e == nil {
		return
	}
	s.log.Debug("dispatching scheduled task")
	s.taskHandler(e.value)
	s.schedule()
}

// schedule arms the timer for the earliest pending deadline, running
// immediately (in its own goroutine) if that deadline has passed.
func (s *PriorityScheduler) schedule() {
	deadline, ok := s.peekDeadline()
	if !ok {
		return
	}
	remaining := time.Until(deadline)
	if remaining <= 0 {
		go s.run()
		return
	}

	s.Lock()
	defer s.Unlock()
	if s.timer != nil {
		s.timer.Stop()
	}
	s.timer = time.AfterFunc(remaining, s.run)
}

// Shutdown stops the scheduler's timer, preventing any further pending
// task from firing.
func (s *PriorityScheduler) Shutdown() {
	s.Lock()
	defer s.Unlock()
	if s.timer != nil {
		s.timer.Stop()
	}
}
