// Package queue implements the scheduled-run queue: a wall-clock-anchored
// priority timer that dispatches runs to a start callback at or after their
// scheduled instant, even when the host's cooperative scheduler drifts from
// the wall clock (e.g. after a system suspend).
package queue

import (
	"container/heap"
	"context"
	"sync"
	"time"

	"github.com/asteris-run/apsis/internal/run"
)

// DefaultLoopTime bounds the lag between a newly scheduled near-future run
// and the dispatch loop's reaction, and bounds drift when the process's
// timers wander from the wall clock.
const DefaultLoopTime = 100 * time.Millisecond

// StartFunc is invoked when a run reaches its scheduled instant.
type StartFunc func(ctx context.Context, r *run.Run)

// entry is one heap slot. scheduled=false marks a tombstone: the entry
// remains in the heap (there is no efficient middle removal) but is skipped
// when it reaches the top.
type entry struct {
	time      time.Time
	run       *run.Run
	scheduled bool
	index     int
}

// entryHeap is a container/heap.Interface ordered purely by time, matching
// the tie-break-unspecified ordering guarantee in spec.md §5.
type entryHeap []*entry

func (h entryHeap) Len() int            { return len(h) }
func (h entryHeap) Less(i, j int) bool  { return h[i].time.Before(h[j].time) }
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

// Queue is the scheduled-run queue (spec.md §4.D).
type Queue struct {
	startRun StartFunc
	loopTime time.Duration
	now      func() time.Time

	mutex     sync.Mutex
	heap      entryHeap
	scheduled map[string]*entry // run id -> entry, only entries with scheduled==true

	wake chan struct{}
}

// Option configures a Queue.
type Option func(*Queue)

// WithLoopTime overrides the default dispatch-loop wakeup period.
func WithLoopTime(d time.Duration) Option {
	return func(q *Queue) { q.loopTime = d }
}

// New creates a Queue and starts its dispatch loop, which runs until ctx is
// cancelled.
func New(ctx context.Context, startRun StartFunc, opts ...Option) *Queue {
	q := &Queue{
		startRun:  startRun,
		loopTime:  DefaultLoopTime,
		now:       time.Now,
		scheduled: make(map[string]*entry),
		wake:      make(chan struct{}, 1),
	}
	for _, opt := range opts {
		opt(q)
	}
	go q.loop(ctx)
	return q
}

// Len returns the number of heap entries, tombstones included; for
// diagnostics only.
func (q *Queue) Len() int {
	q.mutex.Lock()
	defer q.mutex.Unlock()
	return q.heap.Len()
}

// Schedule arranges for r to be dispatched at t. If t is not in the future,
// r is dispatched immediately as a fire-and-forget goroutine (no heap
// insertion), matching the original implementation's
// asyncio.ensure_future(start_run(run)) behavior for due runs.
func (q *Queue) Schedule(ctx context.Context, t time.Time, r *run.Run) {
	if !t.After(q.now()) {
		go q.startRun(ctx, r)
		return
	}

	q.mutex.Lock()
	e := &entry{time: t, run: r, scheduled: true}
	heap.Push(&q.heap, e)
	q.scheduled[r.RunID()] = e
	q.mutex.Unlock()

	select {
	case q.wake <- struct{}{}:
	default:
	}
}

// Unschedule cancels a pending scheduled run. It returns true iff the run
// was still scheduled and not yet dispatched. The entry is tombstoned
// rather than removed from the heap (heaps have no efficient middle
// removal); it is skipped when the dispatch loop pops it.
func (q *Queue) Unschedule(r *run.Run) bool {
	q.mutex.Lock()
	defer q.mutex.Unlock()

	e, ok := q.scheduled[r.RunID()]
	if !ok {
		return false
	}
	delete(q.scheduled, r.RunID())
	e.scheduled = false
	return true
}

func (q *Queue) loop(ctx context.Context) {
	for {
		for {
			q.mutex.Lock()
			if q.heap.Len() == 0 || q.heap[0].time.After(q.now()) {
				q.mutex.Unlock()
				break
			}
			e := heap.Pop(&q.heap).(*entry)
			if e.scheduled {
				delete(q.scheduled, e.run.RunID())
			}
			q.mutex.Unlock()

			if e.scheduled {
				q.startRun(ctx, e.run)
			}
		}

		d := q.loopTime
		q.mutex.Lock()
		if q.heap.Len() > 0 {
			if until := q.heap[0].time.Sub(q.now()); until < d {
				d = until
			}
		}
		q.mutex.Unlock()
		if d < 0 {
			d = 0
		}

		timer := time.NewTimer(d)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		case <-q.wake:
			timer.Stop()
		}
	}
}
