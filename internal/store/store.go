// Package store implements the run store's query side and live feed
// (spec.md §4.F): an in-memory index of runs keyed by job id and time
// window, with a live-subscription fan-out modeled on the teacher's
// ModWatcher/output-watcher listener-map pattern.
package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/asteris-run/apsis/internal/run"
)

// Event is published to every live subscriber on each run transition.
type Event struct {
	When time.Time
	Runs []*run.Run
}

// Store is the run store.
type Store struct {
	mutex sync.RWMutex
	runs  map[string]*run.Run
	order []*run.Run // insertion order, for stable query iteration

	subMutex sync.Mutex
	subs     map[*Subscription]struct{}

	now func() time.Time
}

// New creates an empty Store.
func New() *Store {
	return &Store{
		runs: make(map[string]*run.Run),
		subs: make(map[*Subscription]struct{}),
		now:  time.Now,
	}
}

// Add registers a run in the store, making it visible to Query and
// subsequent Publish calls.
func (s *Store) Add(r *run.Run) {
	s.mutex.Lock()
	if _, exists := s.runs[r.RunID()]; !exists {
		s.order = append(s.order, r)
	}
	s.runs[r.RunID()] = r
	s.mutex.Unlock()
}

// Get returns a single run by id and the instant of the snapshot.
func (s *Store) Get(runID string) (time.Time, *run.Run, bool) {
	s.mutex.RLock()
	defer s.mutex.RUnlock()
	r, ok := s.runs[runID]
	return s.now(), r, ok
}

// Filter selects runs for Query/live post-filtering.
type Filter struct {
	JobID *string
	RunID *string
	Since *time.Time
	Until *time.Time
}

func (f Filter) match(r *run.Run) bool {
	if f.JobID != nil && r.Inst().JobID != *f.JobID {
		return false
	}
	if f.RunID != nil && r.RunID() != *f.RunID {
		return false
	}
	if f.Since != nil && r.Inst().ScheduledTime.Before(*f.Since) {
		return false
	}
	if f.Until != nil && r.Inst().ScheduledTime.After(*f.Until) {
		return false
	}
	return true
}

// Query returns the wall-clock instant of the snapshot and all runs
// matching the (conjunctive) filter.
func (s *Store) Query(f Filter) (time.Time, []*run.Run) {
	s.mutex.RLock()
	defer s.mutex.RUnlock()

	when := s.now()
	out := make([]*run.Run, 0, len(s.order))
	for _, r := range s.order {
		if f.match(r) {
			out = append(out, r)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].RunID() < out[j].RunID() })
	return when, out
}

// RunsForJob returns all runs belonging to jobID.
func (s *Store) RunsForJob(jobID string) (time.Time, []*run.Run) {
	return s.Query(Filter{JobID: &jobID})
}

// MaxRunNumber returns the highest run number recorded for instID, or 0 if
// none.
func (s *Store) MaxRunNumber(instID string) int {
	s.mutex.RLock()
	defer s.mutex.RUnlock()

	max := 0
	for _, r := range s.runs {
		if r.Inst().InstID == instID && r.Number() > max {
			max = r.Number()
		}
	}
	return max
}

// IsHighestNumbered reports whether r is the highest-numbered run for its
// instance; gates the "retry" action per spec.md §4.E.
func (s *Store) IsHighestNumbered(r *run.Run) bool {
	return s.MaxRunNumber(r.Inst().InstID) == r.Number()
}

// Publish notifies every live subscriber of a transition. Call this after
// every state change so all subscribers observe transitions for a single
// run in the same total order (spec.md §5).
func (s *Store) Publish(r *run.Run) {
	s.Add(r)

	event := Event{When: s.now(), Runs: []*run.Run{r}}

	s.subMutex.Lock()
	defer s.subMutex.Unlock()
	for sub := range s.subs {
		select {
		case sub.events <- event:
		default:
			// Slow consumer; drop rather than block the single-writer
			// supervisor goroutine publishing this event.
			sub.dropped++
		}
	}
}

// Subscription is a live feed of run transitions. Call Close when done
// (or use QueryLive's context-scoped form).
type Subscription struct {
	store   *Store
	events  chan Event
	dropped int
}

// Events returns the channel of published transitions.
func (sub *Subscription) Events() <-chan Event { return sub.events }

// Close deregisters the subscription.
func (sub *Subscription) Close() {
	sub.store.subMutex.Lock()
	delete(sub.store.subs, sub)
	sub.store.subMutex.Unlock()
}

// QueryLive registers a new live subscription. The caller must Close it
// when done; QueryLiveScoped does this automatically via context
// cancellation.
func (s *Store) QueryLive() *Subscription {
	sub := &Subscription{store: s, events: make(chan Event, 64)}
	s.subMutex.Lock()
	s.subs[sub] = struct{}{}
	s.subMutex.Unlock()
	return sub
}

// QueryLiveScoped registers a subscription and closes it automatically when
// ctx is done, mirroring the original implementation's
// @contextmanager-scoped query_live.
func (s *Store) QueryLiveScoped(ctx context.Context) *Subscription {
	sub := s.QueryLive()
	go func() {
		<-ctx.Done()
		sub.Close()
	}()
	return sub
}
