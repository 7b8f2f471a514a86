package queue

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/asteris-run/apsis/internal/run"
)

func newRun() *run.Run {
	return run.New(run.Instance{InstID: "i", JobID: "j"}, 1, time.Now(), nil)
}

func TestScheduleAndDispatch(t *testing.T) {
	started := make(chan *run.Run, 1)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	q := New(ctx, func(_ context.Context, r *run.Run) { started <- r }, WithLoopTime(20*time.Millisecond))

	r := newRun()
	q.Schedule(ctx, time.Now().Add(100*time.Millisecond), r)

	select {
	case got := <-started:
		if got.RunID() != r.RunID() {
			t.Fatalf("dispatched wrong run")
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for dispatch")
	}
}

func TestImmediateDispatch(t *testing.T) {
	started := make(chan *run.Run, 1)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	q := New(ctx, func(_ context.Context, r *run.Run) { started <- r }, WithLoopTime(20*time.Millisecond))

	r := newRun()
	q.Schedule(ctx, time.Now().Add(-time.Second), r)

	select {
	case <-started:
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for immediate dispatch")
	}

	if q.Len() != 0 {
		t.Fatalf("expected no heap insertion for immediate dispatch, got len %d", q.Len())
	}
}

func TestCancellationRace(t *testing.T) {
	var mu sync.Mutex
	var started bool

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	q := New(ctx, func(_ context.Context, r *run.Run) {
		mu.Lock()
		started = true
		mu.Unlock()
	}, WithLoopTime(20*time.Millisecond))

	r := newRun()
	q.Schedule(ctx, time.Now().Add(300*time.Millisecond), r)

	time.Sleep(50 * time.Millisecond)
	if !q.Unschedule(r) {
		t.Fatalf("expected unschedule to succeed")
	}

	time.Sleep(400 * time.Millisecond)
	mu.Lock()
	defer mu.Unlock()
	if started {
		t.Fatalf("expected dispatch never to have been invoked")
	}
}

func TestUnscheduleNotScheduledReturnsFalse(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	q := New(ctx, func(context.Context, *run.Run) {})

	r := newRun()
	if q.Unschedule(r) {
		t.Fatalf("expected false for a never-scheduled run")
	}

	q.Schedule(ctx, time.Now().Add(time.Hour), r)
	if !q.Unschedule(r) {
		t.Fatalf("expected true on first unschedule")
	}
	if q.Unschedule(r) {
		t.Fatalf("expected false on second unschedule")
	}
}
