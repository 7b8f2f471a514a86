package store

import (
	"context"
	"testing"
	"time"

	"github.com/asteris-run/apsis/internal/run"
)

func TestQueryByJobID(t *testing.T) {
	s := New()
	r1 := run.New(run.Instance{InstID: "i1", JobID: "a"}, 1, time.Now(), nil)
	r2 := run.New(run.Instance{InstID: "i2", JobID: "b"}, 1, time.Now(), nil)
	s.Add(r1)
	s.Add(r2)

	jobID := "a"
	_, got := s.Query(Filter{JobID: &jobID})
	if len(got) != 1 || got[0].RunID() != r1.RunID() {
		t.Fatalf("expected only r1, got %d runs", len(got))
	}
}

func TestMaxRunNumberAndHighest(t *testing.T) {
	s := New()
	r1 := run.New(run.Instance{InstID: "i1", JobID: "a"}, 1, time.Now(), nil)
	r2 := run.New(run.Instance{InstID: "i1", JobID: "a"}, 2, time.Now(), nil)
	s.Add(r1)
	s.Add(r2)

	if s.MaxRunNumber("i1") != 2 {
		t.Fatalf("expected max run number 2, got %d", s.MaxRunNumber("i1"))
	}
	if s.IsHighestNumbered(r1) {
		t.Fatalf("expected r1 not highest")
	}
	if !s.IsHighestNumbered(r2) {
		t.Fatalf("expected r2 highest")
	}
}

func TestLiveSubscriptionReceivesPublish(t *testing.T) {
	s := New()
	sub := s.QueryLive()
	defer sub.Close()

	r := run.New(run.Instance{InstID: "i1", JobID: "a"}, 1, time.Now(), nil)
	s.Publish(r)

	select {
	case ev := <-sub.Events():
		if len(ev.Runs) != 1 || ev.Runs[0].RunID() != r.RunID() {
			t.Fatalf("unexpected event payload")
		}
	case <-time.After(time.Second):
		t.Fatalf("timed out waiting for event")
	}
}

func TestQueryLiveScopedClosesOnCancel(t *testing.T) {
	s := New()
	ctx, cancel := context.WithCancel(context.Background())
	sub := s.QueryLiveScoped(ctx)
	cancel()

	time.Sleep(50 * time.Millisecond)

	s.subMutex.Lock()
	_, stillRegistered := s.subs[sub]
	s.subMutex.Unlock()
	if stillRegistered {
		t.Fatalf("expected subscription to be deregistered after ctx cancellation")
	}
}
