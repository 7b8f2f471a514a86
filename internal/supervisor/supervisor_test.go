package supervisor

import (
	"context"
	"testing"
	"time"

	"github.com/asteris-run/apsis/internal/run"
)

func newScheduledRun() *run.Run {
	return run.New(run.Instance{InstID: "i", JobID: "j"}, 1, time.Now(), nil)
}

func waitForState(t *testing.T, r *run.Run, want run.State) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if r.State() == want {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for state %s, got %s", want, r.State())
}

func TestStartAndReapSuccess(t *testing.T) {
	dir := t.TempDir()
	reg := New(dir, func(*run.Run) (Program, error) {
		return Program{Argv: []string{"/bin/true"}}, nil
	}, nil)

	r := newScheduledRun()
	reg.Track(r)
	reg.Start(context.Background(), r)

	if r.State() != run.RUNNING {
		t.Fatalf("expected RUNNING, got %s", r.State())
	}
	pid, ok := r.PID()
	if !ok {
		t.Fatalf("expected pid to be set")
	}
	if _, ok := reg.pids[pid]; !ok {
		t.Fatalf("expected pid mapped in registry")
	}

	// Give the child a moment to exit, then reap directly (bypassing the
	// SIGCHLD plumbing, which this test does not install a handler for).
	time.Sleep(100 * time.Millisecond)
	for i := 0; i < 20 && r.State() == run.RUNNING; i++ {
		reg.reap()
		time.Sleep(10 * time.Millisecond)
	}

	if r.State() != run.SUCCESS {
		t.Fatalf("expected SUCCESS, got %s", r.State())
	}
	if _, ok := r.PID(); ok {
		t.Fatalf("expected no pid mapping once terminal")
	}
	if _, ok := reg.pids[pid]; ok {
		t.Fatalf("expected pid unmapped from registry")
	}
}

func TestStartFailureExecNotFound(t *testing.T) {
	dir := t.TempDir()
	reg := New(dir, func(*run.Run) (Program, error) {
		return Program{Argv: []string{"/no/such/binary"}}, nil
	}, nil)

	r := newScheduledRun()
	reg.Track(r)
	reg.Start(context.Background(), r)

	if r.State() != run.ERROR {
		t.Fatalf("expected ERROR, got %s", r.State())
	}
	if _, ok := r.Exception(); !ok {
		t.Fatalf("expected exception to be recorded")
	}
}

func TestNonZeroExitIsFailure(t *testing.T) {
	dir := t.TempDir()
	reg := New(dir, func(*run.Run) (Program, error) {
		return Program{Argv: []string{"/bin/sh", "-c", "exit 7"}}, nil
	}, nil)

	r := newScheduledRun()
	reg.Track(r)
	reg.Start(context.Background(), r)

	for i := 0; i < 50 && r.State() == run.RUNNING; i++ {
		reg.reap()
		time.Sleep(20 * time.Millisecond)
	}

	if r.State() != run.FAILURE {
		t.Fatalf("expected FAILURE, got %s", r.State())
	}
	status, ok := r.Status()
	if !ok {
		t.Fatalf("expected status to be recorded")
	}
	// WEXITSTATUS(status) == 7
	if (status>>8)&0xff != 7 {
		t.Fatalf("expected exit status 7, got %d", (status>>8)&0xff)
	}
}

func TestCancelOnlyScheduled(t *testing.T) {
	dir := t.TempDir()
	reg := New(dir, func(*run.Run) (Program, error) {
		return Program{Argv: []string{"/bin/sleep", "5"}}, nil
	}, nil)

	r := newScheduledRun()
	reg.Track(r)

	unscheduled := false
	if err := reg.Cancel(r, func(*run.Run) bool { unscheduled = true; return true }); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !unscheduled {
		t.Fatalf("expected unschedule to be called")
	}
	if r.State() != run.CANCELLED {
		t.Fatalf("expected CANCELLED, got %s", r.State())
	}

	reg.Start(context.Background(), r)
	if r.State() != run.CANCELLED {
		t.Fatalf("cancelled run must not be started; got %s", r.State())
	}
}
