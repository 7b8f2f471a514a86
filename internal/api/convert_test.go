package api

import (
	"testing"
	"time"

	"github.com/asteris-run/apsis/internal/run"
)

func newTestRun(jobID string) *run.Run {
	inst := run.Instance{InstID: "inst-1", JobID: jobID, ScheduledTime: time.Now()}
	return run.New(inst, 1, time.Now(), nil)
}

func TestConvertRunScheduledActions(t *testing.T) {
	r := newTestRun("job-1")
	got := convertRun(r, "/api/v1", true)

	if got.RunID != r.RunID() || got.JobID != "job-1" {
		t.Fatalf("unexpected conversion: %+v", got)
	}
	if got.State != "SCHEDULED" {
		t.Fatalf("expected SCHEDULED, got %s", got.State)
	}

	if _, ok := got.Actions["cancel"]; !ok {
		t.Fatalf("expected cancel action for a scheduled run, got %v", got.Actions)
	}
	if _, ok := got.Actions["start"]; !ok {
		t.Fatalf("expected start action for a scheduled run, got %v", got.Actions)
	}
	if _, ok := got.Actions["rerun"]; ok {
		t.Fatalf("did not expect rerun action on a non-terminal run")
	}
}

func TestConvertRunRerunGatedByHighestNumbered(t *testing.T) {
	r := newTestRun("job-1")
	if err := r.MarkRunning(123, "/tmp/out", time.Now()); err != nil {
		t.Fatalf("mark running: %v", err)
	}
	if err := r.Finish(true, 0, run.Rusage{}, []byte("hello\n"), time.Now()); err != nil {
		t.Fatalf("finish: %v", err)
	}

	notHighest := convertRun(r, "/api/v1", false)
	if _, ok := notHighest.Actions["rerun"]; ok {
		t.Fatalf("did not expect rerun action when not highest numbered")
	}

	highest := convertRun(r, "/api/v1", true)
	if _, ok := highest.Actions["rerun"]; !ok {
		t.Fatalf("expected rerun action when highest numbered and terminal")
	}
	if highest.OutputURL == "" {
		t.Fatalf("expected output_url once output exists")
	}
}

func TestConvertRunExceptionPropagates(t *testing.T) {
	r := newTestRun("job-1")
	if err := r.MarkError(run.Exception{Message: "boom", Op: "exec"}, time.Now()); err != nil {
		t.Fatalf("mark error: %v", err)
	}
	got := convertRun(r, "/api/v1", true)
	if got.Exception == nil || got.Exception.Op != "exec" || got.Exception.Message != "boom" {
		t.Fatalf("expected exception to be carried over, got %+v", got.Exception)
	}
}
