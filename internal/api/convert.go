// Package api exposes the run store and supervisor registry over HTTP and a
// websocket live feed (spec.md §6), the stand-in for the out-of-scope
// external API façade. Handler and conversion shapes are grounded on the
// teacher's grpc/server.go (request validation via internal/validator) and
// grpc/convert.go (wire-type <-> domain-type conversion), adapted from gRPC
// messages to a JSON envelope matching original_source's api.py run_to_jso.
package api

import (
	"time"

	"github.com/asteris-run/apsis/internal/catalogue"
	"github.com/asteris-run/apsis/internal/run"
)

// jobJSON is the wire representation of a catalogue job.
type jobJSON struct {
	URL   string   `json:"url"`
	JobID string   `json:"job_id"`
	Argv  []string `json:"argv,omitempty"`
	Cmd   string   `json:"cmd,omitempty"`
}

func convertJob(j catalogue.Job, baseURL string) jobJSON {
	return jobJSON{
		URL:   baseURL + "/jobs/" + j.JobID,
		JobID: j.JobID,
		Argv:  j.Program.Argv,
		Cmd:   j.Program.Cmd,
	}
}

// runJSON is the wire representation of a run, matching original_source's
// run_to_jso envelope.
type runJSON struct {
	URL       string            `json:"url"`
	JobID     string            `json:"job_id"`
	JobURL    string            `json:"job_url"`
	InstID    string            `json:"inst_id"`
	Args      map[string]string `json:"args,omitempty"`
	Number    int               `json:"number"`
	RunID     string            `json:"run_id"`
	State     string            `json:"state"`
	Times     map[string]string `json:"times"`
	Meta      map[string]string `json:"meta,omitempty"`
	Actions   map[string]string `json:"actions"`
	OutputURL string            `json:"output_url,omitempty"`
	OutputLen int               `json:"output_len"`

	ScheduledTime string `json:"scheduled_time"`

	Exception *exceptionJSON `json:"exception,omitempty"`
}

type exceptionJSON struct {
	Message string `json:"message"`
	Op      string `json:"op"`
}

// convertRun builds a run's wire representation, relative to baseURL (e.g.
// "/api/v1"). highestNumbered indicates whether r is the highest-numbered
// run for its instance, gating the "rerun" action; the store is the only
// component with visibility across sibling runs, so the caller must supply
// this.
func convertRun(r *run.Run, baseURL string, highestNumbered bool) runJSON {
	times := make(map[string]string, 4)
	for state, t := range r.Times() {
		times[string(state)] = t.UTC().Format(time.RFC3339Nano)
	}

	cancel, start, retryEligible := r.Actions()
	actions := make(map[string]string)
	if cancel {
		actions["cancel"] = baseURL + "/runs/" + r.RunID() + "/cancel"
	}
	if start {
		actions["start"] = baseURL + "/runs/" + r.RunID() + "/start"
	}
	if retryEligible && highestNumbered {
		actions["rerun"] = baseURL + "/runs/" + r.RunID() + "/rerun"
	}

	out := runJSON{
		URL:           baseURL + "/runs/" + r.RunID(),
		JobID:         r.Inst().JobID,
		JobURL:        baseURL + "/jobs/" + r.Inst().JobID,
		InstID:        r.Inst().InstID,
		Args:          r.Inst().Args,
		Number:        r.Number(),
		RunID:         r.RunID(),
		State:         string(r.State()),
		Times:         times,
		Meta:          r.Meta(),
		Actions:       actions,
		OutputLen:     len(r.Output()),
		ScheduledTime: r.Inst().ScheduledTime.UTC().Format(time.RFC3339Nano),
	}
	if out.OutputLen > 0 || r.State() == run.RUNNING {
		out.OutputURL = baseURL + "/runs/" + r.RunID() + "/output"
	}
	if exc, ok := r.Exception(); ok {
		out.Exception = &exceptionJSON{Message: exc.Message, Op: exc.Op}
	}
	return out
}
