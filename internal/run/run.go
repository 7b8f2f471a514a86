// Package run defines the Run entity and its state machine: the states a
// run passes through, the invariants on transitions between them, and the
// rerun operation.
package run

import (
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

// State is one of the run lifecycle states.
type State string

const (
	// SCHEDULED is the initial state: the run has a scheduled time but has
	// not yet been handed to the launcher.
	SCHEDULED State = "SCHEDULED"
	// RUNNING indicates the child process has been started.
	RUNNING State = "RUNNING"
	// SUCCESS is terminal: the child exited normally with code 0.
	SUCCESS State = "SUCCESS"
	// FAILURE is terminal: the child exited non-zero or was killed by a
	// signal.
	FAILURE State = "FAILURE"
	// ERROR is terminal: the run never started because the launcher failed.
	ERROR State = "ERROR"
	// CANCELLED is terminal: the run was cancelled while SCHEDULED.
	CANCELLED State = "CANCELLED"
)

// Terminal reports whether s is one of the terminal states.
func (s State) Terminal() bool {
	switch s {
	case SUCCESS, FAILURE, ERROR, CANCELLED:
		return true
	default:
		return false
	}
}

// ErrInvalidTransition indicates an operation was attempted against a run
// in a state that does not permit it.
type ErrInvalidTransition struct {
	RunID string
	From  State
	Op    string
}

func (e *ErrInvalidTransition) Error() string {
	return fmt.Sprintf("run %s: cannot %s from state %s", e.RunID, e.Op, e.From)
}

// Instance identifies the logical run instance: a job bound to concrete
// argument values and a scheduled time. Reruns of the same Instance share
// InstID and increment Number.
type Instance struct {
	InstID        string
	JobID         string
	Args          map[string]string
	ScheduledTime time.Time
}

// Exception records the error that parked a run in ERROR.
type Exception struct {
	Message string
	Op      string // e.g. "chdir", "exec", launcher-internal
}

// Rusage is a resource-usage snapshot captured at reap.
type Rusage struct {
	UserTime   time.Duration
	SystemTime time.Duration
	MaxRSS     int64
}

// Run is one attempt to execute a job instance's program at one scheduled
// time.
type Run struct {
	mutex sync.RWMutex

	runID  string
	inst   Instance
	number int

	state State
	times map[State]time.Time

	pid    *int
	status *int
	rusage *Rusage

	exception *Exception

	outputPath string
	output     []byte

	meta map[string]string
}

// New creates a Run in state SCHEDULED for inst, with the given run number
// (1 for an original run; max(inst)+1 for a rerun).
func New(inst Instance, number int, now time.Time, meta map[string]string) *Run {
	if meta == nil {
		meta = map[string]string{}
	}
	r := &Run{
		runID:  uuid.NewString(),
		inst:   inst,
		number: number,
		state:  SCHEDULED,
		times:  map[State]time.Time{SCHEDULED: now},
		meta:   meta,
	}
	return r
}

// RunID returns the run's unique identifier.
func (r *Run) RunID() string { return r.runID }

// Inst returns the run's instance.
func (r *Run) Inst() Instance {
	r.mutex.RLock()
	defer r.mutex.RUnlock()
	return r.inst
}

// Number returns the run's number within its instance.
func (r *Run) Number() int {
	r.mutex.RLock()
	defer r.mutex.RUnlock()
	return r.number
}

// State returns the run's current state.
func (r *Run) State() State {
	r.mutex.RLock()
	defer r.mutex.RUnlock()
	return r.state
}

// Times returns a copy of the state-entry time map.
func (r *Run) Times() map[State]time.Time {
	r.mutex.RLock()
	defer r.mutex.RUnlock()
	out := make(map[State]time.Time, len(r.times))
	for k, v := range r.times {
		out[k] = v
	}
	return out
}

// PID returns the run's pid and whether it is set (only while RUNNING).
func (r *Run) PID() (int, bool) {
	r.mutex.RLock()
	defer r.mutex.RUnlock()
	if r.pid == nil {
		return 0, false
	}
	return *r.pid, true
}

// Status returns the raw wait status recorded at reap, if any.
func (r *Run) Status() (int, bool) {
	r.mutex.RLock()
	defer r.mutex.RUnlock()
	if r.status == nil {
		return 0, false
	}
	return *r.status, true
}

// Rusage returns the resource-usage snapshot recorded at reap, if any.
func (r *Run) Rusage() (Rusage, bool) {
	r.mutex.RLock()
	defer r.mutex.RUnlock()
	if r.rusage == nil {
		return Rusage{}, false
	}
	return *r.rusage, true
}

// Exception returns the error recorded when the run entered ERROR, if any.
func (r *Run) Exception() (Exception, bool) {
	r.mutex.RLock()
	defer r.mutex.RUnlock()
	if r.exception == nil {
		return Exception{}, false
	}
	return *r.exception, true
}

// Meta returns a copy of the run's free-form display metadata.
func (r *Run) Meta() map[string]string {
	r.mutex.RLock()
	defer r.mutex.RUnlock()
	out := make(map[string]string, len(r.meta))
	for k, v := range r.meta {
		out[k] = v
	}
	return out
}

// SetMeta sets a single metadata key, e.g. "user" or "host".
func (r *Run) SetMeta(key, value string) {
	r.mutex.Lock()
	defer r.mutex.Unlock()
	r.meta[key] = value
}

// OutputPath returns the workspace output file path, set once the run
// starts running.
func (r *Run) OutputPath() string {
	r.mutex.RLock()
	defer r.mutex.RUnlock()
	return r.outputPath
}

// Output returns the captured merged output, populated after Finish. It is
// nil before the run has a workspace and before output has been collected.
func (r *Run) Output() []byte {
	r.mutex.RLock()
	defer r.mutex.RUnlock()
	return r.output
}

// MarkRunning transitions a SCHEDULED run to RUNNING. It requires state ==
// SCHEDULED.
func (r *Run) MarkRunning(pid int, outputPath string, now time.Time) error {
	r.mutex.Lock()
	defer r.mutex.Unlock()
	if r.state != SCHEDULED {
		return &ErrInvalidTransition{RunID: r.runID, From: r.state, Op: "start"}
	}
	r.state = RUNNING
	r.pid = &pid
	r.outputPath = outputPath
	r.times[RUNNING] = now
	return nil
}

// MarkError transitions a SCHEDULED run to ERROR: the launcher failed
// before the child could be started.
func (r *Run) MarkError(exc Exception, now time.Time) error {
	r.mutex.Lock()
	defer r.mutex.Unlock()
	if r.state != SCHEDULED {
		return &ErrInvalidTransition{RunID: r.runID, From: r.state, Op: "start(error)"}
	}
	r.state = ERROR
	r.exception = &exc
	r.times[ERROR] = now
	return nil
}

// MarkCancelled transitions a SCHEDULED run to CANCELLED.
func (r *Run) MarkCancelled(now time.Time) error {
	r.mutex.Lock()
	defer r.mutex.Unlock()
	if r.state != SCHEDULED {
		return &ErrInvalidTransition{RunID: r.runID, From: r.state, Op: "cancel"}
	}
	r.state = CANCELLED
	r.times[CANCELLED] = now
	return nil
}

// Finish transitions a RUNNING run to SUCCESS or FAILURE and records the
// wait status, rusage, and output. It requires state == RUNNING.
func (r *Run) Finish(success bool, status int, rusage Rusage, output []byte, now time.Time) error {
	r.mutex.Lock()
	defer r.mutex.Unlock()
	if r.state != RUNNING {
		return &ErrInvalidTransition{RunID: r.runID, From: r.state, Op: "reap"}
	}
	end := SUCCESS
	if !success {
		end = FAILURE
	}
	r.state = end
	r.status = &status
	r.rusage = &rusage
	r.output = output
	r.pid = nil
	r.times[end] = now
	return nil
}

// Actions reports which control-plane actions are currently available for
// this run, independent of whether it is the highest-numbered run for its
// instance (callers with access to that information, e.g. internal/api via
// internal/store's IsHighestNumbered, additionally gate "retry").
func (r *Run) Actions() (cancel, start, retryEligible bool) {
	r.mutex.RLock()
	defer r.mutex.RUnlock()
	switch r.state {
	case SCHEDULED:
		return true, true, false
	case FAILURE, ERROR, SUCCESS:
		return false, false, true
	default:
		return false, false, false
	}
}

// RerunEligible reports whether this run may be rerun in isolation (state
// check only; the "highest numbered" check belongs to the store, which
// knows about sibling runs).
func (r *Run) RerunEligible() bool {
	s := r.State()
	return s == FAILURE || s == ERROR || s == SUCCESS
}

// NewRerun creates a new Run for the same instance as src, numbered one
// past it, starting SCHEDULED at now. The caller (internal/core, using
// internal/store's IsHighestNumbered) is responsible for verifying src is
// the highest-numbered run for its instance before calling this.
func NewRerun(src *Run, now time.Time) (*Run, error) {
	if !src.RerunEligible() {
		return nil, &ErrInvalidTransition{RunID: src.runID, From: src.State(), Op: "rerun"}
	}
	return New(src.Inst(), src.Number()+1, now, src.Meta()), nil
}
