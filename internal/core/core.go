// Package core wires the scheduled-run queue (internal/queue), the
// supervisor registry (internal/supervisor), and the run store
// (internal/store) together: the glue spec.md §2's data-flow paragraph
// describes ("external scheduler logic computes (job, time) -> Run and
// calls D.schedule...").
package core

import (
	"context"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/asteris-run/apsis/internal/catalogue"
	"github.com/asteris-run/apsis/internal/log"
	"github.com/asteris-run/apsis/internal/program"
	"github.com/asteris-run/apsis/internal/queue"
	"github.com/asteris-run/apsis/internal/run"
	"github.com/asteris-run/apsis/internal/store"
	"github.com/asteris-run/apsis/internal/supervisor"

	"github.com/google/uuid"
)

var logger = log.New(os.Stdout, "core")

// Core is the assembled runtime: every scheduled run flows
// Queue -> Registry.Start -> (reap) -> Store.Publish.
type Core struct {
	Queue     *queue.Queue
	Registry  *supervisor.Registry
	Store     *store.Store
	Catalogue *catalogue.Catalogue

	// programs holds the resolved program.Spec for a run, keyed by run id;
	// set at schedule time since a Run itself carries no program field
	// (spec.md's Run is schedule/state bookkeeping, not program storage).
	programsMutex sync.RWMutex
	programs      map[string]program.Spec
}

// New assembles a Core. workspaceRoot is the parent directory for run
// workspaces; loopTime overrides the scheduled-queue dispatch loop period
// (0 keeps queue.DefaultLoopTime).
func New(ctx context.Context, workspaceRoot string, loopTime time.Duration) *Core {
	c := &Core{
		Store:     store.New(),
		Catalogue: catalogue.New(),
		programs:  make(map[string]program.Spec),
	}

	c.Registry = supervisor.New(workspaceRoot, c.resolveProgram, c.Store.Publish)

	var opts []queue.Option
	if loopTime > 0 {
		opts = append(opts, queue.WithLoopTime(loopTime))
	}
	c.Queue = queue.New(ctx, c.Registry.Start, opts...)

	go c.Registry.Run(ctx)

	return c
}

func (c *Core) resolveProgram(r *run.Run) (supervisor.Program, error) {
	spec, ok := c.lookupProgram(r)
	if !ok {
		return supervisor.Program{}, fmt.Errorf("no program registered for run %s", r.RunID())
	}
	return supervisor.Program{
		Argv: spec.ResolvedArgv(),
		Cwd:  spec.ResolvedCwd(),
		Env:  spec.Env(),
	}, nil
}

func (c *Core) lookupProgram(r *run.Run) (program.Spec, bool) {
	c.programsMutex.RLock()
	defer c.programsMutex.RUnlock()
	spec, ok := c.programs[r.RunID()]
	return spec, ok
}

func (c *Core) setProgram(r *run.Run, spec program.Spec) {
	c.programsMutex.Lock()
	defer c.programsMutex.Unlock()
	c.programs[r.RunID()] = spec
}

// Bootstrap materializes every job's explicit schedule times in the
// catalogue into scheduled runs.
func (c *Core) Bootstrap(ctx context.Context) {
	for _, job := range c.Catalogue.List() {
		for _, t := range job.Times {
			c.ScheduleJobRun(ctx, job.JobID, job.Program, t, nil)
		}
	}
}

// ScheduleJobRun creates a new Run for jobID at t and schedules it.
func (c *Core) ScheduleJobRun(ctx context.Context, jobID string, spec program.Spec, t time.Time, args map[string]string) *run.Run {
	inst := run.Instance{
		InstID:        uuid.NewString(),
		JobID:         jobID,
		Args:          args,
		ScheduledTime: t,
	}
	r := run.New(inst, 1, time.Now(), map[string]string{"job_id": jobID})
	c.track(r, spec)
	c.Queue.Schedule(ctx, t, r)
	return r
}

// Cancel cancels a SCHEDULED run.
func (c *Core) Cancel(r *run.Run) error {
	return c.Registry.Cancel(r, c.Queue.Unschedule)
}

// StartNow forces a SCHEDULED run to start immediately, unscheduling it
// from the queue first so the dispatch loop does not also start it. If
// Unschedule reports the dispatch loop already popped r (and is starting
// it concurrently), StartNow backs off rather than risk a second
// Registry.Start for the same run.
func (c *Core) StartNow(ctx context.Context, r *run.Run) error {
	if r.State() != run.State("SCHEDULED") {
		return &run.ErrInvalidTransition{RunID: r.RunID(), From: r.State(), Op: "start-now"}
	}
	if !c.Queue.Unschedule(r) {
		return &run.ErrInvalidTransition{RunID: r.RunID(), From: r.State(), Op: "start-now"}
	}
	c.Registry.Start(ctx, r)
	return nil
}

// Rerun creates and schedules a new run for r's instance, numbered one
// past it, provided r is terminal-eligible and the highest-numbered run
// for its instance.
func (c *Core) Rerun(ctx context.Context, r *run.Run) (*run.Run, error) {
	if !c.Store.IsHighestNumbered(r) {
		return nil, &run.ErrInvalidTransition{RunID: r.RunID(), From: r.State(), Op: "rerun"}
	}
	newRun, err := run.NewRerun(r, time.Now())
	if err != nil {
		return nil, err
	}

	spec, ok := c.lookupProgram(r)
	if !ok {
		return nil, fmt.Errorf("no program registered for run %s", r.RunID())
	}

	c.track(newRun, spec)
	c.Queue.Schedule(ctx, time.Now(), newRun)
	return newRun, nil
}

func (c *Core) track(r *run.Run, spec program.Spec) {
	c.setProgram(r, spec)
	c.Registry.Track(r)
	c.Store.Add(r)
	logger.Infof("tracking run: %s, job: %s, number: %d", r.RunID(), r.Inst().JobID, r.Number())
}
