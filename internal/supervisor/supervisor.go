// Package supervisor implements the supervisor registry (spec.md §4.C): it
// maps run-id to run record and pid to run record, starts runs via
// internal/launcher and internal/workspace, and reaps terminated children
// asynchronously off the OS child-death signal.
//
// Registry state (the run, pid and workspace maps) is guarded by a mutex.
// Start, Cancel and reap run on whichever goroutine calls them: the queue's
// dispatch goroutines, HTTP handlers, and the goroutine running Run. They
// are not funnelled through a single owning goroutine, so transitions
// published from different goroutines are not ordered with respect to one
// another.
package supervisor

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/asteris-run/apsis/internal/launcher"
	"github.com/asteris-run/apsis/internal/log"
	"github.com/asteris-run/apsis/internal/run"
	"github.com/asteris-run/apsis/internal/workspace"

	"golang.org/x/sys/unix"
)

var logger = log.New(os.Stdout, "supervisor")

// Program is the fully-resolved argv/cwd/env/stdin a run should be started
// with; the caller (internal/core, using the program package) is
// responsible for turning a program specification into one of these.
type Program struct {
	Argv  []string
	Cwd   string
	Env   map[string]string
	Stdin []byte
}

// ProgramFunc resolves a run's program at start time.
type ProgramFunc func(r *run.Run) (Program, error)

// Registry is the supervisor registry.
type Registry struct {
	root    string
	program ProgramFunc
	onEvent func(*run.Run)

	mutex sync.Mutex
	runs  map[string]*run.Run
	pids  map[int]*run.Run
	ws    map[string]*workspace.Workspace

	sigchld chan os.Signal
}

// New creates a Registry. root is the parent directory under which each
// run's workspace is created. program resolves a scheduled run's argv/
// cwd/env/stdin. onEvent, if non-nil, is called after every state
// transition (the hook internal/store uses to fan out to live
// subscribers).
func New(root string, program ProgramFunc, onEvent func(*run.Run)) *Registry {
	return &Registry{
		root:    root,
		program: program,
		onEvent: onEvent,
		runs:    make(map[string]*run.Run),
		pids:    make(map[int]*run.Run),
		ws:      make(map[string]*workspace.Workspace),
		sigchld: make(chan os.Signal, 64),
	}
}

// Track registers a run the registry should know about (e.g. right after
// creation, before it is scheduled), so queries can find it immediately.
func (reg *Registry) Track(r *run.Run) {
	reg.mutex.Lock()
	reg.runs[r.RunID()] = r
	reg.mutex.Unlock()
}

// Get returns a tracked run by id.
func (reg *Registry) Get(runID string) (*run.Run, bool) {
	reg.mutex.Lock()
	defer reg.mutex.Unlock()
	r, ok := reg.runs[runID]
	return r, ok
}

// Delete removes a run's record and cleans up its workspace, if any. Safe
// to call once a run is terminal.
func (reg *Registry) Delete(runID string) error {
	reg.mutex.Lock()
	ws, ok := reg.ws[runID]
	delete(reg.ws, runID)
	delete(reg.runs, runID)
	reg.mutex.Unlock()

	if ok && ws != nil {
		return ws.Clean()
	}
	return nil
}

// Run starts the signal-handling loop. It blocks until ctx is cancelled.
func (reg *Registry) Run(ctx context.Context) {
	signal.Notify(reg.sigchld, syscall.SIGCHLD)
	defer signal.Stop(reg.sigchld)

	for {
		select {
		case <-ctx.Done():
			return
		case <-reg.sigchld:
			reg.onSIGCHLD()
		}
	}
}

// Start is the queue's start callback: it requires run.State()==SCHEDULED,
// prepares a workspace, launches the program, and on success transitions
// the run to RUNNING and maps its pid. On any launcher error the run is
// parked in ERROR and its workspace is cleaned. It never panics the caller
// on a launcher failure; it does clean up and re-panic on anything else
// (e.g. the goroutine being killed by a fatal, non-error interrupt).
func (reg *Registry) Start(ctx context.Context, r *run.Run) {
	if r.State() != run.SCHEDULED {
		return
	}

	prog, err := reg.program(r)
	if err != nil {
		reg.fail(r, "resolve program", err)
		return
	}

	ws, err := workspace.New(reg.root)
	if err != nil {
		reg.fail(r, "create workspace", err)
		return
	}

	succeeded := false
	defer func() {
		if p := recover(); p != nil {
			_ = ws.Clean()
			panic(p)
		}
		if !succeeded {
			_ = ws.Clean()
		}
	}()

	stdinFD, err := ws.OpenStdin(prog.Stdin)
	if err != nil {
		reg.fail(r, "open stdin", err)
		return
	}
	defer closeFD(stdinFD)

	outFD, err := ws.OpenOut()
	if err != nil {
		reg.fail(r, "open output", err)
		return
	}
	defer closeFD(outFD)

	res, err := launcher.Launch(prog.Argv, prog.Cwd, prog.Env, stdinFD, outFD)
	if err != nil {
		reg.fail(r, classifyOp(err), err)
		return
	}

	if err := ws.WritePID(res.PID); err != nil {
		logger.Warnf("write pid file; run: %s, error: %v", r.RunID(), err)
	}

	if err := r.MarkRunning(res.PID, ws.OutPath(), time.Now()); err != nil {
		logger.Errorf("mark running; run: %s, error: %v", r.RunID(), err)
		return
	}

	reg.mutex.Lock()
	reg.pids[res.PID] = r
	reg.ws[r.RunID()] = ws
	reg.mutex.Unlock()
	succeeded = true

	logger.Infof("started run: %s, pid: %d", r.RunID(), res.PID)
	reg.notify(r)
}

func classifyOp(err error) string {
	var execErr *launcher.ExecError
	if errors.As(err, &execErr) {
		return execErr.Op
	}
	return "launch"
}

func (reg *Registry) fail(r *run.Run, op string, err error) {
	if markErr := r.MarkError(run.Exception{Message: err.Error(), Op: op}, time.Now()); markErr != nil {
		logger.Errorf("mark error; run: %s, error: %v", r.RunID(), markErr)
		return
	}
	logger.Infof("start error: run: %s, op: %s, error: %v", r.RunID(), op, err)
	reg.notify(r)
}

// Cancel requires run.State()==SCHEDULED; it removes the run from the
// scheduled queue via unschedule and marks it CANCELLED. unschedule is
// supplied by the caller (internal/core), which owns the queue reference.
func (reg *Registry) Cancel(r *run.Run, unschedule func(*run.Run) bool) error {
	if r.State() != run.SCHEDULED {
		return &run.ErrInvalidTransition{RunID: r.RunID(), From: r.State(), Op: "cancel"}
	}
	if !unschedule(r) {
		// The dispatch loop already popped r and is starting it
		// concurrently; cancelling now would race Registry.Start.
		return &run.ErrInvalidTransition{RunID: r.RunID(), From: r.State(), Op: "cancel"}
	}
	if err := r.MarkCancelled(time.Now()); err != nil {
		return err
	}
	reg.notify(r)
	return nil
}

// Signal delivers signum to a running run's process.
func (reg *Registry) Signal(r *run.Run, signum syscall.Signal) error {
	pid, ok := r.PID()
	if !ok {
		return &run.ErrInvalidTransition{RunID: r.RunID(), From: r.State(), Op: "signal"}
	}
	return syscall.Kill(pid, signum)
}

// onSIGCHLD drains reap in a loop until no more children are reapable,
// since a single SIGCHLD can coalesce multiple deaths.
func (reg *Registry) onSIGCHLD() {
	count := 0
	for reg.reap() {
		count++
	}
	if count == 0 {
		logger.Warnf("SIGCHLD received but no child reaped")
	}
}

// reap issues a non-blocking wait4(-1, ...). It returns false if no child
// was ready.
func (reg *Registry) reap() bool {
	var status unix.WaitStatus
	var rusage unix.Rusage

	pid, err := unix.Wait4(-1, &status, unix.WNOHANG|unix.WUNTRACED|unix.WCONTINUED, &rusage)
	if err != nil {
		if errors.Is(err, unix.ECHILD) {
			return false
		}
		logger.Errorf("wait4; error: %v", err)
		return false
	}
	if pid <= 0 {
		return false
	}
	if status.Stopped() || status.Continued() {
		// WUNTRACED/WCONTINUED report stops and resumes; the child is still
		// alive and keeps its pid mapping until it terminates.
		return true
	}

	reg.mutex.Lock()
	r, ok := reg.pids[pid]
	if ok {
		delete(reg.pids, pid)
	}
	reg.mutex.Unlock()

	if !ok {
		logger.Warnf("reaped unknown child pid %d", pid)
		return true
	}

	logger.Infof("reaped child: pid=%d status=%d", pid, int(status))

	success := status.Exited() && status.ExitStatus() == 0
	output := reg.readOutput(r)

	if err := r.Finish(success, int(status), run.Rusage{
		UserTime:   time.Duration(rusage.Utime.Nano()),
		SystemTime: time.Duration(rusage.Stime.Nano()),
		MaxRSS:     rusage.Maxrss,
	}, output, time.Now()); err != nil {
		logger.Errorf("finish run; run: %s, error: %v", r.RunID(), err)
	}

	reg.notify(r)
	return true
}

func (reg *Registry) readOutput(r *run.Run) []byte {
	reg.mutex.Lock()
	ws, ok := reg.ws[r.RunID()]
	reg.mutex.Unlock()
	if !ok {
		return nil
	}
	b, err := ws.ReadOutput()
	if err != nil {
		logger.Errorf("read output; run: %s, error: %v", r.RunID(), err)
		return nil
	}
	return b
}

func (reg *Registry) notify(r *run.Run) {
	if reg.onEvent != nil {
		reg.onEvent(r)
	}
}

func closeFD(fd int) {
	if fd >= 0 {
		_ = unix.Close(fd)
	}
}
