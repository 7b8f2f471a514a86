package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"syscall"

	"github.com/asteris-run/apsis/internal/launcher"
	"github.com/asteris-run/apsis/internal/program"
	"github.com/asteris-run/apsis/internal/workspace"

	"golang.org/x/sys/unix"
)

// runLaunch implements the single-shot launcher tool (spec.md §6): read a
// program.Spec as JSON from stdin, run it to completion, and write a
// program.Result as JSON to stdout. It replaces the teacher's reexec
// subcommand, which played the analogous "grandchild actually execs the
// user's command" role in the grpc/cgroup design.
//
// Output is always merged: the workspace package models a single captured
// stream, so StdoutPath and StderrPath in the result both point at it
// regardless of the spec's combine_stderr value. combine_stderr is still
// recorded on the result for callers that care.
func runLaunch(ctx context.Context) int {
	data, err := io.ReadAll(os.Stdin)
	if err != nil {
		return reportLaunchError(fmt.Errorf("read program spec: %w", err))
	}

	spec, err := program.Parse(data)
	if err != nil {
		return reportLaunchError(err)
	}

	root := *workspaceDir
	if root == "" {
		root = os.TempDir()
	}
	ws, err := workspace.New(root)
	if err != nil {
		return reportLaunchError(fmt.Errorf("create workspace: %w", err))
	}

	outFD, err := ws.OpenOut()
	if err != nil {
		return reportLaunchError(fmt.Errorf("open output: %w", err))
	}
	defer closeFD(outFD)

	res, err := launcher.Launch(spec.ResolvedArgv(), spec.ResolvedCwd(), spec.Env(), -1, outFD)
	if err != nil {
		return reportLaunchError(err)
	}

	var status unix.WaitStatus
	var rusage unix.Rusage
	for {
		_, err = unix.Wait4(res.PID, &status, 0, &rusage)
		if err == syscall.EINTR {
			continue
		}
		break
	}
	if err != nil {
		return reportLaunchError(fmt.Errorf("wait4 pid %d: %w", res.PID, err))
	}

	result := program.Result{
		PID:           res.PID,
		Cwd:           spec.ResolvedCwd(),
		Env:           spec.Env(),
		Argv:          spec.ResolvedArgv(),
		CombineStderr: spec.CombineStderr,
		StdoutPath:    ws.OutPath(),
		StderrPath:    ws.OutPath(),
		Status:        int(status),
		Rusage: program.NewRusage(
			float64(rusage.Utime.Nano())/1e9,
			float64(rusage.Stime.Nano())/1e9,
			rusage.Maxrss,
		),
	}
	if status.Exited() {
		rc := status.ExitStatus()
		result.ReturnCode = &rc
	}
	if status.Signaled() {
		sig := unix.SignalName(status.Signal())
		result.Signal = &sig
	}

	enc := json.NewEncoder(os.Stdout)
	if err := enc.Encode(result); err != nil {
		logger.Errorf("encode launch result; error: %v", err)
		return ecLaunch
	}
	return ecSuccess
}

func reportLaunchError(err error) int {
	fmt.Fprintf(os.Stderr, `{"error":%q}`+"\n", err.Error())
	return ecLaunch
}

func closeFD(fd int) {
	if fd >= 0 {
		_ = unix.Close(fd)
	}
}
