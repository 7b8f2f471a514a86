// Package workspace provides the per-run scratch directory used while a
// program is being launched and run: the stdin blob (transient), the
// merged output file, and the pid file.
package workspace

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/pkg/errors"
)

const (
	// stdinMode is the mode of the transient stdin file; it is unlinked
	// immediately after the child opens it.
	stdinMode = 0o400
	// outMode is the mode of the merged-output file.
	outMode = 0o400
	// pidMode is the mode of the pid file.
	pidMode = 0o400
)

// New creates a Workspace: a unique directory under root.
func New(root string) (*Workspace, error) {
	dir, err := os.MkdirTemp(root, "")
	if err != nil {
		return nil, errors.Wrap(err, "create workspace directory")
	}
	return &Workspace{dir: dir}, nil
}

// Workspace is the scratch directory backing a single run. It is written to
// by exactly one run and read externally only once that run is terminal.
type Workspace struct {
	dir string

	outPath string
	pidPath bool // whether WritePID has written the pid file
}

// Dir returns the workspace's root directory.
func (w *Workspace) Dir() string {
	return w.dir
}

// OutPath returns the path of the merged-output file, valid once OpenOut has
// been called.
func (w *Workspace) OutPath() string {
	return w.outPath
}

// OpenStdin writes blob to a transient file, opens it read-only, unlinks it
// (the child keeps the open fd), and returns the fd. If blob is nil, it
// returns -1: no stdin redirection. The caller is responsible for closing
// the returned fd once it is no longer needed by the child.
func (w *Workspace) OpenStdin(blob []byte) (int, error) {
	if blob == nil {
		return -1, nil
	}

	path := filepath.Join(w.dir, "stdin")
	if err := os.WriteFile(path, blob, stdinMode); err != nil {
		return -1, errors.Wrap(err, "write stdin blob")
	}

	f, err := os.OpenFile(path, os.O_RDONLY, stdinMode)
	if err != nil {
		return -1, errors.Wrap(err, "open stdin file")
	}
	fd := dup(f)
	f.Close()

	if err := os.Remove(path); err != nil {
		closeFD(fd)
		return -1, errors.Wrap(err, "unlink stdin file")
	}
	return fd, nil
}

// OpenOut creates the merged-output file with O_CREAT|O_EXCL and returns its
// fd, which the launcher dup's onto the child's stdout and stderr. The file
// persists after the fd is closed; it is removed only by Clean.
func (w *Workspace) OpenOut() (int, error) {
	path := filepath.Join(w.dir, "out")
	f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, outMode)
	if err != nil {
		return -1, errors.Wrap(err, "create output file")
	}
	w.outPath = path
	fd := dup(f)
	f.Close()
	return fd, nil
}

// WritePID writes the decimal pid followed by a newline to the pid file.
func (w *Workspace) WritePID(pid int) error {
	path := filepath.Join(w.dir, "pid")
	if err := os.WriteFile(path, []byte(fmt.Sprintf("%d\n", pid)), pidMode); err != nil {
		return errors.Wrap(err, "write pid file")
	}
	w.pidPath = true
	return nil
}

// ReadOutput reads the full content of the merged-output file. Valid once
// OpenOut has succeeded.
func (w *Workspace) ReadOutput() ([]byte, error) {
	if w.outPath == "" {
		return nil, nil
	}
	b, err := os.ReadFile(w.outPath)
	if err != nil {
		return nil, errors.Wrap(err, "read output file")
	}
	return b, nil
}

// Clean removes the out and pid files, if present, then removes the
// workspace directory. Clean is safe to call more than once.
func (w *Workspace) Clean() error {
	if w.dir == "" {
		return nil
	}

	if w.outPath != "" {
		if err := os.Remove(w.outPath); err != nil && !os.IsNotExist(err) {
			return errors.Wrap(err, "remove output file")
		}
		w.outPath = ""
	}
	if w.pidPath {
		if err := os.Remove(filepath.Join(w.dir, "pid")); err != nil && !os.IsNotExist(err) {
			return errors.Wrap(err, "remove pid file")
		}
		w.pidPath = false
	}

	if err := os.Remove(w.dir); err != nil && !os.IsNotExist(err) {
		return errors.Wrap(err, "remove workspace directory")
	}
	w.dir = ""
	return nil
}
