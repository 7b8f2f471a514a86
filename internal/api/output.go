package api

import (
	"io"
	"net/http"
	"os"
	"time"

	"github.com/asteris-run/apsis/internal/fsnotify"
	"github.com/asteris-run/apsis/internal/run"
)

const outputPollInterval = 200 * time.Millisecond

// getRunOutput serves a run's captured output. With ?follow=true on a run
// still RUNNING, it streams new bytes as they are written instead of
// returning a single snapshot, tailing the workspace output file with
// internal/fsnotify the way the teacher's watch package tailed log output
// for its own output streaming RPC.
func (s *Server) getRunOutput(w http.ResponseWriter, r *http.Request) {
	rec, ok := s.lookupRun(w, r)
	if !ok {
		return
	}

	if r.URL.Query().Get("follow") != "true" || rec.State().Terminal() {
		w.Header().Set("Content-Type", "application/octet-stream")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write(rec.Output())
		return
	}

	s.followOutput(w, r, rec)
}

func (s *Server) followOutput(w http.ResponseWriter, r *http.Request, rec *run.Run) {
	path := rec.OutputPath()
	if path == "" {
		w.WriteHeader(http.StatusOK)
		return
	}

	f, err := os.Open(path)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	defer f.Close()

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	defer watcher.Close()
	if _, err := watcher.AddWatch(path); err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}

	w.Header().Set("Content-Type", "application/octet-stream")
	w.WriteHeader(http.StatusOK)
	flusher, canFlush := w.(http.Flusher)

	copyNew := func() {
		if n, err := io.Copy(w, f); n > 0 && canFlush {
			flusher.Flush()
		} else if err != nil {
			logger.Warnf("copy run output; run: %s, error: %v", rec.RunID(), err)
		}
	}

	copyNew()

	poll := time.NewTicker(outputPollInterval)
	defer poll.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case _, ok := <-watcher.Events:
			if !ok {
				return
			}
			copyNew()
		case <-poll.C:
			copyNew()
			if rec.State().Terminal() {
				copyNew()
				return
			}
		}
	}
}
