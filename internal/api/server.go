// Package api's server.go wires the façade's routes, grounded on the
// teacher's grpc/server.go request-validate-then-call-service shape,
// adapted from a JobWorker grpc.Server to a gorilla/mux http.Handler (the
// only transport-layer dependency pulled from outside the teacher's own
// go.mod, grounded on hashicorp-nomad's use of gorilla/mux and
// gorilla/websocket for its own HTTP API).
package api

import (
	"encoding/json"
	"net/http"
	"os"
	"time"

	"github.com/asteris-run/apsis/internal/core"
	"github.com/asteris-run/apsis/internal/log"
	"github.com/asteris-run/apsis/internal/program"
	"github.com/asteris-run/apsis/internal/run"
	"github.com/asteris-run/apsis/internal/store"
	"github.com/asteris-run/apsis/internal/validator"

	"github.com/gorilla/mux"
)

var logger = log.New(os.Stdout, "api")

// Server is the façade's HTTP handler.
type Server struct {
	core    *core.Core
	baseURL string
	router  *mux.Router
}

// NewServer builds a Server wired to c. baseURL prefixes every link in a
// response body, e.g. "/api/v1".
func NewServer(c *core.Core, baseURL string) *Server {
	s := &Server{core: c, baseURL: baseURL}
	s.router = mux.NewRouter()
	s.routes()
	return s
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

func (s *Server) routes() {
	api := s.router.PathPrefix(s.baseURL).Subrouter()

	api.HandleFunc("/jobs", s.listJobs).Methods(http.MethodGet)
	api.HandleFunc("/jobs/{job_id}", s.getJob).Methods(http.MethodGet)
	api.HandleFunc("/jobs/{job_id}/runs", s.listJobRuns).Methods(http.MethodGet)

	api.HandleFunc("/runs", s.listRuns).Methods(http.MethodGet)
	api.HandleFunc("/runs", s.scheduleRun).Methods(http.MethodPost)
	api.HandleFunc("/runs/{run_id}", s.getRun).Methods(http.MethodGet)
	api.HandleFunc("/runs/{run_id}/state", s.getRunState).Methods(http.MethodGet)
	api.HandleFunc("/runs/{run_id}/output", s.getRunOutput).Methods(http.MethodGet)
	api.HandleFunc("/runs/{run_id}/cancel", s.cancelRun).Methods(http.MethodPost)
	api.HandleFunc("/runs/{run_id}/start", s.startRun).Methods(http.MethodPost)
	api.HandleFunc("/runs/{run_id}/rerun", s.rerunRun).Methods(http.MethodPost)

	api.HandleFunc("/runs-live", s.runsLive)
}

func (s *Server) listJobs(w http.ResponseWriter, r *http.Request) {
	jobs := s.core.Catalogue.List()
	out := make([]jobJSON, len(jobs))
	for i, j := range jobs {
		out[i] = convertJob(j, s.baseURL)
	}
	writeJSON(w, http.StatusOK, map[string]any{"jobs": out})
}

func (s *Server) getJob(w http.ResponseWriter, r *http.Request) {
	jobID := mux.Vars(r)["job_id"]
	job, err := s.core.Catalogue.Get(jobID)
	if err != nil {
		writeError(w, http.StatusNotFound, err)
		return
	}
	writeJSON(w, http.StatusOK, convertJob(job, s.baseURL))
}

func (s *Server) listJobRuns(w http.ResponseWriter, r *http.Request) {
	jobID := mux.Vars(r)["job_id"]
	when, runs := s.core.Store.RunsForJob(jobID)
	writeJSON(w, http.StatusOK, s.convertRuns(when, runs))
}

func (s *Server) listRuns(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	f := storeFilterFromQuery(q)
	when, runs := s.core.Store.Query(f)
	writeJSON(w, http.StatusOK, s.convertRuns(when, runs))
}

func (s *Server) getRun(w http.ResponseWriter, r *http.Request) {
	rec, ok := s.lookupRun(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, s.convertOne(rec))
}

func (s *Server) getRunState(w http.ResponseWriter, r *http.Request) {
	rec, ok := s.lookupRun(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"state": string(rec.State())})
}

func (s *Server) cancelRun(w http.ResponseWriter, r *http.Request) {
	rec, ok := s.lookupRun(w, r)
	if !ok {
		return
	}
	if err := s.core.Cancel(rec); err != nil {
		writeError(w, http.StatusConflict, err)
		return
	}
	writeJSON(w, http.StatusOK, s.convertOne(rec))
}

func (s *Server) startRun(w http.ResponseWriter, r *http.Request) {
	rec, ok := s.lookupRun(w, r)
	if !ok {
		return
	}
	if err := s.core.StartNow(r.Context(), rec); err != nil {
		writeError(w, http.StatusConflict, err)
		return
	}
	writeJSON(w, http.StatusOK, s.convertOne(rec))
}

func (s *Server) rerunRun(w http.ResponseWriter, r *http.Request) {
	rec, ok := s.lookupRun(w, r)
	if !ok {
		return
	}
	newRun, err := s.core.Rerun(r.Context(), rec)
	if err != nil {
		writeError(w, http.StatusConflict, err)
		return
	}
	writeJSON(w, http.StatusCreated, s.convertOne(newRun))
}

// scheduleRequest is the supplemented equivalent of original_source's
// schedule_command RPC: an ad hoc program run at a job id and time, rather
// than a pre-registered catalogue entry.
type scheduleRequest struct {
	JobID string            `json:"job_id"`
	Time  time.Time         `json:"time"`
	Args  map[string]string `json:"args,omitempty"`
	program.Spec
}

func (s *Server) scheduleRun(w http.ResponseWriter, r *http.Request) {
	var req scheduleRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	v := validator.New()
	v.Assert(req.JobID != "", "job_id empty")
	if err := v.Err(); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if err := req.Spec.Validate(); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	when := req.Time
	if when.IsZero() {
		when = time.Now()
	}

	r2 := s.core.ScheduleJobRun(r.Context(), req.JobID, req.Spec, when, req.Args)
	writeJSON(w, http.StatusCreated, s.convertOne(r2))
}

func (s *Server) lookupRun(w http.ResponseWriter, r *http.Request) (*run.Run, bool) {
	runID := mux.Vars(r)["run_id"]
	_, found, ok := s.core.Store.Get(runID)
	if !ok {
		writeError(w, http.StatusNotFound, validator.NewErrInvalidInput("unknown run id"))
		return nil, false
	}
	return found, true
}

func (s *Server) convertOne(r *run.Run) runJSON {
	return convertRun(r, s.baseURL, s.core.Store.IsHighestNumbered(r))
}

// convertRuns builds the {when, runs: {run_id: {...}}} envelope spec.md §6
// specifies, matching original_source's api.py query response shape.
func (s *Server) convertRuns(when time.Time, runs []*run.Run) map[string]any {
	out := make(map[string]runJSON, len(runs))
	for _, r := range runs {
		out[r.RunID()] = s.convertOne(r)
	}
	return map[string]any{"when": when.UTC().Format(time.RFC3339Nano), "runs": out}
}

func storeFilterFromQuery(q map[string][]string) (f store.Filter) {
	f.JobID = singleQueryValue(q, "job_id")
	f.RunID = singleQueryValue(q, "run_id")
	f.Since = parseTimeQueryValue(q, "since")
	f.Until = parseTimeQueryValue(q, "until")
	return f
}

func singleQueryValue(q map[string][]string, key string) *string {
	v, ok := q[key]
	if !ok || len(v) == 0 || v[0] == "" {
		return nil
	}
	return &v[0]
}

func parseTimeQueryValue(q map[string][]string, key string) *time.Time {
	v, ok := q[key]
	if !ok || len(v) == 0 || v[0] == "" {
		return nil
	}
	t, err := time.Parse(time.RFC3339, v[0])
	if err != nil {
		logger.Warnf("parse query time; key: %s, value: %s, error: %v", key, v[0], err)
		return nil
	}
	return &t
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Errorf("encode response; error: %v", err)
	}
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}
