package api

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestFollowOutputStreamsUntilTerminal(t *testing.T) {
	s, _ := newTestServer(t)

	body, _ := json.Marshal(map[string]any{
		"job_id": "job-1",
		"argv":   []string{"/bin/sh", "-c", "echo one; sleep 0.3; echo two"},
	})
	rec := httptest.NewRecorder()
	s.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/v1/runs", bytes.NewReader(body)))
	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", rec.Code, rec.Body.String())
	}
	var created runJSON
	if err := json.Unmarshal(rec.Body.Bytes(), &created); err != nil {
		t.Fatalf("decode response: %v", err)
	}

	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		probe := httptest.NewRecorder()
		s.ServeHTTP(probe, httptest.NewRequest(http.MethodGet, "/api/v1/runs/"+created.RunID, nil))
		var got runJSON
		_ = json.Unmarshal(probe.Body.Bytes(), &got)
		if got.State == "RUNNING" {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	req := httptest.NewRequest(http.MethodGet, "/api/v1/runs/"+created.RunID+"/output?follow=true", nil).WithContext(ctx)
	followRec := httptest.NewRecorder()
	s.ServeHTTP(followRec, req)

	waitForRunState(t, s, created.RunID, "SUCCESS")

	out, err := io.ReadAll(followRec.Body)
	if err != nil {
		t.Fatalf("read follow body: %v", err)
	}
	if !bytes.Contains(out, []byte("one")) {
		t.Fatalf("expected streamed output to contain \"one\", got %q", out)
	}
}
