package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/asteris-run/apsis/internal/api"
	"github.com/asteris-run/apsis/internal/catalogue"
	"github.com/asteris-run/apsis/internal/core"
	"github.com/asteris-run/apsis/internal/encrypt"
	"github.com/asteris-run/apsis/internal/log"
	"github.com/asteris-run/apsis/internal/program"
)

var logger = log.New(os.Stdout, "cli")

func runServe(ctx context.Context) int {
	root := *workspaceDir
	if root == "" {
		dir, err := os.MkdirTemp("", "apsis-workspace-*")
		if err != nil {
			logger.Errorf("create workspace root; error: %v", err)
			return ecServe
		}
		root = dir
	}

	c := core.New(ctx, root, *loopTimeFlag)

	if *jobsFlag != "" {
		if err := loadJobs(c.Catalogue, *jobsFlag); err != nil {
			logger.Errorf("load jobs catalogue; path: %s, error: %v", *jobsFlag, err)
			return ecJobsLoad
		}
		c.Bootstrap(ctx)
	}

	srv := api.NewServer(c, "/api/v1")

	addr := fmt.Sprintf(":%d", *portFlag)
	httpSrv := &http.Server{
		Addr:              addr,
		Handler:           srv,
		ReadHeaderTimeout: 10 * time.Second,
	}

	if *certFlag != "" || *keyFlag != "" || *caCertFlag != "" {
		tlsConfig, err := encrypt.NewServermTLSConfig(*certFlag, *keyFlag, *caCertFlag)
		if err != nil {
			logger.Errorf("build mTLS config; error: %v", err)
			return ecTLSConfig
		}
		httpSrv.TLSConfig = tlsConfig

		logger.Infof("serving apsis API (mTLS) on %s", addr)
		if err := httpSrv.ListenAndServeTLS("", ""); err != nil && err != http.ErrServerClosed {
			logger.Errorf("serve on %s; error: %v", addr, err)
			return ecServe
		}
		return ecSuccess
	}

	logger.Infof("serving apsis API on %s", addr)
	if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logger.Errorf("serve on %s; error: %v", addr, err)
		return ecServe
	}
	return ecSuccess
}

// jobFile is one entry of the -jobs catalogue file: a job id, a program
// spec, and the literal instants (RFC3339) it should run at, mirroring
// original_source's testing.py JOBS list.
type jobFile struct {
	JobID   string       `json:"job_id"`
	Program program.Spec `json:"program"`
	Times   []time.Time  `json:"times"`
}

func loadJobs(c *catalogue.Catalogue, path string) error {
	b, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read jobs file: %w", err)
	}

	var entries []jobFile
	if err := json.Unmarshal(b, &entries); err != nil {
		return fmt.Errorf("parse jobs file: %w", err)
	}

	for _, e := range entries {
		if err := e.Program.Validate(); err != nil {
			return fmt.Errorf("job %s: %w", e.JobID, err)
		}
		if err := c.Register(catalogue.Job{JobID: e.JobID, Program: e.Program, Times: e.Times}); err != nil {
			return err
		}
	}
	return nil
}
