// Package program implements the single-shot launcher tool's program
// specification (spec.md §6): a JSON document describing one command to
// run, resolved into an argv/cwd/env the launcher package can start, plus
// the JSON result document describing how it went.
package program

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/asteris-run/apsis/internal/validator"
)

// whitelistedEnv lists the environment variables a launched program
// inherits from the parent.
var whitelistedEnv = []string{"HOME", "LANG", "LOGNAME", "SHELL", "TMPDIR", "USER"}

// Spec is the JSON program specification. Exactly one of Argv or Cmd must
// be set.
type Spec struct {
	Argv           []string `json:"argv,omitempty"`
	Cmd            string   `json:"cmd,omitempty"`
	Cwd            string   `json:"cwd,omitempty"`
	CombineStderr  bool     `json:"combine_stderr,omitempty"`
	Host           *string  `json:"host,omitempty"`
}

// Validate checks the spec against spec.md §6/§7's "spec error" rules:
// exactly one of argv/cmd, and host, if present, is rejected (remote-host
// execution is reserved and unimplemented).
func (s Spec) Validate() error {
	v := validator.New()
	v.AssertFunc(func() bool { return (len(s.Argv) > 0) != (s.Cmd != "") }, "exactly one of argv or cmd must be set")
	v.AssertFunc(func() bool { return s.Host == nil }, "remote host execution is not implemented")
	return v.Err()
}

// ResolvedArgv returns the argv the launcher should exec. A Cmd spec runs
// as `/bin/bash -l -c <cmd>`; an Argv spec is transformed into
// `exec <quoted argv>` under the same bash, so shell semantics (including
// the login shell's environment setup) are identical either way.
func (s Spec) ResolvedArgv() []string {
	if s.Cmd != "" {
		return []string{"/bin/bash", "-l", "-c", s.Cmd}
	}

	quoted := make([]string, len(s.Argv))
	for i, a := range s.Argv {
		quoted[i] = quoteArg(a)
	}
	return []string{"/bin/bash", "-l", "-c", "exec " + strings.Join(quoted, " ")}
}

// quoteArg single-quotes a for safe embedding in a shell command line,
// escaping any embedded single quotes in the usual POSIX shell way:
// close the quote, emit an escaped quote, reopen the quote.
func quoteArg(a string) string {
	return "'" + strings.ReplaceAll(a, "'", `'\''`) + "'"
}

// Env builds the whitelisted environment the child inherits.
func (s Spec) Env() map[string]string {
	env := make(map[string]string, len(whitelistedEnv))
	for _, k := range whitelistedEnv {
		if v, ok := os.LookupEnv(k); ok {
			env[k] = v
		}
	}
	return env
}

// ResolvedCwd returns the working directory, defaulting to "/".
func (s Spec) ResolvedCwd() string {
	if s.Cwd == "" {
		return "/"
	}
	return s.Cwd
}

// Result is the JSON document the launcher tool writes on completion.
type Result struct {
	PID           int               `json:"pid"`
	Cwd           string            `json:"cwd"`
	Env           map[string]string `json:"env"`
	Argv          []string          `json:"argv"`
	CombineStderr bool              `json:"combine_stderr"`
	StdoutPath    string            `json:"stdout_path"`
	StderrPath    string            `json:"stderr_path"`
	Status        int               `json:"status"`
	ReturnCode    *int              `json:"return_code,omitempty"`
	Signal        *string           `json:"signal,omitempty"`
	Rusage        Rusage            `json:"rusage"`
}

// Rusage mirrors the subset of struct rusage the tool reports, with float
// fields rounded to 9 decimals as spec.md §6 requires.
type Rusage struct {
	UTime  float64 `json:"ru_utime"`
	STime  float64 `json:"ru_stime"`
	MaxRSS int64   `json:"ru_maxrss"`
}

func round9(f float64) float64 {
	const scale = 1e9
	return float64(int64(f*scale+0.5)) / scale
}

// NewRusage builds a Rusage from user/system seconds and max RSS.
func NewRusage(userSeconds, sysSeconds float64, maxRSS int64) Rusage {
	return Rusage{UTime: round9(userSeconds), STime: round9(sysSeconds), MaxRSS: maxRSS}
}

// MarshalJSON renders the result document.
func (r Result) MarshalJSON() ([]byte, error) {
	type alias Result
	return json.Marshal(alias(r))
}

// Parse decodes a program Spec from raw JSON, applying Validate.
func Parse(data []byte) (Spec, error) {
	var s Spec
	if err := json.Unmarshal(data, &s); err != nil {
		return Spec{}, fmt.Errorf("parse program spec: %w", err)
	}
	if err := s.Validate(); err != nil {
		return Spec{}, err
	}
	return s, nil
}
