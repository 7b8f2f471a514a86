// Package cli defines the apsis CLI, adapted from the teacher's
// internal/jobworker/cli package: a serve subcommand that starts the
// scheduling/supervision service, and a launch subcommand replacing the
// teacher's reexec subcommand as the single-shot launcher tool of
// spec.md §6.
package cli

import (
	"context"
	"flag"
	"fmt"
	"os"
	"strings"
)

var (
	keyFlag      = flag.String("key", "", "path to server private key")
	certFlag     = flag.String("cert", "", "path to server certificate")
	caCertFlag   = flag.String("ca_cert", "", "path to CA certificate")
	portFlag     = flag.Int("port", 8080, "port to serve the apsis API")
	workspaceDir = flag.String("workspace", "", "parent directory for run workspaces (default: a temp dir)")
	loopTimeFlag = flag.Duration("loop-time", 0, "scheduled-queue dispatch loop period (0 keeps the built-in default)")
	jobsFlag     = flag.String("jobs", "", "path to a JSON file of catalogue jobs to bootstrap at startup")
)

const (
	ecSuccess = iota
	// ecUnrecognized indicates the subcommand was not recognized.
	ecUnrecognized
	// ecJobsLoad indicates the jobs catalogue file could not be loaded.
	ecJobsLoad
	// ecTLSConfig indicates the TLS config was not setup properly.
	ecTLSConfig
	// ecListen indicates the API was unable to listen.
	ecListen
	// ecServe indicates the API was unable to serve its content.
	ecServe
	// ecLaunch indicates the launch subcommand failed to run its program.
	ecLaunch
)

const (
	serveSub  = "serve"
	launchSub = "launch"
)

// Run is the entrypoint of the apsis CLI.
func Run() int {
	flag.Parse()

	if len(os.Args) < 2 {
		return help("Too few arguments")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	last := len(os.Args) - 1
	switch v := os.Args[last]; v {
	case serveSub:
		return runServe(ctx)
	case launchSub:
		return runLaunch(ctx)
	default:
		return help(fmt.Sprintf("Unrecognized subcommand \"%s\".", v))
	}
}

// help outputs a general overview of the apsis executable to the user. The
// text argument may be used to add a detailed help message.
func help(text string) int {
	var b strings.Builder
	if text != "" {
		_, _ = b.WriteString(fmt.Sprintf("\nNotice: %s", text))
	}

	b.WriteString(
		`

Apsis schedules and supervises program runs, and serves an HTTP/websocket
API for inspecting and controlling them.

Usage:
  apsis [global flags] command

Available Commands:
  serve       Serve the scheduling/supervision API.
  launch      Run a single program spec read from stdin, reporting the
              result to stdout as JSON. Should typically be invoked by
              tooling, not interactively.

Global Flags:
  -port       port to serve the apsis API
  -cert       server x509 certificate
  -key        server private key
  -ca_cert    certificate authority cert
  -workspace  parent directory for run workspaces
  -loop-time  scheduled-queue dispatch loop period
  -jobs       path to a JSON catalogue file to bootstrap at startup
`)
	fmt.Fprint(os.Stdout, b.String())
	return ecUnrecognized
}
