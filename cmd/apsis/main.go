// Command apsis schedules and supervises program runs and serves an
// HTTP/websocket API for inspecting and controlling them.
package main

import (
	"os"

	"github.com/asteris-run/apsis/internal/cli"
)

func main() {
	os.Exit(cli.Run())
}
