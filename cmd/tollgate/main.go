// Tollgate is an admission control service enforcing per-principal
// request and token quotas across minute, hour, and day windows.
//
// Usage:
//
//	# Start the server with default configuration
//	tollgate serve
//
//	# Start with a custom configuration file
//	tollgate serve --config /path/to/config.yaml
//
//	# Run a one-shot retention sweep
//	tollgate sweep --retention 168h
//
//	# Inspect or change a principal's limits
//	tollgate policy get user-1
//	tollgate policy set user-1 --requests-per-minute 120
package main

import (
	"os"

	"github.com/tollgate/tollgate/internal/cli"
)

func main() {
	cli.InitCLI()
	os.Exit(cli.ExecuteWithErrorCode(os.Args[1:]))
}
