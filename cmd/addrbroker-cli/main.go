// =============================================================================
// ADDRBROKER CLI - MAIN ENTRY POINT
// =============================================================================
//
// Operator CLI over the addrbroker HTTP management API.
//
// USAGE:
//   addrbroker-cli [command] [subcommand] [flags]
//
// EXAMPLES:
//   addrbroker-cli address list                       # Every address, one row each
//   addrbroker-cli address describe orders            # Size, paging, bindings
//   addrbroker-cli publish orders -m '{"id": 1}'      # Publish one message
//   addrbroker-cli control block orders               # Refuse producers
//   addrbroker-cli replay orders --target orders.dlq  # Replay everything retained
//
// CONFIGURATION:
//   Config file: ~/.addrbroker/cli.yaml
//   Env vars: ADDRBROKER_SERVER, ADDRBROKER_CONTEXT, ADDRBROKER_API_KEY
//
// =============================================================================

package main

import (
	"os"

	"addrbroker/cmd/addrbroker-cli/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
