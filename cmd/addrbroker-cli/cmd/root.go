// =============================================================================
// ROOT COMMAND - GLOBAL FLAGS AND CLIENT SETUP
// =============================================================================
//
// GLOBAL FLAGS:
//   --server, -s    Server URL (default: http://localhost:8080)
//   --context, -c   Config context to use
//   --output, -o    Output format: table, json, yaml (default: table)
//   --timeout       Request timeout in seconds (default: from context, else 30)
//
// SUBCOMMANDS:
//   address     Create, list, describe, delete addresses
//   publish     Publish messages
//   consume     Read and ack messages from a bound queue
//   bind        Bind or unbind queues
//   control     Pause, purge, block and the other control operations
//   replay      Replay retained messages
//   broker      Stats, health, global max size
//   config      Manage CLI contexts
//   version     Show version information
//
// =============================================================================

package cmd

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"addrbroker/internal/cli"
)

var (
	// Global flags
	serverFlag  string
	contextFlag string
	outputFlag  string
	timeoutFlag int

	// Shared instances
	config    *cli.Config
	client    *cli.Client
	formatter *cli.Formatter
)

var rootCmd = &cobra.Command{
	Use:   "addrbroker-cli",
	Short: "Command-line interface for the addrbroker address controller",
	Long: `addrbroker-cli - operate addrbroker nodes from the terminal.

Every address owns its flow control (paging, blocking, dropping), a
duplicate-ID cache, pause/purge controls and replay from the retention
log. This CLI drives all of them over the HTTP management API.

Use "addrbroker-cli [command] --help" for more information about a command.`,
	PersistentPreRunE: initializeClient,
	SilenceUsage:      true,
	SilenceErrors:     true,
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&serverFlag, "server", "s", "",
		"Server URL (env: ADDRBROKER_SERVER)")
	rootCmd.PersistentFlags().StringVarP(&contextFlag, "context", "c", "",
		"Config context to use (env: ADDRBROKER_CONTEXT)")
	rootCmd.PersistentFlags().StringVarP(&outputFlag, "output", "o", "table",
		"Output format: table, json, yaml")
	rootCmd.PersistentFlags().IntVar(&timeoutFlag, "timeout", 0,
		"Request timeout in seconds (env: ADDRBROKER_TIMEOUT)")

	rootCmd.AddCommand(addressCmd)
	rootCmd.AddCommand(publishCmd)
	rootCmd.AddCommand(consumeCmd)
	rootCmd.AddCommand(bindCmd)
	rootCmd.AddCommand(controlCmd)
	rootCmd.AddCommand(replayCmd)
	rootCmd.AddCommand(brokerCmd)
	rootCmd.AddCommand(configCmd)
	rootCmd.AddCommand(versionCmd)
}

// =============================================================================
// CLIENT INITIALIZATION
// =============================================================================

// initializeClient builds the client and formatter before each command.
// Config commands manage the file themselves.
func initializeClient(cmd *cobra.Command, args []string) error {
	if cmd.Name() == "config" || cmd.Parent() != nil && cmd.Parent().Name() == "config" {
		return nil
	}

	var err error
	config, err = cli.LoadConfig()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	if contextFlag != "" {
		if err := config.UseContext(contextFlag); err != nil {
			return err
		}
	} else if envCtx := os.Getenv(cli.EnvContext); envCtx != "" {
		if err := config.UseContext(envCtx); err != nil {
			return err
		}
	}

	client = cli.NewClient(cli.ClientConfig{
		ServerURL: cli.ResolveServer(serverFlag, config),
		Timeout:   cli.ResolveTimeout(timeoutFlag, config),
		APIKey:    cli.ResolveAPIKey("", config),
	})

	format, err := cli.ParseOutputFormat(outputFlag)
	if err != nil {
		return err
	}
	formatter = cli.NewFormatter(format)
	return nil
}

// =============================================================================
// HELPER FUNCTIONS
// =============================================================================

// getContext returns a context bounded by the resolved timeout.
func getContext() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), cli.ResolveTimeout(timeoutFlag, config))
}

// handleError prints an error and returns it.
func handleError(err error) error {
	cli.PrintError("%v", err)
	return err
}
