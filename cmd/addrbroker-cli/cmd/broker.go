// =============================================================================
// BROKER COMMANDS - NODE-WIDE OPERATIONS
// =============================================================================
//
// COMMANDS:
//   addrbroker-cli broker stats                     Node statistics
//   addrbroker-cli broker health                    Health check
//   addrbroker-cli broker set-global-max-size <n>   Broker-wide size limit
//
// =============================================================================

package cmd

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"addrbroker/internal/cli"
)

var brokerCmd = &cobra.Command{
	Use:   "broker",
	Short: "Node-wide operations",
}

func init() {
	brokerCmd.AddCommand(brokerStatsCmd)
	brokerCmd.AddCommand(brokerHealthCmd)
	brokerCmd.AddCommand(brokerGlobalMaxSizeCmd)
}

var brokerStatsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show node statistics",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := getContext()
		defer cancel()

		stats, err := client.GetStats(ctx)
		if err != nil {
			return handleError(err)
		}
		return formatter.FormatBrokerStats(stats)
	},
}

var brokerHealthCmd = &cobra.Command{
	Use:   "health",
	Short: "Check node health",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := getContext()
		defer cancel()

		health, err := client.Health(ctx)
		if err != nil {
			return handleError(err)
		}
		return formatter.FormatHealth(health)
	},
}

var brokerGlobalMaxSizeCmd = &cobra.Command{
	Use:   "set-global-max-size <bytes>",
	Short: "Set the broker-wide size limit",
	Long: `Set the bytes all addresses together may hold in memory.

Accepts plain bytes or a KB/MB/GB suffix (powers of 1024). 0 removes the
limit.

Examples:
  addrbroker-cli broker set-global-max-size 2GB
  addrbroker-cli broker set-global-max-size 0`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		n, err := parseSize(args[0])
		if err != nil {
			return handleError(err)
		}

		ctx, cancel := getContext()
		defer cancel()

		if err := client.SetGlobalMaxSize(ctx, n); err != nil {
			return handleError(err)
		}
		cli.PrintSuccess("Global max size set to %s", args[0])
		return nil
	},
}

// parseSize parses "512", "64KB", "10MB" or "2GB".
func parseSize(s string) (int64, error) {
	s = strings.ToUpper(strings.TrimSpace(s))
	mult := int64(1)
	for _, u := range []struct {
		suffix string
		mult   int64
	}{
		{"GB", 1 << 30},
		{"MB", 1 << 20},
		{"KB", 1 << 10},
		{"B", 1},
	} {
		if strings.HasSuffix(s, u.suffix) {
			s = strings.TrimSpace(strings.TrimSuffix(s, u.suffix))
			mult = u.mult
			break
		}
	}
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil || n < 0 {
		return 0, fmt.Errorf("invalid size %q", s)
	}
	return n * mult, nil
}
