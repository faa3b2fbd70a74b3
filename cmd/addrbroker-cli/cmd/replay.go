// =============================================================================
// REPLAY COMMAND - REPUBLISH RETAINED MESSAGES
// =============================================================================
//
// USAGE:
//   addrbroker-cli replay <address> --target <address> [flags]
//   addrbroker-cli replay status <address>
//
// TIME WINDOW:
//   --start/--end accept YYYYMMDDHHMMSS (UTC) or RFC3339. Without either, all
//   retained messages are replayed. --since is shorthand for a window that
//   ends now.
//
// =============================================================================

package cmd

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"addrbroker/internal/cli"
	"addrbroker/internal/replay"
)

var (
	replayTarget string
	replayFilter string
	replayStart  string
	replayEnd    string
	replaySince  time.Duration
)

var replayCmd = &cobra.Command{
	Use:   "replay <address>",
	Short: "Replay retained messages to a target address",
	Long: `Replay messages of an address from the retention log.

Matching messages are republished to --target. The filter is a selector
over message properties:

  color = 'red' AND priority > 3
  region IN ('eu', 'us') AND customer IS NOT NULL

The command waits for the run to finish; raise --timeout for long windows.
Only one replay per address runs at a time.

Examples:
  addrbroker-cli replay orders --target orders.retry
  addrbroker-cli replay orders --target orders.retry --since 1h --filter "color = 'red'"
  addrbroker-cli replay orders --target audit --start 20260101000000 --end 20260102000000`,
	Args: cobra.ExactArgs(1),
	RunE: runReplay,
}

var replayStatusCmd = &cobra.Command{
	Use:   "status <address>",
	Short: "Show the replay engine state of an address",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := getContext()
		defer cancel()

		state, err := client.ReplayState(ctx, args[0])
		if err != nil {
			return handleError(err)
		}
		if formatter.IsTable() {
			cli.PrintInfo("%s: %s", args[0], state)
			return nil
		}
		return formatter.Format(map[string]string{"address": args[0], "state": state})
	},
}

func init() {
	replayCmd.Flags().StringVarP(&replayTarget, "target", "t", "", "Address to republish to (required)")
	replayCmd.Flags().StringVar(&replayFilter, "filter", "", "Selector over message properties")
	replayCmd.Flags().StringVar(&replayStart, "start", "", "Window start (YYYYMMDDHHMMSS or RFC3339)")
	replayCmd.Flags().StringVar(&replayEnd, "end", "", "Window end (YYYYMMDDHHMMSS or RFC3339)")
	replayCmd.Flags().DurationVar(&replaySince, "since", 0, "Replay the last duration (e.g. 30m)")
	replayCmd.MarkFlagRequired("target")
	replayCmd.MarkFlagsMutuallyExclusive("since", "start")
	replayCmd.MarkFlagsMutuallyExclusive("since", "end")

	replayCmd.AddCommand(replayStatusCmd)
}

func runReplay(cmd *cobra.Command, args []string) error {
	req := cli.ReplayRequest{
		Target: replayTarget,
		Filter: replayFilter,
	}

	if replaySince > 0 {
		now := time.Now().UTC()
		req.StartScan = now.Add(-replaySince).Format(replay.ScanDateLayout)
		req.EndScan = now.Format(replay.ScanDateLayout)
	} else {
		var err error
		if req.StartScan, err = scanDate(replayStart); err != nil {
			return handleError(fmt.Errorf("--start: %w", err))
		}
		if req.EndScan, err = scanDate(replayEnd); err != nil {
			return handleError(fmt.Errorf("--end: %w", err))
		}
	}

	// Catch selector typos before the request.
	if _, err := replay.CompileFilter(req.Filter); err != nil {
		return handleError(err)
	}

	ctx, cancel := getContext()
	defer cancel()

	resp, err := client.Replay(ctx, args[0], req)
	if err != nil {
		return handleError(err)
	}
	if err := formatter.FormatReplay(resp); err != nil {
		return err
	}
	if resp.Error != "" {
		return fmt.Errorf("replay stopped: %s", resp.Error)
	}
	return nil
}

// scanDate normalizes a window bound to the wire layout. Empty stays empty.
func scanDate(s string) (string, error) {
	if s == "" {
		return "", nil
	}
	if _, err := replay.ParseScanDate(s); err == nil {
		return s, nil
	}
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return "", fmt.Errorf("invalid date %q, want YYYYMMDDHHMMSS or RFC3339", s)
	}
	return t.UTC().Format(replay.ScanDateLayout), nil
}
