// =============================================================================
// CONTROL COMMANDS - ONE PER ADDRESS CONTROL OPERATION
// =============================================================================
//
// COMMANDS:
//   addrbroker-cli control pause <address> [--persist]
//   addrbroker-cli control resume <address>
//   addrbroker-cli control purge <address>
//   addrbroker-cli control block <address>
//   addrbroker-cli control unblock <address>
//   addrbroker-cli control clear-duplicates <address>
//   addrbroker-cli control page-cleanup <address>
//   addrbroker-cli control limit-percent <address>
//   addrbroker-cli control reset-counters <address>
//   addrbroker-cli control send-message <address> -m <body>
//
// =============================================================================

package cmd

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"addrbroker/internal/cli"
)

var controlCmd = &cobra.Command{
	Use:   "control",
	Short: "Address control operations",
	Long: `Address control operations.

Examples:
  addrbroker-cli control pause orders --persist
  addrbroker-cli control purge orders
  addrbroker-cli control block orders
  addrbroker-cli control limit-percent orders
  addrbroker-cli control send-message orders -m hello -H color=red`,
}

// controlOp builds a one-argument control subcommand. summary turns the
// response into the table-mode success line.
func controlOp(use, short string,
	call func(ctx context.Context, name string) (*cli.ControlResponse, error),
	summary func(*cli.ControlResponse) string,
) *cobra.Command {
	return &cobra.Command{
		Use:   use + " <address>",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := getContext()
			defer cancel()

			resp, err := call(ctx, args[0])
			if err != nil {
				return handleError(err)
			}
			return formatter.FormatControl(resp, summary(resp))
		},
	}
}

var pausePersist bool

func init() {
	pauseCmd := controlOp("pause", "Stop delivery from every bound queue",
		func(ctx context.Context, name string) (*cli.ControlResponse, error) {
			return client.Pause(ctx, name, pausePersist)
		},
		func(r *cli.ControlResponse) string {
			return fmt.Sprintf("Address %q is %s", r.Address, r.PauseState)
		})
	pauseCmd.Flags().BoolVar(&pausePersist, "persist", false,
		"Stay paused across broker restarts")

	controlCmd.AddCommand(
		pauseCmd,
		controlOp("resume", "Restart delivery",
			func(ctx context.Context, name string) (*cli.ControlResponse, error) {
				return client.Resume(ctx, name)
			},
			func(r *cli.ControlResponse) string {
				return fmt.Sprintf("Address %q is %s", r.Address, r.PauseState)
			}),
		controlOp("purge", "Remove every pending message of every bound queue",
			func(ctx context.Context, name string) (*cli.ControlResponse, error) {
				return client.Purge(ctx, name)
			},
			func(r *cli.ControlResponse) string {
				return fmt.Sprintf("Purged %d messages from %q", r.Purged, r.Address)
			}),
		controlOp("block", "Refuse producers",
			func(ctx context.Context, name string) (*cli.ControlResponse, error) {
				return client.Block(ctx, name)
			},
			func(r *cli.ControlResponse) string {
				if !r.Changed {
					return fmt.Sprintf("Address %q was already blocked", r.Address)
				}
				return fmt.Sprintf("Address %q blocked", r.Address)
			}),
		controlOp("unblock", "Accept producers again",
			func(ctx context.Context, name string) (*cli.ControlResponse, error) {
				return client.Unblock(ctx, name)
			},
			func(r *cli.ControlResponse) string {
				if r.Blocked {
					return fmt.Sprintf("Address %q unblocked by management but still over its limit", r.Address)
				}
				return fmt.Sprintf("Address %q unblocked", r.Address)
			}),
		controlOp("clear-duplicates", "Empty the duplicate-ID cache",
			func(ctx context.Context, name string) (*cli.ControlResponse, error) {
				return client.ClearDuplicateCache(ctx, name)
			},
			func(r *cli.ControlResponse) string {
				return fmt.Sprintf("Cleared %d duplicate IDs from %q", r.Cleared, r.Address)
			}),
		controlOp("page-cleanup", "Schedule removal of consumed page files",
			func(ctx context.Context, name string) (*cli.ControlResponse, error) {
				return client.SchedulePageCleanup(ctx, name)
			},
			func(r *cli.ControlResponse) string {
				return fmt.Sprintf("Page cleanup scheduled for %q", r.Address)
			}),
		controlOp("limit-percent", "Show size as a percentage of the limit",
			func(ctx context.Context, name string) (*cli.ControlResponse, error) {
				return client.LimitPercent(ctx, name)
			},
			func(r *cli.ControlResponse) string {
				return fmt.Sprintf("Address %q is at %d%% of its limit", r.Address, r.LimitPercent)
			}),
		controlOp("reset-counters", "Zero the routed and unrouted counters",
			func(ctx context.Context, name string) (*cli.ControlResponse, error) {
				return client.ResetCounters(ctx, name)
			},
			func(r *cli.ControlResponse) string {
				return fmt.Sprintf("Counters of %q reset", r.Address)
			}),
		sendMessageCmd,
	)
}

// =============================================================================
// SEND-MESSAGE
// =============================================================================

var (
	sendBody     string
	sendHeaders  []string
	sendType     int
	sendDurable  bool
	sendCreateID bool
	sendUser     string
	sendPassword string
)

var sendMessageCmd = &cobra.Command{
	Use:   "send-message <address>",
	Short: "Publish through the management path",
	Long: `Publish a message through the management path.

Unlike publish, this is the operation management consoles use. Headers
become message properties and --create-id asks the broker to assign and
return a message ID.

Examples:
  addrbroker-cli control send-message orders -m hello -H color=red --create-id`,
	Args: cobra.ExactArgs(1),
	RunE: runSendMessage,
}

func init() {
	sendMessageCmd.Flags().StringVarP(&sendBody, "message", "m", "", "Message body")
	sendMessageCmd.Flags().StringArrayVarP(&sendHeaders, "header", "H", nil, "key=value header (repeatable)")
	sendMessageCmd.Flags().IntVar(&sendType, "type", 0, "Message type")
	sendMessageCmd.Flags().BoolVar(&sendDurable, "durable", false, "Persist the message")
	sendMessageCmd.Flags().BoolVar(&sendCreateID, "create-id", false, "Assign and return a message ID")
	sendMessageCmd.Flags().StringVar(&sendUser, "user", "", "User")
	sendMessageCmd.Flags().StringVar(&sendPassword, "password", "", "Password")
}

func runSendMessage(cmd *cobra.Command, args []string) error {
	headers, err := parseProperties(sendHeaders)
	if err != nil {
		return handleError(err)
	}

	ctx, cancel := getContext()
	defer cancel()

	resp, err := client.SendMessage(ctx, args[0], cli.SendMessageRequest{
		Headers:         headers,
		Type:            sendType,
		Body:            []byte(sendBody),
		Durable:         sendDurable,
		User:            sendUser,
		Password:        sendPassword,
		CreateMessageID: sendCreateID,
	})
	if err != nil {
		return handleError(err)
	}

	summary := fmt.Sprintf("Message sent to %q", resp.Address)
	if resp.MessageID != "" {
		summary += " (id " + resp.MessageID + ")"
	}
	return formatter.FormatControl(resp, summary)
}
