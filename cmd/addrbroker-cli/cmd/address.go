// =============================================================================
// ADDRESS COMMANDS
// =============================================================================
//
// COMMANDS:
//   addrbroker-cli address list                 List addresses
//   addrbroker-cli address create <name>        Create an address
//   addrbroker-cli address describe <name>      Show info and bindings
//   addrbroker-cli address settings <name>      Show effective settings
//   addrbroker-cli address delete <name>        Delete an address
//
// =============================================================================

package cmd

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"addrbroker/internal/cli"
)

var addressCmd = &cobra.Command{
	Use:     "address",
	Aliases: []string{"addr", "addresses"},
	Short:   "Manage addresses",
	Long: `Manage addresses.

An address is where producers publish. Queues bind to it, and it owns the
flow control, duplicate detection and pause state for all of them.

Examples:
  addrbroker-cli address list
  addrbroker-cli address create orders --routing MULTICAST
  addrbroker-cli address describe orders
  addrbroker-cli address settings orders -o yaml
  addrbroker-cli address delete orders --force`,
}

func init() {
	addressCmd.AddCommand(addressListCmd)
	addressCmd.AddCommand(addressCreateCmd)
	addressCmd.AddCommand(addressDescribeCmd)
	addressCmd.AddCommand(addressSettingsCmd)
	addressCmd.AddCommand(addressDeleteCmd)
}

// =============================================================================
// ADDRESS LIST
// =============================================================================

var addressListCmd = &cobra.Command{
	Use:   "list",
	Short: "List addresses",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := getContext()
		defer cancel()

		infos, err := client.ListAddresses(ctx)
		if err != nil {
			return handleError(err)
		}
		return formatter.FormatAddresses(infos)
	},
}

// =============================================================================
// ADDRESS CREATE
// =============================================================================

var (
	addressCreateRouting   []string
	addressCreateInternal  bool
	addressCreateTemporary bool
)

var addressCreateCmd = &cobra.Command{
	Use:   "create <name>",
	Short: "Create an address",
	Long: `Create an address.

Flags:
  --routing     Routing types, MULTICAST and/or ANYCAST (default: MULTICAST)
  --internal    Mark the address internal (hidden from management listings)
  --temporary   Temporary addresses are never persisted

Examples:
  addrbroker-cli address create orders
  addrbroker-cli address create jobs --routing ANYCAST
  addrbroker-cli address create reply.42 --temporary`,
	Args: cobra.ExactArgs(1),
	RunE: runAddressCreate,
}

func init() {
	addressCreateCmd.Flags().StringSliceVar(&addressCreateRouting, "routing", nil,
		"Routing types (MULTICAST, ANYCAST)")
	addressCreateCmd.Flags().BoolVar(&addressCreateInternal, "internal", false,
		"Create an internal address")
	addressCreateCmd.Flags().BoolVar(&addressCreateTemporary, "temporary", false,
		"Create a temporary (non-persistent) address")
}

func runAddressCreate(cmd *cobra.Command, args []string) error {
	ctx, cancel := getContext()
	defer cancel()

	routing := make([]string, len(addressCreateRouting))
	for i, rt := range addressCreateRouting {
		routing[i] = strings.ToUpper(strings.TrimSpace(rt))
	}

	info, err := client.CreateAddress(ctx, cli.CreateAddressRequest{
		Name:         args[0],
		RoutingTypes: routing,
		Internal:     addressCreateInternal,
		Temporary:    addressCreateTemporary,
	})
	if err != nil {
		return handleError(err)
	}

	if formatter.IsTable() {
		cli.PrintSuccess("Address %q created (%s)", info.Address, strings.Join(info.RoutingTypes, ", "))
		return nil
	}
	return formatter.Format(info)
}

// =============================================================================
// ADDRESS DESCRIBE / SETTINGS
// =============================================================================

var addressDescribeCmd = &cobra.Command{
	Use:   "describe <name>",
	Short: "Show address info and bindings",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := getContext()
		defer cancel()

		info, err := client.DescribeAddress(ctx, args[0])
		if err != nil {
			return handleError(err)
		}
		return formatter.FormatAddressInfo(info)
	},
}

var addressSettingsCmd = &cobra.Command{
	Use:   "settings <name>",
	Short: "Show effective address-settings",
	Long: `Show the address-settings the broker resolved for an address.

The broker matches the address name against the configured rules ("#" and
"*" wildcards, most specific wins) and falls back to the defaults.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := getContext()
		defer cancel()

		s, err := client.GetSettings(ctx, args[0])
		if err != nil {
			return handleError(err)
		}
		return formatter.FormatSettings(args[0], s)
	},
}

// =============================================================================
// ADDRESS DELETE
// =============================================================================

var (
	addressDeleteForce bool
	addressDeleteYes   bool
)

var addressDeleteCmd = &cobra.Command{
	Use:   "delete <name>",
	Short: "Delete an address",
	Long: `Delete an address, its page files and its duplicate-ID cache.

An address with bindings is refused unless --force is given.

Flags:
  -f, --force   Delete even if queues are still bound
  -y, --yes     Skip the confirmation prompt`,
	Args: cobra.ExactArgs(1),
	RunE: runAddressDelete,
}

func init() {
	addressDeleteCmd.Flags().BoolVarP(&addressDeleteForce, "force", "f", false,
		"Delete even if queues are still bound")
	addressDeleteCmd.Flags().BoolVarP(&addressDeleteYes, "yes", "y", false,
		"Skip confirmation prompt")
}

func runAddressDelete(cmd *cobra.Command, args []string) error {
	name := args[0]

	if !addressDeleteYes {
		cli.PrintInfo("Delete address %q and all of its paged messages? Type 'yes' to confirm: ", name)
		var confirm string
		if _, err := fmt.Scanln(&confirm); err != nil || confirm != "yes" {
			cli.PrintInfo("Aborted.")
			return nil
		}
	}

	ctx, cancel := getContext()
	defer cancel()

	if err := client.DeleteAddress(ctx, name, addressDeleteForce); err != nil {
		return handleError(err)
	}
	cli.PrintSuccess("Address %q deleted", name)
	return nil
}
