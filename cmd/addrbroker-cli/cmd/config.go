// =============================================================================
// CONFIG COMMANDS - MANAGE CLI CONTEXTS
// =============================================================================
//
// COMMANDS:
//   addrbroker-cli config view              Show the configuration
//   addrbroker-cli config get-contexts      List contexts
//   addrbroker-cli config use-context       Switch contexts
//   addrbroker-cli config set-context       Create or update a context
//   addrbroker-cli config delete-context    Delete a context
//
// =============================================================================

package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"addrbroker/internal/cli"
)

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Manage CLI configuration",
	Long: `Manage addrbroker-cli configuration.

Configuration lives in ~/.addrbroker/cli.yaml and holds named contexts, one
per broker node.

Examples:
  addrbroker-cli config view
  addrbroker-cli config set-context prod --server https://broker-1.prod.example.com --timeout 300
  addrbroker-cli config use-context prod`,
}

func init() {
	configCmd.AddCommand(configViewCmd)
	configCmd.AddCommand(configGetContextsCmd)
	configCmd.AddCommand(configUseContextCmd)
	configCmd.AddCommand(configSetContextCmd)
	configCmd.AddCommand(configDeleteContextCmd)
}

// configFormatter is used by config commands, which skip initializeClient.
func configFormatter() (*cli.Formatter, error) {
	format, err := cli.ParseOutputFormat(outputFlag)
	if err != nil {
		return nil, err
	}
	return cli.NewFormatter(format), nil
}

// maskKey hides all but the last four characters of an API key.
func maskKey(key string) string {
	if key == "" {
		return "-"
	}
	if len(key) <= 4 {
		return "****"
	}
	return "****" + key[len(key)-4:]
}

// =============================================================================
// CONFIG VIEW / GET-CONTEXTS
// =============================================================================

var configViewCmd = &cobra.Command{
	Use:   "view",
	Short: "Show the configuration",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := cli.LoadConfig()
		if err != nil {
			return handleError(err)
		}
		f, err := configFormatter()
		if err != nil {
			return err
		}
		if !f.IsTable() {
			masked := &cli.Config{
				CurrentContext: cfg.CurrentContext,
				Contexts:       make(map[string]*cli.ContextConfig, len(cfg.Contexts)),
			}
			for name, c := range cfg.Contexts {
				cp := *c
				if cp.APIKey != "" {
					cp.APIKey = maskKey(cp.APIKey)
				}
				masked.Contexts[name] = &cp
			}
			return f.Format(masked)
		}

		fmt.Printf("Config file: %s\n", cli.DefaultConfigPath())
		fmt.Printf("Current context: %s\n\n", cfg.CurrentContext)
		return writeContexts(f, cfg)
	},
}

var configGetContextsCmd = &cobra.Command{
	Use:   "get-contexts",
	Short: "List contexts",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := cli.LoadConfig()
		if err != nil {
			return handleError(err)
		}
		f, err := configFormatter()
		if err != nil {
			return err
		}
		if !f.IsTable() {
			return f.Format(cfg.ListContexts())
		}
		return writeContexts(f, cfg)
	},
}

func writeContexts(f *cli.Formatter, cfg *cli.Config) error {
	table := f.Table()
	table.SetHeaders("CURRENT", "NAME", "SERVER", "API KEY", "TIMEOUT")
	table.WriteHeaders()
	for _, name := range cfg.ListContexts() {
		c := cfg.Contexts[name]
		current := ""
		if name == cfg.CurrentContext {
			current = "*"
		}
		timeout := "-"
		if c.Timeout > 0 {
			timeout = fmt.Sprintf("%ds", c.Timeout)
		}
		table.WriteRow(current, name, c.Server, maskKey(c.APIKey), timeout)
	}
	return table.Flush()
}

// =============================================================================
// CONFIG USE-CONTEXT
// =============================================================================

var configUseContextCmd = &cobra.Command{
	Use:   "use-context <name>",
	Short: "Switch the current context",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := cli.LoadConfig()
		if err != nil {
			return handleError(err)
		}
		if err := cfg.UseContext(args[0]); err != nil {
			return handleError(err)
		}
		if err := cfg.Save(); err != nil {
			return handleError(err)
		}
		cli.PrintSuccess("Switched to context %q", args[0])
		return nil
	},
}

// =============================================================================
// CONFIG SET-CONTEXT
// =============================================================================

var (
	setContextServer  string
	setContextAPIKey  string
	setContextTimeout int
	setContextUse     bool
)

var configSetContextCmd = &cobra.Command{
	Use:   "set-context <name>",
	Short: "Create or update a context",
	Long: `Create a context, or update the fields given as flags on an existing one.

Examples:
  addrbroker-cli config set-context staging --server http://staging:8080
  addrbroker-cli config set-context prod --api-key "$KEY" --use`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		name := args[0]
		cfg, err := cli.LoadConfig()
		if err != nil {
			return handleError(err)
		}

		c, err := cfg.GetContext(name)
		created := err != nil
		if created {
			if setContextServer == "" {
				return handleError(fmt.Errorf("--server is required for new context %q", name))
			}
			c = &cli.ContextConfig{}
		}
		if cmd.Flags().Changed("server") {
			c.Server = setContextServer
		}
		if cmd.Flags().Changed("api-key") {
			c.APIKey = setContextAPIKey
		}
		if cmd.Flags().Changed("timeout") {
			if setContextTimeout < 0 {
				return handleError(fmt.Errorf("--timeout must be >= 0"))
			}
			c.Timeout = setContextTimeout
		}
		cfg.SetContext(name, c)
		if setContextUse || cfg.CurrentContext == "" {
			cfg.CurrentContext = name
		}

		if err := cfg.Save(); err != nil {
			return handleError(err)
		}
		if created {
			cli.PrintSuccess("Context %q created", name)
		} else {
			cli.PrintSuccess("Context %q updated", name)
		}
		return nil
	},
}

func init() {
	configSetContextCmd.Flags().StringVar(&setContextServer, "server", "", "Server URL")
	configSetContextCmd.Flags().StringVar(&setContextAPIKey, "api-key", "", "API key")
	configSetContextCmd.Flags().IntVar(&setContextTimeout, "timeout", 0, "Request timeout in seconds")
	configSetContextCmd.Flags().BoolVar(&setContextUse, "use", false, "Switch to the context")
}

// =============================================================================
// CONFIG DELETE-CONTEXT
// =============================================================================

var configDeleteContextCmd = &cobra.Command{
	Use:   "delete-context <name>",
	Short: "Delete a context",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := cli.LoadConfig()
		if err != nil {
			return handleError(err)
		}
		if err := cfg.DeleteContext(args[0]); err != nil {
			return handleError(err)
		}
		if err := cfg.Save(); err != nil {
			return handleError(err)
		}
		cli.PrintSuccess("Context %q deleted", args[0])
		if cfg.CurrentContext == "" {
			cli.PrintInfo("No current context; use 'addrbroker-cli config use-context <name>'")
		}
		return nil
	},
}
