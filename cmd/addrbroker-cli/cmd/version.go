package cmd

import (
	"github.com/spf13/cobra"

	"addrbroker/internal/cli"
)

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Show client and server versions",
	RunE: func(cmd *cobra.Command, args []string) error {
		info := &cli.VersionInfo{ClientVersion: cli.Version}

		// An unreachable server is not an error here.
		ctx, cancel := getContext()
		defer cancel()
		if v, goVersion, err := client.ServerVersion(ctx); err == nil {
			info.ServerVersion = v
			info.GoVersion = goVersion
		}
		return formatter.FormatVersion(info)
	},
}
