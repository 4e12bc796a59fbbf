package commands

import (
	"github.com/spf13/cobra"

	"github.com/tendermint/discovery/config"
)

// MakeShowConfigCommand returns the command that prints the effective
// configuration as TOML.
func MakeShowConfigCommand(conf *config.Config) *cobra.Command {
	return &cobra.Command{
		Use:   "show-config",
		Short: "Show the effective configuration",
		Long: `Show the configuration resulting from the config file, DISC_*
environment variables and command line flags.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return conf.Render(cmd.OutOrStdout())
		},
	}
}
