package commands

import (
	"github.com/spf13/cobra"

	"github.com/tendermint/discovery/config"
	tmos "github.com/tendermint/discovery/libs/os"
)

// MakeInitCommand returns the command that writes the config file of a new
// discovery home directory.
func MakeInitCommand(conf *config.Config) *cobra.Command {
	return &cobra.Command{
		Use:   "init",
		Short: "Initializes a discovery home directory",
		RunE: func(cmd *cobra.Command, args []string) error {
			logger, err := newLogger(cmd, conf)
			if err != nil {
				return err
			}

			configFile := config.ConfigFile(conf.RootDir)
			if tmos.FileExists(configFile) {
				logger.Info("Found config file", "path", configFile)
				return nil
			}

			if err := config.WriteConfigFile(conf.RootDir, conf); err != nil {
				return err
			}
			logger.Info("Generated config file", "path", configFile)
			return nil
		},
	}
}
