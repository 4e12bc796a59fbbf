package commands

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/tendermint/discovery/config"
	"github.com/tendermint/discovery/libs/cli"
	"github.com/tendermint/discovery/libs/log"
)

// EnvPrefix is the prefix of environment variables read into the config,
// eg. DISC_HOME or DISC_DISCOVERY_MAX_KNOWN.
const EnvPrefix = "DISC"

// ParseConfig retrieves the default environment configuration,
// sets up the discovery root and ensures that the root exists
func ParseConfig(conf *config.Config) (*config.Config, error) {
	if err := viper.Unmarshal(conf); err != nil {
		return nil, err
	}

	conf.SetRoot(conf.RootDir)

	if err := conf.ValidateBasic(); err != nil {
		return nil, fmt.Errorf("error in config file: %w", err)
	}
	return conf, nil
}

// RootCommand constructs the root command-line entry point. Subcommands see
// conf populated from the config file, environment and flags.
func RootCommand(conf *config.Config) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "discovery",
		Short: "Gossip-based peer address discovery",
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if cmd.Name() == versionCmdName {
				return nil
			}

			pconf, err := ParseConfig(conf)
			if err != nil {
				return err
			}
			*conf = *pconf
			config.EnsureRoot(conf.RootDir)
			return nil
		},
	}
	cmd.PersistentFlags().String("log_level", conf.LogLevel, "log level")
	cmd.PersistentFlags().String("log_format", conf.LogFormat, "log format: plain | json")

	return cli.PrepareBaseCmd(cmd, EnvPrefix, os.ExpandEnv(filepath.Join("$HOME", config.DefaultDiscoveryDir)))
}

// newLogger returns the logger configured by conf, writing to the command's
// error output.
func newLogger(cmd *cobra.Command, conf *config.Config) (log.Logger, error) {
	return log.NewDefaultLoggerWithOutput(cmd.ErrOrStderr(), conf.LogFormat, conf.LogLevel)
}
