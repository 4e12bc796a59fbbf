package main

import (
	"context"
	"os"

	"github.com/tendermint/discovery/cmd/discovery/commands"
	"github.com/tendermint/discovery/config"
	"github.com/tendermint/discovery/libs/cli"
	"github.com/tendermint/discovery/libs/log"
	tmos "github.com/tendermint/discovery/libs/os"
)

func main() {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	logger := log.MustNewDefaultLogger(log.LogFormatPlain, log.LogLevelInfo)
	tmos.TrapSignal(logger, cancel)

	conf := config.DefaultConfig()

	rootCmd := commands.RootCommand(conf)
	rootCmd.AddCommand(
		commands.MakeInitCommand(conf),
		commands.MakeShowConfigCommand(conf),
		commands.MakeAddrBookCommand(conf),
		commands.MakeVersionCommand(),
	)

	if err := cli.RunWithTrace(ctx, rootCmd); err != nil {
		os.Exit(1)
	}
}
