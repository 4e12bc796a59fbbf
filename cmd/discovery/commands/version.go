package commands

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/tendermint/discovery/internal/p2p/discovery"
	"github.com/tendermint/discovery/version"
)

const versionCmdName = "version"

// MakeVersionCommand returns the command that prints version info.
func MakeVersionCommand() *cobra.Command {
	var verbose bool

	cmd := &cobra.Command{
		Use:   versionCmdName,
		Short: "Show version info",
		RunE: func(cmd *cobra.Command, args []string) error {
			if !verbose {
				fmt.Fprintln(cmd.OutOrStdout(), version.Version)
				return nil
			}

			values, err := json.MarshalIndent(struct {
				Discovery        string `json:"discovery"`
				ProtocolVersion  uint32 `json:"protocol_version"`
				ReusePortVersion uint32 `json:"reuse_port_version"`
			}{
				Discovery:        version.Version,
				ProtocolVersion:  discovery.Version,
				ReusePortVersion: discovery.ReusePortVersion,
			}, "", "  ")
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), string(values))
			return nil
		},
	}
	cmd.Flags().BoolVarP(&verbose, "verbose", "v", false, "Show protocol versions")
	return cmd
}
