// CRC: crc-CommandRouter.md
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/zot/p2p-share/internal/commands"
)

var flags commands.ServeFlags

// CRC: crc-CommandRouter.md
var rootCmd = &cobra.Command{
	Use:   "p2p-share",
	Short: "Share files and group messages with peers",
	Long: `p2p-share runs a peer-to-peer node that serves files by content key and
carries group messages over gossipsub. A frontend drives the node through
the websocket command set at ws://localhost:<port>/ws.

Without a subcommand p2p-share runs the node (same as "p2p-share serve").`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return commands.RunServe(cmd.Context(), flags)
	},
}

func init() {
	commands.AddServeFlags(rootCmd, &flags)

	rootCmd.AddCommand(commands.ServeCmd)
	rootCmd.AddCommand(commands.IDCmd)
	rootCmd.AddCommand(commands.PsCmd)
	rootCmd.AddCommand(commands.KillCmd)
	rootCmd.AddCommand(commands.KillAllCmd)
	rootCmd.AddCommand(commands.VersionCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
