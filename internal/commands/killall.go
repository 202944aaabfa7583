// CRC: crc-CommandRouter.md
package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/zot/p2p-share/internal/pidfile"
)

// KillAllCmd represents the killall command
var KillAllCmd = &cobra.Command{
	Use:   "killall",
	Short: "Terminate all running p2p-share instances",
	Long:  `Terminate all running p2p-share instances.`,
	RunE:  runKillAll,
}

func runKillAll(cmd *cobra.Command, args []string) error {
	killed, err := pidfile.Default().KillAll()
	if err != nil {
		return fmt.Errorf("failed to kill processes: %w", err)
	}

	if killed == 0 {
		fmt.Fprintln(cmd.OutOrStdout(), "No running p2p-share instances found")
	} else {
		fmt.Fprintf(cmd.OutOrStdout(), "Successfully killed %d process(es)\n", killed)
	}
	return nil
}
