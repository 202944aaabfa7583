// CRC: crc-CommandRouter.md
package commands

import (
	"fmt"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/zot/p2p-share/internal/pidfile"
)

// KillCmd represents the kill command
var KillCmd = &cobra.Command{
	Use:   "kill PID",
	Short: "Terminate a running p2p-share instance",
	Long:  `Terminate a specific p2p-share instance by process ID.`,
	Args:  cobra.ExactArgs(1),
	RunE:  runKill,
}

func runKill(cmd *cobra.Command, args []string) error {
	pid64, err := strconv.ParseInt(args[0], 10, 32)
	if err != nil {
		return fmt.Errorf("invalid PID: %s", args[0])
	}
	pid := int32(pid64)

	if err := pidfile.Default().Kill(pid); err != nil {
		return err
	}

	fmt.Fprintf(cmd.OutOrStdout(), "Successfully killed process %d\n", pid)
	return nil
}
