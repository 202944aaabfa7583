// CRC: crc-CommandRouter.md
package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/zot/p2p-share/internal/pidfile"
)

var psVerbose bool

// PsCmd represents the ps command
// CRC: crc-CommandRouter.md
var PsCmd = &cobra.Command{
	Use:   "ps",
	Short: "List running p2p-share instances",
	Long:  `List process IDs for all running p2p-share instances.`,
	RunE:  runPs,
}

func init() {
	PsCmd.Flags().BoolVarP(&psVerbose, "verbose", "v", false, "Show command line arguments")
}

func runPs(cmd *cobra.Command, args []string) error {
	pids, err := pidfile.Default().List()
	if err != nil {
		return fmt.Errorf("failed to list processes: %w", err)
	}

	out := cmd.OutOrStdout()
	if len(pids) == 0 {
		fmt.Fprintln(out, "No running p2p-share instances found")
		return nil
	}

	fmt.Fprintf(out, "Running p2p-share instances (%d):\n", len(pids))
	if !psVerbose {
		for _, pid := range pids {
			fmt.Fprintln(out, pid)
		}
		return nil
	}
	fmt.Fprintln(out, "PID\tCOMMAND")
	for _, pid := range pids {
		cmdline, err := pidfile.ProcessInfo(pid)
		switch {
		case err != nil:
			fmt.Fprintf(out, "%d\t<error: %v>\n", pid, err)
		case cmdline == "":
			fmt.Fprintf(out, "%d\t<no command line available>\n", pid)
		default:
			fmt.Fprintf(out, "%d\t%s\n", pid, cmdline)
		}
	}
	return nil
}
