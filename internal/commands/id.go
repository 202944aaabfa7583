package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/zot/p2p-share/internal/identity"
	"github.com/zot/p2p-share/internal/settings"
)

var idDir string

// IDCmd prints the node's peer ID, creating the identity if needed
var IDCmd = &cobra.Command{
	Use:   "id",
	Short: "Print this node's peer ID",
	Long:  `Print the peer ID stored in the setting file. A new identity is generated and saved when none exists.`,
	Args:  cobra.NoArgs,
	RunE:  runID,
}

func init() {
	IDCmd.Flags().StringVar(&idDir, "dir", "", "Directory holding the setting file (default: user config dir)")
}

func runID(cmd *cobra.Command, args []string) error {
	store, err := settings.NewStore(idDir)
	if err != nil {
		return err
	}
	setting, err := store.Load("")
	if err != nil {
		return err
	}
	id, generated, err := identity.LoadOrGenerate(setting.IdentityKey)
	if err != nil {
		return err
	}
	if generated {
		if setting.IdentityKey, err = id.Encode(); err != nil {
			return err
		}
		if err := store.Save("", setting); err != nil {
			return err
		}
	}
	fmt.Fprintln(cmd.OutOrStdout(), id.ID())
	return nil
}
