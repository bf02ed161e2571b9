package cmd

import (
	"github.com/spf13/cobra"

	"github.com/supporttools/SiteVault/pkg/backup"
)

var pruneRequester string

// pruneCmd runs the retention sweep on demand
var pruneCmd = &cobra.Command{
	Use:   "prune",
	Short: "Delete snapshots that fall outside the retention policy",
	Long: `Apply the configured retention rules to every reachable storage backend,
deleting snapshots they no longer keep. The same sweep runs on a schedule
when the daemon is active; this verb triggers it immediately.`,
	RunE: runPrune,
}

func init() {
	rootCmd.AddCommand(pruneCmd)

	pruneCmd.Flags().StringVar(&pruneRequester, "requester-id", "cli",
		"identifier recorded in the operation history")
}

func runPrune(cmd *cobra.Command, args []string) error {
	if err := initRuntime(); err != nil {
		return err
	}

	manager, err := backup.NewManager()
	if err != nil {
		return err
	}

	if err := manager.EnforceRetentionPolicies(cmd.Context(), pruneRequester); err != nil {
		return err
	}
	_, _ = successColor.Println("Retention sweep completed")
	return nil
}
