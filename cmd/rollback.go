package cmd

import (
	"log"

	"github.com/spf13/cobra"

	"github.com/supporttools/SiteVault/pkg/history"
	"github.com/supporttools/SiteVault/pkg/platform"
	"github.com/supporttools/SiteVault/pkg/rollback"
)

var rollbackRequester string

// rollbackCmd reverts the site to the pre-restore database
var rollbackCmd = &cobra.Command{
	Use:   "rollback",
	Short: "Switch the site back to the database that was active before the last restore",
	Long: `Switch the site back to the database recorded immediately before the most
recent restore. Fails when no restore has recorded a prior state. The
database created by the restore is left in place for inspection.`,
	RunE: runRollback,
}

func init() {
	rootCmd.AddCommand(rollbackCmd)

	rollbackCmd.Flags().StringVar(&rollbackRequester, "requester-id", "cli",
		"identifier recorded in the operation history")
}

func runRollback(cmd *cobra.Command, args []string) error {
	if err := initRuntime(); err != nil {
		return err
	}

	entry := history.DefaultStore.Begin(history.KindRollback, rollbackRequester, "", "")

	previous, err := rollback.Default.Rollback(platform.Default)
	if err != nil {
		if ferr := history.DefaultStore.Fail(entry.ID, err.Error()); ferr != nil {
			log.Printf("Failed to record rollback failure: %v", ferr)
		}
		return err
	}

	if cerr := history.DefaultStore.Complete(entry.ID, 0, 0); cerr != nil {
		log.Printf("Failed to record rollback completion: %v", cerr)
	}
	_, _ = successColor.Printf("Active database switched back to %s\n", previous)
	return nil
}
