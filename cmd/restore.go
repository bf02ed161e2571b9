package cmd

import (
	"time"

	"github.com/spf13/cobra"

	"github.com/supporttools/SiteVault/pkg/restore"
)

var (
	restoreDisableEmails bool
	restoreLocation      string
	restoreInteractive   bool
	restoreUserID        string
)

// restoreCmd applies a snapshot to the site
var restoreCmd = &cobra.Command{
	Use:   "restore [snapshot-filename]",
	Short: "Restore the site from a snapshot",
	Long: `Restore the site from a previously created snapshot. The snapshot is
applied into a fresh staging database while the site is held readonly; the
database active before the restore is recorded so 'sitevault rollback' can
switch back to it.

Restores must be enabled first with 'sitevault enable-restore'.

Examples:
  # Restore a snapshot from the default storage backend
  sitevault restore example-forum-2026-08-25-03-00-00.tar.gz

  # Restore from S3 with a manual checkpoint before the switchover
  sitevault restore pre-upgrade.tar.gz --location s3 --interactive`,
	Args: cobra.MaximumNArgs(1),
	RunE: runRestore,
}

func init() {
	rootCmd.AddCommand(restoreCmd)

	restoreCmd.Flags().BoolVar(&restoreDisableEmails, "disable-emails", true,
		"suppress outgoing notifications for non-privileged accounts after the restore")
	restoreCmd.Flags().StringVar(&restoreLocation, "location", "",
		"storage backend holding the snapshot: local or s3 (default: the configured provider)")
	restoreCmd.Flags().BoolVar(&restoreInteractive, "interactive", false,
		"pause for confirmation between applying the dump and switching the site over")
	restoreCmd.Flags().StringVar(&restoreUserID, "user-id", "cli",
		"identifier recorded in the operation history")
}

func runRestore(cmd *cobra.Command, args []string) error {
	if err := initRuntime(); err != nil {
		return err
	}
	if err := rejectDuringReadonly(); err != nil {
		return err
	}

	manager, err := restore.NewManager()
	if err != nil {
		return err
	}

	filename := ""
	if len(args) > 0 {
		filename = args[0]
	}

	result, err := manager.Run(cmd.Context(), restoreUserID, restore.Options{
		Filename:      filename,
		DisableEmails: restoreDisableEmails,
		Location:      restoreLocation,
		Interactive:   restoreInteractive,
	})
	if err != nil {
		if result != nil && result.PreviousDatabase != "" {
			_, _ = warnColor.Printf("Restore failed; 'sitevault rollback' will switch back to %s\n",
				result.PreviousDatabase)
		}
		return err
	}

	_, _ = successColor.Printf("Restore of %s completed in %s\n",
		result.SnapshotName, result.Duration.Round(time.Millisecond))
	_, _ = successColor.Printf("Active database is now %s (was %s)\n",
		result.ActiveDatabase, result.PreviousDatabase)
	return nil
}
