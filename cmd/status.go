package cmd

import (
	"errors"
	"fmt"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/supporttools/SiteVault/pkg/apperrors"
	"github.com/supporttools/SiteVault/pkg/history"
	"github.com/supporttools/SiteVault/pkg/platform"
	"github.com/supporttools/SiteVault/pkg/rollback"
	"github.com/supporttools/SiteVault/pkg/version"
)

// statusCmd summarizes the platform state and recent activity
var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show the platform state and recent operations",
	RunE:  runStatus,
}

func init() {
	rootCmd.AddCommand(statusCmd)
}

func yesNo(v bool) string {
	if v {
		return "yes"
	}
	return "no"
}

func runStatus(cmd *cobra.Command, args []string) error {
	if err := initRuntime(); err != nil {
		return err
	}

	fmt.Printf("SiteVault %s\n\n", version.Version)

	state := platform.Default
	fmt.Printf("Active database:          %s\n", state.ActiveDatabase())
	if state.ReadonlyEnabled() {
		_, _ = warnColor.Println("Readonly mode:            on")
	} else {
		fmt.Println("Readonly mode:            off")
	}
	fmt.Printf("Restores enabled:         %s\n", yesNo(state.RestoreEnabled()))
	fmt.Printf("Uploads in snapshots:     %s\n", yesNo(state.IncludeUploads()))
	fmt.Printf("Notifications suppressed: %s\n", yesNo(state.NotificationsSuppressed()))

	previous, err := rollback.Default.Current()
	switch {
	case err == nil:
		_, _ = warnColor.Printf("Rollback available to:    %s\n", previous)
	case errors.Is(err, apperrors.ErrNoPriorState):
		fmt.Println("Rollback available to:    none")
	default:
		return err
	}

	entries := history.DefaultStore.Entries()
	if len(entries) == 0 {
		return nil
	}

	fmt.Println("\nRecent operations:")
	shown := 0
	for i := len(entries) - 1; i >= 0 && shown < 5; i-- {
		fmt.Println(formatEntry(entries[i]))
		shown++
	}
	return nil
}

// formatEntry renders one history entry as a single status line.
func formatEntry(e history.Entry) string {
	name := e.SnapshotName
	if name == "" {
		name = "-"
	}
	size := ""
	if e.Size > 0 {
		size = humanize.Bytes(uint64(e.Size))
	}
	line := fmt.Sprintf("  %-8s %-7s %-44s %8s  %s",
		e.Kind, e.Status, name, size, humanize.Time(e.StartedAt))
	if e.Status == history.StatusError && e.ErrorMessage != "" {
		line += fmt.Sprintf(" (%s)", e.ErrorMessage)
	}
	return line
}
