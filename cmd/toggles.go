package cmd

import (
	"github.com/spf13/cobra"

	"github.com/supporttools/SiteVault/pkg/metrics"
	"github.com/supporttools/SiteVault/pkg/platform"
)

// The toggle verbs flip persistent platform flags. Each change is written to
// the state file before the command returns.

var enableRestoreCmd = &cobra.Command{
	Use:   "enable-restore",
	Short: "Allow restores to run",
	RunE:  runEnableRestore,
}

var disableRestoreCmd = &cobra.Command{
	Use:   "disable-restore",
	Short: "Block restores from running (the default posture)",
	RunE:  runDisableRestore,
}

var enableReadonlyCmd = &cobra.Command{
	Use:   "enable-readonly",
	Short: "Put the site into readonly mode",
	RunE:  runEnableReadonly,
}

var disableReadonlyCmd = &cobra.Command{
	Use:   "disable-readonly",
	Short: "Take the site out of readonly mode",
	RunE:  runDisableReadonly,
}

func init() {
	rootCmd.AddCommand(enableRestoreCmd)
	rootCmd.AddCommand(disableRestoreCmd)
	rootCmd.AddCommand(enableReadonlyCmd)
	rootCmd.AddCommand(disableReadonlyCmd)
}

func runEnableRestore(cmd *cobra.Command, args []string) error {
	if err := initRuntime(); err != nil {
		return err
	}
	if err := platform.Default.SetRestoreEnabled(true); err != nil {
		return err
	}
	_, _ = successColor.Println("Restores are now enabled")
	return nil
}

func runDisableRestore(cmd *cobra.Command, args []string) error {
	if err := initRuntime(); err != nil {
		return err
	}
	if err := platform.Default.SetRestoreEnabled(false); err != nil {
		return err
	}
	_, _ = successColor.Println("Restores are now disabled")
	return nil
}

func runEnableReadonly(cmd *cobra.Command, args []string) error {
	if err := initRuntime(); err != nil {
		return err
	}
	if err := platform.Default.EnableReadonly(); err != nil {
		return err
	}
	metrics.ReadonlyMode.Set(1)
	_, _ = warnColor.Println("The site is now readonly")
	return nil
}

func runDisableReadonly(cmd *cobra.Command, args []string) error {
	if err := initRuntime(); err != nil {
		return err
	}
	if err := platform.Default.DisableReadonly(); err != nil {
		return err
	}
	metrics.ReadonlyMode.Set(0)
	_, _ = successColor.Println("The site is writable again")
	return nil
}
