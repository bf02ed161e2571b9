// Package cmd implements the sitevault command tree. Each verb maps to one
// core operation; any failure surfaces as a non-zero process exit.
package cmd

import (
	"fmt"
	"os"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/supporttools/SiteVault/pkg/apperrors"
	"github.com/supporttools/SiteVault/pkg/config"
	"github.com/supporttools/SiteVault/pkg/history"
	"github.com/supporttools/SiteVault/pkg/platform"
	"github.com/supporttools/SiteVault/pkg/rollback"
)

var (
	successColor = color.New(color.FgGreen)
	warnColor    = color.New(color.FgYellow)
	errorColor   = color.New(color.FgRed)
)

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "sitevault",
	Short: "Site snapshot backup, restore and remap tool",
	Long: `SiteVault creates consistent snapshots of a hosted site (database dump plus
uploads tree), restores them behind a readonly gate with rollback protection,
and performs bulk text rewrites across tenant databases.

Configuration comes from an optional YAML file (--config or CONFIG_PATH) with
environment variable overrides on top.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

// Execute runs the command tree. This is called by main.main().
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		_, _ = errorColor.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&config.CFG.ConfigFile, "config", "",
		"path to the YAML configuration file (defaults to $CONFIG_PATH)")
}

// rejectDuringReadonly refuses mutating operations while the readonly gate
// is held, which usually means a restore is in flight in another process.
func rejectDuringReadonly() error {
	if platform.Default.ReadonlyEnabled() {
		return apperrors.Configuration(
			"the site is in readonly mode (a restore may be in progress); run disable-readonly first")
	}
	return nil
}

// initRuntime loads the configuration and opens the shared state services
// every operation verb depends on.
func initRuntime() error {
	if err := config.LoadConfiguration(); err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}
	if err := config.ValidateConfig(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	if err := platform.Initialize(); err != nil {
		return err
	}
	if err := rollback.Initialize(); err != nil {
		return err
	}
	if err := history.Initialize(); err != nil {
		return err
	}
	return nil
}
