package cmd

import (
	"fmt"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/supporttools/SiteVault/pkg/backup"
	"github.com/supporttools/SiteVault/pkg/snapshot"
)

var (
	backupName        string
	backupWithUploads bool
	backupFormat      string
	backupDestination string
	backupLocation    string
	backupRequester   string
)

// backupCmd creates and publishes a snapshot
var backupCmd = &cobra.Command{
	Use:   "backup",
	Short: "Create a snapshot of the site",
	Long: `Create a point-in-time snapshot of the active database, optionally bundled
with the uploads tree, and publish it to the configured storage backend.

Examples:
  # Snapshot with the site's default uploads setting
  sitevault backup

  # Named snapshot without uploads, as a bare compressed dump
  sitevault backup --name pre-upgrade --with-uploads=false --format sql.gz

  # Keep the artifact in a local directory instead of the storage backend
  sitevault backup --destination /var/exports`,
	RunE: runBackup,
}

func init() {
	rootCmd.AddCommand(backupCmd)

	backupCmd.Flags().StringVar(&backupName, "name", "",
		"snapshot base name (default: <site>-<timestamp>)")
	backupCmd.Flags().BoolVar(&backupWithUploads, "with-uploads", false,
		"include the uploads tree (default: the site-wide setting)")
	backupCmd.Flags().StringVar(&backupFormat, "format", "",
		"snapshot format: sql, sql.gz, tar.gz or tgz (default tar.gz)")
	backupCmd.Flags().StringVar(&backupDestination, "destination", "",
		"move the finished snapshot into this local directory")
	backupCmd.Flags().StringVar(&backupLocation, "location", "",
		"storage backend: local or s3 (default: the configured provider)")
	backupCmd.Flags().StringVar(&backupRequester, "requester-id", "cli",
		"identifier recorded in the operation history")
}

// parseFormat maps a user-supplied format name onto a snapshot format.
func parseFormat(name string) (snapshot.Format, error) {
	trimmed := strings.TrimPrefix(strings.ToLower(name), ".")
	for _, f := range []snapshot.Format{
		snapshot.FormatSQL, snapshot.FormatSQLGz, snapshot.FormatTarGz, snapshot.FormatTgz,
	} {
		if trimmed == strings.TrimPrefix(string(f), ".") {
			return f, nil
		}
	}
	return "", fmt.Errorf("unknown snapshot format %q (expected sql, sql.gz, tar.gz or tgz)", name)
}

func runBackup(cmd *cobra.Command, args []string) error {
	if err := initRuntime(); err != nil {
		return err
	}
	if err := rejectDuringReadonly(); err != nil {
		return err
	}

	manager, err := backup.NewManager()
	if err != nil {
		return err
	}

	opts := backup.Options{
		Filename:             backupName,
		DestinationDirectory: backupDestination,
		Location:             backupLocation,
	}
	if backupFormat != "" {
		format, err := parseFormat(backupFormat)
		if err != nil {
			return err
		}
		opts.Format = format
	}
	if cmd.Flags().Changed("with-uploads") {
		opts.WithUploads = &backupWithUploads
	}

	result, err := manager.Run(cmd.Context(), backupRequester, opts)
	if err != nil {
		return err
	}

	_, _ = successColor.Printf("Snapshot %s created in %s storage (%s, took %s)\n",
		result.SnapshotName, result.Location,
		humanize.Bytes(uint64(result.Size)), result.Duration.Round(time.Millisecond))
	return nil
}
