// Package backup implements site snapshot creation and publication.
package backup

import (
	"context"
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"time"

	"github.com/natefinch/atomic"

	"github.com/supporttools/SiteVault/pkg/apperrors"
	"github.com/supporttools/SiteVault/pkg/archive"
	"github.com/supporttools/SiteVault/pkg/config"
	"github.com/supporttools/SiteVault/pkg/history"
	"github.com/supporttools/SiteVault/pkg/metrics"
	"github.com/supporttools/SiteVault/pkg/platform"
	"github.com/supporttools/SiteVault/pkg/snapshot"
	"github.com/supporttools/SiteVault/pkg/storage"
	"github.com/supporttools/SiteVault/pkg/store/common"
	"github.com/supporttools/SiteVault/pkg/version"
)

// Options controls a single backup run.
type Options struct {
	// Filename is the snapshot name requested by the operator. When empty
	// the name is derived from the site name and the current time. A
	// recognized snapshot extension on the supplied name is stripped
	// before the format extension is appended.
	Filename string

	// WithUploads overrides the site-wide include-uploads setting for
	// this run only. Nil means use the current site setting.
	WithUploads *bool

	// Format selects the artifact layout. Zero value means tar.gz.
	Format snapshot.Format

	// DestinationDirectory moves the finished artifact into the given
	// local directory instead of leaving it in the storage backend's
	// default location. Only valid with local storage.
	DestinationDirectory string

	// Location selects the storage backend. Empty means the configured
	// default provider.
	Location string
}

// Result describes a finished backup run.
type Result struct {
	Success      bool
	SnapshotName string
	Location     string
	Size         int64
	Duration     time.Duration
}

// Manager coordinates dump, archive build, and publication.
type Manager struct {
	cfg      *config.AppConfig
	platform *platform.State
	driver   common.Driver
	history  history.Recorder
}

// NewManager creates a backup manager from the global configuration.
func NewManager() (*Manager, error) {
	driver, err := common.Open(config.CFG.Database.Driver)
	if err != nil {
		return nil, err
	}
	return &Manager{
		cfg:      &config.CFG,
		platform: platform.Default,
		driver:   driver,
		history:  history.DefaultStore,
	}, nil
}

// Run creates a snapshot of the active database and publishes it.
// requesterID identifies the operator or system account that asked for
// the backup and is recorded in the operation history.
func (m *Manager) Run(ctx context.Context, requesterID string, opts Options) (*Result, error) {
	store, err := storage.New(opts.Location)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.KindConfiguration, "unknown backup location", err)
	}
	if opts.DestinationDirectory != "" && store.IsRemote() {
		return nil, apperrors.Configuration(
			"a destination directory cannot be used with remote storage %q", store.Name())
	}

	format := opts.Format
	if format == "" {
		format = snapshot.FormatTarGz
	}

	withUploads := m.resolveUploads(opts.WithUploads)

	baseName := snapshot.DeriveBaseName(m.cfg.Site.Name, opts.Filename, time.Now())
	filename := snapshot.Filename(baseName, format)

	entry := m.history.Begin(history.KindBackup, requesterID, filename, store.Name())
	log.Printf("Starting backup of site %s into %s (uploads: %v)", m.cfg.Site.Name, filename, withUploads)

	start := time.Now()
	var size int64
	run := func() error {
		var berr error
		size, berr = m.buildAndPublish(ctx, store, filename, format, withUploads, opts.DestinationDirectory)
		return berr
	}
	// An explicit per-run override is mirrored into the persistent platform
	// state for the duration of the run, so anything reading the site-wide
	// setting mid-backup sees the effective value.
	if opts.WithUploads != nil && *opts.WithUploads != m.platform.IncludeUploads() {
		err = m.WithUploadsOverride(*opts.WithUploads, run)
	} else {
		err = run()
	}
	duration := time.Since(start)

	if err != nil {
		metrics.BackupCount.WithLabelValues("error").Inc()
		if ferr := m.history.Fail(entry.ID, err.Error()); ferr != nil {
			log.Printf("Failed to record backup failure: %v", ferr)
		}
		log.Printf("Backup of %s failed after %s: %v", filename, duration.Round(time.Millisecond), err)
		return &Result{SnapshotName: filename, Location: store.Name(), Duration: duration}, err
	}

	metrics.BackupCount.WithLabelValues("success").Inc()
	metrics.BackupDuration.WithLabelValues(store.Name()).Observe(duration.Seconds())
	metrics.LastBackupTimestamp.Set(float64(time.Now().Unix()))
	if cerr := m.history.Complete(entry.ID, size, 0); cerr != nil {
		log.Printf("Failed to record backup completion: %v", cerr)
	}
	log.Printf("Backup of %s completed in %s (%d bytes)", filename, duration.Round(time.Millisecond), size)

	return &Result{
		Success:      true,
		SnapshotName: filename,
		Location:     store.Name(),
		Size:         size,
		Duration:     duration,
	}, nil
}

// resolveUploads applies the per-run override on top of the site-wide
// include-uploads setting.
func (m *Manager) resolveUploads(override *bool) bool {
	if override == nil {
		return m.platform.IncludeUploads()
	}
	return *override
}

func (m *Manager) buildAndPublish(ctx context.Context, store storage.Backend, filename string, format snapshot.Format, withUploads bool, destDir string) (int64, error) {
	workDir, err := os.MkdirTemp("", "sitevault-backup")
	if err != nil {
		return 0, fmt.Errorf("failed to create staging directory: %w", err)
	}
	defer func() {
		if rerr := os.RemoveAll(workDir); rerr != nil {
			log.Printf("Failed to clean staging directory %s: %v", workDir, rerr)
		}
	}()

	activeDB := m.platform.ActiveDatabase()
	meta := archive.Metadata{
		Version:         version.Version,
		Site:            m.cfg.Site.Name,
		Database:        activeDB,
		CreatedAt:       time.Now().UTC(),
		IncludesUploads: withUploads && format.IsTarball(),
	}

	uploadsDir := ""
	if withUploads && format.IsTarball() {
		uploadsDir = m.cfg.Site.UploadsDirectory
	}

	builder := &archive.Builder{WorkDir: workDir}
	staged, err := builder.Build(ctx, format, func(ctx context.Context, w io.Writer) error {
		return m.driver.Dump(ctx, activeDB, w)
	}, meta, uploadsDir)
	if err != nil {
		return 0, err
	}

	info, err := os.Stat(staged)
	if err != nil {
		return 0, fmt.Errorf("failed to stat staged snapshot: %w", err)
	}
	size := info.Size()

	if destDir != "" {
		if err := publishToDirectory(staged, destDir, filename); err != nil {
			return 0, err
		}
		return size, nil
	}

	if err := store.Upload(ctx, staged, filename); err != nil {
		return 0, err
	}
	return size, nil
}

// publishToDirectory moves a staged artifact into an operator-chosen
// local directory under its final name.
func publishToDirectory(staged, destDir, filename string) error {
	if err := os.MkdirAll(destDir, 0o755); err != nil {
		return fmt.Errorf("failed to create destination directory %s: %w", destDir, err)
	}
	src, err := os.Open(staged)
	if err != nil {
		return fmt.Errorf("failed to open staged snapshot: %w", err)
	}
	defer func() {
		if cerr := src.Close(); cerr != nil {
			log.Printf("Failed to close staged snapshot: %v", cerr)
		}
	}()
	dest := filepath.Join(destDir, filename)
	if err := atomic.WriteFile(dest, src); err != nil {
		return fmt.Errorf("failed to publish snapshot to %s: %w", dest, err)
	}
	return nil
}

// WithUploadsOverride temporarily flips the site-wide include-uploads
// setting for the duration of fn and restores the previous value even
// when fn fails.
func (m *Manager) WithUploadsOverride(enabled bool, fn func() error) error {
	previous := m.platform.IncludeUploads()
	if err := m.platform.SetIncludeUploads(enabled); err != nil {
		return fmt.Errorf("failed to override uploads setting: %w", err)
	}
	defer func() {
		if rerr := m.platform.SetIncludeUploads(previous); rerr != nil {
			log.Printf("Failed to restore uploads setting to %v: %v", previous, rerr)
		}
	}()
	return fn()
}

// EnforceRetentionPolicies prunes expired snapshots from the configured
// storage backends and drops old history entries.
func (m *Manager) EnforceRetentionPolicies(ctx context.Context, requesterID string) error {
	entry := m.history.Begin(history.KindPrune, requesterID, "", "")

	dropped := m.history.Purge(90 * 24 * time.Hour)
	if dropped > 0 {
		log.Printf("Purged %d old history entries", dropped)
	}

	var firstErr error
	for _, location := range configuredLocations(m.cfg) {
		store, err := storage.New(location)
		if err != nil {
			log.Printf("Skipping retention for %s: %v", location, err)
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		removed, err := store.EnforceRetention(ctx)
		if err != nil {
			log.Printf("Retention sweep for %s failed: %v", location, err)
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		if removed > 0 {
			log.Printf("Retention sweep removed %d snapshots from %s", removed, location)
		}
	}

	if firstErr != nil {
		if ferr := m.history.Fail(entry.ID, firstErr.Error()); ferr != nil {
			log.Printf("Failed to record prune failure: %v", ferr)
		}
		return firstErr
	}
	if cerr := m.history.Complete(entry.ID, 0, 0); cerr != nil {
		log.Printf("Failed to record prune completion: %v", cerr)
	}
	return nil
}

// configuredLocations lists the storage backends that have enough
// configuration to be swept.
func configuredLocations(cfg *config.AppConfig) []string {
	locations := []string{"local"}
	if cfg.Storage.S3.Bucket != "" {
		locations = append(locations, "s3")
	}
	return locations
}
