// Package restore implements the snapshot restore orchestration: fetch,
// unpack, apply into a staging database, switch the platform over and bring
// the uploads tree back, with the readonly gate held for the whole mutating
// span and released on every exit path.
package restore

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"io/fs"
	"log"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/supporttools/SiteVault/pkg/apperrors"
	"github.com/supporttools/SiteVault/pkg/archive"
	"github.com/supporttools/SiteVault/pkg/config"
	"github.com/supporttools/SiteVault/pkg/history"
	"github.com/supporttools/SiteVault/pkg/metrics"
	"github.com/supporttools/SiteVault/pkg/platform"
	"github.com/supporttools/SiteVault/pkg/rollback"
	"github.com/supporttools/SiteVault/pkg/storage"
	"github.com/supporttools/SiteVault/pkg/store/common"
	"github.com/supporttools/SiteVault/pkg/version"
)

// Step identifies how far a restore run progressed.
type Step string

const (
	StepPending         Step = "pending"
	StepReadonlyEnabled Step = "readonly_enabled"
	StepUnpacked        Step = "unpacked"
	StepMigrated        Step = "migrated"
	StepUploadsRestored Step = "uploads_restored"
)

// NotificationPolicy suppresses outgoing notifications for non-privileged
// accounts after a restore. The mail-side mechanics live in the platform;
// this tool only records the decision.
type NotificationPolicy interface {
	SuppressNonPrivileged(ctx context.Context) error
}

// Confirmer asks the operator whether to continue past a checkpoint.
type Confirmer interface {
	Confirm(prompt string) bool
}

// Options controls a single restore run.
type Options struct {
	// Filename names the snapshot to restore. Required.
	Filename string

	// DisableEmails suppresses outgoing notifications for non-privileged
	// accounts once the restore has finished.
	DisableEmails bool

	// Location selects the storage backend holding the snapshot. Empty
	// means the configured default provider.
	Location string

	// Interactive pauses after the dump has been applied, before the
	// switchover, so the operator can inspect the staging database.
	Interactive bool
}

// Result describes a finished restore run.
type Result struct {
	Success          bool
	SnapshotName     string
	PreviousDatabase string
	ActiveDatabase   string
	LastStep         Step
	Duration         time.Duration
}

// Manager drives the restore state machine.
type Manager struct {
	cfg           *config.AppConfig
	platform      *platform.State
	driver        common.Driver
	ledger        *rollback.Ledger
	history       history.Recorder
	notifications NotificationPolicy
	confirm       Confirmer

	// newBackend resolves the storage backend for a location override.
	newBackend func(location string) (storage.Backend, error)
}

// NewManager creates a restore manager from the global configuration.
func NewManager() (*Manager, error) {
	driver, err := common.Open(config.CFG.Database.Driver)
	if err != nil {
		return nil, err
	}
	return &Manager{
		cfg:           &config.CFG,
		platform:      platform.Default,
		driver:        driver,
		ledger:        rollback.Default,
		history:       history.DefaultStore,
		notifications: statePolicy{state: platform.Default},
		confirm:       TerminalConfirmer{},
		newBackend:    storage.New,
	}, nil
}

// Run restores the named snapshot. userID identifies the operator and is
// recorded in the operation history. Preconditions are checked before the
// readonly gate is ever touched; once the gate is enabled it is released on
// every exit path.
func (m *Manager) Run(ctx context.Context, userID string, opts Options) (*Result, error) {
	if opts.Filename == "" {
		return nil, apperrors.ErrFilenameMissing
	}
	if !m.platform.RestoreEnabled() {
		return nil, apperrors.ErrRestoreDisabled
	}

	store, err := m.newBackend(opts.Location)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.KindConfiguration, "unknown restore location", err)
	}
	info, err := store.File(ctx, opts.Filename)
	if err != nil {
		return nil, err
	}

	entry := m.history.Begin(history.KindRestore, userID, opts.Filename, store.Name())
	log.Printf("Starting restore of %s from %s storage", opts.Filename, store.Name())

	result := &Result{SnapshotName: opts.Filename, LastStep: StepPending}
	start := time.Now()
	err = m.execute(ctx, store, opts, result)
	result.Duration = time.Since(start)

	if err != nil {
		metrics.RestoreCount.WithLabelValues("error").Inc()
		if ferr := m.history.Fail(entry.ID, err.Error()); ferr != nil {
			log.Printf("Failed to record restore failure: %v", ferr)
		}
		log.Printf("Restore of %s failed after %s at step %s: %v",
			opts.Filename, result.Duration.Round(time.Millisecond), result.LastStep, err)
		return result, err
	}

	result.Success = true
	metrics.RestoreCount.WithLabelValues("success").Inc()
	metrics.RestoreDuration.Observe(result.Duration.Seconds())
	if cerr := m.history.Complete(entry.ID, info.Size, 0); cerr != nil {
		log.Printf("Failed to record restore completion: %v", cerr)
	}
	log.Printf("Restore of %s completed in %s; active database is now %s",
		opts.Filename, result.Duration.Round(time.Millisecond), result.ActiveDatabase)
	return result, nil
}

// execute runs the mutating span of a restore. The readonly gate is enabled
// here and released by defer whatever happens below.
func (m *Manager) execute(ctx context.Context, store storage.Backend, opts Options, result *Result) error {
	workDir, err := os.MkdirTemp("", "sitevault-restore")
	if err != nil {
		return fmt.Errorf("failed to create restore working directory: %w", err)
	}
	defer func() {
		if rerr := os.RemoveAll(workDir); rerr != nil {
			log.Printf("Failed to clean restore working directory %s: %v", workDir, rerr)
		}
	}()

	// Rollback point first so the operator can always get back to the
	// database that was live when the restore started.
	previous := m.platform.ActiveDatabase()
	if err := m.ledger.Record(previous); err != nil {
		return fmt.Errorf("failed to record rollback point: %w", err)
	}
	result.PreviousDatabase = previous

	if err := m.platform.EnableReadonly(); err != nil {
		return fmt.Errorf("failed to enable readonly mode: %w", err)
	}
	metrics.ReadonlyMode.Set(1)
	result.LastStep = StepReadonlyEnabled
	defer func() {
		if derr := m.platform.DisableReadonly(); derr != nil {
			log.Printf("Failed to disable readonly mode: %v", derr)
			return
		}
		metrics.ReadonlyMode.Set(0)
	}()

	staged := filepath.Join(workDir, filepath.Base(opts.Filename))
	if err := store.Download(ctx, opts.Filename, staged); err != nil {
		return err
	}

	contents, err := archive.Unpack(staged, filepath.Join(workDir, "contents"))
	if err != nil {
		return err
	}
	result.LastStep = StepUnpacked

	if contents.Meta != nil && version.IsNewer(contents.Meta.Version, version.Version) {
		return apperrors.Configuration(
			"snapshot was produced by platform version %s, newer than this version %s",
			contents.Meta.Version, version.Version)
	}

	stagingDB := m.stagingDatabaseName(time.Now())
	if err := m.applyDump(ctx, contents.DumpPath, stagingDB); err != nil {
		return err
	}
	result.LastStep = StepMigrated

	if opts.Interactive {
		prompt := fmt.Sprintf("Snapshot applied to staging database %s. Switch the site over?", stagingDB)
		if !m.confirm.Confirm(prompt) {
			return apperrors.Configuration(
				"restore stopped at the checkpoint; staging database %s was left in place", stagingDB)
		}
	}

	if err := m.platform.SetActiveDatabase(stagingDB); err != nil {
		return fmt.Errorf("failed to switch active database: %w", err)
	}
	result.ActiveDatabase = stagingDB

	if contents.UploadsDir != "" {
		if err := m.restoreUploads(contents.UploadsDir); err != nil {
			return fmt.Errorf("failed to restore uploads: %w", err)
		}
		log.Printf("Uploads tree restored into %s", m.cfg.Site.UploadsDirectory)
	} else {
		log.Println("Snapshot carries no uploads tree, skipping uploads restore")
	}
	result.LastStep = StepUploadsRestored

	if opts.DisableEmails {
		if err := m.notifications.SuppressNonPrivileged(ctx); err != nil {
			return fmt.Errorf("failed to suppress notifications: %w", err)
		}
	}
	return nil
}

// applyDump creates the staging database and feeds the dump into it.
func (m *Manager) applyDump(ctx context.Context, dumpPath, stagingDB string) error {
	if err := m.driver.Connect(ctx); err != nil {
		return fmt.Errorf("failed to connect to the store: %w", err)
	}
	defer func() {
		if cerr := m.driver.Close(); cerr != nil {
			log.Printf("Failed to close store connection: %v", cerr)
		}
	}()

	if err := m.driver.CreateDatabase(ctx, stagingDB); err != nil {
		return apperrors.Migration(fmt.Sprintf("failed to create staging database %s", stagingDB), err)
	}
	log.Printf("Created staging database %s", stagingDB)

	reader, err := archive.OpenSQL(dumpPath)
	if err != nil {
		return err
	}
	applyErr := m.driver.Apply(ctx, stagingDB, reader)
	if cerr := reader.Close(); cerr != nil {
		log.Printf("Failed to close dump reader: %v", cerr)
	}
	if applyErr != nil {
		return apperrors.Migration(fmt.Sprintf("failed to apply dump into %s", stagingDB), applyErr)
	}
	return nil
}

// stagingDatabaseName derives a fresh database identifier for this run.
func (m *Manager) stagingDatabaseName(now time.Time) string {
	return fmt.Sprintf("%s_%s", m.cfg.Restore.StagingPrefix, now.Format("20060102150405"))
}

// restoreUploads copies the unpacked uploads tree over the site's uploads
// directory. Existing files are overwritten, extra files are left alone.
func (m *Manager) restoreUploads(src string) error {
	dest := m.cfg.Site.UploadsDirectory
	if dest == "" {
		return fmt.Errorf("no uploads directory is configured")
	}
	return copyTree(src, dest)
}

func copyTree(src, dest string) error {
	return filepath.WalkDir(src, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(src, path)
		if err != nil {
			return err
		}
		target := filepath.Join(dest, rel)
		if d.IsDir() {
			return os.MkdirAll(target, 0o755)
		}
		if !d.Type().IsRegular() {
			return nil
		}
		return copyFile(path, target)
	})
}

func copyFile(src, dest string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := in.Close(); cerr != nil {
			log.Printf("Failed to close %s: %v", src, cerr)
		}
	}()

	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return err
	}
	out, err := os.Create(dest)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		_ = out.Close()
		return err
	}
	return out.Close()
}

// statePolicy persists the suppression decision in the platform state file
// where the platform's mailer picks it up.
type statePolicy struct {
	state *platform.State
}

func (p statePolicy) SuppressNonPrivileged(ctx context.Context) error {
	return p.state.SetNotificationsSuppressed(true)
}

// TerminalConfirmer prompts on standard input.
type TerminalConfirmer struct{}

func (TerminalConfirmer) Confirm(prompt string) bool {
	fmt.Printf("%s [y/N]: ", prompt)
	line, err := bufio.NewReader(os.Stdin).ReadString('\n')
	if err != nil {
		return false
	}
	answer := strings.ToLower(strings.TrimSpace(line))
	return answer == "y" || answer == "yes"
}
