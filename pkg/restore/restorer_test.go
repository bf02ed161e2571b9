package restore

import (
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/supporttools/SiteVault/pkg/apperrors"
	"github.com/supporttools/SiteVault/pkg/archive"
	"github.com/supporttools/SiteVault/pkg/config"
	"github.com/supporttools/SiteVault/pkg/history"
	"github.com/supporttools/SiteVault/pkg/platform"
	"github.com/supporttools/SiteVault/pkg/rollback"
	"github.com/supporttools/SiteVault/pkg/snapshot"
	"github.com/supporttools/SiteVault/pkg/storage"
	"github.com/supporttools/SiteVault/pkg/store/common"
)

const testSnapshotName = "example-forum-2026-01-01-00-00-00.tar.gz"

// fakeBackend serves snapshots from memory.
type fakeBackend struct {
	files       map[string][]byte
	downloadErr error
}

func (b *fakeBackend) Name() string   { return "fake" }
func (b *fakeBackend) IsRemote() bool { return false }

func (b *fakeBackend) File(ctx context.Context, name string) (storage.FileInfo, error) {
	data, ok := b.files[name]
	if !ok {
		return storage.FileInfo{}, apperrors.NotFound("snapshot %s not found", name)
	}
	return storage.FileInfo{Name: name, Size: int64(len(data)), LastModified: time.Now()}, nil
}

func (b *fakeBackend) ListFiles(ctx context.Context) ([]storage.FileInfo, error) {
	return nil, nil
}

func (b *fakeBackend) Upload(ctx context.Context, localPath, name string) error {
	return nil
}

func (b *fakeBackend) Download(ctx context.Context, name, destPath string) error {
	if b.downloadErr != nil {
		return b.downloadErr
	}
	data, ok := b.files[name]
	if !ok {
		return apperrors.NotFound("snapshot %s not found", name)
	}
	return os.WriteFile(destPath, data, 0o644)
}

func (b *fakeBackend) Delete(ctx context.Context, name string) error {
	return nil
}

func (b *fakeBackend) EnforceRetention(ctx context.Context) (int, error) {
	return 0, nil
}

// fakeDriver records staging databases and applied dumps.
type fakeDriver struct {
	connectErr error
	createErr  error
	applyErr   error
	created    []string
	applied    map[string]string
}

func (d *fakeDriver) Name() string                       { return "fake" }
func (d *fakeDriver) Close() error                       { return nil }
func (d *fakeDriver) DumpCommand(database string) string { return "" }
func (d *fakeDriver) Validate() error                    { return nil }

func (d *fakeDriver) Connect(ctx context.Context) error {
	return d.connectErr
}

func (d *fakeDriver) ListDatabases(ctx context.Context) ([]string, error) {
	return nil, nil
}

func (d *fakeDriver) DatabaseExists(ctx context.Context, name string) (bool, error) {
	return false, nil
}

func (d *fakeDriver) CreateDatabase(ctx context.Context, name string) error {
	if d.createErr != nil {
		return d.createErr
	}
	d.created = append(d.created, name)
	return nil
}

func (d *fakeDriver) Dump(ctx context.Context, database string, output io.Writer) error {
	return nil
}

func (d *fakeDriver) Apply(ctx context.Context, database string, input io.Reader) error {
	if d.applyErr != nil {
		return d.applyErr
	}
	data, err := io.ReadAll(input)
	if err != nil {
		return err
	}
	d.applied[database] = string(data)
	return nil
}

func (d *fakeDriver) Remap(ctx context.Context, database string, job common.RemapJob) (common.RemapResult, error) {
	return common.RemapResult{}, nil
}

type fakeConfirmer struct {
	approve bool
	prompts []string
}

func (c *fakeConfirmer) Confirm(prompt string) bool {
	c.prompts = append(c.prompts, prompt)
	return c.approve
}

type fakePolicy struct {
	err        error
	suppressed bool
}

func (p *fakePolicy) SuppressNonPrivileged(ctx context.Context) error {
	if p.err != nil {
		return p.err
	}
	p.suppressed = true
	return nil
}

type fixtures struct {
	backend *fakeBackend
	driver  *fakeDriver
	state   *platform.State
	ledger  *rollback.Ledger
	history *history.Store
	confirm *fakeConfirmer
	policy  *fakePolicy
}

func newTestManager(t *testing.T) (*Manager, *fixtures) {
	t.Helper()

	config.CFG.Site.Name = "Example Forum"
	config.CFG.Site.UploadsDirectory = filepath.Join(t.TempDir(), "uploads")
	config.CFG.Database.Name = "site_main"
	config.CFG.Restore.Enabled = true
	config.CFG.Restore.StagingPrefix = "restore"

	state, err := platform.NewState(t.TempDir())
	require.NoError(t, err)

	f := &fixtures{
		backend: &fakeBackend{files: map[string][]byte{}},
		driver:  &fakeDriver{applied: map[string]string{}},
		state:   state,
		ledger:  rollback.NewLedger(t.TempDir()),
		history: history.NewFileStore(filepath.Join(t.TempDir(), "history.json")),
		confirm: &fakeConfirmer{approve: true},
		policy:  &fakePolicy{},
	}
	require.NoError(t, f.history.Load())

	m := &Manager{
		cfg:           &config.CFG,
		platform:      state,
		driver:        f.driver,
		ledger:        f.ledger,
		history:       f.history,
		notifications: f.policy,
		confirm:       f.confirm,
		newBackend: func(location string) (storage.Backend, error) {
			return f.backend, nil
		},
	}
	return m, f
}

// snapshotBytes builds a real tarball snapshot in a scratch directory.
func snapshotBytes(t *testing.T, metaVersion string, withUploads bool) []byte {
	t.Helper()

	work := t.TempDir()
	uploadsDir := ""
	if withUploads {
		uploadsDir = filepath.Join(work, "uploads")
		require.NoError(t, os.MkdirAll(filepath.Join(uploadsDir, "avatars"), 0o755))
		require.NoError(t, os.WriteFile(filepath.Join(uploadsDir, "avatars", "alice.png"), []byte("avatar"), 0o644))
	}

	builder := &archive.Builder{WorkDir: work}
	meta := archive.Metadata{
		Version:         metaVersion,
		Site:            "Example Forum",
		Database:        "site_main",
		CreatedAt:       time.Now().UTC(),
		IncludesUploads: withUploads,
	}
	staged, err := builder.Build(context.Background(), snapshot.FormatTarGz,
		func(ctx context.Context, w io.Writer) error {
			_, werr := io.WriteString(w, "CREATE TABLE posts (id INT);\n")
			return werr
		}, meta, uploadsDir)
	require.NoError(t, err)

	data, err := os.ReadFile(staged)
	require.NoError(t, err)
	return data
}

// TestRunMissingFilename tests that an empty filename fails before anything
// else happens.
func TestRunMissingFilename(t *testing.T) {
	m, f := newTestManager(t)

	_, err := m.Run(context.Background(), "admin-1", Options{})
	require.Error(t, err)

	assert.True(t, errors.Is(err, apperrors.ErrFilenameMissing))
	assert.False(t, f.state.ReadonlyEnabled())
	assert.Empty(t, f.history.Entries())
}

// TestRunRejectedWhenRestoresDisabled tests the restore-enabled precondition
// is checked before the readonly gate is ever touched.
func TestRunRejectedWhenRestoresDisabled(t *testing.T) {
	m, f := newTestManager(t)
	require.NoError(t, f.state.SetRestoreEnabled(false))

	_, err := m.Run(context.Background(), "admin-1", Options{Filename: testSnapshotName})
	require.Error(t, err)

	assert.True(t, errors.Is(err, apperrors.ErrRestoreDisabled))
	assert.True(t, apperrors.IsConfiguration(err))
	assert.False(t, f.state.ReadonlyEnabled())
	assert.Empty(t, f.history.Entries())
	assert.Empty(t, f.driver.created)
}

// TestRunUnknownSnapshot tests the not-found path before any mutation.
func TestRunUnknownSnapshot(t *testing.T) {
	m, f := newTestManager(t)

	_, err := m.Run(context.Background(), "admin-1", Options{Filename: "missing.tar.gz"})
	require.Error(t, err)

	assert.True(t, apperrors.IsNotFound(err))
	assert.False(t, f.state.ReadonlyEnabled())
	assert.Empty(t, f.history.Entries())
}

// TestRunSuccessWithUploads tests the full state machine end to end.
func TestRunSuccessWithUploads(t *testing.T) {
	m, f := newTestManager(t)
	f.backend.files[testSnapshotName] = snapshotBytes(t, "0.9.0", true)

	result, err := m.Run(context.Background(), "admin-1", Options{
		Filename:      testSnapshotName,
		DisableEmails: true,
	})
	require.NoError(t, err)

	assert.True(t, result.Success)
	assert.Equal(t, StepUploadsRestored, result.LastStep)
	assert.Equal(t, "site_main", result.PreviousDatabase)
	assert.True(t, strings.HasPrefix(result.ActiveDatabase, "restore_"))

	assert.False(t, f.state.ReadonlyEnabled())
	assert.Equal(t, result.ActiveDatabase, f.state.ActiveDatabase())

	require.Len(t, f.driver.created, 1)
	assert.Equal(t, result.ActiveDatabase, f.driver.created[0])
	assert.Contains(t, f.driver.applied[result.ActiveDatabase], "CREATE TABLE posts")

	assert.FileExists(t, filepath.Join(config.CFG.Site.UploadsDirectory, "avatars", "alice.png"))
	assert.True(t, f.policy.suppressed)

	previous, err := f.ledger.Current()
	require.NoError(t, err)
	assert.Equal(t, "site_main", previous)

	entries := f.history.Entries()
	require.Len(t, entries, 1)
	assert.Equal(t, history.KindRestore, entries[0].Kind)
	assert.Equal(t, history.StatusSuccess, entries[0].Status)
	assert.Greater(t, entries[0].Size, int64(0))
}

// TestRunDownloadFailureReleasesGate tests that a transport failure after the
// gate is enabled still clears it.
func TestRunDownloadFailureReleasesGate(t *testing.T) {
	m, f := newTestManager(t)
	f.backend.files[testSnapshotName] = snapshotBytes(t, "0.9.0", false)
	f.backend.downloadErr = errors.New("connection reset")

	result, err := m.Run(context.Background(), "admin-1", Options{Filename: testSnapshotName})
	require.Error(t, err)

	assert.False(t, result.Success)
	assert.Equal(t, StepReadonlyEnabled, result.LastStep)
	assert.False(t, f.state.ReadonlyEnabled())
	assert.Equal(t, "site_main", f.state.ActiveDatabase())

	entries := f.history.Entries()
	require.Len(t, entries, 1)
	assert.Equal(t, history.StatusError, entries[0].Status)
}

// TestRunCorruptArchiveReleasesGate tests the integrity check failure path.
func TestRunCorruptArchiveReleasesGate(t *testing.T) {
	m, f := newTestManager(t)
	f.backend.files[testSnapshotName] = []byte("this is not a gzip stream")

	result, err := m.Run(context.Background(), "admin-1", Options{Filename: testSnapshotName})
	require.Error(t, err)

	assert.True(t, apperrors.IsCorruptArchive(err))
	assert.False(t, result.Success)
	assert.False(t, f.state.ReadonlyEnabled())
	assert.Equal(t, "site_main", f.state.ActiveDatabase())
	assert.Empty(t, f.driver.created)
}

// TestRunApplyFailureLeavesRollbackPoint tests that a failed dump apply keeps
// the pre-restore database active and the rollback point intact.
func TestRunApplyFailureLeavesRollbackPoint(t *testing.T) {
	m, f := newTestManager(t)
	f.backend.files[testSnapshotName] = snapshotBytes(t, "0.9.0", false)
	f.driver.applyErr = errors.New("syntax error at line 3")

	result, err := m.Run(context.Background(), "admin-1", Options{Filename: testSnapshotName})
	require.Error(t, err)

	assert.True(t, apperrors.IsKind(err, apperrors.KindMigration))
	assert.False(t, result.Success)
	assert.Equal(t, StepUnpacked, result.LastStep)
	assert.False(t, f.state.ReadonlyEnabled())
	assert.Equal(t, "site_main", f.state.ActiveDatabase())

	previous, lerr := f.ledger.Current()
	require.NoError(t, lerr)
	assert.Equal(t, "site_main", previous)
}

// TestRunUploadsFailureAfterSwitch tests that an uploads failure marks the
// run failed while the switchover already happened, and the ledger still
// points back at the previous database.
func TestRunUploadsFailureAfterSwitch(t *testing.T) {
	m, f := newTestManager(t)
	f.backend.files[testSnapshotName] = snapshotBytes(t, "0.9.0", true)

	// A plain file where the uploads directory should be makes the copy fail.
	config.CFG.Site.UploadsDirectory = filepath.Join(t.TempDir(), "uploads")
	require.NoError(t, os.WriteFile(config.CFG.Site.UploadsDirectory, []byte("in the way"), 0o644))

	result, err := m.Run(context.Background(), "admin-1", Options{Filename: testSnapshotName})
	require.Error(t, err)

	assert.False(t, result.Success)
	assert.Equal(t, StepMigrated, result.LastStep)
	assert.False(t, f.state.ReadonlyEnabled())
	assert.True(t, strings.HasPrefix(f.state.ActiveDatabase(), "restore_"))

	previous, lerr := f.ledger.Current()
	require.NoError(t, lerr)
	assert.Equal(t, "site_main", previous)
}

// TestRunNotificationFailureReleasesGate tests the last step's failure path.
func TestRunNotificationFailureReleasesGate(t *testing.T) {
	m, f := newTestManager(t)
	f.backend.files[testSnapshotName] = snapshotBytes(t, "0.9.0", false)
	f.policy.err = errors.New("state file locked")

	result, err := m.Run(context.Background(), "admin-1", Options{
		Filename:      testSnapshotName,
		DisableEmails: true,
	})
	require.Error(t, err)

	assert.False(t, result.Success)
	assert.Equal(t, StepUploadsRestored, result.LastStep)
	assert.False(t, f.state.ReadonlyEnabled())
}

// TestRunInteractiveDecline tests that declining the checkpoint stops the
// run before the switchover.
func TestRunInteractiveDecline(t *testing.T) {
	m, f := newTestManager(t)
	f.backend.files[testSnapshotName] = snapshotBytes(t, "0.9.0", false)
	f.confirm.approve = false

	result, err := m.Run(context.Background(), "admin-1", Options{
		Filename:    testSnapshotName,
		Interactive: true,
	})
	require.Error(t, err)

	assert.True(t, apperrors.IsConfiguration(err))
	assert.False(t, result.Success)
	assert.Len(t, f.confirm.prompts, 1)
	assert.Equal(t, "site_main", f.state.ActiveDatabase())
	assert.False(t, f.state.ReadonlyEnabled())
}

// TestRunRejectsNewerSnapshotVersion tests the version compatibility check
// runs before any staging database is created.
func TestRunRejectsNewerSnapshotVersion(t *testing.T) {
	m, f := newTestManager(t)
	f.backend.files[testSnapshotName] = snapshotBytes(t, "99.0.0", false)

	result, err := m.Run(context.Background(), "admin-1", Options{Filename: testSnapshotName})
	require.Error(t, err)

	assert.True(t, apperrors.IsConfiguration(err))
	assert.Contains(t, err.Error(), "newer")
	assert.False(t, result.Success)
	assert.Empty(t, f.driver.created)
	assert.Equal(t, "site_main", f.state.ActiveDatabase())
	assert.False(t, f.state.ReadonlyEnabled())
}

// TestStatePolicySetsPlatformFlag tests the default notification policy.
func TestStatePolicySetsPlatformFlag(t *testing.T) {
	state, err := platform.NewState(t.TempDir())
	require.NoError(t, err)

	policy := statePolicy{state: state}
	require.NoError(t, policy.SuppressNonPrivileged(context.Background()))
	assert.True(t, state.NotificationsSuppressed())
}
