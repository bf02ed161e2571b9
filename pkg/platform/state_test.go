package platform

import (
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/supporttools/SiteVault/pkg/config"
)

func newTestState(t *testing.T) *State {
	t.Helper()
	dir, err := os.MkdirTemp("", "platform-state-test")
	require.NoError(t, err)
	t.Cleanup(func() { os.RemoveAll(dir) })

	config.CFG.Restore.Enabled = false
	config.CFG.Database.Name = "site_content"
	config.CFG.Backup.IncludeUploads = true

	s, err := NewState(dir)
	require.NoError(t, err)
	return s
}

// TestStateSeededFromConfig tests that a fresh state file picks up the
// configured defaults.
func TestStateSeededFromConfig(t *testing.T) {
	s := newTestState(t)

	assert.False(t, s.ReadonlyEnabled())
	assert.False(t, s.RestoreEnabled())
	assert.Equal(t, "site_content", s.ActiveDatabase())
	assert.True(t, s.IncludeUploads())
}

// TestReadonlyGateIdempotence tests that enable/disable are no-ops when the
// gate is already in the requested state.
func TestReadonlyGateIdempotence(t *testing.T) {
	s := newTestState(t)

	require.NoError(t, s.EnableReadonly())
	require.NoError(t, s.EnableReadonly())
	assert.True(t, s.ReadonlyEnabled())

	require.NoError(t, s.DisableReadonly())
	require.NoError(t, s.DisableReadonly())
	assert.False(t, s.ReadonlyEnabled())
}

// TestStatePersistsAcrossReopen tests that another process opening the same
// state directory observes previously persisted flags.
func TestStatePersistsAcrossReopen(t *testing.T) {
	dir, err := os.MkdirTemp("", "platform-state-test")
	require.NoError(t, err)
	defer os.RemoveAll(dir)

	config.CFG.Restore.Enabled = false
	config.CFG.Database.Name = "site_content"

	first, err := NewState(dir)
	require.NoError(t, err)
	require.NoError(t, first.EnableReadonly())
	require.NoError(t, first.SetRestoreEnabled(true))
	require.NoError(t, first.SetActiveDatabase("site_content_restore_1"))

	second, err := NewState(dir)
	require.NoError(t, err)
	assert.True(t, second.ReadonlyEnabled())
	assert.True(t, second.RestoreEnabled())
	assert.Equal(t, "site_content_restore_1", second.ActiveDatabase())
}

// TestStateFileContents tests that the state file is written where expected.
func TestStateFileContents(t *testing.T) {
	dir, err := os.MkdirTemp("", "platform-state-test")
	require.NoError(t, err)
	defer os.RemoveAll(dir)

	config.CFG.Database.Name = "site_content"
	s, err := NewState(dir)
	require.NoError(t, err)
	require.NoError(t, s.EnableReadonly())

	raw, err := os.ReadFile(filepath.Join(dir, stateFileName))
	require.NoError(t, err)
	assert.Contains(t, string(raw), `"readonly": true`)
	assert.Contains(t, string(raw), `"activeDatabase": "site_content"`)
}

// TestConcurrentAccess tests that concurrent readers and writers do not
// race; run with -race.
func TestConcurrentAccess(t *testing.T) {
	s := newTestState(t)

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			_ = s.EnableReadonly()
			_ = s.DisableReadonly()
		}()
		go func() {
			defer wg.Done()
			_ = s.ReadonlyEnabled()
			_ = s.ActiveDatabase()
		}()
	}
	wg.Wait()

	assert.False(t, s.ReadonlyEnabled())
}
