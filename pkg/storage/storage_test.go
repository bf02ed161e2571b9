package storage

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/supporttools/SiteVault/pkg/config"
)

// TestExpiredKeepsEverythingForever tests that a forever rule never expires
// anything.
func TestExpiredKeepsEverythingForever(t *testing.T) {
	now := time.Now()
	files := []FileInfo{
		{Name: "old.tar.gz", LastModified: now.Add(-1000 * 24 * time.Hour)},
	}

	expired := Expired(files, config.RetentionRule{Forever: true, Duration: "1d"}, now)
	assert.Empty(t, expired)
}

// TestExpiredByDuration tests that files older than the rule duration expire.
func TestExpiredByDuration(t *testing.T) {
	now := time.Now()
	files := []FileInfo{
		{Name: "fresh.tar.gz", LastModified: now.Add(-24 * time.Hour)},
		{Name: "stale.tar.gz", LastModified: now.Add(-40 * 24 * time.Hour)},
	}

	expired := Expired(files, config.RetentionRule{Duration: "30d"}, now)
	assert.Len(t, expired, 1)
	assert.Equal(t, "stale.tar.gz", expired[0].Name)
}

// TestExpiredByCount tests that only the newest N files survive a
// maxSnapshots rule.
func TestExpiredByCount(t *testing.T) {
	now := time.Now()
	files := []FileInfo{
		{Name: "a.tar.gz", LastModified: now.Add(-3 * time.Hour)},
		{Name: "b.tar.gz", LastModified: now.Add(-2 * time.Hour)},
		{Name: "c.tar.gz", LastModified: now.Add(-1 * time.Hour)},
	}

	expired := Expired(files, config.RetentionRule{MaxSnapshots: 2}, now)
	assert.Len(t, expired, 1)
	assert.Equal(t, "a.tar.gz", expired[0].Name)
}

// TestExpiredCombinedRules tests that duration and count rules both apply.
func TestExpiredCombinedRules(t *testing.T) {
	now := time.Now()
	files := []FileInfo{
		{Name: "ancient.tar.gz", LastModified: now.Add(-60 * 24 * time.Hour)},
		{Name: "old.tar.gz", LastModified: now.Add(-10 * 24 * time.Hour)},
		{Name: "new.tar.gz", LastModified: now.Add(-1 * time.Hour)},
	}

	expired := Expired(files, config.RetentionRule{Duration: "30d", MaxSnapshots: 2}, now)

	names := make(map[string]bool)
	for _, f := range expired {
		names[f.Name] = true
	}
	assert.True(t, names["ancient.tar.gz"])
	assert.False(t, names["new.tar.gz"])
}

// TestNewUnknownLocation tests that an unregistered location is rejected.
func TestNewUnknownLocation(t *testing.T) {
	_, err := New("tape")
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "unsupported storage location")
}
