package snapshot

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

// TestFormatOf tests extension recognition, including the longest-match rule
// that keeps ".sql.gz" from being read as ".sql" plus junk.
func TestFormatOf(t *testing.T) {
	cases := map[string]Format{
		"site-2025-01-02-03-04-05.sql":    FormatSQL,
		"site-2025-01-02-03-04-05.sql.gz": FormatSQLGz,
		"site-2025-01-02-03-04-05.tar.gz": FormatTarGz,
		"weekly.tgz":                      FormatTgz,
		"UPPER.SQL.GZ":                    FormatSQLGz,
	}
	for name, want := range cases {
		got, ok := FormatOf(name)
		assert.True(t, ok, name)
		assert.Equal(t, want, got, name)
	}

	_, ok := FormatOf("notes.txt")
	assert.False(t, ok)
	_, ok = FormatOf("archive.zip")
	assert.False(t, ok)
}

// TestStripExtension tests that only recognized extensions are removed.
func TestStripExtension(t *testing.T) {
	assert.Equal(t, "site-backup", StripExtension("site-backup.tar.gz"))
	assert.Equal(t, "site-backup", StripExtension("site-backup.sql.gz"))
	assert.Equal(t, "site-backup", StripExtension("site-backup.sql"))
	assert.Equal(t, "site-backup.zip", StripExtension("site-backup.zip"))
	assert.Equal(t, "site-backup", StripExtension("site-backup"))
}

// TestDeriveBaseName tests the site-name-timestamp default and extension
// stripping for supplied names.
func TestDeriveBaseName(t *testing.T) {
	now := time.Date(2025, 6, 1, 14, 30, 0, 0, time.UTC)

	derived := DeriveBaseName("My Forum", "", now)
	assert.Equal(t, "My-Forum-2025-06-01-14-30-00", derived)

	supplied := DeriveBaseName("ignored", "pre-upgrade.tar.gz", now)
	assert.Equal(t, "pre-upgrade", supplied)

	messy := DeriveBaseName("ignored", "../..//evil name.sql", now)
	assert.Equal(t, "evil-name", messy)
}

// TestFilenameRoundTrip tests that deriving and parsing agree.
func TestFilenameRoundTrip(t *testing.T) {
	now := time.Date(2025, 6, 1, 14, 30, 0, 0, time.UTC)
	base := DeriveBaseName("forum", "", now)
	name := Filename(base, FormatTarGz)

	parsedBase, createdAt, ok := ParseFilename(name)
	assert.True(t, ok)
	assert.Equal(t, base, parsedBase)
	assert.Equal(t, now, createdAt)
}

// TestParseFilenameRejectsCustomNames tests that operator-chosen names
// without a timestamp are reported as unparseable rather than guessed at.
func TestParseFilenameRejectsCustomNames(t *testing.T) {
	_, _, ok := ParseFilename("pre-upgrade.tar.gz")
	assert.False(t, ok)
}

// TestFormatPredicates tests the tarball/gzip classification used by the
// archive unpacker.
func TestFormatPredicates(t *testing.T) {
	assert.True(t, FormatTarGz.IsTarball())
	assert.True(t, FormatTgz.IsTarball())
	assert.False(t, FormatSQLGz.IsTarball())

	assert.True(t, FormatSQLGz.IsGzipped())
	assert.True(t, FormatTarGz.IsGzipped())
	assert.False(t, FormatSQL.IsGzipped())
}
