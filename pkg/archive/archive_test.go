package archive

import (
	"archive/tar"
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/klauspost/compress/gzip"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/supporttools/SiteVault/pkg/apperrors"
	"github.com/supporttools/SiteVault/pkg/snapshot"
)

const testDumpSQL = "CREATE TABLE posts (id INT);\nINSERT INTO posts VALUES (1);\n"

func sqlDump(_ context.Context, w io.Writer) error {
	_, err := io.WriteString(w, testDumpSQL)
	return err
}

func uploadsFixture(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "avatars"), 0755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "logo.png"), []byte("png-bytes"), 0644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "avatars", "alice.png"), []byte("avatar-bytes"), 0644))
	return dir
}

// TestBuildAndUnpackFullSnapshot tests that a full snapshot round-trips with
// its dump, uploads tree and metadata intact.
func TestBuildAndUnpackFullSnapshot(t *testing.T) {
	builder := &Builder{WorkDir: t.TempDir()}
	uploads := uploadsFixture(t)

	meta := Metadata{
		Version:         "0.9.0",
		Site:            "forum",
		Database:        "forum_production",
		CreatedAt:       time.Now().UTC().Truncate(time.Second),
		IncludesUploads: true,
	}

	archivePath, err := builder.Build(context.Background(), snapshot.FormatTarGz, sqlDump, meta, uploads)
	require.NoError(t, err)
	assert.FileExists(t, archivePath)

	workDir := t.TempDir()
	contents, err := Unpack(archivePath, workDir)
	require.NoError(t, err)

	require.NotNil(t, contents.Meta)
	assert.Equal(t, "forum", contents.Meta.Site)
	assert.Equal(t, "forum_production", contents.Meta.Database)
	assert.True(t, contents.Meta.IncludesUploads)

	reader, err := OpenSQL(contents.DumpPath)
	require.NoError(t, err)
	defer reader.Close()
	data, err := io.ReadAll(reader)
	require.NoError(t, err)
	assert.Equal(t, testDumpSQL, string(data))

	require.NotEmpty(t, contents.UploadsDir)
	avatar, err := os.ReadFile(filepath.Join(contents.UploadsDir, "avatars", "alice.png"))
	require.NoError(t, err)
	assert.Equal(t, "avatar-bytes", string(avatar))
}

// TestBuildReportsDumpFailure tests that a failing dump producer surfaces a
// typed dump error and leaves no archive behind.
func TestBuildReportsDumpFailure(t *testing.T) {
	builder := &Builder{WorkDir: t.TempDir()}

	failing := func(_ context.Context, _ io.Writer) error {
		return errors.New("connection refused")
	}

	_, err := builder.Build(context.Background(), snapshot.FormatTarGz, failing, Metadata{}, "")
	require.Error(t, err)
	assert.True(t, apperrors.IsKind(err, apperrors.KindDump))
}

// TestBuildWithoutUploadsDirectory tests that a missing uploads directory
// downgrades the snapshot instead of failing it.
func TestBuildWithoutUploadsDirectory(t *testing.T) {
	builder := &Builder{WorkDir: t.TempDir()}

	meta := Metadata{Site: "forum", IncludesUploads: true}
	archivePath, err := builder.Build(context.Background(), snapshot.FormatTarGz, sqlDump, meta, "/nonexistent/uploads")
	require.NoError(t, err)

	contents, err := Unpack(archivePath, t.TempDir())
	require.NoError(t, err)
	require.NotNil(t, contents.Meta)
	assert.False(t, contents.Meta.IncludesUploads)
	assert.Empty(t, contents.UploadsDir)
}

// TestUnpackBareGzippedDump tests that a bare .sql.gz snapshot unpacks to a
// readable dump with no metadata.
func TestUnpackBareGzippedDump(t *testing.T) {
	dir := t.TempDir()
	archivePath := filepath.Join(dir, "forum-2025-06-01-14-30-00.sql.gz")

	file, err := os.Create(archivePath)
	require.NoError(t, err)
	gz := gzip.NewWriter(file)
	_, err = io.WriteString(gz, testDumpSQL)
	require.NoError(t, err)
	require.NoError(t, gz.Close())
	require.NoError(t, file.Close())

	contents, err := Unpack(archivePath, t.TempDir())
	require.NoError(t, err)
	assert.Nil(t, contents.Meta)
	assert.Empty(t, contents.UploadsDir)

	reader, err := OpenSQL(contents.DumpPath)
	require.NoError(t, err)
	defer reader.Close()
	data, err := io.ReadAll(reader)
	require.NoError(t, err)
	assert.Equal(t, testDumpSQL, string(data))
}

// TestUnpackRejectsUnknownFormat tests that unrecognized extensions are
// treated as corrupt.
func TestUnpackRejectsUnknownFormat(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "snapshot.rar")
	require.NoError(t, os.WriteFile(path, []byte("whatever"), 0644))

	_, err := Unpack(path, t.TempDir())
	require.Error(t, err)
	assert.True(t, apperrors.IsCorruptArchive(err))
}

// TestUnpackRejectsNonGzipBytes tests that a file with the wrong magic bytes
// is rejected before any extraction happens.
func TestUnpackRejectsNonGzipBytes(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "forum-2025-06-01-14-30-00.tar.gz")
	require.NoError(t, os.WriteFile(path, []byte("this is not a gzip stream"), 0644))

	workDir := t.TempDir()
	_, err := Unpack(path, workDir)
	require.Error(t, err)
	assert.True(t, apperrors.IsCorruptArchive(err))

	entries, err := os.ReadDir(workDir)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

// TestUnpackRejectsTraversal tests that an entry pointing outside the
// working directory aborts extraction as corrupt.
func TestUnpackRejectsTraversal(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "evil.tar.gz")

	file, err := os.Create(path)
	require.NoError(t, err)
	gz := gzip.NewWriter(file)
	tw := tar.NewWriter(gz)

	payload := []byte("pwned")
	require.NoError(t, tw.WriteHeader(&tar.Header{
		Name: "../escape.txt",
		Mode: 0644,
		Size: int64(len(payload)),
	}))
	_, err = tw.Write(payload)
	require.NoError(t, err)
	require.NoError(t, tw.Close())
	require.NoError(t, gz.Close())
	require.NoError(t, file.Close())

	parent := t.TempDir()
	workDir := filepath.Join(parent, "scope")
	require.NoError(t, os.MkdirAll(workDir, 0755))

	_, err = Unpack(path, workDir)
	require.Error(t, err)
	assert.True(t, apperrors.IsCorruptArchive(err))

	_, err = os.Stat(filepath.Join(parent, "escape.txt"))
	assert.True(t, os.IsNotExist(err))
}

// TestUnpackRejectsTarballWithoutDump tests that a tarball missing its dump
// entry is reported as corrupt.
func TestUnpackRejectsTarballWithoutDump(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "empty.tgz")

	file, err := os.Create(path)
	require.NoError(t, err)
	gz := gzip.NewWriter(file)
	tw := tar.NewWriter(gz)

	payload := []byte(`{"site":"forum"}`)
	require.NoError(t, tw.WriteHeader(&tar.Header{
		Name: MetaFilename,
		Mode: 0644,
		Size: int64(len(payload)),
	}))
	_, err = tw.Write(payload)
	require.NoError(t, err)
	require.NoError(t, tw.Close())
	require.NoError(t, gz.Close())
	require.NoError(t, file.Close())

	_, err = Unpack(path, t.TempDir())
	require.Error(t, err)
	assert.True(t, apperrors.IsCorruptArchive(err))
}
