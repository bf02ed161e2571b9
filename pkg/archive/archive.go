// Package archive builds and unpacks snapshot packages. A full snapshot is
// a gzipped tarball holding the database dump, an optional uploads tree and
// a metadata file. Bare dumps (.sql, .sql.gz) are supported as degenerate
// snapshots without uploads or metadata.
package archive

import (
	"archive/tar"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/klauspost/compress/gzip"

	"github.com/supporttools/SiteVault/pkg/apperrors"
	"github.com/supporttools/SiteVault/pkg/snapshot"
)

const (
	// MetaFilename is the metadata entry inside a full snapshot
	MetaFilename = "meta.json"
	// DumpFilename is the dump entry inside a full snapshot
	DumpFilename = "dump.sql.gz"
	// UploadsDirname is the uploads tree entry inside a full snapshot
	UploadsDirname = "uploads"
)

// gzipMagic is the two byte header every gzip stream starts with
var gzipMagic = []byte{0x1f, 0x8b}

// Metadata describes the snapshot contents and its origin
type Metadata struct {
	Version         string    `json:"version"`
	Site            string    `json:"site"`
	Database        string    `json:"database"`
	CreatedAt       time.Time `json:"createdAt"`
	IncludesUploads bool      `json:"includesUploads"`
}

// DumpFunc streams a SQL dump into w. The database driver supplies this.
type DumpFunc func(ctx context.Context, w io.Writer) error

// Contents locates what an unpacked snapshot provided
type Contents struct {
	DumpPath   string    // always set
	UploadsDir string    // empty when the snapshot carries no uploads
	Meta       *Metadata // nil for bare dumps
}

// Builder assembles snapshot files inside a scoped working directory.
type Builder struct {
	WorkDir string
}

// Build produces a snapshot file of the given format in the working
// directory and returns its path. Dump producer failures come back as
// typed dump errors so callers can tell them from packaging failures.
func (b *Builder) Build(ctx context.Context, format snapshot.Format, dump DumpFunc, meta Metadata, uploadsDir string) (string, error) {
	switch format {
	case snapshot.FormatSQL:
		return b.buildPlainDump(ctx, dump)
	case snapshot.FormatSQLGz:
		return b.buildGzippedDump(ctx, dump)
	case snapshot.FormatTarGz, snapshot.FormatTgz:
		return b.buildTarball(ctx, format, dump, meta, uploadsDir)
	default:
		return "", fmt.Errorf("unsupported snapshot format: %s", format)
	}
}

func (b *Builder) buildPlainDump(ctx context.Context, dump DumpFunc) (string, error) {
	path := filepath.Join(b.WorkDir, "dump.sql")

	file, err := os.Create(path)
	if err != nil {
		return "", fmt.Errorf("failed to create dump file: %w", err)
	}
	defer file.Close()

	if err := dump(ctx, file); err != nil {
		return "", apperrors.Dump("dump producer failed", err)
	}

	return path, file.Close()
}

func (b *Builder) buildGzippedDump(ctx context.Context, dump DumpFunc) (string, error) {
	path := filepath.Join(b.WorkDir, DumpFilename)

	file, err := os.Create(path)
	if err != nil {
		return "", fmt.Errorf("failed to create dump file: %w", err)
	}
	defer file.Close()

	gz := gzip.NewWriter(file)
	if err := dump(ctx, gz); err != nil {
		gz.Close()
		return "", apperrors.Dump("dump producer failed", err)
	}
	if err := gz.Close(); err != nil {
		return "", fmt.Errorf("failed to finish dump compression: %w", err)
	}

	return path, file.Close()
}

func (b *Builder) buildTarball(ctx context.Context, format snapshot.Format, dump DumpFunc, meta Metadata, uploadsDir string) (string, error) {
	// Produce the inner dump first so a dump failure aborts before any
	// archive bytes exist.
	dumpPath, err := b.buildGzippedDump(ctx, dump)
	if err != nil {
		return "", err
	}

	// An uploads directory that is configured but absent downgrades the
	// snapshot instead of failing it.
	if meta.IncludesUploads {
		if info, err := os.Stat(uploadsDir); err != nil || !info.IsDir() {
			log.Printf("Uploads directory %s not found; snapshot will not include uploads", uploadsDir)
			meta.IncludesUploads = false
		}
	}

	metaPath := filepath.Join(b.WorkDir, MetaFilename)
	metaBytes, err := json.MarshalIndent(meta, "", "  ")
	if err != nil {
		return "", fmt.Errorf("failed to encode snapshot metadata: %w", err)
	}
	if err := os.WriteFile(metaPath, metaBytes, 0644); err != nil {
		return "", fmt.Errorf("failed to write snapshot metadata: %w", err)
	}

	archivePath := filepath.Join(b.WorkDir, "snapshot"+string(format))
	file, err := os.Create(archivePath)
	if err != nil {
		return "", fmt.Errorf("failed to create archive file: %w", err)
	}
	defer file.Close()

	gz := gzip.NewWriter(file)
	tw := tar.NewWriter(gz)

	if err := addFile(tw, metaPath, MetaFilename); err != nil {
		return "", err
	}
	if err := addFile(tw, dumpPath, DumpFilename); err != nil {
		return "", err
	}
	if meta.IncludesUploads {
		if err := addTree(tw, uploadsDir, UploadsDirname); err != nil {
			return "", err
		}
	}

	if err := tw.Close(); err != nil {
		return "", fmt.Errorf("failed to finish archive: %w", err)
	}
	if err := gz.Close(); err != nil {
		return "", fmt.Errorf("failed to finish archive compression: %w", err)
	}

	return archivePath, file.Close()
}

// addFile writes one file into the tar stream under the given entry name
func addFile(tw *tar.Writer, path, name string) error {
	info, err := os.Stat(path)
	if err != nil {
		return fmt.Errorf("failed to stat %s: %w", path, err)
	}

	hdr := &tar.Header{
		Name:    name,
		Mode:    0644,
		Size:    info.Size(),
		ModTime: info.ModTime(),
	}
	if err := tw.WriteHeader(hdr); err != nil {
		return fmt.Errorf("failed to write archive header for %s: %w", name, err)
	}

	file, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("failed to open %s: %w", path, err)
	}
	defer file.Close()

	if _, err := io.Copy(tw, file); err != nil {
		return fmt.Errorf("failed to archive %s: %w", name, err)
	}
	return nil
}

// addTree walks a directory and writes its regular files into the tar
// stream under the given root entry name.
func addTree(tw *tar.Writer, dir, root string) error {
	return filepath.WalkDir(dir, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.Type().IsRegular() {
			return nil
		}

		rel, err := filepath.Rel(dir, path)
		if err != nil {
			return err
		}

		return addFile(tw, path, root+"/"+filepath.ToSlash(rel))
	})
}

// Unpack extracts a snapshot into the working directory and reports where
// its pieces landed. Anything that fails the integrity checks, including
// entries that would escape the working directory, surfaces as a typed
// corrupt-archive error. Nothing is ever written outside workDir.
func Unpack(archivePath, workDir string) (*Contents, error) {
	format, ok := snapshot.FormatOf(archivePath)
	if !ok {
		return nil, apperrors.CorruptArchive("unrecognized snapshot format: %s", filepath.Base(archivePath))
	}

	info, err := os.Stat(archivePath)
	if err != nil {
		return nil, fmt.Errorf("failed to stat archive: %w", err)
	}
	if info.Size() == 0 {
		return nil, apperrors.CorruptArchive("snapshot %s is empty", filepath.Base(archivePath))
	}

	if format.IsGzipped() {
		if err := checkGzipMagic(archivePath); err != nil {
			return nil, err
		}
	}

	if format.IsTarball() {
		return unpackTarball(archivePath, workDir)
	}
	return unpackBareDump(archivePath, workDir, format)
}

// checkGzipMagic verifies the file starts with the gzip header bytes
func checkGzipMagic(path string) error {
	file, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("failed to open archive: %w", err)
	}
	defer file.Close()

	header := make([]byte, 2)
	if _, err := io.ReadFull(file, header); err != nil {
		return apperrors.CorruptArchive("snapshot %s is truncated", filepath.Base(path))
	}
	if header[0] != gzipMagic[0] || header[1] != gzipMagic[1] {
		return apperrors.CorruptArchive("snapshot %s is not a gzip stream", filepath.Base(path))
	}
	return nil
}

// unpackBareDump copies a bare dump into the working directory
func unpackBareDump(archivePath, workDir string, format snapshot.Format) (*Contents, error) {
	name := "dump.sql"
	if format == snapshot.FormatSQLGz {
		name = DumpFilename
	}
	dest := filepath.Join(workDir, name)

	src, err := os.Open(archivePath)
	if err != nil {
		return nil, fmt.Errorf("failed to open archive: %w", err)
	}
	defer src.Close()

	out, err := os.Create(dest)
	if err != nil {
		return nil, fmt.Errorf("failed to create %s: %w", dest, err)
	}
	defer out.Close()

	if _, err := io.Copy(out, src); err != nil {
		return nil, fmt.Errorf("failed to copy dump: %w", err)
	}
	if err := out.Close(); err != nil {
		return nil, err
	}

	return &Contents{DumpPath: dest}, nil
}

// unpackTarball extracts a full snapshot into the working directory
func unpackTarball(archivePath, workDir string) (*Contents, error) {
	file, err := os.Open(archivePath)
	if err != nil {
		return nil, fmt.Errorf("failed to open archive: %w", err)
	}
	defer file.Close()

	gz, err := gzip.NewReader(file)
	if err != nil {
		return nil, apperrors.CorruptArchive("snapshot %s has a corrupt gzip stream", filepath.Base(archivePath))
	}
	defer gz.Close()

	base := filepath.Clean(workDir)
	tr := tar.NewReader(gz)

	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, apperrors.CorruptArchive("snapshot %s has a corrupt tar stream", filepath.Base(archivePath))
		}

		target, err := scopedPath(base, hdr.Name)
		if err != nil {
			return nil, err
		}

		switch hdr.Typeflag {
		case tar.TypeDir:
			if err := os.MkdirAll(target, 0755); err != nil {
				return nil, fmt.Errorf("failed to create %s: %w", target, err)
			}
		case tar.TypeReg:
			if err := os.MkdirAll(filepath.Dir(target), 0755); err != nil {
				return nil, fmt.Errorf("failed to create %s: %w", filepath.Dir(target), err)
			}
			if err := extractFile(tr, target); err != nil {
				return nil, err
			}
		default:
			// Links and devices have no business in a snapshot.
			return nil, apperrors.CorruptArchive("snapshot contains unsupported entry type for %s", hdr.Name)
		}
	}

	return collectContents(base, archivePath)
}

// scopedPath resolves an archive entry name inside base and rejects any
// entry that would land outside it.
func scopedPath(base, name string) (string, error) {
	target := filepath.Join(base, filepath.FromSlash(name))
	if target != base && !strings.HasPrefix(target, base+string(os.PathSeparator)) {
		return "", apperrors.CorruptArchive("archive entry %s escapes the extraction directory", name)
	}
	return target, nil
}

func extractFile(r io.Reader, target string) error {
	out, err := os.Create(target)
	if err != nil {
		return fmt.Errorf("failed to create %s: %w", target, err)
	}
	defer out.Close()

	if _, err := io.Copy(out, r); err != nil {
		return fmt.Errorf("failed to extract %s: %w", target, err)
	}
	return out.Close()
}

// collectContents verifies the expected pieces exist after extraction
func collectContents(base, archivePath string) (*Contents, error) {
	contents := &Contents{}

	dumpPath := filepath.Join(base, DumpFilename)
	if _, err := os.Stat(dumpPath); err != nil {
		// Older snapshots may carry an uncompressed dump.
		plain := filepath.Join(base, "dump.sql")
		if _, perr := os.Stat(plain); perr != nil {
			return nil, apperrors.CorruptArchive("snapshot %s contains no database dump", filepath.Base(archivePath))
		}
		dumpPath = plain
	}
	contents.DumpPath = dumpPath

	metaPath := filepath.Join(base, MetaFilename)
	if data, err := os.ReadFile(metaPath); err == nil {
		var meta Metadata
		if err := json.Unmarshal(data, &meta); err != nil {
			return nil, apperrors.CorruptArchive("snapshot %s has unreadable metadata", filepath.Base(archivePath))
		}
		contents.Meta = &meta
	}

	uploadsDir := filepath.Join(base, UploadsDirname)
	if info, err := os.Stat(uploadsDir); err == nil && info.IsDir() {
		contents.UploadsDir = uploadsDir
	}

	return contents, nil
}

// OpenSQL opens an extracted dump for reading, transparently decompressing
// gzipped dumps. The caller owns the returned reader.
func OpenSQL(path string) (io.ReadCloser, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open dump: %w", err)
	}

	if !strings.HasSuffix(path, ".gz") {
		return file, nil
	}

	gz, err := gzip.NewReader(file)
	if err != nil {
		file.Close()
		return nil, apperrors.CorruptArchive("dump %s has a corrupt gzip stream", filepath.Base(path))
	}

	return &gzipReadCloser{gz: gz, file: file}, nil
}

// gzipReadCloser closes both the gzip reader and the underlying file
type gzipReadCloser struct {
	gz   *gzip.Reader
	file *os.File
}

func (g *gzipReadCloser) Read(p []byte) (int, error) { return g.gz.Read(p) }

func (g *gzipReadCloser) Close() error {
	gzErr := g.gz.Close()
	fileErr := g.file.Close()
	if gzErr != nil {
		return gzErr
	}
	return fileErr
}
