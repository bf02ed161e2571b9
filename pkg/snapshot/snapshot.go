// Package snapshot defines the snapshot descriptor and the filename
// conventions shared by the storage, archive, backup and restore packages.
package snapshot

import (
	"regexp"
	"strings"
	"time"
)

// Format identifies the package format of a snapshot file. The filename
// extension is authoritative: plain or compressed SQL dumps carry only the
// database component, tarballs carry the full package (dump, uploads tree,
// metadata file).
type Format string

const (
	FormatSQL   Format = ".sql"
	FormatSQLGz Format = ".sql.gz"
	FormatTarGz Format = ".tar.gz"
	FormatTgz   Format = ".tgz"
)

// TimestampFormat is used in derived snapshot names.
const TimestampFormat = "2006-01-02-15-04-05"

// recognizedExtensions is ordered longest-first so that ".sql.gz" wins over
// ".sql" when stripping.
var recognizedExtensions = []string{
	string(FormatSQLGz),
	string(FormatTarGz),
	string(FormatTgz),
	string(FormatSQL),
}

// Snapshot describes one stored snapshot.
type Snapshot struct {
	Filename        string    `json:"filename"`
	BaseName        string    `json:"baseName"`
	Format          Format    `json:"format"`
	Size            int64     `json:"size"`
	CreatedAt       time.Time `json:"createdAt"`
	Version         string    `json:"version"`
	IncludesUploads bool      `json:"includesUploads"`
	Location        string    `json:"location"` // local or s3
}

// IsTarball reports whether the snapshot is a full package rather than a
// bare SQL dump.
func (f Format) IsTarball() bool {
	return f == FormatTarGz || f == FormatTgz
}

// IsGzipped reports whether the snapshot file is gzip-compressed.
func (f Format) IsGzipped() bool {
	return f != FormatSQL
}

// FormatOf returns the format encoded in filename, or false when the
// extension is not a recognized snapshot extension.
func FormatOf(filename string) (Format, bool) {
	lower := strings.ToLower(filename)
	for _, ext := range recognizedExtensions {
		if strings.HasSuffix(lower, ext) {
			return Format(ext), true
		}
	}
	return "", false
}

// StripExtension removes a recognized snapshot extension from name. Names
// without a recognized extension are returned unchanged.
func StripExtension(name string) string {
	lower := strings.ToLower(name)
	for _, ext := range recognizedExtensions {
		if strings.HasSuffix(lower, ext) {
			return name[:len(name)-len(ext)]
		}
	}
	return name
}

// Filename joins a base name with a format extension.
func Filename(base string, format Format) string {
	return base + string(format)
}

var unsafeNameChars = regexp.MustCompile(`[^a-zA-Z0-9_.-]+`)

// SanitizeBaseName normalizes an operator-supplied base name into something
// safe to use as a filename and object key segment.
func SanitizeBaseName(name string) string {
	name = strings.TrimSpace(name)
	name = unsafeNameChars.ReplaceAllString(name, "-")
	return strings.Trim(name, "-.")
}

// DeriveBaseName resolves the logical base name for a new snapshot. A
// supplied name has any recognized extension stripped; an empty name derives
// "<site>-<timestamp>".
func DeriveBaseName(siteName, supplied string, now time.Time) string {
	if supplied == "" {
		return SanitizeBaseName(siteName) + "-" + now.Format(TimestampFormat)
	}
	return SanitizeBaseName(StripExtension(supplied))
}

// namePattern matches derived snapshot filenames: base name ending in a
// timestamp, followed by a recognized extension.
var namePattern = regexp.MustCompile(`^(.+)-(\d{4}-\d{2}-\d{2}-\d{2}-\d{2}-\d{2})\.(sql|sql\.gz|tar\.gz|tgz)$`)

// ParseFilename extracts the base name and creation timestamp from a derived
// snapshot filename. Operator-chosen names without an embedded timestamp
// report ok=false.
func ParseFilename(filename string) (base string, createdAt time.Time, ok bool) {
	m := namePattern.FindStringSubmatch(filename)
	if m == nil {
		return "", time.Time{}, false
	}
	ts, err := time.Parse(TimestampFormat, m[2])
	if err != nil {
		return "", time.Time{}, false
	}
	return m[1] + "-" + m[2], ts, true
}
