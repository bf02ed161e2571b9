// Package local stores snapshots on the local filesystem.
package local

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
	"github.com/supporttools/SiteVault/pkg/config"
	"github.com/supporttools/SiteVault/pkg/metrics"
	"github.com/supporttools/SiteVault/pkg/snapshot"
	"github.com/supporttools/SiteVault/pkg/storage"
)

// Client represents a local filesystem storage backend
type Client struct {
	cfg *config.AppConfig
	dir string
}

// NewClient creates a new local storage client
func NewClient() (*Client, error) {
	dir := config.CFG.Storage.Local.Directory
	if dir == "" {
		return nil, fmt.Errorf("local storage directory is not configured")
	}

	// Ensure the directory exists
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create snapshot directory %s: %w", dir, err)
	}

	return &Client{
		cfg: &config.CFG,
		dir: dir,
	}, nil
}

// Name returns the backend name
func (c *Client) Name() string {
	return "local"
}

// IsRemote reports whether snapshots live off the local filesystem
func (c *Client) IsRemote() bool {
	return false
}

// path returns the storage path for a snapshot name. The name is flattened
// so callers can never address files outside the snapshot directory.
func (c *Client) path(name string) string {
	return filepath.Join(c.dir, filepath.Base(name))
}

// File returns metadata for the named snapshot
func (c *Client) File(_ context.Context, name string) (storage.FileInfo, error) {
	info, err := os.Stat(c.path(name))
	if os.IsNotExist(err) {
		return storage.FileInfo{}, apperrors.NotFound("snapshot %s not found in local storage", name)
	}
	if err != nil {
		return storage.FileInfo{}, apperrors.Transport(fmt.Sprintf("failed to stat snapshot %s", name), err)
	}

	return storage.FileInfo{
		Name:         info.Name(),
		Size:         info.Size(),
		LastModified: info.ModTime(),
		Source:       c.path(name),
	}, nil
}

// ListFiles returns all stored snapshots. Directory entries come back sorted
// by filename, which keeps the listing order stable across calls.
func (c *Client) ListFiles(_ context.Context) ([]storage.FileInfo, error) {
	entries, err := os.ReadDir(c.dir)
	if err != nil {
		return nil, apperrors.Transport("failed to list local snapshots", err)
	}

	var files []storage.FileInfo
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		// Skip anything that is not a recognized snapshot file, such as
		// temp files left by an interrupted publish.
		if _, ok := snapshot.FormatOf(entry.Name()); !ok {
			continue
		}

		info, err := entry.Info()
		if err != nil {
			continue
		}

		files = append(files, storage.FileInfo{
			Name:         entry.Name(),
			Size:         info.Size(),
			LastModified: info.ModTime(),
		})
	}

	metrics.SnapshotCount.WithLabelValues("local").Set(float64(len(files)))
	return files, nil
}

// Upload publishes a local file under the given snapshot name. The write
// goes to a temp file in the snapshot directory and is renamed into place,
// so a partially written snapshot is never visible under its final name.
func (c *Client) Upload(_ context.Context, localPath, name string) error {
	startTime := time.Now()

	src, err := os.Open(localPath)
	if err != nil {
		metrics.UploadCount.WithLabelValues("local", "error").Inc()
		return apperrors.Transport(fmt.Sprintf("failed to open %s for publishing", localPath), err)
	}
	defer src.Close()

	if err := atomic.WriteFile(c.path(name), src); err != nil {
		metrics.UploadCount.WithLabelValues("local", "error").Inc()
		return apperrors.Transport(fmt.Sprintf("failed to publish snapshot %s", name), err)
	}

	metrics.UploadCount.WithLabelValues("local", "success").Inc()
	metrics.UploadDuration.WithLabelValues("local").Observe(time.Since(startTime).Seconds())

	if info, err := os.Stat(c.path(name)); err == nil {
		metrics.BackupSize.WithLabelValues("local").Set(float64(info.Size()))
	}

	log.Printf("Published snapshot to local storage: %s", c.path(name))
	return nil
}

// Download copies the named snapshot to a local path
func (c *Client) Download(_ context.Context, name, destPath string) error {
	src, err := os.Open(c.path(name))
	if os.IsNotExist(err) {
		return apperrors.NotFound("snapshot %s not found in local storage", name)
	}
	if err != nil {
		return apperrors.Transport(fmt.Sprintf("failed to open snapshot %s", name), err)
	}
	defer src.Close()

	dest, err := os.Create(destPath)
	if err != nil {
		return apperrors.Transport(fmt.Sprintf("failed to create %s", destPath), err)
	}
	defer dest.Close()

	if _, err := io.Copy(dest, src); err != nil {
		return apperrors.Transport(fmt.Sprintf("failed to copy snapshot %s", name), err)
	}

	return dest.Close()
}

// Delete removes the named snapshot
func (c *Client) Delete(_ context.Context, name string) error {
	err := os.Remove(c.path(name))
	if os.IsNotExist(err) {
		return apperrors.NotFound("snapshot %s not found in local storage", name)
	}
	if err != nil {
		return apperrors.Transport(fmt.Sprintf("failed to delete snapshot %s", name), err)
	}
	return nil
}

// EnforceRetention deletes snapshots outside the local retention policy
func (c *Client) EnforceRetention(ctx context.Context) (int, error) {
	files, err := c.ListFiles(ctx)
	if err != nil {
		return 0, err
	}

	deleted := 0
	for _, f := range storage.Expired(files, c.cfg.Storage.Local.Retention, time.Now()) {
		if err := os.Remove(c.path(f.Name)); err != nil {
			log.Printf("Failed to remove expired snapshot %s: %v", f.Name, err)
			continue
		}
		log.Printf("Removed expired local snapshot: %s", f.Name)
		metrics.RetentionDeletes.WithLabelValues("local").Inc()
		deleted++
	}

	return deleted, nil
}

// Factory creates local storage clients
type Factory struct{}

// Create returns a new local storage client
func (f *Factory) Create() (storage.Backend, error) {
	return NewClient()
}

func init() {
	storage.RegisterBackend("local", &Factory{})
}
