// Package storage defines the snapshot storage backend interface and the
// registry that selects an implementation by location name.
package storage

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/supporttools/SiteVault/pkg/config"
)

// FileInfo describes one stored snapshot file. Source is a retrievable
// reference for the file: a filesystem path on local backends, a short-lived
// signed download URL on remote ones. Only File fills it in; listings leave
// it empty.
type FileInfo struct {
	Name         string
	Size         int64
	LastModified time.Time
	Source       string
}

// Backend is the interface all snapshot storage backends must implement.
// Local and remote backends expose the same operations so callers never
// branch on where snapshots live. File and Download return a not-found
// typed error for unknown names. Upload must publish atomically: a snapshot
// is either fully visible under its final name or not visible at all.
type Backend interface {
	// Name returns the backend name
	Name() string

	// IsRemote reports whether snapshots live off the local filesystem
	IsRemote() bool

	// File returns metadata for the named snapshot
	File(ctx context.Context, name string) (FileInfo, error)

	// ListFiles returns all stored snapshots in a stable order
	ListFiles(ctx context.Context) ([]FileInfo, error)

	// Upload publishes a local file under the given snapshot name
	Upload(ctx context.Context, localPath, name string) error

	// Download fetches the named snapshot to a local path
	Download(ctx context.Context, name, destPath string) error

	// Delete removes the named snapshot
	Delete(ctx context.Context, name string) error

	// EnforceRetention deletes snapshots outside the retention policy and
	// returns how many were removed
	EnforceRetention(ctx context.Context) (int, error)
}

// BackendFactory creates storage backends from the global configuration
type BackendFactory interface {
	Create() (Backend, error)
}

// backendFactories maps backend names to their factories
var backendFactories = make(map[string]BackendFactory)

// RegisterBackend registers a storage backend factory
func RegisterBackend(name string, factory BackendFactory) {
	backendFactories[name] = factory
}

// New returns the backend for the given location. An empty location selects
// the configured storage provider, so callers can pass through an optional
// override untouched.
func New(location string) (Backend, error) {
	if location == "" {
		location = config.CFG.Storage.Provider
	}

	factory, ok := backendFactories[location]
	if !ok {
		return nil, fmt.Errorf("unsupported storage location: %s", location)
	}

	return factory.Create()
}

// Expired returns the files a retention rule no longer keeps. Candidates
// older than the rule duration are expired, and when maxSnapshots is set
// only the newest N survive regardless of age.
func Expired(files []FileInfo, rule config.RetentionRule, now time.Time) []FileInfo {
	if rule.Forever {
		return nil
	}

	sorted := make([]FileInfo, len(files))
	copy(sorted, files)
	sort.Slice(sorted, func(i, j int) bool {
		return sorted[i].LastModified.After(sorted[j].LastModified)
	})

	expired := make(map[string]bool)

	if rule.Duration != "" {
		duration, err := config.ParseRetentionDuration(rule.Duration)
		if err == nil {
			cutoff := now.Add(-duration)
			for _, f := range sorted {
				if f.LastModified.Before(cutoff) {
					expired[f.Name] = true
				}
			}
		}
	}

	if rule.MaxSnapshots > 0 {
		for i := rule.MaxSnapshots; i < len(sorted); i++ {
			expired[sorted[i].Name] = true
		}
	}

	var out []FileInfo
	for _, f := range files {
		if expired[f.Name] {
			out = append(out, f)
		}
	}
	return out
}
