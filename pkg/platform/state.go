// Package platform manages the persisted platform state shared by operator
// invocations: the readonly gate, the restore-enabled toggle, the active
// database identifier and the site-wide include-uploads setting.
//
// The state lives in a JSON file under the configured state directory so a
// gate enabled by one process is visible to the next. Only the restore
// orchestrator flips the readonly gate during normal operation; the direct
// enable/disable verbs exist for operator intervention.
package platform

import (
	"bytes"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/natefinch/atomic"

	"github.com/supporttools/SiteVault/pkg/config"
)

const stateFileName = "platform-state.json"

type stateData struct {
	Readonly                bool      `json:"readonly"`
	RestoreEnabled          bool      `json:"restoreEnabled"`
	ActiveDatabase          string    `json:"activeDatabase"`
	IncludeUploads          bool      `json:"includeUploads"`
	NotificationsSuppressed bool      `json:"notificationsSuppressed"`
	UpdatedAt               time.Time `json:"updatedAt"`
}

// State is the platform state service. Safe for concurrent use.
type State struct {
	mu       sync.RWMutex
	filePath string
	data     stateData
}

// Default is the shared state instance used by the command layer.
var Default *State

// Initialize opens the default state under the configured state directory.
func Initialize() error {
	s, err := NewState(config.CFG.State.Directory)
	if err != nil {
		return err
	}
	Default = s
	return nil
}

// NewState loads the platform state from dir, seeding a fresh file from the
// configured defaults when none exists yet.
func NewState(dir string) (*State, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create state directory: %w", err)
	}

	s := &State{filePath: filepath.Join(dir, stateFileName)}

	raw, err := os.ReadFile(s.filePath)
	if os.IsNotExist(err) {
		s.data = stateData{
			RestoreEnabled: config.CFG.Restore.Enabled,
			ActiveDatabase: config.CFG.Database.Name,
			IncludeUploads: config.CFG.Backup.IncludeUploads,
			UpdatedAt:      time.Now(),
		}
		if err := s.save(); err != nil {
			return nil, err
		}
		return s, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read platform state: %w", err)
	}

	if err := json.Unmarshal(raw, &s.data); err != nil {
		return nil, fmt.Errorf("failed to parse platform state file %s: %w", s.filePath, err)
	}
	return s, nil
}

// save writes the state file. Callers must hold the write lock.
func (s *State) save() error {
	s.data.UpdatedAt = time.Now()
	data, err := json.MarshalIndent(s.data, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal platform state: %w", err)
	}
	if err := atomic.WriteFile(s.filePath, bytes.NewReader(data)); err != nil {
		return fmt.Errorf("failed to write platform state: %w", err)
	}
	return nil
}

// EnableReadonly turns the readonly gate on. Enabling an already-enabled
// gate is a no-op.
func (s *State) EnableReadonly() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.data.Readonly {
		return nil
	}
	s.data.Readonly = true
	if err := s.save(); err != nil {
		s.data.Readonly = false
		return err
	}
	log.Println("Readonly mode enabled")
	return nil
}

// DisableReadonly turns the readonly gate off. Disabling an already-disabled
// gate is a no-op.
func (s *State) DisableReadonly() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.data.Readonly {
		return nil
	}
	s.data.Readonly = false
	if err := s.save(); err != nil {
		s.data.Readonly = true
		return err
	}
	log.Println("Readonly mode disabled")
	return nil
}

// ReadonlyEnabled reports whether the readonly gate is on.
func (s *State) ReadonlyEnabled() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.data.Readonly
}

// RestoreEnabled reports whether restores are allowed on this site.
func (s *State) RestoreEnabled() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.data.RestoreEnabled
}

// SetRestoreEnabled persists the restore-enabled toggle.
func (s *State) SetRestoreEnabled(enabled bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.data.RestoreEnabled == enabled {
		return nil
	}
	s.data.RestoreEnabled = enabled
	return s.save()
}

// ActiveDatabase returns the identifier of the live database.
func (s *State) ActiveDatabase() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.data.ActiveDatabase
}

// SetActiveDatabase switches the live database identifier.
func (s *State) SetActiveDatabase(name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.data.ActiveDatabase == name {
		return nil
	}
	s.data.ActiveDatabase = name
	if err := s.save(); err != nil {
		return err
	}
	log.Printf("Active database switched to %s", name)
	return nil
}

// NotificationsSuppressed reports whether outgoing notifications for
// non-privileged accounts are suppressed. The platform's mailer consumes
// this flag.
func (s *State) NotificationsSuppressed() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.data.NotificationsSuppressed
}

// SetNotificationsSuppressed persists the notification suppression flag.
func (s *State) SetNotificationsSuppressed(suppress bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.data.NotificationsSuppressed == suppress {
		return nil
	}
	s.data.NotificationsSuppressed = suppress
	if err := s.save(); err != nil {
		s.data.NotificationsSuppressed = !suppress
		return err
	}
	log.Printf("Notification suppression set to %v", suppress)
	return nil
}

// IncludeUploads reports the site-wide include-uploads setting.
func (s *State) IncludeUploads() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.data.IncludeUploads
}

// SetIncludeUploads persists the site-wide include-uploads setting.
func (s *State) SetIncludeUploads(include bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.data.IncludeUploads == include {
		return nil
	}
	s.data.IncludeUploads = include
	return s.save()
}
