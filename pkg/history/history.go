// Package history manages tracking and persistence of operation history.
// Every backup, restore, remap and rollback run leaves an entry here.
package history

import (
	"encoding/json"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/supporttools/SiteVault/pkg/config"
)

// OperationKind identifies what an entry records
type OperationKind string

const (
	// KindBackup records a snapshot build and publish
	KindBackup OperationKind = "backup"
	// KindRestore records a snapshot restore
	KindRestore OperationKind = "restore"
	// KindRemap records a site-text rewrite run
	KindRemap OperationKind = "remap"
	// KindRollback records a switch back to the previous database
	KindRollback OperationKind = "rollback"
	// KindPrune records a retention sweep
	KindPrune OperationKind = "prune"
)

// OperationStatus represents the status of an operation
type OperationStatus string

const (
	// StatusPending indicates an operation is in progress
	StatusPending OperationStatus = "pending"
	// StatusSuccess indicates a completed operation
	StatusSuccess OperationStatus = "success"
	// StatusError indicates a failed operation
	StatusError OperationStatus = "error"
)

// Entry represents one recorded operation
type Entry struct {
	ID           string          `json:"id"`
	Kind         OperationKind   `json:"kind"`
	Status       OperationStatus `json:"status"`
	RequesterID  string          `json:"requesterId"`
	SnapshotName string          `json:"snapshotName,omitempty"`
	Location     string          `json:"location,omitempty"`
	Size         int64           `json:"size,omitempty"`
	RowsChanged  int64           `json:"rowsChanged,omitempty"`
	StartedAt    time.Time       `json:"startedAt"`
	CompletedAt  time.Time       `json:"completedAt,omitempty"`
	ErrorMessage string          `json:"errorMessage,omitempty"`
}

// Recorder is implemented by both the file-backed and the database-backed
// history stores.
type Recorder interface {
	Begin(kind OperationKind, requesterID, snapshotName, location string) *Entry
	Complete(id string, size, rowsChanged int64) error
	Fail(id, errorMessage string) error
	Entries() []Entry
	EntriesFiltered(kind OperationKind, status OperationStatus) []Entry
	Purge(olderThan time.Duration) int
}

// DefaultStore is the global history store instance
var DefaultStore Recorder

// Initialize creates and initializes the history store. A configured history
// database takes precedence; otherwise entries live in a JSON file under the
// history directory.
func Initialize() error {
	if DefaultStore != nil {
		return nil // Already initialized
	}

	if config.CFG.History.Database.Enabled {
		return initializeDatabaseHistory()
	}

	return initializeFileHistory()
}

func initializeFileHistory() error {
	store := NewFileStore(filepath.Join(config.CFG.History.Directory, "history.json"))

	DefaultStore = store

	if err := store.Load(); err != nil {
		log.Printf("Warning: Could not load existing history, starting fresh: %v", err)
	}

	return nil
}

// NewFileStore creates a file-backed store persisting to the given path
func NewFileStore(path string) *Store {
	return &Store{
		doc: document{
			Entries:     make([]Entry, 0),
			LastUpdated: time.Now(),
			Version:     "1.0",
		},
		filepath: path,
	}
}

// document is the on-disk shape of the file-backed store
type document struct {
	Entries     []Entry   `json:"entries"`
	LastUpdated time.Time `json:"lastUpdated"`
	Version     string    `json:"version"`
}

// Store is the file-backed history store
type Store struct {
	doc      document
	mutex    sync.RWMutex
	filepath string
}

// Load loads the history from file
func (s *Store) Load() error {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	// Check if file exists
	if _, err := os.Stat(s.filepath); os.IsNotExist(err) {
		log.Printf("History file does not exist at %s, will create new", s.filepath)
		return s.save() // Create empty history file
	}

	data, err := os.ReadFile(s.filepath)
	if err != nil {
		return fmt.Errorf("failed to read history file: %w", err)
	}

	if err := json.Unmarshal(data, &s.doc); err != nil {
		return fmt.Errorf("failed to unmarshal history: %w", err)
	}

	log.Printf("Loaded history with %d operation records", len(s.doc.Entries))
	return nil
}

// Save persists the history to file
func (s *Store) Save() error {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	return s.save()
}

// save is the internal method that performs the actual save (without locking)
func (s *Store) save() error {
	s.doc.LastUpdated = time.Now()

	data, err := json.MarshalIndent(s.doc, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal history: %w", err)
	}

	// Ensure directory exists
	dir := filepath.Dir(s.filepath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create directory for history: %w", err)
	}

	if err := os.WriteFile(s.filepath, data, 0644); err != nil {
		return fmt.Errorf("failed to write history file: %w", err)
	}

	return nil
}

// Begin records a new pending operation and returns its entry
func (s *Store) Begin(kind OperationKind, requesterID, snapshotName, location string) *Entry {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	entry := &Entry{
		ID:           uuid.New().String(),
		Kind:         kind,
		Status:       StatusPending,
		RequesterID:  requesterID,
		SnapshotName: snapshotName,
		Location:     location,
		StartedAt:    time.Now(),
	}

	s.doc.Entries = append(s.doc.Entries, *entry)

	// Save changes
	_ = s.save() // Ignore error, as we'll continue anyway

	return entry
}

// Complete marks an operation as successful
func (s *Store) Complete(id string, size, rowsChanged int64) error {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	for i, entry := range s.doc.Entries {
		if entry.ID == id {
			s.doc.Entries[i].Status = StatusSuccess
			s.doc.Entries[i].Size = size
			s.doc.Entries[i].RowsChanged = rowsChanged
			s.doc.Entries[i].CompletedAt = time.Now()
			return s.save()
		}
	}

	return fmt.Errorf("operation with ID %s not found", id)
}

// Fail marks an operation as failed with the given message
func (s *Store) Fail(id, errorMessage string) error {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	for i, entry := range s.doc.Entries {
		if entry.ID == id {
			s.doc.Entries[i].Status = StatusError
			s.doc.Entries[i].ErrorMessage = errorMessage
			s.doc.Entries[i].CompletedAt = time.Now()
			return s.save()
		}
	}

	return fmt.Errorf("operation with ID %s not found", id)
}

// Import appends fully-formed entries rebuilt from an external scan, re-sorts
// the history by start time and persists it. Existing entries are kept.
func (s *Store) Import(entries []Entry) error {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	s.doc.Entries = append(s.doc.Entries, entries...)
	sort.Slice(s.doc.Entries, func(i, j int) bool {
		return s.doc.Entries[i].StartedAt.Before(s.doc.Entries[j].StartedAt)
	})

	return s.save()
}

// Entries returns all recorded operations
func (s *Store) Entries() []Entry {
	s.mutex.RLock()
	defer s.mutex.RUnlock()

	// Return a copy to avoid concurrent modification issues
	result := make([]Entry, len(s.doc.Entries))
	copy(result, s.doc.Entries)

	return result
}

// EntriesFiltered returns operations filtered by kind and/or status. Empty
// filter values match everything.
func (s *Store) EntriesFiltered(kind OperationKind, status OperationStatus) []Entry {
	s.mutex.RLock()
	defer s.mutex.RUnlock()

	var result []Entry
	for _, entry := range s.doc.Entries {
		if kind != "" && entry.Kind != kind {
			continue
		}
		if status != "" && entry.Status != status {
			continue
		}
		result = append(result, entry)
	}

	return result
}

// Purge removes completed entries older than the given duration and returns
// how many were dropped.
func (s *Store) Purge(olderThan time.Duration) int {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	threshold := time.Now().Add(-olderThan)
	kept := make([]Entry, 0, len(s.doc.Entries))
	removed := 0

	for _, entry := range s.doc.Entries {
		if entry.Status == StatusPending || entry.CompletedAt.After(threshold) {
			kept = append(kept, entry)
			continue
		}
		removed++
	}

	if removed > 0 {
		s.doc.Entries = kept
		_ = s.save()
	}

	return removed
}
