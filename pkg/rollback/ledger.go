// Package rollback persists the identity of the database that was active
// before the most recent restore, so a bad restore can be undone by
// switching back. The ledger holds at most one entry: a new restore
// overwrites whatever was recorded before.
package rollback

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/natefinch/atomic"

	"github.com/supporttools/SiteVault/pkg/apperrors"
	"github.com/supporttools/SiteVault/pkg/config"
)

const ledgerFilename = "rollback-ledger.json"

// ledgerData is the on-disk shape of the ledger
type ledgerData struct {
	PreviousDatabase string    `json:"previousDatabase"`
	RecordedAt       time.Time `json:"recordedAt"`
}

// Ledger records the single restorable prior database state
type Ledger struct {
	mutex    sync.Mutex
	filePath string
}

// Default is the global ledger instance
var Default *Ledger

// Initialize sets up the global ledger under the configured state directory
func Initialize() error {
	Default = NewLedger(config.CFG.State.Directory)
	return nil
}

// NewLedger creates a ledger stored in the given directory
func NewLedger(dir string) *Ledger {
	return &Ledger{filePath: filepath.Join(dir, ledgerFilename)}
}

// Record stores the database that is being switched away from, replacing
// any earlier entry.
func (l *Ledger) Record(previousDatabase string) error {
	l.mutex.Lock()
	defer l.mutex.Unlock()

	if err := os.MkdirAll(filepath.Dir(l.filePath), 0755); err != nil {
		return fmt.Errorf("failed to create ledger directory: %w", err)
	}

	data, err := json.MarshalIndent(ledgerData{
		PreviousDatabase: previousDatabase,
		RecordedAt:       time.Now(),
	}, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode rollback ledger: %w", err)
	}

	if err := atomic.WriteFile(l.filePath, strings.NewReader(string(data))); err != nil {
		return fmt.Errorf("failed to write rollback ledger: %w", err)
	}
	return nil
}

// Current returns the recorded prior database. A missing or empty ledger
// surfaces the typed no-prior-state error.
func (l *Ledger) Current() (string, error) {
	l.mutex.Lock()
	defer l.mutex.Unlock()

	return l.read()
}

func (l *Ledger) read() (string, error) {
	data, err := os.ReadFile(l.filePath)
	if os.IsNotExist(err) {
		return "", apperrors.ErrNoPriorState
	}
	if err != nil {
		return "", fmt.Errorf("failed to read rollback ledger: %w", err)
	}

	var entry ledgerData
	if err := json.Unmarshal(data, &entry); err != nil {
		return "", fmt.Errorf("failed to parse rollback ledger: %w", err)
	}
	if entry.PreviousDatabase == "" {
		return "", apperrors.ErrNoPriorState
	}

	return entry.PreviousDatabase, nil
}

// Clear removes the recorded entry. Clearing an empty ledger is a no-op.
func (l *Ledger) Clear() error {
	l.mutex.Lock()
	defer l.mutex.Unlock()

	err := os.Remove(l.filePath)
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to clear rollback ledger: %w", err)
	}
	return nil
}

// databaseSwitcher is the platform surface rollback needs
type databaseSwitcher interface {
	ActiveDatabase() string
	SetActiveDatabase(name string) error
}

// Rollback switches the platform back to the recorded prior database and
// clears the entry. The entry survives if the switch fails, so the rollback
// can be retried.
func (l *Ledger) Rollback(platform databaseSwitcher) (string, error) {
	l.mutex.Lock()
	defer l.mutex.Unlock()

	previous, err := l.read()
	if err != nil {
		return "", err
	}

	if err := platform.SetActiveDatabase(previous); err != nil {
		return "", fmt.Errorf("failed to switch back to database %s: %w", previous, err)
	}

	if err := os.Remove(l.filePath); err != nil && !os.IsNotExist(err) {
		return previous, fmt.Errorf("failed to clear rollback ledger: %w", err)
	}

	return previous, nil
}
