// MySQL-backed history storage for deployments where operation records must
// outlive the host.
package history

import (
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"
	"gorm.io/driver/mysql"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/supporttools/SiteVault/pkg/config"
)

// DB is the global history database instance
var DB *gorm.DB

// OperationRecord represents an operation history record in MySQL
type OperationRecord struct {
	ID           string `gorm:"primaryKey;type:varchar(64)"`
	Kind         string `gorm:"type:varchar(20);not null;index"`
	Status       string `gorm:"type:varchar(20);not null;index"`
	RequesterID  string `gorm:"column:requester_id;type:varchar(255)"`
	SnapshotName string `gorm:"type:varchar(512);index"`
	Location     string `gorm:"type:varchar(50)"`
	Size         int64
	RowsChanged  int64
	StartedAt    time.Time `gorm:"not null"`
	CompletedAt  *time.Time
	ErrorMessage string `gorm:"type:text"`
}

// TableName specifies the table name for the OperationRecord model
func (OperationRecord) TableName() string {
	return "operations"
}

// DBStore implements history storage using MySQL
type DBStore struct {
	db *gorm.DB
}

// initializeDatabaseHistory initializes the database-backed history store
func initializeDatabaseHistory() error {
	db, err := connect()
	if err != nil {
		log.Printf("Failed to connect to history database: %v", err)
		log.Println("Falling back to file-based history")
		return initializeFileHistory()
	}
	DB = db

	// Run auto-migrations if enabled
	if config.CFG.History.Database.AutoMigrate {
		log.Println("Running database migrations for history tables")
		if err := runMigrations(db); err != nil {
			log.Printf("Failed to run migrations: %v", err)
			log.Println("Falling back to file-based history")
			return initializeFileHistory()
		}
	}

	DefaultStore = &DBStore{db: db}
	log.Println("Using MySQL-backed history store")
	return nil
}

// connect establishes a connection to the MySQL database
func connect() (*gorm.DB, error) {
	cfg := config.CFG.History.Database

	// Build DSN
	dsn := fmt.Sprintf("%s:%s@tcp(%s:%d)/%s?charset=utf8mb4&parseTime=True&loc=Local",
		cfg.Username, cfg.Password, cfg.Host, cfg.Port, cfg.Database)

	// Set up logger config based on debug mode
	logLevel := logger.Silent
	if config.CFG.Debug {
		logLevel = logger.Info
	}

	db, err := gorm.Open(mysql.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logLevel),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	// Configure connection pool
	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("failed to get database connection: %w", err)
	}

	sqlDB.SetMaxOpenConns(cfg.MaxOpenConns)
	sqlDB.SetMaxIdleConns(cfg.MaxIdleConns)

	if cfg.ConnMaxLifetime != "" {
		duration, err := time.ParseDuration(cfg.ConnMaxLifetime)
		if err != nil {
			log.Printf("Warning: Invalid connection max lifetime '%s', using default 5m: %v",
				cfg.ConnMaxLifetime, err)
			duration = 5 * time.Minute
		}
		sqlDB.SetConnMaxLifetime(duration)
	}

	log.Printf("Connected to history database at %s:%d", cfg.Host, cfg.Port)
	return db, nil
}

// runMigrations creates the history tables if they do not exist
func runMigrations(db *gorm.DB) error {
	if err := db.AutoMigrate(&OperationRecord{}); err != nil {
		return fmt.Errorf("failed to migrate tables: %w", err)
	}
	return nil
}

// toRecord converts an Entry to its database representation
func toRecord(e Entry) OperationRecord {
	rec := OperationRecord{
		ID:           e.ID,
		Kind:         string(e.Kind),
		Status:       string(e.Status),
		RequesterID:  e.RequesterID,
		SnapshotName: e.SnapshotName,
		Location:     e.Location,
		Size:         e.Size,
		RowsChanged:  e.RowsChanged,
		StartedAt:    e.StartedAt,
		ErrorMessage: e.ErrorMessage,
	}
	if !e.CompletedAt.IsZero() {
		completed := e.CompletedAt
		rec.CompletedAt = &completed
	}
	return rec
}

// toEntry converts a database record back to an Entry
func toEntry(rec OperationRecord) Entry {
	e := Entry{
		ID:           rec.ID,
		Kind:         OperationKind(rec.Kind),
		Status:       OperationStatus(rec.Status),
		RequesterID:  rec.RequesterID,
		SnapshotName: rec.SnapshotName,
		Location:     rec.Location,
		Size:         rec.Size,
		RowsChanged:  rec.RowsChanged,
		StartedAt:    rec.StartedAt,
		ErrorMessage: rec.ErrorMessage,
	}
	if rec.CompletedAt != nil {
		e.CompletedAt = *rec.CompletedAt
	}
	return e
}

// Begin records a new pending operation and returns its entry
func (s *DBStore) Begin(kind OperationKind, requesterID, snapshotName, location string) *Entry {
	entry := &Entry{
		ID:           uuid.New().String(),
		Kind:         kind,
		Status:       StatusPending,
		RequesterID:  requesterID,
		SnapshotName: snapshotName,
		Location:     location,
		StartedAt:    time.Now(),
	}

	rec := toRecord(*entry)
	if err := s.db.Create(&rec).Error; err != nil {
		log.Printf("Warning: Failed to record operation start: %v", err)
	}

	return entry
}

// Complete marks an operation as successful
func (s *DBStore) Complete(id string, size, rowsChanged int64) error {
	now := time.Now()
	result := s.db.Model(&OperationRecord{}).Where("id = ?", id).Updates(map[string]interface{}{
		"status":       string(StatusSuccess),
		"size":         size,
		"rows_changed": rowsChanged,
		"completed_at": &now,
	})
	if result.Error != nil {
		return fmt.Errorf("failed to update operation %s: %w", id, result.Error)
	}
	if result.RowsAffected == 0 {
		return fmt.Errorf("operation with ID %s not found", id)
	}
	return nil
}

// Fail marks an operation as failed with the given message
func (s *DBStore) Fail(id, errorMessage string) error {
	now := time.Now()
	result := s.db.Model(&OperationRecord{}).Where("id = ?", id).Updates(map[string]interface{}{
		"status":        string(StatusError),
		"error_message": errorMessage,
		"completed_at":  &now,
	})
	if result.Error != nil {
		return fmt.Errorf("failed to update operation %s: %w", id, result.Error)
	}
	if result.RowsAffected == 0 {
		return fmt.Errorf("operation with ID %s not found", id)
	}
	return nil
}

// Entries returns all recorded operations
func (s *DBStore) Entries() []Entry {
	var records []OperationRecord
	if err := s.db.Order("started_at").Find(&records).Error; err != nil {
		log.Printf("Warning: Failed to load operation history: %v", err)
		return nil
	}

	entries := make([]Entry, 0, len(records))
	for _, rec := range records {
		entries = append(entries, toEntry(rec))
	}
	return entries
}

// EntriesFiltered returns operations filtered by kind and/or status
func (s *DBStore) EntriesFiltered(kind OperationKind, status OperationStatus) []Entry {
	query := s.db.Order("started_at")
	if kind != "" {
		query = query.Where("kind = ?", string(kind))
	}
	if status != "" {
		query = query.Where("status = ?", string(status))
	}

	var records []OperationRecord
	if err := query.Find(&records).Error; err != nil {
		log.Printf("Warning: Failed to load operation history: %v", err)
		return nil
	}

	entries := make([]Entry, 0, len(records))
	for _, rec := range records {
		entries = append(entries, toEntry(rec))
	}
	return entries
}

// Purge removes completed entries older than the given duration
func (s *DBStore) Purge(olderThan time.Duration) int {
	threshold := time.Now().Add(-olderThan)
	result := s.db.Where("status <> ? AND completed_at < ?", string(StatusPending), threshold).
		Delete(&OperationRecord{})
	if result.Error != nil {
		log.Printf("Warning: Failed to purge operation history: %v", result.Error)
		return 0
	}
	return int(result.RowsAffected)
}
