// Package config provides configuration loading and management for SiteVault
package config

import (
	"fmt"
	"log"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// SiteConfig identifies the site this instance operates on
type SiteConfig struct {
	Name             string `yaml:"name"`
	UploadsDirectory string `yaml:"uploadsDirectory"`
}

// DatabaseConfig defines connection settings for the content database server
type DatabaseConfig struct {
	Driver   string `yaml:"driver"` // mysql or postgresql
	Host     string `yaml:"host"`
	Port     string `yaml:"port"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
	Name     string `yaml:"name"` // active database at bootstrap
}

// TenantConfig maps one tenant identifier to its database
type TenantConfig struct {
	ID       string `yaml:"id"`
	Database string `yaml:"database"`
}

// RetentionRule defines how long snapshots are kept at a storage target
type RetentionRule struct {
	Duration     string `yaml:"duration"`
	Forever      bool   `yaml:"forever"`
	MaxSnapshots int    `yaml:"maxSnapshots"` // 0 = unlimited
}

// LocalConfig defines local snapshot storage settings
type LocalConfig struct {
	Directory string        `yaml:"directory"`
	Retention RetentionRule `yaml:"retention"`
}

// S3Config defines remote snapshot storage settings
type S3Config struct {
	Bucket             string        `yaml:"bucket"`
	Region             string        `yaml:"region"`
	Endpoint           string        `yaml:"endpoint"`
	AccessKey          string        `yaml:"accessKey"`
	SecretKey          string        `yaml:"secretKey"`
	Prefix             string        `yaml:"prefix"`
	PathStyle          bool          `yaml:"pathStyle"` // Use path-style access for S3
	UseSSL             bool          `yaml:"useSSL"`
	CustomCAPath       string        `yaml:"customCAPath"`       // Path to custom CA certificate
	SkipCertValidation bool          `yaml:"skipCertValidation"` // Skip certificate validation
	Retention          RetentionRule `yaml:"retention"`
}

// StorageConfig selects the authoritative snapshot location
type StorageConfig struct {
	Provider string      `yaml:"provider"` // local or s3
	Local    LocalConfig `yaml:"local"`
	S3       S3Config    `yaml:"s3"`
}

// BackupConfig defines site-wide backup behavior
type BackupConfig struct {
	IncludeUploads bool `yaml:"includeUploads"`
}

// RestoreConfig defines restore gating and staging behavior
type RestoreConfig struct {
	Enabled       bool   `yaml:"enabled"`
	StagingPrefix string `yaml:"stagingPrefix"` // prefix for databases created during restore
}

// StateConfig locates the persisted platform state and rollback ledger
type StateConfig struct {
	Directory string `yaml:"directory"`
}

// HistoryDBConfig defines MySQL connection settings for the history database
type HistoryDBConfig struct {
	Enabled         bool   `yaml:"enabled"`
	Host            string `yaml:"host"`
	Port            int    `yaml:"port"`
	Username        string `yaml:"username"`
	Password        string `yaml:"password"`
	Database        string `yaml:"database"`
	MaxOpenConns    int    `yaml:"maxOpenConns"`
	MaxIdleConns    int    `yaml:"maxIdleConns"`
	ConnMaxLifetime string `yaml:"connMaxLifetime"`
	AutoMigrate     bool   `yaml:"autoMigrate"`
}

// HistoryConfig defines operation-history storage settings
type HistoryConfig struct {
	Directory string          `yaml:"directory"` // file-store location; defaults under state directory
	Database  HistoryDBConfig `yaml:"database"`
}

// ScheduleConfig defines the serve-mode cron schedules
type ScheduleConfig struct {
	Enabled       bool   `yaml:"enabled"`
	BackupCron    string `yaml:"backupCron"`
	WithUploads   bool   `yaml:"withUploads"`
	RetentionCron string `yaml:"retentionCron"`
}

// MetricsConfig defines metrics server settings
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Port    string `yaml:"port"`
}

// AppConfig contains the complete application configuration
type AppConfig struct {
	Site     SiteConfig     `yaml:"site"`
	Database DatabaseConfig `yaml:"database"`
	Tenants  []TenantConfig `yaml:"tenants"`
	Storage  StorageConfig  `yaml:"storage"`
	Backup   BackupConfig   `yaml:"backup"`
	Restore  RestoreConfig  `yaml:"restore"`
	State    StateConfig    `yaml:"state"`
	History  HistoryConfig  `yaml:"history"`
	Schedule ScheduleConfig `yaml:"schedule"`
	Metrics  MetricsConfig  `yaml:"metrics"`
	Debug    bool           `yaml:"debug"`

	ConfigFile string `yaml:"-"`
}

// CFG is the global configuration object
var CFG AppConfig

// LoadConfiguration loads the optional YAML config file and applies
// environment overrides on top of it.
func LoadConfiguration() error {
	path := CFG.ConfigFile
	if path == "" {
		path = os.Getenv("CONFIG_PATH")
	}

	if path != "" {
		log.Printf("Loading configuration from %s", path)
		if err := loadFromFile(path); err != nil {
			return err
		}
		CFG.ConfigFile = path
	} else {
		log.Println("No config file given; loading configuration from environment variables...")
	}

	loadFromEnvironment()
	setDefaults()

	if CFG.Debug {
		log.Printf("Configuration loaded: %+v\n", CFG)
	}
	return nil
}

// loadFromFile reads the YAML configuration file into CFG
func loadFromFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config file %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, &CFG); err != nil {
		return fmt.Errorf("failed to parse config file %s: %w", path, err)
	}
	return nil
}

// loadFromEnvironment applies environment variable overrides
func loadFromEnvironment() {
	CFG.Debug = parseEnvBool("DEBUG", CFG.Debug)

	// Site settings
	CFG.Site.Name = getEnvOrDefault("SITE_NAME", CFG.Site.Name)
	CFG.Site.UploadsDirectory = getEnvOrDefault("SITE_UPLOADS_DIRECTORY", CFG.Site.UploadsDirectory)

	// Content database settings
	CFG.Database.Driver = getEnvOrDefault("DB_DRIVER", CFG.Database.Driver)
	CFG.Database.Host = getEnvOrDefault("DB_HOST", CFG.Database.Host)
	CFG.Database.Port = getEnvOrDefault("DB_PORT", CFG.Database.Port)
	CFG.Database.Username = getEnvOrDefault("DB_USERNAME", CFG.Database.Username)
	CFG.Database.Password = getEnvOrDefault("DB_PASSWORD", CFG.Database.Password)
	CFG.Database.Name = getEnvOrDefault("DB_NAME", CFG.Database.Name)

	// Storage settings
	CFG.Storage.Provider = getEnvOrDefault("STORAGE_PROVIDER", CFG.Storage.Provider)
	CFG.Storage.Local.Directory = getEnvOrDefault("LOCAL_STORAGE_DIRECTORY", CFG.Storage.Local.Directory)
	CFG.Storage.S3.Bucket = getEnvOrDefault("S3_BUCKET", CFG.Storage.S3.Bucket)
	CFG.Storage.S3.Region = getEnvOrDefault("S3_REGION", CFG.Storage.S3.Region)
	CFG.Storage.S3.Endpoint = getEnvOrDefault("S3_ENDPOINT", CFG.Storage.S3.Endpoint)
	CFG.Storage.S3.AccessKey = getEnvOrDefault("S3_ACCESS_KEY", CFG.Storage.S3.AccessKey)
	CFG.Storage.S3.SecretKey = getEnvOrDefault("S3_SECRET_KEY", CFG.Storage.S3.SecretKey)
	CFG.Storage.S3.Prefix = getEnvOrDefault("S3_PREFIX", CFG.Storage.S3.Prefix)
	CFG.Storage.S3.PathStyle = parseEnvBool("S3_PATH_STYLE", CFG.Storage.S3.PathStyle)
	CFG.Storage.S3.UseSSL = parseEnvBool("S3_USE_SSL", CFG.Storage.S3.UseSSL)
	CFG.Storage.S3.CustomCAPath = getEnvOrDefault("S3_CUSTOM_CA_PATH", CFG.Storage.S3.CustomCAPath)
	CFG.Storage.S3.SkipCertValidation = parseEnvBool("S3_SKIP_CERT_VALIDATION", CFG.Storage.S3.SkipCertValidation)

	// Backup and restore settings
	CFG.Backup.IncludeUploads = parseEnvBool("BACKUP_INCLUDE_UPLOADS", CFG.Backup.IncludeUploads)
	CFG.Restore.Enabled = parseEnvBool("RESTORE_ENABLED", CFG.Restore.Enabled)
	CFG.Restore.StagingPrefix = getEnvOrDefault("RESTORE_STAGING_PREFIX", CFG.Restore.StagingPrefix)

	// State directory
	CFG.State.Directory = getEnvOrDefault("STATE_DIRECTORY", CFG.State.Directory)

	// History settings
	CFG.History.Directory = getEnvOrDefault("HISTORY_DIRECTORY", CFG.History.Directory)
	CFG.History.Database.Enabled = parseEnvBool("HISTORY_DB_ENABLED", CFG.History.Database.Enabled)
	CFG.History.Database.Host = getEnvOrDefault("HISTORY_DB_HOST", CFG.History.Database.Host)
	if port, err := strconv.Atoi(getEnvOrDefault("HISTORY_DB_PORT", "")); err == nil && port > 0 {
		CFG.History.Database.Port = port
	}
	CFG.History.Database.Username = getEnvOrDefault("HISTORY_DB_USERNAME", CFG.History.Database.Username)
	CFG.History.Database.Password = getEnvOrDefault("HISTORY_DB_PASSWORD", CFG.History.Database.Password)
	CFG.History.Database.Database = getEnvOrDefault("HISTORY_DB_DATABASE", CFG.History.Database.Database)

	// Schedule settings
	CFG.Schedule.Enabled = parseEnvBool("SCHEDULE_ENABLED", CFG.Schedule.Enabled)
	CFG.Schedule.BackupCron = getEnvOrDefault("SCHEDULE_BACKUP_CRON", CFG.Schedule.BackupCron)
	CFG.Schedule.WithUploads = parseEnvBool("SCHEDULE_WITH_UPLOADS", CFG.Schedule.WithUploads)
	CFG.Schedule.RetentionCron = getEnvOrDefault("SCHEDULE_RETENTION_CRON", CFG.Schedule.RetentionCron)

	// Metrics settings
	CFG.Metrics.Enabled = parseEnvBool("METRICS_ENABLED", CFG.Metrics.Enabled)
	CFG.Metrics.Port = getEnvOrDefault("METRICS_PORT", CFG.Metrics.Port)
}

// setDefaults ensures all config fields have reasonable default values
func setDefaults() {
	if CFG.Site.Name == "" {
		CFG.Site.Name = "site"
	}

	if CFG.Database.Driver == "" {
		CFG.Database.Driver = "mysql"
	}
	if CFG.Database.Host == "" {
		CFG.Database.Host = "localhost"
	}
	if CFG.Database.Port == "" {
		switch CFG.Database.Driver {
		case "postgresql":
			CFG.Database.Port = "5432"
		default:
			CFG.Database.Port = "3306"
		}
	}

	if CFG.Storage.Provider == "" {
		CFG.Storage.Provider = "local"
	}
	if CFG.Storage.Local.Directory == "" {
		CFG.Storage.Local.Directory = "/var/lib/sitevault/snapshots"
	}
	if CFG.Storage.S3.Region == "" {
		CFG.Storage.S3.Region = "us-east-1"
	}
	if CFG.Storage.S3.Prefix == "" {
		CFG.Storage.S3.Prefix = "snapshots"
	}

	if CFG.Restore.StagingPrefix == "" {
		CFG.Restore.StagingPrefix = "restore"
	}

	if CFG.State.Directory == "" {
		CFG.State.Directory = "/var/lib/sitevault"
	}
	if CFG.History.Directory == "" {
		CFG.History.Directory = CFG.State.Directory
	}

	if CFG.Metrics.Port == "" {
		CFG.Metrics.Port = "8080"
	}

	if CFG.Schedule.Enabled && CFG.Schedule.BackupCron == "" {
		CFG.Schedule.BackupCron = "0 3 * * *" // daily at 03:00
	}

	// The bootstrap database doubles as the default tenant when no tenant
	// map is configured.
	if len(CFG.Tenants) == 0 && CFG.Database.Name != "" {
		CFG.Tenants = []TenantConfig{{ID: "default", Database: CFG.Database.Name}}
	}

	hdb := &CFG.History.Database
	if hdb.Enabled {
		if hdb.Host == "" {
			hdb.Host = "localhost"
		}
		if hdb.Port == 0 {
			hdb.Port = 3306
		}
		if hdb.Database == "" {
			hdb.Database = "sitevault_history"
		}
		if hdb.MaxOpenConns == 0 {
			hdb.MaxOpenConns = 10
		}
		if hdb.MaxIdleConns == 0 {
			hdb.MaxIdleConns = 5
		}
		if hdb.ConnMaxLifetime == "" {
			hdb.ConnMaxLifetime = "5m"
		}
	}
}

// Helper functions for environment variables

func getEnvOrDefault(key, defaultValue string) string {
	if value, exists := os.LookupEnv(key); exists {
		return value
	}
	if defaultValue != "" && os.Getenv("DEBUG") == "true" {
		log.Printf("Environment variable %s not set. Using default: %s", key, defaultValue)
	}
	return defaultValue
}

func parseEnvBool(key string, defaultValue bool) bool {
	value, exists := os.LookupEnv(key)
	if !exists {
		return defaultValue
	}
	value = strings.ToLower(value)

	// Handle additional truthy and falsy values
	switch value {
	case "1", "t", "true", "yes", "on", "enabled":
		return true
	case "0", "f", "false", "no", "off", "disabled":
		return false
	default:
		boolValue, err := strconv.ParseBool(value)
		if err != nil {
			log.Printf("Error parsing %s as bool: %v. Using default value: %t", key, err, defaultValue)
			return defaultValue
		}
		return boolValue
	}
}

// TenantDatabases returns the configured tenant databases in declaration order.
func TenantDatabases() []string {
	dbs := make([]string, 0, len(CFG.Tenants))
	for _, t := range CFG.Tenants {
		dbs = append(dbs, t.Database)
	}
	return dbs
}

// FindTenant returns the tenant config for the given identifier.
func FindTenant(id string) (TenantConfig, bool) {
	for _, t := range CFG.Tenants {
		if t.ID == id {
			return t, true
		}
	}
	return TenantConfig{}, false
}

// DisplayConfiguration outputs the current configuration in a readable format
// while masking sensitive information
func DisplayConfiguration() {
	log.Println("========== SiteVault Configuration ==========")

	log.Printf("Debug Mode: %t", CFG.Debug)
	log.Printf("Config File: %s", CFG.ConfigFile)

	log.Println("\n----- Site -----")
	log.Printf("Name: %s", CFG.Site.Name)
	log.Printf("Uploads Directory: %s", CFG.Site.UploadsDirectory)

	log.Println("\n----- Content Database -----")
	log.Printf("Driver: %s", CFG.Database.Driver)
	log.Printf("Host: %s", CFG.Database.Host)
	log.Printf("Port: %s", CFG.Database.Port)
	log.Printf("Username: %s", CFG.Database.Username)
	log.Printf("Password: %s", maskSensitiveInfo(CFG.Database.Password))
	log.Printf("Database: %s", CFG.Database.Name)

	log.Println("\n----- Tenants -----")
	if len(CFG.Tenants) > 0 {
		for _, t := range CFG.Tenants {
			log.Printf("  - %s -> %s", t.ID, t.Database)
		}
	} else {
		log.Println("  [Empty - single-site deployment]")
	}

	log.Println("\n----- Snapshot Storage -----")
	log.Printf("Provider: %s", CFG.Storage.Provider)
	log.Printf("Local Directory: %s", CFG.Storage.Local.Directory)
	displayRetention("Local", CFG.Storage.Local.Retention)
	if CFG.Storage.Provider == "s3" {
		log.Printf("Bucket: %s", CFG.Storage.S3.Bucket)
		log.Printf("Region: %s", CFG.Storage.S3.Region)
		log.Printf("Endpoint: %s", CFG.Storage.S3.Endpoint)
		log.Printf("Access Key: %s", maskSensitiveInfo(CFG.Storage.S3.AccessKey))
		log.Printf("Secret Key: %s", maskSensitiveInfo(CFG.Storage.S3.SecretKey))
		log.Printf("Prefix: %s", CFG.Storage.S3.Prefix)
		log.Printf("Path Style: %t", CFG.Storage.S3.PathStyle)
		log.Printf("Use SSL: %t", CFG.Storage.S3.UseSSL)
		log.Printf("Custom CA Path: %s", CFG.Storage.S3.CustomCAPath)
		log.Printf("Skip Cert Validation: %t", CFG.Storage.S3.SkipCertValidation)
		displayRetention("S3", CFG.Storage.S3.Retention)
	}

	log.Println("\n----- Backup / Restore -----")
	log.Printf("Include Uploads (site default): %t", CFG.Backup.IncludeUploads)
	log.Printf("Restores Enabled: %t", CFG.Restore.Enabled)
	log.Printf("Restore Staging Prefix: %s", CFG.Restore.StagingPrefix)
	log.Printf("State Directory: %s", CFG.State.Directory)

	if CFG.Schedule.Enabled {
		log.Println("\n----- Schedule -----")
		log.Printf("Backup Cron: %s", CFG.Schedule.BackupCron)
		log.Printf("Scheduled Backups Include Uploads: %t", CFG.Schedule.WithUploads)
		log.Printf("Retention Cron: %s", CFG.Schedule.RetentionCron)
	}

	log.Println("\n----- Metrics -----")
	log.Printf("Enabled: %t", CFG.Metrics.Enabled)
	log.Printf("Port: %s", CFG.Metrics.Port)

	if CFG.History.Database.Enabled {
		log.Println("\n----- History Database -----")
		log.Printf("Host: %s", CFG.History.Database.Host)
		log.Printf("Port: %d", CFG.History.Database.Port)
		log.Printf("Username: %s", CFG.History.Database.Username)
		log.Printf("Password: %s", maskSensitiveInfo(CFG.History.Database.Password))
		log.Printf("Database: %s", CFG.History.Database.Database)
		log.Printf("Auto Migrate: %t", CFG.History.Database.AutoMigrate)
	}

	log.Println("============================================")
}

func displayRetention(label string, r RetentionRule) {
	if r.Forever {
		log.Printf("%s Retention: forever", label)
		return
	}
	if r.Duration == "" && r.MaxSnapshots == 0 {
		log.Printf("%s Retention: none configured", label)
		return
	}
	log.Printf("%s Retention: duration=%s maxSnapshots=%d", label, r.Duration, r.MaxSnapshots)
}

// maskSensitiveInfo masks sensitive information for logging
func maskSensitiveInfo(info string) string {
	if info == "" {
		return "[not set]"
	}

	if len(info) <= 4 {
		return "****"
	}

	// Show first and last character, mask the rest
	return info[:2] + "****" + info[len(info)-2:]
}

// ValidateConfig validates the configuration
func ValidateConfig() error {
	switch CFG.Database.Driver {
	case "mysql", "postgresql":
	default:
		return fmt.Errorf("unsupported database driver %q (expected mysql or postgresql)", CFG.Database.Driver)
	}

	if CFG.Database.Username == "" {
		return fmt.Errorf("database username is required")
	}
	if CFG.Database.Name == "" {
		return fmt.Errorf("database name is required")
	}

	switch CFG.Storage.Provider {
	case "local":
		if CFG.Storage.Local.Directory == "" {
			return fmt.Errorf("local storage directory must be specified")
		}
	case "s3":
		if CFG.Storage.S3.Bucket == "" {
			return fmt.Errorf("S3 bucket must be specified when the s3 storage provider is selected")
		}
		if CFG.Storage.S3.AccessKey == "" || CFG.Storage.S3.SecretKey == "" {
			return fmt.Errorf("S3 access key and secret key must be specified when the s3 storage provider is selected")
		}

		// Validate custom CA path if provided
		if CFG.Storage.S3.CustomCAPath != "" {
			if _, err := os.Stat(CFG.Storage.S3.CustomCAPath); err != nil {
				return fmt.Errorf("custom CA path %s is not accessible: %w", CFG.Storage.S3.CustomCAPath, err)
			}
		}

		if CFG.Storage.S3.CustomCAPath != "" && CFG.Storage.S3.SkipCertValidation {
			log.Printf("Warning: Both custom CA path and skip certificate validation are set. Custom CA will be ignored.")
		}
	default:
		return fmt.Errorf("unsupported storage provider %q (expected local or s3)", CFG.Storage.Provider)
	}

	if CFG.State.Directory == "" {
		return fmt.Errorf("state directory must be specified")
	}

	for _, t := range CFG.Tenants {
		if t.ID == "" || t.Database == "" {
			return fmt.Errorf("tenant entries require both an id and a database")
		}
	}

	if err := validateRetention("local", CFG.Storage.Local.Retention); err != nil {
		return err
	}
	if err := validateRetention("S3", CFG.Storage.S3.Retention); err != nil {
		return err
	}

	hdb := CFG.History.Database
	if hdb.Enabled {
		if hdb.Host == "" {
			return fmt.Errorf("history database host is required when enabled")
		}
		if hdb.Username == "" {
			return fmt.Errorf("history database username is required when enabled")
		}
		if hdb.Database == "" {
			return fmt.Errorf("history database name is required when enabled")
		}
		if hdb.ConnMaxLifetime != "" {
			if _, err := time.ParseDuration(hdb.ConnMaxLifetime); err != nil {
				return fmt.Errorf("invalid history database connection max lifetime: %v", err)
			}
		}
	}

	if CFG.Schedule.Enabled && CFG.Schedule.BackupCron == "" {
		return fmt.Errorf("schedule is enabled but no backup cron expression is configured")
	}

	return nil
}

func validateRetention(label string, r RetentionRule) error {
	if r.Forever || r.Duration == "" {
		return nil
	}
	if _, err := ParseRetentionDuration(r.Duration); err != nil {
		return fmt.Errorf("invalid %s retention duration %q: %v", label, r.Duration, err)
	}
	return nil
}

// ParseRetentionDuration parses a retention duration. Besides the standard
// time.ParseDuration units it accepts a "d" suffix for days, which is the
// unit retention policies are usually written in.
func ParseRetentionDuration(s string) (time.Duration, error) {
	if strings.HasSuffix(s, "d") {
		days, err := strconv.Atoi(strings.TrimSuffix(s, "d"))
		if err != nil {
			return 0, fmt.Errorf("invalid day count %q: %w", s, err)
		}
		return time.Duration(days) * 24 * time.Hour, nil
	}
	return time.ParseDuration(s)
}
