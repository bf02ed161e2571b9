// Package common provides shared types and interfaces for relational store access
package common

import (
	"context"
	"fmt"
	"io"
)

// Driver represents access to one relational store server. Implementations
// wrap the native dump/load tooling plus the SQL needed for remapping.
type Driver interface {
	// Name returns the driver name (e.g., "mysql", "postgresql")
	Name() string

	// Connect establishes a connection to the database server
	Connect(ctx context.Context) error

	// Close closes the database connection
	Close() error

	// ListDatabases returns a list of databases visible on the server
	ListDatabases(ctx context.Context) ([]string, error)

	// DatabaseExists reports whether the named database exists
	DatabaseExists(ctx context.Context, name string) (bool, error)

	// CreateDatabase creates the named database; it fails if it already exists
	CreateDatabase(ctx context.Context, name string) error

	// Dump streams a consistent SQL dump of the named database to output
	Dump(ctx context.Context, database string, output io.Writer) error

	// DumpCommand returns the shell command that Dump would run.
	// This is useful for logging and debugging purposes
	DumpCommand(database string) string

	// Apply feeds a SQL dump stream into the named database
	Apply(ctx context.Context, database string, input io.Reader) error

	// Remap rewrites text occurrences across all text-bearing columns of all
	// tables in the named database. Each table is processed in its own
	// transaction: a length violation or SQL failure rolls the current table
	// back, leaves earlier tables committed, and aborts the run
	Remap(ctx context.Context, database string, job RemapJob) (RemapResult, error)

	// Validate ensures the driver configuration is valid
	Validate() error
}

// RemapJob describes one find/replace pass over a tenant database.
type RemapJob struct {
	// From is the text (or store-native regular expression) to search for
	From string

	// To is the replacement; in regex mode it may reference capture groups
	To string

	// Regex selects store-native regular-expression matching
	Regex bool

	// SkipMaxLengthViolations leaves rows whose replacement would exceed the
	// column's maximum length unmodified instead of aborting
	SkipMaxLengthViolations bool
}

// RemapResult reports what one remap pass did.
type RemapResult struct {
	// RowsChanged is the total number of rows rewritten
	RowsChanged int64

	// RowsSkipped is the number of rows left unmodified because the
	// replacement would have violated a column length limit
	RowsSkipped int64

	// TablesScanned is the number of tables examined
	TablesScanned int

	// ColumnsScanned is the number of text columns examined
	ColumnsScanned int
}

// DriverFactory creates a store driver from configuration
type DriverFactory interface {
	// Create returns a new Driver instance
	Create() (Driver, error)
}

// driverFactories stores the registered driver factories
var driverFactories = make(map[string]DriverFactory)

// RegisterDriver registers a driver factory with the given name
func RegisterDriver(name string, factory DriverFactory) {
	driverFactories[name] = factory
}

// GetDriver returns the factory registered for the given name
func GetDriver(name string) (DriverFactory, bool) {
	factory, exists := driverFactories[name]
	return factory, exists
}

// Open creates a validated driver for the given name. Drivers register
// themselves in their package init; callers import the driver packages for
// the side effect.
func Open(name string) (Driver, error) {
	factory, ok := GetDriver(name)
	if !ok {
		return nil, fmt.Errorf("no store driver registered for %q", name)
	}
	driver, err := factory.Create()
	if err != nil {
		return nil, fmt.Errorf("failed to create %s store driver: %w", name, err)
	}
	return driver, nil
}
