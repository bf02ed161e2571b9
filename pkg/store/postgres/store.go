// Package postgres provides the PostgreSQL store driver implementation
package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strconv"
	"strings"

	_ "github.com/lib/pq" // PostgreSQL driver

	"github.com/supporttools/SiteVault/pkg/apperrors"
	"github.com/supporttools/SiteVault/pkg/config"
	"github.com/supporttools/SiteVault/pkg/store/common"
)

// Store implements the common.Driver interface for PostgreSQL
type Store struct {
	Host     string
	Port     int
	User     string
	Password string

	db *sql.DB
}

// Name returns the driver name
func (s *Store) Name() string {
	return "postgresql"
}

// Connect establishes a connection to the database server.
// The maintenance database is used; per-database work opens its own
// connection because PostgreSQL scopes information_schema to the connected
// database.
func (s *Store) Connect(ctx context.Context) error {
	var err error
	s.db, err = sql.Open("postgres", s.dsn("postgres"))
	if err != nil {
		return fmt.Errorf("failed to open PostgreSQL connection: %w", err)
	}

	// Test the connection
	err = s.db.PingContext(ctx)
	if err != nil {
		s.db.Close()
		return fmt.Errorf("failed to ping PostgreSQL server: %w", err)
	}

	return nil
}

func (s *Store) dsn(dbName string) string {
	return fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=disable",
		s.Host, s.Port, s.User, s.Password, dbName)
}

// Close closes the database connection
func (s *Store) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// ListDatabases returns a list of available databases
func (s *Store) ListDatabases(ctx context.Context) ([]string, error) {
	if s.db == nil {
		return nil, errors.New("not connected to PostgreSQL server")
	}

	// Query to get all user databases
	query := `
		SELECT datname FROM pg_database
		WHERE datistemplate = false
		AND datname NOT IN ('postgres', 'template0', 'template1')
	`

	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to list databases: %w", err)
	}
	defer rows.Close()

	var databases []string
	for rows.Next() {
		var dbName string
		if err := rows.Scan(&dbName); err != nil {
			return nil, fmt.Errorf("failed to scan database name: %w", err)
		}

		databases = append(databases, dbName)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating database rows: %w", err)
	}

	return databases, nil
}

// DatabaseExists reports whether the named database exists
func (s *Store) DatabaseExists(ctx context.Context, name string) (bool, error) {
	if s.db == nil {
		return false, errors.New("not connected to PostgreSQL server")
	}

	var one int
	err := s.db.QueryRowContext(ctx,
		"SELECT 1 FROM pg_database WHERE datname = $1", name).Scan(&one)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to check database %s: %w", name, err)
	}
	return true, nil
}

// CreateDatabase creates the named database
func (s *Store) CreateDatabase(ctx context.Context, name string) error {
	if s.db == nil {
		return errors.New("not connected to PostgreSQL server")
	}

	_, err := s.db.ExecContext(ctx, fmt.Sprintf("CREATE DATABASE %s", quoteIdent(name)))
	if err != nil {
		return fmt.Errorf("failed to create database %s: %w", name, err)
	}
	return nil
}

// Dump streams a SQL dump of the named database to output
func (s *Store) Dump(ctx context.Context, dbName string, output io.Writer) error {
	cmd := s.createDumpCommand(dbName)
	cmd.Stdout = output
	cmd.Stderr = os.Stderr

	// Add environment variables for password authentication
	cmd.Env = append(os.Environ(), fmt.Sprintf("PGPASSWORD=%s", s.Password))

	// Start the command
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("failed to start pg_dump: %w", err)
	}

	// Create a channel to signal command completion
	done := make(chan error, 1)
	go func() {
		done <- cmd.Wait()
	}()

	// Wait for either context cancellation or command completion
	select {
	case <-ctx.Done():
		// Context was canceled, try to kill the process
		if cmd.Process != nil {
			cmd.Process.Kill()
		}
		return ctx.Err()
	case err := <-done:
		// Command completed
		if err != nil {
			return fmt.Errorf("pg_dump failed: %w", err)
		}
		return nil
	}
}

// DumpCommand returns the command that Dump would run
func (s *Store) DumpCommand(dbName string) string {
	return s.createDumpCommand(dbName).String()
}

// createDumpCommand creates the exec.Cmd for pg_dump. The dump omits CREATE
// DATABASE statements so it can be applied into a staging database with a
// different name.
func (s *Store) createDumpCommand(dbName string) *exec.Cmd {
	args := []string{
		"--host", s.Host,
		"--port", fmt.Sprintf("%d", s.Port),
		"--username", s.User,
		"--no-password", // Don't prompt for password; use PGPASSWORD env var
		"--clean",
		"--if-exists",
		"--format", "p", // Plain text format
		dbName,
	}

	return exec.Command("pg_dump", args...)
}

// Apply feeds a SQL dump stream into the named database via psql
func (s *Store) Apply(ctx context.Context, dbName string, input io.Reader) error {
	args := []string{
		"--host", s.Host,
		"--port", fmt.Sprintf("%d", s.Port),
		"--username", s.User,
		"--no-password",
		"--quiet",
		"-v", "ON_ERROR_STOP=1",
		"--dbname", dbName,
	}

	cmd := exec.Command("psql", args...)
	cmd.Stdin = input
	cmd.Stderr = os.Stderr
	cmd.Env = append(os.Environ(), fmt.Sprintf("PGPASSWORD=%s", s.Password))

	if err := cmd.Start(); err != nil {
		return fmt.Errorf("failed to start psql: %w", err)
	}

	done := make(chan error, 1)
	go func() {
		done <- cmd.Wait()
	}()

	select {
	case <-ctx.Done():
		if cmd.Process != nil {
			cmd.Process.Kill()
		}
		return ctx.Err()
	case err := <-done:
		if err != nil {
			return fmt.Errorf("psql apply failed: %w", err)
		}
		return nil
	}
}

// textColumn describes one text-bearing column found by introspection.
type textColumn struct {
	Table     string
	Column    string
	MaxLength sql.NullInt64
}

// Remap rewrites occurrences of job.From across all text columns of all
// tables in dbName. Tables are processed one transaction each, matching the
// MySQL driver's complete-or-abort-per-table boundary.
func (s *Store) Remap(ctx context.Context, dbName string, job common.RemapJob) (common.RemapResult, error) {
	var result common.RemapResult

	db, err := sql.Open("postgres", s.dsn(dbName))
	if err != nil {
		return result, fmt.Errorf("failed to open connection to %s: %w", dbName, err)
	}
	defer db.Close()

	if err := db.PingContext(ctx); err != nil {
		return result, fmt.Errorf("failed to connect to %s: %w", dbName, err)
	}

	return remapAll(ctx, db, job)
}

// remapAll runs the remap over every text column reachable through db.
func remapAll(ctx context.Context, db *sql.DB, job common.RemapJob) (common.RemapResult, error) {
	var result common.RemapResult

	cols, err := listTextColumns(ctx, db)
	if err != nil {
		return result, err
	}

	for _, table := range groupByTable(cols) {
		result.TablesScanned++

		tx, err := db.BeginTx(ctx, nil)
		if err != nil {
			return result, fmt.Errorf("failed to begin transaction on %s: %w", table.name, err)
		}

		changed, skipped, scanned, err := remapTable(ctx, tx, table, job)
		result.ColumnsScanned += scanned
		if err != nil {
			tx.Rollback()
			return result, err
		}
		if err := tx.Commit(); err != nil {
			return result, fmt.Errorf("failed to commit remap of %s: %w", table.name, err)
		}
		result.RowsChanged += changed
		result.RowsSkipped += skipped
	}

	return result, nil
}

// listTextColumns enumerates the text-bearing columns of the connected
// database in a stable order.
func listTextColumns(ctx context.Context, db *sql.DB) ([]textColumn, error) {
	const query = `
		SELECT table_name, column_name, character_maximum_length
		FROM information_schema.columns
		WHERE table_schema = 'public'
		  AND data_type IN ('character varying','character','text')
		ORDER BY table_name, ordinal_position`

	rows, err := db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to list text columns: %w", err)
	}
	defer rows.Close()

	var cols []textColumn
	for rows.Next() {
		var c textColumn
		if err := rows.Scan(&c.Table, &c.Column, &c.MaxLength); err != nil {
			return nil, fmt.Errorf("failed to scan column row: %w", err)
		}
		cols = append(cols, c)
	}
	return cols, rows.Err()
}

// remapTable rewrites every text column of one table inside tx.
func remapTable(ctx context.Context, tx *sql.Tx, table tableColumns, job common.RemapJob) (changed, skipped int64, scanned int, err error) {
	for _, col := range table.cols {
		scanned++

		if col.MaxLength.Valid && col.MaxLength.Int64 > 0 {
			violations, cErr := countViolations(ctx, tx, col, job)
			if cErr != nil {
				return changed, skipped, scanned, cErr
			}
			if violations > 0 {
				if !job.SkipMaxLengthViolations {
					return changed, skipped, scanned,
						apperrors.ColumnLength(col.Table, col.Column, col.MaxLength.Int64)
				}
				skipped += violations
			}
		}

		query, args := buildUpdate(col, job)
		res, uErr := tx.ExecContext(ctx, query, args...)
		if uErr != nil {
			return changed, skipped, scanned,
				fmt.Errorf("failed to remap %s.%s: %w", col.Table, col.Column, uErr)
		}
		if n, aErr := res.RowsAffected(); aErr == nil {
			changed += n
		}
	}
	return changed, skipped, scanned, nil
}

// countViolations counts rows whose replacement would exceed the column's
// maximum length.
func countViolations(ctx context.Context, tx *sql.Tx, col textColumn, job common.RemapJob) (int64, error) {
	c := quoteIdent(col.Column)
	t := quoteIdent(col.Table)

	var query string
	var args []interface{}
	if job.Regex {
		query = fmt.Sprintf(
			"SELECT COUNT(*) FROM %s WHERE %s ~ $1 AND CHAR_LENGTH(REGEXP_REPLACE(%s, $1, $2, 'g')) > $3",
			t, c, c)
		args = []interface{}{job.From, job.To, col.MaxLength.Int64}
	} else {
		query = fmt.Sprintf(
			"SELECT COUNT(*) FROM %s WHERE %s LIKE $1 AND CHAR_LENGTH(REPLACE(%s, $2, $3)) > $4",
			t, c, c)
		args = []interface{}{likePattern(job.From), job.From, job.To, col.MaxLength.Int64}
	}

	var count int64
	if err := tx.QueryRowContext(ctx, query, args...).Scan(&count); err != nil {
		return 0, fmt.Errorf("failed to check length violations on %s.%s: %w", col.Table, col.Column, err)
	}
	return count, nil
}

// buildUpdate returns the rewrite statement for one column.
func buildUpdate(col textColumn, job common.RemapJob) (string, []interface{}) {
	c := quoteIdent(col.Column)
	t := quoteIdent(col.Table)
	guarded := col.MaxLength.Valid && col.MaxLength.Int64 > 0

	if job.Regex {
		if guarded {
			return fmt.Sprintf(
					"UPDATE %s SET %s = REGEXP_REPLACE(%s, $1, $2, 'g') WHERE %s ~ $1 AND CHAR_LENGTH(REGEXP_REPLACE(%s, $1, $2, 'g')) <= $3",
					t, c, c, c, c),
				[]interface{}{job.From, job.To, col.MaxLength.Int64}
		}
		return fmt.Sprintf(
				"UPDATE %s SET %s = REGEXP_REPLACE(%s, $1, $2, 'g') WHERE %s ~ $1",
				t, c, c, c),
			[]interface{}{job.From, job.To}
	}

	if guarded {
		return fmt.Sprintf(
				"UPDATE %s SET %s = REPLACE(%s, $1, $2) WHERE %s LIKE $3 AND CHAR_LENGTH(REPLACE(%s, $1, $2)) <= $4",
				t, c, c, c, c),
			[]interface{}{job.From, job.To, likePattern(job.From), col.MaxLength.Int64}
	}
	return fmt.Sprintf(
			"UPDATE %s SET %s = REPLACE(%s, $1, $2) WHERE %s LIKE $3",
			t, c, c, c),
		[]interface{}{job.From, job.To, likePattern(job.From)}
}

// tableColumns groups the text columns of one table.
type tableColumns struct {
	name string
	cols []textColumn
}

func groupByTable(cols []textColumn) []tableColumns {
	var tables []tableColumns
	for _, c := range cols {
		if len(tables) == 0 || tables[len(tables)-1].name != c.Table {
			tables = append(tables, tableColumns{name: c.Table})
		}
		last := &tables[len(tables)-1]
		last.cols = append(last.cols, c)
	}
	return tables
}

// likePattern wraps a literal search term for a LIKE clause, escaping the
// wildcard characters so they match literally.
func likePattern(term string) string {
	escaped := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`).Replace(term)
	return "%" + escaped + "%"
}

// quoteIdent quotes a PostgreSQL identifier.
func quoteIdent(name string) string {
	return `"` + strings.ReplaceAll(name, `"`, `""`) + `"`
}

// Validate ensures the driver configuration is valid
func (s *Store) Validate() error {
	if s.Host == "" {
		return errors.New("PostgreSQL host is required")
	}

	if s.Port <= 0 || s.Port > 65535 {
		return fmt.Errorf("invalid PostgreSQL port: %d", s.Port)
	}

	if s.User == "" {
		return errors.New("PostgreSQL user is required")
	}

	return nil
}

// Factory creates PostgreSQL store drivers from the global configuration
type Factory struct{}

// Create returns a new Store instance
func (f *Factory) Create() (common.Driver, error) {
	port, err := strconv.Atoi(config.CFG.Database.Port)
	if err != nil {
		return nil, fmt.Errorf("invalid PostgreSQL port %q: %w", config.CFG.Database.Port, err)
	}

	store := &Store{
		Host:     config.CFG.Database.Host,
		Port:     port,
		User:     config.CFG.Database.Username,
		Password: config.CFG.Database.Password,
	}

	if err := store.Validate(); err != nil {
		return nil, err
	}

	return store, nil
}

func init() {
	// Register this driver with the store package
	common.RegisterDriver("postgresql", &Factory{})
}
