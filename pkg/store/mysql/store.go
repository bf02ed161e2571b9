// Package mysql provides the MySQL store driver implementation
package mysql

import (
	"context"
	"database/sql"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strconv"
	"strings"

	_ "github.com/go-sql-driver/mysql" // MySQL driver
	"github.com/pkg/errors"

	"github.com/supporttools/SiteVault/pkg/apperrors"
	"github.com/supporttools/SiteVault/pkg/config"
	"github.com/supporttools/SiteVault/pkg/store/common"
)

// Store implements the common.Driver interface for MySQL
type Store struct {
	Host     string
	Port     int
	User     string
	Password string

	db *sql.DB
}

// Name returns the driver name
func (s *Store) Name() string {
	return "mysql"
}

// Connect establishes a connection to the database server
func (s *Store) Connect(ctx context.Context) error {
	dsn := fmt.Sprintf("%s:%s@tcp(%s:%d)/",
		s.User, s.Password, s.Host, s.Port)

	var err error
	s.db, err = sql.Open("mysql", dsn)
	if err != nil {
		return errors.Wrap(err, "failed to open MySQL connection")
	}

	// Test the connection
	err = s.db.PingContext(ctx)
	if err != nil {
		s.db.Close()
		return errors.Wrap(err, "failed to ping MySQL server")
	}

	return nil
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
		return nil, errors.New("not connected to MySQL server")
	}

	rows, err := s.db.QueryContext(ctx, "SHOW DATABASES")
	if err != nil {
		return nil, errors.Wrap(err, "failed to list databases")
	}
	defer rows.Close()

	var databases []string
	for rows.Next() {
		var dbName string
		if err := rows.Scan(&dbName); err != nil {
			return nil, errors.Wrap(err, "failed to scan database name")
		}

		// Skip system databases
		if dbName == "information_schema" || dbName == "mysql" ||
			dbName == "performance_schema" || dbName == "sys" {
			continue
		}

		databases = append(databases, dbName)
	}

	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, "error iterating database rows")
	}

	return databases, nil
}

// DatabaseExists reports whether the named database exists
func (s *Store) DatabaseExists(ctx context.Context, name string) (bool, error) {
	if s.db == nil {
		return false, errors.New("not connected to MySQL server")
	}

	var found string
	err := s.db.QueryRowContext(ctx,
		"SELECT SCHEMA_NAME FROM information_schema.SCHEMATA WHERE SCHEMA_NAME = ?", name).Scan(&found)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, errors.Wrapf(err, "failed to check database %s", name)
	}
	return true, nil
}

// CreateDatabase creates the named database
func (s *Store) CreateDatabase(ctx context.Context, name string) error {
	if s.db == nil {
		return errors.New("not connected to MySQL server")
	}

	_, err := s.db.ExecContext(ctx,
		fmt.Sprintf("CREATE DATABASE %s DEFAULT CHARACTER SET utf8mb4", quoteIdent(name)))
	if err != nil {
		return errors.Wrapf(err, "failed to create database %s", name)
	}
	return nil
}

// Dump streams a consistent SQL dump of the named database to output.
// The dump deliberately omits CREATE DATABASE statements so it can be applied
// into a staging database with a different name.
func (s *Store) Dump(ctx context.Context, dbName string, output io.Writer) error {
	cmd := s.createDumpCommand(dbName)
	cmd.Stdout = output
	cmd.Stderr = os.Stderr

	// Start the command
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("failed to start mysqldump: %w", err)
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
			return fmt.Errorf("mysqldump failed: %w", err)
		}
		return nil
	}
}

// DumpCommand returns the command that Dump would run, with the password
// masked for safe logging
func (s *Store) DumpCommand(dbName string) string {
	cmd := s.createDumpCommand(dbName)
	out := cmd.String()
	if s.Password != "" {
		out = strings.ReplaceAll(out, "-p"+s.Password, "-p****")
	}
	return out
}

// createDumpCommand creates the exec.Cmd for mysqldump
func (s *Store) createDumpCommand(dbName string) *exec.Cmd {
	args := []string{
		"-h", s.Host,
		"-P", fmt.Sprintf("%d", s.Port),
		"-u", s.User,
	}

	// Add password if provided
	if s.Password != "" {
		args = append(args, fmt.Sprintf("-p%s", s.Password))
	}

	args = append(args,
		"--single-transaction",
		"--quick",
		"--triggers",
		"--routines",
		"--events",
		"--set-gtid-purged=OFF",
	)

	args = append(args, dbName)

	return exec.Command("mysqldump", args...)
}

// Apply feeds a SQL dump stream into the named database via the mysql client
func (s *Store) Apply(ctx context.Context, dbName string, input io.Reader) error {
	args := []string{
		"-h", s.Host,
		"-P", fmt.Sprintf("%d", s.Port),
		"-u", s.User,
	}
	if s.Password != "" {
		args = append(args, fmt.Sprintf("-p%s", s.Password))
	}
	args = append(args, dbName)

	cmd := exec.Command("mysql", args...)
	cmd.Stdin = input
	cmd.Stderr = os.Stderr

	if err := cmd.Start(); err != nil {
		return fmt.Errorf("failed to start mysql client: %w", err)
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
			return fmt.Errorf("mysql apply failed: %w", err)
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

// listTextColumns enumerates the text-bearing columns of a database in a
// stable order (table name, then column position).
func (s *Store) listTextColumns(ctx context.Context, dbName string) ([]textColumn, error) {
	const query = `
		SELECT TABLE_NAME, COLUMN_NAME, CHARACTER_MAXIMUM_LENGTH
		FROM information_schema.COLUMNS
		WHERE TABLE_SCHEMA = ?
		  AND DATA_TYPE IN ('char','varchar','tinytext','text','mediumtext','longtext')
		ORDER BY TABLE_NAME, ORDINAL_POSITION`

	rows, err := s.db.QueryContext(ctx, query, dbName)
	if err != nil {
		return nil, errors.Wrap(err, "failed to list text columns")
	}
	defer rows.Close()

	var cols []textColumn
	for rows.Next() {
		var c textColumn
		if err := rows.Scan(&c.Table, &c.Column, &c.MaxLength); err != nil {
			return nil, errors.Wrap(err, "failed to scan column row")
		}
		cols = append(cols, c)
	}
	return cols, rows.Err()
}

// Remap rewrites occurrences of job.From across all text columns of all
// tables in dbName. Tables are processed one transaction each: a length
// violation in abort mode (or any SQL error) rolls the current table back and
// stops the run, leaving earlier tables committed.
func (s *Store) Remap(ctx context.Context, dbName string, job common.RemapJob) (common.RemapResult, error) {
	var result common.RemapResult

	if s.db == nil {
		return result, errors.New("not connected to MySQL server")
	}

	cols, err := s.listTextColumns(ctx, dbName)
	if err != nil {
		return result, err
	}

	for _, table := range groupByTable(cols) {
		result.TablesScanned++

		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return result, errors.Wrapf(err, "failed to begin transaction on %s", table.name)
		}

		changed, skipped, scanned, err := s.remapTable(ctx, tx, dbName, table, job)
		result.ColumnsScanned += scanned
		if err != nil {
			tx.Rollback()
			return result, err
		}
		if err := tx.Commit(); err != nil {
			return result, errors.Wrapf(err, "failed to commit remap of %s", table.name)
		}
		result.RowsChanged += changed
		result.RowsSkipped += skipped
	}

	return result, nil
}

// remapTable rewrites every text column of one table inside tx.
func (s *Store) remapTable(ctx context.Context, tx *sql.Tx, dbName string, table tableColumns, job common.RemapJob) (changed, skipped int64, scanned int, err error) {
	for _, col := range table.cols {
		scanned++

		// A defined maximum length means replacements can overflow; count the
		// rows that would before touching anything.
		if col.MaxLength.Valid && col.MaxLength.Int64 > 0 {
			violations, cErr := s.countViolations(ctx, tx, dbName, col, job)
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

		query, args := buildUpdate(dbName, col, job)
		res, uErr := tx.ExecContext(ctx, query, args...)
		if uErr != nil {
			return changed, skipped, scanned,
				errors.Wrapf(uErr, "failed to remap %s.%s", col.Table, col.Column)
		}
		if n, aErr := res.RowsAffected(); aErr == nil {
			changed += n
		}
	}
	return changed, skipped, scanned, nil
}

// countViolations counts rows whose replacement would exceed the column's
// maximum length.
func (s *Store) countViolations(ctx context.Context, tx *sql.Tx, dbName string, col textColumn, job common.RemapJob) (int64, error) {
	target := fmt.Sprintf("%s.%s", quoteIdent(dbName), quoteIdent(col.Table))
	c := quoteIdent(col.Column)

	var query string
	var args []interface{}
	if job.Regex {
		query = fmt.Sprintf(
			"SELECT COUNT(*) FROM %s WHERE %s REGEXP ? AND CHAR_LENGTH(REGEXP_REPLACE(%s, ?, ?)) > ?",
			target, c, c)
		args = []interface{}{job.From, job.From, job.To, col.MaxLength.Int64}
	} else {
		query = fmt.Sprintf(
			"SELECT COUNT(*) FROM %s WHERE %s LIKE ? AND CHAR_LENGTH(REPLACE(%s, ?, ?)) > ?",
			target, c, c)
		args = []interface{}{likePattern(job.From), job.From, job.To, col.MaxLength.Int64}
	}

	var count int64
	if err := tx.QueryRowContext(ctx, query, args...).Scan(&count); err != nil {
		return 0, errors.Wrapf(err, "failed to check length violations on %s.%s", col.Table, col.Column)
	}
	return count, nil
}

// buildUpdate returns the rewrite statement for one column. The length guard
// keeps rows that would overflow out of the update so that skip mode leaves
// them untouched.
func buildUpdate(dbName string, col textColumn, job common.RemapJob) (string, []interface{}) {
	target := fmt.Sprintf("%s.%s", quoteIdent(dbName), quoteIdent(col.Table))
	c := quoteIdent(col.Column)
	guarded := col.MaxLength.Valid && col.MaxLength.Int64 > 0

	if job.Regex {
		if guarded {
			return fmt.Sprintf(
					"UPDATE %s SET %s = REGEXP_REPLACE(%s, ?, ?) WHERE %s REGEXP ? AND CHAR_LENGTH(REGEXP_REPLACE(%s, ?, ?)) <= ?",
					target, c, c, c, c),
				[]interface{}{job.From, job.To, job.From, job.From, job.To, col.MaxLength.Int64}
		}
		return fmt.Sprintf(
				"UPDATE %s SET %s = REGEXP_REPLACE(%s, ?, ?) WHERE %s REGEXP ?",
				target, c, c, c),
			[]interface{}{job.From, job.To, job.From}
	}

	if guarded {
		return fmt.Sprintf(
				"UPDATE %s SET %s = REPLACE(%s, ?, ?) WHERE %s LIKE ? AND CHAR_LENGTH(REPLACE(%s, ?, ?)) <= ?",
				target, c, c, c, c),
			[]interface{}{job.From, job.To, likePattern(job.From), job.From, job.To, col.MaxLength.Int64}
	}
	return fmt.Sprintf(
			"UPDATE %s SET %s = REPLACE(%s, ?, ?) WHERE %s LIKE ?",
			target, c, c, c),
		[]interface{}{job.From, job.To, likePattern(job.From)}
}

// tableColumns groups the text columns of one table.
type tableColumns struct {
	name string
	cols []textColumn
}

// groupByTable folds the ordered column list into per-table groups,
// preserving the introspection order.
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

// quoteIdent quotes a MySQL identifier.
func quoteIdent(name string) string {
	return "`" + strings.ReplaceAll(name, "`", "``") + "`"
}

// Validate ensures the driver configuration is valid
func (s *Store) Validate() error {
	if s.Host == "" {
		return errors.New("MySQL host is required")
	}

	if s.Port <= 0 || s.Port > 65535 {
		return fmt.Errorf("invalid MySQL port: %d", s.Port)
	}

	if s.User == "" {
		return errors.New("MySQL user is required")
	}

	return nil
}

// Factory creates MySQL store drivers from the global configuration
type Factory struct{}

// Create returns a new Store instance
func (f *Factory) Create() (common.Driver, error) {
	port, err := strconv.Atoi(config.CFG.Database.Port)
	if err != nil {
		return nil, fmt.Errorf("invalid MySQL port %q: %w", config.CFG.Database.Port, err)
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
	common.RegisterDriver("mysql", &Factory{})
}
