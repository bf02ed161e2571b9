package mysql

import (
	"context"
	"regexp"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/supporttools/SiteVault/pkg/apperrors"
	"github.com/supporttools/SiteVault/pkg/store/common"
)

func newMockStore(t *testing.T) (*Store, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	return &Store{Host: "localhost", Port: 3306, User: "root", db: db}, mock
}

func expectTextColumns(mock sqlmock.Sqlmock, dbName string, rows *sqlmock.Rows) {
	mock.ExpectQuery("FROM information_schema.COLUMNS").
		WithArgs(dbName).
		WillReturnRows(rows)
}

// TestRemapCleanRun tests a remap across two tables with no violations; each
// table gets its own transaction and the affected-row counts are summed.
func TestRemapCleanRun(t *testing.T) {
	store, mock := newMockStore(t)

	cols := sqlmock.NewRows([]string{"TABLE_NAME", "COLUMN_NAME", "CHARACTER_MAXIMUM_LENGTH"}).
		AddRow("posts", "raw", 65535).
		AddRow("users", "username", 60)
	expectTextColumns(mock, "site_content", cols)

	// posts
	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta("SELECT COUNT(*) FROM `site_content`.`posts`")).
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(0))
	mock.ExpectExec(regexp.QuoteMeta("UPDATE `site_content`.`posts` SET `raw` = REPLACE(`raw`, ?, ?)")).
		WillReturnResult(sqlmock.NewResult(0, 3))
	mock.ExpectCommit()

	// users
	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta("SELECT COUNT(*) FROM `site_content`.`users`")).
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(0))
	mock.ExpectExec(regexp.QuoteMeta("UPDATE `site_content`.`users` SET `username` = REPLACE(`username`, ?, ?)")).
		WillReturnResult(sqlmock.NewResult(0, 2))
	mock.ExpectCommit()

	result, err := store.Remap(context.Background(), "site_content",
		common.RemapJob{From: "old.example.com", To: "new.example.com"})

	require.NoError(t, err)
	assert.Equal(t, int64(5), result.RowsChanged)
	assert.Equal(t, int64(0), result.RowsSkipped)
	assert.Equal(t, 2, result.TablesScanned)
	assert.Equal(t, 2, result.ColumnsScanned)
	assert.NoError(t, mock.ExpectationsWereMet())
}

// TestRemapAbortsOnLengthViolation tests that with skip disabled a violating
// row fails the run before any update touches the table, and the table's
// transaction is rolled back.
func TestRemapAbortsOnLengthViolation(t *testing.T) {
	store, mock := newMockStore(t)

	cols := sqlmock.NewRows([]string{"TABLE_NAME", "COLUMN_NAME", "CHARACTER_MAXIMUM_LENGTH"}).
		AddRow("tags", "name", 5)
	expectTextColumns(mock, "site_content", cols)

	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta("SELECT COUNT(*) FROM `site_content`.`tags`")).
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(1))
	mock.ExpectRollback()

	result, err := store.Remap(context.Background(), "site_content",
		common.RemapJob{From: "cat", To: "caterpillar"})

	require.Error(t, err)
	assert.True(t, apperrors.IsColumnLengthViolation(err))
	assert.Contains(t, err.Error(), "tags.name")
	assert.Equal(t, int64(0), result.RowsChanged)
	assert.NoError(t, mock.ExpectationsWereMet())
}

// TestRemapSkipsViolatingRows tests that with skip enabled the violating row
// is counted as skipped, the guarded update runs, and the operation succeeds
// with zero rows changed when no other row matches.
func TestRemapSkipsViolatingRows(t *testing.T) {
	store, mock := newMockStore(t)

	cols := sqlmock.NewRows([]string{"TABLE_NAME", "COLUMN_NAME", "CHARACTER_MAXIMUM_LENGTH"}).
		AddRow("tags", "name", 5)
	expectTextColumns(mock, "site_content", cols)

	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta("SELECT COUNT(*) FROM `site_content`.`tags`")).
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(1))
	mock.ExpectExec(regexp.QuoteMeta("CHAR_LENGTH(REPLACE(`name`, ?, ?)) <= ?")).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectCommit()

	result, err := store.Remap(context.Background(), "site_content",
		common.RemapJob{From: "cat", To: "caterpillar", SkipMaxLengthViolations: true})

	require.NoError(t, err)
	assert.Equal(t, int64(0), result.RowsChanged)
	assert.Equal(t, int64(1), result.RowsSkipped)
	assert.NoError(t, mock.ExpectationsWereMet())
}

// TestRemapRegexMode tests that regex jobs delegate to REGEXP_REPLACE.
func TestRemapRegexMode(t *testing.T) {
	store, mock := newMockStore(t)

	cols := sqlmock.NewRows([]string{"TABLE_NAME", "COLUMN_NAME", "CHARACTER_MAXIMUM_LENGTH"}).
		AddRow("posts", "raw", nil)
	expectTextColumns(mock, "site_content", cols)

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta("SET `raw` = REGEXP_REPLACE(`raw`, ?, ?) WHERE `raw` REGEXP ?")).
		WithArgs(`https?://old\.example\.com`, "https://new.example.com", `https?://old\.example\.com`).
		WillReturnResult(sqlmock.NewResult(0, 7))
	mock.ExpectCommit()

	result, err := store.Remap(context.Background(), "site_content",
		common.RemapJob{From: `https?://old\.example\.com`, To: "https://new.example.com", Regex: true})

	require.NoError(t, err)
	assert.Equal(t, int64(7), result.RowsChanged)
	assert.NoError(t, mock.ExpectationsWereMet())
}

// TestDatabaseExists tests existence checks against information_schema.
func TestDatabaseExists(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectQuery("SELECT SCHEMA_NAME FROM information_schema.SCHEMATA").
		WithArgs("site_content").
		WillReturnRows(sqlmock.NewRows([]string{"SCHEMA_NAME"}).AddRow("site_content"))
	mock.ExpectQuery("SELECT SCHEMA_NAME FROM information_schema.SCHEMATA").
		WithArgs("missing_db").
		WillReturnRows(sqlmock.NewRows([]string{"SCHEMA_NAME"}))

	exists, err := store.DatabaseExists(context.Background(), "site_content")
	require.NoError(t, err)
	assert.True(t, exists)

	exists, err = store.DatabaseExists(context.Background(), "missing_db")
	require.NoError(t, err)
	assert.False(t, exists)
}

// TestLikePatternEscaping tests that LIKE wildcards in the search term are
// escaped so they match literally.
func TestLikePatternEscaping(t *testing.T) {
	assert.Equal(t, "%plain%", likePattern("plain"))
	assert.Equal(t, `%100\%%`, likePattern("100%"))
	assert.Equal(t, `%a\_b%`, likePattern("a_b"))
	assert.Equal(t, `%c:\\temp%`, likePattern(`c:\temp`))
}

// TestQuoteIdent tests identifier quoting, including embedded backticks.
func TestQuoteIdent(t *testing.T) {
	assert.Equal(t, "`posts`", quoteIdent("posts"))
	assert.Equal(t, "`odd``name`", quoteIdent("odd`name"))
}

// TestDumpCommandMasksPassword tests that the loggable dump command never
// exposes the password.
func TestDumpCommandMasksPassword(t *testing.T) {
	store := &Store{Host: "localhost", Port: 3306, User: "root", Password: "secret123"}

	out := store.DumpCommand("site_content")
	assert.NotContains(t, out, "secret123")
	assert.Contains(t, out, "-p****")
	assert.Contains(t, out, "--single-transaction")
	assert.Contains(t, out, "site_content")
}

// TestValidate tests driver configuration validation.
func TestValidate(t *testing.T) {
	valid := &Store{Host: "localhost", Port: 3306, User: "root"}
	assert.NoError(t, valid.Validate())

	assert.Error(t, (&Store{Port: 3306, User: "root"}).Validate())
	assert.Error(t, (&Store{Host: "localhost", Port: 0, User: "root"}).Validate())
	assert.Error(t, (&Store{Host: "localhost", Port: 3306}).Validate())
}
