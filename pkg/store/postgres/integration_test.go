package postgres

import (
	"bytes"
	"context"
	"database/sql"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/supporttools/SiteVault/pkg/apperrors"
	"github.com/supporttools/SiteVault/pkg/store/common"
)

// Integration tests against a live PostgreSQL server. Enable with
// TEST_DB_TYPE=postgres; connection settings come from TEST_PG_* variables.

// integrationStore connects to the test server and tears the connection down
// after all per-test cleanups have run.
func integrationStore(t *testing.T) *Store {
	t.Helper()
	if os.Getenv("TEST_DB_TYPE") != "postgres" {
		t.Skip("Skipping PostgreSQL integration tests")
	}

	port := 5432
	if p := os.Getenv("TEST_PG_PORT"); p != "" {
		if _, err := fmt.Sscanf(p, "%d", &port); err != nil {
			t.Fatalf("invalid TEST_PG_PORT %q: %v", p, err)
		}
	}

	s := &Store{
		Host:     envOr("TEST_PG_HOST", "localhost"),
		Port:     port,
		User:     envOr("TEST_PG_USER", "postgres"),
		Password: os.Getenv("TEST_PG_PASSWORD"),
	}
	require.NoError(t, s.Validate())
	require.NoError(t, s.Connect(context.Background()))
	t.Cleanup(func() { s.Close() })
	return s
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

// scratchDatabase creates a throwaway database and returns its name along
// with a connection into it. Both are torn down when the test finishes.
func scratchDatabase(t *testing.T, s *Store) (string, *sql.DB) {
	t.Helper()
	ctx := context.Background()

	name := fmt.Sprintf("sitevault_it_%d", time.Now().UnixNano())
	require.NoError(t, s.CreateDatabase(ctx, name))

	db, err := sql.Open("postgres", s.dsn(name))
	require.NoError(t, err)
	require.NoError(t, db.PingContext(ctx))

	t.Cleanup(func() {
		db.Close()
		if _, err := s.db.Exec(fmt.Sprintf("DROP DATABASE %s", quoteIdent(name))); err != nil {
			t.Logf("failed to drop scratch database %s: %v", name, err)
		}
	})

	return name, db
}

func TestIntegrationConnectAndIntrospect(t *testing.T) {
	s := integrationStore(t)
	ctx := context.Background()

	name, _ := scratchDatabase(t, s)

	exists, err := s.DatabaseExists(ctx, name)
	require.NoError(t, err)
	assert.True(t, exists)

	exists, err = s.DatabaseExists(ctx, name+"_missing")
	require.NoError(t, err)
	assert.False(t, exists)

	databases, err := s.ListDatabases(ctx)
	require.NoError(t, err)
	assert.Contains(t, databases, name)
}

func TestIntegrationRemapLiteral(t *testing.T) {
	s := integrationStore(t)
	ctx := context.Background()

	name, db := scratchDatabase(t, s)

	_, err := db.ExecContext(ctx, `CREATE TABLE posts (id SERIAL PRIMARY KEY, body TEXT, title VARCHAR(200))`)
	require.NoError(t, err)
	_, err = db.ExecContext(ctx, `INSERT INTO posts (body, title) VALUES
		('visit http://old.example.com/a', 'about old.example.com'),
		('no links here', 'plain title')`)
	require.NoError(t, err)

	res, err := s.Remap(ctx, name, common.RemapJob{From: "old.example.com", To: "new.example.com"})
	require.NoError(t, err)
	assert.Equal(t, int64(2), res.RowsChanged)

	var body, title string
	require.NoError(t, db.QueryRowContext(ctx,
		`SELECT body, title FROM posts WHERE id = 1`).Scan(&body, &title))
	assert.Equal(t, "visit http://new.example.com/a", body)
	assert.Equal(t, "about new.example.com", title)

	// A second pass finds nothing left to rewrite.
	res, err = s.Remap(ctx, name, common.RemapJob{From: "old.example.com", To: "new.example.com"})
	require.NoError(t, err)
	assert.Zero(t, res.RowsChanged)
}

func TestIntegrationRemapLengthViolations(t *testing.T) {
	s := integrationStore(t)
	ctx := context.Background()

	name, db := scratchDatabase(t, s)

	_, err := db.ExecContext(ctx, `CREATE TABLE tags (id SERIAL PRIMARY KEY, label VARCHAR(5))`)
	require.NoError(t, err)
	_, err = db.ExecContext(ctx, `INSERT INTO tags (label) VALUES ('cat'), ('dog')`)
	require.NoError(t, err)

	// "caterpillar" does not fit VARCHAR(5): the default aborts with both
	// rows unchanged.
	_, err = s.Remap(ctx, name, common.RemapJob{From: "cat", To: "caterpillar"})
	require.Error(t, err)
	assert.True(t, apperrors.IsColumnLengthViolation(err))

	var label string
	require.NoError(t, db.QueryRowContext(ctx, `SELECT label FROM tags WHERE id = 1`).Scan(&label))
	assert.Equal(t, "cat", label)

	// Skip mode completes with the violating row left alone.
	res, err := s.Remap(ctx, name, common.RemapJob{From: "cat", To: "caterpillar", SkipMaxLengthViolations: true})
	require.NoError(t, err)
	assert.Zero(t, res.RowsChanged)
	assert.Equal(t, int64(1), res.RowsSkipped)
}

func TestIntegrationDumpAndApply(t *testing.T) {
	s := integrationStore(t)
	ctx := context.Background()

	source, db := scratchDatabase(t, s)

	_, err := db.ExecContext(ctx, `CREATE TABLE settings (key TEXT PRIMARY KEY, value TEXT)`)
	require.NoError(t, err)
	_, err = db.ExecContext(ctx, `INSERT INTO settings VALUES ('title', 'Example Forum')`)
	require.NoError(t, err)

	var dump bytes.Buffer
	require.NoError(t, s.Dump(ctx, source, &dump))
	assert.Contains(t, dump.String(), "Example Forum")

	staging, stagingDB := scratchDatabase(t, s)
	require.NoError(t, s.Apply(ctx, staging, bytes.NewReader(dump.Bytes())))

	var value string
	require.NoError(t, stagingDB.QueryRowContext(ctx,
		`SELECT value FROM settings WHERE key = 'title'`).Scan(&value))
	assert.Equal(t, "Example Forum", value)
}
