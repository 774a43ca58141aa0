package sqlite_test

import (
	"database/sql"
	"testing"

	"github.com/th317erd/hero/internal/store/sqlite"

	"github.com/stretchr/testify/require"
)

// setupTestDB opens an in-memory database with the production schema.
func setupTestDB(t *testing.T) *sql.DB {
	t.Helper()

	db, err := sqlite.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db
}
