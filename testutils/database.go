package testutils

import (
	"context"
	"os"
	"strings"
	"testing"

	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/require"

	"github.com/migadu/tidings/config"
	"github.com/migadu/tidings/db"
	"github.com/migadu/tidings/mlist"
)

// TestDatabaseURLEnv selects a PostgreSQL database for store tests.
const TestDatabaseURLEnv = "TIDINGS_TEST_DATABASE_URL"

// SetupTestStore returns a migrated store that is closed when the test
// ends. Without TIDINGS_TEST_DATABASE_URL it is a private in-memory
// SQLite database.
func SetupTestStore(t *testing.T) *db.Store {
	t.Helper()
	ctx := context.Background()

	if url := os.Getenv(TestDatabaseURLEnv); url != "" {
		if testing.Short() {
			t.Skip("Skipping PostgreSQL store test in short mode")
		}
		store, err := db.Open(ctx, config.DatabaseConfig{URL: url})
		require.NoError(t, err, "failed to connect to %s", url)
		t.Cleanup(func() {
			TruncateAllTables(t, store)
			store.Close()
		})
		return store
	}

	sdb, err := sqlx.Open(db.DriverSQLite, ":memory:")
	require.NoError(t, err)
	// Each connection would get its own in-memory database.
	sdb.SetMaxOpenConns(1)
	sdb.SetConnMaxLifetime(0)

	require.NoError(t, db.MigrateUp(ctx, sdb))
	store, err := db.NewStore(sdb)
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

// TruncateAllTables empties every table, for databases shared between
// tests.
func TruncateAllTables(t *testing.T, store *db.Store) {
	t.Helper()
	tables := []string{
		"pendedkeyvalue",
		"pended",
		"workflowstate",
		"members",
		"bans",
		"held_messages",
		"digest_messages",
		"list_stats",
	}
	for _, table := range tables {
		_, err := store.DB().Exec("DELETE FROM " + table)
		require.NoError(t, err)
	}
}

// CreateTestMember subscribes email to listID with the given role.
func CreateTestMember(t *testing.T, store *db.Store, listID, email string, role mlist.Role) *mlist.Member {
	t.Helper()
	m := mlist.NewMember(listID, email, "", role)
	require.NoError(t, store.AddMember(context.Background(), m))
	return m
}

// TestList builds a list from cfg with a default name and host.
func TestList(t *testing.T, cfg config.ListConfig) *mlist.MailingList {
	t.Helper()
	if cfg.Name == "" {
		cfg.Name = "ant"
	}
	if cfg.MailHost == "" {
		cfg.MailHost = "example.com"
	}
	l, err := mlist.New(cfg)
	require.NoError(t, err)
	return l
}

// CRLF converts a fixture written with \n line endings.
func CRLF(s string) []byte {
	return []byte(strings.ReplaceAll(s, "\n", "\r\n"))
}
