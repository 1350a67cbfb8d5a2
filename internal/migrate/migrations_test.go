package migrate_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"switchline/internal/db"
	"switchline/internal/migrate"
)

func TestMigrateIsIdempotent(t *testing.T) {
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	require.NoError(t, err)
	defer conn.Close()

	require.NoError(t, migrate.Migrate(conn, db.SQLite))
	require.NoError(t, migrate.Migrate(conn, db.SQLite))

	var version int
	require.NoError(t, conn.QueryRow(`SELECT version FROM schema_version`).Scan(&version))
	require.Equal(t, 1, version)

	for _, table := range []string{"payment_attempt", "reverse_lookup", "process_tracker", "drain_intents"} {
		var name string
		err := conn.QueryRow(`SELECT name FROM sqlite_master WHERE type='table' AND name=?`, table).Scan(&name)
		require.NoError(t, err, table)
	}
}
