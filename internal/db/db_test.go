package db_test

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"switchline/internal/db"
)

func TestRebind(t *testing.T) {
	q := `UPDATE process_tracker SET status=? WHERE id IN (?,?)`
	assert.Equal(t, q, db.SQLite.Rebind(q))
	assert.Equal(t, `UPDATE process_tracker SET status=$1 WHERE id IN ($2,$3)`, db.Postgres.Rebind(q))
}

func TestPlaceholders(t *testing.T) {
	assert.Equal(t, "", db.Placeholders(0))
	assert.Equal(t, "?,?,?", db.Placeholders(3))
}

func TestOpenSQLiteCreatesWorkspace(t *testing.T) {
	ws := t.TempDir()
	conn, err := db.Open(db.Config{Workspace: ws})
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer conn.Close()
	if err := conn.Ping(); err != nil {
		t.Fatalf("ping: %v", err)
	}
	assert.FileExists(t, db.Path(ws))
}
