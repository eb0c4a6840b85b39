package history

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"db_migration_starter/internal/changelog"
	"db_migration_starter/internal/config"
	"db_migration_starter/internal/db"
	"db_migration_starter/internal/logging"
)

func writeFile(t *testing.T, path, body string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
}

func TestSQLTables(t *testing.T) {
	script := `-- CREATE TABLE commented_out (id INT);
/* CREATE TABLE also_ignored (id INT); */
CREATE TABLE IF NOT EXISTS "Orders" (id BIGINT);
create table public.customers (id int);
CREATE TABLE ` + "`line_items`" + ` (id INT);
CREATE TABLE [Audit Log] (id INT);
CREATE INDEX idx ON orders (id);`
	assert.Equal(t, []string{"orders", "customers", "line_items", "audit log"}, SQLTables(script))
}

func TestNormalizeTable(t *testing.T) {
	assert.Equal(t, "order", NormalizeTable(` "public"."Order" `))
	assert.Equal(t, "order", NormalizeTable("`ORDER`"))
	assert.True(t, NewTableSet("Order").Has(`"order"`))
	assert.Equal(t, []string{"a", "b"}, NewTableSet("b", "A", "").Sorted())
}

func TestArtifactHistory(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "sql", "V1__init.sql"), "CREATE TABLE customer (id INT);")
	writeFile(t, filepath.Join(dir, "sql", "nested", "V2__more.SQL"), "CREATE TABLE IF NOT EXISTS invoice (id INT);")
	writeFile(t, filepath.Join(dir, "xml", "changelog-1.xml"), changelog.Render(changelog.ChangeSet{
		ID: "1", Author: "a",
		Changes: []changelog.Change{{CreateTable: &changelog.CreateTable{TableName: "Shipment"}}},
	}))
	writeFile(t, filepath.Join(dir, "xml", "broken.xml"), "<databaseChangeLog><changeSet")
	writeFile(t, filepath.Join(dir, "xml", "readme.txt"), "CREATE TABLE nope (id INT);")

	h := NewArtifactHistory(logging.Discard(),
		filepath.Join(dir, "sql"), filepath.Join(dir, "xml"), filepath.Join(dir, "missing"), filepath.Join(dir, "sql"))
	got, err := h.MigratedTables(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"customer", "invoice", "shipment"}, got.Sorted())
}

func TestArtifactHistory_Cancelled(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "V1__a.sql"), "CREATE TABLE a (id INT);")
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := NewArtifactHistory(logging.Discard(), dir).MigratedTables(ctx)
	require.ErrorIs(t, err, context.Canceled)
}

func TestLiveHistory_SQLite(t *testing.T) {
	ctx := context.Background()
	a, err := db.Open(config.DatabaseConfig{Provider: "sqlite", DSN: ":memory:"})
	require.NoError(t, err)
	t.Cleanup(func() { a.Close() })
	require.NoError(t, a.ExecScript(ctx, "CREATE TABLE Legacy (id INTEGER);"))

	got, err := NewLiveHistory(a, "").MigratedTables(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"legacy"}, got.Sorted())
}

type stubSource struct {
	name   string
	tables TableSet
	err    error
}

func (s stubSource) Name() string { return s.name }

func (s stubSource) MigratedTables(context.Context) (TableSet, error) {
	return s.tables, s.err
}

func TestMulti(t *testing.T) {
	ctx := context.Background()
	files := stubSource{name: "files", tables: NewTableSet("a")}
	live := stubSource{name: "live", tables: NewTableSet("b")}
	down := stubSource{name: "down", err: errors.New("connection refused")}

	got, err := NewMulti(logging.Discard(), files, down, live).MigratedTables(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b"}, got.Sorted())

	_, err = NewMulti(logging.Discard(), down, live).MigratedTables(ctx)
	require.Error(t, err)
}
