package starter

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"db_migration_starter/entity"
	"db_migration_starter/internal/config"
	"db_migration_starter/internal/db"
	"db_migration_starter/internal/logging"
)

type Order struct {
	entity.Model
	ID        int64
	Total     float64
	CreatedAt time.Time
}

type Invoice struct {
	entity.Model
	ID     int64
	Number string `db:"number,notnull,size=32"`
}

type Broken struct {
	entity.Model
	ID int64
}

func (Broken) TableName() string { panic("table name unavailable") }

var jan1 = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

func newPipeline(t *testing.T, cfg Config, opts ...Option) (*Pipeline, *bytes.Buffer) {
	t.Helper()
	logs := &bytes.Buffer{}
	base := []Option{
		WithLogger(logging.New(logs, "debug", "json")),
		WithEntryType(Order{}),
		WithClock(func() time.Time { return jan1 }),
		WithIDs(func() string { return "batch-1" }),
	}
	return New(cfg, append(base, opts...)...), logs
}

func testConfig(t *testing.T) Config {
	t.Helper()
	cfg := DefaultConfig()
	cfg.ResourceRoot = t.TempDir()
	cfg.Generation.AutoGenerate = true
	return cfg
}

func registry(values ...any) *entity.Registry {
	r := entity.NewRegistry()
	r.Register(values...)
	return r
}

func TestRun_AutoGenerateDisabled(t *testing.T) {
	cfg := testConfig(t)
	cfg.Generation.AutoGenerate = false
	p, _ := newPipeline(t, cfg, WithRegistry(registry(Order{})))

	st := p.Run(context.Background())
	assert.True(t, st.Success)
	assert.Empty(t, st.Artifact)
	assert.NoDirExists(t, filepath.Join(cfg.ResourceRoot, "db"))
}

func TestRun_NoEntitiesWritesNothing(t *testing.T) {
	cfg := testConfig(t)
	p, _ := newPipeline(t, cfg, WithRegistry(entity.NewRegistry()))

	st := p.Run(context.Background())
	assert.True(t, st.Success)
	assert.Empty(t, st.Artifact)
	assert.Equal(t, "no pending changes", st.Summary)
	assert.NoDirExists(t, filepath.Join(cfg.ResourceRoot, "db", "migration"))
}

func TestRun_OrderScenario(t *testing.T) {
	cfg := testConfig(t)
	p, _ := newPipeline(t, cfg, WithRegistry(registry(Order{})))

	st := p.Run(context.Background())
	require.True(t, st.Success, st.Error)
	assert.Equal(t, []string{"order"}, st.Tables)
	assert.Equal(t, "generic", st.Dialect)
	assert.Equal(t, "20240101000000", st.Version)
	want := filepath.Join(cfg.ResourceRoot, "db", "migration", "V20240101000000__update_schema_20240101.sql")
	assert.Equal(t, want, st.Artifact)

	body, err := os.ReadFile(want)
	require.NoError(t, err)
	assert.Contains(t, string(body), "CREATE TABLE IF NOT EXISTS order (\n")

	// the artifact is now history, so the next run has nothing to do
	st = p.Run(context.Background())
	assert.True(t, st.Success)
	assert.Empty(t, st.Artifact)
	assert.Empty(t, st.Tables)
}

func TestRun_NamespaceFilter(t *testing.T) {
	cfg := testConfig(t)
	cfg.Generation.EntityNamespaces = []string{"example.com/elsewhere"}
	p, _ := newPipeline(t, cfg, WithRegistry(registry(Order{})))

	st := p.Run(context.Background())
	assert.True(t, st.Success)
	assert.Zero(t, st.Entities)
	assert.Empty(t, st.Artifact)
}

func TestGenerate_SkipsPanickingEntity(t *testing.T) {
	cfg := testConfig(t)
	p, logs := newPipeline(t, cfg, WithRegistry(registry(Order{}, Broken{})))

	var st Status
	require.NotPanics(t, func() { st = p.Generate(context.Background()) })
	require.True(t, st.Success, st.Error)
	assert.Equal(t, 1, st.Entities)
	assert.Equal(t, []string{"order"}, st.Tables)
	assert.FileExists(t, st.Artifact)
	assert.Contains(t, logs.String(), "skipping entity")
	assert.Contains(t, logs.String(), "table name unavailable")
}

func TestGenerate_WriteFailureReported(t *testing.T) {
	cfg := testConfig(t)
	blocker := filepath.Join(cfg.ResourceRoot, "db")
	require.NoError(t, os.WriteFile(blocker, []byte("not a dir"), 0o644))
	p, _ := newPipeline(t, cfg, WithRegistry(registry(Order{})))

	st := p.Generate(context.Background())
	assert.False(t, st.Success)
	assert.NotEmpty(t, st.Error)
}

func TestGenerate_BootstrapThenGenerate(t *testing.T) {
	cfg := testConfig(t)
	cfg.Generation.BootstrapTemplates = true
	p, _ := newPipeline(t, cfg, WithRegistry(registry(Order{})))

	st := p.Generate(context.Background())
	require.True(t, st.Success, st.Error)
	dir := filepath.Join(cfg.ResourceRoot, "db", "migration")
	assert.Equal(t, filepath.Join(dir, "V20240101000000__initial_schema.sql"), st.Bootstrapped)
	assert.False(t, st.Skipped)
	assert.Equal(t, "20240101000001", st.Version)
	assert.Equal(t, filepath.Join(dir, "V20240101000001__update_schema_20240101.sql"), st.Artifact)

	body, err := os.ReadFile(st.Artifact)
	require.NoError(t, err)
	assert.Contains(t, string(body), "CREATE TABLE IF NOT EXISTS order (\n")
}

func TestGenerate_ChangelogBootstrapThenGenerate(t *testing.T) {
	cfg := testConfig(t)
	cfg.Engine = config.EngineChangelog
	cfg.Generation.OutputDir = config.DefaultChangelogDir
	cfg.Generation.BootstrapTemplates = true
	p, _ := newPipeline(t, cfg, WithRegistry(registry(Invoice{})))

	st := p.Generate(context.Background())
	require.True(t, st.Success, st.Error)
	dir := filepath.Join(cfg.ResourceRoot, "db", "changelog")
	assert.Equal(t, filepath.Join(dir, "changelog-20240101000000.xml"), st.Bootstrapped)
	assert.Equal(t, filepath.Join(dir, "changelog-20240101000001.xml"), st.Artifact)

	master, err := os.ReadFile(filepath.Join(dir, "db.changelog-master.xml"))
	require.NoError(t, err)
	assert.Contains(t, string(master), `changelog-20240101000000.xml`)
	assert.Contains(t, string(master), `changelog-20240101000001.xml`)
}

func TestGenerate_OrphanedChangelogIncludedLater(t *testing.T) {
	cfg := testConfig(t)
	cfg.Engine = config.EngineChangelog
	cfg.Generation.OutputDir = config.DefaultChangelogDir
	dir := filepath.Join(cfg.ResourceRoot, "db", "changelog")
	master := filepath.Join(dir, "db.changelog-master.xml")
	require.NoError(t, os.MkdirAll(dir, 0o755))
	require.NoError(t, os.WriteFile(master, []byte("<databaseChangeLog>\n"), 0o644))

	now := jan1
	p, _ := newPipeline(t, cfg, WithRegistry(registry(Invoice{})), WithClock(func() time.Time { return now }))

	st := p.Generate(context.Background())
	assert.False(t, st.Success)
	orphan := filepath.Join(dir, "changelog-20240101000000.xml")
	assert.Equal(t, orphan, st.Artifact)

	require.NoError(t, os.WriteFile(master, []byte("<databaseChangeLog>\n</databaseChangeLog>\n"), 0o644))
	now = jan1.Add(time.Hour)
	st = p.Generate(context.Background())
	require.True(t, st.Success, st.Error)
	assert.Empty(t, st.Tables)

	body, err := os.ReadFile(master)
	require.NoError(t, err)
	assert.Equal(t, 1, strings.Count(string(body), `file="changelog-20240101000000.xml"`))
}

func openSQLite(t *testing.T) db.Adapter {
	t.Helper()
	adapter, err := db.Open(config.DatabaseConfig{Provider: "sqlite", DSN: filepath.Join(t.TempDir(), "starter.db")})
	require.NoError(t, err)
	t.Cleanup(func() { _ = adapter.Close() })
	return adapter
}

func TestChangelogGenerateThenMigrate(t *testing.T) {
	cfg := testConfig(t)
	cfg.Engine = config.EngineChangelog
	cfg.Generation.OutputDir = config.DefaultChangelogDir
	adapter := openSQLite(t)
	p, _ := newPipeline(t, cfg, WithRegistry(registry(Invoice{})), WithAdapter(adapter))

	st := p.Run(context.Background())
	require.True(t, st.Success, st.Error)
	assert.Equal(t, "sqlite", st.Dialect)
	assert.Equal(t, filepath.Join(cfg.ResourceRoot, "db", "changelog", "changelog-20240101000000.xml"), st.Artifact)

	eng, err := p.Engine()
	require.NoError(t, err)
	report, err := eng.Migrate(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"changelog-20240101000000.xml::batch-1"}, report.Applied)

	s, err := adapter.FetchSchema(context.Background(), "")
	require.NoError(t, err)
	require.Contains(t, s.Tables, "invoice")
	assert.Contains(t, s.Tables["invoice"].Columns, "number")
}

func TestLiveTablesCountAsMigrated(t *testing.T) {
	cfg := testConfig(t)
	cfg.Generation.IncludeLiveTables = true
	adapter := openSQLite(t)
	_, err := adapter.DB().Exec(`CREATE TABLE invoice (id INTEGER PRIMARY KEY)`)
	require.NoError(t, err)
	p, _ := newPipeline(t, cfg, WithRegistry(registry(Invoice{})), WithAdapter(adapter))

	plan, err := p.Plan(context.Background())
	require.NoError(t, err)
	assert.True(t, plan.Pending.IsEmpty())
	assert.True(t, plan.Migrated.Has("invoice"))
}

func TestWithDB(t *testing.T) {
	adapter := openSQLite(t)
	p := New(DefaultConfig(), WithDB("sqlite", adapter.DB().DB), WithLogger(logging.Discard()))
	require.NotNil(t, p.adapter)
	assert.Equal(t, "sqlite", p.adapter.Provider())

	p = New(DefaultConfig(), WithDB("oracle", adapter.DB().DB), WithLogger(logging.Discard()))
	assert.Nil(t, p.adapter)
}

func TestLifecycle_RunsHooksOnce(t *testing.T) {
	lc := NewLifecycle(logging.Discard())
	calls := 0
	lc.OnReady("count", func(context.Context) error { calls++; return nil })
	lc.OnReady("fail", func(context.Context) error { return errors.New("boom") })
	lc.OnReady("panic", func(context.Context) error { panic("kaboom") })
	lc.OnReady("after", func(context.Context) error { calls++; return nil })

	err := lc.Ready(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "fail: boom")
	assert.Contains(t, err.Error(), "panic: panic: kaboom")
	assert.Equal(t, 2, calls)

	require.Equal(t, err, lc.Ready(context.Background()))
	assert.Equal(t, 2, calls)
}

func TestInstall(t *testing.T) {
	cfg := testConfig(t)
	p, _ := newPipeline(t, cfg, WithRegistry(registry(Broken{})))
	lc := NewLifecycle(logging.Discard())
	p.Install(lc)
	assert.NoError(t, lc.Ready(context.Background()))

	cfg.Enabled = false
	p, _ = newPipeline(t, cfg)
	lc = NewLifecycle(logging.Discard())
	p.InstallMigrate(lc)
	assert.NoError(t, lc.Ready(context.Background()))
}
