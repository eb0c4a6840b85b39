package generate

import (
	"bytes"
	"errors"
	"os"
	"path/filepath"
	"reflect"
	"sort"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"db_migration_starter/entity"
	"db_migration_starter/internal/artifact"
	"db_migration_starter/internal/changelog"
	"db_migration_starter/internal/config"
	"db_migration_starter/internal/diff"
	"db_migration_starter/internal/history"
	"db_migration_starter/internal/logging"
	"db_migration_starter/internal/schema"
)

type Order struct {
	entity.Model
	ID        int64
	Total     float64
	CreatedAt time.Time
}

type Customer struct {
	entity.Model
	ID    int64
	Email string `db:"email,notnull,unique"`
}

var jan1 = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

type fixture struct {
	cfg  config.Config
	gen  *Generator
	logs *bytes.Buffer
	snap schema.Snapshot
}

func newFixture(t *testing.T, engine config.EngineType, now time.Time, types ...any) *fixture {
	t.Helper()
	cfg := config.Default()
	cfg.ResourceRoot = t.TempDir()
	if engine == config.EngineChangelog {
		cfg.Engine = engine
		cfg.Generation.OutputDir = config.DefaultChangelogDir
	}
	logs := &bytes.Buffer{}
	logger := logging.New(logs, "debug", "json")

	var rts []reflect.Type
	for _, v := range types {
		rts = append(rts, reflect.TypeOf(v))
	}
	return &fixture{
		cfg:  cfg,
		logs: logs,
		snap: schema.NewDeriver(logger).Derive(rts, schema.Generic),
		gen: New(cfg,
			WithLogger(logger),
			WithClock(func() time.Time { return now }),
			WithIDs(func() string { return "batch-1" })),
	}
}

func (f *fixture) pending() diff.PendingChangeSet {
	return diff.Detect(f.snap, history.NewTableSet())
}

func readFile(t *testing.T, path string) string {
	t.Helper()
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	return string(data)
}

func TestGenerate_OrderScenario(t *testing.T) {
	f := newFixture(t, config.EngineSQL, jan1, Order{})
	p := f.pending()
	require.Equal(t, map[string][]string{"order": {}}, p.Map())

	a, err := f.gen.Generate(p, f.snap, artifact.FormatSQL)
	require.NoError(t, err)

	assert.False(t, a.Skipped)
	assert.Equal(t, "V20240101000000__update_schema_20240101.sql", a.FileName())
	assert.Equal(t, filepath.Join(f.cfg.ResourceRoot, "db", "migration"), filepath.Dir(a.Path))

	content := readFile(t, a.Path)
	assert.Equal(t, a.Content, content)
	assert.Contains(t, content, "CREATE TABLE IF NOT EXISTS order (\n")
	assert.Contains(t, content, "    id BIGINT NOT NULL AUTO_INCREMENT PRIMARY KEY,\n")
	assert.Contains(t, content, "    created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP\n);")
	assert.Equal(t, []string{"order"}, history.SQLTables(content))
}

func TestGenerate_SameTimestampSkips(t *testing.T) {
	f := newFixture(t, config.EngineSQL, jan1, Order{})
	dir := f.gen.OutputDir()
	require.NoError(t, os.MkdirAll(dir, 0o755))
	existing := filepath.Join(dir, "V20240101000000__x.sql")
	require.NoError(t, os.WriteFile(existing, []byte("-- hand written\n"), 0o644))

	a, err := f.gen.Generate(f.pending(), f.snap, artifact.FormatSQL)
	require.NoError(t, err)

	assert.True(t, a.Skipped)
	assert.Equal(t, existing, a.Path)
	assert.Equal(t, "-- hand written\n", readFile(t, existing))
	assert.NoFileExists(t, filepath.Join(dir, "V20240101000000__update_schema_20240101.sql"))
	assert.Contains(t, f.logs.String(), "skipping write")
}

func TestGenerate_SameSecondTwiceSkipsSecond(t *testing.T) {
	f := newFixture(t, config.EngineSQL, jan1, Order{})
	first, err := f.gen.Generate(f.pending(), f.snap, artifact.FormatSQL)
	require.NoError(t, err)
	second, err := f.gen.Generate(f.pending(), f.snap, artifact.FormatSQL)
	require.NoError(t, err)

	assert.False(t, first.Skipped)
	assert.True(t, second.Skipped)
	assert.Equal(t, first.Path, second.Path)
}

func TestGenerate_RefusesOlderVersion(t *testing.T) {
	f := newFixture(t, config.EngineSQL, jan1, Order{})
	dir := f.gen.OutputDir()
	require.NoError(t, os.MkdirAll(dir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "V20250101000000__later.sql"), nil, 0o644))

	_, err := f.gen.Generate(f.pending(), f.snap, artifact.FormatSQL)
	require.ErrorIs(t, err, artifact.ErrVersionNotIncreasing)

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}

func TestGenerate_FileNamesFollowGenerationOrder(t *testing.T) {
	f := newFixture(t, config.EngineSQL, jan1, Order{})
	now := jan1
	f.gen.now = func() time.Time { return now }

	var names []string
	for _, step := range []time.Duration{0, time.Second, time.Hour, 48 * time.Hour} {
		now = now.Add(step)
		a, err := f.gen.Generate(f.pending(), f.snap, artifact.FormatSQL)
		require.NoError(t, err)
		require.False(t, a.Skipped)
		names = append(names, a.FileName())
	}
	assert.True(t, sort.StringsAreSorted(names), "%v", names)
}

func TestGenerate_Empty(t *testing.T) {
	f := newFixture(t, config.EngineSQL, jan1)
	p := f.pending()
	require.True(t, p.IsEmpty())

	_, err := f.gen.Generate(p, f.snap, artifact.FormatSQL)
	require.ErrorIs(t, err, ErrNothingPending)
	assert.NoDirExists(t, f.gen.OutputDir())
}

func TestGenerate_CrossFormatConsistency(t *testing.T) {
	f := newFixture(t, config.EngineSQL, jan1, Order{}, Customer{})
	p := f.pending()

	sqlText, err := f.gen.RenderSQL(p, f.snap, "d", jan1)
	require.NoError(t, err)
	xmlText, err := f.gen.RenderChangelog(p, f.snap, "d")
	require.NoError(t, err)

	doc, err := changelog.Parse(strings.NewReader(xmlText))
	require.NoError(t, err)
	require.Len(t, doc.ChangeSets, 1, "one change set per batch")

	assert.Equal(t, p.Tables(), history.SQLTables(sqlText))
	assert.Equal(t, p.Tables(), doc.ChangeSets[0].Tables())

	for _, ch := range doc.ChangeSets[0].Changes {
		want, _ := f.snap.Entity(ch.CreateTable.TableName)
		got := ch.CreateTable.Entity()
		assert.Equal(t, want.Columns, got.Columns)
	}
}

func TestGenerate_ChangelogMissingMaster(t *testing.T) {
	f := newFixture(t, config.EngineChangelog, jan1, Order{})

	a, err := f.gen.Generate(f.pending(), f.snap, artifact.FormatChangelog)
	require.NoError(t, err)
	assert.Equal(t, "changelog-20240101000000.xml", a.FileName())

	master := readFile(t, f.gen.MasterPath())
	assert.Equal(t, 1, strings.Count(master, "<include "))
	assert.True(t, strings.HasSuffix(master,
		"    <include file=\"changelog-20240101000000.xml\" relativeToChangelogFile=\"true\"/>\n"+changelog.Footer))

	doc, err := changelog.ParseFile(a.Path)
	require.NoError(t, err)
	require.Len(t, doc.ChangeSets, 1)
	assert.Equal(t, "batch-1", doc.ChangeSets[0].ID)
	assert.Equal(t, config.DefaultAuthor, doc.ChangeSets[0].Author)
}

func TestGenerate_ChangelogMasterFailureKeepsArtifact(t *testing.T) {
	f := newFixture(t, config.EngineChangelog, jan1, Order{})
	master := f.gen.MasterPath()
	require.NoError(t, os.MkdirAll(filepath.Dir(master), 0o755))
	require.NoError(t, os.WriteFile(master, []byte("<databaseChangeLog>"), 0o644))

	a, err := f.gen.Generate(f.pending(), f.snap, artifact.FormatChangelog)
	require.Error(t, err)
	assert.True(t, errors.Is(err, changelog.ErrMalformedMaster))
	assert.FileExists(t, a.Path)
	assert.Equal(t, "<databaseChangeLog>", readFile(t, master))
}

func TestReconcile_IncludesOrphanedChangelog(t *testing.T) {
	f := newFixture(t, config.EngineChangelog, jan1, Order{})
	master := f.gen.MasterPath()
	require.NoError(t, os.MkdirAll(filepath.Dir(master), 0o755))
	require.NoError(t, os.WriteFile(master, []byte("<databaseChangeLog>"), 0o644))

	a, err := f.gen.Generate(f.pending(), f.snap, artifact.FormatChangelog)
	require.ErrorIs(t, err, changelog.ErrMalformedMaster)

	_, err = f.gen.Reconcile()
	require.ErrorIs(t, err, changelog.ErrMalformedMaster)

	require.NoError(t, os.WriteFile(master, []byte(changelog.Skeleton), 0o644))
	added, err := f.gen.Reconcile()
	require.NoError(t, err)
	assert.Equal(t, []string{a.Path}, added)

	entries, err := changelog.Flatten(f.cfg.ResourceRoot, master)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "batch-1", entries[0].ChangeSet.ID)

	added, err = f.gen.Reconcile()
	require.NoError(t, err)
	assert.Empty(t, added)
	assert.Equal(t, 1, strings.Count(readFile(t, master), "<include "))
}

func TestReconcile_NoArtifacts(t *testing.T) {
	f := newFixture(t, config.EngineChangelog, jan1)

	added, err := f.gen.Reconcile()
	require.NoError(t, err)
	assert.Empty(t, added)
	assert.NoFileExists(t, f.gen.MasterPath())
}

func TestBootstrap_NextArtifactFollowsTemplate(t *testing.T) {
	f := newFixture(t, config.EngineSQL, jan1, Order{})

	tmpl, err := f.gen.Bootstrap(artifact.FormatSQL)
	require.NoError(t, err)
	a, err := f.gen.Generate(f.pending(), f.snap, artifact.FormatSQL)
	require.NoError(t, err)

	assert.Equal(t, "20240101000000", tmpl.Version)
	assert.False(t, a.Skipped)
	assert.Equal(t, "V20240101000001__update_schema_20240101.sql", a.FileName())
}

func TestGenerate_OutputDirFailure(t *testing.T) {
	f := newFixture(t, config.EngineSQL, jan1, Order{})
	blocker := filepath.Join(f.cfg.ResourceRoot, "db")
	require.NoError(t, os.WriteFile(blocker, []byte("file, not dir"), 0o644))

	_, err := f.gen.Generate(f.pending(), f.snap, artifact.FormatSQL)
	require.Error(t, err)
	assert.Contains(t, f.logs.String(), filepath.Join(blocker, "migration"))
}

func TestGenerate_AddColumns(t *testing.T) {
	f := newFixture(t, config.EngineSQL, jan1, Customer{})
	p, err := diff.NewPendingChangeSet(f.snap, map[string][]string{"customer": {"email"}})
	require.NoError(t, err)

	sqlText, err := f.gen.RenderSQL(p, f.snap, "d", jan1)
	require.NoError(t, err)
	assert.Contains(t, sqlText, "ALTER TABLE customer ADD COLUMN email VARCHAR(255) NOT NULL UNIQUE;")

	xmlText, err := f.gen.RenderChangelog(p, f.snap, "d")
	require.NoError(t, err)
	assert.Contains(t, xmlText, `<addColumn tableName="customer">`)
}

func TestBootstrap_SQL(t *testing.T) {
	f := newFixture(t, config.EngineSQL, jan1)

	a, err := f.gen.Bootstrap(artifact.FormatSQL)
	require.NoError(t, err)
	assert.Equal(t, "V20240101000000__initial_schema.sql", a.FileName())
	assert.Contains(t, readFile(t, a.Path), "-- Initial schema setup")

	again, err := f.gen.Bootstrap(artifact.FormatSQL)
	require.NoError(t, err)
	assert.True(t, again.Skipped)
}

func TestBootstrap_Changelog(t *testing.T) {
	f := newFixture(t, config.EngineChangelog, jan1)

	a, err := f.gen.Bootstrap(artifact.FormatChangelog)
	require.NoError(t, err)
	assert.Equal(t, "changelog-20240101000000.xml", a.FileName())

	entries, err := changelog.Flatten(f.cfg.ResourceRoot, f.gen.MasterPath())
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "batch-1", entries[0].ChangeSet.ID)
}

func TestFormat(t *testing.T) {
	assert.Equal(t, artifact.FormatSQL, Format(config.EngineSQL))
	assert.Equal(t, artifact.FormatChangelog, Format(config.EngineChangelog))
}
