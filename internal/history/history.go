// Package history works out which tables earlier migrations already
// create.
//
// SQL scripts are scanned with regular expressions, not parsed. Comments
// are stripped first without regard to string literals, so a literal such
// as '--' hides the rest of its line, including any CREATE TABLE after it.
package history

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"

	"db_migration_starter/internal/changelog"
	"db_migration_starter/internal/db"
	"db_migration_starter/internal/storage"
)

const ident = `(?:"[^"]+"|` + "`[^`]+`" + `|\[[^\]]+\]|[\w$]+)`

var (
	createTableRe  = regexp.MustCompile(`(?i)\bCREATE\s+TABLE\s+(?:IF\s+NOT\s+EXISTS\s+)?(` + ident + `(?:\s*\.\s*` + ident + `)?)`)
	lineCommentRe  = regexp.MustCompile(`(?m)--.*$`)
	blockCommentRe = regexp.MustCompile(`(?s)/\*.*?\*/`)
)

// TableSet is a set of normalized table names.
type TableSet map[string]struct{}

func NewTableSet(names ...string) TableSet {
	s := TableSet{}
	for _, n := range names {
		s.Add(n)
	}
	return s
}

func (s TableSet) Add(name string) {
	if n := NormalizeTable(name); n != "" {
		s[n] = struct{}{}
	}
}

func (s TableSet) Has(name string) bool {
	_, ok := s[NormalizeTable(name)]
	return ok
}

func (s TableSet) Sorted() []string {
	out := make([]string, 0, len(s))
	for n := range s {
		out = append(out, n)
	}
	sort.Strings(out)
	return out
}

// NormalizeTable lower-cases a table name and strips quoting and any
// schema qualifier.
func NormalizeTable(name string) string {
	name = strings.TrimSpace(name)
	if i := strings.LastIndex(name, "."); i >= 0 {
		name = name[i+1:]
	}
	name = strings.Trim(strings.TrimSpace(name), "\"`[]")
	return strings.ToLower(name)
}

// Source reports tables that are already migrated.
type Source interface {
	Name() string
	MigratedTables(ctx context.Context) (TableSet, error)
}

// ArtifactHistory reads existing SQL scripts and changelogs.
type ArtifactHistory struct {
	dirs   []string
	logger *slog.Logger
}

func NewArtifactHistory(logger *slog.Logger, dirs ...string) *ArtifactHistory {
	if logger == nil {
		logger = slog.Default()
	}
	return &ArtifactHistory{dirs: dirs, logger: logger}
}

func (h *ArtifactHistory) Name() string { return "artifacts" }

// MigratedTables scans every directory recursively. Missing directories
// contribute nothing; a changelog that does not parse is logged and
// skipped.
func (h *ArtifactHistory) MigratedTables(ctx context.Context) (TableSet, error) {
	tables := TableSet{}
	seen := map[string]bool{}
	for _, dir := range h.dirs {
		files, err := storage.ListFiles(dir, ".sql", ".xml")
		if err != nil {
			return nil, err
		}
		for _, path := range files {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
			abs, _ := filepath.Abs(path)
			if seen[abs] {
				continue
			}
			seen[abs] = true
			if strings.EqualFold(filepath.Ext(path), ".sql") {
				if err := h.readSQL(path, tables); err != nil {
					return nil, err
				}
				continue
			}
			h.readChangelog(path, tables)
		}
	}
	return tables, nil
}

func (h *ArtifactHistory) readSQL(path string, tables TableSet) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read %s: %w", path, err)
	}
	for _, name := range SQLTables(string(data)) {
		tables.Add(name)
	}
	return nil
}

func (h *ArtifactHistory) readChangelog(path string, tables TableSet) {
	doc, err := changelog.ParseFile(path)
	if err != nil {
		h.logger.Warn("ignoring unreadable changelog", "path", path, "error", err)
		return
	}
	for _, cs := range doc.ChangeSets {
		for _, t := range cs.Tables() {
			tables.Add(t)
		}
	}
}

// SQLTables returns the table names created by CREATE TABLE statements in
// script, in order of appearance. Comments are ignored.
func SQLTables(script string) []string {
	script = blockCommentRe.ReplaceAllString(script, " ")
	script = lineCommentRe.ReplaceAllString(script, "")
	var out []string
	for _, m := range createTableRe.FindAllStringSubmatch(script, -1) {
		out = append(out, NormalizeTable(m[1]))
	}
	return out
}

// LiveHistory lists the tables that exist in the target database.
type LiveHistory struct {
	adapter db.Adapter
	schema  string
}

func NewLiveHistory(adapter db.Adapter, schema string) *LiveHistory {
	return &LiveHistory{adapter: adapter, schema: schema}
}

func (h *LiveHistory) Name() string { return "database" }

func (h *LiveHistory) MigratedTables(ctx context.Context) (TableSet, error) {
	s, err := h.adapter.FetchSchema(ctx, h.schema)
	if err != nil {
		return nil, fmt.Errorf("fetch live schema: %w", err)
	}
	tables := TableSet{}
	for name := range s.Tables {
		tables.Add(name)
	}
	return tables, nil
}

// Multi unions a required source with best-effort ones. Errors from the
// best-effort sources are logged and otherwise ignored.
type Multi struct {
	required   Source
	bestEffort []Source
	logger     *slog.Logger
}

func NewMulti(logger *slog.Logger, required Source, bestEffort ...Source) *Multi {
	if logger == nil {
		logger = slog.Default()
	}
	return &Multi{required: required, bestEffort: bestEffort, logger: logger}
}

func (m *Multi) Name() string { return "multi" }

func (m *Multi) MigratedTables(ctx context.Context) (TableSet, error) {
	tables, err := m.required.MigratedTables(ctx)
	if err != nil {
		return nil, fmt.Errorf("%s history: %w", m.required.Name(), err)
	}
	for _, src := range m.bestEffort {
		extra, err := src.MigratedTables(ctx)
		if err != nil {
			m.logger.Warn("ignoring history source", "source", src.Name(), "error", err)
			continue
		}
		for name := range extra {
			tables[name] = struct{}{}
		}
	}
	return tables, nil
}
