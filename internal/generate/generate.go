// Package generate renders pending schema changes into migration files.
package generate

import (
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"

	"db_migration_starter/internal/artifact"
	"db_migration_starter/internal/changelog"
	"db_migration_starter/internal/config"
	"db_migration_starter/internal/diff"
	"db_migration_starter/internal/schema"
	"db_migration_starter/internal/storage"
	"db_migration_starter/templates"
)

var ErrNothingPending = errors.New("no pending changes")

// Generator writes artifacts into the configured output directory. It
// never overwrites an existing file.
type Generator struct {
	cfg    config.Config
	logger *slog.Logger
	now    func() time.Time
	newID  func() string
	// template is the version of the initial template this generator
	// wrote, if any.
	template string
}

type Option func(*Generator)

func WithLogger(l *slog.Logger) Option {
	return func(g *Generator) { g.logger = l }
}

// WithClock replaces the time source used for versions and descriptions.
func WithClock(now func() time.Time) Option {
	return func(g *Generator) { g.now = now }
}

// WithIDs replaces the change set id source.
func WithIDs(newID func() string) Option {
	return func(g *Generator) { g.newID = newID }
}

func New(cfg config.Config, opts ...Option) *Generator {
	g := &Generator{
		cfg:    cfg,
		logger: slog.Default(),
		now:    cfg.Generation.Now,
		newID:  func() string { return uuid.NewString() },
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Format maps the configured engine to the artifact format it consumes.
func Format(engine config.EngineType) artifact.Format {
	if engine == config.EngineChangelog {
		return artifact.FormatChangelog
	}
	return artifact.FormatSQL
}

// OutputDir is the resolved directory artifacts are written to.
func (g *Generator) OutputDir() string {
	return storage.Resolve(g.cfg.ResourceRoot, g.cfg.Generation.OutputDir)
}

// MasterPath is the resolved master changelog path.
func (g *Generator) MasterPath() string {
	return storage.Resolve(g.cfg.ResourceRoot, g.cfg.ChangeLogPath)
}

// Generate renders p in format f and writes it. When an artifact with the
// same version already exists the write is skipped and the returned
// artifact has Skipped set. Changelog artifacts are added to the master
// changelog; a failure there is returned after the artifact is written.
func (g *Generator) Generate(p diff.PendingChangeSet, snap schema.Snapshot, f artifact.Format) (artifact.Artifact, error) {
	if p.IsEmpty() {
		return artifact.Artifact{}, ErrNothingPending
	}
	now := g.nextTime()
	a := artifact.Artifact{
		Format:      f,
		Version:     artifact.Version(now, g.cfg.Generation.TimestampLayout),
		Description: artifact.DefaultDescription(g.cfg.Generation.Description, now),
	}

	var err error
	switch f {
	case artifact.FormatSQL:
		a.Content, err = g.RenderSQL(p, snap, a.Description, now)
	case artifact.FormatChangelog:
		a.Content, err = g.RenderChangelog(p, snap, a.Description)
	default:
		err = fmt.Errorf("%w: %q", artifact.ErrUnknownFormat, string(f))
	}
	if err != nil {
		return artifact.Artifact{}, err
	}

	a, created, err := g.write(a)
	if err != nil || !created || f != artifact.FormatChangelog {
		return a, err
	}
	if _, err := changelog.NewAggregator(g.MasterPath(), g.logger).Include(a.Path); err != nil {
		g.logger.Error("failed to update master changelog", "path", g.MasterPath(), "artifact", a.Path, "error", err)
		return a, fmt.Errorf("update master changelog: %w", err)
	}
	return a, nil
}

// nextTime is the clock, moved forward past the initial template written
// by this generator so the entity artifact that follows it in the same
// second still lands.
func (g *Generator) nextTime() time.Time {
	now := g.now()
	for g.template != "" && artifact.Version(now, g.cfg.Generation.TimestampLayout) == g.template {
		now = now.Add(time.Second)
	}
	return now
}

// write places a in the output directory, applying the collision rules.
func (g *Generator) write(a artifact.Artifact) (artifact.Artifact, bool, error) {
	dir := g.OutputDir()
	if err := storage.EnsureDir(dir); err != nil {
		g.logger.Error("failed to create output directory", "path", dir, "error", err)
		return a, false, err
	}

	name, err := artifact.FileName(a.Format, a.Version, artifact.Slug(a.Description))
	if err != nil {
		return a, false, err
	}
	a.Path = filepath.Join(dir, name)

	existing, err := artifact.CheckVersion(dir, a.Format, a.Version)
	if err != nil {
		g.logger.Error("refusing to write artifact", "path", a.Path, "error", err)
		return a, false, err
	}
	if existing != nil {
		g.logger.Warn("artifact version already exists, skipping write", "path", a.Path, "existing", existing.Path, "version", a.Version)
		a.Path = existing.Path
		a.Skipped = true
		return a, false, nil
	}

	created, err := storage.CreateExclusive(a.Path, []byte(a.Content))
	if err != nil {
		g.logger.Error("failed to write artifact", "path", a.Path, "error", err)
		return a, false, err
	}
	if !created {
		g.logger.Warn("artifact already exists, skipping write", "path", a.Path)
		a.Skipped = true
		return a, false, nil
	}
	g.logger.Info("generated migration artifact", "path", a.Path, "format", string(a.Format), "version", a.Version)
	return a, true, nil
}

// RenderSQL renders one CREATE TABLE IF NOT EXISTS statement per new table
// and one ALTER TABLE per added column, in pending order.
func (g *Generator) RenderSQL(p diff.PendingChangeSet, snap schema.Snapshot, description string, now time.Time) (string, error) {
	ddl := schema.DDL{Dialect: snap.Dialect(), QuoteIdentifiers: g.cfg.QuoteIdentifiers}
	var b strings.Builder
	fmt.Fprintf(&b, "-- %s\n", description)
	fmt.Fprintf(&b, "-- Generated by %s at %s\n", g.cfg.Generation.Author, now.Format(time.RFC3339))
	fmt.Fprintf(&b, "-- Dialect: %s\n", snap.Dialect())

	for _, table := range p.Tables() {
		e, ok := snap.Entity(table)
		if !ok {
			return "", fmt.Errorf("%w: %s", diff.ErrUnknownTable, table)
		}
		b.WriteString("\n")
		if p.IsNewTable(table) {
			fmt.Fprintf(&b, "-- Table: %s (%s)\n", table, e.TypeName)
			b.WriteString(ddl.CreateTable(e))
			b.WriteString("\n")
			continue
		}
		for _, name := range p.Columns(table) {
			c, ok := e.Column(name)
			if !ok {
				return "", fmt.Errorf("%w: %s.%s", diff.ErrUnknownColumn, table, name)
			}
			b.WriteString(ddl.AddColumn(table, c))
			b.WriteString("\n")
		}
	}
	return b.String(), nil
}

// RenderChangelog renders one change set for the whole batch with a
// createTable per new table.
func (g *Generator) RenderChangelog(p diff.PendingChangeSet, snap schema.Snapshot, description string) (string, error) {
	cs := changelog.ChangeSet{
		ID:      g.newID(),
		Author:  g.cfg.Generation.Author,
		Comment: description,
	}
	for _, table := range p.Tables() {
		e, ok := snap.Entity(table)
		if !ok {
			return "", fmt.Errorf("%w: %s", diff.ErrUnknownTable, table)
		}
		if p.IsNewTable(table) {
			ct := &changelog.CreateTable{TableName: table}
			for _, c := range e.Columns {
				ct.Columns = append(ct.Columns, changelog.FromSchema(c))
			}
			cs.Changes = append(cs.Changes, changelog.Change{CreateTable: ct})
			continue
		}
		ac := &changelog.AddColumn{TableName: table}
		for _, name := range p.Columns(table) {
			c, ok := e.Column(name)
			if !ok {
				return "", fmt.Errorf("%w: %s.%s", diff.ErrUnknownColumn, table, name)
			}
			c.PrimaryKey, c.AutoIncrement = false, false
			ac.Columns = append(ac.Columns, changelog.FromSchema(c))
		}
		cs.Changes = append(cs.Changes, changelog.Change{AddColumn: ac})
	}
	return changelog.Render(cs), nil
}

// Bootstrap writes the initial templates when the output directory holds
// no artifacts of format f. For changelogs it also creates the master and
// includes the initial changelog.
func (g *Generator) Bootstrap(f artifact.Format) (artifact.Artifact, error) {
	dir := g.OutputDir()
	existing, err := artifact.List(dir, f)
	if err != nil {
		return artifact.Artifact{}, err
	}
	if len(existing) > 0 {
		g.logger.Info("artifacts already present, not writing initial templates", "path", dir, "count", len(existing))
		return artifact.Artifact{Format: f, Path: existing[0].Path, Version: existing[0].Version, Skipped: true}, nil
	}

	now := g.now()
	a := artifact.Artifact{
		Format:  f,
		Version: artifact.Version(now, g.cfg.Generation.TimestampLayout),
	}
	switch f {
	case artifact.FormatSQL:
		a.Description = templates.InitialSQLDescription
		a.Content = string(templates.InitialSQL())
	case artifact.FormatChangelog:
		a.Description = "initial changelog"
		content, err := templates.InitialChangelog(g.newID(), g.cfg.Generation.Author)
		if err != nil {
			return artifact.Artifact{}, fmt.Errorf("render initial changelog: %w", err)
		}
		a.Content = string(content)
	default:
		return artifact.Artifact{}, fmt.Errorf("%w: %q", artifact.ErrUnknownFormat, string(f))
	}

	a, created, err := g.write(a)
	if created {
		g.template = a.Version
	}
	if err != nil || !created || f != artifact.FormatChangelog {
		return a, err
	}
	if _, err := changelog.NewAggregator(g.MasterPath(), g.logger).Include(a.Path); err != nil {
		return a, fmt.Errorf("update master changelog: %w", err)
	}
	return a, nil
}

// Reconcile adds an include to the master changelog for every generated
// changelog in the output directory that the master does not reference
// yet, such as one written by a run whose master patch failed. It returns
// the paths that were added.
func (g *Generator) Reconcile() ([]string, error) {
	existing, err := artifact.List(g.OutputDir(), artifact.FormatChangelog)
	if err != nil || len(existing) == 0 {
		return nil, err
	}
	agg := changelog.NewAggregator(g.MasterPath(), g.logger)
	var added []string
	for _, info := range existing {
		ok, err := agg.Include(info.Path)
		if err != nil {
			g.logger.Error("failed to update master changelog", "path", g.MasterPath(), "artifact", info.Path, "error", err)
			return added, fmt.Errorf("update master changelog: %w", err)
		}
		if ok {
			g.logger.Warn("included orphaned changelog", "path", g.MasterPath(), "artifact", info.Path)
			added = append(added, info.Path)
		}
	}
	return added, nil
}
