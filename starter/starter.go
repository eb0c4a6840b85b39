// Package starter wires entity scanning, schema derivation, change
// detection and artifact generation into one startup pipeline, and runs
// the configured migration engine.
package starter

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"runtime/debug"
	"time"

	"db_migration_starter/entity"
	"db_migration_starter/internal/artifact"
	"db_migration_starter/internal/config"
	"db_migration_starter/internal/db"
	"db_migration_starter/internal/diff"
	"db_migration_starter/internal/engine"
	"db_migration_starter/internal/generate"
	"db_migration_starter/internal/history"
	"db_migration_starter/internal/scan"
	"db_migration_starter/internal/schema"
	"db_migration_starter/internal/storage"
)

// Config is the immutable settings struct shared by every component.
type Config = config.Config

// LoadConfig reads migration.yaml (or path) and MIGRATION_* overrides.
func LoadConfig(path string) (Config, error) { return config.Load(path) }

// DefaultConfig returns the settings used when nothing is configured.
func DefaultConfig() Config { return config.Default() }

// Status is the outcome of one generation run.
type Status struct {
	Success      bool     `json:"success"`
	Engine       string   `json:"engine"`
	Dialect      string   `json:"dialect"`
	Entities     int      `json:"entities"`
	Tables       []string `json:"tables"`
	Summary      string   `json:"summary"`
	Artifact     string   `json:"artifact,omitempty"`
	Version      string   `json:"version,omitempty"`
	Skipped      bool     `json:"skipped,omitempty"`
	Bootstrapped string   `json:"bootstrapped,omitempty"`
	Error        string   `json:"error,omitempty"`
	Duration     string   `json:"duration"`
}

// Plan is the result of detection without writing anything.
type Plan struct {
	Dialect  schema.Dialect
	Snapshot schema.Snapshot
	Migrated history.TableSet
	Pending  diff.PendingChangeSet
}

// Pipeline runs scan, derive, detect and generate in order.
type Pipeline struct {
	cfg       Config
	registry  *entity.Registry
	entryType any
	adapter   db.Adapter
	logger    *slog.Logger
	genOpts   []generate.Option
	dbErr     error
}

type Option func(*Pipeline)

// WithRegistry scans r instead of entity.DefaultRegistry.
func WithRegistry(r *entity.Registry) Option {
	return func(p *Pipeline) { p.registry = r }
}

// WithEntryType names the host's entry type; its package is the scan
// namespace when none is configured.
func WithEntryType(v any) Option {
	return func(p *Pipeline) { p.entryType = v }
}

func WithAdapter(a db.Adapter) Option {
	return func(p *Pipeline) { p.adapter = a }
}

// WithDB uses a connection pool owned by the host. provider is one of
// postgres, mysql or sqlite.
func WithDB(provider string, sqlDB *sql.DB) Option {
	return func(p *Pipeline) {
		a, err := db.Wrap(provider, sqlDB)
		if err != nil {
			p.dbErr = err
			return
		}
		p.adapter = a
	}
}

func WithLogger(l *slog.Logger) Option {
	return func(p *Pipeline) { p.logger = l }
}

// WithClock fixes the time used for artifact versions.
func WithClock(now func() time.Time) Option {
	return func(p *Pipeline) { p.genOpts = append(p.genOpts, generate.WithClock(now)) }
}

// WithIDs fixes the change set id source.
func WithIDs(newID func() string) Option {
	return func(p *Pipeline) { p.genOpts = append(p.genOpts, generate.WithIDs(newID)) }
}

func New(cfg Config, opts ...Option) *Pipeline {
	p := &Pipeline{cfg: cfg}
	for _, opt := range opts {
		opt(p)
	}
	if p.logger == nil {
		p.logger = slog.Default()
	}
	if p.registry == nil {
		p.registry = entity.DefaultRegistry
	}
	if p.dbErr != nil {
		p.logger.Warn("ignoring host database", "error", p.dbErr)
	}
	return p
}

func (p *Pipeline) Config() Config { return p.cfg }

// Engine builds the migration engine selected by the configuration.
func (p *Pipeline) Engine() (engine.Engine, error) {
	return engine.New(p.cfg, p.adapter, p.logger)
}

func (p *Pipeline) generator() *generate.Generator {
	opts := append([]generate.Option{generate.WithLogger(p.logger)}, p.genOpts...)
	return generate.New(p.cfg, opts...)
}

func (p *Pipeline) format() artifact.Format {
	return generate.Format(p.cfg.Engine)
}

// historyDirs are the locations the engine reads plus the output dir.
func (p *Pipeline) historyDirs() []string {
	seen := map[string]bool{}
	var dirs []string
	add := func(loc string) {
		dir := storage.Resolve(p.cfg.ResourceRoot, loc)
		if !seen[dir] {
			seen[dir] = true
			dirs = append(dirs, dir)
		}
	}
	for _, loc := range p.cfg.Locations {
		add(loc)
	}
	add(p.cfg.Generation.OutputDir)
	return dirs
}

// Plan scans the registered entities, derives the expected schema and
// compares it with the migration history. Nothing is written.
func (p *Pipeline) Plan(ctx context.Context) (Plan, error) {
	types := scan.New(
		scan.WithRegistry(p.registry),
		scan.WithEntryType(p.entryType),
		scan.WithNamespaces(p.cfg.Generation.EntityNamespaces...),
		scan.WithLogger(p.logger),
	).Scan()

	dialect := schema.Generic
	if p.adapter != nil {
		dialect = schema.ResolveDialect(ctx, p.adapter.DB().DB, p.logger)
		if dialect == schema.Generic {
			// the probe failed; the configured provider still says enough
			dialect = p.adapter.Dialect()
		}
	}
	snap := schema.NewDeriver(p.logger).Derive(types, dialect)

	var src history.Source = history.NewArtifactHistory(p.logger, p.historyDirs()...)
	if p.cfg.Generation.IncludeLiveTables && p.adapter != nil {
		src = history.NewMulti(p.logger, src, history.NewLiveHistory(p.adapter, p.cfg.Schema))
	}
	migrated, err := src.MigratedTables(ctx)
	if err != nil {
		return Plan{}, fmt.Errorf("read migration history: %w", err)
	}
	return Plan{
		Dialect:  dialect,
		Snapshot: snap,
		Migrated: migrated,
		Pending:  diff.Detect(snap, migrated),
	}, nil
}

// Run is the ready hook body: it generates only when auto generation is
// enabled. It never returns an error or panics.
func (p *Pipeline) Run(ctx context.Context) Status {
	if !p.cfg.Generation.AutoGenerate {
		p.logger.Info("auto generation disabled, skipping schema generation")
		return Status{Success: true, Engine: string(p.cfg.Engine), Summary: "auto generation disabled"}
	}
	return p.Generate(ctx)
}

// Generate runs the whole pipeline regardless of the auto generation
// switch. Failures are reported in the returned Status.
func (p *Pipeline) Generate(ctx context.Context) (st Status) {
	start := time.Now()
	st = Status{Engine: string(p.cfg.Engine), Tables: []string{}}
	defer func() {
		if r := recover(); r != nil {
			p.logger.Error("schema generation panicked", "panic", r, "stack", string(debug.Stack()))
			st.Success = false
			st.Error = fmt.Sprintf("panic: %v", r)
		}
		st.Duration = time.Since(start).String()
		p.logStatus(st)
	}()

	gen := p.generator()
	if p.cfg.Generation.BootstrapTemplates {
		a, err := gen.Bootstrap(p.format())
		if err != nil {
			st.Error = err.Error()
			return st
		}
		if !a.Skipped {
			st.Bootstrapped = a.Path
		}
	}

	if p.format() == artifact.FormatChangelog {
		if _, err := gen.Reconcile(); err != nil {
			st.Error = err.Error()
			return st
		}
	}

	plan, err := p.Plan(ctx)
	if err != nil {
		st.Error = err.Error()
		return st
	}
	st.Dialect = string(plan.Dialect)
	st.Entities = plan.Snapshot.Len()
	st.Tables = plan.Pending.Tables()
	st.Summary = diff.Describe(plan.Pending)
	if plan.Pending.IsEmpty() {
		st.Success = true
		return st
	}

	a, err := gen.Generate(plan.Pending, plan.Snapshot, p.format())
	st.Artifact = a.Path
	st.Version = a.Version
	st.Skipped = a.Skipped
	if err != nil {
		st.Error = err.Error()
		return st
	}
	st.Success = true
	return st
}

// Bootstrap writes the initial templates for the configured engine when
// its output directory holds no artifacts yet.
func (p *Pipeline) Bootstrap() (artifact.Artifact, error) {
	return p.generator().Bootstrap(p.format())
}

func (p *Pipeline) logStatus(st Status) {
	attrs := []any{
		"engine", st.Engine,
		"dialect", st.Dialect,
		"entities", st.Entities,
		"tables", st.Tables,
		"duration", st.Duration,
	}
	switch {
	case st.Error != "":
		p.logger.Error("schema generation failed", append(attrs, "artifact", st.Artifact, "error", st.Error)...)
	case st.Artifact != "":
		p.logger.Info("schema generation finished", append(attrs, "artifact", st.Artifact, "skipped", st.Skipped)...)
	default:
		p.logger.Info("schema generation finished", append(attrs, "summary", st.Summary)...)
	}
}
