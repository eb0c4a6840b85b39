// Package engine applies, validates and repairs migrations against the
// target database. Two variants exist: versioned SQL scripts and XML
// changelogs. The factory picks one from the configuration.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"db_migration_starter/internal/config"
	"db_migration_starter/internal/db"
	"db_migration_starter/internal/schema"
)

var (
	ErrValidation = errors.New("migration validation failed")
	ErrNoDatabase = errors.New("no database configured")
)

// Engine is the capability set the starter drives.
type Engine interface {
	Name() string
	Migrate(ctx context.Context) (Report, error)
	Validate(ctx context.Context) error
	Repair(ctx context.Context) error
}

// Report summarises a Migrate call.
type Report struct {
	Engine    string   `json:"engine"`
	Applied   []string `json:"applied"`
	Baselined bool     `json:"baselined,omitempty"`
	Disabled  bool     `json:"disabled,omitempty"`
}

// New builds the engine selected by cfg.Engine. When cfg.Enabled is false
// the returned engine only logs.
func New(cfg config.Config, adapter db.Adapter, logger *slog.Logger) (Engine, error) {
	if logger == nil {
		logger = slog.Default()
	}
	var name string
	switch cfg.Engine {
	case config.EngineSQL:
		name = "sql"
	case config.EngineChangelog:
		name = "changelog"
	default:
		return nil, fmt.Errorf("%w: %q", config.ErrUnknownEngine, string(cfg.Engine))
	}
	if !cfg.Enabled {
		return disabled{name: name, logger: logger}, nil
	}
	if adapter == nil {
		return nil, ErrNoDatabase
	}
	l := ledger{adapter: adapter, schema: cfg.Schema}
	if cfg.Engine == config.EngineChangelog {
		return &ChangelogEngine{cfg: cfg, adapter: adapter, ledger: l, logger: logger.With("engine", name)}, nil
	}
	return &SQLEngine{cfg: cfg, adapter: adapter, ledger: l, logger: logger.With("engine", name)}, nil
}

type disabled struct {
	name   string
	logger *slog.Logger
}

func (d disabled) Name() string { return d.name }

func (d disabled) Migrate(context.Context) (Report, error) {
	d.logger.Info("migrations disabled, skipping migrate", "engine", d.name)
	return Report{Engine: d.name, Disabled: true}, nil
}

func (d disabled) Validate(context.Context) error {
	d.logger.Info("migrations disabled, skipping validate", "engine", d.name)
	return nil
}

func (d disabled) Repair(context.Context) error {
	d.logger.Info("migrations disabled, skipping repair", "engine", d.name)
	return nil
}

// ledger knows how to name and create bookkeeping tables.
type ledger struct {
	adapter db.Adapter
	schema  string
}

func (l ledger) table(name string) string {
	d := l.adapter.Dialect()
	if l.schema != "" {
		return d.Quote(l.schema) + "." + d.Quote(name)
	}
	return d.Quote(name)
}

func (l ledger) ensure(ctx context.Context, e schema.Entity) error {
	ddl := schema.DDL{Dialect: l.adapter.Dialect(), QuoteIdentifiers: true}
	stmt := ddl.CreateTable(e)
	if l.schema != "" {
		stmt = replaceTableName(stmt, ddl.Ident(e.Table), l.table(e.Table))
	}
	if _, err := l.adapter.DB().ExecContext(ctx, stmt); err != nil {
		return fmt.Errorf("create %s: %w", e.Table, err)
	}
	return nil
}

// rebind converts ? placeholders for the adapter's driver.
func (l ledger) rebind(query string) string {
	return l.adapter.DB().Rebind(query)
}
