package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"db_migration_starter/internal/artifact"
	"db_migration_starter/internal/config"
	"db_migration_starter/internal/db"
	"db_migration_starter/internal/schema"
	"db_migration_starter/internal/storage"
)

// SQLHistoryTable records applied versioned scripts.
const SQLHistoryTable = "schema_migrations"

const baselineDescription = "<< baseline >>"

var sqlLedger = schema.Entity{
	Table: SQLHistoryTable,
	Columns: []schema.Column{
		{Name: "version", Type: schema.TypeString, Length: 50, PrimaryKey: true},
		{Name: "description", Type: schema.TypeString, Length: 200},
		{Name: "script", Type: schema.TypeString, Length: 1000},
		{Name: "checksum", Type: schema.TypeString, Length: 64, Nullable: true},
		{Name: "success", Type: schema.TypeBoolean},
		{Name: "applied_at", Type: schema.TypeTimestamp, Default: schema.CurrentTimestamp},
	},
}

// Script is a versioned migration found in one of the locations.
type Script struct {
	Version     string
	Description string
	Path        string
	Checksum    string
	body        string
}

type appliedScript struct {
	Version     string         `db:"version"`
	Description string         `db:"description"`
	Script      string         `db:"script"`
	Checksum    sql.NullString `db:"checksum"`
	Success     bool           `db:"success"`
}

// SQLEngine applies V<version>__<description>.sql scripts in version order.
type SQLEngine struct {
	cfg     config.Config
	adapter db.Adapter
	ledger  ledger
	logger  *slog.Logger
}

func (e *SQLEngine) Name() string { return "sql" }

// Scripts lists the versioned scripts under every configured location,
// ordered by version. Two files with the same version are an error.
func (e *SQLEngine) Scripts() ([]Script, error) {
	var out []Script
	seen := map[string]string{}
	for _, loc := range e.cfg.Locations {
		dir := storage.Resolve(e.cfg.ResourceRoot, loc)
		files, err := storage.ListFiles(dir, ".sql")
		if err != nil {
			return nil, err
		}
		for _, path := range files {
			info, ok := artifact.Parse(path)
			if !ok || info.Format != artifact.FormatSQL {
				continue
			}
			if prev, dup := seen[info.Version]; dup {
				return nil, fmt.Errorf("duplicate migration version %s: %s and %s", info.Version, prev, path)
			}
			seen[info.Version] = path
			body, err := os.ReadFile(path)
			if err != nil {
				return nil, fmt.Errorf("read %s: %w", path, err)
			}
			out = append(out, Script{
				Version:     info.Version,
				Description: info.Description,
				Path:        path,
				Checksum:    storage.Checksum(body),
				body:        string(body),
			})
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		return artifact.CompareVersions(out[i].Version, out[j].Version) < 0
	})
	return out, nil
}

func (e *SQLEngine) applied(ctx context.Context) ([]appliedScript, error) {
	var rows []appliedScript
	query := fmt.Sprintf(`SELECT version, description, script, checksum, success FROM %s`, e.ledger.table(SQLHistoryTable))
	if err := e.adapter.DB().SelectContext(ctx, &rows, query); err != nil {
		return nil, fmt.Errorf("read %s: %w", SQLHistoryTable, err)
	}
	sort.SliceStable(rows, func(i, j int) bool {
		return artifact.CompareVersions(rows[i].Version, rows[j].Version) < 0
	})
	return rows, nil
}

func (e *SQLEngine) Migrate(ctx context.Context) (Report, error) {
	report := Report{Engine: e.Name(), Applied: []string{}}

	scripts, err := e.Scripts()
	if err != nil {
		return report, err
	}
	// baseline needs to look at the schema before the ledger exists
	fresh, err := e.ledgerMissing(ctx)
	if err != nil {
		return report, err
	}
	if err := e.ledger.ensure(ctx, sqlLedger); err != nil {
		return report, err
	}
	if fresh && e.cfg.BaselineOnMigrate {
		nonEmpty, err := e.hasUserTables(ctx)
		if err != nil {
			return report, err
		}
		if nonEmpty {
			if err := e.insert(ctx, e.adapter.DB(), appliedScript{
				Version:     e.cfg.BaselineVersion,
				Description: baselineDescription,
				Script:      baselineDescription,
				Success:     true,
			}); err != nil {
				return report, err
			}
			report.Baselined = true
			e.logger.Info("baselined existing schema", "version", e.cfg.BaselineVersion)
		}
	}

	if e.cfg.ValidateOnMigrate {
		if err := e.Validate(ctx); err != nil {
			return report, err
		}
	}

	rows, err := e.applied(ctx)
	if err != nil {
		return report, err
	}
	done := make(map[string]bool, len(rows))
	var highest string
	for _, r := range rows {
		if !r.Success {
			return report, fmt.Errorf("%w: version %s failed previously, run repair", ErrValidation, r.Version)
		}
		done[r.Version] = true
		highest = r.Version
	}

	for _, s := range scripts {
		if done[s.Version] {
			continue
		}
		if highest != "" && artifact.CompareVersions(s.Version, highest) <= 0 {
			e.logger.Warn("ignoring script older than the current version", "version", s.Version, "current", highest, "path", s.Path)
			continue
		}
		if err := e.apply(ctx, s); err != nil {
			return report, err
		}
		report.Applied = append(report.Applied, s.Version)
		highest = s.Version
	}
	e.logger.Info("migrate finished", "applied", len(report.Applied))
	return report, nil
}

func (e *SQLEngine) apply(ctx context.Context, s Script) error {
	start := time.Now()
	row := appliedScript{
		Version:     s.Version,
		Description: s.Description,
		Script:      filepath.Base(s.Path),
		Checksum:    sql.NullString{String: s.Checksum, Valid: true},
		Success:     true,
	}

	tx, err := e.adapter.DB().BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin %s: %w", s.Version, err)
	}
	applyErr := db.ExecStatements(ctx, tx, s.body)
	if applyErr == nil {
		applyErr = e.insert(ctx, tx, row)
	}
	if applyErr == nil {
		applyErr = tx.Commit()
	} else {
		_ = tx.Rollback()
	}
	if applyErr != nil {
		// Some engines commit DDL implicitly, so record the failure for repair.
		row.Success = false
		if err := e.insert(ctx, e.adapter.DB(), row); err != nil {
			e.logger.Error("record failed migration", "version", s.Version, "error", err)
		}
		e.logger.Error("migration failed", "version", s.Version, "path", s.Path, "error", applyErr)
		return fmt.Errorf("apply %s: %w", s.Version, applyErr)
	}
	e.logger.Info("applied migration", "version", s.Version, "description", s.Description, "duration", time.Since(start))
	return nil
}

func (e *SQLEngine) insert(ctx context.Context, ex db.Execer, r appliedScript) error {
	query := e.ledger.rebind(fmt.Sprintf(
		`INSERT INTO %s (version, description, script, checksum, success) VALUES (?, ?, ?, ?, ?)`,
		e.ledger.table(SQLHistoryTable)))
	if _, err := ex.ExecContext(ctx, query, r.Version, r.Description, r.Script, r.Checksum, r.Success); err != nil {
		return fmt.Errorf("record %s: %w", r.Version, err)
	}
	return nil
}

// Validate checks the ledger against the scripts on disk: failed rows,
// changed checksums, missing files and unapplied scripts older than the
// current version are all reported.
func (e *SQLEngine) Validate(ctx context.Context) error {
	scripts, err := e.Scripts()
	if err != nil {
		return err
	}
	if missing, err := e.ledgerMissing(ctx); err != nil {
		return err
	} else if missing {
		return nil
	}
	rows, err := e.applied(ctx)
	if err != nil {
		return err
	}
	byVersion := make(map[string]Script, len(scripts))
	for _, s := range scripts {
		byVersion[s.Version] = s
	}

	var problems []error
	done := map[string]bool{}
	var highest, baseline string
	for _, r := range rows {
		done[r.Version] = true
		if r.Description == baselineDescription {
			baseline = r.Version
			highest = r.Version
			continue
		}
		if !r.Success {
			problems = append(problems, fmt.Errorf("version %s failed, run repair", r.Version))
			continue
		}
		highest = r.Version
		s, ok := byVersion[r.Version]
		if !ok {
			problems = append(problems, fmt.Errorf("version %s applied but no script found", r.Version))
			continue
		}
		if r.Checksum.Valid && r.Checksum.String != s.Checksum {
			problems = append(problems, fmt.Errorf("version %s checksum mismatch: applied %s, resolved %s", r.Version, r.Checksum.String, s.Checksum))
		}
	}
	for _, s := range scripts {
		if done[s.Version] || highest == "" {
			continue
		}
		if baseline != "" && artifact.CompareVersions(s.Version, baseline) <= 0 {
			continue
		}
		if artifact.CompareVersions(s.Version, highest) < 0 {
			problems = append(problems, fmt.Errorf("version %s resolved but not applied (%s)", s.Version, s.Path))
		}
	}
	if len(problems) > 0 {
		return fmt.Errorf("%w: %w", ErrValidation, errors.Join(problems...))
	}
	e.logger.Info("validate passed", "applied", len(rows), "resolved", len(scripts))
	return nil
}

// Repair removes failed ledger rows and realigns checksums with the
// scripts on disk.
func (e *SQLEngine) Repair(ctx context.Context) error {
	scripts, err := e.Scripts()
	if err != nil {
		return err
	}
	if err := e.ledger.ensure(ctx, sqlLedger); err != nil {
		return err
	}
	rows, err := e.applied(ctx)
	if err != nil {
		return err
	}
	byVersion := make(map[string]Script, len(scripts))
	for _, s := range scripts {
		byVersion[s.Version] = s
	}
	table := e.ledger.table(SQLHistoryTable)
	removed, realigned := 0, 0
	for _, r := range rows {
		if !r.Success {
			q := e.ledger.rebind(fmt.Sprintf(`DELETE FROM %s WHERE version = ?`, table))
			if _, err := e.adapter.DB().ExecContext(ctx, q, r.Version); err != nil {
				return fmt.Errorf("remove failed %s: %w", r.Version, err)
			}
			removed++
			continue
		}
		s, ok := byVersion[r.Version]
		if !ok || (r.Checksum.Valid && r.Checksum.String == s.Checksum) {
			continue
		}
		q := e.ledger.rebind(fmt.Sprintf(`UPDATE %s SET checksum = ? WHERE version = ?`, table))
		if _, err := e.adapter.DB().ExecContext(ctx, q, s.Checksum, r.Version); err != nil {
			return fmt.Errorf("realign %s: %w", r.Version, err)
		}
		realigned++
	}
	e.logger.Info("repair finished", "removed_failed", removed, "realigned_checksums", realigned)
	return nil
}

func (e *SQLEngine) ledgerMissing(ctx context.Context) (bool, error) {
	s, err := e.adapter.FetchSchema(ctx, e.cfg.Schema)
	if err != nil {
		return false, fmt.Errorf("inspect schema: %w", err)
	}
	for name := range s.Tables {
		if strings.EqualFold(name, SQLHistoryTable) {
			return false, nil
		}
	}
	return true, nil
}

func (e *SQLEngine) hasUserTables(ctx context.Context) (bool, error) {
	s, err := e.adapter.FetchSchema(ctx, e.cfg.Schema)
	if err != nil {
		return false, fmt.Errorf("inspect schema: %w", err)
	}
	for name := range s.Tables {
		if !strings.EqualFold(name, SQLHistoryTable) && !strings.EqualFold(name, ChangelogHistoryTable) {
			return true, nil
		}
	}
	return false, nil
}
