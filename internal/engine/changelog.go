package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"db_migration_starter/internal/changelog"
	"db_migration_starter/internal/config"
	"db_migration_starter/internal/db"
	"db_migration_starter/internal/schema"
	"db_migration_starter/internal/storage"
)

// ChangelogHistoryTable records executed change sets.
const ChangelogHistoryTable = "databasechangelog"

var changelogLedger = schema.Entity{
	Table: ChangelogHistoryTable,
	Columns: []schema.Column{
		{Name: "id", Type: schema.TypeString, PrimaryKey: true},
		{Name: "author", Type: schema.TypeString, PrimaryKey: true},
		{Name: "filename", Type: schema.TypeString, PrimaryKey: true},
		{Name: "dateexecuted", Type: schema.TypeTimestamp, Default: schema.CurrentTimestamp},
		{Name: "orderexecuted", Type: schema.TypeInteger},
		{Name: "exectype", Type: schema.TypeString, Length: 10},
		{Name: "md5sum", Type: schema.TypeString, Length: 64, Nullable: true},
		{Name: "description", Type: schema.TypeString, Nullable: true},
		{Name: "contexts", Type: schema.TypeString, Nullable: true},
		{Name: "labels", Type: schema.TypeString, Nullable: true},
	},
}

type ranChangeSet struct {
	ID       string         `db:"id"`
	Author   string         `db:"author"`
	Filename string         `db:"filename"`
	Order    int            `db:"orderexecuted"`
	MD5Sum   sql.NullString `db:"md5sum"`
}

func (r ranChangeSet) key() string { return changeSetKey(r.ID, r.Author, r.Filename) }

func changeSetKey(id, author, file string) string {
	return file + "::" + id + "::" + author
}

// ChecksumOf identifies a change set by its canonical rendering, so
// whitespace in the source file does not matter.
func ChecksumOf(cs changelog.ChangeSet) string {
	return storage.Checksum([]byte(changelog.Render(cs)))
}

// ChangelogEngine executes the change sets reachable from the master
// changelog in document order.
type ChangelogEngine struct {
	cfg     config.Config
	adapter db.Adapter
	ledger  ledger
	logger  *slog.Logger
}

func (e *ChangelogEngine) Name() string { return "changelog" }

// MasterPath is the resolved location of the master changelog.
func (e *ChangelogEngine) MasterPath() string {
	return storage.Resolve(e.cfg.ResourceRoot, e.cfg.ChangeLogPath)
}

// Entries flattens the master changelog. A missing master yields no
// entries.
func (e *ChangelogEngine) Entries() ([]changelog.Entry, error) {
	master := e.MasterPath()
	if !storage.Exists(master) {
		e.logger.Warn("master changelog not found", "path", master)
		return nil, nil
	}
	entries, err := changelog.Flatten(e.cfg.ResourceRoot, master)
	if err != nil {
		return nil, err
	}
	seen := make(map[string]bool, len(entries))
	for _, en := range entries {
		k := changeSetKey(en.ChangeSet.ID, en.ChangeSet.Author, en.File)
		if seen[k] {
			return nil, fmt.Errorf("%w: duplicate change set %s by %s in %s", ErrValidation, en.ChangeSet.ID, en.ChangeSet.Author, en.File)
		}
		seen[k] = true
	}
	return entries, nil
}

func (e *ChangelogEngine) selected(cs changelog.ChangeSet) bool {
	return matchesFilter(cs.Context, e.cfg.Contexts) && matchesFilter(cs.Labels, e.cfg.Labels)
}

func (e *ChangelogEngine) ran(ctx context.Context) ([]ranChangeSet, error) {
	var rows []ranChangeSet
	query := fmt.Sprintf(`SELECT id, author, filename, orderexecuted, md5sum FROM %s ORDER BY orderexecuted`,
		e.ledger.table(ChangelogHistoryTable))
	if err := e.adapter.DB().SelectContext(ctx, &rows, query); err != nil {
		return nil, fmt.Errorf("read %s: %w", ChangelogHistoryTable, err)
	}
	return rows, nil
}

func (e *ChangelogEngine) Migrate(ctx context.Context) (Report, error) {
	report := Report{Engine: e.Name(), Applied: []string{}}
	entries, err := e.Entries()
	if err != nil {
		return report, err
	}
	if err := e.ledger.ensure(ctx, changelogLedger); err != nil {
		return report, err
	}
	if e.cfg.ValidateOnMigrate {
		if err := e.Validate(ctx); err != nil {
			return report, err
		}
	}
	rows, err := e.ran(ctx)
	if err != nil {
		return report, err
	}
	byKey := make(map[string]ranChangeSet, len(rows))
	order := 0
	for _, r := range rows {
		byKey[r.key()] = r
		if r.Order > order {
			order = r.Order
		}
	}

	for _, en := range entries {
		cs := en.ChangeSet
		sum := ChecksumOf(cs)
		if r, ok := byKey[changeSetKey(cs.ID, cs.Author, en.File)]; ok {
			if !r.MD5Sum.Valid {
				if err := e.setChecksum(ctx, r, sum); err != nil {
					return report, err
				}
			}
			continue
		}
		if !e.selected(cs) {
			e.logger.Debug("change set filtered out", "id", cs.ID, "file", en.File, "context", cs.Context, "labels", cs.Labels)
			continue
		}
		order++
		if err := e.execute(ctx, en, sum, order); err != nil {
			return report, err
		}
		report.Applied = append(report.Applied, en.File+"::"+cs.ID)
	}
	e.logger.Info("update finished", "applied", len(report.Applied))
	return report, nil
}

func (e *ChangelogEngine) execute(ctx context.Context, en changelog.Entry, sum string, order int) error {
	cs := en.ChangeSet
	start := time.Now()
	stmts := e.statements(cs)

	tx, err := e.adapter.DB().BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin change set %s: %w", cs.ID, err)
	}
	defer func() { _ = tx.Rollback() }()

	for i, stmt := range stmts {
		if err := db.ExecStatements(ctx, tx, stmt); err != nil {
			e.logger.Error("change set failed", "id", cs.ID, "file", en.File, "error", err)
			return fmt.Errorf("change set %s (%s) change %d: %w", cs.ID, en.File, i+1, err)
		}
	}
	query := e.ledger.rebind(fmt.Sprintf(
		`INSERT INTO %s (id, author, filename, orderexecuted, exectype, md5sum, description, contexts, labels) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.ledger.table(ChangelogHistoryTable)))
	if _, err := tx.ExecContext(ctx, query, cs.ID, cs.Author, en.File, order, "EXECUTED", sum,
		describe(cs), nullIfEmpty(cs.Context), nullIfEmpty(cs.Labels)); err != nil {
		return fmt.Errorf("record change set %s: %w", cs.ID, err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit change set %s: %w", cs.ID, err)
	}
	e.logger.Info("executed change set", "id", cs.ID, "author", cs.Author, "file", en.File, "duration", time.Since(start))
	return nil
}

// statements renders each change of cs for the adapter's dialect.
func (e *ChangelogEngine) statements(cs changelog.ChangeSet) []string {
	ddl := schema.DDL{Dialect: e.adapter.Dialect(), QuoteIdentifiers: e.cfg.QuoteIdentifiers}
	var out []string
	for _, ch := range cs.Changes {
		switch {
		case ch.CreateTable != nil:
			out = append(out, ddl.CreateTable(ch.CreateTable.Entity()))
		case ch.AddColumn != nil:
			var b strings.Builder
			for _, c := range ch.AddColumn.Columns {
				b.WriteString(ddl.AddColumn(ch.AddColumn.TableName, c.Schema()))
				b.WriteString("\n")
			}
			out = append(out, b.String())
		case ch.SQL != nil:
			out = append(out, *ch.SQL)
		}
	}
	return out
}

func (e *ChangelogEngine) setChecksum(ctx context.Context, r ranChangeSet, sum string) error {
	query := e.ledger.rebind(fmt.Sprintf(`UPDATE %s SET md5sum = ? WHERE id = ? AND author = ? AND filename = ?`,
		e.ledger.table(ChangelogHistoryTable)))
	if _, err := e.adapter.DB().ExecContext(ctx, query, sum, r.ID, r.Author, r.Filename); err != nil {
		return fmt.Errorf("update checksum of %s: %w", r.ID, err)
	}
	return nil
}

// Validate compares the stored checksum of every executed change set
// with the one on disk. Cleared checksums are skipped.
func (e *ChangelogEngine) Validate(ctx context.Context) error {
	entries, err := e.Entries()
	if err != nil {
		return err
	}
	if err := e.ledger.ensure(ctx, changelogLedger); err != nil {
		return err
	}
	rows, err := e.ran(ctx)
	if err != nil {
		return err
	}
	sums := make(map[string]string, len(entries))
	for _, en := range entries {
		sums[changeSetKey(en.ChangeSet.ID, en.ChangeSet.Author, en.File)] = ChecksumOf(en.ChangeSet)
	}
	var problems []error
	for _, r := range rows {
		want, ok := sums[r.key()]
		if !ok || !r.MD5Sum.Valid {
			continue
		}
		if r.MD5Sum.String != want {
			problems = append(problems, fmt.Errorf("change set %s by %s in %s was modified: ran %s, now %s",
				r.ID, r.Author, r.Filename, r.MD5Sum.String, want))
		}
	}
	if len(problems) > 0 {
		return fmt.Errorf("%w: %w", ErrValidation, errors.Join(problems...))
	}
	e.logger.Info("validate passed", "ran", len(rows), "resolved", len(entries))
	return nil
}

// Repair clears stored checksums. The next Migrate records fresh ones.
func (e *ChangelogEngine) Repair(ctx context.Context) error {
	if err := e.ledger.ensure(ctx, changelogLedger); err != nil {
		return err
	}
	res, err := e.adapter.DB().ExecContext(ctx, fmt.Sprintf(`UPDATE %s SET md5sum = NULL`, e.ledger.table(ChangelogHistoryTable)))
	if err != nil {
		return fmt.Errorf("clear checksums: %w", err)
	}
	n, _ := res.RowsAffected()
	e.logger.Info("cleared change set checksums", "rows", n)
	return nil
}

func describe(cs changelog.ChangeSet) string {
	var parts []string
	for _, ch := range cs.Changes {
		switch {
		case ch.CreateTable != nil:
			parts = append(parts, "createTable "+ch.CreateTable.TableName)
		case ch.AddColumn != nil:
			parts = append(parts, "addColumn "+ch.AddColumn.TableName)
		case ch.SQL != nil:
			parts = append(parts, "sql")
		}
	}
	d := strings.Join(parts, "; ")
	if len(d) > 255 {
		d = d[:255]
	}
	return d
}

func nullIfEmpty(s string) sql.NullString {
	s = strings.TrimSpace(s)
	return sql.NullString{String: s, Valid: s != ""}
}
