package db

import (
	"context"
	"database/sql"
	"fmt"
	"sort"

	"github.com/jmoiron/sqlx"
	_ "modernc.org/sqlite"

	"db_migration_starter/internal/schema"
)

const sqliteDriver = "sqlite"

func init() {
	sqlx.BindDriver(sqliteDriver, sqlx.QUESTION)
}

type SQLiteAdapter struct {
	base
}

func (s *SQLiteAdapter) Provider() string { return "sqlite" }

func (s *SQLiteAdapter) Dialect() schema.Dialect { return schema.SQLite }

type pragmaColumn struct {
	CID     int            `db:"cid"`
	Name    string         `db:"name"`
	Type    string         `db:"type"`
	NotNull bool           `db:"notnull"`
	Default sql.NullString `db:"dflt_value"`
	PK      int            `db:"pk"`
}

// FetchSchema reads sqlite_master and table_info. The schema argument
// names an attached database; empty means main.
func (s *SQLiteAdapter) FetchSchema(ctx context.Context, schemaName string) (Schema, error) {
	if schemaName == "" {
		schemaName = "main"
	}
	master := fmt.Sprintf("%s.sqlite_master", schema.SQLite.Quote(schemaName))

	var tables []tableRow
	if err := s.db.SelectContext(ctx, &tables, `
SELECT name AS table_name FROM `+master+`
WHERE type='table' AND name NOT LIKE 'sqlite_%'
ORDER BY name`); err != nil {
		return Schema{Tables: map[string]Table{}}, err
	}

	var cols []columnRow
	var keys []keyRow
	for _, t := range tables {
		var info []pragmaColumn
		q := fmt.Sprintf(`PRAGMA %s.table_info(%s)`, schema.SQLite.Quote(schemaName), schema.SQLite.Quote(t.Name))
		if err := s.db.SelectContext(ctx, &info, q); err != nil {
			return Schema{Tables: map[string]Table{}}, err
		}
		for _, c := range info {
			nullable := "YES"
			if c.NotNull || c.PK > 0 {
				nullable = "NO"
			}
			cols = append(cols, columnRow{Table: t.Name, Name: c.Name, DataType: c.Type, Nullable: nullable, Default: c.Default})
			if c.PK > 0 {
				keys = append(keys, keyRow{Table: t.Name, Column: c.Name, Position: c.PK})
			}
		}
	}
	sort.SliceStable(keys, func(i, j int) bool {
		if keys[i].Table != keys[j].Table {
			return keys[i].Table < keys[j].Table
		}
		return keys[i].Position < keys[j].Position
	})
	return assemble(tables, cols, keys), nil
}
