package db

import (
	"context"
	"strings"

	"db_migration_starter/internal/schema"
)

type MySQLAdapter struct {
	base
}

func (m *MySQLAdapter) Provider() string { return "mysql" }

func (m *MySQLAdapter) Dialect() schema.Dialect { return schema.MySQL }

func (m *MySQLAdapter) FetchSchema(ctx context.Context, schemaName string) (Schema, error) {
	schemaName = strings.TrimSpace(schemaName)
	if schemaName == "" {
		if err := m.db.QueryRowContext(ctx, `SELECT DATABASE()`).Scan(&schemaName); err != nil {
			return Schema{Tables: map[string]Table{}}, err
		}
	}

	var tables []tableRow
	if err := m.db.SelectContext(ctx, &tables, `
SELECT table_name AS table_name
FROM information_schema.tables
WHERE table_schema=? AND table_type='BASE TABLE'`, schemaName); err != nil {
		return Schema{Tables: map[string]Table{}}, err
	}

	var cols []columnRow
	if err := m.db.SelectContext(ctx, &cols, `
SELECT table_name AS table_name, column_name AS column_name, column_type AS data_type,
       is_nullable AS is_nullable, column_default AS column_default
FROM information_schema.columns
WHERE table_schema=?
ORDER BY table_name, ordinal_position`, schemaName); err != nil {
		return Schema{Tables: map[string]Table{}}, err
	}

	var keys []keyRow
	if err := m.db.SelectContext(ctx, &keys, `
SELECT tc.table_name AS table_name, kcu.column_name AS column_name, kcu.ordinal_position AS ordinal_position
FROM information_schema.table_constraints tc
JOIN information_schema.key_column_usage kcu
 ON tc.constraint_name = kcu.constraint_name
 AND tc.table_schema = kcu.table_schema
 AND tc.table_name = kcu.table_name
WHERE tc.table_schema=? AND tc.constraint_type='PRIMARY KEY'
ORDER BY kcu.ordinal_position`, schemaName); err != nil {
		return Schema{Tables: map[string]Table{}}, err
	}
	return assemble(tables, cols, keys), nil
}
