package db

import (
	"context"

	"db_migration_starter/internal/schema"
)

type PostgresAdapter struct {
	base
}

func (p *PostgresAdapter) Provider() string { return "postgres" }

func (p *PostgresAdapter) Dialect() schema.Dialect { return schema.Postgres }

func (p *PostgresAdapter) FetchSchema(ctx context.Context, schemaName string) (Schema, error) {
	if schemaName == "" {
		schemaName = "public"
	}
	var tables []tableRow
	if err := p.db.SelectContext(ctx, &tables, `
SELECT table_name
FROM information_schema.tables
WHERE table_schema=$1 AND table_type='BASE TABLE'`, schemaName); err != nil {
		return Schema{Tables: map[string]Table{}}, err
	}

	var cols []columnRow
	if err := p.db.SelectContext(ctx, &cols, `
SELECT table_name, column_name, data_type, is_nullable, column_default
FROM information_schema.columns
WHERE table_schema=$1
ORDER BY table_name, ordinal_position`, schemaName); err != nil {
		return Schema{Tables: map[string]Table{}}, err
	}

	var keys []keyRow
	if err := p.db.SelectContext(ctx, &keys, `
SELECT tc.table_name, kcu.column_name, kcu.ordinal_position
FROM information_schema.table_constraints tc
JOIN information_schema.key_column_usage kcu
  ON tc.constraint_name = kcu.constraint_name
 AND tc.table_schema = kcu.table_schema
 AND tc.table_name = kcu.table_name
WHERE tc.table_schema=$1 AND tc.constraint_type='PRIMARY KEY'
ORDER BY kcu.ordinal_position`, schemaName); err != nil {
		return Schema{Tables: map[string]Table{}}, err
	}
	return assemble(tables, cols, keys), nil
}
