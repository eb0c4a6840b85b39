package db

import (
	"database/sql"
)

// Schema holds the introspected structure of a database.
type Schema struct {
	Tables map[string]Table
}

// Table describes a table and its columns.
type Table struct {
	Name       string
	Columns    map[string]Column
	PrimaryKey []string
}

// Column describes a table column.
type Column struct {
	Name         string
	DataType     string
	IsNullable   bool
	DefaultValue sql.NullString
}

type tableRow struct {
	Name string `db:"table_name"`
}

type columnRow struct {
	Table    string         `db:"table_name"`
	Name     string         `db:"column_name"`
	DataType string         `db:"data_type"`
	Nullable string         `db:"is_nullable"`
	Default  sql.NullString `db:"column_default"`
}

type keyRow struct {
	Table    string `db:"table_name"`
	Column   string `db:"column_name"`
	Position int    `db:"ordinal_position"`
}

// assemble folds information_schema rows into a Schema.
func assemble(tables []tableRow, cols []columnRow, keys []keyRow) Schema {
	result := Schema{Tables: make(map[string]Table, len(tables))}
	for _, t := range tables {
		result.Tables[t.Name] = Table{
			Name:       t.Name,
			Columns:    map[string]Column{},
			PrimaryKey: []string{},
		}
	}
	for _, c := range cols {
		t, ok := result.Tables[c.Table]
		if !ok {
			continue
		}
		t.Columns[c.Name] = Column{
			Name:         c.Name,
			DataType:     c.DataType,
			IsNullable:   c.Nullable == "YES" || c.Nullable == "yes",
			DefaultValue: c.Default,
		}
	}
	for _, k := range keys {
		t, ok := result.Tables[k.Table]
		if !ok {
			continue
		}
		t.PrimaryKey = append(t.PrimaryKey, k.Column)
		result.Tables[k.Table] = t
	}
	return result
}
