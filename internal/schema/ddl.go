package schema

import (
	"fmt"
	"strings"
)

// DDL renders CREATE TABLE and ALTER TABLE statements. Identifiers are
// emitted bare unless QuoteIdentifiers is set.
type DDL struct {
	Dialect          Dialect
	QuoteIdentifiers bool
}

func (g DDL) Ident(name string) string {
	if g.QuoteIdentifiers {
		return g.Dialect.Quote(name)
	}
	return name
}

// CreateTable renders one CREATE TABLE IF NOT EXISTS statement terminated
// by a semicolon.
func (g DDL) CreateTable(e Entity) string {
	pk := e.PrimaryKey()
	inlinePK := len(pk) == 1

	lines := make([]string, 0, len(e.Columns)+1)
	for _, c := range e.Columns {
		lines = append(lines, "    "+g.columnDef(c, inlinePK))
	}
	if len(pk) > 1 {
		quoted := make([]string, len(pk))
		for i, name := range pk {
			quoted[i] = g.Ident(name)
		}
		lines = append(lines, fmt.Sprintf("    PRIMARY KEY (%s)", strings.Join(quoted, ", ")))
	}
	return fmt.Sprintf("CREATE TABLE IF NOT EXISTS %s (\n%s\n);", g.Ident(e.Table), strings.Join(lines, ",\n"))
}

// AddColumn renders an ALTER TABLE ... ADD COLUMN statement. Key and
// identity attributes are not carried by added columns.
func (g DDL) AddColumn(table string, c Column) string {
	c.PrimaryKey = false
	c.AutoIncrement = false
	return fmt.Sprintf("ALTER TABLE %s ADD COLUMN %s;", g.Ident(table), g.columnDef(c, false))
}

func (g DDL) columnDef(c Column, inlinePK bool) string {
	if c.PrimaryKey && c.AutoIncrement && inlinePK {
		switch g.Dialect {
		case Postgres:
			serial := "BIGSERIAL"
			if c.Type != TypeBigInt {
				serial = "SERIAL"
			}
			return fmt.Sprintf("%s %s PRIMARY KEY", g.Ident(c.Name), serial)
		case SQLite:
			return fmt.Sprintf("%s INTEGER PRIMARY KEY AUTOINCREMENT", g.Ident(c.Name))
		}
	}

	parts := []string{g.Ident(c.Name), g.Dialect.TypeName(c)}
	if !c.Nullable {
		parts = append(parts, "NOT NULL")
	}
	if c.AutoIncrement {
		parts = append(parts, "AUTO_INCREMENT")
	}
	if c.PrimaryKey && inlinePK {
		parts = append(parts, "PRIMARY KEY")
	} else if c.Unique {
		parts = append(parts, "UNIQUE")
	}
	if c.Default != "" {
		parts = append(parts, "DEFAULT "+c.Default)
	}
	return strings.Join(parts, " ")
}
