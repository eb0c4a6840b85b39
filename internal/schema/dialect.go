package schema

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"strings"
)

// Dialect selects database-specific type names and identifier quoting.
type Dialect string

const (
	Generic  Dialect = "generic"
	Postgres Dialect = "postgres"
	MySQL    Dialect = "mysql"
	SQLite   Dialect = "sqlite"
)

// ParseDialect maps a provider name to a dialect. Unknown names map to
// Generic.
func ParseDialect(provider string) Dialect {
	switch strings.ToLower(strings.TrimSpace(provider)) {
	case "postgres", "postgresql", "pgx":
		return Postgres
	case "mysql", "mariadb":
		return MySQL
	case "sqlite", "sqlite3":
		return SQLite
	default:
		return Generic
	}
}

// ResolveDialect asks the database which dialect it speaks. It holds one
// connection for the duration of the probe and always releases it. Any
// failure yields Generic.
func ResolveDialect(ctx context.Context, db *sql.DB, logger *slog.Logger) Dialect {
	if logger == nil {
		logger = slog.Default()
	}
	if db == nil {
		return Generic
	}
	d, err := probe(ctx, db)
	if err != nil {
		logger.Warn("could not resolve database dialect, using generic types", "error", err)
		return Generic
	}
	logger.Debug("resolved database dialect", "dialect", string(d))
	return d
}

func probe(ctx context.Context, db *sql.DB) (Dialect, error) {
	conn, err := db.Conn(ctx)
	if err != nil {
		return Generic, fmt.Errorf("borrow connection: %w", err)
	}
	defer conn.Close()

	var version string
	if err := conn.QueryRowContext(ctx, `SELECT version()`).Scan(&version); err == nil {
		if strings.Contains(strings.ToLower(version), "postgres") {
			return Postgres, nil
		}
		return MySQL, nil
	}
	if err := conn.QueryRowContext(ctx, `SELECT sqlite_version()`).Scan(&version); err != nil {
		return Generic, fmt.Errorf("probe version: %w", err)
	}
	return SQLite, nil
}

// TypeName renders the column type for d.
func (d Dialect) TypeName(c Column) string {
	if c.SQLType != "" {
		return c.SQLType
	}
	switch c.Type {
	case TypeString:
		return c.Neutral()
	case TypeDouble:
		switch d {
		case Postgres:
			return "DOUBLE PRECISION"
		case SQLite:
			return "REAL"
		}
	case TypeFloat:
		if d == Postgres || d == SQLite {
			return "REAL"
		}
	case TypeBinary:
		switch d {
		case Postgres:
			return "BYTEA"
		case MySQL:
			if c.Length > 0 {
				return fmt.Sprintf("VARBINARY(%d)", c.Length)
			}
		}
	case TypeUUID:
		switch d {
		case MySQL:
			return "CHAR(36)"
		case SQLite:
			return "TEXT"
		}
	case TypeInteger:
		if d == MySQL || d == Generic {
			return "INT"
		}
	}
	return string(c.Type)
}

// Quote wraps an identifier in the dialect's quote characters.
func (d Dialect) Quote(name string) string {
	if d == MySQL {
		return "`" + strings.ReplaceAll(name, "`", "``") + "`"
	}
	return `"` + strings.ReplaceAll(name, `"`, `""`) + `"`
}
