package db

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/go-sql-driver/mysql"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/jmoiron/sqlx"

	"db_migration_starter/internal/config"
	"db_migration_starter/internal/schema"
)

// Adapter abstracts provider-specific behavior.
type Adapter interface {
	Provider() string
	Dialect() schema.Dialect
	DB() *sqlx.DB
	Close() error
	ExecScript(ctx context.Context, script string) error
	FetchSchema(ctx context.Context, schema string) (Schema, error)
}

// Open builds an adapter for the given configuration. Provider aliases
// such as postgresql, mariadb and sqlite3 are accepted.
func Open(cfg config.DatabaseConfig) (Adapter, error) {
	switch schema.ParseDialect(cfg.Provider) {
	case schema.Postgres:
		db, err := sqlx.Open("pgx", cfg.DSN)
		if err != nil {
			return nil, err
		}
		tune(db, 5)
		return &PostgresAdapter{base{db: db}}, nil
	case schema.MySQL:
		// Validate DSN early to provide actionable errors.
		mc, err := mysql.ParseDSN(cfg.DSN)
		if err != nil {
			return nil, fmt.Errorf("invalid mysql dsn: %w", err)
		}
		mc.ParseTime = true
		db, err := sqlx.Open("mysql", mc.FormatDSN())
		if err != nil {
			return nil, err
		}
		tune(db, 5)
		return &MySQLAdapter{base{db: db}}, nil
	case schema.SQLite:
		db, err := sqlx.Open(sqliteDriver, cfg.DSN)
		if err != nil {
			return nil, err
		}
		// one connection keeps in-memory databases consistent
		tune(db, 1)
		return &SQLiteAdapter{base{db: db}}, nil
	default:
		return nil, fmt.Errorf("unsupported provider %s", cfg.Provider)
	}
}

// Wrap builds an adapter around a connection pool owned by the host.
func Wrap(provider string, sqlDB *sql.DB) (Adapter, error) {
	switch schema.ParseDialect(provider) {
	case schema.Postgres:
		return &PostgresAdapter{base{db: sqlx.NewDb(sqlDB, "pgx")}}, nil
	case schema.MySQL:
		return &MySQLAdapter{base{db: sqlx.NewDb(sqlDB, "mysql")}}, nil
	case schema.SQLite:
		return &SQLiteAdapter{base{db: sqlx.NewDb(sqlDB, sqliteDriver)}}, nil
	default:
		return nil, fmt.Errorf("unsupported provider %s", provider)
	}
}

func tune(db *sqlx.DB, maxOpen int) {
	db.SetConnMaxIdleTime(5 * time.Minute)
	db.SetMaxOpenConns(maxOpen)
}

type base struct {
	db *sqlx.DB
}

func (b base) DB() *sqlx.DB { return b.db }

func (b base) Close() error { return b.db.Close() }

func (b base) ExecScript(ctx context.Context, script string) error {
	return ExecStatements(ctx, b.db, script)
}

// Execer is satisfied by *sqlx.DB, *sqlx.Tx and their database/sql
// counterparts.
type Execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

// ExecStatements runs each statement of script in turn.
func ExecStatements(ctx context.Context, ex Execer, script string) error {
	for i, stmt := range SplitStatements(script) {
		if _, err := ex.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("statement %d: %w", i+1, err)
		}
	}
	return nil
}
