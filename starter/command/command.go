// Package command is the migrator command line. Host applications build
// their own binary with New so their registered entities are visible.
package command

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/urfave/cli/v3"

	"db_migration_starter/internal/config"
	"db_migration_starter/internal/db"
	"db_migration_starter/internal/diff"
	httpserver "db_migration_starter/internal/http"
	"db_migration_starter/internal/logging"
	"db_migration_starter/internal/storage"
	"db_migration_starter/starter"
)

var ErrGenerationFailed = errors.New("schema generation failed")

const sampleConfig = `# db-migration-starter settings; MIGRATION_* environment variables override them.
engine: sql            # sql (flyway) or changelog (liquibase)
enabled: true
locations: [classpath:db/migration]
resource_root: resources
baseline_on_migrate: true
validate_on_migrate: true
database:
  provider: sqlite     # postgres, mysql or sqlite
  dsn: file:app.db
generation:
  auto_generate: false
  bootstrap_templates: false
  entity_namespaces: []
  description: update schema
  author: db-migration-starter
log_level: info
log_format: json
http_addr: ":8080"
`

// New returns the root command. opts are passed to every pipeline it
// builds, so hosts can set their entry type or registry.
func New(opts ...starter.Option) *cli.Command {
	a := &app{opts: opts}
	return &cli.Command{
		Name:  "migrator",
		Usage: "generate and apply schema migrations for registered entities",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Aliases: []string{"c"},
				Usage:   "path to the YAML config (default: " + config.DefaultPath + " if present)",
				Sources: cli.EnvVars("MIGRATION_CONFIG"),
			},
			&cli.StringFlag{
				Name:  "log-level",
				Usage: "override log_level (debug, info, warn, error)",
			},
		},
		Commands: []*cli.Command{
			{
				Name:  "init-config",
				Usage: "write a sample config file",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "path", Value: config.DefaultPath, Usage: "where to write the sample config"},
				},
				Action: a.initConfig,
			},
			{
				Name:   "pending",
				Usage:  "show entity tables with no migration yet",
				Action: a.pending,
			},
			{
				Name:   "generate",
				Usage:  "write a migration artifact for pending tables",
				Action: a.generate,
			},
			{
				Name:   "bootstrap",
				Usage:  "write the initial templates when no artifacts exist",
				Action: a.bootstrap,
			},
			{
				Name:   "migrate",
				Usage:  "apply pending migrations with the configured engine",
				Action: a.migrate,
			},
			{
				Name:   "validate",
				Usage:  "check applied migrations against the files on disk",
				Action: a.validate,
			},
			{
				Name:   "repair",
				Usage:  "repair the migration ledger",
				Action: a.repair,
			},
			{
				Name:  "serve",
				Usage: "run the admin HTTP API",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "addr", Usage: "override http_addr"},
					&cli.BoolFlag{Name: "migrate", Usage: "run migrate before serving"},
				},
				Action: a.serve,
			},
		},
	}
}

type app struct {
	opts []starter.Option
}

// session is everything one command needs. close releases the database.
type session struct {
	cfg      config.Config
	logger   *slog.Logger
	adapter  db.Adapter
	pipeline *starter.Pipeline
	out      io.Writer
}

func (s *session) close() {
	if s.adapter != nil {
		_ = s.adapter.Close()
	}
}

func (a *app) open(cmd *cli.Command) (*session, error) {
	cfg, err := config.Load(cmd.String("config"))
	if err != nil {
		return nil, err
	}
	if lvl := cmd.String("log-level"); lvl != "" {
		cfg.LogLevel = lvl
	}
	out := cmd.Root().Writer
	if out == nil {
		out = os.Stdout
	}
	errOut := cmd.Root().ErrWriter
	if errOut == nil {
		errOut = os.Stderr
	}
	logger := logging.New(errOut, cfg.LogLevel, cfg.LogFormat)

	s := &session{cfg: cfg, logger: logger, out: out}
	if cfg.Database.Provider != "" {
		s.adapter, err = db.Open(cfg.Database)
		if err != nil {
			return nil, fmt.Errorf("open database: %w", err)
		}
	}
	opts := append([]starter.Option{starter.WithLogger(logger), starter.WithAdapter(s.adapter)}, a.opts...)
	s.pipeline = starter.New(cfg, opts...)
	return s, nil
}

func (a *app) initConfig(_ context.Context, cmd *cli.Command) error {
	path := cmd.String("path")
	created, err := storage.CreateExclusive(path, []byte(sampleConfig))
	if err != nil {
		return err
	}
	if !created {
		return fmt.Errorf("%s already exists", path)
	}
	fmt.Fprintln(cmd.Root().Writer, "sample config written to", path)
	return nil
}

func (a *app) pending(ctx context.Context, cmd *cli.Command) error {
	s, err := a.open(cmd)
	if err != nil {
		return err
	}
	defer s.close()

	plan, err := s.pipeline.Plan(ctx)
	if err != nil {
		return err
	}
	fmt.Fprintf(s.out, "dialect: %s, entities: %d, migrated tables: %s\n",
		plan.Dialect, plan.Snapshot.Len(), strings.Join(plan.Migrated.Sorted(), ", "))
	fmt.Fprintln(s.out, diff.Describe(plan.Pending))
	return nil
}

func (a *app) generate(ctx context.Context, cmd *cli.Command) error {
	s, err := a.open(cmd)
	if err != nil {
		return err
	}
	defer s.close()

	st := s.pipeline.Generate(ctx)
	if err := printJSON(s.out, st); err != nil {
		return err
	}
	if !st.Success {
		return fmt.Errorf("%w: %s", ErrGenerationFailed, st.Error)
	}
	return nil
}

func (a *app) bootstrap(_ context.Context, cmd *cli.Command) error {
	s, err := a.open(cmd)
	if err != nil {
		return err
	}
	defer s.close()

	art, err := s.pipeline.Bootstrap()
	if err != nil {
		return err
	}
	if art.Skipped {
		fmt.Fprintln(s.out, "artifacts already present:", art.Path)
		return nil
	}
	fmt.Fprintln(s.out, "wrote", art.Path)
	return nil
}

func (a *app) migrate(ctx context.Context, cmd *cli.Command) error {
	s, err := a.open(cmd)
	if err != nil {
		return err
	}
	defer s.close()

	eng, err := s.pipeline.Engine()
	if err != nil {
		return err
	}
	report, err := eng.Migrate(ctx)
	if err != nil {
		return err
	}
	return printJSON(s.out, report)
}

func (a *app) validate(ctx context.Context, cmd *cli.Command) error {
	s, err := a.open(cmd)
	if err != nil {
		return err
	}
	defer s.close()

	eng, err := s.pipeline.Engine()
	if err != nil {
		return err
	}
	if err := eng.Validate(ctx); err != nil {
		return err
	}
	fmt.Fprintln(s.out, "valid")
	return nil
}

func (a *app) repair(ctx context.Context, cmd *cli.Command) error {
	s, err := a.open(cmd)
	if err != nil {
		return err
	}
	defer s.close()

	eng, err := s.pipeline.Engine()
	if err != nil {
		return err
	}
	if err := eng.Repair(ctx); err != nil {
		return err
	}
	fmt.Fprintln(s.out, "repaired")
	return nil
}

func (a *app) serve(ctx context.Context, cmd *cli.Command) error {
	s, err := a.open(cmd)
	if err != nil {
		return err
	}
	defer s.close()
	if addr := cmd.String("addr"); addr != "" {
		s.cfg.HTTPAddress = addr
	}

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	if cmd.Bool("migrate") {
		eng, err := s.pipeline.Engine()
		if err != nil {
			return err
		}
		if _, err := eng.Migrate(ctx); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
	}

	var pinger httpserver.Pinger
	if s.adapter != nil {
		pinger = s.adapter.DB()
	}
	handler := httpserver.NewMigrationHandler(s.pipeline, s.logger)
	return httpserver.New(s.cfg, s.logger, pinger, handler).Start(ctx)
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
