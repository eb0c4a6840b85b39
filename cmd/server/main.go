package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"

	"db_migration_starter/internal/config"
	"db_migration_starter/internal/db"
	httpserver "db_migration_starter/internal/http"
	"db_migration_starter/internal/logging"
	"db_migration_starter/starter"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load(os.Getenv("MIGRATION_CONFIG"))
	if err != nil {
		log.Fatalf("config error: %v", err)
	}

	logger := logging.New(os.Stdout, cfg.LogLevel, cfg.LogFormat)

	var adapter db.Adapter
	var pinger httpserver.Pinger
	if cfg.Database.Provider != "" {
		adapter, err = db.Open(cfg.Database)
		if err != nil {
			logger.Error("db connection failed", "error", err)
			os.Exit(1)
		}
		defer adapter.Close()
		pinger = adapter.DB()
	}

	pipeline := starter.New(cfg, starter.WithLogger(logger), starter.WithAdapter(adapter))

	eng, err := pipeline.Engine()
	if err != nil {
		logger.Error("migration engine init failed", "error", err)
		os.Exit(1)
	}
	if _, err := eng.Migrate(ctx); err != nil {
		logger.Error("migrations failed", "error", err)
		os.Exit(1)
	}

	lifecycle := starter.NewLifecycle(logger)
	pipeline.Install(lifecycle)

	migrationHandler := httpserver.NewMigrationHandler(pipeline, logger)
	server := httpserver.New(cfg, logger, pinger, migrationHandler)

	serverErr := make(chan error, 1)
	go func() { serverErr <- server.Start(ctx) }()

	_ = lifecycle.Ready(ctx)

	if err := <-serverErr; err != nil {
		logger.Error("server stopped with error", "error", err)
		os.Exit(1)
	}
}
