package main

import (
	"errors"
	"flag"
	"fmt"
	"log"
	"os"

	"github.com/benvon/idea-tagger/internal/config"
	"github.com/benvon/idea-tagger/internal/database"
	"github.com/benvon/idea-tagger/internal/logger"
	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"go.uber.org/zap"
)

func main() {
	var (
		up      = flag.Bool("up", false, "Apply all pending migrations")
		down    = flag.Bool("down", false, "Revert all migrations")
		steps   = flag.Int("steps", 0, "Number of migrations to apply (negative reverts)")
		version = flag.Bool("version", false, "Print the current schema version")
		force   = flag.Int("force", -1, "Force the schema version after a failed migration")
	)
	flag.Parse()

	forceSet := false
	flag.Visit(func(f *flag.Flag) {
		if f.Name == "force" {
			forceSet = true
		}
	})

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	zapLogger, err := logger.NewProductionLogger(false)
	if err != nil {
		log.Fatalf("Failed to initialize logger: %v", err)
	}
	defer func() {
		_ = logger.Sync(zapLogger)
	}()

	db, err := database.New(cfg.DatabaseURL)
	if err != nil {
		zapLogger.Fatal("failed_to_connect_to_database", zap.Error(err))
	}

	source, err := iofs.New(database.Migrations, "migrations")
	if err != nil {
		zapLogger.Fatal("failed_to_open_migration_source", zap.Error(err))
	}
	driver, err := postgres.WithInstance(db.DB, &postgres.Config{})
	if err != nil {
		zapLogger.Fatal("failed_to_create_migration_driver", zap.Error(err))
	}
	m, err := migrate.NewWithInstance("iofs", source, "postgres", driver)
	if err != nil {
		zapLogger.Fatal("failed_to_create_migrator", zap.Error(err))
	}
	// Closing the migrator closes the driver and the pool under it
	defer func() {
		if srcErr, dbErr := m.Close(); srcErr != nil || dbErr != nil {
			zapLogger.Warn("failed_to_close_migrator", zap.NamedError("source_error", srcErr), zap.NamedError("database_error", dbErr))
		}
	}()

	switch {
	case *version:
		v, dirty, err := m.Version()
		if errors.Is(err, migrate.ErrNilVersion) {
			fmt.Println("version: none")
			return
		}
		if err != nil {
			zapLogger.Fatal("failed_to_read_schema_version", zap.Error(err))
		}
		fmt.Printf("version: %d, dirty: %v\n", v, dirty)
	case forceSet:
		if err := m.Force(*force); err != nil {
			zapLogger.Fatal("failed_to_force_schema_version", zap.Error(err))
		}
		zapLogger.Info("schema_version_forced", zap.Int("version", *force))
	case *up:
		report(zapLogger, "up", m.Up())
	case *down:
		report(zapLogger, "down", m.Down())
	case *steps != 0:
		report(zapLogger, fmt.Sprintf("steps(%d)", *steps), m.Steps(*steps))
	default:
		fmt.Fprintln(os.Stderr, "usage: migrate [-up|-down|-steps N|-version|-force N]")
		flag.PrintDefaults()
		os.Exit(2)
	}
}

// report treats ErrNoChange as success
func report(zapLogger *zap.Logger, direction string, err error) {
	switch {
	case errors.Is(err, migrate.ErrNoChange):
		zapLogger.Info("schema_already_current", zap.String("direction", direction))
	case err != nil:
		zapLogger.Fatal("migration_failed", zap.String("direction", direction), zap.Error(err))
	default:
		zapLogger.Info("migrations_applied", zap.String("direction", direction))
	}
}
