package main

import (
	"database/sql"
	"flag"
	"fmt"
	"log/slog"
	"os"

	"github.com/example/pushgate/internal/config"
	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	_ "github.com/golang-migrate/migrate/v4/source/file"
	_ "github.com/lib/pq"
)

func main() {
	var (
		command = flag.String("command", "up", "Migration command: up, down, version, force")
		steps   = flag.Int("steps", 0, "Number of migration steps (for up/down)")
		version = flag.Uint("version", 0, "Target version (for force command)")
		dir     = flag.String("dir", "", "Migrations directory (defaults to MIGRATIONS_DIR)")
	)
	flag.Parse()

	cfg, err := config.New()
	if err != nil {
		fatal("config error", err)
	}
	logger := config.SetupLogger(cfg)

	if cfg.DBAdapter != "postgres" {
		logger.Error("migrations only apply to the postgres directory", slog.String("adapter", cfg.DBAdapter))
		os.Exit(1)
	}

	dsn, err := cfg.BuildPostgresDSN()
	if err != nil {
		fatal("postgres config error", err)
	}

	migrationsDir := cfg.MigrationsDir
	if *dir != "" {
		migrationsDir = *dir
	}

	m, closeDB, err := open(migrationsDir, dsn)
	if err != nil {
		fatal("open migrations", err)
	}
	defer closeDB()

	switch *command {
	case "up":
		if err := run(m, *steps); err != nil {
			fatal("migration up failed", err)
		}
		logger.Info("migrations applied")
	case "down":
		var err error
		if *steps > 0 {
			err = run(m, -*steps)
		} else if err = m.Down(); err == migrate.ErrNoChange {
			err = nil
		}
		if err != nil {
			fatal("migration down failed", err)
		}
		logger.Info("migrations rolled back")
	case "version":
		v, dirty, err := m.Version()
		if err != nil && err != migrate.ErrNilVersion {
			fatal("read version", err)
		}
		if dirty {
			logger.Warn("directory schema is dirty", slog.Uint64("version", uint64(v)))
			os.Exit(1)
		}
		fmt.Printf("Current migration version: %d\n", v)
	case "force":
		if *version == 0 {
			fatal("force", fmt.Errorf("version required (use -version flag)"))
		}
		if err := m.Force(int(*version)); err != nil {
			fatal("force migration failed", err)
		}
		logger.Info("forced schema version", slog.Uint64("version", uint64(*version)))
	default:
		fatal("usage", fmt.Errorf("unknown command %q (supported: up, down, version, force)", *command))
	}
}

func open(migrationsDir, dsn string) (*migrate.Migrate, func(), error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, nil, fmt.Errorf("opening database connection: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, nil, fmt.Errorf("database ping failed: %w", err)
	}
	driver, err := postgres.WithInstance(db, &postgres.Config{})
	if err != nil {
		db.Close()
		return nil, nil, fmt.Errorf("creating migrate driver: %w", err)
	}
	m, err := migrate.NewWithDatabaseInstance("file://"+migrationsDir, "postgres", driver)
	if err != nil {
		db.Close()
		return nil, nil, fmt.Errorf("creating migrate instance: %w", err)
	}
	return m, func() { db.Close() }, nil
}

// run moves the schema n steps; a negative n rolls back. n == 0 applies
// every pending migration.
func run(m *migrate.Migrate, n int) error {
	var err error
	if n == 0 {
		err = m.Up()
	} else {
		err = m.Steps(n)
	}
	if err != nil && err != migrate.ErrNoChange {
		return err
	}
	return nil
}

func fatal(msg string, err error) {
	slog.Error(msg, slog.String("error", err.Error()))
	os.Exit(1)
}
