package main

import (
	"errors"
	"flag"
	"fmt"
	"os"
	"strconv"

	"github.com/golang-migrate/migrate/v4"

	"github.com/migadu/sift/logger"
	"github.com/migadu/sift/store"
)

func handleMigrateCommand() {
	if len(os.Args) < 3 {
		printMigrateUsage()
		os.Exit(1)
	}

	subcommand := os.Args[2]
	switch subcommand {
	case "up":
		handleMigrateUp()
	case "down":
		handleMigrateDown()
	case "version":
		handleMigrateVersion()
	case "force":
		handleMigrateForce()
	case "help", "--help", "-h":
		printMigrateUsage()
	default:
		fmt.Printf("Unknown migrate subcommand: %s\n\n", subcommand)
		printMigrateUsage()
		os.Exit(1)
	}
}

func printMigrateUsage() {
	fmt.Printf(`Store Schema Migration Management

Run these while 'sift serve' is stopped.

Usage:
  sift migrate <subcommand> [options]

Subcommands:
  up        Apply all pending upwards migrations
  down      Revert migrations
  version   Show the current migration version and dirty state
  force     Force the store to a specific version (for fixing dirty states)

Examples:
  sift migrate up
  sift migrate down --limit 2
  sift migrate down --all
  sift migrate version
  sift migrate force 1
`)
}

// openMigrator loads the configuration named by the flag set and opens a
// migrator on its store. Closing the migrator closes the database.
func openMigrator(fs *flag.FlagSet, usage string) *migrate.Migrate {
	common := addCommonFlags(fs)
	fs.Usage = func() {
		fmt.Println(usage)
		fs.PrintDefaults()
	}
	fs.Parse(os.Args[3:])
	cfg := common.load()

	db, err := store.OpenDB(cfg.Store)
	if err != nil {
		logger.Fatalf("Failed to open store: %v", err)
	}
	m, err := store.NewMigrator(db)
	if err != nil {
		db.Close()
		logger.Fatalf("Failed to initialize migration tool: %v", err)
	}
	return m
}

func handleMigrateUp() {
	fs := flag.NewFlagSet("migrate up", flag.ExitOnError)
	m := openMigrator(fs, "Usage: sift migrate up [--config config.toml]")
	defer m.Close()

	logger.Info("Applying UP migrations...")
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		logger.Fatalf("Failed to apply UP migrations: %v", err)
	}
	logger.Info("Migrations applied successfully.")
	showVersion(m)
}

func handleMigrateDown() {
	fs := flag.NewFlagSet("migrate down", flag.ExitOnError)
	limit := fs.Int("limit", 1, "Number of migrations to revert")
	all := fs.Bool("all", false, "Revert all migrations")
	m := openMigrator(fs, "Usage: sift migrate down [--config config.toml] [--limit N | --all]")
	defer m.Close()

	if *all {
		version, dirty, err := m.Version()
		if err != nil {
			if errors.Is(err, migrate.ErrNilVersion) {
				logger.Info("No migrations to revert.")
				return
			}
			logger.Fatalf("Failed to get current migration version: %v", err)
		}
		if dirty {
			logger.Fatalf("Store is in a dirty state (version %d). Fix it with the 'force' command.", version)
		}
		logger.Infof("Reverting all %d migration(s)...", version)
		if err := m.Down(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
			logger.Fatalf("Failed to revert all migrations: %v", err)
		}
	} else {
		logger.Infof("Reverting %d migration(s)...", *limit)
		if err := m.Steps(-(*limit)); err != nil {
			logger.Fatalf("Failed to revert migrations: %v", err)
		}
	}
	logger.Info("Migrations reverted successfully.")
	showVersion(m)
}

func handleMigrateVersion() {
	fs := flag.NewFlagSet("migrate version", flag.ExitOnError)
	m := openMigrator(fs, "Usage: sift migrate version [--config config.toml]")
	defer m.Close()
	showVersion(m)
}

func handleMigrateForce() {
	fs := flag.NewFlagSet("migrate force", flag.ExitOnError)
	m := openMigrator(fs, "Usage: sift migrate force [--config config.toml] <version>")
	defer m.Close()

	if fs.NArg() != 1 {
		fs.Usage()
		os.Exit(1)
	}
	version, err := strconv.Atoi(fs.Arg(0))
	if err != nil {
		logger.Fatalf("Invalid version number: %v", err)
	}

	logger.Infof("Forcing store version to %d...", version)
	if err := m.Force(version); err != nil {
		logger.Fatalf("Failed to force version: %v", err)
	}
	logger.Info("Version forced successfully.")
	showVersion(m)
}

func showVersion(m *migrate.Migrate) {
	version, dirty, err := m.Version()
	if errors.Is(err, migrate.ErrNilVersion) {
		fmt.Println("Store has no migrations applied.")
		return
	}
	if err != nil {
		logger.Fatalf("Failed to get migration version: %v", err)
	}
	fmt.Printf("Version: %d, dirty: %t\n", version, dirty)
}
