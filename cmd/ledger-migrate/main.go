package main

import (
	"fmt"
	"os"
	"strconv"

	"ticket-ledger/internal/config"
	"ticket-ledger/internal/database/migrations"
	"ticket-ledger/internal/ledger/db"
	"ticket-ledger/internal/logger"

	"github.com/joho/godotenv"
	"github.com/spf13/pflag"
)

const usage = `Usage: ledger-migrate [flags] <command>

Commands:
  up           apply all pending migrations
  down         roll back every migration
  to <version> migrate up or down to version
  version      print the applied schema version

Flags:
`

func main() {
	if err := run(os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run(args []string) error {
	var envFile string
	var dir string

	flagSet := pflag.NewFlagSet("ledger-migrate", pflag.ContinueOnError)
	flagSet.StringVar(&envFile, "env-file", ".env", "dotenv file to load before reading the environment")
	flagSet.StringVar(&dir, "dir", "", "migrations directory (default: DB_MIGRATIONS_DIR)")
	flagSet.Usage = func() {
		fmt.Fprint(os.Stderr, usage)
		flagSet.PrintDefaults()
	}
	if err := flagSet.Parse(args); err != nil {
		if err == pflag.ErrHelp {
			return nil
		}
		return err
	}
	if flagSet.NArg() == 0 {
		flagSet.Usage()
		return fmt.Errorf("missing command")
	}

	log := logger.NewLogger("ledger-migrate")
	defer log.Close()

	if err := godotenv.Load(envFile); err != nil {
		log.Debug("CONFIG", fmt.Sprintf("%s not found, using environment variables", envFile))
	}
	cfg := config.Load()
	if dir == "" {
		dir = cfg.Database.MigrationsDir
	}

	bunDB, err := db.ConnectMigrations(cfg.Database, log)
	if err != nil {
		return err
	}
	runner := migrations.NewRunner(bunDB, migrations.Options{MigrationsDir: dir}, log)
	defer runner.Close()

	switch cmd := flagSet.Arg(0); cmd {
	case "up":
		return runner.Up()
	case "down":
		return runner.Down()
	case "to":
		if flagSet.NArg() < 2 {
			return fmt.Errorf("to requires a version")
		}
		version, err := strconv.ParseUint(flagSet.Arg(1), 10, 32)
		if err != nil {
			return fmt.Errorf("invalid version %q: %w", flagSet.Arg(1), err)
		}
		return runner.To(uint(version))
	case "version":
		version, dirty, err := runner.Version()
		if err != nil {
			return err
		}
		fmt.Printf("version=%d dirty=%t\n", version, dirty)
		return nil
	default:
		return fmt.Errorf("unknown command %q", cmd)
	}
}
