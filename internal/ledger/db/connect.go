package db

import (
	"database/sql"
	"fmt"
	"time"

	"ticket-ledger/internal/config"
	"ticket-ledger/internal/logger"

	_ "github.com/go-sql-driver/mysql"
	_ "github.com/lib/pq"
	"github.com/uptrace/bun"
	"github.com/uptrace/bun/dialect/mysqldialect"
	"github.com/uptrace/bun/dialect/pgdialect"
	"github.com/uptrace/bun/dialect/sqlitedialect"
	"github.com/uptrace/bun/driver/pgdriver"
	"github.com/uptrace/bun/driver/sqliteshim"
)

// Connect opens the configured database, retrying the initial ping.
func Connect(cfg config.DatabaseConfig, log *logger.Logger) (*bun.DB, error) {
	switch cfg.Driver {
	case "postgres":
		open := func() (*sql.DB, error) {
			return sql.OpenDB(pgdriver.NewConnector(pgdriver.WithDSN(cfg.DSN))), nil
		}
		sqldb, err := openWithRetry(cfg, "PostgreSQL", open, log)
		if err != nil {
			return nil, err
		}
		return bun.NewDB(sqldb, pgdialect.New()), nil
	case "mysql":
		// DSN needs parseTime=true so DATETIME columns scan into time.Time
		open := func() (*sql.DB, error) { return sql.Open("mysql", cfg.DSN) }
		sqldb, err := openWithRetry(cfg, "MySQL", open, log)
		if err != nil {
			return nil, err
		}
		return bun.NewDB(sqldb, mysqldialect.New()), nil
	case "sqlite":
		sqldb, err := sql.Open(sqliteshim.ShimName, cfg.DSN)
		if err != nil {
			return nil, fmt.Errorf("failed to open sqlite: %w", err)
		}
		// a single connection keeps ":memory:" databases coherent
		sqldb.SetMaxOpenConns(1)
		log.LogDatabase("CONNECT", "sqlite", fmt.Sprintf("Opened SQLite database %s", cfg.DSN))
		return bun.NewDB(sqldb, sqlitedialect.New()), nil
	default:
		return nil, fmt.Errorf("unsupported database driver %q", cfg.Driver)
	}
}

// ConnectMigrations opens a Postgres connection through lib/pq for the
// migration runner. golang-migrate's postgres driver inspects *pq.Error, and
// closes the handle when the runner is closed.
func ConnectMigrations(cfg config.DatabaseConfig, log *logger.Logger) (*bun.DB, error) {
	if cfg.Driver != "postgres" {
		return nil, fmt.Errorf("migrations only apply to postgres, driver is %q", cfg.Driver)
	}
	open := func() (*sql.DB, error) { return sql.Open("postgres", cfg.DSN) }
	sqldb, err := openWithRetry(cfg, "PostgreSQL (migrations)", open, log)
	if err != nil {
		return nil, err
	}
	return bun.NewDB(sqldb, pgdialect.New()), nil
}

func openWithRetry(cfg config.DatabaseConfig, name string, open func() (*sql.DB, error), log *logger.Logger) (*sql.DB, error) {
	var sqldb *sql.DB
	var err error

	if cfg.ConnectRetries < 1 {
		cfg.ConnectRetries = 1
	}
	for i := 0; i < cfg.ConnectRetries; i++ {
		log.Info("DATABASE", fmt.Sprintf("Attempting to connect to %s (attempt %d/%d)", name, i+1, cfg.ConnectRetries))
		sqldb, err = open()
		if err != nil {
			log.Error("DATABASE", fmt.Sprintf("Failed to open %s: %v", name, err))
			time.Sleep(2 * time.Second)
			continue
		}

		err = sqldb.Ping()
		if err == nil {
			break
		}

		log.Error("DATABASE", fmt.Sprintf("Failed to connect to %s: %v", name, err))
		sqldb.Close()
		if i < cfg.ConnectRetries-1 {
			time.Sleep(2 * time.Second)
		}
	}
	if err != nil {
		return nil, fmt.Errorf("failed to connect to %s after %d attempts: %w", name, cfg.ConnectRetries, err)
	}

	if cfg.MaxOpenConns > 0 {
		sqldb.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	if cfg.MaxIdleConns > 0 {
		sqldb.SetMaxIdleConns(cfg.MaxIdleConns)
	}
	if cfg.MaxLifetime > 0 {
		sqldb.SetConnMaxLifetime(cfg.MaxLifetime)
	}

	log.Info("DATABASE", fmt.Sprintf("✅ %s connection successful", name))
	return sqldb, nil
}
