package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"ticket-ledger/internal/analytics"
	analytics_api "ticket-ledger/internal/analytics/api"
	"ticket-ledger/internal/auth"
	"ticket-ledger/internal/config"
	"ticket-ledger/internal/database/migrations"
	"ticket-ledger/internal/kafka"
	"ticket-ledger/internal/ledger"
	"ticket-ledger/internal/ledger/db"
	"ticket-ledger/internal/ledger/ledger_api"
	redislock "ticket-ledger/internal/ledger/redis"
	"ticket-ledger/internal/lock"
	"ticket-ledger/internal/logger"
	"ticket-ledger/internal/notify"
	"ticket-ledger/internal/payout"
	"ticket-ledger/internal/sse"
	qr "ticket-ledger/internal/tickets/qr_genrator"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/joho/godotenv"
	"github.com/spf13/pflag"
)

// prepareSchema brings the database schema up to date. Postgres runs the SQL
// migrations on a dedicated connection; SQLite creates tables from the models.
func prepareSchema(ctx context.Context, cfg *config.Config, store *db.DB, log *logger.Logger) error {
	switch cfg.Database.Driver {
	case "postgres":
		if !cfg.Database.AutoMigrate {
			log.Info("MIGRATE", "Auto-migration disabled, skipping")
			return nil
		}
		migrationDB, err := db.ConnectMigrations(cfg.Database, log)
		if err != nil {
			return err
		}
		runner := migrations.NewRunner(migrationDB, migrations.Options{MigrationsDir: cfg.Database.MigrationsDir}, log)
		defer func() {
			if err := runner.Close(); err != nil {
				log.Warn("MIGRATE", fmt.Sprintf("Failed to close migrator: %v", err))
			}
		}()
		return runner.Up()
	default:
		return store.CreateSchema(ctx)
	}
}

// buildLocker returns the lock table shared by events and tickets and a
// cleanup func for its backing connection.
func buildLocker(ctx context.Context, cfg config.RedisConfig, log *logger.Logger) (ledger.Locker, func(), error) {
	switch cfg.LockBackend {
	case "redis":
		client, err := redislock.Connect(ctx, cfg.Addr, log)
		if err != nil {
			return nil, nil, err
		}
		log.Info("LOCK", fmt.Sprintf("Using Redis lock table at %s", cfg.Addr))
		return redislock.NewLocker(client, log, cfg.LockTTL, cfg.LockRetry), func() { client.Close() }, nil
	case "local", "":
		log.Info("LOCK", "Using in-process lock table")
		return lock.NewTable(), func() {}, nil
	default:
		return nil, nil, fmt.Errorf("unknown lock backend %q", cfg.LockBackend)
	}
}

func main() {
	var envFile string
	var migrateOnly bool

	flagSet := pflag.NewFlagSet("ticket-ledger", pflag.ExitOnError)
	flagSet.StringVar(&envFile, "env-file", ".env", "dotenv file to load before reading the environment")
	flagSet.BoolVar(&migrateOnly, "migrate-only", false, "prepare the database schema and exit")
	flagSet.Parse(os.Args[1:])

	log := logger.NewLogger("ticket-ledger")
	defer log.Close()

	log.Info("APP", "Starting Ticket Ledger initialization")

	if err := godotenv.Load(envFile); err != nil {
		log.Warn("CONFIG", fmt.Sprintf("%s not found, using environment variables", envFile))
	} else {
		log.Info("CONFIG", fmt.Sprintf("Loaded environment variables from %s", envFile))
	}

	cfg := config.Load()
	ctx := context.Background()

	bunDB, err := db.Connect(cfg.Database, log)
	if err != nil {
		log.Fatal("DATABASE", err.Error())
	}
	defer bunDB.Close()
	store := &db.DB{Bun: bunDB}

	if err := prepareSchema(ctx, cfg, store, log); err != nil {
		log.Fatal("MIGRATE", fmt.Sprintf("Failed to prepare schema: %v", err))
	}
	if migrateOnly {
		log.Info("APP", "Schema ready, exiting (--migrate-only)")
		return
	}

	locks, closeLocks, err := buildLocker(ctx, cfg.Redis, log)
	if err != nil {
		log.Fatal("LOCK", err.Error())
	}
	defer closeLocks()

	emitter := sse.NewLedgerEventEmitter()
	sinks := notify.Fanout{emitter}

	if cfg.Kafka.Enabled {
		log.Info("KAFKA", fmt.Sprintf("Using Kafka brokers: %v", cfg.Kafka.Brokers))
		topicCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		if err := kafka.EnsureTopicsExist(topicCtx, cfg.Kafka.Brokers, cfg.Kafka.Topics.All(), log); err != nil {
			log.Warn("KAFKA", fmt.Sprintf("Topic creation might have failed: %v", err))
		} else {
			log.Info("KAFKA", "Required topics ensured successfully")
		}
		cancel()

		producer := kafka.NewProducer(cfg.Kafka.Brokers, cfg.Kafka.Topics, log)
		defer producer.Close()
		sinks = append(sinks, producer)
		log.Info("KAFKA", "Kafka producer initialized successfully")
	} else {
		log.Warn("KAFKA", "Kafka disabled, notifications stay in-process")
	}

	payoutChannel, err := payout.New(cfg.Payout, log)
	if err != nil {
		log.Fatal("PAYOUT", err.Error())
	}

	svc := ledger.NewService(ledger.Options{
		Store:    store,
		Locks:    locks,
		Payout:   payoutChannel,
		Notifier: sinks,
		Logger:   log,
		Currency: cfg.Payout.Currency,
	})
	if err := svc.Restore(ctx); err != nil {
		log.Fatal("LEDGER", err.Error())
	}

	resolver, err := auth.NewResolver(ctx, cfg.Auth, log)
	if err != nil {
		log.Fatal("AUTH", fmt.Sprintf("Failed to build token resolver: %v", err))
	}

	qrSecret := cfg.QR.SecretKey
	if qrSecret == "" {
		log.Warn("CONFIG", "QR_SECRET_KEY not set, QR codes will not survive a restart")
		qrSecret = uuid.NewString()
	}

	authn := auth.Middleware(resolver, log)
	handler := ledger_api.NewHandler(svc, emitter, qr.NewQRGenerator(qrSecret), log)
	router := handler.Router(authn)
	log.Info("ROUTER", "Ledger routes registered under /api/events and /api/tickets")

	analyticsHandler := analytics_api.NewHandler(analytics.NewService(bunDB), svc, log)
	router.Group(func(r chi.Router) {
		r.Use(authn)
		analyticsHandler.RegisterRoutes(r)
	})
	log.Info("ROUTER", "Analytics routes registered under /api/analytics/events")

	server := &http.Server{
		Addr:         cfg.Server.Port,
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	go func() {
		log.Info("HTTP", fmt.Sprintf("🚀 Ticket Ledger running on %s", cfg.Server.Port))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal("HTTP", fmt.Sprintf("HTTP server error: %v", err))
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	log.Info("APP", "Service started successfully, waiting for shutdown signal")
	<-stop

	log.Info("APP", "Shutdown signal received, initiating graceful shutdown")
	ctxShutdown, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if err := server.Shutdown(ctxShutdown); err != nil {
		log.Error("HTTP", fmt.Sprintf("Server Shutdown Failed: %v", err))
	} else {
		log.Info("HTTP", "✅ Ticket Ledger shutdown complete")
	}
}
