package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"ticket-ledger/internal/config"
	"ticket-ledger/internal/kafka"
	"ticket-ledger/internal/logger"
	"ticket-ledger/internal/models"

	"github.com/joho/godotenv"
	"github.com/spf13/pflag"
)

// ledger-tail prints ledger notifications from Kafka as JSON lines.
func main() {
	var envFile string
	var groupID string
	var eventFilter int64

	flagSet := pflag.NewFlagSet("ledger-tail", pflag.ExitOnError)
	flagSet.StringVar(&envFile, "env-file", ".env", "dotenv file to load before reading the environment")
	flagSet.StringVar(&groupID, "group", "ledger-tail", "Kafka consumer group")
	flagSet.Int64Var(&eventFilter, "event", 0, "only print notifications of this event id")
	flagSet.Parse(os.Args[1:])

	log := logger.NewLogger("ledger-tail")
	defer log.Close()

	if err := godotenv.Load(envFile); err != nil {
		log.Debug("CONFIG", fmt.Sprintf("%s not found, using environment variables", envFile))
	}
	cfg := config.Load()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	consumer := kafka.NewConsumer(cfg.Kafka.Brokers, cfg.Kafka.Topics.All(), groupID, log)
	defer consumer.Close()

	out := json.NewEncoder(os.Stdout)
	err := consumer.Start(ctx, func(n models.Notification) {
		if eventFilter != 0 && n.EventID != models.EventID(eventFilter) {
			return
		}
		if err := out.Encode(n); err != nil {
			log.Error("TAIL", fmt.Sprintf("Failed to write notification %s: %v", n.ID, err))
		}
	})
	if err != nil {
		log.Error("KAFKA", err.Error())
		os.Exit(1)
	}
}
