package redis

import (
	"context"
	"fmt"
	"time"

	"ticket-ledger/internal/logger"

	"github.com/go-redis/redis/v8"
)

// Connect opens a client for the lock backend and checks it with a PING.
func Connect(ctx context.Context, addr string, log *logger.Logger) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: "", // no password
		DB:       0,  // use default DB
		PoolSize: 10,
	})

	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if _, err := client.Ping(ctx).Result(); err != nil {
		log.Error("REDIS", fmt.Sprintf("Failed to connect to Redis at %s: %v", addr, err))
		client.Close()
		return nil, err
	}

	log.Info("REDIS", fmt.Sprintf("Successfully connected to Redis at %s for ledger locks", addr))
	return client, nil
}
