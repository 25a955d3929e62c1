// cmd/historian/main.go
package main

import (
	"context"
	"log"
	"os/signal"
	"syscall"

	_ "github.com/joho/godotenv/autoload"
	"github.com/sirupsen/logrus"

	"github.com/tommar21/matchroom/internal/cache"
	"github.com/tommar21/matchroom/internal/config"
	"github.com/tommar21/matchroom/internal/database"
	"github.com/tommar21/matchroom/internal/historian"
	"github.com/tommar21/matchroom/internal/roomstore"
)

func main() {
	cfg := config.Load()

	logger := logrus.New()
	logger.SetLevel(logrus.InfoLevel)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	pool, err := database.Connect(ctx, cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("failed to connect to postgres: %v", err)
	}
	defer pool.Close()

	rdb, err := cache.Connect(ctx, cfg.RedisAddr, cfg.RedisDB)
	if err != nil {
		log.Fatalf("failed to connect to redis: %v", err)
	}
	defer rdb.Close()

	// Sweeper deletes go through the room store so watching creators get
	// the tombstone.
	store := roomstore.NewPostgres(pool, rdb, logger)

	svc := historian.NewService(rdb, pool, store, logger, historian.Options{
		QueueKey:   cfg.HistoryQueue,
		BatchSize:  cfg.HistoryBatchSize,
		FlushEvery: cfg.HistoryFlushEvery,
		SweepEvery: cfg.SweepEvery,
		MaxWaitAge: cfg.WaitingRoomMaxAge,
	})
	if err := svc.InitSchema(ctx); err != nil {
		log.Fatalf("historian schema: %v", err)
	}

	svc.Run(ctx)
}
