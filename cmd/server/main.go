// cmd/server/main.go
package main

import (
	"context"
	"log"
	"net/http"

	_ "github.com/joho/godotenv/autoload"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"

	"github.com/tommar21/matchroom/internal/auth"
	"github.com/tommar21/matchroom/internal/cache"
	"github.com/tommar21/matchroom/internal/config"
	"github.com/tommar21/matchroom/internal/database"
	"github.com/tommar21/matchroom/internal/handlers"
	"github.com/tommar21/matchroom/internal/historian"
	"github.com/tommar21/matchroom/internal/ledger"
	"github.com/tommar21/matchroom/internal/match"
	"github.com/tommar21/matchroom/internal/middleware"
	"github.com/tommar21/matchroom/internal/roomstore"
	"github.com/tommar21/matchroom/internal/rules/tictactoe"
)

func main() {
	cfg := config.Load()

	logger := logrus.New()
	logger.SetLevel(logrus.DebugLevel)

	if err := auth.Init(cfg.TokenExpire); err != nil {
		log.Fatalf("auth init: %v", err)
	}

	ctx := context.Background()
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

	store := roomstore.NewPostgres(pool, rdb, logger)
	if err := store.InitSchema(ctx); err != nil {
		log.Fatalf("room store schema: %v", err)
	}
	wallets := ledger.NewPostgres(pool, logger)
	if err := wallets.InitSchema(ctx); err != nil {
		log.Fatalf("ledger schema: %v", err)
	}

	engine := match.NewEngine(store, wallets, logger, match.Config{
		NegotiationWindow: cfg.NegotiationWindow,
		PollActive:        cfg.PollActive,
		PollIdle:          cfg.PollIdle,
		MatchScanLimit:    cfg.MatchScanLimit,
		RakeBps:           cfg.RakeBps,
	})
	engine.RegisterRules(tictactoe.Kind, tictactoe.New())
	engine.SetRecorder(historian.NewQueueWriter(rdb, cfg.HistoryQueue))

	gw := handlers.NewGateway(engine, wallets, logger, cfg.WelcomeBalance)

	mux := http.NewServeMux()
	mux.HandleFunc("/auth/guest", gw.GuestHandler())
	mux.HandleFunc("/wallet", gw.BalanceHandler())
	mux.Handle("/ws", middleware.LogMiddleware(logger)(http.HandlerFunc(gw.MatchWSHandler())))
	mux.HandleFunc("/healthz", handlers.HealthzHandler())
	mux.Handle("/metrics", promhttp.Handler())

	addr := ":" + cfg.Port
	logger.Infof("Running on %s", addr)
	if err := http.ListenAndServe(addr, mux); err != nil {
		log.Fatalf("server exited: %v", err)
	}
}
