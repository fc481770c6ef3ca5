package main

import (
	"context"
	"log"
	"net/http"
	"os/signal"
	"syscall"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/kofiamankwah/stitchpay/internal/api"
	"github.com/kofiamankwah/stitchpay/internal/config"
	"github.com/kofiamankwah/stitchpay/internal/escrow"
	"github.com/kofiamankwah/stitchpay/internal/gateway"
	"github.com/kofiamankwah/stitchpay/internal/lifecycle"
	"github.com/kofiamankwah/stitchpay/internal/notify"
	"github.com/kofiamankwah/stitchpay/internal/reconcile"
	"github.com/kofiamankwah/stitchpay/internal/retry"
	"github.com/kofiamankwah/stitchpay/internal/store"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatal(err)
	}

	logger, err := zap.NewProduction()
	if cfg.Env == "development" {
		logger, err = zap.NewDevelopment()
	}
	if err != nil {
		log.Fatalf("logger init failed: %v", err)
	}
	defer logger.Sync()

	pg, err := store.NewPostgres(cfg.DBSource)
	if err != nil {
		logger.Fatal("database connection failed", zap.Error(err))
	}
	defer pg.Close()

	// Initialize Layers
	retryCfg := retry.Config{
		MaxAttempts:   cfg.Retry.MaxAttempts,
		BaseDelay:     cfg.Retry.BaseDelay,
		MaxDelay:      cfg.Retry.MaxDelay,
		BackoffFactor: cfg.Retry.BackoffFactor,
	}
	breaker := retry.NewBreaker(cfg.Breaker.FailureThreshold, cfg.Breaker.Cooldown, logger)
	gw := gateway.NewClient(cfg.Gateway, retryCfg, breaker, logger)

	policy := escrow.SplitPolicy{
		DepositPct: cfg.Escrow.DepositPct,
		FittingPct: cfg.Escrow.FittingPct,
		FinalPct:   cfg.Escrow.FinalPct,
	}
	escrowMgr, err := escrow.NewManager(pg, policy, logger)
	if err != nil {
		logger.Fatal("escrow manager init failed", zap.Error(err))
	}

	notifier := &notify.LogNotifier{Logger: logger}
	machine := lifecycle.NewMachine(pg, notifier, logger)
	orchestrator := reconcile.NewOrchestrator(pg, gw, escrowMgr, machine, logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	poller := reconcile.NewPoller(pg, orchestrator, cfg.Verify, logger)
	go poller.Run(ctx)

	handler := api.NewHandler(pg, escrowMgr, machine, orchestrator, gw, logger)

	// Router
	r := mux.NewRouter()
	r.Handle("/metrics", promhttp.Handler())
	r.HandleFunc("/health", handler.HealthCheckHandler)

	apiV1 := r.PathPrefix("/api/v1").Subrouter()
	handler.Register(apiV1)

	srv := &http.Server{Addr: ":" + cfg.Port, Handler: r}
	go func() {
		<-ctx.Done()
		srv.Shutdown(context.Background())
	}()

	logger.Info("server starting", zap.String("port", cfg.Port))
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logger.Fatal("server failed", zap.Error(err))
	}
}
