package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap/zapcore"

	"github.com/uhyunpark/swapflow/params"
	"github.com/uhyunpark/swapflow/pkg/api"
	"github.com/uhyunpark/swapflow/pkg/order"
	"github.com/uhyunpark/swapflow/pkg/pipeline"
	"github.com/uhyunpark/swapflow/pkg/queue"
	"github.com/uhyunpark/swapflow/pkg/util"
	"github.com/uhyunpark/swapflow/pkg/venue"
)

func main() {
	// Load config from .env file and environment variables
	cfg := params.LoadFromEnv("") // "" means load from .env in current directory

	// Setup logging (write to both console and file)
	level := zapcore.InfoLevel
	if os.Getenv("VERBOSE") == "true" {
		level = zapcore.DebugLevel
	}
	logger, err := util.NewLoggerWithFile(cfg.Server.LogFile, level)
	if err != nil {
		log.Fatalf("logger: %v", err)
	}
	defer logger.Sync()
	sugar := logger.Sugar()
	sugar.Infow("logger_initialized", "log_file", cfg.Server.LogFile)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// ---- Order registry ----
	store := order.NewStore()

	// ---- Submission queue (pebble-backed, at-least-once) ----
	journal, err := queue.OpenJournal(cfg.Queue.JournalPath)
	if err != nil {
		sugar.Fatalw("journal_open_failed", "path", cfg.Queue.JournalPath, "err", err)
	}
	defer journal.Close()

	q := queue.New(queue.Config{
		Attempts:     cfg.Queue.Attempts,
		BackoffBase:  cfg.Queue.BackoffBase,
		Concurrency:  cfg.Queue.Concurrency,
		DispatchRate: cfg.Queue.DispatchRate,
	}, journal, util.RealClock{}, sugar)

	recovered, err := q.Recover()
	if err != nil {
		sugar.Fatalw("journal_recover_failed", "err", err)
	}
	if recovered > 0 {
		sugar.Infow("jobs_recovered", "count", recovered)
	}

	// ---- Simulated venues ----
	simCfg := venue.SimConfig{
		Spread:         cfg.Sim.Spread,
		QuoteLatency:   cfg.Sim.QuoteLatency,
		ExecMinLatency: cfg.Sim.ExecMinLatency,
		ExecMaxLatency: cfg.Sim.ExecMaxLatency,
	}
	venueA := venue.NewSimulated("venueA", simCfg, util.RealClock{})
	venueB := venue.NewSimulated("venueB", simCfg, util.RealClock{})

	// ---- API server + notification hub ----
	hub := api.NewHub(store, sugar)
	apiServer := api.NewServer(store, q, hub, sugar)

	// ---- Pipeline executor ----
	exec := pipeline.NewExecutor(store, venueA, venueB, hub, sugar)

	go q.Consume(ctx, exec.Process)

	go func() {
		if err := apiServer.Start(cfg.Server.Addr); err != nil {
			sugar.Fatalw("api_server_failed", "err", err)
		}
	}()

	sugar.Infow("swapd_started",
		"addr", cfg.Server.Addr,
		"queue_attempts", cfg.Queue.Attempts,
		"queue_concurrency", cfg.Queue.Concurrency,
		"dispatch_rate", cfg.Queue.DispatchRate)

	<-ctx.Done()
	sugar.Info("shutting down")
}
