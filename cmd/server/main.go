// Package main is the entry point for the InsiderScope platform: it serves
// the HTTP API and runs the background workers that ingest SEC Form 4
// filings, enrich them with market data, and judge them with the AI model.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/aristath/insiderscope/internal/ai"
	"github.com/aristath/insiderscope/internal/auth"
	"github.com/aristath/insiderscope/internal/clients/eodhd"
	"github.com/aristath/insiderscope/internal/config"
	"github.com/aristath/insiderscope/internal/database"
	"github.com/aristath/insiderscope/internal/queue"
	"github.com/aristath/insiderscope/internal/sec"
	"github.com/aristath/insiderscope/internal/server"
	"github.com/aristath/insiderscope/internal/worker"
	"github.com/aristath/insiderscope/pkg/logger"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		// Use a fallback logger so the configuration error is still visible.
		fallbackLog := logger.New(logger.Config{Level: "info", Pretty: true})
		fallbackLog.Fatal().Err(err).Msg("Failed to load configuration")
	}

	log := logger.New(logger.Config{
		Level:  cfg.LogLevel,
		Pretty: cfg.DevMode,
	})
	logger.SetGlobalLogger(log)

	log.Info().
		Str("db_path", cfg.DBPath).
		Int("port", cfg.Port).
		Bool("dev_mode", cfg.DevMode).
		Msg("Starting InsiderScope")

	db, err := database.New(database.Config{Path: cfg.DBPath, Name: "main"})
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to open database")
	}
	defer db.Close()

	if err := db.Migrate(); err != nil {
		log.Fatal().Err(err).Msg("Failed to migrate database")
	}

	if created, err := auth.BootstrapAdmin(db.Conn(), cfg); err != nil {
		log.Fatal().Err(err).Msg("Failed to bootstrap admin user")
	} else if created != nil {
		log.Info().Str("username", created.Username).Msg("Bootstrapped initial admin user")
	}

	secClient := sec.NewClient(cfg.SECUserAgent, cfg.SECMinIntervalSeconds, log)
	eodhdClient := eodhd.New(cfg.EODHDBaseURL, cfg.EODHDAPIKey, log)

	var judge *ai.Judge
	if cfg.GeminiAPIKey != "" {
		gen := ai.NewGeminiClient(cfg.GeminiAPIKey, cfg.GeminiModel, log)
		judge = ai.NewJudge(cfg, gen, log)
	} else {
		log.Warn().Msg("GEMINI_API_KEY not set, AI judging disabled")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	workerCount := cfg.WorkerCount
	if workerCount < 1 {
		workerCount = 1
	}
	for i := 0; i < workerCount; i++ {
		opts := worker.Options{
			SEC:   secClient,
			EODHD: eodhdClient,
			Judge: judge,
		}
		// Only the first worker drives the current-filings poller.
		if i == 0 {
			opts.Poller = sec.NewPoller(secClient, cfg, log)
		}
		go worker.New(db, cfg, opts, log).Run(ctx)
	}
	log.Info().Int("workers", workerCount).Msg("Workers started")

	// The benchmark series feeds excess-return outcomes; refresh it daily so
	// new trading days become available without an admin kick.
	cr := cron.New()
	_, err = cr.AddFunc("@daily", func() {
		err := queue.Enqueue(db.Conn(), queue.JobTypeFetchBenchmark,
			fmt.Sprintf("BENCH_PRICES|%s", cfg.BenchmarkSymbol),
			map[string]interface{}{"symbol": cfg.BenchmarkSymbol},
			queue.EnqueueOptions{Priority: 1, RequeueIfExists: true})
		if err != nil {
			log.Error().Err(err).Msg("Failed to enqueue benchmark refresh")
		}
	})
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to schedule benchmark refresh")
	}
	cr.Start()
	defer cr.Stop()

	srv := server.New(server.Config{
		Log:     log,
		DB:      db,
		Config:  cfg,
		Port:    cfg.Port,
		DevMode: cfg.DevMode,
	})

	serverErr := make(chan error, 1)
	go func() {
		if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	select {
	case <-ctx.Done():
		log.Info().Msg("Shutdown signal received")
	case err := <-serverErr:
		log.Error().Err(err).Msg("HTTP server failed")
		stop()
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("Shutdown did not complete cleanly")
	}
}
