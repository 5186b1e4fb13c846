package main

import (
	"context"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"fetchq/internal/artifact"
	"fetchq/internal/config"
	"fetchq/internal/extractor"
	"fetchq/internal/handler"
	"fetchq/internal/logger"
	"fetchq/internal/metrics"
	"fetchq/internal/muxer"
	"fetchq/internal/registry"
	"fetchq/internal/runner"
	"fetchq/internal/service"
	"fetchq/internal/sweeper"

	"golang.org/x/time/rate"
)

func main() {
	envFile := flag.String("env", "", "path to optional .env file")
	flag.Parse()

	cfg, err := config.Load(*envFile)
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	log := logger.New(logger.Config{
		Level:  logLevel(cfg.LogLevel),
		Format: cfg.LogFormat,
	})

	if err := os.MkdirAll(cfg.WorkDir, 0o755); err != nil {
		log.Error("failed to create work dir", "error", err)
		os.Exit(1)
	}

	// Registry: in-memory by default, SQLite when a DB path is configured.
	var reg registry.JobRegistry
	var sqliteReg *registry.SQLiteRegistry
	if cfg.DBPath != "" {
		sqliteReg, err = registry.NewSQLiteRegistry(cfg.DBPath)
		if err != nil {
			log.Error("failed to initialize registry", "error", err)
			os.Exit(1)
		}
		reg = sqliteReg
	} else {
		reg = registry.NewMemoryRegistry()
	}
	defer reg.Close()

	store, err := artifact.NewStore(cfg.DataDir, artifact.Policy(cfg.Retention), cfg.ArtifactTTL, cfg.FetchGrace, log)
	if err != nil {
		log.Error("failed to initialize artifact store", "error", err)
		os.Exit(1)
	}

	// Jobs that survived a restart reference blobs the fresh store purged;
	// tombstone their ids so fetches report them gone rather than unknown.
	if sqliteReg != nil {
		ids, err := sqliteReg.FinishedArtifactIDs(context.Background())
		if err != nil {
			log.Error("failed to list prior artifact ids", "error", err)
			os.Exit(1)
		}
		for _, id := range ids {
			store.Tombstone(id)
		}
	}

	// Cookie data is opaque pass-through from the environment to yt-dlp.
	cookieFile, err := extractor.CookieFileFromEnv(config.EnvCookies, cfg.DataDir)
	if err != nil {
		log.Error("failed to write cookie file", "error", err)
		os.Exit(1)
	}

	ext := extractor.NewYtdlpExtractor(cfg.YtdlpPath, cookieFile, log)
	mux := muxer.NewFFmpegMuxer(cfg.FfmpegPath)
	if !mux.Available() {
		log.Warn("ffmpeg not found, dual-stream jobs will fail", "path", mux.Path)
	}

	metricsInstance := metrics.NewMetrics()
	run := runner.New(reg, store, ext, mux, metricsInstance, log, cfg.WorkDir)
	limiter := rate.NewLimiter(rate.Limit(cfg.RatePerSecond), cfg.Burst)
	jobService := service.NewJobService(reg, run, limiter, metricsInstance)
	jobHandler := handler.NewJobHandler(jobService, store, metricsInstance, log)

	sweepCtx, stopSweeper := context.WithCancel(context.Background())
	sw := sweeper.New(reg, store, metricsInstance, log, cfg.SweepInterval, cfg.StallTimeout, cfg.JobRetention)
	go sw.Run(sweepCtx)

	server := &http.Server{
		Addr:    ":" + cfg.Port,
		Handler: jobHandler.Routes(),
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	go func() {
		log.Info("API server starting", "port", cfg.Port, "retention", cfg.Retention)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error("server error", "error", err)
			os.Exit(1)
		}
	}()

	<-sigChan
	log.Info("shutting down server")
	stopSweeper()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error("error shutting down server", "error", err)
	}

	log.Info("waiting for in-flight jobs")
	run.Wait()
	log.Info("server stopped")
}

func logLevel(level string) slog.Level {
	switch level {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
