package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-kit/log/level"
	dslog "github.com/grafana/dskit/log"
	"github.com/prometheus/client_golang/prometheus"
	ver "github.com/prometheus/client_golang/prometheus/collectors/version"
	"github.com/prometheus/common/version"

	"github.com/wikipath/wikipath/cmd/wikipath/app"
	util_log "github.com/wikipath/wikipath/pkg/util/log"
)

const appName = "wikipath"

// Version is set via build flag -ldflags -X main.Version
var (
	Version  string
	Branch   string
	Revision string
)

func init() {
	version.Version = Version
	version.Branch = Branch
	version.Revision = Revision

	prometheus.MustRegister(ver.NewCollector(appName))
}

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := loadConfig()
	if err != nil {
		return fmt.Errorf("failed parsing config: %w", err)
	}

	var logLevel dslog.Level
	if err := logLevel.Set(cfg.LogLevel); err != nil {
		return fmt.Errorf("invalid log_level: %w", err)
	}
	logger := util_log.InitLogger("logfmt", logLevel)

	a, err := app.New(app.Config{
		RedisURL:          cfg.RedisURL,
		HTTPListenAddress: cfg.HTTPListenAddress,
		MaxSearchDepth:    cfg.MaxSearchDepth,
		BFSBatchSize:      cfg.BFSBatchSize,
		Wikipedia:         cfg.WikipediaClientConfig(),
		Worker:            cfg.WorkerConfig(),
	}, logger)
	if err != nil {
		return fmt.Errorf("failed to assemble application: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := a.StartBackground(ctx); err != nil {
		return fmt.Errorf("failed to start background services: %w", err)
	}

	server := &http.Server{
		Addr:    cfg.HTTPListenAddress,
		Handler: a.Handler(),
	}

	done := make(chan bool, 1)
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		<-quit
		level.Info(logger).Log("msg", "shutting down...")

		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer shutdownCancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			level.Error(logger).Log("msg", "error during http shutdown", "err", err)
		}

		cancel()
		a.Shutdown(shutdownCtx)
		done <- true
	}()

	level.Info(logger).Log("msg", "server listening", "addr", cfg.HTTPListenAddress,
		"workers", cfg.WorkerConcurrency, "max_depth", cfg.MaxSearchDepth)
	if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("server error: %w", err)
	}

	<-done
	level.Info(logger).Log("msg", "server stopped")
	return nil
}
