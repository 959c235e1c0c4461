package cmd

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/veilcrawl/veilcrawl/internal/api"
	"github.com/veilcrawl/veilcrawl/internal/clock/system"
	"github.com/veilcrawl/veilcrawl/internal/config"
	"github.com/veilcrawl/veilcrawl/internal/detect"
	"github.com/veilcrawl/veilcrawl/internal/fetcher/httpclient"
	"github.com/veilcrawl/veilcrawl/internal/logging"
	"github.com/veilcrawl/veilcrawl/internal/orchestrator"
	"github.com/veilcrawl/veilcrawl/internal/pacer"
	"github.com/veilcrawl/veilcrawl/internal/proxy"
	"github.com/veilcrawl/veilcrawl/internal/ratelimit"
	"github.com/veilcrawl/veilcrawl/internal/snapshot"
	"github.com/veilcrawl/veilcrawl/internal/store"
)

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the governance service",
		Long: `Starts the HTTP service: session and fetch endpoints under /v1,
health probes, and Prometheus metrics. Shuts down gracefully on
SIGINT/SIGTERM, writing a final state snapshot when persistence is
enabled.`,
		RunE: runServe,
	}
}

func runServe(cmd *cobra.Command, _ []string) error {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	logger, err := logging.New(cfg.Logging)
	if err != nil {
		return fmt.Errorf("init logger: %w", err)
	}
	defer func() { _ = logger.Sync() }()
	zap.ReplaceGlobals(logger)

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	presets := cfg.TargetPresets()
	clk := system.New()

	limiter, err := ratelimit.New(cfg.RateLimit, clk, logger.Named("ratelimit"))
	if err != nil {
		return fmt.Errorf("init rate limiter: %w", err)
	}

	var pool *proxy.Pool
	if len(cfg.Proxy.Endpoints) > 0 {
		pool, err = proxy.New(cfg.Proxy, presets, clk, logger.Named("proxy"))
		if err != nil {
			return fmt.Errorf("init proxy pool: %w", err)
		}
		pool.Start(ctx)
	} else {
		logger.Warn("no proxy endpoints configured; running proxyless")
	}

	orch, err := orchestrator.New(cfg.Orchestrator, orchestrator.Deps{
		Limiter: limiter,
		Pool:    pool,
		Pacer:   pacer.New(cfg.Pacer, clk, logger.Named("pacer")),
		Fetcher: httpclient.New(cfg.Fetch),
		Scanner: detect.New(cfg.Detect),
		Presets: presets,
		Clock:   clk,
		Log:     logger.Named("orchestrator"),
	})
	if err != nil {
		return fmt.Errorf("init orchestrator: %w", err)
	}
	defer orch.Close()

	if cfg.Snapshot.Enabled {
		st, err := store.Open(cfg.Snapshot.Path, logger.Named("store"))
		if err != nil {
			return fmt.Errorf("open snapshot store: %w", err)
		}
		defer func() { _ = st.Close() }()

		schedCfg := snapshot.DefaultConfig()
		if cfg.Snapshot.Schedule != "" {
			schedCfg.Schedule = cfg.Snapshot.Schedule
		}
		sched := snapshot.New(schedCfg, st, pool, limiter, logger.Named("snapshot"))
		if err := sched.Restore(ctx); err != nil {
			logger.Warn("snapshot restore failed", zap.Error(err))
		}
		if err := sched.Start(); err != nil {
			return fmt.Errorf("start snapshot scheduler: %w", err)
		}
		defer sched.Stop()
	}

	apiServer := api.NewServer(orch, logger.Named("api"))
	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:           apiServer.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		logger.Info("http server started", zap.Int("port", cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server error", zap.Error(err))
			stop()
		}
	}()

	<-ctx.Done()
	logger.Info("shutdown initiated")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown error", zap.Error(err))
	}
	logger.Info("shutdown complete")
	return nil
}
