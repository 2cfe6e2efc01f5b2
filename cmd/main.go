// Package main is the entry point for the Phoenix DR engine.
//
// "phoenix serve" wires together configuration, persistence, the artifact
// store, health probing, notifications and the HTTP API, and shuts them
// down gracefully on SIGINT/SIGTERM. "phoenix check-config" validates a
// configuration without starting anything.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/bigdegenenergy/open-cloud-ops/phoenix/api"
	"github.com/bigdegenenergy/open-cloud-ops/phoenix/internal/drconfig"
	"github.com/bigdegenenergy/open-cloud-ops/phoenix/internal/engine"
	"github.com/bigdegenenergy/open-cloud-ops/phoenix/internal/health"
	"github.com/bigdegenenergy/open-cloud-ops/phoenix/internal/logging"
	"github.com/bigdegenenergy/open-cloud-ops/phoenix/internal/metrics"
	"github.com/bigdegenenergy/open-cloud-ops/phoenix/internal/notify"
	"github.com/bigdegenenergy/open-cloud-ops/phoenix/pkg/config"
)

const shutdownTimeout = 30 * time.Second

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var configPath string
	root := &cobra.Command{
		Use:           "phoenix",
		Short:         "Phoenix - Open Cloud Ops disaster recovery engine",
		SilenceUsage:  true,
		SilenceErrors: false,
	}
	root.PersistentFlags().StringVar(&configPath, "config", "", "path to a YAML configuration file")

	root.AddCommand(&cobra.Command{
		Use:   "serve",
		Short: "Run the DR engine and its HTTP API",
		RunE: func(cmd *cobra.Command, args []string) error {
			return serve(configPath)
		},
	})
	root.AddCommand(&cobra.Command{
		Use:   "check-config",
		Short: "Validate the configuration and print a summary",
		RunE: func(cmd *cobra.Command, args []string) error {
			return checkConfig(cmd, configPath)
		},
	})
	return root
}

func loadConfig(path string) (*config.Config, error) {
	cfg, err := config.Load(path)
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func checkConfig(cmd *cobra.Command, path string) error {
	cfg, err := loadConfig(path)
	if err != nil {
		return err
	}
	if _, err := drconfig.New(cfg.DRConfig(), zap.NewNop()); err != nil {
		return err
	}
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "configuration OK\n")
	fmt.Fprintf(out, "  database:   %s %s\n", cfg.Database.Driver, maskDSN(cfg.Database.URL))
	fmt.Fprintf(out, "  storage:    %s\n", cfg.Storage.Backend)
	fmt.Fprintf(out, "  primary:    %s, failover: %v\n", cfg.DR.PrimaryRegion, cfg.DR.FailoverRegions)
	fmt.Fprintf(out, "  RPO/RTO:    %dm / %dm\n", cfg.DR.RPOMinutes, cfg.DR.RTOMinutes)
	fmt.Fprintf(out, "  strategies: %d, plans: %d\n", len(cfg.Strategies), len(cfg.Plans))
	return nil
}

func serve(configPath string) error {
	cfg, err := loadConfig(configPath)
	if err != nil {
		return err
	}

	logger, syncLogs, err := logging.New(cfg.Logging)
	if err != nil {
		return err
	}
	defer func() { _ = syncLogs() }()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	st, err := openStore(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer st.Close()

	arts, err := openArtifacts(ctx, cfg, logger)
	if err != nil {
		return err
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	httpClient := &http.Client{Timeout: 30 * time.Second}
	deps := engine.Deps{
		Store:      st,
		Artifacts:  arts,
		Probe:      health.NewHTTPProbe(cfg.Regions, httpClient),
		HTTPClient: httpClient,
		Metrics:    metrics.New(reg),
		Logger:     logger,
		Sinks:      map[string]notify.Sink{},
	}
	if cfg.Redis.Enabled {
		rdb, err := openRedis(ctx, cfg.Redis)
		if err != nil {
			return err
		}
		defer rdb.Close()
		deps.Window = health.NewRedisWindow(rdb, cfg.Redis.WindowPrefix)
		deps.Sinks["redis"] = notify.NewRedisSink(rdb, cfg.Redis.EventChannel)
		logger.Info("redis connected", zap.String("addr", cfg.Redis.Addr))
	}

	eng, err := engine.New(cfg, deps)
	if err != nil {
		return err
	}
	if err := eng.Start(ctx); err != nil {
		return err
	}

	if cfg.Logging.Level != "debug" {
		gin.SetMode(gin.ReleaseMode)
	}
	if cfg.APIKey == "" {
		logger.Warn("PHOENIX_API_KEY not set, management API is disabled")
	}
	router := api.NewRouter(api.NewHandler(eng, logger), api.RouterOptions{
		APIKey:         cfg.APIKey,
		AllowedOrigins: cfg.AllowedOrigins,
		Gatherer:       reg,
	})

	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      router,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: cfg.Restore.Timeout + time.Minute,
		IdleTimeout:  120 * time.Second,
	}

	serveErr := make(chan error, 1)
	go func() {
		logger.Info("phoenix is ready", zap.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutting down phoenix")
	case err := <-serveErr:
		if err != nil {
			logger.Error("http server failed", zap.Error(err))
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	var errList []error
	if err := srv.Shutdown(shutdownCtx); err != nil {
		errList = append(errList, fmt.Errorf("http shutdown: %w", err))
	}
	if err := eng.Shutdown(shutdownCtx); err != nil {
		errList = append(errList, err)
	}
	logger.Info("phoenix stopped")
	return errors.Join(errList...)
}
