package cli

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/logprism/logprism/internal/api"
	"github.com/logprism/logprism/internal/metrics"
	"github.com/logprism/logprism/internal/store"
)

func newServeCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Serve the read-only query API over processed results",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := loadEnvironment(*configPath)
			if err != nil {
				return err
			}
			if err := metrics.Register(prometheus.DefaultRegisterer); err != nil {
				return fmt.Errorf("register metrics: %w", err)
			}

			db, err := store.Open(cfg.Database.Path)
			if err != nil {
				return fmt.Errorf("open database: %w", err)
			}
			defer db.Close()
			if err := store.Migrate(db); err != nil {
				return fmt.Errorf("migrate database: %w", err)
			}

			handlers := api.NewHandlers(store.NewRepository(db), cfg.Engine.Window, logger)
			server, err := api.NewServer(cfg.Server, handlers)
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			var metricsServer *http.Server
			if cfg.Server.MetricsAddress != "" {
				mux := http.NewServeMux()
				mux.Handle("/metrics", promhttp.Handler())
				metricsServer = &http.Server{
					Addr:         cfg.Server.MetricsAddress,
					Handler:      mux,
					ReadTimeout:  5 * time.Second,
					WriteTimeout: 15 * time.Second,
				}
				go func() {
					logger.Info("metrics server listening", slog.String("address", cfg.Server.MetricsAddress))
					if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
						logger.Error("metrics server exited", slog.Any("error", err))
						stop()
					}
				}()
			}

			go func() {
				logger.Info("query server listening", slog.String("address", server.Address()))
				if serveErr := server.Start(); serveErr != nil {
					logger.Error("query server exited", slog.Any("error", serveErr))
					stop()
				}
			}()

			<-ctx.Done()
			logger.Info("shutdown signal received")

			shutdownCtx, cancel := context.WithTimeout(context.Background(), server.GracefulTimeout())
			defer cancel()
			server.Shutdown(shutdownCtx)

			if metricsServer != nil {
				metricsCtx, cancelMetrics := context.WithTimeout(context.Background(), 5*time.Second)
				if err := metricsServer.Shutdown(metricsCtx); err != nil && !errors.Is(err, http.ErrServerClosed) {
					logger.Warn("metrics server shutdown", slog.Any("error", err))
				}
				cancelMetrics()
			}

			logger.Info("logprism stopped")
			return nil
		},
	}
}
