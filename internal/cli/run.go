package cli

import (
	"fmt"
	"log/slog"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"github.com/logprism/logprism/internal/classify"
	"github.com/logprism/logprism/internal/etl"
	"github.com/logprism/logprism/internal/metrics"
	"github.com/logprism/logprism/internal/models"
	"github.com/logprism/logprism/internal/store"
)

func newRunCmd(configPath *string) *cobra.Command {
	var jobName string

	cmd := &cobra.Command{
		Use:   "run <batch-dir>",
		Short: "Process a batch of scenario log directories",
		Args:  cobra.ExactArgs(1),
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

			embedder := buildEmbedder(cfg.Embeddings)
			defer embedder.Close()
			cacheProvider := buildCache(cfg.Cache, logger)
			defer cacheProvider.Close()

			classifier := classify.New(embedder, cacheProvider, logger, classify.Options{
				Threshold: cfg.Engine.ClassifyThreshold,
				CacheTTL:  cfg.Cache.EmbeddingTTL,
			})
			coordinator := etl.NewCoordinator(cfg.Engine, store.NewRepository(db), classifier, cfg.Templates.Path, logger)

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			if jobName == "" {
				jobName = "batch-" + args[0]
			}
			job, err := coordinator.Run(ctx, jobName, args[0])
			if err != nil {
				return fmt.Errorf("job %d failed: %w", job.ID, err)
			}
			logger.Info("run finished",
				slog.Int64("job_id", job.ID),
				slog.String("status", string(job.Status)),
				slog.Int64("processed", job.RecordsProcessed),
				slog.Int64("loaded", job.RecordsLoaded),
				slog.Int64("errors", job.ErrorsCount),
			)
			if job.Status != models.JobCompleted {
				return fmt.Errorf("job %d ended in %s: %s", job.ID, job.Status, job.ErrorMessage)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&jobName, "job-name", "", "name recorded on the job row")
	return cmd
}
