package cli

import (
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/logprism/logprism/internal/cache"
	"github.com/logprism/logprism/internal/config"
	"github.com/logprism/logprism/internal/embed"
	"github.com/logprism/logprism/internal/utils"
)

// NewRootCmd builds the logprism command tree.
func NewRootCmd() *cobra.Command {
	var configPath string

	root := &cobra.Command{
		Use:           "logprism",
		Short:         "Log classification, correlation, and predictive-alert engine",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&configPath, "config", "", "path to configuration file")

	root.AddCommand(newRunCmd(&configPath))
	root.AddCommand(newServeCmd(&configPath))
	return root
}

// loadEnvironment resolves config and logger, shared by all subcommands.
func loadEnvironment(configPath string) (*config.Config, *slog.Logger, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, nil, utils.NewAppError("load config", configPath, err)
	}
	logger := utils.NewLogger(cfg.Logging.Level, cfg.Logging.JSON)
	slog.SetDefault(logger)
	return cfg, logger, nil
}

func buildEmbedder(cfg config.EmbeddingsConfig) embed.Embedder {
	if cfg.Backend == "http" {
		return embed.NewHTTPEmbedder(cfg.BaseURL, cfg.Path, cfg.Model, cfg.Dim, cfg.Timeout)
	}
	return embed.NewHashingEmbedder(cfg.Dim)
}

// buildCache returns the configured provider, falling back to the no-op
// provider when the cache is disabled or unreachable.
func buildCache(cfg config.CacheConfig, logger *slog.Logger) cache.Provider {
	if !cfg.Enabled || cfg.Addr == "" {
		return cache.NoopProvider{}
	}
	provider, err := cache.NewValkeyProvider(cache.ValkeyConfig{
		Addr:         cfg.Addr,
		Username:     cfg.Username,
		Password:     cfg.Password,
		DB:           cfg.DB,
		DialTimeout:  cfg.DialTimeout,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		MaxRetries:   cfg.MaxRetries,
	})
	if err != nil {
		logger.Warn("valkey cache unavailable", slog.Any("error", err))
		return cache.NoopProvider{}
	}
	return provider
}
