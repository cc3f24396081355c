package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config captures the settings required to run the analysis engine.
type Config struct {
	Server     ServerConfig     `yaml:"server"`
	Database   DatabaseConfig   `yaml:"database"`
	Templates  TemplatesConfig  `yaml:"templates"`
	Embeddings EmbeddingsConfig `yaml:"embeddings"`
	Engine     EngineConfig     `yaml:"engine"`
	Logging    LoggingConfig    `yaml:"logging"`
	Cache      CacheConfig      `yaml:"cache"`
}

// ServerConfig controls the HTTP query listener.
type ServerConfig struct {
	Address         string        `yaml:"address"`
	MetricsAddress  string        `yaml:"metricsAddress"`
	GracefulTimeout time.Duration `yaml:"gracefulTimeout"`
}

// DatabaseConfig locates the SQLite store.
type DatabaseConfig struct {
	Path string `yaml:"path"`
}

// TemplatesConfig locates the problem and anomaly template catalog.
type TemplatesConfig struct {
	Path string `yaml:"path"`
}

// EmbeddingsConfig selects and configures the embedding backend.
type EmbeddingsConfig struct {
	// Backend is "http" for an OpenAI-compatible embeddings endpoint or
	// "hashing" for the local feature-hashing fallback.
	Backend string        `yaml:"backend"`
	BaseURL string        `yaml:"baseURL"`
	Path    string        `yaml:"path"`
	Model   string        `yaml:"model"`
	Dim     int           `yaml:"dim"`
	Timeout time.Duration `yaml:"timeout"`
}

// EngineConfig tunes classification, correlation, and prediction.
type EngineConfig struct {
	// Window is the correlation and prediction window W.
	Window time.Duration `yaml:"window"`
	// ClassifyThreshold is the minimum cosine similarity for a match.
	ClassifyThreshold float64 `yaml:"classifyThreshold"`
	// Alpha weighs historical confidence against time proximity when the
	// correlator ranks candidate precursors.
	Alpha         float64 `yaml:"alpha"`
	ErrorWeight   float64 `yaml:"errorWeight"`
	WarningWeight float64 `yaml:"warningWeight"`
	// EmitUnmatched emits incidents for errors with no precursor warning.
	EmitUnmatched bool `yaml:"emitUnmatched"`
	// ConfidenceThreshold and MinSupport gate predictive alert emission.
	ConfidenceThreshold float64 `yaml:"confidenceThreshold"`
	MinSupport          int64   `yaml:"minSupport"`
	// Workers bounds concurrent scenario partitions.
	Workers int `yaml:"workers"`
	// SkipInfo drops INFO and DEBUG entries at parse time.
	SkipInfo bool `yaml:"skipInfo"`
}

// LoggingConfig controls structured logging.
type LoggingConfig struct {
	Level string `yaml:"level"`
	JSON  bool   `yaml:"json"`
}

// CacheConfig controls Valkey-backed caching of embeddings.
type CacheConfig struct {
	Enabled      bool          `yaml:"enabled"`
	Addr         string        `yaml:"addr"`
	Username     string        `yaml:"username"`
	Password     string        `yaml:"password"`
	DB           int           `yaml:"db"`
	DialTimeout  time.Duration `yaml:"dialTimeout"`
	ReadTimeout  time.Duration `yaml:"readTimeout"`
	WriteTimeout time.Duration `yaml:"writeTimeout"`
	MaxRetries   int           `yaml:"maxRetries"`
	EmbeddingTTL time.Duration `yaml:"embeddingTTL"`
}

// Load initialises Config from a YAML file and optional environment overrides.
func Load(path string) (*Config, error) {
	if path == "" {
		path = os.Getenv("LOGPRISM_CONFIG")
	}

	cfg := defaultConfig()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return nil, fmt.Errorf("config file %s not found: %w", path, err)
			}
			return nil, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	}

	applyEnvOverrides(&cfg)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate rejects configurations the engine cannot run with.
func (c *Config) Validate() error {
	if c.Engine.Window <= 0 {
		return fmt.Errorf("engine.window must be positive, got %s", c.Engine.Window)
	}
	if c.Engine.ClassifyThreshold <= 0 || c.Engine.ClassifyThreshold > 1 {
		return fmt.Errorf("engine.classifyThreshold must be in (0,1], got %g", c.Engine.ClassifyThreshold)
	}
	if c.Engine.Alpha < 0 || c.Engine.Alpha > 1 {
		return fmt.Errorf("engine.alpha must be in [0,1], got %g", c.Engine.Alpha)
	}
	if c.Engine.ConfidenceThreshold <= 0 || c.Engine.ConfidenceThreshold > 1 {
		return fmt.Errorf("engine.confidenceThreshold must be in (0,1], got %g", c.Engine.ConfidenceThreshold)
	}
	if c.Engine.MinSupport < 0 {
		return fmt.Errorf("engine.minSupport must be non-negative, got %d", c.Engine.MinSupport)
	}
	if c.Engine.Workers <= 0 {
		return fmt.Errorf("engine.workers must be positive, got %d", c.Engine.Workers)
	}
	if c.Database.Path == "" {
		return errors.New("database.path must be set")
	}
	switch c.Embeddings.Backend {
	case "http":
		if c.Embeddings.BaseURL == "" {
			return errors.New("embeddings.baseURL must be set for the http backend")
		}
	case "hashing":
	default:
		return fmt.Errorf("embeddings.backend must be \"http\" or \"hashing\", got %q", c.Embeddings.Backend)
	}
	return nil
}

func defaultConfig() Config {
	return Config{
		Server: ServerConfig{
			Address:         ":8080",
			MetricsAddress:  ":2112",
			GracefulTimeout: 10 * time.Second,
		},
		Database:  DatabaseConfig{Path: "data/logprism.db"},
		Templates: TemplatesConfig{Path: "configs/templates.csv"},
		Embeddings: EmbeddingsConfig{
			Backend: "hashing",
			Path:    "/v1/embeddings",
			Model:   "feature-hashing-v1",
			Dim:     256,
			Timeout: 10 * time.Second,
		},
		Engine: EngineConfig{
			Window:              5 * time.Minute,
			ClassifyThreshold:   0.75,
			Alpha:               0.6,
			ErrorWeight:         0.5,
			WarningWeight:       0.5,
			EmitUnmatched:       false,
			ConfidenceThreshold: 0.6,
			MinSupport:          5,
			Workers:             4,
			SkipInfo:            false,
		},
		Logging: LoggingConfig{Level: "info", JSON: false},
		Cache: CacheConfig{
			Enabled:      false,
			DialTimeout:  2 * time.Second,
			ReadTimeout:  500 * time.Millisecond,
			WriteTimeout: 500 * time.Millisecond,
			MaxRetries:   2,
			EmbeddingTTL: 10 * time.Minute,
		},
	}
}

func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("LOGPRISM_SERVER_ADDRESS"); v != "" {
		cfg.Server.Address = v
	}
	if v := os.Getenv("LOGPRISM_METRICS_ADDRESS"); v != "" {
		cfg.Server.MetricsAddress = v
	}
	if v := os.Getenv("LOGPRISM_DB_PATH"); v != "" {
		cfg.Database.Path = v
	}
	if v := os.Getenv("LOGPRISM_TEMPLATES_PATH"); v != "" {
		cfg.Templates.Path = v
	}
	if v := os.Getenv("LOGPRISM_EMBEDDINGS_BACKEND"); v != "" {
		cfg.Embeddings.Backend = v
	}
	if v := os.Getenv("LOGPRISM_EMBEDDINGS_BASE_URL"); v != "" {
		cfg.Embeddings.BaseURL = v
	}
	if v := os.Getenv("LOGPRISM_EMBEDDINGS_MODEL"); v != "" {
		cfg.Embeddings.Model = v
	}
	if v := os.Getenv("LOGPRISM_EMBEDDINGS_DIM"); v != "" {
		if dim, err := strconv.Atoi(v); err == nil {
			cfg.Embeddings.Dim = dim
		}
	}
	if v := os.Getenv("LOGPRISM_WINDOW"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Engine.Window = d
		}
	}
	if v := os.Getenv("LOGPRISM_CLASSIFY_THRESHOLD"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			cfg.Engine.ClassifyThreshold = f
		}
	}
	if v := os.Getenv("LOGPRISM_CONFIDENCE_THRESHOLD"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			cfg.Engine.ConfidenceThreshold = f
		}
	}
	if v := os.Getenv("LOGPRISM_MIN_SUPPORT"); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			cfg.Engine.MinSupport = n
		}
	}
	if v := os.Getenv("LOGPRISM_WORKERS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Engine.Workers = n
		}
	}
	if v := os.Getenv("LOGPRISM_EMIT_UNMATCHED"); v != "" {
		cfg.Engine.EmitUnmatched = strings.EqualFold(v, "true") || v == "1"
	}
	if v := os.Getenv("LOGPRISM_SKIP_INFO"); v != "" {
		cfg.Engine.SkipInfo = strings.EqualFold(v, "true") || v == "1"
	}
	if v := os.Getenv("LOGPRISM_LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}
	if v := os.Getenv("LOGPRISM_LOG_FORMAT"); v == "json" {
		cfg.Logging.JSON = true
	}
	if v := os.Getenv("LOGPRISM_CACHE_ENABLED"); v != "" {
		cfg.Cache.Enabled = strings.EqualFold(v, "true") || v == "1"
	}
	if v := os.Getenv("LOGPRISM_CACHE_ADDR"); v != "" {
		cfg.Cache.Addr = v
	}
	if v := os.Getenv("LOGPRISM_CACHE_USERNAME"); v != "" {
		cfg.Cache.Username = v
	}
	if v := os.Getenv("LOGPRISM_CACHE_PASSWORD"); v != "" {
		cfg.Cache.Password = v
	}
	if v := os.Getenv("LOGPRISM_CACHE_DB"); v != "" {
		if db, err := strconv.Atoi(v); err == nil {
			cfg.Cache.DB = db
		}
	}
	if v := os.Getenv("LOGPRISM_CACHE_EMBEDDING_TTL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Cache.EmbeddingTTL = d
		}
	}
}
