package config

import (
	"errors"
	"fmt"
	"io/fs"
	"strings"

	"github.com/joho/godotenv"
	"github.com/rotisserie/eris"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Config holds the full application configuration.
type Config struct {
	Store      StoreConfig      `yaml:"store" mapstructure:"store"`
	Log        LogConfig        `yaml:"log" mapstructure:"log"`
	Scoring    ScoringConfig    `yaml:"scoring" mapstructure:"scoring"`
	Aggregator AggregatorConfig `yaml:"aggregator" mapstructure:"aggregator"`
	Report     ReportConfig     `yaml:"report" mapstructure:"report"`
	Server     ServerConfig     `yaml:"server" mapstructure:"server"`
	Sources    []SourceConfig   `yaml:"sources" mapstructure:"sources"`
}

// StoreConfig configures the database backend.
type StoreConfig struct {
	Driver      string `yaml:"driver" mapstructure:"driver"`
	DatabaseURL string `yaml:"database_url" mapstructure:"database_url"`
	MaxConns    int32  `yaml:"max_conns" mapstructure:"max_conns"`
	MinConns    int32  `yaml:"min_conns" mapstructure:"min_conns"`
}

// LogConfig configures logging.
type LogConfig struct {
	Level  string `yaml:"level" mapstructure:"level"`
	Format string `yaml:"format" mapstructure:"format"`
}

// ScoringConfig points at an optional override of the embedded scoring tables.
type ScoringConfig struct {
	TablesPath string `yaml:"tables_path" mapstructure:"tables_path"`
}

// AggregatorConfig tunes a discovery run.
type AggregatorConfig struct {
	Concurrency            int `yaml:"concurrency" mapstructure:"concurrency"`
	PersistRetries         int `yaml:"persist_retries" mapstructure:"persist_retries"`
	PersistBackoffMs       int `yaml:"persist_backoff_ms" mapstructure:"persist_backoff_ms"`
	NearDuplicateDistance  int `yaml:"near_duplicate_distance" mapstructure:"near_duplicate_distance"`
	SourceFailureThreshold int `yaml:"source_failure_threshold" mapstructure:"source_failure_threshold"`
	SourceResetSecs        int `yaml:"source_reset_secs" mapstructure:"source_reset_secs"`
}

// ReportConfig holds defaults for the top and recent views.
type ReportConfig struct {
	MinScore   float64 `yaml:"min_score" mapstructure:"min_score"`
	Limit      int     `yaml:"limit" mapstructure:"limit"`
	RecentDays int     `yaml:"recent_days" mapstructure:"recent_days"`
}

// ServerConfig configures the read-only HTTP API.
type ServerConfig struct {
	Port        int      `yaml:"port" mapstructure:"port"`
	CORSOrigins []string `yaml:"cors_origins" mapstructure:"cors_origins"`
}

// SourceConfig declares one discovery source.
type SourceConfig struct {
	Name        string            `yaml:"name" mapstructure:"name"`
	Description string            `yaml:"description" mapstructure:"description"`
	Type        string            `yaml:"type" mapstructure:"type"`
	Path        string            `yaml:"path" mapstructure:"path"`
	URL         string            `yaml:"url" mapstructure:"url"`
	Format      string            `yaml:"format" mapstructure:"format"`
	Sheet       string            `yaml:"sheet" mapstructure:"sheet"`
	Headers     map[string]string `yaml:"headers" mapstructure:"headers"`
	RatePerSec  float64           `yaml:"rate_per_sec" mapstructure:"rate_per_sec"`
	TimeoutSecs int               `yaml:"timeout_secs" mapstructure:"timeout_secs"`
	MaxPages    int               `yaml:"max_pages" mapstructure:"max_pages"`
	Enabled     *bool             `yaml:"enabled" mapstructure:"enabled"`
}

// IsEnabled reports whether the source should be registered. Sources are
// enabled unless explicitly switched off.
func (s SourceConfig) IsEnabled() bool {
	return s.Enabled == nil || *s.Enabled
}

// Load reads configuration from .env, the config file, and the environment.
func Load() (*Config, error) {
	// .env is optional; real environment variables win over it.
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, eris.Wrap(err, "config: load .env")
	}

	v := viper.New()

	// Config file
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")

	// Environment
	v.SetEnvPrefix("DIAMOND")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Defaults
	v.SetDefault("store.driver", "sqlite")
	v.SetDefault("store.database_url", "data/diamonds.db")
	v.SetDefault("store.max_conns", 10)
	v.SetDefault("store.min_conns", 1)
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
	v.SetDefault("scoring.tables_path", "")
	v.SetDefault("aggregator.concurrency", 4)
	v.SetDefault("aggregator.persist_retries", 3)
	v.SetDefault("aggregator.persist_backoff_ms", 100)
	v.SetDefault("aggregator.near_duplicate_distance", 2)
	v.SetDefault("aggregator.source_failure_threshold", 3)
	v.SetDefault("aggregator.source_reset_secs", 3600)
	v.SetDefault("report.min_score", 80.0)
	v.SetDefault("report.limit", 10)
	v.SetDefault("report.recent_days", 1)
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.cors_origins", []string{"*"})

	// Read config file (optional)
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, eris.Wrap(err, "config: read file")
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, eris.Wrap(err, "config: unmarshal")
	}

	return &cfg, nil
}

// Validate checks the fields a command mode depends on.
func (c *Config) Validate(mode string) error {
	var problems []string

	if c.Aggregator.Concurrency < 1 || c.Aggregator.Concurrency > 64 {
		problems = append(problems, "aggregator.concurrency must be between 1 and 64")
	}
	if c.Report.MinScore < 0 || c.Report.MinScore > 100 {
		problems = append(problems, "report.min_score must be between 0 and 100")
	}

	switch mode {
	case "run":
		switch c.Store.Driver {
		case "sqlite", "postgres":
		default:
			problems = append(problems, "store.driver must be sqlite or postgres")
		}
		if c.Store.DatabaseURL == "" {
			problems = append(problems, "store.database_url is required")
		}
		if c.Aggregator.PersistRetries < 1 {
			problems = append(problems, "aggregator.persist_retries must be >= 1")
		}
		seen := make(map[string]bool, len(c.Sources))
		for i, s := range c.Sources {
			if s.Name == "" {
				problems = append(problems, fmt.Sprintf("sources[%d].name is required", i))
				continue
			}
			if seen[s.Name] {
				problems = append(problems, "sources: duplicate name "+s.Name)
			}
			seen[s.Name] = true
		}
	case "report":
		if c.Store.DatabaseURL == "" {
			problems = append(problems, "store.database_url is required")
		}
	case "serve":
		if c.Server.Port <= 0 {
			problems = append(problems, "server.port must be > 0")
		}
		if c.Store.DatabaseURL == "" {
			problems = append(problems, "store.database_url is required")
		}
	default:
		return eris.Errorf("config: unknown mode %q", mode)
	}

	if len(problems) > 0 {
		return eris.Errorf("config: %s", strings.Join(problems, "; "))
	}
	return nil
}

// InitLogger initializes the global zap logger.
func InitLogger(cfg LogConfig) error {
	var zapCfg zap.Config
	if cfg.Format == "console" {
		zapCfg = zap.NewDevelopmentConfig()
	} else {
		zapCfg = zap.NewProductionConfig()
	}

	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		return eris.Wrap(err, "config: parse log level")
	}
	zapCfg.Level.SetLevel(level)

	logger, err := zapCfg.Build()
	if err != nil {
		return eris.Wrap(err, "config: build logger")
	}
	zap.ReplaceGlobals(logger)

	return nil
}
