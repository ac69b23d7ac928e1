package config

import (
	"fmt"
	"strings"

	"github.com/rotisserie/eris"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/sells-group/feedcat/internal/cost"
	"github.com/sells-group/feedcat/internal/merge"
	"github.com/sells-group/feedcat/internal/source"
	"github.com/sells-group/feedcat/internal/store"
	"github.com/sells-group/feedcat/internal/tree"
)

// ErrInvalid is wrapped by every Validate failure.
var ErrInvalid = eris.New("invalid configuration")

// Config holds the full application configuration.
type Config struct {
	Store      StoreConfig       `yaml:"store" mapstructure:"store"`
	Anthropic  AnthropicConfig   `yaml:"anthropic" mapstructure:"anthropic"`
	Origins    []source.Origin   `yaml:"origins" mapstructure:"origins"`
	Categories string            `yaml:"categories" mapstructure:"categories"`
	Enrich     EnrichConfig      `yaml:"enrich" mapstructure:"enrich"`
	Classify   ClassifyConfig    `yaml:"classify" mapstructure:"classify"`
	Score      merge.ScorePolicy `yaml:"score" mapstructure:"score"`
	Tree       tree.Options      `yaml:"tree" mapstructure:"tree"`
	Output     OutputConfig      `yaml:"output" mapstructure:"output"`
	Server     ServerConfig      `yaml:"server" mapstructure:"server"`
	Pricing    cost.Rates        `yaml:"pricing" mapstructure:"pricing"`
	Log        LogConfig         `yaml:"log" mapstructure:"log"`
}

// StoreConfig configures the database backend.
type StoreConfig struct {
	Driver      string `yaml:"driver" mapstructure:"driver"`
	DatabaseURL string `yaml:"database_url" mapstructure:"database_url"`
	// KeepSnapshots is how many snapshots survive pruning after a run.
	KeepSnapshots int               `yaml:"keep_snapshots" mapstructure:"keep_snapshots"`
	Pool          store.PoolConfig `yaml:"pool" mapstructure:"pool"`
}

// AnthropicConfig holds Anthropic API settings.
type AnthropicConfig struct {
	Key       string `yaml:"key" mapstructure:"key"`
	Model     string `yaml:"model" mapstructure:"model"`
	MaxTokens int64  `yaml:"max_tokens" mapstructure:"max_tokens"`
}

// EnrichConfig configures feed fetching and cache freshness.
type EnrichConfig struct {
	UserAgent          string  `yaml:"user_agent" mapstructure:"user_agent"`
	TimeoutSecs        int     `yaml:"timeout_secs" mapstructure:"timeout_secs"`
	MaxAttempts        int     `yaml:"max_attempts" mapstructure:"max_attempts"`
	RatePerHost        float64 `yaml:"rate_per_host" mapstructure:"rate_per_host"`
	Burst              int     `yaml:"burst" mapstructure:"burst"`
	MaxBodyBytes       int64   `yaml:"max_body_bytes" mapstructure:"max_body_bytes"`
	MaxAgeHours        int     `yaml:"max_age_hours" mapstructure:"max_age_hours"`
	FailureMaxAgeHours int     `yaml:"failure_max_age_hours" mapstructure:"failure_max_age_hours"`
	ActiveWindowDays   int     `yaml:"active_window_days" mapstructure:"active_window_days"`
	RecentTitles       int     `yaml:"recent_titles" mapstructure:"recent_titles"`
	Concurrency        int     `yaml:"concurrency" mapstructure:"concurrency"`
}

// ClassifyConfig configures the model judge.
type ClassifyConfig struct {
	// Version invalidates cached classifications when bumped.
	Version           string  `yaml:"version" mapstructure:"version"`
	Concurrency       int     `yaml:"concurrency" mapstructure:"concurrency"`
	RequestsPerSecond float64 `yaml:"requests_per_second" mapstructure:"requests_per_second"`
	MaxAttempts       int     `yaml:"max_attempts" mapstructure:"max_attempts"`
	BreakerThreshold  int     `yaml:"breaker_threshold" mapstructure:"breaker_threshold"`
	BreakerResetSecs  int     `yaml:"breaker_reset_secs" mapstructure:"breaker_reset_secs"`
}

// OutputConfig names the files written at the end of a run. Empty paths
// are skipped.
type OutputConfig struct {
	SnapshotPath string `yaml:"snapshot_path" mapstructure:"snapshot_path"`
	TreePath     string `yaml:"tree_path" mapstructure:"tree_path"`
	MetricsPath  string `yaml:"metrics_path" mapstructure:"metrics_path"`
}

// ServerConfig configures the curation API.
type ServerConfig struct {
	Port        int      `yaml:"port" mapstructure:"port"`
	CORSOrigins []string `yaml:"cors_origins" mapstructure:"cors_origins"`
}

// LogConfig configures logging.
type LogConfig struct {
	Level  string `yaml:"level" mapstructure:"level"`
	Format string `yaml:"format" mapstructure:"format"`
}

// Load reads configuration from file and environment. An empty path looks
// for feedcat.yaml in the working directory; a missing default file is not
// an error.
func Load(path string) (*Config, error) {
	v := viper.New()

	// Config file
	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("feedcat")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
	}

	// Environment
	v.SetEnvPrefix("FEEDCAT")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Defaults
	score := merge.DefaultScorePolicy()
	v.SetDefault("store.driver", "sqlite")
	v.SetDefault("store.database_url", "feedcat.db")
	v.SetDefault("store.keep_snapshots", 10)
	v.SetDefault("anthropic.model", "claude-haiku-4-5-20251001")
	v.SetDefault("anthropic.max_tokens", 1024)
	v.SetDefault("categories", "categories.yaml")
	v.SetDefault("enrich.user_agent", "feedcat/1.0 (+https://github.com/sells-group/feedcat)")
	v.SetDefault("enrich.timeout_secs", 20)
	v.SetDefault("enrich.max_attempts", 2)
	v.SetDefault("enrich.rate_per_host", 2.0)
	v.SetDefault("enrich.burst", 2)
	v.SetDefault("enrich.max_body_bytes", 5<<20)
	v.SetDefault("enrich.max_age_hours", 24)
	v.SetDefault("enrich.failure_max_age_hours", 6)
	v.SetDefault("enrich.active_window_days", 90)
	v.SetDefault("enrich.recent_titles", 5)
	v.SetDefault("enrich.concurrency", 16)
	v.SetDefault("classify.version", "1")
	v.SetDefault("classify.concurrency", 4)
	v.SetDefault("classify.requests_per_second", 2.0)
	v.SetDefault("classify.max_attempts", 3)
	v.SetDefault("classify.breaker_threshold", 5)
	v.SetDefault("classify.breaker_reset_secs", 30)
	v.SetDefault("score.high_quality_bonus", score.HighQualityBonus)
	v.SetDefault("score.active_bonus", score.ActiveBonus)
	v.SetDefault("score.unreachable_penalty", score.UnreachablePenalty)
	v.SetDefault("score.marker_penalty", score.MarkerPenalty)
	v.SetDefault("score.penalized_markers", score.PenalizedMarkers)
	v.SetDefault("tree.min_records", 2)
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.cors_origins", []string{"*"})
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")

	// Read config file (optional unless named explicitly)
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok || path != "" {
			return nil, eris.Wrap(err, "config: read file")
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, eris.Wrap(err, "config: unmarshal")
	}

	return &cfg, nil
}

// Validate rejects configurations the given command could not run with.
// Modes are "run", "validate" and "serve". Every problem is reported, not
// just the first.
func (c *Config) Validate(mode string) error {
	var errs []string
	add := func(format string, args ...any) {
		errs = append(errs, fmt.Sprintf(format, args...))
	}

	switch c.Store.Driver {
	case "sqlite", "postgres":
	default:
		add("store.driver %q is not sqlite or postgres", c.Store.Driver)
	}
	if c.Store.DatabaseURL == "" {
		add("store.database_url is required")
	}

	switch mode {
	case "run", "validate":
		c.validateRun(add)
		if mode == "run" && c.Anthropic.Key == "" {
			add("anthropic.key is required")
		}
	case "serve":
		if c.Categories == "" {
			add("categories is required")
		}
		if c.Server.Port <= 0 {
			add("server.port must be > 0")
		}
	default:
		return eris.Wrapf(ErrInvalid, "config: unknown mode %q", mode)
	}

	if len(errs) > 0 {
		return eris.Wrapf(ErrInvalid, "config: %s", strings.Join(errs, "; "))
	}
	return nil
}

func (c *Config) validateRun(add func(string, ...any)) {
	if len(c.Origins) == 0 {
		add("origins must list at least one origin")
	}
	seen := make(map[string]struct{}, len(c.Origins))
	for i, o := range c.Origins {
		if o.Name == "" || o.Location == "" {
			add("origins[%d] needs a name and a location", i)
			continue
		}
		if _, dup := seen[o.Name]; dup {
			add("origin name %q is used twice", o.Name)
		}
		seen[o.Name] = struct{}{}
		if f := o.ResolvedFormat(); !source.ValidFormat(f) {
			add("origin %q has unsupported format %q", o.Name, f)
		}
	}
	if c.Categories == "" {
		add("categories is required")
	}
	if c.Enrich.Concurrency <= 0 {
		add("enrich.concurrency must be > 0")
	}
	if c.Classify.Concurrency <= 0 {
		add("classify.concurrency must be > 0")
	}
	if c.Tree.MinRecords < 0 {
		add("tree.min_records must be >= 0")
	}
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
