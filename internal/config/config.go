package config

import (
	"slices"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/sells-group/classify-cli/internal/cost"
	"github.com/sells-group/classify-cli/internal/model"
)

// Config holds the full application configuration.
type Config struct {
	Store      StoreConfig      `yaml:"store" mapstructure:"store"`
	Lock       LockConfig       `yaml:"lock" mapstructure:"lock"`
	Redis      RedisConfig      `yaml:"redis" mapstructure:"redis"`
	Anthropic  AnthropicConfig  `yaml:"anthropic" mapstructure:"anthropic"`
	Job        JobSettings      `yaml:"job" mapstructure:"job"`
	Circuit    CircuitConfig    `yaml:"circuit" mapstructure:"circuit"`
	Fetch      FetchConfig      `yaml:"fetch" mapstructure:"fetch"`
	Pricing    PricingConfig    `yaml:"pricing" mapstructure:"pricing"`
	Server     ServerConfig     `yaml:"server" mapstructure:"server"`
	Monitoring MonitoringConfig `yaml:"monitoring" mapstructure:"monitoring"`
	Log        LogConfig        `yaml:"log" mapstructure:"log"`
}

// StoreConfig configures the database backend.
type StoreConfig struct {
	Driver      string `yaml:"driver" mapstructure:"driver"`
	Path        string `yaml:"path" mapstructure:"path"`
	DatabaseURL string `yaml:"database_url" mapstructure:"database_url"`
	MaxConns    int32  `yaml:"max_conns" mapstructure:"max_conns"`
}

// LockConfig selects and tunes the job lock backend.
type LockConfig struct {
	Backend    string        `yaml:"backend" mapstructure:"backend"`
	StaleAfter time.Duration `yaml:"stale_after" mapstructure:"stale_after"`
}

// RedisConfig configures the redis lease backend.
type RedisConfig struct {
	Addr      string `yaml:"addr" mapstructure:"addr"`
	Password  string `yaml:"password" mapstructure:"password"`
	DB        int    `yaml:"db" mapstructure:"db"`
	KeyPrefix string `yaml:"key_prefix" mapstructure:"key_prefix"`
}

// AnthropicConfig holds Anthropic API settings.
type AnthropicConfig struct {
	Key          string        `yaml:"key" mapstructure:"key"`
	BaseURL      string        `yaml:"base_url" mapstructure:"base_url"`
	Model        string        `yaml:"model" mapstructure:"model"`
	MaxTokens    int64         `yaml:"max_tokens" mapstructure:"max_tokens"`
	CacheTTL     string        `yaml:"cache_ttl" mapstructure:"cache_ttl"`
	Instructions string        `yaml:"instructions" mapstructure:"instructions"`
	Timeout      time.Duration `yaml:"timeout" mapstructure:"timeout"`
}

// JobSettings are the defaults frozen into each new job.
type JobSettings struct {
	Labels             []string      `yaml:"labels" mapstructure:"labels"`
	ItemTypes          []string      `yaml:"item_types" mapstructure:"item_types"`
	CheckpointSize     int           `yaml:"checkpoint_size" mapstructure:"checkpoint_size"`
	CheckpointAttempts int           `yaml:"checkpoint_attempts" mapstructure:"checkpoint_attempts"`
	ItemTimeout        time.Duration `yaml:"item_timeout" mapstructure:"item_timeout"`
	Concurrency        int           `yaml:"concurrency" mapstructure:"concurrency"`
	RequestsPerSecond  float64       `yaml:"requests_per_second" mapstructure:"requests_per_second"`
	Retry              RetryConfig   `yaml:"retry" mapstructure:"retry"`
}

// RetryConfig is the classifier retry schedule.
type RetryConfig struct {
	MaxAttempts    int           `yaml:"max_attempts" mapstructure:"max_attempts"`
	InitialBackoff time.Duration `yaml:"initial_backoff" mapstructure:"initial_backoff"`
	MaxBackoff     time.Duration `yaml:"max_backoff" mapstructure:"max_backoff"`
	Multiplier     float64       `yaml:"multiplier" mapstructure:"multiplier"`
	JitterFraction float64       `yaml:"jitter_fraction" mapstructure:"jitter_fraction"`
}

// CircuitConfig tunes the classifier circuit breaker.
type CircuitConfig struct {
	FailureThreshold int           `yaml:"failure_threshold" mapstructure:"failure_threshold"`
	ResetTimeout     time.Duration `yaml:"reset_timeout" mapstructure:"reset_timeout"`
	HalfOpenProbes   int           `yaml:"half_open_probes" mapstructure:"half_open_probes"`
}

// FetchConfig configures downloads of remote source files.
type FetchConfig struct {
	UserAgent         string        `yaml:"user_agent" mapstructure:"user_agent"`
	Timeout           time.Duration `yaml:"timeout" mapstructure:"timeout"`
	MaxRetries        int           `yaml:"max_retries" mapstructure:"max_retries"`
	RequestsPerSecond float64       `yaml:"requests_per_second" mapstructure:"requests_per_second"`
	MaxBytes          int64         `yaml:"max_bytes" mapstructure:"max_bytes"`
}

// PricingConfig holds per-model pricing overrides.
type PricingConfig struct {
	Anthropic map[string]ModelPricing `yaml:"anthropic" mapstructure:"anthropic"`
}

// ModelPricing holds per-model token pricing (USD per million tokens).
type ModelPricing struct {
	Input         float64 `yaml:"input" mapstructure:"input"`
	Output        float64 `yaml:"output" mapstructure:"output"`
	CacheWriteMul float64 `yaml:"cache_write_mul" mapstructure:"cache_write_mul"`
	CacheReadMul  float64 `yaml:"cache_read_mul" mapstructure:"cache_read_mul"`
}

// Rates converts pricing overrides into cost rates.
func (p PricingConfig) Rates() cost.Rates {
	rates := cost.Rates{Anthropic: make(map[string]cost.ModelRate, len(p.Anthropic))}
	for model, mp := range p.Anthropic {
		rates.Anthropic[model] = cost.ModelRate{
			Input:         mp.Input,
			Output:        mp.Output,
			CacheWriteMul: mp.CacheWriteMul,
			CacheReadMul:  mp.CacheReadMul,
		}
	}
	return rates
}

// ServerConfig configures the HTTP control API.
type ServerConfig struct {
	Port        int      `yaml:"port" mapstructure:"port"`
	CORSOrigins []string `yaml:"cors_origins" mapstructure:"cors_origins"`
}

// MonitoringConfig configures job-health alerting while serving.
type MonitoringConfig struct {
	Enabled              bool          `yaml:"enabled" mapstructure:"enabled"`
	WebhookURL           string        `yaml:"webhook_url" mapstructure:"webhook_url"`
	CheckInterval        time.Duration `yaml:"check_interval" mapstructure:"check_interval"`
	LookbackWindow       time.Duration `yaml:"lookback_window" mapstructure:"lookback_window"`
	FailureRateThreshold float64       `yaml:"failure_rate_threshold" mapstructure:"failure_rate_threshold"`
	ErrorRateThreshold   float64       `yaml:"error_rate_threshold" mapstructure:"error_rate_threshold"`
	CostThresholdUSD     float64       `yaml:"cost_threshold_usd" mapstructure:"cost_threshold_usd"`
	StallAfter           time.Duration `yaml:"stall_after" mapstructure:"stall_after"`
	RepeatAfter          time.Duration `yaml:"repeat_after" mapstructure:"repeat_after"` // resend an unchanged alert after this long
}

// LogConfig configures logging.
type LogConfig struct {
	Level  string `yaml:"level" mapstructure:"level"`
	Format string `yaml:"format" mapstructure:"format"`
}

// Load reads configuration from ./config.yaml (if present) and CLASSIFY_*
// environment variables.
func Load() (*Config, error) {
	return LoadFile("")
}

// LoadFile is Load with an explicit config file. An empty path falls back to
// an optional ./config.yaml; a named file must exist.
func LoadFile(path string) (*Config, error) {
	v := viper.New()

	// Config file
	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
	}

	// Environment
	v.SetEnvPrefix("CLASSIFY")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Defaults
	v.SetDefault("store.driver", "sqlite")
	v.SetDefault("store.database_url", "")
	v.SetDefault("store.path", "classify.db")
	v.SetDefault("store.max_conns", 4)
	v.SetDefault("lock.backend", "store")
	v.SetDefault("lock.stale_after", 10*time.Minute)
	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.key_prefix", "classify:lock:")
	v.SetDefault("anthropic.key", "")
	v.SetDefault("anthropic.base_url", "")
	v.SetDefault("anthropic.instructions", "")
	v.SetDefault("anthropic.model", "claude-haiku-4-5-20251001")
	v.SetDefault("anthropic.max_tokens", 256)
	v.SetDefault("anthropic.cache_ttl", "5m")
	v.SetDefault("anthropic.timeout", 60*time.Second)
	v.SetDefault("job.labels", []string{})
	v.SetDefault("job.item_types", []string{})
	v.SetDefault("job.checkpoint_size", 100)
	v.SetDefault("job.checkpoint_attempts", 3)
	v.SetDefault("job.item_timeout", 30*time.Second)
	v.SetDefault("job.concurrency", 1)
	v.SetDefault("job.requests_per_second", 0)
	v.SetDefault("job.retry.max_attempts", 3)
	v.SetDefault("job.retry.initial_backoff", 500*time.Millisecond)
	v.SetDefault("job.retry.max_backoff", 10*time.Second)
	v.SetDefault("job.retry.multiplier", 2.0)
	v.SetDefault("job.retry.jitter_fraction", 0.25)
	v.SetDefault("circuit.failure_threshold", 5)
	v.SetDefault("circuit.reset_timeout", 30*time.Second)
	v.SetDefault("circuit.half_open_probes", 1)
	v.SetDefault("fetch.user_agent", "classify-cli/1.0")
	v.SetDefault("fetch.timeout", 60*time.Second)
	v.SetDefault("fetch.max_retries", 3)
	v.SetDefault("fetch.requests_per_second", 2.0)
	v.SetDefault("fetch.max_bytes", 512<<20)
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.cors_origins", []string{"*"})
	v.SetDefault("monitoring.enabled", false)
	v.SetDefault("monitoring.webhook_url", "")
	v.SetDefault("monitoring.check_interval", 5*time.Minute)
	v.SetDefault("monitoring.lookback_window", 24*time.Hour)
	v.SetDefault("monitoring.failure_rate_threshold", 0.10)
	v.SetDefault("monitoring.error_rate_threshold", 0.20)
	v.SetDefault("monitoring.cost_threshold_usd", 0)
	v.SetDefault("monitoring.stall_after", 30*time.Minute)
	v.SetDefault("monitoring.repeat_after", time.Hour)
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")

	// Read config file (optional unless named)
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

// Validation modes, one per command family.
const (
	ModeLoad   = "load"
	ModeRun    = "run"
	ModeStatus = "status"
	ModeServe  = "serve"
)

// Validate checks the settings a command needs before any work begins. All
// problems are reported together.
func (c *Config) Validate(mode string) error {
	var errs []string

	switch mode {
	case ModeLoad, ModeStatus:
		errs = append(errs, c.validateStore()...)
	case ModeRun:
		errs = append(errs, c.validateStore()...)
		errs = append(errs, c.validateLock()...)
		errs = append(errs, c.validateJob()...)
		if c.Anthropic.Key == "" {
			errs = append(errs, "anthropic.key is required")
		}
		if c.Anthropic.Model == "" {
			errs = append(errs, "anthropic.model is required")
		}
	case ModeServe:
		errs = append(errs, c.validateStore()...)
		if c.Server.Port <= 0 {
			errs = append(errs, "server.port must be > 0")
		}
		errs = append(errs, c.validateMonitoring()...)
	default:
		return eris.Errorf("config: unknown mode %q", mode)
	}

	if _, err := zapcore.ParseLevel(c.Log.Level); c.Log.Level != "" && err != nil {
		errs = append(errs, "log.level is invalid")
	}

	if len(errs) > 0 {
		return eris.Errorf("config: %s", strings.Join(errs, "; "))
	}
	return nil
}

func (c *Config) validateStore() []string {
	var errs []string
	switch c.Store.Driver {
	case "sqlite":
		if c.Store.Path == "" {
			errs = append(errs, "store.path is required for sqlite")
		}
	case "postgres":
		if c.Store.DatabaseURL == "" {
			errs = append(errs, "store.database_url is required for postgres")
		}
	default:
		errs = append(errs, "store.driver must be sqlite or postgres")
	}
	return errs
}

func (c *Config) validateLock() []string {
	var errs []string
	switch c.Lock.Backend {
	case "store":
	case "redis":
		if c.Redis.Addr == "" {
			errs = append(errs, "redis.addr is required for the redis lock backend")
		}
	default:
		errs = append(errs, "lock.backend must be store or redis")
	}
	if c.Lock.StaleAfter < 0 {
		errs = append(errs, "lock.stale_after must be >= 0")
	}
	return errs
}

func (c *Config) validateJob() []string {
	var errs []string
	j := c.Job
	if j.CheckpointSize < 1 {
		errs = append(errs, "job.checkpoint_size must be >= 1")
	}
	if j.CheckpointAttempts < 1 {
		errs = append(errs, "job.checkpoint_attempts must be >= 1")
	}
	if j.ItemTimeout < time.Second {
		errs = append(errs, "job.item_timeout must be at least 1s")
	}
	if j.Concurrency < 1 || j.Concurrency > 64 {
		errs = append(errs, "job.concurrency must be between 1 and 64")
	}
	if j.RequestsPerSecond < 0 {
		errs = append(errs, "job.requests_per_second must be >= 0")
	}
	if j.Retry.MaxAttempts < 1 || j.Retry.MaxAttempts > 10 {
		errs = append(errs, "job.retry.max_attempts must be between 1 and 10")
	}
	if j.Retry.InitialBackoff < 0 || j.Retry.MaxBackoff < j.Retry.InitialBackoff {
		errs = append(errs, "job.retry backoffs must satisfy 0 <= initial_backoff <= max_backoff")
	}
	if j.Retry.Multiplier < 1 {
		errs = append(errs, "job.retry.multiplier must be >= 1")
	}
	if j.Retry.JitterFraction < 0 || j.Retry.JitterFraction > 1 {
		errs = append(errs, "job.retry.jitter_fraction must be between 0 and 1")
	}
	seen := make(map[string]bool, len(j.Labels))
	for _, l := range j.Labels {
		key := strings.ToLower(strings.TrimSpace(l))
		if key == "" {
			errs = append(errs, "job.labels must not contain blank labels")
			break
		}
		if seen[key] {
			errs = append(errs, "job.labels must be unique")
			break
		}
		seen[key] = true
	}
	return errs
}

func (c *Config) validateMonitoring() []string {
	m := c.Monitoring
	if !m.Enabled {
		return nil
	}
	var errs []string
	if m.CheckInterval < time.Second {
		errs = append(errs, "monitoring.check_interval must be at least 1s")
	}
	if m.LookbackWindow <= 0 {
		errs = append(errs, "monitoring.lookback_window must be > 0")
	}
	if m.FailureRateThreshold < 0 || m.FailureRateThreshold > 1 {
		errs = append(errs, "monitoring.failure_rate_threshold must be between 0 and 1")
	}
	if m.ErrorRateThreshold < 0 || m.ErrorRateThreshold > 1 {
		errs = append(errs, "monitoring.error_rate_threshold must be between 0 and 1")
	}
	if m.CostThresholdUSD < 0 {
		errs = append(errs, "monitoring.cost_threshold_usd must be >= 0")
	}
	if m.RepeatAfter < 0 {
		errs = append(errs, "monitoring.repeat_after must be >= 0")
	}
	return errs
}

// SourceRef identifies the loaded batch a job runs over.
type SourceRef struct {
	Path       string
	SourceName string
	BatchID    string
	Checksum   string
}

// JobConfig builds the immutable snapshot frozen into a new job.
func (c *Config) JobConfig(src SourceRef) model.JobConfig {
	return model.JobConfig{
		SourcePath:         src.Path,
		SourceName:         src.SourceName,
		BatchID:            src.BatchID,
		Checksum:           src.Checksum,
		ItemTypes:          slices.Clone(c.Job.ItemTypes),
		Model:              c.Anthropic.Model,
		Labels:             slices.Clone(c.Job.Labels),
		Instructions:       c.Anthropic.Instructions,
		CheckpointSize:     c.Job.CheckpointSize,
		CheckpointAttempts: c.Job.CheckpointAttempts,
		ItemTimeout:        c.Job.ItemTimeout,
		Concurrency:        c.Job.Concurrency,
		RequestsPerSecond:  c.Job.RequestsPerSecond,
		Retry: model.RetryPolicy{
			MaxAttempts:    c.Job.Retry.MaxAttempts,
			InitialBackoff: c.Job.Retry.InitialBackoff,
			MaxBackoff:     c.Job.Retry.MaxBackoff,
			Multiplier:     c.Job.Retry.Multiplier,
			JitterFraction: c.Job.Retry.JitterFraction,
		},
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
