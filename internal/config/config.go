// internal/config/config.go
package config

import (
	"fmt"
	"time"

	"github.com/spf13/viper"
)

// Config holds the entire application configuration.
type Config struct {
	Logger    LoggerConfig    `mapstructure:"logger" yaml:"logger"`
	Browser   BrowserConfig   `mapstructure:"browser" yaml:"browser"`
	Pool      PoolConfig      `mapstructure:"pool" yaml:"pool"`
	Cache     CacheConfig     `mapstructure:"cache" yaml:"cache"`
	Detector  DetectorConfig  `mapstructure:"detector" yaml:"detector"`
	Discovery DiscoveryConfig `mapstructure:"discovery" yaml:"discovery"`
	Fallback  FallbackConfig  `mapstructure:"fallback" yaml:"fallback"`
	Vision    VisionConfig    `mapstructure:"vision" yaml:"vision"`
	Captcha   CaptchaConfig   `mapstructure:"captcha" yaml:"captcha"`
	Store     StoreConfig     `mapstructure:"store" yaml:"store"`
	Providers []ProviderSeed  `mapstructure:"providers" yaml:"providers"`
}

// LoggerConfig controls the zap logger setup.
type LoggerConfig struct {
	Level       string `mapstructure:"level" yaml:"level"`
	Format      string `mapstructure:"format" yaml:"format"` // "console" or "json"
	ServiceName string `mapstructure:"service_name" yaml:"service_name"`
	AddSource   bool   `mapstructure:"add_source" yaml:"add_source"`
	LogFile     string `mapstructure:"log_file" yaml:"log_file"`
	MaxSize     int    `mapstructure:"max_size" yaml:"max_size"` // megabytes
	MaxBackups  int    `mapstructure:"max_backups" yaml:"max_backups"`
	MaxAge      int    `mapstructure:"max_age" yaml:"max_age"` // days
	Compress    bool   `mapstructure:"compress" yaml:"compress"`
}

// BrowserConfig controls the chromedp-backed browser layer.
type BrowserConfig struct {
	Headless       bool          `mapstructure:"headless" yaml:"headless"`
	UserAgent      string        `mapstructure:"user_agent" yaml:"user_agent"`
	ProxyURL       string        `mapstructure:"proxy_url" yaml:"proxy_url"`
	ViewportWidth  int           `mapstructure:"viewport_width" yaml:"viewport_width"`
	ViewportHeight int           `mapstructure:"viewport_height" yaml:"viewport_height"`
	NavTimeout     time.Duration `mapstructure:"nav_timeout" yaml:"nav_timeout"`
	EventBuffer    int           `mapstructure:"event_buffer" yaml:"event_buffer"`
}

// PoolConfig bounds the per-provider session pool.
type PoolConfig struct {
	MaxSessions     int           `mapstructure:"max_sessions" yaml:"max_sessions"`
	MinSessions     int           `mapstructure:"min_sessions" yaml:"min_sessions"`
	AcquireWait     time.Duration `mapstructure:"acquire_wait" yaml:"acquire_wait"`
	MaxIdle         time.Duration `mapstructure:"max_idle" yaml:"max_idle"`
	MaxAge          time.Duration `mapstructure:"max_age" yaml:"max_age"`
	CleanupInterval time.Duration `mapstructure:"cleanup_interval" yaml:"cleanup_interval"`
	RetryAfterHint  time.Duration `mapstructure:"retry_after_hint" yaml:"retry_after_hint"`
}

// CacheConfig controls the selector cache.
type CacheConfig struct {
	TTL                 time.Duration `mapstructure:"ttl" yaml:"ttl"`
	InvalidateThreshold int           `mapstructure:"invalidate_threshold" yaml:"invalidate_threshold"`
}

// DetectorConfig controls stream-method detection and response reading.
type DetectorConfig struct {
	DetectWindow       time.Duration `mapstructure:"detect_window" yaml:"detect_window"`
	XHRRepeatThreshold int           `mapstructure:"xhr_repeat_threshold" yaml:"xhr_repeat_threshold"`
	ReadTimeout        time.Duration `mapstructure:"read_timeout" yaml:"read_timeout"`
	QuietPeriod        time.Duration `mapstructure:"quiet_period" yaml:"quiet_period"`
	VisualPollInterval time.Duration `mapstructure:"visual_poll_interval" yaml:"visual_poll_interval"`
	VisualPollMax      int           `mapstructure:"visual_poll_max" yaml:"visual_poll_max"`
	TypingIndicator    string        `mapstructure:"typing_indicator" yaml:"typing_indicator"`
}

// DiscoveryConfig controls selector discovery.
type DiscoveryConfig struct {
	NavTimeout     time.Duration `mapstructure:"nav_timeout" yaml:"nav_timeout"`
	WaitTimeout    time.Duration `mapstructure:"wait_timeout" yaml:"wait_timeout"`
	FailureLimit   int           `mapstructure:"failure_limit" yaml:"failure_limit"`
	CaptchaEnabled bool          `mapstructure:"captcha_enabled" yaml:"captcha_enabled"`
}

// FallbackConfig tunes the shared fallback executor's backoff.
type FallbackConfig struct {
	BackoffBase time.Duration `mapstructure:"backoff_base" yaml:"backoff_base"`
	BackoffCap  time.Duration `mapstructure:"backoff_cap" yaml:"backoff_cap"`
}

// VisionConfig configures the remote vision-model client.
type VisionConfig struct {
	Endpoint   string        `mapstructure:"endpoint" yaml:"endpoint"`
	APIKey     string        `mapstructure:"api_key" yaml:"api_key"`
	APITimeout time.Duration `mapstructure:"api_timeout" yaml:"api_timeout"`
	RateLimit  float64       `mapstructure:"rate_limit" yaml:"rate_limit"` // requests per second
	RateBurst  int           `mapstructure:"rate_burst" yaml:"rate_burst"`
	MaxElapsed time.Duration `mapstructure:"max_elapsed" yaml:"max_elapsed"`
}

// CaptchaConfig configures the remote CAPTCHA-solving client.
type CaptchaConfig struct {
	Endpoint     string        `mapstructure:"endpoint" yaml:"endpoint"`
	APIKey       string        `mapstructure:"api_key" yaml:"api_key"`
	PollInterval time.Duration `mapstructure:"poll_interval" yaml:"poll_interval"`
	SolveTimeout time.Duration `mapstructure:"solve_timeout" yaml:"solve_timeout"`
}

// StoreConfig configures optional Postgres persistence. An empty DSN runs
// the engine memory-only.
type StoreConfig struct {
	DSN string `mapstructure:"dsn" yaml:"dsn"`
}

// ProviderSeed declares a provider in the config file so the engine knows
// about it before the first request.
type ProviderSeed struct {
	ID   string `mapstructure:"id" yaml:"id"`
	URL  string `mapstructure:"url" yaml:"url"`
	Name string `mapstructure:"name" yaml:"name"`
}

// SetDefaults registers every default value with viper. Called before
// reading the config file so a missing file still yields a runnable setup.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("logger.level", "info")
	v.SetDefault("logger.format", "console")
	v.SetDefault("logger.service_name", "chatgate")
	v.SetDefault("logger.max_size", 100)
	v.SetDefault("logger.max_backups", 3)
	v.SetDefault("logger.max_age", 28)

	v.SetDefault("browser.headless", true)
	v.SetDefault("browser.viewport_width", 1280)
	v.SetDefault("browser.viewport_height", 800)
	v.SetDefault("browser.nav_timeout", 30*time.Second)
	v.SetDefault("browser.event_buffer", 256)

	v.SetDefault("pool.max_sessions", 5)
	v.SetDefault("pool.min_sessions", 0)
	v.SetDefault("pool.acquire_wait", 30*time.Second)
	v.SetDefault("pool.max_idle", 10*time.Minute)
	v.SetDefault("pool.max_age", time.Hour)
	v.SetDefault("pool.cleanup_interval", 5*time.Minute)
	v.SetDefault("pool.retry_after_hint", 10*time.Second)

	v.SetDefault("cache.ttl", 7*24*time.Hour)
	v.SetDefault("cache.invalidate_threshold", 3)

	v.SetDefault("detector.detect_window", 5*time.Second)
	v.SetDefault("detector.xhr_repeat_threshold", 3)
	v.SetDefault("detector.read_timeout", 30*time.Second)
	v.SetDefault("detector.quiet_period", 2*time.Second)
	v.SetDefault("detector.visual_poll_interval", 2*time.Second)
	v.SetDefault("detector.visual_poll_max", 30)
	v.SetDefault("detector.typing_indicator", ".typing-indicator")

	v.SetDefault("discovery.nav_timeout", 45*time.Second)
	v.SetDefault("discovery.wait_timeout", 2*time.Minute)
	v.SetDefault("discovery.failure_limit", 5)
	v.SetDefault("discovery.captcha_enabled", false)

	v.SetDefault("fallback.backoff_base", 500*time.Millisecond)
	v.SetDefault("fallback.backoff_cap", 15*time.Second)

	v.SetDefault("vision.api_timeout", 60*time.Second)
	v.SetDefault("vision.rate_limit", 1.0)
	v.SetDefault("vision.rate_burst", 2)
	v.SetDefault("vision.max_elapsed", 2*time.Minute)

	v.SetDefault("captcha.poll_interval", 5*time.Second)
	v.SetDefault("captcha.solve_timeout", 2*time.Minute)
}

// Load unmarshals the bound viper instance into a Config and validates
// the handful of values that would otherwise fail at runtime.
func Load(v *viper.Viper) (*Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate rejects configurations the engine cannot run with.
func (c *Config) Validate() error {
	if c.Pool.MaxSessions < 1 {
		return fmt.Errorf("pool.max_sessions must be at least 1, got %d", c.Pool.MaxSessions)
	}
	if c.Pool.MinSessions > c.Pool.MaxSessions {
		return fmt.Errorf("pool.min_sessions (%d) exceeds pool.max_sessions (%d)", c.Pool.MinSessions, c.Pool.MaxSessions)
	}
	if c.Cache.InvalidateThreshold < 1 {
		return fmt.Errorf("cache.invalidate_threshold must be at least 1, got %d", c.Cache.InvalidateThreshold)
	}
	if c.Detector.VisualPollMax < 1 {
		return fmt.Errorf("detector.visual_poll_max must be at least 1, got %d", c.Detector.VisualPollMax)
	}
	return nil
}
