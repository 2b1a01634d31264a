// File: internal/config/config.go
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/mitchellh/go-homedir"
	"github.com/spf13/viper"
)

// CredentialEnvVar is read into the settings store when no credential was saved there.
const CredentialEnvVar = "TASKPILOT_API_KEY"

// Config holds the entire application configuration.
type Config struct {
	Logger   LoggerConfig   `mapstructure:"logger" yaml:"logger"`
	Browser  BrowserConfig  `mapstructure:"browser" yaml:"browser"`
	Session  SessionConfig  `mapstructure:"session" yaml:"session"`
	Task     TaskConfig     `mapstructure:"task" yaml:"task"`
	Resolver ResolverConfig `mapstructure:"resolver" yaml:"resolver"`
	Cache    CacheConfig    `mapstructure:"cache" yaml:"cache"`
	Store    StoreConfig    `mapstructure:"store" yaml:"store"`
	Server   ServerConfig   `mapstructure:"server" yaml:"server"`

	// APIKey is only ever sourced from the environment.
	APIKey string `mapstructure:"api_key" yaml:"-"`
}

// LoggerConfig holds all the configuration for the logger.
type LoggerConfig struct {
	Level       string      `mapstructure:"level" yaml:"level"`
	Format      string      `mapstructure:"format" yaml:"format"`
	AddSource   bool        `mapstructure:"add_source" yaml:"add_source"`
	ServiceName string      `mapstructure:"service_name" yaml:"service_name"`
	LogFile     string      `mapstructure:"log_file" yaml:"log_file"`
	MaxSize     int         `mapstructure:"max_size" yaml:"max_size"`
	MaxBackups  int         `mapstructure:"max_backups" yaml:"max_backups"`
	MaxAge      int         `mapstructure:"max_age" yaml:"max_age"`
	Compress    bool        `mapstructure:"compress" yaml:"compress"`
	Colors      ColorConfig `mapstructure:"colors" yaml:"colors"`
}

// ColorConfig defines the color codes for different log levels.
type ColorConfig struct {
	Debug  string `mapstructure:"debug" yaml:"debug"`
	Info   string `mapstructure:"info" yaml:"info"`
	Warn   string `mapstructure:"warn" yaml:"warn"`
	Error  string `mapstructure:"error" yaml:"error"`
	DPanic string `mapstructure:"dpanic" yaml:"dpanic"`
	Panic  string `mapstructure:"panic" yaml:"panic"`
	Fatal  string `mapstructure:"fatal" yaml:"fatal"`
}

// BrowserConfig holds settings for the controlled browser.
type BrowserConfig struct {
	Headless        bool          `mapstructure:"headless" yaml:"headless"`
	IgnoreTLSErrors bool          `mapstructure:"ignore_tls_errors" yaml:"ignore_tls_errors"`
	Args            []string      `mapstructure:"args" yaml:"args"`
	ViewportWidth   int           `mapstructure:"viewport_width" yaml:"viewport_width"`
	ViewportHeight  int           `mapstructure:"viewport_height" yaml:"viewport_height"`
	UserDataDir     string        `mapstructure:"user_data_dir" yaml:"user_data_dir"`
	ScreenshotJPEG  int           `mapstructure:"screenshot_jpeg_quality" yaml:"screenshot_jpeg_quality"`
	OpTimeout       time.Duration `mapstructure:"op_timeout" yaml:"op_timeout"`
}

// SessionConfig tunes the long-lived session with the reasoning service.
type SessionConfig struct {
	Endpoint                 string        `mapstructure:"endpoint" yaml:"endpoint"`
	Model                    string        `mapstructure:"model" yaml:"model"`
	Temperature              float32       `mapstructure:"temperature" yaml:"temperature"`
	CredentialKey            string        `mapstructure:"credential_key" yaml:"credential_key"`
	HandshakeTimeout         time.Duration `mapstructure:"handshake_timeout" yaml:"handshake_timeout"`
	TurnTimeout              time.Duration `mapstructure:"turn_timeout" yaml:"turn_timeout"`
	WriteTimeout             time.Duration `mapstructure:"write_timeout" yaml:"write_timeout"`
	PingInterval             time.Duration `mapstructure:"ping_interval" yaml:"ping_interval"`
	MaxReconnectAttempts     int           `mapstructure:"max_reconnect_attempts" yaml:"max_reconnect_attempts"`
	ReconnectInitialInterval time.Duration `mapstructure:"reconnect_initial_interval" yaml:"reconnect_initial_interval"`
	ReconnectMaxInterval     time.Duration `mapstructure:"reconnect_max_interval" yaml:"reconnect_max_interval"`
	ReconnectMultiplier      float64       `mapstructure:"reconnect_multiplier" yaml:"reconnect_multiplier"`
	EventBuffer              int           `mapstructure:"event_buffer" yaml:"event_buffer"`
}

// TaskConfig holds the orchestration bounds. Every bound is tunable.
type TaskConfig struct {
	MaxIterations    int           `mapstructure:"max_iterations" yaml:"max_iterations"`
	FailureThreshold int           `mapstructure:"failure_threshold" yaml:"failure_threshold"`
	MaxNoActionTurns int           `mapstructure:"max_no_action_turns" yaml:"max_no_action_turns"`
	ActionRetries    int           `mapstructure:"action_retries" yaml:"action_retries"`
	RetryDelay       time.Duration `mapstructure:"retry_delay" yaml:"retry_delay"`
	SettleWait       time.Duration `mapstructure:"settle_wait" yaml:"settle_wait"`
	NavigationWait   time.Duration `mapstructure:"navigation_wait" yaml:"navigation_wait"`
	VerifyWait       time.Duration `mapstructure:"verify_wait" yaml:"verify_wait"`
	TypingMinDelay   time.Duration `mapstructure:"typing_min_delay" yaml:"typing_min_delay"`
	TypingMaxDelay   time.Duration `mapstructure:"typing_max_delay" yaml:"typing_max_delay"`
	MinTurnInterval  time.Duration `mapstructure:"min_turn_interval" yaml:"min_turn_interval"`
	HistoryWindow    int           `mapstructure:"history_window" yaml:"history_window"`
	CaptureRetries   int           `mapstructure:"capture_retries" yaml:"capture_retries"`
}

// ResolverConfig tunes element resolution.
type ResolverConfig struct {
	FuzzyThreshold float64 `mapstructure:"fuzzy_threshold" yaml:"fuzzy_threshold"`
	MaxTextLength  int     `mapstructure:"max_text_length" yaml:"max_text_length"`
}

// CacheConfig selects the advisory resolution cache backend.
type CacheConfig struct {
	Backend   string        `mapstructure:"backend" yaml:"backend"`
	RedisAddr string        `mapstructure:"redis_addr" yaml:"redis_addr"`
	RedisDB   int           `mapstructure:"redis_db" yaml:"redis_db"`
	TTL       time.Duration `mapstructure:"ttl" yaml:"ttl"`
	KeyPrefix string        `mapstructure:"key_prefix" yaml:"key_prefix"`
}

// StoreConfig selects the settings/credential store backend.
type StoreConfig struct {
	Backend string `mapstructure:"backend" yaml:"backend"`
	URL     string `mapstructure:"url" yaml:"url"`
}

// ServerConfig configures the HTTP control API.
type ServerConfig struct {
	Addr            string        `mapstructure:"addr" yaml:"addr"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout" yaml:"shutdown_timeout"`
	CORSOrigins     []string      `mapstructure:"cors_origins" yaml:"cors_origins"`
}

// NewDefaultConfig creates a new configuration struct populated with default values.
func NewDefaultConfig() *Config {
	v := viper.New()
	SetDefaults(v)

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		// This should not happen with defaults, but good to be safe.
		panic(fmt.Sprintf("failed to unmarshal default config: %v", err))
	}
	return &cfg
}

// SetDefaults initializes default values for various configuration parameters.
func SetDefaults(v *viper.Viper) {
	// -- Logger --
	v.SetDefault("logger.level", "info")
	v.SetDefault("logger.format", "console")
	v.SetDefault("logger.add_source", false)
	v.SetDefault("logger.service_name", "taskpilot")
	v.SetDefault("logger.log_file", "~/.taskpilot/taskpilot.log")
	v.SetDefault("logger.max_size", 50)
	v.SetDefault("logger.max_backups", 3)
	v.SetDefault("logger.max_age", 14)
	v.SetDefault("logger.compress", true)
	v.SetDefault("logger.colors.debug", "cyan")
	v.SetDefault("logger.colors.info", "green")
	v.SetDefault("logger.colors.warn", "yellow")
	v.SetDefault("logger.colors.error", "red")

	// -- Browser --
	v.SetDefault("browser.headless", true)
	v.SetDefault("browser.ignore_tls_errors", false)
	v.SetDefault("browser.viewport_width", 1280)
	v.SetDefault("browser.viewport_height", 800)
	v.SetDefault("browser.screenshot_jpeg_quality", 70)
	v.SetDefault("browser.op_timeout", "10s")

	// -- Session --
	v.SetDefault("session.endpoint", "wss://generativelanguage.googleapis.com/ws/google.ai.generativelanguage.v1beta.GenerativeService.BidiGenerateContent")
	v.SetDefault("session.model", "models/gemini-2.0-flash-live-001")
	v.SetDefault("session.temperature", 0.2)
	v.SetDefault("session.credential_key", "reasoning_api_key")
	v.SetDefault("session.handshake_timeout", "5s")
	v.SetDefault("session.turn_timeout", "60s")
	v.SetDefault("session.write_timeout", "10s")
	v.SetDefault("session.ping_interval", "20s")
	v.SetDefault("session.max_reconnect_attempts", 5)
	v.SetDefault("session.reconnect_initial_interval", "500ms")
	v.SetDefault("session.reconnect_max_interval", "10s")
	v.SetDefault("session.reconnect_multiplier", 2.0)
	v.SetDefault("session.event_buffer", 64)

	// -- Task --
	v.SetDefault("task.max_iterations", 20)
	v.SetDefault("task.failure_threshold", 3)
	v.SetDefault("task.max_no_action_turns", 3)
	v.SetDefault("task.action_retries", 2)
	v.SetDefault("task.retry_delay", "300ms")
	v.SetDefault("task.settle_wait", "800ms")
	v.SetDefault("task.navigation_wait", "2500ms")
	v.SetDefault("task.verify_wait", "300ms")
	v.SetDefault("task.typing_min_delay", "30ms")
	v.SetDefault("task.typing_max_delay", "110ms")
	v.SetDefault("task.min_turn_interval", "400ms")
	v.SetDefault("task.history_window", 8)
	v.SetDefault("task.capture_retries", 1)

	// -- Resolver --
	v.SetDefault("resolver.fuzzy_threshold", 0.6)
	v.SetDefault("resolver.max_text_length", 160)

	// -- Cache --
	v.SetDefault("cache.backend", "memory")
	v.SetDefault("cache.redis_addr", "localhost:6379")
	v.SetDefault("cache.ttl", "30m")
	v.SetDefault("cache.key_prefix", "taskpilot:resolve:")

	// -- Store --
	v.SetDefault("store.backend", "memory")

	// -- Server --
	v.SetDefault("server.addr", ":8088")
	v.SetDefault("server.shutdown_timeout", "10s")
	v.SetDefault("server.cors_origins", []string{"*"})
}

// NewConfigFromViper creates a new configuration instance from a viper object.
func NewConfigFromViper(v *viper.Viper) (*Config, error) {
	var cfg Config

	// Bind environment variables for sensitive data
	_ = v.BindEnv("api_key", CredentialEnvVar)
	_ = v.BindEnv("store.url", "TASKPILOT_STORE_URL")

	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}
	if cfg.APIKey == "" {
		cfg.APIKey = os.Getenv(CredentialEnvVar)
	}

	if err := cfg.ExpandPaths(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return &cfg, nil
}

// ExpandPaths resolves leading '~' in file system paths.
func (c *Config) ExpandPaths() error {
	var err error
	if c.Logger.LogFile, err = homedir.Expand(c.Logger.LogFile); err != nil {
		return fmt.Errorf("logger.log_file: %w", err)
	}
	if c.Browser.UserDataDir, err = homedir.Expand(c.Browser.UserDataDir); err != nil {
		return fmt.Errorf("browser.user_data_dir: %w", err)
	}
	return nil
}

// Validate checks the configuration for required fields and sane values.
func (c *Config) Validate() error {
	if err := c.Session.Validate(); err != nil {
		return fmt.Errorf("session configuration invalid: %w", err)
	}
	if err := c.Task.Validate(); err != nil {
		return fmt.Errorf("task configuration invalid: %w", err)
	}
	if c.Resolver.FuzzyThreshold <= 0 || c.Resolver.FuzzyThreshold > 1 {
		return fmt.Errorf("resolver.fuzzy_threshold must be in (0, 1]")
	}
	switch strings.ToLower(c.Cache.Backend) {
	case "memory", "none", "":
	case "redis":
		if c.Cache.RedisAddr == "" {
			return fmt.Errorf("cache.redis_addr is required for the redis backend")
		}
	default:
		return fmt.Errorf("unknown cache.backend %q", c.Cache.Backend)
	}
	switch strings.ToLower(c.Store.Backend) {
	case "memory", "":
	case "postgres":
		if c.Store.URL == "" {
			return fmt.Errorf("store.url is required for the postgres backend")
		}
	default:
		return fmt.Errorf("unknown store.backend %q", c.Store.Backend)
	}
	return nil
}

// Validate checks the session settings.
func (s *SessionConfig) Validate() error {
	if s.Endpoint == "" {
		return fmt.Errorf("endpoint is required")
	}
	if s.HandshakeTimeout < time.Second || s.HandshakeTimeout > 30*time.Second {
		return fmt.Errorf("handshake_timeout must be between 1s and 30s")
	}
	if s.MaxReconnectAttempts < 0 {
		return fmt.Errorf("max_reconnect_attempts must not be negative")
	}
	if s.ReconnectInitialInterval <= 0 {
		return fmt.Errorf("reconnect_initial_interval must be a positive duration")
	}
	if s.ReconnectMultiplier < 1 {
		return fmt.Errorf("reconnect_multiplier must be at least 1")
	}
	if s.TurnTimeout <= 0 {
		return fmt.Errorf("turn_timeout must be a positive duration")
	}
	return nil
}

// Validate checks the orchestration bounds.
func (t *TaskConfig) Validate() error {
	if t.MaxIterations <= 0 {
		return fmt.Errorf("max_iterations must be greater than 0")
	}
	if t.FailureThreshold <= 0 {
		return fmt.Errorf("failure_threshold must be greater than 0")
	}
	if t.MaxNoActionTurns <= 0 {
		return fmt.Errorf("max_no_action_turns must be greater than 0")
	}
	if t.ActionRetries < 0 {
		return fmt.Errorf("action_retries must not be negative")
	}
	if t.TypingMinDelay < 0 || t.TypingMaxDelay < t.TypingMinDelay {
		return fmt.Errorf("typing delays must satisfy 0 <= typing_min_delay <= typing_max_delay")
	}
	return nil
}
