// Package config provides application configuration with multi-source priority.
//
// Sources (highest to lowest priority):
//  1. Environment variables (runtime override)
//  2. Config file (./config.yaml, ./config/config.yaml, ~/.skein/config.yaml)
//  3. Default values
//
// Sensitive values (API keys, database password) are never printed: the
// Config's MarshalJSON masks them, and String() goes through MarshalJSON.
//
// Errors use sentinel values so callers can branch with errors.Is().
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

var (
	// ErrMissingDatabaseURL indicates no database URL was configured in serve mode.
	ErrMissingDatabaseURL = errors.New("missing database URL")

	// ErrInvalidDatabaseURL indicates the database URL is not a postgres URL.
	ErrInvalidDatabaseURL = errors.New("invalid database URL")

	// ErrNoProviderEnabled indicates serve mode requires at least one enabled provider.
	ErrNoProviderEnabled = errors.New("no provider enabled")

	// ErrMissingAPIKey indicates an enabled provider has no API key.
	ErrMissingAPIKey = errors.New("missing API key")

	// ErrUnknownProvider indicates a configured provider id is not supported.
	ErrUnknownProvider = errors.New("unknown provider")

	// ErrInvalidBackoffMode indicates the retry backoff mode is not recognized.
	ErrInvalidBackoffMode = errors.New("invalid backoff mode")

	// ErrInvalidMaxRetries indicates the retry ceiling is negative.
	ErrInvalidMaxRetries = errors.New("invalid max retries")

	// ErrInvalidConcurrency indicates a provider concurrency ceiling below 1.
	ErrInvalidConcurrency = errors.New("invalid max concurrent")

	// ErrInvalidStreamBuffer indicates a non-positive stream buffer size.
	ErrInvalidStreamBuffer = errors.New("invalid stream buffer")

	// ErrInvalidToolRounds indicates a tool round limit below 1.
	ErrInvalidToolRounds = errors.New("invalid max tool rounds")

	// ErrInvalidInterval indicates a non-positive duration setting.
	ErrInvalidInterval = errors.New("invalid interval")
)

// Provider identifiers accepted in the providers section.
const (
	ProviderOpenAI    = "openai"
	ProviderAnthropic = "anthropic"
	ProviderGoogleAI  = "googleai"
)

// Backoff modes accepted in queue.backoff.mode.
const (
	BackoffLinear      = "linear"
	BackoffExponential = "exponential"
)

// Config stores the full application configuration.
// SECURITY: sensitive fields are masked in MarshalJSON. When adding new
// secret-bearing fields, update the masking there.
type Config struct {
	Server    ServerConfig              `mapstructure:"server" json:"server"`
	Database  DatabaseConfig            `mapstructure:"database" json:"database"`
	Log       LogConfig                 `mapstructure:"log" json:"log"`
	Providers map[string]ProviderConfig `mapstructure:"providers" json:"providers"`
	Queue     QueueConfig               `mapstructure:"queue" json:"queue"`
	Generate  GenerateConfig            `mapstructure:"generate" json:"generate"`
	Tracing   TracingConfig             `mapstructure:"tracing" json:"tracing"`
}

// ServerConfig covers the HTTP surface.
type ServerConfig struct {
	Addr        string   `mapstructure:"addr" json:"addr"`
	CORSOrigins []string `mapstructure:"cors_origins" json:"cors_origins"`
	RateRPS     float64  `mapstructure:"rate_rps" json:"rate_rps"`
	RateBurst   int      `mapstructure:"rate_burst" json:"rate_burst"`
	// TrustProxy trusts X-Real-IP/X-Forwarded-For for client identity.
	// Only enable behind a reverse proxy.
	TrustProxy bool `mapstructure:"trust_proxy" json:"trust_proxy"`
}

// DatabaseConfig covers PostgreSQL connectivity.
type DatabaseConfig struct {
	URL      string `mapstructure:"url" json:"url"` // SENSITIVE: password masked in MarshalJSON
	MaxConns int32  `mapstructure:"max_conns" json:"max_conns"`
}

// LogConfig covers structured logging.
type LogConfig struct {
	Level string `mapstructure:"level" json:"level"`
	JSON  bool   `mapstructure:"json" json:"json"`
}

// ProviderConfig configures one upstream AI provider.
type ProviderConfig struct {
	Enabled bool   `mapstructure:"enabled" json:"enabled"`
	APIKey  string `mapstructure:"api_key" json:"api_key"` // SENSITIVE: masked in MarshalJSON
	Model   string `mapstructure:"model" json:"model"`     // default chat model
	// Models optionally restricts the models accepted in requests.
	// Empty means any model id is passed through.
	Models        []string `mapstructure:"models" json:"models"`
	MaxConcurrent int      `mapstructure:"max_concurrent" json:"max_concurrent"`
	// UseModels overrides the default model per capability (chat, embed,
	// image, ocr). Capabilities not listed fall back to Model.
	UseModels map[string]string `mapstructure:"use_models" json:"use_models,omitempty"`
}

// QueueConfig covers deferred job execution.
type QueueConfig struct {
	AutoRetry     bool          `mapstructure:"auto_retry" json:"auto_retry"`
	MaxRetries    int           `mapstructure:"max_retries" json:"max_retries"`
	Backoff       BackoffConfig `mapstructure:"backoff" json:"backoff"`
	StaleAfter    time.Duration `mapstructure:"stale_after" json:"stale_after"`
	SweepInterval time.Duration `mapstructure:"sweep_interval" json:"sweep_interval"`
}

// BackoffConfig selects the retry delay curve.
type BackoffConfig struct {
	Mode      string        `mapstructure:"mode" json:"mode"` // "linear" or "exponential"
	BaseDelay time.Duration `mapstructure:"base_delay" json:"base_delay"`
	MaxDelay  time.Duration `mapstructure:"max_delay" json:"max_delay"`
	Jitter    bool          `mapstructure:"jitter" json:"jitter"`
}

// GenerateConfig covers generation session behavior.
type GenerateConfig struct {
	StreamBuffer  int           `mapstructure:"stream_buffer" json:"stream_buffer"`
	MaxToolRounds int           `mapstructure:"max_tool_rounds" json:"max_tool_rounds"`
	ToolTimeout   time.Duration `mapstructure:"tool_timeout" json:"tool_timeout"`
	// IdleTimeout bounds the wait for the next provider fragment.
	// A stalled provider is treated as a provider error.
	IdleTimeout time.Duration `mapstructure:"idle_timeout" json:"idle_timeout"`
}

// TracingConfig covers the OTLP trace exporter.
type TracingConfig struct {
	Enabled     bool   `mapstructure:"enabled" json:"enabled"`
	Endpoint    string `mapstructure:"endpoint" json:"endpoint"`
	ServiceName string `mapstructure:"service_name" json:"service_name"`
	Environment string `mapstructure:"environment" json:"environment"`
}

// Load reads configuration from defaults, an optional config file, and
// environment overrides, then validates the result.
func Load() (*Config, error) {
	v := viper.New()

	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("./config")
	if home, err := os.UserHomeDir(); err == nil {
		v.AddConfigPath(filepath.Join(home, ".skein"))
	}

	setDefaults(v)
	bindEnvVariables(v)

	if err := v.ReadInConfig(); err != nil {
		// A missing file is fine; defaults plus env cover it.
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("reading config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("parsing configuration: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating configuration: %w", err)
	}

	return &cfg, nil
}

// setDefaults registers every default value on the given viper instance.
func setDefaults(v *viper.Viper) {
	v.SetDefault("server.addr", "127.0.0.1:3900")
	v.SetDefault("server.cors_origins", []string{"http://localhost:5173"})
	v.SetDefault("server.rate_rps", 10.0)
	v.SetDefault("server.rate_burst", 20)
	v.SetDefault("server.trust_proxy", false)

	v.SetDefault("database.max_conns", 8)

	v.SetDefault("log.level", "info")
	v.SetDefault("log.json", false)

	v.SetDefault("providers.openai.model", "gpt-4o")
	v.SetDefault("providers.anthropic.model", "claude-sonnet-4-20250514")
	v.SetDefault("providers.googleai.model", "gemini-2.0-flash")

	// Retry defaults: exponential from 2s capped at 60s with jitter,
	// at most 3 retries.
	v.SetDefault("queue.auto_retry", true)
	v.SetDefault("queue.max_retries", 3)
	v.SetDefault("queue.backoff.mode", BackoffExponential)
	v.SetDefault("queue.backoff.base_delay", "2s")
	v.SetDefault("queue.backoff.max_delay", "60s")
	v.SetDefault("queue.backoff.jitter", true)
	v.SetDefault("queue.stale_after", "90s")
	v.SetDefault("queue.sweep_interval", "30s")

	v.SetDefault("generate.stream_buffer", 32)
	v.SetDefault("generate.max_tool_rounds", 5)
	v.SetDefault("generate.tool_timeout", "30s")
	v.SetDefault("generate.idle_timeout", "60s")

	v.SetDefault("tracing.enabled", false)
	v.SetDefault("tracing.endpoint", "localhost:4318")
	v.SetDefault("tracing.service_name", "skein")
	v.SetDefault("tracing.environment", "dev")
}

// bindEnvVariables binds environment overrides explicitly. Hardcoded keys
// cannot fail to bind; a bind error here is a bug, so mustBind panics.
func bindEnvVariables(v *viper.Viper) {
	mustBind := func(key, envVar string) {
		if err := v.BindEnv(key, envVar); err != nil {
			panic(fmt.Sprintf("BUG: failed to bind %q to %q: %v", key, envVar, err))
		}
	}

	mustBind("database.url", "DATABASE_URL")

	mustBind("providers.openai.api_key", "OPENAI_API_KEY")
	mustBind("providers.anthropic.api_key", "ANTHROPIC_API_KEY")
	mustBind("providers.googleai.api_key", "GEMINI_API_KEY")

	mustBind("server.addr", "SKEIN_ADDR")
	mustBind("server.cors_origins", "SKEIN_CORS_ORIGINS")
	mustBind("server.trust_proxy", "SKEIN_TRUST_PROXY")
	mustBind("log.level", "SKEIN_LOG_LEVEL")
	mustBind("queue.max_retries", "SKEIN_MAX_RETRIES")
	mustBind("tracing.enabled", "SKEIN_TRACING")
}

// Validate checks settings that matter in every mode. Fail fast: a bad
// value should stop the process before any component starts.
func (c *Config) Validate() error {
	switch c.Queue.Backoff.Mode {
	case BackoffLinear, BackoffExponential:
	default:
		return fmt.Errorf("%w: %q", ErrInvalidBackoffMode, c.Queue.Backoff.Mode)
	}

	if c.Queue.MaxRetries < 0 {
		return fmt.Errorf("%w: %d", ErrInvalidMaxRetries, c.Queue.MaxRetries)
	}
	if c.Queue.Backoff.BaseDelay <= 0 {
		return fmt.Errorf("%w: backoff base_delay %v", ErrInvalidInterval, c.Queue.Backoff.BaseDelay)
	}
	if c.Queue.Backoff.MaxDelay < c.Queue.Backoff.BaseDelay {
		return fmt.Errorf("%w: backoff max_delay %v < base_delay %v",
			ErrInvalidInterval, c.Queue.Backoff.MaxDelay, c.Queue.Backoff.BaseDelay)
	}
	if c.Queue.StaleAfter <= 0 {
		return fmt.Errorf("%w: stale_after %v", ErrInvalidInterval, c.Queue.StaleAfter)
	}
	if c.Queue.SweepInterval <= 0 {
		return fmt.Errorf("%w: sweep_interval %v", ErrInvalidInterval, c.Queue.SweepInterval)
	}

	if c.Generate.StreamBuffer <= 0 {
		return fmt.Errorf("%w: %d", ErrInvalidStreamBuffer, c.Generate.StreamBuffer)
	}
	if c.Generate.MaxToolRounds < 1 {
		return fmt.Errorf("%w: %d", ErrInvalidToolRounds, c.Generate.MaxToolRounds)
	}
	if c.Generate.ToolTimeout <= 0 {
		return fmt.Errorf("%w: tool_timeout %v", ErrInvalidInterval, c.Generate.ToolTimeout)
	}
	if c.Generate.IdleTimeout <= 0 {
		return fmt.Errorf("%w: idle_timeout %v", ErrInvalidInterval, c.Generate.IdleTimeout)
	}

	for name, p := range c.Providers {
		switch name {
		case ProviderOpenAI, ProviderAnthropic, ProviderGoogleAI:
		default:
			return fmt.Errorf("%w: %q", ErrUnknownProvider, name)
		}
		if p.MaxConcurrent < 0 {
			return fmt.Errorf("%w: provider %s: %d", ErrInvalidConcurrency, name, p.MaxConcurrent)
		}
	}

	return nil
}

// ValidateServe checks the additional requirements of serve mode: a
// database to persist to and at least one usable provider.
func (c *Config) ValidateServe() error {
	if err := c.Validate(); err != nil {
		return err
	}

	if c.Database.URL == "" {
		return ErrMissingDatabaseURL
	}
	u, err := url.Parse(c.Database.URL)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidDatabaseURL, err)
	}
	switch strings.ToLower(u.Scheme) {
	case "postgres", "postgresql":
	default:
		return fmt.Errorf("%w: scheme %q", ErrInvalidDatabaseURL, u.Scheme)
	}

	enabled := 0
	for name, p := range c.Providers {
		if !p.Enabled {
			continue
		}
		enabled++
		if p.APIKey == "" {
			return fmt.Errorf("%w: provider %s", ErrMissingAPIKey, name)
		}
	}
	if enabled == 0 {
		return ErrNoProviderEnabled
	}

	return nil
}

// EnabledProviders returns the ids of enabled providers in stable order.
func (c *Config) EnabledProviders() []string {
	var names []string
	for _, name := range []string{ProviderOpenAI, ProviderAnthropic, ProviderGoogleAI} {
		if p, ok := c.Providers[name]; ok && p.Enabled {
			names = append(names, name)
		}
	}
	return names
}

// maskedValue is the placeholder for masked sensitive data. Full-width
// blocks cannot collide with substrings of a real secret.
const maskedValue = "████████"

// maskSecret masks a secret for safe logging. Short secrets are fully
// masked; longer ones keep two characters at each end for debugging.
// This defends against accidental logging, not against compromised logs.
func maskSecret(s string) string {
	if s == "" {
		return ""
	}
	if len(s) <= 8 {
		return maskedValue
	}
	return s[:2] + "<" + maskedValue + ">" + s[len(s)-2:]
}

// maskDatabaseURL hides the password component of a connection URL while
// keeping host and database visible. Unparseable URLs are fully masked.
func maskDatabaseURL(raw string) string {
	if raw == "" {
		return ""
	}
	u, err := url.Parse(raw)
	if err != nil || u.User == nil {
		if err != nil {
			return maskedValue
		}
		return raw
	}
	if _, has := u.User.Password(); has {
		u.User = url.UserPassword(u.User.Username(), maskedValue)
	}
	// url.UserPassword escapes the mask; undo for readability.
	return strings.ReplaceAll(u.String(), url.QueryEscape(maskedValue), maskedValue)
}

// MarshalJSON masks sensitive fields: provider API keys and the database
// password. Update when adding new secret-bearing fields.
func (c Config) MarshalJSON() ([]byte, error) {
	type alias Config
	a := alias(c)

	a.Database.URL = maskDatabaseURL(a.Database.URL)

	if a.Providers != nil {
		masked := make(map[string]ProviderConfig, len(a.Providers))
		for name, p := range a.Providers {
			p.APIKey = maskSecret(p.APIKey)
			masked[name] = p
		}
		a.Providers = masked
	}

	data, err := json.Marshal(a)
	if err != nil {
		return nil, fmt.Errorf("marshal config: %w", err)
	}
	return data, nil
}

// String implements Stringer through MarshalJSON so secrets never leak via
// accidental %v printing.
func (c Config) String() string {
	data, err := c.MarshalJSON()
	if err != nil {
		return fmt.Sprintf("Config{error: %v}", err)
	}
	return string(data)
}
