package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"finagent/internal/apperr"
)

const (
	ProviderOpenAI  = "openai"
	ProviderNVIDIA  = "nvidia"
	ProviderClaude  = "claude"
	ProviderOffline = "offline"
)

const (
	defaultPort             = 8080
	defaultTemperature      = 0.1
	defaultMaxTokens        = 2000
	defaultLLMTimeout       = 60 * time.Second
	defaultMaxIterations    = 5
	defaultHistoryWindow    = 10
	defaultMaxConversations = 100
	defaultIdleTimeout      = 24 * time.Hour
	defaultSweepInterval    = 10 * time.Minute
	defaultCacheTTL         = time.Hour
	defaultCacheSize        = 256
	defaultDatabasePath     = "data/finance.db"

	// MaxIterationsLimit bounds both the configured and the per-query
	// iteration budget.
	MaxIterationsLimit = 20
)

// Config represents the application configuration parsed from YAML.
type Config struct {
	Server        ServerConfig       `yaml:"server"`
	LLM           LLMConfig          `yaml:"llm"`
	Agent         AgentConfig        `yaml:"agent"`
	Conversations ConversationConfig `yaml:"conversations"`
	Insights      InsightsConfig     `yaml:"insights"`
	Database      DatabaseConfig     `yaml:"database"`
	Logging       LoggingConfig      `yaml:"logging"`
}

// ServerConfig defines listener configuration.
type ServerConfig struct {
	Port int `yaml:"port"`
}

// LLMConfig selects and configures the completion provider.
type LLMConfig struct {
	Provider    string        `yaml:"provider"`
	APIKey      string        `yaml:"api_key"`
	Model       string        `yaml:"model"`
	BaseURL     string        `yaml:"base_url"`
	Headers     Headers       `yaml:"headers"`
	Temperature *float64      `yaml:"temperature"`
	MaxTokens   int           `yaml:"max_tokens"`
	Timeout     time.Duration `yaml:"timeout"`
}

// Headers contains additional HTTP headers to send with a provider request.
type Headers map[string]string

// AgentConfig tunes the tool-calling loop.
type AgentConfig struct {
	MaxIterations  int   `yaml:"max_iterations"`
	HistoryWindow  int   `yaml:"history_window"`
	FinalSynthesis *bool `yaml:"final_synthesis"`
}

// SynthesisEnabled reports whether the closing no-tools call is issued when
// the iteration budget runs out.
func (a AgentConfig) SynthesisEnabled() bool {
	return a.FinalSynthesis == nil || *a.FinalSynthesis
}

// ConversationConfig bounds the in-process conversation store.
type ConversationConfig struct {
	MaxConversations int           `yaml:"max_conversations"`
	IdleTimeout      time.Duration `yaml:"idle_timeout"`
	SweepInterval    time.Duration `yaml:"sweep_interval"`
}

// InsightsConfig configures the narrative cache.
type InsightsConfig struct {
	CacheTTL  time.Duration `yaml:"cache_ttl"`
	CacheSize int           `yaml:"cache_size"`
}

// DatabaseConfig points at the sqlite file holding financial records.
type DatabaseConfig struct {
	Path string `yaml:"path"`
}

// LoggingConfig controls the slog handler.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Load reads YAML configuration from disk, expands environment variables,
// applies defaults and validates the result.
func Load(path string) (Config, error) {
	absPath, err := filepath.Abs(path)
	if err != nil {
		return Config{}, &apperr.ConfigurationError{Setting: "config", Err: fmt.Errorf("resolve path: %w", err)}
	}

	data, err := os.ReadFile(absPath)
	if err != nil {
		return Config{}, &apperr.ConfigurationError{Setting: "config", Err: fmt.Errorf("read %q: %w", absPath, err)}
	}

	cfg, err := Parse(data)
	if err != nil {
		return Config{}, fmt.Errorf("parse config file %q: %w", absPath, err)
	}
	return cfg, nil
}

// Parse decodes raw YAML, expanding ${VAR} references first.
func Parse(data []byte) (Config, error) {
	expanded := os.ExpandEnv(string(data))

	var cfg Config
	if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
		return Config{}, &apperr.ConfigurationError{Setting: "yaml", Err: err}
	}

	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Default returns a configuration running entirely offline against an
// in-memory database.
func Default() Config {
	cfg := Config{
		LLM:      LLMConfig{Provider: ProviderOffline},
		Database: DatabaseConfig{Path: ":memory:"},
	}
	cfg.ApplyDefaults()
	return cfg
}

// ApplyDefaults fills every unset field with its default.
func (c *Config) ApplyDefaults() {
	if c.Server.Port == 0 {
		c.Server.Port = defaultPort
	}

	c.LLM.Provider = strings.ToLower(strings.TrimSpace(c.LLM.Provider))
	if c.LLM.Provider == "" {
		c.LLM.Provider = ProviderOpenAI
	}
	if c.LLM.Temperature == nil {
		v := defaultTemperature
		c.LLM.Temperature = &v
	}
	if c.LLM.MaxTokens == 0 {
		c.LLM.MaxTokens = defaultMaxTokens
	}
	if c.LLM.Timeout == 0 {
		c.LLM.Timeout = defaultLLMTimeout
	}

	if c.Agent.MaxIterations == 0 {
		c.Agent.MaxIterations = defaultMaxIterations
	}
	if c.Agent.HistoryWindow == 0 {
		c.Agent.HistoryWindow = defaultHistoryWindow
	}

	if c.Conversations.MaxConversations == 0 {
		c.Conversations.MaxConversations = defaultMaxConversations
	}
	if c.Conversations.IdleTimeout == 0 {
		c.Conversations.IdleTimeout = defaultIdleTimeout
	}
	if c.Conversations.SweepInterval == 0 {
		c.Conversations.SweepInterval = defaultSweepInterval
	}

	if c.Insights.CacheTTL == 0 {
		c.Insights.CacheTTL = defaultCacheTTL
	}
	if c.Insights.CacheSize == 0 {
		c.Insights.CacheSize = defaultCacheSize
	}

	if strings.TrimSpace(c.Database.Path) == "" {
		c.Database.Path = defaultDatabasePath
	}

	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "auto"
	}
}

// Validate performs strict sanity checks on the configuration.
func (c Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return invalid("server.port", "must be a valid TCP port, got %d", c.Server.Port)
	}

	if err := c.LLM.validate(); err != nil {
		return err
	}

	if c.Agent.MaxIterations < 1 || c.Agent.MaxIterations > MaxIterationsLimit {
		return invalid("agent.max_iterations", "must be between 1 and %d, got %d", MaxIterationsLimit, c.Agent.MaxIterations)
	}
	if c.Agent.HistoryWindow < 1 {
		return invalid("agent.history_window", "must be positive, got %d", c.Agent.HistoryWindow)
	}

	if c.Conversations.MaxConversations < 1 {
		return invalid("conversations.max_conversations", "must be positive, got %d", c.Conversations.MaxConversations)
	}
	if c.Conversations.IdleTimeout < 0 {
		return invalid("conversations.idle_timeout", "must not be negative, got %s", c.Conversations.IdleTimeout)
	}
	if c.Conversations.SweepInterval < 0 {
		return invalid("conversations.sweep_interval", "must not be negative, got %s", c.Conversations.SweepInterval)
	}

	if c.Insights.CacheTTL <= 0 {
		return invalid("insights.cache_ttl", "must be positive, got %s", c.Insights.CacheTTL)
	}
	if c.Insights.CacheSize < 1 {
		return invalid("insights.cache_size", "must be positive, got %d", c.Insights.CacheSize)
	}

	switch strings.ToLower(c.Logging.Level) {
	case "debug", "info", "warn", "error":
	default:
		return invalid("logging.level", "%q must be one of debug, info, warn or error", c.Logging.Level)
	}
	switch c.Logging.Format {
	case "auto", "text", "json":
	default:
		return invalid("logging.format", "%q must be one of auto, text or json", c.Logging.Format)
	}

	return nil
}

func (l LLMConfig) validate() error {
	switch l.Provider {
	case ProviderOpenAI, ProviderNVIDIA, ProviderClaude:
		if strings.TrimSpace(l.APIKey) == "" {
			return invalid("llm.api_key", "must be provided for provider %s", l.Provider)
		}
		if strings.TrimSpace(l.Model) == "" {
			return invalid("llm.model", "must be provided for provider %s", l.Provider)
		}
	case ProviderOffline:
	default:
		return invalid("llm.provider", "%q must be one of %q, %q, %q or %q",
			l.Provider, ProviderOpenAI, ProviderNVIDIA, ProviderClaude, ProviderOffline)
	}

	if l.Temperature != nil && (*l.Temperature < 0 || *l.Temperature > 2) {
		return invalid("llm.temperature", "must be between 0 and 2, got %g", *l.Temperature)
	}
	if l.MaxTokens < 1 {
		return invalid("llm.max_tokens", "must be positive, got %d", l.MaxTokens)
	}
	if l.Timeout < 0 {
		return invalid("llm.timeout", "must not be negative, got %s", l.Timeout)
	}

	for headerKey := range l.Headers {
		if !isCanonicalHTTPHeader(headerKey) {
			return invalid("llm.headers", "%q is not a valid canonical HTTP header", headerKey)
		}
	}
	return nil
}

func invalid(setting, format string, args ...any) error {
	return &apperr.ConfigurationError{Setting: setting, Err: fmt.Errorf(format, args...)}
}

func isCanonicalHTTPHeader(header string) bool {
	if header == "" {
		return false
	}

	for _, r := range header {
		if !(r == '-' || (r >= 'A' && r <= 'Z') || (r >= 'a' && r <= 'z')) {
			return false
		}
	}
	return true
}
