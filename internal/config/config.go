package config

import (
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Config holds the full application configuration.
type Config struct {
	Store       StoreConfig       `yaml:"store" mapstructure:"store"`
	Voice       VoiceConfig       `yaml:"voice" mapstructure:"voice"`
	Anthropic   AnthropicConfig   `yaml:"anthropic" mapstructure:"anthropic"`
	Memory      MemoryConfig      `yaml:"memory" mapstructure:"memory"`
	Mailer      MailerConfig      `yaml:"mailer" mapstructure:"mailer"`
	Negotiation NegotiationConfig `yaml:"negotiation" mapstructure:"negotiation"`
	Server      ServerConfig      `yaml:"server" mapstructure:"server"`
	Log         LogConfig         `yaml:"log" mapstructure:"log"`
}

// StoreConfig configures the database backend.
type StoreConfig struct {
	Driver      string `yaml:"driver" mapstructure:"driver"` // "postgres" or "sqlite"
	DatabaseURL string `yaml:"database_url" mapstructure:"database_url"`
	MaxConns    int32  `yaml:"max_conns" mapstructure:"max_conns"`
	MinConns    int32  `yaml:"min_conns" mapstructure:"min_conns"`
}

// VoiceConfig holds voice-call provider settings.
type VoiceConfig struct {
	Key             string  `yaml:"key" mapstructure:"key"`
	BaseURL         string  `yaml:"base_url" mapstructure:"base_url"`
	AgentProfile    string  `yaml:"agent_profile" mapstructure:"agent_profile"`
	SubmitPerSecond float64 `yaml:"submit_per_second" mapstructure:"submit_per_second"`
}

// AnthropicConfig holds reasoning-service settings.
type AnthropicConfig struct {
	Key         string `yaml:"key" mapstructure:"key"`
	Model       string `yaml:"model" mapstructure:"model"`
	TimeoutSecs int    `yaml:"timeout_secs" mapstructure:"timeout_secs"`
}

// Timeout returns the bounded timeout applied to every reasoning call.
func (c AnthropicConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutSecs) * time.Second
}

// MemoryConfig configures the hybrid memory store.
type MemoryConfig struct {
	PersistPath string `yaml:"persist_path" mapstructure:"persist_path"`
	Collection  string `yaml:"collection" mapstructure:"collection"`
	TopK        int    `yaml:"top_k" mapstructure:"top_k"`
}

// MailerConfig holds the confirmation/notification collaborator settings.
type MailerConfig struct {
	BaseURL string `yaml:"base_url" mapstructure:"base_url"`
	Key     string `yaml:"key" mapstructure:"key"`
	From    string `yaml:"from" mapstructure:"from"`
}

// NegotiationConfig tunes the campaign state machine.
type NegotiationConfig struct {
	TargetFactor        float64 `yaml:"target_factor" mapstructure:"target_factor"`
	BatchSize           int     `yaml:"batch_size" mapstructure:"batch_size"`
	WatchdogTimeoutSecs int     `yaml:"watchdog_timeout_secs" mapstructure:"watchdog_timeout_secs"`
	LookupRetryDelayMs  int     `yaml:"lookup_retry_delay_ms" mapstructure:"lookup_retry_delay_ms"`
}

// WatchdogTimeout returns the per-round staleness timeout.
func (c NegotiationConfig) WatchdogTimeout() time.Duration {
	return time.Duration(c.WatchdogTimeoutSecs) * time.Second
}

// LookupRetryDelay returns the pause before retrying a webhook call lookup.
func (c NegotiationConfig) LookupRetryDelay() time.Duration {
	return time.Duration(c.LookupRetryDelayMs) * time.Millisecond
}

// ServerConfig configures the webhook server.
type ServerConfig struct {
	Port int `yaml:"port" mapstructure:"port"`
}

// LogConfig configures logging.
type LogConfig struct {
	Level  string `yaml:"level" mapstructure:"level"`
	Format string `yaml:"format" mapstructure:"format"`
}

// Load reads configuration from file and environment.
func Load() (*Config, error) {
	v := viper.New()

	// Config file
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")

	// Environment
	v.SetEnvPrefix("SOURCING")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Defaults
	v.SetDefault("store.driver", "postgres")
	v.SetDefault("store.max_conns", 10)
	v.SetDefault("store.min_conns", 2)
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
	v.SetDefault("server.port", 8080)
	v.SetDefault("voice.base_url", "https://api.vocalbridge.dev/v1")
	v.SetDefault("voice.agent_profile", "procurement-negotiator")
	v.SetDefault("voice.submit_per_second", 2.0)
	v.SetDefault("anthropic.model", "claude-sonnet-4-5-20250929")
	v.SetDefault("anthropic.timeout_secs", 30)
	v.SetDefault("memory.collection", "sourcing")
	v.SetDefault("memory.top_k", 5)
	v.SetDefault("mailer.from", "sourcing@sellsadvisors.com")
	v.SetDefault("negotiation.target_factor", 0.87)
	v.SetDefault("negotiation.batch_size", 3)
	v.SetDefault("negotiation.watchdog_timeout_secs", 45)
	v.SetDefault("negotiation.lookup_retry_delay_ms", 500)

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

// Validate checks that required settings are present for the given mode.
func (c *Config) Validate(mode string) error {
	if c.Store.Driver != "postgres" && c.Store.Driver != "sqlite" {
		return eris.Errorf("config: unknown store driver %q", c.Store.Driver)
	}
	if c.Store.DatabaseURL == "" {
		return eris.New("config: store.database_url is required")
	}
	if mode == "campaign" && c.Voice.Key == "" {
		return eris.New("config: voice.key is required to place calls")
	}
	if c.Negotiation.TargetFactor <= 0 || c.Negotiation.TargetFactor >= 1 {
		return eris.Errorf("config: negotiation.target_factor must be in (0,1), got %v", c.Negotiation.TargetFactor)
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
