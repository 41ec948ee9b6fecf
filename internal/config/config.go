// Package config loads processor settings from an optional YAML file and
// CHATRELAY_* environment variables, with working defaults for everything
// except secrets.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const envPrefix = "CHATRELAY"

type Config struct {
	Store     StoreConfig     `mapstructure:"store"`
	Queue     QueueConfig     `mapstructure:"queue"`
	Backend   BackendConfig   `mapstructure:"backend"`
	Processor ProcessorConfig `mapstructure:"processor"`
	Twilio    TwilioConfig    `mapstructure:"twilio"`
	Log       LogConfig       `mapstructure:"log"`
}

// StoreConfig selects where conversations and the inbound queue live.
// Backend "dynamodb" is the deployed mode; "sqlite" runs everything
// against a local file for offline development.
type StoreConfig struct {
	Backend            string `mapstructure:"backend"`
	ConversationsTable string `mapstructure:"conversations_table"`
	QueueTable         string `mapstructure:"queue_table"`
	SQLitePath         string `mapstructure:"sqlite_path"`
}

type QueueConfig struct {
	PollInterval  time.Duration `mapstructure:"poll_interval"`
	BatchSize     int           `mapstructure:"batch_size"`
	Retention     time.Duration `mapstructure:"retention"`
	PurgeInterval time.Duration `mapstructure:"purge_interval"`
}

// ProviderConfig names the models and the secret parameter for one LLM
// provider.
type ProviderConfig struct {
	BaseModel       string `mapstructure:"base_model"`
	ElevatedModel   string `mapstructure:"elevated_model"`
	APIKeyParameter string `mapstructure:"api_key_parameter"`
}

type BackendConfig struct {
	Provider        string         `mapstructure:"provider"`
	Timeout         time.Duration  `mapstructure:"timeout"`
	MaxOutputTokens int            `mapstructure:"max_output_tokens"`
	Anthropic       ProviderConfig `mapstructure:"anthropic"`
	OpenAI          ProviderConfig `mapstructure:"openai"`
}

type ProcessorConfig struct {
	ContextTurns  int           `mapstructure:"context_turns"`
	MaxMessageLen int           `mapstructure:"max_message_len"`
	SegmentPause  time.Duration `mapstructure:"segment_pause"`
}

type TwilioConfig struct {
	CredentialsParameter string `mapstructure:"credentials_parameter"`
	FromNumber           string `mapstructure:"from_number"`
}

type LogConfig struct {
	Level  string `mapstructure:"level"`
	Pretty bool   `mapstructure:"pretty"`
}

// Load reads configuration from configPath when given, otherwise from a
// config.yaml next to the binary. A missing file is fine; environment
// variables and defaults cover everything.
func Load(configPath string) (*Config, error) {
	v := viper.New()
	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.AddConfigPath(".")
		v.SetConfigName("config")
		v.SetConfigType("yaml")
	}

	setDefaults(v)

	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if configPath != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("config: read file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("config: decode: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("store.backend", "dynamodb")
	v.SetDefault("store.conversations_table", "chat-relay-conversations")
	v.SetDefault("store.queue_table", "chat-relay-queue")
	v.SetDefault("store.sqlite_path", "data/chat-relay.db")

	v.SetDefault("queue.poll_interval", "10s")
	v.SetDefault("queue.batch_size", 5)
	v.SetDefault("queue.retention", "168h")
	v.SetDefault("queue.purge_interval", "1h")

	v.SetDefault("backend.provider", "anthropic")
	v.SetDefault("backend.timeout", "180s")
	v.SetDefault("backend.max_output_tokens", 8192)
	v.SetDefault("backend.anthropic.base_model", "claude-haiku-4-5")
	v.SetDefault("backend.anthropic.elevated_model", "claude-sonnet-4-5")
	v.SetDefault("backend.anthropic.api_key_parameter", "/chat-relay/anthropic-api-key")
	v.SetDefault("backend.openai.base_model", "gpt-4o-mini")
	v.SetDefault("backend.openai.elevated_model", "gpt-4o")
	v.SetDefault("backend.openai.api_key_parameter", "/chat-relay/openai-api-key")

	v.SetDefault("processor.context_turns", 10)
	v.SetDefault("processor.max_message_len", 1600)
	v.SetDefault("processor.segment_pause", "500ms")

	v.SetDefault("twilio.credentials_parameter", "/chat-relay/twilio-credentials")
	v.SetDefault("twilio.from_number", "")

	v.SetDefault("log.level", "info")
	v.SetDefault("log.pretty", false)
}

func (c *Config) Validate() error {
	switch c.Store.Backend {
	case "dynamodb", "sqlite":
	default:
		return fmt.Errorf("config: unknown store backend %q", c.Store.Backend)
	}
	switch c.Backend.Provider {
	case "anthropic", "openai":
	default:
		return fmt.Errorf("config: unknown backend provider %q", c.Backend.Provider)
	}
	if c.Queue.BatchSize <= 0 {
		return fmt.Errorf("config: queue batch size must be positive, got %d", c.Queue.BatchSize)
	}
	if c.Queue.PollInterval <= 0 {
		return fmt.Errorf("config: queue poll interval must be positive, got %s", c.Queue.PollInterval)
	}
	if c.Processor.ContextTurns <= 0 {
		return fmt.Errorf("config: processor context turns must be positive, got %d", c.Processor.ContextTurns)
	}
	if c.Processor.MaxMessageLen <= 0 {
		return fmt.Errorf("config: processor max message length must be positive, got %d", c.Processor.MaxMessageLen)
	}
	if c.Twilio.FromNumber == "" {
		return fmt.Errorf("config: twilio from number is required")
	}
	return nil
}

// Provider returns the model configuration for the selected backend
// provider.
func (c *Config) Provider() ProviderConfig {
	if c.Backend.Provider == "openai" {
		return c.Backend.OpenAI
	}
	return c.Backend.Anthropic
}
