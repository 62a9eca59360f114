package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
)

// Config is the root configuration for Relaybot.
type Config struct {
	General  GeneralConfig  `json:"general"`
	Relay    RelayConfig    `json:"relay"`
	Dedupe   DedupeConfig   `json:"dedupe"`
	Router   RouterConfig   `json:"router"`
	Runners  RunnersConfig  `json:"runners"`
	Fallback FallbackConfig `json:"fallback"`
	Chat     ChatConfig     `json:"chat"`
	Research ResearchConfig `json:"research"`
	Notify   NotifyConfig   `json:"notify"`
	Metrics  MetricsConfig  `json:"metrics"`
}

type GeneralConfig struct {
	Workspace string `json:"workspace"`
	LogLevel  string `json:"logLevel"`
	LogFile   string `json:"logFile,omitempty"` // optional log file path
}

// RelayConfig describes the push-relay endpoint and topics.
type RelayConfig struct {
	BaseURL       string `json:"baseUrl"`
	Topic         string `json:"topic"`                   // main command topic
	ReplyTopic    string `json:"replyTopic,omitempty"`    // status publishes (default: Topic)
	PrimaryTopic  string `json:"primaryTopic,omitempty"`  // dedicated primary-tool topic
	FallbackTopic string `json:"fallbackTopic,omitempty"` // dedicated fallback-tool topic
	BackoffCapS   int    `json:"backoffCapSeconds"`       // reconnect backoff ceiling
	MaxReconnects int    `json:"maxReconnects"`           // consecutive failures before fatal
	AuthToken     string `json:"authToken,omitempty"`
}

type DedupeConfig struct {
	DBPath  string `json:"dbPath"`
	TTLDays int    `json:"ttlDays"`
}

type RouterConfig struct {
	PrefixRouting bool   `json:"prefixRouting"`
	AliasDir      string `json:"aliasDir,omitempty"` // extra YAML marker packs
}

type RunnersConfig struct {
	Primary  RunnerConfig `json:"primary"`
	Fallback RunnerConfig `json:"fallback"`
}

type RunnerConfig struct {
	Binary         string `json:"binary"`
	TimeoutSeconds int    `json:"timeoutSeconds"` // 0 = unlimited
	MaxOutputBytes int    `json:"maxOutputBytes"`
}

type FallbackConfig struct {
	Enabled      bool `json:"enabled"`
	OnAnyFailure bool `json:"onAnyFailure"`
	OnUsageLimit bool `json:"onUsageLimit"`
}

type ChatConfig struct {
	Enabled bool   `json:"enabled"`
	APIBase string `json:"apiBase,omitempty"`
	APIKey  string `json:"apiKey,omitempty"`
	Model   string `json:"model,omitempty"`
}

type ResearchConfig struct {
	APIBase string `json:"apiBase,omitempty"` // empty = local generator only
	APIKey  string `json:"apiKey,omitempty"`
}

// NotifyConfig configures the optional Telegram status mirror.
type NotifyConfig struct {
	Telegram TelegramConfig `json:"telegram"`
}

type TelegramConfig struct {
	Enabled   bool   `json:"enabled"`
	Token     string `json:"token"`
	ChatID    string `json:"chatId"`
	ParseMode string `json:"parseMode"`
}

type MetricsConfig struct {
	Enabled bool   `json:"enabled"`
	Host    string `json:"host"`
	Port    int    `json:"port"`
}

// DefaultConfigDir returns the default config directory (~/.relaybot).
func DefaultConfigDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".relaybot"
	}
	return filepath.Join(home, ".relaybot")
}

func DefaultConfigPath() string {
	return filepath.Join(DefaultConfigDir(), "config.json")
}

func Load(path string) (*Config, error) {
	path = ExpandPath(path)

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("cannot read config file %s: %w", path, err)
	}

	// Substitute environment variables: ${VAR} and ${VAR:-default}
	data = []byte(ExpandEnvVars(string(data)))

	cfg := Defaults()
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("cannot parse config file %s: %w", path, err)
	}

	cfg.General.Workspace = ExpandPath(cfg.General.Workspace)
	cfg.General.LogFile = ExpandPath(cfg.General.LogFile)
	cfg.Dedupe.DBPath = ExpandPath(cfg.Dedupe.DBPath)
	cfg.Router.AliasDir = ExpandPath(cfg.Router.AliasDir)

	if err := Validate(cfg); err != nil {
		return nil, fmt.Errorf("config validation: %w", err)
	}

	return cfg, nil
}

// envVarPattern matches ${VAR} and ${VAR:-default} patterns in config strings.
var envVarPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)(?::-(.*?))?\}`)

// ExpandEnvVars replaces ${VAR} with the environment variable value.
// Supports default values: ${VAR:-default} uses "default" when VAR is unset or empty.
func ExpandEnvVars(input string) string {
	return envVarPattern.ReplaceAllStringFunc(input, func(match string) string {
		groups := envVarPattern.FindStringSubmatch(match)
		if len(groups) < 2 {
			return match
		}
		varName := groups[1]
		defaultVal := ""
		hasDefault := len(groups) >= 3 && groups[2] != ""
		if hasDefault {
			defaultVal = groups[2]
		}

		val, exists := os.LookupEnv(varName)
		if !exists || val == "" {
			if hasDefault {
				return defaultVal
			}
			return match // Keep original if no env var and no default
		}
		return val
	})
}

func Save(path string, cfg *Config) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("cannot create config directory: %w", err)
	}

	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("cannot marshal config: %w", err)
	}

	return os.WriteFile(path, data, 0o644)
}

// Validate checks that the config has valid values.
func Validate(cfg *Config) error {
	var errs []string

	if cfg.Relay.BaseURL == "" {
		errs = append(errs, "relay.baseUrl is required")
	} else if !strings.HasPrefix(cfg.Relay.BaseURL, "http://") && !strings.HasPrefix(cfg.Relay.BaseURL, "https://") {
		errs = append(errs, "relay.baseUrl must start with http:// or https://")
	}
	if cfg.Relay.Topic == "" {
		errs = append(errs, "relay.topic is required")
	}
	if cfg.Relay.BackoffCapS < 1 {
		errs = append(errs, "relay.backoffCapSeconds must be >= 1")
	}
	if cfg.Relay.MaxReconnects < 1 {
		errs = append(errs, "relay.maxReconnects must be >= 1")
	}

	if cfg.Dedupe.TTLDays < 1 {
		errs = append(errs, "dedupe.ttlDays must be >= 1")
	}

	if cfg.Runners.Primary.Binary == "" {
		errs = append(errs, "runners.primary.binary is required")
	}
	if cfg.Runners.Primary.TimeoutSeconds < 0 {
		errs = append(errs, "runners.primary.timeoutSeconds must be >= 0")
	}
	if cfg.Fallback.Enabled && cfg.Runners.Fallback.Binary == "" {
		errs = append(errs, "runners.fallback.binary is required when fallback is enabled")
	}
	if cfg.Runners.Fallback.TimeoutSeconds < 0 {
		errs = append(errs, "runners.fallback.timeoutSeconds must be >= 0")
	}

	if cfg.Notify.Telegram.Enabled {
		if cfg.Notify.Telegram.Token == "" {
			errs = append(errs, "notify.telegram.token is required when the mirror is enabled")
		}
		if cfg.Notify.Telegram.ChatID == "" {
			errs = append(errs, "notify.telegram.chatId is required when the mirror is enabled")
		}
	}

	if cfg.Metrics.Port < 0 || cfg.Metrics.Port > 65535 {
		errs = append(errs, "metrics.port must be between 0 and 65535")
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation errors:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return nil
}

// ExpandPath resolves ~/ to the user's home directory.
func ExpandPath(path string) string {
	if strings.HasPrefix(path, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return path
		}
		return filepath.Join(home, path[2:])
	}
	return path
}
