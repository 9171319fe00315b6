package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
)

// Config is the root configuration for the relay.
type Config struct {
	General   GeneralConfig   `json:"general"`
	Webhook   WebhookConfig   `json:"webhook"`
	Platform  PlatformConfig  `json:"platform"`
	Responder ResponderConfig `json:"responder"`
	Store     StoreConfig     `json:"store"`
	Pipeline  PipelineConfig  `json:"pipeline"`
}

type GeneralConfig struct {
	LogLevel  string `json:"logLevel"`
	LogFile   string `json:"logFile,omitempty"` // optional log file path
	AgentsDir string `json:"agentsDir"`         // directory of agent definition YAML files
}

// WebhookConfig configures the inbound HTTP server.
type WebhookConfig struct {
	Port      int     `json:"port"`
	Path      string  `json:"path"`
	Secret    string  `json:"secret,omitempty"`    // HMAC secret; empty disables verification
	RateLimit float64 `json:"rateLimit,omitempty"` // requests/second per remote; 0 disables
	RateBurst int     `json:"rateBurst,omitempty"`
}

// PlatformConfig selects and configures the outbound messaging platform.
type PlatformConfig struct {
	Kind           string `json:"kind"` // "http" | "telegram"
	APIBase        string `json:"apiBase,omitempty"`
	Token          string `json:"token,omitempty"`
	TimeoutSeconds int    `json:"timeoutSeconds,omitempty"`
	TelegramToken  string `json:"telegramToken,omitempty"`
}

// ResponderConfig configures the LLM responder. An empty APIKey selects
// the static responder.
type ResponderConfig struct {
	APIBase string `json:"apiBase,omitempty"`
	APIKey  string `json:"apiKey,omitempty"`
	Model   string `json:"model,omitempty"`
}

type StoreConfig struct {
	DBPath string `json:"dbPath"`
}

// PipelineConfig tunes timeouts and deduplication.
type PipelineConfig struct {
	HistoryTimeoutSeconds  int `json:"historyTimeoutSeconds,omitempty"`
	ProcessTimeoutSeconds  int `json:"processTimeoutSeconds,omitempty"`
	DeliveryTimeoutSeconds int `json:"deliveryTimeoutSeconds,omitempty"`
	DedupTTLSeconds        int `json:"dedupTtlSeconds,omitempty"`
	DedupSweepSeconds      int `json:"dedupSweepSeconds,omitempty"`
	RetryMaxAttempts       int `json:"retryMaxAttempts,omitempty"`
	RetryBaseDelayMS       int `json:"retryBaseDelayMs,omitempty"`
}

// DefaultConfigDir returns the default config directory (~/.chatrelay).
func DefaultConfigDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".chatrelay"
	}
	return filepath.Join(home, ".chatrelay")
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

	cfg.General.AgentsDir = ExpandPath(cfg.General.AgentsDir)
	cfg.General.LogFile = ExpandPath(cfg.General.LogFile)
	cfg.Store.DBPath = ExpandPath(cfg.Store.DBPath)

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

	switch cfg.General.LogLevel {
	case "", "debug", "info", "warn", "error":
		// valid
	default:
		errs = append(errs, "general.logLevel must be one of: debug, info, warn, error")
	}

	if cfg.Webhook.Port < 0 || cfg.Webhook.Port > 65535 {
		errs = append(errs, "webhook.port must be between 0 and 65535")
	}
	if cfg.Webhook.RateLimit < 0 {
		errs = append(errs, "webhook.rateLimit must be >= 0")
	}

	switch cfg.Platform.Kind {
	case "http", "telegram":
		// valid
	default:
		errs = append(errs, "platform.kind must be one of: http, telegram")
	}
	if cfg.Platform.Kind == "http" && cfg.Platform.APIBase == "" {
		errs = append(errs, "platform.apiBase is required for the http platform")
	}
	if cfg.Platform.Kind == "telegram" && cfg.Platform.TelegramToken == "" {
		errs = append(errs, "platform.telegramToken is required for the telegram platform")
	}

	if cfg.Store.DBPath == "" {
		errs = append(errs, "store.dbPath is required")
	}

	if cfg.Pipeline.DedupTTLSeconds < 1 {
		errs = append(errs, "pipeline.dedupTtlSeconds must be >= 1")
	}
	if cfg.Pipeline.DedupSweepSeconds < 1 {
		errs = append(errs, "pipeline.dedupSweepSeconds must be >= 1")
	}
	if cfg.Pipeline.RetryMaxAttempts < 1 {
		errs = append(errs, "pipeline.retryMaxAttempts must be >= 1")
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
