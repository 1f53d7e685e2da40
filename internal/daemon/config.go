// Package daemon manages the snapbot lifecycle and configuration.
package daemon

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/BurntSushi/toml"
)

// Config holds all daemon configuration.
type Config struct {
	Slack     SlackConfig     `toml:"slack"`
	API       APIConfig       `toml:"api"`
	Bot       BotConfig       `toml:"bot"`
	Ledger    LedgerConfig    `toml:"ledger"`
	Images    ImagesConfig    `toml:"images"`
	Messages  MessagesConfig  `toml:"messages"`
	Logging   LoggingConfig   `toml:"logging"`
	Telemetry TelemetryConfig `toml:"telemetry"`
}

// SlackConfig holds workspace credentials.
type SlackConfig struct {
	BotToken      string `toml:"bot_token"`
	SigningSecret string `toml:"signing_secret"`
	APIURL        string `toml:"api_url"`
}

// APIConfig controls the webhook HTTP server.
type APIConfig struct {
	Host          string `toml:"host"`
	Port          int    `toml:"port"`
	MaxConcurrent int    `toml:"max_concurrent"`
}

// BotConfig controls event handling.
type BotConfig struct {
	EventTimeout   string `toml:"event_timeout"`
	WelcomeOnStart bool   `toml:"welcome_on_start"`
}

// LedgerConfig selects the ledger backend.
type LedgerConfig struct {
	Driver string `toml:"driver"` // sqlite | postgres | memory
	DSN    string `toml:"dsn"`    // postgres only; sqlite lives in SNAPBOT_HOME
}

// ImagesConfig controls submitted-image storage.
type ImagesConfig struct {
	Dir             string `toml:"dir"`
	DownloadTimeout string `toml:"download_timeout"`
	MaxSize         string `toml:"max_size"`
}

// MessagesConfig points at an optional reply template override file.
type MessagesConfig struct {
	File string `toml:"file"`
}

// LoggingConfig controls logging behavior.
type LoggingConfig struct {
	Level string `toml:"level"`
	File  string `toml:"file"`
}

// TelemetryConfig controls metrics exposure.
type TelemetryConfig struct {
	Prometheus bool `toml:"prometheus"`
}

// DefaultConfig returns a sensible default configuration.
func DefaultConfig() Config {
	homeDir := snapbotHome()
	return Config{
		Slack: SlackConfig{
			APIURL: "https://slack.com/api/",
		},
		API: APIConfig{
			Host:          "0.0.0.0",
			Port:          3000,
			MaxConcurrent: 8,
		},
		Bot: BotConfig{
			EventTimeout:   "60s",
			WelcomeOnStart: true,
		},
		Ledger: LedgerConfig{
			Driver: "sqlite",
		},
		Images: ImagesConfig{
			Dir:             filepath.Join(homeDir, "pics"),
			DownloadTimeout: "30s",
			MaxSize:         "20MB",
		},
		Logging: LoggingConfig{
			Level: "info",
		},
		Telemetry: TelemetryConfig{
			Prometheus: true,
		},
	}
}

// LoadConfig reads config from ~/.snapbot/config.toml, falling back to defaults,
// then applies secret overrides from the environment.
func LoadConfig() (Config, error) {
	cfg := DefaultConfig()
	path := ConfigPath()

	if _, err := os.Stat(path); err == nil {
		if _, err := toml.DecodeFile(path, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config: %w", err)
		}
	} else if !os.IsNotExist(err) {
		return cfg, fmt.Errorf("stat config: %w", err)
	}

	applyEnv(&cfg)
	return cfg, nil
}

// applyEnv lets deployments keep secrets out of config.toml.
func applyEnv(cfg *Config) {
	if v := os.Getenv("SNAPBOT_BOT_TOKEN"); v != "" {
		cfg.Slack.BotToken = v
	}
	if v := os.Getenv("SNAPBOT_SIGNING_SECRET"); v != "" {
		cfg.Slack.SigningSecret = v
	}
	if v := os.Getenv("SNAPBOT_LEDGER_DSN"); v != "" {
		cfg.Ledger.DSN = v
	}
}

// Validate checks the settings `serve` cannot run without.
func (c Config) Validate() error {
	if c.Slack.BotToken == "" {
		return fmt.Errorf("slack.bot_token is required (or set SNAPBOT_BOT_TOKEN)")
	}
	if c.Slack.SigningSecret == "" {
		return fmt.Errorf("slack.signing_secret is required (or set SNAPBOT_SIGNING_SECRET)")
	}
	switch c.Ledger.Driver {
	case "sqlite", "memory":
	case "postgres":
		if c.Ledger.DSN == "" {
			return fmt.Errorf("ledger.dsn is required for the postgres driver")
		}
	default:
		return fmt.Errorf("unknown ledger driver %q", c.Ledger.Driver)
	}
	return nil
}

// SaveConfig writes the config to ~/.snapbot/config.toml.
func SaveConfig(cfg Config) error {
	path := ConfigPath()
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return err
	}

	f, err := os.OpenFile(path, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0600)
	if err != nil {
		return err
	}
	defer f.Close()

	encoder := toml.NewEncoder(f)
	return encoder.Encode(cfg)
}

// ConfigPath returns the location of config.toml.
func ConfigPath() string {
	return filepath.Join(snapbotHome(), "config.toml")
}

// snapbotHome returns the snapbot data directory.
func snapbotHome() string {
	if env := os.Getenv("SNAPBOT_HOME"); env != "" {
		return env
	}
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".snapbot")
}

// Home is exported for use by other packages.
func Home() string {
	return snapbotHome()
}

// parseSize converts "20MB" to bytes. Simple parser for config.
func parseSize(s string, fallback int64) int64 {
	var val int64
	var unit string
	fmt.Sscanf(s, "%d%s", &val, &unit)
	if val <= 0 {
		return fallback
	}
	switch unit {
	case "GB":
		return val * 1024 * 1024 * 1024
	case "MB":
		return val * 1024 * 1024
	case "KB":
		return val * 1024
	case "B", "":
		return val
	default:
		return val * 1024 * 1024 // Assume MB
	}
}

// parseDuration parses a duration string, returning a fallback on error.
func parseDuration(s string, fallback time.Duration) time.Duration {
	if s == "" {
		return fallback
	}
	d, err := time.ParseDuration(s)
	if err != nil || d <= 0 {
		return fallback
	}
	return d
}
