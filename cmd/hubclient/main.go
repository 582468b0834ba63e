package main

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	toml "github.com/pelletier/go-toml/v2"
	"github.com/spf13/cobra"

	"github.com/Prismer-AI/Prismer/sdk/hubclient"
)

// ============================================================================
// Config types
// ============================================================================

// Config represents the CLI configuration stored in ~/.hubclient/config.toml.
type Config struct {
	Default    ConfigDefault        `toml:"default"`
	Auth       ConfigAuth           `toml:"auth"`
	Resilience hubclient.ConfigFile `toml:"resilience"`
}

// ConfigDefault holds endpoints and logging.
type ConfigDefault struct {
	BaseURL  string `toml:"base_url"`
	HubURL   string `toml:"hub_url"`
	LogLevel string `toml:"log_level,omitempty"`
}

// ConfigAuth holds the stored credential.
type ConfigAuth struct {
	Token string `toml:"token"`
}

// ============================================================================
// Config helpers
// ============================================================================

var (
	configFlag   string
	logLevelFlag string
)

// configPath returns the config file location, creating ~/.hubclient when
// no --config override is given.
func configPath() (string, error) {
	if configFlag != "" {
		return configFlag, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("cannot determine home directory: %w", err)
	}
	dir := filepath.Join(home, ".hubclient")
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return "", fmt.Errorf("cannot create config directory: %w", err)
	}
	return filepath.Join(dir, "config.toml"), nil
}

// loadConfig reads and parses the config file.
// If the file does not exist, it returns a zero-value Config.
func loadConfig() (*Config, error) {
	path, err := configPath()
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return &Config{}, nil
		}
		return nil, fmt.Errorf("cannot read config: %w", err)
	}
	return parseConfig(data)
}

func parseConfig(data []byte) (*Config, error) {
	var cfg Config
	if err := toml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("cannot parse config: %w", err)
	}
	if err := cfg.Resilience.Config().Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func saveConfig(cfg *Config) error {
	path, err := configPath()
	if err != nil {
		return err
	}
	data, err := toml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("cannot marshal config: %w", err)
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("cannot write config: %w", err)
	}
	return nil
}

// setConfigValue sets a config field using dot notation (e.g. "default.base_url").
func setConfigValue(cfg *Config, key, value string) error {
	parts := strings.SplitN(key, ".", 2)
	if len(parts) != 2 {
		return fmt.Errorf("key must use dot notation: section.field (e.g. default.base_url)")
	}
	section, field := parts[0], parts[1]

	switch section {
	case "default":
		switch field {
		case "base_url":
			cfg.Default.BaseURL = value
		case "hub_url":
			cfg.Default.HubURL = value
		case "log_level":
			cfg.Default.LogLevel = value
		default:
			return fmt.Errorf("unknown field %q in section [default]", field)
		}
	case "auth":
		if field != "token" {
			return fmt.Errorf("unknown field %q in section [auth]", field)
		}
		cfg.Auth.Token = value
	case "resilience":
		return setResilienceValue(&cfg.Resilience, field, value)
	default:
		return fmt.Errorf("unknown config section %q (valid: default, auth, resilience)", section)
	}
	return nil
}

func setResilienceValue(f *hubclient.ConfigFile, field, value string) error {
	if field == "jitter_fraction" {
		v, err := strconv.ParseFloat(value, 64)
		if err != nil {
			return fmt.Errorf("jitter_fraction: %w", err)
		}
		f.JitterFraction = v
		return f.Config().Validate()
	}

	v, err := strconv.ParseInt(value, 10, 64)
	if err != nil {
		return fmt.Errorf("%s: %w", field, err)
	}
	switch field {
	case "base_delay_ms":
		f.BaseDelayMs = v
	case "max_delay_ms":
		f.MaxDelayMs = v
	case "min_delay_ms":
		f.MinDelayMs = v
	case "circuit_failure_threshold":
		f.CircuitFailureThreshold = int(v)
	case "circuit_cooldown_ms":
		f.CircuitCooldownMs = v
	case "health_check_interval_ms":
		f.HealthCheckIntervalMs = v
	case "credential_refresh_interval_ms":
		f.CredentialRefreshIntervalMs = v
	case "hidden_duration_sleep_threshold_ms":
		f.HiddenDurationSleepThresholdMs = v
	case "refresh_timeout_ms":
		f.RefreshTimeoutMs = v
	default:
		return fmt.Errorf("unknown field %q in section [resilience]", field)
	}
	return f.Config().Validate()
}

// ============================================================================
// Root command
// ============================================================================

var rootCmd = &cobra.Command{
	Use:          "hubclient",
	Short:        "Resilient backend client",
	Long:         "Command-line client for a backend with an HTTP API and a WebSocket hub.\nStore credentials, issue requests and watch hub events with automatic reconnects.",
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configFlag, "config", "", "config file (default ~/.hubclient/config.toml)")
	rootCmd.PersistentFlags().StringVar(&logLevelFlag, "log-level", "", "log level: trace, debug, info, warn, error")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
