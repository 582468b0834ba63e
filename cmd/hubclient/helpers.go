package main

import (
	"fmt"
	"os"

	"github.com/rs/zerolog"

	"github.com/Prismer-AI/Prismer/sdk/hubclient"
)

// newLogger honours --log-level, then default.log_level.
func newLogger(cfg *Config) zerolog.Logger {
	level := logLevelFlag
	if level == "" {
		level = cfg.Default.LogLevel
	}
	return hubclient.NewLogger(os.Stderr, level)
}

// newClient builds a request client from the stored configuration.
func newClient(cfg *Config, logger zerolog.Logger, opts ...hubclient.ClientOption) (*hubclient.Client, error) {
	if cfg.Default.BaseURL == "" {
		return nil, fmt.Errorf("no base url, run 'hubclient init <base-url>' first")
	}
	rc := cfg.Resilience.Config()
	base := []hubclient.ClientOption{
		hubclient.WithToken(cfg.Auth.Token),
		hubclient.WithLogger(logger),
		hubclient.WithUserAgent("hubclient-cli"),
		hubclient.WithRefreshTimeout(rc.RefreshTimeout),
	}
	return hubclient.NewClient(cfg.Default.BaseURL, append(base, opts...)...), nil
}

// persistToken saves a token the client picked up during a refresh.
func persistToken(cfg *Config, client *hubclient.Client) {
	token := client.Tokens().Token()
	if token == "" || token == cfg.Auth.Token {
		return
	}
	cfg.Auth.Token = token
	if err := saveConfig(cfg); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to save refreshed token: %v\n", err)
	}
}

// maskKey shows the first 8 and last 4 characters of a secret.
func maskKey(key string) string {
	if len(key) <= 12 {
		return "****"
	}
	return key[:8] + "..." + key[len(key)-4:]
}

func valueOrDefault(val, def string) string {
	if val == "" {
		return def
	}
	return val
}

// resolvedConfig returns the resilience settings with defaults filled in.
func resolvedConfig(cfg *Config) hubclient.Config {
	return cfg.Resilience.Config().WithDefaults()
}
