package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/Prismer-AI/Prismer/sdk/hubclient"
)

func init() {
	rootCmd.AddCommand(loginCmd)
}

var loginCmd = &cobra.Command{
	Use:   "login [token]",
	Short: "Store a bearer token, or refresh the stored one",
	Long: "Store the given bearer token in the configuration file.\n" +
		"Without an argument the refresh endpoint is called with the stored token\n" +
		"and the token it returns is saved.",
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}

		if len(args) == 1 {
			cfg.Auth.Token = args[0]
		} else {
			client, err := newClient(cfg, newLogger(cfg))
			if err != nil {
				return err
			}
			ctx, cancel := context.WithTimeout(cmd.Context(), 15*time.Second)
			defer cancel()
			if err := client.RefreshCredentials(ctx); err != nil {
				return fmt.Errorf("refresh failed: %w", err)
			}
			cfg.Auth.Token = client.Tokens().Token()
		}

		if err := saveConfig(cfg); err != nil {
			return fmt.Errorf("failed to save config: %w", err)
		}
		fmt.Printf("Token saved: %s\n", describeToken(cfg.Auth.Token, time.Now()))
		return nil
	},
}

// describeToken summarises a token for display without revealing it.
func describeToken(token string, now time.Time) string {
	if token == "" {
		return "none"
	}
	info, err := hubclient.InspectToken(token)
	if err != nil {
		return fmt.Sprintf("%s (opaque)", maskKey(token))
	}
	switch {
	case info.ExpiresAt.IsZero():
		return fmt.Sprintf("%s (no expiry)", maskKey(token))
	case info.Expired(now):
		return fmt.Sprintf("%s (EXPIRED %s)", maskKey(token), info.ExpiresAt.Format(time.RFC3339))
	default:
		return fmt.Sprintf("%s (valid until %s)", maskKey(token), info.ExpiresAt.Format(time.RFC3339))
	}
}
