package main

import (
	"fmt"
	"net/url"
	"strings"

	"github.com/spf13/cobra"
)

func init() {
	initCmd.Flags().String("hub", "", "hub WebSocket URL (default derived from the base URL)")
	rootCmd.AddCommand(initCmd)
}

var initCmd = &cobra.Command{
	Use:   "init <base-url>",
	Short: "Store the backend URL in ~/.hubclient/config.toml",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}

		cfg.Default.BaseURL = strings.TrimRight(args[0], "/")
		hub, _ := cmd.Flags().GetString("hub")
		if hub == "" {
			hub, err = deriveHubURL(cfg.Default.BaseURL)
			if err != nil {
				return err
			}
		}
		cfg.Default.HubURL = hub

		if err := saveConfig(cfg); err != nil {
			return fmt.Errorf("failed to save config: %w", err)
		}
		path, _ := configPath()
		fmt.Printf("Backend %s (hub %s) saved to %s\n", cfg.Default.BaseURL, cfg.Default.HubURL, path)
		return nil
	},
}

// deriveHubURL maps http(s)://host to ws(s)://host/hub.
func deriveHubURL(base string) (string, error) {
	u, err := url.Parse(base)
	if err != nil {
		return "", fmt.Errorf("invalid base url: %w", err)
	}
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	case "http":
		u.Scheme = "ws"
	default:
		return "", fmt.Errorf("base url must be http or https, got %q", u.Scheme)
	}
	u.Path = strings.TrimRight(u.Path, "/") + "/hub"
	return u.String(), nil
}
