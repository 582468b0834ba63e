package main

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/Prismer-AI/Prismer/sdk/hubclient"
	"github.com/spf13/cobra"
)

func init() {
	configShowCmd.Flags().Bool("resolved", false, "print effective resilience settings with defaults applied")
	rootCmd.AddCommand(configCmd)
	configCmd.AddCommand(configShowCmd)
	configCmd.AddCommand(configSetCmd)
}

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Manage hubclient configuration",
	Long:  "View or modify the configuration stored in ~/.hubclient/config.toml.",
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Print the configuration file",
	Long:  "Print the configuration file as stored, or with --resolved the resilience\nsettings the client actually runs with.",
	RunE: func(cmd *cobra.Command, args []string) error {
		if resolved, _ := cmd.Flags().GetBool("resolved"); resolved {
			cfg, err := loadConfig()
			if err != nil {
				return fmt.Errorf("failed to load config: %w", err)
			}
			printResilience(cmd.OutOrStdout(), resolvedConfig(cfg))
			return nil
		}

		path, err := configPath()
		if err != nil {
			return err
		}
		data, err := os.ReadFile(path)
		switch {
		case os.IsNotExist(err):
			fmt.Fprintln(cmd.OutOrStdout(), "No configuration file found. Run 'hubclient init <base-url>' to create one.")
			return nil
		case err != nil:
			return fmt.Errorf("cannot read config file: %w", err)
		}
		cmd.OutOrStdout().Write(data)
		return nil
	},
}

var configSetCmd = &cobra.Command{
	Use:   "set <key> <value>",
	Short: "Set a configuration value",
	Long:  "Set a configuration value using dot notation.\nExample: hubclient config set resilience.max_delay_ms 60000",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}
		return runConfigSet(cmd.OutOrStdout(), cfg, args[0], args[1])
	},
}

// runConfigSet applies one key, saves and echoes the result. Resilience keys
// echo the full effective settings since unset values fall back to defaults.
func runConfigSet(w io.Writer, cfg *Config, key, value string) error {
	if err := setConfigValue(cfg, key, value); err != nil {
		return err
	}
	if err := saveConfig(cfg); err != nil {
		return fmt.Errorf("failed to save config: %w", err)
	}

	shown := value
	if key == "auth.token" {
		shown = maskKey(value)
	}
	fmt.Fprintf(w, "Set %s = %s\n", key, shown)

	if strings.HasPrefix(key, "resilience.") {
		fmt.Fprintln(w)
		printResilience(w, resolvedConfig(cfg))
	}
	return nil
}

func printResilience(w io.Writer, c hubclient.Config) {
	fmt.Fprintln(w, "Resilience:")
	fmt.Fprintf(w, "  Backoff:  %s .. %s (jitter %.0f%%, floor %s)\n", c.BaseDelay, c.MaxDelay, c.Jitter*100, c.MinDelay)
	fmt.Fprintf(w, "  Circuit:  %d failures, %s cooldown\n", c.CircuitFailureThreshold, c.CircuitCooldown)
	fmt.Fprintf(w, "  Health:   every %s\n", c.HealthCheckInterval)
	fmt.Fprintf(w, "  Token:    refreshed every %s\n", c.CredentialRefreshInterval)
	fmt.Fprintf(w, "  Sleep:    gaps over %s count as a wake\n", c.HiddenSleepThreshold)
}
