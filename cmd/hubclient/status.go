package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"
)

func init() {
	statusCmd.Flags().String("path", "", "endpoint to probe for live status")
	rootCmd.AddCommand(statusCmd)
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show configuration and credential status",
	Long:  "Display the current configuration, check whether the stored token is expired\nand optionally probe an endpoint.",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}

		fmt.Println("Configuration:")
		fmt.Printf("  Base URL: %s\n", valueOrDefault(cfg.Default.BaseURL, "(not set)"))
		fmt.Printf("  Hub URL:  %s\n", valueOrDefault(cfg.Default.HubURL, "(not set)"))

		fmt.Println()
		fmt.Println("Auth:")
		fmt.Printf("  Token:    %s\n", describeToken(cfg.Auth.Token, time.Now()))

		fmt.Println()
		printResilience(os.Stdout, resolvedConfig(cfg))

		path, _ := cmd.Flags().GetString("path")
		if path == "" || cfg.Default.BaseURL == "" {
			return nil
		}

		fmt.Println()
		fmt.Println("Live status:")
		client, err := newClient(cfg, newLogger(cfg))
		if err != nil {
			return err
		}
		ctx, cancel := context.WithTimeout(cmd.Context(), 10*time.Second)
		defer cancel()

		start := time.Now()
		out := client.Get(ctx, path, nil)
		persistToken(cfg, client)
		if out.OK {
			fmt.Printf("  %s: ok (%d in %s)\n", path, out.Status, time.Since(start).Round(time.Millisecond))
		} else {
			fmt.Printf("  %s: %s: %s\n", path, out.Kind, out.Message)
		}
		return nil
	},
}
