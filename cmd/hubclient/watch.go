package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/Prismer-AI/Prismer/sdk/hubclient"
)

func init() {
	watchCmd.Flags().StringArrayP("group", "g", nil, "group to join (repeatable)")
	watchCmd.Flags().StringArrayP("event", "e", nil, "push event to print (repeatable)")
	watchCmd.Flags().String("metrics-addr", "", "serve Prometheus metrics on this address, e.g. :9102")
	watchCmd.Flags().Duration("probe-interval", 5*time.Second, "network reachability probe interval, 0 disables")
	rootCmd.AddCommand(watchCmd)
}

var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Stay connected to the hub and print events",
	Long: "Connect to the hub, join groups and print lifecycle and push events until\n" +
		"interrupted. Drops are retried with backoff behind a circuit breaker.",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}
		if cfg.Default.HubURL == "" {
			return fmt.Errorf("no hub url, run 'hubclient init <base-url>' first")
		}
		logger := newLogger(cfg)

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		registry := prometheus.NewRegistry()
		metrics := hubclient.NewMetrics(registry)

		client, err := newClient(cfg, logger, hubclient.WithMetrics(metrics))
		if err != nil {
			return err
		}
		defer persistToken(cfg, client)

		groups, _ := cmd.Flags().GetStringArray("group")
		events, _ := cmd.Flags().GetStringArray("event")

		factory := hubclient.WebSocketFactory(cfg.Default.HubURL, &hubclient.WebSocketOptions{Logger: logger})
		mgr, err := hubclient.NewManager(factory, client.FetchToken, &hubclient.ManagerOptions{
			Config:     cfg.Resilience.Config(),
			Logger:     logger,
			Metrics:    metrics,
			Refresher:  client.Refresher(),
			PushEvents: events,
		})
		if err != nil {
			return err
		}

		for _, name := range []string{hubclient.EventConnected, hubclient.EventDisconnected, hubclient.EventReconnecting, hubclient.EventReconnected} {
			mgr.Events().On(name, printEvent)
		}
		for _, name := range events {
			mgr.Events().On(name, printEvent)
		}
		for _, g := range groups {
			if err := mgr.JoinGroup(ctx, g); err != nil {
				return err
			}
		}

		if addr, _ := cmd.Flags().GetString("metrics-addr"); addr != "" {
			srv := &http.Server{Addr: addr, Handler: promhttp.HandlerFor(registry, promhttp.HandlerOpts{})}
			go func() {
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					logger.Error().Err(err).Msg("metrics server stopped")
				}
			}()
			defer srv.Close()
		}

		if interval, _ := cmd.Flags().GetDuration("probe-interval"); interval > 0 {
			if addr, err := probeAddress(cfg.Default.HubURL); err == nil {
				go hubclient.NetworkProbe{Address: addr, Interval: interval}.Run(ctx, mgr)
			}
		}
		go hubclient.SuspendDetector{}.Run(ctx, mgr)

		if err := mgr.Connect(ctx); err != nil {
			logger.Warn().Err(err).Msg("initial connect failed")
			mgr.ScheduleReconnect()
		}

		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return mgr.Disconnect(shutdownCtx)
	},
}

func printEvent(ev hubclient.Event) {
	line := fmt.Sprintf("%s %-13s", ev.At.Format(time.TimeOnly), ev.Name)
	if len(ev.Data) > 0 {
		line += " " + string(ev.Data)
	}
	if ev.Err != nil {
		line += " (" + ev.Err.Error() + ")"
	}
	fmt.Println(line)
}

// probeAddress turns the hub URL into a host:port to dial for reachability.
func probeAddress(hubURL string) (string, error) {
	u, err := url.Parse(hubURL)
	if err != nil {
		return "", err
	}
	port := u.Port()
	if port == "" {
		port = "80"
		if u.Scheme == "wss" || u.Scheme == "https" {
			port = "443"
		}
	}
	return net.JoinHostPort(u.Hostname(), port), nil
}
