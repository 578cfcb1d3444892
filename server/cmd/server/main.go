package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/buildpulse/buildpulse/server/internal/alerts"
	"github.com/buildpulse/buildpulse/server/internal/api"
	"github.com/buildpulse/buildpulse/server/internal/config"
	"github.com/buildpulse/buildpulse/server/internal/hub"
	"github.com/buildpulse/buildpulse/server/internal/ingest"
	"github.com/buildpulse/buildpulse/server/internal/metrics"
	"github.com/buildpulse/buildpulse/server/internal/relay"
	"github.com/buildpulse/buildpulse/server/internal/store"
	"github.com/buildpulse/buildpulse/server/internal/ws"
)

const shutdownTimeout = 10 * time.Second

func main() {
	if err := newRootCommand().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	var configPath string

	root := &cobra.Command{
		Use:          "buildpulse-server",
		Short:        "Ingest CI/CD build events and broadcast build health",
		SilenceUsage: true,
	}
	root.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to config file (defaults are used when empty)")

	root.AddCommand(newServeCommand(&configPath))
	root.AddCommand(newSummaryCommand(&configPath))
	return root
}

func newServeCommand(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the ingestion, query and live-update service",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(*configPath)
			if err != nil {
				return err
			}
			closeLog := setupLogging(cfg.Server.Log)
			defer closeLog()

			ctx, cancel := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer cancel()
			return serve(ctx, *configPath, cfg)
		},
	}
}

func newSummaryCommand(configPath *string) *cobra.Command {
	var window string

	cmd := &cobra.Command{
		Use:   "summary",
		Short: "Print the metrics summary for a trailing window as JSON",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(*configPath)
			if err != nil {
				return err
			}
			d := cfg.Server.Metrics.Window()
			if window != "" {
				if d, err = metrics.ParseWindow(window); err != nil {
					return err
				}
			}

			st, err := openStore(cfg.Server.Storage)
			if err != nil {
				return err
			}
			defer st.Close()

			s, err := metrics.New(st, 0).Summarize(cmd.Context(), d)
			if err != nil {
				return err
			}
			return writeJSON(cmd.OutOrStdout(), s)
		},
	}
	cmd.Flags().StringVarP(&window, "window", "w", "", "trailing window, e.g. 24h or 7d (config default when empty)")
	return cmd
}

func serve(ctx context.Context, configPath string, cfg *config.Config) error {
	s := cfg.Server
	slog.Info("buildpulse-server starting",
		"config", configPath,
		"http_port", s.HTTPPort,
		"storage", s.Storage.Driver,
		"queue_size", s.Hub.QueueSize,
		"relay", s.Relay.Enabled,
	)

	st, err := openStore(s.Storage)
	if err != nil {
		return err
	}
	defer st.Close()

	h := hub.New(s.Hub.QueueSize)
	eng := metrics.New(st, s.Metrics.CacheTTL)

	alertEngine := alerts.New(s.Alerts)
	alertEngine.Start(ctx)
	defer alertEngine.Close()

	if configPath != "" {
		go func() {
			err := config.Watch(ctx, configPath, func(next *config.Config) {
				alertEngine.SetWebhooks(next.Server.Alerts.Webhooks)
				slog.Info("config reloaded", "webhooks", len(next.Server.Alerts.Webhooks))
			})
			if err != nil {
				slog.Warn("config watch stopped", "err", err)
			}
		}()
	}

	coord := ingest.New(ingest.Deps{
		Store:   st,
		Hub:     h,
		Metrics: eng,
		Alerts:  alertEngine,
	})

	stream := ws.New(h)
	go stream.Run(ctx)

	deps := api.Deps{
		Ingest:        coord,
		Store:         st,
		Metrics:       eng,
		Hub:           h,
		Alerts:        alertEngine,
		Stream:        stream,
		DefaultWindow: s.Metrics.Window(),
	}

	if s.Relay.Enabled {
		client, err := relay.Dial(ctx, s.Relay)
		if err != nil {
			return err
		}
		defer client.Close()

		r := relay.New(client, s.Relay.Channel)
		deps.Relay = r
		go func() {
			if err := r.Run(ctx, h); err != nil {
				slog.Error("relay stopped", "err", err)
			}
		}()
	}

	httpSrv := &http.Server{
		Addr:              fmt.Sprintf(":%d", s.HTTPPort),
		Handler:           api.New(deps),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("HTTP server listening", "port", s.HTTPPort, "providers", coord.Providers())
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("http server: %w", err)
		}
	}

	slog.Info("buildpulse-server shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	return httpSrv.Shutdown(shutdownCtx)
}

func loadConfig(path string) (*config.Config, error) {
	if path == "" {
		return config.Defaults(), nil
	}
	return config.Load(path)
}

func openStore(c config.StorageConfig) (*store.Store, error) {
	return store.Open(store.Options{
		Driver: c.Driver,
		Path:   c.Path,
		DSN:    c.DSN(),
	})
}

// setupLogging installs the default JSON logger. With log.file set, output
// goes to a size-rotated file instead of stdout; the returned func closes it.
func setupLogging(c config.LogConfig) func() {
	var w io.Writer = os.Stdout
	closer := func() {}
	if c.File != "" {
		lj := &lumberjack.Logger{
			Filename:   c.File,
			MaxSize:    c.MaxSizeMB,
			MaxBackups: c.MaxBackups,
			MaxAge:     c.MaxAgeDays,
		}
		w = lj
		closer = func() { lj.Close() }
	}
	slog.SetDefault(slog.New(slog.NewJSONHandler(w, &slog.HandlerOptions{Level: c.SlogLevel()})))
	return closer
}

func writeJSON(w io.Writer, v interface{}) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
