package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/buildpulse/buildpulse/agent/internal/collector"
	"github.com/buildpulse/buildpulse/agent/internal/config"
	"github.com/buildpulse/buildpulse/agent/internal/shipper"
)

func main() {
	configPath := flag.String("config", "agent.yaml", "path to config file")
	once := flag.Bool("once", false, "poll every source once, ship, and exit")
	flag.Parse()

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))
	slog.SetDefault(logger)

	slog.Info("buildpulse-agent starting", "config", *configPath)

	cfg, err := config.Load(*configPath)
	if err != nil {
		slog.Error("failed to load config", "err", err)
		os.Exit(1)
	}
	slog.Info("config loaded",
		"server_url", cfg.Agent.ServerURL,
		"sources", len(cfg.Agent.Sources),
		"poll_interval", cfg.Agent.PollInterval,
		"lookback", cfg.Agent.Lookback,
	)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	ship := shipper.New(cfg.Agent)
	pollers := buildPollers(cfg.Agent, nil)

	if *once {
		pollAll(ctx, pollers, ship, time.Now())
		ship.Flush(ctx)
		st := ship.Stats()
		slog.Info("buildpulse-agent done", "sent", st.Sent, "discarded", st.Discarded, "unsent", ship.Pending())
		return
	}

	go ship.Run(ctx)

	reloads := make(chan *config.Config, 1)
	go func() {
		if err := config.Watch(ctx, *configPath, func(updated *config.Config) {
			select {
			case reloads <- updated:
			default:
				// A reload is already pending; the newer file is read again on
				// the next change.
			}
		}); err != nil {
			slog.Error("config watcher stopped", "err", err)
		}
	}()

	ticker := time.NewTicker(cfg.Agent.PollInterval)
	defer ticker.Stop()

	pollAll(ctx, pollers, ship, time.Now())
	for {
		select {
		case <-ctx.Done():
			slog.Info("buildpulse-agent shutting down", "unsent", ship.Pending())
			return
		case updated := <-reloads:
			// Shipper settings need a restart; sources and interval apply now.
			pollers = buildPollers(updated.Agent, pollers)
			ticker.Reset(updated.Agent.PollInterval)
		case t := <-ticker.C:
			pollAll(ctx, pollers, ship, t)
		}
	}
}

// buildPollers creates a poller per configured source, carrying over the
// shipped-build memory of pollers with the same source ID.
func buildPollers(cfg config.AgentConfig, prev []*collector.Poller) []*collector.Poller {
	byID := make(map[string]*collector.Poller, len(prev))
	for _, p := range prev {
		byID[p.ID()] = p
	}

	var out []*collector.Poller
	for _, src := range cfg.Sources {
		c, err := collector.New(src)
		if err != nil {
			slog.Error("skipping source, could not build collector", "source", src.ID, "err", err)
			continue
		}
		p := collector.NewPoller(src.ID, c, cfg.Lookback)
		p.Adopt(byID[src.ID])
		out = append(out, p)
		slog.Info("registered source", "id", src.ID, "type", src.Type, "endpoint", src.Endpoint)
	}
	if len(out) == 0 {
		slog.Warn("no sources configured, agent will idle")
	}
	return out
}

func pollAll(ctx context.Context, pollers []*collector.Poller, ship *shipper.Shipper, now time.Time) {
	for _, p := range pollers {
		builds, err := p.Poll(ctx, now)
		if err != nil {
			slog.Warn("poll error", "source", p.ID(), "err", err)
		}
		for _, b := range builds {
			ship.Ship(p.Provider(), b)
		}
		if len(builds) > 0 {
			slog.Info("collected builds", "source", p.ID(), "count", len(builds))
		}
	}
}
