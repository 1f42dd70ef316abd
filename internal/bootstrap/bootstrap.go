// Package bootstrap wires a loaded configuration into running connectors
// and hubs: one connector per configured platform, one hub per [[Hubs]]
// entry, every connector's ingress loop started concurrently, plus the
// optional status endpoint and attachment-cache sweep. It is the
// "instantiates connectors and hubs, wires them, starts ingress loops,
// waits for shutdown" component spec.md keeps deliberately thin.
package bootstrap

import (
	"context"
	"fmt"
	"log"
	"path/filepath"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/bygeon/bygeon/internal/cache"
	"github.com/bygeon/bygeon/internal/config"
	"github.com/bygeon/bygeon/internal/connector"
	"github.com/bygeon/bygeon/internal/connector/cqhttp"
	"github.com/bygeon/bygeon/internal/connector/discord"
	"github.com/bygeon/bygeon/internal/connector/slack"
	"github.com/bygeon/bygeon/internal/hub"
	"github.com/bygeon/bygeon/internal/status"
	"github.com/bygeon/bygeon/internal/store"
)

// Run constructs every connector and hub named in cfg, starts their
// ingress loops, the cache sweep, and (if configured) the status
// endpoint, then blocks until ctx is cancelled or a connector's Start
// returns an unrecoverable error. baseDir is the directory hub SQLite
// files and the cache/ tree are rooted in (the process working directory
// in production; a temp dir in tests).
func Run(ctx context.Context, cfg *config.Config, baseDir string) error {
	connectors, err := buildConnectors(cfg)
	if err != nil {
		return err
	}

	caches := make([]*cache.Cache, 0, len(cfg.Hubs))
	stores := make([]*store.Store, 0, len(cfg.Hubs))
	reporters := make(map[string]status.HubReporter, len(cfg.Hubs))

	defer func() {
		for _, s := range stores {
			s.Close()
		}
	}()

	g, gctx := errgroup.WithContext(ctx)

	for _, hc := range cfg.Hubs {
		hc := hc
		participants := hc.Participants()

		st, err := store.Open(filepath.Join(baseDir, hc.Name+".db"), participants, hc.KeepDataOrDefault())
		if err != nil {
			return fmt.Errorf("bootstrap: open store for hub %s: %w", hc.Name, err)
		}
		stores = append(stores, st)

		attachments, err := cache.New(filepath.Join(baseDir, "cache", hc.Name))
		if err != nil {
			return fmt.Errorf("bootstrap: open cache for hub %s: %w", hc.Name, err)
		}
		caches = append(caches, attachments)

		h := hub.New(hc.Name, st, attachments)
		reporters[hc.Name] = h

		for _, platform := range participants {
			conn, ok := connectors[platform]
			if !ok {
				return fmt.Errorf("bootstrap: hub %s binds platform %s but no connector was configured", hc.Name, platform)
			}
			if err := h.Register(conn, hc.RemoteChannelID(platform)); err != nil {
				return fmt.Errorf("bootstrap: register hub %s on %s: %w", hc.Name, platform, err)
			}
		}
	}

	for platform, conn := range connectors {
		conn := conn
		platform := platform
		g.Go(func() error {
			if err := conn.Start(gctx); err != nil && gctx.Err() == nil {
				return fmt.Errorf("bootstrap: connector %s: %w", platform, err)
			}
			return nil
		})
	}

	stop := make(chan struct{})
	for _, c := range caches {
		c := c
		go c.RunSweepSchedule(cfg.Attachments.SweepCron, time.Duration(cfg.Attachments.MaxAgeDays)*24*time.Hour, stop)
	}
	go func() {
		<-gctx.Done()
		close(stop)
	}()

	if cfg.Status.ListenAddr != "" {
		g.Go(func() error {
			return status.Start(gctx, status.StartOpts{ListenAddr: cfg.Status.ListenAddr, Hubs: reporters})
		})
	}

	return g.Wait()
}

// buildConnectors constructs one Connector per platform used by any hub in
// cfg.Hubs, using the matching credentials from cfg.Clients.
func buildConnectors(cfg *config.Config) (map[string]connector.Connector, error) {
	used := map[string]bool{}
	for _, h := range cfg.Hubs {
		for _, p := range h.Participants() {
			used[p] = true
		}
	}

	out := make(map[string]connector.Connector, len(used))

	if used[config.PlatformDiscord] {
		c, err := discord.New(discord.Opts{
			BotToken: cfg.Clients.Discord.BotToken,
			GuildID:  cfg.Clients.Discord.GuildID,
		})
		if err != nil {
			return nil, fmt.Errorf("bootstrap: build discord connector: %w", err)
		}
		out[config.PlatformDiscord] = c
	}

	if used[config.PlatformSlack] {
		c, err := slack.New(slack.Opts{
			AppToken: cfg.Clients.Slack.AppToken,
			BotToken: cfg.Clients.Slack.BotToken,
		})
		if err != nil {
			return nil, fmt.Errorf("bootstrap: build slack connector: %w", err)
		}
		out[config.PlatformSlack] = c
	}

	if used[config.PlatformCQHttp] {
		c, err := cqhttp.New(cqhttp.Opts{
			WSURL:   cfg.Clients.CQHttp.WSURL,
			HTTPURL: cfg.Clients.CQHttp.HTTPURL,
		})
		if err != nil {
			return nil, fmt.Errorf("bootstrap: build cqhttp connector: %w", err)
		}
		out[config.PlatformCQHttp] = c
	}

	log.Printf("bootstrap: %d connector(s), %d hub(s) configured", len(out), len(cfg.Hubs))
	return out, nil
}
