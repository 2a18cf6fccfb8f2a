// Command macbridge: one-run Stalker portal bridge (run), or one-shot
// maintenance commands.
//
//	run      Serve playlist/XMLTV/streams and run the background refresh
//	         loops. For systemd. Zero interaction after .env.
//	refresh  One-shot catalog refresh for one portal (or all) and exit.
//	epg      One-shot refresh of every enabled custom EPG source and exit.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/snapetech/macbridge/internal/catalog"
	"github.com/snapetech/macbridge/internal/config"
	"github.com/snapetech/macbridge/internal/epg"
	"github.com/snapetech/macbridge/internal/jobs"
	"github.com/snapetech/macbridge/internal/logging"
	"github.com/snapetech/macbridge/internal/server"
)

func main() {
	_ = config.LoadEnvFile(".env")
	cfg := config.Load()
	if err := logging.Setup(cfg.LogDir); err != nil {
		fmt.Fprintf(os.Stderr, "log setup: %v\n", err)
	}
	defer logging.Close()
	if os.Getenv("DEBUG") == "1" {
		logging.SetDebug(true)
	}

	cmd := "run"
	args := os.Args[1:]
	if len(args) > 0 {
		cmd = args[0]
		args = args[1:]
	}

	switch cmd {
	case "run":
		runFlags := flag.NewFlagSet("run", flag.ExitOnError)
		_ = runFlags.Parse(args)
		if err := run(cfg); err != nil {
			logging.Errorf("main: %v", err)
			os.Exit(1)
		}

	case "refresh":
		refreshFlags := flag.NewFlagSet("refresh", flag.ExitOnError)
		portalID := refreshFlags.String("portal", "", "portal id (default: every enabled portal)")
		_ = refreshFlags.Parse(args)
		if err := oneShotRefresh(cfg, *portalID); err != nil {
			logging.Errorf("refresh: %v", err)
			os.Exit(1)
		}

	case "epg":
		epgFlags := flag.NewFlagSet("epg", flag.ExitOnError)
		_ = epgFlags.Parse(args)
		if err := oneShotEPG(cfg); err != nil {
			logging.Errorf("epg: %v", err)
			os.Exit(1)
		}

	default:
		fmt.Fprintf(os.Stderr, "Usage: %s <run|refresh|epg> [flags]\n", os.Args[0])
		fmt.Fprintf(os.Stderr, "  run      Serve playlist/XMLTV/streams with background refresh loops\n")
		fmt.Fprintf(os.Stderr, "  refresh  One-shot catalog refresh (use -portal <id> for one portal)\n")
		fmt.Fprintf(os.Stderr, "  epg      One-shot refresh of every enabled custom EPG source\n")
		os.Exit(1)
	}
}

// open wires the stores every command needs. Callers own the cleanups.
func open(cfg *config.Config) (*config.Store, *catalog.Store, *epg.Manager, error) {
	if err := cfg.EnsureDirs(); err != nil {
		return nil, nil, nil, fmt.Errorf("data dirs: %w", err)
	}
	store, err := config.OpenStore(cfg.ConfigPath)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("config %s: %w", cfg.ConfigPath, err)
	}
	cat, err := catalog.Open(cfg.DBPath)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("catalog %s: %w", cfg.DBPath, err)
	}
	mgr := epg.NewManager(cfg.EPGSourcesDir(), cat)
	if h := store.Settings().EPGRetentionHours; h > 0 {
		mgr.Retention = time.Duration(h) * time.Hour
	}
	return store, cat, mgr, nil
}

func run(cfg *config.Config) error {
	store, cat, mgr, err := open(cfg)
	if err != nil {
		return err
	}
	defer cat.Close()
	defer mgr.Close()

	jm := jobs.NewManager()
	defer jm.Close()

	s := server.New(cfg, store, cat, mgr, jm)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go func() {
		if err := store.Watch(ctx); err != nil && ctx.Err() == nil {
			logging.Warnf("main: config watcher stopped err=%v", err)
		}
	}()

	startLoops(ctx, cfg, store, cat, mgr, jm, s)

	return s.Run(ctx)
}

// startLoops arms the periodic jobs: catalog refresh per portal, custom EPG
// refresh, and database vacuum. An interval of 0 disables a loop; env
// overrides win over settings.
func startLoops(ctx context.Context, cfg *config.Config, store *config.Store,
	cat *catalog.Store, mgr *epg.Manager, jm *jobs.Manager, s *server.Server) {

	set := store.Settings()

	channelHours := set.ChannelRefreshHours
	if cfg.ChannelRefreshHours >= 0 {
		channelHours = float64(cfg.ChannelRefreshHours)
	}
	if channelHours > 0 {
		interval := time.Duration(channelHours * float64(time.Hour))
		jobs.Every(ctx, interval, 10*time.Second, "channel-refresh", jm, func(ctx context.Context) (string, error) {
			refreshed := 0
			var lastErr error
			for id, p := range store.Portals() {
				if !p.Enabled {
					continue
				}
				if _, err := s.RefreshPortal(ctx, id); err != nil {
					logging.Warnf("main: portal=%s refresh failed err=%v", id, err)
					lastErr = err
					continue
				}
				refreshed++
			}
			if refreshed == 0 && lastErr != nil {
				return "", lastErr
			}
			return fmt.Sprintf("portals=%d", refreshed), nil
		})
	}

	epgHours := set.EPGRefreshHours
	if cfg.EPGRefreshHours >= 0 {
		epgHours = float64(cfg.EPGRefreshHours)
	}
	if epgHours > 0 {
		interval := time.Duration(epgHours * float64(time.Hour))
		jobs.Every(ctx, interval, 30*time.Second, "epg-refresh", jm, func(ctx context.Context) (string, error) {
			n, err := s.RefreshEPGSources(ctx, nil, false)
			if err != nil {
				return "", err
			}
			return fmt.Sprintf("sources=%d", n), nil
		})
	}

	if set.VacuumChannelsHours > 0 {
		interval := time.Duration(set.VacuumChannelsHours * float64(time.Hour))
		jobs.Every(ctx, interval, interval, "vacuum-channels", jm, func(ctx context.Context) (string, error) {
			return "", cat.Vacuum()
		})
	}
	if set.VacuumEPGHours > 0 {
		interval := time.Duration(set.VacuumEPGHours * float64(time.Hour))
		jobs.Every(ctx, interval, interval, "vacuum-epg", jm, func(ctx context.Context) (string, error) {
			return "", mgr.Vacuum()
		})
	}
}

func oneShotRefresh(cfg *config.Config, portalID string) error {
	store, cat, mgr, err := open(cfg)
	if err != nil {
		return err
	}
	defer cat.Close()
	defer mgr.Close()

	jm := jobs.NewManager()
	defer jm.Close()
	s := server.New(cfg, store, cat, mgr, jm)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	ids := []string{portalID}
	if portalID == "" {
		ids = ids[:0]
		for id, p := range store.Portals() {
			if p.Enabled {
				ids = append(ids, id)
			}
		}
	}
	if len(ids) == 0 {
		return fmt.Errorf("no enabled portals")
	}
	var lastErr error
	for _, id := range ids {
		stats, err := s.RefreshPortal(ctx, id)
		if err != nil {
			logging.Errorf("refresh: portal=%s err=%v", id, err)
			lastErr = err
			continue
		}
		fmt.Printf("portal %s: %d channels (%d added, %d updated, %d unchanged)\n",
			id, stats.Total, stats.Added, stats.Updated, stats.Unchanged)
	}
	return lastErr
}

func oneShotEPG(cfg *config.Config) error {
	store, cat, mgr, err := open(cfg)
	if err != nil {
		return err
	}
	defer cat.Close()
	defer mgr.Close()

	jm := jobs.NewManager()
	defer jm.Close()
	s := server.New(cfg, store, cat, mgr, jm)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	n, err := s.RefreshEPGSources(ctx, nil, true)
	if err != nil {
		return err
	}
	fmt.Printf("refreshed %d EPG sources\n", n)
	return nil
}
