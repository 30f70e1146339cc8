package main

import (
	"context"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"ezsched/internal/config"
	"ezsched/internal/coordinator"
	"ezsched/internal/feed"
	"ezsched/internal/ics"
	appLog "ezsched/internal/log"
	"ezsched/internal/recurrence"
	"ezsched/internal/web"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP API and the feed syncer",
	RunE: func(cmd *cobra.Command, _ []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		return serve(cmd.Context(), cfg)
	},
}

func serve(ctx context.Context, cfg *config.Config) error {
	appLog.Info("ezsched starting", "version", version)
	appLog.Info("effective config",
		"listen", cfg.Listen,
		"timezone", cfg.Timezone,
		"store", cfg.Store.Driver,
		"slot_minutes", cfg.Scheduler.SlotMinutes,
		"instance_edit", cfg.Scheduler.InstanceEdit,
		"resources", len(cfg.Resources),
		"feeds", len(cfg.Feeds),
	)

	st, closeStore, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer closeStore()

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	coord := coordinator.New(st, coordinator.Options{
		Metrics: coordinator.NewMetrics(reg),
		Policy:  coordinator.EditPolicy(cfg.Scheduler.InstanceEdit),
	})
	memo, err := recurrence.NewMemo(128, recurrence.Options{
		Location:       cfg.Location(),
		MaxOccurrences: cfg.Scheduler.MaxOccurrences,
	})
	if err != nil {
		return err
	}
	unsubscribe := coord.Subscribe(func(n coordinator.Notice) {
		if n.Kind == coordinator.NoticeRolledBack {
			appLog.Info("change rolled back", "op", n.Op, "id", n.ID, "error", n.Err)
		}
	})
	defer unsubscribe()

	srv, err := web.NewServer(web.Deps{Config: cfg, Coordinator: coord, Memo: memo, Gatherer: reg})
	if err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return srv.ListenAndServe(gctx) })
	g.Go(func() error {
		err := config.Watch(gctx, configPath, func(next *config.Config) {
			// Only the log level applies live; the rest needs a restart.
			next.ApplyOverrides(v)
			appLog.SetLevel(appLog.ParseLevel(next.LogLevel))
			appLog.Info("log level updated; restart to apply other settings", "log_level", next.LogLevel)
		})
		if err != nil {
			appLog.Error("config watch disabled", err)
		}
		return nil
	})

	if len(cfg.Feeds) > 0 {
		syncer := feed.New(newFetcher(cfg), coord, feedsOf(cfg), feed.Options{
			Schedule:   cfg.RefreshCron,
			Location:   cfg.Location(),
			RunOnStart: true,
			OnSync:     logReports,
		})
		g.Go(func() error { return syncer.Start(gctx) })
	}

	err = g.Wait()
	appLog.Info("ezsched exiting")
	return err
}

func newFetcher(cfg *config.Config) *ics.Fetcher {
	return ics.NewFetcher(ics.FetcherOptions{
		CacheDir:  cfg.CacheDir,
		UserAgent: "ezsched/" + version,
	})
}

func feedsOf(cfg *config.Config) []feed.Feed {
	out := make([]feed.Feed, 0, len(cfg.Feeds))
	for _, f := range cfg.Feeds {
		out = append(out, feed.Feed{
			Source:     ics.Source{ID: f.ID, URL: f.URL},
			ResourceID: f.Resource,
			Block:      f.Block,
		})
	}
	return out
}

func logReports(reports []feed.Report) {
	for _, r := range reports {
		if r.Err != nil {
			appLog.Error("feed sync failed", r.Err, "feed", r.FeedID)
			continue
		}
		appLog.Info("feed synced", "feed", r.FeedID, "events", r.Events,
			"failed", r.Failed, "from_cache", r.FromCache)
	}
}
