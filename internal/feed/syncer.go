// Package feed keeps subscribed ICS calendars in the event store.
package feed

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"golang.org/x/sync/errgroup"

	"ezsched/internal/ics"
	appLog "ezsched/internal/log"
	"ezsched/internal/model"
)

// Fetcher is satisfied by *ics.Fetcher.
type Fetcher interface {
	Fetch(ctx context.Context, src ics.Source) (ics.FetchResult, error)
}

// Sink receives the decoded events of one feed as a batch and reports how
// many it saved. *coordinator.Coordinator satisfies it.
type Sink interface {
	UpsertAll(ctx context.Context, events []model.Event) (int, error)
}

// Feed is one subscription.
type Feed struct {
	Source ics.Source
	// ResourceID is assigned to events that name no resource.
	ResourceID string
	// Block marks every event of the feed as a non-interactive blocker.
	Block bool
}

type Options struct {
	// Concurrency bounds simultaneous downloads. Defaults to 4.
	Concurrency int
	// Schedule is a standard cron spec or descriptor such as "@every 15m".
	Schedule   string
	Location   *time.Location
	RunOnStart bool
	// OnSync is called after every run.
	OnSync func([]Report)
}

// Report summarizes one feed in one run.
type Report struct {
	FeedID    string
	Events    int
	Failed    int
	FromCache bool
	Err       error
}

type Syncer struct {
	fetcher Fetcher
	sink    Sink
	feeds   []Feed
	opts    Options
}

func New(f Fetcher, sink Sink, feeds []Feed, opts Options) *Syncer {
	if opts.Concurrency <= 0 {
		opts.Concurrency = 4
	}
	if opts.Location == nil {
		opts.Location = time.Local
	}
	return &Syncer{fetcher: f, sink: sink, feeds: feeds, opts: opts}
}

// RunOnce syncs every feed. A failing feed does not stop the others; the
// returned error joins all per-feed errors.
func (s *Syncer) RunOnce(ctx context.Context) ([]Report, error) {
	reports := make([]Report, len(s.feeds))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.opts.Concurrency)
	for i, f := range s.feeds {
		g.Go(func() error {
			reports[i] = s.syncFeed(gctx, f)
			// Per-feed failures are reported, not propagated, so one bad
			// feed does not cancel the rest.
			return gctx.Err()
		})
	}
	if err := g.Wait(); err != nil {
		return reports, err
	}

	var errs []error
	for _, r := range reports {
		if r.Err != nil {
			errs = append(errs, fmt.Errorf("feed %s: %w", r.FeedID, r.Err))
		}
	}
	if s.opts.OnSync != nil {
		s.opts.OnSync(reports)
	}
	return reports, errors.Join(errs...)
}

func (s *Syncer) syncFeed(ctx context.Context, f Feed) Report {
	rep := Report{FeedID: f.Source.ID}

	res, err := s.fetcher.Fetch(ctx, f.Source)
	if err != nil {
		rep.Err = err
		return rep
	}
	rep.FromCache = res.FromCache

	events, err := ics.Decode(bytes.NewReader(res.Body))
	if err != nil {
		rep.Err = err
		return rep
	}

	for i := range events {
		events[i] = s.adopt(f, events[i])
	}
	saved, err := s.sink.UpsertAll(ctx, events)
	if err != nil {
		appLog.Error("feed event upsert failed", err, "feed", f.Source.ID)
	}
	rep.Events = saved
	rep.Failed = len(events) - saved
	appLog.Info("feed synced", "feed", f.Source.ID, "events", rep.Events, "failed", rep.Failed, "from_cache", rep.FromCache)
	return rep
}

// adopt namespaces ids by feed so two calendars cannot collide.
func (s *Syncer) adopt(f Feed, e model.Event) model.Event {
	e.ID = f.Source.ID + ":" + e.ID
	if e.SeriesID != "" {
		e.SeriesID = f.Source.ID + ":" + e.SeriesID
	}
	if len(e.ResourceIDs) == 0 && f.ResourceID != "" {
		e.ResourceIDs = []string{f.ResourceID}
	}
	if f.Block {
		e.Flags.Block = true
	}
	return e
}

// Start runs the sync on the configured schedule until ctx is done, then
// waits for a running sync to finish.
func (s *Syncer) Start(ctx context.Context) error {
	if s.opts.Schedule == "" {
		return errors.New("feed: empty schedule")
	}
	c := cron.New(cron.WithLocation(s.opts.Location))
	run := func() {
		if _, err := s.RunOnce(ctx); err != nil && ctx.Err() == nil {
			appLog.Error("feed sync finished with errors", err)
		}
	}
	if _, err := c.AddFunc(s.opts.Schedule, run); err != nil {
		return fmt.Errorf("feed schedule %q: %w", s.opts.Schedule, err)
	}

	c.Start()
	appLog.Info("feed sync scheduled", "schedule", s.opts.Schedule, "feeds", len(s.feeds))
	if s.opts.RunOnStart {
		run()
	}

	<-ctx.Done()
	<-c.Stop().Done()
	return nil
}
