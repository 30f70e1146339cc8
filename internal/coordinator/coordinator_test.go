package coordinator

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"ezsched/internal/model"
	"ezsched/internal/recurrence"
	"ezsched/internal/store"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

var day = time.Date(2024, 4, 1, 0, 0, 0, 0, time.UTC)

var errBackend = errors.New("backend unavailable")

// flakyStore wraps a memory store and fails writes on demand.
type flakyStore struct {
	*store.Memory

	mu         sync.Mutex
	failWrites bool
	failReads  bool
	writes     int
}

func (f *flakyStore) setFail(writes bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failWrites = writes
}

func (f *flakyStore) check() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.writes++
	if f.failWrites {
		return errBackend
	}
	return nil
}

func (f *flakyStore) GetEvents(ctx context.Context, r store.Range) ([]model.Event, error) {
	f.mu.Lock()
	fail := f.failReads
	f.mu.Unlock()
	if fail {
		return nil, errBackend
	}
	return f.Memory.GetEvents(ctx, r)
}

func (f *flakyStore) AddEvent(ctx context.Context, d model.Draft) (model.Event, error) {
	if err := f.check(); err != nil {
		return model.Event{}, err
	}
	return f.Memory.AddEvent(ctx, d)
}

func (f *flakyStore) UpdateEvent(ctx context.Context, e model.Event) (model.Event, error) {
	if err := f.check(); err != nil {
		return model.Event{}, err
	}
	return f.Memory.UpdateEvent(ctx, e)
}

func (f *flakyStore) DeleteEvent(ctx context.Context, id string) error {
	if err := f.check(); err != nil {
		return err
	}
	return f.Memory.DeleteEvent(ctx, id)
}

// gatedStore holds UpdateEvent until release is closed, then fails it.
type gatedStore struct {
	*flakyStore
	entered chan struct{}
	release chan struct{}
}

func (g *gatedStore) UpdateEvent(ctx context.Context, e model.Event) (model.Event, error) {
	g.entered <- struct{}{}
	<-g.release
	return model.Event{}, errBackend
}

// slowFirstRead holds the first GetEvents call until release is closed.
type slowFirstRead struct {
	*store.Memory

	once    sync.Once
	entered chan struct{}
	release chan struct{}
}

func (s *slowFirstRead) GetEvents(ctx context.Context, r store.Range) ([]model.Event, error) {
	first := false
	s.once.Do(func() { first = true })
	if first {
		close(s.entered)
		<-s.release
	}
	return s.Memory.GetEvents(ctx, r)
}

// plainStore hides PutEvent so Upsert takes the update/create path.
type plainStore struct{ store.Store }

func seed() []model.Event {
	return []model.Event{
		{ID: "a", Title: "standup", Start: day.Add(9 * time.Hour), End: day.Add(10 * time.Hour), ResourceIDs: []string{"r1"}},
		{ID: "b", Title: "review", Start: day.Add(11 * time.Hour), End: day.Add(12 * time.Hour), ResourceIDs: []string{"r2"}},
	}
}

func newLoaded(t *testing.T, s store.Store, opts Options) *Coordinator {
	t.Helper()
	c := New(s, opts)
	require.NoError(t, c.SetRange(context.Background(), day, day.Add(24*time.Hour)))
	return c
}

func TestCreateCommitsAndRefreshes(t *testing.T) {
	mem := store.NewMemory(seed()...)
	reg := prometheus.NewRegistry()
	c := newLoaded(t, mem, Options{Metrics: NewMetrics(reg)})

	var kinds []NoticeKind
	unsub := c.Subscribe(func(n Notice) { kinds = append(kinds, n.Kind) })
	defer unsub()

	saved, err := c.Create(context.Background(), model.Draft{
		Title: "lunch",
		Start: day.Add(12 * time.Hour),
		End:   day.Add(13 * time.Hour),
	})
	require.NoError(t, err)
	assert.NotEmpty(t, saved.ID)

	events := c.Events()
	require.Len(t, events, 3)
	assert.Equal(t, saved.ID, events[2].ID)
	assert.Equal(t, []NoticeKind{NoticeApplied, NoticeCreated, NoticeRefreshed}, kinds)
	assert.Equal(t, 0, c.Pending())
	assert.Equal(t, 1.0, testutil.ToFloat64(c.metrics.mutations.WithLabelValues("create", outcomeOK)))
}

func TestCreateShowsProvisionalEventBeforeWrite(t *testing.T) {
	f := &flakyStore{Memory: store.NewMemory(seed()...)}
	c := newLoaded(t, f, Options{})

	var during []model.Event
	c.Subscribe(func(n Notice) {
		if n.Kind == NoticeApplied {
			during = c.Events()
		}
	})

	_, err := c.Create(context.Background(), model.Draft{Title: "x", Start: day, End: day.Add(time.Hour)})
	require.NoError(t, err)
	require.Len(t, during, 3)
	assert.Contains(t, during[2].ID, "pending-")
}

func TestFailedWriteRestoresPreimage(t *testing.T) {
	f := &flakyStore{Memory: store.NewMemory(seed()...)}
	reg := prometheus.NewRegistry()
	c := newLoaded(t, f, Options{Metrics: NewMetrics(reg)})
	before := c.Events()
	f.setFail(true)

	var atRollback []model.Event
	var rollbackErr error
	c.Subscribe(func(n Notice) {
		if n.Kind == NoticeRolledBack {
			atRollback = c.Events()
			rollbackErr = n.Err
		}
	})

	moved := before[0]
	moved.Start = moved.Start.Add(3 * time.Hour)
	moved.End = moved.End.Add(3 * time.Hour)

	ops := map[string]func() error{
		"create": func() error {
			_, err := c.Create(context.Background(), model.Draft{Title: "x", Start: day, End: day.Add(time.Hour)})
			return err
		},
		"update": func() error {
			_, err := c.Update(context.Background(), moved)
			return err
		},
		"remove": func() error {
			return c.Remove(context.Background(), "b")
		},
	}
	for name, op := range ops {
		t.Run(name, func(t *testing.T) {
			atRollback = nil
			err := op()
			require.ErrorIs(t, err, errBackend)
			assert.ErrorIs(t, rollbackErr, errBackend)
			if diff := cmp.Diff(before, atRollback); diff != "" {
				t.Fatalf("rollback mismatch (-want +got):\n%s", diff)
			}
			if diff := cmp.Diff(before, c.Events()); diff != "" {
				t.Fatalf("visible list after settle (-want +got):\n%s", diff)
			}
			assert.Equal(t, 0, c.Pending())
		})
	}
	assert.Equal(t, 3.0, testutil.ToFloat64(c.metrics.rollbacks))
}

func TestRollbackKeepsMutationsCommittedMeanwhile(t *testing.T) {
	f := &flakyStore{Memory: store.NewMemory(seed()...)}
	g := &gatedStore{flakyStore: f, entered: make(chan struct{}, 1), release: make(chan struct{})}
	c := newLoaded(t, g, Options{})

	// Refetches fail from here on, so only the rollback can shape the list.
	f.mu.Lock()
	f.failReads = true
	f.mu.Unlock()

	moved := c.Events()[0]
	moved.Title = "moved"
	errc := make(chan error, 1)
	go func() {
		_, err := c.Update(context.Background(), moved)
		errc <- err
	}()
	<-g.entered
	assert.Equal(t, "moved", c.Events()[0].Title)

	created, err := c.Create(context.Background(), model.Draft{
		Title: "lunch",
		Start: day.Add(12 * time.Hour),
		End:   day.Add(13 * time.Hour),
	})
	require.NoError(t, err)

	close(g.release)
	require.ErrorIs(t, <-errc, errBackend)

	var ids []string
	for _, e := range c.Events() {
		ids = append(ids, e.ID)
	}
	assert.Equal(t, []string{"a", "b", created.ID}, ids)
	assert.Equal(t, "standup", c.Events()[0].Title)
	assert.Equal(t, 0, c.Pending())
}

func TestUpdateMissingEventIsNotFound(t *testing.T) {
	c := newLoaded(t, store.NewMemory(seed()...), Options{Metrics: NewMetrics(nil)})
	before := c.Events()

	_, err := c.Update(context.Background(), model.Event{ID: "ghost", Start: day, End: day.Add(time.Hour)})
	require.ErrorIs(t, err, store.ErrNotFound)
	assert.Equal(t, before, c.Events())
	assert.Equal(t, 1.0, testutil.ToFloat64(c.metrics.mutations.WithLabelValues("update", outcomeNotFound)))

	assert.ErrorIs(t, c.Remove(context.Background(), "ghost"), store.ErrNotFound)
}

func TestInvalidMutationsNeverReachStore(t *testing.T) {
	f := &flakyStore{Memory: store.NewMemory(seed()...)}
	c := newLoaded(t, f, Options{})

	_, err := c.Create(context.Background(), model.Draft{Title: "backwards", Start: day.Add(time.Hour), End: day})
	assert.ErrorIs(t, err, model.ErrInvalid)

	_, err = c.Create(context.Background(), model.Draft{Title: "bad rule", Start: day, End: day.Add(time.Hour), RRule: "FREQ=SOMETIMES"})
	assert.ErrorIs(t, err, model.ErrInvalid)

	_, err = c.Update(context.Background(), model.Event{ID: "a", Start: day, End: day})
	assert.ErrorIs(t, err, model.ErrInvalid)

	assert.ErrorIs(t, c.Remove(context.Background(), ""), model.ErrInvalid)
	assert.Zero(t, f.writes)
}

func TestConcurrentMutationsKeepIndependentPreimages(t *testing.T) {
	f := &flakyStore{Memory: store.NewMemory()}
	c := newLoaded(t, f, Options{})

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := c.Create(context.Background(), model.Draft{
				Title: fmt.Sprintf("e%d", i),
				Start: day.Add(time.Duration(i) * time.Minute),
				End:   day.Add(time.Duration(i+30) * time.Minute),
			})
			assert.NoError(t, err)
		}(i)
	}
	wg.Wait()

	require.NoError(t, c.Refresh(context.Background()))
	assert.Len(t, c.Events(), 20)
	assert.Equal(t, 0, c.Pending())
}

func TestRefreshFailureKeepsVisibleList(t *testing.T) {
	f := &flakyStore{Memory: store.NewMemory(seed()...)}
	c := newLoaded(t, f, Options{})
	before := c.Events()

	f.mu.Lock()
	f.failReads = true
	f.mu.Unlock()

	assert.ErrorIs(t, c.Refresh(context.Background()), errBackend)
	assert.Equal(t, before, c.Events())
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	c := newLoaded(t, store.NewMemory(), Options{})
	calls := 0
	unsub := c.Subscribe(func(Notice) { calls++ })
	require.NoError(t, c.Refresh(context.Background()))
	unsub()
	unsub()
	require.NoError(t, c.Refresh(context.Background()))
	assert.Equal(t, 1, calls)
}

func TestViewLoadsUncoveredRange(t *testing.T) {
	mem := store.NewMemory(seed()...)
	c := New(mem, Options{})

	events, v1, err := c.View(context.Background(), day, day.Add(24*time.Hour))
	require.NoError(t, err)
	assert.Len(t, events, 2)

	_, v2, err := c.View(context.Background(), day.Add(time.Hour), day.Add(2*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, v1, v2, "covered range does not refetch")

	_, v3, err := c.View(context.Background(), day.Add(-24*time.Hour), day)
	require.NoError(t, err)
	assert.Greater(t, v3, v2)
	assert.Equal(t, day.Add(-24*time.Hour), c.Window().Start)
}

func TestStaleRefreshDoesNotOverwriteWiderWindow(t *testing.T) {
	jan := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	mar := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)
	s := &slowFirstRead{
		Memory: store.NewMemory(
			model.Event{ID: "jan", Start: jan.AddDate(0, 0, 9), End: jan.AddDate(0, 0, 9).Add(time.Hour)},
			model.Event{ID: "mar", Start: mar.AddDate(0, 0, 9), End: mar.AddDate(0, 0, 9).Add(time.Hour)},
		),
		entered: make(chan struct{}),
		release: make(chan struct{}),
	}
	c := New(s, Options{})

	done := make(chan error, 1)
	go func() { done <- c.SetRange(context.Background(), jan, jan.AddDate(0, 1, 0)) }()
	<-s.entered

	events, _, err := c.View(context.Background(), mar, mar.AddDate(0, 1, 0))
	require.NoError(t, err)
	assert.True(t, slices.ContainsFunc(events, func(e model.Event) bool { return e.ID == "mar" }))
	assert.Equal(t, store.Range{Start: jan, End: mar.AddDate(0, 1, 0)}, c.Window())

	close(s.release)
	require.NoError(t, <-done)

	var ids []string
	for _, e := range c.Events() {
		ids = append(ids, e.ID)
	}
	assert.ElementsMatch(t, []string{"jan", "mar"}, ids)
	assert.Equal(t, store.Range{Start: jan, End: mar.AddDate(0, 1, 0)}, c.Window())
}

func TestUnion(t *testing.T) {
	a := store.Range{Start: day, End: day.Add(24 * time.Hour)}
	b := store.Range{Start: day.Add(-24 * time.Hour), End: day.Add(time.Hour)}
	assert.Equal(t, store.Range{Start: b.Start, End: a.End}, union(a, b))
	assert.Equal(t, store.Range{End: a.End}, union(a, store.Range{End: day}))
	assert.True(t, covers(store.Range{}, day, day.Add(time.Hour)))
	assert.False(t, covers(a, b.Start, b.End))
}

func seriesRoot() model.Event {
	return model.Event{
		ID:    "s1",
		Title: "daily",
		Start: day.Add(9 * time.Hour),
		End:   day.Add(10 * time.Hour),
		RRule: "FREQ=DAILY;COUNT=5",
	}
}

func occurrence(t *testing.T, root model.Event, n int) model.Instance {
	t.Helper()
	res := recurrence.Expand([]model.Event{root}, day, day.AddDate(0, 0, 7), recurrence.Options{})
	require.Greater(t, len(res.Instances), n)
	return res.Instances[n]
}

func TestEditInstanceSingleUpdatesInPlace(t *testing.T) {
	c := newLoaded(t, store.NewMemory(seed()...), Options{})
	inst := model.SingleInstance(c.Events()[0])

	span := model.Span{Start: day.Add(14 * time.Hour), End: day.Add(15 * time.Hour)}
	saved, err := c.EditInstance(context.Background(), inst, span, []string{"r2"})
	require.NoError(t, err)
	assert.Equal(t, "a", saved.ID)
	assert.True(t, saved.Start.Equal(span.Start))
	assert.Equal(t, []string{"r2"}, saved.ResourceIDs)
	assert.Len(t, c.Events(), 2)
}

func TestEditInstanceStandaloneLeavesSeriesUntouched(t *testing.T) {
	root := seriesRoot()
	c := newLoaded(t, store.NewMemory(root), Options{Policy: EditStandalone})
	inst := occurrence(t, root, 1)

	span := model.Span{Start: inst.Start.Add(2 * time.Hour), End: inst.End.Add(2 * time.Hour)}
	created, err := c.EditInstance(context.Background(), inst, span, nil)
	require.NoError(t, err)
	assert.Empty(t, created.RRule)
	assert.Empty(t, created.SeriesID)
	assert.NotEqual(t, root.ID, created.ID)

	events := c.Events()
	require.Len(t, events, 2)
	assert.Empty(t, events[0].ExDates, "series is not rewritten")
}

func TestEditInstanceForkExcludesOccurrence(t *testing.T) {
	root := seriesRoot()
	c := newLoaded(t, store.NewMemory(root), Options{Policy: EditFork})
	inst := occurrence(t, root, 1)

	span := model.Span{Start: inst.Start.Add(2 * time.Hour), End: inst.End.Add(2 * time.Hour)}
	created, err := c.EditInstance(context.Background(), inst, span, nil)
	require.NoError(t, err)
	assert.Equal(t, root.ID, created.SeriesID)

	events := c.Events()
	require.Len(t, events, 2)
	require.Len(t, events[0].ExDates, 1)
	assert.True(t, events[0].ExDates[0].Equal(inst.Start))

	res := recurrence.Expand(events, day, day.AddDate(0, 0, 7), recurrence.Options{})
	assert.Len(t, res.Instances, 5, "four remaining occurrences plus the fork")
}

func TestUpsertWithPutter(t *testing.T) {
	c := newLoaded(t, store.NewMemory(), Options{})
	e := model.Event{ID: "uid-1", Title: "imported", Start: day, End: day.Add(time.Hour)}

	_, err := c.Upsert(context.Background(), e)
	require.NoError(t, err)
	e.Title = "imported again"
	_, err = c.Upsert(context.Background(), e)
	require.NoError(t, err)

	events := c.Events()
	require.Len(t, events, 1)
	assert.Equal(t, "uid-1", events[0].ID)
	assert.Equal(t, "imported again", events[0].Title)
}

func TestUpsertAllRefreshesOnce(t *testing.T) {
	c := newLoaded(t, store.NewMemory(), Options{})

	refreshes := 0
	unsub := c.Subscribe(func(n Notice) {
		if n.Kind == NoticeRefreshed {
			refreshes++
		}
	})
	defer unsub()

	saved, err := c.UpsertAll(context.Background(), []model.Event{
		{ID: "u1", Start: day, End: day.Add(time.Hour)},
		{ID: "u2", Start: day.Add(time.Hour), End: day.Add(2 * time.Hour)},
		{ID: "bad", Start: day, End: day},
		{ID: "u3", Start: day.Add(2 * time.Hour), End: day.Add(3 * time.Hour)},
	})
	assert.ErrorIs(t, err, model.ErrInvalid)
	assert.ErrorContains(t, err, "event bad")
	assert.Equal(t, 3, saved)
	assert.Equal(t, 1, refreshes)
	assert.Len(t, c.Events(), 3)

	saved, err = c.UpsertAll(context.Background(), nil)
	require.NoError(t, err)
	assert.Zero(t, saved)
	assert.Equal(t, 1, refreshes)
}

func TestUpsertWithoutPutterFallsBackToCreate(t *testing.T) {
	c := newLoaded(t, plainStore{store.NewMemory(seed()...)}, Options{})

	e := seed()[0]
	e.Title = "renamed"
	saved, err := c.Upsert(context.Background(), e)
	require.NoError(t, err)
	assert.Equal(t, "a", saved.ID)

	fresh := model.Event{ID: "new", Title: "fresh", Start: day, End: day.Add(time.Hour)}
	saved, err = c.Upsert(context.Background(), fresh)
	require.NoError(t, err)
	assert.NotEqual(t, "new", saved.ID, "store assigns the id")
	assert.Len(t, c.Events(), 3)
}
