// Package coordinator is the single writer to the backing event store. It
// applies mutations to the visible event list immediately, undoes a
// mutation's own change if the store rejects the write, and refetches the
// window once a mutation settles.
package coordinator

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"

	appLog "ezsched/internal/log"
	"ezsched/internal/model"
	"ezsched/internal/recurrence"
	"ezsched/internal/store"
)

// NoticeKind tells listeners what happened.
type NoticeKind string

const (
	// NoticeApplied fires when an optimistic change hits the visible list.
	NoticeApplied    NoticeKind = "applied"
	NoticeCreated    NoticeKind = "created"
	NoticeUpdated    NoticeKind = "updated"
	NoticeRemoved    NoticeKind = "removed"
	NoticeRolledBack NoticeKind = "rolled_back"
	NoticeRefreshed  NoticeKind = "refreshed"
)

// Notice is delivered to every subscriber, in order, outside the lock.
type Notice struct {
	Kind  NoticeKind
	Op    string
	ID    string
	Event model.Event
	Err   error
}

// Listener receives notices. It runs on the mutating goroutine and must not
// block.
type Listener func(Notice)

// EditPolicy decides what editing one occurrence of a series does.
type EditPolicy string

const (
	// EditStandalone creates an unlinked event and leaves the series alone.
	EditStandalone EditPolicy = "standalone"
	// EditFork creates an event linked by SeriesID and excludes the
	// occurrence from the series.
	EditFork EditPolicy = "fork"
)

// Options configures a Coordinator.
type Options struct {
	Metrics *Metrics
	Policy  EditPolicy
}

type Coordinator struct {
	store   store.Store
	metrics *Metrics
	policy  EditPolicy
	now     func() time.Time

	mu      sync.Mutex
	window  store.Range
	hasWin  bool
	winGen  uint64 // bumped whenever window changes
	loaded  bool
	fetches uint64 // fetches started
	applied uint64 // newest fetch folded into visible
	visible []model.Event
	pending map[uint64]preimage
	seq     uint64
	version uint64

	lmu       sync.RWMutex
	listeners map[uint64]Listener
	nextLID   uint64
}

// New wires a coordinator to its store. The store is injected; the
// coordinator holds no global state.
func New(s store.Store, opts Options) *Coordinator {
	if opts.Policy == "" {
		opts.Policy = EditStandalone
	}
	return &Coordinator{
		store:     s,
		metrics:   opts.Metrics,
		policy:    opts.Policy,
		now:       time.Now,
		pending:   make(map[uint64]preimage),
		listeners: make(map[uint64]Listener),
	}
}

// Subscribe registers l and returns a function that removes it.
func (c *Coordinator) Subscribe(l Listener) (unsubscribe func()) {
	c.lmu.Lock()
	id := c.nextLID
	c.nextLID++
	c.listeners[id] = l
	c.lmu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			c.lmu.Lock()
			delete(c.listeners, id)
			c.lmu.Unlock()
		})
	}
}

func (c *Coordinator) notify(n Notice) {
	c.lmu.RLock()
	ls := make([]Listener, 0, len(c.listeners))
	for _, l := range c.listeners {
		ls = append(ls, l)
	}
	c.lmu.RUnlock()
	for _, l := range ls {
		l(n)
	}
}

// Events returns a copy of the visible list.
func (c *Coordinator) Events() []model.Event {
	c.mu.Lock()
	defer c.mu.Unlock()
	return cloneAll(c.visible)
}

// Version changes whenever the visible list changes. Expansion memos key on it.
func (c *Coordinator) Version() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.version
}

// Window is the range currently loaded.
func (c *Coordinator) Window() store.Range {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.window
}

// Pending is the number of in-flight mutations.
func (c *Coordinator) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}

// SetRange loads the window [start, end] from the store.
func (c *Coordinator) SetRange(ctx context.Context, start, end time.Time) error {
	c.mu.Lock()
	c.setWindowLocked(store.Range{Start: start, End: end})
	c.mu.Unlock()
	return c.Refresh(ctx)
}

// View makes sure [start, end] is loaded and returns the visible list with
// its version. An uncovered range widens the window to the union of the
// current window and [start, end].
func (c *Coordinator) View(ctx context.Context, start, end time.Time) ([]model.Event, uint64, error) {
	c.mu.Lock()
	if !c.loaded || !covers(c.window, start, end) {
		want := store.Range{Start: start, End: end}
		if c.loaded || c.hasWin {
			want = union(c.window, want)
		}
		if !c.hasWin || want != c.window {
			c.setWindowLocked(want)
		}
		c.mu.Unlock()
		if err := c.Refresh(ctx); err != nil {
			return nil, 0, err
		}
		c.mu.Lock()
	}
	defer c.mu.Unlock()
	return cloneAll(c.visible), c.version, nil
}

func (c *Coordinator) setWindowLocked(w store.Range) {
	c.window = w
	c.hasWin = true
	c.winGen++
}

// Refresh refetches the current window and replaces the visible list.
// A fetch whose window changed meanwhile is discarded and repeated for the
// new window; a fetch older than one already applied is discarded.
func (c *Coordinator) Refresh(ctx context.Context) error {
	for {
		c.mu.Lock()
		w, gen := c.window, c.winGen
		c.fetches++
		fetch := c.fetches
		c.mu.Unlock()

		events, err := c.store.GetEvents(ctx, w)
		c.metrics.refreshed(err)
		if err != nil {
			return fmt.Errorf("refresh window: %w", err)
		}

		c.mu.Lock()
		if gen != c.winGen {
			c.mu.Unlock()
			appLog.Debug("window moved during refresh; refetching")
			continue
		}
		if fetch < c.applied {
			c.mu.Unlock()
			return nil
		}
		c.visible = events
		c.applied = fetch
		c.loaded = true
		c.version++
		c.mu.Unlock()

		c.notify(Notice{Kind: NoticeRefreshed})
		return nil
	}
}

// covers reports whether w contains [start, end]. Zero bounds are open.
func covers(w store.Range, start, end time.Time) bool {
	return (w.Start.IsZero() || !start.Before(w.Start)) &&
		(w.End.IsZero() || !end.After(w.End))
}

func union(a, b store.Range) store.Range {
	out := a
	switch {
	case a.Start.IsZero() || b.Start.IsZero():
		out.Start = time.Time{}
	case b.Start.Before(a.Start):
		out.Start = b.Start
	}
	switch {
	case a.End.IsZero() || b.End.IsZero():
		out.End = time.Time{}
	case b.End.After(a.End):
		out.End = b.End
	}
	return out
}

// Create validates d, shows it immediately under a provisional id, and
// writes it through.
func (c *Coordinator) Create(ctx context.Context, d model.Draft) (model.Event, error) {
	const op = "create"
	if err := validateDraft(d); err != nil {
		c.metrics.observe(op, outcomeInvalid, 0)
		return model.Event{}, err
	}

	defer c.settle(ctx)
	return c.create(ctx, d)
}

func (c *Coordinator) create(ctx context.Context, d model.Draft) (model.Event, error) {
	const op = "create"
	provisional := d.Event("pending-" + uuid.NewString())
	return c.mutate(ctx, op, provisional.ID,
		func(list []model.Event) []model.Event {
			return append(list, provisional.Clone())
		},
		func(ctx context.Context) (model.Event, error) {
			return c.store.AddEvent(ctx, d)
		},
		func(list []model.Event, saved model.Event) []model.Event {
			return replaceByID(list, provisional.ID, saved)
		},
	)
}

// Update replaces an existing event. A missing id surfaces as
// store.ErrNotFound after the visible list is restored.
func (c *Coordinator) Update(ctx context.Context, e model.Event) (model.Event, error) {
	const op = "update"
	if err := validateEvent(e); err != nil {
		c.metrics.observe(op, outcomeInvalid, 0)
		return model.Event{}, err
	}

	defer c.settle(ctx)
	return c.update(ctx, e)
}

func (c *Coordinator) update(ctx context.Context, e model.Event) (model.Event, error) {
	const op = "update"
	next := e.Clone()
	return c.mutate(ctx, op, e.ID,
		func(list []model.Event) []model.Event {
			return replaceByID(list, next.ID, next)
		},
		func(ctx context.Context) (model.Event, error) {
			return c.store.UpdateEvent(ctx, next)
		},
		func(list []model.Event, saved model.Event) []model.Event {
			return replaceByID(list, saved.ID, saved)
		},
	)
}

// Remove deletes id. A missing id surfaces as store.ErrNotFound.
func (c *Coordinator) Remove(ctx context.Context, id string) error {
	const op = "remove"
	if id == "" {
		c.metrics.observe(op, outcomeInvalid, 0)
		return fmt.Errorf("%w: missing id", model.ErrInvalid)
	}
	defer c.settle(ctx)
	return c.remove(ctx, id)
}

func (c *Coordinator) remove(ctx context.Context, id string) error {
	_, err := c.mutate(ctx, "remove", id,
		func(list []model.Event) []model.Event {
			return slices.DeleteFunc(list, func(e model.Event) bool { return e.ID == id })
		},
		func(ctx context.Context) (model.Event, error) {
			return model.Event{ID: id}, c.store.DeleteEvent(ctx, id)
		},
		func(list []model.Event, _ model.Event) []model.Event {
			return list
		},
	)
	return err
}

// Upsert writes e under its own id when the store supports it, otherwise
// it updates and falls back to a create on not-found.
func (c *Coordinator) Upsert(ctx context.Context, e model.Event) (model.Event, error) {
	const op = "upsert"
	if err := validateEvent(e); err != nil {
		c.metrics.observe(op, outcomeInvalid, 0)
		return model.Event{}, err
	}

	defer c.settle(ctx)
	return c.upsert(ctx, e)
}

// UpsertAll upserts every event and refetches the window once at the end.
// It returns how many were saved and the joined per-event errors.
func (c *Coordinator) UpsertAll(ctx context.Context, events []model.Event) (int, error) {
	var (
		saved int
		errs  []error
	)
	for _, e := range events {
		err := validateEvent(e)
		if err == nil {
			_, err = c.upsert(ctx, e)
		} else {
			c.metrics.observe("upsert", outcomeInvalid, 0)
		}
		if err != nil {
			errs = append(errs, fmt.Errorf("event %s: %w", e.ID, err))
			continue
		}
		saved++
	}
	if len(events) > 0 {
		c.settle(ctx)
	}
	return saved, errors.Join(errs...)
}

func (c *Coordinator) upsert(ctx context.Context, e model.Event) (model.Event, error) {
	const op = "upsert"
	p, ok := c.store.(store.Putter)
	if !ok {
		saved, err := c.update(ctx, e)
		if errors.Is(err, store.ErrNotFound) {
			return c.create(ctx, model.DraftOf(e))
		}
		return saved, err
	}

	next := e.Clone()
	return c.mutate(ctx, op, e.ID,
		func(list []model.Event) []model.Event {
			if slices.ContainsFunc(list, func(x model.Event) bool { return x.ID == next.ID }) {
				return replaceByID(list, next.ID, next)
			}
			return append(list, next.Clone())
		},
		func(ctx context.Context) (model.Event, error) {
			return p.PutEvent(ctx, next)
		},
		func(list []model.Event, saved model.Event) []model.Event {
			return replaceByID(list, saved.ID, saved)
		},
	)
}

// EditInstance moves or resizes one rendered instance to span and
// resourceIDs. Single events are updated in place. For a recurring
// occurrence the series is never rewritten: EditStandalone creates an
// independent event, EditFork creates one linked by SeriesID and adds the
// occurrence to the series' exception dates.
func (c *Coordinator) EditInstance(ctx context.Context, inst model.Instance, span model.Span, resourceIDs []string) (model.Event, error) {
	if !inst.Recurring() {
		e := c.lookup(inst.Event.ID, inst.Event)
		e.Start, e.End = span.Start, span.End
		e.ResourceIDs = slices.Clone(resourceIDs)
		return c.Update(ctx, e)
	}

	d := model.DraftOf(inst.Event)
	d.Start, d.End = span.Start, span.End
	d.ResourceIDs = slices.Clone(resourceIDs)
	d.RRule = ""
	d.ExDates = nil
	d.SeriesID = ""
	d.Occurrence = time.Time{}

	if c.policy != EditFork {
		return c.Create(ctx, d)
	}

	d.SeriesID = inst.SeriesID
	d.Occurrence = inst.Start
	if err := validateDraft(d); err != nil {
		c.metrics.observe("create", outcomeInvalid, 0)
		return model.Event{}, err
	}
	defer c.settle(ctx)
	created, err := c.create(ctx, d)
	if err != nil {
		return model.Event{}, err
	}

	root := c.lookup(inst.SeriesID, inst.Event)
	root.ExDates = append(root.ExDates, inst.Start)
	if _, err := c.update(ctx, root); err != nil {
		// Undo the fork so the occurrence is not shown twice.
		if rerr := c.remove(ctx, created.ID); rerr != nil {
			appLog.Error("could not undo forked occurrence", rerr, "id", created.ID)
		}
		return model.Event{}, fmt.Errorf("exclude occurrence from %s: %w", inst.SeriesID, err)
	}
	return created, nil
}

// lookup returns the visible event with id, or fallback when it is not
// loaded.
func (c *Coordinator) lookup(id string, fallback model.Event) model.Event {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, e := range c.visible {
		if e.ID == id {
			return e.Clone()
		}
	}
	return fallback.Clone()
}

// mutate runs one optimistic mutation:
//  1. record the pre-image of id under this mutation's sequence number and
//     apply the optimistic change;
//  2. call the store;
//  3. on failure put back only that pre-image, on success fold the saved
//     record in.
//
// Callers refetch the window with settle afterwards.
func (c *Coordinator) mutate(
	ctx context.Context,
	op, id string,
	apply func([]model.Event) []model.Event,
	call func(context.Context) (model.Event, error),
	commit func([]model.Event, model.Event) []model.Event,
) (model.Event, error) {
	c.mu.Lock()
	c.seq++
	seq := c.seq
	c.pending[seq] = preimageOf(c.visible, id)
	c.visible = apply(cloneAll(c.visible))
	c.version++
	c.mu.Unlock()
	c.notify(Notice{Kind: NoticeApplied, Op: op, ID: id})

	started := c.now()
	saved, err := call(ctx)
	took := c.now().Sub(started)

	if err != nil {
		c.mu.Lock()
		c.visible = c.pending[seq].restore(c.visible)
		delete(c.pending, seq)
		c.version++
		c.mu.Unlock()

		c.metrics.rolledBack()
		c.metrics.observe(op, outcomeOf(err), took)
		appLog.Error("mutation failed; optimistic change rolled back", err, "op", op, "id", id)
		c.notify(Notice{Kind: NoticeRolledBack, Op: op, ID: id, Err: err})
		return model.Event{}, err
	}

	c.mu.Lock()
	delete(c.pending, seq)
	c.visible = commit(c.visible, saved)
	c.version++
	c.mu.Unlock()

	c.metrics.observe(op, outcomeOK, took)
	appLog.Debug("mutation committed", "op", op, "id", saved.ID)
	c.notify(Notice{Kind: settledKind(op), Op: op, ID: saved.ID, Event: saved.Clone()})
	return saved, nil
}

// preimage is the visible state of one id before a mutation touched it.
type preimage struct {
	id      string
	event   model.Event
	present bool
	index   int
}

func preimageOf(list []model.Event, id string) preimage {
	p := preimage{id: id, index: len(list)}
	if i := slices.IndexFunc(list, func(e model.Event) bool { return e.ID == id }); i >= 0 {
		p.event, p.present, p.index = list[i].Clone(), true, i
	}
	return p
}

// restore undoes one mutation's effect on list, leaving every other
// record as it is now.
func (p preimage) restore(list []model.Event) []model.Event {
	list = slices.DeleteFunc(cloneAll(list), func(e model.Event) bool { return e.ID == p.id })
	if !p.present {
		return list
	}
	return slices.Insert(list, min(p.index, len(list)), p.event.Clone())
}

// settle refetches the window so views computed for other ranges pick up
// the change. A failed refetch leaves the current list in place.
func (c *Coordinator) settle(ctx context.Context) {
	// The caller's context may already be done after a failed write.
	rctx := context.WithoutCancel(ctx)
	if err := c.Refresh(rctx); err != nil {
		appLog.Error("refresh after mutation failed", err)
	}
}

func settledKind(op string) NoticeKind {
	switch op {
	case "create":
		return NoticeCreated
	case "remove":
		return NoticeRemoved
	default:
		return NoticeUpdated
	}
}

func outcomeOf(err error) string {
	switch {
	case errors.Is(err, store.ErrNotFound):
		return outcomeNotFound
	case errors.Is(err, model.ErrInvalid):
		return outcomeInvalid
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return outcomeCancelled
	default:
		return outcomeBackend
	}
}

func validateDraft(d model.Draft) error {
	if err := d.Validate(); err != nil {
		return err
	}
	return recurrence.ValidateRule(d.RRule)
}

func validateEvent(e model.Event) error {
	if err := e.Validate(); err != nil {
		return err
	}
	return recurrence.ValidateRule(e.RRule)
}

func replaceByID(list []model.Event, id string, e model.Event) []model.Event {
	for i := range list {
		if list[i].ID == id {
			list[i] = e.Clone()
			return list
		}
	}
	return list
}

func cloneAll(list []model.Event) []model.Event {
	if list == nil {
		return nil
	}
	out := make([]model.Event, len(list))
	for i, e := range list {
		out[i] = e.Clone()
	}
	return out
}
