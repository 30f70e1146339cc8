package store

import (
	"context"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"

	"ezsched/internal/model"
)

// Memory keeps events in process. It is owned by whoever builds the
// scheduler session; there is no package-level instance.
type Memory struct {
	mu     sync.RWMutex
	events map[string]model.Event
	order  []string
	now    func() time.Time
}

// NewMemory returns a store seeded with the given events.
func NewMemory(seed ...model.Event) *Memory {
	m := &Memory{
		events: make(map[string]model.Event, len(seed)),
		now:    time.Now,
	}
	for _, e := range seed {
		if _, exists := m.events[e.ID]; !exists {
			m.order = append(m.order, e.ID)
		}
		m.events[e.ID] = e.Clone()
	}
	return m
}

func (m *Memory) GetEvents(ctx context.Context, r Range) ([]model.Event, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]model.Event, 0, len(m.order))
	for _, id := range m.order {
		e := m.events[id]
		if r.Contains(e) {
			out = append(out, e.Clone())
		}
	}
	return out, nil
}

func (m *Memory) AddEvent(ctx context.Context, d model.Draft) (model.Event, error) {
	if err := ctx.Err(); err != nil {
		return model.Event{}, err
	}
	if err := d.Validate(); err != nil {
		return model.Event{}, err
	}
	e := d.Event(uuid.NewString())
	e.UpdatedAt = m.now().UTC()

	m.mu.Lock()
	defer m.mu.Unlock()
	m.events[e.ID] = e.Clone()
	m.order = append(m.order, e.ID)
	return e, nil
}

func (m *Memory) UpdateEvent(ctx context.Context, e model.Event) (model.Event, error) {
	if err := ctx.Err(); err != nil {
		return model.Event{}, err
	}
	if err := e.Validate(); err != nil {
		return model.Event{}, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.events[e.ID]; !ok {
		return model.Event{}, fmt.Errorf("update %s: %w", e.ID, ErrNotFound)
	}
	e = e.Clone()
	e.UpdatedAt = m.now().UTC()
	m.events[e.ID] = e
	return e.Clone(), nil
}

func (m *Memory) DeleteEvent(ctx context.Context, id string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.events[id]; !ok {
		return fmt.Errorf("delete %s: %w", id, ErrNotFound)
	}
	delete(m.events, id)
	m.order = slices.DeleteFunc(m.order, func(x string) bool { return x == id })
	return nil
}

// PutEvent inserts or replaces an event under its own id. Imports that
// carry stable ids (ICS UIDs) go through here.
func (m *Memory) PutEvent(ctx context.Context, e model.Event) (model.Event, error) {
	if err := ctx.Err(); err != nil {
		return model.Event{}, err
	}
	if err := e.Validate(); err != nil {
		return model.Event{}, err
	}
	e = e.Clone()
	e.UpdatedAt = m.now().UTC()

	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.events[e.ID]; !exists {
		m.order = append(m.order, e.ID)
	}
	m.events[e.ID] = e
	return e.Clone(), nil
}

// Len is the number of stored events.
func (m *Memory) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.events)
}
