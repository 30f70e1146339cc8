// Package store defines the backing event store the coordinator writes
// through, plus in-memory and SQLite implementations.
package store

import (
	"context"
	"errors"
	"time"

	"ezsched/internal/model"
)

// ErrNotFound is returned by UpdateEvent/DeleteEvent when the id is absent.
var ErrNotFound = errors.New("event not found")

// Range bounds a query. Zero bounds are open.
type Range struct {
	Start time.Time
	End   time.Time
}

// Contains reports whether e should be returned for the range. Series roots
// are always returned because their occurrences may land anywhere.
func (r Range) Contains(e model.Event) bool {
	if e.IsRecurring() {
		return true
	}
	if !r.Start.IsZero() && e.End.Before(r.Start) {
		return false
	}
	if !r.End.IsZero() && e.Start.After(r.End) {
		return false
	}
	return true
}

// Store is the external persistence collaborator.
type Store interface {
	GetEvents(ctx context.Context, r Range) ([]model.Event, error)
	AddEvent(ctx context.Context, d model.Draft) (model.Event, error)
	// UpdateEvent fails with ErrNotFound if the id is absent.
	UpdateEvent(ctx context.Context, e model.Event) (model.Event, error)
	// DeleteEvent fails with ErrNotFound if the id is absent.
	DeleteEvent(ctx context.Context, id string) error
}

// Putter is implemented by stores that can insert under a caller-chosen id.
type Putter interface {
	PutEvent(ctx context.Context, e model.Event) (model.Event, error)
}
