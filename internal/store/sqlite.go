package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite" // pure go sqlite driver

	"ezsched/internal/model"
)

// SQLite persists events as JSON payloads with indexed bounds so range
// queries stay in SQL.
type SQLite struct {
	db   *sql.DB
	path string
	now  func() time.Time
}

// OpenSQLite opens (or creates) the database at path.
func OpenSQLite(path string) (*SQLite, error) {
	if path == "" {
		path = "ezsched.db"
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil && !errors.Is(err, os.ErrExist) {
		return nil, fmt.Errorf("create dirs: %w", err)
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// One writer at a time; sqlite serializes anyway.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(`CREATE TABLE IF NOT EXISTS events (
		id         TEXT PRIMARY KEY,
		seq        INTEGER NOT NULL,
		start_unix INTEGER NOT NULL,
		end_unix   INTEGER NOT NULL,
		recurring  INTEGER NOT NULL,
		payload    BLOB NOT NULL
	)`); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("create events table: %w", err)
	}
	if _, err := db.Exec(`CREATE INDEX IF NOT EXISTS events_bounds ON events(start_unix, end_unix)`); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("create events index: %w", err)
	}
	return &SQLite{db: db, path: path, now: time.Now}, nil
}

func (s *SQLite) GetEvents(ctx context.Context, r Range) ([]model.Event, error) {
	lo, hi := int64(math.MinInt64), int64(math.MaxInt64)
	if !r.Start.IsZero() {
		lo = r.Start.UnixNano()
	}
	if !r.End.IsZero() {
		hi = r.End.UnixNano()
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT payload FROM events
		 WHERE recurring = 1 OR (end_unix >= ? AND start_unix <= ?)
		 ORDER BY seq`, lo, hi)
	if err != nil {
		return nil, fmt.Errorf("select events: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []model.Event
	for rows.Next() {
		var payload []byte
		if err := rows.Scan(&payload); err != nil {
			return nil, fmt.Errorf("scan: %w", err)
		}
		e, err := decodeRow(payload)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func (s *SQLite) AddEvent(ctx context.Context, d model.Draft) (model.Event, error) {
	if err := d.Validate(); err != nil {
		return model.Event{}, err
	}
	e := d.Event(uuid.NewString())
	e.UpdatedAt = s.now().UTC()

	payload, err := encodeRow(e)
	if err != nil {
		return model.Event{}, err
	}
	if _, err := s.db.ExecContext(ctx,
		`INSERT INTO events(id, seq, start_unix, end_unix, recurring, payload)
		 VALUES(?, (SELECT COALESCE(MAX(seq), 0) + 1 FROM events), ?, ?, ?, ?)`,
		e.ID, e.Start.UnixNano(), e.End.UnixNano(), boolInt(e.IsRecurring()), payload); err != nil {
		return model.Event{}, fmt.Errorf("insert %s: %w", e.ID, err)
	}
	return e, nil
}

func (s *SQLite) UpdateEvent(ctx context.Context, e model.Event) (model.Event, error) {
	if err := e.Validate(); err != nil {
		return model.Event{}, err
	}
	e = e.Clone()
	e.UpdatedAt = s.now().UTC()

	payload, err := encodeRow(e)
	if err != nil {
		return model.Event{}, err
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE events SET start_unix = ?, end_unix = ?, recurring = ?, payload = ? WHERE id = ?`,
		e.Start.UnixNano(), e.End.UnixNano(), boolInt(e.IsRecurring()), payload, e.ID)
	if err != nil {
		return model.Event{}, fmt.Errorf("update %s: %w", e.ID, err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return model.Event{}, fmt.Errorf("update %s: %w", e.ID, ErrNotFound)
	}
	return e, nil
}

func (s *SQLite) DeleteEvent(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM events WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete %s: %w", id, err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("delete %s: %w", id, ErrNotFound)
	}
	return nil
}

// PutEvent upserts under the event's own id, keeping its original position.
func (s *SQLite) PutEvent(ctx context.Context, e model.Event) (model.Event, error) {
	if err := e.Validate(); err != nil {
		return model.Event{}, err
	}
	e = e.Clone()
	e.UpdatedAt = s.now().UTC()

	payload, err := encodeRow(e)
	if err != nil {
		return model.Event{}, err
	}
	if _, err := s.db.ExecContext(ctx,
		`INSERT INTO events(id, seq, start_unix, end_unix, recurring, payload)
		 VALUES(?, (SELECT COALESCE(MAX(seq), 0) + 1 FROM events), ?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET
		   start_unix = excluded.start_unix,
		   end_unix   = excluded.end_unix,
		   recurring  = excluded.recurring,
		   payload    = excluded.payload`,
		e.ID, e.Start.UnixNano(), e.End.UnixNano(), boolInt(e.IsRecurring()), payload); err != nil {
		return model.Event{}, fmt.Errorf("upsert %s: %w", e.ID, err)
	}
	return e, nil
}

// Close releases the database handle.
func (s *SQLite) Close() error { return s.db.Close() }

// Path returns the configured database path.
func (s *SQLite) Path() string { return s.path }

// row is the stored payload. JSON keeps only the UTC offset of a time, so
// the IANA zone of Start travels next to it; without it a weekly rule
// would expand at a fixed offset across DST changes.
type row struct {
	model.Event
	Zone string `json:"zone,omitempty"`
}

func encodeRow(e model.Event) ([]byte, error) {
	r := row{Event: e}
	if loc := e.Start.Location(); loc != time.UTC {
		r.Zone = loc.String()
	}
	payload, err := json.Marshal(r)
	if err != nil {
		return nil, fmt.Errorf("encode event %s: %w", e.ID, err)
	}
	return payload, nil
}

func decodeRow(payload []byte) (model.Event, error) {
	var r row
	if err := json.Unmarshal(payload, &r); err != nil {
		return model.Event{}, fmt.Errorf("decode event: %w", err)
	}
	e := r.Event
	if r.Zone == "" {
		return e, nil
	}
	loc, err := time.LoadLocation(r.Zone)
	if err != nil {
		// Unknown on this host; the stored offsets still give the instants.
		return e, nil
	}
	e.Start, e.End = e.Start.In(loc), e.End.In(loc)
	if !e.OccurrenceStart.IsZero() {
		e.OccurrenceStart = e.OccurrenceStart.In(loc)
	}
	for i := range e.ExDates {
		e.ExDates[i] = e.ExDates[i].In(loc)
	}
	return e, nil
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
