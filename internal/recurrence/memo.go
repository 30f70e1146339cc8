package recurrence

import (
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"ezsched/internal/model"
)

const defaultMemoSize = 64

type memoKey struct {
	version    uint64
	rangeStart int64
	rangeEnd   int64
}

// Memo caches expansions keyed by (version, rangeStart, rangeEnd). Callers
// bump version whenever the event set changes, which makes older entries
// unreachable; the LRU evicts them.
type Memo struct {
	cache *lru.Cache[memoKey, Result]
	opts  Options
}

// NewMemo creates a memo holding up to size expansions.
func NewMemo(size int, opts Options) (*Memo, error) {
	if size <= 0 {
		size = defaultMemoSize
	}
	c, err := lru.New[memoKey, Result](size)
	if err != nil {
		return nil, err
	}
	return &Memo{cache: c, opts: opts}, nil
}

// Expand returns the cached result for the key or computes and stores it.
// The returned slice must be treated as read-only.
func (m *Memo) Expand(version uint64, events []model.Event, rangeStart, rangeEnd time.Time) Result {
	key := memoKey{
		version:    version,
		rangeStart: rangeStart.UnixNano(),
		rangeEnd:   rangeEnd.UnixNano(),
	}
	if res, ok := m.cache.Get(key); ok {
		return res
	}
	res := Expand(events, rangeStart, rangeEnd, m.opts)
	m.cache.Add(key, res)
	return res
}

// Len is the number of cached expansions.
func (m *Memo) Len() int {
	return m.cache.Len()
}

// Purge drops every cached expansion.
func (m *Memo) Purge() {
	m.cache.Purge()
}
