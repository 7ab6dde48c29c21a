package paginate

import (
	"container/list"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/singleflight"
)

const (
	// DefaultPageSize is used when the caller does not pick a size.
	DefaultPageSize = 50

	// DefaultTTL is how long a result snapshot stays reachable after its
	// last cursor access.
	DefaultTTL = 10 * time.Minute

	defaultMaxSnapshots = 128
)

// Page is one slice of a frozen result snapshot. NextCursor is empty on
// the last page.
type Page struct {
	Items      []json.RawMessage `json:"items"`
	Offset     int               `json:"offset"`
	Total      int               `json:"total"`
	NextCursor string            `json:"nextCursor,omitempty"`
}

type snapshot struct {
	key       string
	capture   int64
	items     []json.RawMessage
	expiresAt time.Time
}

// Manager slices large command results into deterministic pages addressed
// by opaque cursors. The full item list is captured once and frozen; page
// k always holds items [k*size, (k+1)*size) of that capture, so
// re-delivering a cursor is idempotent.
type Manager struct {
	pageSize     int
	ttl          time.Duration
	maxSnapshots int

	group      singleflight.Group
	captureSeq atomic.Int64

	mu      sync.Mutex
	entries map[string]*list.Element
	lru     *list.List // front = most recent
}

// NewManager creates a pagination manager. Zero values select defaults.
func NewManager(pageSize int, ttl time.Duration, maxSnapshots int) *Manager {
	if pageSize <= 0 {
		pageSize = DefaultPageSize
	}
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	if maxSnapshots <= 0 {
		maxSnapshots = defaultMaxSnapshots
	}
	return &Manager{
		pageSize:     pageSize,
		ttl:          ttl,
		maxSnapshots: maxSnapshots,
		entries:      map[string]*list.Element{},
		lru:          list.New(),
	}
}

// SnapshotKey derives the cache key for one logical query: same tool,
// instance and canonical arguments always map to the same key.
func SnapshotKey(tool string, port int, args json.RawMessage) string {
	canonical := canonicalJSON(args)
	sum := sha256.Sum256([]byte(fmt.Sprintf("%s|%d|%s", tool, port, canonical)))
	return hex.EncodeToString(sum[:])
}

// First runs a paginated call with no cursor: execute captures the full
// item list, the manager freezes it, and the first page comes back with a
// cursor when more items remain. Concurrent first runs for the same key
// share a single execution.
func (m *Manager) First(ctx context.Context, key string, pageSize int, execute func(context.Context) ([]json.RawMessage, error)) (*Page, error) {
	if pageSize <= 0 {
		pageSize = m.pageSize
	}

	v, err, _ := m.group.Do(key, func() (any, error) {
		items, err := execute(ctx)
		if err != nil {
			return nil, err
		}
		return &snapshot{key: key, capture: m.store(key, items), items: items}, nil
	})
	if err != nil {
		return nil, err
	}

	snap := v.(*snapshot)
	return m.page(key, snap.items, 0, pageSize, snap.capture), nil
}

// Next returns the page addressed by a previously issued cursor. A token
// whose snapshot has been evicted, expired, or replaced by a newer capture
// of the same key yields CursorExpiredError.
func (m *Manager) Next(token string) (*Page, error) {
	c, err := decodeCursor(token)
	if err != nil {
		return nil, err
	}

	items, capture, ok := m.lookup(c.Key)
	if !ok {
		return nil, &CursorExpiredError{Reason: "result snapshot no longer cached"}
	}
	if capture != c.Capture {
		return nil, &CursorExpiredError{Reason: "result snapshot was recaptured"}
	}
	return m.page(c.Key, items, c.Offset, c.PageSize, capture), nil
}

func (m *Manager) page(key string, items []json.RawMessage, offset, size int, capture int64) *Page {
	total := len(items)
	if offset > total {
		offset = total
	}
	end := offset + size
	if end > total {
		end = total
	}

	p := &Page{
		Items:  items[offset:end],
		Offset: offset,
		Total:  total,
	}
	if end < total {
		p.NextCursor = newCursor(key, end, size, capture)
	}
	return p
}

// store freezes a capture under key and returns its capture stamp. Each
// store gets a fresh stamp, so replacing a live snapshot expires the old
// capture's cursors instead of silently serving the new items.
func (m *Manager) store(key string, items []json.RawMessage) int64 {
	m.mu.Lock()
	defer m.mu.Unlock()

	snap := &snapshot{key: key, capture: m.captureSeq.Add(1), items: items, expiresAt: time.Now().Add(m.ttl)}
	if el, ok := m.entries[key]; ok {
		el.Value = snap
		m.lru.MoveToFront(el)
		return snap.capture
	}
	m.entries[key] = m.lru.PushFront(snap)

	for m.lru.Len() > m.maxSnapshots {
		back := m.lru.Back()
		if back == nil {
			break
		}
		bs := back.Value.(*snapshot)
		delete(m.entries, bs.key)
		m.lru.Remove(back)
	}
	return snap.capture
}

// lookup returns the snapshot's items and capture stamp, and slides its
// TTL: every cursor access keeps the capture alive for another window.
func (m *Manager) lookup(key string) ([]json.RawMessage, int64, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	el, ok := m.entries[key]
	if !ok {
		return nil, 0, false
	}
	snap := el.Value.(*snapshot)
	if time.Now().After(snap.expiresAt) {
		delete(m.entries, key)
		m.lru.Remove(el)
		return nil, 0, false
	}
	snap.expiresAt = time.Now().Add(m.ttl)
	m.lru.MoveToFront(el)
	return snap.items, snap.capture, true
}

// canonicalJSON re-marshals a JSON value so that key order does not change
// the snapshot key.
func canonicalJSON(raw json.RawMessage) string {
	if len(raw) == 0 {
		return "{}"
	}
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return string(raw)
	}
	out, err := json.Marshal(v)
	if err != nil {
		return string(raw)
	}
	return string(out)
}
