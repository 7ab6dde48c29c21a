package session

import (
	"container/list"
	"sync"
	"time"

	"github.com/google/uuid"
)

const (
	// DefaultMaxEntries bounds the number of cached datasets.
	DefaultMaxEntries = 64

	// DefaultMaxBytes bounds the total cached payload.
	DefaultMaxBytes = 64 << 20

	// DefaultTTL is the idle lifetime of an entry; every access resets it.
	DefaultTTL = 15 * time.Minute
)

type entry struct {
	id        string
	table     *Table
	size      int
	expiresAt time.Time
	createdAt time.Time
	pins      int
}

// Store holds large intermediate results behind opaque handles, bounded by
// entry count and total bytes. Least-recently-accessed entries are evicted
// under pressure, except entries pinned by an in-flight derive. Expiry is
// checked lazily on access; no background sweeper runs.
type Store struct {
	maxEntries int
	maxBytes   int
	ttl        time.Duration

	mu         sync.Mutex
	entries    map[string]*list.Element
	lru        *list.List // front = most recent
	totalBytes int
}

// NewStore creates a handle store. Zero values select defaults.
func NewStore(maxEntries, maxBytes int, ttl time.Duration) *Store {
	if maxEntries <= 0 {
		maxEntries = DefaultMaxEntries
	}
	if maxBytes <= 0 {
		maxBytes = DefaultMaxBytes
	}
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Store{
		maxEntries: maxEntries,
		maxBytes:   maxBytes,
		ttl:        ttl,
		entries:    map[string]*list.Element{},
		lru:        list.New(),
	}
}

// Put stores a table and returns its handle summary. Handle ids are
// unique for the process lifetime and never reused after release.
func (s *Store) Put(t *Table) (*HandleInfo, error) {
	size := t.SizeBytes()
	if size > s.maxBytes {
		return nil, &CachePressureError{NeedBytes: size, MaxBytes: s.maxBytes}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.sweepLocked()
	if !s.makeRoomLocked(size) {
		return nil, &CachePressureError{NeedBytes: size, MaxBytes: s.maxBytes}
	}

	now := time.Now()
	e := &entry{
		id:        uuid.NewString(),
		table:     t,
		size:      size,
		expiresAt: now.Add(s.ttl),
		createdAt: now,
	}
	s.entries[e.id] = s.lru.PushFront(e)
	s.totalBytes += e.size

	return s.infoLocked(e), nil
}

// Get returns the table behind a handle, resetting its TTL.
func (s *Store) Get(id string) (*Table, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, err := s.accessLocked(id)
	if err != nil {
		return nil, err
	}
	return e.table, nil
}

// Info returns the handle summary without the dataset.
func (s *Store) Info(id string) (*HandleInfo, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, err := s.accessLocked(id)
	if err != nil {
		return nil, err
	}
	return s.infoLocked(e), nil
}

// Release drops a handle immediately. Subsequent access returns
// HandleNotFoundError.
func (s *Store) Release(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	el, ok := s.entries[id]
	if !ok {
		return &HandleNotFoundError{Handle: id}
	}
	s.removeLocked(el)
	return nil
}

// Len returns the number of live entries.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sweepLocked()
	return len(s.entries)
}

// withPinned runs fn with the named source tables pinned: eviction skips
// them until fn returns, so a concurrent Put can never invalidate a derive
// in progress.
func (s *Store) withPinned(ids []string, fn func(tables []*Table) error) error {
	s.mu.Lock()
	tables := make([]*Table, 0, len(ids))
	pinned := make([]*entry, 0, len(ids))
	for _, id := range ids {
		e, err := s.accessLocked(id)
		if err != nil {
			for _, p := range pinned {
				p.pins--
			}
			s.mu.Unlock()
			return err
		}
		e.pins++
		pinned = append(pinned, e)
		tables = append(tables, e.table)
	}
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		for _, p := range pinned {
			p.pins--
		}
		s.mu.Unlock()
	}()
	return fn(tables)
}

// accessLocked finds a live entry, applying lazy expiry and the
// TTL-reset-on-access rule.
func (s *Store) accessLocked(id string) (*entry, error) {
	s.sweepLocked()
	el, ok := s.entries[id]
	if !ok {
		return nil, &HandleNotFoundError{Handle: id}
	}
	e := el.Value.(*entry)
	e.expiresAt = time.Now().Add(s.ttl)
	s.lru.MoveToFront(el)
	return e, nil
}

// sweepLocked drops expired, unpinned entries.
func (s *Store) sweepLocked() {
	now := time.Now()
	for el := s.lru.Back(); el != nil; {
		prev := el.Prev()
		e := el.Value.(*entry)
		if e.pins == 0 && now.After(e.expiresAt) {
			s.removeLocked(el)
		}
		el = prev
	}
}

// makeRoomLocked evicts least-recently-accessed unpinned entries until the
// new size fits both bounds; reports false when it cannot.
func (s *Store) makeRoomLocked(size int) bool {
	for len(s.entries) >= s.maxEntries || s.totalBytes+size > s.maxBytes {
		el := s.oldestEvictableLocked()
		if el == nil {
			return false
		}
		s.removeLocked(el)
	}
	return true
}

func (s *Store) oldestEvictableLocked() *list.Element {
	for el := s.lru.Back(); el != nil; el = el.Prev() {
		if el.Value.(*entry).pins == 0 {
			return el
		}
	}
	return nil
}

func (s *Store) removeLocked(el *list.Element) {
	e := el.Value.(*entry)
	delete(s.entries, e.id)
	s.lru.Remove(el)
	s.totalBytes -= e.size
}

func (s *Store) infoLocked(e *entry) *HandleInfo {
	return &HandleInfo{
		Handle:    e.id,
		Rows:      len(e.table.Rows),
		Bytes:     e.size,
		Fields:    e.table.Fields,
		Preview:   e.table.Preview(),
		CreatedAt: e.createdAt,
	}
}
