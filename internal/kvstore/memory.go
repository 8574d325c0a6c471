package kvstore

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"
)

type memoryEntry struct {
	value    []byte
	revision uint64
	expires  time.Time
}

// MemoryStore is a single-process Store. Entries expire ttl after their last
// write when ttl is positive, mirroring a bucket max age.
type MemoryStore struct {
	mu       sync.Mutex
	entries  map[string]*memoryEntry
	revision uint64
	ttl      time.Duration
	now      func() time.Time
}

// NewMemoryStore creates an in-memory store
func NewMemoryStore(ttl time.Duration) *MemoryStore {
	return &MemoryStore{
		entries: make(map[string]*memoryEntry),
		ttl:     ttl,
		now:     time.Now,
	}
}

func (m *MemoryStore) live(key string) (*memoryEntry, bool) {
	e, ok := m.entries[key]
	if !ok {
		return nil, false
	}
	if !e.expires.IsZero() && !m.now().Before(e.expires) {
		delete(m.entries, key)
		return nil, false
	}
	return e, true
}

func (m *MemoryStore) write(key string, value []byte) uint64 {
	m.revision++
	e := &memoryEntry{
		value:    append([]byte(nil), value...),
		revision: m.revision,
	}
	if m.ttl > 0 {
		e.expires = m.now().Add(m.ttl)
	}
	m.entries[key] = e
	return e.revision
}

// Get implements Store.Get
func (m *MemoryStore) Get(ctx context.Context, key string) (*Entry, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.live(key)
	if !ok {
		return nil, ErrNotFound
	}
	return &Entry{Key: key, Value: append([]byte(nil), e.value...), Revision: e.revision}, nil
}

// Create implements Store.Create
func (m *MemoryStore) Create(ctx context.Context, key string, value []byte) (uint64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.live(key); ok {
		return 0, ErrExists
	}
	return m.write(key, value), nil
}

// Update implements Store.Update
func (m *MemoryStore) Update(ctx context.Context, key string, value []byte, revision uint64) (uint64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.live(key)
	if !ok || e.revision != revision {
		return 0, ErrConflict
	}
	return m.write(key, value), nil
}

// Put implements Store.Put
func (m *MemoryStore) Put(ctx context.Context, key string, value []byte) (uint64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.write(key, value), nil
}

// Delete implements Store.Delete
func (m *MemoryStore) Delete(ctx context.Context, key string, revision uint64) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.live(key)
	if !ok {
		if revision != 0 {
			return ErrConflict
		}
		return nil
	}
	if revision != 0 && e.revision != revision {
		return ErrConflict
	}
	delete(m.entries, key)
	return nil
}

// Keys implements Store.Keys
func (m *MemoryStore) Keys(ctx context.Context, prefix string) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	var keys []string
	for k := range m.entries {
		if !strings.HasPrefix(k, prefix) {
			continue
		}
		if _, ok := m.live(k); ok {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	return keys, nil
}
