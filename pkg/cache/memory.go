package cache

import (
	"context"
	"strings"
	"sync"
	"time"
)

type sharedEntry struct {
	value   []byte
	expires time.Time
}

// MemoryShared is an in-process stand-in for the shared tier, used in development and tests.
type MemoryShared struct {
	mu      sync.Mutex
	entries map[string]sharedEntry
	now     func() time.Time
}

func NewMemoryShared() *MemoryShared {
	return &MemoryShared{entries: make(map[string]sharedEntry), now: time.Now}
}

func (m *MemoryShared) Get(_ context.Context, key string) ([]byte, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.entries[key]
	if !ok {
		return nil, false, nil
	}
	if !e.expires.IsZero() && !m.now().Before(e.expires) {
		delete(m.entries, key)
		return nil, false, nil
	}
	return e.value, true, nil
}

func (m *MemoryShared) Set(_ context.Context, key string, value []byte, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	e := sharedEntry{value: append([]byte(nil), value...)}
	if ttl > 0 {
		e.expires = m.now().Add(ttl)
	}
	m.entries[key] = e
	return nil
}

func (m *MemoryShared) Delete(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.entries, key)
	return nil
}

func (m *MemoryShared) DeletePrefix(_ context.Context, prefix string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	n := 0
	for k := range m.entries {
		if strings.HasPrefix(k, prefix) {
			delete(m.entries, k)
			n++
		}
	}
	return n, nil
}

func (m *MemoryShared) Ping(context.Context) error { return nil }

func (m *MemoryShared) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.entries)
}
