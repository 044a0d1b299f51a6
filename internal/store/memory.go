package store

import (
	"context"
	"sync"
	"time"
)

// MemKV is an in-memory KV used by tests and single-pod development runs.
// TTLs are honored lazily on read.
type MemKV struct {
	mu      sync.RWMutex
	values  map[string]memEntry
	sets    map[string]map[string]bool
	FailAll bool // every call errors, for fail-open/fail-closed tests
	Err     error
}

type memEntry struct {
	data      []byte
	expiresAt time.Time
}

func NewMemKV() *MemKV {
	return &MemKV{
		values: make(map[string]memEntry),
		sets:   make(map[string]map[string]bool),
	}
}

func (m *MemKV) fail() error {
	if !m.FailAll {
		return nil
	}
	if m.Err != nil {
		return m.Err
	}
	return context.DeadlineExceeded
}

func (m *MemKV) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if err := m.fail(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	e := memEntry{data: append([]byte(nil), value...)}
	if ttl > 0 {
		e.expiresAt = time.Now().Add(ttl)
	}
	m.values[key] = e
	return nil
}

func (m *MemKV) SetNX(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, error) {
	if err := m.fail(); err != nil {
		return false, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if e, ok := m.values[key]; ok && (e.expiresAt.IsZero() || time.Now().Before(e.expiresAt)) {
		return false, nil
	}
	e := memEntry{data: append([]byte(nil), value...)}
	if ttl > 0 {
		e.expiresAt = time.Now().Add(ttl)
	}
	m.values[key] = e
	return true, nil
}

func (m *MemKV) Get(ctx context.Context, key string) ([]byte, error) {
	if err := m.fail(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.values[key]
	if !ok {
		return nil, ErrNotFound
	}
	if !e.expiresAt.IsZero() && time.Now().After(e.expiresAt) {
		return nil, ErrNotFound
	}
	return append([]byte(nil), e.data...), nil
}

func (m *MemKV) Del(ctx context.Context, keys ...string) error {
	if err := m.fail(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, k := range keys {
		delete(m.values, k)
		delete(m.sets, k)
	}
	return nil
}

func (m *MemKV) SAdd(ctx context.Context, key string, members ...string) error {
	if err := m.fail(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	set, ok := m.sets[key]
	if !ok {
		set = make(map[string]bool)
		m.sets[key] = set
	}
	for _, mem := range members {
		set[mem] = true
	}
	return nil
}

func (m *MemKV) SRem(ctx context.Context, key string, members ...string) error {
	if err := m.fail(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	set := m.sets[key]
	for _, mem := range members {
		delete(set, mem)
	}
	return nil
}

func (m *MemKV) SMembers(ctx context.Context, key string) ([]string, error) {
	if err := m.fail(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	members := make([]string, 0, len(m.sets[key]))
	for mem := range m.sets[key] {
		members = append(members, mem)
	}
	return members, nil
}
