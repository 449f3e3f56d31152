package progress

import (
	"context"
	"sync"
	"time"
)

// MemoryStore is an in-process Store with TTL eviction.
type MemoryStore struct {
	mu        sync.Mutex
	snapshots map[string]Snapshot
	retention time.Duration
	now       func() time.Time
}

type MemoryOption func(*MemoryStore)

// WithClock replaces time.Now, for tests.
func WithClock(now func() time.Time) MemoryOption {
	return func(m *MemoryStore) {
		m.now = now
	}
}

func NewMemoryStore(retention time.Duration, opts ...MemoryOption) *MemoryStore {
	m := &MemoryStore{
		snapshots: make(map[string]Snapshot),
		retention: retention,
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

func (m *MemoryStore) Publish(_ context.Context, s Snapshot) error {
	s.UpdatedAt = m.now().UTC()
	m.mu.Lock()
	m.snapshots[s.TargetID] = s
	m.mu.Unlock()
	return nil
}

func (m *MemoryStore) Get(_ context.Context, targetID string) (*Snapshot, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.snapshots[targetID]
	if !ok {
		return nil, false, nil
	}
	if m.expired(s) {
		delete(m.snapshots, targetID)
		return nil, false, nil
	}
	return &s, true, nil
}

func (m *MemoryStore) Clear(_ context.Context, targetID string) error {
	m.mu.Lock()
	delete(m.snapshots, targetID)
	m.mu.Unlock()
	return nil
}

// Purge drops every snapshot older than the retention window and returns how many it removed.
func (m *MemoryStore) Purge() int {
	m.mu.Lock()
	defer m.mu.Unlock()

	n := 0
	for k, s := range m.snapshots {
		if m.expired(s) {
			delete(m.snapshots, k)
			n++
		}
	}
	return n
}

// Len returns the number of snapshots held, expired or not.
func (m *MemoryStore) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.snapshots)
}

// Run purges expired snapshots every interval until ctx is cancelled.
func (m *MemoryStore) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.Purge()
		}
	}
}

func (m *MemoryStore) expired(s Snapshot) bool {
	return m.now().Sub(s.UpdatedAt) > m.retention
}
