package progress

import (
	"context"
	"sync"
	"testing"
	"time"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newTestMemoryStore(retention time.Duration) (*MemoryStore, *fakeClock) {
	clock := &fakeClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	return NewMemoryStore(retention, WithClock(clock.Now)), clock
}

func TestMemoryStore_PublishOverwrites(t *testing.T) {
	m, _ := newTestMemoryStore(30 * time.Minute)
	ctx := context.Background()

	_ = m.Publish(ctx, Snapshot{TargetID: "book-1", Phase: PhaseActs, Percent: 20})
	_ = m.Publish(ctx, Snapshot{TargetID: "book-1", Phase: PhaseActs, Percent: 40})

	s, ok, err := m.Get(ctx, "book-1")
	if err != nil || !ok {
		t.Fatalf("Get() = %v, %v; want snapshot", ok, err)
	}
	if s.Percent != 40 {
		t.Errorf("Percent = %d, want 40", s.Percent)
	}
	if m.Len() != 1 {
		t.Errorf("Len() = %d, want 1", m.Len())
	}
}

func TestMemoryStore_ExpiresAfterRetention(t *testing.T) {
	m, clock := newTestMemoryStore(30 * time.Minute)
	ctx := context.Background()
	_ = m.Publish(ctx, Snapshot{TargetID: "book-1", Phase: PhaseActs})

	clock.Advance(29 * time.Minute)
	if _, ok, _ := m.Get(ctx, "book-1"); !ok {
		t.Fatal("snapshot should still be visible inside the retention window")
	}

	clock.Advance(2 * time.Minute)
	if _, ok, _ := m.Get(ctx, "book-1"); ok {
		t.Fatal("snapshot should be gone after the retention window")
	}
}

func TestMemoryStore_Purge(t *testing.T) {
	m, clock := newTestMemoryStore(10 * time.Minute)
	ctx := context.Background()
	_ = m.Publish(ctx, Snapshot{TargetID: "old"})
	clock.Advance(8 * time.Minute)
	_ = m.Publish(ctx, Snapshot{TargetID: "fresh"})
	clock.Advance(5 * time.Minute)

	if n := m.Purge(); n != 1 {
		t.Errorf("Purge() = %d, want 1", n)
	}
	if _, ok, _ := m.Get(ctx, "fresh"); !ok {
		t.Error("fresh snapshot was purged")
	}
	if m.Len() != 1 {
		t.Errorf("Len() = %d, want 1", m.Len())
	}
}

func TestMemoryStore_Clear(t *testing.T) {
	m, _ := newTestMemoryStore(time.Minute)
	ctx := context.Background()
	_ = m.Publish(ctx, Snapshot{TargetID: "book-1"})
	_ = m.Clear(ctx, "book-1")

	if _, ok, _ := m.Get(ctx, "book-1"); ok {
		t.Error("snapshot still present after Clear")
	}
}

func TestMemoryStore_RunStopsOnCancel(t *testing.T) {
	m := NewMemoryStore(time.Millisecond)
	_ = m.Publish(context.Background(), Snapshot{TargetID: "book-1"})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		m.Run(ctx, 5*time.Millisecond)
		close(done)
	}()

	deadline := time.Now().Add(2 * time.Second)
	for m.Len() != 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	cancel()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
	if m.Len() != 0 {
		t.Errorf("janitor did not purge the expired snapshot")
	}
}

func TestMemoryStore_ConcurrentAccess(t *testing.T) {
	m := NewMemoryStore(time.Minute)
	ctx := context.Background()
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_ = m.Publish(ctx, Snapshot{TargetID: "book-1", Percent: i})
			_, _, _ = m.Get(ctx, "book-1")
			m.Purge()
		}(i)
	}
	wg.Wait()
}

func TestPercent(t *testing.T) {
	tests := []struct {
		done, total, want int
	}{
		{0, 5, 0},
		{2, 5, 40},
		{5, 5, 100},
		{7, 5, 100},
		{1, 0, 0},
		{1, 3, 33},
	}
	for _, tt := range tests {
		if got := Percent(tt.done, tt.total); got != tt.want {
			t.Errorf("Percent(%d, %d) = %d, want %d", tt.done, tt.total, got, tt.want)
		}
	}
}
