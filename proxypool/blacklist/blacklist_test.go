package blacklist

import (
	"context"
	"fmt"
	"testing"
	"time"

	"proxyswitch/proxypool/model"
	"proxyswitch/proxypool/storage"
)

type fakeClock struct {
	t time.Time
}

func (c *fakeClock) Now() time.Time          { return c.t }
func (c *fakeClock) Advance(d time.Duration) { c.t = c.t.Add(d) }

func newClock() *fakeClock {
	return &fakeClock{t: time.Date(2026, 10, 15, 12, 0, 0, 0, time.UTC)}
}

func descs(ids ...string) []model.ProxyDescriptor {
	out := make([]model.ProxyDescriptor, len(ids))
	for i, id := range ids {
		out[i] = model.ProxyDescriptor{ID: id}
	}
	return out
}

func TestMark_CountsAndRefreshes(t *testing.T) {
	clock := newClock()
	s := New(15*time.Minute, 10, WithClock(clock.Now))
	ctx := context.Background()

	s.Mark(ctx, "http://a:1", "timeout")
	clock.Advance(5 * time.Minute)
	e := s.Mark(ctx, "http://a:1", "status 502")

	if e.Count != 2 {
		t.Errorf("Expected count 2, got %d", e.Count)
	}
	if e.Reason != "status 502" {
		t.Errorf("Expected latest reason, got '%s'", e.Reason)
	}
	if !e.Until.Equal(clock.Now().Add(15 * time.Minute)) {
		t.Errorf("Expected until to be refreshed, got %v", e.Until)
	}
}

func TestSplit_RespectsExpiry(t *testing.T) {
	clock := newClock()
	s := New(10*time.Minute, 10, WithClock(clock.Now))
	ctx := context.Background()

	s.Mark(ctx, "http://old:1", "x")
	clock.Advance(6 * time.Minute)
	s.Mark(ctx, "http://new:1", "y")
	clock.Advance(4 * time.Minute) // old entry reaches until == now

	allowed, blocked := s.Split(descs("http://a:1", "http://old:1", "http://new:1", "http://b:1"))
	if len(blocked) != 1 || blocked[0].ID != "http://new:1" {
		t.Fatalf("Expected only 'new' to be blocked, got %v", blocked)
	}
	want := []string{"http://a:1", "http://old:1", "http://b:1"}
	if len(allowed) != len(want) {
		t.Fatalf("Expected %d allowed, got %d", len(want), len(allowed))
	}
	for i, id := range want {
		if allowed[i].ID != id {
			t.Errorf("allowed[%d] = %s, want %s", i, allowed[i].ID, id)
		}
	}
	if s.IsBlocked("http://old:1") {
		t.Errorf("Expired entry must not be reported as blocked")
	}
}

func TestClear(t *testing.T) {
	s := New(time.Minute, 10)
	ctx := context.Background()
	s.Mark(ctx, "http://a:1", "x")
	s.Clear(ctx, "http://a:1")
	if s.IsBlocked("http://a:1") {
		t.Errorf("Expected entry to be cleared")
	}
}

func TestCapacity_EvictsOldestFailures(t *testing.T) {
	clock := newClock()
	s := New(time.Hour, 3, WithClock(clock.Now))
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		s.Mark(ctx, fmt.Sprintf("http://p%d:1", i), "x")
		clock.Advance(time.Second)
	}
	if s.Len() != 3 {
		t.Fatalf("Expected 3 entries after cap, got %d", s.Len())
	}
	for _, id := range []string{"http://p0:1", "http://p1:1"} {
		if s.IsBlocked(id) {
			t.Errorf("Expected %s to be evicted", id)
		}
	}
	for _, id := range []string{"http://p2:1", "http://p3:1", "http://p4:1"} {
		if !s.IsBlocked(id) {
			t.Errorf("Expected %s to be kept", id)
		}
	}
}

func TestPersistenceRoundTrip(t *testing.T) {
	clock := newClock()
	kv := storage.NewMemoryStorage()
	ctx := context.Background()

	s := New(time.Minute, 10, WithClock(clock.Now), WithStorage(kv))
	s.Mark(ctx, "http://a:1", "x")
	s.Mark(ctx, "http://b:1", "y")

	restored := New(time.Minute, 10, WithClock(clock.Now), WithStorage(kv))
	if err := restored.Load(ctx); err != nil {
		t.Fatalf("Load() returned an error: %v", err)
	}
	if restored.Len() != 2 {
		t.Errorf("Expected 2 restored entries, got %d", restored.Len())
	}

	clock.Advance(2 * time.Minute)
	expired := New(time.Minute, 10, WithClock(clock.Now), WithStorage(kv))
	if err := expired.Load(ctx); err != nil {
		t.Fatalf("Load() returned an error: %v", err)
	}
	if expired.Len() != 0 {
		t.Errorf("Expected expired entries to be pruned on load, got %d", expired.Len())
	}
}
