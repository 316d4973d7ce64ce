package cache

import (
	"sync"
	"testing"
	"time"
)

// fakeClock is a manually advanced time source.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)}
}

func (f *fakeClock) Now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.now
}

func (f *fakeClock) Advance(d time.Duration) {
	f.mu.Lock()
	f.now = f.now.Add(d)
	f.mu.Unlock()
}

func TestTTLCache_HitThenExpire(t *testing.T) {
	clock := newFakeClock()
	c := New(5 * time.Second)
	c.SetClock(clock.Now)

	c.Put("getConfig", map[string]any{"name": "porch"})

	if _, ok := c.Get("getConfig"); !ok {
		t.Fatal("Get() immediately after Put() should hit")
	}

	clock.Advance(4 * time.Second)
	if _, ok := c.Get("getConfig"); !ok {
		t.Error("Get() at 4s should still hit")
	}

	clock.Advance(1 * time.Second)
	if _, ok := c.Get("getConfig"); ok {
		t.Error("Get() at 5s should miss")
	}
}

func TestTTLCache_ZeroTTLDisables(t *testing.T) {
	c := New(0)

	c.Put("listPrograms", "anything")

	if _, ok := c.Get("listPrograms"); ok {
		t.Error("Get() should always miss when TTL is zero")
	}
	if c.Len() != 0 {
		t.Errorf("Len() = %d, want 0", c.Len())
	}
}

func TestTTLCache_InvalidateAll(t *testing.T) {
	c := New(DefaultTTL)

	c.Put("getConfig", 1)
	c.Put("listPrograms", 2)
	c.InvalidateAll()

	for _, key := range []string{"getConfig", "listPrograms"} {
		if _, ok := c.Get(key); ok {
			t.Errorf("Get(%q) should miss after InvalidateAll()", key)
		}
	}
}

func TestTTLCache_PutIfGeneration(t *testing.T) {
	tests := []struct {
		name       string
		invalidate bool
		wantStored bool
	}{
		{"same generation stores", false, true},
		{"invalidated in between drops", true, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := New(DefaultTTL)
			gen := c.Generation()
			if tt.invalidate {
				c.InvalidateAll()
			}

			if got := c.PutIfGeneration("getConfig", "reply", gen); got != tt.wantStored {
				t.Errorf("PutIfGeneration() = %v, want %v", got, tt.wantStored)
			}
			if _, ok := c.Get("getConfig"); ok != tt.wantStored {
				t.Errorf("Get() hit = %v, want %v", ok, tt.wantStored)
			}
		})
	}
}

func TestTTLCache_InvalidateAllAdvancesGeneration(t *testing.T) {
	c := New(0)
	before := c.Generation()
	c.InvalidateAll()
	if c.Generation() == before {
		t.Error("Generation() should change after InvalidateAll()")
	}
	if c.PutIfGeneration("k", 1, c.Generation()) {
		t.Error("PutIfGeneration() should not store when TTL is zero")
	}
}

func TestTTLCache_PutRefreshesAge(t *testing.T) {
	clock := newFakeClock()
	c := New(5 * time.Second)
	c.SetClock(clock.Now)

	c.Put("k", "old")
	clock.Advance(4 * time.Second)
	c.Put("k", "new")
	clock.Advance(4 * time.Second)

	got, ok := c.Get("k")
	if !ok {
		t.Fatal("Get() should hit after refresh")
	}
	if got != "new" {
		t.Errorf("Get() = %v, want new", got)
	}
}

func TestTTLCache_NegativeTTL(t *testing.T) {
	c := New(-time.Second)

	if c.TTL() != 0 {
		t.Errorf("TTL() = %v, want 0", c.TTL())
	}
}
