package limiter

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestFixedWindowLimiter_ExhaustionAndReset(t *testing.T) {
	store := NewMemoryStore()
	defer store.Close()
	now := testBase.Add(10 * time.Second) // mid-window on purpose
	l := NewFixedWindowLimiter(store)
	l.clock = func() time.Time { return now }

	cfg := FixedWindowConfig{Limit: 2, Window: time.Minute}
	key := "fw:reset"
	for i := 0; i < 2; i++ {
		d := l.Check(context.Background(), key, cfg)
		if !d.Allowed {
			t.Fatalf("request %d was unexpectedly denied", i)
		}
		if want := int64(1 - i); d.Remaining != want {
			t.Errorf("request %d: expected %d remaining, got %d", i, want, d.Remaining)
		}
	}

	d := l.Check(context.Background(), key, cfg)
	if d.Allowed {
		t.Fatal("the 3rd request should have been denied")
	}
	if want := 50 * time.Second; d.RetryAfter != want {
		t.Errorf("expected a retry at the window boundary in %s, got %s", want, d.RetryAfter)
	}
	if want := testBase.Add(time.Minute); !d.ResetAt.Equal(want) {
		t.Errorf("expected reset at %s, got %s", want, d.ResetAt)
	}

	now = testBase.Add(time.Minute)
	if d := l.Check(context.Background(), key, cfg); !d.Allowed {
		t.Error("a fresh window should admit again")
	}
}

func TestFixedWindowLimiter_AdjacentWindowsKeepTheirOwnBudgets(t *testing.T) {
	// The documented trade-off of fixed windows: a burst late in one window
	// and another early in the next are both admitted.
	store := NewMemoryStore()
	defer store.Close()
	now := testBase.Add(59 * time.Second)
	l := NewFixedWindowLimiter(store)
	l.clock = func() time.Time { return now }

	cfg := FixedWindowConfig{Limit: 5, Window: time.Minute}
	key := "fw:straddle"
	for i := 0; i < 5; i++ {
		if d := l.Check(context.Background(), key, cfg); !d.Allowed {
			t.Fatalf("request %d at the end of the window was unexpectedly denied", i)
		}
	}

	now = testBase.Add(61 * time.Second)
	for i := 0; i < 5; i++ {
		if d := l.Check(context.Background(), key, cfg); !d.Allowed {
			t.Fatalf("request %d at the start of the next window was unexpectedly denied", i)
		}
	}
	if d := l.Check(context.Background(), key, cfg); d.Allowed {
		t.Error("the 6th request of the new window should have been denied")
	}
}

func TestFixedWindowLimiter_KeysAreIndependent(t *testing.T) {
	store := NewMemoryStore()
	defer store.Close()
	l := NewFixedWindowLimiter(store)
	l.clock = func() time.Time { return testBase }

	cfg := FixedWindowConfig{Limit: 1, Window: time.Minute}
	if d := l.Check(context.Background(), "fw:a", cfg); !d.Allowed {
		t.Fatal("first key was unexpectedly denied")
	}
	if d := l.Check(context.Background(), "fw:b", cfg); !d.Allowed {
		t.Error("a different key must have its own counter")
	}
	if d := l.Check(context.Background(), "fw:a", cfg); d.Allowed {
		t.Error("the original key should be exhausted")
	}
}

func TestFixedWindowLimiter_FailsOpenOnStoreErrors(t *testing.T) {
	l := NewFixedWindowLimiter(failingStore{err: errors.New("connection refused")})
	l.clock = func() time.Time { return testBase }

	d := l.Check(context.Background(), "fw:down", FixedWindowConfig{Limit: 5, Window: time.Minute})

	if !d.Allowed || !d.Degraded {
		t.Fatalf("expected a degraded allow, got allowed=%v degraded=%v", d.Allowed, d.Degraded)
	}
	if d.Remaining != 5 {
		t.Errorf("expected the full limit reported while degraded, got %d", d.Remaining)
	}
}
