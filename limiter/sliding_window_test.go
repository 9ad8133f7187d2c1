package limiter

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestSlidingWindowLimiter_Exhaustion(t *testing.T) {
	store := NewMemoryStore()
	defer store.Close()
	l := NewSlidingWindowLimiter(store)
	l.clock = func() time.Time { return testBase }

	cfg := SlidingWindowConfig{Limit: 3, Window: time.Minute, Precision: 1}
	key := "sw:exhaust"
	for i := 0; i < 3; i++ {
		d := l.Check(context.Background(), key, cfg)
		if !d.Allowed {
			t.Fatalf("request %d was unexpectedly denied", i)
		}
		if want := int64(2 - i); d.Remaining != want {
			t.Errorf("request %d: expected %d remaining, got %d", i, want, d.Remaining)
		}
	}

	d := l.Check(context.Background(), key, cfg)
	if d.Allowed {
		t.Fatal("the 4th request should have been denied")
	}
	if want := testBase.Add(time.Minute); !d.ResetAt.Equal(want) {
		t.Errorf("expected reset at the next sub-bucket %s, got %s", want, d.ResetAt)
	}
	if d.RetryAfter != time.Minute {
		t.Errorf("expected a 1m retry from the window start, got %s", d.RetryAfter)
	}
}

func TestSlidingWindowLimiter_PreviousWindowWeighsIn(t *testing.T) {
	store := NewMemoryStore()
	defer store.Close()
	now := testBase
	l := NewSlidingWindowLimiter(store)
	l.clock = func() time.Time { return now }

	cfg := SlidingWindowConfig{Limit: 4, Window: time.Minute, Precision: 1}
	key := "sw:weighted"
	for i := 0; i < 4; i++ {
		if d := l.Check(context.Background(), key, cfg); !d.Allowed {
			t.Fatalf("request %d was unexpectedly denied", i)
		}
	}

	// Halfway into the next window the previous 4 still weigh in as 2,
	// leaving room for exactly 2 more.
	now = testBase.Add(90 * time.Second)
	for i := 0; i < 2; i++ {
		if d := l.Check(context.Background(), key, cfg); !d.Allowed {
			t.Fatalf("request %d in the second window was unexpectedly denied", i)
		}
	}
	if d := l.Check(context.Background(), key, cfg); d.Allowed {
		t.Error("the weighted count reached the limit, the request should have been denied")
	}
}

func TestSlidingWindowLimiter_BoundaryCarriesFullWeight(t *testing.T) {
	store := NewMemoryStore()
	defer store.Close()
	now := testBase
	l := NewSlidingWindowLimiter(store)
	l.clock = func() time.Time { return now }

	cfg := SlidingWindowConfig{Limit: 10, Window: time.Minute, Precision: 1}
	key := "sw:boundary"
	for i := 0; i < 3; i++ {
		if d := l.Check(context.Background(), key, cfg); !d.Allowed {
			t.Fatalf("request %d was unexpectedly denied", i)
		}
	}

	// Exactly on the boundary the previous window still counts in full: no
	// double-limit burst like a fixed window would admit.
	now = testBase.Add(time.Minute)
	d := l.Check(context.Background(), key, cfg)
	if !d.Allowed {
		t.Fatal("request at the boundary was unexpectedly denied")
	}
	if d.Remaining != 6 {
		t.Errorf("expected 10 - (3 carried + 1 admitted) = 6 remaining, got %d", d.Remaining)
	}
}

func TestSlidingWindowLimiter_StaleWindowSlidesOut(t *testing.T) {
	store := NewMemoryStore()
	defer store.Close()
	now := testBase
	l := NewSlidingWindowLimiter(store)
	l.clock = func() time.Time { return now }

	cfg := SlidingWindowConfig{Limit: 2, Window: time.Minute, Precision: 1}
	key := "sw:stale"
	for i := 0; i < 2; i++ {
		if d := l.Check(context.Background(), key, cfg); !d.Allowed {
			t.Fatalf("request %d was unexpectedly denied", i)
		}
	}
	if d := l.Check(context.Background(), key, cfg); d.Allowed {
		t.Fatal("the window should be full")
	}

	now = testBase.Add(3 * time.Minute)
	d := l.Check(context.Background(), key, cfg)
	if !d.Allowed {
		t.Fatal("a window two generations old must not count")
	}
	if d.Remaining != 1 {
		t.Errorf("expected a fresh window countdown, got %d remaining", d.Remaining)
	}
}

func TestSlidingWindowLimiter_PrecisionTightensRotation(t *testing.T) {
	store := NewMemoryStore()
	defer store.Close()
	now := testBase
	l := NewSlidingWindowLimiter(store)
	l.clock = func() time.Time { return now }

	// 60 sub-buckets of 1s each.
	cfg := SlidingWindowConfig{Limit: 2, Window: time.Minute, Precision: 60}
	key := "sw:precise"
	for i := 0; i < 2; i++ {
		if d := l.Check(context.Background(), key, cfg); !d.Allowed {
			t.Fatalf("request %d was unexpectedly denied", i)
		}
	}

	// Half a sub-bucket later the previous two weigh in as one.
	now = testBase.Add(1500 * time.Millisecond)
	d := l.Check(context.Background(), key, cfg)
	if !d.Allowed {
		t.Fatal("half the previous sub-bucket slid out, one slot should be free")
	}
	if want := testBase.Add(2 * time.Second); !d.ResetAt.Equal(want) {
		t.Errorf("expected reset at the next sub-bucket %s, got %s", want, d.ResetAt)
	}
}

func TestSlidingWindowLimiter_FailsOpenOnStoreErrors(t *testing.T) {
	l := NewSlidingWindowLimiter(failingStore{err: errors.New("connection refused")})
	l.clock = func() time.Time { return testBase }

	d := l.Check(context.Background(), "sw:down", SlidingWindowConfig{Limit: 5, Window: time.Minute, Precision: 1})

	if !d.Allowed || !d.Degraded {
		t.Fatalf("expected a degraded allow, got allowed=%v degraded=%v", d.Allowed, d.Degraded)
	}
	if d.Remaining != 5 {
		t.Errorf("expected the full limit reported while degraded, got %d", d.Remaining)
	}
}
