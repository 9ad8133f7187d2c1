package limiter

import (
	"context"
	"sync"
	"time"
)

// expiring pairs a record with its eviction deadline.
type expiring[T any] struct {
	value    T
	expireAt time.Time
}

func (e expiring[T]) expired(now time.Time) bool {
	return now.After(e.expireAt)
}

// memoryStore implements the Store interface with in-process maps. A single
// mutex guards all three record families, making each Exec call trivially
// atomic. A janitor goroutine evicts expired records; reads also skip them,
// so correctness never depends on sweep timing.
type memoryStore struct {
	mu       sync.Mutex
	closed   bool
	buckets  map[string]expiring[bucketRecord]
	windows  map[string]expiring[windowRecord]
	counters map[string]expiring[int64]
	stop     chan struct{}
	stopOnce sync.Once
}

// MemoryStoreOption configures a memory store.
type MemoryStoreOption func(*memoryStoreOptions)

type memoryStoreOptions struct {
	sweepEvery time.Duration
}

// WithSweepInterval sets how often expired records are evicted.
// Defaults to 1 minute.
func WithSweepInterval(d time.Duration) MemoryStoreOption {
	return func(o *memoryStoreOptions) {
		if d > 0 {
			o.sweepEvery = d
		}
	}
}

// NewMemoryStore creates an in-process rate limit store. It is intended for
// single-instance deployments and tests; a fleet of processes must share a
// redis-backed store instead. Close stops the eviction goroutine.
func NewMemoryStore(opts ...MemoryStoreOption) Store {
	o := memoryStoreOptions{sweepEvery: time.Minute}
	for _, opt := range opts {
		opt(&o)
	}
	s := &memoryStore{
		buckets:  make(map[string]expiring[bucketRecord]),
		windows:  make(map[string]expiring[windowRecord]),
		counters: make(map[string]expiring[int64]),
		stop:     make(chan struct{}),
	}
	go s.sweepLoop(o.sweepEvery)
	return s
}

func (s *memoryStore) ExecTokenBucket(_ context.Context, key string, a TokenBucketArgs) (TokenBucketState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return TokenBucketState{}, ErrStoreClosed
	}

	entry, seen := s.buckets[key]
	if seen && entry.expired(a.Now) {
		seen = false
	}
	rec, st := takeTokens(entry.value, seen, a)
	s.buckets[key] = expiring[bucketRecord]{value: rec, expireAt: a.Now.Add(bucketTTL(a))}
	return st, nil
}

func (s *memoryStore) ExecSlidingWindow(_ context.Context, key string, a SlidingWindowArgs) (SlidingWindowState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return SlidingWindowState{}, ErrStoreClosed
	}

	entry, seen := s.windows[key]
	if seen && entry.expired(a.Now) {
		seen = false
	}
	rec, st := slideWindow(entry.value, seen, a)
	s.windows[key] = expiring[windowRecord]{value: rec, expireAt: a.Now.Add(windowTTL(a))}
	return st, nil
}

func (s *memoryStore) ExecFixedWindow(_ context.Context, key string, a FixedWindowArgs) (FixedWindowState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return FixedWindowState{}, ErrStoreClosed
	}

	compound := fixedWindowKey(key, windowStart(a.Now, a.Window))
	entry, seen := s.counters[compound]
	if seen && entry.expired(a.Now) {
		entry.value = 0
	}
	count, st := countFixedWindow(entry.value, a)
	if st.Allowed {
		s.counters[compound] = expiring[int64]{value: count, expireAt: a.Now.Add(a.Window)}
	}
	return st, nil
}

func (s *memoryStore) Ping(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrStoreClosed
	}
	return nil
}

func (s *memoryStore) Close() error {
	s.stopOnce.Do(func() { close(s.stop) })
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	return nil
}

func (s *memoryStore) sweepLoop(every time.Duration) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-s.stop:
			return
		case <-ticker.C:
			s.sweep(time.Now())
		}
	}
}

// sweep evicts records whose deadline passed. Deadlines were computed from
// caller clocks, so a test-injected clock far in the past just expires early.
func (s *memoryStore) sweep(now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for k, e := range s.buckets {
		if e.expired(now) {
			delete(s.buckets, k)
		}
	}
	for k, e := range s.windows {
		if e.expired(now) {
			delete(s.windows, k)
		}
	}
	for k, e := range s.counters {
		if e.expired(now) {
			delete(s.counters, k)
		}
	}
}
