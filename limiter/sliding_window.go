package limiter

import (
	"context"
	"math"
	"time"

	"github.com/rs/zerolog/log"
)

// SlidingWindowConfig describes a window of Window length split into
// Precision equal sub-buckets. Only the current and previous sub-buckets are
// kept; the previous one contributes proportionally to how much of it still
// overlaps the sliding window.
type SlidingWindowConfig struct {
	Limit     int64
	Window    time.Duration
	Precision int
}

// windowRecord is the persisted state of one sliding window.
type windowRecord struct {
	BucketStart time.Time
	Current     int64
	Previous    int64
}

// slideWindow rotates a window record to the sub-bucket containing a.Now,
// weighs the request against the limit, and counts it when admitted. seen
// reports whether rec was loaded from storage.
func slideWindow(rec windowRecord, seen bool, a SlidingWindowArgs) (windowRecord, SlidingWindowState) {
	sub := subBucket(a)
	subMs := sub.Milliseconds()
	nowMs := a.Now.UnixMilli()
	startMs := nowMs / subMs * subMs
	overlap := float64(nowMs-startMs) / float64(subMs)

	var current, previous int64
	if seen {
		switch rec.BucketStart.UnixMilli() {
		case startMs:
			current, previous = rec.Current, rec.Previous
		case startMs - subMs:
			// the stored bucket just closed, it becomes the previous one
			previous = rec.Current
		}
		// anything older has fully slid out of the window
	}

	weighted := float64(previous)*(1-overlap) + float64(current)
	st := SlidingWindowState{
		Weighted:    weighted,
		BucketStart: time.UnixMilli(startMs),
	}
	if weighted < float64(a.Limit) {
		st.Allowed = true
		current++
	}

	rec = windowRecord{BucketStart: st.BucketStart, Current: current, Previous: previous}
	return rec, st
}

// subBucket is the duration of one sub-bucket.
func subBucket(a SlidingWindowArgs) time.Duration {
	p := a.Precision
	if p < 1 {
		p = 1
	}
	sub := a.Window / time.Duration(p)
	if sub < time.Millisecond {
		sub = time.Millisecond
	}
	return sub
}

// windowTTL is how long a window record may live without a write.
func windowTTL(a SlidingWindowArgs) time.Duration {
	return 2 * subBucket(a)
}

// SlidingWindowLimiter admits requests against a weighted two-bucket count,
// smoothing bursts at window boundaries that a fixed window would admit
// twice.
type SlidingWindowLimiter struct {
	store Store
	clock func() time.Time
}

// NewSlidingWindowLimiter creates a sliding window limiter on top of store.
func NewSlidingWindowLimiter(store Store) *SlidingWindowLimiter {
	return &SlidingWindowLimiter{store: store, clock: time.Now}
}

// Check counts one request against the window at key. The reported reset is
// the start of the next sub-bucket, an approximation of when meaningful
// capacity returns. When the store cannot be consulted the request is
// admitted with Degraded set; the error is logged here and never returned.
func (l *SlidingWindowLimiter) Check(ctx context.Context, key string, cfg SlidingWindowConfig) *Decision {
	now := l.clock()
	args := SlidingWindowArgs{
		Limit:     cfg.Limit,
		Window:    cfg.Window,
		Precision: cfg.Precision,
		Now:       now,
	}
	if args.Precision < 1 {
		args.Precision = 1
	}
	if args.Window <= 0 {
		args.Window = time.Second
	}

	st, err := l.store.ExecSlidingWindow(ctx, key, args)
	if err != nil {
		log.Warn().Err(err).Str("key", key).Str("algorithm", AlgorithmSlidingWindow).Msg("store unavailable, failing open")
		return &Decision{
			Allowed:   true,
			Remaining: cfg.Limit,
			ResetAt:   now,
			Degraded:  true,
		}
	}

	used := int64(math.Ceil(st.Weighted))
	if st.Allowed {
		used++
	}
	remaining := cfg.Limit - used
	if remaining < 0 {
		remaining = 0
	}

	d := &Decision{
		Allowed:   st.Allowed,
		Remaining: remaining,
		ResetAt:   st.BucketStart.Add(subBucket(args)),
	}
	if !st.Allowed {
		d.RetryAfter = d.ResetAt.Sub(now)
	}
	return d
}
