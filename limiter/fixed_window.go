package limiter

import (
	"context"
	"strconv"
	"time"

	"github.com/rs/zerolog/log"
)

// FixedWindowConfig describes a counter over consecutive wall-clock-aligned
// windows of Window length. At most Limit requests are admitted per window.
type FixedWindowConfig struct {
	Limit  int64
	Window time.Duration
}

// windowStart truncates now to the start of its fixed window.
func windowStart(now time.Time, window time.Duration) time.Time {
	winMs := window.Milliseconds()
	return time.UnixMilli(now.UnixMilli() / winMs * winMs)
}

// fixedWindowKey is the compound storage key for one window of one caller.
// Scoping the counter by window start makes expiry trivial and resets exact.
func fixedWindowKey(key string, start time.Time) string {
	return key + ":" + strconv.FormatInt(start.UnixMilli(), 10)
}

// countFixedWindow applies the check-then-increment transition to a window
// counter. The returned count is what the caller must persist.
func countFixedWindow(count int64, a FixedWindowArgs) (int64, FixedWindowState) {
	st := FixedWindowState{WindowStart: windowStart(a.Now, a.Window)}
	if count < a.Limit {
		count++
		st.Allowed = true
	}
	st.Count = count
	return count, st
}

// FixedWindowLimiter admits at most Limit requests per aligned window. It is
// the cheapest algorithm but admits up to twice the limit across a window
// boundary: a burst late in one window and another early in the next are
// both within their own windows' budgets. Use the sliding window limiter
// where that matters.
type FixedWindowLimiter struct {
	store Store
	clock func() time.Time
}

// NewFixedWindowLimiter creates a fixed window limiter on top of store.
func NewFixedWindowLimiter(store Store) *FixedWindowLimiter {
	return &FixedWindowLimiter{store: store, clock: time.Now}
}

// Check counts one request against the current window at key. Denials report
// the start of the next window as the reset. When the store cannot be
// consulted the request is admitted with Degraded set; the error is logged
// here and never returned.
func (l *FixedWindowLimiter) Check(ctx context.Context, key string, cfg FixedWindowConfig) *Decision {
	now := l.clock()
	args := FixedWindowArgs{Limit: cfg.Limit, Window: cfg.Window, Now: now}
	if args.Window <= 0 {
		args.Window = time.Second
	}

	st, err := l.store.ExecFixedWindow(ctx, key, args)
	if err != nil {
		log.Warn().Err(err).Str("key", key).Str("algorithm", AlgorithmFixedWindow).Msg("store unavailable, failing open")
		return &Decision{
			Allowed:   true,
			Remaining: cfg.Limit,
			ResetAt:   now,
			Degraded:  true,
		}
	}

	remaining := cfg.Limit - st.Count
	if remaining < 0 {
		remaining = 0
	}

	d := &Decision{
		Allowed:   st.Allowed,
		Remaining: remaining,
		ResetAt:   st.WindowStart.Add(args.Window),
	}
	if !st.Allowed {
		d.RetryAfter = d.ResetAt.Sub(now)
	}
	return d
}
