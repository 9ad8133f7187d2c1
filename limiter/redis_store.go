package limiter

import (
	"context"
	_ "embed" // needed for go:embed
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

//go:embed token_bucket.lua
var tokenBucketSrc string

//go:embed sliding_window.lua
var slidingWindowSrc string

//go:embed fixed_window.lua
var fixedWindowSrc string

// redis.Script handles EVALSHA with an EVAL fallback, so scripts load on
// first use without an explicit SCRIPT LOAD step.
var (
	tokenBucketScript   = redis.NewScript(tokenBucketSrc)
	slidingWindowScript = redis.NewScript(slidingWindowSrc)
	fixedWindowScript   = redis.NewScript(fixedWindowSrc)
)

// StoreOption configures the redis-backed stores.
type StoreOption func(*storeOptions)

type storeOptions struct {
	prefix  string
	timeout time.Duration
}

func defaultStoreOptions() storeOptions {
	return storeOptions{
		prefix:  "gate:",
		timeout: 250 * time.Millisecond,
	}
}

// WithKeyPrefix namespaces every key the store writes.
// Defaults to "gate:".
func WithKeyPrefix(prefix string) StoreOption {
	return func(o *storeOptions) {
		o.prefix = prefix
	}
}

// WithOpTimeout bounds each store round-trip. Admission sits on the request
// path, so checks must degrade quickly rather than queue behind a slow
// backend. Defaults to 250ms.
func WithOpTimeout(d time.Duration) StoreOption {
	return func(o *storeOptions) {
		if d > 0 {
			o.timeout = d
		}
	}
}

// redisStore implements the Store interface on redis, one Lua script per
// algorithm so every transition is a single atomic round-trip.
type redisStore struct {
	client redis.Cmdable // Cmdable for compatibility with ClusterClient, SentinelClient, etc.
	opts   storeOptions
}

// NewRedisStore creates a redis-backed rate limit store. It expects a
// pre-configured redis.Cmdable (e.g. redis.Client or redis.ClusterClient)
// and does not own its lifecycle.
func NewRedisStore(client redis.Cmdable, opts ...StoreOption) Store {
	o := defaultStoreOptions()
	for _, opt := range opts {
		opt(&o)
	}
	return &redisStore{client: client, opts: o}
}

// opCtx bounds one store round-trip. The parent's values survive but its
// cancellation does not: an abandoned request must not abort a transition
// whose side effects other checks will observe.
func opCtx(ctx context.Context, timeout time.Duration) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(ctx), timeout)
}

func (s *redisStore) ExecTokenBucket(ctx context.Context, key string, a TokenBucketArgs) (TokenBucketState, error) {
	ctx, cancel := opCtx(ctx, s.opts.timeout)
	defer cancel()

	keys := []string{s.opts.prefix + key}
	argv := []any{
		a.Capacity,
		a.RefillRate,
		a.RefillInterval.Milliseconds(),
		a.InitialTokens,
		a.Cost,
		a.Now.UnixMilli(),
		bucketTTL(a).Milliseconds(),
	}
	reply, err := tokenBucketScript.Run(ctx, s.client, keys, argv...).Slice()
	if err != nil {
		return TokenBucketState{}, fmt.Errorf("limiter: token bucket script for key %s: %w", key, err)
	}
	if len(reply) != 3 {
		return TokenBucketState{}, fmt.Errorf("limiter: token bucket script returned %d values, want 3", len(reply))
	}

	allowed, err := replyInt(reply[0])
	if err != nil {
		return TokenBucketState{}, err
	}
	tokens, err := replyFloat(reply[1])
	if err != nil {
		return TokenBucketState{}, err
	}
	retryMs, err := replyInt(reply[2])
	if err != nil {
		return TokenBucketState{}, err
	}

	return TokenBucketState{
		Allowed:    allowed == 1,
		Tokens:     tokens,
		RetryAfter: time.Duration(retryMs) * time.Millisecond,
	}, nil
}

func (s *redisStore) ExecSlidingWindow(ctx context.Context, key string, a SlidingWindowArgs) (SlidingWindowState, error) {
	ctx, cancel := opCtx(ctx, s.opts.timeout)
	defer cancel()

	keys := []string{s.opts.prefix + key}
	argv := []any{
		a.Limit,
		subBucket(a).Milliseconds(),
		a.Now.UnixMilli(),
		windowTTL(a).Milliseconds(),
	}
	reply, err := slidingWindowScript.Run(ctx, s.client, keys, argv...).Slice()
	if err != nil {
		return SlidingWindowState{}, fmt.Errorf("limiter: sliding window script for key %s: %w", key, err)
	}
	if len(reply) != 3 {
		return SlidingWindowState{}, fmt.Errorf("limiter: sliding window script returned %d values, want 3", len(reply))
	}

	allowed, err := replyInt(reply[0])
	if err != nil {
		return SlidingWindowState{}, err
	}
	weighted, err := replyFloat(reply[1])
	if err != nil {
		return SlidingWindowState{}, err
	}
	startMs, err := replyInt(reply[2])
	if err != nil {
		return SlidingWindowState{}, err
	}

	return SlidingWindowState{
		Allowed:     allowed == 1,
		Weighted:    weighted,
		BucketStart: time.UnixMilli(startMs),
	}, nil
}

func (s *redisStore) ExecFixedWindow(ctx context.Context, key string, a FixedWindowArgs) (FixedWindowState, error) {
	ctx, cancel := opCtx(ctx, s.opts.timeout)
	defer cancel()

	start := windowStart(a.Now, a.Window)
	keys := []string{s.opts.prefix + fixedWindowKey(key, start)}
	argv := []any{a.Limit, a.Window.Milliseconds()}
	reply, err := fixedWindowScript.Run(ctx, s.client, keys, argv...).Slice()
	if err != nil {
		return FixedWindowState{}, fmt.Errorf("limiter: fixed window script for key %s: %w", key, err)
	}
	if len(reply) != 2 {
		return FixedWindowState{}, fmt.Errorf("limiter: fixed window script returned %d values, want 2", len(reply))
	}

	allowed, err := replyInt(reply[0])
	if err != nil {
		return FixedWindowState{}, err
	}
	count, err := replyInt(reply[1])
	if err != nil {
		return FixedWindowState{}, err
	}

	return FixedWindowState{
		Allowed:     allowed == 1,
		Count:       count,
		WindowStart: start,
	}, nil
}

func (s *redisStore) Ping(ctx context.Context) error {
	ctx, cancel := opCtx(ctx, s.opts.timeout)
	defer cancel()
	return s.client.Ping(ctx).Err()
}

// Close is a no-op: the redis client was passed in and its lifecycle belongs
// to the caller.
func (s *redisStore) Close() error { return nil }

// replyInt converts a Lua script reply element to an int64.
func replyInt(v any) (int64, error) {
	switch t := v.(type) {
	case int64:
		return t, nil
	case string:
		n, err := strconv.ParseInt(t, 10, 64)
		if err != nil {
			return 0, fmt.Errorf("limiter: unexpected script reply %q: %w", t, err)
		}
		return n, nil
	default:
		return 0, fmt.Errorf("limiter: unexpected script reply type %T", v)
	}
}

// replyFloat converts a Lua script reply element to a float64. Scripts send
// fractional numbers as strings because redis truncates Lua numbers to
// integers in replies.
func replyFloat(v any) (float64, error) {
	switch t := v.(type) {
	case string:
		f, err := strconv.ParseFloat(t, 64)
		if err != nil {
			return 0, fmt.Errorf("limiter: unexpected script reply %q: %w", t, err)
		}
		return f, nil
	case int64:
		return float64(t), nil
	default:
		return 0, fmt.Errorf("limiter: unexpected script reply type %T", v)
	}
}
