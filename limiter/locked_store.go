package limiter

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/toolink/gate/redlock"
)

// lockedStore implements the Store interface on redis using only plain
// commands, serializing each key's read-compute-write under a short redlock.
// It exists for redis-compatible backends and proxies that do not support
// EVAL; prefer NewRedisStore wherever scripting is available, it is one
// round-trip instead of four.
type lockedStore struct {
	client redis.Cmdable
	locker *redlock.Locker
	opts   storeOptions
}

// NewLockedStore creates a redis-backed store that never uses EVAL for its
// state transitions. The same options as NewRedisStore apply.
func NewLockedStore(client redis.Cmdable, opts ...StoreOption) Store {
	o := defaultStoreOptions()
	for _, opt := range opts {
		opt(&o)
	}
	locker := redlock.New(client,
		// a crashed holder must not stall the key for longer than callers
		// are willing to wait
		redlock.WithTTL(o.timeout),
		redlock.WithRetryDelay(5*time.Millisecond),
		// contended keys wait until the operation context gives up
		redlock.WithMaxRetries(0),
	)
	return &lockedStore{client: client, locker: locker, opts: o}
}

// withKeyLock runs fn while holding the lock for key, inside one bounded
// operation context.
func (s *lockedStore) withKeyLock(ctx context.Context, key string, fn func(ctx context.Context) error) error {
	ctx, cancel := opCtx(ctx, s.opts.timeout)
	defer cancel()

	lock, err := s.locker.Acquire(ctx, s.opts.prefix+"lock:"+key)
	if err != nil {
		return fmt.Errorf("limiter: lock for key %s: %w", key, err)
	}
	// unlock failures are logged by redlock; an expired lock releases itself
	defer func() { _ = lock.Unlock(ctx) }()

	return fn(ctx)
}

func (s *lockedStore) ExecTokenBucket(ctx context.Context, key string, a TokenBucketArgs) (TokenBucketState, error) {
	var st TokenBucketState
	err := s.withKeyLock(ctx, key, func(ctx context.Context) error {
		dataKey := s.opts.prefix + key
		vals, err := s.client.HMGet(ctx, dataKey, "tokens", "last_refill").Result()
		if err != nil {
			return fmt.Errorf("limiter: read bucket %s: %w", key, err)
		}

		var rec bucketRecord
		seen := len(vals) == 2 && vals[0] != nil && vals[1] != nil
		if seen {
			tokens, err := replyFloat(vals[0])
			if err != nil {
				return err
			}
			lastMs, err := replyInt(vals[1])
			if err != nil {
				return err
			}
			rec = bucketRecord{Tokens: tokens, LastRefill: time.UnixMilli(lastMs)}
		}

		rec, st = takeTokens(rec, seen, a)

		_, err = s.client.Pipelined(ctx, func(p redis.Pipeliner) error {
			p.HSet(ctx, dataKey, "tokens", rec.Tokens, "last_refill", rec.LastRefill.UnixMilli())
			p.PExpire(ctx, dataKey, bucketTTL(a))
			return nil
		})
		if err != nil {
			return fmt.Errorf("limiter: write bucket %s: %w", key, err)
		}
		return nil
	})
	if err != nil {
		return TokenBucketState{}, err
	}
	return st, nil
}

func (s *lockedStore) ExecSlidingWindow(ctx context.Context, key string, a SlidingWindowArgs) (SlidingWindowState, error) {
	var st SlidingWindowState
	err := s.withKeyLock(ctx, key, func(ctx context.Context) error {
		dataKey := s.opts.prefix + key
		vals, err := s.client.HMGet(ctx, dataKey, "bucket_start", "current", "previous").Result()
		if err != nil {
			return fmt.Errorf("limiter: read window %s: %w", key, err)
		}

		var rec windowRecord
		seen := len(vals) == 3 && vals[0] != nil && vals[1] != nil && vals[2] != nil
		if seen {
			startMs, err := replyInt(vals[0])
			if err != nil {
				return err
			}
			current, err := replyInt(vals[1])
			if err != nil {
				return err
			}
			previous, err := replyInt(vals[2])
			if err != nil {
				return err
			}
			rec = windowRecord{BucketStart: time.UnixMilli(startMs), Current: current, Previous: previous}
		}

		rec, st = slideWindow(rec, seen, a)

		_, err = s.client.Pipelined(ctx, func(p redis.Pipeliner) error {
			p.HSet(ctx, dataKey,
				"bucket_start", rec.BucketStart.UnixMilli(),
				"current", rec.Current,
				"previous", rec.Previous,
			)
			p.PExpire(ctx, dataKey, windowTTL(a))
			return nil
		})
		if err != nil {
			return fmt.Errorf("limiter: write window %s: %w", key, err)
		}
		return nil
	})
	if err != nil {
		return SlidingWindowState{}, err
	}
	return st, nil
}

func (s *lockedStore) ExecFixedWindow(ctx context.Context, key string, a FixedWindowArgs) (FixedWindowState, error) {
	var st FixedWindowState
	err := s.withKeyLock(ctx, key, func(ctx context.Context) error {
		start := windowStart(a.Now, a.Window)
		dataKey := s.opts.prefix + fixedWindowKey(key, start)

		var count int64
		raw, err := s.client.Get(ctx, dataKey).Result()
		switch {
		case errors.Is(err, redis.Nil):
			count = 0
		case err != nil:
			return fmt.Errorf("limiter: read counter %s: %w", key, err)
		default:
			count, err = replyInt(raw)
			if err != nil {
				return err
			}
		}

		count, st = countFixedWindow(count, a)
		if !st.Allowed {
			return nil
		}
		if err := s.client.Set(ctx, dataKey, count, a.Window).Err(); err != nil {
			return fmt.Errorf("limiter: write counter %s: %w", key, err)
		}
		return nil
	})
	if err != nil {
		return FixedWindowState{}, err
	}
	return st, nil
}

func (s *lockedStore) Ping(ctx context.Context) error {
	ctx, cancel := opCtx(ctx, s.opts.timeout)
	defer cancel()
	return s.client.Ping(ctx).Err()
}

// Close is a no-op: the redis client was passed in and its lifecycle belongs
// to the caller.
func (s *lockedStore) Close() error { return nil }
