package redlock

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
)

const (
	// defaultTTL is the default lock expiry time if not set via WithTTL.
	defaultTTL = 1 * time.Second
	// defaultRetryDelay is the default time to wait between retries in Acquire.
	defaultRetryDelay = 10 * time.Millisecond
	// defaultMaxRetries is the default maximum number of retries in Acquire.
	// Set to 0 via WithMaxRetries for infinite retries (context permitting).
	defaultMaxRetries = 30
)

var (
	// ErrLockNotAcquired is returned when TryAcquire fails to acquire the lock immediately.
	ErrLockNotAcquired = errors.New("redlock: lock not acquired")
	// ErrUnlockFailed is returned when unlocking fails (e.g., lock expired or held by someone else).
	ErrUnlockFailed = errors.New("redlock: failed to unlock")
	// ErrLockWaitTimeout is returned when Acquire fails to acquire the lock within the context deadline.
	ErrLockWaitTimeout = errors.New("redlock: waiting for lock timed out or context cancelled")
	// ErrLockMaxRetriesExceeded is returned when Acquire fails after exceeding the maximum retry attempts.
	ErrLockMaxRetriesExceeded = errors.New("redlock: maximum lock retries exceeded")
)

// unlockScript ensures atomic deletion only if the value matches.
// KEYS[1]: The lock key
// ARGV[1]: The unique value held by the lock instance
// Returns 1 if deletion occurred, 0 otherwise.
const unlockScript = `
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("del", KEYS[1])
else
	return 0
end
`

// Locker acquires short-lived distributed locks on arbitrary keys. One Locker
// serves any number of keys and goroutines; every acquisition returns its own
// Lock handle carrying the unique value that proves ownership.
type Locker struct {
	client     redis.Cmdable
	ttl        time.Duration // Time-to-live for each lock.
	retryDelay time.Duration // Delay between retries for the Acquire method.
	maxRetries int           // Max number of retries for Acquire (0 means infinite, subject to context).
}

// Option defines a function type for configuring a Locker.
type Option func(*Locker)

// WithTTL sets the time-to-live for acquired locks. A crashed holder blocks
// other instances for at most this long.
// Defaults to 1 second.
func WithTTL(ttl time.Duration) Option {
	return func(l *Locker) {
		if ttl > 0 {
			l.ttl = ttl
		}
	}
}

// WithRetryDelay sets the delay between lock acquisition attempts for the Acquire method.
// Defaults to 10ms.
func WithRetryDelay(delay time.Duration) Option {
	return func(l *Locker) {
		if delay > 0 {
			l.retryDelay = delay
		}
	}
}

// WithMaxRetries sets the maximum number of retries for the Acquire method.
// Set to 0 for infinite retries (limited only by context deadline/cancellation).
// Defaults to 30 retries.
func WithMaxRetries(retries int) Option {
	return func(l *Locker) {
		if retries >= 0 {
			l.maxRetries = retries
		}
	}
}

// New creates a new Locker instance.
// client: An initialized go-redis client interface.
func New(client redis.Cmdable, options ...Option) *Locker {
	l := &Locker{
		client:     client,
		ttl:        defaultTTL,
		retryDelay: defaultRetryDelay,
		maxRetries: defaultMaxRetries,
	}
	for _, opt := range options {
		opt(l)
	}
	return l
}

// Lock is one held lock. It is returned by TryAcquire/Acquire and released
// with Unlock.
type Lock struct {
	locker *Locker
	key    string
	value  string
}

// Key returns the resource key this lock holds.
func (lk *Lock) Key() string { return lk.key }

// Value returns the unique value proving ownership of this lock.
func (lk *Lock) Value() string { return lk.value }

// tryAcquire attempts the core SETNX operation.
// Returns the unique lock value on success, or an error.
func (l *Locker) tryAcquire(ctx context.Context, key string) (string, error) {
	lockValue := uuid.NewString()

	// SET key value NX PX ttl
	ok, err := l.client.SetNX(ctx, key, lockValue, l.ttl).Result()
	if err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return "", ErrLockWaitTimeout
		}
		log.Error().Err(err).Str("key", key).Msg("failed to execute setnx command")
		return "", err
	}
	if !ok {
		// key already exists, lock is held by someone else
		return "", ErrLockNotAcquired
	}
	return lockValue, nil
}

// TryAcquire attempts to acquire the lock on key immediately without waiting.
// Returns ErrLockNotAcquired when the lock is held elsewhere.
func (l *Locker) TryAcquire(ctx context.Context, key string) (*Lock, error) {
	value, err := l.tryAcquire(ctx, key)
	if err != nil {
		return nil, err
	}
	log.Debug().Str("key", key).Str("held_value", value).Msg("lock acquired")
	return &Lock{locker: l, key: key, value: value}, nil
}

// Acquire attempts to acquire the lock on key, waiting and retrying according
// to configuration. It respects the deadline/cancellation of the context AND
// the maxRetries limit.
// Returns ErrLockWaitTimeout if the context expires, and
// ErrLockMaxRetriesExceeded if max retries are hit before the context expires.
func (l *Locker) Acquire(ctx context.Context, key string) (*Lock, error) {
	// attempt immediately first
	value, err := l.tryAcquire(ctx, key)
	if err == nil {
		return &Lock{locker: l, key: key, value: value}, nil
	}
	if !errors.Is(err, ErrLockNotAcquired) {
		return nil, err
	}

	retryCount := 0
	ticker := time.NewTicker(l.retryDelay)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Warn().Err(ctx.Err()).Str("key", key).Int("retries_attempted", retryCount).Msg("context done while waiting for lock")
			return nil, ErrLockWaitTimeout

		case <-ticker.C:
			retryCount++
			value, err := l.tryAcquire(ctx, key)
			if err == nil {
				log.Debug().Str("key", key).Int("retries_needed", retryCount).Msg("lock acquired after waiting")
				return &Lock{locker: l, key: key, value: value}, nil
			}
			if !errors.Is(err, ErrLockNotAcquired) {
				return nil, err
			}
			// maxRetries == 0 means infinite retries (only limited by context)
			if l.maxRetries > 0 && retryCount >= l.maxRetries {
				log.Warn().Str("key", key).Int("retries_attempted", retryCount).Msg("maximum lock retries exceeded")
				return nil, ErrLockMaxRetriesExceeded
			}
		}
	}
}

// Unlock releases the lock using the Lua script for safety: the key is
// deleted only while it still holds this lock's value, so a lock that
// expired and was re-acquired elsewhere is never stolen back.
func (lk *Lock) Unlock(ctx context.Context) error {
	res, err := lk.locker.client.Eval(ctx, unlockScript, []string{lk.key}, lk.value).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			// key is gone - likely expired. Considered success.
			log.Warn().Str("key", lk.key).Msg("key not found during unlock (likely expired)")
			return nil
		}
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return ctx.Err()
		}
		log.Error().Err(err).Str("key", lk.key).Msg("failed to execute unlock script")
		return err
	}

	if val, ok := res.(int64); ok && val == 1 {
		log.Debug().Str("key", lk.key).Msg("lock released")
		return nil
	}

	// script returned 0: value did not match, the lock expired and was re-acquired elsewhere
	log.Warn().Str("key", lk.key).Interface("script_result", res).Msg("unlock failed: lock no longer held by this instance")
	return ErrUnlockFailed
}
