package limiter

import (
	"context"
	"time"
)

// Store executes algorithm state transitions against a backing storage.
// Each Exec call is one atomic read-compute-write for its key: two
// concurrent calls for the same key must observe each other's writes, never
// interleave. Calls for different keys are independent.
//
// Args carry the caller's clock so backends stay deterministic under test
// and a fleet of processes sharing one backend agrees on time. Backends own
// the expiry of their records (see the TTL rules on each args type).
type Store interface {
	// ExecTokenBucket refills and consumes from the bucket at key.
	ExecTokenBucket(ctx context.Context, key string, args TokenBucketArgs) (TokenBucketState, error)

	// ExecSlidingWindow rotates the two sub-buckets at key as time advances
	// and counts the request into the current one when admitted.
	ExecSlidingWindow(ctx context.Context, key string, args SlidingWindowArgs) (SlidingWindowState, error)

	// ExecFixedWindow increments the counter of the window derived from
	// args.Now when it is still under the limit.
	ExecFixedWindow(ctx context.Context, key string, args FixedWindowArgs) (FixedWindowState, error)

	// Ping reports whether the backend is reachable.
	Ping(ctx context.Context) error

	// Close releases resources owned by the store. It does not close
	// clients that were passed in.
	Close() error
}

// TokenBucketArgs parameterizes one token bucket transition. All numeric
// fields must be positive; InitialTokens may be zero to start a bucket
// empty. Records expire bucketTTLFactor refill intervals after their last
// write.
type TokenBucketArgs struct {
	Capacity       float64
	RefillRate     float64 // tokens credited per elapsed interval
	RefillInterval time.Duration
	InitialTokens  float64 // balance assigned on first sight of the key
	Cost           float64 // tokens consumed by this request
	Now            time.Time
}

// TokenBucketState reports the balance after the transition.
type TokenBucketState struct {
	Allowed    bool
	Tokens     float64       // remaining balance, post-consumption
	RetryAfter time.Duration // zero when allowed
}

// SlidingWindowArgs parameterizes one sliding window transition. Window must
// be positive and divisible into Precision sub-buckets of at least 1ms.
// Records expire two sub-bucket durations after their last write.
type SlidingWindowArgs struct {
	Limit     int64
	Window    time.Duration
	Precision int
	Now       time.Time
}

// SlidingWindowState reports the weighted count observed BEFORE the request
// was added, and the start of the sub-bucket it fell into.
type SlidingWindowState struct {
	Allowed     bool
	Weighted    float64
	BucketStart time.Time
}

// FixedWindowArgs parameterizes one fixed window transition. The window
// counter lives under a compound key including the window start, with an
// expiry of one window length.
type FixedWindowArgs struct {
	Limit  int64
	Window time.Duration
	Now    time.Time
}

// FixedWindowState reports the counter value after the transition:
// post-increment when the request was admitted, unchanged when it was not.
type FixedWindowState struct {
	Allowed     bool
	Count       int64
	WindowStart time.Time
}
