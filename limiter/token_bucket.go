package limiter

import (
	"context"
	"math"
	"time"

	"github.com/rs/zerolog/log"
)

// TokenBucketConfig describes one bucket: it holds at most Capacity tokens
// and is credited RefillRate tokens for every full RefillInterval that
// elapsed since the last credit.
type TokenBucketConfig struct {
	Capacity       float64
	RefillRate     float64
	RefillInterval time.Duration

	// InitialTokens is the balance a key starts with the first time it is
	// seen. Nil means start at full capacity. Pointing at zero starts the
	// bucket empty, which is valid.
	InitialTokens *float64
}

// bucketRecord is the persisted state of one bucket.
type bucketRecord struct {
	Tokens     float64
	LastRefill time.Time
}

// takeTokens applies the refill-then-consume transition to a bucket record.
// seen reports whether rec was loaded from storage or the key is new. The
// returned record must be persisted by the caller under the transaction that
// loaded it.
//
// Whole elapsed intervals are credited and the refill timestamp advances
// only when at least one token was added, so progress inside a partial
// interval carries over to the next check.
func takeTokens(rec bucketRecord, seen bool, a TokenBucketArgs) (bucketRecord, TokenBucketState) {
	if !seen {
		rec = bucketRecord{Tokens: a.InitialTokens, LastRefill: a.Now}
	} else {
		elapsed := a.Now.Sub(rec.LastRefill).Seconds()
		interval := a.RefillInterval.Seconds()
		periods := math.Floor(elapsed / interval)
		if toAdd := periods * a.RefillRate; toAdd > 0 {
			rec.Tokens = math.Min(a.Capacity, rec.Tokens+toAdd)
			rec.LastRefill = a.Now
		}
	}

	var st TokenBucketState
	if rec.Tokens >= a.Cost {
		rec.Tokens -= a.Cost
		st.Allowed = true
	} else {
		need := a.Cost - rec.Tokens
		intervals := math.Ceil(need / a.RefillRate)
		st.RetryAfter = time.Duration(intervals) * a.RefillInterval
	}
	st.Tokens = rec.Tokens
	return rec, st
}

// bucketTTL is how long a bucket record may live without a write.
func bucketTTL(a TokenBucketArgs) time.Duration {
	return a.RefillInterval * bucketTTLFactor
}

// TokenBucketLimiter admits requests by consuming from a per-key refillable
// token balance. Unseen keys are initialized lazily on their first check.
type TokenBucketLimiter struct {
	store Store
	clock func() time.Time
}

// NewTokenBucketLimiter creates a token bucket limiter on top of store.
func NewTokenBucketLimiter(store Store) *TokenBucketLimiter {
	return &TokenBucketLimiter{store: store, clock: time.Now}
}

// Check consumes cost tokens from the bucket at key, refilling it first.
// cost values below 1 are treated as 1. When the store cannot be consulted
// the request is admitted with Degraded set and the full capacity reported
// as remaining; the error is logged here and never returned.
func (l *TokenBucketLimiter) Check(ctx context.Context, key string, cfg TokenBucketConfig, cost float64) *Decision {
	if cost <= 0 {
		cost = 1
	}
	now := l.clock()
	args := TokenBucketArgs{
		Capacity:       cfg.Capacity,
		RefillRate:     cfg.RefillRate,
		RefillInterval: cfg.RefillInterval,
		InitialTokens:  cfg.Capacity,
		Cost:           cost,
		Now:            now,
	}
	if cfg.InitialTokens != nil {
		args.InitialTokens = *cfg.InitialTokens
	}
	if args.RefillRate <= 0 {
		args.RefillRate = 1
	}
	if args.RefillInterval <= 0 {
		args.RefillInterval = time.Second
	}

	st, err := l.store.ExecTokenBucket(ctx, key, args)
	if err != nil {
		log.Warn().Err(err).Str("key", key).Str("algorithm", AlgorithmTokenBucket).Msg("store unavailable, failing open")
		return &Decision{
			Allowed:   true,
			Remaining: int64(cfg.Capacity),
			ResetAt:   now,
			Degraded:  true,
		}
	}

	return &Decision{
		Allowed:    st.Allowed,
		Remaining:  int64(math.Floor(st.Tokens)),
		RetryAfter: st.RetryAfter,
		ResetAt:    now.Add(st.RetryAfter),
	}
}
