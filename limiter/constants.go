package limiter

import "time"

// Algorithm names accepted in policies and reported in results.
const (
	AlgorithmTokenBucket   = "token-bucket"
	AlgorithmSlidingWindow = "sliding-window"
	AlgorithmFixedWindow   = "fixed-window"
	AlgorithmAdaptive      = "adaptive"
)

// Storage types
const (
	StorageMemory      = "memory"
	StorageRedis       = "redis"
	StorageRedisLocked = "redis-locked"
)

// Condition operators
const (
	OpEquals   = "equals"
	OpContains = "contains"
	OpMatches  = "matches"
	OpIn       = "in"
	OpGreater  = "greater"
	OpLess     = "less"
)

// Header names attached to every decision.
const (
	HeaderPolicy     = "X-RateLimit-Policy"
	HeaderLimit      = "X-RateLimit-Limit"
	HeaderRemaining  = "X-RateLimit-Remaining"
	HeaderReset      = "X-RateLimit-Reset"
	HeaderAlgorithm  = "X-RateLimit-Algorithm"
	HeaderRetryAfter = "Retry-After"
)

// Names reported for the two built-in policies: "default" admits traffic that
// matched no registered policy, "fallback" is returned when a check could not
// be completed at all and the engine failed open.
const (
	DefaultPolicyName  = "default"
	FallbackPolicyName = "fallback"
)

// Parameters of the built-in policies.
const (
	defaultLimit  int64 = 100
	defaultWindow       = time.Hour

	fallbackLimit     int64 = 1000
	fallbackRemaining int64 = 999
	fallbackReset           = time.Hour
)

// Bounds of the adaptive multiplier.
const (
	minMultiplier = 0.1
	maxMultiplier = 3.0
)

// How long token bucket state outlives its last refill before the store may
// evict it, expressed in refill intervals.
const bucketTTLFactor = 10
