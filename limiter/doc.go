// Package limiter provides policy-driven admission control with token
// bucket, sliding window, fixed window and adaptive algorithms over
// pluggable storage backends.
//
// The primary entry point is the RateLimiter engine:
//
//	rl := limiter.NewRateLimiter(limiter.NewMemoryStore())
//	err := rl.AddPolicy(limiter.Policy{
//		Name:      "per-user",
//		Algorithm: limiter.AlgorithmTokenBucket,
//		Limit:     100,
//		Window:    time.Minute,
//	})
//
//	res := rl.Check(ctx, &limiter.Request{UserID: "u-123", Path: "/orders"})
//
// The Result contains whether the request is allowed, the remaining
// allowance, timing hints, and a ready-to-send header map (X-RateLimit-Limit,
// Retry-After and friends). Check never returns an error: when a backend or
// an algorithm cannot be consulted the request is admitted and the Result
// carries Degraded, so callers can tell these allows apart.
//
// # Policies
//
// A Policy says who it applies to and how much traffic it admits:
//
//   - Conditions select requests by field ("path", "method", "ip",
//     "userTier", "header.<Name>", "metadata.<key>") and operator (equals,
//     contains, regex and friends). A policy matches when every condition
//     matches.
//   - Priority orders the candidates. The highest priority wins and ties
//     keep registration order.
//   - Overrides swap the limit, window or algorithm when their own condition
//     matches (for example a load-test header).
//
// Requests that match no policy fall through to a built-in default policy.
// State is keyed per policy and caller identity: the user id when known,
// else the API key, else the client ip.
//
// # Algorithms
//
//   - token-bucket: capacity equals the limit, refilled evenly across the
//     window once per second. Burst, when set, only changes the starting
//     balance.
//   - sliding-window: weighted count over the current and previous window,
//     which smooths bursts at the boundary.
//   - fixed-window: plain counter per window. Cheapest to store, and admits
//     up to twice the limit when a burst straddles a boundary.
//   - adaptive: scales the limit by observed caller behavior (error rate,
//     response time, burstiness, consistency, reputation) and current system
//     load, then runs a sliding-window check with the adjusted limit.
//     Multipliers are clamped to [0.1, 3.0] and every computation is
//     recorded to the configured AuditSink.
//
// Behavior profiles and the load snapshot are fed with UpdateUserBehavior
// and UpdateSystemLoad, locally or through the signals package.
//
// # Backends
//
// Store implementations decide atomicity and placement:
//
//   - MemoryStore: in-process, single-node use and tests.
//   - RedisStore: shared state via Lua scripts, one round trip per check.
//   - LockedStore: shared state via plain redis commands under a per-key
//     distributed lock, for redis-compatible servers without scripting.
//
// Policies can also be loaded from a yaml file (LoadConfig, ApplyPolicies)
// and hot-reloaded from it with a Watcher.
package limiter
