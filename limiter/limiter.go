package limiter

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

// RateLimiter admits or denies requests against the registered policies.
// It is safe for concurrent use; the policy set, behavior profiles and load
// snapshot may be mutated while checks run.
type RateLimiter struct {
	store    Store
	policies *policyRegistry
	behavior *behaviorTable
	load     *loadState
	audit    AuditSink
	recorder Recorder
	clock    func() time.Time

	tokenBucket   *TokenBucketLimiter
	slidingWindow *SlidingWindowLimiter
	fixedWindow   *FixedWindowLimiter
}

// Option configures a RateLimiter.
type Option func(*RateLimiter)

// WithRecorder sets the telemetry recorder.
// Defaults to a no-op recorder.
func WithRecorder(r Recorder) Option {
	return func(rl *RateLimiter) {
		if r != nil {
			rl.recorder = r
		}
	}
}

// WithAuditSink sets where adaptive decisions are recorded.
// Defaults to an in-memory ring of 1024 entries.
func WithAuditSink(s AuditSink) Option {
	return func(rl *RateLimiter) {
		if s != nil {
			rl.audit = s
		}
	}
}

// WithClock overrides the engine's clock. Intended for tests.
func WithClock(clock func() time.Time) Option {
	return func(rl *RateLimiter) {
		if clock != nil {
			rl.clock = clock
		}
	}
}

// NewRateLimiter creates an engine on top of store. Policies are registered
// afterwards with AddPolicy; until one matches, requests fall through to the
// built-in default policy.
func NewRateLimiter(store Store, opts ...Option) *RateLimiter {
	rl := &RateLimiter{
		store:    store,
		policies: newPolicyRegistry(),
		behavior: newBehaviorTable(),
		load:     newLoadState(),
		audit:    NewMemoryAudit(1024),
		recorder: nopRecorder{},
		clock:    time.Now,
	}
	for _, opt := range opts {
		opt(rl)
	}
	rl.tokenBucket = &TokenBucketLimiter{store: store, clock: rl.clock}
	rl.slidingWindow = &SlidingWindowLimiter{store: store, clock: rl.clock}
	rl.fixedWindow = &FixedWindowLimiter{store: store, clock: rl.clock}
	return rl
}

// AddPolicy registers p, replacing any policy with the same name. Condition
// regexes are compiled here; invalid ones are logged and never match.
func (rl *RateLimiter) AddPolicy(p Policy) error {
	if err := p.validate(); err != nil {
		return err
	}
	if !knownAlgorithm(p.Algorithm) {
		log.Warn().Str("policy", p.Name).Str("algorithm", p.Algorithm).Msg("policy uses unknown algorithm, its checks will fail open")
	}
	p.prepare()
	rl.policies.add(&p)
	log.Info().Str("policy", p.Name).Str("algorithm", p.Algorithm).Int64("limit", p.Limit).Dur("window", p.Window).Int("priority", p.Priority).Msg("policy registered")
	return nil
}

// RemovePolicy drops the named policy, reporting whether it existed.
func (rl *RateLimiter) RemovePolicy(name string) bool {
	removed := rl.policies.remove(name)
	if removed {
		log.Info().Str("policy", name).Msg("policy removed")
	}
	return removed
}

// Policies returns the registered policies in evaluation order.
func (rl *RateLimiter) Policies() []Policy {
	snapshot := rl.policies.snapshot()
	out := make([]Policy, len(snapshot))
	for i, p := range snapshot {
		out[i] = *p
	}
	return out
}

// UpdateSystemLoad merges a partial load report into the current snapshot.
// Reports may arrive from a local sampler or from the signals bus; last
// write wins per field.
func (rl *RateLimiter) UpdateSystemLoad(u SystemLoadUpdate) {
	rl.load.update(u)
}

// UpdateUserBehavior merges a partial behavior report for identity (a user
// id or client ip, matching what checks derive from their requests).
func (rl *RateLimiter) UpdateUserBehavior(identity string, u UserBehaviorUpdate) {
	rl.behavior.update(identity, u)
}

// Check runs one request through policy resolution, key derivation and the
// resolved algorithm. It never returns an error and never panics: whenever a
// step cannot complete, the request is admitted and the Result carries
// Degraded so callers and dashboards can tell these allows apart.
func (rl *RateLimiter) Check(ctx context.Context, req *Request) (res *Result) {
	started := time.Now()
	now := rl.clock()

	defer func() {
		if r := recover(); r != nil {
			log.Error().Interface("panic", r).Msg("admission check panicked, failing open")
			res = fallbackResult(now)
			rl.recorder.RecordDegraded(FallbackPolicyName, "panic")
		}
		rl.recorder.RecordCheck(res.Policy, res.Algorithm, res.Allowed, time.Since(started))
	}()

	if req == nil {
		req = &Request{}
	}

	pol := rl.resolve(req)
	eff := pol.effective(req)
	key := eff.keyFor(req)

	var d *Decision
	switch eff.algorithm {
	case AlgorithmTokenBucket:
		d = rl.tokenBucket.Check(ctx, key, tokenBucketConfig(eff), 1)
	case AlgorithmSlidingWindow:
		d = rl.slidingWindow.Check(ctx, key, SlidingWindowConfig{
			Limit:     eff.limit,
			Window:    eff.window,
			Precision: 1,
		})
	case AlgorithmFixedWindow:
		d = rl.fixedWindow.Check(ctx, key, FixedWindowConfig{
			Limit:  eff.limit,
			Window: eff.window,
		})
	case AlgorithmAdaptive:
		eff.limit = rl.adjustedLimit(ctx, eff, req, now)
		d = rl.slidingWindow.Check(ctx, key, SlidingWindowConfig{
			Limit:     eff.limit,
			Window:    eff.window,
			Precision: 1,
		})
	default:
		log.Error().Str("policy", eff.name).Str("algorithm", eff.algorithm).Msg("unknown algorithm, failing open")
		rl.recorder.RecordDegraded(eff.name, "algorithm")
		return fallbackResult(now)
	}

	if d.Degraded {
		rl.recorder.RecordDegraded(eff.name, "store")
	}
	return rl.normalize(eff, d)
}

// resolve picks the highest-priority policy whose conditions all match,
// falling back to the built-in default policy.
func (rl *RateLimiter) resolve(req *Request) *Policy {
	for _, p := range rl.policies.snapshot() {
		if p.matches(req) {
			return p
		}
	}
	return defaultPolicy
}

// defaultPolicy admits unmatched traffic at a conservative rate instead of
// letting it bypass admission entirely.
var defaultPolicy = &Policy{
	Name:      DefaultPolicyName,
	Algorithm: AlgorithmSlidingWindow,
	Limit:     defaultLimit,
	Window:    defaultWindow,
}

// tokenBucketConfig maps an effective policy onto bucket parameters: the
// limit is the capacity, refilled evenly across the window one second at a
// time. Burst, when set, only changes the starting balance.
func tokenBucketConfig(eff effectivePolicy) TokenBucketConfig {
	windowSeconds := int64(eff.window / time.Second)
	if windowSeconds < 1 {
		windowSeconds = 1
	}
	refill := eff.limit / windowSeconds
	if refill < 1 {
		refill = 1
	}
	cfg := TokenBucketConfig{
		Capacity:       float64(eff.limit),
		RefillRate:     float64(refill),
		RefillInterval: time.Second,
	}
	if eff.burst != nil {
		initial := float64(*eff.burst)
		cfg.InitialTokens = &initial
	}
	return cfg
}

// adjustedLimit scales the policy's base limit by the caller's behavior and
// the system's health, recording the computation for audit.
func (rl *RateLimiter) adjustedLimit(ctx context.Context, eff effectivePolicy, req *Request, now time.Time) int64 {
	identity := behaviorIdentity(req)
	behavior := rl.behavior.get(identity)
	load := rl.load.get()

	multiplier := adaptiveMultiplier(behavior, load)
	adjusted := adjustLimit(eff.limit, multiplier)

	rl.recorder.RecordAdaptiveMultiplier(eff.name, multiplier)
	rl.audit.RecordAdaptive(ctx, AdaptiveDecision{
		ID:            uuid.NewString(),
		At:            now,
		Identity:      identity,
		Policy:        eff.name,
		BaseLimit:     eff.limit,
		AdjustedLimit: adjusted,
		Multiplier:    multiplier,
		Behavior:      behavior,
		Load:          load,
	})

	log.Debug().Str("policy", eff.name).Str("identity", identity).Float64("multiplier", multiplier).Int64("base_limit", eff.limit).Int64("adjusted_limit", adjusted).Msg("adaptive limit computed")
	return adjusted
}

// normalize shapes an algorithm decision into the caller-facing result.
func (rl *RateLimiter) normalize(eff effectivePolicy, d *Decision) *Result {
	res := &Result{
		Allowed:    d.Allowed,
		Policy:     eff.name,
		Algorithm:  eff.algorithm,
		Limit:      eff.limit,
		Remaining:  d.Remaining,
		ResetAt:    d.ResetAt,
		RetryAfter: d.RetryAfter,
		Degraded:   d.Degraded,
	}
	res.Headers = buildHeaders(res)

	if !res.Allowed {
		log.Debug().Str("policy", res.Policy).Str("algorithm", res.Algorithm).Int64("limit", res.Limit).Dur("retry_after", res.RetryAfter).Msg("request denied")
	}
	return res
}

func knownAlgorithm(name string) bool {
	switch name {
	case AlgorithmTokenBucket, AlgorithmSlidingWindow, AlgorithmFixedWindow, AlgorithmAdaptive:
		return true
	}
	return false
}
