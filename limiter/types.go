package limiter

import (
	"math"
	"strconv"
	"time"
)

// Request carries the attributes of one incoming request. The engine matches
// policies against these fields and derives the counter key from them. All
// fields are optional; a zero Request is matched by condition-free policies
// and keyed by its (empty) ip.
type Request struct {
	UserID    string
	APIKey    string
	IP        string
	Path      string
	Method    string
	UserAgent string
	Origin    string

	// Headers are matched case-sensitively by header.<name> conditions.
	// Callers building a Request from net/http should be aware that Go
	// canonicalizes header names (X-Api-Version, not x-api-version).
	Headers map[string]string

	// Metadata holds caller-defined attributes such as userTier, matched by
	// metadata.<key> conditions.
	Metadata map[string]any
}

// Result is the outcome of one admission check. Check never fails; when
// state could not be consulted the Result is an allow with Degraded set.
type Result struct {
	Allowed    bool
	Policy     string
	Algorithm  string
	Limit      int64
	Remaining  int64
	ResetAt    time.Time
	RetryAfter time.Duration // zero when allowed
	Degraded   bool          // true when the engine failed open

	// Headers is ready to copy onto an HTTP response. Empty (not nil) for
	// the fallback result.
	Headers map[string]string
}

// Decision is the outcome of a single algorithm check against one key, before
// policy attribution and header construction.
type Decision struct {
	Allowed    bool
	Remaining  int64
	RetryAfter time.Duration // zero when allowed
	ResetAt    time.Time
	Degraded   bool
}

// buildHeaders renders the standard rate limit response headers for a result.
// Retry-After is present only on denials, rounded up to whole seconds.
func buildHeaders(r *Result) map[string]string {
	h := map[string]string{
		HeaderPolicy:    r.Policy,
		HeaderLimit:     strconv.FormatInt(r.Limit, 10),
		HeaderRemaining: strconv.FormatInt(r.Remaining, 10),
		HeaderReset:     strconv.FormatInt(r.ResetAt.Unix(), 10),
		HeaderAlgorithm: r.Algorithm,
	}
	if !r.Allowed {
		h[HeaderRetryAfter] = strconv.FormatInt(ceilSeconds(r.RetryAfter), 10)
	}
	return h
}

// ceilSeconds rounds a duration up to whole seconds, never below zero.
func ceilSeconds(d time.Duration) int64 {
	if d <= 0 {
		return 0
	}
	return int64(math.Ceil(d.Seconds()))
}

// fallbackResult is returned when a check could not be completed at all. It
// admits the request with generous placeholder numbers and an empty header
// map so callers expose nothing misleading.
func fallbackResult(now time.Time) *Result {
	return &Result{
		Allowed:   true,
		Policy:    FallbackPolicyName,
		Limit:     fallbackLimit,
		Remaining: fallbackRemaining,
		ResetAt:   now.Add(fallbackReset),
		Degraded:  true,
		Headers:   map[string]string{},
	}
}
