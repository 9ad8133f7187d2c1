// Package middleware adapts the limiter to HTTP handlers and gRPC unary
// calls. It builds limiter requests from transport metadata, copies rate
// limit headers onto responses and rejects over-limit callers.
package middleware

import (
	"net"
	"net/http"
	"strings"

	"github.com/toolink/gate/limiter"
)

// DefaultAPIKeyHeader is checked for an API key when the request context
// carries no identity.
const DefaultAPIKeyHeader = "X-API-Key"

// Options configures the HTTP middleware.
type Options struct {
	// Limiter decides admission. Required.
	Limiter *limiter.RateLimiter
	// TrustForwardedFor uses the first X-Forwarded-For entry as the client
	// IP. Enable only behind a proxy that sets the header.
	// Defaults to false.
	TrustForwardedFor bool
	// APIKeyHeader names the header holding the caller's API key.
	// Defaults to "X-API-Key".
	APIKeyHeader string
	// OnDenied renders the rejection response. The rate limit headers are
	// already set on w when it runs.
	// Defaults to a plain 429 with http.StatusText.
	OnDenied func(w http.ResponseWriter, r *http.Request, res *limiter.Result)
}

// Handler wraps next with rate limiting. Rate limit headers are set on
// every response, denied requests never reach next.
func Handler(opts Options) func(next http.Handler) http.Handler {
	if opts.Limiter == nil {
		panic("middleware: limiter cannot be nil")
	}
	if opts.APIKeyHeader == "" {
		opts.APIKeyHeader = DefaultAPIKeyHeader
	}
	if opts.OnDenied == nil {
		opts.OnDenied = denyPlain
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			req := requestFrom(r, opts)
			res := opts.Limiter.Check(r.Context(), req)

			for k, v := range res.Headers {
				w.Header().Set(k, v)
			}
			if !res.Allowed {
				opts.OnDenied(w, r, res)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func denyPlain(w http.ResponseWriter, r *http.Request, _ *limiter.Result) {
	http.Error(w, http.StatusText(http.StatusTooManyRequests), http.StatusTooManyRequests)
}

// requestFrom flattens an HTTP request into the limiter's request shape.
func requestFrom(r *http.Request, opts Options) *limiter.Request {
	req := &limiter.Request{
		IP:        clientIP(r, opts.TrustForwardedFor),
		Path:      r.URL.Path,
		Method:    r.Method,
		UserAgent: r.UserAgent(),
		Origin:    r.Header.Get("Origin"),
		Headers:   make(map[string]string, len(r.Header)),
	}
	for k, vs := range r.Header {
		if len(vs) > 0 {
			req.Headers[k] = vs[0]
		}
	}

	if id, ok := IdentityFromContext(r.Context()); ok {
		req.UserID = id.UserID
		req.APIKey = id.APIKey
		if id.Tier != "" || len(id.Metadata) > 0 {
			req.Metadata = make(map[string]any, len(id.Metadata)+1)
			for k, v := range id.Metadata {
				req.Metadata[k] = v
			}
			if id.Tier != "" {
				req.Metadata["userTier"] = id.Tier
			}
		}
	}
	if req.APIKey == "" {
		req.APIKey = r.Header.Get(opts.APIKeyHeader)
	}
	return req
}

// clientIP resolves the caller address, preferring the original client in
// X-Forwarded-For when the deployment trusts it.
func clientIP(r *http.Request, trustXFF bool) string {
	if trustXFF {
		if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
			first, _, _ := strings.Cut(xff, ",")
			if ip := strings.TrimSpace(first); ip != "" {
				return ip
			}
		}
	}
	host, _, err := net.SplitHostPort(strings.TrimSpace(r.RemoteAddr))
	if err == nil && host != "" {
		return host
	}
	return r.RemoteAddr
}
