package middleware

import (
	"context"
	"net"
	"strings"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/peer"
	"google.golang.org/grpc/status"

	"github.com/toolink/gate/limiter"
)

// Metadata keys the interceptor reads caller identity from.
const (
	MetadataUserID = "x-user-id"
	MetadataAPIKey = "x-api-key"
)

// UnaryServerInterceptor returns a gRPC unary interceptor that rate limits
// by the same policies as the HTTP middleware. The full method name stands
// in for the request path, so endpoint-scoped policies work on both
// transports. Rate limit headers travel back as response metadata.
func UnaryServerInterceptor(rl *limiter.RateLimiter) grpc.UnaryServerInterceptor {
	if rl == nil {
		panic("middleware: limiter cannot be nil")
	}
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		res := rl.Check(ctx, requestFromUnary(ctx, info))

		if len(res.Headers) > 0 {
			// SetHeader fails only when headers were already sent, which
			// cannot happen before the handler runs.
			_ = grpc.SetHeader(ctx, metadata.New(res.Headers))
		}
		if !res.Allowed {
			return nil, status.Errorf(codes.ResourceExhausted, "rate limit exceeded for policy %s", res.Policy)
		}
		return handler(ctx, req)
	}
}

// requestFromUnary flattens a unary call into the limiter's request shape.
func requestFromUnary(ctx context.Context, info *grpc.UnaryServerInfo) *limiter.Request {
	req := &limiter.Request{
		Path: info.FullMethod,
		// gRPC maps every call onto HTTP/2 POST.
		Method: "POST",
	}

	if md, ok := metadata.FromIncomingContext(ctx); ok {
		req.Headers = make(map[string]string, len(md))
		for k, vs := range md {
			if len(vs) > 0 {
				req.Headers[k] = vs[0]
			}
		}
		req.UserID = req.Headers[MetadataUserID]
		req.APIKey = req.Headers[MetadataAPIKey]
		req.UserAgent = req.Headers["user-agent"]
	}

	if id, ok := IdentityFromContext(ctx); ok {
		if id.UserID != "" {
			req.UserID = id.UserID
		}
		if id.APIKey != "" {
			req.APIKey = id.APIKey
		}
		if id.Tier != "" {
			req.Metadata = map[string]any{"userTier": id.Tier}
		}
	}

	if p, ok := peer.FromContext(ctx); ok && p.Addr != nil {
		addr := p.Addr.String()
		if host, _, err := net.SplitHostPort(addr); err == nil && host != "" {
			req.IP = host
		} else if !strings.Contains(addr, "/") {
			// Unix socket addresses are not useful as rate limit identities.
			req.IP = addr
		}
	}
	return req
}
