package auth

import (
	"context"
	"net/http"
	"strings"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"

	"github.com/austindbirch/guildhook/internal/logging"
)

// FailFunc renders an authentication failure.
type FailFunc func(w http.ResponseWriter, r *http.Request, err error)

// Middleware authenticates the bearer token of every request and stores
// the principal in the request context. Use it on the routes that need it;
// health and metrics stay outside.
func Middleware(a Authenticator, fail FailFunc, log *logging.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			token := BearerToken(r.Header.Get("Authorization"))
			p, err := a.Authenticate(r.Context(), token)
			if err != nil {
				log.WithContext(r.Context()).WithError(err).WithFields(map[string]any{
					"path":        r.URL.Path,
					"method":      r.Method,
					"remote_addr": r.RemoteAddr,
				}).Warn("authentication failed")
				fail(w, r, Unauthorized(err))
				return
			}
			next.ServeHTTP(w, r.WithContext(WithPrincipal(r.Context(), p)))
		})
	}
}

// UnaryInterceptor authenticates gRPC calls from the "authorization"
// metadata. Health checks pass through.
func UnaryInterceptor(a Authenticator, log *logging.Logger) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		if strings.HasPrefix(info.FullMethod, "/grpc.health.") {
			return handler(ctx, req)
		}
		var token string
		if md, ok := metadata.FromIncomingContext(ctx); ok {
			if values := md.Get("authorization"); len(values) > 0 {
				token = BearerToken(values[0])
			}
		}
		p, err := a.Authenticate(ctx, token)
		if err != nil {
			log.WithContext(ctx).WithError(err).WithField("method", info.FullMethod).Warn("authentication failed")
			return nil, status.Error(codes.Unauthenticated, "authentication required")
		}
		return handler(WithPrincipal(ctx, p), req)
	}
}
