package api

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/forgesync-io/forgesync/internal/auth"
	"github.com/forgesync-io/forgesync/internal/metrics"
)

// contextKey is an unexported type for context keys defined in this package.
type contextKey int

const (
	// contextKeyUserID is the context key under which the authenticated
	// user's UUID is stored after successful resolution.
	contextKeyUserID contextKey = iota
)

// Authenticate resolves the request credential (bearer header or access
// token cookie) to a user ID and stores it in the request context. On
// failure it writes a 401 and stops the chain.
func Authenticate(resolver *auth.Resolver) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			userID, err := resolver.Resolve(r.Context(), r)
			if err != nil {
				ErrUnauthorized(w)
				return
			}

			ctx := context.WithValue(r.Context(), contextKeyUserID, userID)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// RequestLogger returns a Chi-compatible middleware that logs each request
// with the provided zap logger and records its latency histogram. Chi's
// middleware.RequestID is expected to run before this middleware.
func RequestLogger(logger *zap.Logger, m *metrics.Metrics) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			start := time.Now()
			next.ServeHTTP(ww, r)
			elapsed := time.Since(start)

			route := chi.RouteContext(r.Context()).RoutePattern()
			if route == "" {
				route = r.URL.Path
			}
			if m != nil {
				m.ObserveRequest(r.Method, route, ww.Status(), elapsed)
			}

			logger.Info("http request",
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", ww.Status()),
				zap.Int("bytes", ww.BytesWritten()),
				zap.Duration("elapsed", elapsed),
				zap.String("request_id", middleware.GetReqID(r.Context())),
				zap.String("remote_addr", r.RemoteAddr),
			)
		})
	}
}

// userIDFromCtx retrieves the user ID stored by the Authenticate
// middleware. Returns uuid.Nil if the request is unauthenticated.
func userIDFromCtx(ctx context.Context) uuid.UUID {
	id, _ := ctx.Value(contextKeyUserID).(uuid.UUID)
	return id
}
