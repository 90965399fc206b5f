package middleware

import (
	"bufio"
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5/middleware"
)

type scopeKey struct{}

// requestScope is shared by RequestLogger and the middleware below it. Auth
// fills in userID so the access log line carries it.
type requestScope struct {
	logger *slog.Logger
	userID string
}

// RequestLogger logs one line per request and stores a request-scoped logger,
// tagged with the chi request id, in the context. It must run after
// middleware.RequestID.
func RequestLogger(logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			scope := &requestScope{logger: logger.With("request_id", middleware.GetReqID(r.Context()))}
			ctx := context.WithValue(r.Context(), scopeKey{}, scope)

			recorder := &statusRecorder{ResponseWriter: w, statusCode: http.StatusOK}
			start := time.Now()
			next.ServeHTTP(recorder, r.WithContext(ctx))

			level := slog.LevelInfo
			if recorder.statusCode >= http.StatusInternalServerError {
				level = slog.LevelError
			}
			scope.logger.Log(ctx, level, "http request",
				"method", r.Method,
				"path", r.URL.Path,
				"status", recorder.statusCode,
				"duration_ms", time.Since(start).Milliseconds(),
				"remote_ip", r.RemoteAddr,
				"user_id", scope.userID,
			)
		})
	}
}

// Logger returns the request-scoped logger, or slog.Default outside a request.
func Logger(ctx context.Context) *slog.Logger {
	if s, ok := ctx.Value(scopeKey{}).(*requestScope); ok {
		return s.logger
	}
	return slog.Default()
}

func setScopeUser(ctx context.Context, userID string) {
	if s, ok := ctx.Value(scopeKey{}).(*requestScope); ok {
		s.userID = userID
	}
}

type statusRecorder struct {
	http.ResponseWriter
	statusCode int
}

func (w *statusRecorder) WriteHeader(statusCode int) {
	w.statusCode = statusCode
	w.ResponseWriter.WriteHeader(statusCode)
}

// Hijack is needed by the websocket upgrade.
func (w *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := w.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("response writer does not support hijacking")
	}
	w.statusCode = http.StatusSwitchingProtocols
	return h.Hijack()
}

func (w *statusRecorder) Unwrap() http.ResponseWriter {
	return w.ResponseWriter
}
