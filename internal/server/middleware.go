package server

import (
	"context"
	"log/slog"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/me/flround/internal/metrics"
	"github.com/me/flround/pkg/model"
	"golang.org/x/time/rate"
)

type ctxKey string

const ctxKeyRequestID ctxKey = "request_id"

// RequestIDFromContext extracts the request ID from context.
func RequestIDFromContext(ctx context.Context) string {
	if id, ok := ctx.Value(ctxKeyRequestID).(string); ok {
		return id
	}
	return ""
}

// requestIDMiddleware generates a request_id and stores it in context.
func requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reqID := newRequestID()
		ctx := context.WithValue(r.Context(), ctxKeyRequestID, reqID)
		w.Header().Set("X-Request-ID", reqID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// loggingMiddleware logs HTTP requests (method, path, status, duration) and
// counts them by route pattern when a collector is given. Client polling is
// logged at DEBUG so idle fleets do not flood the log.
func loggingMiddleware(logger *slog.Logger, m *metrics.Collector) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}

			next.ServeHTTP(sw, r)

			route := r.URL.Path
			if rc := chi.RouteContext(r.Context()); rc != nil && rc.RoutePattern() != "" {
				route = rc.RoutePattern()
			}
			if m != nil {
				m.RecordHTTPRequest(r.Method, route, strconv.Itoa(sw.status))
			}

			level := slog.LevelInfo
			if chi.URLParam(r, "id") != "" && sw.status < http.StatusBadRequest {
				level = slog.LevelDebug
			}
			logger.Log(r.Context(), level, "request",
				"method", r.Method,
				"path", r.URL.Path,
				"status", sw.status,
				"duration", time.Since(start).String(),
				"request_id", RequestIDFromContext(r.Context()),
			)
		})
	}
}

// statusWriter captures the response status code.
type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}

// clientLimiter keeps one token bucket per client id.
type clientLimiter struct {
	mu       sync.Mutex
	rps      float64
	burst    int
	visitors map[string]*rate.Limiter
}

// newClientLimiter returns a limiter allowing rps requests per second per
// client. rps <= 0 disables limiting.
func newClientLimiter(rps float64) *clientLimiter {
	return &clientLimiter{
		rps:      rps,
		burst:    max(int(rps), 1),
		visitors: make(map[string]*rate.Limiter),
	}
}

func (l *clientLimiter) get(key string) *rate.Limiter {
	l.mu.Lock()
	defer l.mu.Unlock()
	lim, ok := l.visitors[key]
	if !ok {
		lim = rate.NewLimiter(rate.Limit(l.rps), l.burst)
		l.visitors[key] = lim
	}
	return lim
}

func (l *clientLimiter) middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if l.rps <= 0 {
			next.ServeHTTP(w, r)
			return
		}
		id := chi.URLParam(r, "id")
		if !l.get(id).Allow() {
			respondError(w, RequestIDFromContext(r.Context()), http.StatusTooManyRequests, &model.APIError{
				Code:    model.ErrRateLimited,
				Message: "rate limit exceeded for client " + id,
			})
			return
		}
		next.ServeHTTP(w, r)
	})
}
