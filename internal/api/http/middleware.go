package apihttp

import (
	"bufio"
	"log/slog"
	"net"
	"net/http"
	"runtime/debug"
	"strconv"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"musehub/searchservice/internal/metrics"
)

// observedWriter records status and byte count for the logging and metrics
// middleware. Flush and Hijack pass through so SSE streams and the session
// WebSocket upgrade keep working behind the chain.
type observedWriter struct {
	http.ResponseWriter
	code    int
	written int
}

func (ow *observedWriter) WriteHeader(code int) {
	ow.code = code
	ow.ResponseWriter.WriteHeader(code)
}

func (ow *observedWriter) Write(b []byte) (int, error) {
	n, err := ow.ResponseWriter.Write(b)
	ow.written += n
	return n, err
}

func (ow *observedWriter) Flush() {
	if flusher, ok := ow.ResponseWriter.(http.Flusher); ok {
		flusher.Flush()
	}
}

func (ow *observedWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	hijacker, ok := ow.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, http.ErrNotSupported
	}
	return hijacker.Hijack()
}

func (ow *observedWriter) Unwrap() http.ResponseWriter {
	return ow.ResponseWriter
}

func loggingMiddleware(logger *slog.Logger, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ow := &observedWriter{ResponseWriter: w, code: http.StatusOK}
		next.ServeHTTP(ow, r)

		attrs := make([]slog.Attr, 0, 8)
		attrs = append(attrs,
			slog.String("method", r.Method),
			slog.String("path", r.URL.Path),
			slog.Int("status", ow.code),
			slog.Int("bytes", ow.written),
			slog.Int64("durationMs", time.Since(start).Milliseconds()),
			slog.String("clientIP", clientIP(r)),
		)
		if q := strings.TrimSpace(r.URL.RawQuery); q != "" {
			attrs = append(attrs, slog.String("query", truncate(q, 180)))
		}
		if ua := strings.TrimSpace(r.UserAgent()); ua != "" {
			attrs = append(attrs, slog.String("userAgent", truncate(ua, 120)))
		}
		logger.LogAttrs(r.Context(), requestLogLevel(r.URL.Path, ow.code), "http request", attrs...)
	})
}

func requestLogLevel(path string, status int) slog.Level {
	switch {
	case status >= 500:
		return slog.LevelError
	case status >= 400:
		return slog.LevelWarn
	case path == "/health":
		return slog.LevelDebug
	default:
		return slog.LevelInfo
	}
}

func recoveryMiddleware(logger *slog.Logger, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			recovered := recover()
			if recovered == nil {
				return
			}
			logger.Error("panic recovered",
				slog.Any("error", recovered),
				slog.String("method", r.Method),
				slog.String("path", r.URL.Path),
				slog.String("clientIP", clientIP(r)),
				slog.String("stack", string(debug.Stack())),
			)
			writeError(w, http.StatusInternalServerError, "internal_error", "internal server error")
		}()
		next.ServeHTTP(w, r)
	})
}

func metricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/metrics" {
			next.ServeHTTP(w, r)
			return
		}
		start := time.Now()
		ow := &observedWriter{ResponseWriter: w, code: http.StatusOK}
		next.ServeHTTP(ow, r)

		route := metricRoute(r.URL.Path)
		metrics.HTTPRequestsTotal.WithLabelValues(r.Method, route, strconv.Itoa(ow.code)).Inc()
		metrics.HTTPRequestDuration.WithLabelValues(r.Method, route).Observe(time.Since(start).Seconds())
	})
}

// knownRoutes keeps metric label cardinality bounded; anything unrecognized
// collapses into "/other".
var knownRoutes = map[string]struct{}{
	"/health":         {},
	"/metrics":        {},
	"/search":         {},
	"/search/stream":  {},
	"/search/items":   {},
	"/search/image":   {},
	"/search/session": {},
}

func metricRoute(path string) string {
	if _, ok := knownRoutes[path]; ok {
		return path
	}
	if strings.HasPrefix(path, "/search/sources") {
		return "/search/sources"
	}
	return "/other"
}

// rateLimitMiddleware applies a global token-bucket limiter; liveness and
// metrics scrapes are exempt. Requests over the limit receive HTTP 429.
func rateLimitMiddleware(rps float64, burst int, next http.Handler) http.Handler {
	limiter := rate.NewLimiter(rate.Limit(rps), burst)
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/health" || r.URL.Path == "/metrics" {
			next.ServeHTTP(w, r)
			return
		}
		if !limiter.Allow() {
			w.Header().Set("Retry-After", "1")
			writeError(w, http.StatusTooManyRequests, "rate_limited", "too many requests")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// clientIP prefers proxy-set headers, falling back to the socket peer.
func clientIP(r *http.Request) string {
	if xff := strings.TrimSpace(r.Header.Get("X-Forwarded-For")); xff != "" {
		first, _, _ := strings.Cut(xff, ",")
		if first = strings.TrimSpace(first); first != "" {
			return first
		}
	}
	if realIP := strings.TrimSpace(r.Header.Get("X-Real-IP")); realIP != "" {
		return realIP
	}
	if host, _, err := net.SplitHostPort(strings.TrimSpace(r.RemoteAddr)); err == nil && host != "" {
		return host
	}
	return strings.TrimSpace(r.RemoteAddr)
}

func truncate(value string, limit int) string {
	if limit <= 0 || len(value) <= limit {
		return value
	}
	if limit <= 3 {
		return value[:limit]
	}
	return value[:limit-3] + "..."
}
