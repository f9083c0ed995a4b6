package server

import (
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// statusRecorder captures the response code for logging and metrics.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

// withObservability tags each request with an ID, logs it and records
// metrics. route is the pattern, not the raw path, to keep label
// cardinality bounded.
func (s *Server) withObservability(route string, next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		reqID := uuid.NewString()
		w.Header().Set("X-Request-ID", reqID)

		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}

		defer func() {
			if p := recover(); p != nil {
				s.log.Error("handler panic",
					zap.String("request_id", reqID),
					zap.String("route", route),
					zap.Any("panic", p))
				http.Error(rec, "internal server error", http.StatusInternalServerError)
			}
			elapsed := time.Since(start)
			s.metrics.observe(route, rec.status, elapsed.Seconds())
			s.log.Info("request",
				zap.String("request_id", reqID),
				zap.String("method", r.Method),
				zap.String("route", route),
				zap.String("remote", clientIP(r)),
				zap.Int("status", rec.status),
				zap.Duration("elapsed", elapsed))
		}()

		next(rec, r)
	}
}

// clientIP prefers X-Forwarded-For since the app usually sits behind a
// proxy.
func clientIP(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		if i := strings.IndexByte(fwd, ','); i >= 0 {
			return strings.TrimSpace(fwd[:i])
		}
		return strings.TrimSpace(fwd)
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// ipLimiter enforces hourly and daily per-IP budgets. Entries idle for
// a day are dropped by the janitor.
type ipLimiter struct {
	mu      sync.Mutex
	perHour int
	perDay  int
	entries map[string]*ipEntry
}

type ipEntry struct {
	hourly   *rate.Limiter
	daily    *rate.Limiter
	lastSeen time.Time
}

func newIPLimiter(perHour, perDay int) *ipLimiter {
	// Non-positive budgets would divide by zero below; fall back to the
	// stock limits.
	if perHour <= 0 {
		perHour = 50
	}
	if perDay <= 0 {
		perDay = 200
	}
	return &ipLimiter{
		perHour: perHour,
		perDay:  perDay,
		entries: make(map[string]*ipEntry),
	}
}

// allow consumes one request from both windows.
func (l *ipLimiter) allow(ip string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	e, ok := l.entries[ip]
	if !ok {
		e = &ipEntry{
			hourly: rate.NewLimiter(rate.Every(time.Hour/time.Duration(l.perHour)), l.perHour),
			daily:  rate.NewLimiter(rate.Every(24*time.Hour/time.Duration(l.perDay)), l.perDay),
		}
		l.entries[ip] = e
	}
	e.lastSeen = time.Now()
	return e.hourly.Allow() && e.daily.Allow()
}

// sweep drops entries not seen since cutoff.
func (l *ipLimiter) sweep(cutoff time.Time) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for ip, e := range l.entries {
		if e.lastSeen.Before(cutoff) {
			delete(l.entries, ip)
		}
	}
}

// withRateLimit rejects requests over the per-IP budget with 429.
func (s *Server) withRateLimit(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !s.limiter.allow(clientIP(r)) {
			s.metrics.rateLimited.Inc()
			writeJSONError(w, http.StatusTooManyRequests, "rate-limit-exceeded")
			return
		}
		next(w, r)
	}
}
