package middleware

import (
	"context"
	"net"
	"net/http"
	"slices"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"autopilot/internal/infra/config"
)

// SecurityHeaders sets the response headers every JSON endpoint carries.
func SecurityHeaders(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Content-Type-Options", "nosniff")
		w.Header().Set("X-Frame-Options", "DENY")
		w.Header().Set("Cache-Control", "no-store")
		if r.TLS != nil {
			w.Header().Set("Strict-Transport-Security", "max-age=31536000; includeSubDomains")
		}
		next.ServeHTTP(w, r)
	})
}

// staleAfter is how long an idle client keeps its limiter.
const staleAfter = 3 * time.Minute

// Limiter is a per-client token bucket keyed by client IP. Peers behind a
// trusted proxy are keyed by the forwarded address.
type Limiter struct {
	cfg      config.RateLimitConfig
	now      func() time.Time
	onReject func(r *http.Request, ip string)

	mu      sync.Mutex
	clients map[string]*client
}

type client struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// NewLimiter creates a Limiter. onReject, if non-nil, is called for every
// rejected request. A non-positive RequestsPerMin disables limiting.
func NewLimiter(cfg config.RateLimitConfig, onReject func(r *http.Request, ip string)) *Limiter {
	return &Limiter{
		cfg:      cfg,
		now:      time.Now,
		onReject: onReject,
		clients:  make(map[string]*client),
	}
}

// Run evicts idle clients once a minute until ctx is cancelled.
func (l *Limiter) Run(ctx context.Context) {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			l.evict()
		case <-ctx.Done():
			return
		}
	}
}

func (l *Limiter) evict() {
	l.mu.Lock()
	defer l.mu.Unlock()
	cutoff := l.now().Add(-staleAfter)
	for ip, c := range l.clients {
		if c.lastSeen.Before(cutoff) {
			delete(l.clients, ip)
		}
	}
}

// Allow reports whether a request from ip may proceed.
func (l *Limiter) Allow(ip string) bool {
	if l.cfg.RequestsPerMin <= 0 {
		return true
	}
	l.mu.Lock()
	c, ok := l.clients[ip]
	if !ok {
		burst := max(l.cfg.BurstSize, 1)
		c = &client{limiter: rate.NewLimiter(rate.Limit(float64(l.cfg.RequestsPerMin)/60.0), burst)}
		l.clients[ip] = c
	}
	c.lastSeen = l.now()
	lim := c.limiter
	l.mu.Unlock()
	return lim.Allow()
}

// Middleware wraps next with the limiter. Rejections get 429 with a JSON body.
func (l *Limiter) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ip := ClientIP(r, l.cfg.TrustedProxies)
		if !l.Allow(ip) {
			if l.onReject != nil {
				l.onReject(r, ip)
			}
			w.Header().Set("Content-Type", "application/json")
			w.Header().Set("Retry-After", "60")
			w.WriteHeader(http.StatusTooManyRequests)
			_, _ = w.Write([]byte(`{"error":"rate limit exceeded","code":"RATE_LIMIT"}`))
			return
		}
		next.ServeHTTP(w, r)
	})
}

// ClientIP returns the caller's address. Forwarding headers are honored only
// when the direct peer is one of trustedProxies.
func ClientIP(r *http.Request, trustedProxies []string) string {
	direct := r.RemoteAddr
	if host, _, err := net.SplitHostPort(direct); err == nil {
		direct = host
	}
	if !slices.Contains(trustedProxies, direct) {
		return direct
	}
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		first, _, _ := strings.Cut(xff, ",")
		return strings.TrimSpace(first)
	}
	if xri := r.Header.Get("X-Real-IP"); xri != "" {
		return strings.TrimSpace(xri)
	}
	return direct
}
