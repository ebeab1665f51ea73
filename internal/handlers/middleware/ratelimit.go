package middleware

import (
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/teamtide/teamtide/internal/handlers/render"
)

const (
	bucketTTL     = 5 * time.Minute
	pruneInterval = 1 * time.Minute
)

type bucket struct {
	lim  *rate.Limiter
	seen time.Time
}

// RateLimit keeps a token bucket per client IP
type RateLimit struct {
	mu      sync.Mutex
	buckets map[string]*bucket
	rate    rate.Limit
	burst   int
}

func NewRateLimit(perSecond float64, burst int) *RateLimit {
	rl := &RateLimit{
		buckets: make(map[string]*bucket),
		rate:    rate.Limit(perSecond),
		burst:   burst,
	}

	go func() {
		ticker := time.NewTicker(pruneInterval)
		for range ticker.C {
			rl.prune(time.Now())
		}
	}()

	return rl
}

func (rl *RateLimit) Limit(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !rl.allow(clientIP(r)) {
			render.ServiceError(w, "Too many requests", http.StatusTooManyRequests)
			return
		}

		next.ServeHTTP(w, r)
	})
}

func (rl *RateLimit) allow(ip string) bool {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	b, ok := rl.buckets[ip]
	if !ok {
		b = &bucket{lim: rate.NewLimiter(rl.rate, rl.burst)}
		rl.buckets[ip] = b
	}
	b.seen = time.Now()

	return b.lim.Allow()
}

// Drop buckets that have not been seen for a while
func (rl *RateLimit) prune(now time.Time) {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	for ip, b := range rl.buckets {
		if now.Sub(b.seen) > bucketTTL {
			delete(rl.buckets, ip)
		}
	}
}

func clientIP(r *http.Request) string {
	// First address in X-Forwarded-For when behind a proxy
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		parts := strings.Split(xff, ",")
		return strings.TrimSpace(parts[0])
	}

	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
