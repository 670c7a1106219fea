package api

import (
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// uploadLimiter throttles job submissions per client IP. Each sender gets
// its own token bucket; senders idle longer than idleEvict are dropped
// from the registry during the periodic in-line sweep, so no background
// goroutine is needed.
type uploadLimiter struct {
	mu        sync.Mutex
	senders   map[string]*sender
	limit     rate.Limit
	burst     int
	lastSweep time.Time
}

type sender struct {
	bucket   *rate.Limiter
	lastSeen time.Time
}

const idleEvict = 10 * time.Minute

func newUploadLimiter(rps int) *uploadLimiter {
	return &uploadLimiter{
		senders:   make(map[string]*sender),
		limit:     rate.Limit(rps),
		burst:     rps,
		lastSweep: time.Now(),
	}
}

func (ul *uploadLimiter) allow(ip string) bool {
	now := time.Now()

	ul.mu.Lock()
	defer ul.mu.Unlock()

	if now.Sub(ul.lastSweep) > idleEvict {
		for ip, s := range ul.senders {
			if now.Sub(s.lastSeen) > idleEvict {
				delete(ul.senders, ip)
			}
		}
		ul.lastSweep = now
	}

	s, ok := ul.senders[ip]
	if !ok {
		s = &sender{bucket: rate.NewLimiter(ul.limit, ul.burst)}
		ul.senders[ip] = s
	}
	s.lastSeen = now
	return s.bucket.Allow()
}

// RateLimit returns a Middleware that caps job submissions at rps per
// second per client IP. Only POST to the jobs collection is guarded;
// record reads, event streams, and downloads pass through. rps <= 0
// disables the limiter entirely.
func RateLimit(rps int) Middleware {
	if rps <= 0 {
		return func(next http.Handler) http.Handler { return next }
	}
	ul := newUploadLimiter(rps)
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.Method == http.MethodPost && r.URL.Path == jobsPath {
				if !ul.allow(clientIP(r)) {
					writeError(w, http.StatusTooManyRequests, "rate limit exceeded, slow down")
					return
				}
			}
			next.ServeHTTP(w, r)
		})
	}
}

// clientIP resolves the submitting address, preferring the first hop of
// X-Forwarded-For when a proxy sits in front.
func clientIP(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		first, _, _ := strings.Cut(fwd, ",")
		return strings.TrimSpace(first)
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
