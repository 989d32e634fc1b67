package gateway

import (
	"net"
	"net/http"
	"sync"
	"time"
)

const (
	defaultRequestsPerMinute = 600
	defaultMaxConcurrent     = 16
	rateWindow               = time.Minute
)

const (
	reasonRateLimited   = "rate limit exceeded"
	reasonTooConcurrent = "too many concurrent requests"
)

// ClientRateLimiter applies a sliding one-minute window and a concurrency cap
// to a single client.
type ClientRateLimiter struct {
	mu                sync.Mutex
	requestsPerMinute int
	maxConcurrent     int
	requests          []time.Time
	concurrent        int
	lastSeen          time.Time
	now               func() time.Time
}

// NewClientRateLimiter creates a limiter. Non-positive limits fall back to
// the defaults.
func NewClientRateLimiter(requestsPerMinute, maxConcurrent int) *ClientRateLimiter {
	if requestsPerMinute <= 0 {
		requestsPerMinute = defaultRequestsPerMinute
	}
	if maxConcurrent <= 0 {
		maxConcurrent = defaultMaxConcurrent
	}
	return &ClientRateLimiter{
		requestsPerMinute: requestsPerMinute,
		maxConcurrent:     maxConcurrent,
		now:               time.Now,
	}
}

// Acquire admits a request and returns its release func, or the reason the
// request was refused.
func (r *ClientRateLimiter) Acquire() (func(), string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()
	r.lastSeen = now
	r.prune(now)

	if r.concurrent >= r.maxConcurrent {
		return nil, reasonTooConcurrent
	}
	if len(r.requests) >= r.requestsPerMinute {
		return nil, reasonRateLimited
	}

	r.requests = append(r.requests, now)
	r.concurrent++

	var once sync.Once
	return func() {
		once.Do(func() {
			r.mu.Lock()
			if r.concurrent > 0 {
				r.concurrent--
			}
			r.mu.Unlock()
		})
	}, ""
}

// Stats returns the requests inside the window and the in-flight count.
func (r *ClientRateLimiter) Stats() (requests, concurrent int) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.prune(r.now())
	return len(r.requests), r.concurrent
}

func (r *ClientRateLimiter) prune(now time.Time) {
	cutoff := now.Add(-rateWindow)
	keep := r.requests[:0]
	for _, at := range r.requests {
		if at.After(cutoff) {
			keep = append(keep, at)
		}
	}
	r.requests = keep
}

func (r *ClientRateLimiter) idleSince(cutoff time.Time) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	return r.concurrent == 0 && r.lastSeen.Before(cutoff)
}

// LimiterSet keeps one ClientRateLimiter per remote host for the HTTP API.
type LimiterSet struct {
	mu                sync.Mutex
	limiters          map[string]*ClientRateLimiter
	requestsPerMinute int
	maxConcurrent     int
}

// NewLimiterSet creates a set whose limiters share the given limits.
func NewLimiterSet(requestsPerMinute, maxConcurrent int) *LimiterSet {
	return &LimiterSet{
		limiters:          make(map[string]*ClientRateLimiter),
		requestsPerMinute: requestsPerMinute,
		maxConcurrent:     maxConcurrent,
	}
}

// For returns the limiter of key, creating it on first use.
func (s *LimiterSet) For(key string) *ClientRateLimiter {
	s.mu.Lock()
	defer s.mu.Unlock()

	limiter, ok := s.limiters[key]
	if !ok {
		limiter = NewClientRateLimiter(s.requestsPerMinute, s.maxConcurrent)
		s.limiters[key] = limiter
	}
	return limiter
}

// Evict drops limiters idle for longer than the window and returns how many
// were removed.
func (s *LimiterSet) Evict() int {
	cutoff := time.Now().Add(-rateWindow)

	s.mu.Lock()
	defer s.mu.Unlock()

	removed := 0
	for key, limiter := range s.limiters {
		if limiter.idleSince(cutoff) {
			delete(s.limiters, key)
			removed++
		}
	}
	return removed
}

// Middleware limits HTTP requests per remote host.
func (s *LimiterSet) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		release, reason := s.For(remoteHost(r)).Acquire()
		if release == nil {
			w.Header().Set("Retry-After", "60")
			writeError(w, http.StatusTooManyRequests, reason)
			return
		}
		defer release()
		next.ServeHTTP(w, r)
	})
}

func remoteHost(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
