package gateway

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClientRateLimiter_Acquire(t *testing.T) {
	t.Run("should allow requests under limit", func(t *testing.T) {
		limiter := NewClientRateLimiter(10, 5)

		for i := 0; i < 5; i++ {
			release, reason := limiter.Acquire()
			require.NotNil(t, release)
			assert.Empty(t, reason)
		}
		requests, concurrent := limiter.Stats()
		assert.Equal(t, 5, requests)
		assert.Equal(t, 5, concurrent)
	})

	t.Run("should reject when concurrent limit exceeded", func(t *testing.T) {
		limiter := NewClientRateLimiter(100, 2)

		first, _ := limiter.Acquire()
		_, _ = limiter.Acquire()

		release, reason := limiter.Acquire()
		assert.Nil(t, release)
		assert.Equal(t, reasonTooConcurrent, reason)

		first()
		first()
		release, _ = limiter.Acquire()
		assert.NotNil(t, release)
	})

	t.Run("should reject when rate limit exceeded", func(t *testing.T) {
		limiter := NewClientRateLimiter(3, 10)

		for i := 0; i < 3; i++ {
			release, _ := limiter.Acquire()
			require.NotNil(t, release)
			release()
		}

		release, reason := limiter.Acquire()
		assert.Nil(t, release)
		assert.Equal(t, reasonRateLimited, reason)
	})

	t.Run("should allow requests after window expires", func(t *testing.T) {
		now := time.Now()
		limiter := NewClientRateLimiter(1, 10)
		limiter.now = func() time.Time { return now }

		release, _ := limiter.Acquire()
		require.NotNil(t, release)
		release()

		release, _ = limiter.Acquire()
		assert.Nil(t, release)

		now = now.Add(rateWindow + time.Second)
		release, _ = limiter.Acquire()
		assert.NotNil(t, release)
	})

	t.Run("should apply defaults for non-positive limits", func(t *testing.T) {
		limiter := NewClientRateLimiter(0, -1)
		assert.Equal(t, defaultRequestsPerMinute, limiter.requestsPerMinute)
		assert.Equal(t, defaultMaxConcurrent, limiter.maxConcurrent)
	})
}

func TestLimiterSet(t *testing.T) {
	t.Run("keeps one limiter per key", func(t *testing.T) {
		set := NewLimiterSet(10, 1)

		assert.Same(t, set.For("10.0.0.1"), set.For("10.0.0.1"))
		assert.NotSame(t, set.For("10.0.0.1"), set.For("10.0.0.2"))
	})

	t.Run("evicts idle limiters", func(t *testing.T) {
		set := NewLimiterSet(10, 1)
		limiter := set.For("10.0.0.1")
		limiter.lastSeen = time.Now().Add(-2 * rateWindow)

		busy := set.For("10.0.0.2")
		release, _ := busy.Acquire()
		require.NotNil(t, release)
		defer release()

		assert.Equal(t, 1, set.Evict())
		assert.NotSame(t, limiter, set.For("10.0.0.1"))
	})

	t.Run("middleware answers 429 over budget", func(t *testing.T) {
		set := NewLimiterSet(2, 5)
		h := set.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusNoContent)
		}))

		codes := make([]int, 0, 3)
		for i := 0; i < 3; i++ {
			req := httptest.NewRequest(http.MethodGet, "/v1/tools", nil)
			req.RemoteAddr = "192.0.2.7:5000"
			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, req)
			codes = append(codes, rec.Code)
		}

		assert.Equal(t, []int{http.StatusNoContent, http.StatusNoContent, http.StatusTooManyRequests}, codes)

		req := httptest.NewRequest(http.MethodGet, "/v1/tools", nil)
		req.RemoteAddr = "192.0.2.8:5000"
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		assert.Equal(t, http.StatusNoContent, rec.Code)
	})
}
