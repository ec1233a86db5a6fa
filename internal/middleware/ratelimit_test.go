package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
)

func TestWindowLimiter(t *testing.T) {
	l := newWindowLimiter()
	for i := 0; i < 5; i++ {
		assert.True(t, l.allow("k", 5), "request %d within limit", i+1)
	}
	assert.False(t, l.allow("k", 5))
	assert.True(t, l.allow("other", 5), "keys are counted independently")
}

func TestRateLimitByIP(t *testing.T) {
	h := RateLimitByIP(2)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	do := func(ip string) int {
		req := httptest.NewRequest(http.MethodPost, "/api/webhooks/replicate", nil)
		req.Header.Set("X-Forwarded-For", ip)
		w := httptest.NewRecorder()
		h.ServeHTTP(w, req)
		return w.Code
	}

	assert.Equal(t, http.StatusOK, do("10.0.0.1"))
	assert.Equal(t, http.StatusOK, do("10.0.0.1"))
	assert.Equal(t, http.StatusTooManyRequests, do("10.0.0.1"))
	assert.Equal(t, http.StatusOK, do("10.0.0.2"), "other clients unaffected")
}

func TestRateLimitByUser(t *testing.T) {
	h := RateLimit(1)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	userID := uuid.New()
	do := func(withUser bool) int {
		req := httptest.NewRequest(http.MethodGet, "/api/jobs", nil)
		if withUser {
			req = req.WithContext(WithUserID(req.Context(), userID))
		}
		w := httptest.NewRecorder()
		h.ServeHTTP(w, req)
		return w.Code
	}

	assert.Equal(t, http.StatusOK, do(true))
	assert.Equal(t, http.StatusTooManyRequests, do(true))
	// No principal in context means the auth layer already rejected or the
	// route is public; the limiter passes through.
	assert.Equal(t, http.StatusOK, do(false))
}
