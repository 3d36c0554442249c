package api

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRequestID(t *testing.T) {
	var seen string
	h := RequestID()(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = RequestIDFromContext(r.Context())
	}))

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.NotEmpty(t, seen)
	assert.Equal(t, seen, rec.Header().Get(requestIDHeader))

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set(requestIDHeader, "upstream-1")
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, "upstream-1", seen)
	assert.Equal(t, "upstream-1", rec.Header().Get(requestIDHeader))
}

func TestRateLimitPerSubmitter(t *testing.T) {
	store := newLimiterStore(0.001, 1)
	defer store.Stop()

	h := chain(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}), Authenticate(NewJWTManager(testSecret, time.Minute, "")), RateLimit(store))

	do := func(token string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodPost, "/event", nil)
		req.Header.Set("Authorization", "Bearer "+token)
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		return rec
	}

	m := NewJWTManager(testSecret, time.Minute, "")
	alice, err := m.Generate("alice")
	require.NoError(t, err)
	bob, err := m.Generate("bob")
	require.NoError(t, err)

	assert.Equal(t, http.StatusNoContent, do(alice).Code)
	limited := do(alice)
	assert.Equal(t, http.StatusTooManyRequests, limited.Code)
	assert.NotEmpty(t, limited.Header().Get("Retry-After"))
	assert.Equal(t, problemContentType, limited.Header().Get("Content-Type"))

	assert.Equal(t, http.StatusNoContent, do(bob).Code)
	assert.Equal(t, 2, store.size())
}

func TestRateLimitDisabled(t *testing.T) {
	assert.Nil(t, newLimiterStore(0, 10))

	h := RateLimit(nil)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))
	for i := 0; i < 5; i++ {
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/event", nil))
		assert.Equal(t, http.StatusNoContent, rec.Code)
	}
}

func TestLimiterStoreCleanup(t *testing.T) {
	store := newLimiterStore(1, 1)
	defer store.Stop()

	store.limiter("submitter:a")
	store.limiter("submitter:b")
	store.mu.Lock()
	store.limiters["submitter:a"].lastSeen = time.Now().Add(-2 * limiterIdleTTL)
	store.mu.Unlock()

	store.cleanup(time.Now())
	assert.Equal(t, 1, store.size())
}

func TestLimiterStoreStopIsIdempotent(t *testing.T) {
	store := newLimiterStore(1, 1)
	assert.NotPanics(t, func() {
		store.Stop()
		store.Stop()
	})
	var nilStore *limiterStore
	assert.NotPanics(t, nilStore.Stop)
}

func TestAuthenticateRejects(t *testing.T) {
	h := Authenticate(NewJWTManager(testSecret, time.Minute, ""))(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Fatal("handler must not run")
	}))

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/event", nil))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Equal(t, "Bearer", rec.Header().Get("WWW-Authenticate"))

	req := httptest.NewRequest(http.MethodPost, "/event", nil)
	req.Header.Set("Authorization", "Bearer nope")
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Contains(t, rec.Body.String(), "Could not verify credentials")
}
