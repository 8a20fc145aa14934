package httpretry

import (
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDoRetriesOnServerError(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&calls, 1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	rc := NewRetryClient(srv.Client(), 3)
	rc.baseDelay = time.Millisecond
	rc.maxDelay = 10 * time.Millisecond

	req, err := http.NewRequest(http.MethodGet, srv.URL, nil)
	require.NoError(t, err)

	resp, err := rc.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, int32(3), atomic.LoadInt32(&calls))
}

func TestDoDoesNotRetryClientErrors(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusGone)
	}))
	defer srv.Close()

	rc := NewRetryClient(srv.Client(), 3)
	req, err := http.NewRequest(http.MethodGet, srv.URL, nil)
	require.NoError(t, err)

	resp, err := rc.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	// 410 must surface unchanged on the first attempt
	assert.Equal(t, http.StatusGone, resp.StatusCode)
	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))
}

func TestRetryAfterHeader(t *testing.T) {
	resp := &http.Response{Header: http.Header{}}

	assert.Equal(t, time.Duration(0), retryAfter(resp, 30*time.Second))

	resp.Header.Set("Retry-After", "2")
	assert.Equal(t, 2*time.Second, retryAfter(resp, 30*time.Second))

	// Capped at max
	resp.Header.Set("Retry-After", "300")
	assert.Equal(t, 30*time.Second, retryAfter(resp, 30*time.Second))

	// HTTP-date form ignored
	resp.Header.Set("Retry-After", "Tue, 25 Aug 2026 12:00:00 GMT")
	assert.Equal(t, time.Duration(0), retryAfter(resp, 30*time.Second))
}

func TestCalculateDelayBounds(t *testing.T) {
	rc := NewRetryClient(nil, 3)
	for attempt := 1; attempt <= 5; attempt++ {
		d := rc.calculateDelay(attempt)
		assert.GreaterOrEqual(t, d, 100*time.Millisecond)
		assert.LessOrEqual(t, d, rc.maxDelay)
	}
}
