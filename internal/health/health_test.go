package health

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/opsforge/shipctl/internal/logging"
	"github.com/opsforge/shipctl/internal/pipeline"
)

func newTestChecker() *Checker {
	return NewChecker(nil, logging.NewLogger(io.Discard, logging.LevelError))
}

func TestWaitHealthyReturnsOnFirst200(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if hits.Add(1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	res := newTestChecker().WaitHealthy(context.Background(), srv.URL, 20, time.Millisecond)

	assert.Equal(t, pipeline.VerdictHealthy, res.Verdict)
	assert.Equal(t, 3, res.Attempts)
	assert.Equal(t, http.StatusOK, res.LastStatus)
}

func TestWaitHealthyExhaustsAttempts(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	res := newTestChecker().WaitHealthy(context.Background(), srv.URL, 5, time.Millisecond)

	assert.Equal(t, pipeline.VerdictUnhealthy, res.Verdict)
	assert.Equal(t, 5, res.Attempts)
	assert.Equal(t, int32(5), hits.Load())
	assert.Equal(t, http.StatusServiceUnavailable, res.LastStatus)
}

func TestWaitHealthyTreatsNetworkErrorAsFailedAttempt(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	endpoint := srv.URL
	srv.Close()

	res := newTestChecker().WaitHealthy(context.Background(), endpoint, 3, time.Millisecond)

	assert.Equal(t, pipeline.VerdictUnhealthy, res.Verdict)
	assert.Equal(t, 3, res.Attempts)
	assert.Error(t, res.LastErr)
}

func TestWaitHealthyEmptyEndpointIsInconclusive(t *testing.T) {
	res := newTestChecker().WaitHealthy(context.Background(), "", 20, time.Second)

	assert.Equal(t, pipeline.VerdictInconclusive, res.Verdict)
	assert.Zero(t, res.Attempts)
}

func TestWaitHealthyDoesNotSleepAfterLastAttempt(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	interval := 50 * time.Millisecond
	start := time.Now()
	res := newTestChecker().WaitHealthy(context.Background(), srv.URL, 2, interval)
	elapsed := time.Since(start)

	assert.Equal(t, pipeline.VerdictUnhealthy, res.Verdict)
	// Two attempts sleep once, never twice.
	assert.Less(t, elapsed, 2*interval)
}

func TestWaitHealthyHonorsContextCancellation(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()

	res := newTestChecker().WaitHealthy(ctx, srv.URL, 100, time.Hour)

	assert.Equal(t, pipeline.VerdictUnhealthy, res.Verdict)
	assert.Equal(t, 1, res.Attempts)
	assert.ErrorIs(t, res.LastErr, context.DeadlineExceeded)
}
