package health

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-faster/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mkraev/ordergrid/pkg/resilience"
)

// --- Helpers ---

// runCheck executes the named probe n times synchronously.
func runCheck(t *testing.T, h *Health, name string, n int) {
	t.Helper()
	for _, p := range h.probes {
		if p.name == name {
			for range n {
				p.run(context.Background())
			}
			return
		}
	}
	t.Fatalf("no probe named %q", name)
}

func decodeStatus(t *testing.T, w *httptest.ResponseRecorder) statusResponse {
	t.Helper()
	var resp statusResponse
	require.NoError(t, json.NewDecoder(w.Body).Decode(&resp))
	return resp
}

// --- Tests ---

func TestIsReady_ManualGate(t *testing.T) {
	h := New()

	assert.False(t, h.IsReady())
	h.SetReady(true)
	assert.True(t, h.IsReady())
	h.SetReady(false)
	assert.False(t, h.IsReady())
}

func TestReadinessCheck_FailureThreshold(t *testing.T) {
	h := New()
	h.SetReady(true)
	h.AddCheck(Readiness, "db", time.Second, func(context.Context) error {
		return errors.New("connection refused")
	})

	// A single failure does not flip the state.
	runCheck(t, h, "db", 1)
	assert.True(t, h.IsReady())

	runCheck(t, h, "db", 2)
	assert.False(t, h.IsReady())
}

func TestReadinessCheck_Recovers(t *testing.T) {
	h := New()
	h.SetReady(true)

	var fail bool
	h.AddCheck(Readiness, "db", time.Second, func(context.Context) error {
		if fail {
			return errors.New("down")
		}
		return nil
	})

	fail = true
	runCheck(t, h, "db", 3)
	require.False(t, h.IsReady())

	fail = false
	runCheck(t, h, "db", 1)
	assert.True(t, h.IsReady())
}

func TestReadyEndpoint_GateClosed(t *testing.T) {
	h := New()

	w := httptest.NewRecorder()
	h.ReadyEndpoint(w, httptest.NewRequest(http.MethodGet, "/readyz", nil))

	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	resp := decodeStatus(t, w)
	assert.Equal(t, "unhealthy", resp.Status)
	assert.Contains(t, resp.Checks, "_readiness")
}

func TestReadyEndpoint_ReportsFailingCheck(t *testing.T) {
	h := New()
	h.SetReady(true)
	h.AddCheck(Readiness, "db", time.Second, func(context.Context) error {
		return errors.New("connection refused")
	})
	runCheck(t, h, "db", 3)

	w := httptest.NewRecorder()
	h.ReadyEndpoint(w, httptest.NewRequest(http.MethodGet, "/readyz", nil))

	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	resp := decodeStatus(t, w)
	assert.Equal(t, "connection refused", resp.Checks["db"])
}

func TestLiveEndpoint_IndependentOfReadiness(t *testing.T) {
	h := New()
	// Gate closed and readiness check failing; liveness stays green.
	h.AddCheck(Readiness, "db", time.Second, func(context.Context) error {
		return errors.New("down")
	})
	runCheck(t, h, "db", 3)

	w := httptest.NewRecorder()
	h.LiveEndpoint(w, httptest.NewRequest(http.MethodGet, "/livez", nil))

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "ok", decodeStatus(t, w).Status)
}

func TestLiveEndpoint_ReportsFailingLivenessCheck(t *testing.T) {
	h := New()
	h.AddCheck(Liveness, "goroutines", time.Second, GoroutineCountCheck(0))
	runCheck(t, h, "goroutines", 3)

	w := httptest.NewRecorder()
	h.LiveEndpoint(w, httptest.NewRequest(http.MethodGet, "/livez", nil))

	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	resp := decodeStatus(t, w)
	assert.Contains(t, resp.Checks["goroutines"], "exceeds threshold")
}

func TestStart_RunsChecksInBackground(t *testing.T) {
	h := New()
	h.SetReady(true)

	done := make(chan struct{})
	var once bool
	h.AddCheck(Readiness, "ping", time.Second, func(context.Context) error {
		if !once {
			once = true
			close(done)
		}
		return nil
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	h.Start(ctx, 10*time.Millisecond)
	defer h.Stop()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("check never ran")
	}
}

func TestGoroutineCountCheck(t *testing.T) {
	assert.NoError(t, GoroutineCountCheck(1_000_000)(context.Background()))
	assert.Error(t, GoroutineCountCheck(0)(context.Background()))
}

func TestBreakerCheck(t *testing.T) {
	b := resilience.NewBreaker(resilience.BreakerConfig{FailureThreshold: 1})
	check := BreakerCheck("storage", b)

	assert.NoError(t, check(context.Background()))

	b.RecordFailure()
	err := check(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "circuit storage is open")
}
