package ratelimit

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestConcurrencyMiddleware_RejectsWhenNoSlotAndTracksInFlight(t *testing.T) {
	metrics := NewMetrics(prometheus.NewRegistry())
	release := make(chan struct{})
	started := make(chan struct{})
	var startedOnce sync.Once

	// handler que segura a vaga até liberarmos.
	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		startedOnce.Do(func() { close(started) })
		<-release
		w.WriteHeader(http.StatusOK)
	})

	h := ConcurrencyMiddleware(ConcurrencyOptions{
		Max:            1,
		AcquireTimeout: 25 * time.Millisecond,
		Metrics:        metrics,
	})(next)

	first := make(chan int, 1)
	go func() {
		w := httptest.NewRecorder()
		h.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "http://example/", nil))
		first <- w.Code
	}()

	select {
	case <-started:
	case <-time.After(200 * time.Millisecond):
		close(release)
		t.Fatalf("timeout waiting first request to start")
	}

	if got := testutil.ToFloat64(metrics.inFlight); got != 1 {
		close(release)
		t.Fatalf("expected 1 in-flight request, got %v", got)
	}

	// a segunda não consegue vaga dentro do AcquireTimeout
	w2 := httptest.NewRecorder()
	h.ServeHTTP(w2, httptest.NewRequest(http.MethodGet, "http://example/", nil))
	if w2.Code != http.StatusServiceUnavailable {
		close(release)
		t.Fatalf("expected second request 503, got %d", w2.Code)
	}
	var body errorResponse
	if err := json.NewDecoder(w2.Body).Decode(&body); err != nil || body.Error == "" {
		close(release)
		t.Fatalf("expected JSON error body, got %q (%v)", w2.Body.String(), err)
	}

	close(release)
	if code := <-first; code != http.StatusOK {
		t.Fatalf("expected first request 200, got %d", code)
	}
	if got := testutil.ToFloat64(metrics.inFlight); got != 0 {
		t.Fatalf("expected gauge back to 0, got %v", got)
	}
}

func TestConcurrencyMiddleware_DisabledPassesThrough(t *testing.T) {
	calls := 0
	h := ConcurrencyMiddleware(ConcurrencyOptions{Max: 0})(okHandler(&calls))

	for i := 0; i < 3; i++ {
		if w := do(h, http.MethodGet, "/", nil); w.Code != http.StatusOK {
			t.Fatalf("expected 200, got %d", w.Code)
		}
	}
	if calls != 3 {
		t.Fatalf("expected 3 calls, got %d", calls)
	}
}
