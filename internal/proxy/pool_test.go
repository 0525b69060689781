package proxy

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func newTestPool(endpoints ...string) *Pool {
	return NewPool(Options{Endpoints: endpoints}, zerolog.Nop())
}

func TestAcquireSingleEndpoint(t *testing.T) {
	pool := newTestPool("http://proxy-a:8080")

	endpoint, ok := pool.Acquire()
	if !ok {
		t.Fatal("expected an eligible endpoint")
	}
	if endpoint != "http://proxy-a:8080" {
		t.Fatalf("unexpected endpoint %q", endpoint)
	}
}

func TestAcquireEmptyPool(t *testing.T) {
	pool := newTestPool()
	if _, ok := pool.Acquire(); ok {
		t.Fatal("empty pool must not yield an endpoint")
	}
}

func TestFailureRateBlocksEndpoint(t *testing.T) {
	pool := newTestPool("http://proxy-a:8080", "http://proxy-b:8080")

	// 4 successes + 6 failures = 60% failure rate over 10 requests.
	for i := 0; i < 4; i++ {
		pool.Report("http://proxy-a:8080", OutcomeSuccess, 50*time.Millisecond)
	}
	for i := 0; i < 6; i++ {
		pool.Report("http://proxy-a:8080", OutcomeFailure, 0)
	}

	for i := 0; i < 50; i++ {
		endpoint, ok := pool.Acquire()
		if !ok {
			t.Fatal("proxy-b should remain eligible")
		}
		if endpoint == "http://proxy-a:8080" {
			t.Fatal("blocked endpoint returned by Acquire")
		}
	}
}

func TestFailuresBelowSampleCountDoNotBlock(t *testing.T) {
	pool := newTestPool("http://proxy-a:8080")

	// 100% failures but under the 10-request minimum.
	for i := 0; i < 9; i++ {
		pool.Report("http://proxy-a:8080", OutcomeFailure, 0)
	}

	if _, ok := pool.Acquire(); !ok {
		t.Fatal("endpoint must stay eligible below the minimum sample count")
	}
}

func TestBlockExpires(t *testing.T) {
	pool := newTestPool("http://proxy-a:8080")

	now := time.Now()
	pool.now = func() time.Time { return now }

	for i := 0; i < 10; i++ {
		pool.Report("http://proxy-a:8080", OutcomeFailure, 0)
	}
	if _, ok := pool.Acquire(); ok {
		t.Fatal("endpoint should be blocked")
	}

	pool.now = func() time.Time { return now.Add(31 * time.Minute) }
	if _, ok := pool.Acquire(); !ok {
		t.Fatal("block should have expired after the cool-down window")
	}
}

func TestSuccessClearsBlock(t *testing.T) {
	pool := newTestPool("http://proxy-a:8080")

	for i := 0; i < 10; i++ {
		pool.Report("http://proxy-a:8080", OutcomeFailure, 0)
	}
	if _, ok := pool.Acquire(); ok {
		t.Fatal("endpoint should be blocked")
	}

	pool.Report("http://proxy-a:8080", OutcomeSuccess, 100*time.Millisecond)
	if _, ok := pool.Acquire(); !ok {
		t.Fatal("success report should clear the block")
	}
}

func TestRollingLatency(t *testing.T) {
	pool := newTestPool("http://proxy-a:8080")

	pool.Report("http://proxy-a:8080", OutcomeSuccess, 100*time.Millisecond)
	pool.Report("http://proxy-a:8080", OutcomeSuccess, 200*time.Millisecond)

	h := pool.endpoints["http://proxy-a:8080"]
	want := time.Duration(float64(100*time.Millisecond)*0.9 + float64(200*time.Millisecond)*0.1)
	if h.avgLatency != want {
		t.Fatalf("avg latency = %v, want %v", h.avgLatency, want)
	}
}

func TestAddRemoveAtRuntime(t *testing.T) {
	pool := newTestPool("http://proxy-a:8080")

	pool.Add("http://proxy-b:8080")
	if pool.Snapshot().Total != 2 {
		t.Fatalf("expected 2 endpoints, got %d", pool.Snapshot().Total)
	}

	pool.Remove("http://proxy-a:8080")
	pool.Remove("http://proxy-b:8080")
	if _, ok := pool.Acquire(); ok {
		t.Fatal("removed endpoints must not be acquirable")
	}

	// Reporting against a removed endpoint is a no-op.
	pool.Report("http://proxy-a:8080", OutcomeSuccess, time.Millisecond)
}

func TestAcquireSpreadsTraffic(t *testing.T) {
	pool := newTestPool("http://proxy-a:8080", "http://proxy-b:8080", "http://proxy-c:8080")

	seen := make(map[string]int)
	for i := 0; i < 300; i++ {
		endpoint, ok := pool.Acquire()
		if !ok {
			t.Fatal("pool should always yield with healthy endpoints")
		}
		seen[endpoint]++
	}

	if len(seen) != 3 {
		t.Fatalf("weighted sampling collapsed onto %d endpoints: %v", len(seen), seen)
	}
}

type stubProber struct {
	fail map[string]bool
	errs map[string]error
}

func (s *stubProber) Probe(_ context.Context, endpoint string) error {
	if err, ok := s.errs[endpoint]; ok {
		return err
	}
	if s.fail[endpoint] {
		return errors.New("probe failed")
	}
	return nil
}

func TestSweepExcludesFailingEndpoints(t *testing.T) {
	prober := &stubProber{fail: map[string]bool{"http://proxy-b:8080": true}}
	pool := NewPool(Options{
		Endpoints: []string{"http://proxy-a:8080", "http://proxy-b:8080"},
		Prober:    prober,
	}, zerolog.Nop())

	pool.Sweep(context.Background())

	for i := 0; i < 50; i++ {
		endpoint, ok := pool.Acquire()
		if !ok {
			t.Fatal("proxy-a should remain eligible")
		}
		if endpoint == "http://proxy-b:8080" {
			t.Fatal("sweep-failed endpoint returned by Acquire")
		}
	}
}

func TestSweepClearsStaleBlock(t *testing.T) {
	prober := &stubProber{}
	pool := NewPool(Options{
		Endpoints: []string{"http://proxy-a:8080"},
		Prober:    prober,
	}, zerolog.Nop())

	for i := 0; i < 10; i++ {
		pool.Report("http://proxy-a:8080", OutcomeFailure, 0)
	}
	if _, ok := pool.Acquire(); ok {
		t.Fatal("endpoint should be blocked before the sweep")
	}

	pool.Sweep(context.Background())

	if _, ok := pool.Acquire(); !ok {
		t.Fatal("passing probe should clear the block")
	}
}

func TestSweepRecovery(t *testing.T) {
	prober := &stubProber{fail: map[string]bool{"http://proxy-a:8080": true}}
	pool := NewPool(Options{
		Endpoints: []string{"http://proxy-a:8080"},
		Prober:    prober,
	}, zerolog.Nop())

	pool.Sweep(context.Background())
	if _, ok := pool.Acquire(); ok {
		t.Fatal("failing endpoint should be excluded")
	}

	prober.fail["http://proxy-a:8080"] = false
	pool.Sweep(context.Background())
	if _, ok := pool.Acquire(); !ok {
		t.Fatal("endpoint should be eligible after passing a probe")
	}
}

func TestRunStopsOnCancel(t *testing.T) {
	pool := NewPool(Options{
		Endpoints:     []string{"http://proxy-a:8080"},
		SweepInterval: 10 * time.Millisecond,
		Prober:        &stubProber{},
	}, zerolog.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- pool.Run(ctx) }()

	time.Sleep(30 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("expected context.Canceled, got %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("Run did not stop after cancellation")
	}
}
