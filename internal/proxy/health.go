package proxy

import (
	"context"
	"fmt"
	"math/rand/v2"
	"net/http"
	"net/url"
	"sync"
	"time"
)

// Prober checks whether a single endpoint can carry traffic.
type Prober interface {
	Probe(ctx context.Context, endpoint string) error
}

// Run drives the periodic health sweep until ctx is cancelled. Owned by the
// pool lifecycle; callers start it alongside the pool and cancel it on
// shutdown.
func (p *Pool) Run(ctx context.Context) error {
	ticker := time.NewTicker(p.opts.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			p.Sweep(ctx)
		}
	}
}

// Sweep probes every known endpoint. Probes run concurrently and each
// failure is isolated; one bad endpoint never aborts the sweep for the rest.
// Passing endpoints have stale blocks cleared, failing ones are excluded
// from eligibility until they next pass.
func (p *Pool) Sweep(ctx context.Context) {
	p.mu.Lock()
	addrs := make([]string, 0, len(p.endpoints))
	for addr := range p.endpoints {
		addrs = append(addrs, addr)
	}
	p.mu.Unlock()

	if len(addrs) == 0 {
		return
	}

	results := make([]bool, len(addrs))
	var wg sync.WaitGroup
	for i, addr := range addrs {
		wg.Add(1)
		go func(i int, addr string) {
			defer wg.Done()
			results[i] = p.prober.Probe(ctx, addr) == nil
		}(i, addr)
	}
	wg.Wait()

	healthy := 0
	p.mu.Lock()
	for i, addr := range addrs {
		h, ok := p.endpoints[addr]
		if !ok {
			// removed while the sweep was in flight
			continue
		}
		if results[i] {
			h.probeFailed = false
			h.blockedUntil = time.Time{}
			healthy++
		} else {
			h.probeFailed = true
		}
	}
	total := len(p.endpoints)
	p.mu.Unlock()

	p.logger.Info().
		Int("healthy", healthy).
		Int("total", total).
		Msg("proxy health sweep complete")
}

// httpProber issues a lightweight GET against a known-good echo target,
// routed through the endpoint under test.
type httpProber struct {
	timeout time.Duration
	targets []string
}

func newHTTPProber(timeout time.Duration, targets []string) *httpProber {
	if len(targets) == 0 {
		targets = []string{"http://httpbin.org/ip"}
	}
	return &httpProber{timeout: timeout, targets: targets}
}

func (p *httpProber) Probe(ctx context.Context, endpoint string) error {
	proxyURL, err := url.Parse(endpoint)
	if err != nil {
		return fmt.Errorf("parse endpoint: %w", err)
	}

	client := &http.Client{
		Timeout: p.timeout,
		Transport: &http.Transport{
			Proxy: http.ProxyURL(proxyURL),
		},
	}
	defer client.CloseIdleConnections()

	target := p.targets[rand.IntN(len(p.targets))]
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return fmt.Errorf("create probe request: %w", err)
	}
	req.Header.Set("User-Agent", "pricetracker-healthcheck/1.0")

	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("probe via %s: %w", endpoint, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("probe via %s: unexpected status %d", endpoint, resp.StatusCode)
	}
	return nil
}

var _ Prober = (*httpProber)(nil)
