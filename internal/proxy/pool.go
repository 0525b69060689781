package proxy

import (
	"math/rand/v2"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Outcome classifies a finished request routed through an endpoint.
type Outcome int

const (
	OutcomeSuccess Outcome = iota
	OutcomeFailure
)

// Options tune pool behaviour.
type Options struct {
	Endpoints      []string
	BlockCooldown  time.Duration
	FailureRate    float64
	MinSampleCount int64
	SweepInterval  time.Duration
	ProbeTimeout   time.Duration
	ProbeTargets   []string
	Prober         Prober
}

// health is the mutable per-endpoint record. Created lazily when the
// endpoint joins the pool, reset when a probe passes after a block.
type health struct {
	success      int64
	failure      int64
	requests     int64
	avgLatency   time.Duration
	blockedUntil time.Time
	probeFailed  bool
	lastUsed     time.Time
}

// Pool owns the outbound proxy endpoints and their health records. All
// read-modify-write sequences happen under the pool mutex; nothing outside
// this package touches health state.
type Pool struct {
	mu        sync.Mutex
	endpoints map[string]*health

	opts   Options
	prober Prober
	logger zerolog.Logger

	// now is swappable so block-expiry behaviour is testable.
	now func() time.Time
}

// NewPool constructs a pool over the configured endpoints.
func NewPool(opts Options, logger zerolog.Logger) *Pool {
	if opts.BlockCooldown <= 0 {
		opts.BlockCooldown = 30 * time.Minute
	}
	if opts.FailureRate <= 0 || opts.FailureRate >= 1 {
		opts.FailureRate = 0.5
	}
	if opts.MinSampleCount <= 0 {
		opts.MinSampleCount = 10
	}
	if opts.SweepInterval <= 0 {
		opts.SweepInterval = 5 * time.Minute
	}
	if opts.ProbeTimeout <= 0 {
		opts.ProbeTimeout = 10 * time.Second
	}

	prober := opts.Prober
	if prober == nil {
		prober = newHTTPProber(opts.ProbeTimeout, opts.ProbeTargets)
	}

	p := &Pool{
		endpoints: make(map[string]*health, len(opts.Endpoints)),
		opts:      opts,
		prober:    prober,
		logger:    logger.With().Str("component", "proxy_pool").Logger(),
		now:       time.Now,
	}
	for _, addr := range opts.Endpoints {
		p.endpoints[addr] = &health{}
	}
	return p
}

// Acquire selects an eligible endpoint using performance-weighted random
// sampling. ok is false when no endpoint is eligible; callers must treat
// that as "skip this fetch", not as a fatal condition.
func (p *Pool) Acquire() (endpoint string, ok bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	now := p.now()

	type scored struct {
		addr  string
		score float64
	}
	candidates := make([]scored, 0, len(p.endpoints))
	total := 0.0
	for addr, h := range p.endpoints {
		if h.probeFailed {
			continue
		}
		if !h.blockedUntil.IsZero() && now.Before(h.blockedUntil) {
			continue
		}
		score := p.score(h)
		candidates = append(candidates, scored{addr: addr, score: score})
		total += score
	}

	if len(candidates) == 0 {
		return "", false
	}

	var selected string
	if total == 0 {
		selected = candidates[rand.IntN(len(candidates))].addr
	} else {
		r := rand.Float64() * total
		cum := 0.0
		selected = candidates[0].addr
		for _, c := range candidates {
			cum += c.score
			if r <= cum {
				selected = c.addr
				break
			}
		}
	}

	h := p.endpoints[selected]
	h.requests++
	h.lastUsed = now
	return selected, true
}

// score combines success rate with an exploration bonus for lightly used
// endpoints. Endpoints with no history score as if 50% successful.
func (p *Pool) score(h *health) float64 {
	total := h.success + h.failure
	successRate := 0.5
	if total > 0 {
		successRate = float64(h.success) / float64(total)
	}
	usage := 1.0 / float64(h.requests+1)
	return successRate*0.7 + usage*0.3
}

// Report records the outcome of a request routed through endpoint. A
// success clears any block and folds the latency into the rolling average;
// a failure may block the endpoint once its failure rate crosses the
// configured limit.
func (p *Pool) Report(endpoint string, outcome Outcome, latency time.Duration) {
	p.mu.Lock()
	defer p.mu.Unlock()

	h, ok := p.endpoints[endpoint]
	if !ok {
		return
	}

	switch outcome {
	case OutcomeSuccess:
		h.success++
		if h.avgLatency == 0 {
			h.avgLatency = latency
		} else {
			h.avgLatency = time.Duration(float64(h.avgLatency)*0.9 + float64(latency)*0.1)
		}
		h.blockedUntil = time.Time{}
	case OutcomeFailure:
		h.failure++
		total := h.success + h.failure
		if total >= p.opts.MinSampleCount {
			rate := float64(h.failure) / float64(total)
			if rate > p.opts.FailureRate {
				h.blockedUntil = p.now().Add(p.opts.BlockCooldown)
				p.logger.Warn().
					Str("endpoint", endpoint).
					Float64("failure_rate", rate).
					Dur("cooldown", p.opts.BlockCooldown).
					Msg("endpoint blocked due to high failure rate")
			}
		}
	}
}

// Add registers a new endpoint at runtime.
func (p *Pool) Add(endpoint string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, exists := p.endpoints[endpoint]; exists {
		return
	}
	p.endpoints[endpoint] = &health{}
	p.logger.Info().Str("endpoint", endpoint).Msg("endpoint added")
}

// Remove drops an endpoint and its health record. Acquisitions after the
// call never observe the removed endpoint.
func (p *Pool) Remove(endpoint string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, exists := p.endpoints[endpoint]; !exists {
		return
	}
	delete(p.endpoints, endpoint)
	p.logger.Info().Str("endpoint", endpoint).Msg("endpoint removed")
}

// Stats summarises aggregate pool state.
type Stats struct {
	Total      int
	Eligible   int
	Blocked    int
	Requests   int64
	Success    int64
	Failure    int64
	AvgLatency time.Duration
}

// Snapshot returns aggregate statistics for the pool.
func (p *Pool) Snapshot() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()

	now := p.now()
	var stats Stats
	var weighted float64
	stats.Total = len(p.endpoints)
	for _, h := range p.endpoints {
		blocked := !h.blockedUntil.IsZero() && now.Before(h.blockedUntil)
		if blocked {
			stats.Blocked++
		}
		if !blocked && !h.probeFailed {
			stats.Eligible++
		}
		stats.Requests += h.requests
		stats.Success += h.success
		stats.Failure += h.failure
		weighted += float64(h.avgLatency) * float64(h.requests)
	}
	if stats.Requests > 0 {
		stats.AvgLatency = time.Duration(weighted / float64(stats.Requests))
	}
	return stats
}
