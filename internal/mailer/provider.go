package mailer

import (
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/valyala/fasthttp"
)

// Stats tracks the outcome and latency of calls against one provider.
type Stats struct {
	Attempts         atomic.Int64
	Accepted         atomic.Int64
	Failures         atomic.Int64
	LatencyTotalMs   atomic.Int64
	ConsecutiveFails atomic.Int32
	LastFailureAt    atomic.Int64
	LastAcceptedAt   atomic.Int64

	mu      sync.Mutex
	window  []int64
	maxSize int
}

func NewStats(window int) *Stats {
	if window <= 0 {
		window = 100
	}
	return &Stats{window: make([]int64, 0, window), maxSize: window}
}

func (s *Stats) Accept(latencyMs int64) {
	s.Attempts.Add(1)
	s.Accepted.Add(1)
	s.LatencyTotalMs.Add(latencyMs)
	s.ConsecutiveFails.Store(0)
	s.LastAcceptedAt.Store(time.Now().Unix())

	s.mu.Lock()
	if len(s.window) == s.maxSize {
		copy(s.window, s.window[1:])
		s.window = s.window[:s.maxSize-1]
	}
	s.window = append(s.window, latencyMs)
	s.mu.Unlock()
}

func (s *Stats) Fail() {
	s.Attempts.Add(1)
	s.Failures.Add(1)
	s.ConsecutiveFails.Add(1)
	s.LastFailureAt.Store(time.Now().Unix())
}

func (s *Stats) MeanLatencyMs() int64 {
	n := s.Accepted.Load()
	if n == 0 {
		return 0
	}
	return s.LatencyTotalMs.Load() / n
}

// AcceptRate is 1 until the provider has seen traffic.
func (s *Stats) AcceptRate() float64 {
	n := s.Attempts.Load()
	if n == 0 {
		return 1
	}
	return float64(s.Accepted.Load()) / float64(n)
}

func (s *Stats) P95LatencyMs() int64 {
	s.mu.Lock()
	sample := append([]int64(nil), s.window...)
	s.mu.Unlock()

	if len(sample) == 0 {
		return 0
	}
	sort.Slice(sample, func(i, j int) bool { return sample[i] < sample[j] })
	idx := int(float64(len(sample)) * 0.95)
	if idx >= len(sample) {
		idx = len(sample) - 1
	}
	return sample[idx]
}

type State int32

const (
	StateHealthy State = iota
	StateDegraded
	StateUnhealthy
	StateCircuitOpen
)

func (s State) String() string {
	switch s {
	case StateHealthy:
		return "HEALTHY"
	case StateDegraded:
		return "DEGRADED"
	case StateUnhealthy:
		return "UNHEALTHY"
	case StateCircuitOpen:
		return "CIRCUIT_OPEN"
	default:
		return "UNKNOWN"
	}
}

// Provider is one HTTP mail relay endpoint.
type Provider struct {
	name     string
	url      string
	priority int
	http     *fasthttp.Client
	stats    *Stats

	state     atomic.Int32
	openUntil atomic.Int64
	checkedAt atomic.Int64
}

func newProvider(name, url string, priority int, http *fasthttp.Client) *Provider {
	p := &Provider{
		name:     name,
		url:      url,
		priority: priority,
		http:     http,
		stats:    NewStats(100),
	}
	p.state.Store(int32(StateHealthy))
	return p
}

func (p *Provider) Name() string { return p.name }

func (p *Provider) State() State {
	return State(p.state.Load())
}

func (p *Provider) setState(s State) {
	p.state.Store(int32(s))
}

// Available reports whether the provider may receive traffic. An open
// circuit whose cool-down elapsed is half-opened into DEGRADED.
func (p *Provider) Available(now time.Time) bool {
	switch p.State() {
	case StateUnhealthy:
		return false
	case StateCircuitOpen:
		if now.Unix() < p.openUntil.Load() {
			return false
		}
		p.state.CompareAndSwap(int32(StateCircuitOpen), int32(StateDegraded))
		return true
	default:
		return true
	}
}

func (p *Provider) tripIfFailing(threshold int, coolDown time.Duration) bool {
	if threshold <= 0 || p.stats.ConsecutiveFails.Load() < int32(threshold) {
		return false
	}
	p.openUntil.Store(time.Now().Add(coolDown).Unix())
	p.setState(StateCircuitOpen)
	return true
}

// Score ranks providers for selection; zero means skip.
func (p *Provider) Score(now time.Time) float64 {
	if !p.Available(now) {
		return 0
	}

	accept := p.stats.AcceptRate() * 100

	latency := 100.0
	if mean := p.stats.MeanLatencyMs(); mean > 0 {
		latency = 100 * (1 - float64(mean)/5000)
		if latency < 0 {
			latency = 0
		}
	}

	recent := 1 - float64(p.stats.ConsecutiveFails.Load())*0.1
	if recent < 0.1 {
		recent = 0.1
	}

	factor := 1.0
	if p.State() == StateDegraded {
		factor = 0.5
	}

	return (accept*0.4 + latency*0.4 + float64(p.priority)*0.2) * recent * factor
}

// ProviderStats is a point-in-time view of one provider.
type ProviderStats struct {
	Name             string  `json:"name"`
	URL              string  `json:"url"`
	State            string  `json:"state"`
	Score            float64 `json:"score"`
	Attempts         int64   `json:"attempts"`
	Accepted         int64   `json:"accepted"`
	Failures         int64   `json:"failures"`
	AcceptRate       float64 `json:"accept_rate"`
	MeanLatencyMs    int64   `json:"mean_latency_ms"`
	P95LatencyMs     int64   `json:"p95_latency_ms"`
	ConsecutiveFails int32   `json:"consecutive_fails"`
}

func (p *Provider) snapshot(now time.Time) ProviderStats {
	return ProviderStats{
		Name:             p.name,
		URL:              p.url,
		State:            p.State().String(),
		Score:            p.Score(now),
		Attempts:         p.stats.Attempts.Load(),
		Accepted:         p.stats.Accepted.Load(),
		Failures:         p.stats.Failures.Load(),
		AcceptRate:       p.stats.AcceptRate(),
		MeanLatencyMs:    p.stats.MeanLatencyMs(),
		P95LatencyMs:     p.stats.P95LatencyMs(),
		ConsecutiveFails: p.stats.ConsecutiveFails.Load(),
	}
}
