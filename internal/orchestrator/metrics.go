package orchestrator

import (
	"sync/atomic"
	"time"
)

// RunMetrics counts delivery outcomes across every run of this process.
type RunMetrics struct {
	runs            atomic.Int64
	sent            atomic.Int64
	failed          atomic.Int64
	skipped         atomic.Int64
	deliveryTotalNs atomic.Int64
	startedNs       atomic.Int64
}

func NewRunMetrics() *RunMetrics {
	m := &RunMetrics{}
	m.startedNs.Store(time.Now().UnixNano())
	return m
}

func (m *RunMetrics) run() { m.runs.Add(1) }

func (m *RunMetrics) record(outcome string, took time.Duration) {
	switch outcome {
	case outcomeSent:
		m.sent.Add(1)
	case outcomeFailed:
		m.failed.Add(1)
	default:
		m.skipped.Add(1)
		return
	}
	m.deliveryTotalNs.Add(int64(took))
}

func (m *RunMetrics) Stats() map[string]any {
	sent := m.sent.Load()
	failed := m.failed.Load()
	uptime := time.Since(time.Unix(0, m.startedNs.Load())).Seconds()

	rate := 0.0
	if uptime > 0 {
		rate = float64(sent+failed) / uptime
	}
	avg := time.Duration(0)
	if n := sent + failed; n > 0 {
		avg = time.Duration(m.deliveryTotalNs.Load() / n)
	}

	return map[string]any{
		"runs":            m.runs.Load(),
		"sent":            sent,
		"failed":          failed,
		"skipped":         m.skipped.Load(),
		"rate_per_second": rate,
		"avg_delivery_ms": avg.Milliseconds(),
		"uptime_seconds":  uptime,
	}
}
