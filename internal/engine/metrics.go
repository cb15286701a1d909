package engine

import (
	"sync/atomic"
	"time"
)

// Metrics collects engine counters. It is passed to the engine at
// construction so several engines in one process (tests, mostly) do not
// share state. All fields are updated atomically.
type Metrics struct {
	enhanceCalls        atomic.Int64
	enhanceNanos        atomic.Int64
	cacheHits           atomic.Int64
	fallbacks           atomic.Int64
	panics              atomic.Int64
	dimensionMismatches atomic.Int64
	contextFailures     atomic.Int64

	trajectoriesAccepted atomic.Int64
	trajectoriesDropped  atomic.Int64

	runsCompleted atomic.Int64
	runsFailed    atomic.Int64
	runsCancelled atomic.Int64
	epochsTrained atomic.Int64
	batchesSeen   atomic.Int64
	lastRunNanos  atomic.Int64
}

// NewMetrics returns an empty collector.
func NewMetrics() *Metrics {
	return &Metrics{}
}

// MetricsSnapshot is a point-in-time copy of the counters.
type MetricsSnapshot struct {
	EnhanceCalls         int64   `json:"enhance_calls"`
	EnhanceAvgMs         float64 `json:"enhance_avg_ms"`
	CacheHits            int64   `json:"cache_hits"`
	Fallbacks            int64   `json:"fallbacks"`
	Panics               int64   `json:"panics"`
	DimensionMismatches  int64   `json:"dimension_mismatches"`
	ContextFailures      int64   `json:"context_failures"`
	TrajectoriesAccepted int64   `json:"trajectories_accepted"`
	TrajectoriesDropped  int64   `json:"trajectories_dropped"`
	RunsCompleted        int64   `json:"runs_completed"`
	RunsFailed           int64   `json:"runs_failed"`
	RunsCancelled        int64   `json:"runs_cancelled"`
	EpochsTrained        int64   `json:"epochs_trained"`
	BatchesSeen          int64   `json:"batches_seen"`
	LastRunMs            int64   `json:"last_run_ms"`
}

func (m *Metrics) observeEnhance(d time.Duration, cached, fallback bool) {
	m.enhanceCalls.Add(1)
	m.enhanceNanos.Add(int64(d))
	if cached {
		m.cacheHits.Add(1)
	}
	if fallback {
		m.fallbacks.Add(1)
	}
}

func (m *Metrics) observeRun(status string, epochs int, d time.Duration) {
	switch status {
	case "completed":
		m.runsCompleted.Add(1)
	case "cancelled":
		m.runsCancelled.Add(1)
	default:
		m.runsFailed.Add(1)
	}
	m.epochsTrained.Add(int64(epochs))
	m.lastRunNanos.Store(int64(d))
}

// Snapshot copies the current counters.
func (m *Metrics) Snapshot() MetricsSnapshot {
	s := MetricsSnapshot{
		EnhanceCalls:         m.enhanceCalls.Load(),
		CacheHits:            m.cacheHits.Load(),
		Fallbacks:            m.fallbacks.Load(),
		Panics:               m.panics.Load(),
		DimensionMismatches:  m.dimensionMismatches.Load(),
		ContextFailures:      m.contextFailures.Load(),
		TrajectoriesAccepted: m.trajectoriesAccepted.Load(),
		TrajectoriesDropped:  m.trajectoriesDropped.Load(),
		RunsCompleted:        m.runsCompleted.Load(),
		RunsFailed:           m.runsFailed.Load(),
		RunsCancelled:        m.runsCancelled.Load(),
		EpochsTrained:        m.epochsTrained.Load(),
		BatchesSeen:          m.batchesSeen.Load(),
		LastRunMs:            time.Duration(m.lastRunNanos.Load()).Milliseconds(),
	}
	if s.EnhanceCalls > 0 {
		s.EnhanceAvgMs = float64(m.enhanceNanos.Load()) / float64(s.EnhanceCalls) / 1e6
	}
	return s
}
