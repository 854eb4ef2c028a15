package metrics

import (
	"context"
	"sync"
	"time"

	"github.com/fixbridge/execution-service/internal/logger"
)

// PoolStat is one sample of connection-pool state.
type PoolStat struct {
	Active  int
	Idle    int
	Total   int
	Max     int
	// EmptyAcquires is the cumulative count of acquires that had to wait for
	// a free connection; a growing delta indicates waiting pressure.
	EmptyAcquires int64
}

func (s PoolStat) Utilization() float64 {
	if s.Max <= 0 {
		return 0
	}
	return float64(s.Active) / float64(s.Max)
}

// PoolStatSource abstracts pgxpool.Stat so the monitor is testable.
type PoolStatSource interface {
	PoolStat() PoolStat
}

// PoolHealth is the monitor's verdict for health probes.
type PoolHealth struct {
	Healthy     bool    `json:"healthy"`
	Utilization float64 `json:"utilization"`
	Active      int     `json:"active"`
	Max         int     `json:"max"`
	Reason      string  `json:"reason,omitempty"`
}

const unhealthyUtilization = 0.8

// PoolMonitor samples pool state periodically, exports gauges, and serves the
// latest utilization to the batch-size optimizer.
type PoolMonitor struct {
	source   PoolStatSource
	interval time.Duration

	mu           sync.RWMutex
	last         PoolStat
	prevAcquires int64
	waiting      bool
}

func NewPoolMonitor(source PoolStatSource, interval time.Duration) *PoolMonitor {
	if interval <= 0 {
		interval = 10 * time.Second
	}
	return &PoolMonitor{source: source, interval: interval}
}

func (m *PoolMonitor) Start(ctx context.Context) {
	go func() {
		log := logger.Logger.With().Str("component", "pool_monitor").Logger()
		ticker := time.NewTicker(m.interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				log.Info().Msg("stopped")
				return
			case <-ticker.C:
				m.Sample()
			}
		}
	}()
}

// Sample takes one reading. Exposed for tests and for the pipeline's
// post-batch observation hook.
func (m *PoolMonitor) Sample() PoolStat {
	s := m.source.PoolStat()

	m.mu.Lock()
	m.waiting = s.EmptyAcquires > m.prevAcquires
	m.prevAcquires = s.EmptyAcquires
	m.last = s
	m.mu.Unlock()

	SetPoolGauges(s.Active, s.Max, s.Utilization())
	return s
}

// Utilization returns the most recently sampled active/max ratio.
func (m *PoolMonitor) Utilization() float64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.last.Utilization()
}

func (m *PoolMonitor) Health() PoolHealth {
	m.mu.RLock()
	s := m.last
	waiting := m.waiting
	m.mu.RUnlock()

	h := PoolHealth{
		Healthy:     true,
		Utilization: s.Utilization(),
		Active:      s.Active,
		Max:         s.Max,
	}
	switch {
	case waiting:
		h.Healthy = false
		h.Reason = "connections awaiting acquisition"
	case s.Max > 0 && s.Active >= s.Max:
		h.Healthy = false
		h.Reason = "pool exhausted"
	case s.Utilization() >= unhealthyUtilization:
		h.Healthy = false
		h.Reason = "pool utilization high"
	}
	return h
}
