package optimizer

import (
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/fixbridge/execution-service/internal/logger"
	"github.com/fixbridge/execution-service/internal/metrics"
)

const (
	highUtilization = 0.80
	lowUtilization  = 0.25

	// Elevated failure rate over the window triggers a decrease.
	failureRateCeiling = 0.10

	decreaseFactor = 0.7
	increaseStep   = 50

	// Keep at most this many observations for trend decisions.
	maxObservations = 256
)

// UtilizationSource supplies the latest pool utilization (0..1).
type UtilizationSource interface {
	Utilization() float64
}

type observation struct {
	size     int
	duration time.Duration
	success  bool
	at       time.Time
}

// Optimizer is an AIMD feedback controller over observed batch latency and
// connection-pool utilization. Adjustments are gated to once per window.
type Optimizer struct {
	mu sync.Mutex

	enabled bool
	current int
	min     int
	max     int
	window  time.Duration

	pool UtilizationSource
	now  func() time.Time

	observations []observation
	lastAdjust   time.Time

	lg zerolog.Logger
}

type Options struct {
	Enabled   bool
	BaseSize  int
	MinSize   int
	MaxSize   int
	Window    time.Duration
}

func New(pool UtilizationSource, opts Options) *Optimizer {
	if opts.BaseSize <= 0 {
		opts.BaseSize = 500
	}
	if opts.MinSize <= 0 {
		opts.MinSize = 50
	}
	if opts.MaxSize < opts.MinSize {
		opts.MaxSize = 2000
	}
	if opts.Window <= 0 {
		opts.Window = 10 * time.Second
	}

	o := &Optimizer{
		enabled: opts.Enabled,
		current: clamp(opts.BaseSize, opts.MinSize, opts.MaxSize),
		min:     opts.MinSize,
		max:     opts.MaxSize,
		window:  opts.Window,
		pool:    pool,
		now:     time.Now,
		lg:      logger.Logger.With().Str("component", "batch_size_optimizer").Logger(),
	}
	metrics.SetOptimalBatchSize(o.current)
	return o
}

// CurrentBatchSize returns the advised batch size.
func (o *Optimizer) CurrentBatchSize() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.current
}

// Record stores one batch observation and, at most once per window,
// re-evaluates the optimal size.
func (o *Optimizer) Record(size int, duration time.Duration, success bool) {
	o.mu.Lock()
	defer o.mu.Unlock()

	o.observations = append(o.observations, observation{
		size: size, duration: duration, success: success, at: o.now(),
	})
	if len(o.observations) > maxObservations {
		o.observations = o.observations[len(o.observations)-maxObservations:]
	}

	o.publishWindowGauges()

	if !o.enabled {
		return
	}
	if o.now().Sub(o.lastAdjust) < o.window {
		return
	}
	o.lastAdjust = o.now()
	o.adjustLocked()
}

func (o *Optimizer) adjustLocked() {
	var utilization float64
	if o.pool != nil {
		utilization = o.pool.Utilization()
	}

	failureRate := o.windowFailureRateLocked()
	before := o.current

	switch {
	case utilization > highUtilization || failureRate > failureRateCeiling:
		o.current = clamp(int(float64(o.current)*decreaseFactor), o.min, o.max)
	case utilization < lowUtilization && o.latencyHealthyLocked():
		o.current = clamp(o.current+increaseStep, o.min, o.max)
	}

	if o.current != before {
		metrics.SetOptimalBatchSize(o.current)
		o.lg.Info().
			Int("from", before).
			Int("to", o.current).
			Float64("utilization", utilization).
			Float64("failure_rate", failureRate).
			Msg("batch size adjusted")
	}
}

func (o *Optimizer) windowFailureRateLocked() float64 {
	cutoff := o.now().Add(-o.window)
	var total, failed int
	for _, obs := range o.observations {
		if obs.at.Before(cutoff) {
			continue
		}
		total++
		if !obs.success {
			failed++
		}
	}
	if total == 0 {
		return 0
	}
	return float64(failed) / float64(total)
}

// latencyHealthyLocked compares the recent half of the window against the
// older half; a non-degrading per-row latency permits cautious growth.
func (o *Optimizer) latencyHealthyLocked() bool {
	cutoff := o.now().Add(-o.window)
	var recent []observation
	for _, obs := range o.observations {
		if !obs.at.Before(cutoff) && obs.success && obs.size > 0 {
			recent = append(recent, obs)
		}
	}
	if len(recent) < 2 {
		// Too little signal; allow growth, the clamp bounds the damage.
		return true
	}

	mid := len(recent) / 2
	older := perRowLatency(recent[:mid])
	newer := perRowLatency(recent[mid:])
	return newer <= older*1.2
}

func perRowLatency(obs []observation) float64 {
	var totalDur float64
	var totalRows int
	for _, o := range obs {
		totalDur += o.duration.Seconds()
		totalRows += o.size
	}
	if totalRows == 0 {
		return 0
	}
	return totalDur / float64(totalRows)
}

func (o *Optimizer) publishWindowGauges() {
	cutoff := o.now().Add(-o.window)
	var (
		rows      int
		durSum    time.Duration
		total, ok int
		span      time.Duration
	)
	for _, obs := range o.observations {
		if obs.at.Before(cutoff) {
			continue
		}
		total++
		rows += obs.size
		durSum += obs.duration
		if obs.success {
			ok++
		}
	}
	if total == 0 {
		return
	}
	span = o.window

	throughput := float64(rows) / span.Seconds()
	avg := durSum.Seconds() / float64(total)
	rate := float64(ok) / float64(total)
	metrics.SetBatchGauges(throughput, avg, rate)
}

// CalculateBatchSplits returns consecutive chunk sizes, each at most the
// current optimal size, summing to n.
func (o *Optimizer) CalculateBatchSplits(n int) []int {
	size := o.CurrentBatchSize()
	if n <= 0 {
		return nil
	}

	var out []int
	for n > 0 {
		c := size
		if c > n {
			c = n
		}
		out = append(out, c)
		n -= c
	}
	return out
}

func clamp(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
