package publisher

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/fixbridge/execution-service/internal/logger"
	"github.com/fixbridge/execution-service/internal/metrics"
)

const openErrorMessage = "Circuit breaker is open"

// Transport delivers one message to the bus. topic is the routing target,
// key is the stable message key (stringified execution id).
type Transport interface {
	Publish(ctx context.Context, topic, key string, body []byte) error
}

// Message is one execution payload for the bus.
type Message struct {
	ExecutionID int64
	Key         string
	Body        []byte
}

// PublishResult is the terminal outcome of one submission.
type PublishResult struct {
	Success      bool
	Skipped      bool
	ExecutionID  int64
	AttemptCount int
	ErrorMessage string
}

// Stats is a snapshot of publisher counters.
type Stats struct {
	TotalAttempts       int64        `json:"totalAttempts"`
	SuccessfulPublishes int64        `json:"successfulPublishes"`
	FailedPublishes     int64        `json:"failedPublishes"`
	RetriedPublishes    int64        `json:"retriedPublishes"`
	DeadLetterMessages  int64        `json:"deadLetterMessages"`
	CircuitState        string       `json:"circuitState"`
	CurrentFailureCount int          `json:"currentFailureCount"`
	SuccessRate         float64      `json:"successRate"`
}

type Options struct {
	Topic             string
	Enabled           bool
	MaxAttempts       int
	InitialDelay      time.Duration
	BackoffMultiplier float64
	MaxDelay          time.Duration
	EnableDeadLetter  bool
	FailureThreshold  int
	RecoveryTimeout   time.Duration
}

// AsyncPublisher retries each message on its own goroutine with exponential
// backoff, short-circuits through a shared circuit breaker, and routes
// exhausted messages to <topic>.dlq. Submit never blocks the caller.
type AsyncPublisher struct {
	transport Transport
	topic     string
	enabled   bool
	dlq       bool

	maxAttempts  int
	initialDelay time.Duration
	multiplier   float64
	maxDelay     time.Duration

	breaker *CircuitBreaker
	sleep   func(context.Context, time.Duration)
	lg      zerolog.Logger

	totalAttempts atomic.Int64
	successes     atomic.Int64
	failures      atomic.Int64
	retries       atomic.Int64
	deadLetters   atomic.Int64
}

func New(transport Transport, opts Options) *AsyncPublisher {
	if opts.Topic == "" {
		opts.Topic = "orders"
	}
	if opts.MaxAttempts < 1 {
		opts.MaxAttempts = 3
	}
	if opts.InitialDelay <= 0 {
		opts.InitialDelay = time.Second
	}
	if opts.BackoffMultiplier < 1 {
		opts.BackoffMultiplier = 2.0
	}
	if opts.MaxDelay <= 0 {
		opts.MaxDelay = 30 * time.Second
	}
	return &AsyncPublisher{
		transport:    transport,
		topic:        opts.Topic,
		enabled:      opts.Enabled,
		dlq:          opts.EnableDeadLetter,
		maxAttempts:  opts.MaxAttempts,
		initialDelay: opts.InitialDelay,
		multiplier:   opts.BackoffMultiplier,
		maxDelay:     opts.MaxDelay,
		breaker:      NewCircuitBreaker(opts.FailureThreshold, opts.RecoveryTimeout),
		sleep:        sleepCtx,
		lg:           logger.Logger.With().Str("component", "async_publisher").Str("topic", opts.Topic).Logger(),
	}
}

// Submit schedules one message and returns a one-shot result channel. When
// the publisher is disabled the result is skipped; when the breaker is open
// the result carries the open error without touching the transport.
func (p *AsyncPublisher) Submit(ctx context.Context, msg Message) <-chan PublishResult {
	ch := make(chan PublishResult, 1)

	if !p.enabled {
		ch <- PublishResult{Skipped: true, ExecutionID: msg.ExecutionID}
		return ch
	}

	if !p.breaker.Allow() {
		p.failures.Add(1)
		metrics.RecordPublishFailure()
		ch <- PublishResult{
			Success:      false,
			ExecutionID:  msg.ExecutionID,
			ErrorMessage: openErrorMessage,
		}
		return ch
	}

	go p.run(ctx, msg, ch)
	return ch
}

func (p *AsyncPublisher) run(ctx context.Context, msg Message, ch chan<- PublishResult) {
	delay := p.initialDelay
	var lastErr error

	attempts := 0
	for attempts < p.maxAttempts {
		attempts++
		p.totalAttempts.Add(1)

		start := time.Now()
		err := p.publishOnce(ctx, p.topic, msg)
		metrics.ObservePublish(time.Since(start))

		if err == nil {
			p.breaker.OnSuccess()
			p.successes.Add(1)
			metrics.RecordPublishSuccess()
			ch <- PublishResult{Success: true, ExecutionID: msg.ExecutionID, AttemptCount: attempts}
			return
		}
		lastErr = err

		if attempts < p.maxAttempts && ctx.Err() == nil {
			p.retries.Add(1)
			metrics.RecordPublishRetry()
			p.lg.Warn().Err(err).Int("attempt", attempts).Str("key", msg.Key).Msg("publish failed; scheduling retry")
			p.sleep(ctx, delay)
			delay = time.Duration(float64(delay) * p.multiplier)
			if delay > p.maxDelay {
				delay = p.maxDelay
			}
		}
		if ctx.Err() != nil {
			break
		}
	}

	p.breaker.OnFailure()
	p.failures.Add(1)
	metrics.RecordPublishFailure()

	errMsg := "publish failed"
	if lastErr != nil {
		errMsg = lastErr.Error()
	}
	p.lg.Error().Str("key", msg.Key).Int("attempts", attempts).Str("error", errMsg).Msg("publish retries exhausted")

	if p.dlq {
		// Single shot; a failing DLQ send does not re-enter retries.
		if dlqErr := p.publishOnce(ctx, p.topic+".dlq", msg); dlqErr == nil {
			p.deadLetters.Add(1)
			metrics.RecordDeadLetter()
		} else {
			p.lg.Error().Err(dlqErr).Str("key", msg.Key).Msg("dead-letter publish failed")
		}
	}

	ch <- PublishResult{
		Success:      false,
		ExecutionID:  msg.ExecutionID,
		AttemptCount: attempts,
		ErrorMessage: errMsg,
	}
}

// publishOnce runs a single transport call with its own deadline. Callers
// hand in detached contexts, so without the bound a wedged transport would
// pin the goroutine forever.
func (p *AsyncPublisher) publishOnce(ctx context.Context, topic string, msg Message) error {
	attemptCtx, cancel := context.WithTimeout(ctx, p.maxDelay)
	defer cancel()
	return p.transport.Publish(attemptCtx, topic, msg.Key, msg.Body)
}

// ResetCircuitBreaker forces the breaker CLOSED. Administrative use only.
func (p *AsyncPublisher) ResetCircuitBreaker() {
	p.breaker.Reset()
}

func (p *AsyncPublisher) Stats() Stats {
	total := p.totalAttempts.Load()
	s := Stats{
		TotalAttempts:       total,
		SuccessfulPublishes: p.successes.Load(),
		FailedPublishes:     p.failures.Load(),
		RetriedPublishes:    p.retries.Load(),
		DeadLetterMessages:  p.deadLetters.Load(),
		CircuitState:        p.breaker.State().String(),
		CurrentFailureCount: p.breaker.Failures(),
	}
	if done := s.SuccessfulPublishes + s.FailedPublishes; done > 0 {
		s.SuccessRate = float64(s.SuccessfulPublishes) / float64(done)
	}
	return s
}

func sleepCtx(ctx context.Context, d time.Duration) {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
	case <-timer.C:
	}
}
