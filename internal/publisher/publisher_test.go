package publisher

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeTransport struct {
	mu    sync.Mutex
	calls []string // routing topics in call order
	// failures is the number of leading calls that fail; -1 fails forever.
	failures int
}

func (f *fakeTransport) Publish(ctx context.Context, topic, key string, body []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, topic)
	if f.failures == -1 {
		return errors.New("bus down")
	}
	if f.failures > 0 {
		f.failures--
		return errors.New("bus down")
	}
	return nil
}

func (f *fakeTransport) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

func (f *fakeTransport) topics() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.calls))
	copy(out, f.calls)
	return out
}

func newTestPublisher(tr Transport, opts Options) *AsyncPublisher {
	if opts.Topic == "" {
		opts.Topic = "orders"
	}
	opts.Enabled = true
	if opts.InitialDelay == 0 {
		opts.InitialDelay = time.Millisecond
	}
	p := New(tr, opts)
	p.sleep = func(context.Context, time.Duration) {}
	return p
}

func await(t *testing.T, ch <-chan PublishResult) PublishResult {
	t.Helper()
	select {
	case res := <-ch:
		return res
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for publish result")
		return PublishResult{}
	}
}

func TestPublishFirstAttemptSucceeds(t *testing.T) {
	tr := &fakeTransport{}
	p := newTestPublisher(tr, Options{MaxAttempts: 3})

	res := await(t, p.Submit(context.Background(), Message{ExecutionID: 7, Key: "7"}))

	assert.True(t, res.Success)
	assert.Equal(t, 1, res.AttemptCount)
	assert.EqualValues(t, 7, res.ExecutionID)
	assert.Equal(t, 1, tr.callCount())
}

func TestPublishRetriesThenSucceeds(t *testing.T) {
	tr := &fakeTransport{failures: 2}
	p := newTestPublisher(tr, Options{MaxAttempts: 3})

	res := await(t, p.Submit(context.Background(), Message{ExecutionID: 1, Key: "1"}))

	assert.True(t, res.Success)
	assert.Equal(t, 3, res.AttemptCount)
	assert.Equal(t, 3, tr.callCount())

	stats := p.Stats()
	assert.EqualValues(t, 2, stats.RetriedPublishes)
	assert.EqualValues(t, 1, stats.SuccessfulPublishes)
}

func TestPublishExhaustionRoutesToDeadLetter(t *testing.T) {
	tr := &fakeTransport{failures: 3} // all retries fail, DLQ send succeeds
	p := newTestPublisher(tr, Options{MaxAttempts: 3, EnableDeadLetter: true, FailureThreshold: 10})

	res := await(t, p.Submit(context.Background(), Message{ExecutionID: 2, Key: "2"}))

	assert.False(t, res.Success)
	assert.Equal(t, 3, res.AttemptCount)
	assert.Equal(t, "bus down", res.ErrorMessage)

	topics := tr.topics()
	require.Len(t, topics, 4)
	assert.Equal(t, "orders.dlq", topics[3])
	assert.EqualValues(t, 1, p.Stats().DeadLetterMessages)
}

func TestPublishExhaustionWithoutDeadLetter(t *testing.T) {
	tr := &fakeTransport{failures: -1}
	p := newTestPublisher(tr, Options{MaxAttempts: 2, EnableDeadLetter: false, FailureThreshold: 10})

	res := await(t, p.Submit(context.Background(), Message{ExecutionID: 3, Key: "3"}))

	assert.False(t, res.Success)
	assert.Equal(t, 2, tr.callCount())
	assert.Zero(t, p.Stats().DeadLetterMessages)
}

func TestDisabledPublisherSkips(t *testing.T) {
	tr := &fakeTransport{}
	p := New(tr, Options{Enabled: false})

	res := await(t, p.Submit(context.Background(), Message{ExecutionID: 4, Key: "4"}))

	assert.True(t, res.Skipped)
	assert.False(t, res.Success)
	assert.Zero(t, tr.callCount())
}

// Three exhausted messages open the breaker; the transport sees exactly
// threshold*maxAttempts calls and the fourth message short-circuits.
func TestBreakerOpensAfterThresholdMessages(t *testing.T) {
	tr := &fakeTransport{failures: -1}
	p := newTestPublisher(tr, Options{
		MaxAttempts:      2,
		FailureThreshold: 3,
		RecoveryTimeout:  time.Hour,
	})

	for i := int64(1); i <= 3; i++ {
		res := await(t, p.Submit(context.Background(), Message{ExecutionID: i, Key: "k"}))
		assert.False(t, res.Success)
	}
	assert.Equal(t, 6, tr.callCount())

	res := await(t, p.Submit(context.Background(), Message{ExecutionID: 4, Key: "k"}))
	assert.False(t, res.Success)
	assert.Equal(t, "Circuit breaker is open", res.ErrorMessage)
	assert.Zero(t, res.AttemptCount)
	// no transport call while open
	assert.Equal(t, 6, tr.callCount())
	assert.Equal(t, "OPEN", p.Stats().CircuitState)
}

func TestResetCircuitBreakerRestoresPublishing(t *testing.T) {
	tr := &fakeTransport{failures: 2}
	p := newTestPublisher(tr, Options{
		MaxAttempts:      1,
		FailureThreshold: 2,
		RecoveryTimeout:  time.Hour,
	})

	await(t, p.Submit(context.Background(), Message{ExecutionID: 1, Key: "1"}))
	await(t, p.Submit(context.Background(), Message{ExecutionID: 2, Key: "2"}))
	assert.Equal(t, "OPEN", p.Stats().CircuitState)

	p.ResetCircuitBreaker()

	res := await(t, p.Submit(context.Background(), Message{ExecutionID: 3, Key: "3"}))
	assert.True(t, res.Success)
	assert.Equal(t, "CLOSED", p.Stats().CircuitState)
}

func TestStatsSuccessRate(t *testing.T) {
	tr := &fakeTransport{failures: 1}
	p := newTestPublisher(tr, Options{MaxAttempts: 1, FailureThreshold: 10})

	await(t, p.Submit(context.Background(), Message{ExecutionID: 1, Key: "1"}))
	await(t, p.Submit(context.Background(), Message{ExecutionID: 2, Key: "2"}))

	stats := p.Stats()
	assert.EqualValues(t, 1, stats.SuccessfulPublishes)
	assert.EqualValues(t, 1, stats.FailedPublishes)
	assert.InDelta(t, 0.5, stats.SuccessRate, 0.001)
}

// stuckTransport never returns on its own; it unblocks only when the
// per-attempt context expires.
type stuckTransport struct {
	mu    sync.Mutex
	calls int
}

func (s *stuckTransport) Publish(ctx context.Context, topic, key string, body []byte) error {
	s.mu.Lock()
	s.calls++
	s.mu.Unlock()
	<-ctx.Done()
	return ctx.Err()
}

func (s *stuckTransport) callCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

func TestWedgedTransportAttemptsAreBounded(t *testing.T) {
	tr := &stuckTransport{}
	p := newTestPublisher(tr, Options{
		MaxAttempts:      2,
		MaxDelay:         5 * time.Millisecond,
		EnableDeadLetter: true,
		FailureThreshold: 10,
	})

	res := await(t, p.Submit(context.Background(), Message{ExecutionID: 3, Key: "3"}))

	assert.False(t, res.Success)
	assert.Equal(t, 2, res.AttemptCount)
	assert.Contains(t, res.ErrorMessage, "context deadline exceeded")
	// two attempts plus the single dead-letter shot, each cut off at the
	// attempt deadline
	assert.Equal(t, 3, tr.callCount())
	assert.EqualValues(t, 0, p.Stats().DeadLetterMessages)
}
