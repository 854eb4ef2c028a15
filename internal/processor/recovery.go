package processor

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/fixbridge/execution-service/internal/domain"
	"github.com/fixbridge/execution-service/internal/infrastructure/postgres"
	"github.com/fixbridge/execution-service/internal/logger"
	"github.com/fixbridge/execution-service/internal/metrics"
)

// Recovery degrades a failed bulk insert to per-row inserts with classified
// retry of transient database errors.
type Recovery struct {
	store         domain.Store
	maxRetries    int
	retryDelay    time.Duration
	maxRetryDelay time.Duration
	classify      func(error) bool
	sleep         func(context.Context, time.Duration)
	lg            zerolog.Logger
}

type RecoveryOptions struct {
	MaxRetries    int
	RetryDelay    time.Duration
	MaxRetryDelay time.Duration
	// Classify overrides transient-error detection; defaults to the
	// postgres classifier.
	Classify func(error) bool
}

func NewRecovery(store domain.Store, opts RecoveryOptions) *Recovery {
	if opts.MaxRetries <= 0 {
		opts.MaxRetries = 3
	}
	if opts.RetryDelay <= 0 {
		opts.RetryDelay = 100 * time.Millisecond
	}
	if opts.MaxRetryDelay <= 0 {
		opts.MaxRetryDelay = 2 * time.Second
	}
	if opts.Classify == nil {
		opts.Classify = postgres.IsTransient
	}
	return &Recovery{
		store:         store,
		maxRetries:    opts.MaxRetries,
		retryDelay:    opts.RetryDelay,
		maxRetryDelay: opts.MaxRetryDelay,
		classify:      opts.Classify,
		sleep:         sleepCtx,
		lg:            logger.Logger.With().Str("component", "error_recovery").Logger(),
	}
}

// BulkInsertWithFallback persists one chunk of validated rows. The happy path
// is a single all-or-nothing multi-row insert; on failure every row is
// retried individually. Outcomes are recorded in the context keyed by request
// index.
func (r *Recovery) BulkInsertWithFallback(ctx context.Context, bctx *BatchContext, chunk []int) []*domain.Execution {
	if len(chunk) == 0 {
		return nil
	}

	rows := make([]*domain.Execution, len(chunk))
	for i, idx := range chunk {
		rows[i] = bctx.Validated[idx]
	}

	var inserted []*domain.Execution
	err := r.store.WithTx(ctx, func(tx domain.Tx) error {
		var txErr error
		inserted, txErr = tx.BulkInsert(ctx, rows)
		return txErr
	})
	if err == nil {
		for i, idx := range chunk {
			bctx.RecordPersisted(idx, inserted[i])
		}
		return inserted
	}

	metrics.RecordBulkInsertFallback()
	r.lg.Warn().Err(err).Int("rows", len(chunk)).Msg("bulk insert failed; falling back to per-row inserts")

	var ok []*domain.Execution
	for i, idx := range chunk {
		e, insErr := r.insertSingle(ctx, rows[i])
		if insErr != nil {
			bctx.RecordDatabaseError(idx, insErr)
			continue
		}
		bctx.RecordPersisted(idx, e)
		ok = append(ok, e)
	}
	return ok
}

// insertSingle retries transient errors with exponential backoff bounded by
// maxRetryDelay. Non-transient errors fail immediately.
func (r *Recovery) insertSingle(ctx context.Context, row *domain.Execution) (*domain.Execution, error) {
	delay := r.retryDelay
	var lastErr error

	for attempt := 0; attempt <= r.maxRetries; attempt++ {
		if attempt > 0 {
			r.sleep(ctx, delay)
			delay *= 2
			if delay > r.maxRetryDelay {
				delay = r.maxRetryDelay
			}
		}

		e, err := r.store.Insert(ctx, row)
		if err == nil {
			return e, nil
		}
		lastErr = err

		if !r.classify(err) {
			return nil, err
		}
		r.lg.Warn().Err(err).Int("attempt", attempt+1).Msg("transient insert failure")
	}
	return nil, lastErr
}

// RecoverPublishFailures re-submits executions whose publish failed. It is a
// best-effort background pass; callers never await it.
func (r *Recovery) RecoverPublishFailures(ctx context.Context, failed []*domain.Execution, resubmit func(context.Context, *domain.Execution)) {
	if len(failed) == 0 || resubmit == nil {
		return
	}
	go func() {
		for _, e := range failed {
			if ctx.Err() != nil {
				return
			}
			resubmit(ctx, e)
		}
		r.lg.Info().Int("count", len(failed)).Msg("publish recovery pass submitted")
	}()
}

func sleepCtx(ctx context.Context, d time.Duration) {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
	case <-timer.C:
	}
}
