package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/shopspring/decimal"

	"github.com/fixbridge/execution-service/internal/domain"
	"github.com/fixbridge/execution-service/internal/logger"
	"github.com/fixbridge/execution-service/internal/metrics"
	"github.com/fixbridge/execution-service/internal/processor"
	"github.com/fixbridge/execution-service/internal/publisher"
)

// Bus is the async publication surface the pipeline hands messages to.
type Bus interface {
	Submit(ctx context.Context, msg publisher.Message) <-chan publisher.PublishResult
}

// BatchSizer advises chunk sizes and consumes batch observations.
type BatchSizer interface {
	CurrentBatchSize() int
	Record(size int, duration time.Duration, success bool)
}

// RequestError is a request-level rejection surfaced to the transport as a
// client error.
type RequestError struct {
	Message string
}

func (e *RequestError) Error() string { return e.Message }

type Options struct {
	// PublishAwait bounds the background wait for publish outcomes of one
	// batch. Zero disables the wait entirely.
	PublishAwait time.Duration
	// MaxConcurrentBatches caps in-flight ProcessBatch calls. Zero leaves
	// concurrency unbounded.
	MaxConcurrentBatches int
}

// Service orchestrates the execution pipeline: validation, chunked bulk
// persistence with fallback, transactional sent-timestamp stamping, and async
// publication. HTTP handlers call it; it never blocks on the bus.
type Service struct {
	store    domain.Store
	resolver domain.SecurityResolver
	trades   domain.TradeServiceClient
	proc     *processor.Processor
	recovery *processor.Recovery
	bus      Bus
	sizer    BatchSizer

	publishAwait time.Duration
	sem          chan struct{}
	now          func() time.Time
}

func New(
	store domain.Store,
	resolver domain.SecurityResolver,
	trades domain.TradeServiceClient,
	proc *processor.Processor,
	recovery *processor.Recovery,
	bus Bus,
	sizer BatchSizer,
	opts Options,
) *Service {
	var sem chan struct{}
	if opts.MaxConcurrentBatches > 0 {
		sem = make(chan struct{}, opts.MaxConcurrentBatches)
	}
	return &Service{
		store:        store,
		resolver:     resolver,
		trades:       trades,
		proc:         proc,
		recovery:     recovery,
		bus:          bus,
		sizer:        sizer,
		publishAwait: opts.PublishAwait,
		sem:          sem,
		now:          time.Now,
	}
}

// ProcessBatch runs the full pipeline for up to MaxBatchItems requests and
// returns a per-index result vector. The HTTP status is derived from the
// success/failure mix, never from publication outcomes.
func (s *Service) ProcessBatch(ctx context.Context, reqs []*processor.ExecutionRequest) (resp *BatchResponseDTO, err error) {
	if len(reqs) > processor.MaxBatchItems {
		return nil, domain.ErrBatchTooLarge
	}

	if s.sem != nil {
		select {
		case s.sem <- struct{}{}:
			defer func() { <-s.sem }()
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	lg := logger.WithCtx(ctx)
	start := s.now()

	// A panic anywhere in the bulk stage must not leak a 500 with no body:
	// it degrades to an all-failed batch result.
	defer func() {
		if rec := recover(); rec != nil {
			metrics.RecordCriticalBatchFailure()
			metrics.RecordBatchRequest(false)
			metrics.RecordExecutionsProcessed(len(reqs), 0)
			lg.Error().Interface("panic", rec).Int("requests", len(reqs)).Msg("batch pipeline aborted")
			resp = s.criticalFailure(reqs, fmt.Sprintf("Batch processing failed: %v", rec))
			err = nil
		}
	}()

	bctx := s.proc.Process(reqs, s.sizer.CurrentBatchSize())

	for _, chunk := range bctx.Batches {
		s.recovery.BulkInsertWithFallback(ctx, bctx, chunk)
	}

	persisted := s.persistedInOrder(bctx)
	s.stampSentTimestamps(ctx, persisted)
	s.publishAll(ctx, persisted)

	resp = s.assemble(ctx, bctx)
	duration := s.now().Sub(start)

	metrics.RecordBatchRequest(resp.Failed == 0)
	metrics.RecordExecutionsProcessed(resp.TotalRequested, resp.Successful)
	metrics.ObserveBatchProcessing(duration)
	s.sizer.Record(len(persisted), duration, resp.Failed == 0)

	if resp.Failed > 0 {
		lg.Warn().
			Int("requested", resp.TotalRequested).
			Int("successful", resp.Successful).
			Int("failed", resp.Failed).
			Msg("batch completed with failures")
	} else {
		lg.Info().
			Int("requested", resp.TotalRequested).
			Dur("duration", duration).
			Msg("batch completed")
	}
	return resp, nil
}

// Create persists a single execution by running it through the batch pipeline.
func (s *Service) Create(ctx context.Context, req *processor.ExecutionRequest) (*ExecutionDTO, error) {
	resp, err := s.ProcessBatch(ctx, []*processor.ExecutionRequest{req})
	if err != nil {
		return nil, err
	}
	res := resp.Results[0]
	if res.Status != ResultStatusSuccess {
		return nil, &RequestError{Message: res.Message}
	}
	return res.Execution, nil
}

// Get returns one execution enriched with its security ticker.
func (s *Service) Get(ctx context.Context, id int64) (*ExecutionDTO, error) {
	e, err := s.store.FindByID(ctx, id)
	metrics.RecordDatabaseOperation(err)
	if err != nil {
		return nil, err
	}
	return toDTO(e, s.resolver.Resolve(ctx, e.SecurityID)), nil
}

// ListQuery carries the parsed filter, sort, and page window for List.
type ListQuery struct {
	Filter domain.Filter
	// Ticker is resolved to a security id before querying; an unknown
	// ticker yields an empty page.
	Ticker *string
	Sort   []domain.SortKey
	Offset int
	Limit  int
}

func (s *Service) List(ctx context.Context, q ListQuery) (*PageDTO, error) {
	if q.Ticker != nil {
		securityID, ok := s.resolver.ResolveTicker(ctx, *q.Ticker)
		if !ok {
			return &PageDTO{
				Content:    []ExecutionDTO{},
				Pagination: newPagination(q.Offset, q.Limit, 0),
			}, nil
		}
		q.Filter.SecurityID = &securityID
	}

	rows, total, err := s.store.FindPaged(ctx, q.Filter, q.Sort, q.Offset, q.Limit)
	metrics.RecordDatabaseOperation(err)
	if err != nil {
		return nil, err
	}

	content := make([]ExecutionDTO, 0, len(rows))
	for i := range rows {
		e := &rows[i]
		content = append(content, *toDTO(e, s.resolver.Resolve(ctx, e.SecurityID)))
	}
	return &PageDTO{
		Content:    content,
		Pagination: newPagination(q.Offset, q.Limit, total),
	}, nil
}

// FillRequest is the single-update payload: a replacement total filled
// quantity plus the caller's optimistic version.
type FillRequest struct {
	QuantityFilled decimal.Decimal
	AveragePrice   *decimal.Decimal
	Version        int64
}

// UpdateFill applies a fill to one execution with optimistic locking, derives
// the resulting status, and reconciles the trade service in the background.
// Returns domain.ErrNotFound or domain.ErrVersionConflict unchanged.
func (s *Service) UpdateFill(ctx context.Context, id int64, req FillRequest) (*ExecutionDTO, error) {
	if req.QuantityFilled.IsNegative() {
		return nil, processor.ValidationError{Code: processor.CodeInvalidValue, Field: "quantityFilled"}
	}
	if req.AveragePrice != nil && !req.AveragePrice.IsPositive() {
		return nil, processor.ValidationError{Code: processor.CodeInvalidValue, Field: "averagePrice"}
	}

	current, err := s.store.FindByID(ctx, id)
	metrics.RecordDatabaseOperation(err)
	if err != nil {
		return nil, err
	}
	if req.QuantityFilled.GreaterThan(current.Quantity) {
		return nil, processor.ValidationError{Code: processor.CodeInvalidValue, Field: "quantityFilled"}
	}

	mut := domain.FillMutation{
		QuantityFilled:  req.QuantityFilled,
		AveragePrice:    req.AveragePrice,
		ExecutionStatus: domain.DeriveFillStatus(current.ExecutionStatus, current.Quantity, req.QuantityFilled),
	}
	updated, err := s.store.UpdateWithVersion(ctx, id, mut, req.Version)
	metrics.RecordDatabaseOperation(err)
	if err != nil {
		return nil, err
	}

	s.reconcileTradeService(updated)

	return toDTO(updated, s.resolver.Resolve(ctx, updated.SecurityID)), nil
}

// reconcileTradeService pushes the fill upstream without blocking the caller.
// Upstream failures are logged and swallowed; local state is authoritative.
func (s *Service) reconcileTradeService(e *domain.Execution) {
	if s.trades == nil || e.TradeServiceExecutionID == nil {
		return
	}
	externalID := *e.TradeServiceExecutionID
	upd := domain.FillUpdate{
		ExecutionStatus: string(e.ExecutionStatus),
		QuantityFilled:  formatDecimal(e.QuantityFilled),
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		version, ok := s.trades.GetExecutionVersion(ctx, externalID)
		if !ok {
			logger.Logger.Warn().Int64("trade_service_execution_id", externalID).Msg("trade service version lookup failed; fill not propagated")
			return
		}
		upd.Version = version
		if !s.trades.UpdateExecutionFill(ctx, externalID, upd) {
			logger.Logger.Warn().Int64("trade_service_execution_id", externalID).Msg("trade service fill update failed")
		}
	}()
}

// persistedInOrder returns the committed rows ordered by request index.
func (s *Service) persistedInOrder(bctx *processor.BatchContext) []*domain.Execution {
	var out []*domain.Execution
	for i := range bctx.Requests {
		if e, ok := bctx.Persisted[i]; ok {
			out = append(out, e)
		}
	}
	return out
}

// stampSentTimestamps stamps every committed row in one transaction. A count
// mismatch means the persisted set diverged from the update; the transaction
// rolls back and the divergence is surfaced as a critical failure metric. Rows
// stay committed either way and publication proceeds.
func (s *Service) stampSentTimestamps(ctx context.Context, persisted []*domain.Execution) {
	if len(persisted) == 0 {
		return
	}

	ids := make([]int64, len(persisted))
	for i, e := range persisted {
		ids[i] = e.ID
	}
	sentAt := s.now().UTC()

	start := s.now()
	err := s.store.WithTx(ctx, func(tx domain.Tx) error {
		n, txErr := tx.BulkUpdateSentTimestamp(ctx, ids, sentAt)
		if txErr != nil {
			return txErr
		}
		if n != int64(len(ids)) {
			return fmt.Errorf("%w: updated %d of %d", domain.ErrSentDiverged, n, len(ids))
		}
		return nil
	})
	metrics.ObserveBulkUpdate(s.now().Sub(start))
	metrics.RecordDatabaseOperation(err)

	if err != nil {
		if errors.Is(err, domain.ErrSentDiverged) {
			metrics.RecordCriticalBatchFailure()
		}
		l := logger.WithCtx(ctx)
		l.Error().Err(err).Int("rows", len(ids)).Msg("sent timestamp update failed")
		return
	}

	for _, e := range persisted {
		t := sentAt
		e.SentTimestamp = &t
	}
}

// publishAll submits one message per committed row and, within a bounded
// window, runs a single recovery resubmission pass over the failures.
// The rows are already committed and delivery is at-least-once, so the
// submissions must outlive the request: they ride a context detached from
// the handler's, which net/http cancels as soon as the response is written.
func (s *Service) publishAll(ctx context.Context, persisted []*domain.Execution) {
	if s.bus == nil || len(persisted) == 0 {
		return
	}

	pub := context.WithoutCancel(ctx)

	type pending struct {
		e  *domain.Execution
		ch <-chan publisher.PublishResult
	}
	results := make([]pending, 0, len(persisted))
	for _, e := range persisted {
		results = append(results, pending{e: e, ch: s.bus.Submit(pub, s.buildMessage(ctx, e))})
	}

	if s.publishAwait <= 0 {
		return
	}
	go func() {
		deadline := time.After(s.publishAwait)
		var failed []*domain.Execution
		for _, p := range results {
			select {
			case res := <-p.ch:
				if !res.Success && !res.Skipped {
					failed = append(failed, p.e)
				}
			case <-deadline:
				return
			}
		}
		s.recovery.RecoverPublishFailures(pub, failed, func(rctx context.Context, e *domain.Execution) {
			s.bus.Submit(rctx, s.buildMessage(rctx, e))
		})
	}()
}

// buildMessage serializes the enriched execution; the message key is the
// stringified row id so redelivery stays idempotent downstream.
func (s *Service) buildMessage(ctx context.Context, e *domain.Execution) publisher.Message {
	body, _ := json.Marshal(toDTO(e, s.resolver.Resolve(ctx, e.SecurityID)))
	return publisher.Message{
		ExecutionID: e.ID,
		Key:         strconv.FormatInt(e.ID, 10),
		Body:        body,
	}
}

func (s *Service) assemble(ctx context.Context, bctx *processor.BatchContext) *BatchResponseDTO {
	results := make([]ExecutionResultDTO, len(bctx.Requests))
	successful := 0

	for i := range bctx.Requests {
		if verr, ok := bctx.ValidationErrors[i]; ok {
			results[i] = ExecutionResultDTO{
				RequestIndex: i,
				Status:       ResultStatusFailed,
				Message:      verr.Error(),
			}
			continue
		}
		if dbErr, ok := bctx.DatabaseErrors[i]; ok {
			results[i] = ExecutionResultDTO{
				RequestIndex: i,
				Status:       ResultStatusFailed,
				Message:      "Database error: " + dbErr.Error(),
			}
			continue
		}
		e, ok := bctx.Persisted[i]
		if !ok {
			results[i] = ExecutionResultDTO{
				RequestIndex: i,
				Status:       ResultStatusFailed,
				Message:      "Database error: row not persisted",
			}
			continue
		}
		successful++
		results[i] = ExecutionResultDTO{
			RequestIndex: i,
			Status:       ResultStatusSuccess,
			Execution:    toDTO(e, s.resolver.Resolve(ctx, e.SecurityID)),
		}
	}

	failed := len(bctx.Requests) - successful
	return &BatchResponseDTO{
		Status:         batchStatus(successful, failed),
		TotalRequested: len(bctx.Requests),
		Successful:     successful,
		Failed:         failed,
		Results:        results,
	}
}

func (s *Service) criticalFailure(reqs []*processor.ExecutionRequest, msg string) *BatchResponseDTO {
	results := make([]ExecutionResultDTO, len(reqs))
	for i := range reqs {
		results[i] = ExecutionResultDTO{
			RequestIndex: i,
			Status:       ResultStatusFailed,
			Message:      msg,
		}
	}
	return &BatchResponseDTO{
		Status:         BatchStatusFailed,
		Message:        msg,
		TotalRequested: len(reqs),
		Failed:         len(reqs),
		Results:        results,
	}
}

func batchStatus(successful, failed int) string {
	switch {
	case failed == 0:
		return BatchStatusSuccess
	case successful == 0:
		return BatchStatusFailed
	default:
		return BatchStatusPartialSuccess
	}
}
