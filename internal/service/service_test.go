package service

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fixbridge/execution-service/internal/domain"
	appCtx "github.com/fixbridge/execution-service/internal/pkg/context"
	"github.com/fixbridge/execution-service/internal/processor"
	"github.com/fixbridge/execution-service/internal/publisher"
)

// ---- fakes ----

type memStore struct {
	mu     sync.Mutex
	nextID int64
	rows   map[int64]*domain.Execution

	bulkErr   error
	insertErr error
	// sentShort makes BulkUpdateSentTimestamp report one row fewer than asked.
	sentShort bool
}

func newMemStore() *memStore {
	return &memStore{rows: map[int64]*domain.Execution{}}
}

func (s *memStore) Insert(ctx context.Context, e *domain.Execution) (*domain.Execution, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.insertErr != nil {
		return nil, s.insertErr
	}
	return s.commitLocked(e), nil
}

func (s *memStore) commitLocked(e *domain.Execution) *domain.Execution {
	s.nextID++
	row := *e
	row.ID = s.nextID
	s.rows[row.ID] = &row
	out := row
	return &out
}

func (s *memStore) FindByID(ctx context.Context, id int64) (*domain.Execution, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	row, ok := s.rows[id]
	if !ok {
		return nil, domain.ErrNotFound
	}
	out := *row
	return &out, nil
}

func (s *memStore) FindPaged(ctx context.Context, f domain.Filter, sort []domain.SortKey, offset, limit int) ([]domain.Execution, int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.Execution
	for _, row := range s.rows {
		if f.SecurityID != nil && !strings.EqualFold(row.SecurityID, *f.SecurityID) {
			continue
		}
		if f.ExecutionStatus != nil && !strings.EqualFold(string(row.ExecutionStatus), *f.ExecutionStatus) {
			continue
		}
		out = append(out, *row)
	}
	return out, int64(len(out)), nil
}

func (s *memStore) UpdateWithVersion(ctx context.Context, id int64, mut domain.FillMutation, expectedVersion int64) (*domain.Execution, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	row, ok := s.rows[id]
	if !ok {
		return nil, domain.ErrNotFound
	}
	if row.Version != expectedVersion {
		return nil, domain.ErrVersionConflict
	}
	row.QuantityFilled = mut.QuantityFilled
	row.AveragePrice = mut.AveragePrice
	row.ExecutionStatus = mut.ExecutionStatus
	row.Version++
	out := *row
	return &out, nil
}

func (s *memStore) WithTx(ctx context.Context, fn func(tx domain.Tx) error) error {
	return fn(&memTx{store: s})
}

type memTx struct {
	store *memStore
}

func (t *memTx) BulkInsert(ctx context.Context, rows []*domain.Execution) ([]*domain.Execution, error) {
	t.store.mu.Lock()
	defer t.store.mu.Unlock()
	if t.store.bulkErr != nil {
		return nil, t.store.bulkErr
	}
	out := make([]*domain.Execution, len(rows))
	for i, r := range rows {
		out[i] = t.store.commitLocked(r)
	}
	return out, nil
}

func (t *memTx) BulkUpdateSentTimestamp(ctx context.Context, ids []int64, at time.Time) (int64, error) {
	t.store.mu.Lock()
	defer t.store.mu.Unlock()
	if t.store.sentShort {
		return int64(len(ids)) - 1, nil
	}
	var n int64
	for _, id := range ids {
		if row, ok := t.store.rows[id]; ok && row.SentTimestamp == nil {
			ts := at
			row.SentTimestamp = &ts
			n++
		}
	}
	return n, nil
}

type fakeResolver struct {
	tickers map[string]string // securityId -> ticker
}

func (r *fakeResolver) Resolve(ctx context.Context, securityID string) domain.Security {
	return domain.Security{SecurityID: securityID, Ticker: r.tickers[securityID]}
}

func (r *fakeResolver) ResolveTicker(ctx context.Context, ticker string) (string, bool) {
	for id, t := range r.tickers {
		if strings.EqualFold(t, ticker) {
			return id, true
		}
	}
	return "", false
}

type fakeBus struct {
	mu   sync.Mutex
	msgs []publisher.Message
	ctxs []context.Context
	fail bool
}

func (b *fakeBus) Submit(ctx context.Context, msg publisher.Message) <-chan publisher.PublishResult {
	b.mu.Lock()
	b.msgs = append(b.msgs, msg)
	b.ctxs = append(b.ctxs, ctx)
	b.mu.Unlock()

	ch := make(chan publisher.PublishResult, 1)
	ch <- publisher.PublishResult{Success: !b.fail, ExecutionID: msg.ExecutionID, AttemptCount: 1}
	return ch
}

func (b *fakeBus) submitted() []publisher.Message {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]publisher.Message, len(b.msgs))
	copy(out, b.msgs)
	return out
}

func (b *fakeBus) submittedCtxs() []context.Context {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]context.Context, len(b.ctxs))
	copy(out, b.ctxs)
	return out
}

type fakeSizer struct {
	size     int
	mu       sync.Mutex
	recorded int
}

func (f *fakeSizer) CurrentBatchSize() int { return f.size }
func (f *fakeSizer) Record(size int, d time.Duration, success bool) {
	f.mu.Lock()
	f.recorded++
	f.mu.Unlock()
}

type fakeTrades struct {
	version     int64
	versionOK   bool
	updateOK    bool
	gotUpdate   chan domain.FillUpdate
	gotExternal chan int64
}

func newFakeTrades(version int64, versionOK, updateOK bool) *fakeTrades {
	return &fakeTrades{
		version:     version,
		versionOK:   versionOK,
		updateOK:    updateOK,
		gotUpdate:   make(chan domain.FillUpdate, 1),
		gotExternal: make(chan int64, 1),
	}
}

func (f *fakeTrades) GetExecutionVersion(ctx context.Context, externalID int64) (int64, bool) {
	f.gotExternal <- externalID
	return f.version, f.versionOK
}

func (f *fakeTrades) UpdateExecutionFill(ctx context.Context, externalID int64, upd domain.FillUpdate) bool {
	f.gotUpdate <- upd
	return f.updateOK
}

// ---- helpers ----

type fixture struct {
	store  *memStore
	bus    *fakeBus
	sizer  *fakeSizer
	trades *fakeTrades
	svc    *Service
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	store := newMemStore()
	bus := &fakeBus{}
	sizer := &fakeSizer{size: 500}
	trades := newFakeTrades(0, false, false)
	resolver := &fakeResolver{tickers: map[string]string{
		"SEC00000000000000000001A": "IBM",
	}}

	recovery := processor.NewRecovery(store, processor.RecoveryOptions{
		MaxRetries: 1,
		RetryDelay: time.Millisecond,
		Classify:   func(error) bool { return false },
	})
	svc := New(store, resolver, trades, processor.New(), recovery, bus, sizer, Options{})
	return &fixture{store: store, bus: bus, sizer: sizer, trades: trades, svc: svc}
}

func dec(s string) *decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil {
		panic(err)
	}
	return &d
}

func validRequest() *processor.ExecutionRequest {
	return &processor.ExecutionRequest{
		ExecutionStatus: "NEW",
		TradeType:       "BUY",
		Destination:     "NYSE",
		SecurityID:      "SEC00000000000000000001A",
		Quantity:        dec("100"),
		LimitPrice:      dec("10.25"),
	}
}

// ---- batch pipeline ----

func TestProcessBatchAllSuccess(t *testing.T) {
	f := newFixture(t)

	resp, err := f.svc.ProcessBatch(context.Background(), []*processor.ExecutionRequest{
		validRequest(), validRequest(), validRequest(),
	})
	require.NoError(t, err)

	assert.Equal(t, BatchStatusSuccess, resp.Status)
	assert.Equal(t, 3, resp.TotalRequested)
	assert.Equal(t, 3, resp.Successful)
	assert.Zero(t, resp.Failed)
	require.Len(t, resp.Results, 3)

	first := resp.Results[0]
	assert.Equal(t, ResultStatusSuccess, first.Status)
	require.NotNil(t, first.Execution)
	assert.Equal(t, "100.00000000", first.Execution.Quantity)
	assert.Equal(t, "0.00000000", first.Execution.QuantityFilled)
	assert.Equal(t, "IBM", first.Execution.Security.Ticker)
	assert.NotNil(t, first.Execution.SentTimestamp)
	assert.EqualValues(t, 1, first.Execution.Version)

	// one message per row, keyed by row id
	msgs := f.bus.submitted()
	require.Len(t, msgs, 3)
	assert.Equal(t, "1", msgs[0].Key)
	assert.Contains(t, string(msgs[0].Body), `"IBM"`)

	// committed rows carry the stamp
	row, err := f.store.FindByID(context.Background(), 1)
	require.NoError(t, err)
	assert.NotNil(t, row.SentTimestamp)
	assert.Equal(t, 1, f.sizer.recorded)
}

func TestProcessBatchPartialValidation(t *testing.T) {
	f := newFixture(t)

	bad := validRequest()
	bad.TradeType = "SHORT"

	resp, err := f.svc.ProcessBatch(context.Background(), []*processor.ExecutionRequest{
		validRequest(), bad, validRequest(),
	})
	require.NoError(t, err)

	assert.Equal(t, BatchStatusPartialSuccess, resp.Status)
	assert.Equal(t, 2, resp.Successful)
	assert.Equal(t, 1, resp.Failed)

	assert.Equal(t, 1, resp.Results[1].RequestIndex)
	assert.Equal(t, ResultStatusFailed, resp.Results[1].Status)
	assert.Equal(t, "Code: INVALID_ENUM_VALUE Field: tradeType", resp.Results[1].Message)
	assert.Nil(t, resp.Results[1].Execution)

	// only persisted rows are published
	assert.Len(t, f.bus.submitted(), 2)
}

func TestProcessBatchAllInvalid(t *testing.T) {
	f := newFixture(t)

	resp, err := f.svc.ProcessBatch(context.Background(), []*processor.ExecutionRequest{nil, {}})
	require.NoError(t, err)

	assert.Equal(t, BatchStatusFailed, resp.Status)
	assert.Zero(t, resp.Successful)
	assert.Equal(t, 2, resp.Failed)
	assert.Empty(t, f.bus.submitted())
}

func TestProcessBatchDatabaseFailure(t *testing.T) {
	f := newFixture(t)
	f.store.bulkErr = errors.New("disk on fire")
	f.store.insertErr = errors.New("disk on fire")

	resp, err := f.svc.ProcessBatch(context.Background(), []*processor.ExecutionRequest{validRequest()})
	require.NoError(t, err)

	assert.Equal(t, BatchStatusFailed, resp.Status)
	assert.Equal(t, ResultStatusFailed, resp.Results[0].Status)
	assert.Equal(t, "Database error: disk on fire", resp.Results[0].Message)
	assert.Empty(t, f.bus.submitted())
}

func TestProcessBatchRejectsOversize(t *testing.T) {
	f := newFixture(t)

	reqs := make([]*processor.ExecutionRequest, processor.MaxBatchItems+1)
	for i := range reqs {
		reqs[i] = validRequest()
	}

	_, err := f.svc.ProcessBatch(context.Background(), reqs)
	assert.ErrorIs(t, err, domain.ErrBatchTooLarge)
	assert.Empty(t, f.bus.submitted())
	assert.Zero(t, f.store.nextID)
}

func TestProcessBatchEmpty(t *testing.T) {
	f := newFixture(t)

	resp, err := f.svc.ProcessBatch(context.Background(), nil)
	require.NoError(t, err)

	assert.Equal(t, BatchStatusSuccess, resp.Status)
	assert.Zero(t, resp.TotalRequested)
	assert.Empty(t, resp.Results)
}

func TestProcessBatchSentTimestampDivergence(t *testing.T) {
	f := newFixture(t)
	f.store.sentShort = true

	resp, err := f.svc.ProcessBatch(context.Background(), []*processor.ExecutionRequest{validRequest()})
	require.NoError(t, err)

	// rows stay committed and the batch still reports success, but no stamp
	// was applied
	assert.Equal(t, BatchStatusSuccess, resp.Status)
	assert.Nil(t, resp.Results[0].Execution.SentTimestamp)

	// publication is not suppressed by the divergence
	assert.Len(t, f.bus.submitted(), 1)
}

func TestPublishOutlivesRequestContext(t *testing.T) {
	f := newFixture(t)

	ctx, cancel := context.WithCancel(appCtx.WithRequestID(context.Background(), "req-1"))
	resp, err := f.svc.ProcessBatch(ctx, []*processor.ExecutionRequest{validRequest()})
	require.NoError(t, err)
	require.Equal(t, BatchStatusSuccess, resp.Status)

	// The handler has written the response; net/http cancels its context.
	cancel()

	ctxs := f.bus.submittedCtxs()
	require.Len(t, ctxs, 1)
	assert.NoError(t, ctxs[0].Err(), "publish context must not die with the request")
	assert.Equal(t, "req-1", appCtx.GetRequestID(ctxs[0]))
}

// gateBus blocks every submission until released, signalling entry.
type gateBus struct {
	entered chan struct{}
	release chan struct{}
}

func (b *gateBus) Submit(ctx context.Context, msg publisher.Message) <-chan publisher.PublishResult {
	b.entered <- struct{}{}
	<-b.release
	ch := make(chan publisher.PublishResult, 1)
	ch <- publisher.PublishResult{Success: true, ExecutionID: msg.ExecutionID, AttemptCount: 1}
	return ch
}

func TestProcessBatchConcurrencyBounded(t *testing.T) {
	store := newMemStore()
	bus := &gateBus{entered: make(chan struct{}), release: make(chan struct{})}
	resolver := &fakeResolver{tickers: map[string]string{}}
	recovery := processor.NewRecovery(store, processor.RecoveryOptions{
		MaxRetries: 1,
		RetryDelay: time.Millisecond,
		Classify:   func(error) bool { return false },
	})
	svc := New(store, resolver, nil, processor.New(), recovery, bus, &fakeSizer{size: 500}, Options{
		MaxConcurrentBatches: 1,
	})

	done := make(chan error, 2)
	for i := 0; i < 2; i++ {
		go func() {
			_, err := svc.ProcessBatch(context.Background(), []*processor.ExecutionRequest{validRequest()})
			done <- err
		}()
	}

	// First batch is inside the pipeline and holds the only slot.
	<-bus.entered

	select {
	case <-bus.entered:
		t.Fatal("second batch entered the pipeline while the first held the slot")
	case <-time.After(50 * time.Millisecond):
	}

	// A caller that gives up while parked gets its context error back.
	canceled, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := svc.ProcessBatch(canceled, []*processor.ExecutionRequest{validRequest()})
	assert.ErrorIs(t, err, context.Canceled)

	close(bus.release)
	<-bus.entered
	require.NoError(t, <-done)
	require.NoError(t, <-done)
}

// ---- single operations ----

func TestCreateSingle(t *testing.T) {
	f := newFixture(t)

	dto, err := f.svc.Create(context.Background(), validRequest())
	require.NoError(t, err)
	assert.EqualValues(t, 1, dto.ID)
	assert.Equal(t, "NEW", dto.ExecutionStatus)
}

func TestCreateSingleInvalid(t *testing.T) {
	f := newFixture(t)

	req := validRequest()
	req.Quantity = dec("-5")

	_, err := f.svc.Create(context.Background(), req)
	var reqErr *RequestError
	require.ErrorAs(t, err, &reqErr)
	assert.Equal(t, "Code: INVALID_VALUE Field: quantity", reqErr.Message)
}

func TestGetNotFound(t *testing.T) {
	f := newFixture(t)

	_, err := f.svc.Get(context.Background(), 42)
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestListUnknownTickerYieldsEmptyPage(t *testing.T) {
	f := newFixture(t)
	_, err := f.svc.Create(context.Background(), validRequest())
	require.NoError(t, err)

	ticker := "NOPE"
	page, err := f.svc.List(context.Background(), ListQuery{Ticker: &ticker, Limit: 20})
	require.NoError(t, err)

	assert.Empty(t, page.Content)
	assert.Zero(t, page.Pagination.TotalElements)
}

func TestListByTicker(t *testing.T) {
	f := newFixture(t)
	_, err := f.svc.Create(context.Background(), validRequest())
	require.NoError(t, err)

	ticker := "ibm"
	page, err := f.svc.List(context.Background(), ListQuery{Ticker: &ticker, Limit: 20})
	require.NoError(t, err)

	require.Len(t, page.Content, 1)
	assert.Equal(t, "IBM", page.Content[0].Security.Ticker)
	assert.EqualValues(t, 1, page.Pagination.TotalElements)
	assert.False(t, page.Pagination.HasNext)
}

// ---- fill updates ----

func seedExecution(t *testing.T, f *fixture, externalID *int64) *ExecutionDTO {
	t.Helper()
	req := validRequest()
	req.TradeServiceExecutionID = externalID
	dto, err := f.svc.Create(context.Background(), req)
	require.NoError(t, err)
	return dto
}

func TestUpdateFillPartial(t *testing.T) {
	f := newFixture(t)
	seedExecution(t, f, nil)

	dto, err := f.svc.UpdateFill(context.Background(), 1, FillRequest{
		QuantityFilled: *dec("40"),
		AveragePrice:   dec("10.10"),
		Version:        1,
	})
	require.NoError(t, err)

	assert.Equal(t, "PART", dto.ExecutionStatus)
	assert.Equal(t, "40.00000000", dto.QuantityFilled)
	require.NotNil(t, dto.AveragePrice)
	assert.Equal(t, "10.10000000", *dto.AveragePrice)
	assert.EqualValues(t, 2, dto.Version)
}

func TestUpdateFillFull(t *testing.T) {
	f := newFixture(t)
	seedExecution(t, f, nil)

	dto, err := f.svc.UpdateFill(context.Background(), 1, FillRequest{
		QuantityFilled: *dec("100"),
		Version:        1,
	})
	require.NoError(t, err)
	assert.Equal(t, "FULL", dto.ExecutionStatus)
}

func TestUpdateFillReplacementNotIncrement(t *testing.T) {
	f := newFixture(t)
	seedExecution(t, f, nil)

	_, err := f.svc.UpdateFill(context.Background(), 1, FillRequest{QuantityFilled: *dec("60"), Version: 1})
	require.NoError(t, err)

	dto, err := f.svc.UpdateFill(context.Background(), 1, FillRequest{QuantityFilled: *dec("70"), Version: 2})
	require.NoError(t, err)

	// 70 replaces 60; it does not accumulate to 130
	assert.Equal(t, "70.00000000", dto.QuantityFilled)
	assert.Equal(t, "PART", dto.ExecutionStatus)
}

func TestUpdateFillVersionConflict(t *testing.T) {
	f := newFixture(t)
	seedExecution(t, f, nil)

	_, err := f.svc.UpdateFill(context.Background(), 1, FillRequest{QuantityFilled: *dec("10"), Version: 99})
	assert.ErrorIs(t, err, domain.ErrVersionConflict)
}

func TestUpdateFillNotFound(t *testing.T) {
	f := newFixture(t)

	_, err := f.svc.UpdateFill(context.Background(), 7, FillRequest{QuantityFilled: *dec("10"), Version: 1})
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestUpdateFillRejectsBadQuantities(t *testing.T) {
	f := newFixture(t)
	seedExecution(t, f, nil)

	var verr processor.ValidationError

	_, err := f.svc.UpdateFill(context.Background(), 1, FillRequest{QuantityFilled: *dec("-1"), Version: 1})
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, "quantityFilled", verr.Field)

	_, err = f.svc.UpdateFill(context.Background(), 1, FillRequest{QuantityFilled: *dec("101"), Version: 1})
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, "quantityFilled", verr.Field)
}

func TestUpdateFillReconcilesTradeService(t *testing.T) {
	f := newFixture(t)
	f.trades = newFakeTrades(5, true, true)
	f.svc.trades = f.trades

	external := int64(900)
	seedExecution(t, f, &external)

	_, err := f.svc.UpdateFill(context.Background(), 1, FillRequest{QuantityFilled: *dec("100"), Version: 1})
	require.NoError(t, err)

	select {
	case got := <-f.trades.gotExternal:
		assert.EqualValues(t, 900, got)
	case <-time.After(time.Second):
		t.Fatal("version lookup never happened")
	}

	select {
	case upd := <-f.trades.gotUpdate:
		assert.Equal(t, "FULL", upd.ExecutionStatus)
		assert.Equal(t, "100.00000000", upd.QuantityFilled)
		assert.EqualValues(t, 5, upd.Version)
	case <-time.After(time.Second):
		t.Fatal("fill update never happened")
	}
}

func TestUpdateFillSkipsReconciliationWhenVersionUnknown(t *testing.T) {
	f := newFixture(t)
	f.trades = newFakeTrades(0, false, false)
	f.svc.trades = f.trades

	external := int64(901)
	seedExecution(t, f, &external)

	_, err := f.svc.UpdateFill(context.Background(), 1, FillRequest{QuantityFilled: *dec("50"), Version: 1})
	require.NoError(t, err)

	select {
	case <-f.trades.gotExternal:
	case <-time.After(time.Second):
		t.Fatal("version lookup never happened")
	}

	select {
	case <-f.trades.gotUpdate:
		t.Fatal("fill should not be pushed without a version")
	case <-time.After(100 * time.Millisecond):
	}
}

func TestNewPagination(t *testing.T) {
	p := newPagination(40, 20, 101)
	assert.Equal(t, 6, p.TotalPages)
	assert.Equal(t, 2, p.CurrentPage)
	assert.True(t, p.HasNext)
	assert.True(t, p.HasPrevious)

	p = newPagination(0, 20, 5)
	assert.Equal(t, 1, p.TotalPages)
	assert.False(t, p.HasNext)
	assert.False(t, p.HasPrevious)
}
