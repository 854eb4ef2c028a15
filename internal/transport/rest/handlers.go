package rest

import (
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/render"
	"github.com/shopspring/decimal"

	"github.com/fixbridge/execution-service/internal/domain"
	"github.com/fixbridge/execution-service/internal/enrichment"
	"github.com/fixbridge/execution-service/internal/metrics"
	appCtx "github.com/fixbridge/execution-service/internal/pkg/context"
	"github.com/fixbridge/execution-service/internal/processor"
	"github.com/fixbridge/execution-service/internal/publisher"
	"github.com/fixbridge/execution-service/internal/service"
	"github.com/fixbridge/execution-service/internal/transport/rest/response"
)

// CacheStats exposes the security cache snapshot for the stats endpoint.
type CacheStats interface {
	Stats() enrichment.Stats
}

// PublisherAdmin exposes the publisher snapshot plus the breaker reset.
type PublisherAdmin interface {
	Stats() publisher.Stats
	ResetCircuitBreaker()
}

// BatchSizeSource exposes the current optimizer advice.
type BatchSizeSource interface {
	CurrentBatchSize() int
}

// PoolHealthSource exposes the pool monitor verdict for health probes.
type PoolHealthSource interface {
	Health() metrics.PoolHealth
}

type Handler struct {
	svc   *service.Service
	cache CacheStats
	pub   PublisherAdmin
	sizer BatchSizeSource
	pool  PoolHealthSource
}

func NewHandler(svc *service.Service, cache CacheStats, pub PublisherAdmin, sizer BatchSizeSource, pool PoolHealthSource) *Handler {
	return &Handler{svc: svc, cache: cache, pub: pub, sizer: sizer, pool: pool}
}

// CreateBatch handles POST /executions/batch. The HTTP status reflects the
// success/failure mix: 201 all rows, 207 mixed, 400 none.
func (h *Handler) CreateBatch(w http.ResponseWriter, r *http.Request) {
	var reqs []*processor.ExecutionRequest
	if err := render.DecodeJSON(r.Body, &reqs); err != nil {
		fail(w, r, http.StatusBadRequest, "request.invalid", "invalid body", nil)
		return
	}

	resp, err := h.svc.ProcessBatch(r.Context(), reqs)
	if err != nil {
		handleErr(w, r, err)
		return
	}

	response.JSON(w, batchHTTPStatus(resp.Status), resp)
}

// CreateExecution handles POST /executions.
func (h *Handler) CreateExecution(w http.ResponseWriter, r *http.Request) {
	var req processor.ExecutionRequest
	if err := render.DecodeJSON(r.Body, &req); err != nil {
		fail(w, r, http.StatusBadRequest, "request.invalid", "invalid body", nil)
		return
	}

	dto, err := h.svc.Create(r.Context(), &req)
	if err != nil {
		handleErr(w, r, err)
		return
	}
	response.JSON(w, http.StatusCreated, dto)
}

// GetExecution handles GET /execution/{id}.
func (h *Handler) GetExecution(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		fail(w, r, http.StatusBadRequest, "request.invalid", "invalid id", nil)
		return
	}

	dto, err := h.svc.Get(r.Context(), id)
	if err != nil {
		handleErr(w, r, err)
		return
	}
	response.JSON(w, http.StatusOK, dto)
}

// ListExecutions handles GET /executions with filters, sorting, and paging.
func (h *Handler) ListExecutions(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	query := service.ListQuery{
		Offset: parseOffset(q.Get("offset")),
		Limit:  parseLimit(q.Get("limit")),
		Sort:   parseSort(q.Get("sortBy")),
	}

	if s := strings.TrimSpace(q.Get("id")); s != "" {
		id, err := strconv.ParseInt(s, 10, 64)
		if err != nil {
			fail(w, r, http.StatusBadRequest, "request.invalid", "invalid id", nil)
			return
		}
		query.Filter.ID = &id
	}
	query.Filter.ExecutionStatus = optString(q.Get("executionStatus"))
	query.Filter.TradeType = optString(q.Get("tradeType"))
	query.Filter.Destination = optString(q.Get("destination"))
	query.Filter.SecurityID = optString(q.Get("securityId"))
	query.Ticker = optString(q.Get("ticker"))

	page, err := h.svc.List(r.Context(), query)
	if err != nil {
		handleErr(w, r, err)
		return
	}
	response.JSON(w, http.StatusOK, page)
}

// UpdateExecution handles PUT /execution/{id}: replacement fill with
// optimistic locking.
func (h *Handler) UpdateExecution(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		fail(w, r, http.StatusBadRequest, "request.invalid", "invalid id", nil)
		return
	}

	var req struct {
		QuantityFilled *decimal.Decimal `json:"quantityFilled"`
		AveragePrice   *decimal.Decimal `json:"averagePrice"`
		Version        *int64           `json:"version"`
	}
	if err := render.DecodeJSON(r.Body, &req); err != nil {
		fail(w, r, http.StatusBadRequest, "request.invalid", "invalid body", nil)
		return
	}
	if req.QuantityFilled == nil {
		fail(w, r, http.StatusBadRequest, "request.invalid", "quantityFilled is required", map[string]string{
			"quantityFilled": "required",
		})
		return
	}
	if req.Version == nil {
		fail(w, r, http.StatusBadRequest, "request.invalid", "version is required", map[string]string{
			"version": "required",
		})
		return
	}

	dto, err := h.svc.UpdateFill(r.Context(), id, service.FillRequest{
		QuantityFilled: *req.QuantityFilled,
		AveragePrice:   req.AveragePrice,
		Version:        *req.Version,
	})
	if err != nil {
		handleErr(w, r, err)
		return
	}
	response.JSON(w, http.StatusOK, dto)
}

// Stats handles GET /executions/stats: cache, publisher, optimizer, and pool
// snapshots in one operational view.
func (h *Handler) Stats(w http.ResponseWriter, r *http.Request) {
	response.JSON(w, http.StatusOK, map[string]any{
		"securityCache":    h.cache.Stats(),
		"publisher":        h.pub.Stats(),
		"optimalBatchSize": h.sizer.CurrentBatchSize(),
		"connectionPool":   h.pool.Health(),
	})
}

// ResetCircuitBreaker handles POST /admin/publisher/circuit-breaker/reset.
func (h *Handler) ResetCircuitBreaker(w http.ResponseWriter, r *http.Request) {
	h.pub.ResetCircuitBreaker()
	response.JSON(w, http.StatusOK, map[string]string{"circuitState": h.pub.Stats().CircuitState})
}

// Healthz reports liveness plus the pool verdict.
func (h *Handler) Healthz(w http.ResponseWriter, r *http.Request) {
	health := h.pool.Health()
	status := http.StatusOK
	if !health.Healthy {
		status = http.StatusServiceUnavailable
	}
	response.JSON(w, status, map[string]any{
		"status": map[bool]string{true: "ok", false: "degraded"}[health.Healthy],
		"pool":   health,
	})
}

func handleErr(w http.ResponseWriter, r *http.Request, err error) {
	var verr processor.ValidationError
	var reqErr *service.RequestError

	switch {
	case errors.Is(err, domain.ErrBatchTooLarge):
		fail(w, r, http.StatusBadRequest, "batch.too_large", err.Error(), nil)
	case errors.As(err, &verr):
		fail(w, r, http.StatusBadRequest, "request.invalid", verr.Error(), nil)
	case errors.As(err, &reqErr):
		fail(w, r, http.StatusBadRequest, "request.invalid", reqErr.Message, nil)
	case errors.Is(err, domain.ErrNotFound):
		fail(w, r, http.StatusNotFound, "execution.not_found", err.Error(), nil)
	case errors.Is(err, domain.ErrVersionConflict):
		fail(w, r, http.StatusConflict, "execution.version_conflict", err.Error(), nil)
	default:
		// Do not leak internal details.
		fail(w, r, http.StatusInternalServerError, "internal", "internal error", nil)
	}
}

func fail(w http.ResponseWriter, r *http.Request, status int, code, message string, meta map[string]string) {
	reqID := appCtx.GetRequestID(r.Context())
	if reqID == "" {
		reqID = "no-request-id"
	}
	response.Fail(w, status, code, message, meta, reqID)
}

func batchHTTPStatus(batchStatus string) int {
	switch batchStatus {
	case service.BatchStatusSuccess:
		return http.StatusCreated
	case service.BatchStatusPartialSuccess:
		return http.StatusMultiStatus
	default:
		return http.StatusBadRequest
	}
}

func optString(s string) *string {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil
	}
	return &s
}

func parseOffset(s string) int {
	n, err := strconv.Atoi(strings.TrimSpace(s))
	if err != nil || n < 0 {
		return 0
	}
	return n
}

func parseLimit(s string) int {
	s = strings.TrimSpace(s)
	if s == "" {
		return 20
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		return 20
	}
	if n < 1 {
		return 1
	}
	if n > 100 {
		return 100
	}
	return n
}
