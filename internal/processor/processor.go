package processor

import (
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/shopspring/decimal"

	"github.com/fixbridge/execution-service/internal/domain"
)

// MaxBatchItems is the hard request-level cap; larger batches are rejected
// before validation.
const MaxBatchItems = 100

// ExecutionRequest is one inbound execution, as bound from JSON.
type ExecutionRequest struct {
	ExecutionStatus         string           `json:"executionStatus"`
	TradeType               string           `json:"tradeType"`
	Destination             string           `json:"destination"`
	SecurityID              string           `json:"securityId"`
	Quantity                *decimal.Decimal `json:"quantity"`
	LimitPrice              *decimal.Decimal `json:"limitPrice"`
	TradeServiceExecutionID *int64           `json:"tradeServiceExecutionId"`
}

type ValidationCode string

const (
	CodeMissingRequiredField ValidationCode = "MISSING_REQUIRED_FIELD"
	CodeFieldTooLong         ValidationCode = "FIELD_TOO_LONG"
	CodeInvalidEnumValue     ValidationCode = "INVALID_ENUM_VALUE"
	CodeInvalidValue         ValidationCode = "INVALID_VALUE"
	CodeNullRequest          ValidationCode = "NULL_REQUEST"
)

// ValidationError binds a failure code to the offending field.
type ValidationError struct {
	Code  ValidationCode
	Field string
}

func (v ValidationError) Error() string {
	return fmt.Sprintf("Code: %s Field: %s", v.Code, v.Field)
}

// BatchContext is the per-request processing state the pipeline threads
// through its stages. Index keys always refer to the original request vector.
type BatchContext struct {
	Requests []*ExecutionRequest
	// Validated is parallel to Requests; nil where validation failed.
	Validated []*domain.Execution
	// Batches holds contiguous chunks of request indices of valid rows.
	// An empty valid set still yields one empty chunk.
	Batches [][]int

	ValidationErrors map[int]ValidationError
	DatabaseErrors   map[int]error
	// Persisted maps request index to the committed row.
	Persisted map[int]*domain.Execution
}

func (c *BatchContext) RecordPersisted(index int, e *domain.Execution) {
	c.Persisted[index] = e
}

func (c *BatchContext) RecordDatabaseError(index int, err error) {
	c.DatabaseErrors[index] = err
}

// ValidIndices returns the request indices that passed validation, in order.
func (c *BatchContext) ValidIndices() []int {
	var out []int
	for i, e := range c.Validated {
		if e != nil {
			out = append(out, i)
		}
	}
	return out
}

// Processor validates requests and shapes them into batches.
type Processor struct {
	now func() time.Time
}

func New() *Processor {
	return &Processor{now: time.Now}
}

// Process validates every request, applies row defaults, and splits the valid
// rows into contiguous chunks no larger than batchSize.
func (p *Processor) Process(requests []*ExecutionRequest, batchSize int) *BatchContext {
	ctx := &BatchContext{
		Requests:         requests,
		Validated:        make([]*domain.Execution, len(requests)),
		ValidationErrors: make(map[int]ValidationError),
		DatabaseErrors:   make(map[int]error),
		Persisted:        make(map[int]*domain.Execution),
	}

	now := p.now().UTC()
	for i, req := range requests {
		row, verr := p.validate(req, now)
		if verr != nil {
			ctx.ValidationErrors[i] = *verr
			continue
		}
		ctx.Validated[i] = row
	}

	ctx.Batches = splitIndices(ctx.ValidIndices(), batchSize)
	return ctx
}

func (p *Processor) validate(req *ExecutionRequest, now time.Time) (*domain.Execution, *ValidationError) {
	if req == nil {
		return nil, &ValidationError{Code: CodeNullRequest, Field: "request"}
	}

	if verr := requireString(req.ExecutionStatus, "executionStatus"); verr != nil {
		return nil, verr
	}
	if verr := requireString(req.TradeType, "tradeType"); verr != nil {
		return nil, verr
	}
	if verr := requireString(req.Destination, "destination"); verr != nil {
		return nil, verr
	}
	if verr := requireString(req.SecurityID, "securityId"); verr != nil {
		return nil, verr
	}
	if req.Quantity == nil {
		return nil, &ValidationError{Code: CodeMissingRequiredField, Field: "quantity"}
	}

	// Column widths are character counts, so measure in runes.
	if utf8.RuneCountInString(strings.TrimSpace(req.ExecutionStatus)) > domain.MaxStatusWidth {
		return nil, &ValidationError{Code: CodeFieldTooLong, Field: "executionStatus"}
	}
	if utf8.RuneCountInString(strings.TrimSpace(req.TradeType)) > domain.MaxTradeTypeWidth {
		return nil, &ValidationError{Code: CodeFieldTooLong, Field: "tradeType"}
	}
	if utf8.RuneCountInString(strings.TrimSpace(req.Destination)) > domain.MaxDestinationWidth {
		return nil, &ValidationError{Code: CodeFieldTooLong, Field: "destination"}
	}
	if utf8.RuneCountInString(strings.TrimSpace(req.SecurityID)) > domain.SecurityIDWidth {
		return nil, &ValidationError{Code: CodeFieldTooLong, Field: "securityId"}
	}

	status, ok := domain.ParseExecutionStatus(req.ExecutionStatus)
	if !ok {
		return nil, &ValidationError{Code: CodeInvalidEnumValue, Field: "executionStatus"}
	}
	tradeType, ok := domain.ParseTradeType(req.TradeType)
	if !ok {
		return nil, &ValidationError{Code: CodeInvalidEnumValue, Field: "tradeType"}
	}

	if !req.Quantity.IsPositive() {
		return nil, &ValidationError{Code: CodeInvalidValue, Field: "quantity"}
	}
	if req.LimitPrice != nil && !req.LimitPrice.IsPositive() {
		return nil, &ValidationError{Code: CodeInvalidValue, Field: "limitPrice"}
	}

	return &domain.Execution{
		ExecutionStatus:         status,
		TradeType:               tradeType,
		Destination:             strings.TrimSpace(req.Destination),
		SecurityID:              strings.TrimSpace(req.SecurityID),
		Quantity:                *req.Quantity,
		LimitPrice:              req.LimitPrice,
		ReceivedTimestamp:       now,
		TradeServiceExecutionID: req.TradeServiceExecutionID,
		QuantityFilled:          decimal.Zero,
		Version:                 1,
	}, nil
}

func requireString(v, field string) *ValidationError {
	if strings.TrimSpace(v) == "" {
		return &ValidationError{Code: CodeMissingRequiredField, Field: field}
	}
	return nil
}

func splitIndices(indices []int, size int) [][]int {
	if size < 1 {
		size = 1
	}
	if len(indices) == 0 {
		return [][]int{{}}
	}

	var out [][]int
	for start := 0; start < len(indices); start += size {
		end := start + size
		if end > len(indices) {
			end = len(indices)
		}
		out = append(out, indices[start:end])
	}
	return out
}
