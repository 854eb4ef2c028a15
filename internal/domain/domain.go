package domain

import (
	"errors"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

type ExecutionStatus string

const (
	StatusNew       ExecutionStatus = "NEW"
	StatusPending   ExecutionStatus = "PENDING"
	StatusPart      ExecutionStatus = "PART"
	StatusFull      ExecutionStatus = "FULL"
	StatusCancelled ExecutionStatus = "CANCELLED"
	StatusRejected  ExecutionStatus = "REJECTED"
)

type TradeType string

const (
	TradeBuy  TradeType = "BUY"
	TradeSell TradeType = "SELL"
)

// Column widths enforced at validation time (mirror the execution table).
const (
	MaxStatusWidth      = 20
	MaxTradeTypeWidth   = 10
	MaxDestinationWidth = 20
	SecurityIDWidth     = 24
)

var (
	ErrNotFound        = errors.New("execution not found")
	ErrVersionConflict = errors.New("version conflict")
	ErrBatchTooLarge   = errors.New("batch exceeds maximum size")
	ErrSentDiverged    = errors.New("sent-timestamp update count diverged")
)

// ParseExecutionStatus normalizes an inbound status string. "FILLED" is accepted
// as a legacy synonym of FULL but never emitted.
func ParseExecutionStatus(s string) (ExecutionStatus, bool) {
	switch ExecutionStatus(strings.ToUpper(strings.TrimSpace(s))) {
	case StatusNew:
		return StatusNew, true
	case StatusPending:
		return StatusPending, true
	case StatusPart:
		return StatusPart, true
	case StatusFull, ExecutionStatus("FILLED"):
		return StatusFull, true
	case StatusCancelled:
		return StatusCancelled, true
	case StatusRejected:
		return StatusRejected, true
	}
	return "", false
}

func ParseTradeType(s string) (TradeType, bool) {
	switch TradeType(strings.ToUpper(strings.TrimSpace(s))) {
	case TradeBuy:
		return TradeBuy, true
	case TradeSell:
		return TradeSell, true
	}
	return "", false
}

// Execution is the persisted trade-fill instruction.
type Execution struct {
	ID                      int64
	ExecutionStatus         ExecutionStatus
	TradeType               TradeType
	Destination             string
	SecurityID              string
	Quantity                decimal.Decimal
	LimitPrice              *decimal.Decimal
	ReceivedTimestamp       time.Time
	SentTimestamp           *time.Time
	TradeServiceExecutionID *int64
	QuantityFilled          decimal.Decimal
	AveragePrice            *decimal.Decimal
	Version                 int64
}

// Security is the cache-only enrichment record. Ticker may be empty when the
// security service could not resolve the id.
type Security struct {
	SecurityID string
	Ticker     string
}

// DeriveFillStatus returns the status implied by a total filled quantity:
// PART when 0 < filled < quantity, FULL when filled >= quantity. A zero fill
// keeps the current status.
func DeriveFillStatus(current ExecutionStatus, quantity, filled decimal.Decimal) ExecutionStatus {
	switch {
	case filled.GreaterThanOrEqual(quantity):
		return StatusFull
	case filled.IsPositive():
		return StatusPart
	default:
		return current
	}
}

// FillMutation is the mutation applied by the single-update path.
// QuantityFilled is a replacement (total filled), not an increment.
type FillMutation struct {
	QuantityFilled  decimal.Decimal
	AveragePrice    *decimal.Decimal
	ExecutionStatus ExecutionStatus
}
