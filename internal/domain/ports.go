package domain

import (
	"context"
	"time"
)

// SortKey is one whitelisted sort field plus direction.
type SortKey struct {
	Field string
	Desc  bool
}

// Filter is the AND of optional equality constraints. String comparisons are
// case-insensitive.
type Filter struct {
	ID              *int64
	ExecutionStatus *string
	TradeType       *string
	Destination     *string
	SecurityID      *string
}

// Store is the typed row store for executions. Bulk sent-timestamp updates are
// deliberately absent here: they require an active transaction and are only
// reachable through the Tx handle passed to WithTx.
type Store interface {
	Insert(ctx context.Context, e *Execution) (*Execution, error)
	FindByID(ctx context.Context, id int64) (*Execution, error)
	FindPaged(ctx context.Context, f Filter, sort []SortKey, offset, limit int) ([]Execution, int64, error)
	UpdateWithVersion(ctx context.Context, id int64, mut FillMutation, expectedVersion int64) (*Execution, error)
	WithTx(ctx context.Context, fn func(tx Tx) error) error
}

// Tx is the transaction-scoped store handle.
type Tx interface {
	// BulkInsert persists rows in input order with a single statement.
	// All-or-nothing: any failure aborts the whole attempt.
	BulkInsert(ctx context.Context, rows []*Execution) ([]*Execution, error)
	// BulkUpdateSentTimestamp stamps sent_timestamp on the given ids and
	// returns the number of rows actually updated.
	BulkUpdateSentTimestamp(ctx context.Context, ids []int64, at time.Time) (int64, error)
}

// SecurityResolver is the read-through enrichment cache.
type SecurityResolver interface {
	// Resolve never fails; on any lookup problem it returns a ticker-less Security.
	Resolve(ctx context.Context, securityID string) Security
	// ResolveTicker maps a ticker back to a security id for list filtering.
	ResolveTicker(ctx context.Context, ticker string) (string, bool)
}

// FillUpdate is the outbound reconciliation payload for the trade service.
type FillUpdate struct {
	ExecutionStatus string `json:"executionStatus"`
	QuantityFilled  string `json:"quantityFilled"`
	Version         int64  `json:"version"`
}

// TradeServiceClient mirrors the upstream trade service. Failures never
// propagate to callers; both operations degrade to "not updated".
type TradeServiceClient interface {
	GetExecutionVersion(ctx context.Context, externalID int64) (int64, bool)
	UpdateExecutionFill(ctx context.Context, externalID int64, upd FillUpdate) bool
}
