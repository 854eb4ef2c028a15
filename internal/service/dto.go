package service

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/fixbridge/execution-service/internal/domain"
)

const (
	BatchStatusSuccess        = "SUCCESS"
	BatchStatusPartialSuccess = "PARTIAL_SUCCESS"
	BatchStatusFailed         = "FAILED"

	ResultStatusSuccess = "SUCCESS"
	ResultStatusFailed  = "FAILED"
)

type SecurityDTO struct {
	SecurityID string `json:"securityId"`
	Ticker     string `json:"ticker,omitempty"`
}

// ExecutionDTO is the wire representation: decimals are scale-8 strings,
// timestamps ISO-8601 UTC, and the security id is wrapped in an enrichment
// object.
type ExecutionDTO struct {
	ID                      int64       `json:"id"`
	ExecutionStatus         string      `json:"executionStatus"`
	TradeType               string      `json:"tradeType"`
	Destination             string      `json:"destination"`
	Security                SecurityDTO `json:"security"`
	Quantity                string      `json:"quantity"`
	LimitPrice              *string     `json:"limitPrice"`
	ReceivedTimestamp       string      `json:"receivedTimestamp"`
	SentTimestamp           *string     `json:"sentTimestamp"`
	TradeServiceExecutionID *int64      `json:"tradeServiceExecutionId"`
	QuantityFilled          string      `json:"quantityFilled"`
	AveragePrice            *string     `json:"averagePrice"`
	Version                 int64       `json:"version"`
}

type ExecutionResultDTO struct {
	RequestIndex int           `json:"requestIndex"`
	Status       string        `json:"status"`
	Message      string        `json:"message,omitempty"`
	Execution    *ExecutionDTO `json:"execution,omitempty"`
}

type BatchResponseDTO struct {
	Status         string               `json:"status"`
	Message        string               `json:"message,omitempty"`
	TotalRequested int                  `json:"totalRequested"`
	Successful     int                  `json:"successful"`
	Failed         int                  `json:"failed"`
	Results        []ExecutionResultDTO `json:"results"`
}

type PaginationDTO struct {
	Offset        int   `json:"offset"`
	Limit         int   `json:"limit"`
	TotalElements int64 `json:"totalElements"`
	TotalPages    int   `json:"totalPages"`
	CurrentPage   int   `json:"currentPage"`
	HasNext       bool  `json:"hasNext"`
	HasPrevious   bool  `json:"hasPrevious"`
}

type PageDTO struct {
	Content    []ExecutionDTO `json:"content"`
	Pagination PaginationDTO  `json:"pagination"`
}

func formatTimestamp(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func formatDecimal(d decimal.Decimal) string {
	return d.StringFixed(8)
}

func formatDecimalPtr(d *decimal.Decimal) *string {
	if d == nil {
		return nil
	}
	s := d.StringFixed(8)
	return &s
}

func toDTO(e *domain.Execution, sec domain.Security) *ExecutionDTO {
	dto := &ExecutionDTO{
		ID:              e.ID,
		ExecutionStatus: string(e.ExecutionStatus),
		TradeType:       string(e.TradeType),
		Destination:     e.Destination,
		Security: SecurityDTO{
			SecurityID: e.SecurityID,
			Ticker:     sec.Ticker,
		},
		Quantity:                formatDecimal(e.Quantity),
		LimitPrice:              formatDecimalPtr(e.LimitPrice),
		ReceivedTimestamp:       formatTimestamp(e.ReceivedTimestamp),
		TradeServiceExecutionID: e.TradeServiceExecutionID,
		QuantityFilled:          formatDecimal(e.QuantityFilled),
		AveragePrice:            formatDecimalPtr(e.AveragePrice),
		Version:                 e.Version,
	}
	if e.SentTimestamp != nil {
		s := formatTimestamp(*e.SentTimestamp)
		dto.SentTimestamp = &s
	}
	return dto
}

func newPagination(offset, limit int, total int64) PaginationDTO {
	if limit <= 0 {
		limit = 20
	}
	totalPages := int((total + int64(limit) - 1) / int64(limit))
	currentPage := offset / limit
	return PaginationDTO{
		Offset:        offset,
		Limit:         limit,
		TotalElements: total,
		TotalPages:    totalPages,
		CurrentPage:   currentPage,
		HasNext:       int64(offset+limit) < total,
		HasPrevious:   offset > 0,
	}
}
