package tradeservice

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/fixbridge/execution-service/internal/domain"
	"github.com/fixbridge/execution-service/internal/logger"
)

// Client reflects fills back to the upstream trade service. Its failures are
// never allowed to fail the caller: both operations degrade to "not updated".
type Client struct {
	baseURL      string
	client       *http.Client
	retryEnabled bool
	maxAttempts  int
	lg           zerolog.Logger
}

type Options struct {
	BaseURL      string
	Timeout      time.Duration
	RetryEnabled bool
	MaxAttempts  int
}

func New(opts Options) *Client {
	if opts.Timeout <= 0 {
		opts.Timeout = 5 * time.Second
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = 2
	}
	return &Client{
		baseURL:      strings.TrimRight(opts.BaseURL, "/"),
		client:       &http.Client{Timeout: opts.Timeout},
		retryEnabled: opts.RetryEnabled,
		maxAttempts:  opts.MaxAttempts,
		lg:           logger.Logger.With().Str("component", "trade_service_client").Logger(),
	}
}

type versionResponse struct {
	ID      int64  `json:"id"`
	Version *int64 `json:"version"`
}

// GetExecutionVersion fetches the upstream row version. ok is false on 404,
// network error, or a response without a version field.
func (c *Client) GetExecutionVersion(ctx context.Context, externalID int64) (int64, bool) {
	u := fmt.Sprintf("%s/api/v1/executions/%d", c.baseURL, externalID)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return 0, false
	}

	resp, err := c.client.Do(req)
	if err != nil {
		c.lg.Warn().Err(err).Int64("external_id", externalID).Msg("version fetch failed")
		return 0, false
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		if resp.StatusCode != http.StatusNotFound {
			c.lg.Warn().Int("status", resp.StatusCode).Int64("external_id", externalID).Msg("version fetch non-200")
		}
		return 0, false
	}

	var body versionResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil || body.Version == nil {
		return 0, false
	}
	return *body.Version, true
}

// UpdateExecutionFill PUTs the fill upstream. On 409 with retry enabled it
// re-fetches the current version, overwrites the payload's version, and tries
// again up to maxAttempts total attempts.
func (c *Client) UpdateExecutionFill(ctx context.Context, externalID int64, upd domain.FillUpdate) bool {
	attempts := 1
	if c.retryEnabled {
		attempts = c.maxAttempts
	}

	for attempt := 1; attempt <= attempts; attempt++ {
		status, ok := c.putFill(ctx, externalID, upd)
		if ok {
			return true
		}

		if status == http.StatusConflict && c.retryEnabled && attempt < attempts {
			v, found := c.GetExecutionVersion(ctx, externalID)
			if !found {
				c.lg.Warn().Int64("external_id", externalID).Msg("conflict retry aborted: version unavailable")
				return false
			}
			upd.Version = v
			continue
		}

		c.lg.Warn().
			Int("status", status).
			Int("attempt", attempt).
			Int64("external_id", externalID).
			Msg("fill update failed")
		return false
	}
	return false
}

func (c *Client) putFill(ctx context.Context, externalID int64, upd domain.FillUpdate) (int, bool) {
	body, err := json.Marshal(upd)
	if err != nil {
		return 0, false
	}

	u := fmt.Sprintf("%s/api/v1/executions/%d/fill", c.baseURL, externalID)
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, u, bytes.NewReader(body))
	if err != nil {
		return 0, false
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		c.lg.Warn().Err(err).Int64("external_id", externalID).Msg("fill PUT failed")
		return 0, false
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return resp.StatusCode, true
	}
	return resp.StatusCode, false
}
