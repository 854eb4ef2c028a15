package enrichment

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync/atomic"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/rs/zerolog"

	"github.com/fixbridge/execution-service/internal/domain"
	"github.com/fixbridge/execution-service/internal/logger"
)

// Enricher is a read-through cache resolving securityId -> ticker against the
// security-catalog service. Lookups never fail: any problem yields a
// ticker-less Security.
type Enricher struct {
	baseURL string
	client  *http.Client
	cache   *expirable.LRU[string, domain.Security]
	lg      zerolog.Logger

	hits         atomic.Int64
	misses       atomic.Int64
	loads        atomic.Int64
	loadFailures atomic.Int64
	loadNanos    atomic.Int64
}

// Stats is a point-in-time snapshot of cache behaviour.
type Stats struct {
	Size            int     `json:"size"`
	Hits            int64   `json:"hits"`
	Misses          int64   `json:"misses"`
	Loads           int64   `json:"loads"`
	LoadFailures    int64   `json:"loadFailures"`
	HitRate         float64 `json:"hitRate"`
	AvgLoadPenaltyMs float64 `json:"avgLoadPenaltyMs"`
}

func New(baseURL string, ttl time.Duration, maxSize int, readTimeout time.Duration) *Enricher {
	if maxSize <= 0 {
		maxSize = 10000
	}
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	if readTimeout <= 0 {
		readTimeout = 2 * time.Second
	}
	return &Enricher{
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  &http.Client{Timeout: readTimeout},
		cache:   expirable.NewLRU[string, domain.Security](maxSize, nil, ttl),
		lg:      logger.Logger.With().Str("component", "security_enricher").Logger(),
	}
}

func (e *Enricher) Resolve(ctx context.Context, securityID string) domain.Security {
	securityID = strings.TrimSpace(securityID)
	if securityID == "" {
		return domain.Security{}
	}

	if sec, ok := e.cache.Get("id:" + securityID); ok {
		e.hits.Add(1)
		return sec
	}
	e.misses.Add(1)

	sec, ok := e.load(ctx, "securityId", securityID)
	if !ok {
		// Callers tolerate an absent ticker; negative results are not cached
		// so a recovering catalog service is picked up on the next miss.
		return domain.Security{SecurityID: securityID}
	}

	e.cache.Add("id:"+sec.SecurityID, sec)
	if sec.Ticker != "" {
		e.cache.Add("ticker:"+strings.ToUpper(sec.Ticker), sec)
	}
	return sec
}

func (e *Enricher) ResolveTicker(ctx context.Context, ticker string) (string, bool) {
	ticker = strings.TrimSpace(ticker)
	if ticker == "" {
		return "", false
	}

	if sec, ok := e.cache.Get("ticker:" + strings.ToUpper(ticker)); ok {
		e.hits.Add(1)
		return sec.SecurityID, true
	}
	e.misses.Add(1)

	sec, ok := e.load(ctx, "ticker", ticker)
	if !ok || sec.SecurityID == "" {
		return "", false
	}

	e.cache.Add("id:"+sec.SecurityID, sec)
	e.cache.Add("ticker:"+strings.ToUpper(sec.Ticker), sec)
	return sec.SecurityID, true
}

type securitiesResponse struct {
	Securities []struct {
		SecurityID string `json:"securityId"`
		Ticker     string `json:"ticker"`
	} `json:"securities"`
}

func (e *Enricher) load(ctx context.Context, param, value string) (domain.Security, bool) {
	e.loads.Add(1)
	start := time.Now()
	defer func() { e.loadNanos.Add(int64(time.Since(start))) }()

	u := fmt.Sprintf("%s/api/v1/securities?%s=%s", e.baseURL, param, url.QueryEscape(value))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		e.loadFailures.Add(1)
		return domain.Security{}, false
	}

	resp, err := e.client.Do(req)
	if err != nil {
		e.loadFailures.Add(1)
		e.lg.Warn().Err(err).Str(param, value).Msg("security lookup failed")
		return domain.Security{}, false
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		e.loadFailures.Add(1)
		e.lg.Warn().Int("status", resp.StatusCode).Str(param, value).Msg("security lookup non-200")
		return domain.Security{}, false
	}

	var body securitiesResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		e.loadFailures.Add(1)
		return domain.Security{}, false
	}
	if len(body.Securities) == 0 {
		return domain.Security{}, false
	}

	first := body.Securities[0]
	return domain.Security{SecurityID: first.SecurityID, Ticker: first.Ticker}, true
}

func (e *Enricher) Stats() Stats {
	hits := e.hits.Load()
	misses := e.misses.Load()
	loads := e.loads.Load()

	s := Stats{
		Size:         e.cache.Len(),
		Hits:         hits,
		Misses:       misses,
		Loads:        loads,
		LoadFailures: e.loadFailures.Load(),
	}
	if hits+misses > 0 {
		s.HitRate = float64(hits) / float64(hits+misses)
	}
	if loads > 0 {
		s.AvgLoadPenaltyMs = float64(e.loadNanos.Load()) / float64(loads) / float64(time.Millisecond)
	}
	return s
}
