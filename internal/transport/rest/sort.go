package rest

import (
	"strings"

	"github.com/fixbridge/execution-service/internal/domain"
)

// sortableFields is the whitelist for the sortBy query parameter. Unknown
// fields are dropped silently.
var sortableFields = map[string]struct{}{
	"id":                {},
	"executionStatus":   {},
	"tradeType":         {},
	"destination":       {},
	"securityId":        {},
	"quantity":          {},
	"receivedTimestamp": {},
	"sentTimestamp":     {},
}

// parseSort turns "sentTimestamp,-id" into sort keys. A leading '-' means
// descending. An empty or fully-unknown list yields nil, which the store
// resolves to id ascending.
func parseSort(raw string) []domain.SortKey {
	if strings.TrimSpace(raw) == "" {
		return nil
	}

	var keys []domain.SortKey
	for _, part := range strings.Split(raw, ",") {
		part = strings.TrimSpace(part)
		desc := strings.HasPrefix(part, "-")
		field := strings.TrimPrefix(part, "-")
		if field == "" {
			continue
		}
		if _, ok := sortableFields[field]; !ok {
			continue
		}
		keys = append(keys, domain.SortKey{Field: field, Desc: desc})
	}
	return keys
}
