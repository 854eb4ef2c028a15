// Package context carries per-request correlation values from the HTTP edge
// down through the pipeline, so publish and recovery logs can be tied back to
// the originating batch request.
package context

import "context"

// Header is the wire name of the correlation id. Inbound ids are reused,
// absent ones are minted at the edge.
const Header = "X-Request-Id"

// maxRequestIDLen bounds inbound ids so a hostile header cannot bloat every
// log line of the request.
const maxRequestIDLen = 64

type requestIDKey struct{}

func WithRequestID(ctx context.Context, id string) context.Context {
	if len(id) > maxRequestIDLen {
		id = id[:maxRequestIDLen]
	}
	return context.WithValue(ctx, requestIDKey{}, id)
}

func GetRequestID(ctx context.Context) string {
	v := ctx.Value(requestIDKey{})
	if s, ok := v.(string); ok {
		return s
	}
	return ""
}
