package rest

import (
	"net/http"

	"github.com/google/uuid"

	appCtx "github.com/fixbridge/execution-service/internal/pkg/context"
)

// RequestID injects a correlation id into context and response header so
// batch results, publish retries, and access logs line up per request.
func RequestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rid := r.Header.Get(appCtx.Header)
		if rid == "" {
			rid = uuid.NewString()
		}

		ctx := appCtx.WithRequestID(r.Context(), rid)
		// Context may have truncated an oversized inbound id; echo what
		// the logs will carry.
		w.Header().Set(appCtx.Header, appCtx.GetRequestID(ctx))
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}
