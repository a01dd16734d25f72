package middleware

import (
	"context"
	"net/http"

	"github.com/google/uuid"
)

// ClientIDHeader carries the caller's stable session identity. Sessions,
// admission counters and snapshots are all keyed by this value.
const ClientIDHeader = "X-Client-ID"

const clientIDKey contextKey = "client_id"

// ClientID resolves the caller's session id from the request header, minting
// a fresh one for first-time callers. The resolved id is echoed back so the
// client can pin it on subsequent requests.
func ClientID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		cid := r.Header.Get(ClientIDHeader)
		if cid == "" || len(cid) > 128 {
			cid = uuid.NewString()
		}
		ctx := context.WithValue(r.Context(), clientIDKey, cid)
		w.Header().Set(ClientIDHeader, cid)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func ClientIDFromContext(ctx context.Context) string {
	if v, ok := ctx.Value(clientIDKey).(string); ok {
		return v
	}
	return ""
}
