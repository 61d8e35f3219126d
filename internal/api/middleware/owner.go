package middleware

import (
	"net/http"
	"strings"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/genflow/internal/api/response"
)

// OwnerHeader carries the authenticated principal, set by the gateway in front of
// this service.
const OwnerHeader = "X-Owner-ID"

// Owner rejects requests without a valid owner id and stores it on the context.
func Owner(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		raw := strings.TrimSpace(r.Header.Get(OwnerHeader))
		if raw == "" {
			response.Error(w, http.StatusUnauthorized, "MISSING_OWNER", "Missing "+OwnerHeader+" header", nil)
			return
		}
		id, err := uuid.Parse(raw)
		if err != nil || id == uuid.Nil {
			response.Error(w, http.StatusUnauthorized, "INVALID_OWNER", OwnerHeader+" must be a UUID", nil)
			return
		}
		next.ServeHTTP(w, r.WithContext(SetOwnerID(r.Context(), id)))
	})
}
