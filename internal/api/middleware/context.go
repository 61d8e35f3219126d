package middleware

import (
	"context"
	"net/http"

	"github.com/google/uuid"
)

type contextKey string

const ownerIDKey contextKey = "owner_id"

func SetOwnerID(ctx context.Context, id uuid.UUID) context.Context {
	return context.WithValue(ctx, ownerIDKey, id)
}

// GetOwnerID returns the owner set by the Owner middleware.
func GetOwnerID(r *http.Request) (uuid.UUID, bool) {
	id, ok := r.Context().Value(ownerIDKey).(uuid.UUID)
	return id, ok
}
