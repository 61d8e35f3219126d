package cache

import (
	"fmt"

	"github.com/google/uuid"
)

// CancelKey is the key holding a job's pending cancel request.
func CancelKey(jobID uuid.UUID) string {
	return fmt.Sprintf("cancel:%s", jobID)
}

// RateLimitKey is the per-owner request counter key.
func RateLimitKey(ownerID uuid.UUID) string {
	return fmt.Sprintf("ratelimit:%s", ownerID)
}
