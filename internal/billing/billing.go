// Package billing reaches the external credit system through a single "settle usage"
// call made once per completed or failed job.
package billing

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/genflow/pkg/models"
)

var ErrSettleRejected = errors.New("billing rejected settlement")

// Settler settles usage for a job that reached completed or failed.
type Settler interface {
	Settle(ctx context.Context, job *models.Job) error
}

// Noop settles nothing. Used when no billing endpoint is configured.
type Noop struct{}

func (Noop) Settle(context.Context, *models.Job) error { return nil }

type settleRequest struct {
	JobID        uuid.UUID        `json:"job_id"`
	OwnerID      uuid.UUID        `json:"owner_id"`
	Kind         models.JobKind   `json:"kind"`
	ProviderName string           `json:"provider_name"`
	Status       models.JobStatus `json:"status"`
	ErrorCode    string           `json:"error_code,omitempty"`
	CompletedAt  *time.Time       `json:"completed_at,omitempty"`
}

// HTTPSettler posts settlements to the billing service. The job id and status form
// the idempotency key so a redelivered settlement is charged once.
type HTTPSettler struct {
	url    string
	client *http.Client
}

// NewHTTPSettler creates a Settler posting to url.
func NewHTTPSettler(url string, timeout time.Duration) *HTTPSettler {
	return &HTTPSettler{url: url, client: &http.Client{Timeout: timeout}}
}

// Settle reports a terminal job to the billing endpoint.
func (s *HTTPSettler) Settle(ctx context.Context, job *models.Job) error {
	body := settleRequest{
		JobID:        job.ID,
		OwnerID:      job.OwnerID,
		Kind:         job.Kind,
		ProviderName: job.ProviderName,
		Status:       job.Status,
		CompletedAt:  job.CompletedAt,
	}
	if job.Error != nil {
		body.ErrorCode = job.Error.Code
	}
	raw, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("marshal settlement: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.url, bytes.NewReader(raw))
	if err != nil {
		return fmt.Errorf("building request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Idempotency-Key", fmt.Sprintf("%s:%s", job.ID, job.Status))

	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("settle usage: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("%w: status %d", ErrSettleRejected, resp.StatusCode)
	}
	return nil
}
