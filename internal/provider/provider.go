// Package provider abstracts the third-party generation service. An Adapter performs
// one provider call, including its poll loop, and reports progress as it goes.
package provider

import (
	"context"
	"encoding/json"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/genflow/pkg/models"
)

// ProgressFunc receives a percentage in [0,100) and a human readable message.
// It is called synchronously from Invoke and never after Invoke returns.
type ProgressFunc func(pct int, message string)

// Request is one generation call.
type Request struct {
	JobID        uuid.UUID
	ProviderName string
	Kind         models.JobKind
	Input        json.RawMessage
}

// Result is the output of a successful call.
type Result struct {
	Output    json.RawMessage
	RequestID string
}

// Adapter is the core interface every provider integration implements.
// Never call a provider's HTTP API directly; always go through an Adapter.
type Adapter interface {
	// Invoke runs the request to completion. Cancelling ctx makes it return within
	// one poll interval.
	Invoke(ctx context.Context, req Request, onProgress ProgressFunc) (Result, error)
	// Name identifies the adapter implementation (e.g. "queue", "mock").
	Name() string
}
