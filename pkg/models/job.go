// Package models contains shared data models used across the genflow codebase.
package models

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// JobStatus is the lifecycle state of a Job.
type JobStatus string

const (
	JobStatusPending    JobStatus = "pending"
	JobStatusStarted    JobStatus = "started"
	JobStatusProcessing JobStatus = "processing"
	JobStatusCompleted  JobStatus = "completed"
	JobStatusFailed     JobStatus = "failed"
	JobStatusCancelled  JobStatus = "cancelled"
)

// TerminalStatuses lists the states from which no further transition is possible.
var TerminalStatuses = []JobStatus{JobStatusCompleted, JobStatusFailed, JobStatusCancelled}

var validTransitions = map[JobStatus][]JobStatus{
	JobStatusPending:    {JobStatusStarted, JobStatusFailed},
	JobStatusStarted:    {JobStatusProcessing, JobStatusCancelled, JobStatusFailed},
	JobStatusProcessing: {JobStatusCompleted, JobStatusFailed, JobStatusCancelled},
}

// Valid reports whether s is one of the known statuses.
func (s JobStatus) Valid() bool {
	switch s {
	case JobStatusPending, JobStatusStarted, JobStatusProcessing,
		JobStatusCompleted, JobStatusFailed, JobStatusCancelled:
		return true
	}
	return false
}

// IsTerminal reports whether s is completed, failed or cancelled.
func (s JobStatus) IsTerminal() bool {
	return s == JobStatusCompleted || s == JobStatusFailed || s == JobStatusCancelled
}

// IsActive reports whether an executor is working on the job.
func (s JobStatus) IsActive() bool {
	return s == JobStatusStarted || s == JobStatusProcessing
}

// CanTransition reports whether the state graph allows moving from one status to another.
// Staying in the same status is not a transition.
func CanTransition(from, to JobStatus) bool {
	for _, next := range validTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// ParseJobStatus parses a status name, case-insensitively.
func ParseJobStatus(s string) (JobStatus, error) {
	st := JobStatus(strings.ToLower(strings.TrimSpace(s)))
	if !st.Valid() {
		return "", fmt.Errorf("unknown job status %q", s)
	}
	return st, nil
}

// JobKind distinguishes request shapes. The set is closed; see ParseJobKind.
type JobKind string

const (
	JobKindGenerate JobKind = "generate"
	JobKindEdit     JobKind = "edit"
	JobKindUpscale  JobKind = "upscale"
)

// JobKinds lists every supported kind.
var JobKinds = []JobKind{JobKindGenerate, JobKindEdit, JobKindUpscale}

// ParseJobKind parses a kind name, case-insensitively.
func ParseJobKind(s string) (JobKind, error) {
	k := JobKind(strings.ToLower(strings.TrimSpace(s)))
	switch k {
	case JobKindGenerate, JobKindEdit, JobKindUpscale:
		return k, nil
	}
	return "", fmt.Errorf("unknown job kind %q", s)
}

// JobError is the structured failure recorded on a failed job.
type JobError struct {
	Message string `json:"message"`
	Code    string `json:"code"`
}

// Job is one asynchronous generation request and its tracked lifecycle.
// Rows are created pending by the submission path and mutated only by the executor that owns them.
type Job struct {
	ID              uuid.UUID       `json:"id"`
	OwnerID         uuid.UUID       `json:"owner_id"`
	Kind            JobKind         `json:"kind"`
	ProviderName    string          `json:"provider_name"`
	Status          JobStatus       `json:"status"`
	Progress        int             `json:"progress"`
	ProgressMessage string          `json:"progress_message"`
	Input           json.RawMessage `json:"input"`
	Metadata        json.RawMessage `json:"metadata,omitempty"`
	Output          json.RawMessage `json:"output,omitempty"`
	Error           *JobError       `json:"error,omitempty"`
	ExternalRef     *string         `json:"external_ref,omitempty"`
	Version         int64           `json:"version"`
	StartedAt       *time.Time      `json:"started_at,omitempty"`
	CompletedAt     *time.Time      `json:"completed_at,omitempty"`
	CreatedAt       time.Time       `json:"created_at"`
	UpdatedAt       time.Time       `json:"updated_at"`
}

// Clone returns a deep copy so callers can hand snapshots across goroutines.
func (j *Job) Clone() *Job {
	if j == nil {
		return nil
	}
	c := *j
	c.Input = cloneRaw(j.Input)
	c.Metadata = cloneRaw(j.Metadata)
	c.Output = cloneRaw(j.Output)
	if j.Error != nil {
		e := *j.Error
		c.Error = &e
	}
	if j.ExternalRef != nil {
		ref := *j.ExternalRef
		c.ExternalRef = &ref
	}
	if j.StartedAt != nil {
		t := *j.StartedAt
		c.StartedAt = &t
	}
	if j.CompletedAt != nil {
		t := *j.CompletedAt
		c.CompletedAt = &t
	}
	return &c
}

func cloneRaw(b json.RawMessage) json.RawMessage {
	if b == nil {
		return nil
	}
	out := make(json.RawMessage, len(b))
	copy(out, b)
	return out
}
