package watch

import "github.com/kiranshivaraju/genflow/pkg/models"

// State is one observation of a job together with the flags derived from it.
// The flags are computed from Job when the State is built and never change
// independently of it.
type State struct {
	Job          *models.Job `json:"job"`
	IsCompleted  bool        `json:"is_completed"`
	IsFailed     bool        `json:"is_failed"`
	IsProcessing bool        `json:"is_processing"`
	// Stalled is set when no update arrived within the stall timeout and a fresh
	// ledger read showed nothing new.
	Stalled bool `json:"stalled"`
}

// NewState derives the flags for job. Cancelled jobs count as failed.
func NewState(job *models.Job) State {
	return State{
		Job:          job,
		IsCompleted:  job.Status == models.JobStatusCompleted,
		IsFailed:     job.Status == models.JobStatusFailed || job.Status == models.JobStatusCancelled,
		IsProcessing: job.Status == models.JobStatusStarted || job.Status == models.JobStatusProcessing,
	}
}

// Terminal reports whether no further updates can follow this state.
func (s State) Terminal() bool {
	return s.Job != nil && s.Job.Status.IsTerminal()
}
