package ledger

import (
	"context"
	"log/slog"
	"time"

	"github.com/kiranshivaraju/genflow/pkg/models"
)

// Janitor periodically removes terminal jobs that have not changed for MaxAge.
type Janitor struct {
	ledger   *Ledger
	maxAge   time.Duration
	interval time.Duration
	logger   *slog.Logger
}

const defaultJanitorInterval = time.Hour

// NewJanitor creates a Janitor. A non-positive interval falls back to hourly sweeps.
func NewJanitor(l *Ledger, maxAge, interval time.Duration, logger *slog.Logger) *Janitor {
	if interval <= 0 {
		interval = defaultJanitorInterval
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Janitor{ledger: l, maxAge: maxAge, interval: interval, logger: logger.With("component", "janitor")}
}

// Run sweeps once immediately and then every interval until ctx is done.
func (j *Janitor) Run(ctx context.Context) error {
	ticker := time.NewTicker(j.interval)
	defer ticker.Stop()

	for {
		j.Sweep(ctx)
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

// Sweep runs one retention pass and returns the number of deleted jobs.
func (j *Janitor) Sweep(ctx context.Context) int64 {
	n, err := j.ledger.DeleteOlderThan(ctx, j.maxAge, models.TerminalStatuses)
	if err != nil {
		if ctx.Err() == nil {
			j.logger.Error("retention sweep failed", "error", err)
		}
		return 0
	}
	if n > 0 {
		j.logger.Info("retention sweep", "deleted", n, "max_age", j.maxAge.String())
	}
	return n
}
