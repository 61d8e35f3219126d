// Package realtime fans job snapshots out to per-job and per-owner channels.
package realtime

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/genflow/pkg/models"
)

var (
	// ErrSlowSubscriber closes a subscription whose buffer filled up. The subscriber
	// should re-read the job from the ledger and subscribe again.
	ErrSlowSubscriber = errors.New("subscriber too slow")
	// ErrDisconnected closes a subscription whose transport went away.
	ErrDisconnected = errors.New("realtime transport disconnected")
	ErrClosed       = errors.New("broadcaster closed")
)

// DefaultBuffer is the per-subscription queue length used when none is configured.
const DefaultBuffer = 64

// Broadcaster publishes job snapshots and hands out subscriptions.
// Publish preserves per-channel order; subscribers never block a publisher.
type Broadcaster interface {
	Publish(ctx context.Context, job *models.Job) error
	Subscribe(ctx context.Context, jobID uuid.UUID) (*Subscription, error)
	SubscribeOwner(ctx context.Context, ownerID uuid.UUID) (*Subscription, error)
}

func JobChannel(id uuid.UUID) string {
	return "job:" + id.String()
}

func OwnerChannel(id uuid.UUID) string {
	return "owner:" + id.String()
}

// channelsFor returns every channel a snapshot of job is published on.
func channelsFor(job *models.Job) []string {
	return []string{JobChannel(job.ID), OwnerChannel(job.OwnerID)}
}
