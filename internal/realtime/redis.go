package realtime

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/genflow/pkg/models"
	"github.com/redis/go-redis/v9"
)

// RedisBroadcaster publishes snapshots over Redis pub/sub so API and worker
// processes share one realtime plane.
type RedisBroadcaster struct {
	client *redis.Client
	prefix string
	buffer int
	logger *slog.Logger
}

// NewRedisBroadcaster creates a Broadcaster over Redis pub/sub.
func NewRedisBroadcaster(client *redis.Client, prefix string, buffer int, logger *slog.Logger) *RedisBroadcaster {
	if logger == nil {
		logger = slog.Default()
	}
	return &RedisBroadcaster{
		client: client,
		prefix: prefix,
		buffer: buffer,
		logger: logger.With("component", "redis_broadcaster"),
	}
}

// Publish sends the snapshot to the job and owner channels in one pipeline.
func (b *RedisBroadcaster) Publish(ctx context.Context, job *models.Job) error {
	raw, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("marshal job: %w", err)
	}
	pipe := b.client.Pipeline()
	for _, ch := range channelsFor(job) {
		pipe.Publish(ctx, b.prefix+ch, raw)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis publish: %w", err)
	}
	return nil
}

// Subscribe follows one job's channel.
func (b *RedisBroadcaster) Subscribe(ctx context.Context, jobID uuid.UUID) (*Subscription, error) {
	return b.subscribe(ctx, JobChannel(jobID))
}

// SubscribeOwner follows every job of an owner.
func (b *RedisBroadcaster) SubscribeOwner(ctx context.Context, ownerID uuid.UUID) (*Subscription, error) {
	return b.subscribe(ctx, OwnerChannel(ownerID))
}

func (b *RedisBroadcaster) subscribe(ctx context.Context, channel string) (*Subscription, error) {
	pubsub := b.client.Subscribe(ctx, b.prefix+channel)

	// ensures the subscription is active before any publish we are meant to see
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		return nil, fmt.Errorf("redis subscribe: %w", err)
	}

	runCtx, cancel := context.WithCancel(ctx)
	sub := newSubscription(channel, b.buffer, func() {
		cancel()
		_ = pubsub.Close()
	})
	go b.forward(runCtx, pubsub, sub)
	return sub, nil
}

// forward reads until the first transport error. ReceiveMessage is used rather than
// Channel so that a dropped connection ends the subscription instead of being
// silently re-established with a gap.
func (b *RedisBroadcaster) forward(ctx context.Context, pubsub *redis.PubSub, sub *Subscription) {
	for {
		msg, err := pubsub.ReceiveMessage(ctx)
		if err != nil {
			switch {
			case sub.isClosed():
				sub.closeWith(nil)
			case ctx.Err() != nil:
				sub.closeWith(ctx.Err())
			default:
				b.logger.Warn("subscription transport lost", "channel", sub.Channel(), "error", err)
				sub.closeWith(fmt.Errorf("%w: %w", ErrDisconnected, err))
			}
			return
		}

		var job models.Job
		if err := json.Unmarshal([]byte(msg.Payload), &job); err != nil {
			b.logger.Warn("bad realtime payload", "channel", msg.Channel, "error", err)
			continue
		}
		if !sub.deliver(&job) {
			if sub.Err() == ErrSlowSubscriber {
				b.logger.Warn("dropping slow subscriber", "channel", sub.Channel(), "job_id", job.ID)
			}
			sub.closeWith(ErrSlowSubscriber)
			return
		}
	}
}

func (b *RedisBroadcaster) Ping(ctx context.Context) error {
	return b.client.Ping(ctx).Err()
}
