package realtime

import (
	"context"
	"log/slog"
	"sync"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/genflow/pkg/models"
)

// Hub is the in-process Broadcaster used when API and executors share a process.
type Hub struct {
	publishMu sync.Mutex

	mu            sync.RWMutex
	subscriptions map[string]map[*Subscription]struct{}
	buffer        int
	closed        bool
	logger        *slog.Logger
}

// NewHub creates an in-process Broadcaster.
func NewHub(buffer int, logger *slog.Logger) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{
		subscriptions: make(map[string]map[*Subscription]struct{}),
		buffer:        buffer,
		logger:        logger.With("component", "hub"),
	}
}

// Publish fans job out to its job and owner subscribers. A subscriber whose
// buffer is full is closed with ErrSlowSubscriber.
func (h *Hub) Publish(ctx context.Context, job *models.Job) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	h.publishMu.Lock()
	defer h.publishMu.Unlock()

	h.mu.RLock()
	if h.closed {
		h.mu.RUnlock()
		return ErrClosed
	}
	var slow []*Subscription
	for _, ch := range channelsFor(job) {
		for sub := range h.subscriptions[ch] {
			if !sub.deliver(job.Clone()) && sub.Err() == ErrSlowSubscriber {
				slow = append(slow, sub)
			}
		}
	}
	h.mu.RUnlock()

	for _, sub := range slow {
		h.logger.Warn("dropping slow subscriber", "channel", sub.Channel(), "job_id", job.ID)
		sub.closeWith(ErrSlowSubscriber)
	}
	return nil
}

func (h *Hub) Subscribe(ctx context.Context, jobID uuid.UUID) (*Subscription, error) {
	return h.subscribe(ctx, JobChannel(jobID))
}

func (h *Hub) SubscribeOwner(ctx context.Context, ownerID uuid.UUID) (*Subscription, error) {
	return h.subscribe(ctx, OwnerChannel(ownerID))
}

func (h *Hub) subscribe(ctx context.Context, channel string) (*Subscription, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var sub *Subscription
	sub = newSubscription(channel, h.buffer, func() { h.remove(sub) })

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return nil, ErrClosed
	}
	subs, ok := h.subscriptions[channel]
	if !ok {
		subs = make(map[*Subscription]struct{})
		h.subscriptions[channel] = subs
	}
	subs[sub] = struct{}{}
	h.mu.Unlock()

	go func() {
		select {
		case <-ctx.Done():
			sub.closeWith(ctx.Err())
		case <-sub.Done():
			sub.closeWith(nil)
		}
	}()
	return sub, nil
}

func (h *Hub) remove(sub *Subscription) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if subs, ok := h.subscriptions[sub.Channel()]; ok {
		delete(subs, sub)
		if len(subs) == 0 {
			delete(h.subscriptions, sub.Channel())
		}
	}
}

// Subscribers returns the number of open subscriptions on channel.
func (h *Hub) Subscribers(channel string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subscriptions[channel])
}

// Close ends every subscription with ErrClosed and rejects further use.
func (h *Hub) Close() error {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return nil
	}
	h.closed = true
	var all []*Subscription
	for _, subs := range h.subscriptions {
		for sub := range subs {
			all = append(all, sub)
		}
	}
	h.mu.Unlock()

	for _, sub := range all {
		sub.closeWith(ErrClosed)
	}
	return nil
}
