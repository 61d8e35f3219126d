package handler

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"
	mw "github.com/kiranshivaraju/genflow/internal/api/middleware"
	"github.com/kiranshivaraju/genflow/internal/api/response"
	"github.com/kiranshivaraju/genflow/internal/realtime"
	"github.com/kiranshivaraju/genflow/internal/watch"
)

// JobWatcher opens a reconciled stream of one job's states.
type JobWatcher interface {
	Watch(ctx context.Context, jobID uuid.UUID) (*watch.Stream, error)
}

// OwnerSubscriber hands out the per-owner realtime feed.
type OwnerSubscriber interface {
	SubscribeOwner(ctx context.Context, ownerID uuid.UUID) (*realtime.Subscription, error)
}

// NewJobEventsHandler returns an http.HandlerFunc for GET /api/v1/jobs/{jobID}/events.
// Each state is sent as an "event: job" frame; the stream ends after the terminal
// state with an "event: end" frame.
func NewJobEventsHandler(svc JobService, watcher JobWatcher, heartbeat time.Duration) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ownerID, jobID, ok := ownerAndJob(w, r)
		if !ok {
			return
		}
		if _, err := svc.Get(r.Context(), ownerID, jobID); err != nil {
			writeServiceError(w, err)
			return
		}

		stream, err := watcher.Watch(r.Context(), jobID)
		if err != nil {
			writeServiceError(w, err)
			return
		}
		defer stream.Close()

		sse, err := response.NewSSE(w)
		if err != nil {
			slog.Error("event stream unavailable", "error", err)
			return
		}

		ticker := time.NewTicker(heartbeat)
		defer ticker.Stop()
		for {
			select {
			case <-r.Context().Done():
				return
			case <-ticker.C:
				if err := sse.Comment("ping"); err != nil {
					return
				}
			case st, ok := <-stream.Updates():
				if !ok {
					if err := stream.Err(); err != nil && r.Context().Err() == nil {
						_ = sse.Event("error", map[string]string{"message": err.Error()})
						return
					}
					_ = sse.Event("end", stream.Current())
					return
				}
				if err := sse.Event("job", st); err != nil {
					return
				}
			}
		}
	}
}

// NewOwnerEventsHandler returns an http.HandlerFunc for GET /api/v1/events. It
// forwards every published snapshot of the owner's jobs. When the feed drops, a
// "resync" frame tells the client to re-list before reconnecting.
func NewOwnerEventsHandler(sub OwnerSubscriber, heartbeat time.Duration) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ownerID, ok := mw.GetOwnerID(r)
		if !ok {
			response.Error(w, http.StatusUnauthorized, "MISSING_OWNER", "Missing owner", nil)
			return
		}

		feed, err := sub.SubscribeOwner(r.Context(), ownerID)
		if err != nil {
			slog.Error("owner subscription failed", "owner_id", ownerID, "error", err)
			response.Error(w, http.StatusServiceUnavailable, "REALTIME_UNAVAILABLE",
				"Realtime updates are temporarily unavailable", nil)
			return
		}
		defer feed.Unsubscribe()

		sse, err := response.NewSSE(w)
		if err != nil {
			slog.Error("event stream unavailable", "error", err)
			return
		}

		ticker := time.NewTicker(heartbeat)
		defer ticker.Stop()
		for {
			select {
			case <-r.Context().Done():
				return
			case <-ticker.C:
				if err := sse.Comment("ping"); err != nil {
					return
				}
			case job, ok := <-feed.Updates():
				if !ok {
					if r.Context().Err() == nil {
						reason := "closed"
						if err := feed.Err(); err != nil {
							reason = err.Error()
						}
						_ = sse.Event("resync", map[string]string{"reason": reason})
					}
					return
				}
				if err := sse.Event("job", job); err != nil {
					return
				}
			}
		}
	}
}
