package response

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"
)

var ErrStreamingUnsupported = errors.New("streaming unsupported")

// SSE writes a server-sent event stream.
type SSE struct {
	w  http.ResponseWriter
	rc *http.ResponseController
}

// NewSSE sends the event-stream headers. It fails when the writer cannot flush.
func NewSSE(w http.ResponseWriter) (*SSE, error) {
	rc := http.NewResponseController(w)
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	if err := rc.Flush(); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrStreamingUnsupported, err)
	}
	// writes are long-lived; the server's WriteTimeout would cut the stream
	_ = rc.SetWriteDeadline(time.Time{})
	return &SSE{w: w, rc: rc}, nil
}

// Event writes one named event with v encoded as JSON.
func (s *SSE) Event(name string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	if _, err := fmt.Fprintf(s.w, "event: %s\ndata: %s\n\n", name, data); err != nil {
		return err
	}
	return s.rc.Flush()
}

// Comment writes a comment line, used as a heartbeat.
func (s *SSE) Comment(text string) error {
	if _, err := fmt.Fprintf(s.w, ": %s\n\n", text); err != nil {
		return err
	}
	return s.rc.Flush()
}
