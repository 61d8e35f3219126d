// Package queue implements provider.Adapter over a queue-style HTTP API: submit a
// request, poll its status, then fetch the result.
package queue

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/kiranshivaraju/genflow/internal/config"
	"github.com/kiranshivaraju/genflow/internal/provider"
)

// Remote request states.
const (
	StatusInQueue    = "IN_QUEUE"
	StatusInProgress = "IN_PROGRESS"
	StatusCompleted  = "COMPLETED"
	StatusFailed     = "FAILED"
)

// maxPollFailures is how many consecutive failed status polls are tolerated before
// the call is abandoned.
const maxPollFailures = 3

var errHardTimeout = errors.New("provider hard timeout")

// Client implements provider.Adapter using the queue HTTP protocol.
type Client struct {
	baseURL      string
	apiKey       string
	pollInterval time.Duration
	timeout      time.Duration
	client       *http.Client
	logger       *slog.Logger
}

// NewClient creates a new queue protocol client.
func NewClient(cfg config.ProviderConfig, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		baseURL:      strings.TrimRight(cfg.BaseURL, "/"),
		apiKey:       cfg.APIKey,
		pollInterval: cfg.PollInterval,
		timeout:      cfg.Timeout,
		client:       &http.Client{Timeout: cfg.RequestTimeout},
		logger:       logger.With("component", "queue_provider"),
	}
}

func (c *Client) Name() string { return "queue" }

type submitResponse struct {
	RequestID string `json:"request_id"`
}

type logEntry struct {
	Message string `json:"message"`
}

type statusResponse struct {
	Status        string     `json:"status"`
	QueuePosition *int       `json:"queue_position"`
	Logs          []logEntry `json:"logs"`
	Error         string     `json:"error"`
}

// Invoke submits the request, polls its status until it settles and fetches the
// result. Any exit without a result cancels the remote request unless the
// provider already reported it failed.
func (c *Client) Invoke(ctx context.Context, req provider.Request, onProgress provider.ProgressFunc) (provider.Result, error) {
	if onProgress == nil {
		onProgress = func(int, string) {}
	}
	ctx, cancel := context.WithTimeoutCause(ctx, c.timeout, errHardTimeout)
	defer cancel()

	requestID, err := c.submit(ctx, req)
	if err != nil {
		return provider.Result{}, c.ctxOr(ctx, err)
	}
	log := c.logger.With("job_id", req.JobID, "request_id", requestID, "model", req.ProviderName)
	log.Debug("request submitted")

	var (
		tracker  progressTracker
		failures int
		settled  bool
	)
	defer func() {
		if !settled {
			c.cancelRemote(req.ProviderName, requestID, log)
		}
	}()
	ticker := time.NewTicker(c.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return provider.Result{}, c.ctxOr(ctx, ctx.Err())
		case <-ticker.C:
		}

		st, err := c.status(ctx, req.ProviderName, requestID)
		if err != nil {
			if ctx.Err() != nil {
				continue
			}
			failures++
			log.Warn("status poll failed", "error", err, "consecutive_failures", failures)
			if !provider.IsTransient(err) || failures >= maxPollFailures {
				return provider.Result{}, err
			}
			continue
		}
		failures = 0

		switch st.Status {
		case StatusInQueue, StatusInProgress:
			if pct, msg, ok := tracker.observe(st); ok {
				onProgress(pct, msg)
			}
		case StatusCompleted:
			output, err := c.result(ctx, req.ProviderName, requestID)
			if err != nil {
				return provider.Result{}, c.ctxOr(ctx, err)
			}
			settled = true
			return provider.Result{Output: output, RequestID: requestID}, nil
		case StatusFailed:
			settled = true
			msg := st.Error
			if msg == "" {
				msg = "provider reported failure"
			}
			return provider.Result{}, provider.Permanent(provider.CodeGenerationFailed, msg)
		default:
			return provider.Result{}, provider.Permanent(provider.CodeInvalidResponse,
				fmt.Sprintf("unknown request status %q", st.Status))
		}
	}
}

// progressTracker turns successive status responses into progress reports, emitting
// only when something new was observed.
type progressTracker struct {
	lastStatus   string
	lastPosition int
	logsSeen     int
	ticks        int
}

func (t *progressTracker) observe(st statusResponse) (int, string, bool) {
	switch st.Status {
	case StatusInQueue:
		pos := 0
		if st.QueuePosition != nil {
			pos = *st.QueuePosition
		}
		if t.lastStatus == StatusInQueue && pos == t.lastPosition {
			return 0, "", false
		}
		t.lastStatus, t.lastPosition = StatusInQueue, pos
		return provider.QueuedProgress(pos), fmt.Sprintf("queued (position %d)", pos), true
	case StatusInProgress:
		fresh := len(st.Logs) > t.logsSeen
		if t.lastStatus == StatusInProgress && !fresh {
			return 0, "", false
		}
		msg := "processing"
		if fresh {
			msg = st.Logs[len(st.Logs)-1].Message
			t.logsSeen = len(st.Logs)
		}
		t.lastStatus = StatusInProgress
		t.ticks++
		return provider.ProcessingProgress(t.ticks), msg, true
	}
	return 0, "", false
}

func (c *Client) submit(ctx context.Context, req provider.Request) (string, error) {
	var out submitResponse
	if err := c.do(ctx, http.MethodPost, c.modelURL(req.ProviderName), req.Input, &out); err != nil {
		return "", err
	}
	if out.RequestID == "" {
		return "", provider.Permanent(provider.CodeInvalidResponse, "submit response missing request_id")
	}
	return out.RequestID, nil
}

func (c *Client) status(ctx context.Context, model, requestID string) (statusResponse, error) {
	var out statusResponse
	err := c.do(ctx, http.MethodGet, c.requestURL(model, requestID)+"/status?logs=1", nil, &out)
	return out, err
}

func (c *Client) result(ctx context.Context, model, requestID string) (json.RawMessage, error) {
	var out json.RawMessage
	if err := c.do(ctx, http.MethodGet, c.requestURL(model, requestID), nil, &out); err != nil {
		return nil, err
	}
	if len(out) == 0 || !json.Valid(out) {
		return nil, provider.Permanent(provider.CodeInvalidResponse, "result is not valid JSON")
	}
	return out, nil
}

// cancelRemote asks the provider to drop the request. Best effort; the caller's
// context is already done so a short detached one is used.
func (c *Client) cancelRemote(model, requestID string, log *slog.Logger) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := c.do(ctx, http.MethodPut, c.requestURL(model, requestID)+"/cancel", nil, nil); err != nil {
		log.Warn("remote cancel failed", "error", err)
	}
}

func (c *Client) modelURL(model string) string {
	return c.baseURL + "/" + strings.Trim(model, "/")
}

func (c *Client) requestURL(model, requestID string) string {
	return c.modelURL(model) + "/requests/" + requestID
}

func (c *Client) do(ctx context.Context, method, url string, body json.RawMessage, out any) error {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	httpReq, err := http.NewRequestWithContext(ctx, method, url, reader)
	if err != nil {
		return fmt.Errorf("building request: %w", err)
	}
	httpReq.Header.Set("Accept", "application/json")
	if body != nil {
		httpReq.Header.Set("Content-Type", "application/json")
	}
	if c.apiKey != "" {
		httpReq.Header.Set("Authorization", "Key "+c.apiKey)
	}

	resp, err := c.client.Do(httpReq)
	if err != nil {
		return classifyError(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return classifyStatus(resp.StatusCode, strings.TrimSpace(string(snippet)))
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return provider.Permanent(provider.CodeInvalidResponse, "decoding provider response").Wrap(err)
	}
	return nil
}

// ctxOr prefers the context outcome over err once ctx is done: the hard ceiling
// becomes a transient provider_timeout, a parent cancellation is returned as is.
func (c *Client) ctxOr(ctx context.Context, err error) error {
	if ctx.Err() == nil {
		return err
	}
	if errors.Is(context.Cause(ctx), errHardTimeout) {
		return provider.Transient(provider.CodeProviderTimeout,
			fmt.Sprintf("no result within %s", c.timeout)).Wrap(errHardTimeout)
	}
	return ctx.Err()
}

// classifyError maps transport-level errors to classified provider errors.
func classifyError(err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return provider.Transient(provider.CodeProviderTimeout, "request timed out").Wrap(err)
	}
	return provider.Transient(provider.CodeProviderUnavailable, "provider unreachable").Wrap(err)
}

// classifyStatus maps non-2xx responses: 408, 429 and 5xx are worth retrying, the
// rest of 4xx is the provider refusing the request.
func classifyStatus(code int, body string) error {
	msg := fmt.Sprintf("status %d", code)
	if body != "" {
		msg += ": " + body
	}
	switch {
	case code == http.StatusRequestTimeout:
		return provider.Transient(provider.CodeProviderTimeout, msg)
	case code == http.StatusTooManyRequests:
		return provider.Transient(provider.CodeRateLimited, msg)
	case code >= 500:
		return provider.Transient(provider.CodeProviderUnavailable, msg)
	case code == http.StatusPaymentRequired:
		return provider.Permanent(provider.CodeQuotaExceeded, msg)
	default:
		return provider.Permanent(provider.CodeProviderRejected, msg)
	}
}

var _ provider.Adapter = (*Client)(nil)
