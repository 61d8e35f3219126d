package api_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"github.com/kiranshivaraju/genflow/internal/api"
	mw "github.com/kiranshivaraju/genflow/internal/api/middleware"
	"github.com/kiranshivaraju/genflow/internal/cache"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// --- stub cache ---

type stubCache struct{ count int64 }

func (c *stubCache) Ping(_ context.Context) error { return nil }
func (c *stubCache) IncrWithExpiry(_ context.Context, _ string, _ time.Duration) (int64, error) {
	c.count++
	return c.count, nil
}

// --- router tests ---

func ok(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(`{"data":{}}`))
}

func newTestRouter(rl *mw.RateLimit) http.Handler {
	return api.NewRouter(api.Dependencies{
		RateLimit:        rl,
		HealthHandler:    ok,
		SubmitJobHandler: ok,
		ListJobsHandler:  ok,
		GetJobHandler:    ok,
	})
}

func TestRouter_HealthEndpoint_Public(t *testing.T) {
	router := newTestRouter(nil)

	req := httptest.NewRequest("GET", "/api/v1/health", nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusOK, w.Code)
}

func TestRouter_OwnerScopedEndpoints_RequireOwner(t *testing.T) {
	router := newTestRouter(nil)

	endpoints := []struct {
		method string
		path   string
	}{
		{"POST", "/api/v1/jobs"},
		{"GET", "/api/v1/jobs"},
		{"GET", "/api/v1/jobs/" + uuid.NewString()},
		{"POST", "/api/v1/jobs/" + uuid.NewString() + "/cancel"},
		{"GET", "/api/v1/jobs/" + uuid.NewString() + "/events"},
		{"GET", "/api/v1/events"},
	}

	for _, ep := range endpoints {
		t.Run(ep.method+" "+ep.path, func(t *testing.T) {
			req := httptest.NewRequest(ep.method, ep.path, nil)
			w := httptest.NewRecorder()
			router.ServeHTTP(w, req)

			assert.Equal(t, http.StatusUnauthorized, w.Code)

			var body map[string]any
			require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
			errObj := body["error"].(map[string]any)
			assert.Equal(t, "MISSING_OWNER", errObj["code"])
		})
	}
}

func TestRouter_WithOwner(t *testing.T) {
	router := newTestRouter(nil)

	req := httptest.NewRequest("GET", "/api/v1/jobs", nil)
	req.Header.Set(mw.OwnerHeader, uuid.NewString())
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusOK, w.Code)
}

func TestRouter_UnsetHandlerIsNotImplemented(t *testing.T) {
	router := newTestRouter(nil)

	req := httptest.NewRequest("GET", "/api/v1/events", nil)
	req.Header.Set(mw.OwnerHeader, uuid.NewString())
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusNotImplemented, w.Code)
}

func TestRouter_RateLimitApplied(t *testing.T) {
	router := newTestRouter(mw.NewRateLimit(&stubCache{}, 1))
	owner := uuid.NewString()

	codes := make([]int, 0, 2)
	for range 2 {
		req := httptest.NewRequest("GET", "/api/v1/jobs", nil)
		req.Header.Set(mw.OwnerHeader, owner)
		w := httptest.NewRecorder()
		router.ServeHTTP(w, req)
		codes = append(codes, w.Code)
	}
	assert.Equal(t, []int{http.StatusOK, http.StatusTooManyRequests}, codes)
}

func TestRouter_RequestIDHeaderIsHonoured(t *testing.T) {
	var got string
	router := api.NewRouter(api.Dependencies{
		HealthHandler: func(w http.ResponseWriter, r *http.Request) {
			got = chimw.GetReqID(r.Context())
			w.WriteHeader(http.StatusOK)
		},
	})

	req := httptest.NewRequest("GET", "/api/v1/health", nil)
	req.Header.Set("X-Request-Id", "req-42")
	router.ServeHTTP(httptest.NewRecorder(), req)
	assert.Equal(t, "req-42", got)
}

func TestRouter_NotFound(t *testing.T) {
	router := newTestRouter(nil)

	req := httptest.NewRequest("GET", "/api/v1/nonexistent", nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusNotFound, w.Code)
}

var _ cache.Cache = (*stubCache)(nil)
