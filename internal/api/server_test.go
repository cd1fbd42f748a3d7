package api

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tollgate/tollgate/internal/config"
	"github.com/tollgate/tollgate/internal/engine"
	"github.com/tollgate/tollgate/internal/limiter"
	"github.com/tollgate/tollgate/internal/logging"
	"github.com/tollgate/tollgate/internal/metrics"
	"github.com/tollgate/tollgate/internal/models"
	"github.com/tollgate/tollgate/internal/store"
	"github.com/tollgate/tollgate/internal/sweeper"
)

func newTestServer(t *testing.T, apiCfg config.APIConfig) (*Server, *store.MemoryStore) {
	t.Helper()

	st := store.NewMemoryStore()
	logger := logging.NewLogger(logging.WithOutput(io.Discard))
	m := metrics.NewMetrics("tollgate_test")
	e := engine.New(st, limiter.New(nil), nil, logger)
	sw := sweeper.New(st, nil, logger)

	cfg := config.ServerConfig{Host: "127.0.0.1", HTTPPort: 8428}
	return NewServer(cfg, apiCfg, st, e, sw, m, logger), st
}

func doJSON(t *testing.T, srv *Server, method, path string, body interface{}, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()

	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(data)
	}

	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	rec := httptest.NewRecorder()
	srv.Router().ServeHTTP(rec, req)
	return rec
}

func TestServer_Health(t *testing.T) {
	srv, _ := newTestServer(t, config.APIConfig{})

	rec := doJSON(t, srv, http.MethodGet, "/health", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "healthy")
}

func TestServer_Metrics(t *testing.T) {
	srv, _ := newTestServer(t, config.APIConfig{})

	rec := doJSON(t, srv, http.MethodGet, "/metrics", nil, nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestServer_AdmitAllowed(t *testing.T) {
	srv, _ := newTestServer(t, config.APIConfig{})

	rec := doJSON(t, srv, http.MethodPost, "/v1/admit", AdmitRequest{PrincipalID: "user-1", TokenCost: 100}, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var resp AdmitResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.True(t, resp.Allowed)
	assert.False(t, resp.StoreUnavailable)
}

func TestServer_AdmitDenied(t *testing.T) {
	srv, st := newTestServer(t, config.APIConfig{})

	ctx := httptest.NewRequest(http.MethodGet, "/", nil).Context()
	_, err := st.GetOrCreatePolicy(ctx, "user-1")
	require.NoError(t, err)
	one := int64(1)
	_, err = st.UpdatePolicy(ctx, "user-1", &models.PolicyUpdate{RequestsPerMinute: &one})
	require.NoError(t, err)

	rec := doJSON(t, srv, http.MethodPost, "/v1/admit", AdmitRequest{PrincipalID: "user-1", TokenCost: 1}, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	doJSON(t, srv, http.MethodPost, "/v1/release", ReleaseRequest{PrincipalID: "user-1"}, nil)

	rec = doJSON(t, srv, http.MethodPost, "/v1/admit", AdmitRequest{PrincipalID: "user-1", TokenCost: 1}, nil)
	require.Equal(t, http.StatusTooManyRequests, rec.Code)

	var resp AdmitResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.False(t, resp.Allowed)
	assert.Equal(t, string(models.CheckMinuteRequests), resp.Violated)
	assert.Equal(t, int64(1), resp.CurrentCount)
	assert.Equal(t, int64(1), resp.Limit)
	require.NotNil(t, resp.ResetAt)
}

func TestServer_AdmitMissingPrincipal(t *testing.T) {
	srv, _ := newTestServer(t, config.APIConfig{})

	rec := doJSON(t, srv, http.MethodPost, "/v1/admit", map[string]interface{}{"token_cost": 5}, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestServer_PolicyLifecycle(t *testing.T) {
	srv, _ := newTestServer(t, config.APIConfig{})

	// First GET provisions defaults.
	rec := doJSON(t, srv, http.MethodGet, "/v1/policies/user-1", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var policy models.QuotaPolicy
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &policy))
	assert.Equal(t, models.DefaultRequestsPerMinute, policy.RequestsPerMinute)

	// Partial update.
	rec = doJSON(t, srv, http.MethodPut, "/v1/policies/user-1",
		map[string]interface{}{"requests_per_minute": 120}, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &policy))
	assert.Equal(t, int64(120), policy.RequestsPerMinute)
	assert.Equal(t, models.DefaultRequestsPerHour, policy.RequestsPerHour)

	// Invalid update rejected.
	rec = doJSON(t, srv, http.MethodPut, "/v1/policies/user-1",
		map[string]interface{}{"requests_per_minute": -5}, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	// Empty update rejected.
	rec = doJSON(t, srv, http.MethodPut, "/v1/policies/user-1", map[string]interface{}{}, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	// Delete cascades.
	rec = doJSON(t, srv, http.MethodDelete, "/v1/principals/user-1", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	// Next GET re-provisions defaults.
	rec = doJSON(t, srv, http.MethodGet, "/v1/policies/user-1", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &policy))
	assert.Equal(t, models.DefaultRequestsPerMinute, policy.RequestsPerMinute)
}

func TestServer_Usage(t *testing.T) {
	srv, _ := newTestServer(t, config.APIConfig{})

	rec := doJSON(t, srv, http.MethodPost, "/v1/admit", AdmitRequest{PrincipalID: "user-1", TokenCost: 50}, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = doJSON(t, srv, http.MethodGet, "/v1/usage/user-1", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var resp struct {
		PrincipalID string                `json:"principal_id"`
		Windows     []*models.UsageWindow `json:"windows"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "user-1", resp.PrincipalID)
	assert.Len(t, resp.Windows, 3)
}

func TestServer_UsageUnknownPrincipal(t *testing.T) {
	srv, _ := newTestServer(t, config.APIConfig{})

	rec := doJSON(t, srv, http.MethodGet, "/v1/usage/ghost", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"windows":[]`)
}

func TestServer_SweepEndpoint(t *testing.T) {
	srv, st := newTestServer(t, config.APIConfig{})

	old := time.Now().UTC().Add(-30 * 24 * time.Hour)
	ctx := httptest.NewRequest(http.MethodGet, "/", nil).Context()
	_, err := st.TryReserve(ctx, "user-1", models.CheckMinuteRequests,
		models.GranularityMinute.WindowStart(old), 1, 0, 100)
	require.NoError(t, err)

	rec := doJSON(t, srv, http.MethodPost, "/v1/sweep", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"deleted":1`)
}

func TestServer_APIKeyAuth(t *testing.T) {
	apiCfg := config.APIConfig{
		Auth: config.AuthConfig{
			Enabled: true,
			APIKeys: []string{"secret-key"},
		},
	}
	srv, _ := newTestServer(t, apiCfg)

	// Missing key.
	rec := doJSON(t, srv, http.MethodPost, "/v1/admit", AdmitRequest{PrincipalID: "user-1"}, nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	// Wrong key.
	rec = doJSON(t, srv, http.MethodPost, "/v1/admit", AdmitRequest{PrincipalID: "user-1"},
		map[string]string{"X-API-Key": "wrong"})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	// Correct key.
	rec = doJSON(t, srv, http.MethodPost, "/v1/admit", AdmitRequest{PrincipalID: "user-1"},
		map[string]string{"X-API-Key": "secret-key"})
	assert.Equal(t, http.StatusOK, rec.Code)

	// Health and metrics stay open.
	rec = doJSON(t, srv, http.MethodGet, "/health", nil, nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	rec = doJSON(t, srv, http.MethodGet, "/metrics", nil, nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestServer_DeletePrincipalForgetsConcurrency(t *testing.T) {
	st := store.NewMemoryStore()
	logger := logging.NewLogger(logging.WithOutput(io.Discard))
	m := metrics.NewMetrics("tollgate_test")
	lim := limiter.New(nil)
	e := engine.New(st, lim, nil, logger)
	sw := sweeper.New(st, nil, logger)
	srv := NewServer(config.ServerConfig{Host: "127.0.0.1", HTTPPort: 8428}, config.APIConfig{}, st, e, sw, m, logger)

	rec := doJSON(t, srv, http.MethodPost, "/v1/admit", AdmitRequest{PrincipalID: "user-1", TokenCost: 1}, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, int64(1), lim.Current("user-1"))

	// The cascade drops the process-local concurrency counter too.
	rec = doJSON(t, srv, http.MethodDelete, "/v1/principals/user-1", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, int64(0), lim.Current("user-1"))
}

func TestIsAuthenticated(t *testing.T) {
	gin.SetMode(gin.TestMode)
	c, _ := gin.CreateTestContext(httptest.NewRecorder())

	_, ok := IsAuthenticated(c)
	assert.False(t, ok)

	c.Set("api_key", "secret-key")
	key, ok := IsAuthenticated(c)
	assert.True(t, ok)
	assert.Equal(t, "secret-key", key)
}

func TestMaskAPIKeys(t *testing.T) {
	masked := MaskAPIKeys([]string{"abc", "secret-key-123"})
	assert.Equal(t, "***", masked[0])
	assert.Equal(t, fmt.Sprintf("secr%s", "**********"), masked[1])
}
