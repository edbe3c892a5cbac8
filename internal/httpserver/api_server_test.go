package httpserver

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"FleetBroker/internal/broker"
)

func newTestAPI(t *testing.T) (*broker.Broker, *httptest.Server) {
	t.Helper()
	l := logrus.New()
	l.SetOutput(io.Discard)
	b := broker.New(broker.Options{Logger: logrus.NewEntry(l)})
	api := NewAPIServer("", b, nil)
	srv := httptest.NewServer(api.Handler())
	t.Cleanup(func() {
		srv.Close()
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = b.Shutdown(ctx)
	})
	return b, srv
}

func do(t *testing.T, method, url, user string, body interface{}) (*http.Response, APIResponse) {
	t.Helper()
	var rd io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		rd = bytes.NewReader(raw)
	}
	req, err := http.NewRequest(method, url, rd)
	require.NoError(t, err)
	if user != "" {
		req.Header.Set(UserHeader, user)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	var out APIResponse
	if resp.StatusCode != http.StatusNoContent {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	}
	return resp, out
}

func createSession(t *testing.T, base, node, kind string) string {
	t.Helper()
	resp, out := do(t, http.MethodPost, base+"/api/v1/sessions", "alice", CreateSessionRequest{NodeID: node, Kind: kind})
	require.Equal(t, http.StatusCreated, resp.StatusCode, out.Message)
	return out.Data.(map[string]interface{})["session_id"].(string)
}

func TestCreateAndConflict(t *testing.T) {
	b, srv := newTestAPI(t)

	id := createSession(t, srv.URL, "node-1", "shell")
	snap, ok := b.Get(id)
	require.True(t, ok)
	assert.Equal(t, "alice", snap.RequestedBy)

	resp, out := do(t, http.MethodPost, srv.URL+"/api/v1/sessions", "bob", CreateSessionRequest{NodeID: "node-1", Kind: "SHELL"})
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
	assert.Equal(t, "already_active", out.Code)

	resp, _ = do(t, http.MethodPost, srv.URL+"/api/v1/sessions", "", CreateSessionRequest{NodeID: "node-2", Kind: "SHELL"})
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	resp, out = do(t, http.MethodPost, srv.URL+"/api/v1/sessions", "bob", CreateSessionRequest{NodeID: "node-2", Kind: "desktop"})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, "invalid_request", out.Code)

	resp, _ = do(t, http.MethodPost, srv.URL+"/api/v1/sessions", "bob", CreateSessionRequest{
		NodeID:   "node-2",
		Kind:     "SCREEN",
		Settings: broker.Settings{Screen: &broker.ScreenSettings{FPS: 500}},
	})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestGetCloseSession(t *testing.T) {
	_, srv := newTestAPI(t)
	id := createSession(t, srv.URL, "node-1", "SCREEN")

	resp, out := do(t, http.MethodGet, srv.URL+"/api/v1/sessions/"+id, "", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	data := out.Data.(map[string]interface{})
	assert.Equal(t, "PENDING", data["state"])
	assert.Equal(t, "SCREEN", data["kind"])

	resp, _ = do(t, http.MethodDelete, srv.URL+"/api/v1/sessions/"+id+"?reason=maintenance", "ops", nil)
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)

	_, out = do(t, http.MethodGet, srv.URL+"/api/v1/sessions/"+id, "", nil)
	data = out.Data.(map[string]interface{})
	assert.Equal(t, "CLOSED", data["state"])
	assert.Equal(t, "maintenance", data["close_reason"])

	resp, _ = do(t, http.MethodDelete, srv.URL+"/api/v1/sessions/"+id, "ops", nil)
	assert.Equal(t, http.StatusNoContent, resp.StatusCode, "closing twice is not an error")

	resp, out = do(t, http.MethodDelete, srv.URL+"/api/v1/sessions/unknown", "ops", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	assert.Equal(t, "not_found", out.Code)
}

func TestPauseResume(t *testing.T) {
	b, srv := newTestAPI(t)
	id := createSession(t, srv.URL, "node-1", "SCREEN")

	resp, out := do(t, http.MethodPost, srv.URL+"/api/v1/sessions/"+id+"/pause", "ops", nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, "invalid_transition", out.Code)

	reg, err := b.Registry(broker.KindScreen)
	require.NoError(t, err)
	require.True(t, reg.Activate(id))

	resp, out = do(t, http.MethodPost, srv.URL+"/api/v1/sessions/"+id+"/pause", "ops", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "PAUSED", out.Data.(map[string]interface{})["state"])

	resp, out = do(t, http.MethodPost, srv.URL+"/api/v1/sessions/"+id+"/resume", "ops", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "ACTIVE", out.Data.(map[string]interface{})["state"])
}

func TestListSessions(t *testing.T) {
	_, srv := newTestAPI(t)
	createSession(t, srv.URL, "node-1", "SHELL")
	createSession(t, srv.URL, "node-1", "SCREEN")
	closed := createSession(t, srv.URL, "node-2", "SCREEN")
	do(t, http.MethodDelete, srv.URL+"/api/v1/sessions/"+closed, "ops", nil)

	list := func(query string) PaginatedResponse {
		resp, err := http.Get(srv.URL + "/api/v1/sessions" + query)
		require.NoError(t, err)
		defer resp.Body.Close()
		require.Equal(t, http.StatusOK, resp.StatusCode)
		var out PaginatedResponse
		require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
		return out
	}

	assert.Equal(t, 2, list("").Pagination.Total)
	assert.Equal(t, 3, list("?include_closed=true").Pagination.Total)
	assert.Equal(t, 1, list("?kind=screen").Pagination.Total)
	assert.Equal(t, 2, list("?node_id=node-1").Pagination.Total)

	page := list("?include_closed=true&page=2&page_size=2")
	assert.Equal(t, 2, page.Pagination.TotalPages)
	assert.Len(t, page.Data, 1)
}

func TestPendingEndpoint(t *testing.T) {
	_, srv := newTestAPI(t)

	resp, err := http.Get(srv.URL + "/api/v1/nodes/node-9/pending?kind=SHELL")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)

	id := createSession(t, srv.URL, "node-9", "SHELL")
	resp, out := do(t, http.MethodGet, srv.URL+"/api/v1/nodes/node-9/pending?kind=SHELL", "", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, id, out.Data.(map[string]interface{})["id"])
}

func TestHealthAndMetrics(t *testing.T) {
	_, srv := newTestAPI(t)
	createSession(t, srv.URL, "node-1", "SHELL")

	resp, out := do(t, http.MethodGet, srv.URL+"/api/v1/health", "", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "healthy", out.Data.(map[string]interface{})["status"])

	_, out = do(t, http.MethodGet, srv.URL+"/api/v1/metrics", "", nil)
	metrics := out.Data.(map[string]interface{})
	assert.Equal(t, float64(1), metrics["broker_shell_open"])
	assert.GreaterOrEqual(t, metrics["total_requests"].(float64), float64(2))
}

func TestCORSPreflight(t *testing.T) {
	_, srv := newTestAPI(t)

	req, err := http.NewRequest(http.MethodOptions, srv.URL+"/api/v1/sessions", nil)
	require.NoError(t, err)
	req.Header.Set("Origin", "https://console.example.com")
	req.Header.Set("Access-Control-Request-Method", "POST")
	req.Header.Set("Access-Control-Request-Headers", UserHeader)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, "*", resp.Header.Get("Access-Control-Allow-Origin"))
}

func TestStatusFor(t *testing.T) {
	tests := []struct {
		err    error
		status int
	}{
		{broker.ErrNotFound, http.StatusNotFound},
		{broker.ErrAlreadyActive, http.StatusConflict},
		{broker.ErrInvalidTransition, http.StatusBadRequest},
		{broker.ErrInvalidSettings, http.StatusBadRequest},
		{broker.ErrUnknownKind, http.StatusBadRequest},
		{broker.ErrBrokerClosed, http.StatusServiceUnavailable},
		{errors.New("disk on fire"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		status, _ := StatusFor(tt.err)
		assert.Equal(t, tt.status, status, tt.err.Error())
	}
}
