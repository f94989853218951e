package api

import (
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"

	"github.com/camoufox-proxy/AIStudioProxyAPI/internal/config"
	"github.com/camoufox-proxy/AIStudioProxyAPI/internal/logging"
	"github.com/camoufox-proxy/AIStudioProxyAPI/internal/pipeline"
	"github.com/camoufox-proxy/AIStudioProxyAPI/internal/registry"
	"github.com/camoufox-proxy/AIStudioProxyAPI/internal/state"
	"github.com/camoufox-proxy/AIStudioProxyAPI/internal/testutil"
)

func TestMain(m *testing.M) {
	gin.SetMode(gin.TestMode)
	os.Exit(m.Run())
}

func newTestServer(t *testing.T, mutate func(*config.Config)) (*Server, *testutil.FakePage) {
	t.Helper()
	cfg := &config.Config{
		Port:         config.DefaultServerPort,
		DefaultModel: "gemini-2.5-pro",
	}
	if mutate != nil {
		mutate(cfg)
	}
	st := state.NewRuntimeState(nil)
	page := &testutil.FakePage{URL: "https://aistudio.google.com/prompts/new_chat"}
	pipe := pipeline.New(pipeline.Deps{Config: cfg, State: st, Page: page})
	reg := registry.New(cfg, page)
	hub := logging.NewLogHub()
	t.Cleanup(hub.Close)
	return NewServer(cfg, st, pipe, reg, hub), page
}

func serve(s *Server, req *http.Request) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	s.engine.ServeHTTP(w, req)
	return w
}

func TestAuthMiddleware(t *testing.T) {
	s, _ := newTestServer(t, func(cfg *config.Config) { cfg.APIKeys = []string{"secret-key"} })

	cases := []struct {
		name    string
		headers map[string]string
		status  int
	}{
		{"bearer", map[string]string{"Authorization": "Bearer secret-key"}, http.StatusOK},
		{"raw authorization", map[string]string{"Authorization": "secret-key"}, http.StatusOK},
		{"x-api-key", map[string]string{"X-API-Key": "secret-key"}, http.StatusOK},
		{"wrong bearer", map[string]string{"Authorization": "Bearer nope"}, http.StatusUnauthorized},
		{"wrong x-api-key", map[string]string{"X-API-Key": "nope"}, http.StatusUnauthorized},
		{"missing", nil, http.StatusUnauthorized},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/v1/queue", nil)
			for k, v := range tc.headers {
				req.Header.Set(k, v)
			}
			w := serve(s, req)
			assert.Equal(t, tc.status, w.Code)
			if tc.status == http.StatusUnauthorized {
				assert.Equal(t, "invalid_request_error", gjson.Get(w.Body.String(), "error.type").String())
			}
		})
	}
}

func TestUpdateConfigSwapsAPIKeys(t *testing.T) {
	s, _ := newTestServer(t, func(cfg *config.Config) { cfg.APIKeys = []string{"old-key"} })

	req := httptest.NewRequest(http.MethodGet, "/v1/queue", nil)
	req.Header.Set("X-API-Key", "old-key")
	assert.Equal(t, http.StatusOK, serve(s, req).Code)

	s.UpdateConfig(&config.Config{APIKeys: []string{"new-key"}})

	req = httptest.NewRequest(http.MethodGet, "/v1/queue", nil)
	req.Header.Set("X-API-Key", "old-key")
	assert.Equal(t, http.StatusUnauthorized, serve(s, req).Code)

	req = httptest.NewRequest(http.MethodGet, "/v1/queue", nil)
	req.Header.Set("X-API-Key", "new-key")
	assert.Equal(t, http.StatusOK, serve(s, req).Code)
}

func TestAuthDisabledWithoutKeys(t *testing.T) {
	s, _ := newTestServer(t, nil)
	w := serve(s, httptest.NewRequest(http.MethodGet, "/v1/queue", nil))
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestOpenRoutesSkipAuth(t *testing.T) {
	s, _ := newTestServer(t, func(cfg *config.Config) { cfg.APIKeys = []string{"secret-key"} })

	for _, path := range []string{"/v1/models", "/health"} {
		w := serve(s, httptest.NewRequest(http.MethodGet, path, nil))
		assert.Equal(t, http.StatusOK, w.Code, path)
	}
}

func TestCORSPreflight(t *testing.T) {
	s, _ := newTestServer(t, func(cfg *config.Config) { cfg.APIKeys = []string{"secret-key"} })

	w := serve(s, httptest.NewRequest(http.MethodOptions, "/v1/chat/completions", nil))
	assert.Equal(t, http.StatusNoContent, w.Code)
	assert.Equal(t, "*", w.Header().Get("Access-Control-Allow-Origin"))
	assert.Contains(t, w.Header().Get("Access-Control-Allow-Headers"), "Authorization")
}

func TestHealthReportsPhase(t *testing.T) {
	s, _ := newTestServer(t, nil)

	w := serve(s, httptest.NewRequest(http.MethodGet, "/health", nil))
	require.Equal(t, http.StatusOK, w.Code)
	body := w.Body.String()
	assert.Equal(t, "ok", gjson.Get(body, "status").String())
	assert.Equal(t, int64(0), gjson.Get(body, "queue").Int())
	assert.Equal(t, "idle", gjson.Get(body, "worker").String())

	s.st.FlagQuotaExceeded(state.ErrorKindQuotaExceeded, "gemini-2.5-pro")
	w = serve(s, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, "rotating", gjson.Get(w.Body.String(), "status").String())

	s.st.Shutdown()
	w = serve(s, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, "shutting_down", gjson.Get(w.Body.String(), "status").String())
}

func TestModelsEndpointListsPageModels(t *testing.T) {
	s, page := newTestServer(t, nil)
	page.Models = []string{"gemini-2.5-pro", "gemini-2.5-flash"}

	w := serve(s, httptest.NewRequest(http.MethodGet, "/v1/models", nil))
	require.Equal(t, http.StatusOK, w.Code)

	body := w.Body.String()
	assert.Equal(t, "list", gjson.Get(body, "object").String())
	require.Equal(t, int64(2), gjson.Get(body, "data.#").Int())
	assert.Equal(t, "gemini-2.5-pro", gjson.Get(body, "data.0.id").String())
	assert.Equal(t, "model", gjson.Get(body, "data.0.object").String())
	assert.Equal(t, "google", gjson.Get(body, "data.0.owned_by").String())
}

func TestUnknownRouteIs404(t *testing.T) {
	s, _ := newTestServer(t, nil)
	w := serve(s, httptest.NewRequest(http.MethodGet, "/docs", nil))
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestLogFeedDeliversBroadcasts(t *testing.T) {
	s, _ := newTestServer(t, nil)
	srv := httptest.NewServer(s.engine)
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws/logs"
	conn, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	defer func() { _ = conn.Close() }()

	require.Eventually(t, func() bool {
		return s.hub.SubscriberCount() == 1
	}, 2*time.Second, 10*time.Millisecond)

	s.hub.Broadcast([]byte("rotation complete"))

	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, msg, err := conn.ReadMessage()
	require.NoError(t, err)
	assert.Equal(t, "rotation complete", string(msg))
}
