package session

import (
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"wiogate/internal/auth"
	"wiogate/internal/hub"
	"wiogate/pkg/types"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

const testSecret = "test-secret"

func newTestServer(t *testing.T, allowedOrigins ...string) (*httptest.Server, *hub.Registry, *auth.Verifier) {
	t.Helper()
	verifier := auth.NewVerifier(testSecret, "")
	registry := hub.NewRegistry(zap.NewNop(), nil)
	config := types.WebSocketConfig{Path: "/ws", AllowedOrigins: allowedOrigins}
	srv := NewServer(config, "", verifier, registry, &fakePublisher{}, zap.NewNop(), nil).
		WithHealth(func() (bool, string) { return false, "broker stale" }).
		WithMetrics(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) { io.WriteString(w, "metrics") }))

	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(func() {
		srv.CloseSessions()
		ts.Close()
	})
	return ts, registry, verifier
}

func wsURL(ts *httptest.Server, query string) string {
	return "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws?" + query
}

func issue(t *testing.T, v *auth.Verifier, workspaces ...string) string {
	t.Helper()
	token, err := v.Issue(auth.Identity{UserID: "user-1", Workspaces: workspaces}, time.Hour)
	require.NoError(t, err)
	return token
}

func TestHandshakeRejections(t *testing.T) {
	ts, registry, verifier := newTestServer(t)
	member := issue(t, verifier, "W1")

	tests := []struct {
		name   string
		header http.Header
		query  string
		status int
	}{
		{name: "no credential", query: "workspace_id=W1", status: http.StatusUnauthorized},
		{name: "bad token", header: http.Header{"Authorization": {"Bearer nope"}}, query: "workspace_id=W1", status: http.StatusUnauthorized},
		{name: "no workspace", header: http.Header{"Authorization": {"Bearer " + member}}, status: http.StatusForbidden},
		{name: "not a member", header: http.Header{"Authorization": {"Bearer " + member}}, query: "workspace_id=W9", status: http.StatusForbidden},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			conn, resp, err := websocket.DefaultDialer.Dial(wsURL(ts, tt.query), tt.header)
			require.Error(t, err)
			if conn != nil {
				conn.Close()
			}
			require.NotNil(t, resp)
			assert.Equal(t, tt.status, resp.StatusCode)
			assert.Equal(t, 0, registry.Workspaces())
		})
	}
}

func TestHandshakeJoinsAuthorizedWorkspaces(t *testing.T) {
	ts, registry, verifier := newTestServer(t)
	token := issue(t, verifier, "W1", "W2")

	header := http.Header{}
	header.Add("Cookie", (&http.Cookie{Name: "session", Value: token}).String())
	conn, _, err := websocket.DefaultDialer.Dial(wsURL(ts, "workspace_id=W1,W3&workspace_id=W2"), header)
	require.NoError(t, err)

	require.Eventually(t, func() bool { return registry.Workspaces() == 2 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, 1, registry.Clients("W1"))
	assert.Equal(t, 1, registry.Clients("W2"))
	assert.Equal(t, 0, registry.Clients("W3"))

	assert.Equal(t, 1, registry.SendMessage("W2", "hello"))
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, msg, err := conn.ReadMessage()
	require.NoError(t, err)
	assert.Equal(t, "hello", string(msg))

	require.NoError(t, conn.Close())
	assert.Eventually(t, func() bool { return registry.Workspaces() == 0 }, 2*time.Second, 5*time.Millisecond)
}

func TestHandshakeChecksOrigin(t *testing.T) {
	ts, registry, verifier := newTestServer(t, "https://dashboard.example.com")
	token := issue(t, verifier, "W1")

	tests := []struct {
		name   string
		origin string
		ok     bool
	}{
		{name: "no origin", ok: true},
		{name: "same host", origin: ts.URL, ok: true},
		{name: "listed origin", origin: "https://dashboard.example.com", ok: true},
		{name: "cross site", origin: "https://evil.example.net"},
		{name: "listed host other scheme", origin: "http://dashboard.example.com"},
		{name: "garbage", origin: "::not a url"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			header := http.Header{}
			header.Add("Cookie", (&http.Cookie{Name: "session", Value: token}).String())
			if tt.origin != "" {
				header.Set("Origin", tt.origin)
			}
			conn, resp, err := websocket.DefaultDialer.Dial(wsURL(ts, "workspace_id=W1"), header)
			if tt.ok {
				require.NoError(t, err)
				conn.Close()
				assert.Eventually(t, func() bool { return registry.Workspaces() == 0 }, 2*time.Second, 5*time.Millisecond)
				return
			}
			require.Error(t, err)
			if conn != nil {
				conn.Close()
			}
			require.NotNil(t, resp)
			assert.Equal(t, http.StatusForbidden, resp.StatusCode)
			assert.Equal(t, 0, registry.Workspaces())
		})
	}
}

func TestHandshakeWildcardOrigin(t *testing.T) {
	ts, _, verifier := newTestServer(t, "*")
	header := http.Header{}
	header.Set("Authorization", "Bearer "+issue(t, verifier, "W1"))
	header.Set("Origin", "https://anywhere.example.org")

	conn, _, err := websocket.DefaultDialer.Dial(wsURL(ts, "workspace_id=W1"), header)
	require.NoError(t, err)
	conn.Close()
}

func TestHealthAndMetricsRoutes(t *testing.T) {
	ts, _, _ := newTestServer(t)

	resp, err := http.Get(ts.URL + "/healthz")
	require.NoError(t, err)
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
	assert.Contains(t, string(body), "broker stale")

	resp, err = http.Get(ts.URL + "/metrics")
	require.NoError(t, err)
	body, _ = io.ReadAll(resp.Body)
	resp.Body.Close()
	assert.Equal(t, "metrics", string(body))
}

func TestWorkspacesFromQuery(t *testing.T) {
	q := url.Values{"workspace_id": {"a, b", "b", "", "c"}}
	assert.Equal(t, []string{"a", "b", "c"}, WorkspacesFromQuery(q))
	assert.Empty(t, WorkspacesFromQuery(url.Values{}))
}
