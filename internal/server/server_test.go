package server

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"mcpgateway-go/internal/config"
	"mcpgateway-go/internal/gateway"
	"mcpgateway-go/internal/metrics"
)

func newTestServer(t *testing.T) (*Server, string) {
	t.Helper()
	cfg := config.DefaultConfig()
	cfg.Listen = "127.0.0.1:0"
	cfg.Metrics.Enabled = true

	mux := gateway.New(gateway.WithLogger(zap.NewNop()))
	_, err := mux.AddEndpoint(config.DefaultEndpointConfig("collab", "/gateway/collab", config.KindProxy))
	require.NoError(t, err)
	m := metrics.New(mux)

	srv := New(cfg, mux, m.Handler(), zap.NewNop())
	require.NoError(t, srv.Listen())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- srv.Serve(ctx) }()

	t.Cleanup(func() {
		cancel()
		select {
		case err := <-done:
			assert.NoError(t, err)
		case <-time.After(5 * time.Second):
			t.Error("server did not stop")
		}
		_ = mux.Shutdown(context.Background())
	})
	return srv, srv.Addr().String()
}

func TestServer_Health(t *testing.T) {
	_, addr := newTestServer(t)

	resp, err := http.Get(fmt.Sprintf("http://%s/healthz", addr))
	require.NoError(t, err)
	defer resp.Body.Close()

	require.Equal(t, http.StatusOK, resp.StatusCode)
	var body healthResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, "ok", body.Status)
	assert.Equal(t, 1, body.Endpoints)
}

func TestServer_Metrics(t *testing.T) {
	_, addr := newTestServer(t)

	resp, err := http.Get(fmt.Sprintf("http://%s/metrics", addr))
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), `mcpgateway_connections_active{endpoint="collab"}`)
}

func TestServer_Upgrade(t *testing.T) {
	_, addr := newTestServer(t)

	ws, resp, err := websocket.DefaultDialer.Dial(fmt.Sprintf("ws://%s/gateway/collab", addr), nil)
	require.NoError(t, err)
	resp.Body.Close()
	defer ws.Close()

	require.NoError(t, ws.WriteMessage(websocket.TextMessage, []byte(`{"type":"ping"}`)))
	require.NoError(t, ws.SetReadDeadline(time.Now().Add(5*time.Second)))
	var frame map[string]interface{}
	require.NoError(t, ws.ReadJSON(&frame))
	assert.Equal(t, "pong", frame["type"])
}

func TestServer_UnknownPath(t *testing.T) {
	_, addr := newTestServer(t)

	resp, err := http.Get(fmt.Sprintf("http://%s/nowhere", addr))
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestServer_ShutdownReportsStopping(t *testing.T) {
	srv, _ := newTestServer(t)
	require.NoError(t, srv.Shutdown(context.Background()))

	rec := httptest.NewRecorder()
	srv.handleHealth(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Contains(t, rec.Body.String(), "stopping")
}
