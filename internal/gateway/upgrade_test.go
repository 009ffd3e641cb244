package gateway

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func named(name string) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(name))
	})
}

func TestUpgradeRouter_DuplicatePath(t *testing.T) {
	u := NewUpgradeRouter(zap.NewNop())
	require.NoError(t, u.Register("/gateway/proxy", named("proxy")))

	err := u.Register("/gateway/proxy", named("other"))
	assert.ErrorIs(t, err, ErrDuplicatePath)

	// Trailing slashes are the same path
	err = u.Register("/gateway/proxy/", named("other"))
	assert.ErrorIs(t, err, ErrDuplicatePath)

	assert.Error(t, u.Register("gateway/relative", named("x")))
}

func TestUpgradeRouter_Match(t *testing.T) {
	u := NewUpgradeRouter(zap.NewNop())
	require.NoError(t, u.Register("/gateway", named("root")))
	require.NoError(t, u.Register("/gateway/proxy", named("proxy")))
	require.NoError(t, u.Register("/gateway/proxy/v2", named("proxy-v2")))

	tests := []struct {
		path    string
		want    string
		matched bool
	}{
		{"/gateway/proxy", "/gateway/proxy", true},
		{"/gateway/proxy/", "/gateway/proxy", true},
		{"/gateway/proxy/session/1", "/gateway/proxy", true},
		{"/gateway/proxy/v2", "/gateway/proxy/v2", true},
		{"/gateway/proxy/v2/x", "/gateway/proxy/v2", true},
		{"/gateway/proxyx", "/gateway", true},
		{"/gateway/events", "/gateway", true},
		{"/gatewayz", "", false},
		{"/other", "", false},
	}
	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			_, got, ok := u.Match(tt.path)
			assert.Equal(t, tt.matched, ok)
			assert.Equal(t, tt.want, got)
		})
	}

	assert.Equal(t, []string{"/gateway/proxy/v2", "/gateway/proxy", "/gateway"}, u.Paths())
}

func TestUpgradeRouter_UnmatchedUpgradeIsClosed(t *testing.T) {
	u := NewUpgradeRouter(zap.NewNop())
	require.NoError(t, u.Register("/gateway/proxy", named("proxy")))
	ts := httptest.NewServer(u)
	defer ts.Close()

	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/nowhere"
	ws, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.Error(t, err)
	if ws != nil {
		ws.Close()
	}
	// The socket is dropped without any HTTP response
	assert.Nil(t, resp)
	assert.Equal(t, int64(1), u.Unmatched())
}

func TestUpgradeRouter_UnmatchedPlainRequest(t *testing.T) {
	u := NewUpgradeRouter(zap.NewNop())
	require.NoError(t, u.Register("/gateway/proxy", named("proxy")))

	rec := httptest.NewRecorder()
	u.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/nowhere", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = httptest.NewRecorder()
	u.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/gateway/proxy", nil))
	assert.Equal(t, "proxy", rec.Body.String())
}
