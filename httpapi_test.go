package relay

import (
	"context"
	"io"
	"net"
	"net/http"
	"strings"
	"testing"

	"github.com/bt-bridge/gemini-relay/shared"
	"github.com/bytedance/sonic"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/valyala/fasthttp"
	"github.com/valyala/fasthttp/fasthttputil"
)

func newTestHTTPAPI(t *testing.T) (*http.Client, *Dispatcher) {
	t.Helper()
	logger := shared.NewNopLogger()
	registry, err := NewRegistry(logger)
	require.NoError(t, err)
	d, err := NewDispatcher(
		context.Background(), logger, registry,
		UpstreamConfig{URL: "wss://upstream.test/live"},
		WithUpstreamFactory(func(_ context.Context, _ shared.LoggerAdapter, _ UpstreamConfig) (UpstreamConn, error) {
			return newSpyUpstream(), nil
		}),
	)
	require.NoError(t, err)
	api, err := NewHTTPAPI(logger, d)
	require.NoError(t, err)

	ln := fasthttputil.NewInmemoryListener()
	go func() { _ = fasthttp.Serve(ln, api.Handler()) }()
	t.Cleanup(func() { _ = ln.Close() })

	client := &http.Client{
		Transport: &http.Transport{
			DialContext: func(_ context.Context, _, _ string) (net.Conn, error) {
				return ln.Dial()
			},
		},
	}
	return client, d
}

func decodeBody(t *testing.T, resp *http.Response) map[string]any {
	t.Helper()
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	var m map[string]any
	require.NoError(t, sonic.Unmarshal(data, &m))
	return m
}

func TestHTTPAPIHealth(t *testing.T) {
	client, _ := newTestHTTPAPI(t)
	resp, err := client.Get("http://relay/healthz")
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	body := decodeBody(t, resp)
	assert.Equal(t, "ok", body["status"])
	assert.Equal(t, float64(0), body["sessions"])
}

func TestHTTPAPISessionLifecycle(t *testing.T) {
	client, d := newTestHTTPAPI(t)

	resp, err := client.Post("http://relay/session/start", "application/json", nil)
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	sessionId, ok := decodeBody(t, resp)["sessionId"].(string)
	require.True(t, ok)
	require.NotEmpty(t, sessionId)
	assert.Equal(t, 1, d.SessionCount())

	resp, err = client.Post("http://relay/session/end", "application/json",
		strings.NewReader(`{"sessionId":"`+sessionId+`"}`))
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, true, decodeBody(t, resp)["success"])
	assert.Equal(t, 0, d.SessionCount())

	// Ending an already-ended session is still a success.
	resp, err = client.Post("http://relay/session/end", "application/json",
		strings.NewReader(`{"sessionId":"`+sessionId+`"}`))
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, true, decodeBody(t, resp)["success"])
}

func TestHTTPAPISessionEndValidation(t *testing.T) {
	client, _ := newTestHTTPAPI(t)
	resp, err := client.Post("http://relay/session/end", "application/json",
		strings.NewReader(`{}`))
	require.NoError(t, err)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	resp.Body.Close()
}

func TestHTTPAPIMethodAndPathErrors(t *testing.T) {
	client, _ := newTestHTTPAPI(t)

	resp, err := client.Get("http://relay/session/start")
	require.NoError(t, err)
	assert.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode)
	resp.Body.Close()

	resp, err = client.Get("http://relay/nope")
	require.NoError(t, err)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	resp.Body.Close()
}
