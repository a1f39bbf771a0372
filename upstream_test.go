package relay

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/bt-bridge/gemini-relay/shared"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeUpstreamServer accepts WebSocket connections and echoes every frame
// back. dropNext makes it sever the next accepted connection immediately,
// to exercise the reconnect path.
type fakeUpstreamServer struct {
	srv      *httptest.Server
	upgrader websocket.Upgrader
	accepted atomic.Int64
	dropNext atomic.Bool
}

func newFakeUpstreamServer(t *testing.T) *fakeUpstreamServer {
	t.Helper()
	f := new(fakeUpstreamServer)
	f.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := f.upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		f.accepted.Add(1)
		if f.dropNext.CompareAndSwap(true, false) {
			_ = conn.Close()
			return
		}
		defer conn.Close()
		for {
			mt, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			if err := conn.WriteMessage(mt, data); err != nil {
				return
			}
		}
	}))
	t.Cleanup(f.srv.Close)
	return f
}

func (f *fakeUpstreamServer) url() string {
	return "ws" + strings.TrimPrefix(f.srv.URL, "http")
}

func newTestUpstream(t *testing.T, url string, cfg UpstreamConfig) *Upstream {
	t.Helper()
	cfg.URL = url
	if cfg.ReconnectDelay == 0 {
		cfg.ReconnectDelay = 10 * time.Millisecond
	}
	u, err := NewUpstream(context.Background(), shared.NewNopLogger(), cfg)
	require.NoError(t, err)
	t.Cleanup(func() { _ = u.Close() })
	return u
}

func TestUpstreamConnectAndSetupFlags(t *testing.T) {
	f := newFakeUpstreamServer(t)
	u := newTestUpstream(t, f.url(), UpstreamConfig{})

	assert.ErrorIs(t, u.Send([]byte("early")), shared.ErrNotConnected)

	u.Connect()
	require.Eventually(t, func() bool { return u.State() == UpstreamOpen }, time.Second, 5*time.Millisecond)
	assert.Equal(t, uint64(1), u.Epoch())

	assert.True(t, u.MarkSetupSent())
	assert.False(t, u.MarkSetupSent(), "setup is claimed once per connection")
	assert.True(t, u.SetupSent())
	assert.False(t, u.SetupAcked())
	u.MarkSetupAcked()
	assert.True(t, u.SetupAcked())
}

func TestUpstreamSendAndReceive(t *testing.T) {
	f := newFakeUpstreamServer(t)
	u := newTestUpstream(t, f.url(), UpstreamConfig{})

	var mu sync.Mutex
	var received [][]byte
	u.OnMessage(func(_ UpstreamConn, data []byte) {
		mu.Lock()
		received = append(received, data)
		mu.Unlock()
	})

	u.Connect()
	require.Eventually(t, func() bool { return u.State() == UpstreamOpen }, time.Second, 5*time.Millisecond)

	require.NoError(t, u.Send([]byte(`{"ping":1}`)))
	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(received) == 1
	}, time.Second, 5*time.Millisecond)
	mu.Lock()
	assert.Equal(t, `{"ping":1}`, string(received[0]))
	mu.Unlock()
}

func TestUpstreamReconnectsAfterDrop(t *testing.T) {
	f := newFakeUpstreamServer(t)
	f.dropNext.Store(true)
	u := newTestUpstream(t, f.url(), UpstreamConfig{})

	var openEpochs []uint64
	var closes atomic.Int64
	var mu sync.Mutex
	u.OnOpen(func(conn UpstreamConn) {
		mu.Lock()
		openEpochs = append(openEpochs, conn.Epoch())
		mu.Unlock()
	})
	u.OnClose(func(_ UpstreamConn, _ error) {
		closes.Add(1)
	})

	u.Connect()
	require.Eventually(t, func() bool {
		return u.State() == UpstreamOpen && u.Epoch() == 2
	}, 2*time.Second, 5*time.Millisecond)

	mu.Lock()
	assert.Equal(t, []uint64{1, 2}, openEpochs)
	mu.Unlock()
	assert.Equal(t, int64(1), closes.Load())
	assert.False(t, u.Terminal())
	assert.False(t, u.SetupSent(), "setup flags reset with the new connection")
}

func TestUpstreamTerminalAfterRetryBudget(t *testing.T) {
	u := newTestUpstream(t, "ws://127.0.0.1:1/nowhere", UpstreamConfig{MaxAttempts: 2})

	var closes atomic.Int64
	u.OnClose(func(_ UpstreamConn, err error) {
		closes.Add(1)
	})

	u.Connect()
	require.Eventually(t, func() bool { return u.Terminal() }, 5*time.Second, 10*time.Millisecond)
	assert.Equal(t, int64(1), closes.Load())
	assert.Equal(t, UpstreamDisconnected, u.State())
}

func TestUpstreamCloseIdempotent(t *testing.T) {
	f := newFakeUpstreamServer(t)
	u := newTestUpstream(t, f.url(), UpstreamConfig{})
	u.Connect()
	require.Eventually(t, func() bool { return u.State() == UpstreamOpen }, time.Second, 5*time.Millisecond)

	require.NoError(t, u.Close())
	require.NoError(t, u.Close())
	assert.ErrorIs(t, u.Send([]byte("late")), shared.ErrNotConnected)
}
