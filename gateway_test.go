package relay

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/bt-bridge/gemini-relay/shared"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestGateway(t *testing.T) (*websocket.Conn, *spyUpstream) {
	t.Helper()
	logger := shared.NewNopLogger()
	registry, err := NewRegistry(logger)
	require.NoError(t, err)
	up := newSpyUpstream()
	d, err := NewDispatcher(
		context.Background(), logger, registry,
		UpstreamConfig{URL: "wss://upstream.test/live"},
		WithUpstreamFactory(func(_ context.Context, _ shared.LoggerAdapter, _ UpstreamConfig) (UpstreamConn, error) {
			return up, nil
		}),
	)
	require.NoError(t, err)
	g, err := NewGateway(logger, d)
	require.NoError(t, err)

	srv := httptest.NewServer(http.HandlerFunc(g.HandleWS))
	t.Cleanup(srv.Close)

	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return conn, up
}

func readServerEvent(t *testing.T, conn *websocket.Conn) *ServerEvent {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)
	event := new(ServerEvent)
	require.NoError(t, event.UnmarshalJSON(data))
	return event
}

func TestGatewayWelcome(t *testing.T) {
	conn, _ := newTestGateway(t)
	event := readServerEvent(t, conn)
	require.Equal(t, ServerEventTypeWelcome, event.Type)
	param := event.Param.(*ServerEventParamWelcome)
	assert.Equal(t, "Connected to relay server", param.Message)
	assert.NotEmpty(t, param.ClientId)
}

func TestGatewayStartAndStop(t *testing.T) {
	conn, _ := newTestGateway(t)
	readServerEvent(t, conn) // welcome

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"start"}`)))
	event := readServerEvent(t, conn)
	require.Equal(t, ServerEventTypeSessionJoined, event.Type)
	sessionId := event.Param.(*ServerEventParamSessionJoined).SessionId
	require.NotEmpty(t, sessionId)

	// Stop is fire-and-forget; a follow-up request confirms the session is
	// gone.
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"stop","sessionId":"`+sessionId+`"}`)))
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"get-history","sessionId":"`+sessionId+`"}`)))
	event = readServerEvent(t, conn)
	require.Equal(t, ServerEventTypeError, event.Type)
	assert.Equal(t, "Session not found", event.Param.(*ServerEventParamError).Message)
}

func TestGatewayInvalidMessage(t *testing.T) {
	conn, _ := newTestGateway(t)
	readServerEvent(t, conn) // welcome

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(`{{{`)))
	event := readServerEvent(t, conn)
	require.Equal(t, ServerEventTypeError, event.Type)
	assert.Equal(t, "Invalid message format", event.Param.(*ServerEventParamError).Message)
}

func TestGatewayAudioForUnknownSession(t *testing.T) {
	conn, _ := newTestGateway(t)
	readServerEvent(t, conn) // welcome

	require.NoError(t, conn.WriteMessage(websocket.TextMessage,
		[]byte(`{"type":"audio-data","sessionId":"ghost","audioData":"Zm9vYmFy"}`)))
	event := readServerEvent(t, conn)
	require.Equal(t, ServerEventTypeError, event.Type)
	assert.Equal(t, "Session not found", event.Param.(*ServerEventParamError).Message)
}

func TestGatewayRejectsUndecodableAudio(t *testing.T) {
	conn, _ := newTestGateway(t)
	readServerEvent(t, conn) // welcome

	require.NoError(t, conn.WriteMessage(websocket.TextMessage,
		[]byte(`{"type":"audio-data","sessionId":"s1","audioData":"%%%not-base64%%%"}`)))
	event := readServerEvent(t, conn)
	require.Equal(t, ServerEventTypeError, event.Type)
	assert.Equal(t, "Invalid audio payload", event.Param.(*ServerEventParamError).Message)
}

func TestGatewayAudioDroppedBeforeReady(t *testing.T) {
	conn, _ := newTestGateway(t)
	readServerEvent(t, conn) // welcome

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"start"}`)))
	event := readServerEvent(t, conn)
	sessionId := event.Param.(*ServerEventParamSessionJoined).SessionId

	require.NoError(t, conn.WriteMessage(websocket.TextMessage,
		[]byte(`{"type":"audio-data","sessionId":"`+sessionId+`","audioData":"Zm9vYmFy"}`)))
	event = readServerEvent(t, conn)
	require.Equal(t, ServerEventTypeError, event.Type)
	assert.Equal(t, "Session not ready, audio dropped", event.Param.(*ServerEventParamError).Message)
}

func TestGatewayTextConversation(t *testing.T) {
	conn, _ := newTestGateway(t)
	readServerEvent(t, conn) // welcome

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"start"}`)))
	event := readServerEvent(t, conn)
	sessionId := event.Param.(*ServerEventParamSessionJoined).SessionId

	require.NoError(t, conn.WriteMessage(websocket.TextMessage,
		[]byte(`{"type":"text-message","sessionId":"`+sessionId+`","message":"hello"}`)))
	event = readServerEvent(t, conn)
	require.Equal(t, ServerEventTypeTextResponse, event.Type)
	reply := event.Param.(*ServerEventParamTextResponse)
	assert.Equal(t, "Hello! How can I help you today?", reply.Message)
	_, err := time.Parse(time.RFC3339Nano, reply.Timestamp)
	assert.NoError(t, err)

	require.NoError(t, conn.WriteMessage(websocket.TextMessage,
		[]byte(`{"type":"get-history","sessionId":"`+sessionId+`"}`)))
	event = readServerEvent(t, conn)
	require.Equal(t, ServerEventTypeHistory, event.Type)
	history := event.Param.(*ServerEventParamHistory).History
	require.Len(t, history, 2)
	assert.Equal(t, "user", history[0]["role"])
	assert.Equal(t, "assistant", history[1]["role"])
}

func TestGatewayUpstreamEventsReachClient(t *testing.T) {
	conn, up := newTestGateway(t)
	readServerEvent(t, conn) // welcome

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"start"}`)))
	event := readServerEvent(t, conn)
	sessionId := event.Param.(*ServerEventParamSessionJoined).SessionId

	up.open()
	up.message([]byte(`{"setupComplete":{}}`))
	event = readServerEvent(t, conn)
	require.Equal(t, ServerEventTypeGeminiReady, event.Type)
	assert.Equal(t, sessionId, event.Param.(*ServerEventParamGeminiReady).SessionId)

	up.message([]byte(`{"serverContent":{"modelTurn":{"parts":[{"text":"response text"}]}}}`))
	event = readServerEvent(t, conn)
	require.Equal(t, ServerEventTypeGeminiResponse, event.Type)
	assert.Equal(t, "response text", event.Param.(*ServerEventParamGeminiResponse).Text)
}
