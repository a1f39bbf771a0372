package relay

import (
	"context"
	"errors"
	"net/http"
	"sync"

	"github.com/bt-bridge/gemini-relay/shared"
	"github.com/bt-bridge/gemini-relay/tools"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// Gateway is the browser-facing protocol surface: it upgrades HTTP
// connections, translates client events into dispatcher calls and pushes
// typed server events back.
type Gateway struct {
	logger     shared.LoggerAdapter
	dispatcher *Dispatcher
	upgrader   websocket.Upgrader
}

func NewGateway(logger shared.LoggerAdapter, dispatcher *Dispatcher) (*Gateway, error) {
	if logger == nil {
		return nil, shared.ErrNoLogger
	}
	if dispatcher == nil {
		return nil, shared.ErrNoDispatcher
	}
	return &Gateway{
		logger:     logger,
		dispatcher: dispatcher,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1 << 16,
			WriteBufferSize: 1 << 16,
			// Demonstration relay: no origin policy, same as the source
			// deployment it mirrors.
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}, nil
}

// clientConn wraps one browser socket. Writes are serialized behind a
// mutex since server events originate from multiple goroutines.
type clientConn struct {
	id     string
	ctx    context.Context
	logger shared.LoggerAdapter
	mu     sync.Mutex
	conn   *websocket.Conn
	gone   bool
}

var _ ClientHandle = (*clientConn)(nil)

func (c *clientConn) Deliver(event *ServerEvent) error {
	data, err := event.MarshalJSON()
	if err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.gone {
		return shared.ErrClientGone
	}
	if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
		c.gone = true
		return err
	}
	return nil
}

func (c *clientConn) close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.gone = true
	_ = c.conn.Close()
}

// HandleWS is the http.Handler entry point for browser connections. It
// runs the read loop on the caller's goroutine and guarantees registry
// cleanup when the socket goes away.
func (g *Gateway) HandleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := g.upgrader.Upgrade(w, r, nil)
	if err != nil {
		g.logger.Error("upgrading client connection", err)
		return
	}
	client := &clientConn{
		id:     uuid.NewString(),
		ctx:    r.Context(),
		logger: g.logger,
		conn:   conn,
	}
	g.logger.Info("client connected", zap.String("clientId", client.id), zap.String("remote", conn.RemoteAddr().String()))
	g.send(client, &ServerEvent{
		Type: ServerEventTypeWelcome,
		Param: &ServerEventParamWelcome{
			Message:  "Connected to relay server",
			ClientId: client.id,
		},
	})
	defer func() {
		g.dispatcher.DropClient(client)
		client.close()
		g.logger.Info("client disconnected", zap.String("clientId", client.id))
	}()
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				g.logger.Debug("client read ended", zap.String("clientId", client.id), zap.Error(err))
			}
			return
		}
		g.handleEvent(client, data)
	}
}

func (g *Gateway) handleEvent(client *clientConn, data []byte) {
	event := new(ClientEvent)
	if err := event.UnmarshalJSON(data); err != nil {
		g.logger.Warn("unparseable client message", zap.String("clientId", client.id), zap.Error(err))
		g.send(client, errorEvent("", "Invalid message format"))
		return
	}
	g.logger.Trace("client event received", zap.String("clientId", client.id), zap.String("type", string(event.Type)))
	switch param := event.Param.(type) {
	case *ClientEventParamJoinSession:
		g.handleJoin(client, param.SessionId)
	case *ClientEventParamStart:
		g.handleStart(client, param.SessionId)
	case *ClientEventParamAudioData:
		g.handleAudioData(client, param)
	case *ClientEventParamStop:
		g.handleStop(client, param.SessionId)
	case *ClientEventParamTextMessage:
		g.handleTextMessage(client, param)
	case *ClientEventParamGetHistory:
		g.handleGetHistory(client, param.SessionId)
	}
}

func (g *Gateway) handleJoin(client *clientConn, sessionId string) {
	if err := g.dispatcher.JoinSession(sessionId, client); err != nil {
		g.sendFailure(client, sessionId, err)
		return
	}
	g.send(client, &ServerEvent{
		Type:  ServerEventTypeSessionJoined,
		Param: &ServerEventParamSessionJoined{SessionId: sessionId},
	})
}

func (g *Gateway) handleStart(client *clientConn, sessionId string) {
	// start with a session id is a rejoin; without one it allocates.
	if sessionId != "" {
		g.handleJoin(client, sessionId)
		return
	}
	sessionId, err := g.dispatcher.StartSession(client)
	if err != nil {
		g.logger.Error("starting session", err, zap.String("clientId", client.id))
		g.sendFailure(client, "", err)
		return
	}
	g.send(client, &ServerEvent{
		Type:  ServerEventTypeSessionJoined,
		Param: &ServerEventParamSessionJoined{SessionId: sessionId},
	})
}

func (g *Gateway) handleAudioData(client *clientConn, param *ClientEventParamAudioData) {
	raw, err := tools.DecodePayload(param.AudioData)
	if err != nil {
		g.logger.Warn("invalid audio payload", zap.String("sessionId", param.SessionId), zap.Error(err))
		g.send(client, errorEvent(param.SessionId, "Invalid audio payload"))
		return
	}
	g.logger.Trace(
		"audio chunk received",
		zap.String("sessionId", param.SessionId),
		zap.Duration("duration", tools.PCMDuration(len(raw), tools.PCMRate(param.MimeType), 1)),
	)
	if err := g.dispatcher.ForwardAudio(param.SessionId, param.AudioData, param.MimeType); err != nil {
		switch {
		case errors.Is(err, shared.ErrSessionNotReady):
			g.logger.Warn("audio before ready, dropped", zap.String("sessionId", param.SessionId))
			g.send(client, errorEvent(param.SessionId, "Session not ready, audio dropped"))
		default:
			g.sendFailure(client, param.SessionId, err)
		}
	}
}

func (g *Gateway) handleStop(client *clientConn, sessionId string) {
	if err := g.dispatcher.StopSession(sessionId); err != nil {
		g.logger.Error("stopping session", err, zap.String("sessionId", sessionId))
	}
}

func (g *Gateway) handleTextMessage(client *clientConn, param *ClientEventParamTextMessage) {
	ctx := client.ctx
	if ctx == nil {
		ctx = context.Background()
	}
	reply, err := g.dispatcher.HandleTextMessage(ctx, param.SessionId, param.Message)
	if err != nil {
		g.sendFailure(client, param.SessionId, err)
		return
	}
	g.send(client, &ServerEvent{
		Type: ServerEventTypeTextResponse,
		Param: &ServerEventParamTextResponse{
			SessionId: param.SessionId,
			Message:   reply,
			Timestamp: Timestamp(g.dispatcher.Now()),
		},
	})
}

func (g *Gateway) handleGetHistory(client *clientConn, sessionId string) {
	history, err := g.dispatcher.History(sessionId)
	if err != nil {
		g.sendFailure(client, sessionId, err)
		return
	}
	turns := make([]map[string]any, 0, len(history))
	for _, turn := range history {
		turns = append(turns, map[string]any{
			"role":      turn.Role,
			"message":   turn.Message,
			"timestamp": turn.Timestamp,
		})
	}
	g.send(client, &ServerEvent{
		Type: ServerEventTypeHistory,
		Param: &ServerEventParamHistory{
			SessionId: sessionId,
			History:   turns,
			Timestamp: Timestamp(g.dispatcher.Now()),
		},
	})
}

// sendFailure maps dispatcher errors to the client-facing error
// vocabulary; the channel stays open in every case.
func (g *Gateway) sendFailure(client *clientConn, sessionId string, err error) {
	switch {
	case errors.Is(err, shared.ErrSessionNotFound):
		g.send(client, errorEvent(sessionId, "Session not found"))
	case errors.Is(err, shared.ErrUpstreamUnavailable), errors.Is(err, shared.ErrNotConnected):
		g.send(client, errorEvent(sessionId, "Upstream unavailable, please retry"))
	default:
		g.logger.Error("client request failed", err, zap.String("sessionId", sessionId))
		g.send(client, errorEvent(sessionId, "Internal relay error"))
	}
}

func (g *Gateway) send(client *clientConn, event *ServerEvent) {
	if err := client.Deliver(event); err != nil {
		g.logger.Debug("sending event to client failed", zap.String("clientId", client.id), zap.Error(err))
	}
}
