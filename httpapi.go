package relay

import (
	"github.com/bt-bridge/gemini-relay/shared"
	"github.com/bytedance/sonic"
	"github.com/valyala/fasthttp"
	"go.uber.org/zap"
)

// HTTPAPI is the out-of-band session lifecycle side-channel, independent
// of the persistent WebSocket channel. Sessions allocated here carry no
// client handle until a browser attaches via join-session.
type HTTPAPI struct {
	logger     shared.LoggerAdapter
	dispatcher *Dispatcher
}

func NewHTTPAPI(logger shared.LoggerAdapter, dispatcher *Dispatcher) (*HTTPAPI, error) {
	if logger == nil {
		return nil, shared.ErrNoLogger
	}
	if dispatcher == nil {
		return nil, shared.ErrNoDispatcher
	}
	return &HTTPAPI{
		logger:     logger,
		dispatcher: dispatcher,
	}, nil
}

func (a *HTTPAPI) Handler() fasthttp.RequestHandler {
	return func(ctx *fasthttp.RequestCtx) {
		switch string(ctx.Path()) {
		case "/session/start":
			a.handleStart(ctx)
		case "/session/end":
			a.handleEnd(ctx)
		case "/healthz":
			a.handleHealth(ctx)
		default:
			a.respond(ctx, fasthttp.StatusNotFound, map[string]any{"error": "not found"})
		}
	}
}

func (a *HTTPAPI) handleStart(ctx *fasthttp.RequestCtx) {
	if !ctx.IsPost() {
		a.respond(ctx, fasthttp.StatusMethodNotAllowed, map[string]any{"error": "method not allowed"})
		return
	}
	sessionId, err := a.dispatcher.StartSession(nil)
	if err != nil {
		a.logger.Error("starting session over HTTP", err)
		a.respond(ctx, fasthttp.StatusInternalServerError, map[string]any{"error": "failed to start session"})
		return
	}
	a.logger.Info("session started over HTTP", zap.String("sessionId", sessionId))
	a.respond(ctx, fasthttp.StatusOK, map[string]any{"sessionId": sessionId})
}

func (a *HTTPAPI) handleEnd(ctx *fasthttp.RequestCtx) {
	if !ctx.IsPost() {
		a.respond(ctx, fasthttp.StatusMethodNotAllowed, map[string]any{"error": "method not allowed"})
		return
	}
	var body struct {
		SessionId string `json:"sessionId"`
	}
	if err := sonic.Unmarshal(ctx.PostBody(), &body); err != nil || body.SessionId == "" {
		a.respond(ctx, fasthttp.StatusBadRequest, map[string]any{"error": "missing sessionId"})
		return
	}
	if err := a.dispatcher.StopSession(body.SessionId); err != nil {
		a.logger.Error("ending session over HTTP", err, zap.String("sessionId", body.SessionId))
		a.respond(ctx, fasthttp.StatusInternalServerError, map[string]any{"success": false})
		return
	}
	a.respond(ctx, fasthttp.StatusOK, map[string]any{"success": true})
}

func (a *HTTPAPI) handleHealth(ctx *fasthttp.RequestCtx) {
	a.respond(ctx, fasthttp.StatusOK, map[string]any{
		"status":   "ok",
		"sessions": a.dispatcher.SessionCount(),
	})
}

func (a *HTTPAPI) respond(ctx *fasthttp.RequestCtx, status int, body map[string]any) {
	data, err := sonic.Marshal(body)
	if err != nil {
		a.logger.Error("marshaling HTTP response", err)
		ctx.SetStatusCode(fasthttp.StatusInternalServerError)
		return
	}
	ctx.SetStatusCode(status)
	ctx.SetContentType("application/json")
	ctx.SetBody(data)
}
