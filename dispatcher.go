package relay

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/bt-bridge/gemini-relay/shared"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

const readyMessage = "Gemini Live setup completed, ready for audio"

type UpstreamFactory func(ctx context.Context, logger shared.LoggerAdapter, cfg UpstreamConfig) (UpstreamConn, error)

type DispatcherOption func(d *Dispatcher)

// WithUpstreamFactory overrides how upstream connections are built. Tests
// inject spies through this.
func WithUpstreamFactory(factory UpstreamFactory) DispatcherOption {
	return func(d *Dispatcher) { d.factory = factory }
}

func WithResponder(responder Responder) DispatcherOption {
	return func(d *Dispatcher) { d.responder = responder }
}

func WithTranscript(transcript *shared.Transcript) DispatcherOption {
	return func(d *Dispatcher) { d.transcript = transcript }
}

func WithClock(clock func() time.Time) DispatcherOption {
	return func(d *Dispatcher) { d.clock = clock }
}

// WithChunkBuffering parks up to n audio chunks per session while the
// session is not ready yet, instead of the default drop-and-warn.
func WithChunkBuffering(n int) DispatcherOption {
	return func(d *Dispatcher) { d.bufferChunks = n }
}

// Dispatcher translates between the gateway's event vocabulary and the
// upstream wire format, and owns all routing decisions.
type Dispatcher struct {
	logger       shared.LoggerAdapter
	registry     *Registry
	cfg          UpstreamConfig
	ctx          context.Context
	factory      UpstreamFactory
	responder    Responder
	transcript   *shared.Transcript
	clock        func() time.Time
	bufferChunks int

	mu          sync.Mutex
	sharedUp    UpstreamConn
	setupTimers map[UpstreamConn]*time.Timer
}

func NewDispatcher(ctx context.Context, logger shared.LoggerAdapter, registry *Registry, cfg UpstreamConfig, opts ...DispatcherOption) (*Dispatcher, error) {
	if logger == nil {
		return nil, shared.ErrNoLogger
	}
	if registry == nil {
		return nil, errors.New("no registry provided")
	}
	if cfg.URL == "" {
		return nil, shared.ErrNoConfig
	}
	d := &Dispatcher{
		logger:      logger,
		registry:    registry,
		cfg:         cfg.withDefaults(),
		ctx:         ctx,
		clock:       time.Now,
		setupTimers: make(map[UpstreamConn]*time.Timer),
	}
	for _, opt := range opts {
		opt(d)
	}
	if d.factory == nil {
		d.factory = func(ctx context.Context, logger shared.LoggerAdapter, cfg UpstreamConfig) (UpstreamConn, error) {
			return NewUpstream(ctx, logger, cfg)
		}
	}
	if d.responder == nil {
		d.responder = NewRuleResponder()
	}
	return d, nil
}

func errorEvent(sessionId, message string) *ServerEvent {
	return &ServerEvent{
		Type:  ServerEventTypeError,
		Param: &ServerEventParamError{SessionId: sessionId, Message: message},
	}
}

// StartSession allocates a session, binds it to an upstream connection and
// begins the upstream-acquisition sequence. The returned session id is
// usable immediately; readiness is signaled later via gemini-ready.
func (d *Dispatcher) StartSession(client ClientHandle) (string, error) {
	sessionId := uuid.NewString()
	s, err := d.registry.Create(sessionId, client, d.bufferChunks)
	if err != nil {
		return "", fmt.Errorf("creating session: %w", err)
	}
	u, err := d.acquireUpstream()
	if err != nil {
		d.registry.Remove(sessionId)
		return "", fmt.Errorf("acquiring upstream: %w", err)
	}
	s.bindUpstream(u)
	u.Connect()
	d.advance(s, u)
	d.logger.Info("session started", zap.String("sessionId", sessionId))
	return sessionId, nil
}

// JoinSession attaches a client handle to an existing session, overwriting
// any prior handle.
func (d *Dispatcher) JoinSession(sessionId string, client ClientHandle) error {
	if err := d.registry.Attach(sessionId, client); err != nil {
		return err
	}
	d.logger.Info("client joined session", zap.String("sessionId", sessionId))
	return nil
}

func (d *Dispatcher) acquireUpstream() (UpstreamConn, error) {
	if d.cfg.Mode == ModePerSession {
		u, err := d.factory(d.ctx, d.logger, d.cfg)
		if err != nil {
			return nil, err
		}
		d.wireUpstream(u)
		return u, nil
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.sharedUp != nil && !d.sharedUp.Terminal() {
		return d.sharedUp, nil
	}
	u, err := d.factory(d.ctx, d.logger, d.cfg)
	if err != nil {
		return nil, err
	}
	d.wireUpstream(u)
	d.sharedUp = u
	return u, nil
}

func (d *Dispatcher) wireUpstream(u UpstreamConn) {
	u.OnOpen(d.handleUpstreamOpen)
	u.OnMessage(d.handleUpstreamMessage)
	u.OnClose(d.handleUpstreamClose)
}

// advance progresses one session as far as the upstream state allows:
// connecting until the socket is open, awaiting-upstream until the setup
// handshake is acknowledged, then ready.
func (d *Dispatcher) advance(s *Session, u UpstreamConn) {
	switch {
	case u.State() != UpstreamOpen:
		d.logger.Debug(
			"session waiting for upstream",
			zap.String("sessionId", s.SessionId),
			zap.String("upstreamState", u.State().String()),
		)
	case u.SetupAcked():
		d.markReady(s)
	default:
		if err := d.registry.UpdateStatus(s.SessionId, StatusAwaitingUpstream); err != nil {
			d.logger.Error("transitioning session to awaiting-upstream", err, zap.String("sessionId", s.SessionId))
			return
		}
		d.sendSetupOnce(u)
	}
}

// sendSetupOnce sends the capability-negotiation frame at most once per
// physical connection, no matter how many sessions share it.
func (d *Dispatcher) sendSetupOnce(u UpstreamConn) {
	if !u.MarkSetupSent() {
		return
	}
	data, err := encodeSetup(d.cfg.Model, d.cfg.ResponseModalities, d.cfg.SystemInstruction)
	if err != nil {
		d.logger.Error("encoding setup frame", err)
		return
	}
	if err := u.Send(data); err != nil {
		d.logger.Error("sending setup frame", err, zap.Uint64("epoch", u.Epoch()))
		return
	}
	d.logger.Info("setup frame sent", zap.Uint64("epoch", u.Epoch()), zap.String("model", d.cfg.Model))
	d.armSetupTimer(u)
}

func (d *Dispatcher) armSetupTimer(u UpstreamConn) {
	epoch := u.Epoch()
	d.mu.Lock()
	defer d.mu.Unlock()
	if old := d.setupTimers[u]; old != nil {
		old.Stop()
	}
	d.setupTimers[u] = time.AfterFunc(d.cfg.SetupTimeout, func() {
		d.setupTimedOut(u, epoch)
	})
}

func (d *Dispatcher) disarmSetupTimer(u UpstreamConn) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if t := d.setupTimers[u]; t != nil {
		t.Stop()
		delete(d.setupTimers, u)
	}
}

func (d *Dispatcher) setupTimedOut(u UpstreamConn, epoch uint64) {
	if u.Epoch() != epoch || u.SetupAcked() {
		return
	}
	d.logger.Error("upstream setup not acknowledged in time", shared.ErrSetupTimeout, zap.Uint64("epoch", epoch))
	for _, s := range d.registry.SessionsOn(u) {
		if s.Status() != StatusAwaitingUpstream {
			continue
		}
		d.deliver(s, errorEvent(s.SessionId, "Upstream setup timed out"))
		if err := d.registry.UpdateStatus(s.SessionId, StatusClosed); err != nil {
			d.logger.Error("closing session after setup timeout", err, zap.String("sessionId", s.SessionId))
		}
		d.registry.Remove(s.SessionId)
	}
}

func (d *Dispatcher) markReady(s *Session) {
	if err := d.registry.UpdateStatus(s.SessionId, StatusReady); err != nil {
		d.logger.Error("transitioning session to ready", err, zap.String("sessionId", s.SessionId))
		return
	}
	s.setSetupAcknowledged(true)
	s.SetModel(d.cfg.Model)
	d.deliver(s, &ServerEvent{
		Type: ServerEventTypeGeminiReady,
		Param: &ServerEventParamGeminiReady{
			SessionId: s.SessionId,
			Message:   readyMessage,
		},
	})
	d.flushPending(s)
}

func (d *Dispatcher) flushPending(s *Session) {
	q := s.pendingQueue()
	if q == nil || q.Len() == 0 {
		return
	}
	chunks := q.Drain()
	d.logger.Info(
		"flushing buffered audio chunks",
		zap.String("sessionId", s.SessionId),
		zap.Int("chunks", len(chunks)),
	)
	for _, chunk := range chunks {
		if err := d.forwardChunk(s, chunk, ""); err != nil {
			d.logger.Warn("flushing buffered chunk failed", zap.String("sessionId", s.SessionId), zap.Error(err))
			return
		}
	}
}

func (d *Dispatcher) handleUpstreamOpen(u UpstreamConn) {
	for _, s := range d.registry.SessionsOn(u) {
		switch s.Status() {
		case StatusConnecting, StatusAwaitingUpstream:
			d.advance(s, u)
		}
	}
}

func (d *Dispatcher) handleUpstreamMessage(u UpstreamConn, data []byte) {
	frame, err := decodeUpstreamFrame(data)
	if err != nil {
		d.logger.Error("dropping malformed upstream payload", err, zap.ByteString("data", data))
		return
	}
	switch {
	case frame.isSetupComplete():
		u.MarkSetupAcked()
		d.disarmSetupTimer(u)
		d.logger.Info("upstream setup acknowledged", zap.Uint64("epoch", u.Epoch()))
		for _, s := range d.registry.SessionsOn(u) {
			switch s.Status() {
			case StatusConnecting, StatusAwaitingUpstream:
				d.markReady(s)
			}
		}
	case frame.Error != nil:
		d.routeError(u, frame)
	case frame.ServerContent != nil:
		d.routeContent(u, frame)
	default:
		d.logger.Debug("ignoring upstream frame", zap.ByteString("data", data))
	}
}

// routeError delivers a session-tagged error to its session, and
// broadcasts untagged errors to every session bound to the connection.
func (d *Dispatcher) routeError(u UpstreamConn, frame *upstreamFrame) {
	message := frame.Error.Message
	if message == "" {
		message = "upstream error"
	}
	sessionId := frame.Error.SessionId
	if sessionId == "" {
		sessionId = frame.SessionId
	}
	if sessionId != "" {
		if s, ok := d.registry.Get(sessionId); ok {
			d.deliver(s, errorEvent(sessionId, message))
			return
		}
	}
	d.logger.Warn("unroutable upstream error, broadcasting", zap.String("message", message))
	for _, s := range d.registry.SessionsOn(u) {
		d.deliver(s, errorEvent(s.SessionId, message))
	}
}

// routeContent demultiplexes a model response: direct lookup when the
// frame carries a session id, otherwise the registry's best-effort
// find-by-upstream fallback.
func (d *Dispatcher) routeContent(u UpstreamConn, frame *upstreamFrame) {
	var s *Session
	if frame.SessionId != "" {
		found, ok := d.registry.Get(frame.SessionId)
		if !ok {
			d.logger.Warn("upstream response for unknown session, dropping", zap.String("sessionId", frame.SessionId))
			return
		}
		s = found
	} else {
		found, ok := d.registry.FindByUpstream(u)
		if !ok {
			d.logger.Warn("no session for upstream response, dropping")
			return
		}
		s = found
	}
	now := Timestamp(d.clock())
	if text := frame.text(); text != "" {
		s.appendTurn(Turn{Role: "gemini", Message: text, Timestamp: now})
		if d.transcript != nil {
			_ = d.transcript.Line("gemini", text)
		}
		d.deliver(s, &ServerEvent{
			Type: ServerEventTypeGeminiResponse,
			Param: &ServerEventParamGeminiResponse{
				SessionId: s.SessionId,
				Text:      text,
				Timestamp: now,
			},
		})
	}
	for _, part := range frame.audioParts() {
		mimeType := part.MimeType
		if mimeType == "" {
			mimeType = "audio/pcm"
		}
		d.deliver(s, &ServerEvent{
			Type: ServerEventTypeGeminiAudioResponse,
			Param: &ServerEventParamGeminiAudioResponse{
				SessionId: s.SessionId,
				AudioData: part.Data,
				MimeType:  mimeType,
				Timestamp: now,
			},
		})
	}
	if frame.ServerContent.TurnComplete {
		d.logger.Debug("upstream turn complete", zap.String("sessionId", s.SessionId))
	}
}

func (d *Dispatcher) handleUpstreamClose(u UpstreamConn, err error) {
	d.disarmSetupTimer(u)
	sessions := d.registry.SessionsOn(u)
	if u.Terminal() {
		for _, s := range sessions {
			d.deliver(s, errorEvent(s.SessionId, "Upstream connection failed permanently"))
			if uerr := d.registry.UpdateStatus(s.SessionId, StatusClosed); uerr != nil {
				d.logger.Error("closing session after terminal upstream failure", uerr, zap.String("sessionId", s.SessionId))
			}
			d.registry.Remove(s.SessionId)
		}
		d.mu.Lock()
		if d.sharedUp == u {
			d.sharedUp = nil
		}
		d.mu.Unlock()
		return
	}
	// Re-park every dependent session before the dead connection object is
	// recycled; they resume when the reconnect loop re-opens the socket.
	for _, s := range sessions {
		switch s.Status() {
		case StatusClosing, StatusClosed:
			continue
		}
		s.setSetupAcknowledged(false)
		if uerr := d.registry.UpdateStatus(s.SessionId, StatusConnecting); uerr != nil {
			d.logger.Error("re-parking session after upstream close", uerr, zap.String("sessionId", s.SessionId))
			continue
		}
		d.deliver(s, errorEvent(s.SessionId, "Upstream connection lost, reconnecting"))
	}
}

// ForwardAudio relays one opaque audio chunk upstream. Chunks arriving
// before the session is ready are buffered when buffering is configured,
// otherwise rejected with ErrSessionNotReady so the gateway can warn the
// client instead of silently dropping.
func (d *Dispatcher) ForwardAudio(sessionId, audioData, mimeType string) error {
	s, ok := d.registry.Get(sessionId)
	if !ok {
		return shared.ErrSessionNotFound
	}
	if s.Status() != StatusReady {
		if q := s.pendingQueue(); q != nil {
			if dropped := q.Push(audioData); dropped > 0 {
				d.logger.Warn(
					"pre-ready buffer overflow, oldest chunk dropped",
					zap.String("sessionId", sessionId),
					zap.Int("dropped", dropped),
				)
			}
			return nil
		}
		return shared.ErrSessionNotReady
	}
	return d.forwardChunk(s, audioData, mimeType)
}

func (d *Dispatcher) forwardChunk(s *Session, audioData, mimeType string) error {
	u := s.Upstream()
	if u == nil || u.State() != UpstreamOpen {
		return shared.ErrUpstreamUnavailable
	}
	data, err := encodeAudioChunk(mimeType, audioData)
	if err != nil {
		return err
	}
	if err := u.Send(data); err != nil {
		if errors.Is(err, shared.ErrNotConnected) {
			return shared.ErrUpstreamUnavailable
		}
		return fmt.Errorf("forwarding audio chunk: %w", err)
	}
	d.logger.Trace(
		"audio chunk forwarded",
		zap.String("sessionId", s.SessionId),
		zap.Int("payloadLen", len(audioData)),
	)
	return nil
}

// StopSession tears a session down gracefully. Idempotent: repeated stops
// (or stop followed by disconnect) are no-ops and never double-send the
// upstream teardown.
func (d *Dispatcher) StopSession(sessionId string) error {
	s, ok := d.registry.Get(sessionId)
	if !ok {
		return nil
	}
	if s.markStopSent() {
		if err := d.registry.UpdateStatus(sessionId, StatusClosing); err != nil {
			d.logger.Debug("transitioning session to closing", zap.String("sessionId", sessionId), zap.Error(err))
		}
		u := s.Upstream()
		d.mu.Lock()
		isShared := u != nil && d.sharedUp == u
		d.mu.Unlock()
		// A shared socket keeps serving the other sessions; only an
		// exclusive upstream is torn down with its session.
		if u != nil && !isShared {
			if err := u.Close(); err != nil {
				d.logger.Warn("closing session upstream failed", zap.String("sessionId", sessionId), zap.Error(err))
			}
		}
	}
	if err := d.registry.UpdateStatus(sessionId, StatusClosed); err != nil {
		d.logger.Debug("transitioning session to closed", zap.String("sessionId", sessionId), zap.Error(err))
	}
	d.registry.Remove(sessionId)
	d.logger.Info("session stopped", zap.String("sessionId", sessionId))
	return nil
}

// DropClient is the implicit cleanup path for a vanished client
// connection: every session attached to the handle is stopped so no
// further upstream messages are misrouted to a dead handle.
func (d *Dispatcher) DropClient(client ClientHandle) {
	for _, s := range d.registry.SessionsOf(client) {
		if err := d.StopSession(s.SessionId); err != nil {
			d.logger.Error("stopping session on client drop", err, zap.String("sessionId", s.SessionId))
		}
	}
}

func (d *Dispatcher) deliver(s *Session, event *ServerEvent) {
	client := s.Client()
	if client == nil {
		d.logger.Debug(
			"no client handle attached, dropping event",
			zap.String("sessionId", s.SessionId),
			zap.String("event", string(event.Type)),
		)
		return
	}
	if err := client.Deliver(event); err != nil {
		d.logger.Warn(
			"delivering to client failed, scheduling session removal",
			zap.String("sessionId", s.SessionId),
			zap.Error(err),
		)
		go func(sessionId string) {
			_ = d.StopSession(sessionId)
		}(s.SessionId)
	}
}

// HandleTextMessage runs one text conversation turn through the
// configured responder and records both halves in the session history.
// Text turns never touch the upstream audio path.
func (d *Dispatcher) HandleTextMessage(ctx context.Context, sessionId, message string) (string, error) {
	s, ok := d.registry.Get(sessionId)
	if !ok {
		return "", shared.ErrSessionNotFound
	}
	history := s.History()
	s.appendTurn(Turn{Role: "user", Message: message, Timestamp: Timestamp(d.clock())})
	if d.transcript != nil {
		_ = d.transcript.Line("user", message)
	}
	reply, err := d.responder.Reply(ctx, history, message)
	if err != nil {
		return "", fmt.Errorf("generating reply: %w", err)
	}
	s.appendTurn(Turn{Role: "assistant", Message: reply, Timestamp: Timestamp(d.clock())})
	if d.transcript != nil {
		_ = d.transcript.Line("assistant", reply)
	}
	return reply, nil
}

func (d *Dispatcher) History(sessionId string) ([]Turn, error) {
	s, ok := d.registry.Get(sessionId)
	if !ok {
		return nil, shared.ErrSessionNotFound
	}
	return s.History(), nil
}

func (d *Dispatcher) SessionCount() int {
	return d.registry.Len()
}

// Now is the dispatcher's clock, exposed so the gateway stamps client
// events consistently with routed responses.
func (d *Dispatcher) Now() time.Time {
	return d.clock()
}

func (d *Dispatcher) Close() error {
	d.mu.Lock()
	for u, t := range d.setupTimers {
		t.Stop()
		delete(d.setupTimers, u)
	}
	u := d.sharedUp
	d.sharedUp = nil
	d.mu.Unlock()
	if u != nil {
		if err := u.Close(); err != nil {
			return fmt.Errorf("closing shared upstream: %w", err)
		}
	}
	return nil
}
