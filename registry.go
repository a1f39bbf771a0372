package relay

import (
	"sync"
	"time"

	"github.com/bt-bridge/gemini-relay/shared"
	"github.com/bt-bridge/gemini-relay/tools"
	"go.uber.org/zap"
)

type Status string

const (
	StatusConnecting       Status = "connecting"
	StatusAwaitingUpstream Status = "awaiting-upstream"
	StatusReady            Status = "ready"
	StatusClosing          Status = "closing"
	StatusClosed           Status = "closed"
)

// validTransitions is the per-session state machine. The extra edges back
// to connecting cover upstream connection loss: affected sessions are
// re-parked and resumed when the reconnect loop re-opens the socket.
var validTransitions = map[Status][]Status{
	StatusConnecting:       {StatusAwaitingUpstream, StatusReady, StatusClosing, StatusClosed},
	StatusAwaitingUpstream: {StatusReady, StatusConnecting, StatusClosing, StatusClosed},
	StatusReady:            {StatusConnecting, StatusClosing, StatusClosed},
	StatusClosing:          {StatusClosed},
	StatusClosed:           {},
}

func transitionAllowed(from, to Status) bool {
	for _, next := range validTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// ClientHandle is the browser-facing side of a session. The gateway's
// connection type implements it; tests substitute spies.
type ClientHandle interface {
	Deliver(event *ServerEvent) error
}

// Turn is one recorded conversation exchange half.
type Turn struct {
	Role      string `json:"role"`
	Message   string `json:"message"`
	Timestamp string `json:"timestamp"`
}

// Session is one browser client's logical interaction with the upstream.
// All mutation goes through the registry or through methods that hold the
// session mutex; cross-field invariants live in the registry.
type Session struct {
	SessionId string
	CreatedAt time.Time

	mu       sync.Mutex
	client   ClientHandle
	upstream UpstreamConn
	status   Status
	model    string
	setupAck bool
	stopSent bool
	pending  *tools.ChunkQueue // nil unless pre-ready buffering is enabled
	history  []Turn
}

func (s *Session) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

func (s *Session) Client() ClientHandle {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.client
}

func (s *Session) Upstream() UpstreamConn {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.upstream
}

func (s *Session) Model() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.model
}

// SetModel records the upstream-negotiated capability. Set once; later
// calls are ignored.
func (s *Session) SetModel(model string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.model == "" {
		s.model = model
	}
}

func (s *Session) SetupAcknowledged() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.setupAck
}

func (s *Session) setSetupAcknowledged(ack bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.setupAck = ack
}

func (s *Session) attach(client ClientHandle) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.client = client
}

func (s *Session) bindUpstream(u UpstreamConn) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.upstream = u
}

// markStopSent reports whether this is the first teardown request, so the
// upstream stop is never sent twice.
func (s *Session) markStopSent() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopSent {
		return false
	}
	s.stopSent = true
	return true
}

func (s *Session) setStatus(next Status) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.status == next {
		return nil
	}
	if !transitionAllowed(s.status, next) {
		return shared.ErrInvalidTransition
	}
	s.status = next
	return nil
}

func (s *Session) appendTurn(turn Turn) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.history = append(s.history, turn)
}

// History returns a copy of the recorded conversation turns.
func (s *Session) History() []Turn {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Turn, len(s.history))
	copy(out, s.history)
	return out
}

func (s *Session) pendingQueue() *tools.ChunkQueue {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pending
}

// Registry is the authoritative map from session id to session record and
// the only shared mutable state in the relay.
type Registry struct {
	logger   shared.LoggerAdapter
	mu       sync.Mutex
	sessions map[string]*Session
}

func NewRegistry(logger shared.LoggerAdapter) (*Registry, error) {
	if logger == nil {
		return nil, shared.ErrNoLogger
	}
	return &Registry{
		logger:   logger,
		sessions: make(map[string]*Session),
	}, nil
}

// Create registers a new session in the connecting state. The client
// handle may be nil when the session is allocated out-of-band (HTTP
// side-channel) and attached later via join-session.
func (r *Registry) Create(sessionId string, client ClientHandle, bufferChunks int) (*Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.sessions[sessionId]; exists {
		return nil, shared.ErrDuplicateSession
	}
	s := &Session{
		SessionId: sessionId,
		CreatedAt: time.Now(),
		client:    client,
		status:    StatusConnecting,
	}
	if bufferChunks > 0 {
		s.pending = tools.NewChunkQueue(bufferChunks)
	}
	r.sessions[sessionId] = s
	r.logger.Debug("session created", zap.String("sessionId", sessionId))
	return s, nil
}

func (r *Registry) Get(sessionId string) (*Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[sessionId]
	return s, ok
}

// Attach overwrites the session's client handle, supporting
// reconnection-by-id.
func (r *Registry) Attach(sessionId string, client ClientHandle) error {
	r.mu.Lock()
	s, ok := r.sessions[sessionId]
	r.mu.Unlock()
	if !ok {
		return shared.ErrSessionNotFound
	}
	s.attach(client)
	return nil
}

// FindByUpstream resolves the destination for an upstream message that
// carries no session id. Best-effort routing: the most recently created
// ready session on that connection wins, then the most recently created
// live session. Non-deterministic under concurrent multi-session load.
func (r *Registry) FindByUpstream(u UpstreamConn) (*Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var ready, live *Session
	for _, s := range r.sessions {
		if s.Upstream() != u {
			continue
		}
		switch s.Status() {
		case StatusReady:
			if ready == nil || s.CreatedAt.After(ready.CreatedAt) {
				ready = s
			}
		case StatusClosing, StatusClosed:
		default:
			if live == nil || s.CreatedAt.After(live.CreatedAt) {
				live = s
			}
		}
	}
	if ready != nil {
		return ready, true
	}
	if live != nil {
		return live, true
	}
	return nil, false
}

// SessionsOn returns every non-closed session bound to the given upstream
// connection, used for broadcast and group transitions.
func (r *Registry) SessionsOn(u UpstreamConn) []*Session {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*Session
	for _, s := range r.sessions {
		if s.Upstream() == u && s.Status() != StatusClosed {
			out = append(out, s)
		}
	}
	return out
}

// SessionsOf returns every session attached to the given client handle.
func (r *Registry) SessionsOf(client ClientHandle) []*Session {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*Session
	for _, s := range r.sessions {
		if s.Client() == client {
			out = append(out, s)
		}
	}
	return out
}

// Remove is idempotent; removing an unknown session is a no-op.
func (r *Registry) Remove(sessionId string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.sessions[sessionId]; ok {
		delete(r.sessions, sessionId)
		r.logger.Debug("session removed", zap.String("sessionId", sessionId))
	}
}

// UpdateStatus enforces the session state machine; in particular there is
// no transition out of closed.
func (r *Registry) UpdateStatus(sessionId string, next Status) error {
	r.mu.Lock()
	s, ok := r.sessions[sessionId]
	r.mu.Unlock()
	if !ok {
		return shared.ErrSessionNotFound
	}
	if err := s.setStatus(next); err != nil {
		return err
	}
	r.logger.Trace(
		"session status updated",
		zap.String("sessionId", sessionId),
		zap.String("status", string(next)),
	)
	return nil
}

func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}
