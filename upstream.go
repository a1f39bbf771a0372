package relay

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/avast/retry-go/v4"
	"github.com/bt-bridge/gemini-relay/shared"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

type UpstreamState int

const (
	UpstreamDisconnected UpstreamState = iota
	UpstreamConnecting
	UpstreamOpen
	UpstreamClosing
)

func (s UpstreamState) String() string {
	switch s {
	case UpstreamDisconnected:
		return "disconnected"
	case UpstreamConnecting:
		return "connecting"
	case UpstreamOpen:
		return "open"
	case UpstreamClosing:
		return "closing"
	}
	return "unknown"
}

// Relay modes: one upstream socket shared by every session, or one
// exclusive socket per session.
const (
	ModeShared     = "shared"
	ModePerSession = "per-session"
)

type UpstreamConfig struct {
	URL                string
	Model              string
	ResponseModalities []string
	SystemInstruction  string
	Mode               string
	ReconnectDelay     time.Duration
	MaxAttempts        uint // 0 retries indefinitely
	SetupTimeout       time.Duration
}

func (c UpstreamConfig) withDefaults() UpstreamConfig {
	if c.Model == "" {
		c.Model = "models/gemini-2.0-flash-live-001"
	}
	if len(c.ResponseModalities) == 0 {
		c.ResponseModalities = []string{"TEXT"}
	}
	if c.Mode == "" {
		c.Mode = ModeShared
	}
	if c.ReconnectDelay <= 0 {
		c.ReconnectDelay = 3 * time.Second
	}
	if c.SetupTimeout <= 0 {
		c.SetupTimeout = 15 * time.Second
	}
	return c
}

// UpstreamConn is what the dispatcher and registry see of an upstream
// connection. Tests substitute spies.
type UpstreamConn interface {
	Connect()
	Send(data []byte) error
	State() UpstreamState
	Epoch() uint64
	MarkSetupSent() bool
	SetupSent() bool
	MarkSetupAcked()
	SetupAcked() bool
	Terminal() bool
	Close() error
	OnOpen(handler func(u UpstreamConn))
	OnMessage(handler func(u UpstreamConn, data []byte))
	OnClose(handler func(u UpstreamConn, err error))
}

// Upstream owns one outbound socket to the streaming endpoint and hides
// reconnect churn from the rest of the relay. The epoch counter increments
// per physical connection so callbacks from a stale socket are discarded,
// and the setup flags reset with it: exactly one setup frame per physical
// connection.
type Upstream struct {
	logger shared.LoggerAdapter
	cfg    UpstreamConfig
	ctx    context.Context
	cancel context.CancelFunc

	mu         sync.Mutex
	conn       *websocket.Conn
	state      UpstreamState
	epoch      uint64
	looping    bool
	closed     bool
	terminal   bool
	setupSent  bool
	setupAcked bool
	onOpen     func(u UpstreamConn)
	onMessage  func(u UpstreamConn, data []byte)
	onClose    func(u UpstreamConn, err error)
}

var _ UpstreamConn = (*Upstream)(nil)

func NewUpstream(ctx context.Context, logger shared.LoggerAdapter, cfg UpstreamConfig) (*Upstream, error) {
	if logger == nil {
		return nil, shared.ErrNoLogger
	}
	if cfg.URL == "" {
		return nil, shared.ErrNoConfig
	}
	ctx, cancel := context.WithCancel(ctx)
	return &Upstream{
		logger: logger,
		cfg:    cfg.withDefaults(),
		ctx:    ctx,
		cancel: cancel,
	}, nil
}

// OnOpen must be registered before Connect.
func (u *Upstream) OnOpen(handler func(u UpstreamConn)) {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.onOpen = handler
}

func (u *Upstream) OnMessage(handler func(u UpstreamConn, data []byte)) {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.onMessage = handler
}

func (u *Upstream) OnClose(handler func(u UpstreamConn, err error)) {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.onClose = handler
}

// Connect starts the reconnect loop unless one is already running or the
// connection is open or closed for good. Safe to call repeatedly.
func (u *Upstream) Connect() {
	u.mu.Lock()
	if u.closed || u.terminal || u.looping || u.state == UpstreamOpen || u.state == UpstreamConnecting {
		u.mu.Unlock()
		return
	}
	u.looping = true
	u.state = UpstreamConnecting
	u.mu.Unlock()
	go u.connectLoop()
}

func (u *Upstream) connectLoop() {
	err := retry.Do(
		u.dial,
		retry.Context(u.ctx),
		retry.Attempts(u.cfg.MaxAttempts),
		retry.Delay(u.cfg.ReconnectDelay),
		retry.DelayType(retry.FixedDelay),
		retry.LastErrorOnly(true),
		retry.OnRetry(func(n uint, err error) {
			u.logger.Warn(
				"upstream connect failed, retrying",
				zap.Uint("attempt", n+1),
				zap.Duration("delay", u.cfg.ReconnectDelay),
				zap.Error(err),
			)
		}),
	)
	if err == nil {
		return
	}
	u.mu.Lock()
	u.looping = false
	u.state = UpstreamDisconnected
	u.terminal = true
	onClose := u.onClose
	u.mu.Unlock()
	u.logger.Error("upstream connection attempts exhausted", err)
	if onClose != nil {
		onClose(u, err)
	}
}

func (u *Upstream) dial() error {
	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	conn, _, err := dialer.DialContext(u.ctx, u.cfg.URL, nil)
	if err != nil {
		return fmt.Errorf("dialing upstream: %w", err)
	}
	u.mu.Lock()
	if u.closed {
		u.mu.Unlock()
		_ = conn.Close()
		return nil
	}
	u.conn = conn
	u.state = UpstreamOpen
	u.epoch++
	u.setupSent = false
	u.setupAcked = false
	u.looping = false
	epoch := u.epoch
	onOpen := u.onOpen
	u.mu.Unlock()
	u.logger.Info(
		"upstream connection opened",
		zap.Uint64("epoch", epoch),
		zap.String("url", u.cfg.URL),
	)
	go u.readLoop(conn, epoch)
	if onOpen != nil {
		onOpen(u)
	}
	return nil
}

func (u *Upstream) readLoop(conn *websocket.Conn, epoch uint64) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			u.connectionLost(conn, epoch, err)
			return
		}
		u.mu.Lock()
		handler := u.onMessage
		u.mu.Unlock()
		if handler != nil {
			handler(u, data)
		}
	}
}

// connectionLost fires the close handler exactly once per physical
// connection and kicks off a fresh reconnect attempt, never a silent
// stall.
func (u *Upstream) connectionLost(conn *websocket.Conn, epoch uint64, err error) {
	u.mu.Lock()
	if u.epoch != epoch || u.conn != conn {
		u.mu.Unlock()
		return
	}
	u.conn = nil
	u.state = UpstreamDisconnected
	closed := u.closed
	onClose := u.onClose
	u.mu.Unlock()
	_ = conn.Close()
	u.logger.Warn(
		"upstream connection closed",
		zap.Uint64("epoch", epoch),
		zap.Error(err),
	)
	if onClose != nil {
		onClose(u, err)
	}
	if !closed {
		u.Connect()
	}
}

// Send fails immediately when the connection is not open; queuing policy
// belongs to the caller.
func (u *Upstream) Send(data []byte) error {
	u.mu.Lock()
	defer u.mu.Unlock()
	if u.state != UpstreamOpen || u.conn == nil {
		return shared.ErrNotConnected
	}
	if err := u.conn.WriteMessage(websocket.TextMessage, data); err != nil {
		return fmt.Errorf("writing to upstream: %w", err)
	}
	return nil
}

func (u *Upstream) State() UpstreamState {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.state
}

func (u *Upstream) Epoch() uint64 {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.epoch
}

// MarkSetupSent reports whether the caller won the right to send the
// one-time setup frame on the current physical connection.
func (u *Upstream) MarkSetupSent() bool {
	u.mu.Lock()
	defer u.mu.Unlock()
	if u.setupSent {
		return false
	}
	u.setupSent = true
	return true
}

func (u *Upstream) SetupSent() bool {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.setupSent
}

func (u *Upstream) MarkSetupAcked() {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.setupAcked = true
}

func (u *Upstream) SetupAcked() bool {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.setupAcked
}

// Terminal reports that the retry budget is spent and the connection will
// never come back.
func (u *Upstream) Terminal() bool {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.terminal
}

func (u *Upstream) Close() error {
	u.mu.Lock()
	if u.closed {
		u.mu.Unlock()
		return nil
	}
	u.closed = true
	u.state = UpstreamClosing
	conn := u.conn
	u.conn = nil
	u.mu.Unlock()
	u.cancel()
	if conn != nil {
		_ = conn.WriteControl(
			websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second),
		)
		if err := conn.Close(); err != nil {
			u.logger.Error("closing upstream connection failed", err)
		}
	}
	u.mu.Lock()
	u.state = UpstreamDisconnected
	u.mu.Unlock()
	u.logger.Info("upstream closed")
	return nil
}
