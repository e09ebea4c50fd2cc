// Package transport maintains the real-time connection to one agent session.
//
// A Manager owns a live websocket connection and a fallback REST poller and
// never runs both at once: opening the live connection stops the poller, and
// losing it starts the poller and schedules a bounded number of delayed
// reconnects. All callbacks are delivered on a single goroutine per Manager.
package transport

import (
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/kibble/kibble/internal/common/config"
	"github.com/kibble/kibble/internal/common/logger"
	ws "github.com/kibble/kibble/pkg/websocket"
)

var (
	// ErrLiveUnavailable is passed to OnDisconnect when the live transport
	// cannot be used from this client and polling was selected up front.
	ErrLiveUnavailable = errors.New("live transport unavailable on secure origin")

	// ErrConnectionLost wraps dial failures and abnormal closes.
	ErrConnectionLost = errors.New("connection lost")
)

type connState int

const (
	stateIdle connState = iota
	stateConnecting
	stateOpen
)

// Option configures a Manager.
type Option func(*Manager)

// WithModeSelector overrides the origin-based selector built from config.
func WithModeSelector(s ModeSelector) Option {
	return func(m *Manager) { m.selector = s }
}

// WithDialer overrides the websocket dialer.
func WithDialer(d *websocket.Dialer) Option {
	return func(m *Manager) { m.dialer = d }
}

// Status is a consistent snapshot of the manager state.
type Status struct {
	SessionID         string
	Mode              Mode
	Connected         bool
	Connecting        bool
	ForcedPolling     bool
	PollerRunning     bool
	ReconnectAttempts int
	ReconnectPending  bool
	// Exhausted is set once automatic reconnection has stopped for the
	// current subscription. Only Retry or Connect dial again.
	Exhausted bool
}

// Manager is the transport for one session subscription at a time.
type Manager struct {
	cfg      config.TransportConfig
	base     *logger.Logger
	logger   *logger.Logger
	selector ModeSelector
	dialer   *websocket.Dialer

	mu                sync.Mutex
	sessionID         string
	callbacks         Callbacks
	epoch             uint64
	attempt           uint64 // id of the current dial or connection, 0 when none
	nextAttempt       uint64
	state             connState
	mode              Mode
	shouldReconnect   bool
	forcePolling      bool
	reconnectAttempts int
	lastDisconnect    time.Time
	reconnectTimer    *time.Timer
	dialCancel        func()
	conn              *websocket.Conn
	keepaliveStop     chan struct{}
	poller            *Poller
	closed            bool

	writeMu sync.Mutex

	queueMu   sync.Mutex
	queue     []task
	wake      chan struct{}
	done      chan struct{}
	closeOnce sync.Once
}

// NewManager creates an idle manager and starts its delivery goroutine.
func NewManager(cfg config.TransportConfig, log *logger.Logger, opts ...Option) *Manager {
	m := &Manager{
		cfg:      cfg,
		base:     log,
		logger:   log.WithComponent("session-transport"),
		selector: OriginSelector{PageOrigin: cfg.PageOrigin, Endpoint: cfg.Endpoint},
		dialer: &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: cfg.HandshakeTimeout(),
		},
		mode: ModeIdle,
		wake: make(chan struct{}, 1),
		done: make(chan struct{}),
	}
	for _, opt := range opts {
		opt(m)
	}
	go m.deliverLoop()
	return m
}

// Connect subscribes to a session. Any previous subscription is torn down
// first. Outcomes are reported through cb only.
func (m *Manager) Connect(sessionID string, cb Callbacks) {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		m.logger.Warn("connect on closed transport", zap.String("session_id", sessionID))
		return
	}
	old := m.teardownLocked()

	m.sessionID = sessionID
	m.callbacks = cb
	m.shouldReconnect = true
	m.poller = NewPoller(sessionID, m.cfg.PollInterval(), cb.FetchNewMessages, m.base)

	if m.forcePolling || !m.selector.LiveViable() {
		m.forcePolling = true
		m.logger.Info("live transport unavailable from this origin, using polling",
			zap.String("session_id", sessionID),
			zap.String("endpoint", m.cfg.Endpoint))
		m.post(m.epoch, func() {
			if cb.OnDisconnect != nil {
				cb.OnDisconnect(ErrLiveUnavailable)
			}
		})
		m.poller.Start()
		m.setModeLocked(ModePolling)
	} else {
		m.establishLocked()
	}
	m.mu.Unlock()

	m.closeConn(old)
}

// Disconnect cancels every pending timer, stops the poller and closes the
// connection. No callback registered before the call fires after it
// returns, unless its delivery had already started. Calling it again has no
// effect.
func (m *Manager) Disconnect() {
	m.mu.Lock()
	m.shouldReconnect = false
	m.forcePolling = false
	old := m.teardownLocked()
	if m.sessionID != "" {
		m.logger.Info("disconnected", zap.String("session_id", m.sessionID))
	}
	m.sessionID = ""
	m.mu.Unlock()

	m.closeConn(old)
}

// Retry resets the reconnect budget and the throttle window, then
// reconnects the current session.
func (m *Manager) Retry() {
	m.mu.Lock()
	sessionID, cb := m.sessionID, m.callbacks
	m.mu.Unlock()
	if sessionID == "" {
		return
	}

	m.Disconnect()

	m.mu.Lock()
	m.reconnectAttempts = 0
	m.lastDisconnect = time.Time{}
	m.mu.Unlock()

	m.Connect(sessionID, cb)
}

// Close disconnects and stops the delivery goroutine. The manager cannot be
// reused afterwards.
func (m *Manager) Close() {
	m.Disconnect()
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()
	m.closeOnce.Do(func() { close(m.done) })
}

// Send writes one message on the live connection. When the connection is
// not open the message is dropped with a warning.
func (m *Manager) Send(msg ws.Outbound) {
	m.mu.Lock()
	conn := m.conn
	open := m.state == stateOpen && conn != nil
	sessionID := m.sessionID
	m.mu.Unlock()

	if !open {
		m.logger.Warn("cannot send - not connected",
			zap.String("session_id", sessionID),
			zap.String("type", string(msg.Type())))
		return
	}

	data, err := msg.Marshal()
	if err != nil {
		m.logger.Error("failed to encode outbound message", zap.Error(err))
		return
	}

	m.writeMu.Lock()
	_ = conn.SetWriteDeadline(time.Now().Add(m.cfg.WriteTimeout()))
	err = conn.WriteMessage(websocket.TextMessage, data)
	m.writeMu.Unlock()
	if err != nil {
		m.logger.Error("failed to send message",
			zap.String("session_id", sessionID),
			zap.String("type", string(msg.Type())),
			zap.Error(err))
	}
}

// SendMessage sends a chat message.
func (m *Manager) SendMessage(content string) {
	m.Send(ws.NewChatMessage(content))
}

// SendCommand sends a session command with optional flattened options.
func (m *Manager) SendCommand(action ws.Command, options map[string]string) {
	m.Send(ws.NewCommand(action, options))
}

// SendAnswer submits answers to an agent question.
func (m *Manager) SendAnswer(questionID string, answers []string, customAnswer string) {
	m.Send(ws.NewAnswer(questionID, answers, customAnswer))
}

// IsConnected reports whether the live connection is open.
func (m *Manager) IsConnected() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state == stateOpen
}

// IsConnecting reports whether a dial is in progress.
func (m *Manager) IsConnecting() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state == stateConnecting
}

// IsPollingMode reports whether polling was forced because the live
// transport cannot be used from this client.
func (m *Manager) IsPollingMode() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.forcePolling
}

// Mode returns the strategy currently delivering updates.
func (m *Manager) Mode() Mode {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.mode
}

// Status returns a snapshot of the manager state.
func (m *Manager) Status() Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	s := Status{
		SessionID:         m.sessionID,
		Mode:              m.mode,
		Connected:         m.state == stateOpen,
		Connecting:        m.state == stateConnecting,
		ForcedPolling:     m.forcePolling,
		ReconnectAttempts: m.reconnectAttempts,
		ReconnectPending:  m.reconnectTimer != nil,
	}
	if m.poller != nil {
		s.PollerRunning = m.poller.IsRunning()
	}
	s.Exhausted = m.shouldReconnect && !m.forcePolling && m.state == stateIdle &&
		m.reconnectTimer == nil && m.reconnectAttempts >= m.cfg.MaxReconnectAttempts
	return s
}

// teardownLocked invalidates everything tied to the current subscription
// and returns the connection to close once the lock is released.
func (m *Manager) teardownLocked() *websocket.Conn {
	m.epoch++
	m.attempt = 0
	if m.reconnectTimer != nil {
		m.reconnectTimer.Stop()
		m.reconnectTimer = nil
	}
	m.stopKeepaliveLocked()
	if m.dialCancel != nil {
		m.dialCancel()
		m.dialCancel = nil
	}
	if m.poller != nil {
		m.poller.Stop()
	}
	conn := m.conn
	m.conn = nil
	m.state = stateIdle
	m.mode = ModeIdle
	return conn
}

// setModeLocked records a mode change and reports it to the current callbacks.
func (m *Manager) setModeLocked(mode Mode) {
	if m.mode == mode {
		return
	}
	m.mode = mode
	cb := m.callbacks
	m.post(m.epoch, func() {
		if cb.OnModeChanged != nil {
			cb.OnModeChanged(mode)
		}
	})
}

func (m *Manager) closeConn(conn *websocket.Conn) {
	if conn == nil {
		return
	}
	deadline := time.Now().Add(m.cfg.WriteTimeout())
	_ = conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), deadline)
	if err := conn.Close(); err != nil {
		m.logger.Debug("failed to close connection", zap.Error(err))
	}
}
