package transport

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"

	"github.com/kibble/kibble/internal/common/tracing"
	ws "github.com/kibble/kibble/pkg/websocket"
)

// sessionURL builds {endpoint}/sessions/{id}/ws.
func sessionURL(endpoint, sessionID string) string {
	return strings.TrimRight(endpoint, "/") + "/sessions/" + url.PathEscape(sessionID) + "/ws"
}

// establishLocked starts a dial unless polling is forced or the last
// disconnect is too recent. A throttled attempt falls back to polling and
// dials once the throttle window has passed.
func (m *Manager) establishLocked() {
	if m.forcePolling || m.sessionID == "" {
		return
	}
	log := m.logger.WithSessionID(m.sessionID)

	if !m.lastDisconnect.IsZero() {
		if wait := m.cfg.ReconnectThrottle() - time.Since(m.lastDisconnect); wait > 0 {
			log.Info("throttling reconnection", zap.Duration("wait", wait))
			m.poller.Start()
			m.setModeLocked(ModePolling)
			m.scheduleLocked(wait)
			return
		}
	}

	m.nextAttempt++
	id := m.nextAttempt
	m.attempt = id
	m.state = stateConnecting

	ctx, cancel := context.WithCancel(context.Background())
	m.dialCancel = cancel

	target := sessionURL(m.cfg.Endpoint, m.sessionID)
	log.Info("connecting", zap.String("url", target), zap.Int("attempt", m.reconnectAttempts+1))
	go m.dial(ctx, id, m.sessionID, target, m.reconnectAttempts+1)
}

func (m *Manager) scheduleLocked(delay time.Duration) {
	if m.reconnectTimer != nil {
		m.reconnectTimer.Stop()
	}
	epoch := m.epoch
	m.reconnectTimer = time.AfterFunc(delay, func() { m.reconnect(epoch) })
}

func (m *Manager) reconnect(epoch uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if epoch != m.epoch || !m.shouldReconnect || m.closed {
		return
	}
	m.reconnectTimer = nil
	if m.state != stateIdle {
		return
	}
	m.establishLocked()
}

func (m *Manager) dial(ctx context.Context, id uint64, sessionID, target string, attempt int) {
	ctx, span := tracing.TraceConnect(ctx, sessionID, target, attempt)

	header := http.Header{}
	if m.cfg.PageOrigin != "" {
		header.Set("Origin", m.cfg.PageOrigin)
	}
	if m.cfg.AuthToken != "" {
		header.Set("Authorization", "Bearer "+m.cfg.AuthToken)
	}

	conn, _, err := m.dialer.DialContext(ctx, target, header)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		span.End()
		if ctx.Err() == nil {
			m.logger.Error("dial failed", zap.String("session_id", sessionID), zap.Error(err))
		}
		m.handleDisconnect(id, fmt.Errorf("%w: %v", ErrConnectionLost, err))
		return
	}
	span.End()
	m.onOpen(id, conn)
}

func (m *Manager) onOpen(id uint64, conn *websocket.Conn) {
	m.mu.Lock()
	if id != m.attempt {
		m.mu.Unlock()
		_ = conn.Close()
		return
	}
	m.conn = conn
	m.state = stateOpen
	m.dialCancel = nil
	m.reconnectAttempts = 0
	m.poller.Stop()

	cb := m.callbacks
	epoch := m.epoch
	sessionID := m.sessionID
	m.post(epoch, func() {
		if cb.OnConnect != nil {
			cb.OnConnect()
		}
	})
	m.setModeLocked(ModeLive)

	stop := make(chan struct{})
	m.keepaliveStop = stop
	m.mu.Unlock()

	m.logger.Info("connected", zap.String("session_id", sessionID))

	m.armReadDeadline(conn)
	conn.SetPongHandler(func(string) error {
		m.armReadDeadline(conn)
		return nil
	})

	go m.keepalive(id, conn, stop)
	go m.readLoop(epoch, id, sessionID, conn, cb)
}

// pongWait bounds how long the connection may stay silent, including the
// reply to a keepalive ping.
func (m *Manager) pongWait() time.Duration {
	return 2 * m.cfg.KeepaliveInterval()
}

func (m *Manager) armReadDeadline(conn *websocket.Conn) {
	_ = conn.SetReadDeadline(time.Now().Add(m.pongWait()))
}

func (m *Manager) readLoop(epoch, id uint64, sessionID string, conn *websocket.Conn, cb Callbacks) {
	log := m.logger.WithSessionID(sessionID)
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			m.handleDisconnect(id, closeError(err))
			return
		}
		m.armReadDeadline(conn)

		frame, err := ws.Decode(data)
		if err != nil {
			log.Error("dropping malformed frame", zap.Error(err), zap.Int("bytes", len(data)))
			continue
		}
		log.Debug("received frame", zap.String("type", string(frame.Type)))
		tracing.TraceFrame(context.Background(), sessionID, string(frame.Type), data)

		m.post(epoch, func() { dispatchFrame(frame, cb, log) })
	}
}

// closeError maps a read error to the value reported to OnDisconnect.
// Clean closes report nil.
func closeError(err error) error {
	if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
		return nil
	}
	return fmt.Errorf("%w: %v", ErrConnectionLost, err)
}

func (m *Manager) keepalive(id uint64, conn *websocket.Conn, stop <-chan struct{}) {
	ticker := time.NewTicker(m.cfg.KeepaliveInterval())
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			deadline := time.Now().Add(m.cfg.WriteTimeout())
			if err := conn.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
				m.logger.Warn("keepalive ping failed", zap.Error(err))
				m.handleDisconnect(id, fmt.Errorf("%w: ping: %v", ErrConnectionLost, err))
				return
			}
		}
	}
}

func (m *Manager) stopKeepaliveLocked() {
	if m.keepaliveStop != nil {
		close(m.keepaliveStop)
		m.keepaliveStop = nil
	}
}

// handleDisconnect runs once per dial or connection. It reports the loss,
// falls back to polling and schedules the next attempt while the budget
// allows.
func (m *Manager) handleDisconnect(id uint64, cause error) {
	m.mu.Lock()
	if id == 0 || id != m.attempt {
		m.mu.Unlock()
		return
	}
	m.attempt = 0
	conn := m.conn
	m.conn = nil
	m.state = stateIdle
	m.dialCancel = nil
	m.stopKeepaliveLocked()
	m.lastDisconnect = time.Now()

	log := m.logger.WithSessionID(m.sessionID)
	if cause != nil {
		log.Info("connection closed", zap.Error(cause))
	} else {
		log.Info("connection closed")
	}

	cb := m.callbacks
	m.post(m.epoch, func() {
		if cb.OnDisconnect != nil {
			cb.OnDisconnect(cause)
		}
	})
	m.poller.Start()
	m.setModeLocked(ModePolling)

	if !m.forcePolling && m.shouldReconnect {
		m.reconnectAttempts++
		if m.reconnectAttempts < m.cfg.MaxReconnectAttempts {
			log.Info("scheduling reconnect",
				zap.Int("attempt", m.reconnectAttempts),
				zap.Duration("delay", m.cfg.ReconnectDelay()))
			m.scheduleLocked(m.cfg.ReconnectDelay())
		} else {
			log.Warn("reconnect attempts exhausted, staying on polling",
				zap.Int("attempts", m.reconnectAttempts))
		}
	}
	m.mu.Unlock()

	if conn != nil {
		_ = conn.Close()
	}
}
