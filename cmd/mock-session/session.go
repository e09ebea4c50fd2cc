package main

import (
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/kibble/kibble/internal/session/models"
	ws "github.com/kibble/kibble/pkg/websocket"
)

// mockSession is the server-side state of one session.
type mockSession struct {
	mu       sync.Mutex
	info     models.Session
	messages []models.ChatMessage
	question *models.AgentQuestion
	plan     *models.AgentPlan
	conns    map[*websocket.Conn]*sync.Mutex
}

func newMockSession(repoURL string) *mockSession {
	return &mockSession{
		info: models.Session{
			ID:        uuid.New().String(),
			RepoURL:   repoURL,
			Status:    models.SessionStatusReady,
			CreatedAt: time.Now().UTC(),
		},
		conns: make(map[*websocket.Conn]*sync.Mutex),
	}
}

func (s *mockSession) snapshot() models.Session {
	s.mu.Lock()
	defer s.mu.Unlock()
	info := s.info
	info.MessagesCount = len(s.messages)
	return info
}

func (s *mockSession) setStatus(status models.SessionStatus) {
	s.mu.Lock()
	s.info.Status = status
	now := time.Now().UTC()
	s.info.LastActivity = &now
	s.mu.Unlock()
}

func (s *mockSession) addMessage(role models.MessageRole, text string) models.ChatMessage {
	m := models.ChatMessage{
		ID:            uuid.New().String(),
		Role:          role,
		ContentBlocks: []models.ContentBlock{models.TextBlock(text)},
		Timestamp:     time.Now().UTC(),
	}
	s.mu.Lock()
	s.messages = append(s.messages, m)
	now := m.Timestamp
	s.info.LastActivity = &now
	s.mu.Unlock()
	return m
}

// messagesSince returns the messages after since. An unknown cursor yields
// the full transcript.
func (s *mockSession) messagesSince(since string) []models.ChatMessage {
	s.mu.Lock()
	defer s.mu.Unlock()
	start := 0
	if since != "" {
		for i, m := range s.messages {
			if m.ID == since {
				start = i + 1
				break
			}
		}
	}
	out := make([]models.ChatMessage, 0, len(s.messages)-start)
	for _, m := range s.messages[start:] {
		out = append(out, m.Clone())
	}
	return out
}

func (s *mockSession) attach(conn *websocket.Conn) {
	s.mu.Lock()
	s.conns[conn] = &sync.Mutex{}
	s.mu.Unlock()
}

func (s *mockSession) detach(conn *websocket.Conn) {
	s.mu.Lock()
	delete(s.conns, conn)
	s.mu.Unlock()
}

func (s *mockSession) connCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.conns)
}

// broadcast writes f to every live connection of the session.
func (s *mockSession) broadcast(f *ws.Frame) {
	data, err := f.Encode()
	if err != nil {
		return
	}
	s.mu.Lock()
	targets := make(map[*websocket.Conn]*sync.Mutex, len(s.conns))
	for c, wmu := range s.conns {
		targets[c] = wmu
	}
	s.mu.Unlock()

	for c, wmu := range targets {
		wmu.Lock()
		_ = c.SetWriteDeadline(time.Now().Add(writeWait))
		err := c.WriteMessage(websocket.TextMessage, data)
		wmu.Unlock()
		if err != nil {
			s.detach(c)
			_ = c.Close()
		}
	}
}

func expand(text, input string) string {
	return strings.ReplaceAll(text, "{{input}}", input)
}
