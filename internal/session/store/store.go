// Package store keeps the in-memory transcript of a session.
package store

import (
	"sync"

	"github.com/kibble/kibble/internal/session/models"
)

// Store is a concurrency-safe ordered list of chat messages keyed by id.
type Store struct {
	mu       sync.RWMutex
	messages []models.ChatMessage
	index    map[string]int
}

// New returns an empty store.
func New() *Store {
	return &Store{index: make(map[string]int)}
}

// Set replaces the transcript.
func (s *Store) Set(msgs []models.ChatMessage) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.messages = s.messages[:0]
	s.index = make(map[string]int, len(msgs))
	for _, m := range msgs {
		s.appendLocked(m)
	}
}

// Add appends a message. A message whose id is already present replaces
// the stored copy in place.
func (s *Store) Add(m models.ChatMessage) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if i, ok := s.index[m.ID]; ok && m.ID != "" {
		s.messages[i] = m.Clone()
		return
	}
	s.appendLocked(m)
}

// Merge appends the messages not yet present and returns how many were added.
func (s *Store) Merge(msgs []models.ChatMessage) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	added := 0
	for _, m := range msgs {
		if _, ok := s.index[m.ID]; ok && m.ID != "" {
			continue
		}
		s.appendLocked(m)
		added++
	}
	return added
}

// Update applies fn to the message with the given id. It reports whether
// the message exists.
func (s *Store) Update(id string, fn func(*models.ChatMessage)) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	i, ok := s.index[id]
	if !ok {
		return false
	}
	fn(&s.messages[i])
	return true
}

// AppendText appends streamed text to the message with the given id.
func (s *Store) AppendText(id, text string) bool {
	return s.Update(id, func(m *models.ChatMessage) { m.AppendText(text) })
}

// Remove drops the message with the given id.
func (s *Store) Remove(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	i, ok := s.index[id]
	if !ok {
		return false
	}
	s.messages = append(s.messages[:i], s.messages[i+1:]...)
	delete(s.index, id)
	for j := i; j < len(s.messages); j++ {
		s.index[s.messages[j].ID] = j
	}
	return true
}

// LastID returns the id of the newest message that came from the server,
// used as the "since" cursor when polling.
func (s *Store) LastID() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.serverIDBefore(len(s.messages))
}

// PrecedingID returns the server id of the message before id, or "" when id
// is the first server message or unknown.
func (s *Store) PrecedingID(id string) string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	i, ok := s.index[id]
	if !ok {
		return ""
	}
	return s.serverIDBefore(i)
}

func (s *Store) serverIDBefore(end int) string {
	for i := end - 1; i >= 0; i-- {
		m := s.messages[i]
		if m.ServerMessageID != "" {
			return m.ServerMessageID
		}
		if !m.IsLocal() && !m.IsStreaming && m.ID != "" {
			return m.ID
		}
	}
	return ""
}

// Last returns a copy of the newest message.
func (s *Store) Last() (models.ChatMessage, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if len(s.messages) == 0 {
		return models.ChatMessage{}, false
	}
	return s.messages[len(s.messages)-1].Clone(), true
}

// Get returns a copy of the message with the given id.
func (s *Store) Get(id string) (models.ChatMessage, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	i, ok := s.index[id]
	if !ok {
		return models.ChatMessage{}, false
	}
	return s.messages[i].Clone(), true
}

// Len returns the number of messages.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.messages)
}

// Messages returns a copy of the transcript.
func (s *Store) Messages() []models.ChatMessage {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]models.ChatMessage, len(s.messages))
	for i, m := range s.messages {
		out[i] = m.Clone()
	}
	return out
}

func (s *Store) appendLocked(m models.ChatMessage) {
	if m.ID != "" {
		s.index[m.ID] = len(s.messages)
	}
	s.messages = append(s.messages, m.Clone())
}
