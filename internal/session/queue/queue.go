// Package queue holds user messages typed while the agent is busy.
package queue

import (
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/kibble/kibble/internal/session/models"
)

// ErrEmpty is returned by Dequeue and Peek on an empty queue.
var ErrEmpty = errors.New("queue is empty")

// Queue is a FIFO of pending user messages.
type Queue struct {
	mu    sync.Mutex
	items []models.QueuedMessage
}

// New returns an empty queue.
func New() *Queue {
	return &Queue{}
}

// Enqueue adds content to the back of the queue.
func (q *Queue) Enqueue(content string) models.QueuedMessage {
	item := models.QueuedMessage{
		ID:       uuid.New().String(),
		Content:  content,
		QueuedAt: time.Now().UTC(),
	}
	q.mu.Lock()
	q.items = append(q.items, item)
	q.mu.Unlock()
	return item
}

// Dequeue removes and returns the front item.
func (q *Queue) Dequeue() (models.QueuedMessage, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) == 0 {
		return models.QueuedMessage{}, ErrEmpty
	}
	item := q.items[0]
	q.items = q.items[1:]
	return item, nil
}

// Peek returns the front item without removing it.
func (q *Queue) Peek() (models.QueuedMessage, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) == 0 {
		return models.QueuedMessage{}, ErrEmpty
	}
	return q.items[0], nil
}

// Remove drops the item with the given id.
func (q *Queue) Remove(id string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	for i, item := range q.items {
		if item.ID == id {
			q.items = append(q.items[:i], q.items[i+1:]...)
			return true
		}
	}
	return false
}

// Items returns a snapshot of the queue.
func (q *Queue) Items() []models.QueuedMessage {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]models.QueuedMessage, len(q.items))
	copy(out, q.items)
	return out
}

// Len returns the number of queued items.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Clear empties the queue.
func (q *Queue) Clear() {
	q.mu.Lock()
	q.items = nil
	q.mu.Unlock()
}
