package chat

import (
	"context"

	"go.uber.org/zap"

	"github.com/kibble/kibble/internal/events"
	"github.com/kibble/kibble/internal/session/models"
)

// refresh fetches messages after since and merges them. Concurrent calls
// with the same cursor share one request.
func (c *Controller) refresh(ctx context.Context, since string) error {
	_, err, shared := c.fetches.Do("since:"+since, func() (interface{}, error) {
		return nil, c.fetchAndMerge(ctx, since)
	})
	if shared {
		c.logger.Debug("coalesced message fetch", zap.String("since", since))
	}
	return err
}

func (c *Controller) fetchAndMerge(ctx context.Context, since string) error {
	msgs, err := c.api.GetMessages(ctx, c.sessionID, since)
	if err != nil {
		if ctx.Err() == nil {
			c.logger.Warn("failed to fetch messages", zap.String("since", since), zap.Error(err))
		}
		return err
	}
	if len(msgs) == 0 {
		return nil
	}

	var added, updated []models.ChatMessage
	var replied bool
	c.mu.Lock()
	for _, m := range msgs {
		if existing, ok := c.store.Get(m.ID); ok {
			if existing.Text() != m.Text() || existing.IsStreaming != m.IsStreaming {
				c.store.Add(m)
				updated = append(updated, m)
			}
			if m.Role == models.RoleAssistant && existing.IsStreaming && !m.IsStreaming {
				replied = true
			}
			continue
		}
		switch m.Role {
		case models.RoleUser:
			c.dropOptimisticLocked(m.Text())
		case models.RoleAssistant:
			c.dropPlaceholderLocked()
			replied = replied || !m.IsStreaming
		}
		added = append(added, m)
	}
	c.store.Merge(added)

	// Without a live connection no message_complete arrives; a finished
	// assistant reply ends the turn instead.
	var next models.QueuedMessage
	var flush bool
	if replied && !c.transport.IsConnected() {
		c.workState = models.WorkStateReady
		next, flush = c.dequeueLocked()
	}
	c.mu.Unlock()

	if flush {
		go func() { _ = c.send(c.ctx, next.Content) }()
	}

	for _, m := range added {
		c.publish(events.MessageAdded, map[string]interface{}{"message_id": m.ID, "role": string(m.Role), "text": m.Text()})
	}
	for _, m := range updated {
		c.publish(events.MessageUpdated, map[string]interface{}{"message_id": m.ID, "text": m.Text()})
	}
	return nil
}

// dropOptimisticLocked removes the oldest unacknowledged user message with
// the given text, now that the server has echoed it.
func (c *Controller) dropOptimisticLocked(text string) {
	for _, m := range c.store.Messages() {
		if m.Role == models.RoleUser && m.IsLocal() && m.Text() == text {
			c.store.Remove(m.ID)
			return
		}
	}
}

// dropPlaceholderLocked removes the local assistant message standing in for
// the reply the server has now delivered.
func (c *Controller) dropPlaceholderLocked() {
	if c.streamingID != "" {
		c.store.Remove(c.streamingID)
		c.streamingID = ""
		return
	}
	for _, m := range c.store.Messages() {
		if m.Role == models.RoleAssistant && m.IsLocal() {
			c.store.Remove(m.ID)
			return
		}
	}
}
