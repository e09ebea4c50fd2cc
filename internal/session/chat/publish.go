package chat

import (
	"context"

	"go.uber.org/zap"

	"github.com/kibble/kibble/internal/events"
	"github.com/kibble/kibble/internal/events/bus"
)

const eventSource = "chat"

// publish republishes a folded event under session.<id>.<type>.
func (c *Controller) publish(eventType string, data map[string]interface{}) {
	if c.eventBus == nil {
		return
	}
	if data == nil {
		data = map[string]interface{}{}
	}
	subject := events.BuildSessionSubject(c.sessionID, eventType)
	event := bus.NewSessionEvent(c.sessionID, eventType, eventSource, data)
	if err := c.eventBus.Publish(context.Background(), subject, event); err != nil {
		c.logger.Debug("failed to publish event", zap.String("subject", subject), zap.Error(err))
	}
}
