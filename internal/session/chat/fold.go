package chat

import (
	"context"

	"go.uber.org/zap"

	"github.com/kibble/kibble/internal/events"
	"github.com/kibble/kibble/internal/session/models"
	"github.com/kibble/kibble/internal/session/transport"
)

// callbacks builds the handler set registered with the transport. Handlers
// run on the transport's delivery goroutine; anything that blocks on the
// network is moved off it.
func (c *Controller) callbacks() transport.Callbacks {
	return transport.Callbacks{
		OnConnect:         c.onConnect,
		OnDisconnect:      c.onDisconnect,
		OnModeChanged:     c.onModeChanged,
		OnContentUpdated:  c.onContentUpdated,
		OnToolStarted:     c.onToolStarted,
		OnMessageComplete: c.onMessageComplete,
		OnStatusChanged:   c.onStatusChanged,
		OnQuestion:        c.onQuestion,
		OnPlan:            c.onPlan,
		OnPlanStepUpdated: c.onPlanStepUpdated,
		OnChunk:           c.onChunk,
		OnError:           c.onError,
		OnSessionEnd:      c.onSessionEnd,
		OnPRCreated:       c.onPRCreated,
		FetchNewMessages:  c.fetchNew,
	}
}

func (c *Controller) onConnect() {
	c.mu.Lock()
	c.everConnected = true
	c.mu.Unlock()
	c.publish(events.SessionConnected, nil)
	// catch up on anything sent while the connection was down
	go func() { _ = c.fetchNew(c.ctx) }()
}

func (c *Controller) onDisconnect(err error) {
	data := map[string]interface{}{}
	if err != nil {
		data["error"] = err.Error()
	}
	c.publish(events.SessionDisconnected, data)
}

func (c *Controller) onModeChanged(mode transport.Mode) {
	c.mu.Lock()
	c.mode = mode
	c.mu.Unlock()
	c.publish(events.SessionModeChanged, map[string]interface{}{"mode": string(mode)})
}

func (c *Controller) onContentUpdated(messageID string) {
	since := c.store.LastID()
	if messageID != "" {
		if _, ok := c.store.Get(messageID); ok {
			since = c.store.PrecedingID(messageID)
		}
	}
	go func() { _ = c.refresh(c.ctx, since) }()
}

func (c *Controller) onToolStarted(tool, file string) {
	c.mu.Lock()
	c.workState = models.WorkStateWorking
	c.mu.Unlock()
	c.publish(events.ToolStarted, map[string]interface{}{"tool": tool, "file": file})
}

func (c *Controller) onMessageComplete(messageID string) {
	c.mu.Lock()
	c.workState = models.WorkStateReady
	if c.streamingID != "" {
		c.store.Update(c.streamingID, func(m *models.ChatMessage) { m.IsStreaming = false })
		c.streamingID = ""
	}
	next, flush := c.dequeueLocked()
	c.mu.Unlock()

	c.publish(events.MessageCompleted, map[string]interface{}{"message_id": messageID})
	go func() { _ = c.fetchNew(c.ctx) }()

	if flush {
		c.logger.Debug("sending queued message", zap.String("queued_id", next.ID))
		go func() { _ = c.send(c.ctx, next.Content) }()
	}
}

func (c *Controller) onStatusChanged(status models.SessionStatus, message string) {
	c.mu.Lock()
	c.session.Status = status
	if status == models.SessionStatusStopped || status == models.SessionStatusDisconnected {
		c.workState = models.WorkStateReady
	}
	c.mu.Unlock()
	c.publish(events.SessionStatusChanged, map[string]interface{}{"status": string(status), "message": message})
}

func (c *Controller) onQuestion(q *models.AgentQuestion) {
	c.mu.Lock()
	c.question = cloneQuestion(q)
	c.workState = models.WorkStateReady
	c.mu.Unlock()
	c.publish(events.QuestionReceived, map[string]interface{}{"question_id": q.ID, "question": q.Question})
}

func (c *Controller) onPlan(p *models.AgentPlan) {
	c.mu.Lock()
	c.plan = p.Clone()
	if c.plan.Status == "" {
		c.plan.Status = models.PlanStatusPending
	}
	c.workState = models.WorkStateReady
	c.mu.Unlock()
	c.publish(events.PlanReceived, map[string]interface{}{"plan_id": p.ID, "title": p.Title, "steps": len(p.Steps)})
}

func (c *Controller) onPlanStepUpdated(planID, stepID string, status models.PlanStepStatus) {
	c.mu.Lock()
	applied := c.plan.ApplyStepUpdate(planID, stepID, status)
	c.mu.Unlock()
	if !applied {
		c.logger.Debug("ignoring step update for unknown plan or step",
			zap.String("plan_id", planID), zap.String("step_id", stepID))
		return
	}
	c.publish(events.PlanStepUpdated, map[string]interface{}{"plan_id": planID, "step_id": stepID, "status": string(status)})
}

func (c *Controller) onChunk(content, chunkType string) {
	c.mu.Lock()
	if c.streamingID == "" || !c.store.AppendText(c.streamingID, content) {
		c.streamingID = c.addPlaceholderLocked()
		c.store.AppendText(c.streamingID, content)
	}
	id := c.streamingID
	c.mu.Unlock()
	c.publish(events.MessageUpdated, map[string]interface{}{"message_id": id, "chunk": content, "chunk_type": chunkType})
}

func (c *Controller) onError(message string) {
	c.mu.Lock()
	c.lastError = message
	c.workState = models.WorkStateReady
	c.mu.Unlock()
	c.publish(events.SessionError, map[string]interface{}{"message": message})
}

func (c *Controller) onSessionEnd(prURL string) {
	c.mu.Lock()
	c.session.Status = models.SessionStatusStopped
	c.workState = models.WorkStateReady
	if prURL != "" {
		c.prURL = prURL
		c.session.PRURL = prURL
	}
	c.mu.Unlock()
	c.publish(events.SessionEnded, map[string]interface{}{"pr_url": prURL})
}

func (c *Controller) onPRCreated(url string) {
	c.mu.Lock()
	c.prURL = url
	c.session.PRURL = url
	c.mu.Unlock()
	c.publish(events.PRCreated, map[string]interface{}{"pr_url": url})
}

// fetchNew pulls messages after the newest server message.
func (c *Controller) fetchNew(ctx context.Context) error {
	return c.refresh(ctx, c.store.LastID())
}
