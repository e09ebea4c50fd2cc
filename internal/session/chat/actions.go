package chat

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/kibble/kibble/internal/events"
	"github.com/kibble/kibble/internal/session/models"
	ws "github.com/kibble/kibble/pkg/websocket"
)

// SendMessage sends content to the agent. While the agent is working the
// message is queued instead and returned; it is sent when the current turn
// completes.
func (c *Controller) SendMessage(ctx context.Context, content string) (*models.QueuedMessage, error) {
	content = strings.TrimSpace(content)
	if content == "" {
		return nil, ErrEmptyMessage
	}

	c.mu.Lock()
	if !c.opened {
		c.mu.Unlock()
		return nil, ErrNotOpen
	}
	if c.workState == models.WorkStateWorking {
		item := c.queue.Enqueue(content)
		c.mu.Unlock()
		c.logger.Debug("agent busy, message queued", zap.String("queued_id", item.ID))
		return &item, nil
	}
	c.mu.Unlock()

	return nil, c.send(ctx, content)
}

// send adds the optimistic user message and streaming placeholder, then
// delivers over the live connection when open and over REST otherwise.
func (c *Controller) send(ctx context.Context, content string) error {
	c.mu.Lock()
	user := models.ChatMessage{
		ID:            models.NewLocalID(),
		Role:          models.RoleUser,
		ContentBlocks: []models.ContentBlock{models.TextBlock(content)},
		Timestamp:     time.Now().UTC(),
	}
	c.store.Add(user)
	c.streamingID = c.addPlaceholderLocked()
	placeholder := c.streamingID
	c.workState = models.WorkStateWorking
	c.mu.Unlock()

	c.publish(events.MessageAdded, map[string]interface{}{"message_id": user.ID, "role": string(user.Role), "text": content})

	if c.transport.IsConnected() {
		c.transport.SendMessage(content)
		return nil
	}

	if err := c.api.SendMessage(ctx, c.sessionID, content); err != nil {
		c.mu.Lock()
		c.store.Remove(user.ID)
		c.store.Remove(placeholder)
		if c.streamingID == placeholder {
			c.streamingID = ""
		}
		c.workState = models.WorkStateReady
		c.mu.Unlock()
		c.setError(fmt.Sprintf("failed to send message: %v", err))
		return err
	}
	go func() { _ = c.fetchNew(c.ctx) }()
	return nil
}

// Commit asks the agent to commit its changes.
func (c *Controller) Commit() error {
	return c.command(ws.CommandCommit)
}

// CreatePR asks the agent to open a pull request.
func (c *Controller) CreatePR() error {
	return c.command(ws.CommandCreatePR)
}

// Stop interrupts the agent's current turn.
func (c *Controller) Stop() error {
	return c.command(ws.CommandStop)
}

func (c *Controller) command(action ws.Command) error {
	if !c.transport.IsConnected() {
		return fmt.Errorf("%s: %w", action, ErrNotConnected)
	}
	c.transport.SendCommand(action, nil)

	// commit and create_pr run an agent turn; stop ends one
	if action == ws.CommandCommit || action == ws.CommandCreatePR {
		c.mu.Lock()
		c.workState = models.WorkStateWorking
		c.mu.Unlock()
	}
	return nil
}

// AnswerQuestion submits answers to the pending question. answers are
// option ids; customAnswer is free text and may be the only answer.
func (c *Controller) AnswerQuestion(ctx context.Context, answers []string, customAnswer string) error {
	c.mu.Lock()
	q := cloneQuestion(c.question)
	c.mu.Unlock()
	if q == nil {
		return ErrNoQuestion
	}

	customAnswer = strings.TrimSpace(customAnswer)
	if len(answers) == 0 && customAnswer == "" {
		return fmt.Errorf("%w: no answer given", ErrInvalidAnswer)
	}
	if !q.MultiSelect && len(answers) > 1 {
		return fmt.Errorf("%w: question accepts a single answer", ErrInvalidAnswer)
	}
	for _, a := range answers {
		if !q.HasOption(a) {
			return fmt.Errorf("%w: unknown option %q", ErrInvalidAnswer, a)
		}
	}

	if err := c.api.SubmitAnswer(ctx, c.sessionID, q.ID, answers, customAnswer); err != nil {
		c.setError(fmt.Sprintf("failed to submit answer: %v", err))
		return err
	}

	c.mu.Lock()
	if c.question != nil && c.question.ID == q.ID {
		c.question = nil
	}
	c.workState = models.WorkStateWorking
	c.mu.Unlock()
	c.publish(events.QuestionAnswered, map[string]interface{}{"question_id": q.ID})
	return nil
}

// ApprovePlan approves the pending plan.
func (c *Controller) ApprovePlan(ctx context.Context) error {
	plan, err := c.planFor(models.PlanStatusApproved)
	if err != nil {
		return err
	}
	if err := c.api.ApprovePlan(ctx, c.sessionID, plan.ID); err != nil {
		c.setError(fmt.Sprintf("failed to approve plan: %v", err))
		return err
	}

	c.mu.Lock()
	if c.plan != nil && c.plan.ID == plan.ID {
		_ = c.plan.Transition(models.PlanStatusApproved)
	}
	c.workState = models.WorkStateWorking
	c.mu.Unlock()
	c.publish(events.PlanApproved, map[string]interface{}{"plan_id": plan.ID})
	return nil
}

// RejectPlan rejects the pending plan with feedback and clears it.
func (c *Controller) RejectPlan(ctx context.Context, feedback string) error {
	plan, err := c.planFor(models.PlanStatusRejected)
	if err != nil {
		return err
	}
	if err := c.api.RejectPlan(ctx, c.sessionID, plan.ID, feedback); err != nil {
		c.setError(fmt.Sprintf("failed to reject plan: %v", err))
		return err
	}

	c.mu.Lock()
	if c.plan != nil && c.plan.ID == plan.ID {
		c.plan = nil
	}
	c.mu.Unlock()
	c.publish(events.PlanRejected, map[string]interface{}{"plan_id": plan.ID, "feedback": feedback})
	return nil
}

// planFor returns a copy of the current plan after checking it may move to
// the target status.
func (c *Controller) planFor(to models.PlanStatus) (*models.AgentPlan, error) {
	c.mu.Lock()
	plan := c.plan.Clone()
	c.mu.Unlock()
	if plan == nil {
		return nil, ErrNoPlan
	}
	probe := plan.Clone()
	if err := probe.Transition(to); err != nil {
		return nil, err
	}
	return plan, nil
}

func (c *Controller) addPlaceholderLocked() string {
	m := models.ChatMessage{
		ID:          models.NewLocalID(),
		Role:        models.RoleAssistant,
		Timestamp:   time.Now().UTC(),
		IsStreaming: true,
	}
	c.store.Add(m)
	return m.ID
}

// dequeueLocked pops the next queued message once the agent is ready.
func (c *Controller) dequeueLocked() (models.QueuedMessage, bool) {
	if c.workState != models.WorkStateReady || !c.opened {
		return models.QueuedMessage{}, false
	}
	item, err := c.queue.Dequeue()
	if err != nil {
		return models.QueuedMessage{}, false
	}
	// claim the turn before the send goroutine runs
	c.workState = models.WorkStateWorking
	return item, true
}
