package transport

import (
	"context"

	"github.com/kibble/kibble/internal/session/models"
)

// Callbacks is the handler set registered with Connect. Every field is
// optional; nil handlers are skipped. All handlers run on the manager's
// delivery goroutine, one at a time, in the order their events occurred.
type Callbacks struct {
	OnConnect    func()
	OnDisconnect func(err error)

	OnContentUpdated  func(messageID string)
	OnToolStarted     func(tool, file string)
	OnMessageComplete func(messageID string)
	OnStatusChanged   func(status models.SessionStatus, message string)
	OnQuestion        func(question *models.AgentQuestion)
	OnPlan            func(plan *models.AgentPlan)
	OnPlanStepUpdated func(planID, stepID string, status models.PlanStepStatus)
	OnChunk           func(content, chunkType string)
	OnError           func(message string)
	OnSessionEnd      func(prURL string)
	OnPRCreated       func(url string)

	// OnModeChanged reports transitions between live, polling and idle.
	OnModeChanged func(mode Mode)

	// FetchNewMessages is invoked on every poller tick while the live
	// transport is unavailable. It runs on the poller goroutine, not the
	// delivery goroutine, and must merge results idempotently.
	FetchNewMessages func(ctx context.Context) error
}
