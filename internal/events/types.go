// Package events provides event types and subject builders for session events
// republished by the chat controller.
package events

// Event types for the live session stream
const (
	SessionConnected     = "session.connected"
	SessionDisconnected  = "session.disconnected"
	SessionModeChanged   = "session.mode_changed"
	SessionStatusChanged = "session.status_changed"
	SessionEnded         = "session.ended"
)

// Event types for session messages
const (
	MessageAdded     = "message.added"
	MessageUpdated   = "message.updated"
	MessageCompleted = "message.completed"
	ToolStarted      = "tool.started"
)

// Event types for agent prompts
const (
	QuestionReceived = "question.received"
	QuestionAnswered = "question.answered"
	PlanReceived     = "plan.received"
	PlanApproved     = "plan.approved"
	PlanRejected     = "plan.rejected"
	PlanStepUpdated  = "plan.step_updated"
	PRCreated        = "pr.created"
	SessionError     = "session.error"
)

// sessionPrefix is the subject root shared by every session event.
const sessionPrefix = "session"

// BuildSessionSubject creates the subject for an event on a specific session,
// e.g. session.abc123.message.added.
func BuildSessionSubject(sessionID, eventType string) string {
	return sessionPrefix + "." + sessionID + "." + eventType
}

// BuildSessionWildcardSubject creates a subscription for every event of one session.
func BuildSessionWildcardSubject(sessionID string) string {
	return sessionPrefix + "." + sessionID + ".>"
}

// BuildAllSessionsWildcardSubject creates a subscription for every session event.
func BuildAllSessionsWildcardSubject() string {
	return sessionPrefix + ".>"
}
