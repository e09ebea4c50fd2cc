// Package models holds the session-level types exchanged with the agent backend.
package models

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// ErrInvalidPlanTransition is returned when a plan status change would move
// a plan backwards or out of a terminal state.
var ErrInvalidPlanTransition = errors.New("invalid plan transition")

// SessionStatus is the backend-reported state of an agent session.
type SessionStatus string

const (
	SessionStatusStarting     SessionStatus = "starting"
	SessionStatusActive       SessionStatus = "active"
	SessionStatusConnected    SessionStatus = "connected"
	SessionStatusWaiting      SessionStatus = "waiting"
	SessionStatusReady        SessionStatus = "ready"
	SessionStatusStopping     SessionStatus = "stopping"
	SessionStatusStopped      SessionStatus = "stopped"
	SessionStatusDisconnected SessionStatus = "disconnected"
	SessionStatusTimeout      SessionStatus = "timeout"
	SessionStatusWarning      SessionStatus = "warning"
)

// IsActive reports whether the session accepts input.
func (s SessionStatus) IsActive() bool {
	switch s {
	case SessionStatusActive, SessionStatusReady, SessionStatusConnected, SessionStatusWaiting:
		return true
	}
	return false
}

// WorkState tracks whether the agent is busy with a turn.
type WorkState string

const (
	WorkStateReady   WorkState = "ready"
	WorkStateWorking WorkState = "working"
)

// Session is the backend's view of one agent session.
type Session struct {
	ID            string        `json:"session_id"`
	RepoURL       string        `json:"repo_url"`
	Status        SessionStatus `json:"status"`
	CreatedAt     time.Time     `json:"created_at"`
	LastActivity  *time.Time    `json:"last_activity,omitempty"`
	MessagesCount int           `json:"messages_count"`
	PRURL         string        `json:"pr_url,omitempty"`
	Title         string        `json:"title,omitempty"`
	BranchName    string        `json:"branch_name,omitempty"`
	ProjectID     string        `json:"project_id,omitempty"`
}

// MessageRole identifies the author of a chat message.
type MessageRole string

const (
	RoleUser      MessageRole = "user"
	RoleAssistant MessageRole = "assistant"
	RoleSystem    MessageRole = "system"
)

// ContentBlockType discriminates ContentBlock.
type ContentBlockType string

const (
	BlockText     ContentBlockType = "text"
	BlockToolUse  ContentBlockType = "tool_use"
	BlockQuestion ContentBlockType = "question"
	BlockPlan     ContentBlockType = "plan"
)

// ToolUse records a tool invocation inside an assistant message.
type ToolUse struct {
	ID    string `json:"id"`
	Tool  string `json:"tool"`
	Input string `json:"input,omitempty"`
}

// ContentBlock is one element of a message body. Exactly one payload field
// is set, matching Type.
type ContentBlock struct {
	Type     ContentBlockType `json:"type"`
	Content  string           `json:"content,omitempty"`
	ToolUse  *ToolUse         `json:"tool_use,omitempty"`
	Question *AgentQuestion   `json:"question,omitempty"`
	Plan     *AgentPlan       `json:"plan,omitempty"`
}

// TextBlock builds a text content block.
func TextBlock(s string) ContentBlock {
	return ContentBlock{Type: BlockText, Content: s}
}

// ChatMessage is one entry of the session transcript.
type ChatMessage struct {
	ID              string         `json:"id"`
	ServerMessageID string         `json:"server_message_id,omitempty"`
	Role            MessageRole    `json:"role"`
	ContentBlocks   []ContentBlock `json:"content_blocks"`
	Timestamp       time.Time      `json:"timestamp"`
	IsStreaming     bool           `json:"is_streaming"`
}

// LocalIDPrefix marks messages created on this client that the server has
// not acknowledged yet.
const LocalIDPrefix = "local-"

// NewLocalID returns a fresh id for an optimistic or streaming message.
func NewLocalID() string {
	return LocalIDPrefix + uuid.New().String()
}

// IsLocal reports whether the message only exists on this client.
func (m *ChatMessage) IsLocal() bool {
	return m.ServerMessageID == "" && strings.HasPrefix(m.ID, LocalIDPrefix)
}

// AppendText appends s to the last text block, adding one when the message
// has none. Streamed chunks are only ever appended.
func (m *ChatMessage) AppendText(s string) {
	for i := len(m.ContentBlocks) - 1; i >= 0; i-- {
		if m.ContentBlocks[i].Type == BlockText {
			m.ContentBlocks[i].Content += s
			return
		}
	}
	m.ContentBlocks = append(m.ContentBlocks, TextBlock(s))
}

// Text concatenates every text block of the message.
func (m *ChatMessage) Text() string {
	var out string
	for _, b := range m.ContentBlocks {
		if b.Type == BlockText {
			out += b.Content
		}
	}
	return out
}

// Clone returns a deep enough copy for callers to mutate blocks freely.
func (m ChatMessage) Clone() ChatMessage {
	blocks := make([]ContentBlock, len(m.ContentBlocks))
	copy(blocks, m.ContentBlocks)
	m.ContentBlocks = blocks
	return m
}

// QuestionOption is one selectable answer of an AgentQuestion.
type QuestionOption struct {
	ID          string `json:"id"`
	Label       string `json:"label"`
	Description string `json:"description"`
}

// AgentQuestion is a structured choice the agent needs answered to proceed.
type AgentQuestion struct {
	ID              string           `json:"id"`
	Question        string           `json:"question"`
	Header          string           `json:"header"`
	Options         []QuestionOption `json:"options"`
	MultiSelect     bool             `json:"multi_select"`
	SelectedAnswers []string         `json:"selected_answers,omitempty"`
	CustomAnswer    string           `json:"custom_answer,omitempty"`
	QuestionIndex   *int             `json:"question_index,omitempty"`
	TotalQuestions  *int             `json:"total_questions,omitempty"`
}

// HasOption reports whether id names one of the question's options.
func (q *AgentQuestion) HasOption(id string) bool {
	for _, o := range q.Options {
		if o.ID == id {
			return true
		}
	}
	return false
}

// PlanStatus is the lifecycle state of an AgentPlan.
type PlanStatus string

const (
	PlanStatusPending   PlanStatus = "pending"
	PlanStatusApproved  PlanStatus = "approved"
	PlanStatusRejected  PlanStatus = "rejected"
	PlanStatusExecuting PlanStatus = "executing"
	PlanStatusCompleted PlanStatus = "completed"
	PlanStatusFailed    PlanStatus = "failed"
)

// IsTerminal reports whether no further transition is allowed.
func (s PlanStatus) IsTerminal() bool {
	return s == PlanStatusRejected || s == PlanStatusCompleted || s == PlanStatusFailed
}

var planTransitions = map[PlanStatus][]PlanStatus{
	PlanStatusPending:   {PlanStatusApproved, PlanStatusRejected},
	PlanStatusApproved:  {PlanStatusExecuting, PlanStatusCompleted, PlanStatusFailed},
	PlanStatusExecuting: {PlanStatusCompleted, PlanStatusFailed},
}

// PlanStepStatus is the progress of a single PlanStep.
type PlanStepStatus string

const (
	StepStatusPending    PlanStepStatus = "pending"
	StepStatusInProgress PlanStepStatus = "in_progress"
	StepStatusCompleted  PlanStepStatus = "completed"
	StepStatusSkipped    PlanStepStatus = "skipped"
)

// Valid reports whether s is a known step status.
func (s PlanStepStatus) Valid() bool {
	switch s {
	case StepStatusPending, StepStatusInProgress, StepStatusCompleted, StepStatusSkipped:
		return true
	}
	return false
}

// PlanStep is one unit of work inside an AgentPlan.
type PlanStep struct {
	ID          string         `json:"id"`
	Description string         `json:"description"`
	Files       []string       `json:"files,omitempty"`
	Status      PlanStepStatus `json:"status"`
}

// AgentPlan is a multi-step proposal awaiting approval or being executed.
type AgentPlan struct {
	ID                string     `json:"id"`
	Title             string     `json:"title"`
	Summary           string     `json:"summary,omitempty"`
	Steps             []PlanStep `json:"steps"`
	Status            PlanStatus `json:"status"`
	RejectionFeedback string     `json:"rejection_feedback,omitempty"`
}

// Transition moves the plan to the given status.
func (p *AgentPlan) Transition(to PlanStatus) error {
	if p.Status == to {
		return nil
	}
	for _, allowed := range planTransitions[p.Status] {
		if allowed == to {
			p.Status = to
			return nil
		}
	}
	return fmt.Errorf("%w: %s -> %s", ErrInvalidPlanTransition, p.Status, to)
}

// ApplyStepUpdate sets the status of one step. Updates addressed to another
// plan, or to an unknown step, are ignored and report false.
func (p *AgentPlan) ApplyStepUpdate(planID, stepID string, status PlanStepStatus) bool {
	if p == nil || p.ID != planID {
		return false
	}
	for i := range p.Steps {
		if p.Steps[i].ID == stepID {
			p.Steps[i].Status = status
			return true
		}
	}
	return false
}

// Clone copies the plan and its steps.
func (p *AgentPlan) Clone() *AgentPlan {
	if p == nil {
		return nil
	}
	c := *p
	c.Steps = make([]PlanStep, len(p.Steps))
	copy(c.Steps, p.Steps)
	return &c
}

// QueuedMessage is user input held back while the agent is working.
type QueuedMessage struct {
	ID       string    `json:"id"`
	Content  string    `json:"content"`
	QueuedAt time.Time `json:"queued_at"`
}
