// Package websocket provides the session live-transport wire protocol:
// inbound frames pushed by the agent backend and outbound client messages.
package websocket

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/kibble/kibble/internal/session/models"
)

// ErrMalformedFrame is returned by Decode for frames that are not a JSON
// object with a type discriminator.
var ErrMalformedFrame = errors.New("malformed frame")

// FrameType discriminates inbound frames.
type FrameType string

const (
	FrameContentUpdated  FrameType = "content_updated"
	FrameToolStarted     FrameType = "tool_started"
	FrameMessageComplete FrameType = "message_complete"
	FrameStatusChanged   FrameType = "status_changed"
	FrameQuestion        FrameType = "question"
	FramePlan            FrameType = "plan"
	FramePlanStepUpdated FrameType = "plan_step_updated"
	FrameChunk           FrameType = "chunk"
	FrameError           FrameType = "error"
	FrameSessionEnd      FrameType = "session_end"
	FramePRCreated       FrameType = "pr_created"

	// FrameStatus is an older status notification still sent by some
	// backends. It carries nothing the client acts on.
	FrameStatus FrameType = "status"
)

// Frame is one inbound event. Only the fields relevant to Type are set.
type Frame struct {
	Type       FrameType             `json:"type"`
	Status     string                `json:"status,omitempty"`
	Message    string                `json:"message,omitempty"`
	Content    string                `json:"content,omitempty"`
	ChunkType  string                `json:"chunk_type,omitempty"`
	Tool       string                `json:"tool,omitempty"`
	MessageID  string                `json:"message_id,omitempty"`
	Question   *models.AgentQuestion `json:"question,omitempty"`
	Plan       *models.AgentPlan     `json:"plan,omitempty"`
	PlanID     string                `json:"plan_id,omitempty"`
	StepID     string                `json:"step_id,omitempty"`
	StepStatus models.PlanStepStatus `json:"step_status,omitempty"`
	PRURL      string                `json:"pr_url,omitempty"`
}

// Decode parses one inbound frame.
func Decode(data []byte) (*Frame, error) {
	var f Frame
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedFrame, err)
	}
	if f.Type == "" {
		return nil, fmt.Errorf("%w: missing type", ErrMalformedFrame)
	}
	return &f, nil
}

// Encode serializes a frame. Used by servers and tests.
func (f *Frame) Encode() ([]byte, error) {
	return json.Marshal(f)
}
