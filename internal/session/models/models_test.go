package models

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSessionStatus_IsActive(t *testing.T) {
	active := []SessionStatus{SessionStatusActive, SessionStatusReady, SessionStatusConnected, SessionStatusWaiting}
	inactive := []SessionStatus{
		SessionStatusStarting, SessionStatusStopping, SessionStatusStopped,
		SessionStatusDisconnected, SessionStatusTimeout, SessionStatusWarning,
	}
	for _, s := range active {
		assert.True(t, s.IsActive(), s)
	}
	for _, s := range inactive {
		assert.False(t, s.IsActive(), s)
	}
}

func TestChatMessage_AppendText(t *testing.T) {
	t.Run("creates text block when none", func(t *testing.T) {
		m := ChatMessage{ID: "a1", Role: RoleAssistant}
		m.AppendText("Hel")
		m.AppendText("lo")
		require.Len(t, m.ContentBlocks, 1)
		assert.Equal(t, "Hello", m.Text())
	})

	t.Run("appends to last text block after tool use", func(t *testing.T) {
		m := ChatMessage{ContentBlocks: []ContentBlock{
			TextBlock("first"),
			{Type: BlockToolUse, ToolUse: &ToolUse{ID: "t1", Tool: "Read"}},
			TextBlock("second"),
		}}
		m.AppendText("!")
		assert.Equal(t, "second!", m.ContentBlocks[2].Content)
		assert.Equal(t, "first", m.ContentBlocks[0].Content)
	})
}

func TestChatMessage_CloneDoesNotShareBlocks(t *testing.T) {
	m := ChatMessage{ContentBlocks: []ContentBlock{TextBlock("x")}}
	c := m.Clone()
	c.AppendText("y")
	assert.Equal(t, "x", m.Text())
	assert.Equal(t, "xy", c.Text())
}

func TestAgentPlan_Transition(t *testing.T) {
	tests := []struct {
		from    PlanStatus
		to      PlanStatus
		wantErr bool
	}{
		{PlanStatusPending, PlanStatusApproved, false},
		{PlanStatusPending, PlanStatusRejected, false},
		{PlanStatusPending, PlanStatusExecuting, true},
		{PlanStatusApproved, PlanStatusExecuting, false},
		{PlanStatusApproved, PlanStatusPending, true},
		{PlanStatusApproved, PlanStatusRejected, true},
		{PlanStatusExecuting, PlanStatusCompleted, false},
		{PlanStatusExecuting, PlanStatusFailed, false},
		{PlanStatusExecuting, PlanStatusApproved, true},
		{PlanStatusCompleted, PlanStatusExecuting, true},
		{PlanStatusRejected, PlanStatusApproved, true},
		{PlanStatusFailed, PlanStatusFailed, false},
	}
	for _, tt := range tests {
		t.Run(string(tt.from)+"->"+string(tt.to), func(t *testing.T) {
			p := &AgentPlan{ID: "p1", Status: tt.from}
			err := p.Transition(tt.to)
			if tt.wantErr {
				require.ErrorIs(t, err, ErrInvalidPlanTransition)
				assert.Equal(t, tt.from, p.Status)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.to, p.Status)
		})
	}
}

func TestAgentPlan_ApplyStepUpdate(t *testing.T) {
	p := &AgentPlan{ID: "p1", Steps: []PlanStep{
		{ID: "s1", Status: StepStatusPending},
		{ID: "s2", Status: StepStatusPending},
	}}

	assert.True(t, p.ApplyStepUpdate("p1", "s2", StepStatusInProgress))
	assert.Equal(t, StepStatusInProgress, p.Steps[1].Status)

	assert.False(t, p.ApplyStepUpdate("other", "s1", StepStatusCompleted))
	assert.Equal(t, StepStatusPending, p.Steps[0].Status)

	assert.False(t, p.ApplyStepUpdate("p1", "missing", StepStatusCompleted))

	var nilPlan *AgentPlan
	assert.False(t, nilPlan.ApplyStepUpdate("p1", "s1", StepStatusCompleted))
}

func TestChatMessage_JSONShape(t *testing.T) {
	raw := `{"id":"m1","role":"assistant","content_blocks":[{"type":"text","content":"hi"},{"type":"tool_use","tool_use":{"id":"t","tool":"Edit"}}],"timestamp":"2026-01-02T03:04:05Z","is_streaming":true}`
	var m ChatMessage
	require.NoError(t, json.Unmarshal([]byte(raw), &m))
	assert.Equal(t, RoleAssistant, m.Role)
	assert.True(t, m.IsStreaming)
	require.Len(t, m.ContentBlocks, 2)
	assert.Equal(t, "Edit", m.ContentBlocks[1].ToolUse.Tool)
}
