package websocket

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kibble/kibble/internal/session/models"
)

func TestDecode_Malformed(t *testing.T) {
	inputs := []string{
		``,
		`not json`,
		`{"type":`,
		`[1,2,3]`,
		`"content_updated"`,
		`null`,
		`{}`,
		`{"message_id":"m1"}`,
		`{"type":"question","question":"not an object"}`,
	}
	for _, in := range inputs {
		t.Run(in, func(t *testing.T) {
			f, err := Decode([]byte(in))
			require.ErrorIs(t, err, ErrMalformedFrame)
			assert.Nil(t, f)
		})
	}
}

func TestDecode_Question(t *testing.T) {
	raw := `{"type":"question","question":{"id":"q1","question":"Which DB?","header":"Storage","options":[{"id":"a","label":"Postgres","description":"relational"}],"multi_select":false,"question_index":0,"total_questions":2}}`
	f, err := Decode([]byte(raw))
	require.NoError(t, err)
	assert.Equal(t, FrameQuestion, f.Type)
	require.NotNil(t, f.Question)
	assert.Equal(t, "q1", f.Question.ID)
	require.NotNil(t, f.Question.QuestionIndex)
	assert.Equal(t, 0, *f.Question.QuestionIndex)
	assert.Equal(t, 2, *f.Question.TotalQuestions)
}

func TestDecode_PlanStepUpdated(t *testing.T) {
	f, err := Decode([]byte(`{"type":"plan_step_updated","plan_id":"p","step_id":"s","step_status":"in_progress"}`))
	require.NoError(t, err)
	assert.Equal(t, models.StepStatusInProgress, f.StepStatus)
}

func TestDecode_UnknownTypeIsNotMalformed(t *testing.T) {
	f, err := Decode([]byte(`{"type":"telemetry","foo":1}`))
	require.NoError(t, err)
	assert.Equal(t, FrameType("telemetry"), f.Type)
}

func TestNewCommand_FlattensOptions(t *testing.T) {
	data, err := NewCommand(CommandCommit, map[string]string{
		"message": "fix lint",
		"type":    "spoof",
	}).Marshal()
	require.NoError(t, err)

	var got map[string]interface{}
	require.NoError(t, json.Unmarshal(data, &got))
	assert.Equal(t, "command", got["type"])
	assert.Equal(t, "commit", got["action"])
	assert.Equal(t, "fix lint", got["message"])
}

func TestNewAnswer(t *testing.T) {
	data, err := NewAnswer("q1", []string{"a", "b"}, "").Marshal()
	require.NoError(t, err)
	assert.JSONEq(t, `{"type":"answer","question_id":"q1","answers":["a","b"]}`, string(data))

	data, err = NewAnswer("q1", nil, "something else").Marshal()
	require.NoError(t, err)
	assert.JSONEq(t, `{"type":"answer","question_id":"q1","answers":[],"custom_answer":"something else"}`, string(data))
}

func TestDecodeClientMessage(t *testing.T) {
	m, err := DecodeClientMessage([]byte(`{"type":"command","action":"create_pr","title":"Add x"}`))
	require.NoError(t, err)
	assert.Equal(t, CommandCreatePR, m.Action)
	assert.True(t, m.Action.Valid())
	assert.Equal(t, map[string]string{"title": "Add x"}, m.Options)

	m, err = DecodeClientMessage([]byte(`{"type":"message","content":"hello"}`))
	require.NoError(t, err)
	assert.Equal(t, OutboundMessage, m.Type)
	assert.Equal(t, "hello", m.Content)
	assert.Nil(t, m.Options)
}

func TestOutboundType(t *testing.T) {
	assert.Equal(t, OutboundMessage, NewChatMessage("x").Type())
	assert.Equal(t, OutboundCommand, Outbound{"type": "command"}.Type())
}

func TestFrameEncode_OnlyTypeRelevantFields(t *testing.T) {
	data, err := (&Frame{Type: FrameSessionEnd, PRURL: "https://github.com/acme/app/pull/7"}).Encode()
	require.NoError(t, err)

	var raw map[string]interface{}
	require.NoError(t, json.Unmarshal(data, &raw))
	assert.Equal(t, map[string]interface{}{
		"type":   "session_end",
		"pr_url": "https://github.com/acme/app/pull/7",
	}, raw)
}
