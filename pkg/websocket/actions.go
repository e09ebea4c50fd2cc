package websocket

import "encoding/json"

// OutboundType discriminates client messages.
type OutboundType string

const (
	OutboundMessage OutboundType = "message"
	OutboundCommand OutboundType = "command"
	OutboundAnswer  OutboundType = "answer"
)

// Command is a session-level action requested by the client.
type Command string

const (
	CommandCommit   Command = "commit"
	CommandCreatePR Command = "create_pr"
	CommandStop     Command = "stop"
)

// Valid reports whether c is a known command.
func (c Command) Valid() bool {
	switch c {
	case CommandCommit, CommandCreatePR, CommandStop:
		return true
	}
	return false
}

// Outbound is a client message ready to be written as one JSON frame.
type Outbound map[string]interface{}

// Type returns the discriminator of the message.
func (o Outbound) Type() OutboundType {
	t, _ := o["type"].(OutboundType)
	if t == "" {
		if s, ok := o["type"].(string); ok {
			t = OutboundType(s)
		}
	}
	return t
}

// Marshal serializes the message.
func (o Outbound) Marshal() ([]byte, error) {
	return json.Marshal(map[string]interface{}(o))
}

// NewChatMessage builds {type: "message", content}.
func NewChatMessage(content string) Outbound {
	return Outbound{"type": OutboundMessage, "content": content}
}

// NewCommand builds {type: "command", action, ...options}. Options are
// flattened into the frame; they cannot replace type or action.
func NewCommand(action Command, options map[string]string) Outbound {
	out := Outbound{}
	for k, v := range options {
		out[k] = v
	}
	out["type"] = OutboundCommand
	out["action"] = action
	return out
}

// NewAnswer builds {type: "answer", question_id, answers, custom_answer?}.
func NewAnswer(questionID string, answers []string, customAnswer string) Outbound {
	if answers == nil {
		answers = []string{}
	}
	out := Outbound{
		"type":        OutboundAnswer,
		"question_id": questionID,
		"answers":     answers,
	}
	if customAnswer != "" {
		out["custom_answer"] = customAnswer
	}
	return out
}

// ClientMessage is the decoded form of an outbound frame as seen by a server.
type ClientMessage struct {
	Type         OutboundType      `json:"type"`
	Content      string            `json:"content,omitempty"`
	Action       Command           `json:"action,omitempty"`
	QuestionID   string            `json:"question_id,omitempty"`
	Answers      []string          `json:"answers,omitempty"`
	CustomAnswer string            `json:"custom_answer,omitempty"`
	Options      map[string]string `json:"-"`
}

// DecodeClientMessage parses a client frame, collecting any extra string
// fields of a command into Options.
func DecodeClientMessage(data []byte) (*ClientMessage, error) {
	var m ClientMessage
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, err
	}
	if m.Type != OutboundCommand {
		return &m, nil
	}
	var all map[string]interface{}
	if err := json.Unmarshal(data, &all); err != nil {
		return nil, err
	}
	for k, v := range all {
		if k == "type" || k == "action" {
			continue
		}
		if s, ok := v.(string); ok {
			if m.Options == nil {
				m.Options = make(map[string]string)
			}
			m.Options[k] = s
		}
	}
	return &m, nil
}
