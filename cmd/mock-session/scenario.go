package main

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/kibble/kibble/internal/session/models"
)

// Step kinds understood by the player.
const (
	StepStatus   = "status_changed"
	StepTool     = "tool_started"
	StepChunk    = "chunk"
	StepMessage  = "message"
	StepComplete = "message_complete"
	StepQuestion = "question"
	StepPlan     = "plan"
	StepPlanStep = "plan_step_updated"
	StepError    = "error"
)

// Step is one scripted reaction to a user message.
type Step struct {
	Type     string                `yaml:"type"`
	DelayMs  int                   `yaml:"delay_ms"`
	Status   string                `yaml:"status,omitempty"`
	Message  string                `yaml:"message,omitempty"`
	Tool     string                `yaml:"tool,omitempty"`
	File     string                `yaml:"file,omitempty"`
	Content  string                `yaml:"content,omitempty"`
	Question *models.AgentQuestion `yaml:"question,omitempty"`
	Plan     *models.AgentPlan     `yaml:"plan,omitempty"`
	PlanID   string                `yaml:"plan_id,omitempty"`
	StepID   string                `yaml:"step_id,omitempty"`
}

// Delay returns the pause before the step is played.
func (s Step) Delay() time.Duration {
	return time.Duration(s.DelayMs) * time.Millisecond
}

// Scenario is the scripted agent behaviour.
type Scenario struct {
	Name  string `yaml:"name"`
	Reply []Step `yaml:"reply"`
	// Answer is played after a question is answered. Defaults to Reply.
	Answer []Step `yaml:"answer,omitempty"`
}

// defaultScenario echoes the user message after a short simulated tool run.
func defaultScenario() *Scenario {
	return &Scenario{
		Name: "echo",
		Reply: []Step{
			{Type: StepStatus, Status: string(models.SessionStatusActive), DelayMs: 20},
			{Type: StepTool, Tool: "Read", File: "README.md", DelayMs: 50},
			{Type: StepMessage, Content: "Done: {{input}}", DelayMs: 50},
			{Type: StepComplete},
			{Type: StepStatus, Status: string(models.SessionStatusReady)},
		},
	}
}

// loadScenario reads a scenario file, or returns the default when path is empty.
func loadScenario(path string) (*Scenario, error) {
	if path == "" {
		return defaultScenario(), nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read scenario: %w", err)
	}
	var sc Scenario
	if err := yaml.Unmarshal(data, &sc); err != nil {
		return nil, fmt.Errorf("failed to parse scenario %s: %w", path, err)
	}
	if err := sc.validate(); err != nil {
		return nil, fmt.Errorf("invalid scenario %s: %w", path, err)
	}
	return &sc, nil
}

func (sc *Scenario) validate() error {
	if len(sc.Reply) == 0 {
		return fmt.Errorf("reply has no steps")
	}
	for _, steps := range [][]Step{sc.Reply, sc.Answer} {
		for i, st := range steps {
			switch st.Type {
			case StepStatus, StepTool, StepChunk, StepMessage, StepComplete, StepError:
			case StepQuestion:
				if st.Question == nil {
					return fmt.Errorf("step %d: question step without question", i)
				}
			case StepPlan:
				if st.Plan == nil {
					return fmt.Errorf("step %d: plan step without plan", i)
				}
			case StepPlanStep:
				if st.PlanID == "" || st.StepID == "" || st.Status == "" {
					return fmt.Errorf("step %d: plan_step_updated needs plan_id, step_id and status", i)
				}
			default:
				return fmt.Errorf("step %d: unknown type %q", i, st.Type)
			}
		}
	}
	return nil
}

func (sc *Scenario) answerSteps() []Step {
	if len(sc.Answer) > 0 {
		return sc.Answer
	}
	return sc.Reply
}
