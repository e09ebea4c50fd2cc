package transport

import (
	"go.uber.org/zap"

	"github.com/kibble/kibble/internal/common/logger"
	"github.com/kibble/kibble/internal/session/models"
	ws "github.com/kibble/kibble/pkg/websocket"
)

const defaultErrorMessage = "Unknown error"

// dispatchFrame routes a decoded frame to exactly one handler. It reports
// whether a handler ran.
func dispatchFrame(f *ws.Frame, cb Callbacks, log *logger.Logger) bool {
	switch f.Type {
	case ws.FrameContentUpdated:
		if cb.OnContentUpdated != nil {
			cb.OnContentUpdated(f.MessageID)
			return true
		}
	case ws.FrameToolStarted:
		if cb.OnToolStarted != nil {
			cb.OnToolStarted(f.Tool, f.Content)
			return true
		}
	case ws.FrameMessageComplete:
		if cb.OnMessageComplete != nil {
			cb.OnMessageComplete(f.MessageID)
			return true
		}
	case ws.FrameStatusChanged:
		if cb.OnStatusChanged != nil {
			cb.OnStatusChanged(models.SessionStatus(f.Status), f.Message)
			return true
		}
	case ws.FrameQuestion:
		if f.Question != nil && cb.OnQuestion != nil {
			cb.OnQuestion(f.Question)
			return true
		}
	case ws.FramePlan:
		if f.Plan != nil && cb.OnPlan != nil {
			cb.OnPlan(f.Plan)
			return true
		}
	case ws.FramePlanStepUpdated:
		if f.PlanID == "" || f.StepID == "" || f.StepStatus == "" {
			log.Debug("dropping incomplete plan step update",
				zap.String("plan_id", f.PlanID),
				zap.String("step_id", f.StepID))
			return false
		}
		if cb.OnPlanStepUpdated != nil {
			cb.OnPlanStepUpdated(f.PlanID, f.StepID, f.StepStatus)
			return true
		}
	case ws.FrameChunk:
		if cb.OnChunk != nil {
			cb.OnChunk(f.Content, f.ChunkType)
			return true
		}
	case ws.FrameError:
		if cb.OnError != nil {
			msg := f.Message
			if msg == "" {
				msg = defaultErrorMessage
			}
			cb.OnError(msg)
			return true
		}
	case ws.FrameSessionEnd:
		if cb.OnSessionEnd != nil {
			cb.OnSessionEnd(f.PRURL)
			return true
		}
	case ws.FramePRCreated:
		if cb.OnPRCreated != nil {
			cb.OnPRCreated(f.PRURL)
			return true
		}
	case ws.FrameStatus:
	default:
		log.Info("unknown frame type", zap.String("type", string(f.Type)))
	}
	return false
}
