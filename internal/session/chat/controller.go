// Package chat folds the transport callbacks of one agent session into a
// single view of its transcript, pending prompts and connection state.
package chat

import (
	"context"
	"errors"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/kibble/kibble/internal/common/logger"
	"github.com/kibble/kibble/internal/events"
	"github.com/kibble/kibble/internal/events/bus"
	"github.com/kibble/kibble/internal/session/models"
	"github.com/kibble/kibble/internal/session/queue"
	"github.com/kibble/kibble/internal/session/store"
	"github.com/kibble/kibble/internal/session/transport"
	ws "github.com/kibble/kibble/pkg/websocket"
)

var (
	ErrEmptyMessage  = errors.New("message is empty")
	ErrNotConnected  = errors.New("live connection required")
	ErrNoQuestion    = errors.New("no pending question")
	ErrNoPlan        = errors.New("no pending plan")
	ErrInvalidAnswer = errors.New("invalid answer")
	ErrNotOpen       = errors.New("session not open")
)

// SessionAPI is the subset of the REST client the controller uses.
type SessionAPI interface {
	GetSession(ctx context.Context, sessionID string) (*models.Session, error)
	GetMessages(ctx context.Context, sessionID, since string) ([]models.ChatMessage, error)
	SendMessage(ctx context.Context, sessionID, message string) error
	EndSession(ctx context.Context, sessionID string) error
	SubmitAnswer(ctx context.Context, sessionID, questionID string, answers []string, customAnswer string) error
	ApprovePlan(ctx context.Context, sessionID, planID string) error
	RejectPlan(ctx context.Context, sessionID, planID, feedback string) error
}

// Transport is the subset of transport.Manager the controller drives.
type Transport interface {
	Connect(sessionID string, cb transport.Callbacks)
	Disconnect()
	Retry()
	SendMessage(content string)
	SendCommand(action ws.Command, options map[string]string)
	IsConnected() bool
	Status() transport.Status
}

// Banner is the connection notice shown above the transcript.
type Banner string

const (
	BannerNone         Banner = "none"
	BannerConnecting   Banner = "connecting"
	BannerReconnecting Banner = "reconnecting"
	BannerPolling      Banner = "polling"
	BannerDisconnected Banner = "disconnected"
)

// State is a point-in-time copy of everything the controller tracks.
type State struct {
	Session   models.Session
	WorkState models.WorkState
	Messages  []models.ChatMessage
	Queued    []models.QueuedMessage
	Question  *models.AgentQuestion
	Plan      *models.AgentPlan
	PRURL     string
	Error     string
	Mode      transport.Mode
	Banner    Banner
}

// Controller owns the view of one session.
type Controller struct {
	sessionID string
	api       SessionAPI
	transport Transport
	eventBus  bus.EventBus
	logger    *logger.Logger

	store *store.Store
	queue *queue.Queue

	fetches singleflight.Group
	ctx     context.Context
	cancel  context.CancelFunc

	mu            sync.Mutex
	opened        bool
	session       models.Session
	workState     models.WorkState
	streamingID   string
	question      *models.AgentQuestion
	plan          *models.AgentPlan
	prURL         string
	lastError     string
	mode          transport.Mode
	everConnected bool
}

// NewController creates a controller for sessionID. eventBus may be nil.
func NewController(sessionID string, api SessionAPI, tr Transport, eventBus bus.EventBus, log *logger.Logger) *Controller {
	ctx, cancel := context.WithCancel(context.Background())
	return &Controller{
		sessionID: sessionID,
		api:       api,
		transport: tr,
		eventBus:  eventBus,
		logger:    log.WithComponent("chat").WithSessionID(sessionID),
		store:     store.New(),
		queue:     queue.New(),
		ctx:       ctx,
		cancel:    cancel,
		workState: models.WorkStateReady,
		mode:      transport.ModeIdle,
	}
}

// SessionID returns the session this controller is bound to.
func (c *Controller) SessionID() string {
	return c.sessionID
}

// Open loads the session and its full history, then subscribes to updates.
func (c *Controller) Open(ctx context.Context) error {
	sess, err := c.api.GetSession(ctx, c.sessionID)
	if err != nil {
		return err
	}
	msgs, err := c.api.GetMessages(ctx, c.sessionID, "")
	if err != nil {
		return err
	}

	c.mu.Lock()
	c.session = *sess
	c.store.Set(msgs)
	c.opened = true
	c.mu.Unlock()

	c.logger.Info("session opened",
		zap.String("status", string(sess.Status)),
		zap.Int("messages", len(msgs)))

	c.transport.Connect(c.sessionID, c.callbacks())
	return nil
}

// Close unsubscribes and cancels in-flight fetches.
func (c *Controller) Close() {
	c.transport.Disconnect()
	c.cancel()
	c.mu.Lock()
	c.opened = false
	c.mu.Unlock()
}

// Retry resets the reconnect budget and dials again.
func (c *Controller) Retry() {
	c.DismissError()
	c.transport.Retry()
}

// DismissError clears the transient error notice.
func (c *Controller) DismissError() {
	c.mu.Lock()
	c.lastError = ""
	c.mu.Unlock()
}

// EndSession stops the agent and unsubscribes.
func (c *Controller) EndSession(ctx context.Context) error {
	if err := c.api.EndSession(ctx, c.sessionID); err != nil {
		c.setError(err.Error())
		return err
	}
	c.mu.Lock()
	c.session.Status = models.SessionStatusStopped
	c.workState = models.WorkStateReady
	c.mu.Unlock()
	c.transport.Disconnect()
	c.publish(events.SessionEnded, map[string]interface{}{"status": string(models.SessionStatusStopped)})
	return nil
}

// Messages returns a copy of the transcript.
func (c *Controller) Messages() []models.ChatMessage {
	return c.store.Messages()
}

// State returns a snapshot of the controller.
func (c *Controller) State() State {
	st := c.transport.Status()
	c.mu.Lock()
	defer c.mu.Unlock()
	return State{
		Session:   c.session,
		WorkState: c.workState,
		Messages:  c.store.Messages(),
		Queued:    c.queue.Items(),
		Question:  cloneQuestion(c.question),
		Plan:      c.plan.Clone(),
		PRURL:     c.prURL,
		Error:     c.lastError,
		Mode:      c.mode,
		Banner:    bannerFor(st, c.everConnected),
	}
}

// Banner returns the current connection notice.
func (c *Controller) Banner() Banner {
	st := c.transport.Status()
	c.mu.Lock()
	defer c.mu.Unlock()
	return bannerFor(st, c.everConnected)
}

func bannerFor(st transport.Status, everConnected bool) Banner {
	switch {
	case st.SessionID == "":
		return BannerNone
	case st.Connected:
		return BannerNone
	case st.ForcedPolling:
		return BannerPolling
	case st.Exhausted:
		return BannerDisconnected
	case st.Connecting && !everConnected && st.ReconnectAttempts == 0:
		return BannerConnecting
	case st.Connecting, st.ReconnectPending:
		return BannerReconnecting
	case st.Mode == transport.ModePolling:
		return BannerPolling
	}
	return BannerDisconnected
}

func cloneQuestion(q *models.AgentQuestion) *models.AgentQuestion {
	if q == nil {
		return nil
	}
	c := *q
	c.Options = append([]models.QuestionOption(nil), q.Options...)
	c.SelectedAnswers = append([]string(nil), q.SelectedAnswers...)
	return &c
}

func (c *Controller) setError(msg string) {
	c.mu.Lock()
	c.lastError = msg
	c.mu.Unlock()
	c.publish(events.SessionError, map[string]interface{}{"message": msg})
}
