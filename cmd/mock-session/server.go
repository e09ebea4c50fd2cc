package main

import (
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/kibble/kibble/internal/common/httpmw"
	"github.com/kibble/kibble/internal/common/logger"
	"github.com/kibble/kibble/internal/session/models"
	ws "github.com/kibble/kibble/pkg/websocket"
)

const (
	serverName = "mock-session"
	writeWait  = 10 * time.Second
)

type server struct {
	logger   *logger.Logger
	scenario *Scenario
	upgrader websocket.Upgrader

	mu       sync.RWMutex
	sessions map[string]*mockSession
}

func newServer(scenario *Scenario, log *logger.Logger) *server {
	return &server{
		logger:   log.WithComponent(serverName),
		scenario: scenario,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
		},
		sessions: make(map[string]*mockSession),
	}
}

func (s *server) router() *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(httpmw.OtelTracing(serverName))
	router.Use(httpmw.RequestLogger(s.logger, serverName))

	router.GET("/health", s.health)

	sessions := router.Group("/sessions")
	sessions.POST("", s.createSession)
	sessions.GET("", s.listSessions)
	sessions.GET("/:id", s.withSession(s.getSession))
	sessions.DELETE("/:id", s.deleteSession)
	sessions.GET("/:id/messages", s.withSession(s.getMessages))
	sessions.POST("/:id/message", s.withSession(s.postMessage))
	sessions.POST("/:id/continue", s.withSession(s.continueSession))
	sessions.POST("/:id/answer", s.withSession(s.answer))
	sessions.POST("/:id/plan/:planId/approve", s.withSession(s.approvePlan))
	sessions.POST("/:id/plan/:planId/reject", s.withSession(s.rejectPlan))
	sessions.GET("/:id/ws", s.withSession(s.live))

	return router
}

func (s *server) lookup(id string) *mockSession {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.sessions[id]
}

func (s *server) add(sess *mockSession) {
	s.mu.Lock()
	s.sessions[sess.info.ID] = sess
	s.mu.Unlock()
}

func (s *server) withSession(h func(*gin.Context, *mockSession)) gin.HandlerFunc {
	return func(c *gin.Context) {
		sess := s.lookup(c.Param("id"))
		if sess == nil {
			c.JSON(http.StatusNotFound, gin.H{"detail": "Session not found"})
			return
		}
		h(c, sess)
	}
}

func (s *server) health(c *gin.Context) {
	s.mu.RLock()
	n := len(s.sessions)
	s.mu.RUnlock()
	c.JSON(http.StatusOK, gin.H{"status": "healthy", "active_sessions": n})
}

type createRequest struct {
	RepoURL     string `json:"repo_url" binding:"required"`
	GitHubToken string `json:"github_token"`
	EnvFile     string `json:"env_file"`
}

func (s *server) createSession(c *gin.Context) {
	var req createRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"detail": err.Error()})
		return
	}
	sess := newMockSession(req.RepoURL)
	s.add(sess)
	s.logger.Info("session created", zap.String("session_id", sess.info.ID), zap.String("repo_url", req.RepoURL))
	c.JSON(http.StatusOK, gin.H{
		"session_id":    sess.info.ID,
		"status":        string(sess.info.Status),
		"websocket_url": "/sessions/" + sess.info.ID + "/ws",
		"message":       "Session started",
	})
}

func (s *server) listSessions(c *gin.Context) {
	s.mu.RLock()
	out := make([]models.Session, 0, len(s.sessions))
	for _, sess := range s.sessions {
		out = append(out, sess.snapshot())
	}
	s.mu.RUnlock()
	c.JSON(http.StatusOK, gin.H{"sessions": out})
}

func (s *server) getSession(c *gin.Context, sess *mockSession) {
	c.JSON(http.StatusOK, sess.snapshot())
}

func (s *server) deleteSession(c *gin.Context) {
	id := c.Param("id")
	sess := s.lookup(id)
	if sess == nil {
		c.JSON(http.StatusNotFound, gin.H{"detail": "Session not found"})
		return
	}
	sess.setStatus(models.SessionStatusStopped)
	sess.broadcast(&ws.Frame{Type: ws.FrameSessionEnd})
	if c.Query("delete") == "true" {
		s.mu.Lock()
		delete(s.sessions, id)
		s.mu.Unlock()
	}
	c.Status(http.StatusNoContent)
}

func (s *server) getMessages(c *gin.Context, sess *mockSession) {
	c.JSON(http.StatusOK, gin.H{"messages": sess.messagesSince(c.Query("since"))})
}

type messageRequest struct {
	Message string `json:"message" binding:"required"`
}

func (s *server) postMessage(c *gin.Context, sess *mockSession) {
	var req messageRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"detail": err.Error()})
		return
	}
	s.userMessage(sess, req.Message)
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

type continueRequest struct {
	Message string `json:"message"`
}

func (s *server) continueSession(c *gin.Context, sess *mockSession) {
	var req continueRequest
	_ = c.ShouldBindJSON(&req)
	sess.setStatus(models.SessionStatusReady)
	if req.Message != "" {
		s.userMessage(sess, req.Message)
	}
	info := sess.snapshot()
	c.JSON(http.StatusOK, gin.H{
		"session_id":    info.ID,
		"status":        string(info.Status),
		"websocket_url": "/sessions/" + info.ID + "/ws",
		"message":       "Session resumed",
	})
}

type answerRequest struct {
	QuestionID   string   `json:"question_id" binding:"required"`
	Answers      []string `json:"answers"`
	CustomAnswer string   `json:"custom_answer"`
}

func (s *server) answer(c *gin.Context, sess *mockSession) {
	var req answerRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"detail": err.Error()})
		return
	}
	if !s.answerQuestion(sess, req.QuestionID) {
		c.JSON(http.StatusConflict, gin.H{"detail": "No pending question " + req.QuestionID})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (s *server) approvePlan(c *gin.Context, sess *mockSession) {
	s.finishPlan(c, sess, models.PlanStatusApproved, "")
}

type rejectRequest struct {
	Feedback string `json:"feedback"`
}

func (s *server) rejectPlan(c *gin.Context, sess *mockSession) {
	var req rejectRequest
	_ = c.ShouldBindJSON(&req)
	s.finishPlan(c, sess, models.PlanStatusRejected, req.Feedback)
}

func (s *server) finishPlan(c *gin.Context, sess *mockSession, to models.PlanStatus, feedback string) {
	planID := c.Param("planId")
	sess.mu.Lock()
	plan := sess.plan
	if plan == nil || plan.ID != planID {
		sess.mu.Unlock()
		c.JSON(http.StatusNotFound, gin.H{"detail": "Plan not found"})
		return
	}
	if err := plan.Transition(to); err != nil {
		sess.mu.Unlock()
		c.JSON(http.StatusConflict, gin.H{"detail": err.Error()})
		return
	}
	plan.RejectionFeedback = feedback
	if to == models.PlanStatusRejected {
		sess.plan = nil
	}
	sess.mu.Unlock()
	c.JSON(http.StatusOK, gin.H{"status": string(to)})
}

// live serves the session's websocket endpoint.
func (s *server) live(c *gin.Context, sess *mockSession) {
	conn, err := s.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		s.logger.Error("websocket upgrade failed", zap.Error(err))
		return
	}
	sess.attach(conn)
	defer func() {
		sess.detach(conn)
		_ = conn.Close()
	}()
	s.logger.Info("live client connected",
		zap.String("session_id", sess.info.ID),
		zap.String("origin", c.GetHeader("Origin")))

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				s.logger.Debug("live client read error", zap.Error(err))
			}
			return
		}
		msg, err := ws.DecodeClientMessage(data)
		if err != nil {
			s.logger.Warn("invalid client message", zap.Error(err))
			continue
		}
		s.handleClientMessage(sess, msg)
	}
}

func (s *server) handleClientMessage(sess *mockSession, msg *ws.ClientMessage) {
	switch msg.Type {
	case ws.OutboundMessage:
		s.userMessage(sess, msg.Content)
	case ws.OutboundAnswer:
		s.answerQuestion(sess, msg.QuestionID)
	case ws.OutboundCommand:
		s.command(sess, msg.Action)
	default:
		s.logger.Debug("ignoring client message", zap.String("type", string(msg.Type)))
	}
}

func (s *server) command(sess *mockSession, action ws.Command) {
	id := sess.info.ID
	switch action {
	case ws.CommandCommit:
		sess.broadcast(&ws.Frame{Type: ws.FrameStatusChanged, Status: string(models.SessionStatusActive), Message: "Committing changes"})
		m := sess.addMessage(models.RoleSystem, "Changes committed")
		sess.broadcast(&ws.Frame{Type: ws.FrameStatusChanged, Status: string(models.SessionStatusReady), Message: "Changes committed"})
		sess.broadcast(&ws.Frame{Type: ws.FrameMessageComplete, MessageID: m.ID})
	case ws.CommandCreatePR:
		url := "https://github.com/example/repo/pull/" + id[:8]
		sess.mu.Lock()
		sess.info.PRURL = url
		sess.mu.Unlock()
		m := sess.addMessage(models.RoleSystem, "Pull request created: "+url)
		sess.broadcast(&ws.Frame{Type: ws.FramePRCreated, PRURL: url})
		sess.broadcast(&ws.Frame{Type: ws.FrameMessageComplete, MessageID: m.ID})
	case ws.CommandStop:
		sess.setStatus(models.SessionStatusStopped)
		sess.mu.Lock()
		prURL := sess.info.PRURL
		sess.mu.Unlock()
		sess.broadcast(&ws.Frame{Type: ws.FrameSessionEnd, PRURL: prURL})
	default:
		sess.broadcast(&ws.Frame{Type: ws.FrameError, Message: "Unknown command: " + string(action)})
	}
}

// userMessage records a user message and plays the reply scenario.
func (s *server) userMessage(sess *mockSession, content string) {
	sess.addMessage(models.RoleUser, content)
	go s.play(sess, s.scenario.Reply, content)
}

func (s *server) answerQuestion(sess *mockSession, questionID string) bool {
	sess.mu.Lock()
	if sess.question == nil || sess.question.ID != questionID {
		sess.mu.Unlock()
		return false
	}
	sess.question = nil
	sess.mu.Unlock()
	go s.play(sess, s.scenario.answerSteps(), questionID)
	return true
}

// play runs steps in order, pausing before each one.
func (s *server) play(sess *mockSession, steps []Step, input string) {
	var lastID string
	for _, st := range steps {
		if d := st.Delay(); d > 0 {
			time.Sleep(d)
		}
		switch st.Type {
		case StepStatus:
			sess.setStatus(models.SessionStatus(st.Status))
			sess.broadcast(&ws.Frame{Type: ws.FrameStatusChanged, Status: st.Status, Message: st.Message})
		case StepTool:
			sess.broadcast(&ws.Frame{Type: ws.FrameToolStarted, Tool: st.Tool, Content: st.File})
		case StepChunk:
			sess.broadcast(&ws.Frame{Type: ws.FrameChunk, Content: expand(st.Content, input), ChunkType: "text"})
		case StepMessage:
			m := sess.addMessage(models.RoleAssistant, expand(st.Content, input))
			lastID = m.ID
			sess.broadcast(&ws.Frame{Type: ws.FrameContentUpdated, MessageID: m.ID})
		case StepComplete:
			sess.broadcast(&ws.Frame{Type: ws.FrameMessageComplete, MessageID: lastID})
		case StepQuestion:
			q := *st.Question
			sess.mu.Lock()
			sess.question = &q
			sess.mu.Unlock()
			sess.broadcast(&ws.Frame{Type: ws.FrameQuestion, Question: &q})
		case StepPlan:
			plan := st.Plan.Clone()
			if plan.Status == "" {
				plan.Status = models.PlanStatusPending
			}
			sess.mu.Lock()
			sess.plan = plan
			sess.mu.Unlock()
			sess.broadcast(&ws.Frame{Type: ws.FramePlan, Plan: plan.Clone()})
		case StepPlanStep:
			status := models.PlanStepStatus(st.Status)
			sess.mu.Lock()
			sess.plan.ApplyStepUpdate(st.PlanID, st.StepID, status)
			sess.mu.Unlock()
			sess.broadcast(&ws.Frame{Type: ws.FramePlanStepUpdated, PlanID: st.PlanID, StepID: st.StepID, StepStatus: status})
		case StepError:
			sess.broadcast(&ws.Frame{Type: ws.FrameError, Message: st.Message})
		}
	}
}
