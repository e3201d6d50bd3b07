package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"frenchmentor/internal/conversation"
	"frenchmentor/internal/models"
	"frenchmentor/internal/session"
	"frenchmentor/internal/storage"
	"frenchmentor/internal/tutor"
)

const (
	ctxUserID  = "user_id"
	ctxSession = "session"
)

// Sessions hands out the orchestrator of one learner.
type Sessions interface {
	Get(ctx context.Context, userID int64) (*session.Orchestrator, error)
	Reset(ctx context.Context, userID int64) error
	Delete(ctx context.Context, userID int64) error
}

type FeedbackSaver interface {
	Save(ctx context.Context, fb models.Feedback) (int64, error)
}

// Handler wires HTTP routes to the per-learner sessions.
type Handler struct {
	sessions Sessions
	feedback FeedbackSaver
	metrics  http.Handler
	log      *zap.Logger
}

type Option func(*Handler)

func WithLogger(l *zap.Logger) Option {
	return func(h *Handler) {
		if l != nil {
			h.log = l
		}
	}
}

// WithMetrics exposes h on GET /metrics.
func WithMetrics(mh http.Handler) Option {
	return func(h *Handler) { h.metrics = mh }
}

func NewHandler(sessions Sessions, feedback FeedbackSaver, opts ...Option) *Handler {
	h := &Handler{sessions: sessions, feedback: feedback, log: zap.NewNop()}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// RegisterRoutes attaches all HTTP routes to the router.
func (h *Handler) RegisterRoutes(router *gin.Engine) {
	router.Use(h.requestLogger(), gin.Recovery())
	router.GET("/healthz", func(c *gin.Context) { c.JSON(http.StatusOK, gin.H{"status": "ok"}) })
	if h.metrics != nil {
		router.GET("/metrics", gin.WrapH(h.metrics))
	}

	router.DELETE("/api/users/:id", h.deleteUser)

	user := router.Group("/api/users/:id")
	user.Use(h.loadSession())
	user.GET("/state", h.getState)
	user.GET("/conversations", h.listConversations)
	user.POST("/conversations", h.createConversation)
	user.PATCH("/conversations/:conv_id", h.renameConversation)
	user.DELETE("/conversations/:conv_id", h.deleteConversation)
	user.PUT("/conversations/:conv_id/active", h.selectConversation)
	user.GET("/conversations/:conv_id/messages", h.getMessages)
	user.POST("/conversations/:conv_id/cancel", h.cancelTurn)
	user.POST("/conversations/:conv_id/messages/:msg_id/deep-dive", h.deepDive)
	user.POST("/messages", h.sendMessage)
	user.GET("/missions", h.getMissions)
	user.GET("/lessons", h.listLessons)
	user.POST("/lessons", h.generateLesson)
	user.POST("/lessons/:lesson_id/dismiss", h.dismissLesson)
	user.PUT("/tier", h.setTier)
	user.PUT("/language", h.setLanguage)
	user.POST("/reset", h.resetHistory)
	user.GET("/review", h.getReview)
	user.POST("/review/check", h.checkAnswer)
	user.POST("/feedback", h.submitFeedback)
}

func (h *Handler) requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		h.log.Info("request",
			zap.String("method", c.Request.Method),
			zap.String("path", c.FullPath()),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("latency", time.Since(start)))
	}
}

// loadSession resolves the learner in the path and attaches its session.
func (h *Handler) loadSession() gin.HandlerFunc {
	return func(c *gin.Context) {
		userID, ok := userParam(c)
		if !ok {
			return
		}
		o, err := h.sessions.Get(c.Request.Context(), userID)
		if err != nil {
			h.log.Error("load session failed", zap.Int64("user", userID), zap.Error(err))
			c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "session unavailable"})
			return
		}
		c.Set(ctxUserID, userID)
		c.Set(ctxSession, o)
		c.Next()
	}
}

func userParam(c *gin.Context) (int64, bool) {
	userID, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil || userID <= 0 {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "invalid user id"})
		return 0, false
	}
	return userID, true
}

// deleteUser erases everything stored for the learner. It does not load the
// session first.
func (h *Handler) deleteUser(c *gin.Context) {
	userID, ok := userParam(c)
	if !ok {
		return
	}
	if err := h.sessions.Delete(c.Request.Context(), userID); err != nil {
		h.log.Error("delete learner failed", zap.Int64("user", userID), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "delete failed"})
		return
	}
	c.Status(http.StatusNoContent)
}

func orchestrator(c *gin.Context) *session.Orchestrator {
	return c.MustGet(ctxSession).(*session.Orchestrator)
}

// classify maps domain errors onto an HTTP status and response body.
func classify(err error) (int, gin.H) {
	body := gin.H{"error": err.Error()}
	switch {
	case errors.Is(err, session.ErrInsufficientCredit):
		body["upsell"] = true
		return http.StatusPaymentRequired, body
	case errors.Is(err, session.ErrTurnInFlight), errors.Is(err, session.ErrTurnDiscarded),
		errors.Is(err, session.ErrNoPendingMission):
		return http.StatusConflict, body
	case errors.Is(err, tutor.ErrConfigurationFault):
		body["blocking"] = true
		return http.StatusServiceUnavailable, body
	case errors.Is(err, tutor.ErrUnavailable), errors.Is(err, tutor.ErrMalformedPayload):
		return http.StatusServiceUnavailable, body
	case errors.Is(err, conversation.ErrNotFound), errors.Is(err, conversation.ErrMessageNotFound),
		errors.Is(err, session.ErrLessonNotFound):
		return http.StatusNotFound, body
	case errors.Is(err, session.ErrEmptyMessage), errors.Is(err, conversation.ErrEmptyTitle),
		errors.Is(err, session.ErrInvalidTier), errors.Is(err, session.ErrInvalidLanguage),
		errors.Is(err, session.ErrNotCorrection),
		errors.Is(err, storage.ErrEmptyFeedback), errors.Is(err, storage.ErrFeedbackTooLong):
		return http.StatusBadRequest, body
	case errors.Is(err, context.Canceled):
		return http.StatusRequestTimeout, body
	}
	return http.StatusInternalServerError, gin.H{"error": "internal error"}
}

func (h *Handler) writeError(c *gin.Context, err error) {
	status, body := classify(err)
	if status == http.StatusInternalServerError {
		h.log.Error("request failed", zap.String("path", c.FullPath()), zap.Error(err))
	}
	c.JSON(status, body)
}

func (h *Handler) getState(c *gin.Context) {
	c.JSON(http.StatusOK, orchestrator(c).Dashboard())
}

func (h *Handler) listConversations(c *gin.Context) {
	o := orchestrator(c)
	c.JSON(http.StatusOK, gin.H{
		"conversations": o.Conversations(),
		"active_id":     o.ActiveConversationID(),
	})
}

type titleRequest struct {
	Title string `json:"title"`
}

func (h *Handler) createConversation(c *gin.Context) {
	var req titleRequest
	// an empty body falls back to the default title
	_ = c.ShouldBindJSON(&req)
	id := orchestrator(c).NewConversation(req.Title)
	c.JSON(http.StatusCreated, gin.H{"id": id})
}

func (h *Handler) renameConversation(c *gin.Context) {
	var req titleRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	if err := orchestrator(c).RenameConversation(c.Param("conv_id"), req.Title); err != nil {
		h.writeError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *Handler) deleteConversation(c *gin.Context) {
	if err := orchestrator(c).DeleteConversation(c.Param("conv_id")); err != nil {
		h.writeError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *Handler) selectConversation(c *gin.Context) {
	if err := orchestrator(c).SelectConversation(c.Param("conv_id")); err != nil {
		h.writeError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *Handler) getMessages(c *gin.Context) {
	o := orchestrator(c)
	convID := c.Param("conv_id")
	msgs, err := o.Messages(convID)
	if err != nil {
		h.writeError(c, err)
		return
	}
	if msgs == nil {
		msgs = make([]models.Message, 0)
	}
	c.JSON(http.StatusOK, gin.H{
		"messages":   msgs,
		"turn_state": o.TurnState(convID),
	})
}

func (h *Handler) cancelTurn(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"canceled": orchestrator(c).Cancel(c.Param("conv_id"))})
}

type sendRequest struct {
	ConversationID string `json:"conversation_id"`
	Text           string `json:"text"`
}

// sendMessage runs one tutor turn. Clients asking for text/event-stream get
// an ack event right away and a done or error event when the turn ends.
func (h *Handler) sendMessage(c *gin.Context) {
	var req sendRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	o := orchestrator(c)
	if !strings.Contains(c.GetHeader("Accept"), "text/event-stream") {
		res, err := o.SendTo(c.Request.Context(), req.ConversationID, req.Text)
		if body, ok := turnBody(res, err); ok {
			c.JSON(http.StatusOK, body)
			return
		}
		h.writeError(c, err)
		return
	}

	flusher, ok := c.Writer.(http.Flusher)
	if !ok {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "streaming unsupported"})
		return
	}
	c.Writer.Header().Set("Content-Type", "text/event-stream")
	c.Writer.Header().Set("Cache-Control", "no-cache")
	c.Writer.Header().Set("Connection", "keep-alive")
	c.Writer.Header().Set("X-Accel-Buffering", "no")
	c.Status(http.StatusOK)

	sendEvent := func(event string, payload interface{}) error {
		data, err := json.Marshal(payload)
		if err != nil {
			return err
		}
		if _, err := fmt.Fprintf(c.Writer, "event: %s\ndata: %s\n\n", event, data); err != nil {
			return err
		}
		flusher.Flush()
		return nil
	}
	if err := sendEvent("ack", gin.H{"conversation_id": req.ConversationID, "text": req.Text}); err != nil {
		return
	}
	res, err := o.SendTo(c.Request.Context(), req.ConversationID, req.Text)
	if body, ok := turnBody(res, err); ok {
		_ = sendEvent("done", body)
		return
	}
	status, body := classify(err)
	body["status"] = status
	_ = sendEvent("error", body)
}

// turnBody renders the turns the client should display: completed ones,
// failures that left an error bubble, and cancellations.
func turnBody(res *session.TurnResult, err error) (gin.H, bool) {
	switch {
	case err == nil:
		return gin.H{"result": res}, true
	case res == nil:
		return nil, false
	case errors.Is(err, tutor.ErrUnavailable) && res.ModelMessage != nil:
		return gin.H{"result": res, "failed": true, "error": err.Error()}, true
	case errors.Is(err, session.ErrCanceled):
		return gin.H{"result": res, "canceled": true}, true
	}
	return nil, false
}

func (h *Handler) deepDive(c *gin.Context) {
	msgID, err := strconv.ParseInt(c.Param("msg_id"), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid message id"})
		return
	}
	msg, err := orchestrator(c).DeepDive(c.Request.Context(), c.Param("conv_id"), msgID)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": msg})
}

func (h *Handler) getMissions(c *gin.Context) {
	o := orchestrator(c)
	pending := o.Pending()
	if pending == nil {
		pending = make([]string, 0)
	}
	c.JSON(http.StatusOK, gin.H{
		"pending":  pending,
		"counters": o.Counters(),
	})
}

func (h *Handler) listLessons(c *gin.Context) {
	o := orchestrator(c)
	c.JSON(http.StatusOK, gin.H{
		"open":     nonNilLessons(o.OpenLessons()),
		"archived": nonNilLessons(o.ArchivedLessons()),
	})
}

func nonNilLessons(ls []models.CoachLesson) []models.CoachLesson {
	if ls == nil {
		return make([]models.CoachLesson, 0)
	}
	return ls
}

func (h *Handler) generateLesson(c *gin.Context) {
	var req struct {
		Category string `json:"category"`
	}
	if err := c.ShouldBindJSON(&req); err != nil || strings.TrimSpace(req.Category) == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "category is required"})
		return
	}
	lesson, err := orchestrator(c).GenerateLesson(c.Request.Context(), req.Category)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"lesson": lesson})
}

func (h *Handler) dismissLesson(c *gin.Context) {
	if err := orchestrator(c).DismissLesson(c.Param("lesson_id")); err != nil {
		h.writeError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *Handler) setTier(c *gin.Context) {
	var req struct {
		Tier models.Tier `json:"tier"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	o := orchestrator(c)
	if err := o.UpgradeTier(req.Tier); err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"tier": o.Tier(), "balance": o.Balance()})
}

func (h *Handler) setLanguage(c *gin.Context) {
	var req struct {
		Language models.Language `json:"language"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	if err := orchestrator(c).SetLanguage(req.Language); err != nil {
		h.writeError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *Handler) resetHistory(c *gin.Context) {
	if err := h.sessions.Reset(c.Request.Context(), c.GetInt64(ctxUserID)); err != nil {
		h.writeError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *Handler) getReview(c *gin.Context) {
	n, _ := strconv.Atoi(c.Query("n"))
	items := orchestrator(c).Review(n)
	if items == nil {
		items = make([]session.ReviewItem, 0)
	}
	c.JSON(http.StatusOK, gin.H{"items": items})
}

func (h *Handler) checkAnswer(c *gin.Context) {
	var req struct {
		Answer   string `json:"answer"`
		Expected string `json:"expected"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"correct": session.CheckAnswer(req.Answer, req.Expected)})
}

func (h *Handler) submitFeedback(c *gin.Context) {
	var req struct {
		Text string `json:"text"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	id, err := h.feedback.Save(c.Request.Context(), models.Feedback{UserID: c.GetInt64(ctxUserID), Text: req.Text})
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"id": id})
}
