package handler

import (
	"context"
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/jmerrifield20/chainchat/internal/identity"
	"github.com/jmerrifield20/chainchat/internal/intake"
	"github.com/jmerrifield20/chainchat/internal/ledger"
	"go.uber.org/zap"
)

// MessageService is implemented by *intake.Service.
type MessageService interface {
	Submit(ctx context.Context, sender, content string) (*intake.Message, ledger.SealedRecord, error)
	Recent(ctx context.Context, limit int) ([]*intake.Message, error)
	Verify(ctx context.Context, id uuid.UUID) (*intake.VerifyResult, error)
}

// MessageHandler handles chat message intake over HTTP.
type MessageHandler struct {
	svc      MessageService
	sessions identity.SessionVerifier
	limiter  *Limiter
	logger   *zap.Logger
}

// NewMessageHandler creates a new MessageHandler.
func NewMessageHandler(svc MessageService, sessions identity.SessionVerifier, logger *zap.Logger) *MessageHandler {
	return &MessageHandler{svc: svc, sessions: sessions, logger: logger}
}

// SetSenderLimiter rate-limits POST /messages per session username.
// Must be called before Register.
func (h *MessageHandler) SetSenderLimiter(l *Limiter) {
	h.limiter = l
}

// Register mounts the message routes on the given router group.
func (h *MessageHandler) Register(rg *gin.RouterGroup) {
	submit := []gin.HandlerFunc{identity.RequireSession(h.sessions)}
	if h.limiter != nil {
		submit = append(submit, h.limiter.Middleware(SenderKey))
	}
	submit = append(submit, h.Submit)

	m := rg.Group("/messages")
	{
		m.POST("", submit...)
		m.GET("", h.List)
		m.GET("/:id/verify", h.Verify)
	}
}

// Submit handles POST /messages: seals a message from the session's user.
func (h *MessageHandler) Submit(c *gin.Context) {
	claims := identity.SessionFromCtx(c)
	if claims == nil {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "session required"})
		return
	}

	var req intake.SubmitRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	msg, rec, err := h.svc.Submit(c.Request.Context(), claims.Username, req.Content)
	if err != nil {
		status, body := submitError(err)
		if status >= http.StatusInternalServerError {
			h.logger.Error("submit message", zap.String("sender", claims.Username), zap.Error(err))
		}
		c.JSON(status, body)
		return
	}

	c.JSON(http.StatusCreated, gin.H{
		"message": msg,
		"record":  rec,
	})
}

// List handles GET /messages?limit=N: most recent messages first.
func (h *MessageHandler) List(c *gin.Context) {
	limit := 50
	if s := c.Query("limit"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n <= 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "limit must be a positive integer"})
			return
		}
		limit = n
	}

	msgs, err := h.svc.Recent(c.Request.Context(), limit)
	if err != nil {
		h.logger.Error("list messages", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to list messages"})
		return
	}
	if msgs == nil {
		msgs = []*intake.Message{}
	}
	c.JSON(http.StatusOK, gin.H{"messages": msgs, "count": len(msgs)})
}

// Verify handles GET /messages/:id/verify.
func (h *MessageHandler) Verify(c *gin.Context) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid message ID"})
		return
	}

	res, err := h.svc.Verify(c.Request.Context(), id)
	if err != nil {
		if errors.Is(err, intake.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "message not found"})
			return
		}
		h.logger.Error("verify message", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to verify message"})
		return
	}
	c.JSON(http.StatusOK, res)
}

func submitError(err error) (int, gin.H) {
	switch {
	case errors.Is(err, intake.ErrInvalidMessage), errors.Is(err, ledger.ErrInvalidPayload):
		return http.StatusBadRequest, gin.H{"error": err.Error()}
	case errors.Is(err, ledger.ErrSealAborted), errors.Is(err, ledger.ErrAppendContention):
		return http.StatusServiceUnavailable, gin.H{"error": "message could not be sealed, retry later"}
	case errors.Is(err, ledger.ErrEmptyLedger):
		return http.StatusServiceUnavailable, gin.H{"error": "ledger not initialized"}
	default:
		return http.StatusInternalServerError, gin.H{"error": "failed to submit message"}
	}
}
