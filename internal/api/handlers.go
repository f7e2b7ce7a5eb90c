package api

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/kandev/droidctl/internal/droidexec"
	"github.com/kandev/droidctl/internal/droidexec/process"
	"github.com/kandev/droidctl/internal/droidexec/timeline"
	"go.uber.org/zap"
)

// SendMessageRequest is the body of POST /api/v1/messages.
type SendMessageRequest struct {
	SessionID       string `json:"session_id"`
	MachineID       string `json:"machine_id"`
	Cwd             string `json:"cwd" binding:"required"`
	ModelID         string `json:"model_id"`
	AutonomyLevel   string `json:"autonomy_level"`
	ResumeSessionID string `json:"resume_session_id"`
	Text            string `json:"text" binding:"required"`
	// Async returns as soon as the message is accepted.
	Async bool `json:"async"`
}

// SendMessageResponse describes the run started by a message.
type SendMessageResponse struct {
	SessionID string `json:"session_id"`
	Reason    string `json:"reason,omitempty"`
	Text      string `json:"text,omitempty"`
}

func errorBody(code, message string) gin.H {
	return gin.H{"error": gin.H{"code": code, "message": message}}
}

// handleSendMessage handles POST /api/v1/messages
func (h *Handler) handleSendMessage(c *gin.Context) {
	var req SendMessageRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, errorBody("BAD_REQUEST", err.Error()))
		return
	}

	run, err := h.engine.Send(c.Request.Context(), droidexec.SessionParams{
		SessionID:       req.SessionID,
		MachineID:       req.MachineID,
		Cwd:             req.Cwd,
		ModelID:         req.ModelID,
		AutonomyLevel:   req.AutonomyLevel,
		ResumeSessionID: req.ResumeSessionID,
		Text:            req.Text,
	})
	if err != nil {
		h.writeSendError(c, err)
		return
	}

	if req.Async {
		c.JSON(http.StatusAccepted, SendMessageResponse{SessionID: run.SessionID()})
		return
	}

	reason, err := run.Wait(c.Request.Context())
	if err != nil {
		// Client went away; the run keeps going.
		h.logger.Debug("stopped waiting for run", zap.Error(err))
		return
	}
	c.JSON(http.StatusOK, SendMessageResponse{
		SessionID: run.SessionID(),
		Reason:    string(reason),
		Text:      run.Text(),
	})
}

func (h *Handler) writeSendError(c *gin.Context, err error) {
	var spawnErr *process.SpawnError
	switch {
	case errors.Is(err, droidexec.ErrMissingAPIKey):
		c.JSON(http.StatusPreconditionFailed, errorBody("MISSING_API_KEY", err.Error()))
	case errors.Is(err, droidexec.ErrTurnInProgress):
		c.JSON(http.StatusConflict, errorBody("TURN_IN_PROGRESS", err.Error()))
	case errors.Is(err, droidexec.ErrManagerClosed):
		c.JSON(http.StatusServiceUnavailable, errorBody("SHUTTING_DOWN", err.Error()))
	case errors.As(err, &spawnErr):
		c.JSON(http.StatusBadGateway, errorBody("SPAWN_FAILED", err.Error()))
	default:
		h.logger.Error("send message failed", zap.Error(err))
		c.JSON(http.StatusBadGateway, errorBody("AGENT_ERROR", err.Error()))
	}
}

// handleCancel handles POST /api/v1/sessions/:id/cancel
func (h *Handler) handleCancel(c *gin.Context) {
	id := c.Param("id")
	if err := h.engine.Cancel(c.Request.Context(), id); err != nil {
		if errors.Is(err, droidexec.ErrUnknownSession) {
			c.JSON(http.StatusNotFound, errorBody("UNKNOWN_SESSION", err.Error()))
			return
		}
		c.JSON(http.StatusInternalServerError, errorBody("CANCEL_FAILED", err.Error()))
		return
	}
	c.Status(http.StatusNoContent)
}

// handleDispose handles DELETE /api/v1/sessions/:id
func (h *Handler) handleDispose(c *gin.Context) {
	if err := h.engine.DisposeSession(c.Request.Context(), c.Param("id")); err != nil {
		c.JSON(http.StatusInternalServerError, errorBody("DISPOSE_FAILED", err.Error()))
		return
	}
	c.Status(http.StatusNoContent)
}

// handleTimeline handles GET /api/v1/timeline
// Query params:
//   - kind: repeatable entry kind filter
//   - session_id: only entries for this session (any id it has had)
//   - since: only entries with a greater sequence number
func (h *Handler) handleTimeline(c *gin.Context) {
	var since uint64
	if raw := c.Query("since"); raw != "" {
		v, err := strconv.ParseUint(raw, 10, 64)
		if err != nil {
			c.JSON(http.StatusBadRequest, errorBody("BAD_REQUEST", "since must be a sequence number"))
			return
		}
		since = v
	}
	kinds := make(map[timeline.Kind]bool)
	for _, k := range c.QueryArray("kind") {
		kinds[timeline.Kind(k)] = true
	}
	session := c.Query("session_id")
	if session != "" {
		session = h.engine.ResolveSessionID(session)
	}

	entries := make([]timeline.Entry, 0)
	for _, e := range h.engine.Timeline() {
		if e.Seq <= since {
			continue
		}
		if len(kinds) > 0 && !kinds[e.Kind] {
			continue
		}
		if session != "" && e.SessionID != "" && h.engine.ResolveSessionID(e.SessionID) != session {
			continue
		}
		entries = append(entries, e)
	}
	c.JSON(http.StatusOK, gin.H{"entries": entries})
}

// handlePermissions handles GET /api/v1/permissions
func (h *Handler) handlePermissions(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"permissions": h.engine.Permissions()})
}
