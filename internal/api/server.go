// Package api exposes the exec manager over HTTP and a WebSocket event stream.
package api

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/kandev/droidctl/internal/common/httpmw"
	"github.com/kandev/droidctl/internal/common/logger"
	"github.com/kandev/droidctl/internal/droidexec"
	"github.com/kandev/droidctl/internal/droidexec/permission"
	"github.com/kandev/droidctl/internal/droidexec/timeline"
	"github.com/kandev/droidctl/internal/tracing"
	"go.uber.org/zap"
)

const serverName = "droidctl-api"

// Engine is the subset of droidexec.Manager the API drives.
type Engine interface {
	Send(ctx context.Context, p droidexec.SessionParams) (*droidexec.Run, error)
	Cancel(ctx context.Context, sessionID string) error
	DisposeSession(ctx context.Context, sessionID string) error
	Timeline() []timeline.Entry
	Permissions() []permission.Event
	ActiveSessionID() string
	ResolveSessionID(id string) string
	OnEvent(fn func(droidexec.Event)) (unsubscribe func())
}

// HealthFunc reports dependency health for /health, e.g. the event bus.
type HealthFunc func() map[string]bool

// Handler serves the HTTP API.
type Handler struct {
	engine Engine
	health HealthFunc
	logger *logger.Logger
}

// NewHandler creates a Handler. health may be nil.
func NewHandler(engine Engine, health HealthFunc, log *logger.Logger) *Handler {
	if log == nil {
		log = logger.Default()
	}
	return &Handler{
		engine: engine,
		health: health,
		logger: log.WithFields(zap.String("component", "api")),
	}
}

// NewRouter builds a gin engine with middleware and all routes registered.
func NewRouter(h *Handler) *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery(), httpmw.RequestID(), tracing.GinMiddleware(), httpmw.RequestLogger(h.logger, serverName))
	RegisterRoutes(router, h)
	return router
}

// RegisterRoutes registers the API routes on router.
func RegisterRoutes(router *gin.Engine, h *Handler) {
	router.GET("/health", h.handleHealth)

	api := router.Group("/api/v1")
	api.POST("/messages", h.handleSendMessage)
	api.POST("/sessions/:id/cancel", h.handleCancel)
	api.DELETE("/sessions/:id", h.handleDispose)
	api.GET("/timeline", h.handleTimeline)
	api.GET("/permissions", h.handlePermissions)
	api.GET("/events", h.handleEvents)
}

// handleHealth handles GET /health
func (h *Handler) handleHealth(c *gin.Context) {
	resp := gin.H{
		"status":            "ok",
		"active_session_id": h.engine.ActiveSessionID(),
	}
	status := http.StatusOK
	if h.health != nil {
		deps := h.health()
		resp["dependencies"] = deps
		for _, ok := range deps {
			if !ok {
				resp["status"] = "degraded"
				status = http.StatusServiceUnavailable
			}
		}
	}
	c.JSON(status, resp)
}
