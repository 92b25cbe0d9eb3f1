package server

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/AlexMercedCoder/mylocalnotes/internal/auth"
	"github.com/AlexMercedCoder/mylocalnotes/internal/notes"
	"github.com/AlexMercedCoder/mylocalnotes/internal/session"
	"github.com/AlexMercedCoder/mylocalnotes/internal/vault"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

const (
	workspaceIDContextKey = "mylocalnotes_workspace_id"
	defaultHeartbeat      = 25 * time.Second
)

var (
	errMissingTokenManager = errors.New("token manager dependency required")
	errMissingNotesService = errors.New("notes service dependency required")
	errMissingSessions     = errors.New("session source dependency required")
)

// TokenManager issues and validates workspace tokens.
type TokenManager interface {
	IssueWorkspaceToken(ctx context.Context, workspaceID string, generation uint64) (string, int64, error)
	ValidateRequest(r *http.Request) (auth.WorkspaceClaims, error)
	CookieName() string
}

// SessionSource exposes the active workspace and its transitions.
type SessionSource interface {
	Current() (session.Scope, error)
	Subscribe(ctx context.Context) (<-chan session.Event, func())
}

type Dependencies struct {
	TokenManager      TokenManager
	Sessions          SessionSource
	NotesService      *notes.Service
	Logger            *zap.Logger
	AllowedOrigins    []string
	HeartbeatInterval time.Duration
}

func NewHTTPHandler(deps Dependencies) (http.Handler, error) {
	if deps.TokenManager == nil {
		return nil, errMissingTokenManager
	}
	if deps.Sessions == nil {
		return nil, errMissingSessions
	}
	if deps.NotesService == nil {
		return nil, errMissingNotesService
	}

	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	heartbeat := deps.HeartbeatInterval
	if heartbeat <= 0 {
		heartbeat = defaultHeartbeat
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(corsMiddleware(deps.AllowedOrigins))

	handler := &httpHandler{
		tokens:       deps.TokenManager,
		sessions:     deps.Sessions,
		notesService: deps.NotesService,
		logger:       logger,
		heartbeat:    heartbeat,
	}

	router.POST("/session", handler.handleLogin)

	protected := router.Group("/")
	protected.Use(handler.authorizeRequest)
	protected.DELETE("/session", handler.handleLogout)
	protected.GET("/session/events", handler.handleSessionEvents)

	protected.GET("/pages", handler.handleListChildren)
	protected.POST("/pages", handler.handleCreatePage)
	protected.GET("/pages/:id", handler.handleGetPage)
	protected.PATCH("/pages/:id", handler.handleUpdatePage)
	protected.DELETE("/pages/:id", handler.handlePurgePage)
	protected.PUT("/pages/:id/properties", handler.handleUpdatePageProperties)
	protected.GET("/pages/:id/path", handler.handlePagePath)
	protected.POST("/pages/:id/trash", handler.handleTrashPage)
	protected.POST("/pages/:id/restore", handler.handleRestorePage)
	protected.GET("/pages/:id/blocks", handler.handleListBlocks)
	protected.PUT("/pages/:id/blocks", handler.handleReconcileBlocks)
	protected.GET("/trash", handler.handleListTrash)

	protected.POST("/blocks", handler.handleSaveBlock)
	protected.DELETE("/blocks/:id", handler.handleDeleteBlock)

	protected.GET("/databases", handler.handleListDatabases)
	protected.POST("/databases", handler.handleCreateDatabase)
	protected.GET("/databases/:id", handler.handleGetDatabase)
	protected.POST("/databases/:id/properties", handler.handleAddDatabaseProperty)
	protected.GET("/databases/:id/rows", handler.handleListDatabaseRows)

	protected.GET("/search", handler.handleSearch)

	return router, nil
}

func corsMiddleware(allowedOrigins []string) gin.HandlerFunc {
	config := cors.Config{
		AllowMethods:     []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodPatch, http.MethodDelete, http.MethodOptions},
		AllowHeaders:     []string{"Authorization", "Content-Type"},
		AllowCredentials: true,
		MaxAge:           12 * time.Hour,
	}
	if len(allowedOrigins) == 0 {
		config.AllowOriginFunc = isLoopbackOrigin
	} else {
		config.AllowOrigins = allowedOrigins
	}
	return cors.New(config)
}

type httpHandler struct {
	tokens       TokenManager
	sessions     SessionSource
	notesService *notes.Service
	logger       *zap.Logger
	heartbeat    time.Duration
}

// authorizeRequest admits a request only when its token names the workspace
// activation that is current right now, and pins that activation on the
// request context for the service calls that follow.
func (h *httpHandler) authorizeRequest(c *gin.Context) {
	claims, err := h.tokens.ValidateRequest(c.Request)
	if err != nil {
		if errors.Is(err, auth.ErrExpiredToken) || errors.Is(err, auth.ErrMissingToken) {
			h.logger.Info("token validation failed", zap.Error(err))
		} else {
			h.logger.Warn("token validation failed", zap.Error(err))
		}
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}

	scope, err := h.sessions.Current()
	if err != nil {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "session_inactive"})
		return
	}
	if scope.WorkspaceID != claims.WorkspaceID() || scope.Generation != claims.Generation {
		h.logger.Info("token refers to a previous session", zap.String("workspace_id", claims.WorkspaceID()))
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "session_changed"})
		return
	}

	c.Set(workspaceIDContextKey, scope.WorkspaceID)
	c.Request = c.Request.WithContext(notes.WithExpectedScope(c.Request.Context(), scope))
	c.Next()
}

// respondError maps service failures onto HTTP statuses and carries the
// service error code when there is one.
func (h *httpHandler) respondError(c *gin.Context, err error) {
	status, reason := classifyError(err)
	body := gin.H{"error": reason}
	var serviceErr *notes.ServiceError
	if errors.As(err, &serviceErr) {
		body["code"] = serviceErr.Code()
	}
	if status >= http.StatusInternalServerError {
		h.logger.Error("request failed", zap.String("path", c.FullPath()), zap.Error(err))
	}
	c.JSON(status, body)
}

func classifyError(err error) (int, string) {
	switch {
	case errors.Is(err, session.ErrUnauthenticated):
		return http.StatusUnauthorized, "unauthenticated"
	case errors.Is(err, notes.ErrWrongPassword):
		return http.StatusUnauthorized, "wrong_password"
	case errors.Is(err, session.ErrSessionChanged):
		return http.StatusConflict, "session_changed"
	case errors.Is(err, notes.ErrPageNotFound):
		return http.StatusNotFound, "page_not_found"
	case errors.Is(err, notes.ErrSchemaNotFound):
		return http.StatusNotFound, "database_not_found"
	case errors.Is(err, notes.ErrIDConflict):
		return http.StatusConflict, "id_conflict"
	case errors.Is(err, notes.ErrPageCycle):
		return http.StatusConflict, "page_cycle"
	case errors.Is(err, vault.ErrInvalidCredentials):
		return http.StatusBadRequest, "invalid_credentials"
	case errors.Is(err, notes.ErrInvalidPageID),
		errors.Is(err, notes.ErrInvalidBlockID),
		errors.Is(err, notes.ErrInvalidSchemaID),
		errors.Is(err, notes.ErrInvalidContent),
		errors.Is(err, notes.ErrInvalidSchema),
		errors.Is(err, notes.ErrInvalidProperty):
		return http.StatusBadRequest, "invalid_request"
	default:
		return http.StatusInternalServerError, "internal_error"
	}
}
