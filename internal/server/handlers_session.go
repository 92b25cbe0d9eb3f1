package server

import (
	"net/http"
	"net/url"
	"strings"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

const tokenTypeBearer = "Bearer"

func (h *httpHandler) handleLogin(c *gin.Context) {
	var request loginRequestPayload
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}

	scope, err := h.notesService.Login(c.Request.Context(), request.Username, request.Password)
	if err != nil {
		h.logger.Info("login rejected", zap.Error(err))
		h.respondError(c, err)
		return
	}

	token, expiresIn, err := h.tokens.IssueWorkspaceToken(c.Request.Context(), scope.WorkspaceID, scope.Generation)
	if err != nil {
		h.logger.Error("failed to issue workspace token", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "token_issue_failed"})
		return
	}

	c.SetSameSite(http.SameSiteStrictMode)
	c.SetCookie(h.tokens.CookieName(), token, int(expiresIn), "/", "", false, true)
	c.JSON(http.StatusOK, loginResponsePayload{
		AccessToken: token,
		ExpiresIn:   expiresIn,
		TokenType:   tokenTypeBearer,
		WorkspaceID: scope.WorkspaceID,
	})
}

func (h *httpHandler) handleLogout(c *gin.Context) {
	h.notesService.Logout()
	c.SetSameSite(http.SameSiteStrictMode)
	c.SetCookie(h.tokens.CookieName(), "", -1, "/", "", false, true)
	c.Status(http.StatusNoContent)
}

// isLoopbackOrigin admits browser origins served from this machine.
func isLoopbackOrigin(origin string) bool {
	parsed, err := url.Parse(origin)
	if err != nil {
		return false
	}
	switch strings.ToLower(parsed.Hostname()) {
	case "localhost", "127.0.0.1", "::1":
		return true
	default:
		return false
	}
}
