package server

import (
	"io"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

const (
	sessionEventHeartbeat = "heartbeat"
)

// handleSessionEvents streams heartbeats until the session the stream was
// opened under changes, then reports that transition and closes.
func (h *httpHandler) handleSessionEvents(c *gin.Context) {
	workspaceID := c.GetString(workspaceIDContextKey)

	ctx := c.Request.Context()
	stream, cleanup := h.sessions.Subscribe(ctx)
	defer cleanup()

	c.Writer.Header().Set("Content-Type", "text/event-stream")
	c.Writer.Header().Set("Cache-Control", "no-cache")
	c.Writer.Header().Set("Connection", "keep-alive")
	c.Writer.Header().Set("X-Accel-Buffering", "no")
	c.Status(http.StatusOK)
	c.Writer.Flush()

	heartbeat := time.NewTicker(h.heartbeat)
	defer heartbeat.Stop()

	h.logger.Debug("session event stream opened", zap.String("workspace_id", workspaceID))
	c.Stream(func(w io.Writer) bool {
		select {
		case <-ctx.Done():
			return false
		case event, ok := <-stream:
			if !ok {
				return false
			}
			c.SSEvent(string(event.Type), sessionEventPayload{
				WorkspaceID: event.WorkspaceID,
				Generation:  event.Generation,
				Timestamp:   event.Timestamp.UnixMilli(),
			})
			// Any transition retires the token this stream was opened with.
			return false
		case tick := <-heartbeat.C:
			c.SSEvent(sessionEventHeartbeat, gin.H{"timestamp": tick.UnixMilli()})
			return true
		}
	})
	h.logger.Debug("session event stream closed", zap.String("workspace_id", workspaceID))
}
