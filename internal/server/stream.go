package server

import (
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/MarcoPoloResearchLab/glsync/internal/events"
	"github.com/MarcoPoloResearchLab/glsync/internal/status"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// Server-sent event names on the status stream.
const (
	StreamEventSnapshot  = "snapshot"
	StreamEventStatus    = "status"
	streamEventHeartbeat = "heartbeat"
)

// handleStatusStream sends the current data source status, then every status notification
// published for the org until the client goes away.
func (h *httpHandler) handleStatusStream(c *gin.Context) {
	orgID := c.Param("org")
	ctx := c.Request.Context()

	snapshot, err := h.projector.DataSource(ctx, orgID)
	if errors.Is(err, status.ErrDataSourceNotFound) {
		h.writeDocument(c, http.StatusNotFound, status.DataSourceNotFoundDocument(orgID))
		return
	}
	if err != nil {
		h.writeError(c, err)
		return
	}

	stream, cleanup := h.events.Subscribe(ctx, orgID)
	defer cleanup()

	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Header("X-Accel-Buffering", "no")
	c.Status(http.StatusOK)

	h.logger.Debug("status stream opened", zap.String("org_id", orgID), zap.String("operator", operatorSubject(c)))
	defer h.logger.Debug("status stream closed", zap.String("org_id", orgID))

	c.SSEvent(StreamEventSnapshot, status.DataSourceDocument(snapshot))
	c.Writer.Flush()

	ticker := time.NewTicker(h.heartbeat)
	defer ticker.Stop()

	c.Stream(func(io.Writer) bool {
		select {
		case <-ctx.Done():
			return false
		case envelope, ok := <-stream:
			if !ok {
				return false
			}
			c.SSEvent(StreamEventStatus, envelope)
			return true
		case moment := <-ticker.C:
			c.SSEvent(streamEventHeartbeat, gin.H{"timestamp": events.FormatTimestamp(moment)})
			return true
		}
	})
}
