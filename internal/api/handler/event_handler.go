package handler

import (
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/cuongbtq/analysis-orchestrator/internal/api/dto"
)

// StreamEvents handles GET /api/v1/events
// Streams job events as server-sent events until the client goes away or the
// observer is dropped for falling behind
func (h *JobHandler) StreamEvents(c *gin.Context) {
	observer, cancel := h.jobs.Subscribe()
	defer cancel()

	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Header("X-Accel-Buffering", "no")
	c.Status(http.StatusOK)
	c.Writer.Flush()

	h.logger.Debug("Event stream opened", slog.String("ip", c.ClientIP()))

	ticker := time.NewTicker(h.keepAlive)
	defer ticker.Stop()

	done := c.Request.Context().Done()
	c.Stream(func(w io.Writer) bool {
		select {
		case <-done:
			return false

		case ev, ok := <-observer.C:
			if !ok {
				h.logger.Info("Event stream closed by hub", slog.String("ip", c.ClientIP()))
				return false
			}
			c.SSEvent(ev.Type, dto.EventDTO{
				Type: ev.Type,
				Job:  dto.NewJobDTO(ev.Job, h.hasHeatmaps(ev.Job)),
			})
			return true

		case <-ticker.C:
			_, err := io.WriteString(w, ": keep-alive\n\n")
			return err == nil
		}
	})

	h.logger.Debug("Event stream finished", slog.String("ip", c.ClientIP()))
}
