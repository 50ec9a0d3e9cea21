package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"room-service/internal/logging"
)

// RegisterDebugRoutes wires debug-only endpoints.
func RegisterDebugRoutes(router gin.IRoutes, tail *logging.Tail, enabled bool) {
	if !enabled {
		return
	}

	router.GET("/debug/logs", func(c *gin.Context) {
		if tail == nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"error": "log tail not configured"})
			return
		}
		c.Header("X-Log-Threshold", tail.Threshold().String())
		c.Data(http.StatusOK, "text/plain; charset=utf-8", tail.Bytes())
	})
}
