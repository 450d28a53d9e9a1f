package handlers

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
)

// SystemHandler serves liveness and version endpoints.
type SystemHandler struct {
	version string
}

// NewSystemHandler creates the system handler.
func NewSystemHandler(version string) *SystemHandler {
	return &SystemHandler{version: version}
}

// Health handles GET /health.
func (h *SystemHandler) Health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":  "OK",
		"version": h.version,
	})
}

// Status handles GET /api/status.
func (h *SystemHandler) Status(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":    "ok",
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
}

// Version handles GET /api/version.
func (h *SystemHandler) Version(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"version":    h.version,
		"apiVersion": "v1",
		"timestamp":  time.Now().UTC().Format(time.RFC3339),
	})
}
