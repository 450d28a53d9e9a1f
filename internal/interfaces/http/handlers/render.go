// Package handlers implements the gateway's HTTP endpoints.
package handlers

import (
	"github.com/gin-gonic/gin"
	"github.com/modelmux/modelmux/pkg/errors"
	"go.uber.org/zap"
)

// renderError writes the typed error envelope with its HTTP status.
func renderError(c *gin.Context, logger *zap.Logger, err error) {
	status := errors.StatusOf(err)
	payload := errors.Payload(err, c.Request.URL.Path)

	fields := []zap.Field{
		zap.Int("status", status),
		zap.String("path", c.Request.URL.Path),
		zap.String("method", c.Request.Method),
		zap.String("ip", c.ClientIP()),
		zap.Error(err),
	}
	if e, ok := errors.As(err); ok && e.Provider != "" {
		fields = append(fields, zap.String("provider", e.Provider))
	}
	if status >= 500 {
		logger.Error("request failed", fields...)
	} else {
		logger.Warn("request rejected", fields...)
	}

	c.AbortWithStatusJSON(status, payload)
}
