package server

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"fluxpredict/logging"
)

// RequestLogger logs every request with method, path, status and duration.
// Paths in skip are not logged.
func RequestLogger(logger *logging.Logger, skip ...string) gin.HandlerFunc {
	skipPaths := make(map[string]bool, len(skip))
	for _, p := range skip {
		skipPaths[p] = true
	}
	return func(c *gin.Context) {
		path := c.Request.URL.Path
		if skipPaths[path] {
			c.Next()
			return
		}
		start := time.Now()
		c.Next()

		status := c.Writer.Status()
		fields := []zap.Field{
			zap.String("method", c.Request.Method),
			zap.String("path", path),
			zap.Int("status", status),
			zap.Duration("duration", time.Since(start).Round(time.Millisecond)),
			zap.String("remote_addr", c.ClientIP()),
			zap.Int("bytes", c.Writer.Size()),
		}
		if len(c.Errors) > 0 {
			fields = append(fields, zap.String("errors", c.Errors.String()))
		}
		switch statusLevel(status) {
		case zapcore.ErrorLevel:
			logger.Error("request", fields...)
		case zapcore.WarnLevel:
			logger.Warn("request", fields...)
		default:
			logger.Info("request", fields...)
		}
	}
}

// statusLevel picks the log level for a response status.
func statusLevel(status int) zapcore.Level {
	switch {
	case status >= 500:
		return zapcore.ErrorLevel
	case status >= 400:
		return zapcore.WarnLevel
	default:
		return zapcore.InfoLevel
	}
}

// Recovery turns a handler panic into a 500 and logs it.
func Recovery(logger *logging.Logger) gin.HandlerFunc {
	return gin.CustomRecovery(func(c *gin.Context, recovered any) {
		logger.Error("handler panic",
			zap.Any("panic", recovered),
			zap.String("path", c.Request.URL.Path),
		)
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
	})
}
