package server

import (
	"crypto/subtle"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/inkwell-ai/inkwell/internal/common"
	"github.com/inkwell-ai/inkwell/internal/stages"
)

// requestLogger tags each request with an id and logs the outcome line.
func (s *Server) requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		requestID := c.GetHeader("X-Request-ID")
		if requestID == "" {
			requestID = uuid.NewString()
		}
		c.Header("X-Request-ID", requestID)
		ctx := common.WithRequestID(c.Request.Context(), requestID)
		c.Request = c.Request.WithContext(ctx)

		start := time.Now()
		c.Next()

		s.logger.Info("http.request",
			zap.String("request_id", requestID),
			zap.String("method", c.Request.Method),
			zap.String("path", c.FullPath()),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("elapsed", time.Since(start)),
		)
	}
}

// requireInternalSecret gates the /internal group on the shared secret. With
// no secret configured the channel is closed entirely.
func (s *Server) requireInternalSecret() gin.HandlerFunc {
	return func(c *gin.Context) {
		if s.cfg.InternalSecret == "" {
			c.AbortWithStatusJSON(http.StatusServiceUnavailable, gin.H{
				"error": stages.ErrSecretNotConfigured.Error(),
			})
			return
		}
		got := c.GetHeader(stages.SecretHeader)
		if subtle.ConstantTimeCompare([]byte(got), []byte(s.cfg.InternalSecret)) != 1 {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid internal secret"})
			return
		}
		c.Next()
	}
}

// bearerCredential pulls the credential out of the Authorization header. The
// guard decides whether it is valid; an absent header yields "".
func bearerCredential(c *gin.Context) string {
	h := c.GetHeader("Authorization")
	if token, ok := strings.CutPrefix(h, "Bearer "); ok {
		return strings.TrimSpace(token)
	}
	return ""
}

// respondError maps an error to its admission status code and JSON shape.
func respondError(c *gin.Context, err error) {
	c.JSON(common.HTTPStatus(err), gin.H{
		"error": err.Error(),
		"code":  common.ErrorCode(err),
	})
}
