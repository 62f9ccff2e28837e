package api

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/pdfqa/pdfqa/pkg/domain"
)

// requestLogger logs one line per request with method, path, status and
// latency.
func (s *Server) requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		s.logger.Info("request",
			"method", c.Request.Method,
			"path", c.Request.URL.Path,
			"status", c.Writer.Status(),
			"elapsed", time.Since(start),
			"client", c.ClientIP(),
		)
	}
}

// limitInflight caps concurrent requests. Overflow is answered immediately
// with 503 and a Retry-After hint rather than queueing behind slow model
// calls.
func (s *Server) limitInflight() gin.HandlerFunc {
	return func(c *gin.Context) {
		if !s.inflight.TryAcquire(1) {
			c.Header("Retry-After", "1")
			c.AbortWithStatusJSON(http.StatusServiceUnavailable, gin.H{
				"kind":   domain.KindBackendUnavailable,
				"detail": "too many concurrent requests, retry shortly",
			})
			return
		}
		defer s.inflight.Release(1)
		c.Next()
	}
}
