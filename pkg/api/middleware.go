package api

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"golang.org/x/time/rate"

	apperrors "github.com/sessionmesh/sessionmesh/pkg/errors"
	"github.com/sessionmesh/sessionmesh/pkg/observability"
)

// RequestLogger logs one line per request with latency and status
func RequestLogger(logger observability.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		fields := map[string]interface{}{
			"method":     c.Request.Method,
			"path":       c.FullPath(),
			"status":     c.Writer.Status(),
			"latency_ms": time.Since(start).Milliseconds(),
		}
		if len(c.Errors) > 0 {
			fields["error"] = c.Errors.Last().Error()
		}
		if c.Writer.Status() >= 500 {
			logger.Error("Request failed", fields)
			return
		}
		logger.Info("Request handled", fields)
	}
}

// MetricsMiddleware records request counts and latency histograms
func MetricsMiddleware(metrics observability.MetricsClient) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		path := c.FullPath()
		if path == "" {
			path = "unmatched"
		}
		labels := map[string]string{
			"method": c.Request.Method,
			"path":   path,
			"status": strconv.Itoa(c.Writer.Status()),
		}
		metrics.IncrementCounterWithLabels("http.requests", 1, labels)
		metrics.RecordHistogram("http.request_duration_seconds", time.Since(start).Seconds(), labels)
	}
}

// RateLimiter applies a process-wide token bucket to the API group
func RateLimiter(rps float64, burst int) gin.HandlerFunc {
	if rps <= 0 {
		rps = 100
	}
	if burst <= 0 {
		burst = int(rps) * 2
	}
	limiter := rate.NewLimiter(rate.Limit(rps), burst)

	return func(c *gin.Context) {
		if !limiter.Allow() {
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
				"code":    string(apperrors.CodeQuotaExceeded),
				"message": "request rate limit exceeded",
			})
			return
		}
		c.Next()
	}
}

// respondError maps a coded error onto the transport
func respondError(c *gin.Context, err error) {
	_ = c.Error(err)

	status := apperrors.HTTPStatus(err)
	body := gin.H{
		"code":    string(apperrors.CodeOf(err)),
		"message": err.Error(),
	}
	var appErr *apperrors.AppError
	if errors.As(err, &appErr) {
		body["message"] = appErr.Message
		if appErr.Details != nil {
			body["details"] = appErr.Details
		}
	}
	c.AbortWithStatusJSON(status, body)
}
