package middleware

import (
	"errors"
	"math"
	"net/http"
	"strconv"
	"time"

	"streamhub/internal/core/domain"
	"streamhub/internal/core/services"
	apperrors "streamhub/pkg/errors"
	"streamhub/pkg/logger"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// ErrorHandlerMiddleware renders the last error a handler attached with
// c.Error as {"error": code, "message": ..., "details": ...}. Throttled
// requests also get the X-RateLimit-Reset and Retry-After hints.
func ErrorHandlerMiddleware(log *zap.SugaredLogger) gin.HandlerFunc {
	clog := logger.NewContextLogger(log)
	return func(c *gin.Context) {
		c.Next()

		if len(c.Errors) == 0 {
			return
		}
		err := c.Errors.Last().Err
		appErr := services.ToAppError(err)

		fields := []interface{}{
			"code", appErr.Code,
			"status", appErr.HTTPStatus,
			"path", c.Request.URL.Path,
			"method", c.Request.Method,
		}
		reqLog := clog.WithContext(c.Request.Context())
		if appErr.HTTPStatus >= http.StatusInternalServerError {
			reqLog.Errorw("request failed", append(fields, "error", err)...)
		} else {
			reqLog.Debugw("request rejected", append(fields, "message", appErr.Message)...)
		}

		if c.Writer.Written() {
			return
		}
		var throttled *domain.ThrottledError
		if errors.As(err, &throttled) {
			setRetryHeaders(c, throttled.RetryAfter)
		}
		body := gin.H{
			"error":   string(appErr.Code),
			"message": appErr.Message,
		}
		if len(appErr.Context) > 0 {
			body["details"] = appErr.Context
		}
		c.JSON(appErr.HTTPStatus, body)
	}
}

// RecoveryMiddleware recovers from panics and returns proper error responses
func RecoveryMiddleware(log *zap.SugaredLogger) gin.HandlerFunc {
	return func(c *gin.Context) {
		defer func() {
			if err := recover(); err != nil {
				log.Errorw("panic recovered",
					"error", err,
					"path", c.Request.URL.Path,
					"method", c.Request.Method,
				)

				c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{
					"error":   string(apperrors.ErrCodeInternal),
					"message": "Internal server error",
				})
			}
		}()

		c.Next()
	}
}

// setRetryHeaders fills in the retry hints unless the rate limit middleware
// already did.
func setRetryHeaders(c *gin.Context, retryAfter time.Duration) {
	h := c.Writer.Header()
	if h.Get("X-RateLimit-Reset") == "" {
		h.Set("X-RateLimit-Reset", strconv.FormatInt(time.Now().Add(retryAfter).Unix(), 10))
	}
	if h.Get("Retry-After") == "" {
		h.Set("Retry-After", strconv.Itoa(int(math.Ceil(retryAfter.Seconds()))))
	}
}
