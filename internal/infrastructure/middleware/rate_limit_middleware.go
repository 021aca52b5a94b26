package middleware

import (
	"math"
	"net"
	"net/http"
	"strconv"
	"strings"

	"streamhub/internal/core/domain"
	"streamhub/internal/infrastructure/ratelimit"

	"github.com/gin-gonic/gin"
)

// ClientIP extracts the caller's address, preferring the first hop of
// X-Forwarded-For when the hub runs behind a proxy.
func ClientIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		first := strings.TrimSpace(strings.Split(xff, ",")[0])
		if ip := net.ParseIP(first); ip != nil {
			return ip.String()
		}
	}

	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// NewHTTPRateLimitMiddleware admits each request against bucket, keyed by
// client IP. Rejections get 429 with Retry-After and X-RateLimit-Reset.
func NewHTTPRateLimitMiddleware(limiter *ratelimit.Limiter, bucket string) gin.HandlerFunc {
	return func(c *gin.Context) {
		d, err := limiter.Allow(c.Request.Context(), bucket, ClientIP(c.Request))
		if err != nil {
			_ = c.Error(err)
			c.Abort()
			return
		}

		if p, ok := limiter.Policy(bucket); ok {
			c.Header("X-RateLimit-Limit", strconv.Itoa(p.Capacity))
		}
		c.Header("X-RateLimit-Remaining", strconv.Itoa(d.Remaining))
		if d.Allowed {
			c.Next()
			return
		}

		retryAfter := d.RetryAfter(limiter.Now())
		c.Header("X-RateLimit-Reset", strconv.FormatInt(d.ResetAt.Unix(), 10))
		c.Header("Retry-After", strconv.Itoa(int(math.Ceil(retryAfter.Seconds()))))
		_ = c.Error(&domain.ThrottledError{Bucket: bucket, RetryAfter: retryAfter, Notify: true})
		c.Abort()
	}
}
