package middleware

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"
	"time"

	"streamhub/internal/core/domain"
	"streamhub/internal/core/services"
	"streamhub/internal/infrastructure/ratelimit"
	"streamhub/pkg/config"
	"streamhub/pkg/logger"
	"streamhub/pkg/utils"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func newRouter(handlers ...gin.HandlerFunc) *gin.Engine {
	router := gin.New()
	router.Use(ErrorHandlerMiddleware(zap.NewNop().Sugar()))
	router.Use(handlers...)
	return router
}

func serve(router *gin.Engine, req *http.Request) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	return w
}

func decodeError(t *testing.T, w *httptest.ResponseRecorder) map[string]interface{} {
	t.Helper()
	var body map[string]interface{}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	return body
}

func TestHTTPRateLimitMiddleware(t *testing.T) {
	clock := utils.NewManualClock(time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC))
	cfg := config.DefaultConfig()
	cfg.RateLimiting.Enabled = true
	cfg.RateLimiting.Buckets[config.BucketAPI] = config.BucketConfig{Capacity: 2, Period: time.Minute}
	limiter := ratelimit.NewLimiter(cfg, zap.NewNop().Sugar(), ratelimit.WithClock(clock))

	router := newRouter(NewHTTPRateLimitMiddleware(limiter, config.BucketAPI))
	router.GET("/test", func(c *gin.Context) { c.Status(http.StatusOK) })

	req := func(xff string) *http.Request {
		r := httptest.NewRequest(http.MethodGet, "/test", nil)
		if xff != "" {
			r.Header.Set("X-Forwarded-For", xff)
		}
		return r
	}

	w := serve(router, req(""))
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "2", w.Header().Get("X-RateLimit-Limit"))
	assert.Equal(t, "1", w.Header().Get("X-RateLimit-Remaining"))

	require.Equal(t, http.StatusOK, serve(router, req("")).Code)

	w = serve(router, req(""))
	require.Equal(t, http.StatusTooManyRequests, w.Code)
	assert.Equal(t, "60", w.Header().Get("Retry-After"))
	assert.Equal(t, "1709294460", w.Header().Get("X-RateLimit-Reset"))
	body := decodeError(t, w)
	assert.Equal(t, "THROTTLED", body["error"])
	assert.Equal(t, "api", body["details"].(map[string]interface{})["bucket"])

	// Another client has its own window.
	assert.Equal(t, http.StatusOK, serve(router, req("203.0.113.7, 10.0.0.1")).Code)

	clock.Advance(time.Minute)
	assert.Equal(t, http.StatusOK, serve(router, req("")).Code)
}

func TestHTTPRateLimitMiddleware_Disabled(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.RateLimiting.Enabled = false
	limiter := ratelimit.NewLimiter(cfg, zap.NewNop().Sugar())

	router := newRouter(NewHTTPRateLimitMiddleware(limiter, config.BucketAPI))
	router.GET("/test", func(c *gin.Context) { c.Status(http.StatusOK) })

	for i := 0; i < 5; i++ {
		require.Equal(t, http.StatusOK, serve(router, httptest.NewRequest(http.MethodGet, "/test", nil)).Code)
	}
}

func TestClientIP(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet, "/", nil)
	r.RemoteAddr = "192.0.2.1:4567"
	assert.Equal(t, "192.0.2.1", ClientIP(r))

	r.Header.Set("X-Forwarded-For", "198.51.100.4, 192.0.2.1")
	assert.Equal(t, "198.51.100.4", ClientIP(r))

	r.Header.Set("X-Forwarded-For", "garbage")
	assert.Equal(t, "192.0.2.1", ClientIP(r))
}

func TestAuthMiddleware(t *testing.T) {
	clock := utils.NewManualClock(time.Now())
	open := services.NewAuthService("secret", "user-service", false, clock)
	strict := services.NewAuthService("secret", "user-service", true, clock)

	token, err := open.IssueToken("u1", "alice", time.Hour)
	require.NoError(t, err)

	echo := func(c *gin.Context) {
		identity, ok := IdentityFrom(c)
		require.True(t, ok)
		c.JSON(http.StatusOK, gin.H{"user": identity.UserID, "guest": identity.Guest, "name": identity.Username})
	}

	tests := []struct {
		name      string
		auth      *services.AuthService
		header    string
		query     string
		status    int
		wantUser  string
		wantGuest bool
	}{
		{name: "bearer header", auth: strict, header: "Bearer " + token, status: http.StatusOK, wantUser: "u1"},
		{name: "query token", auth: strict, query: "?token=" + token, status: http.StatusOK, wantUser: "u1"},
		{name: "anonymous guest", auth: open, status: http.StatusOK, wantGuest: true},
		{name: "anonymous rejected", auth: strict, status: http.StatusUnauthorized},
		{name: "bad token", auth: open, header: "Bearer nope", status: http.StatusUnauthorized},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			router := newRouter(AuthMiddleware(tt.auth))
			router.GET("/me", echo)

			r := httptest.NewRequest(http.MethodGet, "/me"+tt.query, nil)
			r.Header.Set("X-Display-Name", "Visitor")
			if tt.header != "" {
				r.Header.Set("Authorization", tt.header)
			}
			w := serve(router, r)
			require.Equal(t, tt.status, w.Code)

			body := decodeError(t, w)
			if tt.status != http.StatusOK {
				assert.Equal(t, "UNAUTHORIZED", body["error"])
				return
			}
			assert.Equal(t, tt.wantGuest, body["guest"])
			if tt.wantUser != "" {
				assert.Equal(t, tt.wantUser, body["user"])
				assert.Equal(t, "alice", body["name"])
			} else {
				assert.Equal(t, "Visitor", body["name"])
			}
		})
	}
}

func TestErrorHandlerMiddleware(t *testing.T) {
	router := newRouter(RecoveryMiddleware(zap.NewNop().Sugar()))
	router.GET("/missing", func(c *gin.Context) {
		_ = c.Error(domain.ErrStreamNotFound)
	})
	router.GET("/slow", func(c *gin.Context) {
		_ = c.Error(&domain.SlowModeError{Remaining: 1500 * time.Millisecond})
	})
	router.GET("/boom", func(c *gin.Context) {
		_ = c.Error(errors.New("disk on fire"))
	})
	router.GET("/panic", func(c *gin.Context) {
		panic("unexpected")
	})

	tests := []struct {
		path   string
		status int
		code   string
	}{
		{"/missing", http.StatusNotFound, "NOT_FOUND"},
		{"/slow", http.StatusTooManyRequests, "SLOW_MODE"},
		{"/boom", http.StatusInternalServerError, "INTERNAL"},
		{"/panic", http.StatusInternalServerError, "INTERNAL"},
	}
	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			w := serve(router, httptest.NewRequest(http.MethodGet, tt.path, nil))
			assert.Equal(t, tt.status, w.Code)
			body := decodeError(t, w)
			assert.Equal(t, tt.code, body["error"])
			if tt.path == "/boom" {
				assert.NotContains(t, body["message"], "disk")
			}
		})
	}
}

func TestErrorHandlerMiddleware_ThrottledHints(t *testing.T) {
	router := newRouter()
	router.POST("/create", func(c *gin.Context) {
		_ = c.Error(&domain.ThrottledError{Bucket: config.BucketStreamCreate, RetryAfter: 90 * time.Second, Notify: true})
	})

	before := time.Now().Unix()
	w := serve(router, httptest.NewRequest(http.MethodPost, "/create", nil))
	assert.Equal(t, http.StatusTooManyRequests, w.Code)
	assert.Equal(t, "THROTTLED", decodeError(t, w)["error"])
	assert.Equal(t, "90", w.Header().Get("Retry-After"))

	reset, err := strconv.ParseInt(w.Header().Get("X-RateLimit-Reset"), 10, 64)
	require.NoError(t, err)
	assert.GreaterOrEqual(t, reset, before+90)
}

func TestErrorHandlerMiddleware_LogsRequestFields(t *testing.T) {
	core, logs := observer.New(zap.DebugLevel)
	router := gin.New()
	router.Use(RequestIDMiddleware(), ErrorHandlerMiddleware(zap.New(core).Sugar()))
	router.GET("/boom", func(c *gin.Context) {
		c.Request = c.Request.WithContext(logger.WithUserID(c.Request.Context(), "u1"))
		_ = c.Error(errors.New("disk on fire"))
	})

	req := httptest.NewRequest(http.MethodGet, "/boom", nil)
	req.Header.Set("X-Request-ID", "req-42")
	w := serve(router, req)
	assert.Equal(t, http.StatusInternalServerError, w.Code)

	entries := logs.FilterMessage("request failed").All()
	require.Len(t, entries, 1)
	fields := entries[0].ContextMap()
	assert.Equal(t, "req-42", fields["request_id"])
	assert.Equal(t, "u1", fields["user_id"])
}

func TestCORSMiddleware(t *testing.T) {
	router := newRouter(CORSMiddleware([]string{"https://app.example.com"}))
	router.GET("/api/streams", func(c *gin.Context) { c.Status(http.StatusOK) })

	r := httptest.NewRequest(http.MethodGet, "/api/streams", nil)
	r.Header.Set("Origin", "https://app.example.com")
	w := serve(router, r)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "https://app.example.com", w.Header().Get("Access-Control-Allow-Origin"))

	r = httptest.NewRequest(http.MethodOptions, "/api/streams", nil)
	r.Header.Set("Origin", "https://app.example.com")
	assert.Equal(t, http.StatusNoContent, serve(router, r).Code)

	r = httptest.NewRequest(http.MethodOptions, "/api/streams", nil)
	r.Header.Set("Origin", "https://evil.example.com")
	w = serve(router, r)
	assert.Equal(t, http.StatusForbidden, w.Code)
	assert.Empty(t, w.Header().Get("Access-Control-Allow-Origin"))

	assert.True(t, OriginAllowed([]string{"*"}, "https://anything"))
	assert.True(t, OriginAllowed(nil, ""))
	assert.False(t, OriginAllowed(nil, "https://app.example.com"))
}

type observed struct {
	method, route string
	status        int
}

type recordingObserver struct {
	calls []observed
}

func (o *recordingObserver) ObserveRequest(method, route string, status int, d time.Duration) {
	o.calls = append(o.calls, observed{method, route, status})
}

func TestMetricsMiddleware(t *testing.T) {
	obs := &recordingObserver{}
	router := newRouter(MetricsMiddleware(obs))
	router.GET("/api/streams/:id", func(c *gin.Context) { c.Status(http.StatusOK) })

	serve(router, httptest.NewRequest(http.MethodGet, "/api/streams/abc", nil))
	serve(router, httptest.NewRequest(http.MethodGet, "/nope", nil))

	require.Len(t, obs.calls, 2)
	assert.Equal(t, observed{"GET", "/api/streams/:id", http.StatusOK}, obs.calls[0])
	assert.Equal(t, observed{"GET", "unmatched", http.StatusNotFound}, obs.calls[1])
}

func TestRequestIDMiddleware(t *testing.T) {
	var seen string
	router := newRouter(RequestIDMiddleware(), TracingMiddleware())
	router.GET("/ping", func(c *gin.Context) {
		seen = logger.RequestIDFrom(c.Request.Context())
		c.Status(http.StatusOK)
	})

	r := httptest.NewRequest(http.MethodGet, "/ping", nil)
	r.Header.Set("X-Request-ID", "req-abc")
	w := serve(router, r)
	assert.Equal(t, "req-abc", w.Header().Get("X-Request-ID"))
	assert.Equal(t, "req-abc", seen)

	w = serve(router, httptest.NewRequest(http.MethodGet, "/ping", nil))
	assert.NotEmpty(t, w.Header().Get("X-Request-ID"))
	assert.Equal(t, w.Header().Get("X-Request-ID"), seen)
}
