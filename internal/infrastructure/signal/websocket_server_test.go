package signal

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"streamhub/internal/core/domain"
	"streamhub/internal/core/ports"
	"streamhub/internal/core/services"
	"streamhub/internal/infrastructure/middleware"
	"streamhub/internal/infrastructure/ratelimit"
	"streamhub/internal/infrastructure/storage"
	"streamhub/pkg/config"
	"streamhub/pkg/utils"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

var testEpoch = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

type wsFixture struct {
	hub    *services.Hub
	auth   *services.AuthService
	server *WebSocketServer
	http   *httptest.Server
}

func newWSFixture(t *testing.T, mutate func(*config.Config, *Config), authRequired bool) *wsFixture {
	t.Helper()
	gin.SetMode(gin.TestMode)
	logger := zap.NewNop().Sugar()
	clock := utils.NewManualClock(testEpoch)

	cfg := config.DefaultConfig()
	wsCfg := ConfigFrom(cfg)
	if mutate != nil {
		mutate(cfg, &wsCfg)
	}

	store, err := storage.NewFileChunkStore(t.TempDir())
	require.NoError(t, err)

	hub := services.NewHub(services.NewHubConfig(cfg, "hub-ws"), services.HubDeps{
		Chunks:    store,
		Source:    storage.NewSyntheticSource(256),
		Admission: ratelimit.NewLimiter(cfg, logger, ratelimit.WithClock(clock)),
		Quality:   services.NewQualityService(services.ScoreThresholds{High: 90, Medium: 75, Low: 50}, nil),
		Clock:     clock,
		Logger:    logger,
	})
	auth := services.NewAuthService("ws-secret", cfg.Auth.Issuer, authRequired, clock)
	server := NewWebSocketServer(hub, wsCfg, nil, logger)

	router := gin.New()
	router.Use(middleware.ErrorHandlerMiddleware(logger))
	router.GET("/ws", middleware.AuthMiddleware(auth), server.HandleWebSocket)
	srv := httptest.NewServer(router)

	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = server.Close(ctx)
		srv.Close()
		_ = hub.Shutdown(ctx)
	})

	return &wsFixture{hub: hub, auth: auth, server: server, http: srv}
}

func (f *wsFixture) url(query string) string {
	return "ws" + strings.TrimPrefix(f.http.URL, "http") + "/ws?" + query
}

func (f *wsFixture) dial(t *testing.T, user string) *websocket.Conn {
	t.Helper()
	query := "displayName=guest"
	if user != "" {
		tok, err := f.auth.IssueToken(domain.UserID(user), user, time.Hour)
		require.NoError(t, err)
		query = "token=" + tok
	}
	conn, resp, err := websocket.DefaultDialer.Dial(f.url(query), nil)
	require.NoError(t, err)
	require.Equal(t, http.StatusSwitchingProtocols, resp.StatusCode)
	t.Cleanup(func() { conn.Close() })
	return conn
}

type frame struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
	raw  []byte
}

func send(t *testing.T, conn *websocket.Conn, text string) {
	t.Helper()
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(text)))
}

// readUntil skips frames until one of type typ arrives.
func readUntil(t *testing.T, conn *websocket.Conn, typ string) frame {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(3*time.Second)))
	for {
		_, data, err := conn.ReadMessage()
		require.NoError(t, err, "waiting for %s", typ)
		var f frame
		require.NoError(t, json.Unmarshal(data, &f), string(data))
		if f.Type == typ {
			f.raw = data
			return f
		}
	}
}

func (f *wsFixture) createStream(t *testing.T, user string) domain.Stream {
	t.Helper()
	stream, err := f.hub.CreateStream(context.Background(), ports.Identity{UserID: domain.UserID(user), Username: user}, domain.StreamMeta{Title: "live"})
	require.NoError(t, err)
	return stream
}

func TestWebSocketRoomSession(t *testing.T) {
	f := newWSFixture(t, nil, false)
	stream := f.createStream(t, "alice")

	broadcaster := f.dial(t, "alice")
	send(t, broadcaster, `{"type":"start-stream","requestId":"r1","data":{"streamId":"`+string(stream.ID)+`","streamKey":"`+string(stream.Key)+`"}}`)
	started := readUntil(t, broadcaster, string(domain.EventStreamStarted))
	assert.Contains(t, string(started.raw), `"requestId":"r1"`)

	viewer := f.dial(t, "")
	send(t, viewer, `{"type":"join-stream","data":{"streamId":"`+string(stream.ID)+`"}}`)
	joined := readUntil(t, viewer, string(domain.EventStreamJoined))
	var notice struct {
		Session domain.Session `json:"session"`
	}
	require.NoError(t, json.Unmarshal(joined.Data, &notice))
	assert.Equal(t, domain.RoleViewer, notice.Session.Role)

	readUntil(t, broadcaster, string(domain.EventViewerJoined))

	t.Run("chat reaches the broadcaster", func(t *testing.T) {
		send(t, viewer, `{"type":"send-message","data":{"text":"hello room"}}`)
		msg := readUntil(t, broadcaster, string(domain.EventNewMessage))
		assert.Contains(t, string(msg.raw), "hello room")
	})

	t.Run("signaling payload is forwarded byte for byte", func(t *testing.T) {
		payload := `{"type": "offer",  "sdp":"v=0\r\no=- 1 1 IN IP4 0.0.0.0\r\n"}`
		send(t, viewer, `{"type":"webrtc-offer","data":{"payload":`+payload+`}}`)

		offer := readUntil(t, broadcaster, string(domain.SignalOffer))
		assert.Contains(t, string(offer.raw), `"payload":`+payload)

		var meta struct {
			StreamID      domain.StreamID  `json:"streamId"`
			FromSessionID domain.SessionID `json:"fromSessionId"`
		}
		require.NoError(t, json.Unmarshal(offer.Data, &meta))
		assert.Equal(t, stream.ID, meta.StreamID)
		assert.Equal(t, notice.Session.ID, meta.FromSessionID)
	})

	t.Run("broadcaster disconnect ends the stream", func(t *testing.T) {
		require.NoError(t, broadcaster.Close())
		readUntil(t, viewer, string(domain.EventStreamEnded))

		assert.Eventually(t, func() bool {
			s, err := f.hub.Registry().GetStream(stream.ID)
			return err == nil && s.State == domain.StreamEnded
		}, 3*time.Second, 20*time.Millisecond)
	})
}

func TestWebSocketMalformedFrame(t *testing.T) {
	f := newWSFixture(t, nil, false)
	conn := f.dial(t, "")

	send(t, conn, `not json`)
	got := readUntil(t, conn, string(domain.EventError))

	var notice domain.ErrorNotice
	require.NoError(t, json.Unmarshal(got.Data, &notice))
	assert.Equal(t, "INVALID_ARGUMENT", notice.Code)

	// The connection survives.
	send(t, conn, `{"type":"ping","requestId":"p1"}`)
	pong := readUntil(t, conn, string(domain.EventPong))
	assert.Contains(t, string(pong.raw), `"requestId":"p1"`)
}

func TestWebSocketFrameLimit(t *testing.T) {
	f := newWSFixture(t, func(_ *config.Config, c *Config) {
		c.FramesPerSecond = 0.01
		c.FrameBurst = 1
	}, false)
	conn := f.dial(t, "")

	send(t, conn, `{"type":"ping"}`)
	send(t, conn, `{"type":"ping"}`)

	readUntil(t, conn, string(domain.EventPong))
	got := readUntil(t, conn, string(domain.EventThrottled))

	var notice domain.ThrottleNotice
	require.NoError(t, json.Unmarshal(got.Data, &notice))
	assert.Equal(t, FrameBucket, notice.Bucket)
	assert.Greater(t, notice.RetryAfterMs, int64(0))
}

func TestWebSocketHandshakeRejections(t *testing.T) {
	t.Run("origin not allowed", func(t *testing.T) {
		f := newWSFixture(t, func(_ *config.Config, c *Config) {
			c.AllowedOrigins = []string{"https://app.example"}
		}, false)

		header := http.Header{}
		header.Set("Origin", "https://evil.example")
		_, resp, err := websocket.DefaultDialer.Dial(f.url("displayName=x"), header)
		require.Error(t, err)
		require.NotNil(t, resp)
		assert.Equal(t, http.StatusForbidden, resp.StatusCode)
	})

	t.Run("auth required", func(t *testing.T) {
		f := newWSFixture(t, nil, true)

		_, resp, err := websocket.DefaultDialer.Dial(f.url(""), nil)
		require.Error(t, err)
		require.NotNil(t, resp)
		assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	})

	t.Run("bad token", func(t *testing.T) {
		f := newWSFixture(t, nil, false)

		_, resp, err := websocket.DefaultDialer.Dial(f.url("token=garbage"), nil)
		require.Error(t, err)
		require.NotNil(t, resp)
		assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	})
}

func TestWebSocketClose(t *testing.T) {
	f := newWSFixture(t, nil, false)
	conn := f.dial(t, "")

	assert.Eventually(t, func() bool { return f.server.Connections() == 1 }, 3*time.Second, 10*time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	require.NoError(t, f.server.Close(ctx))
	assert.Equal(t, 0, f.server.Connections())

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(3*time.Second)))
	_, _, err := conn.ReadMessage()
	assert.Error(t, err)

	// Late handshakes are turned away.
	late, _, err := websocket.DefaultDialer.Dial(f.url("displayName=late"), nil)
	if err == nil {
		require.NoError(t, late.SetReadDeadline(time.Now().Add(3*time.Second)))
		_, _, err = late.ReadMessage()
		assert.True(t, websocket.IsCloseError(err, websocket.CloseGoingAway), "%v", err)
		late.Close()
	}
}

func TestClientSendNeverBlocks(t *testing.T) {
	cl := newClient(nil, 1)

	assert.True(t, cl.Send(domain.Outbound{Type: domain.EventPong}))
	assert.False(t, cl.Send(domain.Outbound{Type: domain.EventPong}), "full buffer")
	assert.True(t, cl.Notify(domain.Outbound{Type: domain.EventSlowConsumer}), "control lane ignores a full buffer")

	<-cl.send
	cl.shutdown()
	cl.shutdown()
	assert.False(t, cl.Send(domain.Outbound{Type: domain.EventPong}), "closed client")
	assert.False(t, cl.Notify(domain.Outbound{Type: domain.EventSlowConsumer}), "closed client")
}
