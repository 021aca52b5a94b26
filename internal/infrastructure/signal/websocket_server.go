package signal

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"streamhub/internal/core/domain"
	"streamhub/internal/core/ports"
	"streamhub/internal/core/services"
	"streamhub/internal/infrastructure/middleware"
	"streamhub/pkg/config"
	"streamhub/pkg/optimize"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// FrameBucket labels frames dropped by the per-connection frame limiter.
const FrameBucket = "frames"

// controlBuffer bounds the per-client control lane.
const controlBuffer = 8

// Config controls the realtime transport.
type Config struct {
	PingInterval    time.Duration
	PongTimeout     time.Duration
	WriteTimeout    time.Duration
	MaxMessageSize  int64
	FramesPerSecond float64
	FrameBurst      int
	SendBuffer      int
	AllowedOrigins  []string
}

// ConfigFrom extracts the transport settings from the process config.
func ConfigFrom(cfg *config.Config) Config {
	return Config{
		PingInterval:    cfg.Signal.PingInterval,
		PongTimeout:     cfg.Signal.PongTimeout,
		WriteTimeout:    cfg.Signal.WriteTimeout,
		MaxMessageSize:  cfg.Signal.MaxMessageSizeBytes,
		FramesPerSecond: cfg.Signal.FramesPerSecond,
		FrameBurst:      cfg.Signal.FrameBurst,
		SendBuffer:      cfg.Bus.SubscriberBuffer,
		AllowedOrigins:  cfg.Server.AllowedOrigins,
	}
}

// WebSocketServer carries realtime clients to the hub. Every connection has
// one reader feeding hub.Handle and one writer draining its outbox.
type WebSocketServer struct {
	hub      *services.Hub
	cfg      Config
	upgrader websocket.Upgrader
	buffers  *optimize.BufferPool
	metrics  ports.HubMetrics
	logger   *zap.SugaredLogger

	mu      sync.Mutex
	clients map[*client]struct{}
	closed  bool
	wg      sync.WaitGroup
}

func NewWebSocketServer(hub *services.Hub, cfg Config, metrics ports.HubMetrics, logger *zap.SugaredLogger) *WebSocketServer {
	if cfg.PingInterval <= 0 {
		cfg.PingInterval = 30 * time.Second
	}
	if cfg.PongTimeout <= cfg.PingInterval {
		cfg.PongTimeout = 2 * cfg.PingInterval
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 10 * time.Second
	}
	if cfg.SendBuffer <= 0 {
		cfg.SendBuffer = 256
	}
	if metrics == nil {
		metrics = services.NopMetrics()
	}

	s := &WebSocketServer{
		hub:     hub,
		cfg:     cfg,
		buffers: optimize.NewBufferPool(1024, 64*1024),
		metrics: metrics,
		logger:  logger,
		clients: make(map[*client]struct{}),
	}
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin: func(r *http.Request) bool {
			return middleware.OriginAllowed(cfg.AllowedOrigins, r.Header.Get("Origin"))
		},
	}
	return s
}

// Connections reports how many clients are attached.
func (s *WebSocketServer) Connections() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.clients)
}

// HandleWebSocket upgrades an authenticated request. It must run after
// middleware.AuthMiddleware.
func (s *WebSocketServer) HandleWebSocket(c *gin.Context) {
	identity, ok := middleware.IdentityFrom(c)
	if !ok {
		_ = c.Error(domain.ErrUnauthorized)
		c.Abort()
		return
	}

	conn, err := s.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		// The upgrader already answered the request.
		s.logger.Debugw("websocket upgrade failed", "remote_addr", c.Request.RemoteAddr, "error", err)
		return
	}

	cl := newClient(conn, s.cfg.SendBuffer)
	if !s.register(cl) {
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, "shutting down"),
			time.Now().Add(s.cfg.WriteTimeout))
		conn.Close()
		return
	}
	defer s.wg.Done()

	// The request context ends with the handler; keep its values only.
	ctx := context.WithoutCancel(c.Request.Context())
	hc := s.hub.Connect(*identity, middleware.ClientIP(c.Request), cl)

	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		s.writeLoop(cl, hc.ID())
	}()

	s.readLoop(ctx, cl, hc)

	cl.shutdown()
	s.hub.Disconnect(ctx, hc)
	<-writerDone
	conn.Close()
	s.unregister(cl)
}

func (s *WebSocketServer) register(cl *client) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	s.clients[cl] = struct{}{}
	s.wg.Add(1)
	return true
}

func (s *WebSocketServer) unregister(cl *client) {
	s.mu.Lock()
	delete(s.clients, cl)
	s.mu.Unlock()
}

func (s *WebSocketServer) readLoop(ctx context.Context, cl *client, hc *services.Connection) {
	conn := cl.conn
	if s.cfg.MaxMessageSize > 0 {
		conn.SetReadLimit(s.cfg.MaxMessageSize)
	}
	_ = conn.SetReadDeadline(time.Now().Add(s.cfg.PongTimeout))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(s.cfg.PongTimeout))
	})

	frames := rate.NewLimiter(rate.Inf, 0)
	if s.cfg.FramesPerSecond > 0 {
		frames = rate.NewLimiter(rate.Limit(s.cfg.FramesPerSecond), s.cfg.FrameBurst)
	}

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseNoStatusReceived) {
				s.logger.Infow("error reading from client", "connection_id", hc.ID(), "error", err)
			}
			return
		}
		_ = conn.SetReadDeadline(time.Now().Add(s.cfg.PongTimeout))

		if !frames.Allow() {
			s.metrics.Throttled(FrameBucket)
			cl.Send(domain.Outbound{
				Type: domain.EventThrottled,
				Data: domain.ThrottleNotice{
					Bucket:       FrameBucket,
					RetryAfterMs: retryAfter(frames).Milliseconds(),
				},
			})
			continue
		}

		var in domain.Inbound
		if err := json.Unmarshal(data, &in); err != nil || in.Type == "" {
			cl.Send(domain.Outbound{
				Type: domain.EventError,
				Data: domain.ErrorNotice{Code: "INVALID_ARGUMENT", Message: "malformed frame"},
			})
			continue
		}

		s.hub.Handle(ctx, hc, in)
	}
}

// retryAfter is the wait until the limiter admits one more frame.
func retryAfter(l *rate.Limiter) time.Duration {
	r := l.Reserve()
	defer r.Cancel()
	if !r.OK() {
		return time.Second
	}
	return r.Delay()
}

func (s *WebSocketServer) writeLoop(cl *client, connectionID string) {
	conn := cl.conn
	ticker := time.NewTicker(s.cfg.PingInterval)
	defer ticker.Stop()

	fail := func(msg string, err error) {
		s.logger.Debugw(msg, "connection_id", connectionID, "error", err)
		cl.shutdown()
		conn.Close()
	}

	for {
		// Control frames jump the queue.
		select {
		case out := <-cl.control:
			if err := s.write(conn, out); err != nil {
				fail("error writing to client", err)
				return
			}
			continue
		default:
		}

		select {
		case out := <-cl.control:
			if err := s.write(conn, out); err != nil {
				fail("error writing to client", err)
				return
			}

		case out := <-cl.send:
			if err := s.write(conn, out); err != nil {
				fail("error writing to client", err)
				return
			}

		case <-ticker.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(s.cfg.WriteTimeout)); err != nil {
				fail("error sending ping", err)
				return
			}

		case <-cl.done:
			s.drain(cl)
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(s.cfg.WriteTimeout))
			return
		}
	}
}

// drain flushes frames queued before the client was shut down, control
// frames first.
func (s *WebSocketServer) drain(cl *client) {
	for _, ch := range []chan domain.Outbound{cl.control, cl.send} {
		for drained := false; !drained; {
			select {
			case out := <-ch:
				if err := s.write(cl.conn, out); err != nil {
					return
				}
			default:
				drained = true
			}
		}
	}
}

// write sends one frame. Raw frames go out byte for byte.
func (s *WebSocketServer) write(conn *websocket.Conn, out domain.Outbound) error {
	_ = conn.SetWriteDeadline(time.Now().Add(s.cfg.WriteTimeout))
	if out.Raw != nil {
		return conn.WriteMessage(websocket.TextMessage, out.Raw)
	}

	buf := s.buffers.Get()
	defer s.buffers.Put(buf)

	enc := json.NewEncoder(buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(out); err != nil {
		s.logger.Warnw("failed to encode frame", "type", out.Type, "error", err)
		return nil
	}
	// Encode terminates the value with a newline.
	return conn.WriteMessage(websocket.TextMessage, buf.Bytes()[:buf.Len()-1])
}

// Close disconnects every client and waits for their handlers to finish.
func (s *WebSocketServer) Close(ctx context.Context) error {
	s.mu.Lock()
	s.closed = true
	for cl := range s.clients {
		cl.shutdown()
		// Unblocks the reader.
		cl.conn.Close()
	}
	s.mu.Unlock()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// client is the hub's Outbox for one websocket.
type client struct {
	conn    *websocket.Conn
	send    chan domain.Outbound
	control chan domain.Outbound

	done chan struct{}
	once sync.Once
}

func newClient(conn *websocket.Conn, buffer int) *client {
	return &client{
		conn:    conn,
		send:    make(chan domain.Outbound, buffer),
		control: make(chan domain.Outbound, controlBuffer),
		done:    make(chan struct{}),
	}
}

// Send queues a frame without blocking. It reports false when the buffer is
// full or the client is gone.
func (c *client) Send(out domain.Outbound) bool {
	return c.enqueue(c.send, out)
}

// Notify queues a control frame. It only fails when the control lane itself
// is full or the client is gone.
func (c *client) Notify(out domain.Outbound) bool {
	return c.enqueue(c.control, out)
}

func (c *client) enqueue(ch chan domain.Outbound, out domain.Outbound) bool {
	select {
	case <-c.done:
		return false
	default:
	}
	select {
	case ch <- out:
		return true
	default:
		return false
	}
}

func (c *client) shutdown() {
	c.once.Do(func() { close(c.done) })
}
