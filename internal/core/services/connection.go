package services

import (
	"sync"

	"streamhub/internal/core/domain"
	"streamhub/internal/core/ports"

	"go.uber.org/zap"
)

// Outbox is the write side of one realtime connection. Send must not block;
// it reports false when the connection's buffer is full or closed.
//
// Notify queues a control frame on a lane of its own, so a buffer filled by
// Send cannot hold it back. Control frames are written before queued ones.
type Outbox interface {
	Send(out domain.Outbound) bool
	Notify(out domain.Outbound) bool
}

// Connection is the hub's view of one transport connection. It is the room
// bus sink and the signaling sink for the session bound to it.
type Connection struct {
	id       string
	identity ports.Identity
	remote   string
	outbox   Outbox
	logger   *zap.SugaredLogger

	mu       sync.Mutex
	session  *domain.Session
	streamID domain.StreamID
}

func (c *Connection) ID() string               { return c.id }
func (c *Connection) Identity() ports.Identity { return c.identity }
func (c *Connection) RemoteAddr() string       { return c.remote }

// Session returns the bound session, if any.
func (c *Connection) Session() (domain.Session, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.session == nil {
		return domain.Session{}, false
	}
	return *c.session, true
}

// current returns the bound session and the last stream this connection was
// in, which survives the session.
func (c *Connection) current() (*domain.Session, domain.StreamID) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.session == nil {
		return nil, c.streamID
	}
	s := *c.session
	return &s, c.streamID
}

func (c *Connection) bind(sess domain.Session) {
	c.mu.Lock()
	c.session = &sess
	c.streamID = sess.StreamID
	c.mu.Unlock()
}

// unbind clears the session if it is still id.
func (c *Connection) unbind(id domain.SessionID) {
	c.mu.Lock()
	if c.session != nil && c.session.ID == id {
		c.session = nil
	}
	c.mu.Unlock()
}

func (c *Connection) send(out domain.Outbound) bool {
	return c.outbox.Send(out)
}

func (c *Connection) Deliver(ev domain.RoomEvent) bool {
	return c.outbox.Send(domain.Outbound{Type: ev.Type, Data: ev.Data()})
}

// Evicted tells the client it fell behind. The transport stays open. The
// notice goes on the control lane because the data lane is full by now.
func (c *Connection) Evicted(streamID domain.StreamID) {
	ok := c.outbox.Notify(domain.Outbound{
		Type: domain.EventSlowConsumer,
		Data: domain.ErrorNotice{Code: "SLOW_CONSUMER", Message: "dropped from room " + string(streamID)},
	})
	if !ok {
		c.logger.Debugw("slow consumer notice not queued", "connection_id", c.id, "stream_id", streamID)
	}
}

func (c *Connection) DeliverSignal(env domain.SignalEnvelope) bool {
	frame, err := domain.EncodeSignalFrame(env.Kind, env.StreamID, env.From, env.Payload)
	if err != nil {
		c.logger.Warnw("failed to encode signal frame", "connection_id", c.id, "error", err)
		return true
	}
	return c.outbox.Send(domain.Outbound{Type: domain.EventType(env.Kind), Raw: frame})
}
