package services

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"streamhub/internal/core/domain"
	"streamhub/internal/core/ports"
	"streamhub/pkg/config"
	"streamhub/pkg/utils"

	"go.uber.org/zap"
)

// SignalSink is the delivery end of a signaling peer. DeliverSignal must not
// block; false means the peer's send buffer is full.
type SignalSink interface {
	DeliverSignal(env domain.SignalEnvelope) bool
}

type signalPeer struct {
	stream domain.StreamID
	sink   SignalSink

	// mu serializes routing from this sender so its messages keep their
	// arrival order.
	mu             sync.Mutex
	throttledUntil time.Time
}

// SignalingRouter forwards offers, answers and ICE candidates between peers
// of the same stream. Payloads are passed through untouched.
type SignalingRouter struct {
	mu           sync.RWMutex
	peers        map[domain.SessionID]*signalPeer
	broadcasters map[domain.StreamID]domain.SessionID

	backpressureDrops atomic.Uint64

	admission Admission
	clock     utils.Clock
	metrics   ports.HubMetrics
	logger    *zap.SugaredLogger
}

func NewSignalingRouter(admission Admission, clock utils.Clock, metrics ports.HubMetrics, logger *zap.SugaredLogger) *SignalingRouter {
	return &SignalingRouter{
		peers:        make(map[domain.SessionID]*signalPeer),
		broadcasters: make(map[domain.StreamID]domain.SessionID),
		admission:    admission,
		clock:        utils.OrSystem(clock),
		metrics:      orNop(metrics),
		logger:       logger,
	}
}

// Attach makes a session routable.
func (r *SignalingRouter) Attach(sess domain.Session, sink SignalSink) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.peers[sess.ID] = &signalPeer{stream: sess.StreamID, sink: sink}
	if sess.Role == domain.RoleBroadcaster {
		r.broadcasters[sess.StreamID] = sess.ID
	}
}

// Detach refuses all future forwards from and to the session.
func (r *SignalingRouter) Detach(sessionID domain.SessionID) {
	r.mu.Lock()
	defer r.mu.Unlock()

	p, ok := r.peers[sessionID]
	if !ok {
		return
	}
	delete(r.peers, sessionID)
	if r.broadcasters[p.stream] == sessionID {
		delete(r.broadcasters, p.stream)
	}
}

// DetachStream detaches every peer of a stream.
func (r *SignalingRouter) DetachStream(streamID domain.StreamID) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for id, p := range r.peers {
		if p.stream == streamID {
			delete(r.peers, id)
		}
	}
	delete(r.broadcasters, streamID)
}

// Route forwards env from env.From to env.To, or to the stream's broadcaster
// when env.To is empty. A full target buffer drops the message silently and
// is only counted.
func (r *SignalingRouter) Route(ctx context.Context, env domain.SignalEnvelope) error {
	if !env.Kind.Valid() {
		return fmt.Errorf("%w: unknown signaling kind %q", domain.ErrInvalidArgument, env.Kind)
	}

	r.mu.RLock()
	sender, ok := r.peers[env.From]
	r.mu.RUnlock()
	if !ok {
		return domain.ErrSessionNotFound
	}

	sender.mu.Lock()
	defer sender.mu.Unlock()

	if err := r.throttle(ctx, sender, env.From); err != nil {
		return err
	}

	r.mu.RLock()
	to := env.To
	if to == "" {
		to = r.broadcasters[sender.stream]
	}
	target, ok := r.peers[to]
	r.mu.RUnlock()

	if !ok || to == env.From || target.stream != sender.stream {
		r.metrics.SignalingUnknownPeer()
		r.logger.Debugw("signaling target unknown",
			"stream_id", sender.stream,
			"session_id", env.From,
			"target", to,
		)
		return domain.ErrUnknownPeer
	}

	env.StreamID = sender.stream
	env.To = to
	if !target.sink.DeliverSignal(env) {
		r.backpressureDrops.Add(1)
		r.metrics.SignalingBackpressureDrop()
		r.logger.Debugw("signaling dropped on full buffer",
			"stream_id", sender.stream,
			"session_id", env.From,
			"target", to,
			"kind", env.Kind,
		)
		return nil
	}

	r.metrics.SignalingForwarded(string(env.Kind))
	return nil
}

// throttle consumes a signaling slot. Within one window only the first
// rejection asks for a notice. Must be called with sender.mu held.
func (r *SignalingRouter) throttle(ctx context.Context, sender *signalPeer, from domain.SessionID) error {
	_, err := admit(ctx, r.admission, r.clock, config.BucketSignaling, string(from))
	if err == nil {
		return nil
	}

	var te *domain.ThrottledError
	if !errors.As(err, &te) {
		return err
	}

	now := r.clock.Now()
	te.Notify = !now.Before(sender.throttledUntil)
	if te.Notify {
		sender.throttledUntil = now.Add(te.RetryAfter)
	}
	return te
}

// BackpressureDrops is the number of signaling messages lost to full buffers.
func (r *SignalingRouter) BackpressureDrops() uint64 {
	return r.backpressureDrops.Load()
}

// Peers is the number of routable sessions.
func (r *SignalingRouter) Peers() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.peers)
}
