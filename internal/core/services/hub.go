package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"streamhub/internal/core/domain"
	"streamhub/internal/core/ports"
	"streamhub/pkg/config"
	"streamhub/pkg/logger"
	"streamhub/pkg/tracing"
	"streamhub/pkg/utils"
	"streamhub/pkg/validation"

	"go.uber.org/zap"
)

const (
	externalCallTimeout = 5 * time.Second
	defaultJoinHistory  = 50
)

// Lifecycle event types relayed between replicas.
const (
	LifecycleCreated = "stream-created"
	LifecycleStarted = "stream-started"
	LifecycleEnded   = "stream-ended"
)

type HubConfig struct {
	InstanceID  string
	JoinHistory int
	Registry    RegistryConfig
	Bus         BusConfig
	ABR         ABRConfig
	Recording   RecordingConfig
}

// NewHubConfig maps the process configuration onto the hub's components.
func NewHubConfig(cfg *config.Config, instanceID string) HubConfig {
	return HubConfig{
		InstanceID: instanceID,
		Registry: RegistryConfig{
			MaxViewers:     cfg.Registry.MaxViewersPerStream,
			EndedRetention: cfg.Registry.EndedRetention,
			SnapshotTTL:    cfg.Redis.SnapshotTTL,
		},
		Bus: BusConfig{
			HistorySize: cfg.Bus.HistorySize,
			MaxRunes:    cfg.Bus.MaxMessageRunes,
			Shortcodes:  cfg.Bus.EmojiShortcodes,
		},
		ABR: ABRConfig{
			AdjustmentInterval: cfg.ABR.AdjustmentInterval,
			WindowSize:         cfg.ABR.WindowSize,
			AgeDecay:           cfg.ABR.AgeDecay,
			UpgradeScore:       cfg.ABR.UpgradeScore,
			DowngradeScore:     cfg.ABR.DowngradeScore,
			CriticalScore:      cfg.ABR.CriticalScore,
			CriticalSamples:    cfg.ABR.CriticalSamples,
			EmergencyHold:      cfg.ABR.EmergencyHold,
			MaxDropRatio:       cfg.ABR.MaxDropRatio,
			TickInterval:       cfg.ABR.TickInterval,
		},
		Recording: RecordingConfig{
			ChunkInterval: cfg.Recording.ChunkInterval,
			MaxBytes:      cfg.Recording.MaxBytes,
			Retention:     cfg.RetentionPeriod(),
			SweepInterval: cfg.Recording.SweepInterval,
			Extension:     cfg.Recording.Extension,
		},
	}
}

// HubDeps are the collaborators the hub does not own. Payments and
// Lifecycle are optional.
type HubDeps struct {
	Snapshots ports.StreamSnapshotStore
	Chunks    ports.ChunkStore
	Source    ports.ChunkSource
	Admission Admission
	Quality   *QualityService
	Payments  ports.PaymentGateway
	Lifecycle ports.LifecyclePublisher
	Clock     utils.Clock
	Metrics   ports.HubMetrics
	Logger    *zap.SugaredLogger
}

// Hub wires the registry, room bus, signaling router, ABR controller and
// recording coordinator together and serves both the realtime and the HTTP
// surface.
type Hub struct {
	cfg       HubConfig
	registry  *Registry
	bus       *RoomBus
	router    *SignalingRouter
	abr       *AdaptiveBitrateService
	recorder  *RecordingService
	quality   *QualityService
	snapshots ports.StreamSnapshotStore
	admission Admission
	payments  ports.PaymentGateway
	lifecycle ports.LifecyclePublisher
	clock     utils.Clock
	metrics   ports.HubMetrics
	logger    *zap.SugaredLogger
	clog      *logger.ContextLogger

	startMu   sync.Mutex
	connMu    sync.RWMutex
	conns     map[string]*Connection
	bySession map[domain.SessionID]*Connection

	startedAt    time.Time
	remoteEvents atomic.Uint64
	background   sync.WaitGroup
}

func NewHub(cfg HubConfig, deps HubDeps) *Hub {
	if cfg.InstanceID == "" {
		cfg.InstanceID = utils.GenerateID("hub")
	}
	if cfg.JoinHistory <= 0 {
		cfg.JoinHistory = defaultJoinHistory
	}

	clock := utils.OrSystem(deps.Clock)
	metrics := orNop(deps.Metrics)

	h := &Hub{
		cfg:       cfg,
		quality:   deps.Quality,
		snapshots: deps.Snapshots,
		admission: deps.Admission,
		payments:  deps.Payments,
		lifecycle: deps.Lifecycle,
		clock:     clock,
		metrics:   metrics,
		logger:    deps.Logger,
		clog:      logger.NewContextLogger(deps.Logger),
		conns:     make(map[string]*Connection),
		bySession: make(map[domain.SessionID]*Connection),
		startedAt: clock.Now(),
	}

	h.registry = NewRegistry(cfg.Registry, deps.Snapshots, clock, deps.Logger)
	h.bus = NewRoomBus(cfg.Bus, h.registry.HasSession, clock, metrics, deps.Logger)
	h.registry.SetBlockChecker(h.bus.IsBlocked)
	h.router = NewSignalingRouter(deps.Admission, clock, metrics, deps.Logger)
	h.abr = NewAdaptiveBitrateService(cfg.ABR, deps.Quality, h, clock, metrics, deps.Logger)
	h.recorder = NewRecordingService(cfg.Recording, deps.Chunks, deps.Source, clock, metrics, deps.Logger)
	h.recorder.OnStatus(h.publishRecording)
	return h
}

func (h *Hub) InstanceID() string           { return h.cfg.InstanceID }
func (h *Hub) Registry() *Registry          { return h.registry }
func (h *Hub) Bus() *RoomBus                { return h.bus }
func (h *Hub) ABR() *AdaptiveBitrateService { return h.abr }
func (h *Hub) Recorder() *RecordingService  { return h.recorder }
func (h *Hub) Quality() *QualityService     { return h.quality }

// Connect registers a new transport connection.
func (h *Hub) Connect(identity ports.Identity, remote string, outbox Outbox) *Connection {
	c := &Connection{
		id:       utils.GenerateID("conn"),
		identity: identity,
		remote:   remote,
		outbox:   outbox,
		logger:   h.logger,
	}
	h.connMu.Lock()
	h.conns[c.id] = c
	h.connMu.Unlock()

	h.logger.Debugw("connection opened", "connection_id", c.id, "user_id", identity.UserID, "remote_addr", remote)
	return c
}

// Disconnect tears down whatever the connection was part of. A broadcaster
// disconnect ends the stream before Disconnect returns.
func (h *Hub) Disconnect(ctx context.Context, c *Connection) {
	h.leave(ctx, c)

	h.connMu.Lock()
	delete(h.conns, c.id)
	h.connMu.Unlock()

	h.logger.Debugw("connection closed", "connection_id", c.id)
}

// Handle dispatches one inbound realtime frame. Failures are reported to the
// client as error or throttled frames; nothing is returned to the transport.
func (h *Hub) Handle(ctx context.Context, c *Connection, in domain.Inbound) {
	sess, streamID := c.current()
	sessionID := ""
	if sess != nil {
		sessionID = string(sess.ID)
		h.registry.Touch(sess.ID)
	}

	ctx = logger.WithStream(ctx, string(streamID), sessionID)
	ctx, span := tracing.TraceHubEvent(ctx, in.Type, sessionID, string(streamID))
	defer span.End()

	if err := h.dispatch(ctx, c, in); err != nil {
		tracing.RecordError(ctx, err)
		h.replyError(ctx, c, in.RequestID, err)
	}
}

func (h *Hub) dispatch(ctx context.Context, c *Connection, in domain.Inbound) error {
	switch in.Type {
	case domain.ClientJoinStream:
		return h.handleJoin(ctx, c, in)
	case domain.ClientStartStream:
		return h.handleStart(ctx, c, in)
	case domain.ClientEndStream:
		return h.handleEnd(ctx, c, in)
	case domain.ClientLeaveStream:
		if _, ok := c.Session(); !ok {
			return domain.ErrNotInStream
		}
		h.leave(ctx, c)
		c.send(domain.Outbound{Type: domain.EventStreamLeft, RequestID: in.RequestID})
		return nil
	case string(domain.SignalOffer), string(domain.SignalAnswer), string(domain.SignalICECandidate):
		return h.handleSignal(ctx, c, domain.SignalKind(in.Type), in)
	case domain.ClientSendMessage:
		return h.handleChat(ctx, c, in)
	case domain.ClientSendTip:
		return h.handleTip(ctx, c, in)
	case domain.ClientTyping:
		return h.handleTyping(ctx, c, in)
	case domain.ClientModerateUser:
		return h.handleModerate(ctx, c, in)
	case domain.ClientStartRecording:
		return h.handleStartRecording(ctx, c, in)
	case domain.ClientStopRecording:
		return h.handleStopRecording(ctx, c, in)
	case domain.ClientNetworkMetrics:
		return h.handleMetrics(ctx, c, in)
	case domain.ClientOptimizeStats:
		return h.handleOptimizeStats(c, in)
	case domain.ClientPing:
		c.send(domain.Outbound{Type: domain.EventPong, RequestID: in.RequestID})
		return nil
	default:
		return fmt.Errorf("%w: unknown event %q", domain.ErrInvalidArgument, in.Type)
	}
}

func (h *Hub) replyError(ctx context.Context, c *Connection, requestID string, err error) {
	var throttled *domain.ThrottledError
	if errors.As(err, &throttled) {
		if throttled.Notify {
			c.send(domain.Outbound{
				Type:      domain.EventThrottled,
				RequestID: requestID,
				Data: domain.ThrottleNotice{
					Bucket:       throttled.Bucket,
					RetryAfterMs: throttled.RetryAfter.Milliseconds(),
				},
			})
		}
		return
	}

	notice := ErrorNotice(err)
	if notice.Code == "INTERNAL" {
		h.clog.WithContext(ctx).Errorw("realtime request failed", "connection_id", c.id, "error", err)
	}
	c.send(domain.Outbound{Type: domain.EventError, RequestID: requestID, Data: notice})
}

func decode(in domain.Inbound, v interface{}) error {
	if len(in.Data) == 0 {
		return fmt.Errorf("%w: %s requires data", domain.ErrInvalidArgument, in.Type)
	}
	if err := json.Unmarshal(in.Data, v); err != nil {
		return fmt.Errorf("%w: malformed %s data: %v", domain.ErrInvalidArgument, in.Type, err)
	}
	return nil
}

// activeSession returns the connection's current session. A connection whose
// stream has ended gets Gone, not NotInStream.
func (h *Hub) activeSession(c *Connection) (domain.Session, error) {
	sess, streamID := c.current()
	if sess != nil {
		fresh, err := h.registry.Session(sess.ID)
		if err == nil {
			return fresh, nil
		}
	}
	if streamID != "" {
		st, err := h.registry.GetStream(streamID)
		if errors.Is(err, domain.ErrStreamNotFound) || (err == nil && st.State == domain.StreamEnded) {
			return domain.Session{}, domain.ErrStreamGone
		}
	}
	return domain.Session{}, domain.ErrNotInStream
}

func (h *Hub) participant(c *Connection, displayName, device, conn string) domain.Participant {
	name, _ := utils.TruncateRunes(utils.SanitizeString(displayName), maxDisplayName)
	if validation.ValidateDisplayName(name) != nil {
		name = c.identity.Username
	}
	return domain.Participant{
		UserID:      c.identity.UserID,
		DisplayName: name,
		DeviceClass: domain.ParseDeviceClass(device),
		Connection:  domain.ParseConnectionClass(conn),
	}
}

func (h *Hub) track(c *Connection, sess domain.Session) {
	c.bind(sess)
	h.connMu.Lock()
	h.bySession[sess.ID] = c
	h.connMu.Unlock()
}

func (h *Hub) untrack(id domain.SessionID) {
	h.connMu.Lock()
	c, ok := h.bySession[id]
	delete(h.bySession, id)
	h.connMu.Unlock()
	if ok {
		c.unbind(id)
	}
}

func (h *Hub) handleJoin(ctx context.Context, c *Connection, in domain.Inbound) error {
	var req joinRequest
	if err := decode(in, &req); err != nil {
		return err
	}
	if req.StreamID == "" {
		return fmt.Errorf("%w: streamId is required", domain.ErrInvalidArgument)
	}
	if _, ok := c.Session(); ok {
		return fmt.Errorf("%w: connection already joined a stream", domain.ErrInvalidState)
	}

	sess, err := h.registry.JoinStream(ctx, req.StreamID, h.participant(c, req.DisplayName, req.DeviceType, req.ConnectionType))
	if err != nil {
		return err
	}
	stream, _ := h.registry.GetStream(req.StreamID)
	quality, _ := h.abr.Snapshot(req.StreamID)

	h.track(c, sess)
	h.router.Attach(sess, c)
	err = h.bus.SubscribeWithHistory(req.StreamID, sess, c, h.cfg.JoinHistory, func(history []domain.Message) {
		c.send(domain.Outbound{
			Type:      domain.EventStreamJoined,
			RequestID: in.RequestID,
			Data:      JoinedNotice{Session: sess, Stream: stream, History: history, Quality: quality},
		})
	})
	if err != nil {
		h.router.Detach(sess.ID)
		h.untrack(sess.ID)
		_, _ = h.registry.LeaveStream(ctx, sess.ID)
		return err
	}

	_, _ = h.bus.Publish(ctx, req.StreamID, domain.RoomEvent{
		Type:    domain.EventViewerJoined,
		Payload: presence(sess, stream.ViewerCount),
	})
	h.updateGauges()

	h.logger.Infow("viewer joined",
		"stream_id", req.StreamID,
		"session_id", sess.ID,
		"user_id", sess.UserID,
		"role", sess.Role,
	)
	return nil
}

// handleStart makes the caller the broadcaster. The room and the ABR
// controller exist before the stream turns Live, so a viewer that sees it
// Live can always join and report metrics. Starts are serialized so a failed
// attempt can roll back without touching another attempt's room.
func (h *Hub) handleStart(ctx context.Context, c *Connection, in domain.Inbound) error {
	var req startRequest
	if err := decode(in, &req); err != nil {
		return err
	}
	if _, ok := c.Session(); ok {
		return fmt.Errorf("%w: connection already joined a stream", domain.ErrInvalidState)
	}

	h.startMu.Lock()
	defer h.startMu.Unlock()

	current, err := h.registry.GetStream(req.StreamID)
	if err != nil {
		return err
	}
	p := h.participant(c, "", req.DeviceType, req.ConnectionType)
	device := current.DeviceClass
	if req.DeviceType != "" {
		device = p.DeviceClass
	}

	prepared := current.State == domain.StreamCreated
	var quality domain.ABRSnapshot
	if prepared {
		h.bus.OpenRoom(current.ID)
		quality = h.abr.Start(ctx, current.ID, device)
	}

	stream, sess, err := h.registry.StartStream(ctx, req.StreamID, req.StreamKey, p)
	if err != nil {
		if prepared {
			h.abr.Stop(current.ID)
			h.bus.Forget(current.ID)
		}
		return err
	}

	h.track(c, sess)
	h.router.Attach(sess, c)
	if err := h.bus.Subscribe(stream.ID, sess, c); err != nil {
		return err
	}

	h.registry.SetQuality(stream.ID, quality.Tier)
	stream.Quality = quality.Tier

	c.send(domain.Outbound{
		Type:      domain.EventStreamStarted,
		RequestID: in.RequestID,
		Data:      StartedNotice{Session: sess, Stream: stream, Quality: quality},
	})
	h.updateGauges()
	h.publishLifecycle(ctx, LifecycleStarted, stream)

	h.logger.Infow("stream started",
		"stream_id", stream.ID,
		"session_id", sess.ID,
		"device", device,
		"tier", quality.Tier,
	)
	return nil
}

func (h *Hub) handleEnd(ctx context.Context, c *Connection, in domain.Inbound) error {
	var req endRequest
	if err := decode(in, &req); err != nil {
		return err
	}

	sess, _ := c.current()
	member := sess != nil && sess.StreamID == req.StreamID

	res, err := h.registry.EndStream(ctx, req.StreamID, req.StreamKey)
	if err != nil {
		return err
	}
	if res.Ended {
		h.finishStream(ctx, res.Stream, res.Released)
	}

	// members already got stream-ended from the room
	if !res.Ended || !member {
		c.send(domain.Outbound{
			Type:      domain.EventStreamEnded,
			RequestID: in.RequestID,
			Data:      lifecyclePayload(res.Stream),
		})
	}
	return nil
}

// EndStream ends a stream by key outside any realtime connection.
func (h *Hub) EndStream(ctx context.Context, id domain.StreamID, key domain.StreamKey) (domain.Stream, error) {
	res, err := h.registry.EndStream(ctx, id, key)
	if err != nil {
		return domain.Stream{}, err
	}
	if res.Ended {
		h.finishStream(ctx, res.Stream, res.Released)
	}
	return res.Stream, nil
}

// leave destroys the connection's session, ending the stream when it was
// the broadcaster's.
func (h *Hub) leave(ctx context.Context, c *Connection) {
	sess, _ := c.current()
	if sess == nil {
		return
	}

	h.router.Detach(sess.ID)
	h.bus.Unsubscribe(sess.StreamID, sess.ID)
	h.untrack(sess.ID)

	res, err := h.registry.LeaveStream(ctx, sess.ID)
	if err != nil {
		return
	}
	if res.Ended {
		h.finishStream(ctx, res.Stream, res.Released)
		return
	}

	_, _ = h.bus.Publish(ctx, sess.StreamID, domain.RoomEvent{
		Type:    domain.EventViewerLeft,
		Payload: presence(res.Session, res.Stream.ViewerCount),
	})
	h.updateGauges()
}

// finishStream runs every side effect of a stream ending: viewers get
// stream-ended, signaling and the ABR loop stop, recording finalizes.
func (h *Hub) finishStream(ctx context.Context, stream domain.Stream, released []domain.Session) {
	h.bus.CloseRoom(stream.ID, domain.RoomEvent{
		Type:    domain.EventStreamEnded,
		Payload: lifecyclePayload(stream),
	})
	h.router.DetachStream(stream.ID)
	for _, s := range released {
		h.untrack(s.ID)
	}
	h.abr.Stop(stream.ID)
	h.recorder.StopForStream(ctx, stream.ID)

	h.updateGauges()
	h.publishLifecycle(ctx, LifecycleEnded, stream)

	h.logger.Infow("stream ended",
		"stream_id", stream.ID,
		"reason", stream.EndReason,
		"released", len(released),
	)
}

func (h *Hub) handleSignal(ctx context.Context, c *Connection, kind domain.SignalKind, in domain.Inbound) error {
	var req signalRequest
	if err := decode(in, &req); err != nil {
		return err
	}
	sess, err := h.activeSession(c)
	if err != nil {
		return err
	}

	return h.router.Route(ctx, domain.SignalEnvelope{
		Kind:     kind,
		StreamID: sess.StreamID,
		From:     sess.ID,
		To:       req.TargetSessionID,
		Payload:  req.Payload,
	})
}

func (h *Hub) handleChat(ctx context.Context, c *Connection, in domain.Inbound) error {
	var req chatRequest
	if err := decode(in, &req); err != nil {
		return err
	}
	sess, err := h.activeSession(c)
	if err != nil {
		return err
	}

	// slow mode and mute are decided before the chat bucket is charged
	if err := h.bus.CheckPost(sess.StreamID, sess, domain.MessageChat); err != nil {
		return err
	}
	if _, err := admit(ctx, h.admission, h.clock, config.BucketChat, string(sess.UserID), string(sess.StreamID)); err != nil {
		return err
	}

	msg, err := h.bus.PostMessage(ctx, sess.StreamID, sess, domain.MessageChat, req.Text, nil)
	if err != nil {
		return err
	}
	c.send(domain.Outbound{
		Type:      domain.EventMessageAccepted,
		RequestID: in.RequestID,
		Data:      MessageAck{MessageID: msg.ID, Seq: msg.Seq},
	})
	return nil
}

func (h *Hub) handleTip(ctx context.Context, c *Connection, in domain.Inbound) error {
	var req tipRequest
	if err := decode(in, &req); err != nil {
		return err
	}
	if err := validation.ValidateTip(req.Amount, req.Currency); err != nil {
		return fmt.Errorf("%w: %v", domain.ErrInvalidArgument, err)
	}
	sess, err := h.activeSession(c)
	if err != nil {
		return err
	}

	if err := h.bus.CheckPost(sess.StreamID, sess, domain.MessageTip); err != nil {
		return err
	}
	if _, err := admit(ctx, h.admission, h.clock, config.BucketTips, string(sess.UserID), string(sess.StreamID)); err != nil {
		return err
	}

	tip := &domain.Tip{Amount: req.Amount, Currency: req.Currency}
	if h.payments != nil {
		stream, err := h.registry.GetStream(sess.StreamID)
		if err != nil {
			return err
		}
		callCtx, cancel := context.WithTimeout(ctx, externalCallTimeout)
		ref, err := h.payments.AuthorizeTip(callCtx, ports.TipAuthorization{
			StreamID: sess.StreamID,
			FromUser: sess.UserID,
			ToUser:   stream.CreatorID,
			Amount:   req.Amount,
			Currency: req.Currency,
		})
		cancel()
		if err != nil {
			h.clog.WithContext(ctx).Warnw("tip authorization failed", "error", err)
			return fmt.Errorf("%w: tip authorization: %v", domain.ErrUpstream, err)
		}
		tip.Reference = ref
	}

	msg, err := h.bus.PostMessage(ctx, sess.StreamID, sess, domain.MessageTip, req.Message, tip)
	if err != nil {
		return err
	}
	if err := h.registry.RecordTip(sess.StreamID, req.Amount); err != nil {
		h.logger.Warnw("tip published but not aggregated", "stream_id", sess.StreamID, "error", err)
	}

	c.send(domain.Outbound{
		Type:      domain.EventMessageAccepted,
		RequestID: in.RequestID,
		Data:      MessageAck{MessageID: msg.ID, Seq: msg.Seq},
	})
	return nil
}

func (h *Hub) handleTyping(ctx context.Context, c *Connection, in domain.Inbound) error {
	var req typingRequest
	if err := decode(in, &req); err != nil {
		return err
	}
	sess, err := h.activeSession(c)
	if err != nil {
		return err
	}
	if h.bus.IsBlocked(sess.StreamID, sess.UserID) {
		return nil
	}

	_, err = h.bus.Publish(ctx, sess.StreamID, domain.RoomEvent{
		Type: domain.EventTyping,
		Payload: domain.TypingNotice{
			SessionID:   sess.ID,
			DisplayName: sess.DisplayName,
			IsTyping:    req.IsTyping,
		},
	})
	return err
}

func (h *Hub) handleModerate(ctx context.Context, c *Connection, in domain.Inbound) error {
	var req moderateRequest
	if err := decode(in, &req); err != nil {
		return err
	}
	sess, err := h.activeSession(c)
	if err != nil {
		return err
	}

	cmd := domain.ModerationCommand{
		Action:   req.Action,
		Target:   req.TargetUserID,
		Interval: time.Duration(req.IntervalMs) * time.Millisecond,
	}
	if _, err := h.bus.Moderate(ctx, sess.StreamID, sess, cmd); err != nil {
		return err
	}

	switch cmd.Action {
	case domain.ActionMute:
		h.registry.SetMuted(sess.StreamID, cmd.Target, true)
	case domain.ActionUnmute:
		h.registry.SetMuted(sess.StreamID, cmd.Target, false)
	case domain.ActionBan:
		h.expel(ctx, sess.StreamID, cmd.Target)
	}
	return nil
}

// expel removes a banned user's sessions. Their transports stay open.
func (h *Hub) expel(ctx context.Context, streamID domain.StreamID, user domain.UserID) {
	removed := h.registry.RemoveUser(streamID, user)
	stream, _ := h.registry.GetStream(streamID)
	for _, s := range removed {
		h.router.Detach(s.ID)
		h.bus.Unsubscribe(streamID, s.ID)
		h.untrack(s.ID)
		_, _ = h.bus.Publish(ctx, streamID, domain.RoomEvent{
			Type:    domain.EventViewerLeft,
			Payload: presence(s, stream.ViewerCount),
		})
	}
	h.updateGauges()
}

func (h *Hub) broadcasterSession(c *Connection) (domain.Session, error) {
	sess, err := h.activeSession(c)
	if err != nil {
		return domain.Session{}, err
	}
	if sess.Role != domain.RoleBroadcaster {
		return domain.Session{}, domain.ErrForbidden
	}
	return sess, nil
}

func (h *Hub) handleStartRecording(ctx context.Context, c *Connection, in domain.Inbound) error {
	sess, err := h.broadcasterSession(c)
	if err != nil {
		return err
	}
	_, err = h.recorder.StartRecording(ctx, sess.StreamID, sess.DeviceClass)
	return err
}

func (h *Hub) handleStopRecording(ctx context.Context, c *Connection, in domain.Inbound) error {
	sess, err := h.broadcasterSession(c)
	if err != nil {
		return err
	}
	rec, err := h.recorder.StopRecording(ctx, sess.StreamID)
	if err != nil {
		return err
	}
	c.send(domain.Outbound{Type: domain.EventRecordingStatus, RequestID: in.RequestID, Data: recordingNotice(rec)})
	return nil
}

func (h *Hub) handleMetrics(ctx context.Context, c *Connection, in domain.Inbound) error {
	var report MetricsReport
	if err := decode(in, &report); err != nil {
		return err
	}
	sess, err := h.activeSession(c)
	if err != nil {
		return err
	}
	sample, err := report.Sample(sess.ID, h.clock.Now())
	if err != nil {
		return err
	}
	_, err = h.abr.Ingest(ctx, sess.StreamID, sample)
	return err
}

func (h *Hub) handleOptimizeStats(c *Connection, in domain.Inbound) error {
	sess, err := h.activeSession(c)
	if err != nil {
		return err
	}
	snap, err := h.abr.Snapshot(sess.StreamID)
	if err != nil {
		return err
	}
	c.send(domain.Outbound{Type: domain.EventOptimizeStats, RequestID: in.RequestID, Data: snap})
	return nil
}

// PublishQuality puts an ABR decision on the stream's room bus.
func (h *Hub) PublishQuality(ctx context.Context, update domain.QualityUpdate) {
	h.registry.SetQuality(update.StreamID, update.Tier)
	if _, err := h.bus.Publish(ctx, update.StreamID, domain.RoomEvent{
		Type:    domain.EventQualityUpdate,
		Payload: update,
		At:      update.At,
	}); err != nil && !errors.Is(err, domain.ErrStreamGone) {
		h.logger.Warnw("failed to publish quality update", "stream_id", update.StreamID, "error", err)
	}
}

func (h *Hub) publishRecording(ctx context.Context, rec domain.Recording) {
	_, err := h.bus.Publish(ctx, rec.StreamID, domain.RoomEvent{
		Type:    domain.EventRecordingStatus,
		Payload: recordingNotice(rec),
	})
	if err != nil && !errors.Is(err, domain.ErrStreamGone) && !errors.Is(err, domain.ErrStreamNotFound) {
		h.logger.Warnw("failed to publish recording status", "recording_id", rec.ID, "error", err)
	}
}

// CreateStream registers a stream for identity. The returned copy carries
// the stream key.
func (h *Hub) CreateStream(ctx context.Context, identity ports.Identity, meta domain.StreamMeta) (domain.Stream, error) {
	if _, err := admit(ctx, h.admission, h.clock, config.BucketStreamCreate, string(identity.UserID)); err != nil {
		return domain.Stream{}, err
	}

	meta.CreatorID = identity.UserID
	stream, err := h.registry.CreateStream(ctx, meta)
	if err != nil {
		return domain.Stream{}, err
	}
	h.publishLifecycle(ctx, LifecycleCreated, stream)
	return stream, nil
}

// StreamStats gathers everything known about one stream.
func (h *Hub) StreamStats(id domain.StreamID) (StreamStats, error) {
	stream, err := h.registry.GetStream(id)
	if err != nil {
		return StreamStats{}, err
	}

	stats := StreamStats{Stream: stream, Roster: []domain.Session{}}
	if roster, err := h.registry.Sessions(id); err == nil {
		stats.Roster = roster
	}
	if room, err := h.bus.Stats(id); err == nil {
		stats.Room = &room
	}
	if mod, err := h.bus.ModerationState(id); err == nil {
		stats.Moderation = &mod
	}
	if snap, err := h.abr.Snapshot(id); err == nil {
		stats.Quality = &snap
	}
	if rec, ok := h.recorder.ActiveFor(id); ok {
		stats.Recording = &rec
	}
	stats.UptimeSec = stream.Uptime(h.clock.Now()).Seconds()
	return stats, nil
}

// LookupStream reads the registry and falls back to the snapshot store for
// streams this replica has evicted or never owned.
func (h *Hub) LookupStream(ctx context.Context, id domain.StreamID) (domain.Stream, error) {
	stream, err := h.registry.GetStream(id)
	if err == nil || !errors.Is(err, domain.ErrStreamNotFound) || h.snapshots == nil {
		return stream, err
	}
	snap, err := h.snapshots.Get(ctx, id)
	if err != nil {
		return domain.Stream{}, err
	}
	return *snap, nil
}

// authorizeOwner allows the creator and the stream's moderators.
func (h *Hub) authorizeOwner(ctx context.Context, identity ports.Identity, id domain.StreamID) (domain.Stream, error) {
	stream, err := h.LookupStream(ctx, id)
	if err != nil {
		return domain.Stream{}, err
	}
	if identity.Guest || (stream.CreatorID != identity.UserID && !stream.IsModerator(identity.UserID)) {
		return domain.Stream{}, domain.ErrForbidden
	}
	return stream, nil
}

func (h *Hub) StartRecording(ctx context.Context, identity ports.Identity, id domain.StreamID) (domain.Recording, error) {
	stream, err := h.authorizeOwner(ctx, identity, id)
	if err != nil {
		return domain.Recording{}, err
	}
	switch stream.State {
	case domain.StreamEnded:
		return domain.Recording{}, domain.ErrStreamGone
	case domain.StreamCreated:
		return domain.Recording{}, domain.ErrNotLive
	}
	// A live snapshot may belong to another replica.
	if _, err := h.registry.GetStream(id); err != nil {
		return domain.Recording{}, err
	}
	return h.recorder.StartRecording(ctx, id, stream.DeviceClass)
}

func (h *Hub) StopRecording(ctx context.Context, identity ports.Identity, id domain.StreamID) (domain.Recording, error) {
	if _, err := h.authorizeOwner(ctx, identity, id); err != nil {
		return domain.Recording{}, err
	}
	return h.recorder.StopRecording(ctx, id)
}

// DeleteRecording removes a finished recording of a stream identity owns.
func (h *Hub) DeleteRecording(ctx context.Context, identity ports.Identity, id domain.RecordingID) error {
	rec, err := h.recorder.GetRecording(id)
	if err != nil {
		return err
	}
	if _, err := h.authorizeOwner(ctx, identity, rec.StreamID); err != nil {
		return err
	}
	return h.recorder.DeleteRecording(ctx, id)
}

// IngestTelemetry feeds a report into a live stream's ABR controller and
// returns the resulting state with a recommendation for the reporter.
func (h *Hub) IngestTelemetry(ctx context.Context, id domain.StreamID, report MetricsReport) (domain.ABRSnapshot, error) {
	stream, err := h.registry.GetStream(id)
	if err != nil {
		return domain.ABRSnapshot{}, err
	}
	if stream.State != domain.StreamLive {
		if stream.State == domain.StreamEnded {
			return domain.ABRSnapshot{}, domain.ErrStreamGone
		}
		return domain.ABRSnapshot{}, domain.ErrNotLive
	}

	sample, err := report.Sample("", h.clock.Now())
	if err != nil {
		return domain.ABRSnapshot{}, err
	}
	return h.abr.Ingest(ctx, id, sample)
}

// ForgetStream drops bus state for a stream the registry evicted.
func (h *Hub) ForgetStream(id domain.StreamID) {
	h.bus.Forget(id)
}

// HandleRemoteLifecycle accounts for an event relayed from another replica.
func (h *Hub) HandleRemoteLifecycle(ev ports.LifecycleEvent) {
	if ev.InstanceID == h.cfg.InstanceID {
		return
	}
	h.remoteEvents.Add(1)
	h.metrics.ClusterEvent(ev.Type)
	h.logger.Debugw("remote lifecycle event",
		"type", ev.Type,
		"stream_id", ev.StreamID,
		"instance_id", ev.InstanceID,
	)
}

func (h *Hub) publishLifecycle(ctx context.Context, kind string, stream domain.Stream) {
	if h.lifecycle == nil {
		return
	}
	ev := lifecycleEvent(kind, h.cfg.InstanceID, stream, h.clock.Now())

	h.background.Add(1)
	go func() {
		defer h.background.Done()
		callCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), externalCallTimeout)
		defer cancel()
		if err := h.lifecycle.PublishLifecycle(callCtx, ev); err != nil {
			h.logger.Warnw("failed to relay lifecycle event", "type", kind, "stream_id", stream.ID, "error", err)
		}
	}()
}

func (h *Hub) updateGauges() {
	_, live, sessions := h.registry.Counts()
	h.metrics.ActiveStreams(live)
	h.metrics.ConnectedSessions(sessions)
}

func (h *Hub) Stats() HubStats {
	streams, live, sessions := h.registry.Counts()
	h.connMu.RLock()
	conns := len(h.conns)
	h.connMu.RUnlock()

	return HubStats{
		InstanceID:        h.cfg.InstanceID,
		Streams:           streams,
		LiveStreams:       live,
		Sessions:          sessions,
		Connections:       conns,
		Rooms:             h.bus.Rooms(),
		ABRControllers:    h.abr.Running(),
		SignalPeers:       h.router.Peers(),
		BackpressureDrops: h.router.BackpressureDrops(),
		RemoteEvents:      h.remoteEvents.Load(),
		UptimeSec:         h.clock.Now().Sub(h.startedAt).Seconds(),
	}
}

// Shutdown force-ends every live stream, then waits for recordings to
// finalize and lifecycle relays to drain.
func (h *Hub) Shutdown(ctx context.Context) error {
	for _, stream := range h.registry.ListLiveStreams() {
		res, err := h.registry.ForceEnd(ctx, stream.ID, "shutdown")
		if err == nil && res.Ended {
			h.finishStream(ctx, res.Stream, res.Released)
		}
	}

	err := h.recorder.Shutdown(ctx)

	done := make(chan struct{})
	go func() {
		h.background.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		if err == nil {
			err = ctx.Err()
		}
	}
	return err
}

func presence(s domain.Session, viewers int) domain.Presence {
	return domain.Presence{
		SessionID:   s.ID,
		UserID:      s.UserID,
		DisplayName: s.DisplayName,
		Role:        s.Role,
		ViewerCount: viewers,
	}
}

func lifecyclePayload(s domain.Stream) domain.StreamLifecycle {
	at := s.CreatedAt
	switch {
	case s.EndedAt != nil:
		at = *s.EndedAt
	case s.StartedAt != nil:
		at = *s.StartedAt
	}
	return domain.StreamLifecycle{
		StreamID: s.ID,
		State:    s.State,
		Reason:   s.EndReason,
		Quality:  s.Quality,
		At:       at,
	}
}

func recordingNotice(rec domain.Recording) RecordingNotice {
	return RecordingNotice{
		RecordingID: rec.ID,
		Status:      rec.Status,
		Chunks:      len(rec.Chunks),
		TotalSize:   rec.TotalSize,
		StopReason:  rec.StopReason,
	}
}
