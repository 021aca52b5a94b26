package services

import (
	"context"
	"fmt"
	"sync"
	"time"

	"streamhub/internal/core/domain"
	"streamhub/internal/core/ports"
	"streamhub/pkg/utils"

	"go.uber.org/zap"
)

// EventSink is the delivery end of a subscription. Deliver must not block; it
// reports false when the subscriber's buffer is full.
type EventSink interface {
	Deliver(ev domain.RoomEvent) bool
	// Evicted is called once when the bus drops the subscription because the
	// buffer overflowed.
	Evicted(streamID domain.StreamID)
}

// Liveness reports whether a session still exists in the registry.
type Liveness func(domain.SessionID) bool

type BusConfig struct {
	HistorySize int
	MaxRunes    int
	Shortcodes  bool
}

type subscription struct {
	session domain.SessionID
	user    domain.UserID
	sink    EventSink
}

type room struct {
	mu       sync.Mutex
	seq      uint64
	history  []domain.Message
	subs     map[domain.SessionID]*subscription
	muted    map[domain.UserID]struct{}
	banned   map[domain.UserID]struct{}
	slow     domain.SlowMode
	lastPost map[domain.UserID]time.Time
	counts   map[domain.MessageKind]int
	closed   bool
}

// BusStats is a point-in-time view of one room.
type BusStats struct {
	Subscribers int                        `json:"subscribers"`
	LastSeq     uint64                     `json:"lastSeq"`
	History     int                        `json:"history"`
	Messages    map[domain.MessageKind]int `json:"messages"`
	SlowMode    domain.SlowMode            `json:"slowMode"`
}

// RoomBus delivers room events to subscribers in publish order. Every
// delivery happens under the room's lock, so all subscribers of a room see
// the same sequence.
type RoomBus struct {
	mu    sync.RWMutex
	rooms map[domain.StreamID]*room

	cfg       BusConfig
	optimizer *MessageOptimizer
	alive     Liveness
	clock     utils.Clock
	metrics   ports.HubMetrics
	logger    *zap.SugaredLogger
}

func NewRoomBus(cfg BusConfig, alive Liveness, clock utils.Clock, metrics ports.HubMetrics, logger *zap.SugaredLogger) *RoomBus {
	if cfg.HistorySize <= 0 {
		cfg.HistorySize = 100
	}
	return &RoomBus{
		rooms:     make(map[domain.StreamID]*room),
		cfg:       cfg,
		optimizer: NewMessageOptimizer(cfg.MaxRunes, cfg.Shortcodes),
		alive:     alive,
		clock:     utils.OrSystem(clock),
		metrics:   orNop(metrics),
		logger:    logger,
	}
}

// OpenRoom creates the room for a stream. Opening an existing room is a no-op.
func (b *RoomBus) OpenRoom(streamID domain.StreamID) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, ok := b.rooms[streamID]; ok {
		return
	}
	b.rooms[streamID] = &room{
		subs:     make(map[domain.SessionID]*subscription),
		muted:    make(map[domain.UserID]struct{}),
		banned:   make(map[domain.UserID]struct{}),
		lastPost: make(map[domain.UserID]time.Time),
		counts:   make(map[domain.MessageKind]int),
	}
}

// CloseRoom delivers final to every subscriber and closes the room. History
// stays readable until Forget.
func (b *RoomBus) CloseRoom(streamID domain.StreamID, final domain.RoomEvent) {
	r, err := b.room(streamID)
	if err != nil {
		return
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return
	}
	if final.Type != "" {
		b.deliverLocked(streamID, r, final)
	}
	r.closed = true
	r.subs = make(map[domain.SessionID]*subscription)
}

// Forget drops a room entirely.
func (b *RoomBus) Forget(streamID domain.StreamID) {
	b.mu.Lock()
	delete(b.rooms, streamID)
	b.mu.Unlock()
}

func (b *RoomBus) room(streamID domain.StreamID) (*room, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	r, ok := b.rooms[streamID]
	if !ok {
		return nil, domain.ErrStreamNotFound
	}
	return r, nil
}

// Subscribe registers sink for a session. Delivery continues until the
// session leaves, the room closes, or the sink overflows.
func (b *RoomBus) Subscribe(streamID domain.StreamID, sess domain.Session, sink EventSink) error {
	r, err := b.room(streamID)
	if err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return domain.ErrStreamGone
	}
	r.subs[sess.ID] = &subscription{session: sess.ID, user: sess.UserID, sink: sink}
	return nil
}

// SubscribeWithHistory registers sink after handing seed the latest limit
// messages, atomically with respect to publishes: the subscriber sees every
// message exactly once, either in the seed or live.
func (b *RoomBus) SubscribeWithHistory(streamID domain.StreamID, sess domain.Session, sink EventSink, limit int, seed func([]domain.Message)) error {
	r, err := b.room(streamID)
	if err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return domain.ErrStreamGone
	}

	start := 0
	if limit >= 0 && len(r.history) > limit {
		start = len(r.history) - limit
	}
	seed(append([]domain.Message(nil), r.history[start:]...))
	r.subs[sess.ID] = &subscription{session: sess.ID, user: sess.UserID, sink: sink}
	return nil
}

func (b *RoomBus) Unsubscribe(streamID domain.StreamID, sessionID domain.SessionID) {
	r, err := b.room(streamID)
	if err != nil {
		return
	}
	r.mu.Lock()
	delete(r.subs, sessionID)
	r.mu.Unlock()
}

// Publish sequences ev and delivers it. Events carrying a message are
// history-bearing and get the next room sequence number; the number is
// returned (zero for ephemeral events).
func (b *RoomBus) Publish(ctx context.Context, streamID domain.StreamID, ev domain.RoomEvent) (uint64, error) {
	r, err := b.room(streamID)
	if err != nil {
		return 0, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return 0, domain.ErrStreamGone
	}
	return b.publishLocked(streamID, r, ev), nil
}

func (b *RoomBus) publishLocked(streamID domain.StreamID, r *room, ev domain.RoomEvent) uint64 {
	ev.StreamID = streamID
	if ev.At.IsZero() {
		ev.At = b.clock.Now()
	}

	if ev.Message != nil {
		r.seq++
		msg := *ev.Message
		msg.Seq = r.seq
		msg.StreamID = streamID
		ev.Message = &msg
		ev.Seq = r.seq

		r.history = append(r.history, msg)
		if over := len(r.history) - b.cfg.HistorySize; over > 0 {
			r.history = append(r.history[:0:0], r.history[over:]...)
		}
		r.counts[msg.Kind]++
		b.metrics.MessagePublished(msg.Kind)
	}

	b.deliverLocked(streamID, r, ev)
	return ev.Seq
}

// deliverLocked fans ev out to the current subscribers. Removal of a
// subscriber during the round only affects later rounds.
func (b *RoomBus) deliverLocked(streamID domain.StreamID, r *room, ev domain.RoomEvent) {
	for id, sub := range r.subs {
		if b.alive != nil && !b.alive(id) {
			delete(r.subs, id)
			continue
		}
		if !sub.sink.Deliver(ev) {
			delete(r.subs, id)
			sub.sink.Evicted(streamID)
			b.metrics.SlowConsumerEvicted()
			b.logger.Warnw("slow consumer evicted",
				"stream_id", streamID,
				"session_id", id,
			)
		}
	}
}

// CheckPost reports whether author may post a message of kind right now,
// without recording anything. Mute is checked before slow mode.
func (b *RoomBus) CheckPost(streamID domain.StreamID, author domain.Session, kind domain.MessageKind) error {
	r, err := b.room(streamID)
	if err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return b.checkPostLocked(r, author, kind, b.clock.Now())
}

func (b *RoomBus) checkPostLocked(r *room, author domain.Session, kind domain.MessageKind, now time.Time) error {
	if r.closed {
		return domain.ErrStreamGone
	}
	if _, muted := r.muted[author.UserID]; muted {
		return domain.ErrMuted
	}
	if _, banned := r.banned[author.UserID]; banned {
		return domain.ErrBlocked
	}
	if kind != domain.MessageChat || !r.slow.Enabled || author.Role.CanModerate() {
		return nil
	}
	if last, ok := r.lastPost[author.UserID]; ok {
		if elapsed := now.Sub(last); elapsed < r.slow.Interval {
			return &domain.SlowModeError{Remaining: r.slow.Interval - elapsed}
		}
	}
	return nil
}

// PostMessage optimizes and publishes a chat or tip message from author.
func (b *RoomBus) PostMessage(ctx context.Context, streamID domain.StreamID, author domain.Session, kind domain.MessageKind, text string, tip *domain.Tip) (domain.Message, error) {
	r, err := b.room(streamID)
	if err != nil {
		return domain.Message{}, err
	}

	body, meta := b.optimizer.Optimize(text)
	if kind == domain.MessageChat && body == "" {
		return domain.Message{}, fmt.Errorf("%w: message text is empty", domain.ErrInvalidArgument)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	now := b.clock.Now()
	if err := b.checkPostLocked(r, author, kind, now); err != nil {
		return domain.Message{}, err
	}

	msg := domain.Message{
		ID:         domain.MessageID(utils.GenerateID("msg")),
		Kind:       kind,
		AuthorID:   author.ID,
		AuthorUser: author.UserID,
		AuthorName: author.DisplayName,
		Body:       body,
		Tip:        tip,
		Meta:       &meta,
		Timestamp:  now,
	}
	evType := domain.EventNewMessage
	if kind == domain.MessageTip {
		evType = domain.EventNewTip
	}

	if kind == domain.MessageChat {
		r.lastPost[author.UserID] = now
	}
	seq := b.publishLocked(streamID, r, domain.RoomEvent{Type: evType, Message: &msg, At: now})
	msg.Seq = seq
	msg.StreamID = streamID
	return msg, nil
}

// PostSystem publishes a history-bearing system notice.
func (b *RoomBus) PostSystem(ctx context.Context, streamID domain.StreamID, evType domain.EventType, text string, payload interface{}) (uint64, error) {
	now := b.clock.Now()
	msg := &domain.Message{
		ID:        domain.MessageID(utils.GenerateID("msg")),
		Kind:      domain.MessageSystem,
		Body:      text,
		Timestamp: now,
	}
	return b.Publish(ctx, streamID, domain.RoomEvent{Type: evType, Message: msg, Payload: payload, At: now})
}

// Moderate applies cmd at the publish instant and announces it to the room.
// The returned sessions belonged to a banned user and were unsubscribed.
func (b *RoomBus) Moderate(ctx context.Context, streamID domain.StreamID, by domain.Session, cmd domain.ModerationCommand) ([]domain.SessionID, error) {
	if !by.Role.CanModerate() {
		return nil, domain.ErrForbidden
	}

	r, err := b.room(streamID)
	if err != nil {
		return nil, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil, domain.ErrStreamGone
	}

	var body string
	switch cmd.Action {
	case domain.ActionMute, domain.ActionUnmute, domain.ActionBan:
		if cmd.Target == "" {
			return nil, fmt.Errorf("%w: target user is required", domain.ErrInvalidArgument)
		}
		if cmd.Target == by.UserID {
			return nil, fmt.Errorf("%w: cannot moderate yourself", domain.ErrInvalidArgument)
		}
	}

	switch cmd.Action {
	case domain.ActionMute:
		r.muted[cmd.Target] = struct{}{}
		body = fmt.Sprintf("%s was muted", cmd.Target)
	case domain.ActionUnmute:
		delete(r.muted, cmd.Target)
		body = fmt.Sprintf("%s was unmuted", cmd.Target)
	case domain.ActionBan:
		r.banned[cmd.Target] = struct{}{}
		body = fmt.Sprintf("%s was banned", cmd.Target)
	case domain.ActionSlowMode:
		if cmd.Interval <= 0 {
			return nil, fmt.Errorf("%w: slow mode interval must be positive", domain.ErrInvalidArgument)
		}
		r.slow = domain.SlowMode{Enabled: true, Interval: cmd.Interval}
		body = fmt.Sprintf("slow mode enabled (%s)", cmd.Interval)
	case domain.ActionSlowModeOff:
		r.slow = domain.SlowMode{}
		body = "slow mode disabled"
	default:
		return nil, fmt.Errorf("%w: unknown moderation action %q", domain.ErrInvalidArgument, cmd.Action)
	}

	now := b.clock.Now()
	msg := &domain.Message{
		ID:         domain.MessageID(utils.GenerateID("msg")),
		Kind:       domain.MessageModeration,
		AuthorID:   by.ID,
		AuthorUser: by.UserID,
		AuthorName: by.DisplayName,
		Body:       body,
		Timestamp:  now,
	}
	payload := domain.Moderated{
		Action:     cmd.Action,
		Target:     cmd.Target,
		By:         by.UserID,
		IntervalMs: cmd.Interval.Milliseconds(),
	}
	b.publishLocked(streamID, r, domain.RoomEvent{Type: domain.EventUserModerated, Message: msg, Payload: payload, At: now})

	var dropped []domain.SessionID
	if cmd.Action == domain.ActionBan {
		for id, sub := range r.subs {
			if sub.user == cmd.Target {
				delete(r.subs, id)
				dropped = append(dropped, id)
			}
		}
	}

	b.logger.Infow("moderation applied",
		"stream_id", streamID,
		"action", cmd.Action,
		"target", cmd.Target,
		"by", by.UserID,
	)
	return dropped, nil
}

// RecentHistory returns up to limit of the latest messages, oldest first.
func (b *RoomBus) RecentHistory(streamID domain.StreamID, limit int) ([]domain.Message, error) {
	r, err := b.room(streamID)
	if err != nil {
		return nil, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	start := 0
	if limit >= 0 && len(r.history) > limit {
		start = len(r.history) - limit
	}
	return append([]domain.Message(nil), r.history[start:]...), nil
}

// IsBlocked reports whether user is muted or banned in the room.
func (b *RoomBus) IsBlocked(streamID domain.StreamID, user domain.UserID) bool {
	r, err := b.room(streamID)
	if err != nil {
		return false
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	_, muted := r.muted[user]
	_, banned := r.banned[user]
	return muted || banned
}

func (b *RoomBus) ModerationState(streamID domain.StreamID) (domain.ModerationState, error) {
	r, err := b.room(streamID)
	if err != nil {
		return domain.ModerationState{}, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	st := domain.ModerationState{SlowMode: r.slow}
	for u := range r.muted {
		st.Muted = append(st.Muted, u)
	}
	for u := range r.banned {
		st.Banned = append(st.Banned, u)
	}
	return st, nil
}

func (b *RoomBus) Stats(streamID domain.StreamID) (BusStats, error) {
	r, err := b.room(streamID)
	if err != nil {
		return BusStats{}, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	counts := make(map[domain.MessageKind]int, len(r.counts))
	for k, v := range r.counts {
		counts[k] = v
	}
	return BusStats{
		Subscribers: len(r.subs),
		LastSeq:     r.seq,
		History:     len(r.history),
		Messages:    counts,
		SlowMode:    r.slow,
	}, nil
}

// Rooms returns the number of rooms the bus still tracks.
func (b *RoomBus) Rooms() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.rooms)
}
