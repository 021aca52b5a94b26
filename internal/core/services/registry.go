package services

import (
	"context"
	"crypto/subtle"
	"fmt"
	"sort"
	"sync"
	"time"

	"streamhub/internal/core/domain"
	"streamhub/internal/core/ports"
	"streamhub/pkg/utils"
	"streamhub/pkg/validation"

	"go.uber.org/zap"
)

const snapshotTimeout = 5 * time.Second

// End reasons recorded on the stream.
const (
	EndReasonBroadcaster  = "ended-by-broadcaster"
	EndReasonDisconnected = "broadcaster-disconnected"
	EndReasonForced       = "forced"
)

type RegistryConfig struct {
	MaxViewers     int
	EndedRetention time.Duration
	SnapshotTTL    time.Duration
}

// BlockChecker reports whether a user may not join a stream.
type BlockChecker func(streamID domain.StreamID, user domain.UserID) bool

type streamEntry struct {
	mu          sync.RWMutex
	stream      domain.Stream
	sessions    map[domain.SessionID]*domain.Session
	broadcaster domain.SessionID
}

// LeaveResult describes what a LeaveStream removed.
type LeaveResult struct {
	Session domain.Session
	Stream  domain.Stream
	// Ended is true when the leaving session was the broadcaster.
	Ended    bool
	Released []domain.Session
}

// EndResult describes an EndStream call. Ended is false for the no-op on an
// already ended stream.
type EndResult struct {
	Stream   domain.Stream
	Ended    bool
	Released []domain.Session
}

// Registry is the authoritative map of streams and their sessions.
// Lock order: mu, then an entry's mu, then idxMu.
type Registry struct {
	mu      sync.RWMutex
	streams map[domain.StreamID]*streamEntry

	idxMu    sync.RWMutex
	sessions map[domain.SessionID]domain.StreamID

	cfg       RegistryConfig
	blocked   BlockChecker
	snapshots ports.StreamSnapshotStore
	clock     utils.Clock
	logger    *zap.SugaredLogger
}

func NewRegistry(cfg RegistryConfig, snapshots ports.StreamSnapshotStore, clock utils.Clock, logger *zap.SugaredLogger) *Registry {
	return &Registry{
		streams:   make(map[domain.StreamID]*streamEntry),
		sessions:  make(map[domain.SessionID]domain.StreamID),
		cfg:       cfg,
		snapshots: snapshots,
		clock:     utils.OrSystem(clock),
		logger:    logger,
	}
}

// SetBlockChecker installs the moderation lookup used by JoinStream.
func (r *Registry) SetBlockChecker(fn BlockChecker) {
	r.mu.Lock()
	r.blocked = fn
	r.mu.Unlock()
}

func (r *Registry) entry(id domain.StreamID) (*streamEntry, BlockChecker, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	e, ok := r.streams[id]
	if !ok {
		return nil, nil, domain.ErrStreamNotFound
	}
	return e, r.blocked, nil
}

// streamKeyBytes is the stream key length before hex encoding.
const streamKeyBytes = 32

// CreateStream registers a new stream in the Created state. The returned copy
// is the only place the key is handed out.
func (r *Registry) CreateStream(ctx context.Context, meta domain.StreamMeta) (domain.Stream, error) {
	if err := validation.ValidateStreamTitle(meta.Title); err != nil {
		return domain.Stream{}, fmt.Errorf("%w: %v", domain.ErrInvalidArgument, err)
	}
	if meta.CreatorID == "" {
		return domain.Stream{}, fmt.Errorf("%w: creator id is required", domain.ErrInvalidArgument)
	}

	device := meta.DeviceClass
	if device == "" {
		device = domain.DeviceDesktop
	}
	conn := meta.Connection
	if conn == "" {
		conn = domain.ConnectionUnknown
	}

	key, err := utils.NewSecret(streamKeyBytes)
	if err != nil {
		return domain.Stream{}, fmt.Errorf("generate stream key: %w", err)
	}

	stream := domain.Stream{
		ID:          domain.StreamID(utils.NewOpaqueID()),
		Key:         domain.StreamKey(key),
		Title:       utils.SanitizeString(meta.Title),
		Description: utils.SanitizeString(meta.Description),
		Category:    meta.Category,
		CreatorID:   meta.CreatorID,
		Moderators:  append([]domain.UserID(nil), meta.Moderators...),
		State:       domain.StreamCreated,
		CreatedAt:   r.clock.Now(),
		DeviceClass: device,
		Connection:  conn,
	}

	r.mu.Lock()
	r.streams[stream.ID] = &streamEntry{
		stream:   stream,
		sessions: make(map[domain.SessionID]*domain.Session),
	}
	r.mu.Unlock()

	r.logger.Infow("stream created", "stream_id", stream.ID, "creator_id", stream.CreatorID)
	r.saveSnapshot(ctx, stream)
	return stream, nil
}

// StartStream moves a Created stream to Live and binds the broadcaster session.
func (r *Registry) StartStream(ctx context.Context, id domain.StreamID, key domain.StreamKey, p domain.Participant) (domain.Stream, domain.Session, error) {
	e, _, err := r.entry(id)
	if err != nil {
		return domain.Stream{}, domain.Session{}, err
	}

	now := r.clock.Now()

	e.mu.Lock()
	switch {
	case e.stream.State == domain.StreamEnded:
		e.mu.Unlock()
		return domain.Stream{}, domain.Session{}, domain.ErrStreamGone
	case !keyMatches(e.stream.Key, key):
		e.mu.Unlock()
		return domain.Stream{}, domain.Session{}, domain.ErrInvalidKey
	case e.stream.State != domain.StreamCreated:
		e.mu.Unlock()
		return domain.Stream{}, domain.Session{}, domain.ErrInvalidState
	}

	if p.DeviceClass != "" {
		e.stream.DeviceClass = p.DeviceClass
	}
	if p.Connection != "" {
		e.stream.Connection = p.Connection
	}
	e.stream.State = domain.StreamLive
	e.stream.StartedAt = &now
	e.stream.Quality = domain.InitialTier(e.stream.DeviceClass)

	sess := r.newSession(e, p, domain.RoleBroadcaster, now)
	e.broadcaster = sess.ID
	stream := e.stream
	session := *sess
	e.mu.Unlock()

	r.logger.Infow("stream started",
		"stream_id", id,
		"session_id", session.ID,
		"device_class", stream.DeviceClass,
		"quality", stream.Quality,
	)
	r.saveSnapshot(ctx, stream)
	return stream, session, nil
}

// JoinStream admits a viewer (or a listed moderator) into a Live stream.
func (r *Registry) JoinStream(ctx context.Context, id domain.StreamID, p domain.Participant) (domain.Session, error) {
	e, blocked, err := r.entry(id)
	if err != nil {
		return domain.Session{}, err
	}
	if p.UserID == "" {
		return domain.Session{}, fmt.Errorf("%w: user id is required", domain.ErrInvalidArgument)
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	switch {
	case e.stream.State == domain.StreamEnded:
		return domain.Session{}, domain.ErrStreamGone
	case e.stream.State != domain.StreamLive:
		return domain.Session{}, domain.ErrNotLive
	case blocked != nil && blocked(id, p.UserID):
		return domain.Session{}, domain.ErrBlocked
	case e.stream.ViewerCount >= r.cfg.MaxViewers:
		return domain.Session{}, domain.ErrCapacityExceeded
	}

	role := domain.RoleViewer
	if e.stream.IsModerator(p.UserID) {
		role = domain.RoleModerator
	}

	sess := r.newSession(e, p, role, r.clock.Now())
	e.stream.ViewerCount++
	if e.stream.ViewerCount > e.stream.PeakViewers {
		e.stream.PeakViewers = e.stream.ViewerCount
	}

	r.logger.Debugw("viewer joined",
		"stream_id", id,
		"session_id", sess.ID,
		"role", role,
		"viewers", e.stream.ViewerCount,
	)
	return *sess, nil
}

// newSession must be called with e.mu held.
func (r *Registry) newSession(e *streamEntry, p domain.Participant, role domain.Role, now time.Time) *domain.Session {
	sess := &domain.Session{
		ID:           domain.SessionID(utils.GenerateID("sess")),
		StreamID:     e.stream.ID,
		UserID:       p.UserID,
		DisplayName:  p.DisplayName,
		Role:         role,
		JoinedAt:     now,
		LastActivity: now,
		DeviceClass:  p.DeviceClass,
		Connection:   p.Connection,
	}
	e.sessions[sess.ID] = sess

	r.idxMu.Lock()
	r.sessions[sess.ID] = e.stream.ID
	r.idxMu.Unlock()
	return sess
}

// LeaveStream destroys a session. When the broadcaster leaves, the stream ends.
func (r *Registry) LeaveStream(ctx context.Context, sessionID domain.SessionID) (LeaveResult, error) {
	r.idxMu.RLock()
	streamID, ok := r.sessions[sessionID]
	r.idxMu.RUnlock()
	if !ok {
		return LeaveResult{}, domain.ErrSessionNotFound
	}

	e, _, err := r.entry(streamID)
	if err != nil {
		return LeaveResult{}, err
	}

	e.mu.Lock()
	sess, ok := e.sessions[sessionID]
	if !ok {
		e.mu.Unlock()
		return LeaveResult{}, domain.ErrSessionNotFound
	}

	res := LeaveResult{Session: *sess}
	if sessionID == e.broadcaster {
		res.Ended = true
		res.Released = r.endLocked(e, EndReasonDisconnected)
	} else {
		r.removeLocked(e, sessionID)
	}
	res.Stream = e.stream
	e.mu.Unlock()

	if res.Ended {
		r.logger.Infow("broadcaster left, stream ended", "stream_id", streamID, "session_id", sessionID)
		r.saveSnapshot(ctx, res.Stream)
	}
	return res, nil
}

// removeLocked must be called with e.mu held.
func (r *Registry) removeLocked(e *streamEntry, sessionID domain.SessionID) {
	sess, ok := e.sessions[sessionID]
	if !ok {
		return
	}
	delete(e.sessions, sessionID)
	if sess.Role != domain.RoleBroadcaster && e.stream.ViewerCount > 0 {
		e.stream.ViewerCount--
	}

	r.idxMu.Lock()
	delete(r.sessions, sessionID)
	r.idxMu.Unlock()
}

// endLocked transitions to Ended and releases every session. Must be called
// with e.mu held on a stream that is not already Ended.
func (r *Registry) endLocked(e *streamEntry, reason string) []domain.Session {
	now := r.clock.Now()
	e.stream.State = domain.StreamEnded
	e.stream.EndedAt = &now
	e.stream.EndReason = reason

	released := make([]domain.Session, 0, len(e.sessions))
	for id, sess := range e.sessions {
		released = append(released, *sess)
		delete(e.sessions, id)
	}
	e.stream.ViewerCount = 0
	e.broadcaster = ""

	r.idxMu.Lock()
	for _, s := range released {
		delete(r.sessions, s.ID)
	}
	r.idxMu.Unlock()

	return released
}

// EndStream ends a Live or Created stream. Ending an Ended stream is a no-op.
func (r *Registry) EndStream(ctx context.Context, id domain.StreamID, key domain.StreamKey) (EndResult, error) {
	e, _, err := r.entry(id)
	if err != nil {
		return EndResult{}, err
	}

	e.mu.Lock()
	if !keyMatches(e.stream.Key, key) {
		e.mu.Unlock()
		return EndResult{}, domain.ErrInvalidKey
	}
	res := r.endEntryLocked(e, EndReasonBroadcaster)
	e.mu.Unlock()

	if res.Ended {
		r.logger.Infow("stream ended", "stream_id", id, "released", len(res.Released))
		r.saveSnapshot(ctx, res.Stream)
	}
	return res, nil
}

// ForceEnd ends a stream without the key. Used for operator termination.
func (r *Registry) ForceEnd(ctx context.Context, id domain.StreamID, reason string) (EndResult, error) {
	e, _, err := r.entry(id)
	if err != nil {
		return EndResult{}, err
	}

	e.mu.Lock()
	res := r.endEntryLocked(e, reason)
	e.mu.Unlock()

	if res.Ended {
		r.logger.Warnw("stream force-ended", "stream_id", id, "reason", reason)
		r.saveSnapshot(ctx, res.Stream)
	}
	return res, nil
}

func (r *Registry) endEntryLocked(e *streamEntry, reason string) EndResult {
	if e.stream.State == domain.StreamEnded {
		return EndResult{Stream: e.stream}
	}
	released := r.endLocked(e, reason)
	return EndResult{Stream: e.stream, Ended: true, Released: released}
}

// GetStream returns a copy of the stream record.
func (r *Registry) GetStream(id domain.StreamID) (domain.Stream, error) {
	e, _, err := r.entry(id)
	if err != nil {
		return domain.Stream{}, err
	}
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.stream, nil
}

// ListLiveStreams returns Live streams, most recently started first.
func (r *Registry) ListLiveStreams() []domain.Stream {
	r.mu.RLock()
	entries := make([]*streamEntry, 0, len(r.streams))
	for _, e := range r.streams {
		entries = append(entries, e)
	}
	r.mu.RUnlock()

	live := make([]domain.Stream, 0, len(entries))
	for _, e := range entries {
		e.mu.RLock()
		if e.stream.State == domain.StreamLive {
			live = append(live, e.stream)
		}
		e.mu.RUnlock()
	}

	sort.Slice(live, func(i, j int) bool {
		return live[i].StartedAt.After(*live[j].StartedAt)
	})
	return live
}

// Session returns a copy of a live session.
func (r *Registry) Session(id domain.SessionID) (domain.Session, error) {
	r.idxMu.RLock()
	streamID, ok := r.sessions[id]
	r.idxMu.RUnlock()
	if !ok {
		return domain.Session{}, domain.ErrSessionNotFound
	}

	e, _, err := r.entry(streamID)
	if err != nil {
		return domain.Session{}, err
	}
	e.mu.RLock()
	defer e.mu.RUnlock()

	sess, ok := e.sessions[id]
	if !ok {
		return domain.Session{}, domain.ErrSessionNotFound
	}
	return *sess, nil
}

// HasSession is the liveness probe used by the bus for its weak references.
func (r *Registry) HasSession(id domain.SessionID) bool {
	r.idxMu.RLock()
	defer r.idxMu.RUnlock()
	_, ok := r.sessions[id]
	return ok
}

// Sessions lists the current roster of a stream.
func (r *Registry) Sessions(id domain.StreamID) ([]domain.Session, error) {
	e, _, err := r.entry(id)
	if err != nil {
		return nil, err
	}
	e.mu.RLock()
	defer e.mu.RUnlock()

	out := make([]domain.Session, 0, len(e.sessions))
	for _, s := range e.sessions {
		out = append(out, *s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].JoinedAt.Before(out[j].JoinedAt) })
	return out, nil
}

// Broadcaster returns the broadcaster session id of a Live stream.
func (r *Registry) Broadcaster(id domain.StreamID) (domain.SessionID, bool) {
	e, _, err := r.entry(id)
	if err != nil {
		return "", false
	}
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.broadcaster, e.broadcaster != ""
}

// Touch records activity on a session.
func (r *Registry) Touch(id domain.SessionID) {
	r.idxMu.RLock()
	streamID, ok := r.sessions[id]
	r.idxMu.RUnlock()
	if !ok {
		return
	}
	e, _, err := r.entry(streamID)
	if err != nil {
		return
	}
	e.mu.Lock()
	if s, ok := e.sessions[id]; ok {
		s.LastActivity = r.clock.Now()
	}
	e.mu.Unlock()
}

// SetMuted mirrors the bus's mute set onto the user's sessions.
func (r *Registry) SetMuted(id domain.StreamID, user domain.UserID, muted bool) {
	e, _, err := r.entry(id)
	if err != nil {
		return
	}
	e.mu.Lock()
	for _, s := range e.sessions {
		if s.UserID == user {
			s.Muted = muted
		}
	}
	e.mu.Unlock()
}

// RemoveUser drops every non-broadcaster session of user from the stream.
func (r *Registry) RemoveUser(id domain.StreamID, user domain.UserID) []domain.Session {
	e, _, err := r.entry(id)
	if err != nil {
		return nil
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	var removed []domain.Session
	for sid, s := range e.sessions {
		if s.UserID == user && sid != e.broadcaster {
			removed = append(removed, *s)
			r.removeLocked(e, sid)
		}
	}
	return removed
}

// RecordTip adds to the stream's tip aggregate.
func (r *Registry) RecordTip(id domain.StreamID, amount float64) error {
	e, _, err := r.entry(id)
	if err != nil {
		return err
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.stream.State == domain.StreamEnded {
		return domain.ErrStreamGone
	}
	e.stream.TipTotal += amount
	e.stream.TipCount++
	return nil
}

// SetQuality records the tier chosen by the ABR controller.
func (r *Registry) SetQuality(id domain.StreamID, tier domain.QualityTier) {
	e, _, err := r.entry(id)
	if err != nil {
		return
	}
	e.mu.Lock()
	if e.stream.State == domain.StreamLive {
		e.stream.Quality = tier
	}
	e.mu.Unlock()
}

// Counts returns the number of tracked and live streams and open sessions.
func (r *Registry) Counts() (streams, live, sessions int) {
	r.mu.RLock()
	entries := make([]*streamEntry, 0, len(r.streams))
	for _, e := range r.streams {
		entries = append(entries, e)
	}
	r.mu.RUnlock()

	for _, e := range entries {
		e.mu.RLock()
		if e.stream.State == domain.StreamLive {
			live++
		}
		e.mu.RUnlock()
	}

	r.idxMu.RLock()
	sessions = len(r.sessions)
	r.idxMu.RUnlock()
	return len(entries), live, sessions
}

// EvictExpired forgets ended streams older than the retention period.
func (r *Registry) EvictExpired(now time.Time) []domain.StreamID {
	r.mu.Lock()
	defer r.mu.Unlock()

	var evicted []domain.StreamID
	for id, e := range r.streams {
		e.mu.RLock()
		expired := e.stream.State == domain.StreamEnded &&
			e.stream.EndedAt != nil &&
			now.Sub(*e.stream.EndedAt) >= r.cfg.EndedRetention
		e.mu.RUnlock()

		if expired {
			delete(r.streams, id)
			evicted = append(evicted, id)
		}
	}
	return evicted
}

// Run evicts expired streams periodically until ctx is done. onEvict is
// called with every evicted id.
func (r *Registry) Run(ctx context.Context, interval time.Duration, onEvict func(domain.StreamID)) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for _, id := range r.EvictExpired(r.clock.Now()) {
				r.logger.Debugw("evicted ended stream", "stream_id", id)
				if onEvict != nil {
					onEvict(id)
				}
			}
		}
	}
}

func (r *Registry) saveSnapshot(ctx context.Context, stream domain.Stream) {
	if r.snapshots == nil {
		return
	}
	ttl := time.Duration(0)
	if stream.State == domain.StreamEnded {
		ttl = r.cfg.SnapshotTTL
	}

	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), snapshotTimeout)
	defer cancel()

	if err := r.snapshots.Save(ctx, stream, ttl); err != nil {
		r.logger.Warnw("failed to save stream snapshot", "stream_id", stream.ID, "error", err)
	}
}

func keyMatches(want, got domain.StreamKey) bool {
	return subtle.ConstantTimeCompare([]byte(want), []byte(got)) == 1
}
