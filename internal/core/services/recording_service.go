package services

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"streamhub/internal/core/domain"
	"streamhub/internal/core/ports"
	"streamhub/pkg/utils"

	"go.uber.org/zap"
)

// Stop reasons recorded on a job.
const (
	StopReasonRequested = "stopped"
	StopReasonSizeLimit = "size-limit"
	StopReasonStreamEnd = "stream-ended"
	StopReasonShutdown  = "shutdown"
	StopReasonFailed    = "chunk-write-failed"
)

type RecordingConfig struct {
	ChunkInterval time.Duration
	MaxBytes      int64
	Retention     time.Duration
	SweepInterval time.Duration
	Extension     string
}

// SweepLock keeps the retention sweep to one replica per storage root.
type SweepLock interface {
	TryAcquire(ctx context.Context) (release func(), ok bool, err error)
}

// RecordingStatusFunc is told about every job status change.
type RecordingStatusFunc func(ctx context.Context, rec domain.Recording)

type recordingJob struct {
	mu        sync.Mutex
	rec       domain.Recording
	nextIndex int
	lastEnd   time.Time
	cancel    context.CancelFunc
	done      chan struct{}
}

// RecordingService coordinates chunked recordings, at most one active job
// per stream.
type RecordingService struct {
	mu       sync.Mutex
	jobs     map[domain.RecordingID]*recordingJob
	active   map[domain.StreamID]domain.RecordingID
	byStream map[domain.StreamID][]domain.RecordingID

	finalizers sync.WaitGroup

	cfg      RecordingConfig
	store    ports.ChunkStore
	source   ports.ChunkSource
	onStatus RecordingStatusFunc
	lock     SweepLock
	clock    utils.Clock
	metrics  ports.HubMetrics
	logger   *zap.SugaredLogger
}

func NewRecordingService(
	cfg RecordingConfig,
	store ports.ChunkStore,
	source ports.ChunkSource,
	clock utils.Clock,
	metrics ports.HubMetrics,
	logger *zap.SugaredLogger,
) *RecordingService {
	if cfg.Extension == "" {
		cfg.Extension = "webm"
	}
	return &RecordingService{
		jobs:     make(map[domain.RecordingID]*recordingJob),
		active:   make(map[domain.StreamID]domain.RecordingID),
		byStream: make(map[domain.StreamID][]domain.RecordingID),
		cfg:      cfg,
		store:    store,
		source:   source,
		clock:    utils.OrSystem(clock),
		metrics:  orNop(metrics),
		logger:   logger,
	}
}

// OnStatus installs the status change callback.
func (s *RecordingService) OnStatus(fn RecordingStatusFunc) { s.onStatus = fn }

// WithSweepLock makes the sweeper take lock before each run.
func (s *RecordingService) WithSweepLock(lock SweepLock) { s.lock = lock }

// Load registers the recordings already finalized on disk as Completed so
// retention keeps applying across restarts.
func (s *RecordingService) Load() (int, error) {
	manifests, err := s.store.Manifests()
	if err != nil {
		return 0, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	loaded := 0
	for _, m := range manifests {
		if _, ok := s.jobs[m.RecordingID]; ok {
			continue
		}
		ended := m.EndedAt
		rec := domain.Recording{
			ID:           m.RecordingID,
			StreamID:     m.StreamID,
			DeviceClass:  m.DeviceClass,
			Profile:      m.Profile,
			TotalSize:    m.TotalSize,
			Status:       domain.RecordingCompleted,
			StartedAt:    m.StartedAt,
			EndedAt:      &ended,
			StopReason:   m.StopReason,
			ArtifactPath: m.Artifact,
		}
		for i, id := range m.ChunkIDs {
			rec.Chunks = append(rec.Chunks, domain.Chunk{ID: id, Index: i})
		}
		done := make(chan struct{})
		close(done)
		s.jobs[rec.ID] = &recordingJob{rec: rec, done: done}
		s.byStream[rec.StreamID] = append(s.byStream[rec.StreamID], rec.ID)
		loaded++
	}
	return loaded, nil
}

// StartRecording opens a job for the stream and schedules its chunk task.
func (s *RecordingService) StartRecording(ctx context.Context, streamID domain.StreamID, device domain.DeviceClass) (domain.Recording, error) {
	s.mu.Lock()
	if _, busy := s.active[streamID]; busy {
		s.mu.Unlock()
		return domain.Recording{}, domain.ErrAlreadyRecording
	}

	id := domain.RecordingID(utils.GenerateID("rec"))
	if err := s.store.Reserve(streamID, id); err != nil {
		s.mu.Unlock()
		return domain.Recording{}, fmt.Errorf("failed to reserve recording: %w", err)
	}

	now := s.clock.Now()
	job := &recordingJob{
		rec: domain.Recording{
			ID:          id,
			StreamID:    streamID,
			DeviceClass: device,
			Profile:     domain.ProfileFor(device, s.cfg.Extension),
			Status:      domain.RecordingActive,
			StartedAt:   now,
		},
		lastEnd: now,
		done:    make(chan struct{}),
	}
	tickCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	job.cancel = cancel

	s.jobs[id] = job
	s.active[streamID] = id
	s.byStream[streamID] = append(s.byStream[streamID], id)
	active := len(s.active)
	rec := job.rec.Clone()
	s.mu.Unlock()

	s.metrics.RecordingsActive(active)
	s.logger.Infow("recording started",
		"stream_id", streamID,
		"recording_id", id,
		"profile", rec.Profile.Name,
	)

	go s.chunkLoop(tickCtx, job)
	s.notify(ctx, rec)
	return rec, nil
}

func (s *RecordingService) chunkLoop(ctx context.Context, job *recordingJob) {
	ticker := time.NewTicker(s.cfg.ChunkInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.tick(ctx, job)
		}
	}
}

// Tick writes the next chunk of the stream's active recording.
func (s *RecordingService) Tick(ctx context.Context, streamID domain.StreamID) error {
	s.mu.Lock()
	id, ok := s.active[streamID]
	job := s.jobs[id]
	s.mu.Unlock()
	if !ok {
		return domain.ErrRecordingNotFound
	}
	s.tick(ctx, job)
	return nil
}

func (s *RecordingService) tick(ctx context.Context, job *recordingJob) {
	job.mu.Lock()
	defer job.mu.Unlock()

	if job.rec.Status != domain.RecordingActive {
		return
	}
	rec := &job.rec

	data, err := s.source.NextChunk(ctx, rec.StreamID, job.nextIndex)
	if err != nil {
		if !errors.Is(err, context.Canceled) {
			s.logger.Warnw("chunk source failed", "recording_id", rec.ID, "error", err)
		}
		return
	}

	if rec.TotalSize+int64(len(data)) > s.cfg.MaxBytes {
		s.logger.Infow("recording reached size ceiling",
			"recording_id", rec.ID,
			"total_size", rec.TotalSize,
			"max_bytes", s.cfg.MaxBytes,
		)
		s.beginFinalizeLocked(ctx, job, StopReasonSizeLimit)
		return
	}

	path, err := s.store.WriteChunk(rec.StreamID, rec.ID, job.nextIndex, data)
	if err != nil {
		s.logger.Errorw("chunk write failed", "recording_id", rec.ID, "error", err)
		s.failLocked(ctx, job, StopReasonFailed, err)
		return
	}

	now := s.clock.Now()
	rec.Chunks = append(rec.Chunks, domain.Chunk{
		ID:        fmt.Sprintf("%s-%06d", rec.ID, job.nextIndex),
		Index:     job.nextIndex,
		Path:      path,
		Size:      int64(len(data)),
		StartedAt: job.lastEnd,
		EndedAt:   now,
	})
	rec.TotalSize += int64(len(data))
	job.lastEnd = now
	job.nextIndex++
	s.metrics.RecordingBytes(len(data))

	// A recording that lands exactly on the ceiling is full.
	if rec.TotalSize >= s.cfg.MaxBytes {
		s.logger.Infow("recording reached size ceiling",
			"recording_id", rec.ID,
			"total_size", rec.TotalSize,
			"max_bytes", s.cfg.MaxBytes,
		)
		s.beginFinalizeLocked(ctx, job, StopReasonSizeLimit)
	}
}

// beginFinalizeLocked moves an active job to Finalizing and hands it to a
// background finalizer. Must be called with job.mu held.
func (s *RecordingService) beginFinalizeLocked(ctx context.Context, job *recordingJob, reason string) {
	now := s.clock.Now()
	job.rec.Status = domain.RecordingFinalizing
	job.rec.EndedAt = &now
	job.rec.StopReason = reason
	if job.cancel != nil {
		job.cancel()
	}
	s.release(job.rec.StreamID, job.rec.ID)

	rec := job.rec.Clone()
	s.finalizers.Add(1)
	go s.finalize(context.WithoutCancel(ctx), job, rec)
	s.notify(ctx, rec)
}

// failLocked must be called with job.mu held.
func (s *RecordingService) failLocked(ctx context.Context, job *recordingJob, reason string, cause error) {
	now := s.clock.Now()
	job.rec.Status = domain.RecordingFailed
	job.rec.EndedAt = &now
	job.rec.StopReason = reason
	job.rec.FailureReason = cause.Error()
	if job.cancel != nil {
		job.cancel()
	}
	s.release(job.rec.StreamID, job.rec.ID)
	close(job.done)

	s.metrics.RecordingFinalized(domain.RecordingFailed)
	s.notify(ctx, job.rec.Clone())
}

func (s *RecordingService) release(streamID domain.StreamID, id domain.RecordingID) {
	s.mu.Lock()
	if s.active[streamID] == id {
		delete(s.active, streamID)
	}
	active := len(s.active)
	s.mu.Unlock()
	s.metrics.RecordingsActive(active)
}

func (s *RecordingService) finalize(ctx context.Context, job *recordingJob, rec domain.Recording) {
	defer s.finalizers.Done()

	artifact, size, err := s.store.Finalize(rec.StreamID, rec.ID, rec.Chunks, rec.Profile.Container)

	var manifestPath string
	if err == nil {
		chunkIDs := make([]string, len(rec.Chunks))
		for i, c := range rec.Chunks {
			chunkIDs[i] = c.ID
		}
		manifestPath, err = s.store.WriteManifest(rec.StreamID, rec.ID, domain.Manifest{
			RecordingID: rec.ID,
			StreamID:    rec.StreamID,
			StartedAt:   rec.StartedAt,
			EndedAt:     *rec.EndedAt,
			DurationSec: rec.EndedAt.Sub(rec.StartedAt).Seconds(),
			DeviceClass: rec.DeviceClass,
			Profile:     rec.Profile,
			ChunkIDs:    chunkIDs,
			TotalSize:   size,
			Artifact:    artifact,
			StopReason:  rec.StopReason,
		})
	}

	job.mu.Lock()
	if err != nil {
		job.rec.Status = domain.RecordingFailed
		job.rec.FailureReason = err.Error()
		s.logger.Errorw("recording finalization failed, chunks kept",
			"recording_id", rec.ID,
			"stream_id", rec.StreamID,
			"error", err,
		)
	} else {
		job.rec.Status = domain.RecordingCompleted
		job.rec.ArtifactPath = artifact
		job.rec.ManifestPath = manifestPath
		job.rec.TotalSize = size
		if derr := s.store.DiscardChunks(rec.StreamID, rec.ID); derr != nil {
			s.logger.Warnw("failed to discard chunks", "recording_id", rec.ID, "error", derr)
		}
		s.logger.Infow("recording finalized",
			"recording_id", rec.ID,
			"stream_id", rec.StreamID,
			"chunks", len(rec.Chunks),
			"total_size", size,
		)
	}
	final := job.rec.Clone()
	close(job.done)
	job.mu.Unlock()

	s.metrics.RecordingFinalized(final.Status)
	s.notify(ctx, final)
}

// StopRecording stops the stream's active job. With no active job it returns
// the stream's latest job unchanged. Finalization continues in the
// background; use WaitFinalized to block on it.
func (s *RecordingService) StopRecording(ctx context.Context, streamID domain.StreamID) (domain.Recording, error) {
	return s.stop(ctx, streamID, StopReasonRequested)
}

func (s *RecordingService) stop(ctx context.Context, streamID domain.StreamID, reason string) (domain.Recording, error) {
	s.mu.Lock()
	id, ok := s.active[streamID]
	if !ok {
		ids := s.byStream[streamID]
		if len(ids) == 0 {
			s.mu.Unlock()
			return domain.Recording{}, domain.ErrRecordingNotFound
		}
		id = ids[len(ids)-1]
	}
	job := s.jobs[id]
	s.mu.Unlock()

	job.mu.Lock()
	defer job.mu.Unlock()
	if job.rec.Status == domain.RecordingActive {
		s.beginFinalizeLocked(ctx, job, reason)
	}
	return job.rec.Clone(), nil
}

// StopForStream stops the stream's recording when the stream ends. It is a
// no-op for streams that never recorded.
func (s *RecordingService) StopForStream(ctx context.Context, streamID domain.StreamID) {
	s.mu.Lock()
	_, ok := s.active[streamID]
	s.mu.Unlock()
	if ok {
		_, _ = s.stop(ctx, streamID, StopReasonStreamEnd)
	}
}

// WaitFinalized blocks until the job leaves Finalizing or ctx is done.
func (s *RecordingService) WaitFinalized(ctx context.Context, id domain.RecordingID) (domain.Recording, error) {
	s.mu.Lock()
	job, ok := s.jobs[id]
	s.mu.Unlock()
	if !ok {
		return domain.Recording{}, domain.ErrRecordingNotFound
	}

	job.mu.Lock()
	active := job.rec.Status == domain.RecordingActive
	job.mu.Unlock()
	if active {
		return domain.Recording{}, domain.ErrRecordingActive
	}

	select {
	case <-job.done:
	case <-ctx.Done():
		return domain.Recording{}, ctx.Err()
	}

	job.mu.Lock()
	defer job.mu.Unlock()
	return job.rec.Clone(), nil
}

func (s *RecordingService) GetRecording(id domain.RecordingID) (domain.Recording, error) {
	s.mu.Lock()
	job, ok := s.jobs[id]
	s.mu.Unlock()
	if !ok {
		return domain.Recording{}, domain.ErrRecordingNotFound
	}

	job.mu.Lock()
	defer job.mu.Unlock()
	return job.rec.Clone(), nil
}

// ListForStream returns the stream's jobs, oldest first.
func (s *RecordingService) ListForStream(streamID domain.StreamID) []domain.Recording {
	s.mu.Lock()
	ids := append([]domain.RecordingID(nil), s.byStream[streamID]...)
	jobs := make([]*recordingJob, 0, len(ids))
	for _, id := range ids {
		jobs = append(jobs, s.jobs[id])
	}
	s.mu.Unlock()

	out := make([]domain.Recording, 0, len(jobs))
	for _, job := range jobs {
		job.mu.Lock()
		out = append(out, job.rec.Clone())
		job.mu.Unlock()
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].StartedAt.Before(out[j].StartedAt) })
	return out
}

// ActiveFor returns the stream's active job, if any.
func (s *RecordingService) ActiveFor(streamID domain.StreamID) (domain.Recording, bool) {
	s.mu.Lock()
	id, ok := s.active[streamID]
	job := s.jobs[id]
	s.mu.Unlock()
	if !ok {
		return domain.Recording{}, false
	}
	job.mu.Lock()
	defer job.mu.Unlock()
	return job.rec.Clone(), true
}

// DeleteRecording removes a finished job and its files.
func (s *RecordingService) DeleteRecording(ctx context.Context, id domain.RecordingID) error {
	s.mu.Lock()
	job, ok := s.jobs[id]
	s.mu.Unlock()
	if !ok {
		return domain.ErrRecordingNotFound
	}

	job.mu.Lock()
	rec := job.rec
	job.mu.Unlock()
	if !rec.Status.Terminal() {
		return domain.ErrRecordingActive
	}

	if err := s.store.Remove(rec.StreamID, rec.ID, rec.Profile.Container); err != nil {
		return err
	}

	s.mu.Lock()
	delete(s.jobs, id)
	ids := s.byStream[rec.StreamID]
	for i, rid := range ids {
		if rid == id {
			s.byStream[rec.StreamID] = append(ids[:i:i], ids[i+1:]...)
			break
		}
	}
	if len(s.byStream[rec.StreamID]) == 0 {
		delete(s.byStream, rec.StreamID)
	}
	s.mu.Unlock()

	s.logger.Infow("recording deleted", "recording_id", id, "stream_id", rec.StreamID)
	return nil
}

// Sweep deletes completed jobs that ended more than the retention ago.
func (s *RecordingService) Sweep(ctx context.Context, now time.Time) int {
	s.mu.Lock()
	jobs := make([]*recordingJob, 0, len(s.jobs))
	for _, job := range s.jobs {
		jobs = append(jobs, job)
	}
	s.mu.Unlock()

	deleted := 0
	for _, job := range jobs {
		job.mu.Lock()
		rec := job.rec
		job.mu.Unlock()

		if rec.Status != domain.RecordingCompleted || rec.EndedAt == nil || now.Sub(*rec.EndedAt) < s.cfg.Retention {
			continue
		}
		if err := s.DeleteRecording(ctx, rec.ID); err != nil {
			s.logger.Warnw("retention sweep failed to delete recording", "recording_id", rec.ID, "error", err)
			continue
		}
		deleted++
	}
	return deleted
}

// CheckStore reports whether the chunk store can still be listed.
func (s *RecordingService) CheckStore() error {
	if _, err := s.store.Manifests(); err != nil {
		return fmt.Errorf("recording store unavailable: %w", err)
	}
	return nil
}

// Run sweeps on every SweepInterval until ctx is done.
func (s *RecordingService) Run(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.sweepOnce(ctx)
		}
	}
}

func (s *RecordingService) sweepOnce(ctx context.Context) {
	if s.lock != nil {
		release, ok, err := s.lock.TryAcquire(ctx)
		if err != nil {
			s.logger.Warnw("sweep lock unavailable, skipping run", "error", err)
			return
		}
		if !ok {
			s.logger.Debugw("another replica holds the sweep lock")
			return
		}
		defer release()
	}

	if n := s.Sweep(ctx, s.clock.Now()); n > 0 {
		s.logger.Infow("retention sweep deleted recordings", "count", n)
	}
}

// Shutdown stops every active job and waits for finalizers.
func (s *RecordingService) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	streams := make([]domain.StreamID, 0, len(s.active))
	for streamID := range s.active {
		streams = append(streams, streamID)
	}
	s.mu.Unlock()

	for _, streamID := range streams {
		_, _ = s.stop(ctx, streamID, StopReasonShutdown)
	}

	done := make(chan struct{})
	go func() {
		s.finalizers.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *RecordingService) notify(ctx context.Context, rec domain.Recording) {
	if s.onStatus != nil {
		s.onStatus(ctx, rec)
	}
}
