package services

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"streamhub/internal/core/domain"
	"streamhub/internal/core/ports"
	"streamhub/internal/infrastructure/storage"
	"streamhub/pkg/logger"
	"streamhub/pkg/utils"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const kib = 1024

type failingFinalizeStore struct {
	*storage.FileChunkStore
}

func (failingFinalizeStore) Finalize(domain.StreamID, domain.RecordingID, []domain.Chunk, string) (string, int64, error) {
	return "", 0, errors.New("disk full")
}

type recordingStatuses struct {
	ch chan domain.Recording
}

func (r *recordingStatuses) record(_ context.Context, rec domain.Recording) {
	r.ch <- rec
}

func newTestRecorder(t *testing.T, store ports.ChunkStore, chunkBytes int, maxBytes int64) (*RecordingService, *utils.ManualClock, *recordingStatuses) {
	t.Helper()
	clock := utils.NewManualClock(testEpoch)
	svc := NewRecordingService(RecordingConfig{
		ChunkInterval: time.Hour,
		MaxBytes:      maxBytes,
		Retention:     30 * 24 * time.Hour,
		SweepInterval: time.Hour,
		Extension:     "webm",
	}, store, storage.NewSyntheticSource(chunkBytes), clock, nil, logger.NewNop())

	statuses := &recordingStatuses{ch: make(chan domain.Recording, 32)}
	svc.OnStatus(statuses.record)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = svc.Shutdown(ctx)
	})
	return svc, clock, statuses
}

func newFileStore(t *testing.T) *storage.FileChunkStore {
	t.Helper()
	store, err := storage.NewFileChunkStore(t.TempDir())
	require.NoError(t, err)
	return store
}

func waitFinalized(t *testing.T, svc *RecordingService, id domain.RecordingID) domain.Recording {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	rec, err := svc.WaitFinalized(ctx, id)
	require.NoError(t, err)
	return rec
}

func TestRecordingService_SizeCeilingStopsRecording(t *testing.T) {
	store := newFileStore(t)
	svc, clock, _ := newTestRecorder(t, store, 300*kib, 1024*kib)
	ctx := context.Background()

	rec, err := svc.StartRecording(ctx, "stream-1", domain.DeviceDesktop)
	require.NoError(t, err)
	assert.Equal(t, domain.RecordingActive, rec.Status)
	assert.Equal(t, "desktop", rec.Profile.Name)

	for i := 0; i < 4; i++ {
		clock.Advance(30 * time.Second)
		require.NoError(t, svc.Tick(ctx, "stream-1"))
	}

	got, err := svc.GetRecording(rec.ID)
	require.NoError(t, err)
	assert.NotEqual(t, domain.RecordingActive, got.Status)
	assert.Equal(t, StopReasonSizeLimit, got.StopReason)
	assert.Len(t, got.Chunks, 3)
	assert.LessOrEqual(t, got.TotalSize, int64(1024*kib))

	_, active := svc.ActiveFor("stream-1")
	assert.False(t, active)

	final := waitFinalized(t, svc, rec.ID)
	assert.Equal(t, domain.RecordingCompleted, final.Status)
	assert.Equal(t, int64(900*kib), final.TotalSize)

	info, err := os.Stat(final.ArtifactPath)
	require.NoError(t, err)
	assert.Equal(t, int64(900*kib), info.Size())
	assert.FileExists(t, final.ManifestPath)
	assert.NoDirExists(t, filepath.Join(store.Root(), "stream-1", string(rec.ID)+".chunks"))
}

func TestRecordingService_ExactCeilingFinalizesAtOnce(t *testing.T) {
	svc, clock, _ := newTestRecorder(t, newFileStore(t), 256*kib, 1024*kib)
	ctx := context.Background()

	rec, err := svc.StartRecording(ctx, "stream-1", domain.DeviceDesktop)
	require.NoError(t, err)

	for i := 0; i < 4; i++ {
		clock.Advance(30 * time.Second)
		require.NoError(t, svc.Tick(ctx, "stream-1"))
	}

	_, active := svc.ActiveFor("stream-1")
	assert.False(t, active, "a full recording does not wait for another tick")
	assert.ErrorIs(t, svc.Tick(ctx, "stream-1"), domain.ErrRecordingNotFound)

	final := waitFinalized(t, svc, rec.ID)
	assert.Equal(t, StopReasonSizeLimit, final.StopReason)
	assert.Len(t, final.Chunks, 4)
	assert.Equal(t, int64(1024*kib), final.TotalSize)
}

func TestRecordingService_ChunksAreContiguous(t *testing.T) {
	svc, clock, _ := newTestRecorder(t, newFileStore(t), 16, 1024*kib)
	ctx := context.Background()

	rec, err := svc.StartRecording(ctx, "stream-1", domain.DeviceMobile)
	require.NoError(t, err)
	assert.Equal(t, "mobile", rec.Profile.Name)
	assert.Equal(t, domain.TierLow, rec.Profile.Tier)

	for i := 0; i < 3; i++ {
		clock.Advance(10 * time.Second)
		require.NoError(t, svc.Tick(ctx, "stream-1"))
	}

	got, err := svc.GetRecording(rec.ID)
	require.NoError(t, err)
	require.Len(t, got.Chunks, 3)
	assert.Equal(t, rec.StartedAt, got.Chunks[0].StartedAt)
	for i := 1; i < len(got.Chunks); i++ {
		assert.Equal(t, i, got.Chunks[i].Index)
		assert.Equal(t, got.Chunks[i-1].EndedAt, got.Chunks[i].StartedAt)
	}
}

func TestRecordingService_OneActivePerStream(t *testing.T) {
	svc, _, _ := newTestRecorder(t, newFileStore(t), 16, 1024*kib)
	ctx := context.Background()

	_, err := svc.StartRecording(ctx, "stream-1", domain.DeviceDesktop)
	require.NoError(t, err)

	_, err = svc.StartRecording(ctx, "stream-1", domain.DeviceDesktop)
	assert.ErrorIs(t, err, domain.ErrAlreadyRecording)

	_, err = svc.StartRecording(ctx, "stream-2", domain.DeviceDesktop)
	assert.NoError(t, err)
}

func TestRecordingService_StopIsIdempotent(t *testing.T) {
	svc, clock, statuses := newTestRecorder(t, newFileStore(t), 16, 1024*kib)
	ctx := context.Background()

	_, err := svc.StopRecording(ctx, "stream-1")
	assert.ErrorIs(t, err, domain.ErrRecordingNotFound)

	rec, err := svc.StartRecording(ctx, "stream-1", domain.DeviceDesktop)
	require.NoError(t, err)
	clock.Advance(time.Second)
	require.NoError(t, svc.Tick(ctx, "stream-1"))

	first, err := svc.StopRecording(ctx, "stream-1")
	require.NoError(t, err)
	assert.Equal(t, domain.RecordingFinalizing, first.Status)
	assert.Equal(t, StopReasonRequested, first.StopReason)

	second, err := svc.StopRecording(ctx, "stream-1")
	require.NoError(t, err)
	assert.Equal(t, rec.ID, second.ID)
	assert.NotEqual(t, domain.RecordingActive, second.Status)

	final := waitFinalized(t, svc, rec.ID)
	assert.Equal(t, domain.RecordingCompleted, final.Status)

	var seen []domain.RecordingStatus
	for len(seen) < 3 {
		select {
		case r := <-statuses.ch:
			seen = append(seen, r.Status)
		case <-time.After(time.Second):
			t.Fatalf("status events: %v", seen)
		}
	}
	assert.Equal(t, []domain.RecordingStatus{
		domain.RecordingActive,
		domain.RecordingFinalizing,
		domain.RecordingCompleted,
	}, seen)

	assert.ErrorIs(t, svc.Tick(ctx, "stream-1"), domain.ErrRecordingNotFound)
}

func TestRecordingService_DeleteRequiresTerminalState(t *testing.T) {
	store := newFileStore(t)
	svc, clock, _ := newTestRecorder(t, store, 16, 1024*kib)
	ctx := context.Background()

	rec, err := svc.StartRecording(ctx, "stream-1", domain.DeviceDesktop)
	require.NoError(t, err)

	assert.ErrorIs(t, svc.DeleteRecording(ctx, rec.ID), domain.ErrRecordingActive)
	assert.ErrorIs(t, svc.DeleteRecording(ctx, "rec_missing"), domain.ErrRecordingNotFound)

	clock.Advance(time.Second)
	require.NoError(t, svc.Tick(ctx, "stream-1"))
	_, err = svc.StopRecording(ctx, "stream-1")
	require.NoError(t, err)
	final := waitFinalized(t, svc, rec.ID)

	require.NoError(t, svc.DeleteRecording(ctx, rec.ID))
	assert.NoFileExists(t, final.ArtifactPath)
	assert.NoFileExists(t, final.ManifestPath)
	assert.Empty(t, svc.ListForStream("stream-1"))

	_, err = svc.GetRecording(rec.ID)
	assert.ErrorIs(t, err, domain.ErrRecordingNotFound)
}

func TestRecordingService_FinalizeFailureKeepsChunks(t *testing.T) {
	store := newFileStore(t)
	svc, clock, _ := newTestRecorder(t, failingFinalizeStore{store}, 16, 1024*kib)
	ctx := context.Background()

	rec, err := svc.StartRecording(ctx, "stream-1", domain.DeviceDesktop)
	require.NoError(t, err)
	clock.Advance(time.Second)
	require.NoError(t, svc.Tick(ctx, "stream-1"))
	_, err = svc.StopRecording(ctx, "stream-1")
	require.NoError(t, err)

	final := waitFinalized(t, svc, rec.ID)
	assert.Equal(t, domain.RecordingFailed, final.Status)
	assert.Contains(t, final.FailureReason, "disk full")
	require.Len(t, final.Chunks, 1)
	assert.FileExists(t, final.Chunks[0].Path)
}

func TestRecordingService_SweepHonoursRetention(t *testing.T) {
	svc, clock, _ := newTestRecorder(t, newFileStore(t), 16, 1024*kib)
	ctx := context.Background()

	rec, err := svc.StartRecording(ctx, "stream-1", domain.DeviceDesktop)
	require.NoError(t, err)
	clock.Advance(time.Second)
	require.NoError(t, svc.Tick(ctx, "stream-1"))
	_, err = svc.StopRecording(ctx, "stream-1")
	require.NoError(t, err)
	final := waitFinalized(t, svc, rec.ID)

	assert.Equal(t, 0, svc.Sweep(ctx, final.EndedAt.Add(29*24*time.Hour)))
	assert.Equal(t, 1, svc.Sweep(ctx, final.EndedAt.Add(31*24*time.Hour)))
	assert.NoFileExists(t, final.ArtifactPath)
}

func TestRecordingService_LoadRestoresFinishedRecordings(t *testing.T) {
	store := newFileStore(t)
	svc, clock, _ := newTestRecorder(t, store, 16, 1024*kib)
	ctx := context.Background()

	rec, err := svc.StartRecording(ctx, "stream-1", domain.DeviceDesktop)
	require.NoError(t, err)
	clock.Advance(time.Second)
	require.NoError(t, svc.Tick(ctx, "stream-1"))
	_, err = svc.StopRecording(ctx, "stream-1")
	require.NoError(t, err)
	waitFinalized(t, svc, rec.ID)

	restarted, _, _ := newTestRecorder(t, store, 16, 1024*kib)
	n, err := restarted.Load()
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	got, err := restarted.GetRecording(rec.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.RecordingCompleted, got.Status)
	assert.Equal(t, int64(16), got.TotalSize)
	assert.Len(t, got.Chunks, 1)

	_, err = restarted.StartRecording(ctx, "stream-1", domain.DeviceDesktop)
	assert.NoError(t, err)
	assert.Len(t, restarted.ListForStream("stream-1"), 2)
}

type countingLock struct {
	held     bool
	acquired int
	released int
}

func (l *countingLock) TryAcquire(context.Context) (func(), bool, error) {
	if l.held {
		return nil, false, nil
	}
	l.acquired++
	return func() { l.released++ }, true, nil
}

func TestRecordingService_SweepSkipsWithoutLock(t *testing.T) {
	svc, _, _ := newTestRecorder(t, newFileStore(t), 16, 1024*kib)
	lock := &countingLock{held: true}
	svc.WithSweepLock(lock)

	svc.sweepOnce(context.Background())
	assert.Equal(t, 0, lock.acquired)

	lock.held = false
	svc.sweepOnce(context.Background())
	assert.Equal(t, 1, lock.acquired)
	assert.Equal(t, 1, lock.released)
}
