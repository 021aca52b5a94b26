package ports

import (
	"context"
	"time"

	"streamhub/internal/core/domain"
)

// StreamSnapshotStore keeps a best-effort copy of stream metadata outside the
// process under "stream:<id>". A zero ttl means no expiry.
type StreamSnapshotStore interface {
	Save(ctx context.Context, stream domain.Stream, ttl time.Duration) error
	Get(ctx context.Context, id domain.StreamID) (*domain.Stream, error)
	Delete(ctx context.Context, id domain.StreamID) error
}

// ChunkStore owns the on-disk layout of recordings.
type ChunkStore interface {
	// Reserve creates the per-stream directory and the recording's chunk dir.
	Reserve(streamID domain.StreamID, id domain.RecordingID) error
	// WriteChunk appends one chunk file and returns its path.
	WriteChunk(streamID domain.StreamID, id domain.RecordingID, index int, data []byte) (string, error)
	// Finalize concatenates chunks in order into the artifact and returns its
	// path and byte size.
	Finalize(streamID domain.StreamID, id domain.RecordingID, chunks []domain.Chunk, ext string) (string, int64, error)
	WriteManifest(streamID domain.StreamID, id domain.RecordingID, manifest domain.Manifest) (string, error)
	// DiscardChunks removes the chunk directory after a successful finalize.
	DiscardChunks(streamID domain.StreamID, id domain.RecordingID) error
	// Remove deletes artifact, manifest and any chunks.
	Remove(streamID domain.StreamID, id domain.RecordingID, ext string) error
	// Manifests lists every manifest found under the root.
	Manifests() ([]domain.Manifest, error)
}

// ChunkSource yields the bytes for the next recording chunk.
type ChunkSource interface {
	NextChunk(ctx context.Context, streamID domain.StreamID, index int) ([]byte, error)
}
