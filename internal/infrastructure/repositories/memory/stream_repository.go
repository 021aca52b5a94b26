package memory

import (
	"context"
	"time"

	"streamhub/internal/core/domain"
	"streamhub/pkg/cache"
	"streamhub/pkg/utils"
)

// StreamSnapshotStore is the in-process fallback used when Redis is off.
type StreamSnapshotStore struct {
	entries *cache.Cache[domain.Stream]
}

func NewStreamSnapshotStore(clock utils.Clock) *StreamSnapshotStore {
	return &StreamSnapshotStore{entries: cache.New[domain.Stream](clock)}
}

func (s *StreamSnapshotStore) Save(ctx context.Context, stream domain.Stream, ttl time.Duration) error {
	stream.Key = ""
	stream.Moderators = append([]domain.UserID(nil), stream.Moderators...)
	s.entries.Set(string(stream.ID), stream, ttl)
	return nil
}

func (s *StreamSnapshotStore) Get(ctx context.Context, id domain.StreamID) (*domain.Stream, error) {
	stream, ok := s.entries.Get(string(id))
	if !ok {
		return nil, domain.ErrStreamNotFound
	}
	return &stream, nil
}

func (s *StreamSnapshotStore) Delete(ctx context.Context, id domain.StreamID) error {
	s.entries.Delete(string(id))
	return nil
}

// Run purges expired snapshots every interval until ctx is done.
func (s *StreamSnapshotStore) Run(ctx context.Context, interval time.Duration) {
	s.entries.Run(ctx, interval)
}
