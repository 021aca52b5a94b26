package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"streamhub/internal/core/domain"

	"github.com/redis/go-redis/v9"
)

const streamKeyPrefix = "stream:"

// StreamSnapshotStore keeps stream metadata as JSON under stream:<id>.
type StreamSnapshotStore struct {
	client *redis.Client
}

func NewStreamSnapshotStore(client *redis.Client) *StreamSnapshotStore {
	return &StreamSnapshotStore{client: client}
}

func streamKey(id domain.StreamID) string {
	return streamKeyPrefix + string(id)
}

func (s *StreamSnapshotStore) Save(ctx context.Context, stream domain.Stream, ttl time.Duration) error {
	data, err := json.Marshal(stream)
	if err != nil {
		return fmt.Errorf("failed to marshal stream: %w", err)
	}
	if ttl < 0 {
		ttl = 0
	}
	if err := s.client.Set(ctx, streamKey(stream.ID), data, ttl).Err(); err != nil {
		return fmt.Errorf("failed to save stream snapshot: %w", err)
	}
	return nil
}

func (s *StreamSnapshotStore) Get(ctx context.Context, id domain.StreamID) (*domain.Stream, error) {
	data, err := s.client.Get(ctx, streamKey(id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, domain.ErrStreamNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load stream snapshot: %w", err)
	}

	var stream domain.Stream
	if err := json.Unmarshal(data, &stream); err != nil {
		return nil, fmt.Errorf("failed to unmarshal stream: %w", err)
	}
	return &stream, nil
}

func (s *StreamSnapshotStore) Delete(ctx context.Context, id domain.StreamID) error {
	if err := s.client.Del(ctx, streamKey(id)).Err(); err != nil {
		return fmt.Errorf("failed to delete stream snapshot: %w", err)
	}
	return nil
}
