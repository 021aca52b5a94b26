package distributed

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// InstanceInfo is the heartbeat a hub replica publishes about itself.
type InstanceInfo struct {
	InstanceID  string    `json:"instanceId"`
	LiveStreams int       `json:"liveStreams"`
	Sessions    int       `json:"sessions"`
	Connections int       `json:"connections"`
	StartedAt   time.Time `json:"startedAt"`
	SeenAt      time.Time `json:"seenAt"`
}

// InstanceRegistry tracks live hub replicas with expiring heartbeat keys.
type InstanceRegistry struct {
	client     *redis.Client
	instanceID string
	prefix     string
	ttl        time.Duration
	logger     *zap.SugaredLogger
}

func NewInstanceRegistry(client *redis.Client, instanceID string, ttl time.Duration, logger *zap.SugaredLogger) *InstanceRegistry {
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	return &InstanceRegistry{
		client:     client,
		instanceID: instanceID,
		prefix:     "streamhub:instance:",
		ttl:        ttl,
		logger:     logger,
	}
}

func (r *InstanceRegistry) key(id string) string {
	return r.prefix + id
}

// Heartbeat refreshes this replica's entry.
func (r *InstanceRegistry) Heartbeat(ctx context.Context, info InstanceInfo) error {
	info.InstanceID = r.instanceID
	data, err := json.Marshal(info)
	if err != nil {
		return fmt.Errorf("failed to marshal instance info: %w", err)
	}
	if err := r.client.Set(ctx, r.key(r.instanceID), data, r.ttl).Err(); err != nil {
		return fmt.Errorf("failed to publish heartbeat: %w", err)
	}
	return nil
}

// Instances lists every replica whose heartbeat has not expired, ordered by
// instance id.
func (r *InstanceRegistry) Instances(ctx context.Context) ([]InstanceInfo, error) {
	var (
		out    []InstanceInfo
		cursor uint64
	)
	for {
		keys, next, err := r.client.Scan(ctx, cursor, r.prefix+"*", 100).Result()
		if err != nil {
			return nil, fmt.Errorf("failed to scan instances: %w", err)
		}
		for _, key := range keys {
			data, err := r.client.Get(ctx, key).Bytes()
			if err == redis.Nil {
				continue
			}
			if err != nil {
				return nil, fmt.Errorf("failed to get instance: %w", err)
			}
			var info InstanceInfo
			if err := json.Unmarshal(data, &info); err != nil {
				r.logger.Warnw("skipping malformed instance entry", "key", key, "error", err)
				continue
			}
			out = append(out, info)
		}
		cursor = next
		if cursor == 0 {
			break
		}
	}

	sort.Slice(out, func(i, j int) bool { return out[i].InstanceID < out[j].InstanceID })
	return out, nil
}

func (r *InstanceRegistry) Deregister(ctx context.Context) error {
	return r.client.Del(ctx, r.key(r.instanceID)).Err()
}

// Run heartbeats every interval until ctx is done, then deregisters.
func (r *InstanceRegistry) Run(ctx context.Context, interval time.Duration, info func() InstanceInfo) {
	beat := func() {
		if err := r.Heartbeat(ctx, info()); err != nil && ctx.Err() == nil {
			r.logger.Warnw("instance heartbeat failed", "error", err)
		}
	}
	beat()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			cleanupCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			if err := r.Deregister(cleanupCtx); err != nil {
				r.logger.Warnw("failed to deregister instance", "error", err)
			}
			return
		case <-ticker.C:
			beat()
		}
	}
}
