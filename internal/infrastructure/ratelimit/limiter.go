// Package ratelimit implements the named admission buckets. Each bucket keeps
// a sliding log of accepted operations, so no window of one period ever
// admits more than the bucket's capacity.
package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"streamhub/pkg/circuitbreaker"
	"streamhub/pkg/config"
	"streamhub/pkg/utils"

	"go.uber.org/zap"
)

// Policy is the capacity admitted per period.
type Policy struct {
	Capacity   int
	Period     time.Duration
	Persistent bool
}

// Decision is the outcome of one Take.
type Decision struct {
	Allowed   bool
	Remaining int
	// ResetAt is when the oldest accepted operation leaves the window.
	ResetAt time.Time
}

// RetryAfter is how long a rejected caller should wait.
func (d Decision) RetryAfter(now time.Time) time.Duration {
	if d.Allowed || !d.ResetAt.After(now) {
		return 0
	}
	return d.ResetAt.Sub(now)
}

// Store records accepted operations for a key.
type Store interface {
	Take(ctx context.Context, key string, p Policy, now time.Time) (Decision, error)
}

var ErrUnknownBucket = errors.New("unknown rate limit bucket")

// Limiter routes each bucket to the local or shared store.
type Limiter struct {
	enabled  bool
	policies map[string]Policy
	local    *MemoryStore
	shared   Store
	breaker  *circuitbreaker.CircuitBreaker
	clock    utils.Clock
	logger   *zap.SugaredLogger
	onReject func(bucket string)
}

type Option func(*Limiter)

// WithSharedStore sends persistent buckets to s (normally Redis).
func WithSharedStore(s Store) Option {
	return func(l *Limiter) { l.shared = s }
}

func WithClock(c utils.Clock) Option {
	return func(l *Limiter) { l.clock = c }
}

// WithRejectHook is called once per rejected operation.
func WithRejectHook(fn func(bucket string)) Option {
	return func(l *Limiter) { l.onReject = fn }
}

// NewLimiter builds a limiter from the configured bucket table.
func NewLimiter(cfg *config.Config, logger *zap.SugaredLogger, opts ...Option) *Limiter {
	l := &Limiter{
		enabled:  cfg.RateLimiting.Enabled,
		policies: make(map[string]Policy, len(cfg.RateLimiting.Buckets)),
		local:    NewMemoryStore(),
		breaker:  circuitbreaker.New(circuitbreaker.DefaultConfig()),
		clock:    utils.SystemClock{},
		logger:   logger,
	}
	for name, b := range cfg.RateLimiting.Buckets {
		l.policies[name] = Policy{Capacity: b.Capacity, Period: b.Period, Persistent: b.Persistent}
	}
	for _, opt := range opts {
		opt(l)
	}
	l.breaker.OnStateChange(func(from, to circuitbreaker.State) {
		l.logger.Warnw("shared rate limit store state changed", "from", from.String(), "to", to.String())
	})
	return l
}

// Policy returns the policy for bucket.
func (l *Limiter) Policy(bucket string) (Policy, bool) {
	p, ok := l.policies[bucket]
	return p, ok
}

// Now is the limiter's clock reading, the reference for Decision.RetryAfter.
func (l *Limiter) Now() time.Time { return l.clock.Now() }

// Key joins bucket and identity parts into a store key.
func Key(bucket string, identity ...string) string {
	return "rl:" + bucket + ":" + strings.Join(identity, ":")
}

// Allow consumes one slot of bucket for identity. The returned error is
// non-nil only for configuration mistakes; a rejection is Decision.Allowed=false.
func (l *Limiter) Allow(ctx context.Context, bucket string, identity ...string) (Decision, error) {
	now := l.clock.Now()
	if !l.enabled {
		return Decision{Allowed: true, ResetAt: now}, nil
	}

	p, ok := l.policies[bucket]
	if !ok {
		return Decision{}, fmt.Errorf("%w: %s", ErrUnknownBucket, bucket)
	}
	key := Key(bucket, identity...)

	d, err := l.take(ctx, key, p, now)
	if err != nil {
		return Decision{}, err
	}
	if !d.Allowed && l.onReject != nil {
		l.onReject(bucket)
	}
	return d, nil
}

func (l *Limiter) take(ctx context.Context, key string, p Policy, now time.Time) (Decision, error) {
	if !p.Persistent || l.shared == nil {
		return l.local.Take(ctx, key, p, now)
	}

	var d Decision
	err := l.breaker.Execute(ctx, func(ctx context.Context) error {
		var err error
		d, err = l.shared.Take(ctx, key, p, now)
		return err
	})
	if err == nil {
		return d, nil
	}

	l.logger.Warnw("shared rate limit store unavailable, using local bucket", "key", key, "error", err)
	return l.local.Take(ctx, key, p, now)
}

// Run prunes idle local buckets until ctx is cancelled.
func (l *Limiter) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := l.local.Prune(l.clock.Now()); n > 0 {
				l.logger.Debugw("pruned idle rate limit keys", "count", n)
			}
		}
	}
}
