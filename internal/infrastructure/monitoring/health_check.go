package monitoring

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const (
	StatusHealthy   = "healthy"
	StatusUnhealthy = "unhealthy"

	defaultCheckTimeout = 2 * time.Second
)

// CheckFunc reports whether a subsystem is usable.
type CheckFunc func(ctx context.Context) error

type HealthCheck struct {
	Name    string
	Check   CheckFunc
	Timeout time.Duration
}

type HealthStatus struct {
	Status    string            `json:"status"`
	Timestamp time.Time         `json:"timestamp"`
	Checks    map[string]bool   `json:"checks"`
	Errors    map[string]string `json:"errors,omitempty"`
}

func (s HealthStatus) Healthy() bool { return s.Status == StatusHealthy }

type HealthChecker struct {
	mu     sync.RWMutex
	checks []HealthCheck
	last   HealthStatus
	logger *zap.SugaredLogger
}

func NewHealthChecker(logger *zap.SugaredLogger) *HealthChecker {
	return &HealthChecker{logger: logger}
}

// AddCheck registers a named check. A zero timeout uses the default.
func (h *HealthChecker) AddCheck(name string, check CheckFunc, timeout time.Duration) {
	if timeout <= 0 {
		timeout = defaultCheckTimeout
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	h.checks = append(h.checks, HealthCheck{Name: name, Check: check, Timeout: timeout})
}

// AddRedisCheck pings client.
func (h *HealthChecker) AddRedisCheck(client *redis.Client, timeout time.Duration) {
	h.AddCheck("redis", func(ctx context.Context) error {
		return client.Ping(ctx).Err()
	}, timeout)
}

// Names lists the registered checks in order.
func (h *HealthChecker) Names() []string {
	h.mu.RLock()
	defer h.mu.RUnlock()
	names := make([]string, 0, len(h.checks))
	for _, c := range h.checks {
		names = append(names, c.Name)
	}
	sort.Strings(names)
	return names
}

// CheckAll runs every check concurrently, each under its own timeout.
func (h *HealthChecker) CheckAll(ctx context.Context) HealthStatus {
	h.mu.RLock()
	checks := append([]HealthCheck(nil), h.checks...)
	h.mu.RUnlock()

	type result struct {
		name string
		err  error
	}
	results := make(chan result, len(checks))
	for _, check := range checks {
		go func(check HealthCheck) {
			checkCtx, cancel := context.WithTimeout(ctx, check.Timeout)
			defer cancel()
			results <- result{name: check.Name, err: check.Check(checkCtx)}
		}(check)
	}

	status := HealthStatus{
		Status:    StatusHealthy,
		Timestamp: time.Now(),
		Checks:    make(map[string]bool, len(checks)),
	}
	for range checks {
		r := <-results
		status.Checks[r.name] = r.err == nil
		if r.err != nil {
			status.Status = StatusUnhealthy
			if status.Errors == nil {
				status.Errors = make(map[string]string)
			}
			status.Errors[r.name] = r.err.Error()
		}
	}

	h.mu.Lock()
	h.last = status
	h.mu.Unlock()
	return status
}

// Last returns the most recent result of CheckAll.
func (h *HealthChecker) Last() HealthStatus {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.last
}

// Run re-checks every interval and logs transitions until ctx is done.
func (h *HealthChecker) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	prev := h.CheckAll(ctx).Status
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			status := h.CheckAll(ctx)
			if status.Status != prev && h.logger != nil {
				h.logger.Warnw("health status changed", "from", prev, "to", status.Status, "errors", status.Errors)
			}
			prev = status.Status
		}
	}
}
