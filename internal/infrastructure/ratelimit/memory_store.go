package ratelimit

import (
	"context"
	"sync"
	"time"
)

type slidingLog struct {
	mu       sync.Mutex
	accepted []time.Time
	period   time.Duration
}

// evict drops entries that have left the window ending at now.
func (s *slidingLog) evict(now time.Time) {
	i := 0
	for i < len(s.accepted) && now.Sub(s.accepted[i]) >= s.period {
		i++
	}
	if i > 0 {
		s.accepted = append(s.accepted[:0], s.accepted[i:]...)
	}
}

// MemoryStore keeps sliding logs in process. Used for session-scoped buckets
// and as the fallback when the shared store is down.
type MemoryStore struct {
	mu   sync.Mutex
	logs map[string]*slidingLog
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{logs: make(map[string]*slidingLog)}
}

func (m *MemoryStore) get(key string, period time.Duration) *slidingLog {
	m.mu.Lock()
	defer m.mu.Unlock()

	log, ok := m.logs[key]
	if !ok {
		log = &slidingLog{period: period}
		m.logs[key] = log
	}
	return log
}

func (m *MemoryStore) Take(_ context.Context, key string, p Policy, now time.Time) (Decision, error) {
	log := m.get(key, p.Period)

	log.mu.Lock()
	defer log.mu.Unlock()

	log.period = p.Period
	log.evict(now)

	allowed := len(log.accepted) < p.Capacity
	if allowed {
		log.accepted = append(log.accepted, now)
	}

	reset := now.Add(p.Period)
	if len(log.accepted) > 0 {
		reset = log.accepted[0].Add(p.Period)
	}
	return Decision{
		Allowed:   allowed,
		Remaining: p.Capacity - len(log.accepted),
		ResetAt:   reset,
	}, nil
}

// Prune forgets keys with nothing left in their window.
func (m *MemoryStore) Prune(now time.Time) int {
	m.mu.Lock()
	defer m.mu.Unlock()

	removed := 0
	for key, log := range m.logs {
		log.mu.Lock()
		log.evict(now)
		empty := len(log.accepted) == 0
		log.mu.Unlock()
		if empty {
			delete(m.logs, key)
			removed++
		}
	}
	return removed
}

// Len reports how many keys are tracked.
func (m *MemoryStore) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.logs)
}
