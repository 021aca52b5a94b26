package services

import (
	"context"
	"fmt"
)

// HealthCheck reports whether one hub component is serving.
type HealthCheck func(ctx context.Context) error

// HealthChecks returns the per-component checks the health endpoint runs.
func (h *Hub) HealthChecks() map[string]HealthCheck {
	return map[string]HealthCheck{
		"registry": func(context.Context) error {
			streams, live, sessions := h.registry.Counts()
			if live > streams || sessions < 0 {
				return fmt.Errorf("registry counts inconsistent: streams=%d live=%d sessions=%d", streams, live, sessions)
			}
			return nil
		},
		"bus": func(context.Context) error {
			if _, live, _ := h.registry.Counts(); h.bus.Rooms() < live {
				return fmt.Errorf("%d live streams but only %d rooms open", live, h.bus.Rooms())
			}
			return nil
		},
		"abr": func(context.Context) error {
			if _, live, _ := h.registry.Counts(); h.abr.Running() < live {
				return fmt.Errorf("%d live streams but only %d ABR controllers running", live, h.abr.Running())
			}
			return nil
		},
		"recording": func(context.Context) error {
			return h.recorder.CheckStore()
		},
	}
}
