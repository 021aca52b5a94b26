package services

import (
	"streamhub/internal/core/domain"
	"streamhub/internal/core/ports"
)

type nopMetrics struct{}

// NopMetrics discards every measurement.
func NopMetrics() ports.HubMetrics { return nopMetrics{} }

func (nopMetrics) ActiveStreams(int)                                             {}
func (nopMetrics) ConnectedSessions(int)                                         {}
func (nopMetrics) MessagePublished(domain.MessageKind)                           {}
func (nopMetrics) SlowConsumerEvicted()                                          {}
func (nopMetrics) SignalingForwarded(string)                                     {}
func (nopMetrics) SignalingBackpressureDrop()                                    {}
func (nopMetrics) SignalingUnknownPeer()                                         {}
func (nopMetrics) Throttled(string)                                              {}
func (nopMetrics) QualityTransition(domain.QualityTier, domain.TransitionReason) {}
func (nopMetrics) NetworkScore(float64)                                          {}
func (nopMetrics) RecordingsActive(int)                                          {}
func (nopMetrics) RecordingBytes(int)                                            {}
func (nopMetrics) RecordingFinalized(domain.RecordingStatus)                     {}
func (nopMetrics) ClusterEvent(string)                                           {}

func orNop(m ports.HubMetrics) ports.HubMetrics {
	if m == nil {
		return NopMetrics()
	}
	return m
}
