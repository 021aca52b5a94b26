package ports

import "streamhub/internal/core/domain"

// HubMetrics receives the counters the core components emit. The Prometheus
// collector implements it; tests use a no-op.
type HubMetrics interface {
	ActiveStreams(n int)
	ConnectedSessions(n int)
	MessagePublished(kind domain.MessageKind)
	SlowConsumerEvicted()
	SignalingForwarded(kind string)
	SignalingBackpressureDrop()
	SignalingUnknownPeer()
	Throttled(bucket string)
	QualityTransition(tier domain.QualityTier, reason domain.TransitionReason)
	NetworkScore(score float64)
	RecordingsActive(n int)
	RecordingBytes(n int)
	RecordingFinalized(status domain.RecordingStatus)
	ClusterEvent(eventType string)
}
