package monitoring

import (
	"strconv"
	"time"

	"streamhub/internal/core/domain"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// PrometheusCollector implements ports.HubMetrics.
type PrometheusCollector struct {
	activeStreams     prometheus.Gauge
	connectedSessions prometheus.Gauge
	recordingsActive  prometheus.Gauge

	messagesPublished   *prometheus.CounterVec
	signalingForwarded  *prometheus.CounterVec
	backpressureDrops   prometheus.Counter
	unknownPeers        prometheus.Counter
	slowConsumers       prometheus.Counter
	throttled           *prometheus.CounterVec
	qualityTransitions  *prometheus.CounterVec
	recordingBytes      prometheus.Counter
	recordingsFinalized *prometheus.CounterVec
	clusterEvents       *prometheus.CounterVec

	networkScore    prometheus.Histogram
	requestDuration *prometheus.HistogramVec
}

// NewPrometheusCollector registers the hub metrics with reg. Passing
// prometheus.DefaultRegisterer exposes them on the default /metrics handler.
func NewPrometheusCollector(reg prometheus.Registerer) *PrometheusCollector {
	f := promauto.With(reg)
	return &PrometheusCollector{
		activeStreams: f.NewGauge(prometheus.GaugeOpts{
			Name: "streamhub_active_streams",
			Help: "Number of live streams",
		}),
		connectedSessions: f.NewGauge(prometheus.GaugeOpts{
			Name: "streamhub_connected_sessions",
			Help: "Number of sessions joined to a stream",
		}),
		recordingsActive: f.NewGauge(prometheus.GaugeOpts{
			Name: "streamhub_recordings_active",
			Help: "Number of recordings currently capturing chunks",
		}),

		messagesPublished: f.NewCounterVec(prometheus.CounterOpts{
			Name: "streamhub_messages_published_total",
			Help: "History-bearing messages published on room buses",
		}, []string{"kind"}),
		signalingForwarded: f.NewCounterVec(prometheus.CounterOpts{
			Name: "streamhub_signaling_forwarded_total",
			Help: "Signaling messages forwarded between peers",
		}, []string{"kind"}),
		backpressureDrops: f.NewCounter(prometheus.CounterOpts{
			Name: "streamhub_signaling_backpressure_drops_total",
			Help: "Signaling messages dropped because the target buffer was full",
		}),
		unknownPeers: f.NewCounter(prometheus.CounterOpts{
			Name: "streamhub_signaling_unknown_peer_total",
			Help: "Signaling messages addressed to an unknown or foreign session",
		}),
		slowConsumers: f.NewCounter(prometheus.CounterOpts{
			Name: "streamhub_slow_consumer_evictions_total",
			Help: "Room subscribers evicted for falling behind",
		}),
		throttled: f.NewCounterVec(prometheus.CounterOpts{
			Name: "streamhub_throttled_total",
			Help: "Operations rejected by the admission layer",
		}, []string{"bucket"}),
		qualityTransitions: f.NewCounterVec(prometheus.CounterOpts{
			Name: "streamhub_quality_transitions_total",
			Help: "ABR tier transitions",
		}, []string{"tier", "reason"}),
		recordingBytes: f.NewCounter(prometheus.CounterOpts{
			Name: "streamhub_recording_bytes_total",
			Help: "Chunk bytes written by recordings",
		}),
		recordingsFinalized: f.NewCounterVec(prometheus.CounterOpts{
			Name: "streamhub_recordings_finalized_total",
			Help: "Recordings that reached a terminal state",
		}, []string{"status"}),
		clusterEvents: f.NewCounterVec(prometheus.CounterOpts{
			Name: "streamhub_cluster_events_total",
			Help: "Lifecycle events received from other replicas",
		}, []string{"type"}),

		networkScore: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "streamhub_network_score",
			Help:    "Network quality scores computed from telemetry",
			Buckets: prometheus.LinearBuckets(0, 10, 11),
		}),
		requestDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "streamhub_http_request_duration_seconds",
			Help:    "HTTP request latency",
			Buckets: prometheus.DefBuckets,
		}, []string{"method", "route", "status"}),
	}
}

func (p *PrometheusCollector) ActiveStreams(n int)     { p.activeStreams.Set(float64(n)) }
func (p *PrometheusCollector) ConnectedSessions(n int) { p.connectedSessions.Set(float64(n)) }
func (p *PrometheusCollector) RecordingsActive(n int)  { p.recordingsActive.Set(float64(n)) }

func (p *PrometheusCollector) MessagePublished(kind domain.MessageKind) {
	p.messagesPublished.WithLabelValues(string(kind)).Inc()
}

func (p *PrometheusCollector) SlowConsumerEvicted() { p.slowConsumers.Inc() }

func (p *PrometheusCollector) SignalingForwarded(kind string) {
	p.signalingForwarded.WithLabelValues(kind).Inc()
}

func (p *PrometheusCollector) SignalingBackpressureDrop() { p.backpressureDrops.Inc() }
func (p *PrometheusCollector) SignalingUnknownPeer()      { p.unknownPeers.Inc() }

// Throttled is also handed to the rate limiter as its reject hook.
func (p *PrometheusCollector) Throttled(bucket string) {
	p.throttled.WithLabelValues(bucket).Inc()
}

func (p *PrometheusCollector) QualityTransition(tier domain.QualityTier, reason domain.TransitionReason) {
	p.qualityTransitions.WithLabelValues(string(tier), string(reason)).Inc()
}

func (p *PrometheusCollector) NetworkScore(score float64) { p.networkScore.Observe(score) }

func (p *PrometheusCollector) RecordingBytes(n int) {
	if n > 0 {
		p.recordingBytes.Add(float64(n))
	}
}

func (p *PrometheusCollector) RecordingFinalized(status domain.RecordingStatus) {
	p.recordingsFinalized.WithLabelValues(string(status)).Inc()
}

func (p *PrometheusCollector) ClusterEvent(eventType string) {
	p.clusterEvents.WithLabelValues(eventType).Inc()
}

// ObserveRequest records one HTTP request.
func (p *PrometheusCollector) ObserveRequest(method, route string, status int, d time.Duration) {
	p.requestDuration.WithLabelValues(method, route, strconv.Itoa(status)).Observe(d.Seconds())
}
