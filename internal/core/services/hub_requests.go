package services

import (
	"encoding/json"
	"fmt"
	"time"

	"streamhub/internal/core/domain"
	"streamhub/internal/core/ports"
)

type joinRequest struct {
	StreamID       domain.StreamID `json:"streamId"`
	DisplayName    string          `json:"displayName"`
	DeviceType     string          `json:"deviceType"`
	ConnectionType string          `json:"connectionType"`
}

type startRequest struct {
	StreamID       domain.StreamID  `json:"streamId"`
	StreamKey      domain.StreamKey `json:"streamKey"`
	DeviceType     string           `json:"deviceType"`
	ConnectionType string           `json:"connectionType"`
}

type endRequest struct {
	StreamID  domain.StreamID  `json:"streamId"`
	StreamKey domain.StreamKey `json:"streamKey"`
}

type signalRequest struct {
	TargetSessionID domain.SessionID `json:"targetSessionId"`
	Payload         json.RawMessage  `json:"payload"`
}

type chatRequest struct {
	Text string `json:"text"`
}

type tipRequest struct {
	Amount   float64 `json:"amount"`
	Currency string  `json:"currency"`
	Message  string  `json:"message"`
}

type typingRequest struct {
	IsTyping bool `json:"isTyping"`
}

type moderateRequest struct {
	TargetUserID domain.UserID           `json:"targetUserId"`
	Action       domain.ModerationAction `json:"action"`
	IntervalMs   int64                   `json:"intervalMs"`
}

// MetricsReport is a client telemetry report, shared by the realtime
// network-metrics event and POST /api/network/optimize. RTCP optionally
// carries raw receiver reports (base64 in JSON).
type MetricsReport struct {
	RTTMs               float64  `json:"rttMs"`
	PacketLoss          float64  `json:"packetLoss"`
	BufferLevel         *float64 `json:"bufferLevel,omitempty"`
	MeasuredBitrateKbps int      `json:"measuredBitrateKbps"`
	JitterMs            float64  `json:"jitterMs"`
	RTCP                []byte   `json:"rtcp,omitempty"`
}

// JoinedNotice seeds a joining client.
type JoinedNotice struct {
	Session domain.Session     `json:"session"`
	Stream  domain.Stream      `json:"stream"`
	History []domain.Message   `json:"history"`
	Quality domain.ABRSnapshot `json:"quality"`
}

// StartedNotice answers the broadcaster's start-stream.
type StartedNotice struct {
	Session domain.Session     `json:"session"`
	Stream  domain.Stream      `json:"stream"`
	Quality domain.ABRSnapshot `json:"quality"`
}

// MessageAck tells the author which sequence number the room assigned.
type MessageAck struct {
	MessageID domain.MessageID `json:"messageId"`
	Seq       uint64           `json:"seq"`
}

// RecordingNotice is the payload of recording-status.
type RecordingNotice struct {
	RecordingID domain.RecordingID     `json:"recordingId"`
	Status      domain.RecordingStatus `json:"status"`
	Chunks      int                    `json:"chunks"`
	TotalSize   int64                  `json:"totalSize"`
	StopReason  string                 `json:"stopReason,omitempty"`
}

// StreamStats is the body of GET /api/streams/:id/stats.
type StreamStats struct {
	Stream     domain.Stream           `json:"stream"`
	Roster     []domain.Session        `json:"roster"`
	Room       *BusStats               `json:"room,omitempty"`
	Quality    *domain.ABRSnapshot     `json:"quality,omitempty"`
	Recording  *domain.Recording       `json:"recording,omitempty"`
	Moderation *domain.ModerationState `json:"moderation,omitempty"`
	UptimeSec  float64                 `json:"uptimeSec"`
}

// HubStats is a process-wide summary.
type HubStats struct {
	InstanceID        string  `json:"instanceId"`
	Streams           int     `json:"streams"`
	LiveStreams       int     `json:"liveStreams"`
	Sessions          int     `json:"sessions"`
	Connections       int     `json:"connections"`
	Rooms             int     `json:"rooms"`
	ABRControllers    int     `json:"abrControllers"`
	SignalPeers       int     `json:"signalPeers"`
	BackpressureDrops uint64  `json:"backpressureDrops"`
	RemoteEvents      uint64  `json:"remoteEvents"`
	UptimeSec         float64 `json:"uptimeSec"`
}

// Sample converts a report into a telemetry sample. Values decoded from RTCP
// override the self-reported loss, jitter and RTT.
func (m MetricsReport) Sample(session domain.SessionID, now time.Time) (domain.NetworkSample, error) {
	if m.RTTMs < 0 || m.PacketLoss < 0 || m.PacketLoss > 1 || m.MeasuredBitrateKbps < 0 {
		return domain.NetworkSample{}, fmt.Errorf("%w: metrics out of range", domain.ErrInvalidArgument)
	}

	sample := domain.NetworkSample{
		SessionID:       session,
		RTT:             time.Duration(m.RTTMs * float64(time.Millisecond)),
		PacketLoss:      m.PacketLoss,
		MeasuredBitrate: m.MeasuredBitrateKbps,
		Jitter:          time.Duration(m.JitterMs * float64(time.Millisecond)),
		ReceivedAt:      now,
	}
	if m.BufferLevel != nil {
		if *m.BufferLevel < 0 || *m.BufferLevel > 1 {
			return domain.NetworkSample{}, fmt.Errorf("%w: bufferLevel must be within 0..1", domain.ErrInvalidArgument)
		}
		sample.BufferLevel = *m.BufferLevel
		sample.HasBuffer = true
	}

	if len(m.RTCP) > 0 {
		stats, err := ParseRTCP(m.RTCP, now)
		if err != nil {
			return domain.NetworkSample{}, err
		}
		if stats.Reports > 0 {
			sample.PacketLoss = stats.PacketLoss
			sample.Jitter = stats.Jitter
			if stats.RTT > 0 {
				sample.RTT = stats.RTT
			}
		}
	}
	return sample, nil
}

func lifecycleEvent(kind, instance string, stream domain.Stream, now time.Time) ports.LifecycleEvent {
	return ports.LifecycleEvent{
		Type:       kind,
		InstanceID: instance,
		Timestamp:  now,
		StreamID:   stream.ID,
		State:      string(stream.State),
		Viewers:    stream.ViewerCount,
	}
}
