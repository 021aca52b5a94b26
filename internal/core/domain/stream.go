package domain

import (
	"time"
)

type StreamID string
type StreamKey string
type SessionID string
type UserID string

type StreamState string

const (
	StreamCreated StreamState = "created"
	StreamLive    StreamState = "live"
	StreamEnded   StreamState = "ended"
)

type DeviceClass string

const (
	DeviceMobile  DeviceClass = "mobile"
	DeviceTablet  DeviceClass = "tablet"
	DeviceDesktop DeviceClass = "desktop"
)

// ParseDeviceClass maps free-form client input onto a known class.
func ParseDeviceClass(s string) DeviceClass {
	switch DeviceClass(s) {
	case DeviceMobile, DeviceTablet:
		return DeviceClass(s)
	default:
		return DeviceDesktop
	}
}

type ConnectionClass string

const (
	ConnectionWiFi     ConnectionClass = "wifi"
	ConnectionCellular ConnectionClass = "cellular"
	ConnectionEthernet ConnectionClass = "ethernet"
	ConnectionUnknown  ConnectionClass = "unknown"
)

// ParseConnectionClass accepts "4g"/"5g"/"3g" as cellular.
func ParseConnectionClass(s string) ConnectionClass {
	switch s {
	case "wifi":
		return ConnectionWiFi
	case "ethernet", "wired":
		return ConnectionEthernet
	case "cellular", "3g", "4g", "5g", "lte":
		return ConnectionCellular
	default:
		return ConnectionUnknown
	}
}

// StreamMeta is what a creator supplies at CreateStream.
type StreamMeta struct {
	Title       string
	Description string
	Category    string
	CreatorID   UserID
	Moderators  []UserID
	DeviceClass DeviceClass
	Connection  ConnectionClass
}

// Stream is a point-in-time copy of a registry record. The Key is never
// serialized; callers that must hand it out do so explicitly.
type Stream struct {
	ID          StreamID        `json:"id"`
	Key         StreamKey       `json:"-"`
	Title       string          `json:"title"`
	Description string          `json:"description,omitempty"`
	Category    string          `json:"category,omitempty"`
	CreatorID   UserID          `json:"creatorId"`
	Moderators  []UserID        `json:"moderators,omitempty"`
	State       StreamState     `json:"state"`
	CreatedAt   time.Time       `json:"createdAt"`
	StartedAt   *time.Time      `json:"startedAt,omitempty"`
	EndedAt     *time.Time      `json:"endedAt,omitempty"`
	EndReason   string          `json:"endReason,omitempty"`
	ViewerCount int             `json:"viewerCount"`
	PeakViewers int             `json:"peakViewers"`
	TipTotal    float64         `json:"tipTotal"`
	TipCount    int             `json:"tipCount"`
	DeviceClass DeviceClass     `json:"deviceClass"`
	Connection  ConnectionClass `json:"connectionClass"`
	Quality     QualityTier     `json:"quality,omitempty"`
}

func (s Stream) IsModerator(user UserID) bool {
	for _, m := range s.Moderators {
		if m == user {
			return true
		}
	}
	return false
}

// Uptime is zero unless the stream has started.
func (s Stream) Uptime(now time.Time) time.Duration {
	if s.StartedAt == nil {
		return 0
	}
	end := now
	if s.EndedAt != nil {
		end = *s.EndedAt
	}
	return end.Sub(*s.StartedAt)
}
