package domain

import "time"

type QualityTier string

const (
	TierUltraLow QualityTier = "ultra_low"
	TierLow      QualityTier = "low"
	TierMedium   QualityTier = "medium"
	TierHigh     QualityTier = "high"
)

// Tiers is ordered from lowest to highest.
var Tiers = []QualityTier{TierUltraLow, TierLow, TierMedium, TierHigh}

// Rank returns the tier's position in Tiers, or -1.
func (t QualityTier) Rank() int {
	for i, tier := range Tiers {
		if tier == t {
			return i
		}
	}
	return -1
}

func (t QualityTier) Valid() bool { return t.Rank() >= 0 }

// Step returns the tier delta positions away, clamped to the valid range.
func (t QualityTier) Step(delta int) QualityTier {
	i := t.Rank() + delta
	if i < 0 {
		i = 0
	}
	if i >= len(Tiers) {
		i = len(Tiers) - 1
	}
	return Tiers[i]
}

type QualityProfile struct {
	Tier         QualityTier `json:"tier"`
	VideoBitrate int         `json:"videoBitrateKbps"`
	Width        int         `json:"width"`
	Height       int         `json:"height"`
	FPS          int         `json:"fps"`
	AudioBitrate int         `json:"audioBitrateKbps"`
}

var QualityProfiles = map[QualityTier]QualityProfile{
	TierUltraLow: {Tier: TierUltraLow, VideoBitrate: 300, Width: 426, Height: 240, FPS: 15, AudioBitrate: 48},
	TierLow:      {Tier: TierLow, VideoBitrate: 800, Width: 640, Height: 360, FPS: 24, AudioBitrate: 64},
	TierMedium:   {Tier: TierMedium, VideoBitrate: 1500, Width: 1280, Height: 720, FPS: 30, AudioBitrate: 96},
	TierHigh:     {Tier: TierHigh, VideoBitrate: 3000, Width: 1920, Height: 1080, FPS: 30, AudioBitrate: 128},
}

// InitialTier picks the starting tier for a freshly live stream.
func InitialTier(device DeviceClass) QualityTier {
	switch device {
	case DeviceMobile:
		return TierUltraLow
	case DeviceTablet:
		return TierLow
	default:
		return TierMedium
	}
}

// NetworkSample is one telemetry report. Zero-valued optional fields are
// reported through the Has* flags so that "unknown" never scores as "bad".
type NetworkSample struct {
	SessionID       SessionID
	RTT             time.Duration
	PacketLoss      float64 // ratio 0..1
	BufferLevel     float64 // ratio 0..1
	HasBuffer       bool
	MeasuredBitrate int // kbps
	Jitter          time.Duration
	ReceivedAt      time.Time
}

type TransitionReason string

const (
	ReasonDowngrade TransitionReason = "network-degraded"
	ReasonUpgrade   TransitionReason = "network-improved"
	ReasonConverge  TransitionReason = "bitrate-converge"
	ReasonEmergency TransitionReason = "emergency"
)

// QualityUpdate is published on the room bus on every transition.
type QualityUpdate struct {
	StreamID StreamID         `json:"streamId"`
	Tier     QualityTier      `json:"tier"`
	Previous QualityTier      `json:"previousTier"`
	Bitrate  int              `json:"bitrate"`
	Reason   TransitionReason `json:"reason"`
	Score    float64          `json:"score"`
	At       time.Time        `json:"at"`
}

// ABRSnapshot is a read-only view of one controller.
type ABRSnapshot struct {
	StreamID       StreamID    `json:"streamId"`
	Tier           QualityTier `json:"tier"`
	TargetBitrate  int         `json:"targetBitrate"`
	LastScore      float64     `json:"lastScore"`
	WindowScore    float64     `json:"windowScore"`
	Samples        int         `json:"samples"`
	AdaptationOn   bool        `json:"adaptationEnabled"`
	EmergencyUntil *time.Time  `json:"emergencyUntil,omitempty"`
	LastTransition *time.Time  `json:"lastTransition,omitempty"`
	Transitions    int         `json:"transitions"`
	MeanRTTMs      float64     `json:"meanRttMs"`
	StdDevRTTMs    float64     `json:"stddevRttMs"`
	MeanPacketLoss float64     `json:"meanPacketLoss"`
	MeanScore      float64     `json:"meanScore"`
	TotalSamples   uint64      `json:"totalSamples"`
}
