package domain

import "time"

type RecordingID string

type RecordingStatus string

const (
	RecordingActive     RecordingStatus = "recording"
	RecordingFinalizing RecordingStatus = "finalizing"
	RecordingCompleted  RecordingStatus = "completed"
	RecordingFailed     RecordingStatus = "failed"
)

// Terminal reports whether no further transitions can happen.
func (s RecordingStatus) Terminal() bool {
	return s == RecordingCompleted || s == RecordingFailed
}

type RecordingProfile struct {
	Name         string      `json:"name"`
	Tier         QualityTier `json:"tier"`
	VideoBitrate int         `json:"videoBitrateKbps"`
	AudioBitrate int         `json:"audioBitrateKbps"`
	Width        int         `json:"width"`
	Height       int         `json:"height"`
	FPS          int         `json:"fps"`
	Container    string      `json:"container"`
}

// ProfileFor selects the recording profile for a device class.
func ProfileFor(device DeviceClass, container string) RecordingProfile {
	tier := TierMedium
	name := "desktop"
	if device == DeviceMobile {
		tier = TierLow
		name = "mobile"
	}
	q := QualityProfiles[tier]
	return RecordingProfile{
		Name:         name,
		Tier:         tier,
		VideoBitrate: q.VideoBitrate,
		AudioBitrate: q.AudioBitrate,
		Width:        q.Width,
		Height:       q.Height,
		FPS:          q.FPS,
		Container:    container,
	}
}

type Chunk struct {
	ID        string    `json:"id"`
	Index     int       `json:"index"`
	Path      string    `json:"path"`
	Size      int64     `json:"size"`
	StartedAt time.Time `json:"startedAt"`
	EndedAt   time.Time `json:"endedAt"`
}

type Recording struct {
	ID            RecordingID      `json:"id"`
	StreamID      StreamID         `json:"streamId"`
	DeviceClass   DeviceClass      `json:"deviceClass"`
	Profile       RecordingProfile `json:"profile"`
	Chunks        []Chunk          `json:"chunks"`
	TotalSize     int64            `json:"totalSize"`
	Status        RecordingStatus  `json:"status"`
	StartedAt     time.Time        `json:"startedAt"`
	EndedAt       *time.Time       `json:"endedAt,omitempty"`
	StopReason    string           `json:"stopReason,omitempty"`
	ArtifactPath  string           `json:"artifactPath,omitempty"`
	ManifestPath  string           `json:"manifestPath,omitempty"`
	FailureReason string           `json:"failureReason,omitempty"`
}

// Clone returns a copy that shares no slices with r.
func (r Recording) Clone() Recording {
	out := r
	out.Chunks = append([]Chunk(nil), r.Chunks...)
	if r.EndedAt != nil {
		t := *r.EndedAt
		out.EndedAt = &t
	}
	return out
}

// Manifest is the sidecar written next to a finalized artifact.
type Manifest struct {
	RecordingID RecordingID      `json:"recordingId"`
	StreamID    StreamID         `json:"streamId"`
	StartedAt   time.Time        `json:"startedAt"`
	EndedAt     time.Time        `json:"endedAt"`
	DurationSec float64          `json:"durationSec"`
	DeviceClass DeviceClass      `json:"deviceClass"`
	Profile     RecordingProfile `json:"profile"`
	ChunkIDs    []string         `json:"chunkIds"`
	TotalSize   int64            `json:"totalSize"`
	Artifact    string           `json:"artifact"`
	StopReason  string           `json:"stopReason,omitempty"`
}
