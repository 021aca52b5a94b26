package domain

import "time"

type EventType string

// Room events (hub -> client).
const (
	EventStreamStarted   EventType = "stream-started"
	EventStreamEnded     EventType = "stream-ended"
	EventViewerJoined    EventType = "viewer-joined"
	EventViewerLeft      EventType = "viewer-left"
	EventNewMessage      EventType = "new-message"
	EventNewTip          EventType = "new-tip"
	EventUserModerated   EventType = "user-moderated"
	EventTyping          EventType = "typing"
	EventQualityUpdate   EventType = "quality-update"
	EventRecordingStatus EventType = "recording-status"
)

// RoomEvent is one delivery on the fan-out bus. Events that carry a Message
// are history-bearing and get a room sequence number; the rest are ordered
// but unsequenced.
type RoomEvent struct {
	Type     EventType   `json:"type"`
	StreamID StreamID    `json:"streamId"`
	Seq      uint64      `json:"seq,omitempty"`
	Message  *Message    `json:"message,omitempty"`
	Payload  interface{} `json:"payload,omitempty"`
	At       time.Time   `json:"at"`
}

// Data is the body a client sees for this event.
func (e RoomEvent) Data() interface{} {
	switch {
	case e.Message != nil && e.Payload != nil:
		return struct {
			*Message
			Detail interface{} `json:"detail"`
		}{e.Message, e.Payload}
	case e.Message != nil:
		return e.Message
	default:
		return e.Payload
	}
}

// Presence is the payload of viewer-joined and viewer-left.
type Presence struct {
	SessionID   SessionID `json:"sessionId"`
	UserID      UserID    `json:"userId"`
	DisplayName string    `json:"displayName"`
	Role        Role      `json:"role"`
	ViewerCount int       `json:"viewerCount"`
}

// StreamLifecycle is the payload of stream-started and stream-ended.
type StreamLifecycle struct {
	StreamID StreamID    `json:"streamId"`
	State    StreamState `json:"state"`
	Reason   string      `json:"reason,omitempty"`
	Quality  QualityTier `json:"quality,omitempty"`
	At       time.Time   `json:"at"`
}

// Moderated is the payload of user-moderated.
type Moderated struct {
	Action     ModerationAction `json:"action"`
	Target     UserID           `json:"targetUserId,omitempty"`
	By         UserID           `json:"by"`
	IntervalMs int64            `json:"intervalMs,omitempty"`
}

// TypingNotice is the payload of typing.
type TypingNotice struct {
	SessionID   SessionID `json:"sessionId"`
	DisplayName string    `json:"displayName"`
	IsTyping    bool      `json:"isTyping"`
}
