package domain

import (
	"encoding/json"
	"time"
)

type MessageID string

type MessageKind string

const (
	MessageChat       MessageKind = "chat"
	MessageTip        MessageKind = "tip"
	MessageSystem     MessageKind = "system"
	MessageModeration MessageKind = "moderation"
)

type Tip struct {
	Amount   float64 `json:"amount"`
	Currency string  `json:"currency"`
	// Reference is the payment authorization id when a gateway is configured.
	Reference string `json:"reference,omitempty"`
}

// TextMetadata keeps the sizes seen by the optimizer for analytics.
type TextMetadata struct {
	OriginalBytes  int  `json:"originalBytes"`
	OptimizedBytes int  `json:"optimizedBytes"`
	OriginalRunes  int  `json:"originalRunes"`
	OptimizedRunes int  `json:"optimizedRunes"`
	Shortcoded     int  `json:"shortcoded"`
	Truncated      bool `json:"truncated"`
}

// Message is immutable once the bus has assigned its sequence number.
type Message struct {
	ID         MessageID     `json:"id"`
	StreamID   StreamID      `json:"streamId"`
	Seq        uint64        `json:"seq"`
	Kind       MessageKind   `json:"kind"`
	AuthorID   SessionID     `json:"authorSessionId,omitempty"`
	AuthorUser UserID        `json:"authorUserId,omitempty"`
	AuthorName string        `json:"authorName,omitempty"`
	Body       string        `json:"body"`
	Tip        *Tip          `json:"tip,omitempty"`
	Meta       *TextMetadata `json:"meta,omitempty"`
	Timestamp  time.Time     `json:"timestamp"`
}

type ModerationAction string

const (
	ActionMute        ModerationAction = "mute"
	ActionUnmute      ModerationAction = "unmute"
	ActionBan         ModerationAction = "ban"
	ActionSlowMode    ModerationAction = "slow-mode"
	ActionSlowModeOff ModerationAction = "slow-mode-off"
)

// ModerationCommand is a single mutation of a room's moderation state.
type ModerationCommand struct {
	Action   ModerationAction
	Target   UserID
	Interval time.Duration
}

type SlowMode struct {
	Enabled  bool
	Interval time.Duration
}

func (s SlowMode) MarshalJSON() ([]byte, error) {
	return json.Marshal(struct {
		Enabled    bool  `json:"enabled"`
		IntervalMs int64 `json:"intervalMs"`
	}{s.Enabled, s.Interval.Milliseconds()})
}

// ModerationState is a copy of a room's moderation settings.
type ModerationState struct {
	Muted    []UserID `json:"muted"`
	Banned   []UserID `json:"banned"`
	SlowMode SlowMode `json:"slowMode"`
}
