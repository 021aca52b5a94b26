package domain

import "encoding/json"

// Client -> hub events.
const (
	ClientJoinStream     = "join-stream"
	ClientStartStream    = "start-stream"
	ClientEndStream      = "end-stream"
	ClientSendMessage    = "send-message"
	ClientSendTip        = "send-tip"
	ClientTyping         = "typing"
	ClientModerateUser   = "moderate-user"
	ClientStartRecording = "start-recording"
	ClientStopRecording  = "stop-recording"
	ClientNetworkMetrics = "network-metrics"
	ClientOptimizeStats  = "get-optimization-stats"
	ClientLeaveStream    = "leave-stream"
	ClientPing           = "ping"
)

// Hub -> client events that are replies rather than room events.
const (
	EventStreamJoined    EventType = "stream-joined"
	EventOptimizeStats   EventType = "optimization-stats"
	EventError           EventType = "error"
	EventThrottled       EventType = "throttled"
	EventSlowConsumer    EventType = "slow-consumer"
	EventMessageAccepted EventType = "message-accepted"
	EventStreamLeft      EventType = "stream-left"
	EventPong            EventType = "pong"
)

// Inbound is one frame received from a realtime client.
type Inbound struct {
	Type      string          `json:"type"`
	RequestID string          `json:"requestId,omitempty"`
	Data      json.RawMessage `json:"data,omitempty"`
}

// Outbound is one frame sent to a realtime client. When Raw is set it is
// written as the frame verbatim.
type Outbound struct {
	Type      EventType   `json:"type"`
	RequestID string      `json:"requestId,omitempty"`
	Data      interface{} `json:"data,omitempty"`
	Raw       []byte      `json:"-"`
}

// ErrorNotice is the data of an error frame.
type ErrorNotice struct {
	Code        string `json:"code"`
	Message     string `json:"message"`
	RemainingMs int64  `json:"remainingMs,omitempty"`
}

// ThrottleNotice is the data of a throttled frame.
type ThrottleNotice struct {
	Bucket       string `json:"bucket"`
	RetryAfterMs int64  `json:"retryAfterMs"`
}

// EncodeSignalFrame builds a webrtc-* frame around payload without
// re-encoding it, so the receiving peer gets the sender's exact bytes.
func EncodeSignalFrame(kind SignalKind, streamID StreamID, from SessionID, payload []byte) ([]byte, error) {
	head, err := json.Marshal(struct {
		Type EventType `json:"type"`
	}{EventType(kind)})
	if err != nil {
		return nil, err
	}
	meta, err := json.Marshal(struct {
		StreamID      StreamID  `json:"streamId"`
		FromSessionID SessionID `json:"fromSessionId"`
	}{streamID, from})
	if err != nil {
		return nil, err
	}
	if len(payload) == 0 {
		payload = []byte("null")
	}

	frame := make([]byte, 0, len(head)+len(meta)+len(payload)+24)
	frame = append(frame, head[:len(head)-1]...)
	frame = append(frame, `,"data":`...)
	frame = append(frame, meta[:len(meta)-1]...)
	frame = append(frame, `,"payload":`...)
	frame = append(frame, payload...)
	frame = append(frame, "}}"...)
	return frame, nil
}
