package domain

// SignalKind is the kind of a forwarded WebRTC negotiation message.
type SignalKind string

const (
	SignalOffer        SignalKind = "webrtc-offer"
	SignalAnswer       SignalKind = "webrtc-answer"
	SignalICECandidate SignalKind = "webrtc-ice-candidate"
)

func (k SignalKind) Valid() bool {
	switch k {
	case SignalOffer, SignalAnswer, SignalICECandidate:
		return true
	}
	return false
}

// SignalEnvelope wraps an opaque negotiation payload. The router never looks
// inside Payload.
type SignalEnvelope struct {
	Kind     SignalKind `json:"-"`
	StreamID StreamID   `json:"streamId"`
	From     SessionID  `json:"fromSessionId"`
	To       SessionID  `json:"targetSessionId"`
	Payload  []byte     `json:"-"`
}
