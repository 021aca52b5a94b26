package ports

import (
	"context"
	"time"

	"streamhub/internal/core/domain"
)

// LifecycleEvent is relayed between hub replicas.
type LifecycleEvent struct {
	Type       string          `json:"type"`
	InstanceID string          `json:"instance_id"`
	Timestamp  time.Time       `json:"timestamp"`
	StreamID   domain.StreamID `json:"stream_id"`
	State      string          `json:"state,omitempty"`
	Viewers    int             `json:"viewers,omitempty"`
}

// LifecyclePublisher fans stream lifecycle changes out to other replicas.
type LifecyclePublisher interface {
	PublishLifecycle(ctx context.Context, event LifecycleEvent) error
}

// TipAuthorization is what the payment gateway needs to approve a tip.
type TipAuthorization struct {
	StreamID  domain.StreamID
	FromUser  domain.UserID
	ToUser    domain.UserID
	Amount    float64
	Currency  string
	MessageID domain.MessageID
}

// PaymentGateway authorizes tips with the sibling payment service.
type PaymentGateway interface {
	AuthorizeTip(ctx context.Context, req TipAuthorization) (string, error)
}

// Identity is the verified caller of an HTTP or realtime request.
type Identity struct {
	UserID   domain.UserID
	Username string
	Guest    bool
}

// TokenVerifier validates bearer tokens issued by the user service.
type TokenVerifier interface {
	Verify(token string) (*Identity, error)
}
