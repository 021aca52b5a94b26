package reliability

import (
	"context"
	"errors"
	"fmt"

	"streamhub/internal/core/ports"
	"streamhub/pkg/circuitbreaker"

	"go.uber.org/zap"
)

// GuardedPaymentGateway wraps a PaymentGateway with a circuit breaker. A
// declined tip is a healthy answer and does not count as a failure.
type GuardedPaymentGateway struct {
	gateway  ports.PaymentGateway
	declined func(error) bool
	breaker  *circuitbreaker.CircuitBreaker
	logger   *zap.SugaredLogger
}

func NewGuardedPaymentGateway(
	gateway ports.PaymentGateway,
	declined func(error) bool,
	cbConfig circuitbreaker.Config,
	logger *zap.SugaredLogger,
) *GuardedPaymentGateway {
	if declined == nil {
		declined = func(error) bool { return false }
	}
	g := &GuardedPaymentGateway{
		gateway:  gateway,
		declined: declined,
		breaker:  circuitbreaker.New(cbConfig),
		logger:   logger,
	}

	g.breaker.OnStateChange(func(from, to circuitbreaker.State) {
		logger.Infow("payment circuit breaker state changed",
			"from", from.String(),
			"to", to.String(),
		)
	})
	return g
}

func (g *GuardedPaymentGateway) AuthorizeTip(ctx context.Context, req ports.TipAuthorization) (string, error) {
	var (
		ref     string
		decline error
	)
	err := g.breaker.Execute(ctx, func(ctx context.Context) error {
		var err error
		ref, err = g.gateway.AuthorizeTip(ctx, req)
		if err != nil && g.declined(err) {
			decline = err
			return nil
		}
		return err
	})
	if errors.Is(err, circuitbreaker.ErrOpen) {
		return "", fmt.Errorf("payment service unavailable: %w", err)
	}
	if err != nil {
		return "", err
	}
	if decline != nil {
		return "", decline
	}
	return ref, nil
}

func (g *GuardedPaymentGateway) State() circuitbreaker.State {
	return g.breaker.GetState()
}
