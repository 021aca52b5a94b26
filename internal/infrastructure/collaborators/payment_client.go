package collaborators

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"streamhub/internal/core/ports"
	"streamhub/pkg/logger"
	"streamhub/pkg/tracing"

	"go.opentelemetry.io/otel/attribute"
)

const tipsPath = "/api/payments/tips"

// ErrTipDeclined means the payment service answered and refused the tip.
var ErrTipDeclined = errors.New("tip declined")

type tipRequest struct {
	StreamID   string  `json:"streamId"`
	FromUserID string  `json:"fromUserId"`
	ToUserID   string  `json:"toUserId"`
	Amount     float64 `json:"amount"`
	Currency   string  `json:"currency"`
	MessageID  string  `json:"messageId,omitempty"`
}

type tipResponse struct {
	PaymentID string `json:"paymentId"`
	Error     string `json:"error,omitempty"`
}

// PaymentClient talks to the sibling payment service over HTTP. Calls are
// never retried: a duplicate authorization would charge twice.
type PaymentClient struct {
	baseURL string
	http    *http.Client
}

func NewPaymentClient(baseURL string, timeout time.Duration) *PaymentClient {
	return &PaymentClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{Timeout: timeout},
	}
}

func (c *PaymentClient) AuthorizeTip(ctx context.Context, req ports.TipAuthorization) (string, error) {
	ctx, span := tracing.StartSpan(ctx, "payments.authorize_tip")
	defer span.End()
	span.SetAttributes(
		attribute.String("stream.id", string(req.StreamID)),
		attribute.Float64("tip.amount", req.Amount),
	)

	body, err := json.Marshal(tipRequest{
		StreamID:   string(req.StreamID),
		FromUserID: string(req.FromUser),
		ToUserID:   string(req.ToUser),
		Amount:     req.Amount,
		Currency:   req.Currency,
		MessageID:  string(req.MessageID),
	})
	if err != nil {
		return "", fmt.Errorf("failed to marshal tip request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+tipsPath, bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("failed to build tip request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if id := logger.RequestIDFrom(ctx); id != "" {
		httpReq.Header.Set("X-Request-ID", id)
	}

	resp, err := c.http.Do(httpReq)
	if err != nil {
		tracing.RecordError(ctx, err)
		return "", fmt.Errorf("payment service unreachable: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	if err != nil {
		return "", fmt.Errorf("failed to read payment response: %w", err)
	}

	var out tipResponse
	_ = json.Unmarshal(raw, &out)

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		if out.PaymentID == "" {
			return "", fmt.Errorf("payment service returned no payment id")
		}
		return out.PaymentID, nil
	case resp.StatusCode >= 400 && resp.StatusCode < 500:
		reason := out.Error
		if reason == "" {
			reason = http.StatusText(resp.StatusCode)
		}
		return "", fmt.Errorf("%w: %s", ErrTipDeclined, reason)
	default:
		err := fmt.Errorf("payment service returned %d", resp.StatusCode)
		tracing.RecordError(ctx, err)
		return "", err
	}
}
