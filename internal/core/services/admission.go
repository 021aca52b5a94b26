package services

import (
	"context"

	"streamhub/internal/core/domain"
	"streamhub/internal/infrastructure/ratelimit"
	"streamhub/pkg/utils"
)

// Admission consumes one slot of a named bucket.
type Admission interface {
	Allow(ctx context.Context, bucket string, identity ...string) (ratelimit.Decision, error)
}

// admit turns a rejected decision into a *domain.ThrottledError. A nil
// Admission admits everything.
func admit(ctx context.Context, adm Admission, clock utils.Clock, bucket string, identity ...string) (ratelimit.Decision, error) {
	if adm == nil {
		return ratelimit.Decision{Allowed: true}, nil
	}
	d, err := adm.Allow(ctx, bucket, identity...)
	if err != nil {
		return d, err
	}
	if !d.Allowed {
		return d, &domain.ThrottledError{Bucket: bucket, RetryAfter: d.RetryAfter(clock.Now()), Notify: true}
	}
	return d, nil
}
