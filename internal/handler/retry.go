package handler

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/weiawesome/wes-io-live/relation-service/internal/domain"
	"github.com/weiawesome/wes-io-live/relation-service/internal/service"
	pkglog "github.com/weiawesome/wes-io-live/relation-service/pkg/log"
)

// RetryPolicy bounds retries of follow/unfollow after a transient storage
// failure. Retrying from the top is safe: a repeat resolves to
// ALREADY_FOLLOWING or NOT_FOLLOWING.
type RetryPolicy struct {
	MaxAttempts     int
	InitialInterval time.Duration
	MaxInterval     time.Duration
}

func (p RetryPolicy) backOff(ctx context.Context) backoff.BackOff {
	exp := backoff.NewExponentialBackOff()
	if p.InitialInterval > 0 {
		exp.InitialInterval = p.InitialInterval
	}
	if p.MaxInterval > 0 {
		exp.MaxInterval = p.MaxInterval
	}
	attempts := p.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}
	return backoff.WithContext(backoff.WithMaxRetries(exp, uint64(attempts-1)), ctx)
}

// do runs op, retrying only ErrTransientStorage.
func (p RetryPolicy) do(ctx context.Context, op func() (domain.Outcome, error)) (domain.Outcome, error) {
	l := pkglog.Ctx(ctx)

	outcome := domain.OutcomeError
	attempt := 0
	err := backoff.Retry(func() error {
		attempt++
		var err error
		outcome, err = op()
		if err == nil {
			return nil
		}
		if !errors.Is(err, service.ErrTransientStorage) {
			return backoff.Permanent(err)
		}
		l.Warn().Err(err).Int("attempt", attempt).Msg("transient storage failure, retrying")
		return err
	}, p.backOff(ctx))
	if err != nil {
		return domain.OutcomeError, err
	}
	return outcome, nil
}
