package source

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/go-github/v66/github"
	"go.uber.org/zap"

	"github.com/forgesync-io/forgesync/internal/errkind"
)

const (
	retryBaseInterval = 500 * time.Millisecond
	retryMultiplier   = 2.0
	retryJitter       = 0.2
	retryMaxAttempts  = 5

	// defaultMaxRateLimitWait bounds how long a call sleeps through a
	// primary rate-limit window before giving up with RateLimited.
	defaultMaxRateLimitWait = 15 * time.Minute
)

// call runs fn with retries. Transient failures (5xx, connection errors)
// are retried with exponential backoff; 4xx responses are terminal except
// 429. A rate limit with a reset inside the wait budget is slept through
// rather than surfaced.
func (c *githubClient) call(ctx context.Context, op string, fn func() (*github.Response, error)) error {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = retryBaseInterval
	bo.Multiplier = retryMultiplier
	bo.RandomizationFactor = retryJitter
	bo.MaxElapsedTime = 0

	attempt := 0
	return backoff.Retry(func() error {
		attempt++
		resp, err := fn()
		if err == nil {
			c.noteRate(ctx, resp)
			return nil
		}

		kerr := c.classify(ctx, op, err)
		if errkind.Is(kerr, errkind.Transient) || errkind.Is(kerr, errkind.RateLimited) {
			if attempt >= retryMaxAttempts {
				return backoff.Permanent(kerr)
			}
			c.logger.Debug("source call retrying",
				zap.String("op", op),
				zap.Int("attempt", attempt),
				zap.Error(err))
			return kerr
		}
		return backoff.Permanent(kerr)
	}, backoff.WithContext(bo, ctx))
}

// classify translates a go-github error into the engine's error taxonomy.
// Rate-limit errors with a reset within the wait budget are slept through
// here and reported as Transient so the retry loop re-issues the call.
func (c *githubClient) classify(ctx context.Context, op string, err error) error {
	if ctx.Err() != nil {
		return errkind.Wrap(errkind.KindOf(ctx.Err()), op, ctx.Err())
	}

	var rateErr *github.RateLimitError
	if errors.As(err, &rateErr) {
		wait := time.Until(rateErr.Rate.Reset.Time)
		if wait > 0 && wait <= c.maxRateLimitWait {
			c.logger.Warn("source rate limit hit, waiting for reset",
				zap.String("op", op),
				zap.Duration("wait", wait))
			if sleepErr := sleepCtx(ctx, wait); sleepErr != nil {
				return errkind.Wrap(errkind.KindOf(sleepErr), op, sleepErr)
			}
			return errkind.Wrap(errkind.Transient, op, err)
		}
		return errkind.Wrap(errkind.RateLimited, op, err)
	}

	var abuseErr *github.AbuseRateLimitError
	if errors.As(err, &abuseErr) {
		wait := defaultAbuseWait
		if abuseErr.RetryAfter != nil {
			wait = *abuseErr.RetryAfter
		}
		if wait <= c.maxRateLimitWait {
			c.logger.Warn("source secondary rate limit hit, backing off",
				zap.String("op", op),
				zap.Duration("wait", wait))
			if sleepErr := sleepCtx(ctx, wait); sleepErr != nil {
				return errkind.Wrap(errkind.KindOf(sleepErr), op, sleepErr)
			}
			return errkind.Wrap(errkind.Transient, op, err)
		}
		return errkind.Wrap(errkind.RateLimited, op, err)
	}

	var apiErr *github.ErrorResponse
	if errors.As(err, &apiErr) && apiErr.Response != nil {
		switch code := apiErr.Response.StatusCode; {
		case code == http.StatusUnauthorized:
			return errkind.Wrap(errkind.SourceAuthInvalid, op, err)
		case code == http.StatusForbidden:
			return errkind.Wrap(errkind.SourceAuthInvalid, op, err)
		case code == http.StatusNotFound:
			return errkind.Wrap(errkind.NotFound, op, err)
		case code == http.StatusTooManyRequests:
			return errkind.Wrap(errkind.RateLimited, op, err)
		case code >= 500:
			return errkind.Wrap(errkind.Transient, op, err)
		case code >= 400:
			return errkind.Wrap(errkind.Fatal, op, err)
		}
	}

	// Anything left is a connection-level failure; worth another try.
	return errkind.Wrap(errkind.Transient, op, err)
}

const defaultAbuseWait = 30 * time.Second

// noteRate proactively sleeps when the quota is exhausted even though the
// request itself succeeded, so the next call does not burn a retry on a
// guaranteed 403. The pause is abandoned when ctx is cancelled; the caller
// already has its result.
func (c *githubClient) noteRate(ctx context.Context, resp *github.Response) {
	if resp == nil || resp.Rate.Remaining > 0 {
		return
	}
	wait := time.Until(resp.Rate.Reset.Time)
	if wait <= 0 || wait > c.maxRateLimitWait {
		return
	}
	c.logger.Warn("source rate quota exhausted, pausing until reset",
		zap.Duration("wait", wait))
	if err := sleepCtx(ctx, wait); err != nil {
		c.logger.Debug("quota pause interrupted", zap.Error(err))
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
