package dest

import (
	"context"
	"errors"
	"net/http"
	"time"

	"code.gitea.io/sdk/gitea"
	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"

	"github.com/forgesync-io/forgesync/internal/errkind"
)

const (
	listPageSize = 50

	retryBaseInterval = 500 * time.Millisecond
	retryMultiplier   = 2.0
	retryJitter       = 0.2
	retryMaxAttempts  = 5
)

// forbiddenError distinguishes a 403 from other terminal failures so
// EnsureOwner can fall back instead of failing the item.
type forbiddenError struct{ err error }

func (f *forbiddenError) Error() string { return f.err.Error() }
func (f *forbiddenError) Unwrap() error { return f.err }

func isForbidden(err error) bool {
	var f *forbiddenError
	return errors.As(err, &f)
}

// do runs fn with retries. 5xx responses and connection errors are retried
// with exponential backoff; 4xx responses are terminal. The Gitea SDK is
// not context-aware per call, so ctx bounds only the retry loop and the
// HTTP client timeout bounds each request.
func (c *giteaClient) do(ctx context.Context, op string, fn func() (*gitea.Response, error)) error {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = retryBaseInterval
	bo.Multiplier = retryMultiplier
	bo.RandomizationFactor = retryJitter
	bo.MaxElapsedTime = 0

	attempt := 0
	return backoff.Retry(func() error {
		attempt++
		if err := ctx.Err(); err != nil {
			return backoff.Permanent(errkind.Wrap(errkind.KindOf(err), op, err))
		}

		resp, err := fn()
		if err == nil {
			return nil
		}

		kerr := classify(op, resp, err)
		if errkind.Is(kerr, errkind.Transient) {
			if attempt >= retryMaxAttempts {
				return backoff.Permanent(kerr)
			}
			c.logger.Debug("destination call retrying",
				zap.String("op", op),
				zap.Int("attempt", attempt),
				zap.Error(err))
			return kerr
		}
		return backoff.Permanent(kerr)
	}, backoff.WithContext(bo, ctx))
}

// classify translates an SDK failure into the engine's error taxonomy.
func classify(op string, resp *gitea.Response, err error) error {
	if resp == nil {
		return errkind.Wrap(errkind.Transient, op, err)
	}
	switch code := resp.StatusCode; {
	case code == http.StatusUnauthorized:
		return errkind.Wrap(errkind.DestinationAuthInvalid, op, err)
	case code == http.StatusForbidden:
		return errkind.Wrap(errkind.Fatal, op, &forbiddenError{err: err})
	case code == http.StatusNotFound:
		return errkind.Wrap(errkind.NotFound, op, err)
	case code == http.StatusConflict, code == http.StatusUnprocessableEntity:
		return errkind.Wrap(errkind.Conflict, op, err)
	case code == http.StatusTooManyRequests:
		return errkind.Wrap(errkind.RateLimited, op, err)
	case code >= 500:
		return errkind.Wrap(errkind.Transient, op, err)
	case code >= 400:
		return errkind.Wrap(errkind.Fatal, op, err)
	}
	return errkind.Wrap(errkind.Transient, op, err)
}
