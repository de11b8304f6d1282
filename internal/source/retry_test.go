package source

import (
	"context"
	"testing"
	"time"

	"github.com/google/go-github/v66/github"
	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"
)

func rateResponse(remaining int, reset time.Time) *github.Response {
	return &github.Response{
		Rate: github.Rate{
			Remaining: remaining,
			Reset:     github.Timestamp{Time: reset},
		},
	}
}

func TestNoteRateSkipsWhenQuotaRemains(t *testing.T) {
	c := &githubClient{logger: zap.NewNop(), maxRateLimitWait: time.Minute}

	start := time.Now()
	c.noteRate(context.Background(), rateResponse(100, time.Now().Add(time.Hour)))
	assert.Less(t, time.Since(start), 100*time.Millisecond)
}

func TestNoteRateSkipsPastOrOversizedReset(t *testing.T) {
	c := &githubClient{logger: zap.NewNop(), maxRateLimitWait: time.Minute}

	start := time.Now()
	c.noteRate(context.Background(), rateResponse(0, time.Now().Add(-time.Second)))
	c.noteRate(context.Background(), rateResponse(0, time.Now().Add(time.Hour)))
	c.noteRate(context.Background(), nil)
	assert.Less(t, time.Since(start), 100*time.Millisecond)
}

func TestNoteRatePausesUntilReset(t *testing.T) {
	c := &githubClient{logger: zap.NewNop(), maxRateLimitWait: time.Minute}

	start := time.Now()
	c.noteRate(context.Background(), rateResponse(0, time.Now().Add(150*time.Millisecond)))
	assert.GreaterOrEqual(t, time.Since(start), 100*time.Millisecond)
}

func TestNoteRateAbandonsPauseOnCancel(t *testing.T) {
	c := &githubClient{logger: zap.NewNop(), maxRateLimitWait: time.Minute}

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(50 * time.Millisecond)
		cancel()
	}()

	start := time.Now()
	c.noteRate(ctx, rateResponse(0, time.Now().Add(30*time.Second)))
	assert.Less(t, time.Since(start), 5*time.Second)
}
