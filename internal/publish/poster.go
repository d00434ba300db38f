// Package publish delivers post text to social platforms.
package publish

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"
)

// Outcome statuses.
const (
	OutcomePosted    = "posted"
	OutcomeSimulated = "simulated"
	OutcomeFailed    = "failed"
)

var (
	// ErrRateLimited means the platform kept throttling after the bounded wait.
	ErrRateLimited = errors.New("rate limited")
	// ErrTooSoon means the account posted to this platform within the
	// minimum spacing.
	ErrTooSoon = errors.New("minimum spacing not elapsed")
)

// Outcome is the result of one platform post.
type Outcome struct {
	Platform   string
	Status     string
	PostID     string
	URL        string
	DurationMs int64
}

// Poster publishes text to one platform for one account.
type Poster interface {
	Platform() string
	CharLimit() int
	Post(ctx context.Context, text string) (Outcome, error)
}

// Verifier is implemented by posters that can check their credentials.
type Verifier interface {
	Verify(ctx context.Context) error
}

// PlatformError is a failed platform call.
type PlatformError struct {
	Platform string
	Status   int
	Err      error
}

func (e *PlatformError) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("%s: HTTP %d: %v", e.Platform, e.Status, e.Err)
	}
	return fmt.Sprintf("%s: %v", e.Platform, e.Err)
}

func (e *PlatformError) Unwrap() error { return e.Err }

// SimulatedPoster stands in for a real platform when posting is disabled.
type SimulatedPoster struct {
	platform string
	limit    int
}

// NewSimulatedPoster creates a poster that records but never sends.
func NewSimulatedPoster(platform string, limit int) *SimulatedPoster {
	return &SimulatedPoster{platform: platform, limit: limit}
}

func (p *SimulatedPoster) Platform() string { return p.platform }
func (p *SimulatedPoster) CharLimit() int   { return p.limit }

func (p *SimulatedPoster) Post(ctx context.Context, text string) (Outcome, error) {
	if err := ctx.Err(); err != nil {
		return Outcome{}, err
	}
	return Outcome{
		Platform: p.platform,
		Status:   OutcomeSimulated,
		PostID:   fmt.Sprintf("sim_%d", time.Now().UnixNano()),
	}, nil
}

// throttled is returned by a single request that got HTTP 429.
type throttled struct {
	wait time.Duration
}

func (t *throttled) Error() string { return fmt.Sprintf("throttled, retry in %s", t.wait) }

// throttleWait reads the reset hint from a 429 response. x-rate-limit-reset
// carries an epoch second; Retry-After carries a delay in seconds.
func throttleWait(h http.Header, now time.Time) time.Duration {
	if v := h.Get("x-rate-limit-reset"); v != "" {
		var epoch int64
		if _, err := fmt.Sscan(v, &epoch); err == nil {
			if d := time.Unix(epoch, 0).Sub(now); d > 0 {
				return d
			}
			return 0
		}
	}
	if v := h.Get("Retry-After"); v != "" {
		var secs int64
		if _, err := fmt.Sscan(v, &secs); err == nil && secs > 0 {
			return time.Duration(secs) * time.Second
		}
	}
	return 0
}

// withThrottleRetry runs call and, if it is throttled, waits for the reset
// hint (capped at maxWait) and tries once more.
func withThrottleRetry(ctx context.Context, platform string, maxWait time.Duration, call func() error) error {
	const attempts = 2
	for attempt := range attempts {
		err := call()
		var th *throttled
		if !errors.As(err, &th) {
			return err
		}
		if attempt == attempts-1 {
			break
		}
		wait := min(th.wait, maxWait)
		if wait <= 0 {
			wait = time.Second
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
		}
	}
	return &PlatformError{Platform: platform, Status: http.StatusTooManyRequests, Err: ErrRateLimited}
}
