package slack

import (
	"context"
	"errors"
	"log"
	"strings"
	"time"
)

// RetryConfig configures retries of rate-limited or 5xx Web API calls.
type RetryConfig struct {
	MaxRetries int           // attempts after the first
	BaseDelay  time.Duration // doubles each retry
	MaxDelay   time.Duration // cap on one wait
}

// DefaultRetryConfig returns production retry defaults.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxRetries: 3,
		BaseDelay:  1 * time.Second,
		MaxDelay:   10 * time.Second,
	}
}

// Retrying is a Client whose PostMessage retries transient failures.
// Other methods pass straight through.
type Retrying struct {
	*Client
	cfg   RetryConfig
	sleep func(ctx context.Context, d time.Duration) error
}

// NewRetrying wraps c.
func NewRetrying(c *Client, cfg RetryConfig) *Retrying {
	return &Retrying{Client: c, cfg: cfg, sleep: sleepCtx}
}

// PostMessage posts msg, retrying with exponential backoff while the error is
// transient and ctx allows.
func (r *Retrying) PostMessage(ctx context.Context, channel string, msg Message) (string, error) {
	delay := r.cfg.BaseDelay
	for attempt := 0; ; attempt++ {
		ts, err := r.Client.PostMessage(ctx, channel, msg)
		if err == nil || !Transient(err) || attempt >= r.cfg.MaxRetries {
			return ts, err
		}
		log.Printf("[slack] chat.postMessage to %s failed (%v), retry %d in %s", channel, err, attempt+1, delay)
		if serr := r.sleep(ctx, delay); serr != nil {
			return "", err
		}
		delay *= 2
		if delay > r.cfg.MaxDelay {
			delay = r.cfg.MaxDelay
		}
	}
}

// Transient reports whether err is worth retrying: rate limiting or a
// server-side HTTP failure.
func Transient(err error) bool {
	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		return false
	}
	return apiErr.Code == "ratelimited" || strings.HasPrefix(apiErr.Code, "http_5")
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
