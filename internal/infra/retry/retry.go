package retry

// Upstream failure classification for the TonAPI and wallets-list clients
// 429 and 5xx responses, network failures and rejected breaker calls are transient.
// Ingestion retries pages with cenkalti/backoff on top of IsRetryable, Do covers short one-off fetches.

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"net/http"
	"strconv"
	"strings"
	"time"

	"ton-club-bot/internal/domain"
)

const defaultBaseDelay = 300 * time.Millisecond

type Options struct {
	MaxRetries int
	BaseDelay  time.Duration
	MaxDelay   time.Duration
}

// HTTPError is a non-2xx upstream response
type HTTPError struct {
	StatusCode int
	Body       []byte
	RetryAfter time.Duration
}

func (e *HTTPError) Error() string {
	if e == nil {
		return "upstream http error: <nil>"
	}
	if len(e.Body) == 0 {
		return fmt.Sprintf("upstream http error (%d)", e.StatusCode)
	}
	return fmt.Sprintf("upstream http error (%d): %s", e.StatusCode, string(e.Body))
}

// Temporary reports whether the status is worth another attempt
func (e *HTTPError) Temporary() bool {
	switch e.StatusCode {
	case http.StatusTooManyRequests,
		http.StatusInternalServerError,
		http.StatusBadGateway,
		http.StatusServiceUnavailable,
		http.StatusGatewayTimeout:
		return true
	}
	return false
}

// NewHTTPError builds an HTTPError from a non-2xx response and its body, already read
func NewHTTPError(resp *http.Response, body []byte) *HTTPError {
	he := &HTTPError{StatusCode: resp.StatusCode, Body: body}
	if resp.StatusCode == http.StatusTooManyRequests {
		he.RetryAfter = ParseRetryAfter(resp.Header.Get("Retry-After"))
	}
	return he
}

// Transient wraps err with domain.ErrUpstreamTransient when another attempt may succeed.
// Anything that is not an HTTPError counts as a network failure unless ctx is done.
func Transient(ctx context.Context, err error) error {
	if err == nil || errors.Is(err, domain.ErrUpstreamTransient) {
		return err
	}
	var he *HTTPError
	if errors.As(err, &he) {
		if he.Temporary() {
			return fmt.Errorf("%w: %w", domain.ErrUpstreamTransient, err)
		}
		return err
	}
	if ctx.Err() != nil {
		return err
	}
	return fmt.Errorf("%w: %w", domain.ErrUpstreamTransient, err)
}

func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, domain.ErrUpstreamTransient) {
		return true
	}
	var he *HTTPError
	return errors.As(err, &he) && he.Temporary()
}

// RetryAfter is the server requested pause carried by err, zero when none
func RetryAfter(err error) time.Duration {
	var he *HTTPError
	if errors.As(err, &he) {
		return he.RetryAfter
	}
	return 0
}

// ParseRetryAfter accepts delay seconds or an HTTP date
func ParseRetryAfter(v string) time.Duration {
	v = strings.TrimSpace(v)
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(v); err == nil {
		if secs <= 0 {
			return 0
		}
		return time.Duration(secs) * time.Second
	}
	t, err := http.ParseTime(v)
	if err != nil {
		return 0
	}
	return max(time.Until(t), 0)
}

// FullJitterSleep returns a random delay in [0, min(maxDelay, baseDelay*2^attempt)]
func FullJitterSleep(attempt int, baseDelay, maxDelay time.Duration) time.Duration {
	if baseDelay <= 0 {
		return 0
	}
	attempt = min(max(attempt, 0), 30)
	ceiling := baseDelay << attempt
	if maxDelay > 0 {
		ceiling = min(ceiling, maxDelay)
	}
	if ceiling <= 0 {
		return 0
	}
	return time.Duration(rand.Int64N(int64(ceiling) + 1))
}

// Do runs fn until it succeeds, returns an error that is not retryable, or runs out of retries
func Do(ctx context.Context, opts Options, fn func() error) error {
	opts.MaxRetries = max(opts.MaxRetries, 0)
	if opts.BaseDelay <= 0 {
		opts.BaseDelay = defaultBaseDelay
	}

	var err error
	for attempt := 0; ; attempt++ {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}

		if err = fn(); err == nil {
			return nil
		}
		if !IsRetryable(err) || attempt == opts.MaxRetries {
			return err
		}

		sleep := FullJitterSleep(attempt, opts.BaseDelay, opts.MaxDelay)
		if ra := RetryAfter(err); ra > 0 {
			sleep = ra
			if opts.MaxDelay > 0 {
				sleep = min(sleep, opts.MaxDelay)
			}
		}

		t := time.NewTimer(sleep)
		select {
		case <-ctx.Done():
			t.Stop()
			return ctx.Err()
		case <-t.C:
		}
	}
}
