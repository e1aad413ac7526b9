package retry

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ton-club-bot/internal/domain"
)

func TestIsRetryable(t *testing.T) {
	tests := []struct {
		err  error
		want bool
	}{
		{nil, false},
		{errors.New("boom"), false},
		{&HTTPError{StatusCode: 400}, false},
		{&HTTPError{StatusCode: 404}, false},
		{&HTTPError{StatusCode: 429}, true},
		{&HTTPError{StatusCode: 500}, true},
		{&HTTPError{StatusCode: 503}, true},
		{fmt.Errorf("wrapped: %w", &HTTPError{StatusCode: 502}), true},
		{fmt.Errorf("%w: dial tcp", domain.ErrUpstreamTransient), true},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, IsRetryable(tt.err), "%v", tt.err)
	}
}

func TestTransient(t *testing.T) {
	ctx := context.Background()

	assert.NoError(t, Transient(ctx, nil))

	err := Transient(ctx, &HTTPError{StatusCode: 503})
	assert.ErrorIs(t, err, domain.ErrUpstreamTransient)
	var he *HTTPError
	require.ErrorAs(t, err, &he)
	assert.Equal(t, 503, he.StatusCode)

	assert.NotErrorIs(t, Transient(ctx, &HTTPError{StatusCode: 404}), domain.ErrUpstreamTransient)
	assert.ErrorIs(t, Transient(ctx, errors.New("connection reset")), domain.ErrUpstreamTransient)

	once := Transient(ctx, errors.New("eof"))
	assert.Same(t, once, Transient(ctx, once))

	cancelled, cancel := context.WithCancel(ctx)
	cancel()
	assert.NotErrorIs(t, Transient(cancelled, context.Canceled), domain.ErrUpstreamTransient)
}

func TestParseRetryAfter(t *testing.T) {
	assert.Equal(t, 3*time.Second, ParseRetryAfter("3"))
	assert.Equal(t, time.Duration(0), ParseRetryAfter(""))
	assert.Equal(t, time.Duration(0), ParseRetryAfter("garbage"))
	assert.Equal(t, time.Duration(0), ParseRetryAfter(time.Now().Add(-time.Hour).UTC().Format(http.TimeFormat)))
	future := ParseRetryAfter(time.Now().Add(time.Minute).UTC().Format(http.TimeFormat))
	assert.Greater(t, future, 50*time.Second)
}

func TestNewHTTPErrorReadsRetryAfter(t *testing.T) {
	resp := &http.Response{StatusCode: 429, Header: http.Header{"Retry-After": []string{"2"}}}
	he := NewHTTPError(resp, []byte("slow down"))
	assert.Equal(t, 2*time.Second, he.RetryAfter)
	assert.Contains(t, he.Error(), "slow down")
}

func TestFullJitterSleepBounds(t *testing.T) {
	for attempt := 0; attempt < 10; attempt++ {
		d := FullJitterSleep(attempt, 10*time.Millisecond, 50*time.Millisecond)
		assert.GreaterOrEqual(t, d, time.Duration(0))
		assert.LessOrEqual(t, d, 50*time.Millisecond)
	}
	assert.Equal(t, time.Duration(0), FullJitterSleep(3, 0, time.Second))
}

func TestDoRetriesRetryableOnly(t *testing.T) {
	ctx := context.Background()
	opts := Options{MaxRetries: 3, BaseDelay: time.Millisecond, MaxDelay: 2 * time.Millisecond}

	calls := 0
	err := Do(ctx, opts, func() error {
		calls++
		if calls < 3 {
			return &HTTPError{StatusCode: 503}
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 3, calls)

	calls = 0
	err = Do(ctx, opts, func() error {
		calls++
		return &HTTPError{StatusCode: 404}
	})
	require.Error(t, err)
	assert.Equal(t, 1, calls)

	calls = 0
	err = Do(ctx, opts, func() error {
		calls++
		return &HTTPError{StatusCode: 500}
	})
	require.Error(t, err)
	assert.Equal(t, 4, calls)
}

func TestDoStopsOnCancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := Do(ctx, Options{MaxRetries: 5}, func() error { return nil })
	assert.ErrorIs(t, err, context.Canceled)
}
