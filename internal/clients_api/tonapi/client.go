// Package tonapi is a thin client for the TonAPI indexing service.
// Paging and retry policy belong to the ingestion job.
package tonapi

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/sony/gobreaker"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"ton-club-bot/internal/domain"
	"ton-club-bot/internal/infra/log"
	"ton-club-bot/internal/infra/retry"
)

const (
	// MainnetAPI - public TonAPI endpoint
	MainnetAPI = "https://tonapi.io"

	maxErrorBody = 4096
)

// ErrResponseTooLarge is returned when a 2xx body exceeds Options.MaxResponseSize
var ErrResponseTooLarge = errors.New("tonapi: response too large")

// Options configures NewClient; zero values get defaults
type Options struct {
	BaseURL         string
	APIKey          string
	RateLimit       float64 // requests per second
	Burst           int
	Timeout         time.Duration
	MaxResponseSize int64
}

type Client struct {
	baseURL         string
	apiKey          string
	httpClient      *http.Client
	rateLimiter     *rate.Limiter
	circuitBreaker  *gobreaker.CircuitBreaker
	maxResponseSize int64
}

func NewClient(opts Options) *Client {
	if opts.BaseURL == "" {
		opts.BaseURL = MainnetAPI
	}
	if opts.RateLimit <= 0 {
		opts.RateLimit = 1
	}
	if opts.Burst <= 0 {
		opts.Burst = 1
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 30 * time.Second
	}
	if opts.MaxResponseSize <= 0 {
		opts.MaxResponseSize = 32 * 1024 * 1024
	}

	circuitBreaker := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "TonAPI",
		MaxRequests: 3,
		Interval:    60 * time.Second,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures > 5
		},
		// Client errors say nothing about upstream health
		IsSuccessful: func(err error) bool {
			if err == nil {
				return true
			}
			if errors.Is(err, ErrResponseTooLarge) {
				return true
			}
			var he *retry.HTTPError
			return errors.As(err, &he) && !he.Temporary()
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			log.LogWarn("Circuit breaker state changed",
				zap.String("breaker", name), zap.String("from", from.String()), zap.String("to", to.String()))
		},
	})

	return &Client{
		baseURL:         opts.BaseURL,
		apiKey:          opts.APIKey,
		rateLimiter:     rate.NewLimiter(rate.Limit(opts.RateLimit), opts.Burst),
		circuitBreaker:  circuitBreaker,
		maxResponseSize: opts.MaxResponseSize,
		httpClient: &http.Client{
			Timeout: opts.Timeout,
			Transport: &http.Transport{
				MaxIdleConns:    10,
				IdleConnTimeout: 90 * time.Second,
			},
		},
	}
}

// IsTransient reports whether err is worth retrying at the same offset
func IsTransient(err error) bool {
	return errors.Is(err, domain.ErrUpstreamTransient)
}

// MakeRequest performs a GET against the API and returns the body of a 2xx response.
// Retryable failures are wrapped with domain.ErrUpstreamTransient.
func (c *Client) MakeRequest(ctx context.Context, endpoint string) ([]byte, error) {
	requestID := log.GenerateRequestID()
	startTime := time.Now()

	if err := c.rateLimiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("rate limiter wait failed: %w", err)
	}

	result, err := c.circuitBreaker.Execute(func() (interface{}, error) {
		return c.do(ctx, requestID, endpoint, startTime)
	})
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			log.LogWarn("Circuit breaker rejected request", zap.String("request_id", requestID), zap.String("endpoint", endpoint))
			return nil, fmt.Errorf("%w: %w", domain.ErrUpstreamTransient, err)
		}
		if errors.Is(err, ErrResponseTooLarge) {
			return nil, err
		}
		return nil, retry.Transient(ctx, err)
	}
	return result.([]byte), nil
}

func (c *Client) do(ctx context.Context, requestID, endpoint string, startTime time.Time) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	log.LogRequest(requestID, http.MethodGet, endpoint)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		log.LogResponse(requestID, 0, time.Since(startTime).Milliseconds(), zap.String("endpoint", endpoint), zap.Error(err))
		return nil, fmt.Errorf("failed to perform request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, c.maxResponseSize+1))
	duration := time.Since(startTime).Milliseconds()
	if err != nil {
		log.LogResponse(requestID, resp.StatusCode, duration, zap.String("endpoint", endpoint), zap.Error(err))
		return nil, fmt.Errorf("failed to read response: %w", err)
	}

	log.LogResponse(requestID, resp.StatusCode, duration, zap.String("endpoint", endpoint))

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, retry.NewHTTPError(resp, body[:min(len(body), maxErrorBody)])
	}
	if int64(len(body)) > c.maxResponseSize {
		log.LogWarn("Response exceeds size limit", zap.String("request_id", requestID),
			zap.String("endpoint", endpoint), zap.Int64("limit", c.maxResponseSize))
		return nil, fmt.Errorf("%w: more than %d bytes from %s", ErrResponseTooLarge, c.maxResponseSize, endpoint)
	}
	return body, nil
}
