package tonconnect

import (
	"bufio"
	"bytes"
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/sony/gobreaker"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"ton-club-bot/internal/infra/log"
)

const messageTTL = 300 // seconds

var errStreamClosed = errors.New("bridge stream closed")

// Event is one server-sent event
type Event struct {
	ID   string
	Type string
	Data string
}

// Bridge talks to a TON Connect HTTP bridge
type Bridge struct {
	baseURL        string
	httpClient     *http.Client
	streamClient   *http.Client
	rateLimiter    *rate.Limiter
	circuitBreaker *gobreaker.CircuitBreaker
}

func NewBridge(baseURL string, httpClient *http.Client) *Bridge {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 15 * time.Second}
	}
	return &Bridge{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: httpClient,
		// the event stream is long lived, only the transport is shared
		streamClient: &http.Client{Transport: httpClient.Transport},
		rateLimiter:  rate.NewLimiter(rate.Limit(5), 5),
		circuitBreaker: gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:        "TonConnectBridge",
			MaxRequests: 1,
			Interval:    60 * time.Second,
			Timeout:     30 * time.Second,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures > 3
			},
		}),
	}
}

// Listen opens the event stream for clientID and calls handle for every message event.
// It returns when the stream ends; cancellation returns ctx.Err().
func (b *Bridge) Listen(ctx context.Context, clientID, lastEventID string, handle func(Event)) error {
	q := url.Values{}
	q.Set("client_id", clientID)
	if lastEventID != "" {
		q.Set("last_event_id", lastEventID)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, b.baseURL+"/events?"+q.Encode(), nil)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Accept", "text/event-stream")
	req.Header.Set("Cache-Control", "no-cache")

	resp, err := b.streamClient.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return fmt.Errorf("failed to open event stream: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return fmt.Errorf("event stream returned status %d: %s", resp.StatusCode, string(body))
	}

	err = readEvents(resp.Body, func(ev Event) {
		if ev.Type == "heartbeat" || ev.Data == "" {
			return
		}
		handle(ev)
	})
	if ctx.Err() != nil {
		return ctx.Err()
	}
	if err != nil {
		return fmt.Errorf("event stream: %w", err)
	}
	return errStreamClosed
}

// readEvents parses a text/event-stream body
func readEvents(r io.Reader, emit func(Event)) error {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)

	var (
		cur  Event
		data []string
	)
	flush := func() {
		if len(data) > 0 || cur.Type != "" {
			cur.Data = strings.Join(data, "\n")
			if cur.Type == "" {
				cur.Type = "message"
			}
			emit(cur)
		}
		cur = Event{}
		data = data[:0]
	}

	for scanner.Scan() {
		line := scanner.Text()
		if line == "" {
			flush()
			continue
		}
		if strings.HasPrefix(line, ":") {
			continue
		}
		field, value, _ := strings.Cut(line, ":")
		value = strings.TrimPrefix(value, " ")
		switch field {
		case "id":
			cur.ID = value
		case "event":
			cur.Type = value
		case "data":
			data = append(data, value)
		}
	}
	if err := scanner.Err(); err != nil {
		return err
	}
	flush()
	return nil
}

// Send encrypts payload for the wallet and posts it through the bridge
func (b *Bridge) Send(ctx context.Context, session *KeyPair, walletID string, payload []byte) error {
	walletKey, err := ParsePublicKey(walletID)
	if err != nil {
		return err
	}
	sealed, err := session.Encrypt(payload, walletKey)
	if err != nil {
		return err
	}

	q := url.Values{}
	q.Set("client_id", session.SessionID())
	q.Set("to", walletID)
	q.Set("ttl", strconv.Itoa(messageTTL))
	endpoint := b.baseURL + "/message?" + q.Encode()
	body := base64.StdEncoding.EncodeToString(sealed)

	if err := b.rateLimiter.Wait(ctx); err != nil {
		return fmt.Errorf("rate limiter wait failed: %w", err)
	}

	requestID := log.GenerateRequestID()
	start := time.Now()
	_, err = b.circuitBreaker.Execute(func() (interface{}, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewBufferString(body))
		if err != nil {
			return nil, fmt.Errorf("failed to create request: %w", err)
		}
		req.Header.Set("Content-Type", "text/plain")

		log.LogRequest(requestID, http.MethodPost, "/message", zap.String("to", walletID))
		resp, err := b.httpClient.Do(req)
		if err != nil {
			return nil, fmt.Errorf("failed to post bridge message: %w", err)
		}
		defer resp.Body.Close()
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		log.LogResponse(requestID, resp.StatusCode, time.Since(start).Milliseconds(), zap.String("endpoint", "/message"))

		if resp.StatusCode < 200 || resp.StatusCode >= 300 {
			return nil, fmt.Errorf("bridge message returned status %d", resp.StatusCode)
		}
		return nil, nil
	})
	return err
}
