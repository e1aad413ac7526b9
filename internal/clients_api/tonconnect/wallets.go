package tonconnect

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"

	"ton-club-bot/internal/domain"
	"ton-club-bot/internal/infra/log"
	"ton-club-bot/internal/infra/retry"
)

const (
	// DefaultWalletsListURL is the community maintained wallets registry
	DefaultWalletsListURL = "https://raw.githubusercontent.com/ton-blockchain/wallets-list/main/wallets-v2.json"
	defaultWalletsTTL     = 10 * time.Minute
)

var registryRetry = retry.Options{
	MaxRetries: 2,
	BaseDelay:  200 * time.Millisecond,
	MaxDelay:   time.Second,
}

type BridgeEndpoint struct {
	Type string `json:"type"`
	URL  string `json:"url,omitempty"`
}

// WalletApp is one entry of the wallets registry
type WalletApp struct {
	Name         string           `json:"name"`
	AppName      string           `json:"app_name"`
	Image        string           `json:"image"`
	AboutURL     string           `json:"about_url"`
	UniversalURL string           `json:"universal_url"`
	Bridge       []BridgeEndpoint `json:"bridge"`
	Platforms    []string         `json:"platforms"`
}

// BridgeURL returns the HTTP bridge of the wallet, empty for injected-only wallets
func (w WalletApp) BridgeURL() string {
	for _, b := range w.Bridge {
		if b.Type == "sse" && b.URL != "" {
			return b.URL
		}
	}
	return ""
}

// fallbackWallets is used when the registry has never been fetched successfully
var fallbackWallets = []WalletApp{
	{
		Name:         "Tonkeeper",
		AppName:      "tonkeeper",
		UniversalURL: "https://app.tonkeeper.com/ton-connect",
		Bridge:       []BridgeEndpoint{{Type: "sse", URL: "https://bridge.tonapi.io/bridge"}},
	},
	{
		Name:         "MyTonWallet",
		AppName:      "mytonwallet",
		UniversalURL: "https://connect.mytonwallet.org",
		Bridge:       []BridgeEndpoint{{Type: "sse", URL: "https://tonconnectbridge.mytonwallet.org/bridge"}},
	},
}

// Registry caches the wallets list in memory
type Registry struct {
	url        string
	ttl        time.Duration
	httpClient *http.Client
	now        func() time.Time

	mu        sync.Mutex
	wallets   []WalletApp
	fetchedAt time.Time
}

func NewRegistry(url string, ttl time.Duration, httpClient *http.Client) *Registry {
	if url == "" {
		url = DefaultWalletsListURL
	}
	if ttl <= 0 {
		ttl = defaultWalletsTTL
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 15 * time.Second}
	}
	return &Registry{url: url, ttl: ttl, httpClient: httpClient, now: time.Now}
}

// Wallets returns wallets reachable over an HTTP bridge. A failed refresh serves the stale list.
func (r *Registry) Wallets(ctx context.Context) ([]WalletApp, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.wallets != nil && r.now().Sub(r.fetchedAt) < r.ttl {
		return r.wallets, nil
	}

	wallets, err := r.fetch(ctx)
	if err != nil {
		if r.wallets != nil {
			log.LogWarn("Failed to refresh wallets list, serving cached", zap.Error(err))
			return r.wallets, nil
		}
		log.LogWarn("Failed to fetch wallets list, using fallback", zap.Error(err))
		return fallbackWallets, nil
	}
	r.wallets = wallets
	r.fetchedAt = r.now()
	return wallets, nil
}

// Get finds a wallet by its display name
func (r *Registry) Get(ctx context.Context, name string) (WalletApp, error) {
	wallets, err := r.Wallets(ctx)
	if err != nil {
		return WalletApp{}, err
	}
	for _, w := range wallets {
		if w.Name == name {
			return w, nil
		}
	}
	return WalletApp{}, fmt.Errorf("%w: %q", domain.ErrUnknownWalletKind, name)
}

func (r *Registry) fetch(ctx context.Context) ([]WalletApp, error) {
	var body []byte
	err := retry.Do(ctx, registryRetry, func() error {
		var err error
		body, err = r.get(ctx)
		return retry.Transient(ctx, err)
	})
	if err != nil {
		return nil, err
	}

	var all []WalletApp
	if err := json.Unmarshal(body, &all); err != nil {
		return nil, fmt.Errorf("failed to unmarshal wallets list: %w", err)
	}
	out := make([]WalletApp, 0, len(all))
	for _, w := range all {
		if w.UniversalURL == "" || w.BridgeURL() == "" {
			continue
		}
		out = append(out, w)
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("wallets list has no http bridge wallets")
	}
	return out, nil
}

func (r *Registry) get(ctx context.Context) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, r.url, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	resp, err := r.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch wallets list: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 4*1024*1024))
	if err != nil {
		return nil, fmt.Errorf("failed to read wallets list: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, retry.NewHTTPError(resp, body)
	}
	return body, nil
}
