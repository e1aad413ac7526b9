package tonconnect

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"

	"ton-club-bot/internal/infra/log"
)

const connectionKey = "connection"

// connection is the persisted session state
type connection struct {
	Wallet        string `json:"wallet"`
	BridgeURL     string `json:"bridge_url"`
	SessionKey    string `json:"session_private_key"`
	WalletID      string `json:"wallet_public_key,omitempty"`
	Address       string `json:"address,omitempty"`
	LastEventID   string `json:"last_event_id,omitempty"`
	NextRequestID int    `json:"next_request_id"`
}

// Connector drives one chat's wallet session over the HTTP bridge
type Connector struct {
	manifestURL string
	storage     Storage
	httpClient  *http.Client

	mu       sync.Mutex
	conn     *connection
	keys     *KeyPair
	bridge   *Bridge
	stop     context.CancelFunc
	lastErr  error
	listenWG sync.WaitGroup
}

func NewConnector(manifestURL string, storage Storage, httpClient *http.Client) *Connector {
	return &Connector{manifestURL: manifestURL, storage: storage, httpClient: httpClient}
}

// Connect starts a fresh session with the wallet and returns its universal link
func (c *Connector) Connect(ctx context.Context, wallet WalletApp) (string, error) {
	bridgeURL := wallet.BridgeURL()
	if bridgeURL == "" {
		return "", fmt.Errorf("wallet %q has no http bridge", wallet.Name)
	}
	keys, err := NewKeyPair()
	if err != nil {
		return "", err
	}
	link, err := UniversalLink(wallet, keys.SessionID(), c.manifestURL)
	if err != nil {
		return "", fmt.Errorf("build universal link: %w", err)
	}

	c.Pause()

	c.mu.Lock()
	c.keys = keys
	c.bridge = NewBridge(bridgeURL, c.httpClient)
	c.conn = &connection{Wallet: wallet.Name, BridgeURL: bridgeURL, SessionKey: keys.PrivateHex()}
	c.lastErr = nil
	err = c.persistLocked(ctx)
	c.mu.Unlock()
	if err != nil {
		return "", err
	}

	c.listen()
	return link, nil
}

// Connected reports whether the wallet approved the connection
func (c *Connector) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn != nil && c.conn.Address != ""
}

// Address is the raw account address reported by the wallet
func (c *Connector) Address() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil {
		return ""
	}
	return c.conn.Address
}

// Err is the last connect_error reported by the wallet
func (c *Connector) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastErr
}

// Restore loads the persisted session and reports whether it is connected
func (c *Connector) Restore(ctx context.Context) (bool, error) {
	raw, ok, err := c.storage.Get(ctx, connectionKey)
	if err != nil {
		return false, err
	}
	if !ok {
		return false, nil
	}
	var conn connection
	if err := json.Unmarshal([]byte(raw), &conn); err != nil {
		return false, fmt.Errorf("decode stored connection: %w", err)
	}
	keys, err := KeyPairFromHex(conn.SessionKey)
	if err != nil {
		return false, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.conn = &conn
	c.keys = keys
	c.bridge = NewBridge(conn.BridgeURL, c.httpClient)
	return conn.Address != "", nil
}

// Pause stops listening to the bridge and keeps the stored session
func (c *Connector) Pause() {
	c.mu.Lock()
	stop := c.stop
	c.stop = nil
	c.mu.Unlock()
	if stop != nil {
		stop()
	}
	c.listenWG.Wait()
}

// Disconnect notifies the wallet when possible and forgets the session
func (c *Connector) Disconnect(ctx context.Context) error {
	c.Pause()

	c.mu.Lock()
	conn, keys, bridge := c.conn, c.keys, c.bridge
	var payload []byte
	if conn != nil && conn.WalletID != "" {
		conn.NextRequestID++
		payload, _ = json.Marshal(appRequest{Method: "disconnect", Params: []string{}, ID: strconv.Itoa(conn.NextRequestID)})
	}
	c.conn, c.keys, c.bridge = nil, nil, nil
	c.mu.Unlock()

	if payload != nil && bridge != nil && keys != nil {
		if err := bridge.Send(ctx, keys, conn.WalletID, payload); err != nil {
			log.LogWarn("Failed to notify wallet about disconnect", zap.Error(err))
		}
	}
	if err := c.storage.Remove(ctx, connectionKey); err != nil {
		return fmt.Errorf("clear stored connection: %w", err)
	}
	return nil
}

func (c *Connector) persistLocked(ctx context.Context) error {
	raw, err := json.Marshal(c.conn)
	if err != nil {
		return err
	}
	if err := c.storage.Set(ctx, connectionKey, string(raw)); err != nil {
		return fmt.Errorf("store connection: %w", err)
	}
	return nil
}

// listen keeps the event stream open, reconnecting with backoff until paused
func (c *Connector) listen() {
	ctx, cancel := context.WithCancel(context.Background())

	c.mu.Lock()
	c.stop = cancel
	bridge, keys := c.bridge, c.keys
	c.mu.Unlock()

	c.listenWG.Add(1)
	go func() {
		defer c.listenWG.Done()
		b := backoff.NewExponentialBackOff()
		b.InitialInterval = 500 * time.Millisecond
		b.MaxInterval = 10 * time.Second
		b.MaxElapsedTime = 0

		operation := func() error {
			c.mu.Lock()
			lastID := ""
			if c.conn != nil {
				lastID = c.conn.LastEventID
			}
			c.mu.Unlock()

			err := bridge.Listen(ctx, keys.SessionID(), lastID, func(ev Event) { c.handleEvent(ctx, ev) })
			if errors.Is(err, context.Canceled) {
				return backoff.Permanent(err)
			}
			if errors.Is(err, errStreamClosed) {
				b.Reset()
			}
			return err
		}
		notify := func(err error, next time.Duration) {
			log.LogDebug("Bridge stream interrupted", zap.Error(err), zap.Duration("next", next))
		}
		_ = backoff.RetryNotify(operation, backoff.WithContext(b, ctx), notify)
	}()
}

func (c *Connector) handleEvent(ctx context.Context, ev Event) {
	var msg bridgeMessage
	if err := json.Unmarshal([]byte(ev.Data), &msg); err != nil {
		log.LogDebug("Skipping malformed bridge message", zap.Error(err))
		return
	}
	sender, err := ParsePublicKey(msg.From)
	if err != nil {
		log.LogDebug("Skipping bridge message with bad sender", zap.Error(err))
		return
	}
	sealed, err := base64.StdEncoding.DecodeString(msg.Message)
	if err != nil {
		log.LogDebug("Skipping bridge message with bad encoding", zap.Error(err))
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil || c.keys == nil {
		return
	}
	if c.conn.WalletID != "" && c.conn.WalletID != msg.From {
		return
	}
	plain, err := c.keys.Decrypt(sealed, sender)
	if err != nil {
		log.LogDebug("Skipping undecryptable bridge message", zap.Error(err))
		return
	}

	var we walletEvent
	if err := json.Unmarshal(plain, &we); err != nil {
		log.LogDebug("Skipping malformed wallet event", zap.Error(err))
		return
	}
	if ev.ID != "" {
		c.conn.LastEventID = ev.ID
	}

	switch we.Event {
	case "connect":
		var p connectPayload
		if err := json.Unmarshal(we.Payload, &p); err != nil {
			log.LogWarn("Malformed connect payload", zap.Error(err))
			return
		}
		c.conn.WalletID = msg.From
		c.conn.Address = p.tonAddress()
		log.LogInfo("Wallet approved connection",
			zap.String("wallet", c.conn.Wallet), zap.String("device", p.Device.AppName), zap.String("address", c.conn.Address))
	case "connect_error":
		var p connectErrorPayload
		_ = json.Unmarshal(we.Payload, &p)
		c.lastErr = fmt.Errorf("wallet rejected connection (%d): %s", p.Code, p.Message)
		log.LogInfo("Wallet rejected connection", zap.Int("code", p.Code), zap.String("message", p.Message))
	case "disconnect":
		c.conn.Address = ""
		c.conn.WalletID = ""
		log.LogInfo("Wallet closed the session", zap.String("wallet", c.conn.Wallet))
	default:
		return
	}
	if err := c.persistLocked(ctx); err != nil {
		log.LogWarn("Failed to persist connection", zap.Error(err))
	}
}
