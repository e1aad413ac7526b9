package tonconnect

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ton-club-bot/internal/domain"
)

func TestEncryptDecrypt(t *testing.T) {
	app, err := NewKeyPair()
	require.NoError(t, err)
	wallet, err := NewKeyPair()
	require.NoError(t, err)

	sealed, err := app.Encrypt([]byte(`{"method":"disconnect"}`), &wallet.Public)
	require.NoError(t, err)

	plain, err := wallet.Decrypt(sealed, &app.Public)
	require.NoError(t, err)
	assert.Equal(t, `{"method":"disconnect"}`, string(plain))

	sealed[len(sealed)-1] ^= 0xff
	_, err = wallet.Decrypt(sealed, &app.Public)
	assert.Error(t, err)

	_, err = wallet.Decrypt([]byte("short"), &app.Public)
	assert.Error(t, err)
}

func TestKeyPairFromHex(t *testing.T) {
	kp, err := NewKeyPair()
	require.NoError(t, err)

	restored, err := KeyPairFromHex(kp.PrivateHex())
	require.NoError(t, err)
	assert.Equal(t, kp.SessionID(), restored.SessionID())

	_, err = KeyPairFromHex("abcd")
	assert.Error(t, err)
}

func TestUniversalLink(t *testing.T) {
	w := WalletApp{Name: "Tonkeeper", UniversalURL: "https://app.tonkeeper.com/ton-connect"}
	link, err := UniversalLink(w, "deadbeef", "https://example.org/manifest.json")
	require.NoError(t, err)

	u, err := url.Parse(link)
	require.NoError(t, err)
	assert.Equal(t, "app.tonkeeper.com", u.Host)
	q := u.Query()
	assert.Equal(t, "2", q.Get("v"))
	assert.Equal(t, "deadbeef", q.Get("id"))
	assert.Equal(t, "none", q.Get("ret"))
	assert.JSONEq(t, `{"manifestUrl":"https://example.org/manifest.json","items":[{"name":"ton_addr"}]}`, q.Get("r"))

	w.UniversalURL = "https://t.me/wallet?attach=wallet"
	link, err = UniversalLink(w, "deadbeef", "https://example.org/manifest.json")
	require.NoError(t, err)
	assert.Contains(t, link, "attach=wallet&")
}

func TestReadEvents(t *testing.T) {
	stream := ": comment\n" +
		"event: heartbeat\n\n" +
		"id: 17\nevent: message\ndata: {\"from\":\"a\",\n" +
		"data: \"message\":\"b\"}\n\n" +
		"data: tail"

	var got []Event
	require.NoError(t, readEvents(strings.NewReader(stream), func(ev Event) { got = append(got, ev) }))
	require.Len(t, got, 3)
	assert.Equal(t, "heartbeat", got[0].Type)
	assert.Equal(t, "17", got[1].ID)
	assert.Equal(t, "{\"from\":\"a\",\n\"message\":\"b\"}", got[1].Data)
	assert.Equal(t, "message", got[2].Type)
	assert.Equal(t, "tail", got[2].Data)
}

const walletsJSON = `[
  {"name":"Tonkeeper","app_name":"tonkeeper","universal_url":"https://app.tonkeeper.com/ton-connect",
   "bridge":[{"type":"sse","url":"https://bridge.tonapi.io/bridge"},{"type":"js","key":"tonkeeper"}]},
  {"name":"OpenMask","app_name":"openMask","bridge":[{"type":"js","key":"openmask"}]}
]`

func TestRegistry(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		_, _ = w.Write([]byte(walletsJSON))
	}))
	defer srv.Close()

	reg := NewRegistry(srv.URL, time.Minute, srv.Client())
	now := time.Unix(1000, 0)
	reg.now = func() time.Time { return now }
	ctx := context.Background()

	wallets, err := reg.Wallets(ctx)
	require.NoError(t, err)
	require.Len(t, wallets, 1)
	assert.Equal(t, "https://bridge.tonapi.io/bridge", wallets[0].BridgeURL())

	w, err := reg.Get(ctx, "Tonkeeper")
	require.NoError(t, err)
	assert.Equal(t, "tonkeeper", w.AppName)
	assert.EqualValues(t, 1, hits.Load())

	_, err = reg.Get(ctx, "OpenMask")
	assert.ErrorIs(t, err, domain.ErrUnknownWalletKind)

	now = now.Add(2 * time.Minute)
	_, err = reg.Wallets(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 2, hits.Load())
}

func TestRegistryFallback(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	reg := NewRegistry(srv.URL, time.Minute, srv.Client())
	wallets, err := reg.Wallets(context.Background())
	require.NoError(t, err)
	assert.NotEmpty(t, wallets)
	assert.Equal(t, "Tonkeeper", wallets[0].Name)
}

func TestRegistryRetriesServerErrors(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if hits.Add(1) == 1 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		_, _ = w.Write([]byte(walletsJSON))
	}))
	defer srv.Close()

	reg := NewRegistry(srv.URL, time.Minute, srv.Client())
	wallets, err := reg.Wallets(context.Background())
	require.NoError(t, err)
	require.NotEmpty(t, wallets)
	assert.EqualValues(t, 2, hits.Load())
}

// fakeBridge pushes wallet events to the first client that opens a stream
type fakeBridge struct {
	t      *testing.T
	wallet *KeyPair
	events []string

	mu       sync.Mutex
	clientID string
	posted   []url.Values
	bodies   []string
}

func (b *fakeBridge) handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/bridge/events", func(w http.ResponseWriter, r *http.Request) {
		clientID := r.URL.Query().Get("client_id")
		b.mu.Lock()
		b.clientID = clientID
		b.mu.Unlock()

		clientKey, err := ParsePublicKey(clientID)
		if !assert.NoError(b.t, err) {
			return
		}
		w.Header().Set("Content-Type", "text/event-stream")
		flusher := w.(http.Flusher)
		fmt.Fprint(w, "event: heartbeat\n\n")
		for i, ev := range b.events {
			sealed, err := b.wallet.Encrypt([]byte(ev), clientKey)
			if !assert.NoError(b.t, err) {
				return
			}
			msg, _ := json.Marshal(bridgeMessage{From: b.wallet.SessionID(), Message: base64.StdEncoding.EncodeToString(sealed)})
			fmt.Fprintf(w, "id: %d\nevent: message\ndata: %s\n\n", i+1, msg)
		}
		flusher.Flush()
		<-r.Context().Done()
	})
	mux.HandleFunc("/bridge/message", func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		b.mu.Lock()
		b.posted = append(b.posted, r.URL.Query())
		b.bodies = append(b.bodies, string(body))
		b.mu.Unlock()
		_, _ = w.Write([]byte(`{"statusCode":200}`))
	})
	return mux
}

const testAddress = "0:83dfd552e63729b472fcbcc8c45ebcc6691702558b68ec7527e1ba403a0f31a8"

func newBridgeServer(t *testing.T, events ...string) (*fakeBridge, WalletApp) {
	t.Helper()
	walletKeys, err := NewKeyPair()
	require.NoError(t, err)
	fb := &fakeBridge{t: t, wallet: walletKeys, events: events}
	srv := httptest.NewServer(fb.handler())
	t.Cleanup(srv.Close)
	return fb, WalletApp{
		Name:         "Tonkeeper",
		UniversalURL: "https://app.tonkeeper.com/ton-connect",
		Bridge:       []BridgeEndpoint{{Type: "sse", URL: srv.URL + "/bridge"}},
	}
}

func connectEvent(addr string) string {
	return fmt.Sprintf(`{"event":"connect","id":1,"payload":{"items":[{"name":"ton_addr","address":%q,"network":"-239"}],"device":{"platform":"iphone","appName":"Tonkeeper","appVersion":"4.0"}}}`, addr)
}

func TestConnectorObservesAddressAndDisconnects(t *testing.T) {
	fb, wallet := newBridgeServer(t, connectEvent(testAddress))
	storage := NewMemoryStorage()
	c := NewConnector("https://example.org/manifest.json", storage, nil)
	t.Cleanup(c.Pause)
	ctx := context.Background()

	link, err := c.Connect(ctx, wallet)
	require.NoError(t, err)
	u, err := url.Parse(link)
	require.NoError(t, err)
	sessionID := u.Query().Get("id")

	require.Eventually(t, c.Connected, 5*time.Second, 10*time.Millisecond)
	assert.Equal(t, testAddress, c.Address())
	fb.mu.Lock()
	assert.Equal(t, sessionID, fb.clientID)
	fb.mu.Unlock()

	stored, ok, err := storage.Get(ctx, connectionKey)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Contains(t, stored, testAddress)

	require.NoError(t, c.Disconnect(ctx))
	assert.False(t, c.Connected())
	_, ok, _ = storage.Get(ctx, connectionKey)
	assert.False(t, ok)

	fb.mu.Lock()
	defer fb.mu.Unlock()
	require.Len(t, fb.posted, 1)
	assert.Equal(t, sessionID, fb.posted[0].Get("client_id"))
	assert.Equal(t, fb.wallet.SessionID(), fb.posted[0].Get("to"))
	assert.Equal(t, "300", fb.posted[0].Get("ttl"))

	sealed, err := base64.StdEncoding.DecodeString(fb.bodies[0])
	require.NoError(t, err)
	appKey, err := ParsePublicKey(sessionID)
	require.NoError(t, err)
	plain, err := fb.wallet.Decrypt(sealed, appKey)
	require.NoError(t, err)
	assert.JSONEq(t, `{"method":"disconnect","params":[],"id":"1"}`, string(plain))
}

func TestConnectorRestore(t *testing.T) {
	_, wallet := newBridgeServer(t, connectEvent(testAddress))
	storage := NewMemoryStorage()
	ctx := context.Background()

	first := NewConnector("https://example.org/manifest.json", storage, nil)
	_, err := first.Connect(ctx, wallet)
	require.NoError(t, err)
	require.Eventually(t, first.Connected, 5*time.Second, 10*time.Millisecond)
	first.Pause()

	second := NewConnector("https://example.org/manifest.json", storage, nil)
	connected, err := second.Restore(ctx)
	require.NoError(t, err)
	assert.True(t, connected)
	assert.Equal(t, testAddress, second.Address())

	empty := NewConnector("https://example.org/manifest.json", NewMemoryStorage(), nil)
	connected, err = empty.Restore(ctx)
	require.NoError(t, err)
	assert.False(t, connected)
	require.NoError(t, empty.Disconnect(ctx))
}

func TestConnectorRecordsRejection(t *testing.T) {
	_, wallet := newBridgeServer(t, `{"event":"connect_error","id":1,"payload":{"code":300,"message":"User declined the connection"}}`)
	c := NewConnector("https://example.org/manifest.json", NewMemoryStorage(), nil)
	t.Cleanup(c.Pause)

	_, err := c.Connect(context.Background(), wallet)
	require.NoError(t, err)
	require.Eventually(t, func() bool { return c.Err() != nil }, 5*time.Second, 10*time.Millisecond)
	assert.False(t, c.Connected())
	assert.Contains(t, c.Err().Error(), "declined")
}
