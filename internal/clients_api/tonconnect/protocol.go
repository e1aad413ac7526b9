package tonconnect

import (
	"encoding/json"
	"net/url"
	"strings"
)

const protocolVersion = "2"

type connectItem struct {
	Name string `json:"name"`
}

type connectRequest struct {
	ManifestURL string        `json:"manifestUrl"`
	Items       []connectItem `json:"items"`
}

// bridgeMessage is the envelope the bridge delivers over SSE
type bridgeMessage struct {
	From    string `json:"from"`
	Message string `json:"message"` // base64 nonce+box
}

type walletEvent struct {
	Event   string          `json:"event"`
	ID      json.RawMessage `json:"id,omitempty"`
	Payload json.RawMessage `json:"payload"`
}

type connectItemReply struct {
	Name      string `json:"name"`
	Address   string `json:"address,omitempty"`
	Network   string `json:"network,omitempty"`
	PublicKey string `json:"publicKey,omitempty"`
}

type deviceInfo struct {
	Platform   string `json:"platform"`
	AppName    string `json:"appName"`
	AppVersion string `json:"appVersion"`
}

type connectPayload struct {
	Items  []connectItemReply `json:"items"`
	Device deviceInfo         `json:"device"`
}

type connectErrorPayload struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

type appRequest struct {
	Method string   `json:"method"`
	Params []string `json:"params"`
	ID     string   `json:"id"`
}

// UniversalLink builds the wallet link carrying the session id and connect request
func UniversalLink(wallet WalletApp, sessionID, manifestURL string) (string, error) {
	req, err := json.Marshal(connectRequest{ManifestURL: manifestURL, Items: []connectItem{{Name: "ton_addr"}}})
	if err != nil {
		return "", err
	}
	q := url.Values{}
	q.Set("v", protocolVersion)
	q.Set("id", sessionID)
	q.Set("r", string(req))
	q.Set("ret", "none")

	sep := "?"
	if strings.Contains(wallet.UniversalURL, "?") {
		sep = "&"
	}
	return wallet.UniversalURL + sep + q.Encode(), nil
}

// tonAddress returns the account address from a connect payload
func (p connectPayload) tonAddress() string {
	for _, it := range p.Items {
		if it.Name == "ton_addr" && it.Address != "" {
			return it.Address
		}
	}
	return ""
}
