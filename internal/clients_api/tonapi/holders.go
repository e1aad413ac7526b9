package tonapi

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"strconv"
)

type AccountAddress struct {
	Address  string `json:"address"`
	Name     string `json:"name,omitempty"`
	IsScam   bool   `json:"is_scam"`
	IsWallet bool   `json:"is_wallet"`
}

type JettonHolder struct {
	Address string         `json:"address"` // jetton wallet
	Owner   AccountAddress `json:"owner"`
	Balance string         `json:"balance"`
}

type JettonHolders struct {
	Addresses []JettonHolder `json:"addresses"`
	Total     int64          `json:"total"`
}

type NftCollectionRef struct {
	Address string `json:"address"`
	Name    string `json:"name"`
}

type NftItem struct {
	Address    string            `json:"address"`
	Index      int64             `json:"index"`
	Owner      *AccountAddress   `json:"owner,omitempty"`
	Collection *NftCollectionRef `json:"collection,omitempty"`
}

type NftItems struct {
	NftItems []NftItem `json:"nft_items"`
}

func pageQuery(offset, limit int) string {
	params := url.Values{}
	params.Set("limit", strconv.Itoa(limit))
	params.Set("offset", strconv.Itoa(offset))
	return params.Encode()
}

// GetJettonHolders returns one page of holders of the jetton master, largest first
func (c *Client) GetJettonHolders(ctx context.Context, master string, offset, limit int) (*JettonHolders, error) {
	endpoint := fmt.Sprintf("/v2/jettons/%s/holders?%s", url.PathEscape(master), pageQuery(offset, limit))

	body, err := c.MakeRequest(ctx, endpoint)
	if err != nil {
		return nil, fmt.Errorf("failed to get jetton holders at offset %d: %w", offset, err)
	}

	var out JettonHolders
	if err := json.Unmarshal(body, &out); err != nil {
		return nil, fmt.Errorf("failed to unmarshal jetton holders: %w", err)
	}
	return &out, nil
}

// GetCollectionItems returns one page of items of an NFT collection
func (c *Client) GetCollectionItems(ctx context.Context, collection string, offset, limit int) (*NftItems, error) {
	endpoint := fmt.Sprintf("/v2/nfts/collections/%s/items?%s", url.PathEscape(collection), pageQuery(offset, limit))

	body, err := c.MakeRequest(ctx, endpoint)
	if err != nil {
		return nil, fmt.Errorf("failed to get collection items at offset %d: %w", offset, err)
	}

	var out NftItems
	if err := json.Unmarshal(body, &out); err != nil {
		return nil, fmt.Errorf("failed to unmarshal collection items: %w", err)
	}
	return &out, nil
}
