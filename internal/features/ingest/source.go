package ingest

import (
	"context"

	"ton-club-bot/internal/clients_api/tonapi"
	"ton-club-bot/internal/features/ledger"
)

// Source pages through the upstream indexer
type Source interface {
	JettonHolders(ctx context.Context, offset, limit int) ([]ledger.HolderEntry, error)
	NftItems(ctx context.Context, offset, limit int) ([]ledger.NftEntry, error)
}

// TonAPISource reads the configured jetton and collection from TonAPI
type TonAPISource struct {
	client     *tonapi.Client
	master     string
	collection string
}

func NewTonAPISource(client *tonapi.Client, master, collection string) *TonAPISource {
	return &TonAPISource{client: client, master: master, collection: collection}
}

func (s *TonAPISource) JettonHolders(ctx context.Context, offset, limit int) ([]ledger.HolderEntry, error) {
	resp, err := s.client.GetJettonHolders(ctx, s.master, offset, limit)
	if err != nil {
		return nil, err
	}
	out := make([]ledger.HolderEntry, 0, len(resp.Addresses))
	for _, h := range resp.Addresses {
		out = append(out, ledger.HolderEntry{Owner: h.Owner.Address, Balance: h.Balance})
	}
	return out, nil
}

func (s *TonAPISource) NftItems(ctx context.Context, offset, limit int) ([]ledger.NftEntry, error) {
	resp, err := s.client.GetCollectionItems(ctx, s.collection, offset, limit)
	if err != nil {
		return nil, err
	}
	out := make([]ledger.NftEntry, 0, len(resp.NftItems))
	for _, it := range resp.NftItems {
		e := ledger.NftEntry{Address: it.Address}
		if it.Owner != nil {
			e.Owner = it.Owner.Address
		}
		if it.Collection != nil {
			e.Collection = it.Collection.Address
		}
		out = append(out, e)
	}
	return out, nil
}
