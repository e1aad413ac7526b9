package ledger

// Holder ledger policy on top of the store
// Normalizes addresses, assigns ranks, answers whale and eligibility questions

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/xssnick/tonutils-go/address"
	"go.uber.org/zap"

	"ton-club-bot/internal/domain"
	"ton-club-bot/internal/infra/log"
	"ton-club-bot/internal/models"
	"ton-club-bot/internal/store"
)

// HolderEntry is one row of an upstream holder ranking, in upstream order
type HolderEntry struct {
	Owner   string
	Balance string // decimal string, smallest unit
}

// NftEntry is one collection item with its current owner
type NftEntry struct {
	Address    string
	Owner      string
	Collection string
}

type Ledger struct {
	store      store.Store
	thresholds models.WhaleThresholds
	collection string // raw membership collection address
}

// New validates the membership collection address
func New(st store.Store, th models.WhaleThresholds, collection string) (*Ledger, error) {
	raw, err := NormalizeAddress(collection)
	if err != nil {
		return nil, fmt.Errorf("invalid nft collection address: %w", err)
	}
	return &Ledger{store: st, thresholds: th, collection: raw}, nil
}

// NormalizeAddress returns the raw "wc:hex" form of a raw or user-friendly address
func NormalizeAddress(s string) (string, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return "", fmt.Errorf("empty address")
	}
	var (
		addr *address.Address
		err  error
	)
	if strings.Contains(s, ":") {
		addr, err = address.ParseRawAddr(s)
	} else {
		addr, err = address.ParseAddr(s)
	}
	if err != nil {
		return "", fmt.Errorf("parse address %q: %w", s, err)
	}
	return addr.StringRaw(), nil
}

// FriendlyAddress renders a raw address in non-bounceable user-friendly form, or returns it as is
func FriendlyAddress(raw string) string {
	addr, err := address.ParseRawAddr(raw)
	if err != nil {
		return raw
	}
	addr.SetBounce(false)
	return addr.String()
}

func (l *Ledger) Thresholds() models.WhaleThresholds { return l.thresholds }

func (l *Ledger) Collection() string { return l.collection }

func (l *Ledger) Store() store.Store { return l.store }

// Bind links the wallet reported by TON Connect to the account
func (l *Ledger) Bind(ctx context.Context, accountID uint64, addr string) (string, error) {
	raw, err := NormalizeAddress(addr)
	if err != nil {
		return "", err
	}
	if err := l.store.BindWallet(ctx, accountID, raw); err != nil {
		if errors.Is(err, domain.ErrAddressAlreadyLinked) {
			log.LogWarn("Wallet already linked to another account",
				zap.Uint64("account_id", accountID), zap.String("address", raw))
		}
		return "", err
	}
	log.LogInfo("Wallet linked", zap.Uint64("account_id", accountID), zap.String("address", raw))
	return raw, nil
}

// Unlink removes the account's wallet link
func (l *Ledger) Unlink(ctx context.Context, accountID uint64) error {
	return l.store.UnlinkWallet(ctx, accountID)
}

// ApplyHolderPage upserts a ranking page. firstRank is the rank of page[0].
// Owners are added to seen in raw form.
func (l *Ledger) ApplyHolderPage(ctx context.Context, page []HolderEntry, firstRank int, seen map[string]struct{}) (int, error) {
	records := make([]models.HolderRecord, 0, len(page))
	for i, h := range page {
		raw, err := NormalizeAddress(h.Owner)
		if err != nil {
			log.LogWarn("Skipping holder with bad address", zap.String("owner", h.Owner), zap.Error(err))
			continue
		}
		balance, err := models.ParseAmount(h.Balance)
		if err != nil {
			log.LogWarn("Skipping holder with bad balance", zap.String("owner", raw), zap.String("balance", h.Balance), zap.Error(err))
			continue
		}
		if _, dup := seen[raw]; dup {
			// Upstream pages can shift between requests; the first (higher) rank wins
			continue
		}
		seen[raw] = struct{}{}
		records = append(records, models.HolderRecord{Address: raw, Balance: balance, Rank: firstRank + i})
	}
	return l.store.UpsertHolders(ctx, records)
}

// FinishRanking resets holders the completed ranking did not contain
func (l *Ledger) FinishRanking(ctx context.Context, seen map[string]struct{}) (int, error) {
	return l.store.ResetUnseenHolders(ctx, seen)
}

// ApplyNftPage upserts item ownership
func (l *Ledger) ApplyNftPage(ctx context.Context, page []NftEntry) (int, error) {
	records := make([]models.NftOwnershipRecord, 0, len(page))
	for _, it := range page {
		item, err := NormalizeAddress(it.Address)
		if err != nil {
			log.LogWarn("Skipping nft item with bad address", zap.String("item", it.Address), zap.Error(err))
			continue
		}
		owner := ""
		if it.Owner != "" {
			if owner, err = NormalizeAddress(it.Owner); err != nil {
				log.LogWarn("Skipping nft item with bad owner", zap.String("item", item), zap.Error(err))
				continue
			}
		}
		collection := l.collection
		if it.Collection != "" {
			if collection, err = NormalizeAddress(it.Collection); err != nil {
				collection = l.collection
			}
		}
		records = append(records, models.NftOwnershipRecord{Address: item, OwnerAddress: owner, CollectionAddress: collection})
	}
	return l.store.UpsertNftItems(ctx, records)
}

// IsNftHolder reports ownership of a membership collection item
func (l *Ledger) IsNftHolder(ctx context.Context, owner string) (bool, error) {
	if owner == "" {
		return false, nil
	}
	return l.store.OwnsCollectionItem(ctx, owner, l.collection)
}

// IsWhale applies the configured thresholds to the linked holder row
func (l *Ledger) IsWhale(view models.AccountWithWallet) bool {
	return view.IsWhale(l.thresholds)
}

// IsEligible is NFT ownership or whale status
func (l *Ledger) IsEligible(ctx context.Context, view models.AccountWithWallet) (bool, error) {
	if !view.HasWallet() {
		return false, nil
	}
	if l.IsWhale(view) {
		return true, nil
	}
	return l.IsNftHolder(ctx, view.Wallet.Address)
}
