// Package storetest provides an in-memory store.Store for unit tests of the packages above the ledger
package storetest

import (
	"context"
	"sort"
	"sync"
	"time"

	"ton-club-bot/internal/domain"
	"ton-club-bot/internal/models"
	"ton-club-bot/internal/store"
)

var _ store.Store = (*Memory)(nil)

// Memory mirrors the gorm store semantics closely enough for policy tests
type Memory struct {
	mu       sync.Mutex
	nextID   uint64
	accounts map[uint64]*models.Account
	byExt    map[int64]uint64
	links    map[uint64]*models.WalletLink // by account id
	holders  map[string]*models.HolderRecord
	nfts     map[string]*models.NftOwnershipRecord
	invites  map[uint64]*models.ChatInvite

	// Writes counts rows created or changed by snapshot upserts
	Writes int
	// FailBind makes the next BindWallet return this error
	FailBind error
}

func NewMemory() *Memory {
	return &Memory{
		accounts: map[uint64]*models.Account{},
		byExt:    map[int64]uint64{},
		links:    map[uint64]*models.WalletLink{},
		holders:  map[string]*models.HolderRecord{},
		nfts:     map[string]*models.NftOwnershipRecord{},
		invites:  map[uint64]*models.ChatInvite{},
	}
}

func (m *Memory) GetOrCreateAccount(_ context.Context, p models.Profile) (*models.Account, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	lang := p.Language
	if lang == "" {
		lang = "en"
	}
	if id, ok := m.byExt[p.ExternalID]; ok {
		acc := m.accounts[id]
		acc.Username, acc.FirstName, acc.LastName, acc.Language, acc.IsPremium = p.Username, p.FirstName, p.LastName, lang, p.IsPremium
		cp := *acc
		return &cp, nil
	}
	m.nextID++
	acc := &models.Account{
		ID: m.nextID, ExternalID: p.ExternalID, Username: p.Username,
		FirstName: p.FirstName, LastName: p.LastName, Language: lang, IsPremium: p.IsPremium,
		CreatedAt: time.Now(),
	}
	m.accounts[acc.ID] = acc
	m.byExt[p.ExternalID] = acc.ID
	cp := *acc
	return &cp, nil
}

func (m *Memory) view(acc *models.Account) models.AccountWithWallet {
	v := models.AccountWithWallet{Account: *acc}
	if link, ok := m.links[acc.ID]; ok {
		l := *link
		v.Wallet = &l
		if l.HolderAddress != nil {
			if h, ok := m.holders[*l.HolderAddress]; ok {
				hc := *h
				v.Holder = &hc
			}
		}
	}
	return v
}

func (m *Memory) GetAccountWithWallet(_ context.Context, externalID int64) (*models.AccountWithWallet, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	id, ok := m.byExt[externalID]
	if !ok {
		return nil, domain.ErrAccountNotFound
	}
	v := m.view(m.accounts[id])
	return &v, nil
}

func (m *Memory) GetAccountsWithWalletsBatch(_ context.Context, afterID uint64, limit int) ([]models.AccountWithWallet, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ids := make([]uint64, 0, len(m.accounts))
	for id := range m.accounts {
		if id > afterID {
			ids = append(ids, id)
		}
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	if len(ids) > limit {
		ids = ids[:limit]
	}
	out := make([]models.AccountWithWallet, 0, len(ids))
	for _, id := range ids {
		out = append(out, m.view(m.accounts[id]))
	}
	return out, nil
}

func (m *Memory) SetWhaleAdmin(_ context.Context, accountID uint64, whaleAdmin bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if acc, ok := m.accounts[accountID]; ok {
		acc.WhaleAdmin = whaleAdmin
	}
	return nil
}

func (m *Memory) BindWallet(_ context.Context, accountID uint64, address string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.FailBind; err != nil {
		m.FailBind = nil
		return err
	}
	for _, l := range m.links {
		if l.Address == address && l.AccountID != accountID {
			return domain.ErrAddressAlreadyLinked
		}
	}
	link := &models.WalletLink{AccountID: accountID, Address: address}
	if _, ok := m.holders[address]; ok {
		a := address
		link.HolderAddress = &a
	}
	m.links[accountID] = link
	return nil
}

func (m *Memory) UnlinkWallet(_ context.Context, accountID uint64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.links, accountID)
	return nil
}

func (m *Memory) UpsertHolders(_ context.Context, holders []models.HolderRecord) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	written := 0
	for _, h := range holders {
		if cur, ok := m.holders[h.Address]; !ok || cur.Balance != h.Balance || cur.Rank != h.Rank {
			hc := h
			m.holders[h.Address] = &hc
			written++
		}
		for _, l := range m.links {
			if l.Address == h.Address && (l.HolderAddress == nil || *l.HolderAddress != h.Address) {
				a := h.Address
				l.HolderAddress = &a
				written++
			}
		}
	}
	m.Writes += written
	return written, nil
}

func (m *Memory) ResetUnseenHolders(_ context.Context, seen map[string]struct{}) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	reset := 0
	for addr, h := range m.holders {
		if _, ok := seen[addr]; ok {
			continue
		}
		if !h.Balance.IsZero() || h.Rank != models.DefaultRank {
			h.Balance, h.Rank = models.AmountOf(0), models.DefaultRank
			reset++
		}
	}
	m.Writes += reset
	return reset, nil
}

func (m *Memory) UpsertNftItems(_ context.Context, items []models.NftOwnershipRecord) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	written := 0
	for _, it := range items {
		if cur, ok := m.nfts[it.Address]; ok && cur.OwnerAddress == it.OwnerAddress && cur.CollectionAddress == it.CollectionAddress {
			continue
		}
		ic := it
		m.nfts[it.Address] = &ic
		written++
	}
	m.Writes += written
	return written, nil
}

func (m *Memory) OwnsCollectionItem(_ context.Context, owner, collection string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, it := range m.nfts {
		if it.OwnerAddress == owner && it.CollectionAddress == collection {
			return true, nil
		}
	}
	return false, nil
}

func (m *Memory) GetInvite(_ context.Context, accountID uint64) (*models.ChatInvite, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	inv, ok := m.invites[accountID]
	if !ok {
		return nil, nil
	}
	cp := *inv
	return &cp, nil
}

func (m *Memory) SaveInvite(_ context.Context, invite models.ChatInvite) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.invites[invite.AccountID] = &invite
	return nil
}

func (m *Memory) ActivateInvite(_ context.Context, accountID uint64, token string, now time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	inv, ok := m.invites[accountID]
	if !ok || inv.Token != token || inv.Activated || now.After(inv.ExpiresAt) {
		return false, nil
	}
	inv.Activated = true
	return true, nil
}

// Holder returns a copy of the stored holder row
func (m *Memory) Holder(address string) (models.HolderRecord, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	h, ok := m.holders[address]
	if !ok {
		return models.HolderRecord{}, false
	}
	return *h, true
}

// Link returns a copy of the account's wallet link
func (m *Memory) Link(accountID uint64) (models.WalletLink, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	l, ok := m.links[accountID]
	if !ok {
		return models.WalletLink{}, false
	}
	return *l, true
}
