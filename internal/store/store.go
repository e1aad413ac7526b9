package store

// Ledger persistence with explicit, intention revealing queries.
// Every write runs in its own short transaction.

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"ton-club-bot/internal/domain"
	"ton-club-bot/internal/models"
)

// upsertBatchSize keeps statements well below placeholder limits
const upsertBatchSize = 500

// Store is the ledger persistence contract
type Store interface {
	// Accounts
	GetOrCreateAccount(ctx context.Context, p models.Profile) (*models.Account, error)
	GetAccountWithWallet(ctx context.Context, externalID int64) (*models.AccountWithWallet, error)
	GetAccountsWithWalletsBatch(ctx context.Context, afterID uint64, limit int) ([]models.AccountWithWallet, error)
	SetWhaleAdmin(ctx context.Context, accountID uint64, whaleAdmin bool) error

	// Wallet links
	BindWallet(ctx context.Context, accountID uint64, address string) error
	UnlinkWallet(ctx context.Context, accountID uint64) error

	// Holder snapshots
	UpsertHolders(ctx context.Context, holders []models.HolderRecord) (int, error)
	ResetUnseenHolders(ctx context.Context, seen map[string]struct{}) (int, error)
	UpsertNftItems(ctx context.Context, items []models.NftOwnershipRecord) (int, error)
	OwnsCollectionItem(ctx context.Context, owner, collection string) (bool, error)

	// Invites
	GetInvite(ctx context.Context, accountID uint64) (*models.ChatInvite, error)
	SaveInvite(ctx context.Context, invite models.ChatInvite) error
	ActivateInvite(ctx context.Context, accountID uint64, token string, now time.Time) (bool, error)
}

type gormStore struct {
	db *gorm.DB
}

// New wraps a gorm connection
func New(db *gorm.DB) Store {
	return &gormStore{db: db}
}

// GetOrCreateAccount upserts the profile by external id and returns the stored row
func (s *gormStore) GetOrCreateAccount(ctx context.Context, p models.Profile) (*models.Account, error) {
	lang := p.Language
	if lang == "" {
		lang = "en"
	}
	acc := models.Account{
		ExternalID: p.ExternalID,
		Username:   p.Username,
		FirstName:  p.FirstName,
		LastName:   p.LastName,
		Language:   lang,
		IsPremium:  p.IsPremium,
	}

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "external_id"}},
			DoUpdates: clause.AssignmentColumns([]string{"username", "first_name", "last_name", "language", "is_premium", "updated_at"}),
		}).Create(&acc).Error; err != nil {
			return err
		}
		return tx.Where("external_id = ?", p.ExternalID).First(&acc).Error
	})
	if err != nil {
		return nil, fmt.Errorf("failed to get or create account %d: %w", p.ExternalID, err)
	}
	return &acc, nil
}

// GetAccountWithWallet loads an account, its wallet link and the linked holder row
func (s *gormStore) GetAccountWithWallet(ctx context.Context, externalID int64) (*models.AccountWithWallet, error) {
	db := s.db.WithContext(ctx)

	var acc models.Account
	if err := db.Where("external_id = ?", externalID).First(&acc).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, domain.ErrAccountNotFound
		}
		return nil, fmt.Errorf("failed to get account %d: %w", externalID, err)
	}

	view := models.AccountWithWallet{Account: acc}

	var link models.WalletLink
	err := db.Where("account_id = ?", acc.ID).First(&link).Error
	switch {
	case errors.Is(err, gorm.ErrRecordNotFound):
		return &view, nil
	case err != nil:
		return nil, fmt.Errorf("failed to get wallet link for account %d: %w", acc.ID, err)
	}
	view.Wallet = &link

	if link.HolderAddress != nil {
		var holder models.HolderRecord
		err := db.Where("address = ?", *link.HolderAddress).First(&holder).Error
		switch {
		case errors.Is(err, gorm.ErrRecordNotFound):
		case err != nil:
			return nil, fmt.Errorf("failed to get holder %s: %w", *link.HolderAddress, err)
		default:
			view.Holder = &holder
		}
	}
	return &view, nil
}

// GetAccountsWithWalletsBatch pages every account by id (keyset), prefetching links and holders
// in two extra queries per page. Accounts without a link are included with Wallet == nil.
func (s *gormStore) GetAccountsWithWalletsBatch(ctx context.Context, afterID uint64, limit int) ([]models.AccountWithWallet, error) {
	db := s.db.WithContext(ctx)

	var accounts []models.Account
	if err := db.Where("id > ?", afterID).Order("id ASC").Limit(limit).Find(&accounts).Error; err != nil {
		return nil, fmt.Errorf("failed to list accounts after %d: %w", afterID, err)
	}
	if len(accounts) == 0 {
		return nil, nil
	}

	ids := make([]uint64, len(accounts))
	for i, a := range accounts {
		ids[i] = a.ID
	}

	var links []models.WalletLink
	if err := db.Where("account_id IN ?", ids).Find(&links).Error; err != nil {
		return nil, fmt.Errorf("failed to list wallet links: %w", err)
	}
	linkByAccount := make(map[uint64]*models.WalletLink, len(links))
	var holderAddrs []string
	for i := range links {
		linkByAccount[links[i].AccountID] = &links[i]
		if links[i].HolderAddress != nil {
			holderAddrs = append(holderAddrs, *links[i].HolderAddress)
		}
	}

	holderByAddress := make(map[string]*models.HolderRecord, len(holderAddrs))
	if len(holderAddrs) > 0 {
		var holders []models.HolderRecord
		if err := db.Where("address IN ?", holderAddrs).Find(&holders).Error; err != nil {
			return nil, fmt.Errorf("failed to list holders: %w", err)
		}
		for i := range holders {
			holderByAddress[holders[i].Address] = &holders[i]
		}
	}

	out := make([]models.AccountWithWallet, len(accounts))
	for i, a := range accounts {
		out[i].Account = a
		if link, ok := linkByAccount[a.ID]; ok {
			out[i].Wallet = link
			if link.HolderAddress != nil {
				out[i].Holder = holderByAddress[*link.HolderAddress]
			}
		}
	}
	return out, nil
}

// SetWhaleAdmin records whether the bot granted this account its admin seat
func (s *gormStore) SetWhaleAdmin(ctx context.Context, accountID uint64, whaleAdmin bool) error {
	err := s.db.WithContext(ctx).Model(&models.Account{}).
		Where("id = ? AND whale_admin <> ?", accountID, whaleAdmin).
		Update("whale_admin", whaleAdmin).Error
	if err != nil {
		return fmt.Errorf("failed to set whale admin for account %d: %w", accountID, err)
	}
	return nil
}

// BindWallet links address to the account. The address must not belong to another account.
// A previous link of the same account is replaced. The holder row, if any, is linked too.
func (s *gormStore) BindWallet(ctx context.Context, accountID uint64, address string) error {
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var existing models.WalletLink
		err := tx.Where("address = ?", address).First(&existing).Error
		switch {
		case err == nil && existing.AccountID != accountID:
			return domain.ErrAddressAlreadyLinked
		case err == nil:
			return linkHolder(tx, address)
		case !errors.Is(err, gorm.ErrRecordNotFound):
			return err
		}

		if err := tx.Where("account_id = ?", accountID).Delete(&models.WalletLink{}).Error; err != nil {
			return err
		}
		if err := tx.Create(&models.WalletLink{AccountID: accountID, Address: address}).Error; err != nil {
			if errors.Is(err, gorm.ErrDuplicatedKey) {
				return domain.ErrAddressAlreadyLinked
			}
			return err
		}
		return linkHolder(tx, address)
	})
	if err != nil {
		if errors.Is(err, domain.ErrAddressAlreadyLinked) {
			return err
		}
		return fmt.Errorf("failed to bind wallet %s to account %d: %w", address, accountID, err)
	}
	return nil
}

// linkHolder points links with the given addresses at their holder rows when those rows exist
func linkHolder(tx *gorm.DB, addresses ...string) error {
	return tx.Model(&models.WalletLink{}).
		Where("address IN ?", addresses).
		Where("(holder_address IS NULL OR holder_address <> address)").
		Where("EXISTS (SELECT 1 FROM jetton_holder h WHERE h.address = wallet_link.address)").
		Update("holder_address", gorm.Expr("address")).Error
}

// UnlinkWallet removes the account's link, no-op when absent
func (s *gormStore) UnlinkWallet(ctx context.Context, accountID uint64) error {
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return tx.Where("account_id = ?", accountID).Delete(&models.WalletLink{}).Error
	})
	if err != nil {
		return fmt.Errorf("failed to unlink wallet of account %d: %w", accountID, err)
	}
	return nil
}

// UpsertHolders writes changed rows of one page and relinks matching wallet links.
// Returns the number of rows written; unchanged rows cost nothing.
func (s *gormStore) UpsertHolders(ctx context.Context, holders []models.HolderRecord) (int, error) {
	if len(holders) == 0 {
		return 0, nil
	}
	addrs := make([]string, len(holders))
	for i, h := range holders {
		addrs[i] = h.Address
	}

	written := 0
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var existing []models.HolderRecord
		if err := tx.Where("address IN ?", addrs).Find(&existing).Error; err != nil {
			return err
		}
		current := make(map[string]models.HolderRecord, len(existing))
		for _, h := range existing {
			current[h.Address] = h
		}

		var changed []models.HolderRecord
		for _, h := range holders {
			if cur, ok := current[h.Address]; ok && cur.Balance == h.Balance && cur.Rank == h.Rank {
				continue
			}
			changed = append(changed, h)
		}

		if len(changed) > 0 {
			if err := tx.Clauses(clause.OnConflict{
				Columns:   []clause.Column{{Name: "address"}},
				DoUpdates: clause.AssignmentColumns([]string{"balance", "rating", "updated_at"}),
			}).CreateInBatches(changed, upsertBatchSize).Error; err != nil {
				return err
			}
		}

		res := tx.Model(&models.WalletLink{}).
			Where("address IN ?", addrs).
			Where("(holder_address IS NULL OR holder_address <> address)").
			Update("holder_address", gorm.Expr("address"))
		if res.Error != nil {
			return res.Error
		}

		written = len(changed) + int(res.RowsAffected)
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("failed to upsert %d holders: %w", len(holders), err)
	}
	return written, nil
}

// ResetUnseenHolders zeroes rows that a complete ranking no longer contains.
// Rows already at zero balance and default rank are left alone.
func (s *gormStore) ResetUnseenHolders(ctx context.Context, seen map[string]struct{}) (int, error) {
	db := s.db.WithContext(ctx)

	var ranked []string
	if err := db.Model(&models.HolderRecord{}).
		Where("balance <> 0 OR rating <> ?", models.DefaultRank).
		Pluck("address", &ranked).Error; err != nil {
		return 0, fmt.Errorf("failed to list ranked holders: %w", err)
	}

	var stale []string
	for _, addr := range ranked {
		if _, ok := seen[addr]; !ok {
			stale = append(stale, addr)
		}
	}

	reset := 0
	for start := 0; start < len(stale); start += upsertBatchSize {
		end := min(start+upsertBatchSize, len(stale))
		res := db.Model(&models.HolderRecord{}).
			Where("address IN ?", stale[start:end]).
			Updates(map[string]any{"balance": 0, "rating": models.DefaultRank})
		if res.Error != nil {
			return reset, fmt.Errorf("failed to reset stale holders: %w", res.Error)
		}
		reset += int(res.RowsAffected)
	}
	return reset, nil
}

// UpsertNftItems writes items whose owner or collection changed
func (s *gormStore) UpsertNftItems(ctx context.Context, items []models.NftOwnershipRecord) (int, error) {
	if len(items) == 0 {
		return 0, nil
	}
	addrs := make([]string, len(items))
	for i, it := range items {
		addrs[i] = it.Address
	}

	written := 0
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var existing []models.NftOwnershipRecord
		if err := tx.Where("address IN ?", addrs).Find(&existing).Error; err != nil {
			return err
		}
		current := make(map[string]models.NftOwnershipRecord, len(existing))
		for _, it := range existing {
			current[it.Address] = it
		}

		var changed []models.NftOwnershipRecord
		for _, it := range items {
			if cur, ok := current[it.Address]; ok && cur.OwnerAddress == it.OwnerAddress && cur.CollectionAddress == it.CollectionAddress {
				continue
			}
			changed = append(changed, it)
		}
		if len(changed) == 0 {
			return nil
		}

		if err := tx.Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "address"}},
			DoUpdates: clause.AssignmentColumns([]string{"owner_address", "collection_address", "updated_at"}),
		}).CreateInBatches(changed, upsertBatchSize).Error; err != nil {
			return err
		}
		written = len(changed)
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("failed to upsert %d nft items: %w", len(items), err)
	}
	return written, nil
}

// OwnsCollectionItem reports whether owner holds at least one item of the collection
func (s *gormStore) OwnsCollectionItem(ctx context.Context, owner, collection string) (bool, error) {
	var count int64
	err := s.db.WithContext(ctx).Model(&models.NftOwnershipRecord{}).
		Where("owner_address = ? AND collection_address = ?", owner, collection).
		Limit(1).
		Count(&count).Error
	if err != nil {
		return false, fmt.Errorf("failed to check nft ownership of %s: %w", owner, err)
	}
	return count > 0, nil
}

// GetInvite returns nil when the account has no invite on file
func (s *gormStore) GetInvite(ctx context.Context, accountID uint64) (*models.ChatInvite, error) {
	var invite models.ChatInvite
	err := s.db.WithContext(ctx).Where("account_id = ?", accountID).First(&invite).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get invite of account %d: %w", accountID, err)
	}
	return &invite, nil
}

// SaveInvite replaces the account's invite
func (s *gormStore) SaveInvite(ctx context.Context, invite models.ChatInvite) error {
	err := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "account_id"}},
		DoUpdates: clause.AssignmentColumns([]string{"token", "expires_at", "activated", "updated_at"}),
	}).Create(&invite).Error
	if err != nil {
		return fmt.Errorf("failed to save invite of account %d: %w", invite.AccountID, err)
	}
	return nil
}

// ActivateInvite flips activated for a matching, unused, unexpired invite.
// The conditional update makes concurrent approvals of one token succeed at most once.
func (s *gormStore) ActivateInvite(ctx context.Context, accountID uint64, token string, now time.Time) (bool, error) {
	res := s.db.WithContext(ctx).Model(&models.ChatInvite{}).
		Where("account_id = ? AND token = ? AND activated = ? AND expires_at >= ?", accountID, token, false, now).
		Update("activated", true)
	if res.Error != nil {
		return false, fmt.Errorf("failed to activate invite of account %d: %w", accountID, res.Error)
	}
	return res.RowsAffected == 1, nil
}
