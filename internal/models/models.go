package models

// Ledger entities persisted through gorm
// Addresses are stored in raw form "0:<hex>"

import (
	"math/big"
	"time"
)

// DefaultRank is assigned to holders never seen in a ranking
const DefaultRank = 888888

// WhaleTitlePrefix prefixes every custom title the bot assigns
const WhaleTitlePrefix = "8x"

type Account struct {
	ID         uint64 `gorm:"primaryKey"`
	ExternalID int64  `gorm:"uniqueIndex;not null"` // Telegram user id
	Username   string `gorm:"size:255;index"`
	FirstName  string `gorm:"size:255;not null;default:''"`
	LastName   string `gorm:"size:255"`
	Language   string `gorm:"size:10;not null;default:en"`
	IsPremium  bool   `gorm:"not null;default:false"`
	IsBlocked  bool   `gorm:"not null;default:false"`
	// WhaleAdmin is true while the account holds an admin seat granted by the bot
	WhaleAdmin bool `gorm:"not null;default:false"`
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

func (Account) TableName() string { return "account" }

// FullName joins first and last name
func (a Account) FullName() string {
	if a.LastName == "" {
		return a.FirstName
	}
	if a.FirstName == "" {
		return a.LastName
	}
	return a.FirstName + " " + a.LastName
}

type WalletLink struct {
	AccountID     uint64  `gorm:"primaryKey;autoIncrement:false"`
	Address       string  `gorm:"size:255;uniqueIndex;not null"`
	HolderAddress *string `gorm:"size:255;index"`
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

func (WalletLink) TableName() string { return "wallet_link" }

type HolderRecord struct {
	Address   string `gorm:"primaryKey;size:255"`
	Balance   Amount `gorm:"type:decimal(40,0);not null;default:0"`
	Rank      int    `gorm:"column:rating;not null;default:888888"` // 1 = largest holder
	CreatedAt time.Time
	UpdatedAt time.Time
}

func (HolderRecord) TableName() string { return "jetton_holder" }

// WhaleThresholds decides whale status; Balance is in whole tokens
type WhaleThresholds struct {
	Rank     int
	Balance  uint64
	Decimals int
}

// IsWhale reports rank <= th.Rank and balance / 10^decimals >= th.Balance
func (h HolderRecord) IsWhale(th WhaleThresholds) bool {
	if h.Rank > th.Rank {
		return false
	}
	floor := new(big.Int).SetUint64(th.Balance)
	floor.Mul(floor, pow10(th.Decimals))
	return h.Balance.Int().Cmp(floor) >= 0
}

// NormalizedBalance returns the balance in whole tokens, rounded down
func (h HolderRecord) NormalizedBalance(decimals int) *big.Int {
	return new(big.Int).Quo(h.Balance.Int(), pow10(decimals))
}

func pow10(n int) *big.Int {
	if n <= 0 {
		return big.NewInt(1)
	}
	return new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(n)), nil)
}

type NftOwnershipRecord struct {
	Address           string `gorm:"primaryKey;size:255"`
	OwnerAddress      string `gorm:"size:255;index:idx_nft_owner_collection,priority:1"`
	CollectionAddress string `gorm:"size:255;index:idx_nft_owner_collection,priority:2"`
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

func (NftOwnershipRecord) TableName() string { return "nft_item" }

type ChatInvite struct {
	AccountID uint64    `gorm:"primaryKey;autoIncrement:false"`
	Token     string    `gorm:"size:255;index;not null"` // invite link as returned by Telegram
	ExpiresAt time.Time `gorm:"not null"`
	Activated bool      `gorm:"not null;default:false"`
	CreatedAt time.Time
	UpdatedAt time.Time
}

func (ChatInvite) TableName() string { return "chat_invite" }

// Expired is true once used or past its expiry
func (c ChatInvite) Expired(now time.Time) bool {
	return c.Activated || now.After(c.ExpiresAt)
}

// All lists every entity for AutoMigrate
func All() []any {
	return []any{
		&Account{},
		&HolderRecord{},
		&WalletLink{},
		&NftOwnershipRecord{},
		&ChatInvite{},
	}
}

// AccountWithWallet is an account with its link and linked holder row loaded
type AccountWithWallet struct {
	Account Account
	Wallet  *WalletLink
	Holder  *HolderRecord
}

// HasWallet reports whether the account has a linked address
func (a AccountWithWallet) HasWallet() bool {
	return a.Wallet != nil
}

// IsWhale is false when no holder row is linked
func (a AccountWithWallet) IsWhale(th WhaleThresholds) bool {
	return a.Holder != nil && a.Holder.IsWhale(th)
}

// Profile is the identity data refreshed on every interaction
type Profile struct {
	ExternalID int64
	Username   string
	FirstName  string
	LastName   string
	Language   string
	IsPremium  bool
}
