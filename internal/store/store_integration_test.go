//go:build integration

package store

import (
	"context"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"
	pgdriver "gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"ton-club-bot/internal/domain"
	"ton-club-bot/internal/models"
)

var testDB *gorm.DB

func TestMain(m *testing.M) {
	ctx := context.Background()

	dsn := os.Getenv("TEST_DB_DSN")
	var container *postgres.PostgresContainer
	if dsn == "" {
		var err error
		container, err = postgres.Run(ctx,
			"postgres:18-alpine",
			postgres.WithDatabase("club_test"),
			postgres.WithUsername("postgres"),
			postgres.WithPassword("postgres"),
			testcontainers.WithWaitStrategy(
				wait.ForLog("database system is ready to accept connections").
					WithOccurrence(2).
					WithStartupTimeout(60*time.Second)),
		)
		if err != nil {
			fmt.Printf("Failed to start PostgreSQL container: %v\n", err)
			os.Exit(1)
		}
		dsn, err = container.ConnectionString(ctx, "sslmode=disable")
		if err != nil {
			fmt.Printf("Failed to get connection string: %v\n", err)
			_ = container.Terminate(ctx)
			os.Exit(1)
		}
	}

	var err error
	testDB, err = gorm.Open(pgdriver.Open(dsn), &gorm.Config{
		Logger:         logger.Default.LogMode(logger.Silent),
		TranslateError: true,
	})
	if err != nil {
		fmt.Printf("Failed to connect: %v\n", err)
		os.Exit(1)
	}
	if err := testDB.AutoMigrate(models.All()...); err != nil {
		fmt.Printf("Failed to migrate: %v\n", err)
		os.Exit(1)
	}

	code := m.Run()

	if container != nil {
		_ = container.Terminate(ctx)
	}
	os.Exit(code)
}

func cleanTables(t *testing.T) {
	t.Helper()
	require.NoError(t, testDB.Exec("TRUNCATE chat_invite, wallet_link, nft_item, jetton_holder, account RESTART IDENTITY CASCADE").Error)
}

func newAccount(t *testing.T, s Store, ext int64) *models.Account {
	t.Helper()
	acc, err := s.GetOrCreateAccount(context.Background(), models.Profile{ExternalID: ext, FirstName: "user"})
	require.NoError(t, err)
	return acc
}

func TestGetOrCreateAccountRefreshesProfile(t *testing.T) {
	cleanTables(t)
	s := New(testDB)
	ctx := context.Background()

	first, err := s.GetOrCreateAccount(ctx, models.Profile{ExternalID: 7, FirstName: "Ann", Username: "ann"})
	require.NoError(t, err)
	second, err := s.GetOrCreateAccount(ctx, models.Profile{ExternalID: 7, FirstName: "Anna", Username: "anna", Language: "de"})
	require.NoError(t, err)

	assert.Equal(t, first.ID, second.ID)
	assert.Equal(t, "Anna", second.FirstName)
	assert.Equal(t, "anna", second.Username)
	assert.Equal(t, "de", second.Language)
}

func TestBindWalletUniqueness(t *testing.T) {
	cleanTables(t)
	s := New(testDB)
	ctx := context.Background()

	a := newAccount(t, s, 1)
	b := newAccount(t, s, 2)

	require.NoError(t, s.BindWallet(ctx, a.ID, "0:aa"))
	err := s.BindWallet(ctx, b.ID, "0:aa")
	assert.ErrorIs(t, err, domain.ErrAddressAlreadyLinked)

	view, err := s.GetAccountWithWallet(ctx, 1)
	require.NoError(t, err)
	require.NotNil(t, view.Wallet)
	assert.Equal(t, "0:aa", view.Wallet.Address)

	viewB, err := s.GetAccountWithWallet(ctx, 2)
	require.NoError(t, err)
	assert.Nil(t, viewB.Wallet)

	// rebinding the same address to the owner is a no-op
	require.NoError(t, s.BindWallet(ctx, a.ID, "0:aa"))

	require.NoError(t, s.UnlinkWallet(ctx, a.ID))
	require.NoError(t, s.UnlinkWallet(ctx, a.ID))
	require.NoError(t, s.BindWallet(ctx, b.ID, "0:aa"))
}

func TestUpsertHoldersSkipsUnchangedAndRelinks(t *testing.T) {
	cleanTables(t)
	s := New(testDB)
	ctx := context.Background()

	acc := newAccount(t, s, 10)
	require.NoError(t, s.BindWallet(ctx, acc.ID, "0:bb"))

	page := []models.HolderRecord{
		{Address: "0:aa", Balance: models.AmountOf(900), Rank: 1},
		{Address: "0:bb", Balance: models.AmountOf(500), Rank: 2},
	}
	written, err := s.UpsertHolders(ctx, page)
	require.NoError(t, err)
	assert.Equal(t, 3, written, "two rows plus one relink")

	written, err = s.UpsertHolders(ctx, page)
	require.NoError(t, err)
	assert.Equal(t, 0, written)

	view, err := s.GetAccountWithWallet(ctx, 10)
	require.NoError(t, err)
	require.NotNil(t, view.Holder)
	assert.Equal(t, 2, view.Holder.Rank)

	page[1].Rank = 1
	page[0].Rank = 2
	written, err = s.UpsertHolders(ctx, page)
	require.NoError(t, err)
	assert.Equal(t, 2, written)

	reset, err := s.ResetUnseenHolders(ctx, map[string]struct{}{"0:bb": {}})
	require.NoError(t, err)
	assert.Equal(t, 1, reset)
	reset, err = s.ResetUnseenHolders(ctx, map[string]struct{}{"0:bb": {}})
	require.NoError(t, err)
	assert.Equal(t, 0, reset)
}

func TestHolderBalanceBeyondInt64(t *testing.T) {
	cleanTables(t)
	s := New(testDB)
	ctx := context.Background()

	huge := models.Amount("1329227995784915872903807060280344575")
	page := []models.HolderRecord{{Address: "0:dd", Balance: huge, Rank: 1}}
	_, err := s.UpsertHolders(ctx, page)
	require.NoError(t, err)

	acc := newAccount(t, s, 30)
	require.NoError(t, s.BindWallet(ctx, acc.ID, "0:dd"))
	view, err := s.GetAccountWithWallet(ctx, 30)
	require.NoError(t, err)
	require.NotNil(t, view.Holder)
	assert.Equal(t, huge, view.Holder.Balance)

	written, err := s.UpsertHolders(ctx, page)
	require.NoError(t, err)
	assert.Equal(t, 0, written, "round-tripped balance compares equal")
}

func TestBindLinksExistingHolder(t *testing.T) {
	cleanTables(t)
	s := New(testDB)
	ctx := context.Background()

	_, err := s.UpsertHolders(ctx, []models.HolderRecord{{Address: "0:cc", Balance: models.AmountOf(10), Rank: 5}})
	require.NoError(t, err)

	acc := newAccount(t, s, 20)
	require.NoError(t, s.BindWallet(ctx, acc.ID, "0:cc"))

	view, err := s.GetAccountWithWallet(ctx, 20)
	require.NoError(t, err)
	require.NotNil(t, view.Holder)
	assert.Equal(t, 5, view.Holder.Rank)
}

func TestAccountsBatchPrefetch(t *testing.T) {
	cleanTables(t)
	s := New(testDB)
	ctx := context.Background()

	for i := int64(1); i <= 5; i++ {
		acc := newAccount(t, s, 100+i)
		if i%2 == 1 {
			require.NoError(t, s.BindWallet(ctx, acc.ID, fmt.Sprintf("0:%02d", i)))
		}
	}
	_, err := s.UpsertHolders(ctx, []models.HolderRecord{{Address: "0:01", Balance: models.AmountOf(1), Rank: 1}})
	require.NoError(t, err)

	first, err := s.GetAccountsWithWalletsBatch(ctx, 0, 3)
	require.NoError(t, err)
	require.Len(t, first, 3)
	assert.NotNil(t, first[0].Holder)
	assert.Nil(t, first[1].Wallet)
	assert.NotNil(t, first[2].Wallet)
	assert.Nil(t, first[2].Holder)

	rest, err := s.GetAccountsWithWalletsBatch(ctx, first[2].Account.ID, 3)
	require.NoError(t, err)
	assert.Len(t, rest, 2)
}

func TestNftItemsAndOwnership(t *testing.T) {
	cleanTables(t)
	s := New(testDB)
	ctx := context.Background()

	items := []models.NftOwnershipRecord{
		{Address: "0:n1", OwnerAddress: "0:o1", CollectionAddress: "0:c"},
		{Address: "0:n2", OwnerAddress: "0:o2", CollectionAddress: "0:c"},
	}
	written, err := s.UpsertNftItems(ctx, items)
	require.NoError(t, err)
	assert.Equal(t, 2, written)

	written, err = s.UpsertNftItems(ctx, items)
	require.NoError(t, err)
	assert.Equal(t, 0, written)

	owns, err := s.OwnsCollectionItem(ctx, "0:o1", "0:c")
	require.NoError(t, err)
	assert.True(t, owns)

	owns, err = s.OwnsCollectionItem(ctx, "0:o1", "0:other")
	require.NoError(t, err)
	assert.False(t, owns)
}

func TestInviteSingleUse(t *testing.T) {
	cleanTables(t)
	s := New(testDB)
	ctx := context.Background()
	now := time.Now().UTC()

	acc := newAccount(t, s, 30)
	require.NoError(t, s.SaveInvite(ctx, models.ChatInvite{AccountID: acc.ID, Token: "https://t.me/+one", ExpiresAt: now.Add(time.Hour)}))

	ok, err := s.ActivateInvite(ctx, acc.ID, "https://t.me/+other", now)
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = s.ActivateInvite(ctx, acc.ID, "https://t.me/+one", now)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = s.ActivateInvite(ctx, acc.ID, "https://t.me/+one", now)
	require.NoError(t, err)
	assert.False(t, ok)

	// replacing keeps one row per account
	require.NoError(t, s.SaveInvite(ctx, models.ChatInvite{AccountID: acc.ID, Token: "https://t.me/+two", ExpiresAt: now.Add(time.Hour)}))
	inv, err := s.GetInvite(ctx, acc.ID)
	require.NoError(t, err)
	require.NotNil(t, inv)
	assert.Equal(t, "https://t.me/+two", inv.Token)
	assert.False(t, inv.Activated)
}

func TestSetWhaleAdmin(t *testing.T) {
	cleanTables(t)
	s := New(testDB)
	ctx := context.Background()

	acc := newAccount(t, s, 40)
	require.NoError(t, s.SetWhaleAdmin(ctx, acc.ID, true))

	view, err := s.GetAccountWithWallet(ctx, 40)
	require.NoError(t, err)
	assert.True(t, view.Account.WhaleAdmin)
}
