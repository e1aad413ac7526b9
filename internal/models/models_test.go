package models

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHolderRecordIsWhale(t *testing.T) {
	th := WhaleThresholds{Rank: 90, Balance: 1_000_000, Decimals: 9}
	tokens := func(n int64) Amount { return AmountOf(n * 1_000_000_000) }

	tests := []struct {
		name   string
		holder HolderRecord
		want   bool
	}{
		{"rank and balance clear", HolderRecord{Rank: 50, Balance: tokens(2_000_000)}, true},
		{"rank too low", HolderRecord{Rank: 95, Balance: tokens(2_000_000)}, false},
		{"balance too small", HolderRecord{Rank: 1, Balance: tokens(999_999)}, false},
		{"exact thresholds", HolderRecord{Rank: 90, Balance: tokens(1_000_000)}, true},
		{"one unit short", HolderRecord{Rank: 90, Balance: "999999999999999"}, false},
		{"unranked default", HolderRecord{Rank: DefaultRank, Balance: tokens(5_000_000)}, false},
		{"beyond int64", HolderRecord{Rank: 1, Balance: "1329227995784915872903807060280344575"}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.holder.IsWhale(th))
		})
	}
}

func TestNormalizedBalance(t *testing.T) {
	h := HolderRecord{Balance: AmountOf(5_123_456_789_000)}
	assert.Equal(t, "5123", h.NormalizedBalance(9).String())
	assert.Equal(t, "5123456789000", h.NormalizedBalance(0).String())
}

func TestParseAmount(t *testing.T) {
	a, err := ParseAmount("0042")
	require.NoError(t, err)
	assert.Equal(t, Amount("42"), a)

	_, err = ParseAmount("-1")
	assert.Error(t, err)
	_, err = ParseAmount("1e9")
	assert.Error(t, err)
	assert.True(t, Amount("").IsZero())
}

func TestAmountScan(t *testing.T) {
	var a Amount
	require.NoError(t, a.Scan([]byte("1329227995784915872903807060280344575")))
	assert.Equal(t, Amount("1329227995784915872903807060280344575"), a)
	require.NoError(t, a.Scan(int64(12)))
	assert.Equal(t, Amount("12"), a)
	require.NoError(t, a.Scan(nil))
	assert.True(t, a.IsZero())
	assert.Error(t, a.Scan(1.5))

	v, err := Amount("").Value()
	require.NoError(t, err)
	assert.Equal(t, "0", v)
}

func TestChatInviteExpired(t *testing.T) {
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)

	assert.False(t, ChatInvite{ExpiresAt: now.Add(time.Minute)}.Expired(now))
	assert.True(t, ChatInvite{ExpiresAt: now.Add(-time.Second)}.Expired(now))
	assert.True(t, ChatInvite{ExpiresAt: now.Add(time.Hour), Activated: true}.Expired(now))
}

func TestAccountWithWalletIsWhale(t *testing.T) {
	th := WhaleThresholds{Rank: 90, Balance: 1, Decimals: 0}

	assert.False(t, AccountWithWallet{}.IsWhale(th))
	assert.False(t, AccountWithWallet{Wallet: &WalletLink{}}.IsWhale(th))
	assert.True(t, AccountWithWallet{Wallet: &WalletLink{}, Holder: &HolderRecord{Rank: 3, Balance: AmountOf(10)}}.IsWhale(th))
}

func TestFullName(t *testing.T) {
	assert.Equal(t, "Ada Lovelace", Account{FirstName: "Ada", LastName: "Lovelace"}.FullName())
	assert.Equal(t, "Ada", Account{FirstName: "Ada"}.FullName())
}
