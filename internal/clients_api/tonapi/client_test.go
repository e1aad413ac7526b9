package tonapi

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ton-club-bot/internal/domain"
	"ton-club-bot/internal/infra/retry"
)

func newTestClient(t *testing.T, h http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	return NewClient(Options{BaseURL: srv.URL, APIKey: "secret", RateLimit: 1000, Burst: 10, Timeout: 5 * time.Second})
}

func TestGetJettonHolders(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v2/jettons/EQmaster/holders", r.URL.Path)
		assert.Equal(t, "1000", r.URL.Query().Get("limit"))
		assert.Equal(t, "2000", r.URL.Query().Get("offset"))
		assert.Equal(t, "Bearer secret", r.Header.Get("Authorization"))
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"addresses":[{"address":"0:aa","owner":{"address":"0:bb","is_wallet":true},"balance":"12345"}],"total":1}`))
	})

	got, err := c.GetJettonHolders(context.Background(), "EQmaster", 2000, 1000)
	require.NoError(t, err)
	require.Len(t, got.Addresses, 1)
	assert.Equal(t, "0:bb", got.Addresses[0].Owner.Address)
	assert.Equal(t, "12345", got.Addresses[0].Balance)
	assert.EqualValues(t, 1, got.Total)
}

func TestGetCollectionItems(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v2/nfts/collections/EQcoll/items", r.URL.Path)
		_, _ = w.Write([]byte(`{"nft_items":[{"address":"0:01","index":7,"owner":{"address":"0:02"},"collection":{"address":"0:03"}},{"address":"0:04","index":8}]}`))
	})

	got, err := c.GetCollectionItems(context.Background(), "EQcoll", 0, 1000)
	require.NoError(t, err)
	require.Len(t, got.NftItems, 2)
	require.NotNil(t, got.NftItems[0].Owner)
	assert.Equal(t, "0:02", got.NftItems[0].Owner.Address)
	assert.Nil(t, got.NftItems[1].Owner)
}

func TestErrorClassification(t *testing.T) {
	tests := []struct {
		name      string
		status    int
		transient bool
	}{
		{"rate limited", http.StatusTooManyRequests, true},
		{"server error", http.StatusInternalServerError, true},
		{"bad gateway", http.StatusBadGateway, true},
		{"not found", http.StatusNotFound, false},
		{"unauthorized", http.StatusUnauthorized, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				_, _ = w.Write([]byte(`{"error":"x"}`))
			})

			_, err := c.GetJettonHolders(context.Background(), "EQmaster", 0, 10)
			require.Error(t, err)
			assert.Equal(t, tt.transient, IsTransient(err))

			var he *retry.HTTPError
			require.ErrorAs(t, err, &he)
			assert.Equal(t, tt.status, he.StatusCode)
		})
	}
}

func TestBreakerOpensOnRepeatedFailures(t *testing.T) {
	var hits atomic.Int32
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusServiceUnavailable)
	})

	for i := 0; i < 6; i++ {
		_, err := c.GetJettonHolders(context.Background(), "EQmaster", 0, 10)
		require.ErrorIs(t, err, domain.ErrUpstreamTransient)
	}

	_, err := c.GetJettonHolders(context.Background(), "EQmaster", 0, 10)
	require.ErrorIs(t, err, domain.ErrUpstreamTransient)
	assert.EqualValues(t, 6, hits.Load(), "open breaker must not reach the server")
}

func TestClientErrorsDoNotTripBreaker(t *testing.T) {
	var hits atomic.Int32
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusNotFound)
	})

	for i := 0; i < 10; i++ {
		_, err := c.GetJettonHolders(context.Background(), "EQmaster", 0, 10)
		require.Error(t, err)
		assert.False(t, IsTransient(err))
	}
	assert.EqualValues(t, 10, hits.Load())
}

func TestOversizedResponseIsRejected(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"addresses":[],"total":0}`))
	}))
	t.Cleanup(srv.Close)

	exact := NewClient(Options{BaseURL: srv.URL, RateLimit: 1000, Burst: 10, MaxResponseSize: int64(len(`{"addresses":[],"total":0}`))})
	body, err := exact.MakeRequest(context.Background(), "/v2/jettons/EQmaster/holders")
	require.NoError(t, err)
	assert.JSONEq(t, `{"addresses":[],"total":0}`, string(body))

	small := NewClient(Options{BaseURL: srv.URL, RateLimit: 1000, Burst: 10, MaxResponseSize: 8})
	_, err = small.GetJettonHolders(context.Background(), "EQmaster", 0, 10)
	require.ErrorIs(t, err, ErrResponseTooLarge)
	assert.False(t, IsTransient(err), "a truncated page must not be retried as if it were a network error")
}
