package cache

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ton-club-bot/internal/infra/clock"
)

func TestMemoryExpiry(t *testing.T) {
	ctx := context.Background()
	clk := clock.NewFake(time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC))
	m := NewMemory(clk)

	require.NoError(t, m.Set(ctx, "k", "v", 10*time.Second))
	v, ok, err := m.Get(ctx, "k")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "v", v)

	clk.Advance(10 * time.Second)
	_, ok, err = m.Get(ctx, "k")
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Equal(t, 0, m.Len())
}

func TestRepeat(t *testing.T) {
	ctx := context.Background()
	clk := clock.NewFake(time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC))
	m := NewMemory(clk)

	dup, err := Repeat(ctx, m, "callback:1", "main", 10*time.Second)
	require.NoError(t, err)
	assert.False(t, dup, "first delivery is processed")

	dup, err = Repeat(ctx, m, "callback:1", "main", 10*time.Second)
	require.NoError(t, err)
	assert.True(t, dup, "same payload inside the window is dropped")

	dup, err = Repeat(ctx, m, "callback:1", "club", 10*time.Second)
	require.NoError(t, err)
	assert.False(t, dup, "different payload replaces the entry")

	dup, err = Repeat(ctx, m, "callback:2", "club", 10*time.Second)
	require.NoError(t, err)
	assert.False(t, dup, "keys are per chat")

	clk.Advance(11 * time.Second)
	dup, err = Repeat(ctx, m, "callback:1", "club", 10*time.Second)
	require.NoError(t, err)
	assert.False(t, dup, "entry expired")
}

type failingCache struct{ err error }

func (f failingCache) Get(context.Context, string) (string, bool, error) { return "", false, f.err }
func (f failingCache) Set(context.Context, string, string, time.Duration) error {
	return f.err
}

func TestRepeatPropagatesErrors(t *testing.T) {
	boom := errors.New("boom")
	_, err := Repeat(context.Background(), failingCache{err: boom}, "k", "v", time.Second)
	assert.ErrorIs(t, err, boom)
}
