package ingest

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ton-club-bot/internal/domain"
	"ton-club-bot/internal/features/ledger"
	"ton-club-bot/internal/infra/clock"
	"ton-club-bot/internal/infra/retry"
	"ton-club-bot/internal/models"
	"ton-club-bot/internal/store/storetest"
)

func rawAddr(n int) string { return fmt.Sprintf("0:%064x", n) }

// fakeSource serves fixed slices and can inject failures per offset
type fakeSource struct {
	mu        sync.Mutex
	holders   []ledger.HolderEntry
	nfts      []ledger.NftEntry
	failures  map[int][]error // popped one per call
	emptyNfts map[int]int     // offset -> number of empty responses before data
	calls     []int
}

func (f *fakeSource) next(offset int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, offset)
	if errs := f.failures[offset]; len(errs) > 0 {
		f.failures[offset] = errs[1:]
		return errs[0]
	}
	return nil
}

func window[T any](all []T, offset, limit int) []T {
	if offset >= len(all) {
		return nil
	}
	end := min(offset+limit, len(all))
	return all[offset:end]
}

func (f *fakeSource) JettonHolders(_ context.Context, offset, limit int) ([]ledger.HolderEntry, error) {
	if err := f.next(offset); err != nil {
		return nil, err
	}
	return window(f.holders, offset, limit), nil
}

func (f *fakeSource) NftItems(_ context.Context, offset, limit int) ([]ledger.NftEntry, error) {
	if err := f.next(offset); err != nil {
		return nil, err
	}
	f.mu.Lock()
	if n := f.emptyNfts[offset]; n > 0 {
		f.emptyNfts[offset] = n - 1
		f.mu.Unlock()
		return nil, nil
	}
	f.mu.Unlock()
	return window(f.nfts, offset, limit), nil
}

func holders(n int) []ledger.HolderEntry {
	out := make([]ledger.HolderEntry, n)
	for i := range out {
		out[i] = ledger.HolderEntry{Owner: rawAddr(i + 1), Balance: strconv.Itoa((n - i) * 1000)}
	}
	return out
}

var testOpts = Options{
	PageSize:             3,
	NftMinCollectionSize: 0,
	MaxRetries:           3,
	InitialBackoff:       time.Millisecond,
	MaxBackoff:           2 * time.Millisecond,
	MaxElapsedPerPage:    time.Second,
}

func newJob(t *testing.T, src Source, opts Options, hooks Hooks) (*Job, *storetest.Memory) {
	t.Helper()
	mem := storetest.NewMemory()
	l, err := ledger.New(mem, models.WhaleThresholds{Rank: 90, Balance: 1, Decimals: 0}, rawAddr(999))
	require.NoError(t, err)
	return New(src, l, clock.New(), opts, hooks), mem
}

func TestRunJettonsRanksAcrossPages(t *testing.T) {
	src := &fakeSource{holders: holders(7)}
	done := 0
	job, mem := newJob(t, src, testOpts, Hooks{AfterJettons: func(context.Context) { done++ }})

	stats, err := job.RunJettons(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 3, stats.Pages)
	assert.Equal(t, 7, stats.Items)
	assert.Equal(t, []int{0, 3, 6, 7}, src.calls)
	assert.Equal(t, 1, done)

	h, ok := mem.Holder(rawAddr(5))
	require.True(t, ok)
	assert.Equal(t, 5, h.Rank)
	assert.Equal(t, models.Amount("3000"), h.Balance)
}

func TestRunJettonsIdempotent(t *testing.T) {
	src := &fakeSource{holders: holders(5)}
	job, mem := newJob(t, src, testOpts, Hooks{})

	_, err := job.RunJettons(context.Background())
	require.NoError(t, err)
	first := mem.Writes
	assert.Equal(t, 5, first)

	stats, err := job.RunJettons(context.Background())
	require.NoError(t, err)
	assert.Zero(t, stats.Written)
	assert.Zero(t, stats.Reset)
	assert.Equal(t, first, mem.Writes)
}

func TestRunJettonsResetsDroppedHolders(t *testing.T) {
	src := &fakeSource{holders: holders(4)}
	job, mem := newJob(t, src, testOpts, Hooks{})

	_, err := job.RunJettons(context.Background())
	require.NoError(t, err)

	src.holders = src.holders[:2]
	src.calls = nil
	stats, err := job.RunJettons(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, stats.Reset)

	h, ok := mem.Holder(rawAddr(4))
	require.True(t, ok)
	assert.Equal(t, models.DefaultRank, h.Rank)
	assert.True(t, h.Balance.IsZero())
}

func TestTransientFailureRetriedAtSameOffset(t *testing.T) {
	transient := fmt.Errorf("%w: http error (429)", domain.ErrUpstreamTransient)
	src := &fakeSource{
		holders:  holders(5),
		failures: map[int][]error{3: {transient, transient}},
	}
	job, _ := newJob(t, src, testOpts, Hooks{})

	stats, err := job.RunJettons(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 5, stats.Items)
	assert.Equal(t, []int{0, 3, 3, 3, 5}, src.calls)
}

func rateLimited(after time.Duration) error {
	return fmt.Errorf("%w: %w", domain.ErrUpstreamTransient,
		&retry.HTTPError{StatusCode: 429, RetryAfter: after})
}

func TestBackOffHonoursRetryAfter(t *testing.T) {
	job, _ := newJob(t, &fakeSource{}, testOpts, Hooks{})
	policy, observe := job.newBackOff(context.Background())
	policy.Reset()

	observe(rateLimited(300 * time.Millisecond))
	assert.GreaterOrEqual(t, policy.NextBackOff(), 300*time.Millisecond)

	observe(fmt.Errorf("%w: http error (503)", domain.ErrUpstreamTransient))
	next := policy.NextBackOff()
	assert.NotEqual(t, backoff.Stop, next)
	assert.Less(t, next, 300*time.Millisecond, "plain failures fall back to the exponential delay")

	observe(rateLimited(time.Hour))
	assert.Equal(t, testOpts.MaxElapsedPerPage, policy.NextBackOff(), "retry-after is capped by the per-page budget")
}

func TestRateLimitedPageWaitsRetryAfter(t *testing.T) {
	src := &fakeSource{
		holders:  holders(5),
		failures: map[int][]error{0: {rateLimited(150 * time.Millisecond)}},
	}
	job, _ := newJob(t, src, testOpts, Hooks{})

	started := time.Now()
	stats, err := job.RunJettons(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 5, stats.Items)
	assert.GreaterOrEqual(t, time.Since(started), 150*time.Millisecond)
	assert.Equal(t, []int{0, 0, 3, 5}, src.calls)
}

func TestRetriesAreBounded(t *testing.T) {
	transient := fmt.Errorf("%w: http error (503)", domain.ErrUpstreamTransient)
	errs := make([]error, 20)
	for i := range errs {
		errs[i] = transient
	}
	src := &fakeSource{holders: holders(5), failures: map[int][]error{0: errs}}
	called := false
	job, _ := newJob(t, src, testOpts, Hooks{AfterJettons: func(context.Context) { called = true }})

	_, err := job.RunJettons(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrUpstreamTransient)
	assert.Len(t, src.calls, int(testOpts.MaxRetries)+1)
	assert.False(t, called)
}

func TestPermanentFailureNotRetried(t *testing.T) {
	boom := errors.New("http error (404)")
	src := &fakeSource{holders: holders(5), failures: map[int][]error{0: {boom}}}
	job, _ := newJob(t, src, testOpts, Hooks{})

	_, err := job.RunJettons(context.Background())
	require.ErrorIs(t, err, boom)
	assert.Equal(t, []int{0}, src.calls)
}

func TestRunNftsRetriesEmptyPageBelowGuard(t *testing.T) {
	items := []ledger.NftEntry{
		{Address: rawAddr(101), Owner: rawAddr(1), Collection: rawAddr(999)},
		{Address: rawAddr(102), Owner: rawAddr(2), Collection: rawAddr(999)},
		{Address: rawAddr(103), Owner: rawAddr(3), Collection: rawAddr(999)},
		{Address: rawAddr(104), Collection: rawAddr(999)},
	}
	src := &fakeSource{nfts: items, emptyNfts: map[int]int{3: 1}}
	opts := testOpts
	opts.NftMinCollectionSize = 4
	done := 0
	job, mem := newJob(t, src, opts, Hooks{AfterNfts: func(context.Context) { done++ }})

	stats, err := job.RunNfts(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 4, stats.Items)
	assert.Equal(t, []int{0, 3, 3, 4}, src.calls)
	assert.Equal(t, 1, done)

	owns, err := mem.OwnsCollectionItem(context.Background(), rawAddr(2), rawAddr(999))
	require.NoError(t, err)
	assert.True(t, owns)

	stats, err = job.RunNfts(context.Background())
	require.NoError(t, err)
	assert.Zero(t, stats.Written)
}

func TestPacerSpacesRequests(t *testing.T) {
	clk := clock.NewFake(time.Unix(0, 0))
	p := NewPacer(clk, time.Second)
	ctx := context.Background()

	require.NoError(t, p.Wait(ctx))
	clk.Advance(300 * time.Millisecond)

	done := make(chan struct{})
	go func() {
		assert.NoError(t, p.Wait(ctx))
		close(done)
	}()

	require.Eventually(t, func() bool { return clk.Waiters() == 1 }, time.Second, time.Millisecond)
	clk.Advance(699 * time.Millisecond)
	select {
	case <-done:
		t.Fatal("pacer released before the window elapsed")
	case <-time.After(20 * time.Millisecond):
	}

	clk.Advance(time.Millisecond)
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("pacer did not release")
	}
}

func TestPacerHonoursContext(t *testing.T) {
	clk := clock.NewFake(time.Unix(0, 0))
	p := NewPacer(clk, time.Second)
	require.NoError(t, p.Wait(context.Background()))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, p.Wait(ctx), context.Canceled)
}
