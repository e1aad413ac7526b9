package ingest

// Holder ingestion: sequential paging, one request per window,
// bounded exponential backoff on transient upstream failures

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"

	"ton-club-bot/internal/domain"
	"ton-club-bot/internal/features/ledger"
	"ton-club-bot/internal/infra/clock"
	"ton-club-bot/internal/infra/log"
	"ton-club-bot/internal/infra/retry"
)

// ErrAlreadyRunning is returned when a run of the same kind is still in progress
var ErrAlreadyRunning = errors.New("ingestion already running")

// errEmptyPage marks an empty NFT page below the expected collection size
var errEmptyPage = fmt.Errorf("%w: empty page", domain.ErrUpstreamTransient)

type Options struct {
	PageSize             int
	JettonWindow         time.Duration
	NftWindow            time.Duration
	NftMinCollectionSize int
	MaxRetries           uint64
	InitialBackoff       time.Duration
	MaxBackoff           time.Duration
	MaxElapsedPerPage    time.Duration
}

// Hooks run after a successful pass
type Hooks struct {
	AfterJettons func(ctx context.Context)
	AfterNfts    func(ctx context.Context)
}

type Stats struct {
	Pages    int
	Items    int
	Written  int
	Reset    int
	Duration time.Duration
}

type Job struct {
	source Source
	ledger *ledger.Ledger
	clock  clock.Clock
	opts   Options
	hooks  Hooks

	jettonsRunning atomic.Bool
	nftsRunning    atomic.Bool
}

func New(src Source, l *ledger.Ledger, clk clock.Clock, opts Options, hooks Hooks) *Job {
	if opts.PageSize <= 0 {
		opts.PageSize = 1000
	}
	if opts.InitialBackoff <= 0 {
		opts.InitialBackoff = 2 * time.Second
	}
	if opts.MaxBackoff <= 0 {
		opts.MaxBackoff = time.Minute
	}
	return &Job{source: src, ledger: l, clock: clk, opts: opts, hooks: hooks}
}

// RunJettons snapshots the full holder ranking and resets holders that dropped out of it
func (j *Job) RunJettons(ctx context.Context) (Stats, error) {
	if !j.jettonsRunning.CompareAndSwap(false, true) {
		log.LogWarn("Jetton ingestion skipped, previous run in progress")
		return Stats{}, ErrAlreadyRunning
	}
	defer j.jettonsRunning.Store(false)

	start := j.clock.Now()
	stats := Stats{}
	pacer := NewPacer(j.clock, j.opts.JettonWindow)
	seen := make(map[string]struct{})

	log.LogInfo("Jetton ingestion started", zap.Int("page_size", j.opts.PageSize))

	for offset := 0; ; {
		page, err := fetchPage(ctx, j, pacer, "jettons", offset, j.source.JettonHolders, nil)
		if err != nil {
			log.LogError("Jetton ingestion failed", zap.Int("offset", offset), zap.Error(err))
			return stats, err
		}
		if len(page) == 0 {
			break
		}

		written, err := j.ledger.ApplyHolderPage(ctx, page, offset+1, seen)
		if err != nil {
			log.LogError("Failed to store holder page", zap.Int("offset", offset), zap.Error(err))
			return stats, fmt.Errorf("store holders at offset %d: %w", offset, err)
		}
		stats.Pages++
		stats.Items += len(page)
		stats.Written += written
		offset += len(page)
	}

	reset, err := j.ledger.FinishRanking(ctx, seen)
	if err != nil {
		log.LogError("Failed to reset unseen holders", zap.Error(err))
		return stats, fmt.Errorf("reset unseen holders: %w", err)
	}
	stats.Reset = reset
	stats.Duration = j.clock.Since(start)

	log.LogSuccess("Jetton ingestion finished",
		zap.Int("pages", stats.Pages),
		zap.Int("holders", stats.Items),
		zap.Int("written", stats.Written),
		zap.Int("reset", stats.Reset),
		zap.Int64("duration_ms", stats.Duration.Milliseconds()))

	if j.hooks.AfterJettons != nil {
		j.hooks.AfterJettons(ctx)
	}
	return stats, nil
}

// RunNfts snapshots item ownership of the membership collection
func (j *Job) RunNfts(ctx context.Context) (Stats, error) {
	if !j.nftsRunning.CompareAndSwap(false, true) {
		log.LogWarn("NFT ingestion skipped, previous run in progress")
		return Stats{}, ErrAlreadyRunning
	}
	defer j.nftsRunning.Store(false)

	start := j.clock.Now()
	stats := Stats{}
	pacer := NewPacer(j.clock, j.opts.NftWindow)
	// upstream occasionally returns an empty page in the middle of a large collection
	emptyIsTransient := func(offset int) bool { return offset < j.opts.NftMinCollectionSize }

	log.LogInfo("NFT ingestion started", zap.String("collection", j.ledger.Collection()))

	for offset := 0; ; {
		page, err := fetchPage(ctx, j, pacer, "nfts", offset, j.source.NftItems, emptyIsTransient)
		if err != nil {
			log.LogError("NFT ingestion failed", zap.Int("offset", offset), zap.Error(err))
			return stats, err
		}
		if len(page) == 0 {
			break
		}

		written, err := j.ledger.ApplyNftPage(ctx, page)
		if err != nil {
			log.LogError("Failed to store nft page", zap.Int("offset", offset), zap.Error(err))
			return stats, fmt.Errorf("store nft items at offset %d: %w", offset, err)
		}
		stats.Pages++
		stats.Items += len(page)
		stats.Written += written
		offset += len(page)
	}
	stats.Duration = j.clock.Since(start)

	log.LogSuccess("NFT ingestion finished",
		zap.Int("pages", stats.Pages),
		zap.Int("items", stats.Items),
		zap.Int("written", stats.Written),
		zap.Int64("duration_ms", stats.Duration.Milliseconds()))

	if j.hooks.AfterNfts != nil {
		j.hooks.AfterNfts(ctx)
	}
	return stats, nil
}

// newBackOff returns the per-page policy and a hook that feeds it the last failure
func (j *Job) newBackOff(ctx context.Context) (backoff.BackOffContext, func(error)) {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = j.opts.InitialBackoff
	b.MaxInterval = j.opts.MaxBackoff
	b.MaxElapsedTime = j.opts.MaxElapsedPerPage
	b.Multiplier = 2
	b.RandomizationFactor = 0.3

	var policy backoff.BackOff = b
	if j.opts.MaxRetries > 0 {
		policy = backoff.WithMaxRetries(b, j.opts.MaxRetries)
	}
	ra := &retryAfterBackOff{BackOff: policy, limit: j.opts.MaxElapsedPerPage}
	return backoff.WithContext(ra, ctx), ra.observe
}

// retryAfterBackOff never waits less than the Retry-After of the last failure
type retryAfterBackOff struct {
	backoff.BackOff
	limit time.Duration
	hint  time.Duration
}

func (b *retryAfterBackOff) observe(err error) {
	b.hint = retry.RetryAfter(err)
	if b.limit > 0 {
		b.hint = min(b.hint, b.limit)
	}
}

func (b *retryAfterBackOff) NextBackOff() time.Duration {
	next := b.BackOff.NextBackOff()
	hint := b.hint
	b.hint = 0
	if next == backoff.Stop {
		return next
	}
	return max(next, hint)
}

func (b *retryAfterBackOff) Reset() {
	b.hint = 0
	b.BackOff.Reset()
}

// fetchPage retries one offset until it succeeds, fails permanently or the backoff gives up
func fetchPage[T any](
	ctx context.Context,
	j *Job,
	pacer *Pacer,
	kind string,
	offset int,
	fetch func(ctx context.Context, offset, limit int) ([]T, error),
	emptyIsTransient func(offset int) bool,
) ([]T, error) {
	var page []T
	attempts := 0
	policy, observe := j.newBackOff(ctx)

	operation := func() error {
		attempts++
		if err := pacer.Wait(ctx); err != nil {
			return backoff.Permanent(err)
		}
		items, err := fetch(ctx, offset, j.opts.PageSize)
		if err != nil {
			if errors.Is(err, domain.ErrUpstreamTransient) {
				observe(err)
				return err
			}
			return backoff.Permanent(err)
		}
		if len(items) == 0 && emptyIsTransient != nil && emptyIsTransient(offset) {
			return errEmptyPage
		}
		page = items
		return nil
	}

	notify := func(err error, next time.Duration) {
		log.LogWarn("Transient ingestion failure, backing off",
			zap.String("kind", kind),
			zap.Int("offset", offset),
			zap.Int("attempt", attempts),
			zap.Duration("next", next),
			zap.Error(err))
	}

	if err := backoff.RetryNotify(operation, policy, notify); err != nil {
		if errors.Is(err, domain.ErrUpstreamTransient) {
			return nil, fmt.Errorf("%s page at offset %d: retries exhausted after %d attempts: %w", kind, offset, attempts, err)
		}
		return nil, fmt.Errorf("%s page at offset %d: %w", kind, offset, err)
	}
	return page, nil
}
