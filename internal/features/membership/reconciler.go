package membership

// Chat membership driven by the holder ledger
// Member pass bans ineligible members, admin pass promotes and demotes whales

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"time"

	"go.uber.org/zap"

	"ton-club-bot/internal/chat"
	"ton-club-bot/internal/domain"
	"ton-club-bot/internal/features/ledger"
	"ton-club-bot/internal/infra/clock"
	"ton-club-bot/internal/infra/log"
	"ton-club-bot/internal/models"
	"ton-club-bot/internal/store"
)

// WhaleCapabilities is the single right granted to whale admins
var WhaleCapabilities = chat.Capabilities{ManageChat: true}

// whaleTitle matches titles the bot assigns, for admins appointed before the whale_admin flag
var whaleTitle = regexp.MustCompile(`^` + models.WhaleTitlePrefix + `\d+$`)

// WhaleTitle is the custom admin title for a whale of the given rank
func WhaleTitle(rank int) string {
	return models.WhaleTitlePrefix + strconv.Itoa(rank)
}

const (
	promotedText = "You've been promoted to admins in the chat as you're whale #%d!"
	demotedText  = "You've been demoted from admins in the chat as you lost your whale status!"
)

type Options struct {
	ChatID       int64
	BanDuration  time.Duration
	InviteExpiry time.Duration
	BatchSize    int
}

type Reconciler struct {
	ledger    *ledger.Ledger
	store     store.Store
	transport chat.Transport
	clock     clock.Clock
	opts      Options
}

// PassStats counts the chat actions a pass issued
type PassStats struct {
	Accounts int
	Promoted int
	Demoted  int
	Retitled int
	Banned   int
	Skipped  int
	Failed   int
}

func (s *PassStats) add(o PassStats) {
	s.Accounts += o.Accounts
	s.Promoted += o.Promoted
	s.Demoted += o.Demoted
	s.Retitled += o.Retitled
	s.Banned += o.Banned
	s.Skipped += o.Skipped
	s.Failed += o.Failed
}

// Actions is the number of mutating chat calls
func (s PassStats) Actions() int {
	return s.Promoted + s.Demoted + s.Retitled + s.Banned
}

func New(l *ledger.Ledger, t chat.Transport, clk clock.Clock, opts Options) *Reconciler {
	if opts.BanDuration <= 0 {
		opts.BanDuration = 60 * time.Second
	}
	if opts.InviteExpiry <= 0 {
		opts.InviteExpiry = 10 * time.Minute
	}
	if opts.BatchSize <= 0 {
		opts.BatchSize = 100
	}
	return &Reconciler{ledger: l, store: l.Store(), transport: t, clock: clk, opts: opts}
}

// IsProtected reports an owner, or an admin the bot did not appoint
func IsProtected(acc models.Account, m *chat.Member) bool {
	if m.IsOwner() {
		return true
	}
	if !m.IsAdmin() {
		return false
	}
	return !isWhaleAdmin(acc, m)
}

func isWhaleAdmin(acc models.Account, m *chat.Member) bool {
	if m == nil || m.Status != chat.StatusAdministrator {
		return false
	}
	return acc.WhaleAdmin || whaleTitle.MatchString(m.CustomTitle)
}

type accountFn func(ctx context.Context, view models.AccountWithWallet, m *chat.Member, stats *PassStats) error

// forEachAccount walks all accounts in keyset batches and applies fn with the live membership
func (r *Reconciler) forEachAccount(ctx context.Context, pass string, fn accountFn) (PassStats, error) {
	stats := PassStats{}
	start := r.clock.Now()
	var after uint64

	for {
		if err := ctx.Err(); err != nil {
			return stats, err
		}
		batch, err := r.store.GetAccountsWithWalletsBatch(ctx, after, r.opts.BatchSize)
		if err != nil {
			return stats, fmt.Errorf("%s pass: load accounts after %d: %w", pass, after, err)
		}
		if len(batch) == 0 {
			break
		}
		for _, view := range batch {
			after = view.Account.ID
			stats.Accounts++
			if err := r.applyOne(ctx, pass, view, fn, &stats); err != nil {
				return stats, err
			}
		}
	}

	log.LogSuccess("Membership pass finished",
		zap.String("pass", pass),
		zap.Int("accounts", stats.Accounts),
		zap.Int("promoted", stats.Promoted),
		zap.Int("demoted", stats.Demoted),
		zap.Int("retitled", stats.Retitled),
		zap.Int("banned", stats.Banned),
		zap.Int("failed", stats.Failed),
		zap.Int64("duration_ms", r.clock.Since(start).Milliseconds()))
	return stats, nil
}

// applyOne isolates per-account failures; only cancellation stops the pass
func (r *Reconciler) applyOne(ctx context.Context, pass string, view models.AccountWithWallet, fn accountFn, stats *PassStats) error {
	acc := view.Account
	m, err := r.transport.GetMember(ctx, r.opts.ChatID, acc.ExternalID)
	if err == nil {
		err = fn(ctx, view, m, stats)
	}
	switch {
	case err == nil:
		return nil
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return err
	case errors.Is(err, domain.ErrTransportForbidden):
		log.LogWarn("Not enough rights, account skipped", zap.String("pass", pass), zap.Int64("tg_id", acc.ExternalID), zap.Error(err))
		stats.Skipped++
	case errors.Is(err, domain.ErrTransportTransient):
		log.LogWarn("Transient chat error, account skipped", zap.String("pass", pass), zap.Int64("tg_id", acc.ExternalID), zap.Error(err))
		stats.Failed++
	default:
		log.LogError("Failed to reconcile account", zap.String("pass", pass), zap.Int64("tg_id", acc.ExternalID), zap.Error(err))
		stats.Failed++
	}
	return nil
}

// MemberPass bans members that lost eligibility or never linked a wallet
func (r *Reconciler) MemberPass(ctx context.Context) (PassStats, error) {
	return r.forEachAccount(ctx, "member", r.reconcileMember)
}

// AdminPass promotes whales and demotes whale admins that lost the status
func (r *Reconciler) AdminPass(ctx context.Context) (PassStats, error) {
	return r.forEachAccount(ctx, "admin", r.reconcileAdmin)
}

// FullPass is the member pass followed by the admin pass
func (r *Reconciler) FullPass(ctx context.Context) (PassStats, error) {
	total, err := r.MemberPass(ctx)
	if err != nil {
		return total, err
	}
	admin, err := r.AdminPass(ctx)
	total.add(admin)
	return total, err
}

// ReconcileAccount applies the admin pass to one account
func (r *Reconciler) ReconcileAccount(ctx context.Context, externalID int64) error {
	view, err := r.store.GetAccountWithWallet(ctx, externalID)
	if err != nil {
		return fmt.Errorf("reconcile account %d: %w", externalID, err)
	}
	m, err := r.transport.GetMember(ctx, r.opts.ChatID, externalID)
	if err != nil {
		return fmt.Errorf("reconcile account %d: %w", externalID, err)
	}
	var stats PassStats
	return r.reconcileAdmin(ctx, *view, m, &stats)
}

// Evict demotes a whale admin and bans an unprotected member, used on wallet disconnect
func (r *Reconciler) Evict(ctx context.Context, externalID int64) error {
	view, err := r.store.GetAccountWithWallet(ctx, externalID)
	if err != nil {
		return fmt.Errorf("evict account %d: %w", externalID, err)
	}
	m, err := r.transport.GetMember(ctx, r.opts.ChatID, externalID)
	if err != nil {
		return fmt.Errorf("evict account %d: %w", externalID, err)
	}

	acc := view.Account
	protected := IsProtected(acc, m)
	if isWhaleAdmin(acc, m) {
		if err := r.demote(ctx, acc); err != nil {
			return err
		}
	}
	if m.IsPresent() && !protected {
		return r.ban(ctx, acc)
	}
	return nil
}

func (r *Reconciler) reconcileMember(ctx context.Context, view models.AccountWithWallet, m *chat.Member, stats *PassStats) error {
	acc := view.Account
	if !m.IsPresent() {
		return nil
	}
	if IsProtected(acc, m) {
		return nil
	}

	if !view.HasWallet() {
		log.LogInfo("Member has no linked wallet", zap.Int64("tg_id", acc.ExternalID))
		if err := r.ban(ctx, acc); err != nil {
			return err
		}
		stats.Banned++
		return nil
	}

	eligible, err := r.ledger.IsEligible(ctx, view)
	if err != nil {
		return fmt.Errorf("eligibility of %d: %w", acc.ExternalID, err)
	}
	if eligible {
		return nil
	}
	log.LogInfo("Member is no longer eligible", zap.Int64("tg_id", acc.ExternalID), zap.String("address", view.Wallet.Address))
	if err := r.ban(ctx, acc); err != nil {
		return err
	}
	stats.Banned++
	return nil
}

func (r *Reconciler) reconcileAdmin(ctx context.Context, view models.AccountWithWallet, m *chat.Member, stats *PassStats) error {
	acc := view.Account

	if !r.ledger.IsWhale(view) {
		if isWhaleAdmin(acc, m) {
			if err := r.demote(ctx, acc); err != nil {
				return err
			}
			stats.Demoted++
			return nil
		}
		if acc.WhaleAdmin && !m.IsAdmin() {
			// demoted by hand or left the chat
			return r.store.SetWhaleAdmin(ctx, acc.ID, false)
		}
		return nil
	}

	rank := view.Holder.Rank
	if !m.IsPresent() || m.Status == chat.StatusRestricted {
		stats.Skipped++
		return nil
	}

	if m.IsAdmin() {
		if !isWhaleAdmin(acc, m) {
			return nil
		}
		if !acc.WhaleAdmin {
			if err := r.store.SetWhaleAdmin(ctx, acc.ID, true); err != nil {
				return err
			}
		}
		title := WhaleTitle(rank)
		if m.CustomTitle == title {
			return nil
		}
		log.LogInfo("Updating whale admin title", zap.Int64("tg_id", acc.ExternalID), zap.String("title", title))
		if err := r.transport.SetCustomTitle(ctx, r.opts.ChatID, acc.ExternalID, title); err != nil {
			return fmt.Errorf("set title for %d: %w", acc.ExternalID, err)
		}
		stats.Retitled++
		return nil
	}

	if err := r.promote(ctx, acc, rank); err != nil {
		return err
	}
	stats.Promoted++
	return nil
}

func (r *Reconciler) promote(ctx context.Context, acc models.Account, rank int) error {
	log.LogInfo("Promoting whale", zap.Int64("tg_id", acc.ExternalID), zap.Int("rank", rank))
	if err := r.transport.Promote(ctx, r.opts.ChatID, acc.ExternalID, WhaleCapabilities); err != nil {
		return fmt.Errorf("promote %d: %w", acc.ExternalID, err)
	}
	if err := r.store.SetWhaleAdmin(ctx, acc.ID, true); err != nil {
		return fmt.Errorf("mark whale admin %d: %w", acc.ExternalID, err)
	}
	if err := r.transport.SetCustomTitle(ctx, r.opts.ChatID, acc.ExternalID, WhaleTitle(rank)); err != nil {
		return fmt.Errorf("set title for %d: %w", acc.ExternalID, err)
	}
	r.notify(ctx, acc, fmt.Sprintf(promotedText, rank))
	return nil
}

func (r *Reconciler) demote(ctx context.Context, acc models.Account) error {
	log.LogInfo("Demoting whale admin", zap.Int64("tg_id", acc.ExternalID))
	if err := r.transport.Promote(ctx, r.opts.ChatID, acc.ExternalID, chat.Capabilities{}); err != nil {
		return fmt.Errorf("demote %d: %w", acc.ExternalID, err)
	}
	if err := r.store.SetWhaleAdmin(ctx, acc.ID, false); err != nil {
		return fmt.Errorf("clear whale admin %d: %w", acc.ExternalID, err)
	}
	r.notify(ctx, acc, demotedText)
	return nil
}

func (r *Reconciler) ban(ctx context.Context, acc models.Account) error {
	log.LogInfo("Banning member", zap.Int64("tg_id", acc.ExternalID), zap.Duration("for", r.opts.BanDuration))
	if err := r.transport.Ban(ctx, r.opts.ChatID, acc.ExternalID, r.opts.BanDuration); err != nil {
		return fmt.Errorf("ban %d: %w", acc.ExternalID, err)
	}
	return nil
}

// notify sends a direct message; users who never started the bot cannot receive it
func (r *Reconciler) notify(ctx context.Context, acc models.Account, text string) {
	if _, err := r.transport.Send(ctx, acc.ExternalID, chat.Message{Text: text}); err != nil {
		log.LogWarn("Failed to notify user", zap.Int64("tg_id", acc.ExternalID), zap.Error(err))
	}
}
