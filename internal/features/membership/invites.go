package membership

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"ton-club-bot/internal/domain"
	"ton-club-bot/internal/infra/log"
	"ton-club-bot/internal/models"
)

// IssueInvite returns a personal join-request link, reusing the current one while it is valid
func (r *Reconciler) IssueInvite(ctx context.Context, externalID int64) (*models.ChatInvite, error) {
	view, err := r.store.GetAccountWithWallet(ctx, externalID)
	if err != nil {
		return nil, fmt.Errorf("issue invite for %d: %w", externalID, err)
	}
	acc := view.Account

	m, err := r.transport.GetMember(ctx, r.opts.ChatID, externalID)
	if err != nil {
		return nil, fmt.Errorf("issue invite for %d: %w", externalID, err)
	}
	if m.IsPresent() {
		return nil, domain.ErrAlreadyMember
	}

	eligible, err := r.ledger.IsEligible(ctx, *view)
	if err != nil {
		return nil, fmt.Errorf("eligibility of %d: %w", externalID, err)
	}
	if !eligible {
		return nil, domain.ErrNotEligible
	}

	now := r.clock.Now()
	current, err := r.store.GetInvite(ctx, acc.ID)
	if err != nil {
		return nil, fmt.Errorf("load invite for %d: %w", externalID, err)
	}
	if current != nil && !current.Expired(now) {
		return current, nil
	}
	if current != nil && !current.Activated {
		if err := r.transport.RevokeInvite(ctx, r.opts.ChatID, current.Token); err != nil {
			log.LogDebug("Failed to revoke stale invite", zap.Int64("tg_id", externalID), zap.Error(err))
		}
	}

	expiresAt := now.Add(r.opts.InviteExpiry)
	link, err := r.transport.CreateInvite(ctx, r.opts.ChatID, fmt.Sprintf("Invite #%d", externalID), expiresAt)
	if err != nil {
		return nil, fmt.Errorf("create invite for %d: %w", externalID, err)
	}

	invite := models.ChatInvite{AccountID: acc.ID, Token: link, ExpiresAt: expiresAt}
	if err := r.store.SaveInvite(ctx, invite); err != nil {
		return nil, fmt.Errorf("save invite for %d: %w", externalID, err)
	}
	log.LogInfo("Invite issued", zap.Int64("tg_id", externalID), zap.Time("expires_at", expiresAt))
	return &invite, nil
}

// HandleJoinRequest approves a join request carrying the user's own valid invite, and declines anything else.
// The returned error explains a decline.
func (r *Reconciler) HandleJoinRequest(ctx context.Context, chatID, userID int64, token string) (bool, error) {
	if chatID != r.opts.ChatID {
		log.LogDebug("Join request for foreign chat ignored", zap.Int64("chat_id", chatID), zap.Int64("tg_id", userID))
		return false, nil
	}

	reason := r.checkJoin(ctx, userID, token)
	if reason != nil {
		log.LogInfo("Declining join request", zap.Int64("tg_id", userID), zap.Error(reason))
		if err := r.transport.DeclineJoin(ctx, chatID, userID); err != nil {
			return false, fmt.Errorf("decline join request of %d: %w", userID, err)
		}
		return false, reason
	}

	if err := r.transport.ApproveJoin(ctx, chatID, userID); err != nil {
		return false, fmt.Errorf("approve join request of %d: %w", userID, err)
	}
	r.consumeInvite(ctx, userID, token)
	if err := r.transport.RevokeInvite(ctx, chatID, token); err != nil {
		log.LogWarn("Failed to revoke used invite", zap.Int64("tg_id", userID), zap.Error(err))
	}
	log.LogSuccess("Join request approved", zap.Int64("tg_id", userID))
	return true, nil
}

// checkJoin validates the request. The invite stays unused until the approval went through.
func (r *Reconciler) checkJoin(ctx context.Context, userID int64, token string) error {
	view, err := r.store.GetAccountWithWallet(ctx, userID)
	if errors.Is(err, domain.ErrAccountNotFound) {
		return domain.ErrInviteMismatch
	}
	if err != nil {
		return fmt.Errorf("load account %d: %w", userID, err)
	}

	invite, err := r.store.GetInvite(ctx, view.Account.ID)
	if err != nil {
		return fmt.Errorf("load invite for %d: %w", userID, err)
	}
	if invite == nil || token == "" || invite.Token != token || invite.Expired(r.clock.Now()) {
		return domain.ErrInviteMismatch
	}

	eligible, err := r.ledger.IsEligible(ctx, *view)
	if err != nil {
		return fmt.Errorf("eligibility of %d: %w", userID, err)
	}
	if !eligible {
		return domain.ErrNotEligible
	}
	return nil
}

// consumeInvite marks an approved invite used. The link is revoked upstream right after,
// so a failed write only costs the local record.
func (r *Reconciler) consumeInvite(ctx context.Context, userID int64, token string) {
	view, err := r.store.GetAccountWithWallet(ctx, userID)
	if err != nil {
		log.LogError("Failed to load account of approved invite", zap.Int64("tg_id", userID), zap.Error(err))
		return
	}
	ok, err := r.store.ActivateInvite(ctx, view.Account.ID, token, r.clock.Now())
	if err != nil {
		log.LogError("Failed to activate invite", zap.Int64("tg_id", userID), zap.Error(err))
		return
	}
	if !ok {
		log.LogWarn("Invite already used by a concurrent approval", zap.Int64("tg_id", userID))
	}
}
