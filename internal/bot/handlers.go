package bot

import (
	"context"
	"errors"
	"fmt"
	"math"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"go.uber.org/zap"

	"ton-club-bot/internal/chat"
	"ton-club-bot/internal/domain"
	"ton-club-bot/internal/features/connect"
	"ton-club-bot/internal/infra/log"
)

func (b *Bot) handleStart(ctx context.Context, m *tgbotapi.Message) error {
	if _, err := b.account(ctx, m.From); err != nil {
		return err
	}
	return b.sendWelcome(ctx, m.Chat.ID, m.From.ID, 0)
}

// handleReconcile runs a full pass on request of a bot admin
func (b *Bot) handleReconcile(ctx context.Context, m *tgbotapi.Message) error {
	if !b.isAdmin(m.From.ID) {
		return nil
	}
	log.LogInfo("Full pass requested", zap.Int64("tg_id", m.From.ID))
	stats, err := b.membership.FullPass(ctx)
	text := fmt.Sprintf("Reconciled %d accounts: %d promoted, %d demoted, %d retitled, %d banned, %d failed.",
		stats.Accounts, stats.Promoted, stats.Demoted, stats.Retitled, stats.Banned, stats.Failed)
	if err != nil {
		text = "Reconciliation failed: " + err.Error()
	}
	if _, serr := b.transport.Send(ctx, m.Chat.ID, chat.Message{Text: text}); serr != nil {
		return serr
	}
	if err != nil {
		return reportedError{err}
	}
	return nil
}

func (b *Bot) handleMain(ctx context.Context, cq *tgbotapi.CallbackQuery) error {
	if _, err := b.account(ctx, cq.From); err != nil {
		return err
	}
	return b.sendWelcome(ctx, cq.Message.Chat.ID, cq.From.ID, cq.Message.MessageID)
}

func (b *Bot) handleConnect(ctx context.Context, cq *tgbotapi.CallbackQuery, walletKind string) error {
	chatID, pickerID := cq.Message.Chat.ID, cq.Message.MessageID
	acc, err := b.account(ctx, cq.From)
	if err != nil {
		return err
	}

	connected, err := b.sessions.IsConnected(ctx, chatID)
	if err != nil {
		log.LogWarn("Failed to restore wallet session", zap.Int64("chat_id", chatID), zap.Error(err))
	}
	if connected {
		view, err := b.store.GetAccountWithWallet(ctx, acc.ExternalID)
		if err != nil {
			return fmt.Errorf("load account %d: %w", acc.ExternalID, err)
		}
		if !view.HasWallet() {
			return b.reply(ctx, chatID, pickerID, withMain(textStaleSession))
		}
		if err := b.sendWelcome(ctx, chatID, acc.ExternalID, 0); err != nil {
			return err
		}
		b.drop(ctx, chatID, pickerID)
		return nil
	}

	session, uri, err := b.sessions.Initiate(ctx, chatID, *acc, walletKind)
	if errors.Is(err, domain.ErrUnknownWalletKind) {
		return b.reply(ctx, chatID, pickerID, withMain(textUnknownWallet))
	}
	if err != nil {
		return b.failed(ctx, chatID, pickerID, textConnectFailed, fmt.Errorf("initiate wallet session: %w", err))
	}

	png, err := b.renderQR(uri)
	if err != nil {
		return b.failed(ctx, chatID, pickerID, textConnectFailed, fmt.Errorf("render connect qr: %w", err))
	}
	minutes := int(math.Ceil(b.sessions.Timeout().Minutes()))
	qrID, err := b.transport.SendPhoto(ctx, chatID, connectPhoto(uri, png, minutes))
	if err != nil {
		return b.failed(ctx, chatID, pickerID, textConnectFailed, fmt.Errorf("send connect qr: %w", err))
	}
	b.drop(ctx, chatID, pickerID)

	_, err = session.Await(ctx)
	switch {
	case err == nil:
		if _, err := b.transport.Send(ctx, chatID, chat.Message{Text: textConnected}); err != nil {
			return err
		}
		b.drop(ctx, chatID, qrID)
		return b.sendWelcome(ctx, chatID, acc.ExternalID, 0)
	case errors.Is(err, connect.ErrSuperseded):
		b.drop(ctx, chatID, qrID)
		return nil
	case errors.Is(err, domain.ErrAddressAlreadyLinked):
		return b.reply(ctx, chatID, qrID, withMain(textLinkedElsewhere))
	case errors.Is(err, domain.ErrSessionTimeout):
		return b.reply(ctx, chatID, qrID, withMain(textConnectTimeout))
	case ctx.Err() != nil:
		return ctx.Err()
	default:
		return b.failed(ctx, chatID, qrID, textConnectFailed, err)
	}
}

func (b *Bot) handleDisconnect(ctx context.Context, cq *tgbotapi.CallbackQuery) error {
	chatID, msgID := cq.Message.Chat.ID, cq.Message.MessageID
	acc, err := b.account(ctx, cq.From)
	if err != nil {
		return err
	}

	wasConnected, err := b.sessions.Disconnect(ctx, chatID)
	if err != nil {
		log.LogWarn("Failed to close wallet session", zap.Int64("chat_id", chatID), zap.Error(err))
	}
	if !wasConnected {
		return b.reply(ctx, chatID, msgID, withMain(textNotConnected))
	}

	if err := b.membership.Evict(ctx, acc.ExternalID); err != nil {
		log.LogWarn("Failed to evict account on disconnect", zap.Int64("tg_id", acc.ExternalID), zap.Error(err))
	}
	if err := b.ledger.Unlink(ctx, acc.ID); err != nil {
		return fmt.Errorf("unlink wallet of %d: %w", acc.ExternalID, err)
	}
	log.LogInfo("Wallet disconnected", zap.Int64("tg_id", acc.ExternalID))
	return b.reply(ctx, chatID, msgID, withMain(textDisconnected))
}

func (b *Bot) handleClub(ctx context.Context, cq *tgbotapi.CallbackQuery) error {
	chatID, msgID := cq.Message.Chat.ID, cq.Message.MessageID
	acc, err := b.account(ctx, cq.From)
	if err != nil {
		return err
	}

	invite, err := b.membership.IssueInvite(ctx, acc.ExternalID)
	switch {
	case errors.Is(err, domain.ErrAlreadyMember):
		return b.reply(ctx, chatID, msgID, withMain(textAlreadyMember))
	case errors.Is(err, domain.ErrNotEligible):
		return b.reply(ctx, chatID, msgID, withMain(textNotEligible))
	case err != nil:
		return err
	}

	left := invite.ExpiresAt.Sub(b.clock.Now())
	minutes := int(math.Ceil(left.Minutes()))
	if minutes < 1 {
		minutes = 1
	}
	return b.reply(ctx, chatID, msgID, inviteMessage(invite.Token, minutes))
}

func (b *Bot) handleJoinRequest(ctx context.Context, req *tgbotapi.ChatJoinRequest) error {
	from := req.From
	if _, err := b.account(ctx, &from); err != nil {
		return err
	}
	token := ""
	if req.InviteLink != nil {
		token = req.InviteLink.InviteLink
	}

	approved, err := b.membership.HandleJoinRequest(ctx, req.Chat.ID, from.ID, token)
	if approved {
		return nil
	}
	if err == nil || isDeclineReason(err) {
		return nil
	}
	return err
}

// isDeclineReason separates policy declines from failures
func isDeclineReason(err error) bool {
	return errors.Is(err, domain.ErrInviteMismatch) ||
		errors.Is(err, domain.ErrNotEligible) ||
		errors.Is(err, domain.ErrAlreadyMember)
}
