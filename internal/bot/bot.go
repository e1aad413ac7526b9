// Package bot routes Telegram updates to the wallet and club handlers
package bot

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/alitto/pond/v2"
	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"go.uber.org/zap"

	"ton-club-bot/internal/chat"
	"ton-club-bot/internal/clients_api/tonconnect"
	"ton-club-bot/internal/domain"
	"ton-club-bot/internal/features/connect"
	"ton-club-bot/internal/features/ledger"
	"ton-club-bot/internal/features/membership"
	"ton-club-bot/internal/infra/cache"
	"ton-club-bot/internal/infra/clock"
	"ton-club-bot/internal/infra/log"
	"ton-club-bot/internal/models"
	"ton-club-bot/internal/store"
)

const defaultDedupeTTL = 10 * time.Second

// Sessions is the wallet handshake side of the bot
type Sessions interface {
	Wallets(ctx context.Context) ([]tonconnect.WalletApp, error)
	Initiate(ctx context.Context, chatID int64, account models.Account, walletKind string) (*connect.Session, string, error)
	Disconnect(ctx context.Context, chatID int64) (bool, error)
	IsConnected(ctx context.Context, chatID int64) (bool, error)
	Timeout() time.Duration
}

// Membership is the club chat side of the bot
type Membership interface {
	IssueInvite(ctx context.Context, externalID int64) (*models.ChatInvite, error)
	HandleJoinRequest(ctx context.Context, chatID, userID int64, token string) (bool, error)
	Evict(ctx context.Context, externalID int64) error
	FullPass(ctx context.Context) (membership.PassStats, error)
}

// RenderQR turns a wallet link into a PNG
type RenderQR func(content string) ([]byte, error)

type Options struct {
	ConcurrentUpdates     int
	DedupeTTL             time.Duration
	EnableCallbackReplies bool
	AdminIDs              []int64 // may run /reconcile
}

type Deps struct {
	Transport  chat.Transport
	Store      store.Store
	Ledger     *ledger.Ledger
	Sessions   Sessions
	Membership Membership
	Cache      cache.TTLCache
	Clock      clock.Clock
	RenderQR   RenderQR
}

type Bot struct {
	transport  chat.Transport
	store      store.Store
	ledger     *ledger.Ledger
	sessions   Sessions
	membership Membership
	cache      cache.TTLCache
	clock      clock.Clock
	renderQR   RenderQR
	opts       Options
}

func New(d Deps, opts Options) *Bot {
	if opts.ConcurrentUpdates <= 0 {
		opts.ConcurrentUpdates = 256
	}
	if opts.DedupeTTL <= 0 {
		opts.DedupeTTL = defaultDedupeTTL
	}
	if d.Clock == nil {
		d.Clock = clock.New()
	}
	return &Bot{
		transport:  d.Transport,
		store:      d.Store,
		ledger:     d.Ledger,
		sessions:   d.Sessions,
		membership: d.Membership,
		cache:      d.Cache,
		clock:      d.Clock,
		renderQR:   d.RenderQR,
		opts:       opts,
	}
}

// Run reads updates on one goroutine and handles them on a bounded pool until ctx is done
// or the channel closes. It waits for in-flight handlers before returning.
func (b *Bot) Run(ctx context.Context, updates <-chan tgbotapi.Update) error {
	pool := pond.NewPool(b.opts.ConcurrentUpdates, pond.WithContext(ctx))
	defer func() {
		pool.StopAndWait()
		log.LogInfo("Update pool stopped",
			zap.Uint64("submitted", pool.SubmittedTasks()),
			zap.Uint64("completed", pool.CompletedTasks()),
			zap.Uint64("failed", pool.FailedTasks()))
	}()

	log.LogInfo("Dispatcher started", zap.Int("concurrent_updates", b.opts.ConcurrentUpdates))

	for {
		select {
		case <-ctx.Done():
			return nil
		case update, ok := <-updates:
			if !ok {
				return nil
			}
			if err := pool.Go(func() { b.Handle(ctx, update) }); err != nil {
				log.LogWarn("Update dropped, pool stopped", zap.Int("update_id", update.UpdateID), zap.Error(err))
				return nil
			}
		}
	}
}

// Handle processes one update synchronously and logs what escapes the handler
func (b *Bot) Handle(ctx context.Context, update tgbotapi.Update) {
	requestID := log.GenerateRequestID()
	started := b.clock.Now()
	kind := updateKind(update)
	log.LogDebug("Update received",
		zap.String("request_id", requestID),
		zap.Int("update_id", update.UpdateID),
		zap.String("kind", kind))

	err := b.route(ctx, update)
	fields := []zap.Field{
		zap.String("request_id", requestID),
		zap.Int("update_id", update.UpdateID),
		zap.String("kind", kind),
		zap.Duration("duration", b.clock.Since(started)),
	}
	switch {
	case err == nil:
	case errors.Is(err, context.Canceled):
		log.LogDebug("Update handling cancelled", fields...)
	case errors.Is(err, domain.ErrTransportForbidden):
		log.LogWarn("Forbidden error while handling update", append(fields, zap.Error(err))...)
	default:
		log.LogError("Exception while handling an update", append(fields, zap.Error(err))...)
	}
}

func updateKind(u tgbotapi.Update) string {
	switch {
	case u.CallbackQuery != nil:
		return "callback"
	case u.ChatJoinRequest != nil:
		return "join_request"
	case u.Message != nil:
		return "message"
	}
	return "other"
}

func (b *Bot) route(ctx context.Context, u tgbotapi.Update) error {
	switch {
	case u.ChatJoinRequest != nil:
		return b.handleJoinRequest(ctx, u.ChatJoinRequest)
	case u.CallbackQuery != nil:
		cq := u.CallbackQuery
		if cq.Message == nil || cq.Message.Chat == nil || cq.From == nil {
			return nil
		}
		if dup, err := b.repeated(ctx, "callback", cq.Message.Chat.ID, cq.Data); err != nil || dup {
			return err
		}
		return b.reportFailure(ctx, cq.Message.Chat.ID, b.routeCallback(ctx, cq))
	case u.Message != nil:
		m := u.Message
		if m.Chat == nil || m.From == nil || !m.Chat.IsPrivate() || !m.IsCommand() {
			return nil
		}
		if dup, err := b.repeated(ctx, "message", m.Chat.ID, m.Text); err != nil || dup {
			return err
		}
		return b.reportFailure(ctx, m.Chat.ID, b.routeCommand(ctx, m))
	}
	return nil
}

func (b *Bot) routeCommand(ctx context.Context, m *tgbotapi.Message) error {
	switch m.Command() {
	case "start":
		return b.handleStart(ctx, m)
	case "reconcile":
		return b.handleReconcile(ctx, m)
	}
	return nil
}

// reportedError is a failure the user was already told about
type reportedError struct{ err error }

func (e reportedError) Error() string { return e.err.Error() }
func (e reportedError) Unwrap() error { return e.err }

// failed replies with text and the Main button and marks err as reported
func (b *Bot) failed(ctx context.Context, chatID int64, replaced int, text string, err error) error {
	if rerr := b.reply(ctx, chatID, replaced, withMain(text)); rerr != nil {
		log.LogWarn("Failed to report failure", zap.Int64("chat_id", chatID), zap.Error(rerr))
	}
	return reportedError{err}
}

// reportFailure sends the generic failure message for an error no handler reported.
// Nothing is sent once ctx is done.
func (b *Bot) reportFailure(ctx context.Context, chatID int64, err error) error {
	var reported reportedError
	if err == nil || errors.As(err, &reported) || ctx.Err() != nil {
		return err
	}
	if _, serr := b.transport.Send(ctx, chatID, withMain(textFailed)); serr != nil {
		log.LogWarn("Failed to report failure", zap.Int64("chat_id", chatID), zap.Error(serr))
	}
	return err
}

func (b *Bot) routeCallback(ctx context.Context, cq *tgbotapi.CallbackQuery) error {
	b.answer(ctx, cq)
	switch {
	case cq.Data == cbMain:
		return b.handleMain(ctx, cq)
	case cq.Data == cbDisconnect:
		return b.handleDisconnect(ctx, cq)
	case cq.Data == cbClub:
		return b.handleClub(ctx, cq)
	case strings.HasPrefix(cq.Data, cbConnect) && len(cq.Data) > len(cbConnect):
		return b.handleConnect(ctx, cq, strings.TrimPrefix(cq.Data, cbConnect))
	}
	log.LogDebug("Unknown callback", zap.String("data", cq.Data))
	return nil
}

// repeated drops the same payload from the same chat inside the dedupe window.
// A cache failure lets the update through.
func (b *Bot) repeated(ctx context.Context, kind string, chatID int64, payload string) (bool, error) {
	if b.cache == nil {
		return false, nil
	}
	dup, err := cache.Repeat(ctx, b.cache, fmt.Sprintf("%s:%d", kind, chatID), payload, b.opts.DedupeTTL)
	if err != nil {
		log.LogWarn("Dedupe cache unavailable", zap.Int64("chat_id", chatID), zap.Error(err))
		return false, nil
	}
	if dup {
		log.LogDebug("Duplicate update dropped", zap.Int64("chat_id", chatID), zap.String("kind", kind))
	}
	return dup, nil
}

func (b *Bot) answer(ctx context.Context, cq *tgbotapi.CallbackQuery) {
	if !b.opts.EnableCallbackReplies {
		return
	}
	if err := b.transport.AnswerCallback(ctx, cq.ID, ""); err != nil {
		log.LogDebug("Can't answer callback query", zap.Error(err))
	}
}

// reply sends one message and removes the message the user acted on
func (b *Bot) reply(ctx context.Context, chatID int64, replaced int, msg chat.Message) error {
	if _, err := b.transport.Send(ctx, chatID, msg); err != nil {
		return err
	}
	b.drop(ctx, chatID, replaced)
	return nil
}

func (b *Bot) drop(ctx context.Context, chatID int64, messageID int) {
	if messageID == 0 {
		return
	}
	if err := b.transport.Delete(ctx, chatID, messageID); err != nil {
		log.LogDebug("Failed to delete message", zap.Int64("chat_id", chatID), zap.Int("message_id", messageID), zap.Error(err))
	}
}

func (b *Bot) isAdmin(userID int64) bool {
	for _, id := range b.opts.AdminIDs {
		if id == userID {
			return true
		}
	}
	return false
}

// account refreshes the profile of the acting user
func (b *Bot) account(ctx context.Context, u *tgbotapi.User) (*models.Account, error) {
	acc, err := b.store.GetOrCreateAccount(ctx, profileOf(u))
	if err != nil {
		return nil, fmt.Errorf("get or create account %d: %w", u.ID, err)
	}
	return acc, nil
}
