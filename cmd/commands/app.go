package commands

// Shared wiring for the subcommands: config, logging, database, ledger and the Telegram client

import (
	"context"
	"fmt"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"ton-club-bot/internal/chat"
	"ton-club-bot/internal/clients_api/tonapi"
	"ton-club-bot/internal/features/ingest"
	"ton-club-bot/internal/features/ledger"
	"ton-club-bot/internal/features/membership"
	"ton-club-bot/internal/infra/clock"
	"ton-club-bot/internal/infra/config"
	"ton-club-bot/internal/infra/db"
	logging "ton-club-bot/internal/infra/log"
	"ton-club-bot/internal/models"
	"ton-club-bot/internal/store"
)

type app struct {
	cfg    *config.Config
	db     *gorm.DB
	store  store.Store
	ledger *ledger.Ledger
	clock  clock.Clock
}

// bootstrap loads config, initializes logging and opens the database
func bootstrap(cmd *cobra.Command) (*app, error) {
	cfg, err := config.LoadConfig(cmd.Flags())
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	if err := logging.Init(logging.Options{
		Level:     cfg.Log.Level,
		Dir:       cfg.Log.Dir,
		SentryDSN: cfg.Log.SentryDSN,
		Env:       cfg.Log.Env,
	}); err != nil {
		return nil, fmt.Errorf("failed to initialize logging: %w", err)
	}

	gdb, err := db.Open(cfg.Database)
	if err != nil {
		logging.LogError("Failed to open database", zap.Error(err))
		return nil, err
	}

	st := store.New(gdb)
	l, err := ledger.New(st, models.WhaleThresholds{
		Rank:     cfg.Club.WhaleRankThreshold,
		Balance:  cfg.Club.WhaleBalanceThreshold,
		Decimals: cfg.Club.JettonDecimals,
	}, cfg.Club.NftCollection)
	if err != nil {
		_ = db.Close(gdb)
		return nil, err
	}

	return &app{cfg: cfg, db: gdb, store: st, ledger: l, clock: clock.New()}, nil
}

func (a *app) close() {
	if err := db.Close(a.db); err != nil {
		logging.LogWarn("Failed to close database", zap.Error(err))
	}
	logging.Sync()
}

// botAPI authorizes against the configured Bot API endpoint
func (a *app) botAPI() (*tgbotapi.BotAPI, error) {
	api, err := tgbotapi.NewBotAPIWithAPIEndpoint(a.cfg.Telegram.Token, a.cfg.Telegram.APIBaseURL)
	if err != nil {
		logging.LogError("Failed to initialize bot", zap.Error(err))
		return nil, fmt.Errorf("failed to initialize bot: %w", err)
	}
	logging.LogSuccess("Bot authorized", zap.String("username", api.Self.UserName))
	return api, nil
}

func (a *app) reconciler(t chat.Transport) *membership.Reconciler {
	return membership.New(a.ledger, t, a.clock, membership.Options{
		ChatID:       a.cfg.Telegram.ChatID,
		BanDuration:  a.cfg.Club.BanDuration,
		InviteExpiry: a.cfg.Club.InviteExpiry,
	})
}

func (a *app) ingestJob(hooks ingest.Hooks) (*ingest.Job, error) {
	master, err := ledger.NormalizeAddress(a.cfg.Club.JettonMaster)
	if err != nil {
		return nil, fmt.Errorf("invalid jetton master: %w", err)
	}
	client := tonapi.NewClient(tonapi.Options{
		BaseURL:         a.cfg.TonAPI.BaseURL,
		APIKey:          a.cfg.TonAPI.APIKey,
		RateLimit:       a.cfg.TonAPI.RateLimit,
		Burst:           a.cfg.TonAPI.Burst,
		Timeout:         a.cfg.TonAPI.RequestTimeout,
		MaxResponseSize: a.cfg.TonAPI.MaxResponseSize,
	})
	src := ingest.NewTonAPISource(client, master, a.ledger.Collection())
	ic := a.cfg.Ingest
	return ingest.New(src, a.ledger, a.clock, ingest.Options{
		PageSize:             ic.PageSize,
		JettonWindow:         ic.JettonWindow,
		NftWindow:            ic.NftWindow,
		NftMinCollectionSize: ic.NftMinCollectionSize,
		MaxRetries:           ic.MaxRetries,
		InitialBackoff:       ic.InitialBackoff,
		MaxBackoff:           ic.MaxBackoff,
		MaxElapsedPerPage:    ic.MaxElapsedPerPage,
	}, hooks), nil
}

// notifyDeveloper posts a service message to the developer chat when one is configured
func (a *app) notifyDeveloper(ctx context.Context, t chat.Transport, text string) {
	if a.cfg.Telegram.DeveloperChatID == 0 {
		return
	}
	if _, err := t.Send(ctx, a.cfg.Telegram.DeveloperChatID, chat.Message{Text: text}); err != nil {
		logging.LogWarn("Failed to notify developer chat", zap.Error(err))
	}
}
