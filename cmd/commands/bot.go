package commands

// Command to run the bot
// Wires the wallet handshake, club membership, scheduled ingestion and update delivery
// Implements graceful shutdown for proper termination

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"ton-club-bot/internal/bot"
	"ton-club-bot/internal/chat"
	"ton-club-bot/internal/clients_api/tonconnect"
	"ton-club-bot/internal/features/connect"
	"ton-club-bot/internal/features/ingest"
	"ton-club-bot/internal/features/membership"
	"ton-club-bot/internal/features/qrcard"
	"ton-club-bot/internal/infra/cache"
	"ton-club-bot/internal/infra/httpserver"
	logging "ton-club-bot/internal/infra/log"
	"ton-club-bot/internal/infra/scheduler"
)

const shutdownTimeout = 10 * time.Second

var allowedUpdates = []string{"message", "callback_query", "chat_join_request"}

var botCmd = &cobra.Command{
	Use:   "bot",
	Short: "Run the club bot (Telegram + scheduled ingestion)",
	Long: `Run the club bot: wallet connection through TON Connect, invite links for eligible holders,
join request checks, and scheduled jetton and NFT ingestion followed by reconciliation passes.`,
	RunE: runBot,
}

func runBot(cmd *cobra.Command, args []string) error {
	a, err := bootstrap(cmd)
	if err != nil {
		return err
	}
	defer a.close()

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	api, err := a.botAPI()
	if err != nil {
		return err
	}
	transport := chat.NewTelegram(api)
	rec := a.reconciler(transport)

	rdb, err := cache.NewRedisClient(ctx, a.cfg.Redis)
	if err != nil {
		logging.LogError("Failed to connect to Redis", zap.Error(err))
		return err
	}
	defer rdb.Close()

	tc := a.cfg.TonConnect
	registry := tonconnect.NewRegistry(tc.WalletsListURL, tc.WalletsTTL, nil)
	sessions := connect.NewManager(registry, connectorFactory(tc.ManifestURL, rdb), a.ledger, rec, a.clock, connect.Options{
		Timeout: tc.ConnectTimeout,
		Tick:    tc.TickInterval,
	})

	caption := "Scan with your TON wallet"
	b := bot.New(bot.Deps{
		Transport:  transport,
		Store:      a.store,
		Ledger:     a.ledger,
		Sessions:   sessions,
		Membership: rec,
		Cache:      cache.NewRedis(rdb, "dedupe:"),
		Clock:      a.clock,
		RenderQR: func(content string) ([]byte, error) {
			return qrcard.Render(content, qrcard.Options{Caption: caption})
		},
	}, bot.Options{
		ConcurrentUpdates:     a.cfg.Telegram.ConcurrentUpdates,
		EnableCallbackReplies: a.cfg.Telegram.EnableCallbackReplies,
		AdminIDs:              a.cfg.Telegram.AdminIDs,
	})

	sch, err := scheduler.New(ctx)
	if err != nil {
		return err
	}
	if err := scheduleIngestion(a, sch, rec); err != nil {
		return err
	}

	updates, stopUpdates, err := startUpdates(a, api)
	if err != nil {
		return err
	}

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := b.Run(ctx, updates); err != nil {
			logging.LogError("Dispatcher stopped with error", zap.Error(err))
		}
	}()

	sch.Start()

	logging.LogSuccess("Bot is running",
		zap.String("mode", a.cfg.Telegram.Mode),
		zap.Int64("chat_id", a.cfg.Telegram.ChatID),
		zap.Bool("nft_ingest", a.cfg.Ingest.NftEnabled))
	a.notifyDeveloper(ctx, transport, fmt.Sprintf("Bot @%s started in %s mode", api.Self.UserName, a.cfg.Telegram.Mode))

	<-ctx.Done()
	logging.LogInfo("Shutdown signal received, gracefully stopping...")

	cancel()
	stopUpdates()

	done := make(chan struct{})
	go func() {
		wg.Wait()
		if err := sch.Shutdown(); err != nil {
			logging.LogWarn("Scheduler shutdown failed", zap.Error(err))
		}
		close(done)
	}()

	select {
	case <-done:
		logging.LogSuccess("Bot stopped gracefully")
	case <-time.After(shutdownTimeout):
		logging.LogWarn("Timeout waiting for handlers to stop, forcing shutdown")
	}

	return nil
}

// connectorFactory keeps every chat's TON Connect session under its own Redis namespace
func connectorFactory(manifestURL string, rdb redis.Cmdable) func(chatID int64) connect.Connector {
	return func(chatID int64) connect.Connector {
		return tonconnect.NewConnector(manifestURL, tonconnect.NewRedisStorage(rdb, chatID), nil)
	}
}

// scheduleIngestion registers the jetton job and, when enabled, the NFT job.
// Each finished snapshot queues the reconciliation pass that depends on it.
func scheduleIngestion(a *app, sch *scheduler.Scheduler, rec *membership.Reconciler) error {
	hooks := ingest.Hooks{
		AfterJettons: func(ctx context.Context) {
			queuePass(sch, "admin-pass", rec.AdminPass)
		},
		AfterNfts: func(ctx context.Context) {
			queuePass(sch, "member-pass", rec.MemberPass)
		},
	}
	job, err := a.ingestJob(hooks)
	if err != nil {
		return err
	}

	ic := a.cfg.Ingest
	if err := sch.Every("jetton-ingest", ic.JettonInterval, ic.JettonFirstRun, func(ctx context.Context) error {
		_, err := job.RunJettons(ctx)
		return err
	}); err != nil {
		return err
	}

	if !ic.NftEnabled {
		logging.LogInfo("NFT ingestion disabled")
		return nil
	}
	return sch.Every("nft-ingest", ic.NftInterval, ic.NftFirstRun, func(ctx context.Context) error {
		_, err := job.RunNfts(ctx)
		return err
	})
}

func queuePass(sch *scheduler.Scheduler, name string, pass func(context.Context) (membership.PassStats, error)) {
	err := sch.Queue(name, func(ctx context.Context) error {
		_, err := pass(ctx)
		return err
	})
	if err != nil {
		logging.LogError("Failed to queue reconciliation pass", zap.String("pass", name), zap.Error(err))
	}
}

// startUpdates returns the update stream for the configured delivery mode and a stop function
func startUpdates(a *app, api *tgbotapi.BotAPI) (<-chan tgbotapi.Update, func(), error) {
	if a.cfg.Telegram.Mode == "webhook" {
		return startWebhook(a, api)
	}

	if _, err := api.Request(tgbotapi.DeleteWebhookConfig{}); err != nil {
		logging.LogWarn("Failed to delete webhook before polling", zap.Error(err))
	}

	u := tgbotapi.NewUpdate(0)
	u.Timeout = 60
	u.AllowedUpdates = allowedUpdates
	updates := api.GetUpdatesChan(u)

	logging.LogInfo("Polling for updates", zap.Strings("allowed_updates", allowedUpdates))
	return updates, api.StopReceivingUpdates, nil
}

func startWebhook(a *app, api *tgbotapi.BotAPI) (<-chan tgbotapi.Update, func(), error) {
	wc := a.cfg.Webhook
	srv := httpserver.New(httpserver.Options{
		Host:        wc.Host,
		Port:        wc.Port,
		Path:        a.cfg.Telegram.Token,
		SecretToken: wc.SecretKey,
		Debug:       a.cfg.Log.Level == "debug",
		Buffer:      a.cfg.Telegram.ConcurrentUpdates,
	})

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Start()
	}()

	params := tgbotapi.Params{"url": strings.TrimRight(wc.URL, "/") + "/" + a.cfg.Telegram.Token}
	if wc.SecretKey != "" {
		params["secret_token"] = wc.SecretKey
	}
	if err := params.AddInterface("allowed_updates", allowedUpdates); err != nil {
		return nil, nil, err
	}
	if _, err := api.MakeRequest("setWebhook", params); err != nil {
		logging.LogError("Failed to set webhook", zap.Error(err))
		return nil, nil, fmt.Errorf("failed to set webhook: %w", err)
	}
	logging.LogSuccess("Webhook registered", zap.String("host", wc.Host), zap.Int("port", wc.Port))

	stop := func() {
		ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(ctx); err != nil {
			logging.LogWarn("Webhook server shutdown failed", zap.Error(err))
		}
		if err := <-errCh; err != nil && !errors.Is(err, context.Canceled) {
			logging.LogWarn("Webhook server stopped with error", zap.Error(err))
		}
	}
	return srv.Updates(), stop, nil
}
