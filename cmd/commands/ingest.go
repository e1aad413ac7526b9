package commands

// Command to run one ingestion snapshot outside the schedule
// A finished jetton snapshot is followed by the admin pass, an NFT snapshot by the member pass

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"ton-club-bot/internal/chat"
	"ton-club-bot/internal/features/ingest"
	"ton-club-bot/internal/features/membership"
	logging "ton-club-bot/internal/infra/log"
)

var (
	ingestTarget string
	skipPass     bool
)

var ingestCmd = &cobra.Command{
	Use:   "ingest",
	Short: "Run a single jetton and/or NFT ingestion snapshot",
	Long: `Fetch the jetton holder ranking and/or NFT ownership from TonAPI once, write it to the ledger
and run the reconciliation pass that depends on it. --skip-pass leaves the chat untouched.`,
	RunE:  runIngest,
}

func init() {
	ingestCmd.Flags().StringVar(&ingestTarget, "target", "all", "What to ingest: jettons, nfts or all")
	ingestCmd.Flags().BoolVar(&skipPass, "skip-pass", false, "Do not run reconciliation after the snapshot")
}

func runIngest(cmd *cobra.Command, args []string) error {
	switch ingestTarget {
	case "jettons", "nfts", "all":
	default:
		return fmt.Errorf("--target must be jettons, nfts or all, got %q", ingestTarget)
	}

	a, err := bootstrap(cmd)
	if err != nil {
		return err
	}
	defer a.close()

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	var hooks ingest.Hooks
	if !skipPass {
		api, err := a.botAPI()
		if err != nil {
			return err
		}
		rec := a.reconciler(chat.NewTelegram(api))
		hooks.AfterJettons = func(ctx context.Context) { runPass(ctx, "admin", rec.AdminPass) }
		hooks.AfterNfts = func(ctx context.Context) { runPass(ctx, "member", rec.MemberPass) }
	}

	job, err := a.ingestJob(hooks)
	if err != nil {
		return err
	}

	if ingestTarget != "nfts" {
		stats, err := job.RunJettons(ctx)
		if err != nil {
			return fmt.Errorf("jetton ingestion failed: %w", err)
		}
		logStats("Jetton snapshot stored", stats)
	}
	if ingestTarget != "jettons" {
		stats, err := job.RunNfts(ctx)
		if err != nil {
			return fmt.Errorf("nft ingestion failed: %w", err)
		}
		logStats("NFT snapshot stored", stats)
	}
	return nil
}

func runPass(ctx context.Context, name string, pass func(context.Context) (membership.PassStats, error)) {
	stats, err := pass(ctx)
	if err != nil {
		logging.LogError("Reconciliation pass failed", zap.String("pass", name), zap.Error(err))
		return
	}
	logging.LogSuccess("Reconciliation pass finished",
		zap.String("pass", name),
		zap.Int("accounts", stats.Accounts),
		zap.Int("actions", stats.Actions()),
		zap.Int("failed", stats.Failed))
}

func logStats(msg string, s ingest.Stats) {
	logging.LogSuccess(msg,
		zap.Int("pages", s.Pages),
		zap.Int("items", s.Items),
		zap.Int("written", s.Written),
		zap.Int("reset", s.Reset),
		zap.Duration("duration", s.Duration))
}
