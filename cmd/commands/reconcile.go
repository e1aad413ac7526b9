package commands

// Command to run a full reconciliation pass against the club chat

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"ton-club-bot/internal/chat"
	logging "ton-club-bot/internal/infra/log"
)

var reconcileCmd = &cobra.Command{
	Use:   "reconcile",
	Short: "Run the admin and member passes once",
	Long:  `Promote, demote, retitle and ban club members according to the current ledger, then exit.`,
	RunE:  runReconcile,
}

func runReconcile(cmd *cobra.Command, args []string) error {
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

	stats, err := a.reconciler(chat.NewTelegram(api)).FullPass(ctx)
	if err != nil {
		return fmt.Errorf("reconciliation failed: %w", err)
	}

	logging.LogSuccess("Reconciliation finished",
		zap.Int("accounts", stats.Accounts),
		zap.Int("promoted", stats.Promoted),
		zap.Int("demoted", stats.Demoted),
		zap.Int("retitled", stats.Retitled),
		zap.Int("banned", stats.Banned),
		zap.Int("skipped", stats.Skipped),
		zap.Int("failed", stats.Failed))
	return nil
}
