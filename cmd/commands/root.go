package commands

// Root command for Cobra CLI
// Registers the bot, ingest, reconcile and migrate subcommands and the shared config flags

import (
	"github.com/spf13/cobra"

	"ton-club-bot/internal/infra/config"
)

var rootCmd = &cobra.Command{
	Use:   "ton-club-bot",
	Short: "TON club bot - Telegram gatekeeper for jetton holders and NFT owners",
	Long: `TON club bot connects TON wallets through TON Connect, snapshots jetton holders and NFT
owners from TonAPI, and keeps the club chat membership and whale admin seats in line with them.`,
	Version:       "1.0.0",
	SilenceUsage:  true,
	SilenceErrors: true,
}

func Execute() error {
	return rootCmd.Execute()
}

func init() {
	config.RegisterFlags(rootCmd.PersistentFlags())

	rootCmd.AddCommand(botCmd)
	rootCmd.AddCommand(ingestCmd)
	rootCmd.AddCommand(reconcileCmd)
	rootCmd.AddCommand(migrateCmd)
}
