package commands

import (
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"ton-club-bot/internal/infra/db"
	logging "ton-club-bot/internal/infra/log"
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Create or update the database schema",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := bootstrap(cmd)
		if err != nil {
			return err
		}
		defer a.close()

		if err := db.Migrate(a.db); err != nil {
			logging.LogError("Migration failed", zap.Error(err))
			return err
		}
		logging.LogSuccess("Schema is up to date", zap.String("driver", a.cfg.Database.Driver))
		return nil
	},
}
