package cmd

import (
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/shardie-github/Settler-API-sub003/internal/database"
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Run database migrations",
	RunE: func(cmd *cobra.Command, args []string) error {
		if cfg.Database.Driver == memoryDriver {
			return errors.New("nothing to migrate for the memory driver")
		}

		db, err := database.Connect(cfg.Database)
		if err != nil {
			return err
		}
		defer database.Close(db)

		log.Info().Msg("Running database migrations")
		if err := database.AutoMigrate(db); err != nil {
			return errors.Wrap(err, "failed to run database migrations")
		}
		log.Info().Msg("Database migrations completed successfully")
		return nil
	},
}

func init() {
	rootCmd.AddCommand(migrateCmd)
}
