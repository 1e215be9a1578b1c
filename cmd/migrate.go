package cmd

import (
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"example.com/backstage/tickets/internal/database"
	"example.com/backstage/tickets/internal/models"
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Run database migrations",
	Long: `Runs database migrations to ensure the database schema
is up-to-date. This is useful for CI/CD pipelines or initial setup.`,
	RunE: runMigration,
}

func init() {
	rootCmd.AddCommand(migrateCmd)
}

func runMigration(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if cfg.DB.Driver == "memory" {
		log.Info().Msg("In-memory storage needs no migrations")
		return nil
	}

	log.Info().Msg("Connecting to database...")
	db, err := database.Connect(cfg.DB, cfg.Environment)
	if err != nil {
		return err
	}
	defer db.Close()

	log.Info().Msg("Running database migrations...")
	if err := models.SetupModels(db.DB()); err != nil {
		return errors.Wrap(err, "migration failed")
	}

	log.Info().Msg("Database migrations completed successfully")
	return nil
}
