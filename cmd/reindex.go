package cmd

import (
	"context"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

var reindexCmd = &cobra.Command{
	Use:   "reindex",
	Short: "Rebuild the published-event search index",
	RunE:  runReindex,
}

func init() {
	rootCmd.AddCommand(reindexCmd)
}

func runReindex(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if !cfg.Elastic.Enabled {
		return errors.New("search index is disabled (elastic.enabled=false)")
	}

	rt, err := bootstrap(cfg)
	if err != nil {
		return err
	}
	defer rt.Close()

	if rt.elastic == nil {
		return errors.New("search index is unavailable")
	}

	n, err := rt.catalog.ReindexPublished(context.Background())
	if err != nil {
		return err
	}

	log.Info().Int("events", n).Msg("Reindex complete")
	return nil
}
