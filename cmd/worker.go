package cmd

import (
	"context"
	"encoding/json"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-co-op/gocron/v2"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"example.com/backstage/tickets/internal/messaging"
	"example.com/backstage/tickets/internal/metrics"
	"example.com/backstage/tickets/internal/services"
)

var workerCmd = &cobra.Command{
	Use:   "worker",
	Short: "Start the background worker",
	Long:  `Start the background worker that keeps the search index in line with event changes`,
	RunE:  runWorker,
}

func init() {
	rootCmd.AddCommand(workerCmd)
}

func runWorker(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(),
		os.Interrupt, syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	rt, err := bootstrap(cfg)
	if err != nil {
		return err
	}
	defer rt.Close()

	g, ctx := errgroup.WithContext(ctx)

	if cfg.Azure.QueueConnStr != "" {
		consumer, err := messaging.NewConsumer(cfg.Azure)
		if err != nil {
			return err
		}
		defer func() {
			if err := consumer.Close(); err != nil {
				log.Error().Err(err).Msg("Failed to close Service Bus consumer")
			}
		}()

		dispatcher := newDispatcher(rt.catalog, rt.metrics)
		g.Go(func() error {
			log.Info().Str("queue", cfg.Azure.QueueName).Msg("Starting Azure Service Bus processor")
			return consumer.Run(ctx, dispatcher)
		})
	} else {
		log.Warn().Msg("No Service Bus connection configured, running the reindex job only")
	}

	g.Go(func() error {
		return runReindexSchedule(ctx, rt.catalog, cfg.Worker.ReindexInterval)
	})

	if err := g.Wait(); err != nil {
		log.Error().Err(err).Msg("Worker error")
		return err
	}

	log.Info().Msg("Worker shutting down gracefully")
	return nil
}

// newDispatcher routes queue messages to the catalog
func newDispatcher(catalog *services.CatalogService, m *metrics.Metrics) *messaging.Dispatcher {
	return messaging.NewDispatcher().
		On(messaging.EventChanged, func(ctx context.Context, data json.RawMessage) error {
			msg, err := messaging.Decode[messaging.EventChangedMessage](data)
			if err != nil {
				return err
			}
			err = catalog.HandleEventChanged(ctx, msg)
			m.RecordOutcome(metrics.MessagesProcessed, err)
			return err
		}).
		On(messaging.TicketPurchased, func(ctx context.Context, data json.RawMessage) error {
			msg, err := messaging.Decode[messaging.TicketPurchasedMessage](data)
			if err != nil {
				return err
			}
			log.Debug().
				Str("ticket_id", msg.TicketID.String()).
				Str("event_id", msg.EventID.String()).
				Msg("Ticket purchase observed")
			m.IncrementCounter(metrics.MessagesProcessed)
			return nil
		})
}

// runReindexSchedule rebuilds the search index periodically until ctx ends.
// It catches changes whose messages were lost.
func runReindexSchedule(ctx context.Context, catalog *services.CatalogService, interval time.Duration) error {
	if interval <= 0 {
		interval = 5 * time.Minute
	}

	scheduler, err := gocron.NewScheduler()
	if err != nil {
		return err
	}

	_, err = scheduler.NewJob(
		gocron.DurationJob(interval),
		gocron.NewTask(func() {
			n, err := catalog.ReindexPublished(ctx)
			if err != nil {
				log.Error().Err(err).Msg("Failed to reindex published events")
				return
			}
			log.Info().Int("events", n).Msg("Reindexed published events")
		}),
		gocron.WithSingletonMode(gocron.LimitModeReschedule),
	)
	if err != nil {
		return err
	}

	log.Info().Dur("interval", interval).Msg("Starting reindex job")
	scheduler.Start()

	<-ctx.Done()

	return scheduler.Shutdown()
}
