package cmd

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"example.com/backstage/tickets/internal/api"
	"example.com/backstage/tickets/internal/api/middleware"
	"example.com/backstage/tickets/internal/services"
)

var apiCmd = &cobra.Command{
	Use:   "api",
	Short: "Start the API server",
	Long:  `Start the HTTP API server for events, ticket purchases and validations`,
	RunE:  runAPI,
}

func init() {
	rootCmd.AddCommand(apiCmd)
}

func runAPI(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(),
		os.Interrupt, syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	authenticator, err := middleware.NewAuthenticator(cfg.Auth)
	if err != nil {
		return err
	}

	rt, err := bootstrap(cfg)
	if err != nil {
		return err
	}
	defer rt.Close()

	server := api.NewServer(cfg, api.Dependencies{
		Events:        rt.eventService(),
		Tickets:       rt.ticketService(),
		Validations:   services.NewValidationService(rt.tickets, rt.clock, rt.metrics),
		Catalog:       rt.catalog,
		Users:         services.NewUserService(rt.users),
		Authenticator: authenticator,
		Metrics:       rt.metrics,
		Tracer:        rt.tracer,
	})

	errCh := make(chan error, 1)
	go func() {
		errCh <- server.Start()
	}()

	select {
	case <-ctx.Done():
	case err := <-errCh:
		if err != nil {
			log.Error().Err(err).Msg("Server error")
			return err
		}
	}

	if err := server.Shutdown(context.Background()); err != nil {
		log.Error().Err(err).Msg("Server shutdown error")
	}

	log.Info().Msg("Shutting down API server")
	return nil
}
