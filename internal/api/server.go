package api

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"example.com/backstage/tickets/config"
	"example.com/backstage/tickets/internal/access"
	"example.com/backstage/tickets/internal/api/handlers"
	"example.com/backstage/tickets/internal/api/middleware"
	"example.com/backstage/tickets/internal/metrics"
	"example.com/backstage/tickets/internal/services"
	"example.com/backstage/tickets/internal/tracing"
)

const shutdownTimeout = 5 * time.Second

// Dependencies are the services the HTTP surface is built on
type Dependencies struct {
	Events        *services.EventService
	Tickets       *services.TicketService
	Validations   *services.ValidationService
	Catalog       *services.CatalogService
	Users         *services.UserService
	Authenticator *middleware.Authenticator
	Metrics       *metrics.Metrics
	Tracer        tracing.Tracer
}

// Server represents the HTTP server
type Server struct {
	config     config.Config
	deps       Dependencies
	router     *gin.Engine
	httpServer *http.Server
}

// NewServer creates a new HTTP server
func NewServer(cfg config.Config, deps Dependencies) *Server {
	server := &Server{
		config: cfg,
		deps:   deps,
	}

	server.router = server.setupRouter()
	server.httpServer = &http.Server{
		Addr:              cfg.Server.Address,
		Handler:           server.router,
		ReadHeaderTimeout: 10 * time.Second,
		WriteTimeout:      cfg.Server.Timeout,
	}

	return server
}

// setupRouter configures the HTTP router
func (s *Server) setupRouter() *gin.Engine {
	if s.config.Environment != "development" {
		gin.SetMode(gin.ReleaseMode)
	}
	handlers.RegisterValidators()

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(middleware.RequestID())
	router.Use(middleware.Logger())

	if app := s.deps.Tracer.Application(); app != nil {
		router.Use(middleware.NewRelic(app), middleware.TransactionContext())
	}
	if s.config.MetricsEnabled {
		router.Use(middleware.Metrics(s.deps.Metrics))
	}
	if s.config.Server.CorsEnabled {
		router.Use(middleware.CORS(s.config.Server.CorsOrigins))
	}

	handlers.NewMetricsHandler(s.deps.Metrics, s.deps.Tracer).RegisterRoutes(router)

	v1 := router.Group("/api/v1")
	handlers.NewCatalogHandler(s.deps.Catalog, s.deps.Tracer).RegisterRoutes(v1)

	authenticated := v1.Group("", middleware.Authenticate(s.deps.Authenticator, s.deps.Users))
	handlers.NewTicketHandler(s.deps.Tickets, s.deps.Tracer).RegisterRoutes(authenticated)

	organizer := authenticated.Group("", middleware.RequireRole(access.RoleOrganizer))
	handlers.NewEventHandler(s.deps.Events, s.deps.Tracer).RegisterRoutes(organizer)

	staff := authenticated.Group("", middleware.RequireRole(access.RoleStaff))
	handlers.NewValidationHandler(s.deps.Validations, s.deps.Tracer).RegisterRoutes(staff)

	return router
}

// Handler exposes the router, mainly for tests
func (s *Server) Handler() http.Handler {
	return s.router
}

// Start starts the HTTP server
func (s *Server) Start() error {
	log.Info().Str("address", s.config.Server.Address).Msg("Starting HTTP server")

	if err := s.httpServer.ListenAndServe(); err != nil {
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return errors.Wrap(err, "HTTP server error")
	}

	return nil
}

// Shutdown gracefully stops the HTTP server
func (s *Server) Shutdown(ctx context.Context) error {
	log.Info().Msg("Shutting down HTTP server")

	shutdownCtx, cancel := context.WithTimeout(ctx, shutdownTimeout)
	defer cancel()

	if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
		return errors.Wrap(err, "HTTP server shutdown error")
	}

	log.Info().Msg("HTTP server shut down successfully")
	return nil
}
