package cmd

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"example.com/backstage/tickets/config"
	"example.com/backstage/tickets/internal/cache"
	"example.com/backstage/tickets/internal/clock"
	"example.com/backstage/tickets/internal/credentials"
	"example.com/backstage/tickets/internal/database"
	"example.com/backstage/tickets/internal/messaging"
	"example.com/backstage/tickets/internal/metrics"
	"example.com/backstage/tickets/internal/models"
	"example.com/backstage/tickets/internal/repositories"
	"example.com/backstage/tickets/internal/search"
	"example.com/backstage/tickets/internal/services"
	"example.com/backstage/tickets/internal/tracing"
)

const qrImageSize = 300

// app holds the infrastructure shared by the commands
type app struct {
	cfg     config.Config
	clock   clock.Clock
	tracer  tracing.Tracer
	metrics *metrics.Metrics

	db      *database.Database
	events  services.EventStore
	tickets services.TicketStore
	users   services.UserStore

	redis     *cache.RedisCache
	elastic   *search.ElasticClient
	publisher *messaging.Publisher

	catalog *services.CatalogService
}

// bootstrap connects storage and the optional cache, index and bus. Optional
// backends that fail to start are logged and left out.
func bootstrap(cfg config.Config) (*app, error) {
	rt := &app{
		cfg:     cfg,
		clock:   clock.NewSystem(),
		metrics: metrics.NewMetrics(),
	}

	tracer, err := tracing.NewTracer(cfg.Tracing)
	if err != nil {
		log.Warn().Err(err).Msg("Failed to initialize tracer, continuing without tracing")
		tracer = tracing.Disabled()
	}
	rt.tracer = tracer

	if err := rt.openStores(); err != nil {
		return nil, err
	}

	if cfg.Redis.Enabled {
		redisCache, err := cache.NewRedisCache(cfg.Redis)
		if err != nil {
			log.Warn().Err(err).Msg("Failed to initialize Redis cache, continuing without caching")
		} else {
			rt.redis = redisCache
		}
		rt.metrics.SetHealth("redis", err == nil)
	}

	if cfg.Elastic.Enabled {
		elasticClient, err := search.NewElasticClient(cfg.Elastic)
		if err == nil {
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			err = elasticClient.EnsureIndex(ctx)
			cancel()
		}
		if err != nil {
			log.Warn().Err(err).Msg("Failed to initialize Elasticsearch client, continuing without search functionality")
		} else {
			rt.elastic = elasticClient
		}
		rt.metrics.SetHealth("elasticsearch", err == nil)
	}

	if cfg.Azure.QueueConnStr != "" {
		publisher, err := messaging.NewPublisher(cfg.Azure)
		if err != nil {
			log.Warn().Err(err).Msg("Failed to initialize Service Bus publisher, indexing inline")
		} else {
			rt.publisher = publisher
		}
	}

	rt.catalog = services.NewCatalogService(rt.events, rt.eventIndex(), rt.eventCache(), rt.tracer, rt.metrics)
	return rt, nil
}

func (rt *app) openStores() error {
	switch rt.cfg.DB.Driver {
	case "memory":
		store := repositories.NewMemoryStore(rt.clock, rt.cfg.DB.LockTimeout)
		rt.events, rt.tickets, rt.users = store, store, store
		log.Warn().Msg("Using in-memory storage, data is lost on exit")
	case "postgres", "":
		db, err := database.Connect(rt.cfg.DB, rt.cfg.Environment)
		if err != nil {
			return err
		}
		if err := models.SetupModels(db.DB()); err != nil {
			return errors.Wrap(err, "failed to run migrations")
		}
		rt.db = db
		rt.events = repositories.NewEventRepository(db.DB(), db.ReadOnlyDB(), rt.cfg.DB.LockTimeout)
		rt.tickets = repositories.NewTicketRepository(db.DB(), rt.cfg.DB.LockTimeout)
		rt.users = repositories.NewUserRepository(db.DB())
	default:
		return errors.Errorf("unknown database driver %q", rt.cfg.DB.Driver)
	}
	rt.metrics.SetHealth("database", true)
	return nil
}

// eventCache and eventIndex return untyped nils for missing backends so the
// services can test them against nil
func (rt *app) eventCache() services.EventCache {
	if rt.redis == nil {
		return nil
	}
	return rt.redis
}

func (rt *app) eventIndex() services.EventIndex {
	if rt.elastic == nil {
		return nil
	}
	return rt.elastic
}

// eventPublisher returns the Service Bus publisher, or an inline indexer
// when no bus is configured
func (rt *app) eventPublisher() services.EventPublisher {
	if rt.publisher == nil {
		return services.NewInlineIndexer(rt.catalog)
	}
	return rt.publisher
}

func (rt *app) eventService() *services.EventService {
	return services.NewEventService(rt.events, rt.eventCache(), rt.eventPublisher(), rt.tracer, rt.metrics,
		services.EventServiceOptions{
			MaxAttempts: rt.cfg.Purchase.MaxAttempts,
			Reconcile: services.ReconcileOptions{
				ProtectSoldTicketTypes: rt.cfg.Reconcile.ProtectSoldTicketTypes,
			},
		})
}

func (rt *app) ticketService() *services.TicketService {
	return services.NewTicketService(rt.tickets, credentials.NewQRIssuer(qrImageSize), rt.eventPublisher(),
		rt.clock, rt.tracer, rt.metrics,
		services.TicketServiceOptions{
			MaxAttempts:        rt.cfg.Purchase.MaxAttempts,
			EnforceSalesWindow: rt.cfg.Purchase.EnforceSalesWindow,
		})
}

// Close releases every connection bootstrap opened
func (rt *app) Close() {
	if rt.publisher != nil {
		if err := rt.publisher.Close(); err != nil {
			log.Error().Err(err).Msg("Failed to close Service Bus publisher")
		}
	}
	if rt.redis != nil {
		if err := rt.redis.Close(); err != nil {
			log.Error().Err(err).Msg("Failed to close Redis cache")
		}
	}
	if rt.db != nil {
		if err := rt.db.Close(); err != nil {
			log.Error().Err(err).Msg("Failed to close database")
		}
	}
	rt.tracer.Close()
}
