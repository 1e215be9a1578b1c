package services

import (
	"context"
	"strings"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"example.com/backstage/tickets/internal/messaging"
	"example.com/backstage/tickets/internal/metrics"
	"example.com/backstage/tickets/internal/models"
	"example.com/backstage/tickets/internal/tracing"
)

const reindexBatchSize = models.MaxPageSize

// CatalogService serves the public listing of published events
type CatalogService struct {
	events  EventStore
	index   EventIndex
	cache   EventCache
	tracer  tracing.Tracer
	metrics *metrics.Metrics
}

// NewCatalogService creates a new catalog service. index and cache may be
// nil, in which case every read goes to the store.
func NewCatalogService(events EventStore, index EventIndex, cache EventCache, tracer tracing.Tracer, m *metrics.Metrics) *CatalogService {
	return &CatalogService{
		events:  events,
		index:   index,
		cache:   cache,
		tracer:  tracer,
		metrics: m,
	}
}

// ListPublishedEvents pages through published events in creation order
func (s *CatalogService) ListPublishedEvents(ctx context.Context, page models.PageRequest) (models.Page[models.Event], error) {
	return s.events.ListPublishedEvents(ctx, page)
}

// SearchPublishedEvents matches query against published events. The search
// index is used when configured; the store answers when it is missing or
// failing. An empty query lists everything.
func (s *CatalogService) SearchPublishedEvents(ctx context.Context, query string, page models.PageRequest) (models.Page[models.Event], error) {
	query = strings.TrimSpace(query)
	if query == "" {
		return s.ListPublishedEvents(ctx, page)
	}

	span := s.tracer.SpanFromContext(ctx, "search-published-events")
	defer span.End()

	if s.index != nil {
		result, err := s.searchIndex(ctx, query, page)
		if err == nil {
			return result, nil
		}
		s.metrics.IncrementCounter(metrics.SearchFallbacks)
		log.Warn().Err(err).Str("query", query).Msg("Search index unavailable, falling back to database")
	}

	return s.events.SearchPublishedEvents(ctx, query, page)
}

func (s *CatalogService) searchIndex(ctx context.Context, query string, page models.PageRequest) (models.Page[models.Event], error) {
	ids, total, err := s.index.SearchEvents(ctx, query, page)
	if err != nil {
		return models.Page[models.Event]{}, err
	}

	found, err := s.events.GetPublishedEventsByIDs(ctx, ids)
	if err != nil {
		return models.Page[models.Event]{}, err
	}

	// keep index order and drop hits the store no longer shows as published
	byID := make(map[uuid.UUID]models.Event, len(found))
	for _, ev := range found {
		byID[ev.ID] = ev
	}
	content := make([]models.Event, 0, len(ids))
	for _, id := range ids {
		if ev, ok := byID[id]; ok {
			content = append(content, ev)
		}
	}

	return models.NewPage(content, total, page), nil
}

// GetPublishedEvent returns a published event, served from cache when
// possible
func (s *CatalogService) GetPublishedEvent(ctx context.Context, id uuid.UUID) (*models.Event, error) {
	if s.cache != nil {
		if event, err := s.cache.GetPublishedEvent(ctx, id); err == nil {
			return event, nil
		}
	}

	event, err := s.events.GetPublishedEvent(ctx, id)
	if err != nil {
		return nil, err
	}

	if s.cache != nil {
		if err := s.cache.SetPublishedEvent(ctx, event); err != nil {
			log.Warn().Err(err).Str("event_id", id.String()).Msg("Failed to cache published event")
		} else {
			s.dropIfChanged(ctx, event)
		}
	}
	return event, nil
}

// dropIfChanged evicts a just-cached event when a write committed between
// the read and the set. The writer's own invalidation may already have run.
func (s *CatalogService) dropIfChanged(ctx context.Context, cached *models.Event) {
	current, err := s.events.GetEvent(ctx, cached.ID)
	if err == nil && current.Status == models.EventStatusPublished && current.UpdatedAt.Equal(cached.UpdatedAt) {
		return
	}
	if err != nil && !errors.Is(err, models.ErrNotFound) {
		log.Warn().Err(err).Str("event_id", cached.ID.String()).Msg("Failed to recheck cached event")
	}
	s.metrics.IncrementCounter(metrics.StaleCacheEvictions)
	if err := s.cache.InvalidateEvent(ctx, cached.ID); err != nil {
		log.Warn().Err(err).Str("event_id", cached.ID.String()).Msg("Failed to invalidate stale cached event")
	}
}

// SyncEvent brings the index and cache in line with the stored event.
// Events that are gone or not published are removed from the index.
func (s *CatalogService) SyncEvent(ctx context.Context, id uuid.UUID) error {
	if s.cache != nil {
		if err := s.cache.InvalidateEvent(ctx, id); err != nil {
			log.Warn().Err(err).Str("event_id", id.String()).Msg("Failed to invalidate cached event")
		}
	}
	if s.index == nil {
		return nil
	}

	event, err := s.events.GetEvent(ctx, id)
	if err != nil && !errors.Is(err, models.ErrNotFound) {
		return err
	}

	if err != nil || event.Status != models.EventStatusPublished {
		if err := s.index.RemoveEvent(ctx, id); err != nil {
			return errors.Wrapf(err, "failed to remove event %s from index", id)
		}
		return nil
	}

	if err := s.index.IndexEvent(ctx, event); err != nil {
		return errors.Wrapf(err, "failed to index event %s", id)
	}
	return nil
}

// ReindexPublished writes every published event to the index and returns
// how many were written
func (s *CatalogService) ReindexPublished(ctx context.Context) (int, error) {
	if s.index == nil {
		log.Debug().Msg("Search index disabled, skipping reindex")
		return 0, nil
	}

	if err := s.index.EnsureIndex(ctx); err != nil {
		return 0, err
	}

	indexed := 0
	for number := 0; ; number++ {
		page, err := s.events.ListPublishedEvents(ctx, models.PageRequest{Number: number, Size: reindexBatchSize})
		if err != nil {
			return indexed, err
		}
		for i := range page.Content {
			if err := s.index.IndexEvent(ctx, &page.Content[i]); err != nil {
				return indexed, errors.Wrapf(err, "failed to index event %s", page.Content[i].ID)
			}
			indexed++
		}
		if number+1 >= page.TotalPages {
			break
		}
	}

	log.Info().Int("events", indexed).Msg("Reindexed published events")
	return indexed, nil
}

// HandleEventChanged is the queue handler for event change notifications
func (s *CatalogService) HandleEventChanged(ctx context.Context, msg messaging.EventChangedMessage) error {
	if msg.EventID == uuid.Nil {
		return errors.New("event change message without event id")
	}
	s.metrics.IncrementCounter(metrics.MessagesProcessed)
	return s.SyncEvent(ctx, msg.EventID)
}

// InlineIndexer stands in for the bus when none is configured and applies
// event changes to the catalog directly.
type InlineIndexer struct {
	catalog *CatalogService
}

// NewInlineIndexer creates an inline indexer over catalog
func NewInlineIndexer(catalog *CatalogService) *InlineIndexer {
	return &InlineIndexer{catalog: catalog}
}

// PublishEventChanged syncs the event right away
func (i *InlineIndexer) PublishEventChanged(ctx context.Context, eventID uuid.UUID, action string) error {
	return i.catalog.HandleEventChanged(ctx, messaging.EventChangedMessage{EventID: eventID, Action: action})
}

// PublishTicketPurchased has no local consumer
func (i *InlineIndexer) PublishTicketPurchased(context.Context, messaging.TicketPurchasedMessage) error {
	return nil
}
