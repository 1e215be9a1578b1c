package search

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"example.com/backstage/tickets/config"
	"example.com/backstage/tickets/internal/models"

	"github.com/elastic/go-elasticsearch/v7"
	"github.com/elastic/go-elasticsearch/v7/esapi"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

// eventMapping keeps id and status exact so they can be filtered and sorted
const eventMapping = `{
  "mappings": {
    "properties": {
      "id":         {"type": "keyword"},
      "status":     {"type": "keyword"},
      "name":       {"type": "text"},
      "venue":      {"type": "text"},
      "start":      {"type": "date"},
      "end":        {"type": "date"},
      "created_at": {"type": "date"},
      "ticket_types": {
        "properties": {
          "name":        {"type": "text"},
          "description": {"type": "text"}
        }
      }
    }
  }
}`

// EventDocument is the indexed view of a published event
type EventDocument struct {
	ID          string               `json:"id"`
	Name        string               `json:"name"`
	Venue       string               `json:"venue"`
	Status      models.EventStatus   `json:"status"`
	Start       *time.Time           `json:"start,omitempty"`
	End         *time.Time           `json:"end,omitempty"`
	CreatedAt   time.Time            `json:"created_at"`
	TicketTypes []TicketTypeDocument `json:"ticket_types"`
}

// TicketTypeDocument is the searchable part of a ticket type
type TicketTypeDocument struct {
	Name        string `json:"name"`
	Description string `json:"description"`
}

// NewEventDocument builds the document indexed for an event
func NewEventDocument(event *models.Event) EventDocument {
	doc := EventDocument{
		ID:          event.ID.String(),
		Name:        event.Name,
		Venue:       event.Venue,
		Status:      event.Status,
		Start:       event.Start,
		End:         event.End,
		CreatedAt:   event.CreatedAt,
		TicketTypes: make([]TicketTypeDocument, 0, len(event.TicketTypes)),
	}
	for _, tt := range event.TicketTypes {
		doc.TicketTypes = append(doc.TicketTypes, TicketTypeDocument{Name: tt.Name, Description: tt.Description})
	}
	return doc
}

// ElasticClient provides integration with Elasticsearch
type ElasticClient struct {
	client *elasticsearch.Client
	index  string
}

// NewElasticClient creates a new Elasticsearch client
func NewElasticClient(cfg config.ElasticConfig) (*ElasticClient, error) {
	client, err := elasticsearch.NewClient(elasticsearch.Config{
		Addresses: []string{cfg.URL},
		Username:  cfg.Username,
		Password:  cfg.Password,
	})
	if err != nil {
		return nil, errors.Wrap(err, "failed to create Elasticsearch client")
	}

	return &ElasticClient{
		client: client,
		index:  config.FormatIndex(cfg, cfg.Index),
	}, nil
}

// EnsureIndex creates the event index with its mapping when missing
func (c *ElasticClient) EnsureIndex(ctx context.Context) error {
	exists, err := esapi.IndicesExistsRequest{Index: []string{c.index}}.Do(ctx, c.client)
	if err != nil {
		return errors.Wrap(err, "failed to check Elasticsearch index")
	}
	exists.Body.Close()
	if exists.StatusCode == http.StatusOK {
		return nil
	}

	res, err := esapi.IndicesCreateRequest{
		Index: c.index,
		Body:  strings.NewReader(eventMapping),
	}.Do(ctx, c.client)
	if err != nil {
		return errors.Wrap(err, "failed to create Elasticsearch index")
	}
	defer res.Body.Close()

	if res.IsError() {
		return responseError("create index", res)
	}

	log.Info().Str("index", c.index).Msg("created search index")
	return nil
}

// IndexEvent writes the event document, replacing any previous version
func (c *ElasticClient) IndexEvent(ctx context.Context, event *models.Event) error {
	body, err := json.Marshal(NewEventDocument(event))
	if err != nil {
		return errors.Wrap(err, "failed to marshal event document")
	}

	res, err := esapi.IndexRequest{
		Index:      c.index,
		DocumentID: event.ID.String(),
		Body:       bytes.NewReader(body),
		Refresh:    "true",
	}.Do(ctx, c.client)
	if err != nil {
		return errors.Wrap(err, "failed to execute Elasticsearch index request")
	}
	defer res.Body.Close()

	if res.IsError() {
		return responseError("index", res)
	}

	log.Debug().Str("event_id", event.ID.String()).Msg("event indexed")
	return nil
}

// RemoveEvent deletes the event document. Missing documents are ignored.
func (c *ElasticClient) RemoveEvent(ctx context.Context, id uuid.UUID) error {
	res, err := esapi.DeleteRequest{
		Index:      c.index,
		DocumentID: id.String(),
		Refresh:    "true",
	}.Do(ctx, c.client)
	if err != nil {
		return errors.Wrap(err, "failed to execute Elasticsearch delete request")
	}
	defer res.Body.Close()

	if res.IsError() && res.StatusCode != http.StatusNotFound {
		return responseError("delete", res)
	}
	return nil
}

type searchResponse struct {
	Hits struct {
		Total struct {
			Value int64 `json:"value"`
		} `json:"total"`
		Hits []struct {
			Source struct {
				ID string `json:"id"`
			} `json:"_source"`
		} `json:"hits"`
	} `json:"hits"`
}

// SearchEvents runs a text query over published events and returns the
// matching ids in creation order plus the total hit count.
func (c *ElasticClient) SearchEvents(ctx context.Context, query string, page models.PageRequest) ([]uuid.UUID, int64, error) {
	body, err := json.Marshal(buildSearchQuery(query, page))
	if err != nil {
		return nil, 0, errors.Wrap(err, "failed to marshal search query")
	}

	res, err := esapi.SearchRequest{
		Index:          []string{c.index},
		Body:           bytes.NewReader(body),
		TrackTotalHits: true,
	}.Do(ctx, c.client)
	if err != nil {
		return nil, 0, errors.Wrap(err, "failed to execute Elasticsearch search request")
	}
	defer res.Body.Close()

	if res.IsError() {
		return nil, 0, responseError("search", res)
	}

	var parsed searchResponse
	if err := json.NewDecoder(res.Body).Decode(&parsed); err != nil {
		return nil, 0, errors.Wrap(err, "failed to parse Elasticsearch search response")
	}

	ids := make([]uuid.UUID, 0, len(parsed.Hits.Hits))
	for _, hit := range parsed.Hits.Hits {
		id, err := uuid.Parse(hit.Source.ID)
		if err != nil {
			log.Warn().Str("id", hit.Source.ID).Msg("skipping search hit with malformed id")
			continue
		}
		ids = append(ids, id)
	}
	return ids, parsed.Hits.Total.Value, nil
}

func buildSearchQuery(query string, page models.PageRequest) map[string]interface{} {
	return map[string]interface{}{
		"from":    page.Offset(),
		"size":    page.Size,
		"_source": []string{"id"},
		"query": map[string]interface{}{
			"bool": map[string]interface{}{
				"must": []interface{}{
					map[string]interface{}{
						"multi_match": map[string]interface{}{
							"query":  query,
							"fields": []string{"name^3", "venue^2", "ticket_types.name", "ticket_types.description"},
						},
					},
				},
				"filter": []interface{}{
					map[string]interface{}{
						"term": map[string]interface{}{"status": models.EventStatusPublished},
					},
				},
			},
		},
		"sort": []interface{}{
			map[string]interface{}{"created_at": "asc"},
			map[string]interface{}{"id": "asc"},
		},
	}
}

func responseError(op string, res *esapi.Response) error {
	var e map[string]interface{}
	if err := json.NewDecoder(res.Body).Decode(&e); err != nil {
		return errors.Wrapf(err, "failed to parse Elasticsearch %s error response", op)
	}
	return errors.Errorf("Elasticsearch %s error: %s %v", op, res.Status(), e)
}
