package embedding

import (
	"context"
	"log/slog"
	"strings"

	"github.com/google/uuid"
	"golang.org/x/sync/singleflight"

	"github.com/quillsec/quill/internal/models"
)

// Store is the persistence surface the cache needs.
type Store interface {
	GetEmbedding(ctx context.Context, userID *uuid.UUID, service, model, text string) (*models.Embedding, error)
	UpsertEmbedding(ctx context.Context, embedding *models.Embedding) (*models.Embedding, error)
}

// Cache is a read-through embedding cache: identical (owner, service, model,
// text) requests hit the remote service once and the database afterwards.
type Cache struct {
	store       Store
	logger      *slog.Logger
	providerFor func(service string) (Provider, error)
	flight      singleflight.Group
}

func NewCache(store Store, logger *slog.Logger) *Cache {
	return &Cache{
		store:       store,
		logger:      logger.With("component", "embedding_cache"),
		providerFor: ProviderFor,
	}
}

// Get returns the vector for text, computing and persisting it on a miss.
// A nil userID addresses the shared partition used by template policies.
func (c *Cache) Get(ctx context.Context, userID *uuid.UUID, apiKey, service, model, text string) ([]float64, error) {
	if !ModelAllowed(service, model) {
		return nil, &Error{Service: service, Message: "model not supported: " + model}
	}
	if apiKey == "" {
		return nil, &Error{Service: service, Message: "no API key configured"}
	}

	// Concurrent misses for the same key coalesce into one provider call;
	// losers get the winner's vectors. Across processes the upsert's
	// RETURNING gives the same guarantee at the row level.
	v, err, _ := c.flight.Do(flightKey(userID, service, model, text), func() (interface{}, error) {
		cached, err := c.store.GetEmbedding(ctx, userID, service, model, text)
		if err != nil {
			return nil, &Error{Service: service, Message: "cache lookup", Err: err}
		}
		if cached != nil {
			c.logger.Debug("embedding cache hit", "service", service, "model", model)
			return []float64(cached.Vectors), nil
		}

		provider, err := c.providerFor(service)
		if err != nil {
			return nil, err
		}
		vectors, err := provider.Embed(ctx, apiKey, model, text)
		if err != nil {
			return nil, err
		}

		row, err := c.store.UpsertEmbedding(ctx, &models.Embedding{
			UserID:  userID,
			Service: service,
			Model:   model,
			Text:    text,
			Vectors: models.Vector(vectors),
		})
		if err != nil {
			return nil, &Error{Service: service, Message: "caching embedding", Err: err}
		}

		c.logger.Debug("embedding cached", "service", service, "model", model, "dimensions", len(row.Vectors))
		return []float64(row.Vectors), nil
	})
	if err != nil {
		return nil, err
	}
	return v.([]float64), nil
}

func flightKey(userID *uuid.UUID, service, model, text string) string {
	owner := ""
	if userID != nil {
		owner = userID.String()
	}
	return strings.Join([]string{owner, service, model, text}, "\x00")
}
