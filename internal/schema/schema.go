// Package schema serves per-tenant event schemas through the tiered cache.
// Schemas change rarely, so they carry an hours-long TTL and are invalidated
// explicitly when edited.
package schema

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"liveops/internal/cache"
	"liveops/internal/logger"
	"liveops/internal/session"
	"liveops/pkg/models"
)

// LoaderFunc fetches a schema from its source of record on cache miss.
// Returning a nil schema with nil error means the event type has no declared
// schema.
type LoaderFunc func(ctx context.Context, studioID, branch, eventType string) (*models.EventSchema, error)

// Service is the cached schema lookup used by reconstruction.
type Service struct {
	cache  *cache.Tiered
	loader LoaderFunc
	ttl    time.Duration
}

// New creates the service. A zero ttl defaults to six hours.
func New(c *cache.Tiered, loader LoaderFunc, ttl time.Duration) *Service {
	if ttl <= 0 {
		ttl = 6 * time.Hour
	}
	return &Service{cache: c, loader: loader, ttl: ttl}
}

func key(studioID, branch, eventType string) string {
	return cache.Key(studioID, branch, "event-schema", eventType)
}

// Lookup returns the schema for one event type, read-through cached.
func (s *Service) Lookup(ctx context.Context, studioID, branch, eventType string) (*models.EventSchema, error) {
	k := key(studioID, branch, eventType)
	if raw, ok := s.cache.Get(ctx, k); ok {
		var sch models.EventSchema
		if err := json.Unmarshal([]byte(raw), &sch); err == nil {
			return &sch, nil
		}
		// Unreadable cached blob: fall through to the loader and overwrite.
		logger.With("schema").Warn().Str("key", k).Msg("dropping undecodable cached schema")
	}

	sch, err := s.loader(ctx, studioID, branch, eventType)
	if err != nil {
		return nil, fmt.Errorf("load schema %s/%s/%s: %w", studioID, branch, eventType, err)
	}
	if sch == nil {
		return nil, nil
	}

	raw, err := json.Marshal(sch)
	if err != nil {
		return nil, fmt.Errorf("marshal schema: %w", err)
	}
	s.cache.Set(ctx, k, string(raw), s.ttl, true)
	return sch, nil
}

// Invalidate drops the cached schema after a schema edit.
func (s *Service) Invalidate(ctx context.Context, studioID, branch, eventType string) {
	s.cache.Delete(ctx, key(studioID, branch, eventType))
}

// LookupFunc adapts the service to the reconstructor's pure lookup shape for
// one studio/branch. Load failures degrade to "no schema" so a flaky source
// never aborts reconstruction.
func (s *Service) LookupFunc(ctx context.Context, studioID, branch string) session.SchemaLookup {
	return func(eventType string) *models.EventSchema {
		sch, err := s.Lookup(ctx, studioID, branch, eventType)
		if err != nil {
			logger.With("schema").Warn().Err(err).Str("event_type", eventType).Msg("schema lookup failed")
			return nil
		}
		return sch
	}
}
