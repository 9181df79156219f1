// Package timeline rebuilds read-side home timelines from inbox
// entries. Projection is idempotent, so it can re-run after every
// processed activity or on demand.
package timeline

import (
	"context"

	"go.opentelemetry.io/otel"

	"github.com/cloudflare/wildebeest-sub000/store"
	"github.com/cloudflare/wildebeest-sub000/types"
)

var tracer = otel.Tracer("timeline")

// Projector rebuilds a local actor's derived views.
type Projector interface {
	Project(ctx context.Context, actorID string) error
}

// Service is the store-backed projector.
type Service struct {
	store *store.Store
}

// NewService returns a new timeline projector.
func NewService(store *store.Store) *Service {
	return &Service{store: store}
}

// Project folds an actor's inbox entries into timeline rows. Entries
// already projected are skipped by the unique pair constraint.
func (s *Service) Project(ctx context.Context, actorID string) error {
	ctx, span := tracer.Start(ctx, "TimelineProject")
	defer span.End()

	entries, err := s.store.GetInboxEntries(ctx, actorID)
	if err != nil {
		span.RecordError(err)
		return err
	}

	for _, entry := range entries {
		err := s.store.AddTimelineEntry(ctx, types.TimelineEntry{
			ActorID:     entry.ActorID,
			ObjectID:    entry.ObjectID,
			PublishedAt: entry.PublishedAt,
		})
		if err != nil {
			span.RecordError(err)
			return err
		}
	}
	return nil
}
