package storage

import (
	"context"

	"github.com/newswire/adserve/internal/models"
)

// CollectionRepo defines operations for ad collection storage.
type CollectionRepo interface {
	// Basic CRUD
	ListAll(ctx context.Context) ([]*models.AdCollection, error)
	GetByID(ctx context.Context, id string) (*models.AdCollection, error)
	Upsert(ctx context.Context, c *models.AdCollection) error
	Delete(ctx context.Context, id string) error

	// Queries
	ListByPlacement(ctx context.Context, placement models.Placement) ([]*models.AdCollection, error)
	ListActive(ctx context.Context) ([]*models.AdCollection, error)

	// IncrementStats bumps the aggregate counters for a collection and
	// one of its variants.  Applied asynchronously by the event path;
	// the selector never mutates stats.
	IncrementStats(ctx context.Context, collectionID, variantID string, eventType models.EventType) error
}
