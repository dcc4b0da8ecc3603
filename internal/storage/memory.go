package storage

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/newswire/adserve/internal/models"
)

// InMemoryCollectionRepo provides in-memory storage for collections.
// Used in tests and when running without PostgreSQL.
type InMemoryCollectionRepo struct {
	mu          sync.RWMutex
	collections map[string]*models.AdCollection
	order       []string // creation order for stable listing
}

// NewInMemoryCollectionRepo creates an empty in-memory repository.
func NewInMemoryCollectionRepo() *InMemoryCollectionRepo {
	return &InMemoryCollectionRepo{
		collections: make(map[string]*models.AdCollection),
	}
}

func (r *InMemoryCollectionRepo) ListAll(ctx context.Context) ([]*models.AdCollection, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]*models.AdCollection, 0, len(r.order))
	for _, id := range r.order {
		out = append(out, r.collections[id])
	}
	return out, nil
}

func (r *InMemoryCollectionRepo) GetByID(ctx context.Context, id string) (*models.AdCollection, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	c, ok := r.collections[id]
	if !ok {
		return nil, nil
	}
	return c, nil
}

func (r *InMemoryCollectionRepo) Upsert(ctx context.Context, c *models.AdCollection) error {
	if err := c.Validate(); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.collections[c.ID]; !exists {
		r.order = append(r.order, c.ID)
		if c.CreatedAt.IsZero() {
			c.CreatedAt = time.Now().UTC()
		}
	}
	c.UpdatedAt = time.Now().UTC()
	r.collections[c.ID] = c
	return nil
}

func (r *InMemoryCollectionRepo) Delete(ctx context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	delete(r.collections, id)
	for i, oid := range r.order {
		if oid == id {
			r.order = append(r.order[:i], r.order[i+1:]...)
			break
		}
	}
	return nil
}

func (r *InMemoryCollectionRepo) ListByPlacement(ctx context.Context, placement models.Placement) ([]*models.AdCollection, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]*models.AdCollection, 0)
	for _, id := range r.order {
		if r.collections[id].Placement == placement {
			out = append(out, r.collections[id])
		}
	}
	sortByPriority(out)
	return out, nil
}

func (r *InMemoryCollectionRepo) ListActive(ctx context.Context) ([]*models.AdCollection, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]*models.AdCollection, 0)
	for _, id := range r.order {
		if r.collections[id].Status == models.CollectionStatusActive {
			out = append(out, r.collections[id])
		}
	}
	sortByPriority(out)
	return out, nil
}

func (r *InMemoryCollectionRepo) IncrementStats(ctx context.Context, collectionID, variantID string, eventType models.EventType) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	c, ok := r.collections[collectionID]
	if !ok {
		return fmt.Errorf("collection %s not found", collectionID)
	}

	bump := func(s *models.Stats) {
		switch eventType {
		case models.EventImpression:
			s.Impressions++
		case models.EventClick:
			s.Clicks++
		}
	}

	bump(&c.Stats)
	for i := range c.Variants {
		if c.Variants[i].ID == variantID {
			bump(&c.Variants[i].Stats)
			break
		}
	}
	return nil
}

// sortByPriority orders descending by priority, stable on creation order.
func sortByPriority(collections []*models.AdCollection) {
	sort.SliceStable(collections, func(i, j int) bool {
		return collections[i].Priority > collections[j].Priority
	})
}
