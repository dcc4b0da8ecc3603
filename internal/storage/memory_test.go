package storage

import (
	"context"
	"testing"

	"github.com/newswire/adserve/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testCollection(id string, placement models.Placement, priority int) *models.AdCollection {
	return &models.AdCollection{
		ID:        id,
		Name:      "collection " + id,
		Placement: placement,
		Status:    models.CollectionStatusActive,
		Priority:  priority,
		Variants: []models.AdVariant{
			{
				ID:           id + "-v1",
				CollectionID: id,
				Type:         models.VariantTypeImage,
				Status:       models.VariantStatusActive,
				ImageURL:     "https://cdn.example.com/" + id + ".png",
				Weight:       50,
			},
		},
	}
}

func TestInMemoryRepoUpsertAndGet(t *testing.T) {
	repo := NewInMemoryCollectionRepo()
	ctx := context.Background()

	c := testCollection("c1", models.PlacementSidebar, 0)
	require.NoError(t, repo.Upsert(ctx, c))

	got, err := repo.GetByID(ctx, "c1")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "collection c1", got.Name)
	assert.False(t, got.CreatedAt.IsZero())

	missing, err := repo.GetByID(ctx, "nope")
	require.NoError(t, err)
	assert.Nil(t, missing)
}

func TestInMemoryRepoRejectsInvalid(t *testing.T) {
	repo := NewInMemoryCollectionRepo()

	err := repo.Upsert(context.Background(), &models.AdCollection{ID: "c1"})
	assert.Error(t, err)
}

func TestInMemoryRepoListAllPreservesCreationOrder(t *testing.T) {
	repo := NewInMemoryCollectionRepo()
	ctx := context.Background()

	for _, id := range []string{"b", "a", "c"} {
		require.NoError(t, repo.Upsert(ctx, testCollection(id, models.PlacementPopup, 0)))
	}

	all, err := repo.ListAll(ctx)
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, "b", all[0].ID)
	assert.Equal(t, "a", all[1].ID)
	assert.Equal(t, "c", all[2].ID)
}

func TestInMemoryRepoListByPlacementOrdersByPriority(t *testing.T) {
	repo := NewInMemoryCollectionRepo()
	ctx := context.Background()

	require.NoError(t, repo.Upsert(ctx, testCollection("low", models.PlacementPopup, 1)))
	require.NoError(t, repo.Upsert(ctx, testCollection("high", models.PlacementPopup, 10)))
	require.NoError(t, repo.Upsert(ctx, testCollection("other", models.PlacementSidebar, 99)))

	popups, err := repo.ListByPlacement(ctx, models.PlacementPopup)
	require.NoError(t, err)
	require.Len(t, popups, 2)
	assert.Equal(t, "high", popups[0].ID)
	assert.Equal(t, "low", popups[1].ID)
}

func TestInMemoryRepoDelete(t *testing.T) {
	repo := NewInMemoryCollectionRepo()
	ctx := context.Background()

	require.NoError(t, repo.Upsert(ctx, testCollection("c1", models.PlacementFooter, 0)))
	require.NoError(t, repo.Delete(ctx, "c1"))

	got, err := repo.GetByID(ctx, "c1")
	require.NoError(t, err)
	assert.Nil(t, got)

	all, err := repo.ListAll(ctx)
	require.NoError(t, err)
	assert.Empty(t, all)
}

func TestInMemoryRepoIncrementStats(t *testing.T) {
	repo := NewInMemoryCollectionRepo()
	ctx := context.Background()

	require.NoError(t, repo.Upsert(ctx, testCollection("c1", models.PlacementSidebar, 0)))

	require.NoError(t, repo.IncrementStats(ctx, "c1", "c1-v1", models.EventImpression))
	require.NoError(t, repo.IncrementStats(ctx, "c1", "c1-v1", models.EventImpression))
	require.NoError(t, repo.IncrementStats(ctx, "c1", "c1-v1", models.EventClick))

	got, err := repo.GetByID(ctx, "c1")
	require.NoError(t, err)
	assert.Equal(t, int64(2), got.Stats.Impressions)
	assert.Equal(t, int64(1), got.Stats.Clicks)
	assert.Equal(t, int64(2), got.Variants[0].Stats.Impressions)
	assert.Equal(t, int64(1), got.Variants[0].Stats.Clicks)

	err = repo.IncrementStats(ctx, "missing", "v", models.EventClick)
	assert.Error(t, err)
}
