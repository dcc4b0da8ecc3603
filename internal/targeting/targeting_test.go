package targeting

import (
	"testing"
	"time"

	"github.com/newswire/adserve/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func activeCollection(id string) *models.AdCollection {
	return &models.AdCollection{
		ID:        id,
		Name:      id,
		Placement: models.PlacementPopup,
		Status:    models.CollectionStatusActive,
	}
}

func newTestResolver() (*Resolver, *time.Time) {
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	r := NewResolver(nil, 100, time.Hour, nil)
	r.SetNowFunc(func() time.Time { return now })
	return r, &now
}

func TestMatchDefaultsToEverything(t *testing.T) {
	r, _ := newTestResolver()
	c := activeCollection("c1")

	res := r.Match(c, models.PlacementContext{PageType: "article", Device: "mobile"})
	assert.True(t, res.Matched, "empty targeting must match any context")
}

func TestInactiveStatusesRejected(t *testing.T) {
	r, _ := newTestResolver()
	ctx := models.PlacementContext{PageType: "article", Device: "desktop"}

	for _, status := range []models.CollectionStatus{
		models.CollectionStatusDraft,
		models.CollectionStatusPaused,
		models.CollectionStatusScheduled,
		models.CollectionStatusEnded,
	} {
		c := activeCollection("c1")
		c.Status = status
		res := r.Match(c, ctx)
		assert.False(t, res.Matched)
		assert.Equal(t, "status", res.FailedCriteria)
	}
}

func TestScheduleEndBoundaryInclusive(t *testing.T) {
	r, now := newTestResolver()
	ctx := models.PlacementContext{PageType: "article", Device: "desktop"}

	c := activeCollection("c1")
	c.Schedule.EndAt = *now
	assert.True(t, r.Match(c, ctx).Matched, "end date equal to now is still eligible")

	c.Schedule.EndAt = now.Add(-1 * time.Second)
	res := r.Match(c, ctx)
	assert.False(t, res.Matched, "one second past the end date is not eligible")
	assert.Equal(t, "ended", res.FailedCriteria)
}

func TestScheduleStartAndOpenEnd(t *testing.T) {
	r, now := newTestResolver()
	ctx := models.PlacementContext{PageType: "article", Device: "desktop"}

	c := activeCollection("c1")
	c.Schedule.StartAt = now.Add(time.Hour)
	res := r.Match(c, ctx)
	assert.False(t, res.Matched)
	assert.Equal(t, "not_started", res.FailedCriteria)

	// Open-ended schedules never expire.
	c.Schedule.StartAt = now.Add(-1000 * time.Hour)
	c.Schedule.EndAt = time.Time{}
	assert.True(t, r.Match(c, ctx).Matched)
}

func TestPageTargeting(t *testing.T) {
	r, _ := newTestResolver()

	c := activeCollection("c1")
	c.Targeting.Pages = []string{"article", "category"}

	assert.True(t, r.Match(c, models.PlacementContext{PageType: "article", Device: "desktop"}).Matched)

	res := r.Match(c, models.PlacementContext{PageType: "home", Device: "desktop"})
	assert.False(t, res.Matched)
	assert.Equal(t, "page_type", res.FailedCriteria)

	c.Targeting.Pages = []string{"all"}
	assert.True(t, r.Match(c, models.PlacementContext{PageType: "home", Device: "desktop"}).Matched,
		"the all wildcard matches every page type")
}

func TestDeviceTargeting(t *testing.T) {
	r, _ := newTestResolver()

	c := activeCollection("c1")
	c.Targeting.Devices = []string{"mobile", "tablet"}

	assert.True(t, r.Match(c, models.PlacementContext{PageType: "article", Device: "Mobile"}).Matched)

	res := r.Match(c, models.PlacementContext{PageType: "article", Device: "desktop"})
	assert.False(t, res.Matched)
	assert.Equal(t, "device", res.FailedCriteria)
}

func TestVisitorScopeTargeting(t *testing.T) {
	r, _ := newTestResolver()

	c := activeCollection("c1")
	c.Targeting.Visitors = models.VisitorsNew

	assert.True(t, r.Match(c, models.PlacementContext{VisitorScope: models.VisitorsNew}).Matched)
	assert.False(t, r.Match(c, models.PlacementContext{VisitorScope: models.VisitorsReturning}).Matched)
	// Unknown scope fails open.
	assert.True(t, r.Match(c, models.PlacementContext{}).Matched)
}

func TestCountryTargeting(t *testing.T) {
	provider := NewMockCountryProvider()
	provider.AddEntry("203.0.113.7", "DE")
	provider.AddEntry("198.51.100.9", "US")

	r := NewResolver(provider, 100, time.Hour, nil)

	c := activeCollection("c1")
	c.Targeting.Countries = []string{"DE", "AT"}

	assert.True(t, r.Match(c, models.PlacementContext{IP: "203.0.113.7"}).Matched)

	res := r.Match(c, models.PlacementContext{IP: "198.51.100.9"})
	assert.False(t, res.Matched)
	assert.Equal(t, "country", res.FailedCriteria)

	// Unresolvable IP fails open.
	assert.True(t, r.Match(c, models.PlacementContext{IP: ""}).Matched)
}

func TestCategoryTargeting(t *testing.T) {
	r, _ := newTestResolver()

	c := activeCollection("c1")
	c.Targeting.Categories = []string{"sports", "politics"}

	assert.True(t, r.Match(c, models.PlacementContext{Categories: []string{"politics"}}).Matched)
	assert.False(t, r.Match(c, models.PlacementContext{Categories: []string{"culture"}}).Matched)
	// A context without categories fails open.
	assert.True(t, r.Match(c, models.PlacementContext{}).Matched)
}

func TestEligibleOrdering(t *testing.T) {
	r, _ := newTestResolver()
	ctx := models.PlacementContext{PageType: "article", Device: "desktop"}

	low := activeCollection("low")
	low.Priority = 1
	high := activeCollection("high")
	high.Priority = 5
	paused := activeCollection("paused")
	paused.Status = models.CollectionStatusPaused
	tied := activeCollection("tied")
	tied.Priority = 5

	eligible := r.Eligible([]*models.AdCollection{low, high, paused, tied}, ctx)
	require.Len(t, eligible, 3)
	assert.Equal(t, "high", eligible[0].ID, "priority wins")
	assert.Equal(t, "tied", eligible[1].ID, "creation order breaks priority ties")
	assert.Equal(t, "low", eligible[2].ID)
}
