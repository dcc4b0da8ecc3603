package tracking

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/newswire/adserve/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type captureSink struct {
	events []*models.AdEvent
	err    error
}

func (s *captureSink) Name() string { return "capture" }

func (s *captureSink) Deliver(ctx context.Context, event *models.AdEvent) error {
	s.events = append(s.events, event)
	return s.err
}

func testVariant() *models.AdVariant {
	return &models.AdVariant{
		ID:           "var-1",
		CollectionID: "col-1",
		Type:         models.VariantTypeImage,
		Status:       models.VariantStatusActive,
		ImageURL:     "https://cdn.example.com/banner.png",
	}
}

func testContext() models.PlacementContext {
	return models.PlacementContext{
		PageType:  "article",
		PageURL:   "https://news.example.com/politics/story",
		Device:    "mobile",
		VisitorID: "v-123",
	}
}

func TestImpressionPayload(t *testing.T) {
	sink := &captureSink{}
	tr := NewTracker([]EventSink{sink}, nil, nil)

	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	tr.SetNowFunc(func() time.Time { return now })

	tr.Impression(context.Background(), testVariant(), testContext(), models.PlacementPopup)

	require.Len(t, sink.events, 1)
	e := sink.events[0]
	assert.NotEmpty(t, e.ID)
	assert.Equal(t, "var-1", e.AdID)
	assert.Equal(t, models.EventImpression, e.Type)
	assert.Equal(t, models.PlacementPopup, e.Placement)
	assert.Equal(t, "col-1", e.CollectionID)
	assert.Equal(t, "article", e.PageType)
	assert.Equal(t, "https://news.example.com/politics/story", e.PageURL)
	assert.Equal(t, "mobile", e.Device)
	assert.Equal(t, now, e.Timestamp)
}

func TestClickKeepsInteractionTimestamp(t *testing.T) {
	sink := &captureSink{}
	tr := NewTracker([]EventSink{sink}, nil, nil)

	clickedAt := time.Date(2025, 6, 1, 12, 30, 15, 0, time.UTC)
	// Delivery happens later; the event must carry the interaction time.
	tr.SetNowFunc(func() time.Time { return clickedAt.Add(3 * time.Second) })

	tr.Click(context.Background(), testVariant(), testContext(), models.PlacementSidebar, clickedAt)

	require.Len(t, sink.events, 1)
	assert.Equal(t, models.EventClick, sink.events[0].Type)
	assert.Equal(t, clickedAt, sink.events[0].Timestamp)
}

func TestSinkFailureDoesNotPropagate(t *testing.T) {
	failing := &captureSink{err: errors.New("collector down")}
	healthy := &captureSink{}
	tr := NewTracker([]EventSink{failing, healthy}, nil, nil)

	// Must not panic and must still reach the healthy sink.
	tr.Impression(context.Background(), testVariant(), testContext(), models.PlacementFooter)

	assert.Len(t, failing.events, 1)
	assert.Len(t, healthy.events, 1)
}

func TestRenderGuardFiresOncePerKind(t *testing.T) {
	var guard RenderGuard
	impressions, clicks := 0, 0

	for i := 0; i < 5; i++ {
		guard.Impression(func() { impressions++ })
		guard.Click(func() { clicks++ })
	}

	assert.Equal(t, 1, impressions, "impression fires at most once per render")
	assert.Equal(t, 1, clicks, "click fires at most once per render")
}

func TestRenderGuardKindsAreIndependent(t *testing.T) {
	var guard RenderGuard
	clicks := 0

	guard.Impression(func() {})
	guard.Click(func() { clicks++ })
	assert.Equal(t, 1, clicks, "a prior impression does not consume the click guard")
}
