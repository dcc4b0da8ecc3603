package delivery

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/newswire/adserve/internal/config"
	"github.com/newswire/adserve/internal/frequency"
	"github.com/newswire/adserve/internal/kvstore"
	"github.com/newswire/adserve/internal/models"
	"github.com/newswire/adserve/internal/rotation"
	"github.com/newswire/adserve/internal/storage"
	"github.com/newswire/adserve/internal/targeting"
	"github.com/newswire/adserve/internal/tracking"
	"github.com/newswire/adserve/internal/trigger"
)

type captureSink struct {
	mu     sync.Mutex
	events []*models.AdEvent
}

func (s *captureSink) Name() string { return "capture" }

func (s *captureSink) Deliver(ctx context.Context, event *models.AdEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, event)
	return nil
}

func (s *captureSink) byType(t models.EventType) []*models.AdEvent {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*models.AdEvent, 0)
	for _, e := range s.events {
		if e.Type == t {
			out = append(out, e)
		}
	}
	return out
}

type env struct {
	repo    *storage.InMemoryCollectionRepo
	clock   *trigger.FakeClock
	session *kvstore.MemoryStore
	durable *kvstore.MemoryStore
	sink    *captureSink
	coord   *Coordinator
}

func newEnv(t *testing.T, ads config.AdsConfig) *env {
	t.Helper()

	clock := trigger.NewFakeClock(time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC))
	durable := kvstore.NewMemoryStore(0)
	session := kvstore.NewMemoryStore(30 * time.Minute)
	durable.SetNowFunc(clock.Now)
	session.SetNowFunc(clock.Now)
	t.Cleanup(durable.Close)
	t.Cleanup(session.Close)

	caps := frequency.NewStore(durable, session, zap.NewNop(), nil)
	caps.SetNowFunc(clock.Now)

	resolver := targeting.NewResolver(nil, 128, time.Hour, nil)
	resolver.SetNowFunc(clock.Now)

	selector := rotation.NewSelector(50, nil)
	selector.Seed(1)

	sink := &captureSink{}
	tracker := tracking.NewTracker([]tracking.EventSink{sink}, zap.NewNop(), nil)
	tracker.SetNowFunc(clock.Now)

	repo := storage.NewInMemoryCollectionRepo()

	coord := NewCoordinator(Deps{
		Repo:      repo,
		Targeting: resolver,
		Caps:      caps,
		Selector:  selector,
		Tracker:   tracker,
		Clock:     clock,
		Logger:    zap.NewNop(),
		Ads:       ads,
		Triggers: config.TriggerConfig{
			Popup: config.PopupTriggerConfig{
				Delay:     2 * time.Second,
				AutoClose: 10 * time.Second,
			},
		},
	})

	return &env{repo: repo, clock: clock, session: session, durable: durable, sink: sink, coord: coord}
}

func servingAds() config.AdsConfig {
	return config.AdsConfig{MasterSwitch: true, HideForAdmin: true, DefaultWeight: 50}
}

func seedPopup(t *testing.T, repo *storage.InMemoryCollectionRepo) {
	t.Helper()
	err := repo.Upsert(context.Background(), &models.AdCollection{
		ID:        "welcome",
		Name:      "Welcome popup",
		Placement: models.PlacementPopup,
		Status:    models.CollectionStatusActive,
		Variants: []models.AdVariant{
			{
				ID:           "welcome-v1",
				CollectionID: "welcome",
				Type:         models.VariantTypeImage,
				Status:       models.VariantStatusActive,
				ImageURL:     "https://cdn.example.com/welcome.png",
				LinkURL:      "https://example.com/subscribe",
				Weight:       100,
			},
		},
	})
	require.NoError(t, err)
}

func TestDecideFills(t *testing.T) {
	e := newEnv(t, servingAds())
	seedPopup(t, e.repo)

	result, err := e.coord.Decide(context.Background(), models.PlacementPopup, models.PlacementContext{
		PageType:  "article",
		Device:    "desktop",
		VisitorID: "v1",
	})
	require.NoError(t, err)
	require.False(t, result.Empty())
	assert.Equal(t, "welcome", result.Collection.ID)
	assert.Equal(t, "welcome-v1", result.Variant.ID)
	assert.Equal(t, models.PlacementPopup, result.Placement)
}

func TestDecideGates(t *testing.T) {
	tests := []struct {
		name string
		ads  config.AdsConfig
		pctx models.PlacementContext
	}{
		{"master switch off", config.AdsConfig{MasterSwitch: false}, models.PlacementContext{}},
		{"hide for logged in", config.AdsConfig{MasterSwitch: true, HideForLoggedIn: true}, models.PlacementContext{LoggedIn: true}},
		{"hide for admin", config.AdsConfig{MasterSwitch: true, HideForAdmin: true}, models.PlacementContext{IsAdmin: true}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := newEnv(t, tt.ads)
			seedPopup(t, e.repo)

			result, err := e.coord.Decide(context.Background(), models.PlacementPopup, tt.pctx)
			require.NoError(t, err)
			assert.True(t, result.Empty())
		})
	}
}

func TestDecideNoCollectionForPlacement(t *testing.T) {
	e := newEnv(t, servingAds())
	seedPopup(t, e.repo)

	result, err := e.coord.Decide(context.Background(), models.PlacementSidebar, models.PlacementContext{
		PageType: "article", Device: "desktop",
	})
	require.NoError(t, err)
	assert.True(t, result.Empty())
}

func TestDecideHigherPriorityWins(t *testing.T) {
	e := newEnv(t, servingAds())
	ctx := context.Background()

	for _, c := range []struct {
		id       string
		priority int
	}{{"low", 1}, {"high", 5}} {
		require.NoError(t, e.repo.Upsert(ctx, &models.AdCollection{
			ID:        c.id,
			Name:      c.id,
			Placement: models.PlacementSidebar,
			Status:    models.CollectionStatusActive,
			Priority:  c.priority,
			Variants: []models.AdVariant{{
				ID:     c.id + "-v1",
				Type:   models.VariantTypeHTML,
				Status: models.VariantStatusActive,
				HTML:   "<div>ad</div>",
				Weight: 100,
			}},
		}))
	}

	result, err := e.coord.Decide(ctx, models.PlacementSidebar, models.PlacementContext{})
	require.NoError(t, err)
	require.False(t, result.Empty())
	assert.Equal(t, "high", result.Collection.ID)
}

func TestDecideBetweenSectionsMatchesSectionIndex(t *testing.T) {
	e := newEnv(t, servingAds())
	ctx := context.Background()

	require.NoError(t, e.repo.Upsert(ctx, &models.AdCollection{
		ID:           "sec2",
		Name:         "after second section",
		Placement:    models.PlacementBetweenSections,
		Status:       models.CollectionStatusActive,
		SectionIndex: 2,
		Variants: []models.AdVariant{{
			ID: "sec2-v1", Type: models.VariantTypeHTML, Status: models.VariantStatusActive,
			HTML: "<div>ad</div>", Weight: 100,
		}},
	}))

	hit, err := e.coord.Decide(ctx, models.PlacementBetweenSections, models.PlacementContext{SectionIndex: 2})
	require.NoError(t, err)
	assert.False(t, hit.Empty())

	miss, err := e.coord.Decide(ctx, models.PlacementBetweenSections, models.PlacementContext{SectionIndex: 1})
	require.NoError(t, err)
	assert.True(t, miss.Empty())
}

// Popup end to end: delay 2s, auto-close 10s, once_per_session.  First
// visit shows at t+2s and auto-closes at t+12s; a reload in the same
// session is capped; a fresh session shows again.
func TestPopupSessionScenario(t *testing.T) {
	e := newEnv(t, servingAds())
	seedPopup(t, e.repo)
	ctx := context.Background()
	pctx := models.PlacementContext{PageType: "home", Device: "mobile", VisitorID: "v1"}

	result, err := e.coord.Decide(ctx, models.PlacementPopup, pctx)
	require.NoError(t, err)
	require.False(t, result.Empty())

	mount := e.coord.Mount(result)
	require.NotNil(t, mount)
	require.True(t, mount.Machine().Arm(ctx))

	e.clock.Advance(1999 * time.Millisecond)
	assert.Equal(t, trigger.StatePending, mount.Machine().State())
	assert.Empty(t, e.sink.byType(models.EventImpression))

	e.clock.Advance(time.Millisecond)
	assert.Equal(t, trigger.StateVisible, mount.Machine().State())
	require.Len(t, e.sink.byType(models.EventImpression), 1)
	imp := e.sink.byType(models.EventImpression)[0]
	assert.Equal(t, "welcome-v1", imp.AdID)
	assert.Equal(t, string(models.PlacementPopup), string(imp.Placement))
	assert.Equal(t, "home", imp.PageType)

	e.clock.Advance(10 * time.Second)
	assert.Equal(t, trigger.StateDismissed, mount.Machine().State())

	// Reload in the same session: capped.
	reload, err := e.coord.Decide(ctx, models.PlacementPopup, pctx)
	require.NoError(t, err)
	assert.True(t, reload.Empty())

	// New session: the session region is wiped and the popup returns.
	require.NoError(t, e.session.Clear(ctx))
	again, err := e.coord.Decide(ctx, models.PlacementPopup, pctx)
	require.NoError(t, err)
	assert.False(t, again.Empty())
}

func TestMountClickFiresOnce(t *testing.T) {
	e := newEnv(t, servingAds())
	seedPopup(t, e.repo)
	ctx := context.Background()

	result, err := e.coord.Decide(ctx, models.PlacementPopup, models.PlacementContext{VisitorID: "v1"})
	require.NoError(t, err)
	mount := e.coord.Mount(result)
	require.True(t, mount.Machine().Arm(ctx))
	e.clock.Advance(2 * time.Second)

	at := e.clock.Now()
	mount.Click(ctx, at)
	mount.Click(ctx, at.Add(time.Second))

	clicks := e.sink.byType(models.EventClick)
	require.Len(t, clicks, 1)
	assert.Equal(t, at, clicks[0].Timestamp)
}

func TestMountEmptyResult(t *testing.T) {
	e := newEnv(t, config.AdsConfig{MasterSwitch: false})

	result, err := e.coord.Decide(context.Background(), models.PlacementPopup, models.PlacementContext{})
	require.NoError(t, err)
	assert.Nil(t, e.coord.Mount(result))
}

// Slots are independent: capping the popup does not cap the banner for
// the same visitor.
func TestSlotsAreIndependent(t *testing.T) {
	e := newEnv(t, servingAds())
	seedPopup(t, e.repo)
	ctx := context.Background()

	require.NoError(t, e.repo.Upsert(ctx, &models.AdCollection{
		ID:        "footer-promo",
		Name:      "footer promo",
		Placement: models.PlacementFooter,
		Status:    models.CollectionStatusActive,
		Variants: []models.AdVariant{{
			ID: "footer-v1", Type: models.VariantTypeHTML, Status: models.VariantStatusActive,
			HTML: "<div>promo</div>", Weight: 100,
		}},
	}))

	pctx := models.PlacementContext{VisitorID: "v1"}

	popup, err := e.coord.Decide(ctx, models.PlacementPopup, pctx)
	require.NoError(t, err)
	mount := e.coord.Mount(popup)
	require.True(t, mount.Machine().Arm(ctx))
	e.clock.Advance(2 * time.Second)

	capped, err := e.coord.Decide(ctx, models.PlacementPopup, pctx)
	require.NoError(t, err)
	assert.True(t, capped.Empty())

	banner, err := e.coord.Decide(ctx, models.PlacementFooter, pctx)
	require.NoError(t, err)
	assert.False(t, banner.Empty())
}

func TestRenderMarkup(t *testing.T) {
	image := &models.AdVariant{
		Type:     models.VariantTypeImage,
		ImageURL: "https://cdn.example.com/a.png",
		AltText:  `Summer "sale"`,
		LinkURL:  "https://example.com/offer",
	}
	out := RenderMarkup(image)
	assert.Contains(t, out, `src="https://cdn.example.com/a.png"`)
	assert.Contains(t, out, "&#34;sale&#34;")
	assert.Contains(t, out, `href="https://example.com/offer"`)

	raw := &models.AdVariant{Type: models.VariantTypeHTML, HTML: "<div class=\"promo\">x</div>"}
	assert.Equal(t, "<div class=\"promo\">x</div>", RenderMarkup(raw))

	video := &models.AdVariant{Type: models.VariantTypeVideo, VideoURL: "https://cdn.example.com/a.mp4"}
	assert.Contains(t, RenderMarkup(video), `<video src="https://cdn.example.com/a.mp4"`)

	assert.Empty(t, RenderMarkup(nil))
}
