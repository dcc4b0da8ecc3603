package httpserver

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/newswire/adserve/internal/config"
	"github.com/newswire/adserve/internal/models"
)

func testConfig() *config.Config {
	return &config.Config{
		Ads: config.AdsConfig{
			MasterSwitch:  true,
			HideForAdmin:  true,
			DefaultWeight: 50,
			SessionTTL:    30 * time.Minute,
		},
		Triggers: config.TriggerConfig{
			Popup: config.PopupTriggerConfig{
				Delay:     2 * time.Second,
				AutoClose: 10 * time.Second,
			},
			Scroll: config.ScrollTriggerConfig{ThresholdPct: 50},
		},
	}
}

func newTestServer(t *testing.T) http.Handler {
	t.Helper()
	return NewServer(&Dependencies{
		Config: testConfig(),
		Logger: zap.NewNop(),
	})
}

func postCollection(t *testing.T, h http.Handler, c *models.AdCollection) {
	t.Helper()
	body, err := json.Marshal(c)
	require.NoError(t, err)

	w := httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/api/collections", bytes.NewReader(body)))
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
}

func sidebarCollection() *models.AdCollection {
	return &models.AdCollection{
		ID:        "promo",
		Name:      "Sidebar promo",
		Placement: models.PlacementSidebar,
		Status:    models.CollectionStatusActive,
		Variants: []models.AdVariant{{
			ID:       "promo-v1",
			Type:     models.VariantTypeImage,
			Status:   models.VariantStatusActive,
			ImageURL: "https://cdn.example.com/promo.png",
			LinkURL:  "https://example.com/offer",
			Weight:   100,
		}},
	}
}

func TestHealthEndpoint(t *testing.T) {
	h := newTestServer(t)

	w := httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/health", nil))

	assert.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"status":"ok"}`, w.Body.String())
}

func TestDecisionEndpointFill(t *testing.T) {
	h := newTestServer(t)
	postCollection(t, h, sidebarCollection())

	w := httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest(http.MethodGet,
		"/v1/decision?placement=sidebar&page_type=article&device=desktop&visitor_id=v1", nil))
	require.Equal(t, http.StatusOK, w.Code)

	var resp decisionResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.True(t, resp.Fill)
	require.NotNil(t, resp.Variant)
	assert.Equal(t, "promo-v1", resp.Variant.ID)
	assert.Contains(t, resp.Markup, "https://cdn.example.com/promo.png")
}

func TestDecisionEndpointRequiresPlacement(t *testing.T) {
	h := newTestServer(t)

	w := httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/v1/decision", nil))
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestDecisionEndpointNoFill(t *testing.T) {
	h := newTestServer(t)

	w := httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/v1/decision?placement=footer", nil))
	require.Equal(t, http.StatusOK, w.Code)

	var resp decisionResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.False(t, resp.Fill)
	assert.Nil(t, resp.Variant)
}

func TestEventEndpointUpdatesStatsAndCaps(t *testing.T) {
	h := newTestServer(t)

	popup := sidebarCollection()
	popup.ID = "welcome"
	popup.Placement = models.PlacementPopup
	popup.Variants[0].ID = "welcome-v1"
	postCollection(t, h, popup)

	// First decision fills.
	w := httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/v1/decision?placement=popup&visitor_id=v1", nil))
	var first decisionResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &first))
	require.True(t, first.Fill)

	// Page reports the impression once the popup became visible.
	event := `{"type":"impression","ad_id":"welcome-v1","collection_id":"welcome","placement":"popup","visitor_id":"v1","page_type":"home"}`
	w = httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/v1/events", bytes.NewReader([]byte(event))))
	require.Equal(t, http.StatusAccepted, w.Code)

	// Same session: popup is capped.
	w = httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/v1/decision?placement=popup&visitor_id=v1", nil))
	var second decisionResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &second))
	assert.False(t, second.Fill)

	// Stats reflect the impression.
	w = httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/stats", nil))
	require.Equal(t, http.StatusOK, w.Code)
	var stats []collectionStats
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &stats))
	require.Len(t, stats, 1)
	assert.Equal(t, int64(1), stats[0].Impressions)
}

func TestEventEndpointRejectsUnknownType(t *testing.T) {
	h := newTestServer(t)

	w := httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/v1/events",
		bytes.NewReader([]byte(`{"type":"hover","ad_id":"a","placement":"popup"}`))))
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestCollectionCRUD(t *testing.T) {
	h := newTestServer(t)
	postCollection(t, h, sidebarCollection())

	w := httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/collections/promo", nil))
	require.Equal(t, http.StatusOK, w.Code)
	var got models.AdCollection
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &got))
	assert.Equal(t, "Sidebar promo", got.Name)

	w = httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest(http.MethodDelete, "/api/collections/promo", nil))
	assert.Equal(t, http.StatusNoContent, w.Code)

	w = httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/collections/promo", nil))
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestSettingsEndpoint(t *testing.T) {
	h := newTestServer(t)

	w := httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/settings", nil))
	require.Equal(t, http.StatusOK, w.Code)

	var resp settingsResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.True(t, resp.AdsEnabled)
	assert.Equal(t, int64(2000), resp.Triggers.PopupDelayMs)
	assert.Equal(t, float64(50), resp.Triggers.ScrollThresholdPct)
}
