package httpserver

import (
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/newswire/adserve/internal/config"
	"github.com/newswire/adserve/internal/database"
	"github.com/newswire/adserve/internal/delivery"
	"github.com/newswire/adserve/internal/frequency"
	"github.com/newswire/adserve/internal/kvstore"
	"github.com/newswire/adserve/internal/metrics"
	"github.com/newswire/adserve/internal/middleware"
	"github.com/newswire/adserve/internal/models"
	"github.com/newswire/adserve/internal/rotation"
	"github.com/newswire/adserve/internal/storage"
	"github.com/newswire/adserve/internal/targeting"
	"github.com/newswire/adserve/internal/tracking"
)

// Dependencies holds all external dependencies for the server.
type Dependencies struct {
	DB      *database.PostgresDB
	Redis   *database.RedisDB
	Events  *storage.ClickHouseEventStore
	Config  *config.Config
	Logger  *zap.Logger
	Metrics *metrics.Metrics
}

// Server wraps the HTTP handlers around the decision pipeline.
type Server struct {
	repo        storage.CollectionRepo
	coordinator *delivery.Coordinator
	tracker     *tracking.Tracker
	caps        *frequency.Store
	db          *database.PostgresDB
	rdb         *database.RedisDB
	logger      *zap.Logger
	config      *config.Config
	metrics     *metrics.Metrics
}

// NewServer constructs a new http.Handler with all routes registered.
func NewServer(deps *Dependencies) http.Handler {
	cfg := deps.Config

	var repo storage.CollectionRepo
	if deps.DB != nil {
		repo = storage.NewPostgresCollectionRepo(deps.DB.Pool)
	} else {
		repo = storage.NewInMemoryCollectionRepo()
	}

	// Frequency regions: a durable region for day/week/ever policies and
	// a TTL-bounded session region.
	var durable, session kvstore.Store
	if deps.Redis != nil {
		durable = kvstore.NewRedisStore(deps.Redis.Client, "cap:", 0)
		session = kvstore.NewRedisStore(deps.Redis.Client, "sess:", cfg.Ads.SessionTTL)
	} else {
		durable = kvstore.NewMemoryStore(0)
		session = kvstore.NewMemoryStore(cfg.Ads.SessionTTL)
	}
	caps := frequency.NewStore(durable, session, deps.Logger, deps.Metrics)

	var resolver *targeting.Resolver
	if cfg.Geo.Enabled {
		provider, err := targeting.NewMaxMindCountryProvider(cfg.Geo.DatabasePath)
		if err != nil {
			deps.Logger.Warn("failed to open geo database, country targeting disabled", zap.Error(err))
		} else {
			resolver = targeting.NewResolver(provider, cfg.Geo.CacheSize, cfg.Geo.CacheTTL, deps.Metrics)
		}
	}
	if resolver == nil {
		resolver = targeting.NewResolver(nil, 1000, time.Hour, deps.Metrics)
	}

	sinks := make([]tracking.EventSink, 0, 2)
	if deps.Events != nil {
		sinks = append(sinks, deps.Events)
	}
	if cfg.Ads.IngestURL != "" {
		sinks = append(sinks, tracking.NewHTTPSink(cfg.Ads.IngestURL, deps.Logger))
	}
	tracker := tracking.NewTracker(sinks, deps.Logger, deps.Metrics)

	coordinator := delivery.NewCoordinator(delivery.Deps{
		Repo:      repo,
		Targeting: resolver,
		Caps:      caps,
		Selector:  rotation.NewSelector(cfg.Ads.DefaultWeight, deps.Metrics),
		Tracker:   tracker,
		Logger:    deps.Logger,
		Metrics:   deps.Metrics,
		Ads:       cfg.Ads,
		Triggers:  cfg.Triggers,
	})

	s := &Server{
		repo:        repo,
		coordinator: coordinator,
		tracker:     tracker,
		caps:        caps,
		db:          deps.DB,
		rdb:         deps.Redis,
		logger:      deps.Logger,
		config:      cfg,
		metrics:     deps.Metrics,
	}

	mux := http.NewServeMux()

	// Health check
	mux.HandleFunc("/health", s.handleHealth)

	// Prometheus metrics
	if cfg.Metrics.Enabled {
		mux.Handle(cfg.Metrics.Path, deps.Metrics.Handler())
	}

	// Delivery
	mux.HandleFunc("/v1/decision", s.handleDecision)
	mux.HandleFunc("/v1/events", s.handleEvents)

	// Collection management
	mux.HandleFunc("/api/collections", s.handleCollections)
	mux.HandleFunc("/api/collections/", s.handleCollectionByID)

	// Aggregate delivery stats
	mux.HandleFunc("/api/stats", s.handleStats)

	// Client-facing serving settings
	mux.HandleFunc("/api/settings", s.handleSettings)

	return mux
}

// ---- Health Check ----

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	status := map[string]string{"status": "ok"}

	if s.db != nil {
		if err := s.db.Health(r.Context()); err != nil {
			status["postgres"] = "down"
			status["status"] = "degraded"
		} else {
			status["postgres"] = "up"
		}
	}
	if s.rdb != nil {
		if err := s.rdb.Health(r.Context()); err != nil {
			status["redis"] = "down"
			status["status"] = "degraded"
		} else {
			status["redis"] = "up"
		}
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(status)
}

// ---- Decision ----

type decisionResponse struct {
	Fill       bool                 `json:"fill"`
	Placement  models.Placement     `json:"placement"`
	Collection *models.AdCollection `json:"collection,omitempty"`
	Variant    *models.AdVariant    `json:"variant,omitempty"`
	Markup     string               `json:"markup,omitempty"`
}

func (s *Server) handleDecision(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.errorResponse(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	q := r.URL.Query()
	placement := models.Placement(q.Get("placement"))
	if placement == "" {
		s.errorResponse(w, "placement required", http.StatusBadRequest)
		return
	}

	pctx := models.PlacementContext{
		PageType:     q.Get("page_type"),
		PageURL:      q.Get("page_url"),
		Device:       q.Get("device"),
		VisitorID:    q.Get("visitor_id"),
		VisitorScope: models.VisitorScope(q.Get("visitor_scope")),
		IP:           middleware.ClientIP(r),
	}
	if cats := q.Get("categories"); cats != "" {
		pctx.Categories = strings.Split(cats, ",")
	}
	if idx := q.Get("section_index"); idx != "" {
		pctx.SectionIndex, _ = strconv.Atoi(idx)
	}
	pctx.LoggedIn, _ = strconv.ParseBool(q.Get("logged_in"))
	pctx.IsAdmin, _ = strconv.ParseBool(q.Get("admin"))

	result, err := s.coordinator.Decide(r.Context(), placement, pctx)
	if err != nil {
		s.errorResponse(w, "internal error", http.StatusInternalServerError)
		return
	}

	resp := decisionResponse{Fill: !result.Empty(), Placement: placement}
	if !result.Empty() {
		resp.Collection = result.Collection
		resp.Variant = result.Variant
		resp.Markup = delivery.RenderMarkup(result.Variant)
	}
	s.jsonResponse(w, resp)
}

// ---- Events ----

type eventRequest struct {
	Type         models.EventType `json:"type"`
	AdID         string           `json:"ad_id"`
	CollectionID string           `json:"collection_id"`
	Placement    models.Placement `json:"placement"`
	PageType     string           `json:"page_type"`
	PageURL      string           `json:"page_url"`
	Device       string           `json:"device"`
	VisitorID    string           `json:"visitor_id"`
	Timestamp    time.Time        `json:"timestamp"`
}

// handleEvents ingests impression and click reports from the page layer.
// An impression marks the frequency cap for its placement kind; the page
// reports it exactly when the ad becomes visible.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		s.errorResponse(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req eventRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.errorResponse(w, "invalid json", http.StatusBadRequest)
		return
	}
	if req.AdID == "" || req.Placement == "" {
		s.errorResponse(w, "ad_id and placement required", http.StatusBadRequest)
		return
	}
	if req.Type != models.EventImpression && req.Type != models.EventClick {
		s.errorResponse(w, "unknown event type", http.StatusBadRequest)
		return
	}

	variant := &models.AdVariant{ID: req.AdID, CollectionID: req.CollectionID}
	pctx := models.PlacementContext{
		PageType:  req.PageType,
		PageURL:   req.PageURL,
		Device:    req.Device,
		VisitorID: req.VisitorID,
	}

	switch req.Type {
	case models.EventImpression:
		s.tracker.Impression(r.Context(), variant, pctx, req.Placement)
		if req.VisitorID != "" {
			key := frequency.CapKey(req.VisitorID, string(req.Placement))
			s.caps.MarkShown(r.Context(), key, s.coordinator.PolicyFor(req.Placement))
		}
	case models.EventClick:
		at := req.Timestamp
		if at.IsZero() {
			at = time.Now().UTC()
		}
		s.tracker.Click(r.Context(), variant, pctx, req.Placement, at)
	}

	if req.CollectionID != "" {
		if err := s.repo.IncrementStats(r.Context(), req.CollectionID, req.AdID, req.Type); err != nil {
			s.logger.Warn("failed to update stats",
				zap.String("collection_id", req.CollectionID),
				zap.Error(err))
		}
	}

	w.WriteHeader(http.StatusAccepted)
}

// ---- Collections CRUD ----

func (s *Server) handleCollections(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		list, err := s.repo.ListAll(r.Context())
		if err != nil {
			s.logger.Error("failed to list collections", zap.Error(err))
			s.errorResponse(w, "failed to list", http.StatusInternalServerError)
			return
		}
		s.jsonResponse(w, list)

	case http.MethodPost:
		var c models.AdCollection
		if err := json.NewDecoder(r.Body).Decode(&c); err != nil {
			s.errorResponse(w, "invalid json", http.StatusBadRequest)
			return
		}
		if err := s.repo.Upsert(r.Context(), &c); err != nil {
			s.errorResponse(w, "failed to save: "+err.Error(), http.StatusBadRequest)
			return
		}
		s.jsonResponse(w, c)

	default:
		s.errorResponse(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

func (s *Server) handleCollectionByID(w http.ResponseWriter, r *http.Request) {
	id := strings.TrimPrefix(r.URL.Path, "/api/collections/")
	if id == "" {
		http.NotFound(w, r)
		return
	}

	switch r.Method {
	case http.MethodGet:
		c, err := s.repo.GetByID(r.Context(), id)
		if err != nil {
			s.logger.Error("failed to get collection", zap.Error(err))
			s.errorResponse(w, "error: "+err.Error(), http.StatusInternalServerError)
			return
		}
		if c == nil {
			http.NotFound(w, r)
			return
		}
		s.jsonResponse(w, c)

	case http.MethodDelete:
		if err := s.repo.Delete(r.Context(), id); err != nil {
			s.errorResponse(w, "failed to delete: "+err.Error(), http.StatusInternalServerError)
			return
		}
		w.WriteHeader(http.StatusNoContent)

	default:
		s.errorResponse(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

// ---- Stats ----

type collectionStats struct {
	CollectionID string           `json:"collection_id"`
	Name         string           `json:"name"`
	Placement    models.Placement `json:"placement"`
	Impressions  int64            `json:"impressions"`
	Clicks       int64            `json:"clicks"`
	CTR          float64          `json:"ctr"`
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.errorResponse(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	list, err := s.repo.ListAll(r.Context())
	if err != nil {
		s.errorResponse(w, "failed to compute stats", http.StatusInternalServerError)
		return
	}

	placement := models.Placement(r.URL.Query().Get("placement"))
	stats := make([]collectionStats, 0, len(list))
	for _, c := range list {
		if placement != "" && c.Placement != placement {
			continue
		}
		cs := collectionStats{
			CollectionID: c.ID,
			Name:         c.Name,
			Placement:    c.Placement,
			Impressions:  c.Stats.Impressions,
			Clicks:       c.Stats.Clicks,
		}
		if cs.Impressions > 0 {
			cs.CTR = float64(cs.Clicks) / float64(cs.Impressions)
		}
		stats = append(stats, cs)
	}

	s.jsonResponse(w, stats)
}

// ---- Settings ----

type triggerSettings struct {
	PopupDelayMs             int64   `json:"popup_delay_ms"`
	PopupCloseButtonDelayMs  int64   `json:"popup_close_button_delay_ms"`
	PopupAutoCloseMs         int64   `json:"popup_auto_close_ms"`
	BannerAutoHideMs         int64   `json:"banner_auto_hide_ms"`
	ScrollThresholdPct       float64 `json:"scroll_threshold_pct"`
	InterstitialDelayMs      int64   `json:"interstitial_delay_ms"`
	InterstitialMinVisibleMs int64   `json:"interstitial_min_visible_ms"`
}

type settingsResponse struct {
	AdsEnabled      bool            `json:"ads_enabled"`
	HideForLoggedIn bool            `json:"hide_for_logged_in"`
	HideForAdmin    bool            `json:"hide_for_admin"`
	Triggers        triggerSettings `json:"triggers"`
}

// handleSettings exposes the serving toggles and trigger timings the page
// layer needs to drive client-side reveals.
func (s *Server) handleSettings(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.errorResponse(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	t := s.config.Triggers
	s.jsonResponse(w, settingsResponse{
		AdsEnabled:      s.config.Ads.MasterSwitch,
		HideForLoggedIn: s.config.Ads.HideForLoggedIn,
		HideForAdmin:    s.config.Ads.HideForAdmin,
		Triggers: triggerSettings{
			PopupDelayMs:             t.Popup.Delay.Milliseconds(),
			PopupCloseButtonDelayMs:  t.Popup.CloseButtonDelay.Milliseconds(),
			PopupAutoCloseMs:         t.Popup.AutoClose.Milliseconds(),
			BannerAutoHideMs:         t.Banner.AutoHide.Milliseconds(),
			ScrollThresholdPct:       t.Scroll.ThresholdPct,
			InterstitialDelayMs:      t.Interstitial.Delay.Milliseconds(),
			InterstitialMinVisibleMs: t.Interstitial.MinVisible.Milliseconds(),
		},
	})
}

// ---- Helper Methods ----

func (s *Server) jsonResponse(w http.ResponseWriter, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(data)
}

func (s *Server) errorResponse(w http.ResponseWriter, message string, code int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": message})
}
