package tracking

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/newswire/adserve/internal/metrics"
	"github.com/newswire/adserve/internal/models"
	"go.uber.org/zap"
)

// EventSink receives finished AdEvents.  Sink failures are logged and
// counted but never propagate: tracking is best-effort.
type EventSink interface {
	Name() string
	Deliver(ctx context.Context, event *models.AdEvent) error
}

// Tracker enriches and fans out impression and click events.
type Tracker struct {
	sinks   []EventSink
	logger  *zap.Logger
	metrics *metrics.Metrics
	now     func() time.Time
}

// NewTracker creates an event tracker delivering to the given sinks.
func NewTracker(sinks []EventSink, logger *zap.Logger, m *metrics.Metrics) *Tracker {
	return &Tracker{
		sinks:   sinks,
		logger:  logger,
		metrics: m,
		now:     time.Now,
	}
}

// SetNowFunc overrides the clock. Test hook.
func (t *Tracker) SetNowFunc(now func() time.Time) {
	t.now = now
}

// Impression records that variant was actually displayed in ctx.
func (t *Tracker) Impression(ctx context.Context, variant *models.AdVariant, pctx models.PlacementContext, placement models.Placement) {
	t.deliver(ctx, t.buildEvent(models.EventImpression, variant, pctx, placement, t.now()))
	t.metrics.RecordImpression(string(placement))
}

// Click records a user interaction.  eventTimestamp is captured at the
// moment of interaction, independent of delivery latency.
func (t *Tracker) Click(ctx context.Context, variant *models.AdVariant, pctx models.PlacementContext, placement models.Placement, eventTimestamp time.Time) {
	if eventTimestamp.IsZero() {
		eventTimestamp = t.now()
	}
	t.deliver(ctx, t.buildEvent(models.EventClick, variant, pctx, placement, eventTimestamp))
	t.metrics.RecordClick(string(placement))
}

func (t *Tracker) buildEvent(typ models.EventType, variant *models.AdVariant, pctx models.PlacementContext, placement models.Placement, ts time.Time) *models.AdEvent {
	return &models.AdEvent{
		ID:           uuid.New().String(),
		AdID:         variant.ID,
		Type:         typ,
		Placement:    placement,
		CollectionID: variant.CollectionID,
		PageType:     pctx.PageType,
		PageURL:      pctx.PageURL,
		Device:       pctx.Device,
		VisitorID:    pctx.VisitorID,
		Timestamp:    ts,
	}
}

func (t *Tracker) deliver(ctx context.Context, event *models.AdEvent) {
	for _, sink := range t.sinks {
		if err := sink.Deliver(ctx, event); err != nil {
			t.metrics.RecordSinkError(sink.Name())
			if t.logger != nil {
				t.logger.Error("event sink delivery failed",
					zap.String("sink", sink.Name()),
					zap.String("event_id", event.ID),
					zap.String("type", string(event.Type)),
					zap.Error(err),
				)
			}
		}
	}

	if t.logger != nil {
		t.logger.Debug("ad event tracked",
			zap.String("event_id", event.ID),
			zap.String("type", string(event.Type)),
			zap.String("ad_id", event.AdID),
			zap.String("placement", string(event.Placement)),
		)
	}
}

// RenderGuard deduplicates events for one render lifecycle: impression
// and click each fire at most once per actual visible render per mount.
// The guard is local to the mount, deliberately separate from the
// frequency-cap store.
type RenderGuard struct {
	mu         sync.Mutex
	impression bool
	click      bool
}

// Impression runs fire on the first call only.
func (g *RenderGuard) Impression(fire func()) {
	g.mu.Lock()
	already := g.impression
	g.impression = true
	g.mu.Unlock()
	if !already {
		fire()
	}
}

// Click runs fire on the first call only.
func (g *RenderGuard) Click(fire func()) {
	g.mu.Lock()
	already := g.click
	g.click = true
	g.mu.Unlock()
	if !already {
		fire()
	}
}

// HTTPSink forwards events to an external ingestion endpoint.  Delivery
// happens asynchronously so slow collectors never block the render path.
type HTTPSink struct {
	url    string
	client *http.Client
	logger *zap.Logger
}

// NewHTTPSink creates an HTTP ingestion sink for url.
func NewHTTPSink(url string, logger *zap.Logger) *HTTPSink {
	return &HTTPSink{
		url:    url,
		client: &http.Client{Timeout: 5 * time.Second},
		logger: logger,
	}
}

func (s *HTTPSink) Name() string { return "ingest_http" }

// Deliver posts the event in the background.  Always returns nil: the
// callout is fire-and-forget and failures only log.
func (s *HTTPSink) Deliver(ctx context.Context, event *models.AdEvent) error {
	go s.post(event)
	return nil
}

func (s *HTTPSink) post(event *models.AdEvent) {
	body, err := json.Marshal(event)
	if err != nil {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.url, bytes.NewReader(body))
	if err != nil {
		if s.logger != nil {
			s.logger.Error("failed to create ingest request", zap.Error(err))
		}
		return
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		if s.logger != nil {
			s.logger.Warn("ingest callout failed", zap.Error(err))
		}
		return
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		if s.logger != nil {
			s.logger.Warn("ingest callout non-2xx",
				zap.Int("status", resp.StatusCode),
				zap.String("event_id", event.ID),
			)
		}
	}
}

// SinkFunc adapts a function to the EventSink interface.
type SinkFunc struct {
	SinkName string
	Fn       func(ctx context.Context, event *models.AdEvent) error
}

func (s SinkFunc) Name() string { return s.SinkName }

func (s SinkFunc) Deliver(ctx context.Context, event *models.AdEvent) error {
	if s.Fn == nil {
		return fmt.Errorf("sink %s has no delivery function", s.SinkName)
	}
	return s.Fn(ctx, event)
}
