package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics for the ad delivery service.
type Metrics struct {
	// Decision metrics
	Decisions       *prometheus.CounterVec
	DecisionLatency *prometheus.HistogramVec
	NoFillReasons   *prometheus.CounterVec

	// Targeting metrics
	TargetingMatches *prometheus.CounterVec
	TargetingMisses  *prometheus.CounterVec
	GeoLookupLatency *prometheus.HistogramVec

	// Frequency cap metrics
	CapChecks     *prometheus.CounterVec
	CapRejections *prometheus.CounterVec
	StoreErrors   *prometheus.CounterVec

	// Rotation metrics
	VariantSelections *prometheus.CounterVec

	// Event metrics
	Impressions     *prometheus.CounterVec
	Clicks          *prometheus.CounterVec
	EventSinkErrors *prometheus.CounterVec

	// Trigger metrics
	TriggerTransitions *prometheus.CounterVec

	// Rate limiting metrics
	RateLimitHits *prometheus.CounterVec
}

// NewMetrics creates and registers all Prometheus metrics.
func NewMetrics(namespace string) *Metrics {
	return &Metrics{
		Decisions: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "decisions_total",
				Help:      "Total number of placement decisions",
			},
			[]string{"placement", "status"},
		),
		DecisionLatency: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "decision_latency_seconds",
				Help:      "Placement decision latency in seconds",
				Buckets:   []float64{0.0005, 0.001, 0.005, 0.01, 0.025, 0.05, 0.1},
			},
			[]string{"placement"},
		),
		NoFillReasons: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "nofill_reasons_total",
				Help:      "Reasons for rendering no ad",
			},
			[]string{"reason"},
		),
		TargetingMatches: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "targeting_matches_total",
				Help:      "Targeting criteria matches",
			},
			[]string{"collection_id", "criteria"},
		),
		TargetingMisses: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "targeting_misses_total",
				Help:      "Targeting criteria misses",
			},
			[]string{"collection_id", "criteria"},
		),
		GeoLookupLatency: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "geo_lookup_seconds",
				Help:      "Country lookup latency in seconds",
				Buckets:   []float64{0.00001, 0.0001, 0.001, 0.01},
			},
			[]string{"cache"},
		),
		CapChecks: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "freqcap_checks_total",
				Help:      "Frequency cap checks by policy and outcome",
			},
			[]string{"policy", "outcome"},
		),
		CapRejections: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "freqcap_rejections_total",
				Help:      "Placements suppressed by frequency caps",
			},
			[]string{"placement"},
		),
		StoreErrors: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "freqcap_store_errors_total",
				Help:      "Key-value store failures (fail-open)",
			},
			[]string{"op"},
		),
		VariantSelections: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "variant_selections_total",
				Help:      "Weighted variant selections",
			},
			[]string{"collection_id", "variant_id"},
		),
		Impressions: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "impressions_total",
				Help:      "Tracked ad impressions",
			},
			[]string{"placement"},
		),
		Clicks: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "clicks_total",
				Help:      "Tracked ad clicks",
			},
			[]string{"placement"},
		),
		EventSinkErrors: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "event_sink_errors_total",
				Help:      "Event sink delivery failures",
			},
			[]string{"sink"},
		),
		TriggerTransitions: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "trigger_transitions_total",
				Help:      "Trigger state machine transitions",
			},
			[]string{"placement", "state"},
		),
		RateLimitHits: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "rate_limit_hits_total",
				Help:      "Requests rejected by rate limiting",
			},
			[]string{"endpoint"},
		),
	}
}

// Handler returns the Prometheus metrics HTTP handler.
func (m *Metrics) Handler() http.Handler {
	return promhttp.Handler()
}

// All record methods are nil-safe so components can run without metrics.

func (m *Metrics) RecordDecision(placement, status string, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.Decisions.WithLabelValues(placement, status).Inc()
	m.DecisionLatency.WithLabelValues(placement).Observe(elapsed.Seconds())
}

func (m *Metrics) RecordNoFill(reason string) {
	if m == nil {
		return
	}
	m.NoFillReasons.WithLabelValues(reason).Inc()
}

func (m *Metrics) RecordTargetingMatch(collectionID, criteria string) {
	if m == nil {
		return
	}
	m.TargetingMatches.WithLabelValues(collectionID, criteria).Inc()
}

func (m *Metrics) RecordTargetingMiss(collectionID, criteria string) {
	if m == nil {
		return
	}
	m.TargetingMisses.WithLabelValues(collectionID, criteria).Inc()
}

func (m *Metrics) RecordGeoLookup(cached bool, elapsed time.Duration) {
	if m == nil {
		return
	}
	label := "miss"
	if cached {
		label = "hit"
	}
	m.GeoLookupLatency.WithLabelValues(label).Observe(elapsed.Seconds())
}

func (m *Metrics) RecordCapCheck(policy, outcome string) {
	if m == nil {
		return
	}
	m.CapChecks.WithLabelValues(policy, outcome).Inc()
}

func (m *Metrics) RecordCapRejection(placement string) {
	if m == nil {
		return
	}
	m.CapRejections.WithLabelValues(placement).Inc()
}

func (m *Metrics) RecordStoreError(op string) {
	if m == nil {
		return
	}
	m.StoreErrors.WithLabelValues(op).Inc()
}

func (m *Metrics) RecordSelection(collectionID, variantID string) {
	if m == nil {
		return
	}
	m.VariantSelections.WithLabelValues(collectionID, variantID).Inc()
}

func (m *Metrics) RecordImpression(placement string) {
	if m == nil {
		return
	}
	m.Impressions.WithLabelValues(placement).Inc()
}

func (m *Metrics) RecordClick(placement string) {
	if m == nil {
		return
	}
	m.Clicks.WithLabelValues(placement).Inc()
}

func (m *Metrics) RecordSinkError(sink string) {
	if m == nil {
		return
	}
	m.EventSinkErrors.WithLabelValues(sink).Inc()
}

func (m *Metrics) RecordTransition(placement, state string) {
	if m == nil {
		return
	}
	m.TriggerTransitions.WithLabelValues(placement, state).Inc()
}

func (m *Metrics) RecordRateLimitHit(endpoint string) {
	if m == nil {
		return
	}
	m.RateLimitHits.WithLabelValues(endpoint).Inc()
}
