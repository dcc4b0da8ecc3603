package delivery

import (
	"context"
	"fmt"
	"html"
	"time"

	"go.uber.org/zap"

	"github.com/newswire/adserve/internal/config"
	"github.com/newswire/adserve/internal/frequency"
	"github.com/newswire/adserve/internal/metrics"
	"github.com/newswire/adserve/internal/models"
	"github.com/newswire/adserve/internal/rotation"
	"github.com/newswire/adserve/internal/storage"
	"github.com/newswire/adserve/internal/targeting"
	"github.com/newswire/adserve/internal/tracking"
	"github.com/newswire/adserve/internal/trigger"
)

// No-fill reasons reported on decisions that resolve to "show nothing".
const (
	ReasonDisabled     = "disabled"
	ReasonLoggedIn     = "logged_in"
	ReasonAdmin        = "admin"
	ReasonCapped       = "frequency_capped"
	ReasonNoCollection = "no_eligible_collection"
	ReasonNoVariant    = "no_active_variant"
	ReasonRepoError    = "repo_error"
)

// defaultPolicies maps each placement kind to its frequency policy.
// Policies attach to the kind, not to individual collections: a popup
// capped for this session stays capped no matter which collection would
// have filled it.
var defaultPolicies = map[models.Placement]frequency.Policy{
	models.PlacementPopup:        frequency.PolicyOncePerSession,
	models.PlacementExitIntent:   frequency.PolicyOncePerSession,
	models.PlacementInterstitial: frequency.PolicyOncePerDay,
	models.PlacementScroll:       frequency.PolicyOncePerSession,
}

// Deps bundles the collaborators a Coordinator needs.
type Deps struct {
	Repo      storage.CollectionRepo
	Targeting *targeting.Resolver
	Caps      *frequency.Store
	Selector  *rotation.Selector
	Tracker   *tracking.Tracker
	Clock     trigger.Clock
	Logger    *zap.Logger
	Metrics   *metrics.Metrics
	Ads       config.AdsConfig
	Triggers  config.TriggerConfig

	// Policies overrides the per-placement frequency policies; nil keeps
	// the defaults.  Unlisted placements get PolicyAlways.
	Policies map[models.Placement]frequency.Policy
}

// Coordinator runs the decision pipeline for one placement slot at a
// time: global gates, targeting, frequency cap, weighted rotation.  Slots
// are independent: a popup and a floating banner may both fill on the
// same page view.
type Coordinator struct {
	repo      storage.CollectionRepo
	targeting *targeting.Resolver
	caps      *frequency.Store
	selector  *rotation.Selector
	tracker   *tracking.Tracker
	clock     trigger.Clock
	logger    *zap.Logger
	metrics   *metrics.Metrics
	ads       config.AdsConfig
	triggers  config.TriggerConfig
	policies  map[models.Placement]frequency.Policy
}

func NewCoordinator(deps Deps) *Coordinator {
	policies := deps.Policies
	if policies == nil {
		policies = defaultPolicies
	}
	clock := deps.Clock
	if clock == nil {
		clock = trigger.NewClock()
	}
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Coordinator{
		repo:      deps.Repo,
		targeting: deps.Targeting,
		caps:      deps.Caps,
		selector:  deps.Selector,
		tracker:   deps.Tracker,
		clock:     clock,
		logger:    logger,
		metrics:   deps.Metrics,
		ads:       deps.Ads,
		triggers:  deps.Triggers,
		policies:  policies,
	}
}

// PolicyFor returns the frequency policy for a placement kind.
func (c *Coordinator) PolicyFor(placement models.Placement) frequency.Policy {
	if p, ok := c.policies[placement]; ok {
		return p
	}
	return frequency.PolicyAlways
}

// Decide resolves which ad, if any, should fill the given placement for
// this context.  A non-nil result with a nil Variant means "show
// nothing"; the reason has already been recorded.
func (c *Coordinator) Decide(ctx context.Context, placement models.Placement, pctx models.PlacementContext) (*models.SelectionResult, error) {
	start := c.clock.Now()
	result := &models.SelectionResult{Placement: placement, Context: pctx}

	if reason := c.gate(pctx); reason != "" {
		return c.noFill(result, reason, start), nil
	}

	policy := c.PolicyFor(placement)
	capKey := frequency.CapKey(pctx.VisitorID, string(placement))
	if !c.caps.ShouldShow(ctx, capKey, policy) {
		c.metrics.RecordCapRejection(string(placement))
		return c.noFill(result, ReasonCapped, start), nil
	}

	collections, err := c.repo.ListByPlacement(ctx, placement)
	if err != nil {
		c.logger.Error("failed to list collections",
			zap.String("placement", string(placement)),
			zap.Error(err))
		c.noFill(result, ReasonRepoError, start)
		return result, fmt.Errorf("decide %s: %w", placement, err)
	}

	eligible := c.targeting.Eligible(collections, pctx)
	winner := pickWinner(eligible, placement, pctx)
	if winner == nil {
		return c.noFill(result, ReasonNoCollection, start), nil
	}

	variant := c.selector.Pick(winner.ActiveVariants())
	if variant == nil {
		return c.noFill(result, ReasonNoVariant, start), nil
	}

	result.Collection = winner
	result.Variant = variant
	c.metrics.RecordDecision(string(placement), "fill", c.clock.Now().Sub(start))
	c.logger.Debug("decision",
		zap.String("placement", string(placement)),
		zap.String("collection_id", winner.ID),
		zap.String("variant_id", variant.ID))
	return result, nil
}

// gate applies the global serving toggles.  Empty string means serve.
func (c *Coordinator) gate(pctx models.PlacementContext) string {
	if !c.ads.MasterSwitch {
		return ReasonDisabled
	}
	if c.ads.HideForLoggedIn && pctx.LoggedIn {
		return ReasonLoggedIn
	}
	if c.ads.HideForAdmin && pctx.IsAdmin {
		return ReasonAdmin
	}
	return ""
}

func (c *Coordinator) noFill(result *models.SelectionResult, reason string, start time.Time) *models.SelectionResult {
	c.metrics.RecordDecision(string(result.Placement), "no_fill", c.clock.Now().Sub(start))
	c.metrics.RecordNoFill(reason)
	return result
}

// pickWinner takes the highest-priority eligible collection.  Eligible
// lists arrive ordered priority-descending, so the winner is the first
// entry; between_sections additionally requires the section index to
// line up.
func pickWinner(eligible []*models.AdCollection, placement models.Placement, pctx models.PlacementContext) *models.AdCollection {
	for _, col := range eligible {
		if placement == models.PlacementBetweenSections && col.SectionIndex != pctx.SectionIndex {
			continue
		}
		return col
	}
	return nil
}

// Mount is one live slot: a decision bound to a trigger machine and a
// per-render tracking guard.  Create one per on-screen slot; drop it with
// Unmount when the page goes away.
type Mount struct {
	result  *models.SelectionResult
	machine *trigger.Machine
	guard   tracking.RenderGuard
	tracker *tracking.Tracker
}

// Mount wires a fill decision into a trigger machine for its placement
// kind.  The impression fires from the machine's reveal hook, at most
// once per mount.  Returns nil for empty decisions.
func (c *Coordinator) Mount(result *models.SelectionResult) *Mount {
	if result.Empty() {
		return nil
	}

	m := &Mount{result: result, tracker: c.tracker}

	deps := trigger.Deps{
		Policy:  c.PolicyFor(result.Placement),
		CapKey:  frequency.CapKey(result.Context.VisitorID, string(result.Placement)),
		Caps:    c.caps,
		Clock:   c.clock,
		Logger:  c.logger,
		Metrics: c.metrics,
		Hooks: trigger.Hooks{
			OnReveal: func() {
				m.guard.Impression(func() {
					c.tracker.Impression(context.Background(), result.Variant, result.Context, result.Placement)
				})
			},
		},
	}

	switch result.Placement {
	case models.PlacementPopup:
		m.machine = trigger.NewPopup(c.triggers.Popup, deps)
	case models.PlacementScroll:
		m.machine = trigger.NewScroll(c.triggers.Scroll, deps)
	case models.PlacementExitIntent:
		m.machine = trigger.NewExitIntent(c.triggers.ExitIntent, deps)
	case models.PlacementInterstitial:
		m.machine = trigger.NewInterstitial(c.triggers.Interstitial, deps)
	default:
		m.machine = trigger.NewBanner(result.Placement, c.triggers.Banner, deps)
	}

	return m
}

// Machine exposes the underlying trigger machine for event intake
// (Arm, Scroll, MouseLeave, Close, Unmount).
func (m *Mount) Machine() *trigger.Machine { return m.machine }

// Result returns the decision this mount renders.
func (m *Mount) Result() *models.SelectionResult { return m.result }

// Click records a click for this mount, at most once.  The timestamp is
// the moment of interaction, not of delivery.
func (m *Mount) Click(ctx context.Context, at time.Time) {
	m.guard.Click(func() {
		m.tracker.Click(ctx, m.result.Variant, m.result.Context, m.result.Placement, at)
	})
}

// RenderMarkup builds the HTML fragment for a variant.  HTML variants
// are trusted creative managed by admins and pass through verbatim;
// image and video attributes are escaped.
func RenderMarkup(v *models.AdVariant) string {
	if v == nil {
		return ""
	}
	switch v.Type {
	case models.VariantTypeImage:
		img := fmt.Sprintf(`<img src="%s" alt="%s" loading="lazy">`,
			html.EscapeString(v.ImageURL), html.EscapeString(v.AltText))
		if v.LinkURL != "" {
			return fmt.Sprintf(`<a href="%s" rel="noopener sponsored" target="_blank">%s</a>`,
				html.EscapeString(v.LinkURL), img)
		}
		return img
	case models.VariantTypeHTML:
		return v.HTML
	case models.VariantTypeVideo:
		return fmt.Sprintf(`<video src="%s" autoplay muted loop playsinline></video>`,
			html.EscapeString(v.VideoURL))
	default:
		return ""
	}
}
