package targeting

import (
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/newswire/adserve/internal/metrics"
	"github.com/newswire/adserve/internal/models"
)

// CountryProvider resolves an IP to an ISO 3166-1 alpha-2 country code.
type CountryProvider interface {
	Lookup(ip string) (string, error)
	Close() error
}

// Resolver filters ad collections by page type, device, schedule window
// and audience rules.  Aside from the geo cache it is a pure function of
// its inputs; missing targeting fields match everything.
type Resolver struct {
	countries CountryProvider
	geoCache  *geoCache
	metrics   *metrics.Metrics
	now       func() time.Time
}

// geoCache caches country lookups.
type geoCache struct {
	mu      sync.RWMutex
	data    map[string]*geoCacheEntry
	maxSize int
	ttl     time.Duration
}

type geoCacheEntry struct {
	country   string
	expiresAt time.Time
}

// NewResolver creates a targeting resolver.  countries may be nil, in
// which case country rules match everything (fail open).
func NewResolver(countries CountryProvider, cacheSize int, cacheTTL time.Duration, m *metrics.Metrics) *Resolver {
	return &Resolver{
		countries: countries,
		geoCache: &geoCache{
			data:    make(map[string]*geoCacheEntry),
			maxSize: cacheSize,
			ttl:     cacheTTL,
		},
		metrics: m,
		now:     time.Now,
	}
}

// SetNowFunc overrides the clock. Test hook.
func (r *Resolver) SetNowFunc(now func() time.Time) {
	r.now = now
}

// MatchResult contains detailed matching information for one collection.
type MatchResult struct {
	Matched        bool
	FailedCriteria string
}

// Eligible returns the collections that may serve in ctx, ordered by
// priority descending with creation order breaking ties.
func (r *Resolver) Eligible(collections []*models.AdCollection, ctx models.PlacementContext) []*models.AdCollection {
	out := make([]*models.AdCollection, 0, len(collections))
	for _, c := range collections {
		if res := r.Match(c, ctx); res.Matched {
			out = append(out, c)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].Priority > out[j].Priority
	})
	return out
}

// Match checks one collection against the placement context.
func (r *Resolver) Match(c *models.AdCollection, ctx models.PlacementContext) *MatchResult {
	result := &MatchResult{Matched: true}

	if c.Status != models.CollectionStatusActive {
		return r.miss(result, c.ID, "status")
	}

	now := r.now()
	if !c.Schedule.StartAt.IsZero() && now.Before(c.Schedule.StartAt) {
		return r.miss(result, c.ID, "not_started")
	}
	// End date is inclusive: a collection ending exactly now still serves.
	if !c.Schedule.EndAt.IsZero() && now.After(c.Schedule.EndAt) {
		return r.miss(result, c.ID, "ended")
	}

	if len(c.Targeting.Pages) > 0 && !matchPage(ctx.PageType, c.Targeting.Pages) {
		return r.miss(result, c.ID, "page_type")
	}
	r.metrics.RecordTargetingMatch(c.ID, "page_type")

	if len(c.Targeting.Devices) > 0 && !containsFold(c.Targeting.Devices, ctx.Device) {
		return r.miss(result, c.ID, "device")
	}
	r.metrics.RecordTargetingMatch(c.ID, "device")

	if c.Targeting.Visitors != "" && c.Targeting.Visitors != models.VisitorsAll {
		if ctx.VisitorScope != "" && ctx.VisitorScope != c.Targeting.Visitors {
			return r.miss(result, c.ID, "visitor_scope")
		}
	}

	if len(c.Targeting.Countries) > 0 {
		country := r.lookupCountry(ctx.IP)
		// Unresolvable country fails open rather than dropping the ad.
		if country != "" && !containsFold(c.Targeting.Countries, country) {
			return r.miss(result, c.ID, "country")
		}
		r.metrics.RecordTargetingMatch(c.ID, "country")
	}

	if len(c.Targeting.Categories) > 0 && len(ctx.Categories) > 0 {
		if !intersectsFold(ctx.Categories, c.Targeting.Categories) {
			return r.miss(result, c.ID, "category")
		}
		r.metrics.RecordTargetingMatch(c.ID, "category")
	}

	return result
}

func (r *Resolver) miss(result *MatchResult, collectionID, criteria string) *MatchResult {
	result.Matched = false
	result.FailedCriteria = criteria
	r.metrics.RecordTargetingMiss(collectionID, criteria)
	return result
}

// lookupCountry performs a cached country lookup.  Returns "" when the
// provider is absent or the IP cannot be resolved.
func (r *Resolver) lookupCountry(ip string) string {
	if ip == "" || r.countries == nil {
		return ""
	}

	start := time.Now()
	if country, ok := r.geoCache.get(ip); ok {
		r.metrics.RecordGeoLookup(true, time.Since(start))
		return country
	}

	country, err := r.countries.Lookup(ip)
	if err != nil {
		return ""
	}

	r.geoCache.set(ip, country)
	r.metrics.RecordGeoLookup(false, time.Since(start))
	return country
}

func (c *geoCache) get(ip string) (string, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	entry, ok := c.data[ip]
	if !ok {
		return "", false
	}
	if time.Now().After(entry.expiresAt) {
		return "", false
	}
	return entry.country, true
}

func (c *geoCache) set(ip, country string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	// Evict if at capacity (simple FIFO)
	if len(c.data) >= c.maxSize {
		for k := range c.data {
			delete(c.data, k)
			break
		}
	}

	c.data[ip] = &geoCacheEntry{
		country:   country,
		expiresAt: time.Now().Add(c.ttl),
	}
}

// Matching helpers

func matchPage(pageType string, pages []string) bool {
	for _, p := range pages {
		if strings.EqualFold(p, models.PageTypeAll) || strings.EqualFold(p, pageType) {
			return true
		}
	}
	return false
}

func containsFold(list []string, val string) bool {
	for _, item := range list {
		if strings.EqualFold(item, val) {
			return true
		}
	}
	return false
}

func intersectsFold(a, b []string) bool {
	set := make(map[string]bool, len(a))
	for _, v := range a {
		set[strings.ToLower(v)] = true
	}
	for _, v := range b {
		if set[strings.ToLower(v)] {
			return true
		}
	}
	return false
}
