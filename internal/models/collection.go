package models

import (
	"errors"
	"time"
)

// Placement identifies a named on-page slot where an ad may appear.
type Placement string

const (
	PlacementPopup           Placement = "popup"
	PlacementTopBanner       Placement = "top_banner"
	PlacementFloatingBanner  Placement = "floating_banner"
	PlacementInContent       Placement = "in_content"
	PlacementSidebar         Placement = "sidebar"
	PlacementFooter          Placement = "footer"
	PlacementBetweenSections Placement = "between_sections"
	PlacementScroll          Placement = "scroll"
	PlacementInterstitial    Placement = "interstitial"
	PlacementExitIntent      Placement = "exit_intent"
	PlacementCustom          Placement = "custom"
)

type CollectionStatus string

const (
	CollectionStatusDraft     CollectionStatus = "draft"
	CollectionStatusActive    CollectionStatus = "active"
	CollectionStatusPaused    CollectionStatus = "paused"
	CollectionStatusScheduled CollectionStatus = "scheduled"
	CollectionStatusEnded     CollectionStatus = "ended"
)

type VariantStatus string

const (
	VariantStatusActive  VariantStatus = "active"
	VariantStatusPaused  VariantStatus = "paused"
	VariantStatusTesting VariantStatus = "testing"
)

type VariantType string

const (
	VariantTypeImage VariantType = "image"
	VariantTypeHTML  VariantType = "html"
	VariantTypeVideo VariantType = "video"
)

// VisitorScope restricts a collection to new or returning visitors.
type VisitorScope string

const (
	VisitorsAll       VisitorScope = "all"
	VisitorsNew       VisitorScope = "new"
	VisitorsReturning VisitorScope = "returning"
)

// PageTypeAll is the wildcard entry for Targeting.Pages.
const PageTypeAll = "all"

// Schedule bounds the serving window of a collection.  A zero EndAt means
// no upper bound.
type Schedule struct {
	StartAt  time.Time `json:"start_at,omitempty"`
	EndAt    time.Time `json:"end_at,omitempty"`
	Timezone string    `json:"timezone,omitempty"`
}

// Targeting restricts where and to whom a collection may serve.  Empty
// fields match everything.
type Targeting struct {
	Pages      []string     `json:"pages,omitempty"`      // page types, or ["all"]
	Devices    []string     `json:"devices,omitempty"`    // desktop, tablet, mobile
	Visitors   VisitorScope `json:"visitors,omitempty"`   // all, new, returning
	Countries  []string     `json:"countries,omitempty"`  // ISO 3166-1 alpha-2 codes
	Categories []string     `json:"categories,omitempty"` // article category slugs
}

// Stats holds aggregate delivery counters.  Mutated asynchronously by the
// event path, never by the selector.
type Stats struct {
	Impressions int64 `json:"impressions"`
	Clicks      int64 `json:"clicks"`
}

// AdVariant is one concrete creative within a collection, eligible for
// weighted rotation.  Immutable during a single selection.
type AdVariant struct {
	ID           string      `json:"id"`
	CollectionID string      `json:"collection_id"`
	Name         string      `json:"name,omitempty"`
	Type         VariantType `json:"type"`
	Status       VariantStatus `json:"status"`

	// Media
	ImageURL string `json:"image_url,omitempty"`
	HTML     string `json:"html,omitempty"`
	VideoURL string `json:"video_url,omitempty"`
	AltText  string `json:"alt_text,omitempty"`
	LinkURL  string `json:"link_url,omitempty"`

	// Weight in [0,100].  Siblings need not sum to 100; the selector
	// normalizes.  Zero means "use the configured default weight".
	Weight int `json:"weight"`

	Stats Stats `json:"stats"`

	CreatedAt time.Time `json:"created_at,omitempty"`
	UpdatedAt time.Time `json:"updated_at,omitempty"`
}

// IsActive reports whether the variant participates in rotation.
func (v *AdVariant) IsActive() bool {
	return v.Status == VariantStatusActive || v.Status == VariantStatusTesting
}

// AdCollection groups weighted variants under one placement with shared
// schedule and targeting.
type AdCollection struct {
	ID        string           `json:"id"`
	Name      string           `json:"name"`
	Placement Placement        `json:"placement"`
	Status    CollectionStatus `json:"status"`
	Schedule  Schedule         `json:"schedule"`
	Targeting Targeting        `json:"targeting"`

	// SectionIndex positions between_sections collections on the page.
	SectionIndex int `json:"section_index,omitempty"`

	// Priority breaks ties when several collections are active for the
	// same placement.  Higher wins; equal priorities fall back to
	// creation order.
	Priority int `json:"priority"`

	Variants []AdVariant `json:"variants"`
	Stats    Stats       `json:"stats"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// ActiveVariants returns the variants eligible for rotation, in declared order.
func (c *AdCollection) ActiveVariants() []AdVariant {
	out := make([]AdVariant, 0, len(c.Variants))
	for _, v := range c.Variants {
		if v.IsActive() {
			out = append(out, v)
		}
	}
	return out
}

func (c *AdCollection) Validate() error {
	if c.ID == "" {
		return errors.New("id is required")
	}
	if c.Name == "" {
		return errors.New("name is required")
	}
	if c.Placement == "" {
		return errors.New("placement is required")
	}
	for i := range c.Variants {
		if err := c.Variants[i].Validate(); err != nil {
			return err
		}
	}
	return nil
}

func (v *AdVariant) Validate() error {
	if v.ID == "" {
		return errors.New("variant id is required")
	}
	if v.Weight < 0 || v.Weight > 100 {
		return errors.New("variant weight must be in [0,100]")
	}
	switch v.Type {
	case VariantTypeImage:
		if v.ImageURL == "" {
			return errors.New("image variant requires image_url")
		}
	case VariantTypeHTML:
		if v.HTML == "" {
			return errors.New("html variant requires html")
		}
	case VariantTypeVideo:
		if v.VideoURL == "" {
			return errors.New("video variant requires video_url")
		}
	default:
		return errors.New("unknown variant type")
	}
	return nil
}
