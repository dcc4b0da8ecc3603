package models

// PlacementContext is the ephemeral per-render context a decision is made
// against.  Computed by the caller for every request; never persisted.
type PlacementContext struct {
	PageType     string       `json:"page_type"`
	PageURL      string       `json:"page_url"`
	Device       string       `json:"device"`
	VisitorID    string       `json:"visitor_id,omitempty"`
	VisitorScope VisitorScope `json:"visitor_scope,omitempty"` // new or returning
	IP           string       `json:"-"`
	Categories   []string     `json:"categories,omitempty"`
	SectionIndex int          `json:"section_index,omitempty"`
	LoggedIn     bool         `json:"logged_in,omitempty"`
	IsAdmin      bool         `json:"is_admin,omitempty"`
}

// SelectionResult carries the chosen variant (nil when no ad should
// render), the resolved collection and a context snapshot.  Handed to the
// render path and the event tracker.
type SelectionResult struct {
	Collection *AdCollection    `json:"collection,omitempty"`
	Variant    *AdVariant       `json:"variant,omitempty"`
	Placement  Placement        `json:"placement"`
	Context    PlacementContext `json:"context"`
}

// Empty reports whether the decision resolved to "show nothing".
func (r *SelectionResult) Empty() bool {
	return r == nil || r.Variant == nil
}
