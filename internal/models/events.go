package models

import "time"

type EventType string

const (
	EventImpression EventType = "impression"
	EventClick      EventType = "click"
)

// AdEvent is one tracked occurrence of an ad being shown or interacted
// with, enriched with the placement context it happened in.
type AdEvent struct {
	ID        string    `json:"id"`
	AdID      string    `json:"ad_id"` // variant id
	Type      EventType `json:"type"`
	Placement Placement `json:"placement"`

	CollectionID string `json:"collection_id,omitempty"`
	PageType     string `json:"page_type,omitempty"`
	PageURL      string `json:"page_url,omitempty"`
	Device       string `json:"device,omitempty"`
	VisitorID    string `json:"visitor_id,omitempty"`
	Country      string `json:"country,omitempty"`

	// Timestamp is captured when the event happens (for clicks, at the
	// moment of interaction), independent of delivery latency.
	Timestamp time.Time `json:"timestamp"`
}
