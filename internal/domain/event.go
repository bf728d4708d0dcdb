// Package domain defines the core interfaces and types for Kestrel.
package domain

import (
	"time"
)

// EventType classifies a behavioral event.
type EventType string

const (
	EventView     EventType = "VIEW"
	EventClick    EventType = "CLICK"
	EventCart     EventType = "CART"
	EventPurchase EventType = "PURCHASE"
)

// ValidEventType reports whether t is one of the known event types.
func ValidEventType(t EventType) bool {
	switch t {
	case EventView, EventClick, EventCart, EventPurchase:
		return true
	}
	return false
}

// Event is a single behavioral event. Events are immutable once created;
// the decision core only reads them.
type Event struct {
	ID        string         `json:"id"`
	UserID    string         `json:"userId"`
	ProductID string         `json:"productId"`
	Type      EventType      `json:"type"`
	Meta      map[string]any `json:"meta,omitempty"`
	CreatedAt time.Time      `json:"createdAt"`
}

// EventFilter selects events for listing. Zero-valued fields are ignored.
type EventFilter struct {
	UserID    string
	ProductID string
	Type      EventType
	Since     time.Time
	Limit     int
}
