package realtime

import (
	"slices"
	"time"
)

// Event is one message on the feed.
type Event struct {
	Type       string         `json:"type"`
	Subject    string         `json:"subject,omitempty"`
	Recipients []string       `json:"recipients,omitempty"`
	Timestamp  time.Time      `json:"timestamp"`
	Data       map[string]any `json:"data,omitempty"`
}

// Subscription narrows what a client receives. The zero value receives
// everything; each non-empty field adds a condition.
type Subscription struct {
	AllEvents      bool     `json:"allEvents"`
	EventTypes     []string `json:"eventTypes"`
	Parties        []string `json:"parties"`        // buyer or seller ids
	MinAmountCents int64    `json:"minAmountCents"` // applies only to events carrying amountCents
}

// Matches reports whether e passes every condition of s.
func (s Subscription) Matches(e *Event) bool {
	if s.AllEvents {
		return true
	}
	if len(s.EventTypes) > 0 && !slices.Contains(s.EventTypes, e.Type) {
		return false
	}
	if len(s.Parties) > 0 && !slices.ContainsFunc(e.Recipients, func(p string) bool {
		return slices.Contains(s.Parties, p)
	}) {
		return false
	}
	if s.MinAmountCents > 0 {
		if cents, ok := amountCents(e.Data); ok && cents < s.MinAmountCents {
			return false
		}
	}
	return true
}

// amountCents reads data["amountCents"] as set by a service (int64) or
// decoded from JSON (float64).
func amountCents(data map[string]any) (int64, bool) {
	switch v := data["amountCents"].(type) {
	case int64:
		return v, true
	case int:
		return int64(v), true
	case float64:
		return int64(v), true
	}
	return 0, false
}
