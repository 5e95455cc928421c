// Package core holds the domain value types shared by every RingForge
// subsystem: message envelopes, priorities, tiers, and the typed outcome
// taxonomy surfaced to clients.
package core

import (
	"encoding/json"
	"time"
)

// Payload is the schemaless user payload carried end-to-end. Only framing
// fields are parsed strictly; the payload body is preserved verbatim.
type Payload map[string]interface{}

// Priority orders escalations, tasks, and announcements.
type Priority string

const (
	PriorityLow      Priority = "low"
	PriorityNormal   Priority = "normal"
	PriorityHigh     Priority = "high"
	PriorityCritical Priority = "critical"
)

// ParsePriority normalizes a wire priority string, defaulting to normal.
func ParsePriority(s string) Priority {
	switch Priority(s) {
	case PriorityLow, PriorityHigh, PriorityCritical:
		return Priority(s)
	default:
		return PriorityNormal
	}
}

// Sender identifies the originating agent on an envelope.
type Sender struct {
	AgentID string `json:"agent_id"`
	Name    string `json:"name,omitempty"`
}

// Envelope is the on-the-wire framing of a direct message: identity and
// routing fields plus the opaque user payload.
type Envelope struct {
	MessageID     string  `json:"message_id"`
	FleetID       string  `json:"fleet_id"`
	From          Sender  `json:"from"`
	To            string  `json:"to"`
	Message       Payload `json:"message"`
	CorrelationID string  `json:"correlation_id,omitempty"`
	Timestamp     string  `json:"timestamp"`
}

// Timestamp returns the current time in the canonical envelope format:
// ISO-8601 UTC with millisecond precision.
func Timestamp(t time.Time) string {
	return t.UTC().Format("2006-01-02T15:04:05.000Z")
}

// MustJSON marshals v, panicking only on programmer error (unmarshalable
// types never occur for our envelope structs).
func MustJSON(v interface{}) []byte {
	b, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	return b
}
