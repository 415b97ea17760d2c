// Package models contains the data types shared across every component of
// the ingress core: the canonical Event record and the in-memory device
// snapshot used by the polling reconciler.
package models

import (
	"encoding/json"
	"time"
)

// EventType is the coarse classification of an Event.
type EventType string

// Event type constants, per the canonical event contract.
const (
	EventTypeDevice      EventType = "device_event"
	EventTypeUserCommand EventType = "user_command"
	EventTypeAutomation  EventType = "automation_trigger"
	EventTypeRule        EventType = "rule_execution"
	EventTypeSystem      EventType = "system_event"
)

// EventSource identifies the channel an Event arrived through.
type EventSource string

// Event source constants.
const (
	SourceWebhook EventSource = "webhook"
	SourcePolling EventSource = "polling"
	SourceMCP     EventSource = "mcp"
	SourceVoice   EventSource = "voice"
	SourceInternal EventSource = "internal"
)

// SystemEventSeverity grades a system_event for operator triage.
type SystemEventSeverity string

// Severity constants used on system_event Events.
const (
	SeverityInfo     SystemEventSeverity = "info"
	SeverityWarning  SystemEventSeverity = "warning"
	SeverityCritical SystemEventSeverity = "critical"
)

// Event is the canonical unit flowing through the store, the queue, the
// archive log, and the SSE broadcaster. Value and Metadata are kept as
// opaque JSON — the capability-normalization layer that gives them meaning
// lives outside this core.
type Event struct {
	ID         string          `json:"id"`
	Type       EventType       `json:"type"`
	Source     EventSource     `json:"source"`
	DeviceID   string          `json:"deviceId,omitempty"`
	DeviceName string          `json:"deviceName,omitempty"`
	LocationID string          `json:"locationId,omitempty"`
	EventType  string          `json:"eventType,omitempty"`
	Value      json.RawMessage `json:"value,omitempty"`
	Timestamp  time.Time       `json:"timestamp"`
	Metadata   json.RawMessage `json:"metadata,omitempty"`
	CreatedAt  time.Time       `json:"-"`
}

// MetadataMap unmarshals Metadata into a generic map, returning an empty
// map (never nil) when Metadata is absent or malformed — callers should not
// have to special-case a nil map.
func (e *Event) MetadataMap() map[string]interface{} {
	m := map[string]interface{}{}
	if len(e.Metadata) == 0 {
		return m
	}
	_ = json.Unmarshal(e.Metadata, &m)
	return m
}

// DeviceSnapshot is the polling reconciler's last-known view of a single
// device's capability attributes. E owns this table exclusively.
type DeviceSnapshot struct {
	DeviceID     string
	Platform     string
	DisplayName  string
	RoomID       string
	Capabilities []string
	Online       bool
	State        map[string]AttributeValue
	UpdatedAt    time.Time

	// ConsecutiveFailures and NextPollAt implement the per-device unhealthy
	// backoff described in spec.md §4.E.
	ConsecutiveFailures int
	NextPollAt          time.Time
}

// AttributeValue is one (capability, attribute) -> value observation.
type AttributeValue struct {
	Capability string
	Attribute  string
	Value      interface{}
	ObservedAt time.Time
}
