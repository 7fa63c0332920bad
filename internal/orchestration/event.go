package orchestration

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Priority ranks events and workflows. 1 is critical, 5 is low.
type Priority int

const (
	PriorityCritical Priority = 1
	PriorityHigh     Priority = 2
	PriorityMedium   Priority = 3
	PriorityLow      Priority = 4
	PriorityInfo     Priority = 5
)

func (p Priority) String() string {
	switch p {
	case PriorityCritical:
		return "CRITICAL"
	case PriorityHigh:
		return "HIGH"
	case PriorityMedium:
		return "MEDIUM"
	case PriorityLow:
		return "LOW"
	case PriorityInfo:
		return "INFO"
	default:
		return "UNKNOWN"
	}
}

func (p Priority) MarshalJSON() ([]byte, error) {
	return json.Marshal(p.String())
}

func (p *Priority) UnmarshalJSON(data []byte) error {
	var str string
	if err := json.Unmarshal(data, &str); err != nil {
		return err
	}
	*p = ParsePriority(str)
	return nil
}

// ParsePriority maps a priority name to its level. Unknown names map to INFO.
func ParsePriority(s string) Priority {
	switch s {
	case "CRITICAL":
		return PriorityCritical
	case "HIGH":
		return PriorityHigh
	case "MEDIUM":
		return PriorityMedium
	case "LOW":
		return PriorityLow
	default:
		return PriorityInfo
	}
}

// GeoPoint is a WGS84 coordinate attached to events and fused incidents.
type GeoPoint struct {
	Lat float64 `json:"lat"`
	Lon float64 `json:"lon"`
}

// Event is a raw sensor or system event as delivered by a source adapter.
// Immutable once ingested.
type Event struct {
	ID         string                 `json:"id"`
	SourceID   string                 `json:"source_id"`
	Type       string                 `json:"type"`
	Priority   Priority               `json:"priority"`
	Payload    map[string]interface{} `json:"payload,omitempty"`
	Location   *GeoPoint              `json:"location,omitempty"`
	ReceivedAt time.Time              `json:"received_at"`
}

// NewEvent creates an Event with a generated ID and current timestamp.
func NewEvent(sourceID, eventType string, priority Priority) *Event {
	return &Event{
		ID:         uuid.New().String(),
		SourceID:   sourceID,
		Type:       eventType,
		Priority:   priority,
		Payload:    make(map[string]interface{}),
		ReceivedAt: time.Now().UTC(),
	}
}

// Marshal serializes the event to JSON.
func (e *Event) Marshal() ([]byte, error) {
	return json.Marshal(e)
}

// UnmarshalEvent deserializes an Event from JSON.
func UnmarshalEvent(data []byte) (*Event, error) {
	var event Event
	if err := json.Unmarshal(data, &event); err != nil {
		return nil, err
	}
	return &event, nil
}

// FusionStrategy selects how a FusionRule correlates buffered events.
type FusionStrategy string

const (
	StrategyTimestamp   FusionStrategy = "TIMESTAMP"
	StrategyGeolocation FusionStrategy = "GEOLOCATION"
	StrategyEntityID    FusionStrategy = "ENTITY_ID"
	StrategyThreatLevel FusionStrategy = "THREAT_LEVEL"
	StrategyComposite   FusionStrategy = "COMPOSITE"
)

// FusedEvent is a higher-confidence incident produced by correlating two or
// more raw events. Never mutated after creation.
type FusedEvent struct {
	ID                 string         `json:"id"`
	SourceEventIDs     []string       `json:"source_event_ids"`
	Strategy           FusionStrategy `json:"strategy"`
	Category           string         `json:"category"`
	Priority           Priority       `json:"priority"`
	Title              string         `json:"title"`
	Summary            string         `json:"summary"`
	Location           *GeoPoint      `json:"location,omitempty"`
	Confidence         float64        `json:"confidence"`
	ExplainabilityLog  []string       `json:"explainability_log"`
	RecommendedActions []string       `json:"recommended_actions,omitempty"`
	CreatedAt          time.Time      `json:"created_at"`
}

// Marshal serializes the fused event to JSON.
func (f *FusedEvent) Marshal() ([]byte, error) {
	return json.Marshal(f)
}
