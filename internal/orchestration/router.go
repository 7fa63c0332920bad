package orchestration

import (
	"sort"

	"github.com/rs/zerolog"
)

// RoutingRule describes one event-type → workflow binding for inspection.
type RoutingRule struct {
	EventType  string   `json:"event_type"`
	WorkflowID string   `json:"workflow_id"`
	Priority   Priority `json:"priority"`
}

// EventRouter matches raw or fused events against registered workflow EVENT
// triggers. Routing is read-only and safe to call concurrently with workflow
// registration.
type EventRouter struct {
	logger    zerolog.Logger
	workflows *workflowStore
}

func NewEventRouter(logger zerolog.Logger, workflows *workflowStore) *EventRouter {
	return &EventRouter{
		logger:    logger.With().Str("component", "event_router").Logger(),
		workflows: workflows,
	}
}

// Route returns the IDs of enabled workflows whose EVENT triggers match the
// given event type or category, ordered by workflow priority ascending
// (critical first), then workflow ID for a stable order.
func (r *EventRouter) Route(eventType string) []string {
	type match struct {
		id       string
		priority Priority
	}
	matches := make([]match, 0)
	for _, def := range r.workflows.All() {
		if !def.Enabled {
			continue
		}
		for _, trig := range def.Triggers {
			if trig.Type != TriggerEvent {
				continue
			}
			for _, t := range trig.EventTypes {
				if t == eventType {
					matches = append(matches, match{id: def.ID, priority: def.Priority})
				}
			}
		}
	}
	sort.Slice(matches, func(i, j int) bool {
		if matches[i].priority != matches[j].priority {
			return matches[i].priority < matches[j].priority
		}
		return matches[i].id < matches[j].id
	})

	seen := make(map[string]bool, len(matches))
	ids := make([]string, 0, len(matches))
	for _, m := range matches {
		if !seen[m.id] {
			seen[m.id] = true
			ids = append(ids, m.id)
		}
	}
	return ids
}

// GetRoutingRules lists every event-type → workflow binding currently in
// effect, sorted by event type then workflow ID.
func (r *EventRouter) GetRoutingRules() []RoutingRule {
	rules := make([]RoutingRule, 0)
	for _, def := range r.workflows.All() {
		if !def.Enabled {
			continue
		}
		for _, trig := range def.Triggers {
			if trig.Type != TriggerEvent {
				continue
			}
			for _, t := range trig.EventTypes {
				rules = append(rules, RoutingRule{EventType: t, WorkflowID: def.ID, Priority: def.Priority})
			}
		}
	}
	sort.Slice(rules, func(i, j int) bool {
		if rules[i].EventType != rules[j].EventType {
			return rules[i].EventType < rules[j].EventType
		}
		return rules[i].WorkflowID < rules[j].WorkflowID
	})
	return rules
}
