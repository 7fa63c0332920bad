package orchestration

import (
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func testLogger() zerolog.Logger {
	return zerolog.Nop()
}

func testBus() *FusionBus {
	return NewFusionBus(testLogger(), DefaultFusionBusConfig())
}

func TestFusionBus_TwoMatchingEvents_ProduceOneFusedEvent(t *testing.T) {
	fb := testBus()
	if err := fb.AddFusionRule(&FusionRule{
		ID:                "r-gunshot",
		Name:              "Gunshot correlation",
		Strategy:          StrategyTimestamp,
		EventTypes:        []string{"gunshot_detected"},
		TimeWindowSeconds: 30,
		MinEvents:         2,
		Category:          "shots_fired",
	}); err != nil {
		t.Fatalf("AddFusionRule: %v", err)
	}

	e1 := NewEvent("sensor-north", "gunshot_detected", PriorityHigh)
	e2 := NewEvent("sensor-south", "gunshot_detected", PriorityHigh)
	if !fb.Ingest("sensor-north", e1) {
		t.Fatal("expected e1 accepted")
	}
	if !fb.Ingest("sensor-south", e2) {
		t.Fatal("expected e2 accepted")
	}

	result := fb.Fuse()
	if len(result.FusedEvents) != 1 {
		t.Fatalf("expected 1 fused event, got %d", len(result.FusedEvents))
	}

	fe := result.FusedEvents[0]
	if len(fe.SourceEventIDs) != 2 {
		t.Errorf("expected 2 source event ids, got %d", len(fe.SourceEventIDs))
	}
	found := map[string]bool{}
	for _, id := range fe.SourceEventIDs {
		found[id] = true
	}
	if !found[e1.ID] || !found[e2.ID] {
		t.Errorf("fused event missing source ids: %v", fe.SourceEventIDs)
	}
	if fe.Confidence <= 0 || fe.Confidence > 1 {
		t.Errorf("confidence out of (0,1]: %f", fe.Confidence)
	}
	if fe.Category != "shots_fired" {
		t.Errorf("expected category shots_fired, got %s", fe.Category)
	}
	if len(fe.ExplainabilityLog) == 0 {
		t.Error("expected explainability log entries")
	}
}

func TestFusionBus_FuseConsumesEvents(t *testing.T) {
	fb := testBus()
	_ = fb.AddFusionRule(&FusionRule{
		ID: "r1", Name: "r1", Strategy: StrategyTimestamp,
		EventTypes: []string{"alarm"}, TimeWindowSeconds: 30, MinEvents: 2,
	})

	fb.Ingest("a", NewEvent("a", "alarm", PriorityMedium))
	fb.Ingest("b", NewEvent("b", "alarm", PriorityMedium))

	first := fb.Fuse()
	if len(first.FusedEvents) != 1 {
		t.Fatalf("expected 1 fused event, got %d", len(first.FusedEvents))
	}

	// A second pass over the same buffers must produce nothing new.
	second := fb.Fuse()
	if len(second.FusedEvents) != 0 {
		t.Errorf("expected no fused events on second pass, got %d", len(second.FusedEvents))
	}
}

func TestFusionBus_BelowMinEvents_NoFusion(t *testing.T) {
	fb := testBus()
	_ = fb.AddFusionRule(&FusionRule{
		ID: "r1", Name: "r1", Strategy: StrategyTimestamp,
		EventTypes: []string{"alarm"}, TimeWindowSeconds: 30, MinEvents: 3,
	})

	fb.Ingest("a", NewEvent("a", "alarm", PriorityMedium))
	fb.Ingest("b", NewEvent("b", "alarm", PriorityMedium))

	result := fb.Fuse()
	if len(result.FusedEvents) != 0 {
		t.Errorf("expected no fusion below min_events, got %d", len(result.FusedEvents))
	}
	if result.UnfusedEvents != 2 {
		t.Errorf("expected 2 events to remain buffered, got %d", result.UnfusedEvents)
	}
}

func TestFusionBus_MalformedEvents_RejectedWithoutError(t *testing.T) {
	fb := testBus()

	if fb.Ingest("src", nil) {
		t.Error("nil event should be rejected")
	}
	if fb.Ingest("src", &Event{Type: "alarm"}) {
		t.Error("event without id should be rejected")
	}
	if fb.Ingest("src", &Event{ID: "e1"}) {
		t.Error("event without type should be rejected")
	}

	stats := fb.Stats()
	if stats["events_rejected"].(int64) != 3 {
		t.Errorf("expected 3 rejections, got %v", stats["events_rejected"])
	}
}

func TestFusionBus_DebounceDuplicateIDs(t *testing.T) {
	fb := testBus()

	ev := NewEvent("cam-1", "loitering", PriorityLow)
	if !fb.Ingest("cam-1", ev) {
		t.Fatal("first ingest should be accepted")
	}
	if fb.Ingest("cam-1", ev) {
		t.Error("duplicate id within debounce window should be coalesced")
	}

	status := fb.GetBufferStatus()
	if len(status) != 1 || status[0].Size != 1 {
		t.Errorf("expected exactly 1 buffered event, got %+v", status)
	}
	if fb.Stats()["events_duplicate"].(int64) != 1 {
		t.Error("expected duplicate counter incremented")
	}
}

func TestFusionBus_RateLimit(t *testing.T) {
	fb := testBus()
	fb.SetRateLimit("busy-source", 5)

	accepted := 0
	for i := 0; i < 10; i++ {
		ev := NewEvent("busy-source", "plate_hit", PriorityMedium)
		if fb.Ingest("busy-source", ev) {
			accepted++
		}
	}

	if accepted != 5 {
		t.Errorf("expected exactly 5 accepted with limit 5, got %d", accepted)
	}
	if fb.Stats()["events_rate_limited"].(int64) != 5 {
		t.Errorf("expected 5 rate limited, got %v", fb.Stats()["events_rate_limited"])
	}
}

func TestFusionBus_GeolocationRule_RequiresProximity(t *testing.T) {
	fb := testBus()
	_ = fb.AddFusionRule(&FusionRule{
		ID: "r-geo", Name: "proximity", Strategy: StrategyGeolocation,
		EventTypes: []string{"disturbance"}, TimeWindowSeconds: 60,
		DistanceThresholdM: 500, MinEvents: 2, Category: "disturbance_cluster",
	})

	near1 := NewEvent("a", "disturbance", PriorityMedium)
	near1.Location = &GeoPoint{Lat: 40.7128, Lon: -74.0060}
	near2 := NewEvent("b", "disturbance", PriorityMedium)
	near2.Location = &GeoPoint{Lat: 40.7130, Lon: -74.0062}
	far := NewEvent("c", "disturbance", PriorityMedium)
	far.Location = &GeoPoint{Lat: 41.0000, Lon: -75.0000}

	fb.Ingest("a", near1)
	fb.Ingest("b", near2)
	fb.Ingest("c", far)

	result := fb.Fuse()
	if len(result.FusedEvents) != 1 {
		t.Fatalf("expected 1 fused event from the near pair, got %d", len(result.FusedEvents))
	}
	fe := result.FusedEvents[0]
	if len(fe.SourceEventIDs) != 2 {
		t.Errorf("expected only the 2 nearby events fused, got %d", len(fe.SourceEventIDs))
	}
	for _, id := range fe.SourceEventIDs {
		if id == far.ID {
			t.Error("distant event must not be part of the fused incident")
		}
	}
	if fe.Location == nil {
		t.Error("geolocation fusion should carry a centroid location")
	}
}

func TestFusionBus_TieBreak_Deterministic(t *testing.T) {
	// Two rules match the same candidate set. The rule with the lexically
	// smaller id must win when priorities tie.
	for i := 0; i < 5; i++ {
		fb := testBus()
		_ = fb.AddFusionRule(&FusionRule{
			ID: "rule-b", Name: "b", Strategy: StrategyTimestamp,
			EventTypes: []string{"alarm"}, TimeWindowSeconds: 30, MinEvents: 2,
		})
		_ = fb.AddFusionRule(&FusionRule{
			ID: "rule-a", Name: "a", Strategy: StrategyTimestamp,
			EventTypes: []string{"alarm"}, TimeWindowSeconds: 30, MinEvents: 2,
		})

		fb.Ingest("x", NewEvent("x", "alarm", PriorityMedium))
		fb.Ingest("y", NewEvent("y", "alarm", PriorityMedium))

		result := fb.Fuse()
		if len(result.FusedEvents) != 1 {
			t.Fatalf("expected 1 fused event, got %d", len(result.FusedEvents))
		}
		if got := result.FusedEvents[0].Title; got != "a: 2 correlated events" {
			t.Fatalf("tie-break not deterministic, winning rule title %q", got)
		}
	}
}

func TestFusionBus_HigherPrioritySourceWinsTieBreak(t *testing.T) {
	fb := testBus()
	// rule-z matches the critical event type; rule-a matches a medium one.
	// Despite the lexical order, rule-z must fuse first because its
	// candidates include the higher-priority event.
	_ = fb.AddFusionRule(&FusionRule{
		ID: "rule-a", Name: "medium", Strategy: StrategyTimestamp,
		EventTypes: []string{"loitering"}, TimeWindowSeconds: 30, MinEvents: 2,
	})
	_ = fb.AddFusionRule(&FusionRule{
		ID: "rule-z", Name: "critical", Strategy: StrategyTimestamp,
		EventTypes: []string{"gunshot_detected"}, TimeWindowSeconds: 30, MinEvents: 2,
	})

	fb.Ingest("a", NewEvent("a", "loitering", PriorityMedium))
	fb.Ingest("b", NewEvent("b", "loitering", PriorityMedium))
	fb.Ingest("c", NewEvent("c", "gunshot_detected", PriorityCritical))
	fb.Ingest("d", NewEvent("d", "gunshot_detected", PriorityCritical))

	result := fb.Fuse()
	if len(result.FusedEvents) != 2 {
		t.Fatalf("expected 2 fused events, got %d", len(result.FusedEvents))
	}
	if result.FusedEvents[0].Priority != PriorityCritical {
		t.Errorf("expected the critical rule to fuse first, got priority %s", result.FusedEvents[0].Priority)
	}
}

func TestFusionBus_BufferOverflow_DropsOldest(t *testing.T) {
	cfg := DefaultFusionBusConfig()
	cfg.MaxBufferSize = 3
	fb := NewFusionBus(testLogger(), cfg)

	for i := 0; i < 5; i++ {
		fb.Ingest("src", NewEvent("src", "ping", PriorityLow))
	}

	status := fb.GetBufferStatus()
	if len(status) != 1 || status[0].Size != 3 {
		t.Fatalf("expected buffer capped at 3, got %+v", status)
	}
	if fb.Stats()["events_overflowed"].(int64) != 2 {
		t.Errorf("expected 2 overflow drops, got %v", fb.Stats()["events_overflowed"])
	}
}

func TestFusionBus_AgeOut(t *testing.T) {
	cfg := DefaultFusionBusConfig()
	cfg.EventMaxAge = 10 * time.Millisecond
	fb := NewFusionBus(testLogger(), cfg)

	fb.Ingest("src", NewEvent("src", "ping", PriorityLow))
	time.Sleep(20 * time.Millisecond)

	result := fb.Fuse()
	if result.UnfusedEvents != 0 {
		t.Errorf("expected aged-out event to be dropped, got %d buffered", result.UnfusedEvents)
	}
}

func TestFusionBus_EventHistory(t *testing.T) {
	fb := testBus()
	for i := 0; i < 5; i++ {
		fb.Ingest("src", NewEvent("src", "ping", PriorityLow))
	}

	history := fb.GetEventHistory(3)
	if len(history) != 3 {
		t.Errorf("expected 3 history entries, got %d", len(history))
	}
	all := fb.GetEventHistory(0)
	if len(all) != 5 {
		t.Errorf("expected 5 history entries, got %d", len(all))
	}
}

func TestFusionBus_RemoveFusionRule(t *testing.T) {
	fb := testBus()
	_ = fb.AddFusionRule(&FusionRule{
		ID: "r1", Name: "r1", Strategy: StrategyTimestamp,
		EventTypes: []string{"alarm"}, TimeWindowSeconds: 30, MinEvents: 2,
	})

	if !fb.RemoveFusionRule("r1") {
		t.Error("expected removal of known rule to succeed")
	}
	if fb.RemoveFusionRule("r1") {
		t.Error("expected removal of unknown rule to fail")
	}
}

func TestFusionConfidence_MonotonicInCount(t *testing.T) {
	window := 30 * time.Second
	c2 := fusionConfidence(2, 10*time.Second, window, 0, 0, StrategyTimestamp)
	c4 := fusionConfidence(4, 10*time.Second, window, 0, 0, StrategyTimestamp)
	if c4 < c2 {
		t.Errorf("confidence should not decrease with more events: %f vs %f", c2, c4)
	}

	tight := fusionConfidence(2, 1*time.Second, window, 0, 0, StrategyTimestamp)
	loose := fusionConfidence(2, 29*time.Second, window, 0, 0, StrategyTimestamp)
	if tight < loose {
		t.Errorf("confidence should not decrease with tighter spread: %f vs %f", loose, tight)
	}
}
