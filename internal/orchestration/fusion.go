package orchestration

import (
	"fmt"
	"math"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
)

// FusionRule describes how buffered events are correlated into a FusedEvent.
type FusionRule struct {
	ID                 string         `json:"id" yaml:"id"`
	Name               string         `json:"name" yaml:"name"`
	Strategy           FusionStrategy `json:"strategy" yaml:"strategy"`
	EventTypes         []string       `json:"event_types" yaml:"event_types"`
	TimeWindowSeconds  int            `json:"time_window_seconds" yaml:"time_window_seconds"`
	DistanceThresholdM float64        `json:"distance_threshold_m,omitempty" yaml:"distance_threshold_m"`
	MinEvents          int            `json:"min_events" yaml:"min_events"`
	Category           string         `json:"category" yaml:"category"`
}

// FusionResult is the outcome of a single fusion pass.
type FusionResult struct {
	FusedEvents      []*FusedEvent `json:"fused_events"`
	UnfusedEvents    int           `json:"unfused_events"`
	FusionRate       float64       `json:"fusion_rate"`
	ProcessingTimeMs int64         `json:"processing_time_ms"`
}

// BufferStatus describes one source buffer for external inspection.
type BufferStatus struct {
	SourceID  string    `json:"source_id"`
	Size      int       `json:"size"`
	MaxSize   int       `json:"max_size"`
	OldestAt  time.Time `json:"oldest_at,omitempty"`
	NewestAt  time.Time `json:"newest_at,omitempty"`
	RateLimit float64   `json:"rate_limit,omitempty"`
}

// sourceBuffer holds buffered events for one source. Overflow drops oldest.
type sourceBuffer struct {
	events  []*Event
	limiter *rate.Limiter
}

// FusionBus ingests raw events per source, buffers and rate-limits them, and
// correlates buffered events into FusedEvents on each Fuse pass.
type FusionBus struct {
	mu       sync.Mutex
	logger   zerolog.Logger
	buffers  map[string]*sourceBuffer
	rules    map[string]*FusionRule
	debounce *eventDebounce
	history  []*Event

	maxBufferSize int
	maxHistory    int
	eventMaxAge   time.Duration

	// Counters
	received    int64
	rejected    int64
	rateLimited int64
	duplicates  int64
	overflowed  int64
	fusedTotal  int64
	fusePasses  int64
}

// FusionBusConfig controls buffer sizing and debounce behavior.
type FusionBusConfig struct {
	MaxBufferSize int           `yaml:"max_buffer_size"`
	MaxHistory    int           `yaml:"max_history"`
	DebounceTTL   time.Duration `yaml:"debounce_ttl"`
	EventMaxAge   time.Duration `yaml:"event_max_age"`
}

// DefaultFusionBusConfig returns sane defaults.
func DefaultFusionBusConfig() FusionBusConfig {
	return FusionBusConfig{
		MaxBufferSize: 1000,
		MaxHistory:    5000,
		DebounceTTL:   10 * time.Second,
		EventMaxAge:   10 * time.Minute,
	}
}

// NewFusionBus creates a fusion bus.
func NewFusionBus(logger zerolog.Logger, cfg FusionBusConfig) *FusionBus {
	if cfg.MaxBufferSize <= 0 {
		cfg.MaxBufferSize = 1000
	}
	if cfg.MaxHistory <= 0 {
		cfg.MaxHistory = 5000
	}
	if cfg.EventMaxAge <= 0 {
		cfg.EventMaxAge = 10 * time.Minute
	}
	return &FusionBus{
		logger:        logger.With().Str("component", "fusion_bus").Logger(),
		buffers:       make(map[string]*sourceBuffer),
		rules:         make(map[string]*FusionRule),
		debounce:      newEventDebounce(cfg.DebounceTTL, 0),
		history:       make([]*Event, 0, 256),
		maxBufferSize: cfg.MaxBufferSize,
		maxHistory:    cfg.MaxHistory,
		eventMaxAge:   cfg.EventMaxAge,
	}
}

// Ingest buffers a raw event for its source. Malformed events (missing ID or
// type) are rejected without error; events above the source's rate limit are
// silently dropped; duplicate IDs within the debounce window are coalesced.
// Returns true if the event was buffered.
func (fb *FusionBus) Ingest(sourceID string, event *Event) bool {
	if event == nil || event.ID == "" || event.Type == "" {
		fb.mu.Lock()
		fb.rejected++
		fb.mu.Unlock()
		fb.logger.Debug().Str("source_id", sourceID).Msg("malformed event rejected")
		return false
	}

	fb.mu.Lock()
	fb.received++
	buf, ok := fb.buffers[sourceID]
	if !ok {
		buf = &sourceBuffer{events: make([]*Event, 0, 64)}
		fb.buffers[sourceID] = buf
	}
	limiter := buf.limiter
	fb.mu.Unlock()

	if limiter != nil && !limiter.Allow() {
		fb.mu.Lock()
		fb.rateLimited++
		fb.mu.Unlock()
		return false
	}

	if fb.debounce.IsDuplicate(event.ID) {
		fb.mu.Lock()
		fb.duplicates++
		fb.mu.Unlock()
		return false
	}

	fb.mu.Lock()
	defer fb.mu.Unlock()

	if len(buf.events) >= fb.maxBufferSize {
		buf.events = buf.events[1:]
		fb.overflowed++
	}
	buf.events = append(buf.events, event)

	if len(fb.history) >= fb.maxHistory {
		fb.history = fb.history[fb.maxHistory/10:]
	}
	fb.history = append(fb.history, event)

	fb.logger.Debug().
		Str("event_id", event.ID).
		Str("source_id", sourceID).
		Str("type", event.Type).
		Str("priority", event.Priority.String()).
		Msg("event buffered")
	return true
}

// SetRateLimit caps a source at n events per second (burst n). n <= 0 removes
// the limit.
func (fb *FusionBus) SetRateLimit(sourceID string, n int) {
	fb.mu.Lock()
	defer fb.mu.Unlock()
	buf, ok := fb.buffers[sourceID]
	if !ok {
		buf = &sourceBuffer{events: make([]*Event, 0, 64)}
		fb.buffers[sourceID] = buf
	}
	if n <= 0 {
		buf.limiter = nil
		return
	}
	buf.limiter = rate.NewLimiter(rate.Limit(n), n)
	fb.logger.Info().Str("source_id", sourceID).Int("events_per_sec", n).Msg("rate limit set")
}

// AddFusionRule registers a correlation rule.
func (fb *FusionBus) AddFusionRule(rule *FusionRule) error {
	if rule.ID == "" {
		return fmt.Errorf("fusion rule must have an id")
	}
	if len(rule.EventTypes) == 0 {
		return fmt.Errorf("fusion rule %q has no event types", rule.ID)
	}
	if rule.MinEvents < 2 {
		rule.MinEvents = 2
	}
	if rule.TimeWindowSeconds <= 0 {
		return fmt.Errorf("fusion rule %q has no time window", rule.ID)
	}

	fb.mu.Lock()
	fb.rules[rule.ID] = rule
	fb.mu.Unlock()

	fb.logger.Info().Str("rule", rule.ID).Str("strategy", string(rule.Strategy)).Msg("fusion rule registered")
	return nil
}

// RemoveFusionRule deletes a rule. Returns false if unknown.
func (fb *FusionBus) RemoveFusionRule(ruleID string) bool {
	fb.mu.Lock()
	defer fb.mu.Unlock()
	if _, ok := fb.rules[ruleID]; !ok {
		return false
	}
	delete(fb.rules, ruleID)
	return true
}

// GetFusionRules returns all registered rules.
func (fb *FusionBus) GetFusionRules() []*FusionRule {
	fb.mu.Lock()
	defer fb.mu.Unlock()
	rules := make([]*FusionRule, 0, len(fb.rules))
	for _, r := range fb.rules {
		rules = append(rules, r)
	}
	sort.Slice(rules, func(i, j int) bool { return rules[i].ID < rules[j].ID })
	return rules
}

// ruleMatch is a candidate group of events matched by one rule.
type ruleMatch struct {
	rule         *FusionRule
	events       []*Event
	bestPriority Priority
}

// Fuse runs one correlation pass over all buffers. Matched events are
// consumed; unmatched events remain buffered until they age out. When two
// rules match overlapping candidate sets, the rule whose candidates include
// the highest-priority event wins; remaining ties break by ascending rule ID.
func (fb *FusionBus) Fuse() *FusionResult {
	start := time.Now()

	fb.mu.Lock()
	defer fb.mu.Unlock()

	fb.fusePasses++
	fb.expireLocked(start)

	matches := make([]*ruleMatch, 0)
	for _, rule := range fb.rules {
		if m := fb.matchRuleLocked(rule, start); m != nil {
			matches = append(matches, m)
		}
	}

	// Deterministic arbitration between overlapping matches.
	sort.Slice(matches, func(i, j int) bool {
		if matches[i].bestPriority != matches[j].bestPriority {
			return matches[i].bestPriority < matches[j].bestPriority
		}
		return matches[i].rule.ID < matches[j].rule.ID
	})

	consumed := make(map[string]bool)
	fused := make([]*FusedEvent, 0, len(matches))
	for _, m := range matches {
		remaining := make([]*Event, 0, len(m.events))
		for _, ev := range m.events {
			if !consumed[ev.ID] {
				remaining = append(remaining, ev)
			}
		}
		if len(remaining) < m.rule.MinEvents {
			continue
		}
		fe := fb.buildFusedEvent(m.rule, remaining)
		fused = append(fused, fe)
		for _, ev := range remaining {
			consumed[ev.ID] = true
		}
	}

	unfused := 0
	for _, buf := range fb.buffers {
		kept := buf.events[:0]
		for _, ev := range buf.events {
			if !consumed[ev.ID] {
				kept = append(kept, ev)
			}
		}
		buf.events = kept
		unfused += len(kept)
	}

	fb.fusedTotal += int64(len(fused))

	total := len(consumed) + unfused
	fusionRate := 0.0
	if total > 0 {
		fusionRate = float64(len(consumed)) / float64(total)
	}

	if len(fused) > 0 {
		fb.logger.Info().
			Int("fused", len(fused)).
			Int("consumed_events", len(consumed)).
			Int("unfused", unfused).
			Msg("fusion pass produced incidents")
	}

	return &FusionResult{
		FusedEvents:      fused,
		UnfusedEvents:    unfused,
		FusionRate:       fusionRate,
		ProcessingTimeMs: time.Since(start).Milliseconds(),
	}
}

// expireLocked drops buffered events older than eventMaxAge.
func (fb *FusionBus) expireLocked(now time.Time) {
	cutoff := now.Add(-fb.eventMaxAge)
	for _, buf := range fb.buffers {
		kept := buf.events[:0]
		for _, ev := range buf.events {
			if ev.ReceivedAt.After(cutoff) {
				kept = append(kept, ev)
			}
		}
		buf.events = kept
	}
}

// matchRuleLocked finds the candidate event group for one rule, or nil.
func (fb *FusionBus) matchRuleLocked(rule *FusionRule, now time.Time) *ruleMatch {
	typeSet := make(map[string]bool, len(rule.EventTypes))
	for _, t := range rule.EventTypes {
		typeSet[t] = true
	}

	candidates := make([]*Event, 0)
	for _, buf := range fb.buffers {
		for _, ev := range buf.events {
			if typeSet[ev.Type] {
				candidates = append(candidates, ev)
			}
		}
	}
	if len(candidates) < rule.MinEvents {
		return nil
	}

	sort.Slice(candidates, func(i, j int) bool {
		return candidates[i].ReceivedAt.Before(candidates[j].ReceivedAt)
	})

	window := time.Duration(rule.TimeWindowSeconds) * time.Second

	// Greedy: anchor on each candidate in turn and take everything within the
	// window (and distance gate, if geolocation). First anchor that yields
	// min_events wins.
	for i, anchor := range candidates {
		group := []*Event{anchor}
		for _, ev := range candidates[i+1:] {
			if ev.ReceivedAt.Sub(anchor.ReceivedAt) > window {
				break
			}
			if rule.Strategy == StrategyGeolocation && !withinDistance(group, ev, rule.DistanceThresholdM) {
				continue
			}
			group = append(group, ev)
		}
		if rule.Strategy == StrategyGeolocation {
			group = filterLocated(group)
		}
		if len(group) >= rule.MinEvents {
			best := group[0].Priority
			for _, ev := range group {
				if ev.Priority < best {
					best = ev.Priority
				}
			}
			return &ruleMatch{rule: rule, events: group, bestPriority: best}
		}
	}
	return nil
}

func filterLocated(events []*Event) []*Event {
	out := events[:0]
	for _, ev := range events {
		if ev.Location != nil {
			out = append(out, ev)
		}
	}
	return out
}

// withinDistance reports whether ev is within thresholdM of every located
// event already in the group.
func withinDistance(group []*Event, ev *Event, thresholdM float64) bool {
	if ev.Location == nil {
		return false
	}
	for _, g := range group {
		if g.Location == nil {
			continue
		}
		if haversineMeters(*g.Location, *ev.Location) > thresholdM {
			return false
		}
	}
	return true
}

// haversineMeters returns the great-circle distance between two points.
func haversineMeters(a, b GeoPoint) float64 {
	const earthRadiusM = 6371000.0
	lat1 := a.Lat * math.Pi / 180
	lat2 := b.Lat * math.Pi / 180
	dLat := (b.Lat - a.Lat) * math.Pi / 180
	dLon := (b.Lon - a.Lon) * math.Pi / 180
	h := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Cos(lat1)*math.Cos(lat2)*math.Sin(dLon/2)*math.Sin(dLon/2)
	return 2 * earthRadiusM * math.Asin(math.Sqrt(h))
}

func (fb *FusionBus) buildFusedEvent(rule *FusionRule, events []*Event) *FusedEvent {
	ids := make([]string, 0, len(events))
	best := events[0].Priority
	first := events[0].ReceivedAt
	last := events[0].ReceivedAt
	for _, ev := range events {
		ids = append(ids, ev.ID)
		if ev.Priority < best {
			best = ev.Priority
		}
		if ev.ReceivedAt.Before(first) {
			first = ev.ReceivedAt
		}
		if ev.ReceivedAt.After(last) {
			last = ev.ReceivedAt
		}
	}
	sort.Strings(ids)

	spread := last.Sub(first)
	window := time.Duration(rule.TimeWindowSeconds) * time.Second

	explain := []string{
		fmt.Sprintf("rule %s (%s) matched %d events of types [%s]",
			rule.ID, rule.Strategy, len(events), strings.Join(rule.EventTypes, ", ")),
		fmt.Sprintf("time spread %s within %s window", spread.Round(time.Millisecond), window),
	}

	var loc *GeoPoint
	var maxDist float64
	if rule.Strategy == StrategyGeolocation {
		loc, maxDist = centroidAndSpread(events)
		explain = append(explain, fmt.Sprintf("spatial spread %.0fm within %.0fm threshold", maxDist, rule.DistanceThresholdM))
	} else if loc = firstLocation(events); loc != nil {
		explain = append(explain, "location taken from earliest located event")
	}

	confidence := fusionConfidence(len(events), spread, window, maxDist, rule.DistanceThresholdM, rule.Strategy)
	explain = append(explain, fmt.Sprintf("confidence %.2f from event count, time spread and spatial tightness", confidence))

	category := rule.Category
	if category == "" {
		category = rule.EventTypes[0]
	}

	return &FusedEvent{
		ID:                 uuid.New().String(),
		SourceEventIDs:     ids,
		Strategy:           rule.Strategy,
		Category:           category,
		Priority:           best,
		Title:              fmt.Sprintf("%s: %d correlated events", rule.Name, len(events)),
		Summary:            fmt.Sprintf("%d events correlated by rule %s over %s", len(events), rule.ID, spread.Round(time.Second)),
		Location:           loc,
		Confidence:         confidence,
		ExplainabilityLog:  explain,
		RecommendedActions: recommendedActions(category, best),
		CreatedAt:          time.Now().UTC(),
	}
}

// fusionConfidence is monotonic in event count and in temporal/spatial
// tightness, bounded to (0, 1].
func fusionConfidence(count int, spread, window time.Duration, maxDist, distThreshold float64, strategy FusionStrategy) float64 {
	c := 0.5 + 0.08*float64(count-2)
	if window > 0 {
		tight := 1 - spread.Seconds()/window.Seconds()
		if tight < 0 {
			tight = 0
		}
		c += 0.2 * tight
	}
	if strategy == StrategyGeolocation && distThreshold > 0 {
		tight := 1 - maxDist/distThreshold
		if tight < 0 {
			tight = 0
		}
		c += 0.15 * tight
	}
	if c > 1 {
		c = 1
	}
	if c <= 0 {
		c = 0.01
	}
	return c
}

func firstLocation(events []*Event) *GeoPoint {
	for _, ev := range events {
		if ev.Location != nil {
			p := *ev.Location
			return &p
		}
	}
	return nil
}

// centroidAndSpread returns the centroid of located events and the maximum
// pairwise distance in meters.
func centroidAndSpread(events []*Event) (*GeoPoint, float64) {
	var lat, lon float64
	located := make([]*Event, 0, len(events))
	for _, ev := range events {
		if ev.Location != nil {
			located = append(located, ev)
			lat += ev.Location.Lat
			lon += ev.Location.Lon
		}
	}
	if len(located) == 0 {
		return nil, 0
	}
	centroid := &GeoPoint{Lat: lat / float64(len(located)), Lon: lon / float64(len(located))}
	var max float64
	for i := 0; i < len(located); i++ {
		for j := i + 1; j < len(located); j++ {
			if d := haversineMeters(*located[i].Location, *located[j].Location); d > max {
				max = d
			}
		}
	}
	return centroid, max
}

func recommendedActions(category string, priority Priority) []string {
	actions := []string{"review correlated source events for context"}
	if priority <= PriorityHigh {
		actions = append(actions, "dispatch nearest available unit to "+category+" incident")
	}
	if priority == PriorityCritical {
		actions = append(actions, "launch drone overwatch of the incident area")
	}
	return actions
}

// GetBufferStatus returns per-source buffer states, sorted by source ID.
func (fb *FusionBus) GetBufferStatus() []BufferStatus {
	fb.mu.Lock()
	defer fb.mu.Unlock()

	out := make([]BufferStatus, 0, len(fb.buffers))
	for src, buf := range fb.buffers {
		bs := BufferStatus{SourceID: src, Size: len(buf.events), MaxSize: fb.maxBufferSize}
		if len(buf.events) > 0 {
			bs.OldestAt = buf.events[0].ReceivedAt
			bs.NewestAt = buf.events[len(buf.events)-1].ReceivedAt
		}
		if buf.limiter != nil {
			bs.RateLimit = float64(buf.limiter.Limit())
		}
		out = append(out, bs)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].SourceID < out[j].SourceID })
	return out
}

// GetEventHistory returns the most recent ingested events, newest last.
func (fb *FusionBus) GetEventHistory(limit int) []*Event {
	fb.mu.Lock()
	defer fb.mu.Unlock()
	if limit <= 0 || limit > len(fb.history) {
		limit = len(fb.history)
	}
	start := len(fb.history) - limit
	result := make([]*Event, 0, limit)
	for i := start; i < len(fb.history); i++ {
		result = append(result, fb.history[i])
	}
	return result
}

// Stats returns a snapshot of fusion bus counters.
func (fb *FusionBus) Stats() map[string]interface{} {
	fb.mu.Lock()
	defer fb.mu.Unlock()

	buffered := 0
	for _, buf := range fb.buffers {
		buffered += len(buf.events)
	}
	return map[string]interface{}{
		"events_received":     fb.received,
		"events_rejected":     fb.rejected,
		"events_rate_limited": fb.rateLimited,
		"events_duplicate":    fb.duplicates,
		"events_overflowed":   fb.overflowed,
		"events_buffered":     buffered,
		"fused_total":         fb.fusedTotal,
		"fusion_passes":       fb.fusePasses,
		"rules":               len(fb.rules),
		"sources":             len(fb.buffers),
	}
}
