package orchestration

import (
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// PolicyEffect is the outcome a binding imposes on a matching action.
type PolicyEffect string

const (
	EffectAllow              PolicyEffect = "ALLOW"
	EffectDeny               PolicyEffect = "DENY"
	EffectRequireConfirmation PolicyEffect = "REQUIRE_CONFIRMATION"
)

// PolicyBinding attaches a guardrail rule to workflows and action types.
// AppliesTo is matched against both the workflow ID and the action type;
// a trailing "*" matches any suffix and a bare "*" matches everything.
type PolicyBinding struct {
	ID        string       `json:"id" yaml:"id"`
	AppliesTo string       `json:"applies_to" yaml:"applies_to"`
	Rule      string       `json:"rule" yaml:"rule"`
	Effect    PolicyEffect `json:"effect" yaml:"effect"`
}

// PolicyCheckResult is the verdict for one proposed workflow step or action.
type PolicyCheckResult struct {
	Allowed              bool            `json:"allowed"`
	RequiresConfirmation bool            `json:"requires_confirmation"`
	ViolatedBindings     []PolicyBinding `json:"violated_bindings,omitempty"`
	Reason               string          `json:"reason"`
}

// PolicyCheckRecord is the audit entry for one policy evaluation.
type PolicyCheckRecord struct {
	ID         string            `json:"id"`
	Timestamp  time.Time         `json:"timestamp"`
	WorkflowID string            `json:"workflow_id"`
	ActionType string            `json:"action_type"`
	Result     PolicyCheckResult `json:"result"`
}

// PolicyEngine evaluates guardrail bindings before workflow steps execute.
// Checks never mutate binding definitions and are safe to invoke concurrently
// from multiple in-flight executions.
type PolicyEngine struct {
	mu         sync.RWMutex
	logger     zerolog.Logger
	bindings   map[string]*PolicyBinding
	history    []*PolicyCheckRecord
	maxHistory int

	checksTotal  int64
	checksDenied int64
}

// NewPolicyEngine creates a policy engine with a bounded check history.
func NewPolicyEngine(logger zerolog.Logger, maxHistory int) *PolicyEngine {
	if maxHistory <= 0 {
		maxHistory = 5000
	}
	return &PolicyEngine{
		logger:     logger.With().Str("component", "policy_engine").Logger(),
		bindings:   make(map[string]*PolicyBinding),
		history:    make([]*PolicyCheckRecord, 0, 256),
		maxHistory: maxHistory,
	}
}

// AddBinding registers a policy binding.
func (pe *PolicyEngine) AddBinding(b *PolicyBinding) error {
	if b.ID == "" {
		return fmt.Errorf("policy binding must have an id")
	}
	if b.AppliesTo == "" {
		return fmt.Errorf("policy binding %q must declare applies_to", b.ID)
	}
	switch b.Effect {
	case EffectAllow, EffectDeny, EffectRequireConfirmation:
	default:
		return fmt.Errorf("policy binding %q has unknown effect %q", b.ID, b.Effect)
	}

	pe.mu.Lock()
	pe.bindings[b.ID] = b
	pe.mu.Unlock()

	pe.logger.Info().
		Str("binding", b.ID).
		Str("applies_to", b.AppliesTo).
		Str("effect", string(b.Effect)).
		Msg("policy binding registered")
	return nil
}

// RemoveBinding deletes a binding. Returns false if unknown.
func (pe *PolicyEngine) RemoveBinding(id string) bool {
	pe.mu.Lock()
	defer pe.mu.Unlock()
	if _, ok := pe.bindings[id]; !ok {
		return false
	}
	delete(pe.bindings, id)
	return true
}

// GetBindings returns all registered bindings sorted by ID.
func (pe *PolicyEngine) GetBindings() []*PolicyBinding {
	pe.mu.RLock()
	defer pe.mu.RUnlock()
	out := make([]*PolicyBinding, 0, len(pe.bindings))
	for _, b := range pe.bindings {
		out = append(out, b)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// GetApplicableBindings returns the bindings whose pattern matches the given
// workflow or action type.
func (pe *PolicyEngine) GetApplicableBindings(workflowID, actionType string) []*PolicyBinding {
	pe.mu.RLock()
	defer pe.mu.RUnlock()
	out := make([]*PolicyBinding, 0)
	for _, b := range pe.bindings {
		if patternMatches(b.AppliesTo, workflowID) || patternMatches(b.AppliesTo, actionType) {
			out = append(out, b)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// patternMatches implements exact match plus a trailing-star prefix wildcard.
func patternMatches(pattern, value string) bool {
	if pattern == "*" {
		return true
	}
	if strings.HasSuffix(pattern, "*") {
		return strings.HasPrefix(value, strings.TrimSuffix(pattern, "*"))
	}
	return pattern == value
}

// Check evaluates every applicable binding. Any DENY makes the result
// disallowed; otherwise any REQUIRE_CONFIRMATION makes it allowed-with-
// confirmation. Every check is recorded to the audit history.
func (pe *PolicyEngine) Check(workflowID, actionType string, params map[string]string) PolicyCheckResult {
	applicable := pe.GetApplicableBindings(workflowID, actionType)

	result := PolicyCheckResult{Allowed: true, Reason: "no applicable bindings"}
	if len(applicable) > 0 {
		result.Reason = fmt.Sprintf("%d applicable bindings, all allow", len(applicable))
	}
	for _, b := range applicable {
		switch b.Effect {
		case EffectDeny:
			result.Allowed = false
			result.RequiresConfirmation = false
			result.ViolatedBindings = append(result.ViolatedBindings, *b)
			result.Reason = fmt.Sprintf("denied by binding %s (%s)", b.ID, b.Rule)
		case EffectRequireConfirmation:
			if result.Allowed {
				result.RequiresConfirmation = true
				result.Reason = fmt.Sprintf("binding %s requires confirmation (%s)", b.ID, b.Rule)
			}
		}
	}

	record := &PolicyCheckRecord{
		ID:         uuid.New().String(),
		Timestamp:  time.Now().UTC(),
		WorkflowID: workflowID,
		ActionType: actionType,
		Result:     result,
	}

	pe.mu.Lock()
	pe.checksTotal++
	if !result.Allowed {
		pe.checksDenied++
	}
	if len(pe.history) >= pe.maxHistory {
		pe.history = pe.history[pe.maxHistory/10:]
	}
	pe.history = append(pe.history, record)
	pe.mu.Unlock()

	if !result.Allowed {
		pe.logger.Warn().
			Str("workflow", workflowID).
			Str("action_type", actionType).
			Str("reason", result.Reason).
			Msg("policy check denied")
	}
	return result
}

// GetCheckHistory returns recent policy check records, newest last.
func (pe *PolicyEngine) GetCheckHistory(limit int) []*PolicyCheckRecord {
	pe.mu.RLock()
	defer pe.mu.RUnlock()
	if limit <= 0 || limit > len(pe.history) {
		limit = len(pe.history)
	}
	start := len(pe.history) - limit
	result := make([]*PolicyCheckRecord, 0, limit)
	for i := start; i < len(pe.history); i++ {
		result = append(result, pe.history[i])
	}
	return result
}

// Stats returns policy engine counters.
func (pe *PolicyEngine) Stats() map[string]interface{} {
	pe.mu.RLock()
	defer pe.mu.RUnlock()
	return map[string]interface{}{
		"bindings":      len(pe.bindings),
		"checks_total":  pe.checksTotal,
		"checks_denied": pe.checksDenied,
		"history_size":  len(pe.history),
	}
}
