package orchestration

import (
	"fmt"
	"sort"
	"sync"

	"github.com/rs/zerolog"
)

// ExecutionMode selects how a step runs relative to its neighbors.
type ExecutionMode string

const (
	ModeSequential ExecutionMode = "SEQUENTIAL"
	ModeParallel   ExecutionMode = "PARALLEL"
)

// TriggerType enumerates what can start a workflow.
type TriggerType string

const (
	TriggerEvent    TriggerType = "EVENT"
	TriggerSchedule TriggerType = "SCHEDULE"
	TriggerManual   TriggerType = "MANUAL"
)

// WorkflowTrigger declares a condition that starts a workflow.
type WorkflowTrigger struct {
	Type       TriggerType `json:"type" yaml:"type"`
	EventTypes []string    `json:"event_types,omitempty" yaml:"event_types"`
}

// WorkflowStep is one action in a workflow definition.
type WorkflowStep struct {
	ID                   string            `json:"id" yaml:"id"`
	Name                 string            `json:"name" yaml:"name"`
	ActionType           string            `json:"action_type" yaml:"action_type"`
	TargetSubsystem      string            `json:"target_subsystem" yaml:"target_subsystem"`
	Parameters           map[string]string `json:"parameters,omitempty" yaml:"parameters"`
	ExecutionMode        ExecutionMode     `json:"execution_mode" yaml:"execution_mode"`
	TimeoutSeconds       int               `json:"timeout_seconds" yaml:"timeout_seconds"`
	Guardrails           []string          `json:"guardrails,omitempty" yaml:"guardrails"`
	MaxRetries           int               `json:"max_retries" yaml:"max_retries"`
	RequiresConfirmation bool              `json:"requires_confirmation" yaml:"requires_confirmation"`
	RequiredResourceType string            `json:"required_resource_type,omitempty" yaml:"required_resource_type"`
	ContinueOnFailure    bool              `json:"continue_on_failure" yaml:"continue_on_failure"`
}

// WorkflowDefinition is an immutable workflow template, registered once and
// looked up by ID.
type WorkflowDefinition struct {
	ID                string            `json:"id" yaml:"id"`
	Name              string            `json:"name" yaml:"name"`
	Priority          Priority          `json:"priority" yaml:"priority"`
	Steps             []WorkflowStep    `json:"steps" yaml:"steps"`
	Triggers          []WorkflowTrigger `json:"triggers" yaml:"triggers"`
	Guardrails        []string          `json:"guardrails,omitempty" yaml:"guardrails"`
	LegalGuardrails   []string          `json:"legal_guardrails,omitempty" yaml:"legal_guardrails"`
	EthicalGuardrails []string          `json:"ethical_guardrails,omitempty" yaml:"ethical_guardrails"`
	TimeoutSeconds    int               `json:"timeout_seconds" yaml:"timeout_seconds"`
	RequiredInputs    []string          `json:"required_inputs,omitempty" yaml:"required_inputs"`
	Enabled           bool              `json:"enabled" yaml:"enabled"`
}

// workflowStore holds registered definitions. Reads are frequent (routing,
// execution start); writes only on registration.
type workflowStore struct {
	mu        sync.RWMutex
	logger    zerolog.Logger
	workflows map[string]*WorkflowDefinition
}

func newWorkflowStore(logger zerolog.Logger) *workflowStore {
	return &workflowStore{
		logger:    logger.With().Str("component", "workflow_store").Logger(),
		workflows: make(map[string]*WorkflowDefinition),
	}
}

// Register validates and stores a workflow definition.
func (ws *workflowStore) Register(def *WorkflowDefinition) error {
	if def.ID == "" {
		return fmt.Errorf("workflow must have an id")
	}
	if len(def.Steps) == 0 {
		return fmt.Errorf("workflow %q has no steps", def.ID)
	}
	if def.TimeoutSeconds <= 0 {
		return fmt.Errorf("workflow %q must have a positive timeout", def.ID)
	}
	seen := make(map[string]bool, len(def.Steps))
	for i := range def.Steps {
		step := &def.Steps[i]
		if step.ID == "" {
			return fmt.Errorf("workflow %q step %d has no id", def.ID, i)
		}
		if seen[step.ID] {
			return fmt.Errorf("workflow %q has duplicate step id %q", def.ID, step.ID)
		}
		seen[step.ID] = true
		if step.TimeoutSeconds <= 0 {
			return fmt.Errorf("workflow %q step %q must have a positive timeout", def.ID, step.ID)
		}
		if step.ExecutionMode == "" {
			step.ExecutionMode = ModeSequential
		}
	}
	for _, trig := range def.Triggers {
		if trig.Type == TriggerEvent && len(trig.EventTypes) == 0 {
			return fmt.Errorf("workflow %q has an EVENT trigger with no event types", def.ID)
		}
	}

	ws.mu.Lock()
	defer ws.mu.Unlock()
	if _, exists := ws.workflows[def.ID]; exists {
		return fmt.Errorf("workflow %q already registered", def.ID)
	}
	ws.workflows[def.ID] = def

	ws.logger.Info().
		Str("workflow", def.ID).
		Int("steps", len(def.Steps)).
		Int("triggers", len(def.Triggers)).
		Msg("workflow registered")
	return nil
}

// Get returns a workflow by ID.
func (ws *workflowStore) Get(id string) (*WorkflowDefinition, bool) {
	ws.mu.RLock()
	defer ws.mu.RUnlock()
	def, ok := ws.workflows[id]
	return def, ok
}

// All returns all registered workflows sorted by ID.
func (ws *workflowStore) All() []*WorkflowDefinition {
	ws.mu.RLock()
	defer ws.mu.RUnlock()
	out := make([]*WorkflowDefinition, 0, len(ws.workflows))
	for _, def := range ws.workflows {
		out = append(out, def)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}
