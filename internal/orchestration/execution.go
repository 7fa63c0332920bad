package orchestration

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// ExecutionStatus is the lifecycle state of one workflow execution.
// Terminal states are absorbing.
type ExecutionStatus string

const (
	ExecPending         ExecutionStatus = "PENDING"
	ExecRunning         ExecutionStatus = "RUNNING"
	ExecWaitingApproval ExecutionStatus = "WAITING_APPROVAL"
	ExecCompleted       ExecutionStatus = "COMPLETED"
	ExecFailed          ExecutionStatus = "FAILED"
	ExecCancelled       ExecutionStatus = "CANCELLED"
	ExecTimedOut        ExecutionStatus = "TIMED_OUT"
)

// IsTerminal reports whether the status can no longer change.
func (s ExecutionStatus) IsTerminal() bool {
	switch s {
	case ExecCompleted, ExecFailed, ExecCancelled, ExecTimedOut:
		return true
	}
	return false
}

// StepStatus is the outcome of one step attempt series.
type StepStatus string

const (
	StepSuccess   StepStatus = "SUCCESS"
	StepFailed    StepStatus = "FAILED"
	StepSkipped   StepStatus = "SKIPPED"
	StepCancelled StepStatus = "CANCELLED"
)

// StepResult records the outcome of one workflow step.
type StepResult struct {
	StepID     string     `json:"step_id"`
	Name       string     `json:"name"`
	ActionType string     `json:"action_type"`
	Status     StepStatus `json:"status"`
	Attempts   int        `json:"attempts"`
	Detail     string     `json:"detail,omitempty"`
	Error      string     `json:"error,omitempty"`
	DurationMs int64      `json:"duration_ms"`
}

// WorkflowExecution is one running (or finished) instance of a workflow.
type WorkflowExecution struct {
	ID                string          `json:"id"`
	WorkflowID        string          `json:"workflow_id"`
	TriggeringEventID string          `json:"triggering_event_id,omitempty"`
	Status            ExecutionStatus `json:"status"`
	StartedAt         time.Time       `json:"started_at"`
	CompletedAt       *time.Time      `json:"completed_at,omitempty"`
	CurrentStepIndex  int             `json:"current_step_index"`
	StepResults       []StepResult    `json:"step_results"`
}

// executionState pairs an execution with its cancellation and approval
// plumbing. All field access goes through the engine mutex. Several steps of
// one parallel group can be suspended for approval at once, so the state
// counts waiters and undelivered approvals rather than assuming one of each.
type executionState struct {
	exec            *WorkflowExecution
	cancel          context.CancelFunc
	cancelRequested bool
	approvalCh      chan bool
	approvalWaiters int
	approvalsQueued int
}

// WorkflowEngine drives executions through their step graphs, consulting the
// policy engine and resource manager at every gated step.
type WorkflowEngine struct {
	mu         sync.Mutex
	logger     zerolog.Logger
	workflows  *workflowStore
	policy     *PolicyEngine
	resources  *ResourceManager
	subsystems *subsystemRegistry
	executions map[string]*executionState
	maxKept    int

	// notify, when set, receives a status notification for every execution
	// and step transition. Must never block.
	notify func(n Notification)

	// recordAction, when set, receives an OrchestrationAction for every
	// step dispatch.
	recordAction func(a *OrchestrationAction)

	retryBackoff time.Duration

	started   int64
	completed int64
	failed    int64
	cancelled int64
	timedOut  int64
}

// NewWorkflowEngine creates a workflow engine bound to its collaborators.
func NewWorkflowEngine(logger zerolog.Logger, workflows *workflowStore, policy *PolicyEngine, resources *ResourceManager, subsystems *subsystemRegistry) *WorkflowEngine {
	return &WorkflowEngine{
		logger:       logger.With().Str("component", "workflow_engine").Logger(),
		workflows:    workflows,
		policy:       policy,
		resources:    resources,
		subsystems:   subsystems,
		executions:   make(map[string]*executionState),
		maxKept:      2000,
		retryBackoff: 250 * time.Millisecond,
	}
}

// RegisterWorkflow validates and stores a definition.
func (we *WorkflowEngine) RegisterWorkflow(def *WorkflowDefinition) error {
	return we.workflows.Register(def)
}

// GetWorkflow looks up a definition by ID.
func (we *WorkflowEngine) GetWorkflow(id string) (*WorkflowDefinition, bool) {
	return we.workflows.Get(id)
}

// Execute starts a new execution of the given workflow. The execution runs
// asynchronously; the returned ID can be used to cancel, resume, or inspect.
func (we *WorkflowEngine) Execute(ctx context.Context, workflowID, triggeringEventID string) (string, error) {
	def, ok := we.workflows.Get(workflowID)
	if !ok {
		return "", fmt.Errorf("workflow %q not found", workflowID)
	}
	if !def.Enabled {
		return "", fmt.Errorf("workflow %q is disabled", workflowID)
	}

	exec := &WorkflowExecution{
		ID:                uuid.New().String(),
		WorkflowID:        workflowID,
		TriggeringEventID: triggeringEventID,
		Status:            ExecPending,
		StartedAt:         time.Now().UTC(),
		StepResults:       make([]StepResult, 0, len(def.Steps)),
	}

	runCtx, cancel := context.WithTimeout(ctx, time.Duration(def.TimeoutSeconds)*time.Second)
	state := &executionState{
		exec:       exec,
		cancel:     cancel,
		approvalCh: make(chan bool, len(def.Steps)),
	}

	we.mu.Lock()
	we.executions[exec.ID] = state
	we.started++
	we.trimLocked()
	we.mu.Unlock()

	we.logger.Info().
		Str("execution_id", exec.ID).
		Str("workflow", workflowID).
		Str("triggering_event", triggeringEventID).
		Msg("execution started")
	we.publish("execution_started", exec.ID, workflowID)

	go we.run(runCtx, state, def)
	return exec.ID, nil
}

// Cancel requests cooperative cancellation of a running execution. Held
// resources are released and remaining steps are marked CANCELLED.
func (we *WorkflowEngine) Cancel(executionID string) error {
	we.mu.Lock()
	state, ok := we.executions[executionID]
	if !ok {
		we.mu.Unlock()
		return fmt.Errorf("execution %q not found", executionID)
	}
	if state.exec.Status.IsTerminal() {
		we.mu.Unlock()
		return fmt.Errorf("execution %q already %s", executionID, state.exec.Status)
	}
	state.cancelRequested = true
	cancel := state.cancel
	we.mu.Unlock()

	cancel()
	we.logger.Info().Str("execution_id", executionID).Msg("cancellation requested")
	return nil
}

// Resume delivers one approval decision to one suspended step. approved=false
// fails that step. When several steps wait at once, each needs its own Resume
// call; the execution leaves WAITING_APPROVAL only when no waiter remains.
func (we *WorkflowEngine) Resume(executionID string, approved bool) error {
	we.mu.Lock()
	state, ok := we.executions[executionID]
	if !ok {
		we.mu.Unlock()
		return fmt.Errorf("execution %q not found", executionID)
	}
	if state.exec.Status != ExecWaitingApproval {
		we.mu.Unlock()
		return fmt.Errorf("execution %q is not waiting for approval (status %s)", executionID, state.exec.Status)
	}
	if state.approvalsQueued >= state.approvalWaiters {
		we.mu.Unlock()
		return fmt.Errorf("execution %q has no step awaiting approval", executionID)
	}
	state.approvalsQueued++
	ch := state.approvalCh
	we.mu.Unlock()

	// Buffered to the step count, and sends never exceed waiters.
	ch <- approved
	return nil
}

// GetExecution returns a snapshot of one execution.
func (we *WorkflowEngine) GetExecution(executionID string) (*WorkflowExecution, bool) {
	we.mu.Lock()
	defer we.mu.Unlock()
	state, ok := we.executions[executionID]
	if !ok {
		return nil, false
	}
	return snapshotExecution(state.exec), true
}

// GetActiveExecutions returns all non-terminal executions.
func (we *WorkflowEngine) GetActiveExecutions() []*WorkflowExecution {
	we.mu.Lock()
	defer we.mu.Unlock()
	out := make([]*WorkflowExecution, 0)
	for _, state := range we.executions {
		if !state.exec.Status.IsTerminal() {
			out = append(out, snapshotExecution(state.exec))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.Before(out[j].StartedAt) })
	return out
}

// Stats returns engine counters.
func (we *WorkflowEngine) Stats() map[string]interface{} {
	we.mu.Lock()
	defer we.mu.Unlock()
	active := 0
	for _, state := range we.executions {
		if !state.exec.Status.IsTerminal() {
			active++
		}
	}
	return map[string]interface{}{
		"executions_started":   we.started,
		"executions_completed": we.completed,
		"executions_failed":    we.failed,
		"executions_cancelled": we.cancelled,
		"executions_timed_out": we.timedOut,
		"executions_active":    active,
		"workflows":            len(we.workflows.All()),
	}
}

func snapshotExecution(exec *WorkflowExecution) *WorkflowExecution {
	cp := *exec
	cp.StepResults = make([]StepResult, len(exec.StepResults))
	copy(cp.StepResults, exec.StepResults)
	return &cp
}

// trimLocked drops the oldest terminal executions once the table exceeds
// maxKept. Active executions are never trimmed.
func (we *WorkflowEngine) trimLocked() {
	if len(we.executions) <= we.maxKept {
		return
	}
	type aged struct {
		id string
		at time.Time
	}
	terminal := make([]aged, 0)
	for id, state := range we.executions {
		if state.exec.Status.IsTerminal() {
			terminal = append(terminal, aged{id: id, at: state.exec.StartedAt})
		}
	}
	sort.Slice(terminal, func(i, j int) bool { return terminal[i].at.Before(terminal[j].at) })
	excess := len(we.executions) - we.maxKept
	for i := 0; i < excess && i < len(terminal); i++ {
		delete(we.executions, terminal[i].id)
	}
}

func (we *WorkflowEngine) publish(typ, subjectID, detail string) {
	we.mu.Lock()
	notify := we.notify
	we.mu.Unlock()
	if notify != nil {
		notify(Notification{
			Type:      typ,
			SubjectID: subjectID,
			Timestamp: time.Now().UTC(),
			Detail:    detail,
		})
	}
}

func (we *WorkflowEngine) setStatus(state *executionState, status ExecutionStatus) {
	we.mu.Lock()
	if state.exec.Status.IsTerminal() {
		we.mu.Unlock()
		return
	}
	state.exec.Status = status
	if status.IsTerminal() {
		now := time.Now().UTC()
		state.exec.CompletedAt = &now
		switch status {
		case ExecCompleted:
			we.completed++
		case ExecFailed:
			we.failed++
		case ExecCancelled:
			we.cancelled++
		case ExecTimedOut:
			we.timedOut++
		}
	}
	we.mu.Unlock()
}

// run drives one execution to a terminal state. It always releases every
// resource the execution holds before returning.
func (we *WorkflowEngine) run(ctx context.Context, state *executionState, def *WorkflowDefinition) {
	defer state.cancel()
	exec := state.exec

	defer func() {
		if r := recover(); r != nil {
			we.logger.Error().
				Str("execution_id", exec.ID).
				Interface("panic", r).
				Msg("execution panicked — recovered")
			we.setStatus(state, ExecFailed)
		}
		we.resources.ReleaseAllFor(exec.ID)
		we.mu.Lock()
		final := exec.Status
		we.mu.Unlock()
		we.logger.Info().
			Str("execution_id", exec.ID).
			Str("workflow", exec.WorkflowID).
			Str("status", string(final)).
			Msg("execution finished")
		we.publish("execution_"+statusEventSuffix(final), exec.ID, exec.WorkflowID)
	}()

	we.setStatus(state, ExecRunning)

	i := 0
	for i < len(def.Steps) {
		if we.interrupted(ctx, state, def, i) {
			return
		}

		// A maximal contiguous run of PARALLEL steps forms one group that
		// fully joins before the next step starts.
		group := []int{i}
		if def.Steps[i].ExecutionMode == ModeParallel {
			for j := i + 1; j < len(def.Steps) && def.Steps[j].ExecutionMode == ModeParallel; j++ {
				group = append(group, j)
			}
		}

		we.mu.Lock()
		exec.CurrentStepIndex = i
		we.mu.Unlock()

		results := make([]StepResult, len(group))
		if len(group) == 1 {
			results[0] = we.runStep(ctx, state, def, &def.Steps[group[0]])
		} else {
			var wg sync.WaitGroup
			for gi, si := range group {
				wg.Add(1)
				go func(gi, si int) {
					defer wg.Done()
					results[gi] = we.runStep(ctx, state, def, &def.Steps[si])
				}(gi, si)
			}
			wg.Wait()
		}

		fatal := false
		for gi, res := range results {
			we.mu.Lock()
			exec.StepResults = append(exec.StepResults, res)
			we.mu.Unlock()
			if res.Status == StepFailed && !def.Steps[group[gi]].ContinueOnFailure {
				fatal = true
			}
			if res.Status == StepCancelled {
				fatal = true
			}
		}
		if fatal {
			if we.interrupted(ctx, state, def, i+len(group)) {
				return
			}
			we.markRemaining(state, def, i+len(group), StepSkipped)
			we.setStatus(state, ExecFailed)
			return
		}

		i += len(group)
	}

	we.setStatus(state, ExecCompleted)
}

// interrupted finishes the execution if its context was cancelled or timed
// out, marking remaining steps CANCELLED. Returns true when terminal.
// Only an elapsed deadline counts as TIMED_OUT; external cancellation of the
// parent context (kernel shutdown, caller teardown) ends as CANCELLED.
func (we *WorkflowEngine) interrupted(ctx context.Context, state *executionState, def *WorkflowDefinition, nextStep int) bool {
	if ctx.Err() == nil {
		return false
	}
	we.markRemaining(state, def, nextStep, StepCancelled)
	we.mu.Lock()
	requested := state.cancelRequested
	we.mu.Unlock()
	switch {
	case requested:
		we.setStatus(state, ExecCancelled)
	case errors.Is(context.Cause(ctx), context.DeadlineExceeded):
		we.setStatus(state, ExecTimedOut)
	default:
		we.setStatus(state, ExecCancelled)
	}
	return true
}

func (we *WorkflowEngine) markRemaining(state *executionState, def *WorkflowDefinition, from int, status StepStatus) {
	we.mu.Lock()
	defer we.mu.Unlock()
	for i := from; i < len(def.Steps); i++ {
		step := def.Steps[i]
		state.exec.StepResults = append(state.exec.StepResults, StepResult{
			StepID:     step.ID,
			Name:       step.Name,
			ActionType: step.ActionType,
			Status:     status,
		})
	}
}

// runStep executes one step and emits its audit record.
func (we *WorkflowEngine) runStep(ctx context.Context, state *executionState, def *WorkflowDefinition, step *WorkflowStep) StepResult {
	result := we.runStepInner(ctx, state, def, step)
	we.record(state.exec, def, step, result)
	return result
}

// runStepInner performs policy gating, optional resource allocation, and the
// subsystem call for one step, retrying transient failures with doubling
// backoff up to MaxRetries.
func (we *WorkflowEngine) runStepInner(ctx context.Context, state *executionState, def *WorkflowDefinition, step *WorkflowStep) StepResult {
	exec := state.exec
	start := time.Now()
	result := StepResult{
		StepID:     step.ID,
		Name:       step.Name,
		ActionType: step.ActionType,
	}

	check := we.policy.Check(def.ID, step.ActionType, step.Parameters)
	if !check.Allowed {
		result.Status = StepFailed
		result.Error = check.Reason
		result.DurationMs = time.Since(start).Milliseconds()
		we.publish("step_denied", exec.ID, step.ID+": "+check.Reason)
		return result
	}

	if check.RequiresConfirmation || step.RequiresConfirmation {
		approved, err := we.awaitApproval(ctx, state, step)
		if err != nil {
			result.Status = StepCancelled
			result.Error = err.Error()
			result.DurationMs = time.Since(start).Milliseconds()
			return result
		}
		if !approved {
			result.Status = StepFailed
			result.Error = "approval rejected"
			result.DurationMs = time.Since(start).Milliseconds()
			we.publish("step_rejected", exec.ID, step.ID)
			return result
		}
	}

	backoff := we.retryBackoff
	var lastErr error
	for attempt := 0; attempt <= step.MaxRetries; attempt++ {
		result.Attempts = attempt + 1
		if attempt > 0 {
			timer := time.NewTimer(backoff)
			select {
			case <-ctx.Done():
				timer.Stop()
				result.Status = StepCancelled
				result.Error = ctx.Err().Error()
				result.DurationMs = time.Since(start).Milliseconds()
				return result
			case <-timer.C:
			}
			backoff *= 2
		}

		detail, err := we.attemptStep(ctx, exec, def, step)
		if err == nil {
			result.Status = StepSuccess
			result.Detail = detail
			result.DurationMs = time.Since(start).Milliseconds()
			we.publish("step_completed", exec.ID, step.ID)
			return result
		}
		lastErr = err
		if ctx.Err() != nil {
			result.Status = StepCancelled
			result.Error = ctx.Err().Error()
			result.DurationMs = time.Since(start).Milliseconds()
			return result
		}
		we.logger.Debug().
			Str("execution_id", exec.ID).
			Str("step", step.ID).
			Int("attempt", attempt+1).
			Err(err).
			Msg("step failed, will retry if budget remains")
	}

	result.Status = StepFailed
	result.Error = lastErr.Error()
	result.DurationMs = time.Since(start).Milliseconds()
	we.publish("step_failed", exec.ID, step.ID+": "+lastErr.Error())
	return result
}

// awaitApproval suspends one step in WAITING_APPROVAL until Resume delivers
// its decision or the execution context ends. The execution returns to
// RUNNING only once the last suspended step has been resumed.
func (we *WorkflowEngine) awaitApproval(ctx context.Context, state *executionState, step *WorkflowStep) (bool, error) {
	we.mu.Lock()
	state.approvalWaiters++
	we.mu.Unlock()

	we.setStatus(state, ExecWaitingApproval)
	we.publish("awaiting_approval", state.exec.ID, step.ID)
	we.logger.Info().
		Str("execution_id", state.exec.ID).
		Str("step", step.ID).
		Msg("execution waiting for approval")

	select {
	case <-ctx.Done():
		we.mu.Lock()
		state.approvalWaiters--
		we.mu.Unlock()
		return false, ctx.Err()
	case approved := <-state.approvalCh:
		we.mu.Lock()
		state.approvalWaiters--
		state.approvalsQueued--
		remaining := state.approvalWaiters
		we.mu.Unlock()
		if remaining == 0 {
			we.setStatus(state, ExecRunning)
		}
		return approved, nil
	}
}

// attemptStep performs one allocation + invocation attempt under the step's
// own timeout.
func (we *WorkflowEngine) attemptStep(ctx context.Context, exec *WorkflowExecution, def *WorkflowDefinition, step *WorkflowStep) (string, error) {
	stepCtx, cancel := context.WithTimeout(ctx, time.Duration(step.TimeoutSeconds)*time.Second)
	defer cancel()

	var alloc *ResourceAllocation
	if step.RequiredResourceType != "" {
		holdMinutes := step.TimeoutSeconds/60 + 1
		alloc = we.resources.AllocateByType(step.RequiredResourceType, exec.ID, def.ID, def.Priority, step.Name, holdMinutes)
		if alloc == nil {
			return "", fmt.Errorf("no %s resource available", step.RequiredResourceType)
		}
		we.publish("allocation_granted", alloc.ResourceID, exec.ID)
	}

	inv, ok := we.subsystems.Get(step.TargetSubsystem)
	if !ok {
		return "", fmt.Errorf("no invoker for subsystem %q", step.TargetSubsystem)
	}

	detail, err := inv.Invoke(stepCtx, step.ActionType, step.Parameters)
	if err != nil {
		// A failed attempt must not keep its hold across the retry backoff.
		if alloc != nil && we.resources.Release(alloc.ResourceID) {
			we.publish("allocation_released", alloc.ResourceID, exec.ID)
		}
		if stepCtx.Err() == context.DeadlineExceeded && ctx.Err() == nil {
			return "", fmt.Errorf("subsystem %s timed out after %ds: %w", step.TargetSubsystem, step.TimeoutSeconds, err)
		}
		return "", fmt.Errorf("subsystem %s: %w", step.TargetSubsystem, err)
	}
	return detail, nil
}

func statusEventSuffix(s ExecutionStatus) string {
	switch s {
	case ExecCompleted:
		return "completed"
	case ExecFailed:
		return "failed"
	case ExecCancelled:
		return "cancelled"
	case ExecTimedOut:
		return "timed_out"
	default:
		return "finished"
	}
}

// SetNotifyFunc wires the engine's status notifications to an observer. The
// callback must not block.
func (we *WorkflowEngine) SetNotifyFunc(fn func(n Notification)) {
	we.mu.Lock()
	defer we.mu.Unlock()
	we.notify = fn
}

// SetActionRecorder wires step dispatch records to an audit sink.
func (we *WorkflowEngine) SetActionRecorder(fn func(a *OrchestrationAction)) {
	we.mu.Lock()
	defer we.mu.Unlock()
	we.recordAction = fn
}

// record builds and emits the audit record for one finished step.
func (we *WorkflowEngine) record(exec *WorkflowExecution, def *WorkflowDefinition, step *WorkflowStep, result StepResult) {
	we.mu.Lock()
	recorder := we.recordAction
	we.mu.Unlock()
	if recorder == nil {
		return
	}
	recorder(&OrchestrationAction{
		ID:                   uuid.New().String(),
		ExecutionID:          exec.ID,
		ActionType:           step.ActionType,
		TargetSubsystem:      step.TargetSubsystem,
		Parameters:           step.Parameters,
		Priority:             def.Priority,
		TimeoutSeconds:       step.TimeoutSeconds,
		RetryCount:           result.Attempts - 1,
		MaxRetries:           step.MaxRetries,
		RequiresConfirmation: step.RequiresConfirmation,
		GuardrailChecks:      step.Guardrails,
		Status:               result.Status,
		Result:               result.Detail,
		Timestamp:            time.Now().UTC(),
	})
}
