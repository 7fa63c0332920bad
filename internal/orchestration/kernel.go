package orchestration

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Notification is one status-change message delivered to subscribers and,
// when a bus is attached, published on the status stream.
type Notification struct {
	Type      string    `json:"type"`
	SubjectID string    `json:"subject_id"`
	Timestamp time.Time `json:"timestamp"`
	Detail    string    `json:"detail,omitempty"`
}

// OrchestrationAction records one step's dispatch to a target subsystem.
type OrchestrationAction struct {
	ID                   string            `json:"id"`
	ExecutionID          string            `json:"execution_id"`
	ActionType           string            `json:"action_type"`
	TargetSubsystem      string            `json:"target_subsystem"`
	Parameters           map[string]string `json:"parameters,omitempty"`
	Priority             Priority          `json:"priority"`
	TimeoutSeconds       int               `json:"timeout_seconds"`
	RetryCount           int               `json:"retry_count"`
	MaxRetries           int               `json:"max_retries"`
	RequiresConfirmation bool              `json:"requires_confirmation"`
	GuardrailChecks      []string          `json:"guardrail_checks,omitempty"`
	Status               StepStatus        `json:"status"`
	Result               string            `json:"result,omitempty"`
	Timestamp            time.Time         `json:"timestamp"`
}

// KernelConfig controls the kernel run loop.
type KernelConfig struct {
	FuseInterval        time.Duration `yaml:"fuse_interval"`
	SweepInterval       time.Duration `yaml:"sweep_interval"`
	PassthroughPriority Priority      `yaml:"passthrough_priority"`
	MaxActionHistory    int           `yaml:"max_action_history"`
	SubscriberBuffer    int           `yaml:"subscriber_buffer"`
	MaxSubscriberDrops  int           `yaml:"max_subscriber_drops"`
}

// DefaultKernelConfig returns sane defaults.
func DefaultKernelConfig() KernelConfig {
	return KernelConfig{
		FuseInterval:        2 * time.Second,
		SweepInterval:       30 * time.Second,
		PassthroughPriority: PriorityCritical,
		MaxActionHistory:    5000,
		SubscriberBuffer:    64,
		MaxSubscriberDrops:  100,
	}
}

// subscriber is one registered observer. Notifications are sent
// fire-and-forget over a buffered channel; a full buffer drops the
// notification, and repeated overflow evicts the subscriber.
type subscriber struct {
	id    string
	ch    chan Notification
	done  chan struct{}
	drops int
}

// Kernel is the top-level coordinator: it feeds fused events from the fusion
// bus through the router into the workflow engine, records action history,
// and fans status changes out to subscribers.
type Kernel struct {
	mu     sync.Mutex
	logger zerolog.Logger
	cfg    KernelConfig

	Fusion     *FusionBus
	Router     *EventRouter
	Policy     *PolicyEngine
	Resources  *ResourceManager
	Engine     *WorkflowEngine
	subsystems *subsystemRegistry
	bus        *EventBus

	actions     []*OrchestrationAction
	subscribers map[string]*subscriber

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	fusedRouted          int64
	rawRouted            int64
	launched             int64
	launchFailures       int64
	notifications        int64
	notificationsDropped int64
}

// NewKernel wires all subsystems together. bus may be nil to run without
// external publication.
func NewKernel(logger zerolog.Logger, cfg KernelConfig, fusionCfg FusionBusConfig, bus *EventBus) *Kernel {
	if cfg.FuseInterval <= 0 {
		cfg.FuseInterval = 2 * time.Second
	}
	if cfg.MaxActionHistory <= 0 {
		cfg.MaxActionHistory = 5000
	}
	if cfg.SubscriberBuffer <= 0 {
		cfg.SubscriberBuffer = 64
	}
	if cfg.MaxSubscriberDrops <= 0 {
		cfg.MaxSubscriberDrops = 100
	}

	workflows := newWorkflowStore(logger)
	subsystems := newSubsystemRegistry(logger)
	policy := NewPolicyEngine(logger, 0)
	resources := NewResourceManager(logger)
	engine := NewWorkflowEngine(logger, workflows, policy, resources, subsystems)

	k := &Kernel{
		logger:      logger.With().Str("component", "kernel").Logger(),
		cfg:         cfg,
		Fusion:      NewFusionBus(logger, fusionCfg),
		Router:      NewEventRouter(logger, workflows),
		Policy:      policy,
		Resources:   resources,
		Engine:      engine,
		subsystems:  subsystems,
		bus:         bus,
		actions:     make([]*OrchestrationAction, 0, 256),
		subscribers: make(map[string]*subscriber),
	}

	engine.SetNotifyFunc(k.publish)
	engine.SetActionRecorder(k.recordAction)
	return k
}

// RegisterSubsystem adds an invoker for a target subsystem.
func (k *Kernel) RegisterSubsystem(inv SubsystemInvoker) error {
	return k.subsystems.Register(inv)
}

// GetSubsystems lists registered subsystem names.
func (k *Kernel) GetSubsystems() []string {
	return k.subsystems.Names()
}

// Ingest feeds a raw event into the fusion bus. Accepted events at or above
// the passthrough priority are routed immediately without waiting for a
// fusion pass.
func (k *Kernel) Ingest(sourceID string, event *Event) bool {
	accepted := k.Fusion.Ingest(sourceID, event)
	if !accepted {
		return false
	}
	if k.bus != nil {
		if err := k.bus.PublishRawEvent(event); err != nil {
			k.logger.Error().Err(err).Str("event_id", event.ID).Msg("failed to publish event to bus")
		}
	}
	if event.Priority <= k.cfg.PassthroughPriority {
		k.routeAndLaunch(event.Type, event.ID, "raw")
	}
	return accepted
}

// Start launches the kernel run loop.
func (k *Kernel) Start() {
	k.mu.Lock()
	if k.ctx != nil {
		k.mu.Unlock()
		return
	}
	k.ctx, k.cancel = context.WithCancel(context.Background())
	ctx := k.ctx
	k.mu.Unlock()

	k.Resources.StartSweeper(ctx, k.cfg.SweepInterval)

	k.wg.Add(1)
	go k.runLoop(ctx)

	k.logger.Info().
		Dur("fuse_interval", k.cfg.FuseInterval).
		Str("passthrough_priority", k.cfg.PassthroughPriority.String()).
		Msg("kernel started")
}

// Stop shuts the kernel down and closes all subscriber channels.
func (k *Kernel) Stop() {
	k.mu.Lock()
	cancel := k.cancel
	k.ctx, k.cancel = nil, nil
	k.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	k.wg.Wait()

	k.mu.Lock()
	for id, sub := range k.subscribers {
		close(sub.done)
		delete(k.subscribers, id)
	}
	k.mu.Unlock()

	k.logger.Info().Msg("kernel stopped")
}

func (k *Kernel) runLoop(ctx context.Context) {
	defer k.wg.Done()
	ticker := time.NewTicker(k.cfg.FuseInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			k.fuseOnce()
		}
	}
}

// FuseNow runs one fusion-and-route pass synchronously. Exposed for manual
// triggering and tests; the run loop calls it on every tick.
func (k *Kernel) FuseNow() *FusionResult {
	return k.fuseOnce()
}

func (k *Kernel) fuseOnce() (result *FusionResult) {
	defer func() {
		if r := recover(); r != nil {
			k.logger.Error().Interface("panic", r).Msg("fusion pass panicked — recovered")
		}
	}()

	result = k.Fusion.Fuse()
	for _, fe := range result.FusedEvents {
		k.publish(Notification{
			Type:      "fusion_produced",
			SubjectID: fe.ID,
			Timestamp: time.Now().UTC(),
			Detail:    fe.Title,
		})
		if k.bus != nil {
			if err := k.bus.PublishFusedEvent(fe); err != nil {
				k.logger.Error().Err(err).Str("fused_event_id", fe.ID).Msg("failed to publish fused event")
			}
		}
		k.mu.Lock()
		k.fusedRouted++
		k.mu.Unlock()
		k.routeAndLaunch(fe.Category, fe.ID, "fused")
	}
	return result
}

// routeAndLaunch asks the router for matching workflows and starts an
// execution for each. A failure to launch one workflow never blocks the rest.
func (k *Kernel) routeAndLaunch(eventType, eventID, kind string) {
	k.mu.Lock()
	ctx := k.ctx
	k.mu.Unlock()
	if ctx == nil {
		ctx = context.Background()
	}

	for _, workflowID := range k.Router.Route(eventType) {
		execID, err := k.Engine.Execute(ctx, workflowID, eventID)
		if err != nil {
			k.mu.Lock()
			k.launchFailures++
			k.mu.Unlock()
			k.logger.Error().Err(err).
				Str("workflow", workflowID).
				Str("event_id", eventID).
				Msg("failed to launch workflow")
			continue
		}
		k.mu.Lock()
		k.launched++
		if kind == "raw" {
			k.rawRouted++
		}
		k.mu.Unlock()
		k.logger.Info().
			Str("workflow", workflowID).
			Str("execution_id", execID).
			Str("event_id", eventID).
			Str("trigger_kind", kind).
			Msg("workflow launched")
	}
}

// recordAction appends to the bounded action history.
func (k *Kernel) recordAction(action *OrchestrationAction) {
	k.mu.Lock()
	if len(k.actions) >= k.cfg.MaxActionHistory {
		k.actions = k.actions[k.cfg.MaxActionHistory/10:]
	}
	k.actions = append(k.actions, action)
	k.mu.Unlock()
}

// GetActionHistory returns recent orchestration actions, newest last.
func (k *Kernel) GetActionHistory(limit int) []*OrchestrationAction {
	k.mu.Lock()
	defer k.mu.Unlock()
	if limit <= 0 || limit > len(k.actions) {
		limit = len(k.actions)
	}
	start := len(k.actions) - limit
	result := make([]*OrchestrationAction, 0, limit)
	for i := start; i < len(k.actions); i++ {
		result = append(result, k.actions[i])
	}
	return result
}

// Subscribe registers a handler for status notifications and returns its
// subscription ID. Delivery is fire-and-forget: a slow subscriber has
// notifications dropped and is evicted after repeated overflow.
func (k *Kernel) Subscribe(handler func(n Notification)) string {
	sub := &subscriber{
		id:   uuid.New().String(),
		ch:   make(chan Notification, k.cfg.SubscriberBuffer),
		done: make(chan struct{}),
	}

	k.mu.Lock()
	k.subscribers[sub.id] = sub
	k.mu.Unlock()

	go func() {
		for {
			select {
			case <-sub.done:
				return
			case n := <-sub.ch:
				func() {
					defer func() {
						if r := recover(); r != nil {
							k.logger.Error().
								Str("subscriber", sub.id).
								Interface("panic", r).
								Msg("subscriber handler panicked — recovered")
						}
					}()
					handler(n)
				}()
			}
		}
	}()

	k.logger.Debug().Str("subscriber", sub.id).Msg("subscriber registered")
	return sub.id
}

// Unsubscribe removes a subscriber. Returns false if unknown.
func (k *Kernel) Unsubscribe(id string) bool {
	k.mu.Lock()
	defer k.mu.Unlock()
	sub, ok := k.subscribers[id]
	if !ok {
		return false
	}
	close(sub.done)
	delete(k.subscribers, id)
	return true
}

// publish fans a notification out to all subscribers without ever blocking.
func (k *Kernel) publish(n Notification) {
	if k.bus != nil {
		if err := k.bus.PublishStatus(&n); err != nil {
			k.logger.Debug().Err(err).Str("type", n.Type).Msg("failed to publish status to bus")
		}
	}

	k.mu.Lock()
	defer k.mu.Unlock()
	k.notifications++
	for id, sub := range k.subscribers {
		select {
		case sub.ch <- n:
		default:
			sub.drops++
			k.notificationsDropped++
			if sub.drops > k.cfg.MaxSubscriberDrops {
				k.logger.Warn().Str("subscriber", id).Int("drops", sub.drops).Msg("evicting slow subscriber")
				close(sub.done)
				delete(k.subscribers, id)
			}
		}
	}
}

// Stats aggregates counters from every subsystem.
func (k *Kernel) Stats() map[string]interface{} {
	k.mu.Lock()
	kernelStats := map[string]interface{}{
		"fused_routed":          k.fusedRouted,
		"raw_routed":            k.rawRouted,
		"workflows_launched":    k.launched,
		"launch_failures":       k.launchFailures,
		"notifications":         k.notifications,
		"notifications_dropped": k.notificationsDropped,
		"subscribers":           len(k.subscribers),
		"action_history":        len(k.actions),
	}
	k.mu.Unlock()

	return map[string]interface{}{
		"kernel":    kernelStats,
		"fusion":    k.Fusion.Stats(),
		"engine":    k.Engine.Stats(),
		"resources": k.Resources.Stats(),
		"policy":    k.Policy.Stats(),
	}
}
