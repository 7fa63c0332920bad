package orchestration

import (
	"context"
	"sync"
	"testing"
	"time"
)

func newTestKernel() *Kernel {
	cfg := DefaultKernelConfig()
	cfg.FuseInterval = time.Hour // tests drive fusion with FuseNow
	return NewKernel(testLogger(), cfg, DefaultFusionBusConfig(), nil)
}

func waitEngineStarted(t *testing.T, k *Kernel, want int64) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if k.Engine.Stats()["executions_started"].(int64) >= want {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("engine never started %d executions", want)
}

func waitEngineIdle(t *testing.T, k *Kernel) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if k.Engine.Stats()["executions_active"].(int) == 0 {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("engine never drained its active executions")
}

func TestKernel_FusedEventLaunchesWorkflow(t *testing.T) {
	k := newTestKernel()
	_ = k.RegisterSubsystem(&SimulatedSubsystem{SubsystemName: "unit_dispatch"})

	if err := k.Fusion.AddFusionRule(&FusionRule{
		ID: "r-shots", Name: "shots fired", Strategy: StrategyTimestamp,
		EventTypes: []string{"gunshot_detected", "shotspotter_alert"},
		TimeWindowSeconds: 30, MinEvents: 2, Category: "shots_fired_confirmed",
	}); err != nil {
		t.Fatalf("add rule: %v", err)
	}

	def := &WorkflowDefinition{
		ID: "wf-shots", Name: "shots response", Priority: PriorityCritical, Enabled: true,
		TimeoutSeconds: 30,
		Steps: []WorkflowStep{
			{ID: "s1", Name: "dispatch", ActionType: "dispatch_unit", TargetSubsystem: "unit_dispatch", TimeoutSeconds: 5},
		},
		Triggers: []WorkflowTrigger{{Type: TriggerEvent, EventTypes: []string{"shots_fired_confirmed"}}},
	}
	if err := k.Engine.RegisterWorkflow(def); err != nil {
		t.Fatalf("register: %v", err)
	}

	if !k.Ingest("acoustic-1", NewEvent("acoustic-1", "gunshot_detected", PriorityHigh)) {
		t.Fatal("ingest rejected")
	}
	if !k.Ingest("911-cad", NewEvent("911-cad", "shotspotter_alert", PriorityHigh)) {
		t.Fatal("ingest rejected")
	}

	result := k.FuseNow()
	if len(result.FusedEvents) != 1 {
		t.Fatalf("expected 1 fused event, got %d", len(result.FusedEvents))
	}

	waitEngineStarted(t, k, 1)
	waitEngineIdle(t, k)

	stats := k.Engine.Stats()
	if stats["executions_completed"].(int64) != 1 {
		t.Errorf("expected 1 completed execution, got %v", stats["executions_completed"])
	}

	actions := k.GetActionHistory(0)
	if len(actions) != 1 {
		t.Fatalf("expected 1 recorded action, got %d", len(actions))
	}
	if actions[0].ActionType != "dispatch_unit" || actions[0].Status != StepSuccess {
		t.Errorf("unexpected action record %+v", actions[0])
	}
}

func TestKernel_CriticalRawEventBypassesFusion(t *testing.T) {
	k := newTestKernel()
	_ = k.RegisterSubsystem(&SimulatedSubsystem{SubsystemName: "unit_dispatch"})

	def := &WorkflowDefinition{
		ID: "wf-panic", Name: "panic response", Priority: PriorityCritical, Enabled: true,
		TimeoutSeconds: 30,
		Steps: []WorkflowStep{
			{ID: "s1", Name: "dispatch", ActionType: "dispatch_unit", TargetSubsystem: "unit_dispatch", TimeoutSeconds: 5},
		},
		Triggers: []WorkflowTrigger{{Type: TriggerEvent, EventTypes: []string{"panic_button"}}},
	}
	if err := k.Engine.RegisterWorkflow(def); err != nil {
		t.Fatalf("register: %v", err)
	}

	// Critical events route immediately; no fusion pass runs in this test.
	if !k.Ingest("panic-net", NewEvent("panic-net", "panic_button", PriorityCritical)) {
		t.Fatal("ingest rejected")
	}
	waitEngineStarted(t, k, 1)

	// A non-critical event of the same type must wait for fusion.
	_ = k.Ingest("panic-net", NewEvent("panic-net", "panic_button", PriorityMedium))
	time.Sleep(20 * time.Millisecond)
	if got := k.Engine.Stats()["executions_started"].(int64); got != 1 {
		t.Errorf("non-critical raw event must not launch directly, got %d executions", got)
	}
}

func TestKernel_RunLoopFusesPeriodically(t *testing.T) {
	cfg := DefaultKernelConfig()
	cfg.FuseInterval = 20 * time.Millisecond
	k := NewKernel(testLogger(), cfg, DefaultFusionBusConfig(), nil)
	_ = k.RegisterSubsystem(&SimulatedSubsystem{SubsystemName: "records"})

	if err := k.Fusion.AddFusionRule(&FusionRule{
		ID: "r-pair", Name: "pair", Strategy: StrategyTimestamp,
		EventTypes: []string{"alarm"}, TimeWindowSeconds: 30, MinEvents: 2, Category: "alarm_confirmed",
	}); err != nil {
		t.Fatalf("add rule: %v", err)
	}
	def := &WorkflowDefinition{
		ID: "wf-alarm", Name: "alarm", Priority: PriorityHigh, Enabled: true, TimeoutSeconds: 30,
		Steps: []WorkflowStep{
			{ID: "s1", Name: "log", ActionType: "log_incident", TargetSubsystem: "records", TimeoutSeconds: 5},
		},
		Triggers: []WorkflowTrigger{{Type: TriggerEvent, EventTypes: []string{"alarm_confirmed"}}},
	}
	if err := k.Engine.RegisterWorkflow(def); err != nil {
		t.Fatalf("register: %v", err)
	}

	k.Start()
	defer k.Stop()

	_ = k.Ingest("sensor-a", NewEvent("sensor-a", "alarm", PriorityHigh))
	_ = k.Ingest("sensor-b", NewEvent("sensor-b", "alarm", PriorityHigh))

	waitEngineStarted(t, k, 1)
}

func TestKernel_StartStopIdempotent(t *testing.T) {
	k := newTestKernel()
	k.Start()
	k.Start()
	k.Stop()
	k.Stop()
}

func TestKernel_SubscribeReceivesNotifications(t *testing.T) {
	k := newTestKernel()
	_ = k.RegisterSubsystem(&SimulatedSubsystem{SubsystemName: "records"})

	var mu sync.Mutex
	seen := make(map[string]int)
	id := k.Subscribe(func(n Notification) {
		mu.Lock()
		seen[n.Type]++
		mu.Unlock()
	})

	def := testWorkflow("wf-notify", PriorityLow, "alarm")
	if err := k.Engine.RegisterWorkflow(def); err != nil {
		t.Fatalf("register: %v", err)
	}
	execID, err := k.Engine.Execute(context.Background(), "wf-notify", "")
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	waitTerminal(t, k.Engine, execID)

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		mu.Lock()
		done := seen["execution_started"] >= 1 && seen["execution_completed"] >= 1
		mu.Unlock()
		if done {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	mu.Lock()
	if seen["execution_started"] < 1 || seen["execution_completed"] < 1 {
		t.Errorf("subscriber missed lifecycle notifications: %v", seen)
	}
	mu.Unlock()

	if !k.Unsubscribe(id) {
		t.Error("unsubscribe must succeed once")
	}
	if k.Unsubscribe(id) {
		t.Error("double unsubscribe must fail")
	}
}

func TestKernel_SlowSubscriberEvicted(t *testing.T) {
	cfg := DefaultKernelConfig()
	cfg.SubscriberBuffer = 1
	cfg.MaxSubscriberDrops = 2
	k := NewKernel(testLogger(), cfg, DefaultFusionBusConfig(), nil)

	block := make(chan struct{})
	defer close(block)
	k.Subscribe(func(n Notification) {
		<-block
	})

	for i := 0; i < 10; i++ {
		k.publish(Notification{Type: "tick", Timestamp: time.Now().UTC()})
	}

	k.mu.Lock()
	remaining := len(k.subscribers)
	dropped := k.notificationsDropped
	k.mu.Unlock()
	if remaining != 0 {
		t.Errorf("slow subscriber must be evicted, %d remain", remaining)
	}
	if dropped == 0 {
		t.Error("expected dropped notifications to be counted")
	}
}

func TestKernel_ActionHistoryBounded(t *testing.T) {
	cfg := DefaultKernelConfig()
	cfg.MaxActionHistory = 10
	k := NewKernel(testLogger(), cfg, DefaultFusionBusConfig(), nil)

	for i := 0; i < 25; i++ {
		k.recordAction(&OrchestrationAction{ID: "a", ActionType: "tick", Status: StepSuccess})
	}
	if got := len(k.GetActionHistory(0)); got > 10 {
		t.Errorf("action history must stay bounded at 10, got %d", got)
	}
	if got := len(k.GetActionHistory(3)); got != 3 {
		t.Errorf("limited history query must return 3, got %d", got)
	}
}

func TestKernel_StatsAggregateSubsystems(t *testing.T) {
	k := newTestKernel()
	stats := k.Stats()
	for _, section := range []string{"kernel", "fusion", "engine", "resources", "policy"} {
		if _, ok := stats[section]; !ok {
			t.Errorf("stats missing %q section", section)
		}
	}
}
