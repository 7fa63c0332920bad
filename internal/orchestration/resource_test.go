package orchestration

import (
	"sync"
	"testing"
	"time"
)

func TestResourceManager_AllocateAndRelease(t *testing.T) {
	rm := NewResourceManager(testLogger())
	rm.AddResource("drone-1", "drone", ResourceAvailable)

	alloc := rm.Allocate("drone-1", "exec-1", "wf-1", PriorityHigh, "overwatch", 10)
	if alloc == nil {
		t.Fatal("expected allocation to succeed")
	}
	if alloc.ResourceID != "drone-1" || alloc.ExecutionID != "exec-1" {
		t.Errorf("allocation fields wrong: %+v", alloc)
	}
	if !alloc.ExpiresAt.After(alloc.GrantedAt) {
		t.Error("expiry must be after grant")
	}

	// Second allocation against a held resource is refused, not queued.
	if rm.Allocate("drone-1", "exec-2", "wf-2", PriorityCritical, "pursuit", 10) != nil {
		t.Error("expected allocation of held resource to be refused")
	}

	if !rm.Release("drone-1") {
		t.Error("expected release to succeed")
	}
	if rm.Release("drone-1") {
		t.Error("release must be idempotent")
	}

	if rm.Allocate("drone-1", "exec-2", "wf-2", PriorityCritical, "pursuit", 10) == nil {
		t.Error("expected allocation to succeed after release")
	}
}

func TestResourceManager_UnknownAndOfflineRefused(t *testing.T) {
	rm := NewResourceManager(testLogger())
	rm.AddResource("robot-1", "robot", ResourceOffline)

	if rm.Allocate("nope", "e", "r", PriorityLow, "p", 5) != nil {
		t.Error("unknown resource must refuse allocation")
	}
	if rm.Allocate("robot-1", "e", "r", PriorityLow, "p", 5) != nil {
		t.Error("offline resource must refuse allocation")
	}
	if rm.Release("nope") {
		t.Error("releasing unknown resource must return false")
	}
}

func TestResourceManager_ConcurrentAllocation_OneWinner(t *testing.T) {
	rm := NewResourceManager(testLogger())
	rm.AddResource("unit-7", "patrol_unit", ResourceAvailable)

	const attempts = 20
	var wg sync.WaitGroup
	results := make([]*ResourceAllocation, attempts)
	for i := 0; i < attempts; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i] = rm.Allocate("unit-7", "exec", "req", PriorityMedium, "test", 5)
		}(i)
	}
	wg.Wait()

	granted := 0
	for _, r := range results {
		if r != nil {
			granted++
		}
	}
	if granted != 1 {
		t.Errorf("expected exactly 1 winner, got %d", granted)
	}
}

func TestResourceManager_ExpiredAllocationAutoReleases(t *testing.T) {
	rm := NewResourceManager(testLogger())
	rm.AddResource("drone-2", "drone", ResourceAvailable)

	alloc := rm.Allocate("drone-2", "exec-1", "wf", PriorityHigh, "sweep", 1)
	if alloc == nil {
		t.Fatal("expected allocation")
	}
	// Force the expiry into the past and rely on the on-access sweep.
	rm.mu.Lock()
	rm.resources["drone-2"].Allocation.ExpiresAt = time.Now().Add(-time.Second)
	rm.mu.Unlock()

	available := rm.GetAvailable("drone")
	if len(available) != 1 {
		t.Fatalf("expected expired allocation swept, available: %d", len(available))
	}
	if rm.Allocate("drone-2", "exec-2", "wf", PriorityHigh, "sweep", 1) == nil {
		t.Error("expected allocation after expiry sweep")
	}
}

func TestResourceManager_AllocateByType(t *testing.T) {
	rm := NewResourceManager(testLogger())
	rm.AddResource("drone-a", "drone", ResourceAvailable)
	rm.AddResource("drone-b", "drone", ResourceAvailable)
	rm.AddResource("k9-1", "k9", ResourceAvailable)

	a1 := rm.AllocateByType("drone", "exec-1", "wf", PriorityHigh, "p", 5)
	a2 := rm.AllocateByType("drone", "exec-1", "wf", PriorityHigh, "p", 5)
	if a1 == nil || a2 == nil {
		t.Fatal("expected both drone allocations to succeed")
	}
	if a1.ResourceID == a2.ResourceID {
		t.Error("two holds must not share a resource")
	}
	if rm.AllocateByType("drone", "exec-2", "wf", PriorityHigh, "p", 5) != nil {
		t.Error("expected pool exhaustion for drones")
	}
	if rm.AllocateByType("k9", "exec-2", "wf", PriorityHigh, "p", 5) == nil {
		t.Error("other type should still allocate")
	}
}

func TestResourceManager_ReleaseAllFor(t *testing.T) {
	rm := NewResourceManager(testLogger())
	rm.AddResource("r1", "drone", ResourceAvailable)
	rm.AddResource("r2", "drone", ResourceAvailable)
	rm.AddResource("r3", "drone", ResourceAvailable)

	rm.Allocate("r1", "exec-1", "wf", PriorityHigh, "p", 5)
	rm.Allocate("r2", "exec-1", "wf", PriorityHigh, "p", 5)
	rm.Allocate("r3", "exec-other", "wf", PriorityHigh, "p", 5)

	if n := rm.ReleaseAllFor("exec-1"); n != 2 {
		t.Errorf("expected 2 released, got %d", n)
	}
	if len(rm.GetAvailable("drone")) != 2 {
		t.Errorf("expected 2 available after release")
	}
	if n := rm.ReleaseAllFor("exec-1"); n != 0 {
		t.Errorf("expected idempotent release, got %d", n)
	}
}

func TestResourceManager_Stats(t *testing.T) {
	rm := NewResourceManager(testLogger())
	rm.AddResource("r1", "drone", ResourceAvailable)
	rm.Allocate("r1", "e", "w", PriorityHigh, "p", 5)
	rm.Allocate("r1", "e2", "w", PriorityHigh, "p", 5) // refused

	stats := rm.Stats()
	if stats["allocations_granted"].(int64) != 1 {
		t.Errorf("expected 1 granted, got %v", stats["allocations_granted"])
	}
	if stats["allocations_refused"].(int64) != 1 {
		t.Errorf("expected 1 refused, got %v", stats["allocations_refused"])
	}
	byStatus := stats["by_status"].(map[string]int)
	if byStatus["ALLOCATED"] != 1 {
		t.Errorf("expected 1 allocated in status breakdown, got %v", byStatus)
	}
}

func TestResourceManager_AllocateByType_ConcurrentFillsWholePool(t *testing.T) {
	rm := NewResourceManager(testLogger())
	for _, id := range []string{"drone-1", "drone-2", "drone-3", "drone-4"} {
		rm.AddResource(id, "drone", ResourceAvailable)
	}

	var wg sync.WaitGroup
	results := make([]*ResourceAllocation, 4)
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i] = rm.AllocateByType("drone", "exec", "wf", PriorityHigh, "sweep", 5)
		}(i)
	}
	wg.Wait()

	seen := make(map[string]bool)
	for i, alloc := range results {
		if alloc == nil {
			t.Fatalf("allocator %d refused while pool had capacity", i)
		}
		if seen[alloc.ResourceID] {
			t.Errorf("resource %s granted twice", alloc.ResourceID)
		}
		seen[alloc.ResourceID] = true
	}

	stats := rm.Stats()
	if stats["allocations_refused"].(int64) != 0 {
		t.Errorf("expected 0 refusals, got %v", stats["allocations_refused"])
	}
	if stats["allocations_granted"].(int64) != 4 {
		t.Errorf("expected 4 grants, got %v", stats["allocations_granted"])
	}
}
