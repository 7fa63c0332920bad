package orchestration

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// ResourceStatus is the lifecycle state of an allocatable resource.
type ResourceStatus string

const (
	ResourceAvailable ResourceStatus = "AVAILABLE"
	ResourceAllocated ResourceStatus = "ALLOCATED"
	ResourceOffline   ResourceStatus = "OFFLINE"
)

// Resource is one allocatable asset (drone, robot, patrol unit, ...).
type Resource struct {
	ID         string          `json:"id" yaml:"id"`
	Type       string          `json:"type" yaml:"type"`
	Status     ResourceStatus  `json:"status" yaml:"status"`
	Allocation *ResourceAllocation `json:"allocation,omitempty" yaml:"-"`
}

// ResourceAllocation is a time-bounded exclusive hold on one resource.
type ResourceAllocation struct {
	ID          string    `json:"id"`
	ResourceID  string    `json:"resource_id"`
	ExecutionID string    `json:"execution_id"`
	RequesterID string    `json:"requester_id"`
	Priority    Priority  `json:"priority"`
	Purpose     string    `json:"purpose"`
	GrantedAt   time.Time `json:"granted_at"`
	ExpiresAt   time.Time `json:"expires_at"`
}

// PreemptionPolicy decides what happens when a request targets a held
// resource. Only "refuse" is implemented: the request fails, it is not
// queued and the holder is not preempted.
type PreemptionPolicy string

const PreemptRefuse PreemptionPolicy = "refuse"

// ResourceManager arbitrates exclusive, bounded-duration holds over a finite
// resource pool. Expired allocations are released both on access and by a
// background sweep.
type ResourceManager struct {
	mu        sync.Mutex
	logger    zerolog.Logger
	resources map[string]*Resource
	policy    PreemptionPolicy

	granted  int64
	refused  int64
	released int64
	expired  int64
}

// NewResourceManager creates an empty resource pool.
func NewResourceManager(logger zerolog.Logger) *ResourceManager {
	return &ResourceManager{
		logger:    logger.With().Str("component", "resource_manager").Logger(),
		resources: make(map[string]*Resource),
		policy:    PreemptRefuse,
	}
}

// AddResource registers a resource. An empty status defaults to AVAILABLE.
func (rm *ResourceManager) AddResource(id, resourceType string, status ResourceStatus) {
	if status == "" {
		status = ResourceAvailable
	}
	rm.mu.Lock()
	rm.resources[id] = &Resource{ID: id, Type: resourceType, Status: status}
	rm.mu.Unlock()
	rm.logger.Info().Str("resource", id).Str("type", resourceType).Msg("resource registered")
}

// Allocate grants an exclusive hold on a resource for durationMinutes.
// Returns nil if the resource is unknown, offline, or already allocated.
func (rm *ResourceManager) Allocate(resourceID, executionID, requesterID string, priority Priority, purpose string, durationMinutes int) *ResourceAllocation {
	rm.mu.Lock()
	defer rm.mu.Unlock()

	res, ok := rm.resources[resourceID]
	if !ok {
		rm.refused++
		return nil
	}
	rm.sweepOneLocked(res, time.Now())

	if res.Status != ResourceAvailable {
		rm.refused++
		rm.logger.Debug().
			Str("resource", resourceID).
			Str("requester", requesterID).
			Str("status", string(res.Status)).
			Msg("allocation refused")
		return nil
	}

	return rm.grantLocked(res, executionID, requesterID, priority, purpose, durationMinutes)
}

// AllocateByType grants a hold on any available resource of the given type.
// Selection and grant happen under one lock so a concurrent allocator cannot
// steal the chosen resource between the two.
func (rm *ResourceManager) AllocateByType(resourceType, executionID, requesterID string, priority Priority, purpose string, durationMinutes int) *ResourceAllocation {
	rm.mu.Lock()
	defer rm.mu.Unlock()

	now := time.Now()
	ids := make([]string, 0, len(rm.resources))
	for id := range rm.resources {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for _, id := range ids {
		res := rm.resources[id]
		rm.sweepOneLocked(res, now)
		if res.Type == resourceType && res.Status == ResourceAvailable {
			return rm.grantLocked(res, executionID, requesterID, priority, purpose, durationMinutes)
		}
	}
	rm.refused++
	return nil
}

// grantLocked records an allocation on an available resource.
func (rm *ResourceManager) grantLocked(res *Resource, executionID, requesterID string, priority Priority, purpose string, durationMinutes int) *ResourceAllocation {
	now := time.Now().UTC()
	alloc := &ResourceAllocation{
		ID:          uuid.New().String(),
		ResourceID:  res.ID,
		ExecutionID: executionID,
		RequesterID: requesterID,
		Priority:    priority,
		Purpose:     purpose,
		GrantedAt:   now,
		ExpiresAt:   now.Add(time.Duration(durationMinutes) * time.Minute),
	}
	res.Status = ResourceAllocated
	res.Allocation = alloc
	rm.granted++

	rm.logger.Info().
		Str("resource", res.ID).
		Str("execution_id", executionID).
		Str("purpose", purpose).
		Time("expires_at", alloc.ExpiresAt).
		Msg("resource allocated")
	return alloc
}

// Release frees a resource. Idempotent: releasing an unknown or unallocated
// resource returns false without side effects.
func (rm *ResourceManager) Release(resourceID string) bool {
	rm.mu.Lock()
	defer rm.mu.Unlock()

	res, ok := rm.resources[resourceID]
	if !ok || res.Status != ResourceAllocated {
		return false
	}
	res.Status = ResourceAvailable
	res.Allocation = nil
	rm.released++
	rm.logger.Info().Str("resource", resourceID).Msg("resource released")
	return true
}

// ReleaseAllFor frees every resource held by one execution. Returns the
// number released. Used by cancellation and timeout cleanup.
func (rm *ResourceManager) ReleaseAllFor(executionID string) int {
	rm.mu.Lock()
	defer rm.mu.Unlock()

	count := 0
	for _, res := range rm.resources {
		if res.Status == ResourceAllocated && res.Allocation != nil && res.Allocation.ExecutionID == executionID {
			res.Status = ResourceAvailable
			res.Allocation = nil
			rm.released++
			count++
		}
	}
	if count > 0 {
		rm.logger.Info().Str("execution_id", executionID).Int("released", count).Msg("execution resources released")
	}
	return count
}

// GetAvailable returns available resources, optionally filtered by type.
func (rm *ResourceManager) GetAvailable(resourceType string) []*Resource {
	rm.mu.Lock()
	defer rm.mu.Unlock()

	now := time.Now()
	out := make([]*Resource, 0)
	for _, res := range rm.resources {
		rm.sweepOneLocked(res, now)
		if res.Status != ResourceAvailable {
			continue
		}
		if resourceType != "" && res.Type != resourceType {
			continue
		}
		out = append(out, res)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// GetAll returns every resource sorted by ID.
func (rm *ResourceManager) GetAll() []*Resource {
	rm.mu.Lock()
	defer rm.mu.Unlock()

	now := time.Now()
	out := make([]*Resource, 0, len(rm.resources))
	for _, res := range rm.resources {
		rm.sweepOneLocked(res, now)
		out = append(out, res)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// SetStatus marks a resource online or offline. Taking an allocated resource
// offline drops its allocation.
func (rm *ResourceManager) SetStatus(resourceID string, status ResourceStatus) bool {
	rm.mu.Lock()
	defer rm.mu.Unlock()
	res, ok := rm.resources[resourceID]
	if !ok {
		return false
	}
	res.Status = status
	if status != ResourceAllocated {
		res.Allocation = nil
	}
	return true
}

// sweepOneLocked auto-releases an allocation whose expiry has passed.
func (rm *ResourceManager) sweepOneLocked(res *Resource, now time.Time) {
	if res.Status == ResourceAllocated && res.Allocation != nil && now.After(res.Allocation.ExpiresAt) {
		rm.logger.Warn().
			Str("resource", res.ID).
			Str("execution_id", res.Allocation.ExecutionID).
			Msg("allocation expired, auto-releasing")
		res.Status = ResourceAvailable
		res.Allocation = nil
		rm.expired++
	}
}

// StartSweeper runs the background expiry sweep until ctx is cancelled.
func (rm *ResourceManager) StartSweeper(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				rm.mu.Lock()
				now := time.Now()
				for _, res := range rm.resources {
					rm.sweepOneLocked(res, now)
				}
				rm.mu.Unlock()
			}
		}
	}()
}

// Stats returns resource pool counters.
func (rm *ResourceManager) Stats() map[string]interface{} {
	rm.mu.Lock()
	defer rm.mu.Unlock()

	byStatus := make(map[string]int)
	byType := make(map[string]int)
	for _, res := range rm.resources {
		byStatus[string(res.Status)]++
		byType[res.Type]++
	}
	return map[string]interface{}{
		"total":                len(rm.resources),
		"by_status":            byStatus,
		"by_type":              byType,
		"allocations_granted":  rm.granted,
		"allocations_refused":  rm.refused,
		"allocations_released": rm.released,
		"allocations_expired":  rm.expired,
		"preemption_policy":    string(rm.policy),
	}
}
