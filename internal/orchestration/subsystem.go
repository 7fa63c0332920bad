package orchestration

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// SubsystemInvoker is the abstract capability a workflow step dispatches to
// (drone control, unit dispatch, records lookup, ...). Implementations must
// honor ctx cancellation and deadlines.
type SubsystemInvoker interface {
	// Name returns the subsystem identifier steps target.
	Name() string
	// Invoke performs one action and returns a human-readable result.
	Invoke(ctx context.Context, actionType string, params map[string]string) (string, error)
}

// subsystemRegistry maps target subsystem names to invokers. Adding a
// subsystem means registering one invoker, not branching logic.
type subsystemRegistry struct {
	mu       sync.RWMutex
	logger   zerolog.Logger
	invokers map[string]SubsystemInvoker
}

func newSubsystemRegistry(logger zerolog.Logger) *subsystemRegistry {
	return &subsystemRegistry{
		logger:   logger.With().Str("component", "subsystem_registry").Logger(),
		invokers: make(map[string]SubsystemInvoker),
	}
}

func (sr *subsystemRegistry) Register(inv SubsystemInvoker) error {
	sr.mu.Lock()
	defer sr.mu.Unlock()
	name := inv.Name()
	if _, exists := sr.invokers[name]; exists {
		return fmt.Errorf("subsystem %q already registered", name)
	}
	sr.invokers[name] = inv
	sr.logger.Info().Str("subsystem", name).Msg("subsystem registered")
	return nil
}

func (sr *subsystemRegistry) Get(name string) (SubsystemInvoker, bool) {
	sr.mu.RLock()
	defer sr.mu.RUnlock()
	inv, ok := sr.invokers[name]
	return inv, ok
}

func (sr *subsystemRegistry) Names() []string {
	sr.mu.RLock()
	defer sr.mu.RUnlock()
	names := make([]string, 0, len(sr.invokers))
	for name := range sr.invokers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// SimulatedSubsystem is an invoker with configurable latency and failure,
// used by the default wiring and tests.
type SimulatedSubsystem struct {
	SubsystemName string
	Latency       time.Duration
	FailEvery     int // every Nth call fails; 0 never fails

	mu    sync.Mutex
	calls int
}

func (s *SimulatedSubsystem) Name() string { return s.SubsystemName }

// Invoke waits out the configured latency (or the context, whichever ends
// first) and reports success or a simulated failure.
func (s *SimulatedSubsystem) Invoke(ctx context.Context, actionType string, params map[string]string) (string, error) {
	s.mu.Lock()
	s.calls++
	n := s.calls
	s.mu.Unlock()

	if s.Latency > 0 {
		timer := time.NewTimer(s.Latency)
		defer timer.Stop()
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-timer.C:
		}
	} else if err := ctx.Err(); err != nil {
		return "", err
	}

	if s.FailEvery > 0 && n%s.FailEvery == 0 {
		return "", fmt.Errorf("%s: simulated failure on call %d", s.SubsystemName, n)
	}
	return fmt.Sprintf("%s acknowledged %s", s.SubsystemName, actionType), nil
}

// Calls returns how many invocations the subsystem has received.
func (s *SimulatedSubsystem) Calls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}
