package clock

import (
	"sync"

	"github.com/dhannyz/liquidsoap/internal/source"
)

// Scheduler is the registry-facing contract every clock specialization
// satisfies. Registering at the most specific type (Wallclock,
// SelfSyncWallclock) rather than the embedded *Clock ensures the registry
// dispatches collection through any overridden StartOutputs (e.g. the
// wallclock's driving-thread spawn).
type Scheduler interface {
	ID() string
	StartOutputs(filter func(source.Active) bool) func() []StartupError
	Detach(pred func(source.Active) bool)
}

// registry is the process-wide set of live clocks. A clock stays registered
// until something calls Close on it: the map holds the Scheduler value
// itself, which is a strong reference, so there is no reclaiming a clock
// just because nothing else points at it anymore. Unregistration is
// therefore an explicit lifecycle step (Close), not a GC-driven one — Go
// has no weak reference primitive stable across the toolchain versions this
// module targets, and a map keyed on the object it is meant to let go of
// can never shrink on its own regardless of how it is triggered.
var (
	registryMu sync.Mutex
	registered = map[Scheduler]struct{}{}
)

// register adds c to the registry and returns a closer that removes it
// again. Constructors call this at their own, most-specific type and store
// the result on the embedded Clock's closeFn field, so Close() called
// through any specialization unregisters the right value.
func register(c Scheduler) func() {
	registryMu.Lock()
	registered[c] = struct{}{}
	registryMu.Unlock()
	return func() { unregister(c) }
}

func unregister(c Scheduler) {
	registryMu.Lock()
	delete(registered, c)
	registryMu.Unlock()
}

// allClocks returns a snapshot of every registered clock.
func allClocks() []Scheduler {
	registryMu.Lock()
	defer registryMu.Unlock()
	out := make([]Scheduler, 0, len(registered))
	for c := range registered {
		out = append(out, c)
	}
	return out
}
