// Package source defines the producer/consumer contract driven by
// internal/clock, and the process-wide queue of newly created active
// sources that the collector consumes at collection time.
package source

import (
	"sync"

	"github.com/google/uuid"
	"github.com/dhannyz/liquidsoap/internal/clockvar"
)

// Type distinguishes sources whose operations can fail at runtime from
// those that cannot.
type Type int

const (
	// Infallible sources never return an error from Output.
	Infallible Type = iota
	// Fallible sources may fail; a failure removes them from their clock.
	Fallible
)

// ClockVar is the concrete clock-variable type used throughout the system:
// a unification cell over an opaque clock identity. internal/clock binds
// the concrete *Clock behind this identity; internal/source only needs to
// know it is a comparable handle, to avoid an import cycle with
// internal/clock.
type ClockVar = clockvar.Var[any]

// Source is the capability set common to every producer: {get_ready
// analog is handled by Active below; a passive Source only needs clock
// binding and identity}.
type Source interface {
	ID() string
	Clock() ClockVar
	Type() Type
}

// Active is a source that also participates in ticks: it is initialized,
// produces one frame per tick, and is torn down exactly once.
type Active interface {
	Source

	// GetReady initializes the source. May return an error (StartupFailure).
	GetReady() error
	// OutputGetReady finalizes initialization after a startup wake-up.
	OutputGetReady() error
	// Output produces one frame. May return an error (StreamingFailure).
	Output() error
	// AfterOutput runs after every source has been given a chance to
	// Output in the current tick.
	AfterOutput()
	// IsActive reports whether the source is still usable.
	IsActive() bool
	// OutputReset drops internal state after a latency reset.
	OutputReset()
	// Leave releases resources. Errors are logged and swallowed by the
	// caller; Leave itself should not panic.
	Leave()
}

// Base provides the common bookkeeping (id, clock variable, type) that
// concrete sources embed, matching the teacher's struct-embedding idiom for
// sharing cross-cutting fields across concrete implementations.
type Base struct {
	id    string
	clock ClockVar
	typ   Type
}

// NewBase creates a Base with the given type. If id is empty a uuid is
// generated, matching the teacher's TraceID convention.
func NewBase(id string, typ Type) Base {
	if id == "" {
		id = uuid.New().String()
	}
	return Base{id: id, clock: clockvar.Unknown[any](), typ: typ}
}

func (b *Base) ID() string      { return b.id }
func (b *Base) Clock() ClockVar { return b.clock }
func (b *Base) Type() Type      { return b.typ }

// BindClock unifies this source's clock variable with v. Returns
// clockvar.ErrConflict if already bound to a different clock.
func (b *Base) BindClock(v ClockVar) error {
	return clockvar.Unify(b.clock, v)
}

var (
	newOutputsMu sync.Mutex
	newOutputs   []Active
)

// Register records s in the process-wide queue of active sources created
// since the last collection. Called once, at construction time, by every
// concrete Active implementation.
func Register(s Active) {
	newOutputsMu.Lock()
	defer newOutputsMu.Unlock()
	newOutputs = append(newOutputs, s)
}

// IterateNew drains the process-wide queue of newly created sources,
// calling f once per source in creation order. Sources are removed from
// the queue as they are delivered, so a concurrent Register during
// iteration is safe and simply queues for the next collection.
func IterateNew(f func(Active)) {
	newOutputsMu.Lock()
	batch := newOutputs
	newOutputs = nil
	newOutputsMu.Unlock()

	for _, s := range batch {
		f(s)
	}
}
