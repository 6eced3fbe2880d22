// Package clock implements the clock-driven streaming scheduler: named
// clocks that own a set of active sources and drive them tick by tick,
// plus the wallclock/self-sync specializations and the process-wide
// collector that assigns sources to a default clock and starts them.
package clock

import (
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"

	"github.com/google/uuid"
	"github.com/dhannyz/liquidsoap/internal/clockvar"
	"github.com/dhannyz/liquidsoap/internal/source"
)

// Flag describes where an attached source sits in its lifecycle inside one
// clock. Allowed transitions: New -> Starting -> Active -> Old -> (removed);
// Starting -> Aborted -> (removed); New -> (removed via detach).
type Flag int

const (
	// FlagNew means just attached, not yet started.
	FlagNew Flag = iota
	// Starting means selected for startup in this collection pass.
	Starting
	// Aborted means detached while still Starting.
	Aborted
	// Active means initialized and participating in end_tick.
	Active
	// Old means detached while Active; torn down at the next end_tick.
	Old
)

func (f Flag) String() string {
	switch f {
	case FlagNew:
		return "new"
	case Starting:
		return "starting"
	case Aborted:
		return "aborted"
	case Active:
		return "active"
	case Old:
		return "old"
	default:
		return "unknown"
	}
}

// ErrClockConflict is returned when unifying two distinct known clocks.
var ErrClockConflict = clockvar.ErrConflict

// Var is a clock variable bound, when known, to a *Clock.
type Var = source.ClockVar

// Unknown creates a fresh unbound clock variable.
func Unknown() Var { return clockvar.Unknown[any]() }

// KnownVar creates a clock variable already bound to c.
func KnownVar(c *Clock) Var { return clockvar.Known[any](c) }

type entry struct {
	flag   Flag
	source source.Active
}

// Clock is a named scheduler owning a mutable list of (flag, active
// source) pairs and a set of sub-clock variables depending on it.
type Clock struct {
	id string

	mu      sync.Mutex
	outputs []entry
	subs    map[Var]struct{}
	round   uint64

	allowStreamingErrors bool
	onShutdownRequested  func(reason string)

	closeFn func()
}

// newUnregistered builds a Clock without registering it, for use by
// specializations (Wallclock, SelfSyncWallclock) that register themselves
// at their own, more specific type so the registry dispatches to their
// overridden StartOutputs.
func newUnregistered(id string) *Clock {
	if id == "" {
		id = uuid.New().String()
	}
	return &Clock{id: id, subs: make(map[Var]struct{})}
}

// New creates a clock with the given id (a uuid is generated if empty) and
// registers it in the process-wide registry.
func New(id string) *Clock {
	c := newUnregistered(id)
	c.closeFn = register(c)
	return c
}

// ID returns the clock's name.
func (c *Clock) ID() string { return c.id }

// Close unregisters the clock from the process-wide registry: it no longer
// appears in Collect/CollectAfter/Start/Stop's allClocks(). A caller that
// still holds a reference may keep calling Attach/EndTick/etc. directly;
// Close only removes the clock from collection. Safe to call more than
// once or on a clock that was never registered.
func (c *Clock) Close() {
	c.mu.Lock()
	fn := c.closeFn
	c.closeFn = nil
	c.mu.Unlock()
	if fn != nil {
		fn()
	}
}

// SetAllowStreamingErrors controls whether end_tick requests a global
// shutdown when a source fails during Output (§4.3 step 5, §6 config key
// clock.allow_streaming_errors).
func (c *Clock) SetAllowStreamingErrors(allow bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.allowStreamingErrors = allow
}

// OnShutdownRequested installs the callback invoked when end_tick decides
// the process must shut down (an unrecoverable streaming error with
// allow_streaming_errors=false). A clock with no callback installed passes
// the request to the process-wide handler set with SetShutdownHandler, and
// keeps driving leaves either way.
func (c *Clock) OnShutdownRequested(f func(reason string)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onShutdownRequested = f
}

// Attach adds s with flag New if not already present. Idempotent.
func (c *Clock) Attach(s source.Active) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, e := range c.outputs {
		if e.source == s {
			return
		}
	}
	c.outputs = append(c.outputs, entry{flag: FlagNew, source: s})
}

// Detach transitions every source matching pred: New->removed,
// Starting->Aborted, Active->Old, Old/Aborted unchanged.
func (c *Clock) Detach(pred func(source.Active) bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	kept := c.outputs[:0]
	for _, e := range c.outputs {
		if !pred(e.source) {
			kept = append(kept, e)
			continue
		}
		switch e.flag {
		case FlagNew:
			// removed
		case Starting:
			kept = append(kept, entry{flag: Aborted, source: e.source})
		case Active:
			kept = append(kept, entry{flag: Old, source: e.source})
		case Old, Aborted:
			kept = append(kept, e)
		}
	}
	c.outputs = kept
}

// AttachClock records v as a sub-clock depending on c.
func (c *Clock) AttachClock(v Var) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.subs[v] = struct{}{}
}

// DetachClock removes v from c's sub-clocks. v must already be a member.
func (c *Clock) DetachClock(v Var) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.subs[v]; !ok {
		return fmt.Errorf("clock %s: detach_clock of non-member variable", c.id)
	}
	delete(c.subs, v)
	return nil
}

// GetTick returns the current round (monotone tick counter).
func (c *Clock) GetTick() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.round
}

// Outputs returns a snapshot of (flag, source) pairs, for tests and
// diagnostics. The snapshot is not live.
func (c *Clock) Outputs() []struct {
	Flag   Flag
	Source source.Active
} {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]struct {
		Flag   Flag
		Source source.Active
	}, len(c.outputs))
	for i, e := range c.outputs {
		out[i] = struct {
			Flag   Flag
			Source source.Active
		}{e.flag, e.source}
	}
	return out
}

// StartupError pairs a source that failed to start with the error it
// raised.
type StartupError struct {
	Source source.Active
	Err    error
}

// StartOutputs performs the two-phase startup protocol (§4.3):
//
//  1. Harvest, under lock: every New source matching filter moves to
//     Starting and is collected into a to-start list.
//  2. Startup, outside the lock: GetReady then OutputGetReady is called on
//     each; failures are recorded.
//  3. Re-entering the lock: Starting->Active on success, Aborted sources
//     and errored Starting sources are left (Leave'd) outside the lock.
//
// StartOutputs returns a thunk performing phases 2-3; calling it runs
// startup and returns the list of startup errors. Splitting harvest from
// startup this way lets callers harvest many clocks under their locks
// before running any (possibly slow, possibly nested-collection-triggering)
// startup code.
func (c *Clock) StartOutputs(filter func(source.Active) bool) func() []StartupError {
	c.mu.Lock()
	var toStart []source.Active
	for i, e := range c.outputs {
		if e.flag == FlagNew && filter(e.source) {
			c.outputs[i].flag = Starting
			toStart = append(toStart, e.source)
		}
	}
	c.mu.Unlock()

	return func() []StartupError {
		return c.runStartup(toStart)
	}
}

type startupOutcome struct {
	src source.Active
	err error
}

func (c *Clock) runStartup(toStart []source.Active) []StartupError {
	if len(toStart) == 0 {
		return nil
	}

	outcomes := make([]startupOutcome, len(toStart))
	for i, s := range toStart {
		err := s.GetReady()
		if err == nil {
			err = s.OutputGetReady()
		}
		outcomes[i] = startupOutcome{src: s, err: err}
	}

	var toLeave []source.Active
	var errs []StartupError

	c.mu.Lock()
	for _, o := range outcomes {
		idx := -1
		for i, e := range c.outputs {
			if e.source == o.src {
				idx = i
				break
			}
		}
		if idx == -1 {
			// No longer present in outputs; nothing to transition.
			continue
		}
		switch c.outputs[idx].flag {
		case Aborted:
			toLeave = append(toLeave, o.src)
			if o.err != nil {
				// Double-dispatch: the source both failed to start and
				// was aborted. Per DESIGN NOTES Open Question, this is
				// accepted: the caller sees the error *and* the source is
				// torn down via the Aborted path, never left dangling.
				errs = append(errs, StartupError{Source: o.src, Err: o.err})
			}
			c.outputs = removeAt(c.outputs, idx)
			continue
		case Starting:
			if o.err != nil {
				errs = append(errs, StartupError{Source: o.src, Err: o.err})
				toLeave = append(toLeave, o.src)
				c.outputs = removeAt(c.outputs, idx)
			} else {
				c.outputs[idx].flag = Active
			}
		}
	}
	c.mu.Unlock()

	for _, s := range toLeave {
		safeLeave(s)
	}

	return errs
}

func removeAt(s []entry, i int) []entry {
	return append(s[:i], s[i+1:]...)
}

func safeLeave(s source.Active) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("clock: panic during leave, swallowed", "source", s.ID(), "panic", r)
		}
	}()
	s.Leave()
}

// EndTick runs one streaming tick per §4.3:
//
//  1. Under lock, partitions outputs into leaving (Old) and active
//     (Active), keeping the rest.
//  2. Leaves every leaving source, outside the lock.
//  3. Calls Output on every active source, outside the lock; failures are
//     recorded and the source is immediately left.
//  4. Under lock, removes every failed source from outputs.
//  5. If any source failed and allow_streaming_errors is false, requests a
//     global shutdown (but does not stop driving; pending leaves must
//     still complete).
//  6. Increments round.
//  7. Outside the lock, calls AfterOutput on every still-active source.
func (c *Clock) EndTick() {
	c.mu.Lock()
	var leaving, active []source.Active
	kept := c.outputs[:0]
	for _, e := range c.outputs {
		switch e.flag {
		case Old:
			leaving = append(leaving, e.source)
		case Active:
			active = append(active, e.source)
			kept = append(kept, e)
		default:
			kept = append(kept, e)
		}
	}
	c.outputs = kept
	allowErrors := c.allowStreamingErrors
	shutdownCB := c.onShutdownRequested
	c.mu.Unlock()

	for _, s := range leaving {
		safeLeave(s)
	}

	var failed []source.Active
	for _, s := range active {
		if err := s.Output(); err != nil {
			slog.Error("clock: streaming failure, source removed", "source", s.ID(), "error", err, "stack", string(debug.Stack()))
			failed = append(failed, s)
			safeLeave(s)
		}
	}

	if len(failed) > 0 {
		c.mu.Lock()
		failedSet := make(map[source.Active]struct{}, len(failed))
		for _, s := range failed {
			failedSet[s] = struct{}{}
		}
		kept := c.outputs[:0]
		for _, e := range c.outputs {
			if _, ok := failedSet[e.source]; ok {
				continue
			}
			kept = append(kept, e)
		}
		c.outputs = kept
		c.mu.Unlock()

		if !allowErrors {
			reason := fmt.Sprintf("streaming failure in %d source(s)", len(failed))
			if shutdownCB != nil {
				shutdownCB(reason)
			} else {
				requestGlobalShutdown(reason)
			}
		}
	}

	c.mu.Lock()
	c.round++
	c.mu.Unlock()

	for _, s := range active {
		if s.IsActive() {
			s.AfterOutput()
		}
	}
}
