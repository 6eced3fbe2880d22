package clock

import (
	"log/slog"
	"runtime/debug"
	"sync"
	"time"

	"github.com/dhannyz/liquidsoap/internal/source"
)

// defaultFrameDuration and defaultMaxLatency back the lazily constructed
// default clock unless overridden by SetDefaultMaxLatency before the first
// call to DefaultClock.
const (
	defaultFrameDuration = 20 * time.Millisecond
	defaultMaxLatency    = 60 * time.Second
)

type startState int

const (
	startNo startState = iota
	startSoon
	startYes
)

// globalLock guards after_collect_tasks and the clock-registry-wide
// startup coordination. Per-clock locks may be taken briefly while it is
// held (the harvest in Collect, the Attach in bindDefault), never the other
// way round; it is not held while startup thunks run.
var globalLock sync.Mutex

var (
	started           = startNo
	afterCollectTasks = 1 // a fake task held open until Start is called

	defaultClockOnce sync.Once
	defaultClockVal  *Wallclock
	defaultMaxLat    = defaultMaxLatency
)

// SetDefaultMaxLatency overrides the max_latency used to construct the
// default clock (§6 config key root.max_latency). It has no effect once
// DefaultClock has already been called.
func SetDefaultMaxLatency(d time.Duration) {
	globalLock.Lock()
	defer globalLock.Unlock()
	defaultMaxLat = d
}

// DefaultClock lazily constructs the process-wide default wallclock, named
// "main", the first time it is needed.
func DefaultClock() *Wallclock {
	defaultClockOnce.Do(func() {
		globalLock.Lock()
		maxLat := defaultMaxLat
		globalLock.Unlock()
		defaultClockVal = NewWallclock("main", defaultFrameDuration, maxLat)
	})
	return defaultClockVal
}

// Collect assigns the default clock to every unbound new source, then
// harvests and starts every registered clock's new outputs (§4.6).
//
// If must_lock is true, Collect acquires globalLock itself; pass false when
// the caller already holds it (e.g. from within CollectAfter's decrement).
func Collect(mustLock bool) {
	if mustLock {
		globalLock.Lock()
	}
	if afterCollectTasks > 0 {
		if mustLock {
			globalLock.Unlock()
		}
		return
	}

	source.IterateNew(func(o source.Active) {
		if !o.Clock().IsKnown() {
			bindDefault(o)
		}
	})

	clocks := allClocks()
	thunks := make([]func() []StartupError, 0, len(clocks))
	for _, c := range clocks {
		thunks = append(thunks, c.StartOutputs(func(source.Active) bool { return true }))
	}

	var runPostStep func()
	if started == startNo {
		started = startSoon
		runPostStep = func() {
			slog.Info("clock: main phase starts")
			globalLock.Lock()
			started = startYes
			globalLock.Unlock()
		}
	}

	if mustLock {
		globalLock.Unlock()
	}

	for _, t := range thunks {
		if errs := t(); len(errs) > 0 {
			for _, e := range errs {
				slog.Error("clock: startup failure during collection", "source", e.Source.ID(), "error", e.Err, "stack", string(debug.Stack()))
				if globalStarted() != startYes {
					requestGlobalShutdown("startup failure during initial boot")
				}
			}
		}
	}
	if runPostStep != nil {
		runPostStep()
	}
}

func globalStarted() startState {
	globalLock.Lock()
	defer globalLock.Unlock()
	return started
}

// bindDefault resolves o's clock variable to the default clock and, since
// nothing else will have attached o to any clock's outputs list before
// collection runs, attaches it there too.
func bindDefault(o source.Active) {
	dc := DefaultClock()
	if err := o.Clock().Resolve(dc.Clock); err != nil {
		slog.Error("clock: failed to bind default clock", "source", o.ID(), "error", err)
		return
	}
	dc.Attach(o)
}

// CollectAfter runs f with collection deferred: Collect performed while
// the task is in flight will simply return (see §4.6), and a final Collect
// runs once f has returned, whether or not it succeeded.
func CollectAfter(f func()) {
	globalLock.Lock()
	afterCollectTasks++
	globalLock.Unlock()

	defer func() {
		globalLock.Lock()
		afterCollectTasks--
		globalLock.Unlock()
		Collect(false)
	}()

	f()
}

// ForceInit synchronously assigns the default clock to filtered new
// sources and starts every clock, returning the concatenated startup
// errors. Used at early boot, before Start has been called.
func ForceInit(filter func(source.Active) bool) []StartupError {
	globalLock.Lock()
	source.IterateNew(func(o source.Active) {
		if filter(o) && !o.Clock().IsKnown() {
			bindDefault(o)
		}
	})
	clocks := allClocks()
	globalLock.Unlock()

	var all []StartupError
	for _, c := range clocks {
		thunk := c.StartOutputs(filter)
		all = append(all, thunk()...)
	}
	return all
}

// Start must be called exactly once, after initial configuration is
// loaded. It releases the fake task held open since process start and
// triggers the first real collection.
func Start() {
	globalLock.Lock()
	afterCollectTasks--
	globalLock.Unlock()
	Collect(false)
}

// Stop detaches every source from every registered clock. Streaming
// threads observe empty outputs at their next loop iteration and exit.
func Stop() {
	for _, c := range allClocks() {
		c.Detach(func(source.Active) bool { return true })
	}
}

var shutdownHandler func(reason string)

// SetShutdownHandler installs the process-wide callback invoked when a
// clock requests a global shutdown (an unrecoverable streaming or startup
// failure, per §7). There is no default handler; callers running a real
// process should install one that stops the process.
func SetShutdownHandler(f func(reason string)) {
	globalLock.Lock()
	defer globalLock.Unlock()
	shutdownHandler = f
}

func requestGlobalShutdown(reason string) {
	globalLock.Lock()
	h := shutdownHandler
	globalLock.Unlock()
	if h != nil {
		h(reason)
		return
	}
	slog.Error("clock: global shutdown requested, no handler installed", "reason", reason)
}
