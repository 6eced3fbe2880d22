package clock

import (
	"log/slog"
	"sync"
	"time"

	"github.com/dhannyz/liquidsoap/internal/source"
	"golang.org/x/time/rate"
)

// Wallclock is a Clock paced by real time: it runs a dedicated thread that
// calls EndTick on a schedule, either paced by the wall clock (sync mode)
// or delegated entirely to blocking sources' own I/O (non-sync mode).
type Wallclock struct {
	*Clock

	frameDuration time.Duration
	maxLatency    time.Duration

	doRunning sync.Mutex
	running   bool

	syncMu sync.Mutex
	sync_  bool

	// catchUpLog throttles the "catching up" warning to at most once per
	// second, per §4.4 step 4 ("a second has elapsed since
	// last_latency_log"), using a token-bucket limiter instead of a hand
	// timestamp diff.
	catchUpLog *rate.Limiter

	now func() time.Time // overridable for tests
}

// newWallclockUnregistered builds a Wallclock without registering it, for
// SelfSyncWallclock to wrap further before registering at its own type.
func newWallclockUnregistered(id string, frameDuration, maxLatency time.Duration) *Wallclock {
	return &Wallclock{
		Clock:         newUnregistered(id),
		frameDuration: frameDuration,
		maxLatency:    maxLatency,
		sync_:         true,
		catchUpLog:    rate.NewLimiter(rate.Every(time.Second), 1),
		now:           time.Now,
	}
}

// NewWallclock creates a wallclock with the given id, frame duration, and
// max latency (§6 config key root.max_latency), and registers it in the
// process-wide clock registry.
func NewWallclock(id string, frameDuration, maxLatency time.Duration) *Wallclock {
	w := newWallclockUnregistered(id, frameDuration, maxLatency)
	w.closeFn = register(w)
	return w
}

// setSync sets the pacing mode: true paces by real time, false delegates
// pacing to blocking sources' I/O.
func (w *Wallclock) setSync(v bool) {
	w.syncMu.Lock()
	w.sync_ = v
	w.syncMu.Unlock()
}

func (w *Wallclock) isSync() bool {
	w.syncMu.Lock()
	defer w.syncMu.Unlock()
	return w.sync_
}

// StartOutputs wraps Clock.StartOutputs so that, after startup, if any
// active source exists, the driving thread is spawned (idempotently).
func (w *Wallclock) StartOutputs(filter func(source.Active) bool) func() []StartupError {
	thunk := w.Clock.StartOutputs(filter)
	return func() []StartupError {
		errs := thunk()
		w.maybeStart()
		return errs
	}
}

func (w *Wallclock) maybeStart() {
	w.doRunning.Lock()
	defer w.doRunning.Unlock()
	if w.running {
		return
	}
	if !w.hasActiveOutputs() {
		return
	}
	w.running = true
	go w.run()
}

// run is the driving thread's main loop (§4.4).
func (w *Wallclock) run() {
	t0 := w.now()
	var ticks uint64
	var acc int

	defer func() {
		w.doRunning.Lock()
		w.running = false
		w.doRunning.Unlock()
	}()

	for {
		if len(w.Clock.Outputs()) == 0 {
			return
		}

		scheduled := t0.Add(w.frameDuration * time.Duration(ticks+1))
		delay := scheduled.Sub(w.now())

		syncing := w.isSync()

		if delay > 0 || !syncing {
			sleepFor := time.Duration(0)
			if syncing {
				sleepFor = delay
			}
			usleep(sleepFor)
			acc = 0
		} else {
			rem := delay
			switch {
			case rem < -w.maxLatency:
				w.resetActiveSources()
				t0 = w.now()
				ticks = 0
				acc = 0
				slog.Error("clock: latency overrun, resetting active sources",
					"clock", w.ID(), "overrun", -rem, "max_latency", w.maxLatency)
			case rem <= -time.Second || acc >= 100:
				if w.catchUpLog.Allow() {
					slog.Warn("clock: catching up on delay", "clock", w.ID(), "delay", -rem)
					acc = 0
				}
			default:
				acc++
			}
		}

		ticks++
		w.EndTick()
	}
}

func (w *Wallclock) hasActiveOutputs() bool {
	for _, e := range w.Clock.Outputs() {
		if e.Flag == Active {
			return true
		}
	}
	return false
}

func (w *Wallclock) resetActiveSources() {
	for _, e := range w.Clock.Outputs() {
		if e.Flag != Active {
			continue
		}
		if e.Source.IsActive() {
			e.Source.OutputReset()
		}
	}
}

// usleep sleeps for d, treating any non-positive duration as "return
// immediately". Go's time.Sleep already absorbs signal interruption
// (unlike POSIX nanosleep/usleep, it never reports EINTR to the caller),
// so unlike the reference implementation this needs no retry-suppression
// wrapper — a single call is already resilient.
func usleep(d time.Duration) {
	if d <= 0 {
		return
	}
	time.Sleep(d)
}
