package clock

import (
	"log/slog"
	"sync"
	"time"
)

// SelfSyncWallclock is a Wallclock that switches sync off while at least
// one registered blocking source is running (§4.5). Intended for devices
// whose own I/O provides the tick (a soundcard blocks on write); this lets
// the wallclock avoid a busy loop when all blocking sources are stopped and
// no one else is pacing it, while still delegating pacing to the blocking
// source(s) whenever one is active.
type SelfSyncWallclock struct {
	*Wallclock

	bsMu sync.Mutex
	bs   int
}

// NewSelfSyncWallclock creates a self-sync wallclock and registers it in
// the process-wide clock registry.
func NewSelfSyncWallclock(id string, frameDuration, maxLatency time.Duration) *SelfSyncWallclock {
	s := &SelfSyncWallclock{Wallclock: newWallclockUnregistered(id, frameDuration, maxLatency)}
	s.closeFn = register(s)
	return s
}

// RegisterBlockingSource marks one more blocking source as running. The
// first registration switches sync off.
func (s *SelfSyncWallclock) RegisterBlockingSource() {
	s.bsMu.Lock()
	defer s.bsMu.Unlock()
	if s.bs == 0 {
		slog.Info("clock: delegating pacing to blocking source", "clock", s.ID())
		s.setSync(false)
	}
	s.bs++
}

// UnregisterBlockingSource marks one blocking source as stopped. Once none
// remain, sync is switched back on.
func (s *SelfSyncWallclock) UnregisterBlockingSource() {
	s.bsMu.Lock()
	defer s.bsMu.Unlock()
	s.bs--
	if s.bs == 0 {
		slog.Info("clock: resynching to wall clock", "clock", s.ID())
		s.setSync(true)
	}
}

// BlockingSources returns the number of currently registered blocking
// sources, for tests and diagnostics.
func (s *SelfSyncWallclock) BlockingSources() int {
	s.bsMu.Lock()
	defer s.bsMu.Unlock()
	return s.bs
}
