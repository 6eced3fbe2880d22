// Package harbor implements the buffered network ingest source: a
// socket-fed decoder that decodes a live encoded stream into a bounded
// sample buffer (internal/generator.Generator) guarded by a mutex, handling
// backpressure by dropping old samples, and integrating with
// internal/clock as a fallible active source.
package harbor

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"github.com/dhannyz/liquidsoap/internal/generator"
	"github.com/dhannyz/liquidsoap/internal/source"
)

// Credentials is a username/password pair presented by a connecting client.
type Credentials struct {
	User string
	Pass string
}

// AuthFunc is an authentication callback for a connecting client. Relay
// does not call it: every connection is accepted whether or not one is
// installed.
type AuthFunc func(Credentials) bool

// Source is a harbor input: it accepts one connected client at a time,
// decodes its stream through a negotiated codec, and buffers the decoded
// PCM for downstream consumption.
type Source struct {
	source.Base

	mountpoint string

	// stateMu protects connection-lifecycle state: relaying, the selected
	// decoder, the dump handle, and callbacks. Held only for short
	// sequences, never across decoder or socket calls.
	stateMu      sync.Mutex
	relaying     bool
	stype        string
	decoder      DecoderFunc
	dump         *os.File
	dumpPath     string
	conn         io.ReadWriteCloser
	auth         AuthFunc
	onConnect    func()
	onDisconnect func()

	// bufMu ("lock" in §4.7) protects abg. It is released around the
	// backpressure sleep in Put to let the consumer make progress — this
	// is intentional, not a bug to "fix" by holding it continuously.
	bufMu      sync.Mutex
	abg        *generator.Generator
	maxSeconds float64

	dropWarn *rate.Limiter

	left     atomic.Bool
	wakeOnce sync.Once
}

// Option configures a Source at construction time.
type Option func(*Source)

// WithAuth stores an authentication callback on the source; Relay does not
// consult it.
func WithAuth(f AuthFunc) Option { return func(s *Source) { s.auth = f } }

// WithCallbacks installs connect/disconnect callbacks, run synchronously at
// the corresponding state transitions.
func WithCallbacks(onConnect, onDisconnect func()) Option {
	return func(s *Source) {
		s.onConnect = onConnect
		s.onDisconnect = onDisconnect
	}
}

// WithDump configures a debug capture file, opened on each connect and
// closed on disconnect.
func WithDump(path string) Option { return func(s *Source) { s.dumpPath = path } }

// New creates a harbor input source bound to mountpoint, with a generator
// capacity derived from maxSeconds and sampleRate.
func New(mountpoint string, sampleRate, bytesPerSample int, maxSeconds float64, opts ...Option) *Source {
	s := &Source{
		Base:       source.NewBase("", source.Fallible),
		mountpoint: mountpoint,
		abg:        generator.New(sampleRate, bytesPerSample, maxSeconds),
		maxSeconds: maxSeconds,
		dropWarn:   rate.NewLimiter(rate.Every(time.Second), 1),
	}
	for _, o := range opts {
		o(s)
	}
	source.Register(s)
	return s
}

// Mountpoint returns the path this source is routed from.
func (s *Source) Mountpoint() string { return s.mountpoint }

// WakeUp idempotently registers this source's telemetry commands. In this
// port the commands are always reachable through Stop/Kick/Status and any
// adapter (e.g. internal/harbor/telemetryhttp) built atop them; WakeUp only
// needs to mark that registration has happened, for parity with the
// reference's namespaced command registration.
func (s *Source) WakeUp() {
	s.wakeOnce.Do(func() {
		slog.Info("harbor: source ready for telemetry commands", "mount", s.mountpoint, "id", s.ID())
	})
}

// RegisterDecoder looks up codecName in the process-wide decoder registry
// and, if found, selects it as this source's decoder for the next
// connection. Returns ErrUnknownCodec if no decoder is registered under
// that name.
func (s *Source) RegisterDecoder(codecName string) error {
	fn, ok := lookupDecoder(codecName)
	if !ok {
		return fmt.Errorf("harbor: codec %q: %w", codecName, ErrUnknownCodec)
	}
	s.stateMu.Lock()
	s.stype = codecName
	s.decoder = fn
	s.stateMu.Unlock()
	return nil
}

// ErrAlreadyRelaying is returned by Relay when a client is already
// connected.
var ErrAlreadyRelaying = fmt.Errorf("harbor: already relaying")

// Relay accepts a connected client: marks the source as relaying, runs
// on_connect, opens the dump file if configured, and spawns the decoder
// thread (feed).
func (s *Source) Relay(conn io.ReadWriteCloser) error {
	s.stateMu.Lock()
	if s.relaying {
		s.stateMu.Unlock()
		return ErrAlreadyRelaying
	}
	if s.decoder == nil {
		s.stateMu.Unlock()
		return fmt.Errorf("harbor: relay: %w", ErrNoDecoder)
	}
	s.relaying = true
	s.conn = conn
	onConnect := s.onConnect
	if s.dumpPath != "" {
		f, err := os.Create(s.dumpPath)
		if err != nil {
			slog.Error("harbor: failed to open dump file", "path", s.dumpPath, "error", err)
		} else {
			s.dump = f
		}
	}
	decoder := s.decoder
	s.stateMu.Unlock()

	if onConnect != nil {
		onConnect()
	}

	go s.feed(conn, decoder)
	return nil
}

// feed runs the negotiated decoder against conn until it returns, the
// connection is closed from the outside (Stop/Kick), or the decoder
// panics. It unconditionally disconnects and closes the socket afterward.
func (s *Source) feed(conn io.ReadWriteCloser, decoder DecoderFunc) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("harbor: decoder panicked, recovered", "mount", s.mountpoint, "panic", r)
		}
		s.disconnect()
		conn.Close()
	}()

	sink := &sinkImpl{s: s, conn: conn}
	if err := decoder(sink); err != nil {
		slog.Warn("harbor: decoder exited with error", "mount", s.mountpoint, "error", err)
	}
}

// disconnect runs on_disconnect, closes the dump handle, and clears the
// relaying flag. Safe to call more than once; only the transition from
// relaying to not-relaying has an effect.
func (s *Source) disconnect() {
	s.stateMu.Lock()
	if !s.relaying {
		s.stateMu.Unlock()
		return
	}
	s.relaying = false
	onDisconnect := s.onDisconnect
	dump := s.dump
	s.dump = nil
	s.conn = nil
	s.stateMu.Unlock()

	if onDisconnect != nil {
		onDisconnect()
	}
	if dump != nil {
		if err := dump.Close(); err != nil {
			slog.Warn("harbor: failed to close dump file", "mount", s.mountpoint, "error", err)
		}
	}
}

// Stop disconnects the current client, per the "stop" telemetry command.
func (s *Source) Stop() { s.forceDisconnect() }

// Kick disconnects the current client, per the "kick" telemetry command.
// Identical effect to Stop; kept as a distinct method to preserve the
// reference's two command names.
func (s *Source) Kick() { s.forceDisconnect() }

func (s *Source) forceDisconnect() {
	s.stateMu.Lock()
	conn := s.conn
	s.stateMu.Unlock()
	if conn != nil {
		conn.Close()
	}
}

// Status returns one of two fixed strings describing the current
// connection state, per the "status" telemetry command.
func (s *Source) Status() string {
	s.stateMu.Lock()
	defer s.stateMu.Unlock()
	if s.relaying {
		return "connected"
	}
	return "not connected"
}

// DrainSamples removes and returns up to maxBytes of buffered PCM (all of it
// when maxBytes <= 0) together with every buffered metadata marker, for
// downstream active sources to consume. Markers are not filtered by the
// drained range: all of them are returned and removed from the buffer,
// including any whose offset lies beyond the drained bytes. Not part of
// spec §4.7's lifecycle proper, but
// required for the bounded buffer to be useful to anything downstream of
// the harbor input.
func (s *Source) DrainSamples(maxBytes int) ([]byte, []generator.Metadata) {
	s.bufMu.Lock()
	defer s.bufMu.Unlock()

	all := s.abg.Samples()
	n := len(all)
	if maxBytes > 0 && n > maxBytes {
		n = maxBytes
	}
	out := make([]byte, n)
	copy(out, all[:n])
	meta := s.abg.Metadata()

	remaining := s.abg.Samples()[n:]
	rest := make([]byte, len(remaining))
	copy(rest, remaining)
	s.abg.Clear()
	s.abg.Put(rest)

	return out, meta
}

// --- source.Active ---

func (s *Source) GetReady() error {
	s.WakeUp()
	return nil
}

func (s *Source) OutputGetReady() error { return nil }

// Output performs no per-tick work: samples arrive asynchronously on the
// decoder thread (feed), not on the clock's schedule. The harbor input is
// still attached as an active source so its lifecycle (get_ready/leave)
// runs through the same startup/shutdown protocol as every other source.
func (s *Source) Output() error { return nil }

func (s *Source) AfterOutput() {}

func (s *Source) IsActive() bool { return !s.left.Load() }

// OutputReset drops buffered samples after a latency reset (§4.4), since
// they are no longer usable once the clock's pacing has jumped forward.
func (s *Source) OutputReset() {
	s.bufMu.Lock()
	s.abg.Clear()
	s.bufMu.Unlock()
}

// Leave tears the source down: forces any connected client off, and marks
// the source inactive. An error from closing the connection is ignored, not
// propagated, per §5's resource discipline.
func (s *Source) Leave() {
	s.forceDisconnect()
	s.left.Store(true)
}
