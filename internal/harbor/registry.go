package harbor

import "sync"

// Registry maps mountpoint paths to harbor input sources, the server-side
// counterpart of input.harbor(mount): routing an inbound connection to the
// source registered at its mountpoint, creating one on first use.
type Registry struct {
	mu      sync.Mutex
	sources map[string]*Source

	sampleRate     int
	bytesPerSample int
	maxSeconds     float64
}

// NewRegistry creates a registry whose auto-created sources share the
// given generator sizing.
func NewRegistry(sampleRate, bytesPerSample int, maxSeconds float64) *Registry {
	return &Registry{
		sources:        make(map[string]*Source),
		sampleRate:     sampleRate,
		bytesPerSample: bytesPerSample,
		maxSeconds:     maxSeconds,
	}
}

// Get returns the source registered at mount, if any.
func (r *Registry) Get(mount string) (*Source, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sources[mount]
	return s, ok
}

// GetOrCreate returns the existing source at mount, or creates and
// registers one with opts if none exists yet.
func (r *Registry) GetOrCreate(mount string, opts ...Option) *Source {
	r.mu.Lock()
	defer r.mu.Unlock()
	if s, ok := r.sources[mount]; ok {
		return s
	}
	s := New(mount, r.sampleRate, r.bytesPerSample, r.maxSeconds, opts...)
	r.sources[mount] = s
	return s
}

// Mountpoints returns every registered mountpoint, for diagnostics and the
// HTTP telemetry adapter's routing table.
func (r *Registry) Mountpoints() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.sources))
	for m := range r.sources {
		out = append(out, m)
	}
	return out
}
