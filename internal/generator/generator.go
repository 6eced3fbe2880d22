// Package generator implements the sole reusable buffer unit shared across
// sources: a bounded FIFO of PCM samples with interleaved metadata markers.
//
// Put alone does not enforce the configured capacity; callers enforce the
// bound by calling DropOldest after each Put, which trims the oldest
// samples until at most the capacity remains. Metadata offsets are
// always kept within [0, len(samples)] by shifting them along with the
// sample data they describe.
package generator

// Metadata is an opaque key/value marker attached to an offset in the
// sample stream. Wire format is intentionally opaque to this package; it
// only needs to preserve insertion order and offset association.
type Metadata map[string]string

type marker struct {
	offset int // in samples
	data   Metadata
}

// Generator is a bounded, growable-until-capacity FIFO of interleaved PCM
// samples plus metadata markers. It is not safe for concurrent use; callers
// needing concurrent access (e.g. the harbor input source) hold their own
// mutex around it.
type Generator struct {
	sampleRate int
	maxLen     int // in samples; 0 means unbounded

	samples  []byte
	channels int // bytes per sample frame, kept >= 1
	metadata []marker
}

// New creates a Generator for the given sample rate and channel width (in
// bytes per sample frame). maxSeconds <= 0 means unbounded.
func New(sampleRate, bytesPerSample int, maxSeconds float64) *Generator {
	if bytesPerSample < 1 {
		bytesPerSample = 1
	}
	g := &Generator{
		sampleRate: sampleRate,
		channels:   bytesPerSample,
	}
	if maxSeconds > 0 {
		g.maxLen = int(float64(sampleRate) * maxSeconds)
	}
	return g
}

// Len returns the current length in samples (not bytes).
func (g *Generator) Len() int {
	return len(g.samples) / g.channels
}

// MaxLen returns the configured capacity in samples, or 0 if unbounded.
func (g *Generator) MaxLen() int {
	return g.maxLen
}

// SampleRate returns the configured sample rate.
func (g *Generator) SampleRate() int {
	return g.sampleRate
}

// Put appends data (assumed to already be at the Generator's sample rate)
// to the end of the buffer. It does not enforce the capacity bound; callers
// that need bounded behavior call DropOldest afterward.
func (g *Generator) Put(data []byte) {
	g.samples = append(g.samples, data...)
}

// PutMetadata appends a marker at offset, counted in samples from the
// front of the buffer (the oldest buffered sample is offset 0; the harbor
// input's insert_metadata always passes 0).
func (g *Generator) PutMetadata(offset int, data Metadata) {
	g.metadata = append(g.metadata, marker{offset: offset, data: data})
}

// DropOldest removes samples from the front of the buffer until at most
// maxLen samples remain, shifting metadata offsets accordingly and dropping
// any marker whose offset falls before the new start. It is a no-op if the
// buffer is within bounds or unbounded.
func (g *Generator) DropOldest() (droppedSamples int) {
	if g.maxLen <= 0 {
		return 0
	}
	over := g.Len() - g.maxLen
	if over <= 0 {
		return 0
	}
	g.samples = g.samples[over*g.channels:]

	kept := g.metadata[:0]
	for _, m := range g.metadata {
		newOffset := m.offset - over
		if newOffset < 0 {
			continue
		}
		kept = append(kept, marker{offset: newOffset, data: m.data})
	}
	g.metadata = kept
	return over
}

// Metadata returns a copy of the ordered metadata markers currently held.
func (g *Generator) Metadata() []Metadata {
	out := make([]Metadata, len(g.metadata))
	for i, m := range g.metadata {
		out[i] = m.data
	}
	return out
}

// Samples returns the raw sample bytes currently buffered. The returned
// slice aliases internal state and must not be retained past the next call
// that mutates the Generator.
func (g *Generator) Samples() []byte {
	return g.samples
}

// Clear empties the buffer, dropping all samples and metadata. Used by
// output_reset (§4.4) after a latency reset.
func (g *Generator) Clear() {
	g.samples = g.samples[:0]
	g.metadata = g.metadata[:0]
}
