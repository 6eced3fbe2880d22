package harbor

import (
	"log/slog"
	"time"

	"github.com/dhannyz/liquidsoap/internal/generator"
)

// sinkImpl is the concrete Sink passed to a negotiated decoder for the
// lifetime of one connection.
type sinkImpl struct {
	s    *Source
	conn interface {
		Read([]byte) (int, error)
	}
}

func (sk *sinkImpl) Read(n int) ([]byte, error) {
	return sk.s.read(sk.conn, n)
}

func (sk *sinkImpl) Put(sampleFreq int, data []byte) error {
	return sk.s.put(sampleFreq, data)
}

func (sk *sinkImpl) InsertMetadata(m map[string]string) {
	sk.s.insertMetadata(m)
}

func (sk *sinkImpl) Closed() bool {
	return !sk.s.IsActive()
}

// read reads up to n bytes from conn. A read of zero or negative length is
// treated as end of file. If a dump handle is open, the bytes read are also
// written there.
func (s *Source) read(conn interface{ Read([]byte) (int, error) }, n int) ([]byte, error) {
	buf := make([]byte, n)
	k, err := conn.Read(buf)
	if k <= 0 {
		return nil, ErrEndOfFile
	}
	data := buf[:k]

	s.stateMu.Lock()
	dump := s.dump
	s.stateMu.Unlock()
	if dump != nil {
		if _, werr := dump.Write(data); werr != nil {
			slog.Warn("harbor: failed to write dump file", "mount", s.mountpoint, "error", werr)
		}
	}
	// A read error that comes with data still returns the bytes already
	// read, matching typical partial-read socket semantics; a later Read
	// that gets no bytes returns ErrEndOfFile, and the underlying error
	// itself is never returned.
	_ = err
	return data, nil
}

// insertMetadata logs the artist/title pair and appends a marker at offset
// 0 in the buffer, per §4.7.
func (s *Source) insertMetadata(m map[string]string) {
	slog.Info("harbor: now playing", "mount", s.mountpoint, "artist", m["artist"], "title", m["title"])
	s.bufMu.Lock()
	s.abg.PutMetadata(0, generator.Metadata(m))
	s.bufMu.Unlock()
}

// put feeds data into the bounded buffer, applying the backpressure policy
// of §4.7 step 3: if the buffer is already at capacity, release the lock
// and sleep for max/3 seconds to let the consumer catch up. The chunk is
// then appended unconditionally and DropOldest trims from the front, so the
// buffer never settles above max_len even by the size of one incoming
// chunk.
func (s *Source) put(sampleFreq int, data []byte) error {
	s.stateMu.Lock()
	relaying := s.relaying
	s.stateMu.Unlock()
	if !relaying {
		return ErrRelayingStopped
	}

	s.bufMu.Lock()
	atCapacity := s.abg.MaxLen() > 0 && s.abg.Len() >= s.abg.MaxLen()
	s.bufMu.Unlock()

	if atCapacity {
		time.Sleep(time.Duration(s.maxSeconds/3*1000) * time.Millisecond)
	}

	s.bufMu.Lock()
	s.abg.Put(data)
	dropped := s.abg.DropOldest()
	s.bufMu.Unlock()

	if dropped > 0 && atCapacity && s.dropWarn.Allow() {
		slog.Warn("harbor: dropping oldest samples under sustained backpressure",
			"mount", s.mountpoint, "dropped_samples", dropped)
	}

	_ = sampleFreq // resampling is out of scope (§1 Non-goals); the
	// sample rate is assumed to already match the Generator's configured
	// rate, as the Non-goals exclude resampling from this core.
	return nil
}
