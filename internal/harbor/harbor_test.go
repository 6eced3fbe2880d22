package harbor

import (
	"errors"
	"io"
	"net"
	"testing"
	"time"
)

func init() {
	RegisterDecoder("echo-pcm", func(sink Sink) error {
		for {
			data, err := sink.Read(4096)
			if err != nil {
				if errors.Is(err, ErrEndOfFile) {
					return nil
				}
				return err
			}
			if err := sink.Put(44100, data); err != nil {
				return err
			}
			if sink.Closed() {
				return nil
			}
		}
	})
}

func TestRegisterUnknownCodec(t *testing.T) {
	s := New("/test1", 44100, 2, 1.0)
	if err := s.RegisterDecoder("nonexistent"); !errors.Is(err, ErrUnknownCodec) {
		t.Fatalf("expected ErrUnknownCodec, got %v", err)
	}
}

func TestRelayWithoutDecoderFails(t *testing.T) {
	s := New("/test2", 44100, 2, 1.0)
	client, server := net.Pipe()
	defer client.Close()
	if err := s.Relay(server); !errors.Is(err, ErrNoDecoder) {
		t.Fatalf("expected ErrNoDecoder, got %v", err)
	}
}

func TestRelayDecodesAndBuffers(t *testing.T) {
	s := New("/test3", 44100, 1, 1.0)
	if err := s.RegisterDecoder("echo-pcm"); err != nil {
		t.Fatalf("RegisterDecoder: %v", err)
	}

	client, server := net.Pipe()
	if err := s.Relay(server); err != nil {
		t.Fatalf("Relay: %v", err)
	}

	payload := []byte("some-encoded-bytes")
	go func() {
		client.Write(payload)
		client.Close()
	}()

	deadline := time.After(2 * time.Second)
	for {
		select {
		case <-deadline:
			t.Fatalf("timed out waiting for disconnect")
		default:
		}
		if s.Status() == "not connected" {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}

	data, _ := s.DrainSamples(1 << 20)
	if len(data) != len(payload) {
		t.Fatalf("expected %d buffered bytes, got %d", len(payload), len(data))
	}
}

func TestPutWhileNotRelayingFails(t *testing.T) {
	s := New("/test4", 44100, 1, 1.0)
	if err := s.put(44100, []byte("x")); !errors.Is(err, ErrRelayingStopped) {
		t.Fatalf("expected ErrRelayingStopped, got %v", err)
	}
}

func TestBackpressureDropsOldestAndKeepsConnected(t *testing.T) {
	// S5: samplerate 10, max_seconds 0.3 -> max_len = int(10*0.3) = 3 samples
	// (1 byte/sample).
	s := New("/test5", 10, 1, 0.3) // max/3 sleep kept short for the test
	s.stateMu.Lock()
	s.relaying = true
	s.stateMu.Unlock()

	// Feed 10x capacity; put() should drop oldest rather than error.
	for i := 0; i < 30; i++ {
		if err := s.put(10, []byte{byte(i)}); err != nil {
			t.Fatalf("put %d: %v", i, err)
		}
	}

	s.bufMu.Lock()
	length := s.abg.Len()
	s.bufMu.Unlock()

	if length != s.abg.MaxLen() {
		t.Fatalf("expected buffer to stabilize at max_len %d, got %d", s.abg.MaxLen(), length)
	}
	if s.Status() != "connected" {
		t.Fatalf("expected source to remain connected under backpressure, got %q", s.Status())
	}
}

func TestStopDisconnectsCurrentClient(t *testing.T) {
	s := New("/test6", 44100, 1, 1.0)
	if err := s.RegisterDecoder("echo-pcm"); err != nil {
		t.Fatalf("RegisterDecoder: %v", err)
	}
	client, server := net.Pipe()
	defer client.Close()
	if err := s.Relay(server); err != nil {
		t.Fatalf("Relay: %v", err)
	}

	s.Stop()

	deadline := time.After(2 * time.Second)
	for s.Status() != "not connected" {
		select {
		case <-deadline:
			t.Fatalf("Stop did not disconnect the client in time")
		default:
			time.Sleep(5 * time.Millisecond)
		}
	}
}

var _ io.ReadWriteCloser = (*net.TCPConn)(nil)
