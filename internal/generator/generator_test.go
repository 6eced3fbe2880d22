package generator

import "testing"

func TestPutAndLen(t *testing.T) {
	g := New(100, 2, 1.0) // 100 samples max
	g.Put(make([]byte, 20*2))
	if got := g.Len(); got != 20 {
		t.Fatalf("expected 20 samples, got %d", got)
	}
}

func TestDropOldestEnforcesCapacity(t *testing.T) {
	g := New(10, 1, 1.0) // maxLen = 10 samples
	g.Put(make([]byte, 15))
	dropped := g.DropOldest()
	if dropped != 5 {
		t.Fatalf("expected to drop 5 samples, dropped %d", dropped)
	}
	if got := g.Len(); got != g.MaxLen() {
		t.Fatalf("expected length to equal max len %d, got %d", g.MaxLen(), got)
	}
}

func TestDropOldestShiftsMetadataAndDropsStale(t *testing.T) {
	g := New(10, 1, 1.0)
	g.Put(make([]byte, 5))
	g.PutMetadata(0, Metadata{"title": "first"})
	g.Put(make([]byte, 10)) // total 15, over by 5
	g.PutMetadata(5, Metadata{"title": "second"})

	g.DropOldest()

	meta := g.Metadata()
	if len(meta) != 1 {
		t.Fatalf("expected the stale marker to be dropped, got %d markers", len(meta))
	}
	if meta[0]["title"] != "second" {
		t.Fatalf("expected surviving marker to be %q, got %q", "second", meta[0]["title"])
	}
}

func TestUnboundedGeneratorNeverDrops(t *testing.T) {
	g := New(10, 1, 0)
	g.Put(make([]byte, 1000))
	if dropped := g.DropOldest(); dropped != 0 {
		t.Fatalf("unbounded generator must never drop, dropped %d", dropped)
	}
}

func TestClearEmptiesBuffer(t *testing.T) {
	g := New(10, 1, 1.0)
	g.Put(make([]byte, 5))
	g.PutMetadata(0, Metadata{"a": "b"})
	g.Clear()
	if g.Len() != 0 || len(g.Metadata()) != 0 {
		t.Fatalf("expected empty buffer after Clear")
	}
}
