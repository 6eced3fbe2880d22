package clock

import (
	"errors"
	"sync"
	"testing"

	"github.com/dhannyz/liquidsoap/internal/source"
)

type fakeSource struct {
	source.Base

	mu           sync.Mutex
	getReadyErr  error
	outGetReady  error
	outputErr    error
	active       bool
	leftCount    int
	afterOutputs int
	resets       int
}

func newFakeSource(id string) *fakeSource {
	return &fakeSource{Base: source.NewBase(id, source.Infallible), active: true}
}

func (f *fakeSource) GetReady() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.getReadyErr
}

func (f *fakeSource) OutputGetReady() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.outGetReady
}

func (f *fakeSource) Output() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.outputErr
}

func (f *fakeSource) AfterOutput() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.afterOutputs++
}

func (f *fakeSource) IsActive() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.active
}

func (f *fakeSource) OutputReset() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.resets++
}

func (f *fakeSource) Leave() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.active = false
	f.leftCount++
}

func allSources(source.Active) bool { return true }

func TestAttachIsIdempotent(t *testing.T) {
	c := newUnregistered("t1")
	s := newFakeSource("s1")
	c.Attach(s)
	c.Attach(s)
	if got := len(c.Outputs()); got != 1 {
		t.Fatalf("expected 1 output after double attach, got %d", got)
	}
}

func TestStartOutputsTransitionsNewToActive(t *testing.T) {
	c := newUnregistered("t2")
	s := newFakeSource("s1")
	c.Attach(s)

	thunk := c.StartOutputs(allSources)
	if errs := thunk(); len(errs) != 0 {
		t.Fatalf("expected no startup errors, got %v", errs)
	}

	outs := c.Outputs()
	if len(outs) != 1 || outs[0].Flag != Active {
		t.Fatalf("expected source Active after startup, got %v", outs)
	}
}

func TestStartOutputsRecordsGetReadyFailureAndLeaves(t *testing.T) {
	c := newUnregistered("t3")
	s := newFakeSource("s1")
	s.getReadyErr = errors.New("boom")
	c.Attach(s)

	errs := c.StartOutputs(allSources)()
	if len(errs) != 1 || errs[0].Source != s {
		t.Fatalf("expected one startup error for s, got %v", errs)
	}
	if len(c.Outputs()) != 0 {
		t.Fatalf("expected failed source removed from outputs")
	}
	if s.leftCount != 1 {
		t.Fatalf("expected Leave called once, got %d", s.leftCount)
	}
}

func TestDetachStartingMarksAbortedAndStartupLeavesIt(t *testing.T) {
	c := newUnregistered("t4")
	s := newFakeSource("s1")
	c.Attach(s)

	// Harvest into Starting, then detach before the startup thunk runs.
	thunk := c.StartOutputs(allSources)
	c.Detach(func(a source.Active) bool { return a == s })

	outs := c.Outputs()
	if len(outs) != 1 || outs[0].Flag != Aborted {
		t.Fatalf("expected source Aborted after detach mid-startup, got %v", outs)
	}

	errs := thunk()
	if len(errs) != 0 {
		t.Fatalf("expected no startup errors for a clean abort, got %v", errs)
	}
	if len(c.Outputs()) != 0 {
		t.Fatalf("expected aborted source removed after startup")
	}
	if s.leftCount != 1 {
		t.Fatalf("expected aborted source to be left, got leftCount=%d", s.leftCount)
	}
}

func TestDoubleDispatchAbortedAndErroredBothSurface(t *testing.T) {
	c := newUnregistered("t5")
	s := newFakeSource("s1")
	s.getReadyErr = errors.New("boom")
	c.Attach(s)

	thunk := c.StartOutputs(allSources)
	c.Detach(func(a source.Active) bool { return a == s })

	errs := thunk()
	if len(errs) != 1 || errs[0].Source != s {
		t.Fatalf("expected the aborted-and-errored source to surface as a startup error, got %v", errs)
	}
	if s.leftCount != 1 {
		t.Fatalf("expected source to be left exactly once, got %d", s.leftCount)
	}
}

func TestEndTickLeavesOldSourcesAndTicksActive(t *testing.T) {
	c := newUnregistered("t6")
	s := newFakeSource("s1")
	c.Attach(s)
	c.StartOutputs(allSources)()

	c.Detach(func(a source.Active) bool { return a == s })
	if outs := c.Outputs(); len(outs) != 1 || outs[0].Flag != Old {
		t.Fatalf("expected source Old after detach, got %v", outs)
	}

	c.EndTick()

	if len(c.Outputs()) != 0 {
		t.Fatalf("expected Old source removed after end_tick")
	}
	if s.leftCount != 1 {
		t.Fatalf("expected Leave called once, got %d", s.leftCount)
	}
}

func TestEndTickRemovesFailingSourceAndCallsAfterOutputOnSurvivors(t *testing.T) {
	c := newUnregistered("t7")
	bad := newFakeSource("bad")
	good := newFakeSource("good")
	c.Attach(bad)
	c.Attach(good)
	c.StartOutputs(allSources)()

	bad.outputErr = errors.New("streaming failure")
	c.SetAllowStreamingErrors(true)

	c.EndTick()

	outs := c.Outputs()
	if len(outs) != 1 || outs[0].Source != good {
		t.Fatalf("expected only good source to remain, got %v", outs)
	}
	if bad.leftCount != 1 {
		t.Fatalf("expected failing source left once, got %d", bad.leftCount)
	}
	if good.afterOutputs != 1 {
		t.Fatalf("expected AfterOutput called once on surviving source, got %d", good.afterOutputs)
	}
}

func TestEndTickRequestsShutdownWhenErrorsDisallowed(t *testing.T) {
	c := newUnregistered("t8")
	bad := newFakeSource("bad")
	c.Attach(bad)
	c.StartOutputs(allSources)()
	bad.outputErr = errors.New("streaming failure")

	var reason string
	c.OnShutdownRequested(func(r string) { reason = r })
	c.SetAllowStreamingErrors(false)

	c.EndTick()

	if reason == "" {
		t.Fatalf("expected shutdown handler to be invoked")
	}
}

func TestEndTickIncrementsRound(t *testing.T) {
	c := newUnregistered("t9")
	before := c.GetTick()
	c.EndTick()
	if after := c.GetTick(); after != before+1 {
		t.Fatalf("expected round to increment by 1, got %d -> %d", before, after)
	}
}

func TestDetachClockRequiresMembership(t *testing.T) {
	c := newUnregistered("t10")
	v := Unknown()
	if err := c.DetachClock(v); err == nil {
		t.Fatalf("expected error detaching a non-member clock variable")
	}
	c.AttachClock(v)
	if err := c.DetachClock(v); err != nil {
		t.Fatalf("DetachClock: %v", err)
	}
}
