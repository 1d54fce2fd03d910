package health

import (
	"sync"
	"testing"
)

func TestNewMonitorOverallReturnsUnknown(t *testing.T) {
	m := NewMonitor()
	if got := m.Overall(); got != Unknown {
		t.Fatalf("Overall() on empty monitor = %q, want %q", got, Unknown)
	}
	if status, msg := m.Summary(); status != Unknown || msg != "" {
		t.Fatalf("Summary() = %q, %q", status, msg)
	}
}

func TestOverallReturnsWorstStatus(t *testing.T) {
	m := NewMonitor()
	m.Update(StageDisplay, Healthy, "")
	m.Update(StageHandoff, Degraded, "2 samples dropped")
	m.Update(StageControl, Healthy, "")

	if got := m.Overall(); got != Degraded {
		t.Fatalf("Overall() = %q, want %q", got, Degraded)
	}
	if _, msg := m.Summary(); msg != "handoff: 2 samples dropped" {
		t.Fatalf("Summary message = %q", msg)
	}

	m.Update(StageControl, Unhealthy, "channel closed")
	if got := m.Overall(); got != Unhealthy {
		t.Fatalf("Overall() = %q, want %q", got, Unhealthy)
	}
}

func TestStatusIsValid(t *testing.T) {
	for _, s := range []Status{Healthy, Degraded, Unhealthy, Unknown} {
		if !s.IsValid() {
			t.Errorf("IsValid(%q) = false, want true", s)
		}
	}
	for _, s := range []Status{Status("garbage"), Status(""), Status("ok")} {
		if s.IsValid() {
			t.Errorf("IsValid(%q) = true, want false", s)
		}
	}
}

func TestUpdateCoercesInvalidStatus(t *testing.T) {
	m := NewMonitor()
	m.Update(StageDisplay, Status("invalid"), "bad value")

	c, ok := m.Get(StageDisplay)
	if !ok {
		t.Fatal("stage not found after Update")
	}
	if c.Status != Unhealthy {
		t.Fatalf("Status = %q, want %q (coerced from invalid)", c.Status, Unhealthy)
	}
}

func TestObserveGradesStages(t *testing.T) {
	m := NewMonitor()
	m.Observe(Counters{})
	if _, ok := m.Get(StageDisplay); ok {
		t.Fatal("first snapshot graded a stage")
	}

	m.Observe(Counters{Frames: 10, Published: 1})
	if m.Overall() != Healthy {
		t.Fatalf("flowing pipeline graded %q", m.Overall())
	}

	m.Observe(Counters{Frames: 20, Lost: 3, Dropped: 1, Published: 1})
	d, _ := m.Get(StageDisplay)
	h, _ := m.Get(StageHandoff)
	if d.Status != Degraded || d.Message != "3 packets lost" {
		t.Fatalf("display = %+v", d)
	}
	if h.Status != Degraded || h.Message != "1 samples dropped" {
		t.Fatalf("handoff = %+v", h)
	}

	m.Observe(Counters{Frames: 20, Lost: 3, Dropped: 1, Published: 1})
	if d, _ := m.Get(StageDisplay); d.Message != "no new frames" {
		t.Fatalf("stalled display = %+v", d)
	}
}

func TestObserveWithoutPublishedSurface(t *testing.T) {
	m := NewMonitor()
	m.Observe(Counters{})
	m.Observe(Counters{Frames: 5})
	if h, _ := m.Get(StageHandoff); h.Status != Degraded {
		t.Fatalf("handoff = %+v, want degraded", h)
	}
}

func TestSummaryAtomicity(t *testing.T) {
	m := NewMonitor()
	m.Update(StageDisplay, Healthy, "")

	var wg sync.WaitGroup
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			if i%2 == 0 {
				m.Update(StageDisplay, Degraded, "test")
			} else {
				m.Update(StageDisplay, Healthy, "")
			}
		}(i)
	}
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			status, msg := m.Summary()
			// With a single stage the message belongs to the reported status.
			if status == Healthy && msg != "" {
				t.Errorf("summary inconsistency: %q with message %q", status, msg)
			}
		}()
	}
	wg.Wait()
}
