package render

import (
	"bytes"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/gguoling/mswinrtvid/internal/handoff"
)

type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Len()
}

type eventLog struct {
	ch chan EngineEvent
}

func newEventLog() *eventLog { return &eventLog{ch: make(chan EngineEvent, 32)} }

func (l *eventLog) handle(ev EngineEvent, _ int32) { l.ch <- ev }

func (l *eventLog) expect(t *testing.T, want EngineEvent) {
	t.Helper()
	select {
	case ev := <-l.ch:
		if ev != want {
			t.Fatalf("event = %s, want %s", ev, want)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("no %s event", want)
	}
}

func TestFileEngineLifecycle(t *testing.T) {
	proc := handoff.NewLoopback().NewProcess()
	out := &syncBuffer{}
	e := NewFileEngine(proc, out)
	src := NewStreamSource(FormatH264, 352, 288)
	events := newEventLog()

	if _, err := e.SwapChainHandle(); !errors.Is(err, ErrNoSurface) {
		t.Fatalf("SwapChainHandle before load = %v, want ErrNoSurface", err)
	}
	if err := e.Play(); !errors.Is(err, ErrNotStarted) {
		t.Fatalf("Play before load = %v, want ErrNotStarted", err)
	}
	if err := e.Load(src, events.handle); err != nil {
		t.Fatal(err)
	}
	events.expect(t, EventCanPlay)
	if err := e.Play(); err != nil {
		t.Fatal(err)
	}

	src.OnSampleReceived([]byte{0, 0, 0, 1, 0x65}, 0)
	events.expect(t, EventPlaying)
	events.expect(t, EventFirstFrameReady)

	h, err := e.SwapChainHandle()
	if err != nil {
		t.Fatal(err)
	}
	if err := proc.CloseHandle(h); err != nil {
		t.Fatalf("returned handle not owned by caller: %v", err)
	}

	src.ChangeFormat(FormatH264, 640, 480)
	src.OnSampleReceived([]byte{0, 0, 0, 1, 0x41}, 400000)
	events.expect(t, EventFormatChange)

	waitFor(t, func() bool { return e.Frames() == 2 })
	if out.Len() != 10 {
		t.Fatalf("wrote %d bytes, want 10", out.Len())
	}

	src.Shutdown()
	if err := e.Close(); err != nil {
		t.Fatal(err)
	}
	if n := proc.HandleCount(); n != 0 {
		t.Fatalf("engine leaked %d handles", n)
	}
	if err := e.Load(src, events.handle); err == nil {
		t.Fatal("Load after Close succeeded")
	}
}

func TestFileEngineHandlerMayCallBack(t *testing.T) {
	proc := handoff.NewLoopback().NewProcess()
	e := NewFileEngine(proc, &syncBuffer{})
	src := NewStreamSource(FormatH264, 16, 16)

	got := make(chan handoff.Handle, 4)
	err := e.Load(src, func(ev EngineEvent, _ int32) {
		switch ev {
		case EventCanPlay:
			e.Play()
		case EventPlaying:
			h, err := e.SwapChainHandle()
			if err == nil {
				got <- h
			}
		}
	})
	if err != nil {
		t.Fatal(err)
	}
	src.OnSampleReceived([]byte{1}, 0)

	select {
	case h := <-got:
		proc.CloseHandle(h)
	case <-time.After(2 * time.Second):
		t.Fatal("handler did not obtain a surface")
	}
	if err := e.Close(); err != nil {
		t.Fatal(err)
	}
}

func TestFileEngineCloseWithoutShutdown(t *testing.T) {
	proc := handoff.NewLoopback().NewProcess()
	e := NewFileEngine(proc, &syncBuffer{})
	e.Interval = time.Millisecond
	if err := e.Load(NewSampleSlot(), func(EngineEvent, int32) {}); err != nil {
		t.Fatal(err)
	}
	if err := e.Play(); err != nil {
		t.Fatal(err)
	}

	done := make(chan error, 1)
	go func() { done <- e.Close() }()
	select {
	case err := <-done:
		if err != nil {
			t.Fatal(err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Close blocked on a pending request")
	}
}
