package handoff

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"
)

type recordingSink struct {
	mu        sync.Mutex
	surfaces  []Handle
	installed chan Handle
}

func newRecordingSink() *recordingSink {
	return &recordingSink{installed: make(chan Handle, 64)}
}

func (s *recordingSink) SetSurface(h Handle) error {
	s.mu.Lock()
	s.surfaces = append(s.surfaces, h)
	s.mu.Unlock()
	if h != 0 {
		select {
		case s.installed <- h:
		default:
		}
	}
	return nil
}

func (s *recordingSink) last() Handle {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.surfaces) == 0 {
		return 0
	}
	return s.surfaces[len(s.surfaces)-1]
}

func (s *recordingSink) attached() []Handle {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Handle
	for _, h := range s.surfaces {
		if h != 0 {
			out = append(out, h)
		}
	}
	return out
}

// inlineDispatcher runs tasks on the calling goroutine.
type inlineDispatcher struct {
	stopped bool
}

func (d *inlineDispatcher) RunAsync(fn func()) bool {
	if d.stopped {
		return false
	}
	fn()
	return true
}

type pair struct {
	kernel   *Loopback
	ui       *LoopbackProcess
	renderer *LoopbackProcess
	sink     *recordingSink
	consumer *Consumer
	producer *Producer
}

func newPair(t *testing.T, name string) *pair {
	t.Helper()
	k := NewLoopback()
	p := &pair{kernel: k, ui: k.NewProcess(), renderer: k.NewProcess(), sink: newRecordingSink()}

	var err error
	p.consumer, err = NewConsumer(p.ui, name, p.sink, &inlineDispatcher{}, WithLockTimeout(time.Second))
	if err != nil {
		t.Fatalf("NewConsumer: %v", err)
	}
	p.producer, err = OpenProducer(p.renderer, name, WithLockTimeout(time.Second))
	if err != nil {
		t.Fatalf("OpenProducer: %v", err)
	}
	return p
}

func (p *pair) surface(t *testing.T) Handle {
	t.Helper()
	h, err := p.renderer.CreateSurface(352, 288)
	if err != nil {
		t.Fatalf("CreateSurface: %v", err)
	}
	return h
}

// run starts the consumer loop and returns a channel with its result.
func (p *pair) run(ctx context.Context) <-chan error {
	errc := make(chan error, 1)
	go func() { errc <- p.consumer.Run(ctx) }()
	return errc
}

func waitResult(t *testing.T, errc <-chan error) error {
	t.Helper()
	select {
	case err := <-errc:
		return err
	case <-time.After(5 * time.Second):
		t.Fatal("consumer loop did not return")
		return nil
	}
}

func waitInstalled(t *testing.T, s *recordingSink) Handle {
	t.Helper()
	select {
	case h := <-s.installed:
		return h
	case <-time.After(5 * time.Second):
		t.Fatal("no surface installed")
		return 0
	}
}

func sameObject(t *testing.T, a *LoopbackProcess, ha Handle, b *LoopbackProcess, hb Handle) bool {
	t.Helper()
	ida, ok := a.ObjectID(ha)
	if !ok {
		t.Fatalf("handle %#x not open in pid %d", ha, a.ProcessID())
	}
	idb, ok := b.ObjectID(hb)
	if !ok {
		t.Fatalf("handle %#x not open in pid %d", hb, b.ProcessID())
	}
	return ida == idb
}

func TestPublishInstallsSurface(t *testing.T) {
	p := newPair(t, "panel")
	s1 := p.surface(t)

	errc := p.run(context.Background())
	recorded, err := p.producer.Publish(s1, false)
	if err != nil || !recorded {
		t.Fatalf("Publish: recorded=%v err=%v", recorded, err)
	}

	got := waitInstalled(t, p.sink)
	if !sameObject(t, p.ui, got, p.renderer, s1) {
		t.Fatal("installed surface is not the published one")
	}

	p.consumer.Shutdown()
	if err := waitResult(t, errc); err != nil {
		t.Fatalf("Run: %v", err)
	}
}

func TestLatestPublishWins(t *testing.T) {
	p := newPair(t, "panel")
	s1, s2 := p.surface(t), p.surface(t)

	if _, err := p.producer.Publish(s1, true); err != nil {
		t.Fatal(err)
	}
	if _, err := p.producer.Publish(s2, true); err != nil {
		t.Fatal(err)
	}

	errc := p.run(context.Background())
	got := waitInstalled(t, p.sink)
	p.consumer.Shutdown()
	if err := waitResult(t, errc); err != nil {
		t.Fatalf("Run: %v", err)
	}

	if n := len(p.sink.attached()); n != 1 {
		t.Fatalf("sink saw %d surfaces, want only the latest", n)
	}
	if !sameObject(t, p.ui, got, p.renderer, s2) {
		t.Fatal("consumer installed the older surface")
	}
	if _, ok := p.renderer.ObjectID(s1); ok {
		t.Fatal("replaced surface still open in the producer")
	}
}

func TestPublishWithoutForceKeepsRecordedSurface(t *testing.T) {
	p := newPair(t, "panel")
	s1, s2 := p.surface(t), p.surface(t)

	if recorded, err := p.producer.Publish(s1, false); err != nil || !recorded {
		t.Fatalf("first publish: recorded=%v err=%v", recorded, err)
	}
	recorded, err := p.producer.Publish(s2, false)
	if err != nil {
		t.Fatal(err)
	}
	if recorded {
		t.Fatal("unforced publish replaced an existing surface")
	}
	// s2 stays with the caller.
	if err := p.renderer.CloseHandle(s2); err != nil {
		t.Fatalf("caller-owned surface not open: %v", err)
	}
}

func TestShutdownBeatsPendingValue(t *testing.T) {
	p := newPair(t, "panel")
	if _, err := p.producer.Publish(p.surface(t), true); err != nil {
		t.Fatal(err)
	}
	if err := p.producer.Shutdown(); err != nil {
		t.Fatal(err)
	}

	if err := waitResult(t, p.run(context.Background())); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if n := len(p.sink.attached()); n != 0 {
		t.Fatalf("sink saw %d surfaces after shutdown", n)
	}
}

func TestReportErrorPreemptsSurface(t *testing.T) {
	p := newPair(t, "panel")
	if _, err := p.producer.Publish(p.surface(t), true); err != nil {
		t.Fatal(err)
	}
	const code = int32(-2147467259) // E_FAIL
	if err := p.producer.ReportError(code); err != nil {
		t.Fatal(err)
	}

	err := waitResult(t, p.run(context.Background()))
	var remote *RemoteError
	if !errors.As(err, &remote) || remote.Code != code {
		t.Fatalf("Run error = %v, want RemoteError %d", err, code)
	}
	if n := len(p.sink.attached()); n != 0 {
		t.Fatalf("sink saw %d surfaces despite the error", n)
	}
}

func TestReportErrorRejectsZero(t *testing.T) {
	p := newPair(t, "panel")
	if err := p.producer.ReportError(0); !errors.Is(err, ErrInvalidErrorCode) {
		t.Fatalf("err = %v, want ErrInvalidErrorCode", err)
	}
}

func TestShutdownIsIdempotent(t *testing.T) {
	p := newPair(t, "panel")
	errc := p.run(context.Background())

	p.consumer.Shutdown()
	p.consumer.Shutdown()
	if err := p.producer.Shutdown(); err != nil {
		t.Fatal(err)
	}
	if err := waitResult(t, errc); err != nil {
		t.Fatalf("Run: %v", err)
	}

	if err := p.consumer.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := p.consumer.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}
	p.consumer.Shutdown()
	if err := p.consumer.Run(context.Background()); !errors.Is(err, ErrClosed) {
		t.Fatalf("Run after Close = %v, want ErrClosed", err)
	}
}

func TestRunStopsOnContextCancel(t *testing.T) {
	p := newPair(t, "panel")
	ctx, cancel := context.WithCancel(context.Background())
	errc := p.run(ctx)
	cancel()
	if err := waitResult(t, errc); !errors.Is(err, context.Canceled) {
		t.Fatalf("Run = %v, want context.Canceled", err)
	}
}

func TestPublishAfterConsumerExit(t *testing.T) {
	p := newPair(t, "panel")
	p.ui.Exit()

	s := p.surface(t)
	recorded, err := p.producer.Publish(s, true)
	var te *TransportError
	if !errors.As(err, &te) || !errors.Is(err, ErrPeerGone) {
		t.Fatalf("Publish = %v, want TransportError wrapping ErrPeerGone", err)
	}
	if recorded {
		t.Fatal("failed publish reported the surface as recorded")
	}
	if err := p.renderer.CloseHandle(s); err != nil {
		t.Fatalf("unrecorded surface must stay with the caller: %v", err)
	}
	if err := p.producer.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if n := p.renderer.HandleCount(); n != 0 {
		t.Fatalf("producer leaked %d handles", n)
	}
}

func TestConsumerReportsProducerExit(t *testing.T) {
	p := newPair(t, "panel")
	if _, err := p.producer.Publish(p.surface(t), true); err != nil {
		t.Fatal(err)
	}
	p.renderer.Exit()

	err := waitResult(t, p.run(context.Background()))
	if !errors.Is(err, ErrPeerGone) {
		t.Fatalf("Run = %v, want ErrPeerGone", err)
	}
}

func TestOpenProducerWithoutRecord(t *testing.T) {
	k := NewLoopback()
	_, err := OpenProducer(k.NewProcess(), "missing")
	if !errors.Is(err, ErrSetup) || !errors.Is(err, ErrRecordNotFound) {
		t.Fatalf("err = %v, want SetupError wrapping ErrRecordNotFound", err)
	}
	var se *SetupError
	if !errors.As(err, &se) || se.Step != "open record" {
		t.Fatalf("err = %#v, want step \"open record\"", err)
	}
}

func TestRecordDisappearsWithConsumer(t *testing.T) {
	k := NewLoopback()
	ui := k.NewProcess()
	c, err := NewConsumer(ui, "panel", newRecordingSink(), &inlineDispatcher{})
	if err != nil {
		t.Fatal(err)
	}
	if err := c.Close(); err != nil {
		t.Fatal(err)
	}
	if _, err := OpenProducer(k.NewProcess(), "panel"); !errors.Is(err, ErrRecordNotFound) {
		t.Fatalf("err = %v, want ErrRecordNotFound", err)
	}
	if n := ui.HandleCount(); n != 0 {
		t.Fatalf("consumer leaked %d handles", n)
	}
}

func TestNewConsumerRequiresSinkAndDispatcher(t *testing.T) {
	k := NewLoopback()
	if _, err := NewConsumer(k.NewProcess(), "panel", nil, &inlineDispatcher{}); !errors.Is(err, ErrSetup) {
		t.Fatalf("err = %v, want ErrSetup", err)
	}
}

func TestStoppedDispatcherEndsLoop(t *testing.T) {
	k := NewLoopback()
	ui, renderer := k.NewProcess(), k.NewProcess()
	c, err := NewConsumer(ui, "panel", newRecordingSink(), &inlineDispatcher{stopped: true})
	if err != nil {
		t.Fatal(err)
	}
	pr, err := OpenProducer(renderer, "panel")
	if err != nil {
		t.Fatal(err)
	}
	s, _ := renderer.CreateSurface(64, 64)
	if _, err := pr.Publish(s, true); err != nil {
		t.Fatal(err)
	}
	if err := c.Run(context.Background()); !errors.Is(err, ErrClosed) {
		t.Fatalf("Run = %v, want ErrClosed", err)
	}
}

func TestNoHandleLeaksAfterFullCycle(t *testing.T) {
	p := newPair(t, "panel")
	errc := p.run(context.Background())
	for i := 0; i < 3; i++ {
		if _, err := p.producer.Publish(p.surface(t), true); err != nil {
			t.Fatal(err)
		}
		waitInstalled(t, p.sink)
	}
	p.consumer.Shutdown()
	if err := waitResult(t, errc); err != nil {
		t.Fatal(err)
	}

	if err := p.producer.Close(); err != nil {
		t.Fatalf("producer Close: %v", err)
	}
	if err := p.consumer.Close(); err != nil {
		t.Fatalf("consumer Close: %v", err)
	}
	if n := p.ui.HandleCount(); n != 0 {
		t.Fatalf("consumer leaked %d handles", n)
	}
	if n := p.renderer.HandleCount(); n != 0 {
		t.Fatalf("producer leaked %d handles", n)
	}
	surfaces := p.sink.surfaces
	if last := surfaces[len(surfaces)-1]; last != 0 {
		t.Fatalf("sink not detached on Close, last surface %#x", last)
	}
}

func TestConcurrentPublishersLastWins(t *testing.T) {
	p := newPair(t, "panel")
	errc := p.run(context.Background())

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 10; j++ {
				h, err := p.renderer.CreateSurface(16, 16)
				if err != nil {
					t.Error(err)
					return
				}
				if _, err := p.producer.Publish(h, true); err != nil {
					t.Error(err)
					return
				}
			}
		}()
	}
	wg.Wait()

	last := p.producer.rec.ProducerSurface
	want, ok := p.renderer.ObjectID(last)
	if !ok {
		t.Fatal("recorded surface not open in producer")
	}

	deadline := time.Now().Add(5 * time.Second)
	for {
		if id, ok := p.ui.ObjectID(p.sink.last()); ok && id == want {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("latest surface never installed")
		}
		time.Sleep(5 * time.Millisecond)
	}

	p.consumer.Shutdown()
	if err := waitResult(t, errc); err != nil {
		t.Fatal(err)
	}
}

func TestErrorTypesFormat(t *testing.T) {
	errs := []error{
		&SetupError{Name: "panel", Step: "create lock", Err: fmt.Errorf("boom")},
		&TransportError{Op: "duplicate surface", Err: ErrPeerGone},
		&RemoteError{Code: -1},
	}
	for _, err := range errs {
		if err.Error() == "" {
			t.Fatalf("%T has empty message", err)
		}
	}
	if got := (&RemoteError{Code: -1}).Error(); got != "handoff: producer reported error 0xffffffff" {
		t.Fatalf("RemoteError = %q", got)
	}
}
