package logging

import (
	"fmt"
	"log/slog"
	"os"
	"sync"
	"sync/atomic"
	"time"
)

const defaultForwardBuffer = 256

// Entry is one log record handed to a Forwarder.
type Entry struct {
	Time      time.Time
	Level     string
	Component string
	Message   string
	Fields    map[string]any
}

// ForwarderConfig configures a Forwarder.
type ForwarderConfig struct {
	// MinLevel is the lowest level forwarded: debug, info, warn or error.
	MinLevel string
	// Skip lists components that are never forwarded. The transport's own
	// component belongs here, or every send failure would be sent again.
	Skip       []string
	BufferSize int
}

// Forwarder buffers records and hands them to send on its own goroutine, so
// a slow peer never blocks the logging call site.
type Forwarder struct {
	send     func(Entry) error
	minLevel slog.Level
	skip     map[string]struct{}
	buffer   chan Entry
	stop     chan struct{}
	wg       sync.WaitGroup
	stopOnce sync.Once
	dropped  atomic.Int64
}

// NewForwarder creates a forwarder that delivers entries through send.
func NewForwarder(cfg ForwarderConfig, send func(Entry) error) *Forwarder {
	size := cfg.BufferSize
	if size <= 0 {
		size = defaultForwardBuffer
	}
	skip := make(map[string]struct{}, len(cfg.Skip))
	for _, c := range cfg.Skip {
		skip[c] = struct{}{}
	}
	return &Forwarder{
		send:     send,
		minLevel: parseLevel(cfg.MinLevel),
		skip:     skip,
		buffer:   make(chan Entry, size),
		stop:     make(chan struct{}),
	}
}

func (f *Forwarder) accepts(level slog.Level, component string) bool {
	if level < f.minLevel {
		return false
	}
	_, skipped := f.skip[component]
	return !skipped
}

// Start begins the delivery loop.
func (f *Forwarder) Start() {
	f.wg.Add(1)
	go f.loop()
}

// Stop delivers what is buffered and ends the loop. Safe to call more than
// once.
func (f *Forwarder) Stop() {
	f.stopOnce.Do(func() { close(f.stop) })
	f.wg.Wait()
}

// Enqueue buffers e without blocking, dropping it when the buffer is full.
func (f *Forwarder) Enqueue(e Entry) {
	select {
	case f.buffer <- e:
	default:
		if n := f.dropped.Add(1); n == 1 || n%100 == 0 {
			fmt.Fprintf(os.Stderr, "[log-forward] buffer full, dropped %d entries\n", n)
		}
	}
}

// Dropped returns how many entries were lost to a full buffer.
func (f *Forwarder) Dropped() int64 {
	return f.dropped.Load()
}

func (f *Forwarder) loop() {
	defer f.wg.Done()
	for {
		select {
		case e := <-f.buffer:
			f.deliver(e)
		case <-f.stop:
			for {
				select {
				case e := <-f.buffer:
					f.deliver(e)
				default:
					return
				}
			}
		}
	}
}

// deliver reports failures on stderr; logging them would feed them back in.
func (f *Forwarder) deliver(e Entry) {
	if err := f.send(e); err != nil {
		fmt.Fprintf(os.Stderr, "[log-forward] send failed: %v\n", err)
	}
}
