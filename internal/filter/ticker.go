package filter

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"
)

// DefaultTickInterval matches the media pipeline's 10ms scheduling tick.
const DefaultTickInterval = 10 * time.Millisecond

// Ticker calls Process on its filters, in order, once per interval on a
// single goroutine.
type Ticker struct {
	interval time.Duration
	filters  []Filter
	ticks    atomic.Uint64
}

// NewTicker creates a ticker over filters. A non-positive interval selects
// DefaultTickInterval.
func NewTicker(interval time.Duration, filters ...Filter) *Ticker {
	if interval <= 0 {
		interval = DefaultTickInterval
	}
	return &Ticker{interval: interval, filters: filters}
}

// Time returns the ticker time: ticks elapsed times the interval.
func (t *Ticker) Time() time.Duration {
	return time.Duration(t.ticks.Load()) * t.interval
}

// Run preprocesses every filter, processes them until ctx ends, then
// postprocesses them in reverse order. Process errors are logged and do
// not stop the pipeline.
func (t *Ticker) Run(ctx context.Context) error {
	for i, f := range t.filters {
		if err := f.Preprocess(); err != nil {
			for j := i - 1; j >= 0; j-- {
				t.filters[j].Postprocess()
			}
			return fmt.Errorf("filter: preprocess %T: %w", f, err)
		}
	}
	defer func() {
		for i := len(t.filters) - 1; i >= 0; i-- {
			if err := t.filters[i].Postprocess(); err != nil {
				log.Warn("postprocess failed", "filter", fmt.Sprintf("%T", t.filters[i]), "error", err)
			}
		}
	}()

	tk := time.NewTicker(t.interval)
	defer tk.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-tk.C:
			now := time.Duration(t.ticks.Add(1)) * t.interval
			for _, f := range t.filters {
				if err := f.Process(now); err != nil {
					log.Warn("process failed", "filter", fmt.Sprintf("%T", f), "error", err)
				}
			}
		}
	}
}
