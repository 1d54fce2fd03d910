package render

import (
	"context"
	"sync"
	"time"
)

// MaxSampleQueueSize is the default StreamSource queue bound; the oldest
// sample is discarded when a new one arrives on a full queue.
const MaxSampleQueueSize = 4

// sampleLead places each slot sample this far into the future.
const sampleLead = 40 * time.Millisecond

// Sample is one unit handed to the engine. Time is the presentation time in
// 100ns units. An empty Data marks the end of the stream.
type Sample struct {
	Data          []byte
	Width, Height int
	Format        string
	Time          int64
}

// SampleSource is what an Engine pulls samples from.
type SampleSource interface {
	// Next blocks until a sample is available. After shutdown, pending and
	// later calls return an empty sample and ErrSourceShutdown.
	Next(ctx context.Context) (Sample, error)
}

// StreamSource queues encoded samples pushed by the display filter and
// answers engine requests in order.
type StreamSource struct {
	mu       sync.Mutex
	format   string
	width    int
	height   int
	limit    int
	queue    []Sample
	requests []chan Sample
	shutdown bool
	dropped  uint64
}

// NewStreamSource returns a source describing a stream of format at
// width x height.
func NewStreamSource(format string, width, height int) *StreamSource {
	return &StreamSource{format: format, width: width, height: height, limit: MaxSampleQueueSize}
}

// SetQueueSize changes the queue bound; n < 1 is ignored.
func (s *StreamSource) SetQueueSize(n int) {
	if n < 1 {
		return
	}
	s.mu.Lock()
	s.limit = n
	for len(s.queue) > n {
		s.queue = s.queue[1:]
		s.dropped++
	}
	s.mu.Unlock()
}

// OnSampleReceived queues a copy of data with its presentation time.
func (s *StreamSource) OnSampleReceived(data []byte, hnsTime int64) {
	if len(data) == 0 {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.shutdown {
		return
	}
	if len(s.queue) >= s.limit {
		s.queue = s.queue[1:]
		s.dropped++
	}
	s.queue = append(s.queue, Sample{
		Data:   append([]byte(nil), data...),
		Width:  s.width,
		Height: s.height,
		Format: s.format,
		Time:   hnsTime,
	})
	s.feed()
}

// ChangeFormat updates the description applied to samples queued from now on.
func (s *StreamSource) ChangeFormat(format string, width, height int) {
	s.mu.Lock()
	s.format, s.width, s.height = format, width, height
	s.mu.Unlock()
}

// Format returns the current stream description.
func (s *StreamSource) Format() (format string, width, height int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.format, s.width, s.height
}

// Next implements SampleSource.
func (s *StreamSource) Next(ctx context.Context) (Sample, error) {
	s.mu.Lock()
	if s.shutdown {
		s.mu.Unlock()
		return Sample{}, ErrSourceShutdown
	}
	ch := make(chan Sample, 1)
	s.requests = append(s.requests, ch)
	s.feed()
	s.mu.Unlock()

	select {
	case smp := <-ch:
		if smp.Data == nil {
			return smp, ErrSourceShutdown
		}
		return smp, nil
	case <-ctx.Done():
		s.mu.Lock()
		defer s.mu.Unlock()
		for i, r := range s.requests {
			if r == ch {
				s.requests = append(s.requests[:i], s.requests[i+1:]...)
				return Sample{}, ctx.Err()
			}
		}
		// Answered while canceling: put the sample back at the head.
		if smp := <-ch; smp.Data != nil {
			s.queue = append([]Sample{smp}, s.queue...)
		}
		return Sample{}, ctx.Err()
	}
}

// Outstanding returns the number of unanswered requests.
func (s *StreamSource) Outstanding() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.requests)
}

// Dropped returns the number of samples discarded on a full queue.
func (s *StreamSource) Dropped() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dropped
}

// Shutdown answers every outstanding request with an empty sample and
// stops accepting samples.
func (s *StreamSource) Shutdown() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.shutdown {
		return
	}
	s.shutdown = true
	for _, r := range s.requests {
		r <- Sample{}
	}
	s.requests = nil
	s.queue = nil
}

// feed pairs queued samples with outstanding requests. Callers hold mu.
func (s *StreamSource) feed() {
	for len(s.queue) > 0 && len(s.requests) > 0 {
		s.requests[0] <- s.queue[0]
		s.requests = s.requests[1:]
		s.queue = s.queue[1:]
	}
}

// SampleSlot holds the latest raw picture. Requests are answered with it
// immediately; without one they are deferred and the oldest deferred
// request is answered by the next Feed.
type SampleSlot struct {
	mu       sync.Mutex
	sample   *Sample
	deferred []chan Sample
	closed   bool
	start    time.Time
	now      func() time.Time
}

// NewSampleSlot returns an empty slot.
func NewSampleSlot() *SampleSlot {
	return &SampleSlot{now: time.Now}
}

// Feed replaces the held picture with a copy of data.
func (s *SampleSlot) Feed(data []byte, width, height int) {
	if len(data) == 0 {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.sample = &Sample{Data: append([]byte(nil), data...), Width: width, Height: height, Format: FormatYV12}
	if len(s.deferred) > 0 {
		ch := s.deferred[0]
		s.deferred = s.deferred[1:]
		ch <- s.answer()
	}
}

// Next implements SampleSource.
func (s *SampleSlot) Next(ctx context.Context) (Sample, error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return Sample{}, ErrSourceShutdown
	}
	if s.sample != nil {
		smp := s.answer()
		s.mu.Unlock()
		return smp, nil
	}
	ch := make(chan Sample, 1)
	s.deferred = append(s.deferred, ch)
	s.mu.Unlock()

	select {
	case smp := <-ch:
		if smp.Data == nil {
			return smp, ErrSourceShutdown
		}
		return smp, nil
	case <-ctx.Done():
		s.mu.Lock()
		defer s.mu.Unlock()
		for i, r := range s.deferred {
			if r == ch {
				s.deferred = append(s.deferred[:i], s.deferred[i+1:]...)
				break
			}
		}
		return Sample{}, ctx.Err()
	}
}

// Deferred returns the number of requests waiting for a picture.
func (s *SampleSlot) Deferred() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.deferred)
}

// Shutdown answers deferred requests with an empty sample.
func (s *SampleSlot) Shutdown() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	for _, ch := range s.deferred {
		ch <- Sample{}
	}
	s.deferred = nil
	s.sample = nil
}

// answer stamps the held picture with the time since the first answer
// plus the lead. Callers hold mu.
func (s *SampleSlot) answer() Sample {
	now := s.now()
	if s.start.IsZero() {
		s.start = now
	}
	smp := *s.sample
	smp.Time = int64((now.Sub(s.start) + sampleLead) / 100)
	return smp
}
