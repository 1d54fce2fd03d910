// Package filter is the boundary to the media pipeline that hosts the
// display and capture filters: data blocks, FIFO queues between filters,
// a single-instance guard and the ticker that drives processing.
package filter

import (
	"errors"
	"sync"
	"time"

	"github.com/gguoling/mswinrtvid/internal/logging"
)

var log = logging.L("filter")

// ErrAlreadyActive is returned when a second instance of a single-instance
// filter is requested.
var ErrAlreadyActive = errors.New("filter: an instance is already active")

// Block is one unit of media moving between filters: an RTP packet, an
// encoded sample or a raw picture.
type Block struct {
	Data []byte
	// Timestamp is in 90 kHz units.
	Timestamp uint32
	Marker    bool
	// Width and Height are set on raw picture blocks.
	Width, Height int
}

// Filter is a pipeline stage driven by a Ticker. Close releases what the
// constructor acquired.
type Filter interface {
	Preprocess() error
	// Process consumes inputs and produces outputs; now is the ticker time.
	Process(now time.Duration) error
	Postprocess() error
	Close() error
}

// Queue is a FIFO of blocks between two filters.
type Queue struct {
	mu     sync.Mutex
	blocks []*Block
}

// Put appends b.
func (q *Queue) Put(b *Block) {
	q.mu.Lock()
	q.blocks = append(q.blocks, b)
	q.mu.Unlock()
}

// Get removes and returns the oldest block, or nil when empty.
func (q *Queue) Get() *Block {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.blocks) == 0 {
		return nil
	}
	b := q.blocks[0]
	q.blocks[0] = nil
	q.blocks = q.blocks[1:]
	return b
}

// Len returns the number of queued blocks.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.blocks)
}

// Flush discards every queued block and returns how many there were.
func (q *Queue) Flush() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	n := len(q.blocks)
	q.blocks = nil
	return n
}

// Registry tracks filter kinds that allow a single live instance.
type Registry struct {
	mu     sync.Mutex
	active map[string]bool
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{active: make(map[string]bool)}
}

// Acquire claims kind. The returned release func is idempotent.
func (r *Registry) Acquire(kind string) (func(), error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.active[kind] {
		log.Error("filter already instantiated", "kind", kind)
		return nil, ErrAlreadyActive
	}
	r.active[kind] = true

	var once sync.Once
	return func() {
		once.Do(func() {
			r.mu.Lock()
			delete(r.active, kind)
			r.mu.Unlock()
		})
	}, nil
}
