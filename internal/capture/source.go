package capture

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pion/webrtc/v4/pkg/media/h264reader"

	"github.com/gguoling/mswinrtvid/internal/h264"
)

// DefaultFPS paces a FileSource when no rate is given.
const DefaultFPS = 15

// DeliverFunc receives one encoded Annex-B sample. data is only valid
// during the call; hnsTime is the presentation time in 100ns units.
type DeliverFunc func(hnsTime int64, data []byte)

// Source is a camera with a hardware encoder. Start and Stop complete
// asynchronously by calling done exactly once.
type Source interface {
	Start(deliver DeliverFunc, done func(error))
	Stop(done func(error))
	// RequestIDR asks the encoder to emit an IDR frame soon.
	RequestIDR()
}

// FileSource plays an Annex-B H.264 file as if it came from a camera,
// one access unit per frame period.
type FileSource struct {
	FPS int

	r io.Reader

	mu       sync.Mutex
	cancel   context.CancelFunc
	finished chan struct{}
	ended    chan struct{}
	endOnce  sync.Once

	reader    *h264reader.H264Reader
	carry     []byte
	sps, pps  []byte
	wantIDR   atomic.Bool
	delivered atomic.Uint64
}

// NewFileSource reads Annex-B from r at fps frames per second.
func NewFileSource(r io.Reader, fps int) *FileSource {
	if fps <= 0 {
		fps = DefaultFPS
	}
	return &FileSource{FPS: fps, r: r, ended: make(chan struct{})}
}

// Start implements Source.
func (s *FileSource) Start(deliver DeliverFunc, done func(error)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancel != nil {
		done(errors.New("capture: source already started"))
		return
	}
	if s.finished != nil {
		// A previous run may still be winding down after Stop.
		<-s.finished
	}
	if err := s.openReader(); err != nil {
		done(err)
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	s.finished = make(chan struct{})
	go s.run(ctx, deliver, s.finished)
	done(nil)
}

func (s *FileSource) openReader() error {
	if s.reader != nil {
		return nil
	}
	reader, err := h264reader.NewReader(s.r)
	if err != nil {
		return fmt.Errorf("capture: open h264 stream: %w", err)
	}
	s.reader = reader
	return nil
}

// Stop implements Source. done is called once the reading goroutine has
// exited.
func (s *FileSource) Stop(done func(error)) {
	s.mu.Lock()
	cancel, finished := s.cancel, s.finished
	s.cancel = nil
	s.mu.Unlock()
	if cancel == nil {
		done(nil)
		return
	}
	cancel()
	go func() {
		<-finished
		done(nil)
	}()
}

// RequestIDR implements Source. The file cannot be re-encoded, so playback
// skips ahead to the next IDR access unit.
func (s *FileSource) RequestIDR() {
	s.wantIDR.Store(true)
}

// Ended is closed when the file has been played to the end.
func (s *FileSource) Ended() <-chan struct{} { return s.ended }

// Delivered returns the number of access units handed out.
func (s *FileSource) Delivered() uint64 { return s.delivered.Load() }

func (s *FileSource) run(ctx context.Context, deliver DeliverFunc, finished chan struct{}) {
	defer close(finished)
	period := time.Second / time.Duration(s.FPS)
	tick := time.NewTicker(period)
	defer tick.Stop()

	for {
		au, err := s.nextAccessUnit()
		if len(au) > 0 {
			n := s.delivered.Load()
			deliver(int64(n)*int64(period/100), au)
			s.delivered.Add(1)
		}
		if err != nil {
			if !errors.Is(err, io.EOF) {
				log.Warn("capture file read failed", "error", err.Error())
			}
			s.endOnce.Do(func() { close(s.ended) })
			return
		}
		select {
		case <-tick.C:
		case <-ctx.Done():
			return
		}
	}
}

// nextAccessUnit returns the next frame to deliver as Annex-B. While an
// IDR has been requested, non-IDR frames are skipped; the IDR frame gets
// the last seen parameter sets when it lacks its own.
func (s *FileSource) nextAccessUnit() ([]byte, error) {
	for {
		nalus, err := s.readAccessUnit()
		if len(nalus) == 0 {
			return nil, err
		}
		for _, n := range nalus {
			switch h264.NALType(n) {
			case h264.NALTypeSPS:
				s.sps = n
			case h264.NALTypePPS:
				s.pps = n
			}
		}
		if s.wantIDR.Load() {
			if !h264.IsKeyFrame(nalus) {
				if err != nil {
					return nil, err
				}
				continue
			}
			s.wantIDR.Store(false)
			if h264.NALType(nalus[0]) != h264.NALTypeSPS && s.sps != nil && s.pps != nil {
				nalus = append([][]byte{s.sps, s.pps}, nalus...)
			}
		}
		return joinAnnexB(nalus), err
	}
}

// readAccessUnit groups NAL units until the next one opens a new access
// unit (ITU-T H.264 7.4.1.2.3, restricted to the common cases).
func (s *FileSource) readAccessUnit() ([][]byte, error) {
	var au [][]byte
	haveVCL := false
	for {
		nal := s.carry
		s.carry = nil
		if nal == nil {
			n, err := s.reader.NextNAL()
			if err != nil {
				return au, err
			}
			nal = bytes.Clone(n.Data)
		}
		if len(nal) == 0 {
			continue
		}
		if haveVCL && opensAccessUnit(nal) {
			s.carry = nal
			return au, nil
		}
		au = append(au, nal)
		if isVCL(nal) {
			haveVCL = true
		}
	}
}

func isVCL(nal []byte) bool {
	t := h264.NALType(nal)
	return t >= h264.NALTypeSlice && t <= h264.NALTypeIDR
}

func opensAccessUnit(nal []byte) bool {
	switch h264.NALType(nal) {
	case h264.NALTypeAUD, h264.NALTypeSPS, h264.NALTypePPS, h264.NALTypeSEI:
		return true
	}
	// first_mb_in_slice == 0 is a single leading 1 bit in ue(v).
	return isVCL(nal) && len(nal) > 1 && nal[1]&0x80 != 0
}

func joinAnnexB(nalus [][]byte) []byte {
	n := 0
	for _, u := range nalus {
		n += 4 + len(u)
	}
	out := make([]byte, 0, n)
	for _, u := range nalus {
		out = append(out, 0, 0, 0, 1)
		out = append(out, u...)
	}
	return out
}
