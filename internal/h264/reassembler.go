package h264

import (
	"bytes"
	"fmt"

	"github.com/gguoling/mswinrtvid/internal/logging"
)

var log = logging.L("h264")

// DefaultBufferSize is the initial capacity of the reassembly buffer.
const DefaultBufferSize = 65536

// growHeadroom is the slack reserved on top of each unit before it is framed.
const growHeadroom = 100

// Reassembler turns batches of depacketized NAL units into Annex-B access
// units and tracks the active SPS/PPS and coded picture size. It is not safe
// for concurrent use.
type Reassembler struct {
	buf []byte

	sps       []byte
	pps       []byte
	size      VideoSize
	sizeKnown bool
}

// NewReassembler returns a reassembler whose output buffer starts at
// initialSize bytes (DefaultBufferSize when initialSize <= 0).
func NewReassembler(initialSize int) *Reassembler {
	if initialSize <= 0 {
		initialSize = DefaultBufferSize
	}
	return &Reassembler{buf: make([]byte, 0, initialSize)}
}

// Reassemble frames nalus, in order, into one access unit. The returned slice
// aliases the internal buffer and is only valid until the next call.
// parameterSetsChanged reports that a new SPS or PPS was seen and the decoder
// has to be reinitialized.
//
// A malformed SPS fails the whole frame and leaves the cached parameter sets
// and picture size as they were.
func (r *Reassembler) Reassemble(nalus [][]byte) (frame []byte, parameterSetsChanged bool, err error) {
	r.buf = r.buf[:0]

	// Parameter-set updates are staged and committed once the batch succeeds.
	sps, pps := r.sps, r.pps
	size, sizeKnown := r.size, r.sizeKnown
	first := true

	for i, nal := range nalus {
		if len(nal) == 0 {
			continue
		}

		// Units that already carry a start code are copied as they are and
		// leave the leading zero to the next unframed unit.
		if hasStartCode(nal) {
			r.reserve(len(nal))
			r.buf = append(r.buf, nal...)
			continue
		}

		typ := NALType(nal)
		switch typ {
		case NALTypeSPS:
			if !bytes.Equal(nal, sps) {
				info, err := ParseSPS(nal)
				if err != nil {
					return nil, false, fmt.Errorf("nal %d: %w", i, err)
				}
				sps = bytes.Clone(nal)
				pps = nil
				size, sizeKnown = info.Size, true
				parameterSetsChanged = true
			}
		case NALTypePPS:
			if !bytes.Equal(nal, pps) {
				pps = bytes.Clone(nal)
				parameterSetsChanged = true
			}
		}

		r.reserve(len(nal))
		r.appendUnit(nal, first || typ == NALTypeSPS || typ == NALTypePPS)
		first = false
	}

	if parameterSetsChanged {
		if sizeKnown && (!r.sizeKnown || size != r.size) {
			log.Debug("picture size changed", "from", r.size.String(), "to", size.String())
		}
		r.sps, r.pps = sps, pps
		r.size, r.sizeKnown = size, sizeKnown
	}
	return r.buf, parameterSetsChanged, nil
}

// appendUnit writes one framed NAL unit: an optional leading zero byte, the
// start code, the header byte, the payload with 03 inserted after every
// 00 00 that is followed by 00, 01 or 02, and finally the last bytes of the
// unit copied as they are.
func (r *Reassembler) appendUnit(nal []byte, leadingZero bool) {
	if leadingZero {
		r.buf = append(r.buf, 0)
	}
	r.buf = append(r.buf, startCode...)
	r.buf = append(r.buf, nal[0])

	i := 1
	for end := len(nal) - 3; i < end; i++ {
		if nal[i] == 0 && nal[i+1] == 0 && nal[i+2] < 3 {
			r.buf = append(r.buf, 0, 0, 3)
			i += 2
		}
		r.buf = append(r.buf, nal[i])
	}
	r.buf = append(r.buf, nal[i:]...)
}

// reserve makes room for a unit of n bytes plus worst-case stuffing, growing
// the buffer geometrically.
func (r *Reassembler) reserve(n int) {
	need := len(r.buf) + n + n/2 + growHeadroom
	if need <= cap(r.buf) {
		return
	}
	newCap := 2 * cap(r.buf)
	if newCap < need {
		newCap = need
	}
	grown := make([]byte, len(r.buf), newCap)
	copy(grown, r.buf)
	r.buf = grown
}

// VideoSize returns the picture size of the active SPS. ok is false until an
// SPS has been accepted.
func (r *Reassembler) VideoSize() (size VideoSize, ok bool) {
	return r.size, r.sizeKnown
}

// SPS returns a copy of the cached sequence parameter set, or nil.
func (r *Reassembler) SPS() []byte { return bytes.Clone(r.sps) }

// PPS returns a copy of the cached picture parameter set, or nil.
func (r *Reassembler) PPS() []byte { return bytes.Clone(r.pps) }

// Capacity returns the current capacity of the reassembly buffer.
func (r *Reassembler) Capacity() int { return cap(r.buf) }

// Reset forgets the cached parameter sets and picture size. The buffer keeps
// its capacity.
func (r *Reassembler) Reset() {
	r.buf = r.buf[:0]
	r.sps, r.pps = nil, nil
	r.size, r.sizeKnown = VideoSize{}, false
}
