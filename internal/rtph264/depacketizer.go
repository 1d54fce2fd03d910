// Package rtph264 carries H.264 over RTP (RFC 6184): depacketizing inbound
// packets into per-frame NAL units, packetizing encoder output, keyframe
// requests over RTCP and pcap replay.
package rtph264

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/pion/rtp"
	"github.com/pion/rtp/codecs"

	"github.com/gguoling/mswinrtvid/internal/logging"
)

var log = logging.L("rtph264")

const (
	naluTypeMask = 0x1f
	naluTypeFUA  = 28
	fuStartBit   = 0x80
)

// ErrMalformedPayload is returned for payloads the depacketizer cannot parse.
var ErrMalformedPayload = errors.New("rtph264: malformed payload")

// Frame is the NAL units of one access unit in arrival order, without
// start codes.
type Frame struct {
	NALUs     [][]byte
	Timestamp uint32
	// Damaged is set when packets were lost while the frame was assembled.
	Damaged bool
}

// Depacketizer turns RTP packets into frames. A frame is complete on the
// marker bit or when the timestamp moves on.
type Depacketizer struct {
	pkt      codecs.H264Packet
	started  bool
	lastSeq  uint16
	waitFUA  bool
	pending  Frame
	haveData bool
	lost     uint64
}

// NewDepacketizer returns a depacketizer with no history.
func NewDepacketizer() *Depacketizer {
	return &Depacketizer{pkt: codecs.H264Packet{IsAVC: true}, waitFUA: true}
}

// Push feeds one packet and returns the frames it completed: none, the
// previous one when the timestamp moved on, the current one on its marker
// bit, or both.
func (d *Depacketizer) Push(p *rtp.Packet) ([]*Frame, error) {
	if len(p.Payload) == 0 {
		return nil, nil
	}

	gap := false
	if d.started {
		switch delta := p.SequenceNumber - d.lastSeq; {
		case delta == 0 || delta >= 0x8000:
			log.Debug("dropping late rtp packet", "last", d.lastSeq, "got", p.SequenceNumber)
			return nil, nil
		case delta > 1:
			d.lost += uint64(delta - 1)
			log.Debug("rtp sequence gap", "expected", d.lastSeq+1, "got", p.SequenceNumber)
			// Drop the partial fragment; the next FU-A must be a start.
			d.pkt = codecs.H264Packet{IsAVC: true}
			d.waitFUA = true
			gap = true
		}
	}
	d.started = true
	d.lastSeq = p.SequenceNumber

	var done []*Frame
	if d.haveData && p.Timestamp != d.pending.Timestamp {
		done = append(done, d.take())
	}
	if !d.haveData {
		d.pending.Timestamp = p.Timestamp
	}
	if gap {
		d.pending.Damaged = true
	}

	skip := false
	if p.Payload[0]&naluTypeMask == naluTypeFUA {
		if len(p.Payload) < 2 {
			d.pending.Damaged = true
			return done, fmt.Errorf("%w: short FU-A", ErrMalformedPayload)
		}
		if p.Payload[1]&fuStartBit != 0 {
			d.waitFUA = false
		} else {
			skip = d.waitFUA
		}
	} else {
		d.waitFUA = false
	}

	if !skip {
		avc, err := d.pkt.Unmarshal(p.Payload)
		if err != nil {
			d.pkt = codecs.H264Packet{IsAVC: true}
			d.waitFUA = true
			d.pending.Damaged = true
			return done, fmt.Errorf("%w: %w", ErrMalformedPayload, err)
		}
		nalus, err := splitAVC(avc)
		if len(nalus) > 0 {
			d.pending.NALUs = append(d.pending.NALUs, nalus...)
			d.haveData = true
		}
		if err != nil {
			d.pending.Damaged = true
			return done, err
		}
	}

	if p.Marker && d.haveData {
		done = append(done, d.take())
	}
	return done, nil
}

// Flush returns the frame under assembly, if any.
func (d *Depacketizer) Flush() *Frame {
	if !d.haveData {
		return nil
	}
	return d.take()
}

// Lost returns the number of packets missed so far.
func (d *Depacketizer) Lost() uint64 { return d.lost }

// Reset forgets all state, including the sequence history.
func (d *Depacketizer) Reset() {
	*d = Depacketizer{pkt: codecs.H264Packet{IsAVC: true}, waitFUA: true, lost: d.lost}
}

func (d *Depacketizer) take() *Frame {
	f := d.pending
	d.pending = Frame{}
	d.haveData = false
	return &f
}

// splitAVC splits a buffer of 4-byte length prefixed NAL units.
func splitAVC(b []byte) ([][]byte, error) {
	var out [][]byte
	for len(b) > 0 {
		if len(b) < 4 {
			return out, fmt.Errorf("%w: truncated length prefix", ErrMalformedPayload)
		}
		n := binary.BigEndian.Uint32(b)
		b = b[4:]
		if uint64(n) > uint64(len(b)) {
			return out, fmt.Errorf("%w: NAL unit length %d exceeds %d", ErrMalformedPayload, n, len(b))
		}
		if n > 0 {
			out = append(out, b[:n])
		}
		b = b[n:]
	}
	return out, nil
}
