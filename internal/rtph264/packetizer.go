package rtph264

import (
	"math/rand/v2"

	"github.com/pion/rtp"
	"github.com/pion/rtp/codecs"
)

const (
	// DefaultMTU bounds the size of a marshaled RTP packet.
	DefaultMTU = 1400
	// DefaultPayloadType is the dynamic payload type used for H.264.
	DefaultPayloadType = 102
	// ClockRate is the RTP clock for video.
	ClockRate   = 90000
	rtpHeaderSz = 12
)

// Packetizer splits Annex-B access units into RTP packets in
// non-interleaved mode with single NAL unit and FU-A packets only.
type Packetizer struct {
	mtu         int
	payloadType uint8
	ssrc        uint32
	payloader   codecs.H264Payloader
	sequencer   rtp.Sequencer
}

// NewPacketizer returns a packetizer with a random SSRC and starting
// sequence number. A non-positive mtu selects DefaultMTU.
func NewPacketizer(mtu int, payloadType uint8) *Packetizer {
	if mtu <= rtpHeaderSz {
		mtu = DefaultMTU
	}
	return &Packetizer{
		mtu:         mtu,
		payloadType: payloadType,
		ssrc:        rand.Uint32(),
		payloader:   codecs.H264Payloader{DisableStapA: true},
		sequencer:   rtp.NewRandomSequencer(),
	}
}

// SSRC returns the synchronization source of emitted packets.
func (p *Packetizer) SSRC() uint32 { return p.ssrc }

// Packetize returns the packets for one access unit. All packets carry
// timestamp; the last one has the marker bit set.
func (p *Packetizer) Packetize(accessUnit []byte, timestamp uint32) []*rtp.Packet {
	payloads := p.payloader.Payload(uint16(p.mtu-rtpHeaderSz), accessUnit)
	packets := make([]*rtp.Packet, len(payloads))
	for i, payload := range payloads {
		packets[i] = &rtp.Packet{
			Header: rtp.Header{
				Version:        2,
				Marker:         i == len(payloads)-1,
				PayloadType:    p.payloadType,
				SequenceNumber: p.sequencer.NextSequenceNumber(),
				Timestamp:      timestamp,
				SSRC:           p.ssrc,
			},
			Payload: payload,
		}
	}
	return packets
}
