package rtph264

import (
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/pion/rtcp"
)

// DefaultKeyframeInterval is the minimum spacing between two requests.
const DefaultKeyframeInterval = 500 * time.Millisecond

// KeyframeRequester sends Picture Loss Indications to the sender of a
// stream, at most once per interval.
type KeyframeRequester struct {
	w          io.Writer
	senderSSRC uint32
	interval   time.Duration

	mu   sync.Mutex
	last time.Time
	sent uint64
	now  func() time.Time
}

// NewKeyframeRequester writes marshaled RTCP to w.
func NewKeyframeRequester(w io.Writer, senderSSRC uint32, interval time.Duration) *KeyframeRequester {
	if interval <= 0 {
		interval = DefaultKeyframeInterval
	}
	return &KeyframeRequester{w: w, senderSSRC: senderSSRC, interval: interval, now: time.Now}
}

// Request asks mediaSSRC for a keyframe. It reports whether a packet was
// written; requests inside the interval are coalesced.
func (k *KeyframeRequester) Request(mediaSSRC uint32) (bool, error) {
	k.mu.Lock()
	defer k.mu.Unlock()

	now := k.now()
	if !k.last.IsZero() && now.Sub(k.last) < k.interval {
		return false, nil
	}
	buf, err := rtcp.Marshal([]rtcp.Packet{&rtcp.PictureLossIndication{
		SenderSSRC: k.senderSSRC,
		MediaSSRC:  mediaSSRC,
	}})
	if err != nil {
		return false, fmt.Errorf("rtph264: marshal PLI: %w", err)
	}
	if _, err := k.w.Write(buf); err != nil {
		return false, fmt.Errorf("rtph264: send PLI: %w", err)
	}
	k.last = now
	k.sent++
	log.Debug("keyframe requested", "media_ssrc", mediaSSRC)
	return true, nil
}

// Sent returns the number of requests written.
func (k *KeyframeRequester) Sent() uint64 {
	k.mu.Lock()
	defer k.mu.Unlock()
	return k.sent
}

// IsKeyframeRequest reports whether buf holds a PLI or FIR addressed to
// mediaSSRC.
func IsKeyframeRequest(buf []byte, mediaSSRC uint32) bool {
	pkts, err := rtcp.Unmarshal(buf)
	if err != nil {
		return false
	}
	for _, pkt := range pkts {
		switch p := pkt.(type) {
		case *rtcp.PictureLossIndication:
			if p.MediaSSRC == mediaSSRC {
				return true
			}
		case *rtcp.FullIntraRequest:
			for _, e := range p.FIR {
				if e.SSRC == mediaSSRC {
					return true
				}
			}
		}
	}
	return false
}
