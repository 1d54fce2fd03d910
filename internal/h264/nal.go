// Package h264 rebuilds Annex-B access units from depacketized H.264 NAL
// units and tracks the active parameter sets and coded picture size.
package h264

// NAL unit types as defined in ITU-T H.264 Table 7-1.
const (
	NALTypeSlice = 1
	NALTypeIDR   = 5
	NALTypeSEI   = 6
	NALTypeSPS   = 7
	NALTypePPS   = 8
	NALTypeAUD   = 9
)

// startCode is the 4-byte Annex-B start code.
var startCode = []byte{0, 0, 0, 1}

// NALType returns nal_unit_type (low 5 bits of the header byte), or 0 for an
// empty unit.
func NALType(nalu []byte) uint8 {
	if len(nalu) == 0 {
		return 0
	}
	return nalu[0] & 0x1f
}

// IsKeyFrame reports whether the access unit carries an IDR slice.
func IsKeyFrame(nalus [][]byte) bool {
	for _, n := range nalus {
		if NALType(n) == NALTypeIDR {
			return true
		}
	}
	return false
}

// hasStartCode reports whether b already begins with 00 00 00 01.
func hasStartCode(b []byte) bool {
	return len(b) >= 4 && b[0] == 0 && b[1] == 0 && b[2] == 0 && b[3] == 1
}

// UnescapeRBSP removes emulation-prevention bytes (the 03 in 00 00 03),
// turning an escaped NAL payload back into its raw byte sequence.
func UnescapeRBSP(b []byte) []byte {
	out := make([]byte, 0, len(b))
	zeros := 0
	for _, c := range b {
		if zeros >= 2 && c == 3 {
			zeros = 0
			continue
		}
		out = append(out, c)
		if c == 0 {
			zeros++
		} else {
			zeros = 0
		}
	}
	return out
}
