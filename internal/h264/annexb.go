package h264

// SplitAnnexB splits an Annex-B byte stream into NAL units without their
// start codes. 3- and 4-byte start codes are both recognized and zero bytes
// preceding a start code are dropped. The stream must open with a start code;
// anything else, or a stream too short to carry a unit, yields nil. The
// returned units alias stream.
func SplitAnnexB(stream []byte) [][]byte {
	lead := 0
	for lead < len(stream) && stream[lead] == 0 {
		lead++
	}
	if lead < 2 || lead+1 >= len(stream) || stream[lead] != 1 {
		return nil
	}

	var units [][]byte
	start := lead + 1
	for off := start; off+2 < len(stream); {
		switch {
		case stream[off+2] > 1:
			off += 3
		case stream[off+2] == 1 && stream[off+1] == 0 && stream[off] == 0:
			if unit := trimTrailingZeros(stream[start:off]); len(unit) > 0 {
				units = append(units, unit)
			}
			off += 3
			start = off
		default:
			off++
		}
	}
	if unit := trimTrailingZeros(stream[start:]); len(unit) > 0 {
		units = append(units, unit)
	}
	return units
}

func trimTrailingZeros(b []byte) []byte {
	n := len(b)
	for n > 0 && b[n-1] == 0 {
		n--
	}
	return b[:n]
}
