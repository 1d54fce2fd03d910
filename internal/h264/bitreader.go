package h264

import "fmt"

// maxLeadingZeros bounds an exp-Golomb prefix; a 32-bit ue(v) never needs more.
const maxLeadingZeros = 31

// bitReader walks a byte slice MSB-first. Every read is bounds checked and
// returns ErrTruncated instead of reading past the end.
type bitReader struct {
	data []byte
	off  uint // bit offset
}

func newBitReader(data []byte) *bitReader {
	return &bitReader{data: data}
}

func (br *bitReader) bitsLeft() int {
	return len(br.data)*8 - int(br.off)
}

// readBit reads u(1).
func (br *bitReader) readBit() (uint8, error) {
	if br.bitsLeft() < 1 {
		return 0, ErrTruncated
	}
	mod := br.off % 8
	b := (br.data[br.off/8] >> (7 - mod)) & 1
	br.off++
	return b, nil
}

// readByte reads u(8). An unaligned read straddles two adjacent bytes.
func (br *bitReader) readByte() (uint8, error) {
	if br.bitsLeft() < 8 {
		return 0, ErrTruncated
	}
	idx, mod := br.off/8, br.off%8
	b := br.data[idx]
	if mod != 0 {
		b = br.data[idx]<<mod | br.data[idx+1]>>(8-mod)
	}
	br.off += 8
	return b, nil
}

// readUE reads an unsigned exp-Golomb value: k leading zero bits, a one,
// then a k-bit suffix; value = 2^k - 1 + suffix.
func (br *bitReader) readUE() (uint32, error) {
	k := 0
	for {
		b, err := br.readBit()
		if err != nil {
			return 0, err
		}
		if b == 1 {
			break
		}
		k++
		if k > maxLeadingZeros {
			return 0, fmt.Errorf("exp-Golomb prefix longer than %d bits", maxLeadingZeros)
		}
	}

	var suffix uint32
	for i := 0; i < k; i++ {
		b, err := br.readBit()
		if err != nil {
			return 0, err
		}
		suffix = suffix<<1 | uint32(b)
	}
	return (1<<k - 1) + suffix, nil
}
