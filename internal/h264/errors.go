package h264

import "errors"

var (
	// ErrTruncated is returned when the bit reader runs past the end of its input.
	ErrTruncated = errors.New("h264: bitstream truncated")

	// ErrMalformedSPS wraps every failure to walk a sequence parameter set.
	ErrMalformedSPS = errors.New("h264: malformed SPS")
)
