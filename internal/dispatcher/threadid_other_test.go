//go:build !linux && !windows

package dispatcher

// Thread identity is not observable here; the comparison always matches.
func threadID() int64 { return 0 }
