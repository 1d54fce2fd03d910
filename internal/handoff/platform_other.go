//go:build !windows

package handoff

// SystemPlatform reports ErrUnsupportedPlatform; use NewLoopback off Windows.
func SystemPlatform() (Platform, error) {
	return nil, ErrUnsupportedPlatform
}
