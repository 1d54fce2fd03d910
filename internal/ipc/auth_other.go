//go:build !linux && !windows

package ipc

import "net"

// PeerPID is unavailable here; callers fall back to the pid claimed in Hello.
func PeerPID(conn net.Conn) (uint32, error) {
	return 0, ErrNoPeerCredentials
}
