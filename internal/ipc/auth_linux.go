//go:build linux

package ipc

import (
	"fmt"
	"net"

	"golang.org/x/sys/unix"
)

// PeerPID returns the kernel-verified pid of the process on the other end
// of a unix socket via SO_PEERCRED.
func PeerPID(conn net.Conn) (uint32, error) {
	uc, ok := conn.(*net.UnixConn)
	if !ok {
		return 0, fmt.Errorf("%w: %T", ErrNoPeerCredentials, conn)
	}
	raw, err := uc.SyscallConn()
	if err != nil {
		return 0, fmt.Errorf("ipc: get syscall conn: %w", err)
	}

	var cred *unix.Ucred
	var credErr error
	err = raw.Control(func(fd uintptr) {
		cred, credErr = unix.GetsockoptUcred(int(fd), unix.SOL_SOCKET, unix.SO_PEERCRED)
	})
	if err != nil {
		return 0, fmt.Errorf("ipc: control: %w", err)
	}
	if credErr != nil {
		return 0, fmt.Errorf("ipc: getsockopt SO_PEERCRED: %w", credErr)
	}
	return uint32(cred.Pid), nil
}
