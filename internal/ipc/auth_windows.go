//go:build windows

package ipc

import (
	"fmt"
	"net"
	"unsafe"

	"golang.org/x/sys/windows"
)

var (
	modkernel32                     = windows.NewLazySystemDLL("kernel32.dll")
	procGetNamedPipeClientProcessId = modkernel32.NewProc("GetNamedPipeClientProcessId")
)

// PeerPID returns the pid of a named pipe client.
func PeerPID(conn net.Conn) (uint32, error) {
	hc, ok := conn.(interface{ Fd() uintptr })
	if !ok {
		return 0, fmt.Errorf("%w: %T", ErrNoPeerCredentials, conn)
	}
	var pid uint32
	r1, _, err := procGetNamedPipeClientProcessId.Call(hc.Fd(), uintptr(unsafe.Pointer(&pid)))
	if r1 == 0 {
		return 0, fmt.Errorf("ipc: GetNamedPipeClientProcessId: %w", err)
	}
	return pid, nil
}
