//go:build windows

package ipc

import (
	"context"
	"fmt"
	"net"

	"github.com/Microsoft/go-winio"
)

// SDDL: SYSTEM full control, the creating owner read/write.
const pipeSecurity = "D:P(A;;GA;;;SY)(A;;GRGW;;;OW)"

// DefaultEndpoint returns the named pipe for the panel called name.
func DefaultEndpoint(name string) string {
	return `\\.\pipe\mswinrtvid-` + name
}

// Listen creates the control channel listener.
func Listen(endpoint string) (net.Listener, error) {
	cfg := &winio.PipeConfig{
		SecurityDescriptor: pipeSecurity,
		InputBufferSize:    MaxMessageSize,
		OutputBufferSize:   MaxMessageSize,
	}
	l, err := winio.ListenPipe(endpoint, cfg)
	if err != nil {
		return nil, fmt.Errorf("ipc: listen pipe %s: %w", endpoint, err)
	}
	log.Info("named pipe listener created", "pipe", endpoint)
	return l, nil
}

// Dial connects to a control channel listener.
func Dial(ctx context.Context, endpoint string) (net.Conn, error) {
	conn, err := winio.DialPipeContext(ctx, endpoint)
	if err != nil {
		return nil, fmt.Errorf("ipc: dial pipe %s: %w", endpoint, err)
	}
	return conn, nil
}
