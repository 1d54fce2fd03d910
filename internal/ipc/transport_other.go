//go:build !windows

package ipc

import (
	"context"
	"fmt"
	"net"
	"os"
	"path/filepath"
)

// DefaultEndpoint returns the unix socket for the panel called name.
func DefaultEndpoint(name string) string {
	return filepath.Join(os.TempDir(), "mswinrtvid-"+name+".sock")
}

// Listen creates the control channel listener, replacing a stale socket.
func Listen(endpoint string) (net.Listener, error) {
	os.Remove(endpoint)
	if err := os.MkdirAll(filepath.Dir(endpoint), 0o700); err != nil {
		return nil, fmt.Errorf("ipc: mkdir %s: %w", filepath.Dir(endpoint), err)
	}
	l, err := net.Listen("unix", endpoint)
	if err != nil {
		return nil, fmt.Errorf("ipc: listen %s: %w", endpoint, err)
	}
	if err := os.Chmod(endpoint, 0o600); err != nil {
		l.Close()
		return nil, fmt.Errorf("ipc: chmod %s: %w", endpoint, err)
	}
	return l, nil
}

// Dial connects to a control channel listener.
func Dial(ctx context.Context, endpoint string) (net.Conn, error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "unix", endpoint)
	if err != nil {
		return nil, fmt.Errorf("ipc: connect to %s: %w", endpoint, err)
	}
	return conn, nil
}
