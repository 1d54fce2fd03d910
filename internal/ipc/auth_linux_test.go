package ipc

import (
	"net"
	"os"
	"path/filepath"
	"testing"
)

func TestPeerPIDUnixSocket(t *testing.T) {
	path := filepath.Join(t.TempDir(), "c.sock")
	l, err := net.Listen("unix", path)
	if err != nil {
		t.Fatal(err)
	}
	defer l.Close()

	go func() {
		if c, err := net.Dial("unix", path); err == nil {
			defer c.Close()
			buf := make([]byte, 1)
			c.Read(buf)
		}
	}()
	conn, err := l.Accept()
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close()

	pid, err := PeerPID(conn)
	if err != nil {
		t.Fatal(err)
	}
	if pid != uint32(os.Getpid()) {
		t.Fatalf("PeerPID = %d, want %d", pid, os.Getpid())
	}
}
