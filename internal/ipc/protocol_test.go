package ipc

import (
	"bytes"
	"encoding/json"
	"errors"
	"net"
	"testing"
	"time"
)

func testKey(t *testing.T) []byte {
	t.Helper()
	key, err := GenerateSessionKey()
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	return key
}

func TestConnSendRecv(t *testing.T) {
	serverConn, clientConn := createSocketPair(t)
	defer serverConn.Close()
	defer clientConn.Close()

	key := testKey(t)
	server := NewConn(serverConn, key)
	client := NewConn(clientConn, key)

	done := make(chan error, 1)
	go func() {
		done <- client.SendTyped(TypeFormat, Format{Codec: "H264", Width: 352, Height: 288})
	}()

	server.SetReadDeadline(time.Now().Add(2 * time.Second))
	recv, err := server.Recv()
	if err != nil {
		t.Fatalf("recv: %v", err)
	}
	if err := <-done; err != nil {
		t.Fatalf("send: %v", err)
	}

	if recv.Type != TypeFormat {
		t.Errorf("expected type %s, got %s", TypeFormat, recv.Type)
	}
	if recv.Seq != 1 {
		t.Errorf("expected seq 1, got %d", recv.Seq)
	}
	if recv.ID == "" || recv.HMAC == "" {
		t.Errorf("id/hmac not set: %+v", recv)
	}
	f, err := Decode[Format](recv)
	if err != nil {
		t.Fatal(err)
	}
	if f.Width != 352 || f.Height != 288 || f.Codec != "H264" {
		t.Errorf("decoded %+v", f)
	}
}

func TestConnHMACMismatch(t *testing.T) {
	serverConn, clientConn := createSocketPair(t)
	defer serverConn.Close()
	defer clientConn.Close()

	server := NewConn(serverConn, testKey(t))
	client := NewConn(clientConn, testKey(t))

	go client.SendTyped(TypeStop, Stop{})

	server.SetReadDeadline(time.Now().Add(2 * time.Second))
	if _, err := server.Recv(); !errors.Is(err, ErrHMACMismatch) {
		t.Fatalf("Recv = %v, want ErrHMACMismatch", err)
	}
}

func TestConnSequenceReplay(t *testing.T) {
	serverConn, clientConn := createSocketPair(t)
	defer serverConn.Close()
	defer clientConn.Close()

	key := testKey(t)
	server := NewConn(serverConn, key)
	client := NewConn(clientConn, key)

	go func() {
		client.SendTyped(TypeStats, Stats{Frames: 1})
		client.SendTyped(TypeStats, Stats{Frames: 2})
	}()

	server.SetReadDeadline(time.Now().Add(2 * time.Second))
	if _, err := server.Recv(); err != nil {
		t.Fatalf("first recv: %v", err)
	}
	second, err := server.Recv()
	if err != nil {
		t.Fatalf("second recv: %v", err)
	}
	if second.Seq != 2 {
		t.Errorf("expected seq 2, got %d", second.Seq)
	}

	// A correctly signed frame that reuses an old sequence number.
	replayer := NewConn(clientConn, key)
	go replayer.Send(&Envelope{ID: "again", Type: TypeStop, Payload: json.RawMessage(`{}`)})
	if _, err := server.Recv(); !errors.Is(err, ErrReplay) {
		t.Fatalf("Recv = %v, want ErrReplay", err)
	}
}

func TestConnMaxMessageSize(t *testing.T) {
	serverConn, clientConn := createSocketPair(t)
	defer serverConn.Close()
	defer clientConn.Close()

	client := NewConn(clientConn, testKey(t))
	big := make([]byte, MaxMessageSize)
	for i := range big {
		big[i] = 'A'
	}
	payload, _ := json.Marshal(string(big))
	if err := client.Send(&Envelope{ID: "big", Type: TypeStats, Payload: payload}); !errors.Is(err, ErrTooLarge) {
		t.Fatalf("Send = %v, want ErrTooLarge", err)
	}
}

func TestSessionKeys(t *testing.T) {
	key1 := testKey(t)
	key2 := testKey(t)
	if len(key1) != KeySize {
		t.Errorf("expected %d bytes, got %d", KeySize, len(key1))
	}
	if string(key1) == string(key2) {
		t.Error("two generated keys should not be identical")
	}

	parsed, err := ParseSessionKey("00112233445566778899aabbccddeeff00112233445566778899aabbccddeeff")
	if err != nil || len(parsed) != KeySize || parsed[1] != 0x11 {
		t.Fatalf("ParseSessionKey = %x, %v", parsed, err)
	}
	if _, err := ParseSessionKey("0011"); err == nil {
		t.Error("short key accepted")
	}
	if _, err := ParseSessionKey("zz"); err == nil {
		t.Error("non-hex key accepted")
	}
}

func createSocketPair(t *testing.T) (net.Conn, net.Conn) {
	t.Helper()

	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer listener.Close()

	clientCh := make(chan net.Conn, 1)
	go func() {
		conn, err := net.Dial("tcp", listener.Addr().String())
		if err != nil {
			t.Errorf("dial: %v", err)
			clientCh <- nil
			return
		}
		clientCh <- conn
	}()

	serverConn, err := listener.Accept()
	if err != nil {
		t.Fatalf("accept: %v", err)
	}
	clientConn := <-clientCh
	if clientConn == nil {
		t.FailNow()
	}
	return serverConn, clientConn
}

func TestReadFrameRejectsBadLengths(t *testing.T) {
	if _, err := readFrame(bytes.NewReader([]byte{0, 0, 0, 0})); err == nil {
		t.Fatal("zero-length frame accepted")
	}
	if _, err := readFrame(bytes.NewReader([]byte{0, 0x10, 0, 1})); !errors.Is(err, ErrTooLarge) {
		t.Fatalf("readFrame = %v, want ErrTooLarge", err)
	}

	var buf bytes.Buffer
	if err := writeFrame(&buf, []byte(`{"type":"stop"}`)); err != nil {
		t.Fatal(err)
	}
	got, err := readFrame(&buf)
	if err != nil || string(got) != `{"type":"stop"}` {
		t.Fatalf("round trip = %q, %v", got, err)
	}
}

func TestSignSeparatesFields(t *testing.T) {
	c := NewConn(nil, testKey(t))
	a := c.sign(&Envelope{ID: "ab", Type: "c", Seq: 1})
	b := c.sign(&Envelope{ID: "a", Type: "bc", Seq: 1})
	if a == b {
		t.Fatal("shifting bytes between id and type kept the signature")
	}
}
