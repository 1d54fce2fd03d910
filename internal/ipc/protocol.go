package ipc

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/gguoling/mswinrtvid/internal/logging"
)

var log = logging.L("ipc")

// KeySize is the length of a control channel session key.
const KeySize = 32

// Conn wraps a net.Conn with length-prefixed JSON framing, HMAC signing
// under a pre-shared session key, and sequence number validation.
type Conn struct {
	conn       net.Conn
	sessionKey []byte
	sendSeq    atomic.Uint64
	recvSeq    atomic.Uint64
	mu         sync.Mutex // serializes writes
}

// NewConn wraps a raw connection. Both ends must use the same key.
func NewConn(conn net.Conn, sessionKey []byte) *Conn {
	return &Conn{conn: conn, sessionKey: sessionKey}
}

// Close closes the underlying connection.
func (c *Conn) Close() error {
	return c.conn.Close()
}

// SetDeadline sets the deadline on the underlying connection.
func (c *Conn) SetDeadline(t time.Time) error {
	return c.conn.SetDeadline(t)
}

// SetReadDeadline sets the read deadline on the underlying connection.
func (c *Conn) SetReadDeadline(t time.Time) error {
	return c.conn.SetReadDeadline(t)
}

// Send signs env with the next sequence number and writes it as one frame.
func (c *Conn) Send(env *Envelope) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	env.Seq = c.sendSeq.Add(1)
	env.HMAC = c.sign(env)
	data, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("ipc: marshal envelope: %w", err)
	}
	return writeFrame(c.conn, data)
}

// Recv reads one frame and rejects it unless the signature verifies and
// the sequence number moved forward.
func (c *Conn) Recv() (*Envelope, error) {
	data, err := readFrame(c.conn)
	if err != nil {
		return nil, err
	}
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("ipc: unmarshal envelope: %w", err)
	}
	if !hmac.Equal([]byte(env.HMAC), []byte(c.sign(&env))) {
		return nil, ErrHMACMismatch
	}
	if last := c.recvSeq.Load(); env.Seq <= last {
		return nil, fmt.Errorf("%w: %d <= last %d", ErrReplay, env.Seq, last)
	}
	c.recvSeq.Store(env.Seq)
	return &env, nil
}

// SendTyped wraps payload into an Envelope with a fresh id and sends it.
func (c *Conn) SendTyped(msgType string, payload any) error {
	raw, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("ipc: marshal payload: %w", err)
	}
	return c.Send(&Envelope{ID: uuid.NewString(), Type: msgType, Payload: raw})
}

// frameHeader is the big-endian payload length preceding every message.
const frameHeader = 4

func writeFrame(w io.Writer, data []byte) error {
	if len(data) > MaxMessageSize {
		return fmt.Errorf("%w: %d > %d", ErrTooLarge, len(data), MaxMessageSize)
	}
	frame := binary.BigEndian.AppendUint32(make([]byte, 0, frameHeader+len(data)), uint32(len(data)))
	if _, err := w.Write(append(frame, data...)); err != nil {
		return fmt.Errorf("ipc: write frame: %w", err)
	}
	return nil
}

func readFrame(r io.Reader) ([]byte, error) {
	var hdr [frameHeader]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return nil, fmt.Errorf("ipc: read header: %w", err)
	}
	n := binary.BigEndian.Uint32(hdr[:])
	switch {
	case n == 0:
		return nil, errors.New("ipc: zero-length message")
	case n > MaxMessageSize:
		return nil, fmt.Errorf("%w: %d > %d", ErrTooLarge, n, MaxMessageSize)
	}
	data := make([]byte, n)
	if _, err := io.ReadFull(r, data); err != nil {
		return nil, fmt.Errorf("ipc: read payload: %w", err)
	}
	return data, nil
}

// sign returns the hex HMAC-SHA256 of the envelope's fields. Each
// variable-length field is length-prefixed so no two envelopes share an
// encoding.
func (c *Conn) sign(env *Envelope) string {
	mac := hmac.New(sha256.New, c.sessionKey)
	var buf []byte
	buf = binary.BigEndian.AppendUint64(buf, env.Seq)
	for _, field := range [][]byte{[]byte(env.ID), []byte(env.Type), env.Payload, []byte(env.Error)} {
		buf = binary.BigEndian.AppendUint32(buf, uint32(len(field)))
		buf = append(buf, field...)
	}
	mac.Write(buf)
	return hex.EncodeToString(mac.Sum(nil))
}

// GenerateSessionKey creates a cryptographically random 256-bit key.
func GenerateSessionKey() ([]byte, error) {
	key := make([]byte, KeySize)
	if _, err := rand.Read(key); err != nil {
		return nil, fmt.Errorf("ipc: generate session key: %w", err)
	}
	return key, nil
}

// ParseSessionKey decodes a hex key as written into a launch descriptor.
func ParseSessionKey(s string) ([]byte, error) {
	key, err := hex.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("ipc: decode session key: %w", err)
	}
	if len(key) != KeySize {
		return nil, fmt.Errorf("ipc: session key is %d bytes, want %d", len(key), KeySize)
	}
	return key, nil
}
