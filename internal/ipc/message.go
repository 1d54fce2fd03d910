package ipc

import (
	"encoding/json"
	"fmt"
	"time"
)

// Message types exchanged between the panel (consumer) and the renderer
// (producer) over the control channel.
const (
	TypeHello    = "hello"
	TypeHelloAck = "hello_ack"
	TypeFormat   = "format"
	TypeStats    = "stats"
	TypeStop     = "stop"
	TypeLog      = "log"
)

// MaxMessageSize is the maximum size of a JSON control message (64KB).
const MaxMessageSize = 64 * 1024

// ProtocolVersion is the current control protocol version.
const ProtocolVersion = 1

// Envelope is the wire-format wrapper for all control messages.
type Envelope struct {
	ID      string          `json:"id"`
	Seq     uint64          `json:"seq"`
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
	Error   string          `json:"error,omitempty"`
	HMAC    string          `json:"hmac"`
}

// Hello is the first message a renderer sends after connecting.
type Hello struct {
	ProtocolVersion int    `json:"protocolVersion"`
	PID             uint32 `json:"pid"`
	Panel           string `json:"panel"`
}

// HelloAck answers a Hello.
type HelloAck struct {
	Accepted bool   `json:"accepted"`
	Reason   string `json:"reason,omitempty"`
}

// Format announces the stream format the renderer is producing surfaces for.
type Format struct {
	Codec  string `json:"codec"`
	Width  int    `json:"width"`
	Height int    `json:"height"`
}

// Stats is a periodic counter snapshot from the renderer.
type Stats struct {
	Frames           uint64 `json:"frames"`
	Dropped          uint64 `json:"dropped"`
	Published        uint64 `json:"published"`
	KeyframeRequests uint64 `json:"keyframeRequests"`
	Health           string `json:"health,omitempty"`
	HealthDetail     string `json:"healthDetail,omitempty"`
}

// LogRecord carries one renderer log record to the panel.
type LogRecord struct {
	Time      time.Time      `json:"time"`
	Level     string         `json:"level"`
	Component string         `json:"component"`
	Message   string         `json:"message"`
	Fields    map[string]any `json:"fields,omitempty"`
}

// Stop asks the peer to end the rendering session.
type Stop struct {
	Reason string `json:"reason,omitempty"`
}

// Decode unmarshals the payload of env into a T.
func Decode[T any](env *Envelope) (T, error) {
	var v T
	if err := json.Unmarshal(env.Payload, &v); err != nil {
		return v, fmt.Errorf("ipc: decode %s payload: %w", env.Type, err)
	}
	return v, nil
}
