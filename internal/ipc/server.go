package ipc

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
)

// HandshakeTimeout bounds the time between accept and a valid hello.
const HandshakeTimeout = 5 * time.Second

const (
	handshakeAttempts = 5
	handshakeWindow   = time.Minute
)

// Handler receives every message after the handshake. It runs on the
// peer's read goroutine.
type Handler func(p *Peer, env *Envelope)

// Peer is an authenticated renderer connection.
type Peer struct {
	ID       string
	Hello    Hello
	Verified bool // Hello.PID was checked against the kernel's view
	conn     *Conn
}

// Send writes a typed message to the peer.
func (p *Peer) Send(msgType string, payload any) error {
	return p.conn.SendTyped(msgType, payload)
}

// Server accepts renderer connections for one panel.
type Server struct {
	listener net.Listener
	key      []byte
	panel    string
	handler  Handler
	limiter  *HandshakeLimiter

	mu     sync.Mutex
	peers  map[string]*Peer
	closed bool
	wg     sync.WaitGroup
}

// NewServer wraps l. Connections must sign with key and name panel in
// their hello.
func NewServer(l net.Listener, key []byte, panel string, handler Handler) *Server {
	return &Server{
		listener: l,
		key:      key,
		panel:    panel,
		handler:  handler,
		limiter:  NewHandshakeLimiter(handshakeAttempts, handshakeWindow),
		peers:    make(map[string]*Peer),
	}
}

// Serve accepts connections until ctx is canceled or Close is called.
func (s *Server) Serve(ctx context.Context) error {
	stop := context.AfterFunc(ctx, func() { s.Close() })
	defer stop()

	for {
		raw, err := s.listener.Accept()
		if err != nil {
			s.mu.Lock()
			closed := s.closed
			s.mu.Unlock()
			if closed {
				s.wg.Wait()
				return nil
			}
			return fmt.Errorf("ipc: accept: %w", err)
		}
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.handleConnection(raw)
		}()
	}
}

// Broadcast sends a message to every connected peer.
func (s *Server) Broadcast(msgType string, payload any) {
	s.mu.Lock()
	peers := make([]*Peer, 0, len(s.peers))
	for _, p := range s.peers {
		peers = append(peers, p)
	}
	s.mu.Unlock()

	for _, p := range peers {
		if err := p.Send(msgType, payload); err != nil {
			log.Warn("broadcast failed", "peer", p.ID, "type", msgType, "error", err)
		}
	}
}

// PeerCount returns the number of authenticated connections.
func (s *Server) PeerCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.peers)
}

// Close stops accepting and disconnects every peer.
func (s *Server) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	peers := s.peers
	s.peers = make(map[string]*Peer)
	s.mu.Unlock()

	err := s.listener.Close()
	for _, p := range peers {
		p.conn.Close()
	}
	return err
}

func (s *Server) handleConnection(raw net.Conn) {
	raw.SetDeadline(time.Now().Add(HandshakeTimeout))

	identity := "unverified"
	peerPID, credErr := PeerPID(raw)
	if credErr == nil {
		identity = "pid:" + strconv.FormatUint(uint64(peerPID), 10)
	} else if !errors.Is(credErr, ErrNoPeerCredentials) {
		log.Warn("peer credential check failed", "error", credErr)
		raw.Close()
		return
	}

	if !s.limiter.Allow(identity) {
		log.Warn("control connection rate limited", "identity", identity)
		raw.Close()
		return
	}

	conn := NewConn(raw, s.key)
	env, err := conn.Recv()
	if err != nil {
		log.Warn("hello read failed", "identity", identity, "error", err)
		conn.Close()
		return
	}
	if env.Type != TypeHello {
		log.Warn("expected hello", "type", env.Type)
		conn.Close()
		return
	}
	hello, err := Decode[Hello](env)
	if err != nil {
		log.Warn("invalid hello payload", "error", err)
		conn.Close()
		return
	}

	if reason := s.checkHello(hello, peerPID, credErr == nil); reason != "" {
		log.Warn("hello rejected", "identity", identity, "pid", hello.PID, "reason", reason)
		conn.SendTyped(TypeHelloAck, HelloAck{Accepted: false, Reason: reason})
		conn.Close()
		return
	}
	if err := conn.SendTyped(TypeHelloAck, HelloAck{Accepted: true}); err != nil {
		log.Warn("failed to send hello ack", "error", err)
		conn.Close()
		return
	}
	s.limiter.Forget(identity)
	raw.SetDeadline(time.Time{})

	p := &Peer{ID: uuid.NewString(), Hello: hello, Verified: credErr == nil, conn: conn}
	if !s.register(p) {
		conn.Close()
		return
	}
	log.Info("renderer connected", "peer", p.ID, "pid", hello.PID, "verified", p.Verified)

	defer func() {
		s.unregister(p)
		conn.Close()
		log.Info("renderer disconnected", "peer", p.ID)
	}()
	for {
		env, err := conn.Recv()
		if err != nil {
			if !errors.Is(err, net.ErrClosed) {
				log.Debug("control read ended", "peer", p.ID, "error", err)
			}
			return
		}
		s.handler(p, env)
	}
}

func (s *Server) checkHello(h Hello, peerPID uint32, verified bool) string {
	switch {
	case h.ProtocolVersion != ProtocolVersion:
		return fmt.Sprintf("protocol version %d, want %d", h.ProtocolVersion, ProtocolVersion)
	case h.Panel != s.panel:
		return fmt.Sprintf("unknown panel %q", h.Panel)
	case verified && h.PID != peerPID:
		return "pid mismatch"
	}
	return ""
}

func (s *Server) register(p *Peer) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	s.peers[p.ID] = p
	return true
}

func (s *Server) unregister(p *Peer) {
	s.mu.Lock()
	delete(s.peers, p.ID)
	s.mu.Unlock()
}
