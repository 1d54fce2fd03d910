package ipc

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// HandshakeLimiter throttles handshake attempts per peer identity. Each
// identity gets a token bucket holding burst attempts that refills evenly
// over window.
type HandshakeLimiter struct {
	burst int
	limit rate.Limit

	mu    sync.Mutex
	peers map[string]*rate.Limiter
}

// NewHandshakeLimiter allows burst attempts per identity per window.
func NewHandshakeLimiter(burst int, window time.Duration) *HandshakeLimiter {
	if burst < 1 {
		burst = 1
	}
	return &HandshakeLimiter{
		burst: burst,
		limit: rate.Every(window / time.Duration(burst)),
		peers: make(map[string]*rate.Limiter),
	}
}

// Allow reports whether identity may attempt another handshake and spends
// one attempt if so.
func (l *HandshakeLimiter) Allow(identity string) bool {
	l.mu.Lock()
	lim, ok := l.peers[identity]
	if !ok {
		lim = rate.NewLimiter(l.limit, l.burst)
		l.peers[identity] = lim
	}
	l.mu.Unlock()
	return lim.Allow()
}

// Forget drops the bucket for identity after a successful handshake.
func (l *HandshakeLimiter) Forget(identity string) {
	l.mu.Lock()
	delete(l.peers, identity)
	l.mu.Unlock()
}
