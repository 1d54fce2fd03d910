package ipc

import "errors"

var (
	ErrHMACMismatch      = errors.New("ipc: HMAC mismatch")
	ErrReplay            = errors.New("ipc: sequence replay")
	ErrTooLarge          = errors.New("ipc: message too large")
	ErrRejected          = errors.New("ipc: hello rejected")
	ErrNoPeerCredentials = errors.New("ipc: peer credentials unavailable")
)
