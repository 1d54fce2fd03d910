package handoff

import (
	"errors"
	"fmt"
)

var (
	// ErrSetup is matched by every *SetupError.
	ErrSetup = errors.New("handoff: channel setup failed")

	// ErrPeerGone reports that the other process exited or its handles are
	// no longer usable.
	ErrPeerGone = errors.New("handoff: peer process is gone")

	// ErrClosed is returned by operations on a closed channel end.
	ErrClosed = errors.New("handoff: channel closed")

	// ErrLockTimeout is returned when the record lock is not acquired in time.
	ErrLockTimeout = errors.New("handoff: lock wait timed out")

	// ErrWaitTimeout is returned by Platform.WaitAny when the timeout elapses.
	ErrWaitTimeout = errors.New("handoff: wait timed out")

	// ErrInvalidHandle is returned for a handle the process does not own.
	ErrInvalidHandle = errors.New("handoff: invalid handle")

	// ErrRecordNotFound is returned when no record exists under the name.
	ErrRecordNotFound = errors.New("handoff: record not found")

	// ErrUnsupportedPlatform is returned by SystemPlatform off Windows.
	ErrUnsupportedPlatform = errors.New("handoff: kernel objects are only available on windows")

	// ErrInvalidErrorCode is returned by ReportError for a zero code.
	ErrInvalidErrorCode = errors.New("handoff: error code must be non-zero")
)

// SetupError is a resource-acquisition failure while building either end of
// the channel. The channel is unusable and must be rebuilt from scratch.
type SetupError struct {
	Name string // record name
	Step string
	Err  error
}

func (e *SetupError) Error() string {
	return fmt.Sprintf("handoff: setup %q: %s: %v", e.Name, e.Step, e.Err)
}

func (e *SetupError) Unwrap() error { return e.Err }

// Is makes errors.Is(err, ErrSetup) hold for every SetupError.
func (e *SetupError) Is(target error) bool { return target == ErrSetup }

// TransportError is a run-time failure moving a surface across the process
// boundary. It ends the consumer's wait loop.
type TransportError struct {
	Op  string
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("handoff: %s: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// RemoteError carries the non-zero code the producer stored with ReportError.
type RemoteError struct {
	Code int32
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("handoff: producer reported error 0x%08x", uint32(e.Code))
}
