package handoff

import "time"

// Infinite makes WaitAny block until an object is signaled.
const Infinite time.Duration = -1

// Mapping is a mapped view of a shared record.
type Mapping interface {
	Record() *Record
	Close() error
}

// Platform is the set of kernel facilities the protocol is built on. Handles
// returned by one Platform are only meaningful to that Platform, which
// stands for one process.
type Platform interface {
	// ProcessID returns the id of the process this Platform acts for.
	ProcessID() ProcessID
	// CurrentProcess returns a handle to the own process for DuplicateHandle.
	CurrentProcess() Handle

	// CreateRecord creates, or reuses, the named shared record.
	CreateRecord(name string) (Mapping, error)
	// OpenRecord opens an existing record; ErrRecordNotFound otherwise.
	OpenRecord(name string) (Mapping, error)

	CreateMutex() (Handle, error)
	CreateEvent(manualReset bool) (Handle, error)
	// CreateSurface allocates a shareable NV12 surface of the given size.
	CreateSurface(width, height int) (Handle, error)

	// OpenProcess opens pid with rights to duplicate handles into and out of
	// it. A process that has exited yields ErrPeerGone.
	OpenProcess(pid ProcessID) (Handle, error)
	// DuplicateHandle copies h from srcProc into dstProc with the same access.
	// With closeSource the source handle is closed, even on failure. A zero
	// dstProc with closeSource only closes h in srcProc.
	DuplicateHandle(srcProc, h, dstProc Handle, closeSource bool) (Handle, error)
	CloseHandle(h Handle) error

	// Lock acquires a mutex; ErrLockTimeout after timeout. Lock and Unlock
	// must run on the same OS thread.
	Lock(h Handle, timeout time.Duration) error
	Unlock(h Handle) error
	SetEvent(h Handle) error
	// WaitAny waits for any of handles and returns the lowest signaled index.
	// Auto-reset events are reset by a satisfied wait.
	WaitAny(handles []Handle, timeout time.Duration) (int, error)
}
