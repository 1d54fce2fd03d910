//go:build windows

package handoff

import (
	"errors"
	"fmt"
	"time"
	"unsafe"

	"golang.org/x/sys/windows"
)

var (
	modkernel32                 = windows.NewLazySystemDLL("kernel32.dll")
	procOpenFileMappingW        = modkernel32.NewProc("OpenFileMappingW")
	recordSize                  = uint32(unsafe.Sizeof(Record{}))
	errNoFileMapping            = windows.ERROR_FILE_NOT_FOUND
	errInvalidPID               = windows.ERROR_INVALID_PARAMETER
	stillActive          uint32 = 259
)

// SystemPlatform returns the Windows kernel object implementation.
func SystemPlatform() (Platform, error) {
	return &windowsPlatform{pid: ProcessID(windows.GetCurrentProcessId())}, nil
}

type windowsPlatform struct {
	pid ProcessID
}

func (w *windowsPlatform) ProcessID() ProcessID { return w.pid }

func (w *windowsPlatform) CurrentProcess() Handle { return Handle(windows.CurrentProcess()) }

// mappingName keeps records in the session-local namespace.
func mappingName(name string) (*uint16, error) {
	return windows.UTF16PtrFromString(`Local\mswinrtvid-` + name)
}

type windowsMapping struct {
	section windows.Handle
	addr    uintptr
}

func (m *windowsMapping) Record() *Record {
	return (*Record)(unsafe.Pointer(m.addr))
}

func (m *windowsMapping) Close() error {
	var errs []error
	if m.addr != 0 {
		if err := windows.UnmapViewOfFile(m.addr); err != nil {
			errs = append(errs, fmt.Errorf("UnmapViewOfFile: %w", err))
		}
		m.addr = 0
	}
	if m.section != 0 {
		if err := windows.CloseHandle(m.section); err != nil {
			errs = append(errs, fmt.Errorf("CloseHandle(section): %w", err))
		}
		m.section = 0
	}
	return errors.Join(errs...)
}

func mapView(section windows.Handle) (Mapping, error) {
	addr, err := windows.MapViewOfFile(section, windows.FILE_MAP_READ|windows.FILE_MAP_WRITE, 0, 0, uintptr(recordSize))
	if err != nil {
		windows.CloseHandle(section)
		return nil, fmt.Errorf("MapViewOfFile: %w", err)
	}
	return &windowsMapping{section: section, addr: addr}, nil
}

func (w *windowsPlatform) CreateRecord(name string) (Mapping, error) {
	n, err := mappingName(name)
	if err != nil {
		return nil, err
	}
	section, err := windows.CreateFileMapping(windows.InvalidHandle, nil, windows.PAGE_READWRITE, 0, recordSize, n)
	if err != nil {
		return nil, fmt.Errorf("CreateFileMapping(%s): %w", name, err)
	}
	return mapView(section)
}

func (w *windowsPlatform) OpenRecord(name string) (Mapping, error) {
	n, err := mappingName(name)
	if err != nil {
		return nil, err
	}
	r1, _, callErr := procOpenFileMappingW.Call(
		uintptr(windows.FILE_MAP_READ|windows.FILE_MAP_WRITE),
		0,
		uintptr(unsafe.Pointer(n)),
	)
	if r1 == 0 {
		if errors.Is(callErr, errNoFileMapping) {
			return nil, fmt.Errorf("%w: %q", ErrRecordNotFound, name)
		}
		return nil, fmt.Errorf("OpenFileMapping(%s): %w", name, callErr)
	}
	return mapView(windows.Handle(r1))
}

func (w *windowsPlatform) CreateMutex() (Handle, error) {
	h, err := windows.CreateMutex(nil, false, nil)
	if err != nil {
		return 0, fmt.Errorf("CreateMutex: %w", err)
	}
	return Handle(h), nil
}

func (w *windowsPlatform) CreateEvent(manualReset bool) (Handle, error) {
	var manual uint32
	if manualReset {
		manual = 1
	}
	h, err := windows.CreateEvent(nil, manual, 0, nil)
	if err != nil {
		return 0, fmt.Errorf("CreateEvent: %w", err)
	}
	return Handle(h), nil
}

// CreateSurface allocates an anonymous section sized for one NV12 picture.
func (w *windowsPlatform) CreateSurface(width, height int) (Handle, error) {
	if width <= 0 || height <= 0 {
		return 0, fmt.Errorf("handoff: invalid surface size %dx%d", width, height)
	}
	size := uint64(width) * uint64(height) * 3 / 2
	h, err := windows.CreateFileMapping(windows.InvalidHandle, nil, windows.PAGE_READWRITE,
		uint32(size>>32), uint32(size), nil)
	if err != nil {
		return 0, fmt.Errorf("CreateFileMapping(surface %dx%d): %w", width, height, err)
	}
	return Handle(h), nil
}

func (w *windowsPlatform) OpenProcess(pid ProcessID) (Handle, error) {
	access := uint32(windows.PROCESS_DUP_HANDLE | windows.PROCESS_QUERY_LIMITED_INFORMATION | windows.SYNCHRONIZE)
	h, err := windows.OpenProcess(access, false, uint32(pid))
	if err != nil {
		if errors.Is(err, errInvalidPID) {
			return 0, fmt.Errorf("%w: pid %d", ErrPeerGone, pid)
		}
		return 0, fmt.Errorf("OpenProcess(%d): %w", pid, err)
	}
	if exited(windows.Handle(h)) {
		windows.CloseHandle(h)
		return 0, fmt.Errorf("%w: pid %d", ErrPeerGone, pid)
	}
	return Handle(h), nil
}

// exited reports whether a process handle names a process that has ended.
func exited(proc windows.Handle) bool {
	if proc == windows.CurrentProcess() {
		return false
	}
	var code uint32
	if err := windows.GetExitCodeProcess(proc, &code); err != nil {
		return true
	}
	return code != stillActive
}

func (w *windowsPlatform) DuplicateHandle(srcProc, h, dstProc Handle, closeSource bool) (Handle, error) {
	options := uint32(windows.DUPLICATE_SAME_ACCESS)
	if closeSource {
		options |= windows.DUPLICATE_CLOSE_SOURCE
	}
	var dup windows.Handle
	var target *windows.Handle
	if dstProc != 0 {
		target = &dup
	}
	err := windows.DuplicateHandle(windows.Handle(srcProc), windows.Handle(h), windows.Handle(dstProc), target, 0, false, options)
	if err != nil {
		for _, proc := range []Handle{srcProc, dstProc} {
			if proc != 0 && exited(windows.Handle(proc)) {
				return 0, fmt.Errorf("%w: DuplicateHandle: %v", ErrPeerGone, err)
			}
		}
		return 0, fmt.Errorf("DuplicateHandle: %w", err)
	}
	return Handle(dup), nil
}

func (w *windowsPlatform) CloseHandle(h Handle) error {
	if err := windows.CloseHandle(windows.Handle(h)); err != nil {
		return fmt.Errorf("%w: CloseHandle(%#x): %v", ErrInvalidHandle, h, err)
	}
	return nil
}

func millis(d time.Duration) uint32 {
	if d < 0 {
		return windows.INFINITE
	}
	ms := d.Milliseconds()
	if ms >= windows.INFINITE {
		return windows.INFINITE - 1
	}
	return uint32(ms)
}

func (w *windowsPlatform) Lock(h Handle, timeout time.Duration) error {
	ev, err := windows.WaitForSingleObject(windows.Handle(h), millis(timeout))
	switch {
	case err != nil:
		return fmt.Errorf("WaitForSingleObject(mutex): %w", err)
	case ev == windows.WAIT_OBJECT_0:
		return nil
	case ev == windows.WAIT_ABANDONED:
		// The previous owner died while holding the lock; the record may be
		// half written but the lock is ours.
		log.Warn("record lock was abandoned by its previous owner")
		return nil
	case ev == uint32(windows.WAIT_TIMEOUT):
		return ErrLockTimeout
	}
	return fmt.Errorf("WaitForSingleObject(mutex): unexpected result %#x", ev)
}

func (w *windowsPlatform) Unlock(h Handle) error {
	if err := windows.ReleaseMutex(windows.Handle(h)); err != nil {
		return fmt.Errorf("ReleaseMutex: %w", err)
	}
	return nil
}

func (w *windowsPlatform) SetEvent(h Handle) error {
	if err := windows.SetEvent(windows.Handle(h)); err != nil {
		return fmt.Errorf("SetEvent: %w", err)
	}
	return nil
}

func (w *windowsPlatform) WaitAny(handles []Handle, timeout time.Duration) (int, error) {
	hs := make([]windows.Handle, len(handles))
	for i, h := range handles {
		hs[i] = windows.Handle(h)
	}
	ev, err := windows.WaitForMultipleObjects(hs, false, millis(timeout))
	if err != nil {
		return -1, fmt.Errorf("WaitForMultipleObjects: %w", err)
	}
	n := uint32(len(hs))
	switch {
	case ev < windows.WAIT_OBJECT_0+n:
		return int(ev - windows.WAIT_OBJECT_0), nil
	case ev >= windows.WAIT_ABANDONED && ev < windows.WAIT_ABANDONED+n:
		return int(ev - windows.WAIT_ABANDONED), nil
	case ev == uint32(windows.WAIT_TIMEOUT):
		return -1, ErrWaitTimeout
	}
	return -1, fmt.Errorf("WaitForMultipleObjects: unexpected result %#x", ev)
}
