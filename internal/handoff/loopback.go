package handoff

import (
	"errors"
	"fmt"
	"sync"
	"time"
)

// pseudoProcess is what CurrentProcess returns, like the Win32 pseudo handle.
const pseudoProcess = ^Handle(0)

type objectKind int

const (
	kindMutex objectKind = iota + 1
	kindEvent
	kindSurface
	kindProcess
)

func (k objectKind) String() string {
	switch k {
	case kindMutex:
		return "mutex"
	case kindEvent:
		return "event"
	case kindSurface:
		return "surface"
	case kindProcess:
		return "process"
	}
	return "unknown"
}

type kobject struct {
	id   uint64
	kind objectKind
	refs int

	manualReset bool
	signaled    bool

	owner ProcessID // mutex owner, 0 when free

	target ProcessID // kindProcess

	width, height int // kindSurface
}

type loopRecord struct {
	name string
	rec  Record
	refs int
}

// Loopback simulates the kernel objects the protocol needs inside a single
// Go process: every LoopbackProcess has its own handle table, handles only
// travel between them through DuplicateHandle, and an exited process loses
// all of its handles.
type Loopback struct {
	mu      sync.Mutex
	changed chan struct{}

	nextPID ProcessID
	nextID  uint64
	procs   map[ProcessID]*LoopbackProcess
	records map[string]*loopRecord
}

// NewLoopback returns an empty simulated kernel.
func NewLoopback() *Loopback {
	return &Loopback{
		changed: make(chan struct{}),
		nextPID: 1000,
		procs:   make(map[ProcessID]*LoopbackProcess),
		records: make(map[string]*loopRecord),
	}
}

// NewProcess starts a simulated process.
func (k *Loopback) NewProcess() *LoopbackProcess {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.nextPID += 4
	p := &LoopbackProcess{
		k:       k,
		pid:     k.nextPID,
		handles: make(map[Handle]*kobject),
	}
	k.procs[p.pid] = p
	return p
}

// notify wakes every waiter. Callers hold k.mu.
func (k *Loopback) notify() {
	close(k.changed)
	k.changed = make(chan struct{})
}

func (k *Loopback) newObject(kind objectKind) *kobject {
	k.nextID++
	return &kobject{id: k.nextID, kind: kind}
}

// LoopbackProcess is one simulated process; it implements Platform.
type LoopbackProcess struct {
	k       *Loopback
	pid     ProcessID
	handles map[Handle]*kobject
	next    Handle
	maps    []*loopMapping
	exited  bool
}

var _ Platform = (*LoopbackProcess)(nil)

func (p *LoopbackProcess) ProcessID() ProcessID { return p.pid }

func (p *LoopbackProcess) CurrentProcess() Handle { return pseudoProcess }

// add installs obj in the handle table. Callers hold k.mu.
func (p *LoopbackProcess) add(obj *kobject) Handle {
	p.next += 4
	obj.refs++
	p.handles[p.next] = obj
	return p.next
}

// lookup resolves h. Callers hold k.mu.
func (p *LoopbackProcess) lookup(h Handle) (*kobject, error) {
	if p.exited {
		return nil, ErrPeerGone
	}
	obj, ok := p.handles[h]
	if !ok {
		return nil, fmt.Errorf("%w: %#x in pid %d", ErrInvalidHandle, h, p.pid)
	}
	return obj, nil
}

// remove drops h from the table. Callers hold k.mu.
func (p *LoopbackProcess) remove(h Handle) {
	obj, ok := p.handles[h]
	if !ok {
		return
	}
	delete(p.handles, h)
	obj.refs--
}

// resolveProcess turns a process handle into the process it names.
func (p *LoopbackProcess) resolveProcess(h Handle) (*LoopbackProcess, error) {
	if h == pseudoProcess {
		if p.exited {
			return nil, ErrPeerGone
		}
		return p, nil
	}
	obj, err := p.lookup(h)
	if err != nil {
		return nil, err
	}
	if obj.kind != kindProcess {
		return nil, fmt.Errorf("%w: %#x is a %s, not a process", ErrInvalidHandle, h, obj.kind)
	}
	target, ok := p.k.procs[obj.target]
	if !ok || target.exited {
		return nil, fmt.Errorf("%w: pid %d", ErrPeerGone, obj.target)
	}
	return target, nil
}

type loopMapping struct {
	p      *LoopbackProcess
	rec    *loopRecord
	closed bool
}

func (m *loopMapping) Record() *Record { return &m.rec.rec }

func (m *loopMapping) Close() error {
	k := m.p.k
	k.mu.Lock()
	defer k.mu.Unlock()
	m.release()
	return nil
}

// release unmaps once. Callers hold k.mu.
func (m *loopMapping) release() {
	if m.closed {
		return
	}
	m.closed = true
	m.rec.refs--
	if m.rec.refs == 0 {
		delete(m.p.k.records, m.rec.name)
	}
}

func (p *LoopbackProcess) mapRecord(lr *loopRecord) *loopMapping {
	lr.refs++
	m := &loopMapping{p: p, rec: lr}
	p.maps = append(p.maps, m)
	return m
}

func (p *LoopbackProcess) CreateRecord(name string) (Mapping, error) {
	p.k.mu.Lock()
	defer p.k.mu.Unlock()
	if p.exited {
		return nil, ErrPeerGone
	}
	lr, ok := p.k.records[name]
	if !ok {
		lr = &loopRecord{name: name}
		p.k.records[name] = lr
	}
	return p.mapRecord(lr), nil
}

func (p *LoopbackProcess) OpenRecord(name string) (Mapping, error) {
	p.k.mu.Lock()
	defer p.k.mu.Unlock()
	if p.exited {
		return nil, ErrPeerGone
	}
	lr, ok := p.k.records[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrRecordNotFound, name)
	}
	return p.mapRecord(lr), nil
}

func (p *LoopbackProcess) create(obj *kobject) (Handle, error) {
	if p.exited {
		return 0, ErrPeerGone
	}
	return p.add(obj), nil
}

func (p *LoopbackProcess) CreateMutex() (Handle, error) {
	p.k.mu.Lock()
	defer p.k.mu.Unlock()
	return p.create(p.k.newObject(kindMutex))
}

func (p *LoopbackProcess) CreateEvent(manualReset bool) (Handle, error) {
	p.k.mu.Lock()
	defer p.k.mu.Unlock()
	obj := p.k.newObject(kindEvent)
	obj.manualReset = manualReset
	return p.create(obj)
}

func (p *LoopbackProcess) CreateSurface(width, height int) (Handle, error) {
	if width <= 0 || height <= 0 {
		return 0, fmt.Errorf("handoff: invalid surface size %dx%d", width, height)
	}
	p.k.mu.Lock()
	defer p.k.mu.Unlock()
	obj := p.k.newObject(kindSurface)
	obj.width, obj.height = width, height
	return p.create(obj)
}

func (p *LoopbackProcess) OpenProcess(pid ProcessID) (Handle, error) {
	p.k.mu.Lock()
	defer p.k.mu.Unlock()
	target, ok := p.k.procs[pid]
	if !ok || target.exited {
		return 0, fmt.Errorf("%w: pid %d", ErrPeerGone, pid)
	}
	obj := p.k.newObject(kindProcess)
	obj.target = pid
	return p.create(obj)
}

func (p *LoopbackProcess) DuplicateHandle(srcProc, h, dstProc Handle, closeSource bool) (Handle, error) {
	p.k.mu.Lock()
	defer p.k.mu.Unlock()

	src, err := p.resolveProcess(srcProc)
	if err != nil {
		return 0, err
	}
	obj, err := src.lookup(h)
	if err != nil {
		return 0, err
	}
	// Take the destination reference before the source one can go away.
	var dup Handle
	if dstProc != 0 {
		dst, derr := p.resolveProcess(dstProc)
		if derr == nil {
			dup = dst.add(obj)
		}
		err = derr
	}
	if closeSource {
		src.remove(h)
	}
	if err != nil {
		return 0, err
	}
	return dup, nil
}

func (p *LoopbackProcess) CloseHandle(h Handle) error {
	p.k.mu.Lock()
	defer p.k.mu.Unlock()
	if _, err := p.lookup(h); err != nil {
		return err
	}
	p.remove(h)
	return nil
}

func (p *LoopbackProcess) Lock(h Handle, timeout time.Duration) error {
	if _, err := p.WaitAny([]Handle{h}, timeout); err != nil {
		if errors.Is(err, ErrWaitTimeout) {
			return ErrLockTimeout
		}
		return err
	}
	return nil
}

func (p *LoopbackProcess) Unlock(h Handle) error {
	p.k.mu.Lock()
	defer p.k.mu.Unlock()
	obj, err := p.lookup(h)
	if err != nil {
		return err
	}
	if obj.kind != kindMutex || obj.owner != p.pid {
		return fmt.Errorf("%w: mutex %#x not owned by pid %d", ErrInvalidHandle, h, p.pid)
	}
	obj.owner = 0
	p.k.notify()
	return nil
}

func (p *LoopbackProcess) SetEvent(h Handle) error {
	p.k.mu.Lock()
	defer p.k.mu.Unlock()
	obj, err := p.lookup(h)
	if err != nil {
		return err
	}
	if obj.kind != kindEvent {
		return fmt.Errorf("%w: %#x is a %s, not an event", ErrInvalidHandle, h, obj.kind)
	}
	obj.signaled = true
	p.k.notify()
	return nil
}

// satisfy consumes obj's signal for the waiting process if it has one.
// Callers hold k.mu.
func (p *LoopbackProcess) satisfy(obj *kobject) bool {
	switch obj.kind {
	case kindEvent:
		if !obj.signaled {
			return false
		}
		if !obj.manualReset {
			obj.signaled = false
		}
		return true
	case kindMutex:
		if obj.owner != 0 {
			return false
		}
		obj.owner = p.pid
		return true
	case kindProcess:
		target, ok := p.k.procs[obj.target]
		return !ok || target.exited
	}
	return false
}

func (p *LoopbackProcess) WaitAny(handles []Handle, timeout time.Duration) (int, error) {
	var timer <-chan time.Time
	if timeout >= 0 {
		t := time.NewTimer(timeout)
		defer t.Stop()
		timer = t.C
	}

	for {
		p.k.mu.Lock()
		for i, h := range handles {
			obj, err := p.lookup(h)
			if err != nil {
				p.k.mu.Unlock()
				return -1, err
			}
			if p.satisfy(obj) {
				p.k.mu.Unlock()
				return i, nil
			}
		}
		changed := p.k.changed
		p.k.mu.Unlock()

		select {
		case <-changed:
		case <-timer:
			return -1, ErrWaitTimeout
		}
	}
}

// Exit terminates the simulated process: its handles and mappings are
// released and mutexes it owned are abandoned.
func (p *LoopbackProcess) Exit() {
	p.k.mu.Lock()
	defer p.k.mu.Unlock()
	if p.exited {
		return
	}
	for h, obj := range p.handles {
		if obj.kind == kindMutex && obj.owner == p.pid {
			obj.owner = 0
		}
		delete(p.handles, h)
		obj.refs--
	}
	for _, m := range p.maps {
		m.release()
	}
	p.maps = nil
	p.exited = true
	p.k.notify()
}

// HandleCount returns the number of open handles in the process.
func (p *LoopbackProcess) HandleCount() int {
	p.k.mu.Lock()
	defer p.k.mu.Unlock()
	return len(p.handles)
}

// ObjectID returns the kernel-wide identity of the object behind h, so
// handles in different processes can be compared.
func (p *LoopbackProcess) ObjectID(h Handle) (uint64, bool) {
	p.k.mu.Lock()
	defer p.k.mu.Unlock()
	obj, err := p.lookup(h)
	if err != nil {
		return 0, false
	}
	return obj.id, true
}

// ObjectRefs returns how many handles, across all processes, refer to the
// object behind h.
func (p *LoopbackProcess) ObjectRefs(h Handle) int {
	p.k.mu.Lock()
	defer p.k.mu.Unlock()
	obj, err := p.lookup(h)
	if err != nil {
		return 0
	}
	return obj.refs
}
