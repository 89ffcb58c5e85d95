// Package paging implements the architecture layer of the memory manager: a
// simulated amd64 MMU with four-level page tables stored in physical frames,
// a translation cache and temporary kernel mappings for frames that are not
// mapped anywhere else.
package paging

import (
	gosync "sync"
	"sync/atomic"

	"github.com/Nils-TUD/Escape-sub006/kernel"
	"github.com/Nils-TUD/Escape-sub006/kernel/kfmt"
	"github.com/Nils-TUD/Escape-sub006/kernel/mm"
	"github.com/Nils-TUD/Escape-sub006/kernel/mm/pmm"
	"github.com/Nils-TUD/Escape-sub006/kernel/sync"
	"github.com/sirupsen/logrus"
)

var (
	// ErrDestroyCurrent is raised when the active address space is destroyed.
	ErrDestroyCurrent = &kernel.Error{Module: "paging", Message: "cannot destroy the active address space"}

	// ErrPageFault is returned by user accesses that hit a page that is not
	// present or not writable.
	ErrPageFault = &kernel.Error{Module: "paging", Message: "page fault"}

	// ErrNotActive is returned by user accesses to an inactive address space.
	ErrNotActive = &kernel.Error{Module: "paging", Message: "address space is not active"}

	errSameAddressSpace = &kernel.Error{Module: "paging", Message: "source and destination address space must differ"}
	errNoneActive       = &kernel.Error{Module: "paging", Message: "clone requires one of the address spaces to be active"}
	errNotMapped        = &kernel.Error{Module: "paging", Message: "page is not mapped"}
)

// MMU owns the page tables of all address spaces that live in the
// simulated physical memory.
type MMU struct {
	mem   *pmm.Memory
	alloc mm.FrameAllocator
	log   *logrus.Entry

	// kernelSpace is the boot address space. Its root gives access to the
	// shared kernel tables.
	kernelSpace *AddressSpace
	kernelP3    mm.Frame

	current    atomic.Pointer[AddressSpace]
	switchLock gosync.Mutex

	// windowLock serializes access to the page tables of inactive
	// address spaces.
	windowLock sync.Spinlock
	window     *AddressSpace

	tempLock gosync.Mutex
	tlb      *tlb

	nextID atomic.Uint64
}

// NewMMU sets up the shared kernel tables and activates the boot address
// space.
func NewMMU(mem *pmm.Memory, alloc mm.FrameAllocator) (*MMU, *kernel.Error) {
	m := &MMU{
		mem:   mem,
		alloc: alloc,
		log:   kfmt.Logger("paging"),
		tlb:   newTLB(),
	}

	var err *kernel.Error
	if m.kernelP3, err = alloc.AllocFrame(mm.ClassCritical); err != nil {
		return nil, err
	}
	clear(mem.Frame(m.kernelP3))

	if m.kernelSpace, _, err = m.CreateAddressSpace(); err != nil {
		alloc.FreeFrame(m.kernelP3, mm.ClassCritical)
		return nil, err
	}
	m.current.Store(m.kernelSpace)

	// Reserve the tables behind the temporary mapping window up front so
	// that temporary mappings never allocate.
	kv := m.kernelView()
	for slot := uintptr(0); slot < tempMappingSlots; slot++ {
		if _, _, err = kv.ensureEntry(tempMappingAddr+slot*mm.PageSize, nil); err != nil {
			return nil, err
		}
	}

	m.log.WithField("frames", mem.FrameCount()).Debug("mmu initialized")
	return m, nil
}

// Memory returns the physical memory managed by this MMU.
func (m *MMU) Memory() *pmm.Memory {
	return m.mem
}

// Allocator returns the frame allocator used for page tables and frames.
func (m *MMU) Allocator() mm.FrameAllocator {
	return m.alloc
}

// KernelSpace returns the boot address space.
func (m *MMU) KernelSpace() *AddressSpace {
	return m.kernelSpace
}

// Current returns the active address space.
func (m *MMU) Current() *AddressSpace {
	return m.current.Load()
}

func (m *MMU) isCurrent(as *AddressSpace) bool {
	return m.current.Load() == as
}

// Activate switches to the supplied address space and flushes all non-global
// cached translations.
func (m *MMU) Activate(as *AddressSpace) {
	m.switchLock.Lock()
	defer m.switchLock.Unlock()

	old := m.current.Load()
	if old == as {
		return
	}

	unlock := lockPair(old, as)
	m.current.Store(as)
	m.tlb.flushAll()
	unlock()
}

func (m *MMU) kernelView() *tableView {
	return &tableView{mmu: m, root: m.kernelSpace.root}
}

// withTables invokes fn with a view of the page tables of as. The caller
// must hold the lock of as.
func (m *MMU) withTables(as *AddressSpace, fn func(v *tableView) *kernel.Error) *kernel.Error {
	if m.isCurrent(as) {
		return fn(&tableView{mmu: m, root: as.root, current: true})
	}
	return m.withForeignTable(as, fn)
}

// withForeignTable maps the tables of an inactive address space into the
// foreign window for the duration of fn. The window is released on every
// exit path.
func (m *MMU) withForeignTable(as *AddressSpace, fn func(v *tableView) *kernel.Error) *kernel.Error {
	m.windowLock.Acquire()
	m.window = as
	defer func() {
		m.window = nil
		m.windowLock.Release()
	}()

	return fn(&tableView{mmu: m, root: as.root})
}

// withTemporary maps the supplied frames at the temporary mapping window and
// passes their contents to fn. The mappings are removed once fn returns.
func (m *MMU) withTemporary(frames []mm.Frame, fn func(pages [][]byte)) {
	if len(frames) > tempMappingSlots {
		kfmt.Panic(&kernel.Error{Module: "paging", Message: "too many temporary mappings"})
	}

	m.tempLock.Lock()
	defer m.tempLock.Unlock()

	kv := m.kernelView()
	pages := make([][]byte, len(frames))
	for i, frame := range frames {
		addr := tempMappingAddr + uintptr(i)*mm.PageSize
		pte := kv.entry(addr)
		*pte = 0
		pte.SetFrame(frame)
		pte.SetFlags(FlagExists | FlagPresent | FlagRW | FlagNoExecute)
		kv.flush(addr)
		pages[i] = m.mem.Frame(pte.Frame())
	}

	defer func() {
		for i := range frames {
			addr := tempMappingAddr + uintptr(i)*mm.PageSize
			*kv.entry(addr) = 0
			kv.flush(addr)
		}
	}()

	fn(pages)
}

// ZeroFrame clears the contents of a frame.
func (m *MMU) ZeroFrame(frame mm.Frame) {
	m.withTemporary([]mm.Frame{frame}, func(pages [][]byte) {
		clear(pages[0])
	})
}

// CopyFrame copies the contents of src into dst.
func (m *MMU) CopyFrame(dst, src mm.Frame) {
	m.withTemporary([]mm.Frame{dst, src}, func(pages [][]byte) {
		copy(pages[0], pages[1])
	})
}

// LoadFrame stores data at the start of frame and zero-fills the rest of it.
func (m *MMU) LoadFrame(frame mm.Frame, data []byte) {
	m.withTemporary([]mm.Frame{frame}, func(pages [][]byte) {
		n := copy(pages[0], data)
		clear(pages[0][n:])
	})
}

// ReadFrame copies the contents of frame into buf starting at offset.
func (m *MMU) ReadFrame(frame mm.Frame, offset uintptr, buf []byte) int {
	var n int
	m.withTemporary([]mm.Frame{frame}, func(pages [][]byte) {
		n = copy(buf, pages[0][offset:])
	})
	return n
}

// DemandLoad allocates a new frame and fills it with data through a
// temporary mapping.
func (m *MMU) DemandLoad(data []byte) (mm.Frame, *kernel.Error) {
	frame, err := m.alloc.AllocFrame(mm.ClassDefault)
	if err != nil {
		return mm.InvalidFrame, err
	}
	m.LoadFrame(frame, data)
	return frame, nil
}

// TLBFlushes returns the number of flush operations performed so far.
func (m *MMU) TLBFlushes() uint64 {
	m.tlb.mutex.Lock()
	defer m.tlb.mutex.Unlock()
	return m.tlb.flushes
}
