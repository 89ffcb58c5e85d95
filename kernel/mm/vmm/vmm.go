// Package vmm implements the virtual memory manager. It decides where the
// regions of a process live, resolves page faults lazily (demand-load,
// demand-zero and copy-on-write) and keeps the page tables of all processes
// consistent across fork, exec, growth and teardown.
package vmm

import (
	"github.com/Nils-TUD/Escape-sub006/kernel"
	"github.com/Nils-TUD/Escape-sub006/kernel/kfmt"
	"github.com/Nils-TUD/Escape-sub006/kernel/mm"
	"github.com/Nils-TUD/Escape-sub006/kernel/mm/cow"
	"github.com/Nils-TUD/Escape-sub006/kernel/mm/paging"
	"github.com/Nils-TUD/Escape-sub006/kernel/mm/region"
	"github.com/Nils-TUD/Escape-sub006/kernel/proc"
	"github.com/Nils-TUD/Escape-sub006/kernel/sched"
	"github.com/Nils-TUD/Escape-sub006/kernel/vfs"
	"github.com/sirupsen/logrus"
)

var (
	// ErrStaleBacking is returned when the backing file of a region changed
	// after the region was created.
	ErrStaleBacking = &kernel.Error{Module: "vmm", Message: "backing file has been modified"}

	// ErrOverlap is returned when a placement or growth request collides
	// with an existing binding.
	ErrOverlap = &kernel.Error{Module: "vmm", Message: "address range is occupied"}

	// ErrInvalidRange is returned for requests that exceed the layout or the
	// stack budget.
	ErrInvalidRange = &kernel.Error{Module: "vmm", Message: "invalid address range"}

	// ErrSwapNotSupported is raised when a fault hits a swapped page.
	ErrSwapNotSupported = &kernel.Error{Module: "vmm", Message: "swapping is not supported"}

	// ErrNotResolvable is returned for faults that the memory manager cannot
	// resolve; the trap layer decides what happens to the process.
	ErrNotResolvable = &kernel.Error{Module: "vmm", Message: "fault not resolvable"}

	// ErrSetProtImpossible is returned by SetRegProt for regions whose
	// protection cannot be changed.
	ErrSetProtImpossible = &kernel.Error{Module: "vmm", Message: "cannot change protection of region"}

	errNoBinding      = &kernel.Error{Module: "vmm", Message: "no such region binding"}
	errNotShareable   = &kernel.Error{Module: "vmm", Message: "region is not shareable"}
	errZeroShareable  = &kernel.Error{Module: "vmm", Message: "demand-zero page in shareable region"}
	errNoContiguous   = &kernel.Error{Module: "vmm", Message: "frame allocator cannot allocate contiguous frames"}
	errStaleJoin      = &kernel.Error{Module: "vmm", Message: "binary owner changed"}
	errChildNotEmpty  = &kernel.Error{Module: "vmm", Message: "clone target already has regions"}
	errLoaderMapping  = &kernel.Error{Module: "vmm", Message: "unable to map demand-loaded page"}
	errUnknownRegType = &kernel.Error{Module: "vmm", Message: "unknown region type"}
)

// Type selects the placement and attributes of a new region.
type Type uint8

const (
	TypeText Type = iota
	TypeRodata
	TypeBSS
	TypeData
	TypeStack
	TypeStackUp
	TypeSHM
	TypeDevice
	TypeTLS
	TypeSHLibText
	TypeSHLibData
	TypeDLData
	TypePhys
)

var typeNames = [...]string{
	TypeText:      "text",
	TypeRodata:    "rodata",
	TypeBSS:       "bss",
	TypeData:      "data",
	TypeStack:     "stack",
	TypeStackUp:   "stackup",
	TypeSHM:       "shm",
	TypeDevice:    "device",
	TypeTLS:       "tls",
	TypeSHLibText: "shlibtext",
	TypeSHLibData: "shlibdata",
	TypeDLData:    "dldata",
	TypePhys:      "phys",
}

func (t Type) String() string {
	if int(t) < len(typeNames) {
		return typeNames[t]
	}
	return "unknown"
}

// Fixed binding slots. All other regions use the first free slot behind
// SlotData.
const (
	SlotText   = 0
	SlotRodata = 1
	SlotBSS    = 2
	SlotData   = 3
)

// attributes returns the region flags of a type and whether its pages are
// loaded on demand.
func attributes(typ Type) (flags region.Flags, demandLoad bool, err *kernel.Error) {
	switch typ {
	case TypeText:
		return region.Shareable | region.Executable, true, nil
	case TypeRodata:
		return 0, true, nil
	case TypeBSS:
		return region.Writable, true, nil
	case TypeData:
		return region.Growable | region.Writable, true, nil
	case TypeStack:
		return region.Growable | region.Writable | region.Stack | region.GrowsDown, false, nil
	case TypeStackUp:
		return region.Growable | region.Writable | region.Stack, false, nil
	case TypeTLS:
		return region.Writable | region.TLS, false, nil
	case TypeDevice:
		return region.Writable | region.NoFree, false, nil
	case TypePhys:
		return region.Writable, false, nil
	case TypeSHM:
		return region.Shareable | region.Writable, false, nil
	case TypeSHLibText:
		return region.Shareable | region.Executable, true, nil
	case TypeDLData:
		return region.Writable | region.Growable, true, nil
	case TypeSHLibData:
		return region.Writable, true, nil
	}
	return 0, false, errUnknownRegType
}

// Layout describes the user part of an address space.
type Layout struct {
	// TextBegin is the address of the text region.
	TextBegin uintptr

	// FreeAreaBegin and FreeAreaEnd delimit the area used for shared
	// libraries, shared memory and similar regions. Stacks are placed
	// below FreeAreaBegin.
	FreeAreaBegin uintptr
	FreeAreaEnd   uintptr

	// MaxStackPages is the page budget of a single stack including its
	// guard gap.
	MaxStackPages uintptr
}

// DefaultLayout returns the standard address space layout.
func DefaultLayout() Layout {
	return Layout{
		TextBegin:     0x1000,
		FreeAreaBegin: 0xA0000000,
		FreeAreaEnd:   paging.UserAreaEnd,
		MaxStackPages: 128,
	}
}

// Config bundles the collaborators of the memory manager.
type Config struct {
	MMU    *paging.MMU
	Procs  *proc.Table
	COW    *cow.Registry
	FS     vfs.FS
	Events *sched.Events
	Layout Layout
}

// Manager is the virtual memory manager.
type Manager struct {
	mmu    *paging.MMU
	procs  *proc.Table
	cow    *cow.Registry
	fs     vfs.FS
	events *sched.Events
	layout Layout
	log    *logrus.Entry
}

// New creates a memory manager.
func New(cfg Config) *Manager {
	return &Manager{
		mmu:    cfg.MMU,
		procs:  cfg.Procs,
		cow:    cfg.COW,
		fs:     cfg.FS,
		events: cfg.Events,
		layout: cfg.Layout,
		log:    kfmt.Logger("vmm"),
	}
}

// Layout returns the address space layout used by the manager.
func (m *Manager) Layout() Layout {
	return m.layout
}

// binding returns the binding in slot rno. A missing binding is a contract
// violation. The caller must hold the region lock of p.
func binding(p *proc.Process, rno int) *proc.Binding {
	b := p.Binding(rno)
	if b == nil {
		kfmt.Panic(errNoBinding)
	}
	return b
}

// lockPair locks the bindings of read for reading and those of write for
// writing, in PID order.
func lockPair(read, write *proc.Process) func() {
	if read.PID < write.PID {
		read.RegLock.RLock()
		write.RegLock.Lock()
	} else {
		write.RegLock.Lock()
		read.RegLock.RLock()
	}
	return func() {
		write.RegLock.Unlock()
		read.RegLock.RUnlock()
	}
}

// mapFlags returns the flags used to map a present page of r.
func mapFlags(r *region.Region) paging.MapFlag {
	flags := paging.MapPresent
	if r.Has(region.Writable) {
		flags |= paging.MapWritable
	}
	if r.Has(region.Executable) {
		flags |= paging.MapExecutable
	}
	return flags
}

func pageAddr(b *proc.Binding, i uintptr) uintptr {
	return b.Virt + i*mm.PageSize
}
