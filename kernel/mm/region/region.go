// Package region implements the region descriptor: a group of pages with
// common properties (text, data, stack, ...) that can be bound into one or,
// if shareable, several address spaces. A region has no address of its
// own; every binding decides where it lives.
package region

import (
	"bytes"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/Nils-TUD/Escape-sub006/kernel"
	"github.com/Nils-TUD/Escape-sub006/kernel/kfmt"
	"github.com/Nils-TUD/Escape-sub006/kernel/mm"
	"github.com/Nils-TUD/Escape-sub006/kernel/vfs"
)

var (
	// ErrShrinkTooFar is returned when shrinking a region below zero pages.
	ErrShrinkTooFar = &kernel.Error{Module: "region", Message: "cannot shrink region below zero pages"}

	errShareableGrowable = &kernel.Error{Module: "region", Message: "a region cannot be shareable and growable"}
	errNotGrowable       = &kernel.Error{Module: "region", Message: "region is not growable"}
	errCloneShareable    = &kernel.Error{Module: "region", Message: "shareable regions are never cloned"}
	errSecondOwner       = &kernel.Error{Module: "region", Message: "only shareable regions may have multiple owners"}
)

// Flags describe what operations a region allows.
type Flags uint16

const (
	Growable Flags = 1 << iota
	Shareable
	Writable
	Executable
	Stack
	NoFree
	TLS
	GrowsDown
)

var flagNames = []struct {
	name string
	flag Flags
}{
	{"Gr", Growable},
	{"Sh", Shareable},
	{"Wr", Writable},
	{"Ex", Executable},
	{"St", Stack},
	{"NoFree", NoFree},
	{"TLS", TLS},
	{"GrDwn", GrowsDown},
}

func (f Flags) String() string {
	var buf bytes.Buffer
	for _, fn := range flagNames {
		if f&fn.flag != 0 {
			if buf.Len() > 0 {
				buf.WriteByte(' ')
			}
			buf.WriteString(fn.name)
		}
	}
	return buf.String()
}

// PageState is the lazy state of a single page. A page is in exactly one
// state at a time.
type PageState uint8

const (
	// PagePresent pages are backed by a frame that is exclusively owned
	// (or, for shareable regions, shared by all owners).
	PagePresent PageState = iota

	// PageDemandLoad pages are read from the backing file on first access.
	PageDemandLoad

	// PageDemandZero pages receive a zero-filled frame on first access.
	PageDemandZero

	// PageCopyOnWrite pages share their frame with other processes until
	// the first write.
	PageCopyOnWrite

	// PageSwapped pages have been written to swap space.
	PageSwapped

	// PageLoading pages are currently being demand-loaded by some thread.
	PageLoading
)

func (s PageState) String() string {
	switch s {
	case PagePresent:
		return "present"
	case PageDemandLoad:
		return "demand-load"
	case PageDemandZero:
		return "demand-zero"
	case PageCopyOnWrite:
		return "cow"
	case PageSwapped:
		return "swapped"
	case PageLoading:
		return "loading"
	default:
		return "invalid"
	}
}

// Backed returns true if a page in this state references a frame.
func (s PageState) Backed() bool {
	return s == PagePresent || s == PageCopyOnWrite
}

// Owner is a binding of a region into some address space.
type Owner interface {
	// Base returns the virtual address the region is bound at.
	Base() uintptr

	// OwnerID identifies the owning process.
	OwnerID() int
}

// Region describes a contiguous mapping. Apart from the immutable backing
// information and the flags, all fields are protected by the region lock
// which callers must hold while reading or modifying them. The flags may be
// read without the lock; they are only changed while holding it.
type Region struct {
	mutex sync.Mutex

	binary    vfs.BinDesc
	binOffset int64
	loadCount uintptr

	flags     atomic.Uint32
	byteCount uintptr
	pages     []PageState
	owners    []Owner
	timestamp uint64
}

// New creates a region of byteCount bytes. If demandLoad is set the first
// loadCount bytes are loaded from bin starting at binOffset and the
// remaining pages are zero-filled on first access; otherwise all pages start
// out present.
func New(bin vfs.BinDesc, binOffset int64, byteCount, loadCount uintptr, demandLoad bool, flags Flags) *Region {
	if flags&(Shareable|Growable) == Shareable|Growable {
		kfmt.Panic(errShareableGrowable)
	}

	r := &Region{
		byteCount: byteCount,
		loadCount: loadCount,
		pages:     make([]PageState, mm.BytesToPages(byteCount)),
	}
	r.flags.Store(uint32(flags))
	if bin.Valid() {
		r.binary = bin
		r.binOffset = binOffset
	}

	if demandLoad {
		for i := range r.pages {
			if uintptr(i)*mm.PageSize < loadCount {
				r.pages[i] = PageDemandLoad
			} else {
				r.pages[i] = PageDemandZero
			}
		}
	}
	return r
}

// Lock acquires the region lock.
func (r *Region) Lock() { r.mutex.Lock() }

// Unlock releases the region lock.
func (r *Region) Unlock() { r.mutex.Unlock() }

// Binary returns the backing file and the offset of the region within it.
func (r *Region) Binary() (vfs.BinDesc, int64) {
	return r.binary, r.binOffset
}

// LoadCount returns the number of bytes that are loaded from the backing
// file.
func (r *Region) LoadCount() uintptr {
	return r.loadCount
}

// Flags returns the region flags.
func (r *Region) Flags() Flags {
	return Flags(r.flags.Load())
}

// Has returns true if all supplied flags are set.
func (r *Region) Has(flags Flags) bool {
	return r.Flags()&flags == flags
}

// SetWritable changes the writable flag. The caller must hold the region
// lock.
func (r *Region) SetWritable(writable bool) {
	flags := r.Flags()
	if writable {
		flags |= Writable
	} else {
		flags &^= Writable
	}
	r.flags.Store(uint32(flags))
}

// Size returns the size of the region in bytes.
func (r *Region) Size() uintptr {
	return r.byteCount
}

// PageCount returns the number of pages covered by the region.
func (r *Region) PageCount() uintptr {
	return uintptr(len(r.pages))
}

// State returns the state of page i.
func (r *Region) State(i uintptr) PageState {
	return r.pages[i]
}

// SetState changes the state of page i.
func (r *Region) SetState(i uintptr, state PageState) {
	r.pages[i] = state
}

// PresentPageCount returns the number of pages that reference a frame.
func (r *Region) PresentPageCount() uintptr {
	var count uintptr
	for _, state := range r.pages {
		if state.Backed() {
			count++
		}
	}
	return count
}

// SwappedPageCount returns the number of swapped out pages.
func (r *Region) SwappedPageCount() uintptr {
	var count uintptr
	for _, state := range r.pages {
		if state == PageSwapped {
			count++
		}
	}
	return count
}

// Timestamp returns the time the region was last used.
func (r *Region) Timestamp() uint64 {
	return r.timestamp
}

// SetTimestamp records the time the region was last used.
func (r *Region) SetTimestamp(ts uint64) {
	r.timestamp = ts
}

// AddOwner adds a binding to the owner list. Only shareable regions may
// have more than one owner.
func (r *Region) AddOwner(o Owner) {
	if len(r.owners) > 0 && !r.Has(Shareable) {
		kfmt.Panic(errSecondOwner)
	}
	r.owners = append(r.owners, o)
}

// RemoveOwner removes a binding from the owner list and reports whether it
// was found.
func (r *Region) RemoveOwner(o Owner) bool {
	for i, owner := range r.owners {
		if owner == o {
			r.owners = append(r.owners[:i], r.owners[i+1:]...)
			return true
		}
	}
	return false
}

// OwnerCount returns the number of bindings of this region.
func (r *Region) OwnerCount() int {
	return len(r.owners)
}

// Owners returns a copy of the owner list.
func (r *Region) Owners() []Owner {
	return append([]Owner(nil), r.owners...)
}

// Grow adds (amount > 0) or removes (amount < 0) pages. Regions that grow
// down gain and lose pages at the front. New pages are present.
func (r *Region) Grow(amount int) *kernel.Error {
	if !r.Has(Growable) {
		return errNotGrowable
	}

	switch {
	case amount > 0:
		added := make([]PageState, amount)
		if r.Has(GrowsDown) {
			r.pages = append(added, r.pages...)
		} else {
			r.pages = append(r.pages, added...)
		}
		r.byteCount += uintptr(amount) * mm.PageSize
	case amount < 0:
		shrink := uintptr(-amount)
		if r.byteCount < shrink*mm.PageSize || uintptr(len(r.pages)) < shrink {
			return ErrShrinkTooFar
		}
		if r.Has(GrowsDown) {
			r.pages = append([]PageState(nil), r.pages[shrink:]...)
		} else {
			r.pages = r.pages[:uintptr(len(r.pages))-shrink]
		}
		r.byteCount -= shrink * mm.PageSize
	}
	return nil
}

// Clone creates a private copy of the region for owner. The copy has the
// same backing, size, flags and page states but no frames of its own.
func (r *Region) Clone(owner Owner) *Region {
	if r.Has(Shareable) {
		kfmt.Panic(errCloneShareable)
	}

	clone := &Region{
		binary:    r.binary,
		binOffset: r.binOffset,
		loadCount: r.loadCount,
		byteCount: r.byteCount,
		pages:     append([]PageState(nil), r.pages...),
		timestamp: r.timestamp,
	}
	clone.flags.Store(r.flags.Load())
	clone.owners = []Owner{owner}
	return clone
}

// Sprint returns a human readable description of the region bound at virt.
func (r *Region) Sprint(virt uintptr) string {
	var buf bytes.Buffer
	fmt.Fprintf(&buf, "\tSize: %d bytes\n", r.byteCount)
	fmt.Fprintf(&buf, "\tLoad: %d bytes\n", r.loadCount)
	fmt.Fprintf(&buf, "\tflags: %s\n", r.Flags())
	if r.binary.Valid() {
		fmt.Fprintf(&buf, "\tbinary: %s offset=%#x\n", r.binary, r.binOffset)
	}
	fmt.Fprintf(&buf, "\tTimestamp: %d\n", r.timestamp)
	buf.WriteString("\tProcesses:")
	for _, o := range r.owners {
		fmt.Fprintf(&buf, " %d", o.OwnerID())
	}
	fmt.Fprintf(&buf, "\n\tPages (%d):\n", len(r.pages))
	for i, state := range r.pages {
		fmt.Fprintf(&buf, "\t\t%d: (%#x) %s\n", i, virt+uintptr(i)*mm.PageSize, state)
	}
	return buf.String()
}
