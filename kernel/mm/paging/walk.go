package paging

import (
	"unsafe"

	"github.com/Nils-TUD/Escape-sub006/kernel"
	"github.com/Nils-TUD/Escape-sub006/kernel/mm"
)

var errNoHugePageSupport = &kernel.Error{Module: "paging", Message: "huge pages are not supported"}

// pageTableWalker is a function that can be passed to the walk method. The
// function receives the current page level and page table entry as its
// arguments. If the function returns false, then the page walk is aborted.
type pageTableWalker func(pteLevel uint8, pte *pageTableEntry) bool

// tableView provides access to the page tables of an address space. Views
// of the active address space flush the TLB when entries change; views of
// any other address space are only handed out while the foreign window is
// held.
type tableView struct {
	mmu     *MMU
	root    mm.Frame
	current bool
}

// table returns the page table stored in the supplied frame.
func (m *MMU) table(frame mm.Frame) *[entriesPerTable]pageTableEntry {
	return (*[entriesPerTable]pageTableEntry)(unsafe.Pointer(&m.mem.Frame(frame)[0]))
}

// walk performs a page table walk for the given virtual address. It calls the
// supplied walkFn with the page table entry that corresponds to each page
// table level. If walkFn returns false then the walk is aborted and no
// further page table entries will be visited.
func (v *tableView) walk(virtAddr uintptr, walkFn pageTableWalker) {
	var (
		level      uint8
		tableFrame = v.root
		entryIndex uintptr
		pte        *pageTableEntry
	)

	for level = uint8(0); level < pageLevels; level++ {
		entryIndex = (virtAddr >> pageLevelShifts[level]) & ((1 << pageLevelBits[level]) - 1)
		pte = &v.mmu.table(tableFrame)[entryIndex]

		if !walkFn(level, pte) {
			return
		}

		if level < pageLevels-1 {
			if !pte.HasFlags(FlagPresent) {
				return
			}
			tableFrame = pte.Frame()
		}
	}
}

// entry returns the last-level entry for virtAddr or nil if one of the
// intermediate tables is missing.
func (v *tableView) entry(virtAddr uintptr) *pageTableEntry {
	var last *pageTableEntry
	v.walk(virtAddr, func(level uint8, pte *pageTableEntry) bool {
		if level == pageLevels-1 {
			last = pte
			return true
		}
		return pte.HasFlags(FlagPresent) && !pte.HasFlags(FlagHugePage)
	})
	return last
}

// createdTable records a page table allocated while setting up an entry so
// that it can be released if the surrounding operation fails.
type createdTable struct {
	parent *pageTableEntry
	frame  mm.Frame
}

// ensureEntry returns the last-level entry for virtAddr, allocating any
// missing intermediate tables. Newly created tables are appended to created.
func (v *tableView) ensureEntry(virtAddr uintptr, created []createdTable) (*pageTableEntry, []createdTable, *kernel.Error) {
	var (
		last  *pageTableEntry
		err   *kernel.Error
		class = classFor(virtAddr)
	)

	v.walk(virtAddr, func(level uint8, pte *pageTableEntry) bool {
		if level == pageLevels-1 {
			last = pte
			return true
		}

		if pte.HasFlags(FlagHugePage) {
			err = errNoHugePageSupport
			return false
		}

		if !pte.HasFlags(FlagPresent) {
			frame, allocErr := v.mmu.alloc.AllocFrame(class)
			if allocErr != nil {
				err = allocErr
				return false
			}

			// Page tables are accessed through physical memory so they can
			// be cleared in place.
			clear(v.mmu.mem.Frame(frame))

			*pte = 0
			pte.SetFrame(frame)
			pte.SetFlags(FlagPresent | FlagRW)
			if virtAddr < UserAreaEnd {
				pte.SetFlags(FlagUserAccessible)
			}
			created = append(created, createdTable{parent: pte, frame: frame})
		}

		return true
	})

	return last, created, err
}

// releaseTables frees tables returned by ensureEntry in reverse creation
// order. The tables must not contain any entries.
func (v *tableView) releaseTables(created []createdTable, class mm.AllocClass) {
	for i := len(created) - 1; i >= 0; i-- {
		*created[i].parent = 0
		v.mmu.alloc.FreeFrame(created[i].frame, class)
	}
}

// removeEmptyTables frees the page tables on the path to virtAddr that no
// longer contain any entries. Tables of the shared kernel area are never
// freed. It returns the number of freed tables.
func (v *tableView) removeEmptyTables(virtAddr uintptr) uintptr {
	if virtAddr >= UserAreaEnd {
		return 0
	}

	var path [pageLevels]*pageTableEntry
	v.walk(virtAddr, func(level uint8, pte *pageTableEntry) bool {
		path[level] = pte
		return level < pageLevels-1
	})

	var freed uintptr
	for level := pageLevels - 2; level >= 0; level-- {
		pte := path[level]
		if pte == nil || !pte.HasFlags(FlagPresent) {
			continue
		}

		if !tableEmpty(v.mmu.table(pte.Frame())) {
			break
		}

		v.mmu.alloc.FreeFrame(pte.Frame(), mm.ClassDefault)
		*pte = 0
		freed++

		// The table covered 1 << shift bytes starting at the aligned address.
		span := uintptr(1) << pageLevelShifts[level]
		v.flushRange(virtAddr&^(span-1), span)
	}

	return freed
}

func tableEmpty(table *[entriesPerTable]pageTableEntry) bool {
	for _, pte := range table {
		if pte != 0 {
			return false
		}
	}
	return true
}

// flush invalidates the cached translation for virtAddr if it can be cached.
func (v *tableView) flush(virtAddr uintptr) {
	if v.current || virtAddr >= KernelAreaStart {
		v.mmu.tlb.flushEntry(mm.PageFromAddress(virtAddr))
	}
}

func (v *tableView) flushRange(start, size uintptr) {
	if v.current || start >= KernelAreaStart {
		v.mmu.tlb.flushRange(start, size)
	}
}

// classFor returns the allocation class for frames backing virtAddr.
func classFor(virtAddr uintptr) mm.AllocClass {
	if virtAddr >= KernelAreaStart {
		return mm.ClassCritical
	}
	return mm.ClassDefault
}
