package paging

import (
	"github.com/Nils-TUD/Escape-sub006/kernel"
	"github.com/Nils-TUD/Escape-sub006/kernel/kfmt"
	"github.com/Nils-TUD/Escape-sub006/kernel/mm"
)

// Mapping describes the last-level entry for a page.
type Mapping struct {
	Frame    mm.Frame
	Exists   bool
	Present  bool
	Writable bool
	User     bool
	Exec     bool
}

// Lookup returns the mapping of the page that contains virtAddr. The second
// return value is false if no entry exists for the page.
func (m *MMU) Lookup(as *AddressSpace, virtAddr uintptr) (Mapping, bool) {
	as.lock.Acquire()
	defer as.lock.Release()

	var (
		mapping Mapping
		found   bool
	)
	m.withTables(as, func(v *tableView) *kernel.Error {
		pte := v.entry(virtAddr)
		if pte == nil || !pte.HasFlags(FlagExists) {
			return nil
		}
		found = true
		mapping = Mapping{
			Frame:    pte.Frame(),
			Exists:   true,
			Present:  pte.HasFlags(FlagPresent),
			Writable: pte.HasFlags(FlagRW),
			User:     pte.HasFlags(FlagUserAccessible),
			Exec:     !pte.HasFlags(FlagNoExecute),
		}
		return nil
	})
	return mapping, found
}

// IsPresent returns true if the page containing virtAddr is present.
func (m *MMU) IsPresent(as *AddressSpace, virtAddr uintptr) bool {
	mapping, ok := m.Lookup(as, virtAddr)
	return ok && mapping.Present
}

// FrameOf returns the frame backing the page that contains virtAddr. The
// page must be present.
func (m *MMU) FrameOf(as *AddressSpace, virtAddr uintptr) mm.Frame {
	mapping, ok := m.Lookup(as, virtAddr)
	if !ok || !mapping.Present {
		kfmt.Panic(errNotMapped)
		return mm.InvalidFrame
	}
	return mapping.Frame
}

// Translate returns the physical address that corresponds to virtAddr in the
// active address space or ErrPageFault if the page is not present.
func (m *MMU) Translate(virtAddr uintptr) (uintptr, *kernel.Error) {
	as := m.Current()
	as.lock.Acquire()
	defer as.lock.Release()

	pte, err := m.access(as, virtAddr, false)
	if err != nil {
		return 0, err
	}
	return pte.Frame().Address() + (virtAddr & (mm.PageSize - 1)), nil
}

// access emulates a CPU access to virtAddr in the active address space. The
// caller must hold the lock of as.
func (m *MMU) access(as *AddressSpace, virtAddr uintptr, write bool) (pageTableEntry, *kernel.Error) {
	if !m.isCurrent(as) {
		return 0, ErrNotActive
	}

	page := mm.PageFromAddress(virtAddr)
	pte, cached := m.tlb.lookup(page)
	if !cached {
		v := &tableView{mmu: m, root: as.root, current: true}
		if entry := v.entry(virtAddr); entry != nil {
			pte = *entry
		}
		if !pte.HasFlags(FlagPresent) {
			return 0, ErrPageFault
		}
		m.tlb.insert(page, pte)
	}

	if write && !pte.HasFlags(FlagRW) {
		return 0, ErrPageFault
	}
	return pte, nil
}

// ReadUser copies len(buf) bytes starting at virtAddr of the active address
// space into buf. If a page is not accessible, it returns the faulting
// address together with ErrPageFault; bytes before that address have been
// copied.
func (m *MMU) ReadUser(as *AddressSpace, virtAddr uintptr, buf []byte) (uintptr, *kernel.Error) {
	return m.copyUser(as, virtAddr, buf, false)
}

// WriteUser copies buf to virtAddr of the active address space. Errors are
// reported as for ReadUser.
func (m *MMU) WriteUser(as *AddressSpace, virtAddr uintptr, buf []byte) (uintptr, *kernel.Error) {
	return m.copyUser(as, virtAddr, buf, true)
}

func (m *MMU) copyUser(as *AddressSpace, virtAddr uintptr, buf []byte, write bool) (uintptr, *kernel.Error) {
	as.lock.Acquire()
	defer as.lock.Release()

	for len(buf) > 0 {
		pte, err := m.access(as, virtAddr, write)
		if err != nil {
			return virtAddr, err
		}

		offset := virtAddr & (mm.PageSize - 1)
		data := m.mem.Frame(pte.Frame())[offset:]

		var n int
		if write {
			n = copy(data, buf)
		} else {
			n = copy(buf, data)
		}
		buf = buf[n:]
		virtAddr += uintptr(n)
	}
	return 0, nil
}

// ResolveFn attempts to make the page containing addr accessible for the
// requested kind of access and reports whether it succeeded.
type ResolveFn func(addr uintptr, write bool) bool

// IsRangeReadable checks whether size bytes starting at virtAddr can be
// read. Pages that belong to a mapping but are not present yet are handed to
// resolve.
func (m *MMU) IsRangeReadable(as *AddressSpace, virtAddr, size uintptr, resolve ResolveFn) bool {
	return m.checkRange(as, virtAddr, size, false, resolve)
}

// IsRangeWritable checks whether size bytes starting at virtAddr can be
// written. Pages that are not present or not writable are handed to resolve.
func (m *MMU) IsRangeWritable(as *AddressSpace, virtAddr, size uintptr, resolve ResolveFn) bool {
	return m.checkRange(as, virtAddr, size, true, resolve)
}

func (m *MMU) checkRange(as *AddressSpace, virtAddr, size uintptr, write bool, resolve ResolveFn) bool {
	if size == 0 {
		return true
	}
	end := virtAddr + size
	if end < virtAddr || end > UserAreaEnd {
		return false
	}

	for addr := virtAddr &^ (mm.PageSize - 1); addr < end; addr += mm.PageSize {
		mapping, ok := m.Lookup(as, addr)
		if !ok || !mapping.User {
			return false
		}

		if mapping.Present && (!write || mapping.Writable) {
			continue
		}

		// The lock of as is not held here since resolving modifies the
		// page tables.
		if resolve == nil || !resolve(addr, write) {
			return false
		}
	}
	return true
}
