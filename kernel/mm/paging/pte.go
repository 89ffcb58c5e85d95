package paging

import "github.com/Nils-TUD/Escape-sub006/kernel/mm"

// PageTableEntryFlag describes a flag that can be applied to a page table entry.
type PageTableEntryFlag uint64

// pageTableEntry describes a page table entry. These entries encode
// a physical frame address and a set of flags. The actual format
// of the entry and flags is architecture-dependent.
type pageTableEntry uint64

// HasFlags returns true if this entry has all the input flags set.
func (pte pageTableEntry) HasFlags(flags PageTableEntryFlag) bool {
	return (uint64(pte) & uint64(flags)) == uint64(flags)
}

// HasAnyFlag returns true if this entry has at least one of the input flags set.
func (pte pageTableEntry) HasAnyFlag(flags PageTableEntryFlag) bool {
	return (uint64(pte) & uint64(flags)) != 0
}

// SetFlags sets the input list of flags to the page table entry.
func (pte *pageTableEntry) SetFlags(flags PageTableEntryFlag) {
	*pte = (pageTableEntry)(uint64(*pte) | uint64(flags))
}

// ClearFlags unsets the input list of flags from the page table entry.
func (pte *pageTableEntry) ClearFlags(flags PageTableEntryFlag) {
	*pte = (pageTableEntry)(uint64(*pte) &^ uint64(flags))
}

// Frame returns the physical page frame that this page table entry points to.
func (pte pageTableEntry) Frame() mm.Frame {
	return mm.Frame((uint64(pte) & ptePhysPageMask) >> mm.PageShift)
}

// SetFrame updates the page table entry to point the the given physical frame.
func (pte *pageTableEntry) SetFrame(frame mm.Frame) {
	*pte = (pageTableEntry)((uint64(*pte) &^ ptePhysPageMask) | (uint64(frame.Address()) & ptePhysPageMask))
}

// entryFlagsFor translates a set of map request flags into the flags of a
// last-level page table entry.
func entryFlagsFor(flags MapFlag) PageTableEntryFlag {
	entryFlags := FlagExists
	if flags&MapPresent != 0 {
		entryFlags |= FlagPresent
	}
	if flags&MapWritable != 0 {
		entryFlags |= FlagRW
	}
	if flags&MapSupervisor == 0 {
		entryFlags |= FlagUserAccessible
	}
	if flags&MapGlobal != 0 {
		entryFlags |= FlagGlobal
	}
	if flags&MapExecutable == 0 {
		entryFlags |= FlagNoExecute
	}
	return entryFlags
}

// mapFlagsFor is the inverse of entryFlagsFor. The returned flags never
// contain MapAddrToFrame or MapKeepFrame.
func mapFlagsFor(pte pageTableEntry) MapFlag {
	var flags MapFlag
	if pte.HasFlags(FlagPresent) {
		flags |= MapPresent
	}
	if pte.HasFlags(FlagRW) {
		flags |= MapWritable
	}
	if !pte.HasFlags(FlagUserAccessible) {
		flags |= MapSupervisor
	}
	if pte.HasFlags(FlagGlobal) {
		flags |= MapGlobal
	}
	if !pte.HasFlags(FlagNoExecute) {
		flags |= MapExecutable
	}
	return flags
}
