package paging

import (
	"github.com/Nils-TUD/Escape-sub006/kernel"
	"github.com/Nils-TUD/Escape-sub006/kernel/mm"
)

// Map installs count consecutive pages starting at virtAddr in as.
//
// If frames is nil and flags contain MapPresent (but not MapKeepFrame), a
// zero-filled frame is allocated for every page. Otherwise frames supplies
// one frame (or physical address, if MapAddrToFrame is set) per page. Pages
// mapped without MapPresent keep an entry that marks them as part of a
// mapping so that they can be resolved later.
//
// The returned stats contain the number of allocated frames and page tables.
// If an allocation fails, every change made by this call is rolled back and
// ErrOutOfMemory is returned.
func (m *MMU) Map(as *AddressSpace, virtAddr uintptr, frames []mm.Frame, count uintptr, flags MapFlag) (mm.AllocStats, *kernel.Error) {
	as.lock.Acquire()
	defer as.lock.Release()

	var stats mm.AllocStats
	err := m.withTables(as, func(v *tableView) *kernel.Error {
		var err *kernel.Error
		stats, err = v.mapPages(virtAddr, frames, count, flags)
		return err
	})
	return stats, err
}

func (v *tableView) mapPages(virtAddr uintptr, frames []mm.Frame, count uintptr, flags MapFlag) (mm.AllocStats, *kernel.Error) {
	var (
		stats     mm.AllocStats
		class     = classFor(virtAddr)
		prev      = make([]pageTableEntry, 0, count)
		allocated []mm.Frame
		created   []createdTable
		pte       *pageTableEntry
		err       *kernel.Error
	)

	virtAddr &^= mm.PageSize - 1
	for i := uintptr(0); i < count; i++ {
		pageAddr := virtAddr + i*mm.PageSize

		pte, created, err = v.ensureEntry(pageAddr, created)
		if err != nil {
			v.unwindMap(virtAddr, prev, allocated, created, class)
			return mm.AllocStats{}, err
		}

		frame := pte.Frame()
		switch {
		case flags&MapKeepFrame != 0:
		case frames != nil:
			frame = frames[i]
			if flags&MapAddrToFrame != 0 {
				frame = mm.FrameFromAddress(uintptr(frames[i]))
			}
		case flags&MapPresent != 0:
			if frame, err = v.mmu.alloc.AllocFrame(class); err != nil {
				v.unwindMap(virtAddr, prev, allocated, created, class)
				return mm.AllocStats{}, err
			}
			v.mmu.ZeroFrame(frame)
			allocated = append(allocated, frame)
			stats.Frames++
		default:
			frame = 0
		}

		prev = append(prev, *pte)
		*pte = 0
		pte.SetFrame(frame)
		pte.SetFlags(entryFlagsFor(flags))
		v.flush(pageAddr)
	}

	stats.PTables = uintptr(len(created))
	return stats, nil
}

// unwindMap restores the entries touched by a failed mapPages call and
// releases everything it allocated.
func (v *tableView) unwindMap(virtAddr uintptr, prev []pageTableEntry, allocated []mm.Frame, created []createdTable, class mm.AllocClass) {
	for i, old := range prev {
		pageAddr := virtAddr + uintptr(i)*mm.PageSize
		if pte := v.entry(pageAddr); pte != nil {
			*pte = old
			v.flush(pageAddr)
		}
	}

	for _, frame := range allocated {
		v.mmu.alloc.FreeFrame(frame, class)
	}

	v.releaseTables(created, class)
}

// Unmap removes count consecutive pages starting at virtAddr from as. If
// freeFrames is set, the frames of present pages are returned to the
// allocator. Page tables that become empty are released. The returned stats
// contain the number of freed frames and page tables.
func (m *MMU) Unmap(as *AddressSpace, virtAddr uintptr, count uintptr, freeFrames bool) mm.AllocStats {
	as.lock.Acquire()
	defer as.lock.Release()

	var stats mm.AllocStats
	m.withTables(as, func(v *tableView) *kernel.Error {
		stats = v.unmapPages(virtAddr, count, freeFrames)
		return nil
	})
	return stats
}

func (v *tableView) unmapPages(virtAddr uintptr, count uintptr, freeFrames bool) mm.AllocStats {
	var (
		stats     mm.AllocStats
		class     = classFor(virtAddr)
		tableSpan = uintptr(1) << pageLevelShifts[pageLevels-2]
	)

	virtAddr &^= mm.PageSize - 1
	for i := uintptr(0); i < count; i++ {
		pageAddr := virtAddr + i*mm.PageSize

		if pte := v.entry(pageAddr); pte != nil && *pte != 0 {
			if freeFrames && pte.HasFlags(FlagPresent) {
				v.mmu.alloc.FreeFrame(pte.Frame(), class)
				stats.Frames++
			}
			*pte = 0
			v.flush(pageAddr)
		}

		// Check for empty tables whenever we leave a last-level table.
		nextAddr := pageAddr + mm.PageSize
		if i == count-1 || nextAddr&(tableSpan-1) == 0 {
			stats.PTables += v.removeEmptyTables(pageAddr)
		}
	}

	return stats
}

// ClonePages copies count page mappings from src to dst. Exactly one of the
// two address spaces must be active.
//
// If share is set, dst receives the same frames with the same permissions.
// Otherwise present pages are mapped read-only into dst and src is
// downgraded to read-only as well, so that the first write to either copy
// faults; pages that are not present are copied as lazy entries with their
// original permissions.
//
// The returned stats count the present pages that now reference a frame in
// dst together with the page tables allocated for dst. On failure all
// changes to both address spaces are rolled back.
func (m *MMU) ClonePages(src, dst *AddressSpace, srcAddr, dstAddr uintptr, count uintptr, share bool) (mm.AllocStats, *kernel.Error) {
	if src == dst {
		return mm.AllocStats{}, errSameAddressSpace
	}

	unlock := lockPair(src, dst)
	defer unlock()

	var srcView, dstView *tableView
	switch {
	case m.isCurrent(src):
		srcView = &tableView{mmu: m, root: src.root, current: true}
	case m.isCurrent(dst):
		dstView = &tableView{mmu: m, root: dst.root, current: true}
	default:
		return mm.AllocStats{}, errNoneActive
	}

	foreign := dst
	if dstView != nil {
		foreign = src
	}

	var stats mm.AllocStats
	err := m.withForeignTable(foreign, func(v *tableView) *kernel.Error {
		if srcView == nil {
			srcView = v
		} else {
			dstView = v
		}

		var err *kernel.Error
		stats, err = clonePages(srcView, dstView, srcAddr, dstAddr, count, share)
		return err
	})
	return stats, err
}

func clonePages(srcView, dstView *tableView, srcAddr, dstAddr uintptr, count uintptr, share bool) (mm.AllocStats, *kernel.Error) {
	var (
		stats      mm.AllocStats
		downgraded []uintptr
	)

	srcAddr &^= mm.PageSize - 1
	dstAddr &^= mm.PageSize - 1
	for i := uintptr(0); i < count; i++ {
		srcPage := srcAddr + i*mm.PageSize
		spte := srcView.entry(srcPage)
		if spte == nil || !spte.HasFlags(FlagExists) {
			continue
		}

		present := spte.HasFlags(FlagPresent)
		flags := mapFlagsFor(*spte)
		if !share && present {
			flags &^= MapWritable
		}

		var frames []mm.Frame
		if share || present {
			frames = []mm.Frame{spte.Frame()}
		}

		mapStats, err := dstView.mapPages(dstAddr+i*mm.PageSize, frames, 1, flags)
		if err != nil {
			dstView.unmapPages(dstAddr, i, false)
			for _, addr := range downgraded {
				srcView.entry(addr).SetFlags(FlagRW)
				srcView.flush(addr)
			}
			return mm.AllocStats{}, err
		}
		stats.PTables += mapStats.PTables

		if present {
			stats.Frames++
		}

		if !share && present && spte.HasFlags(FlagRW) {
			spte.ClearFlags(FlagRW)
			srcView.flush(srcPage)
			downgraded = append(downgraded, srcPage)
		}
	}

	return stats, nil
}
