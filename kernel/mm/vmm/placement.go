package vmm

import (
	"github.com/Nils-TUD/Escape-sub006/kernel"
	"github.com/Nils-TUD/Escape-sub006/kernel/mm"
	"github.com/Nils-TUD/Escape-sub006/kernel/mm/region"
	"github.com/Nils-TUD/Escape-sub006/kernel/proc"
)

// The helpers in this file expect the caller to hold p.RegLock.

// place chooses the address and slot of a new region of the supplied type.
func (m *Manager) place(p *proc.Process, typ Type, byteCount uintptr, flags region.Flags) (uintptr, int, *kernel.Error) {
	var (
		virt uintptr
		rno  int
	)

	switch typ {
	case TypeText, TypeRodata, TypeBSS, TypeData:
		rno = int(typ)
		if typ == TypeText {
			virt = m.layout.TextBegin
		} else {
			virt = m.firstUsableAddr(p, true)
		}
		m.ensureSlot(p, rno)
		if p.Regions[rno] != nil {
			return 0, -1, ErrOverlap
		}
	case TypeStack, TypeStackUp:
		if virt = m.findFreeStack(p, byteCount, typ == TypeStack); virt == 0 {
			return 0, -1, ErrInvalidRange
		}
		rno = m.findRegIndex(p, false)
	default:
		if virt = m.findFreeAddr(p, byteCount); virt == 0 {
			return 0, -1, ErrInvalidRange
		}
		rno = m.findRegIndex(p, false)
	}

	end := virt + mm.RoundUp(byteCount)
	if end < virt || end > m.layout.FreeAreaEnd {
		return 0, -1, ErrInvalidRange
	}
	if m.isOccupied(p, virt, end) != nil {
		return 0, -1, ErrOverlap
	}
	return virt, rno, nil
}

// ensureSlot makes sure that slot rno exists.
func (m *Manager) ensureSlot(p *proc.Process, rno int) {
	if rno >= len(p.Regions) {
		m.extendRegions(p, rno+1)
	}
}

// extendRegions grows the slot array to max(4, needed*2) slots if it holds
// less than needed slots. Existing slots keep their numbers.
func (m *Manager) extendRegions(p *proc.Process, needed int) {
	if needed <= len(p.Regions) {
		return
	}
	regions := make([]*proc.Binding, max(4, needed*2))
	copy(regions, p.Regions)
	p.Regions = regions
}

// findRegIndex returns the first free slot. The fixed slots are skipped
// unless text is set.
func (m *Manager) findRegIndex(p *proc.Process, text bool) int {
	start := SlotData + 1
	if text {
		start = SlotText
	}

	for i := start; i < len(p.Regions); i++ {
		if p.Regions[i] == nil {
			return i
		}
	}

	i := max(start, len(p.Regions))
	m.extendRegions(p, i+1)
	return i
}

// findFreeStack returns the address for a new stack of byteCount bytes or
// 0 if none is left. Stacks are placed top-down below the free area; each
// one owns MaxStackPages pages of which the lowest is never used so that
// consecutive stacks are separated by a guard gap. Stacks that grow down
// start at the top of their slot, the others right above the guard page.
func (m *Manager) findFreeStack(p *proc.Process, byteCount uintptr, growsDown bool) uintptr {
	slot := m.layout.MaxStackPages * mm.PageSize
	span := (m.layout.MaxStackPages - 1) * mm.PageSize
	if byteCount > span {
		return 0
	}

	end := m.firstUsableAddr(p, true)
	for addr := m.layout.FreeAreaBegin; addr >= span && addr-span >= end; addr -= slot {
		if m.isOccupied(p, addr-span, addr) != nil {
			continue
		}
		if growsDown {
			return addr - mm.RoundUp(byteCount)
		}
		return addr - span
	}
	return 0
}

// findFreeAddr performs a first-fit search in the free area.
func (m *Manager) findFreeAddr(p *proc.Process, byteCount uintptr) uintptr {
	byteCount = mm.RoundUp(byteCount)
	if byteCount > m.layout.FreeAreaEnd-m.layout.FreeAreaBegin {
		return 0
	}

	for addr := m.layout.FreeAreaBegin; addr+byteCount < m.layout.FreeAreaEnd; {
		b := m.isOccupied(p, addr, addr+byteCount)
		if b == nil {
			return addr
		}
		// try again behind this binding
		addr = b.End()
	}
	return 0
}

// isOccupied returns a binding that intersects [start, end) or nil.
func (m *Manager) isOccupied(p *proc.Process, start, end uintptr) *proc.Binding {
	for _, b := range p.Regions {
		if b != nil && start < b.End() && b.Virt < end {
			return b
		}
	}
	return nil
}

// firstUsableAddr returns the first page-aligned address behind all bindings
// (or only the fixed ones, if textNData is set).
func (m *Manager) firstUsableAddr(p *proc.Process, textNData bool) uintptr {
	addr := m.layout.TextBegin
	for i, b := range p.Regions {
		if b != nil && (!textNData || i <= SlotData) && b.Virt+b.Region.Size() > addr {
			addr = b.Virt + b.Region.Size()
		}
	}
	return mm.RoundUp(addr)
}
