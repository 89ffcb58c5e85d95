package vmm

import (
	"github.com/Nils-TUD/Escape-sub006/kernel/mm"
	"github.com/Nils-TUD/Escape-sub006/kernel/mm/paging"
	"github.com/Nils-TUD/Escape-sub006/kernel/mm/region"
	"github.com/Nils-TUD/Escape-sub006/kernel/proc"
	"github.com/Nils-TUD/Escape-sub006/kernel/vfs"
	"github.com/sirupsen/logrus"
)

// Add creates a region of the given type and binds it into p. The first
// loadCount bytes are demand-loaded from bin at binOffset if bin is valid
// and the type supports it. Text regions of a binary that another process
// already runs are joined instead of being loaded again. It returns the
// slot of the new binding.
func (m *Manager) Add(p *proc.Process, bin vfs.BinDesc, binOffset int64, byteCount, loadCount uintptr, typ Type) (int, error) {
	if bin.Valid() && (typ == TypeText || typ == TypeSHLibText) {
		if owner, rno := m.findBinaryOwner(p, bin); owner != nil {
			nrno, err := m.join(owner, rno, p, bin)
			if err != errStaleJoin {
				return nrno, err
			}
		}
	}

	flags, demandLoad, kerr := attributes(typ)
	if kerr != nil {
		return -1, kerr
	}

	switch {
	case typ == TypeBSS:
		bin, binOffset, loadCount = vfs.BinDesc{}, 0, 0
	case !bin.Valid():
		// no demand-loading without a binary
		demandLoad = false
	}

	p.RegLock.Lock()
	defer p.RegLock.Unlock()

	virt, rno, kerr := m.place(p, typ, byteCount, flags)
	if kerr != nil {
		m.log.WithFields(logrus.Fields{"pid": p.PID, "type": typ, "size": byteCount}).Warn("unable to place region")
		return -1, kerr
	}

	r := region.New(bin, binOffset, byteCount, loadCount, demandLoad, flags)
	b := &proc.Binding{Region: r, Virt: virt, Proc: p}
	r.AddOwner(b)

	if typ != TypeDevice && typ != TypePhys && r.PageCount() > 0 {
		var pgFlags paging.MapFlag
		if !demandLoad {
			pgFlags = mapFlags(r)
		} else if r.Has(region.Writable) {
			pgFlags = paging.MapWritable
		}

		stats, err := m.mmu.Map(p.PDir, virt, nil, r.PageCount(), pgFlags)
		if err != nil {
			m.log.WithFields(logrus.Fields{"pid": p.PID, "type": typ, "pages": r.PageCount()}).Warn("out of memory while mapping region")
			return -1, err
		}
		p.ChargeStats(stats, r.Has(region.Shareable))
	}

	p.Regions[rno] = b
	m.log.WithFields(logrus.Fields{
		"pid":  p.PID,
		"slot": rno,
		"type": typ,
		"virt": virt,
		"size": byteCount,
	}).Debug("added region")
	return rno, nil
}

// AddPhys maps byteCount bytes of physical memory into p. If phys is 0,
// physically contiguous frames aligned to align bytes are allocated and
// owned by p; otherwise the frames starting at phys are mapped as device
// memory that is never freed. It returns the virtual and physical address
// of the window.
func (m *Manager) AddPhys(p *proc.Process, phys, byteCount, align uintptr) (uintptr, uintptr, error) {
	var (
		pages  = mm.BytesToPages(byteCount)
		frames = make([]mm.Frame, pages)
		typ    = TypeDevice
		ca     mm.ContiguousAllocator
	)
	if pages == 0 {
		return 0, 0, ErrInvalidRange
	}

	if phys == 0 {
		var ok bool
		if ca, ok = m.mmu.Allocator().(mm.ContiguousAllocator); !ok {
			return 0, 0, errNoContiguous
		}

		first, err := ca.AllocContiguous(pages, max(1, align/mm.PageSize))
		if err != nil {
			return 0, 0, err
		}
		for i := range frames {
			frames[i] = first + mm.Frame(i)
		}
		typ = TypePhys
	} else {
		first := mm.FrameFromAddress(phys)
		for i := range frames {
			frames[i] = first + mm.Frame(i)
		}
	}

	release := func() {
		if ca != nil {
			ca.FreeContiguous(frames[0], pages)
		}
	}

	rno, err := m.Add(p, vfs.BinDesc{}, 0, byteCount, byteCount, typ)
	if err != nil {
		release()
		return 0, 0, err
	}

	p.RegLock.RLock()
	virt := binding(p, rno).Virt
	p.RegLock.RUnlock()

	stats, kerr := m.mmu.Map(p.PDir, virt, frames, pages, paging.MapPresent|paging.MapWritable)
	if kerr != nil {
		m.Remove(p, rno)
		release()
		return 0, 0, kerr
	}

	if typ == TypeDevice {
		// the page tables are ours, the frames may be used by others, too
		p.Charge(int64(stats.PTables), int64(pages))
	} else {
		p.Charge(int64(stats.PTables+pages), 0)
	}
	return virt, frames[0].Address(), nil
}

// Join binds the shareable region in slot rno of src into dst. Text
// regions are bound at the text address, all others in the free area. The
// pages that are already present in src are shared with dst.
func (m *Manager) Join(src *proc.Process, rno int, dst *proc.Process) (int, error) {
	return m.join(src, rno, dst, vfs.BinDesc{})
}

// join implements Join. If bin is valid, the binding must still be backed
// by it; errStaleJoin is returned otherwise.
func (m *Manager) join(src *proc.Process, rno int, dst *proc.Process, bin vfs.BinDesc) (int, error) {
	if src == dst {
		return -1, ErrOverlap
	}

	unlock := lockPair(src, dst)
	defer unlock()

	b := src.Binding(rno)
	if bin.Valid() {
		if b == nil || !b.Region.Has(region.Shareable) {
			return -1, errStaleJoin
		}
		if rbin, _ := b.Region.Binary(); rbin != bin {
			return -1, errStaleJoin
		}
	}
	if b == nil {
		return -1, errNoBinding
	}

	r := b.Region
	if !r.Has(region.Shareable) {
		return -1, errNotShareable
	}

	var (
		virt uintptr
		nrno int
	)
	if rno == SlotText {
		m.ensureSlot(dst, SlotText)
		if dst.Regions[SlotText] != nil {
			return -1, ErrOverlap
		}
		virt, nrno = m.layout.TextBegin, SlotText
	} else if virt = m.findFreeAddr(dst, r.Size()); virt == 0 {
		return -1, ErrInvalidRange
	}
	if m.isOccupied(dst, virt, virt+mm.RoundUp(r.Size())) != nil {
		return -1, ErrOverlap
	}
	if rno != SlotText {
		nrno = m.findRegIndex(dst, false)
	}

	nb := &proc.Binding{Region: r, Virt: virt, Proc: dst}

	r.Lock()
	r.AddOwner(nb)
	stats, err := m.mmu.ClonePages(src.PDir, dst.PDir, b.Virt, virt, r.PageCount(), true)
	if err != nil {
		r.RemoveOwner(nb)
		r.Unlock()
		return -1, err
	}
	r.Unlock()

	dst.Regions[nrno] = nb
	// shared, so content frames are shared and page tables are ours
	dst.ChargeStats(stats, true)

	m.log.WithFields(logrus.Fields{"pid": dst.PID, "from": src.PID, "slot": nrno, "virt": virt}).Debug("joined region")
	return nrno, nil
}

// findBinaryOwner returns a process other than p that has a shareable
// region backed by bin, together with the slot of that region.
func (m *Manager) findBinaryOwner(p *proc.Process, bin vfs.BinDesc) (*proc.Process, int) {
	var (
		owner *proc.Process
		slot  = -1
	)
	m.procs.Each(func(q *proc.Process) bool {
		if q == p {
			return true
		}
		if rno := m.HasBinary(q, bin); rno >= 0 {
			owner, slot = q, rno
			return false
		}
		return true
	})
	return owner, slot
}

// SetRegProt makes the region in slot rno writable or read-only in all
// processes it is bound into. Stacks, TLS, no-free regions and regions with
// copy-on-write pages cannot be changed.
func (m *Manager) SetRegProt(p *proc.Process, rno int, writable bool) error {
	p.RegLock.RLock()
	defer p.RegLock.RUnlock()

	b := p.Binding(rno)
	if b == nil || b.Region.Flags()&(region.NoFree|region.Stack|region.TLS) != 0 {
		return ErrSetProtImpossible
	}

	r := b.Region
	r.Lock()
	defer r.Unlock()

	for i := uintptr(0); i < r.PageCount(); i++ {
		if r.State(i) == region.PageCopyOnWrite {
			return ErrSetProtImpossible
		}
	}

	r.SetWritable(writable)
	for _, o := range r.Owners() {
		ob := o.(*proc.Binding)
		for i := uintptr(0); i < r.PageCount(); i++ {
			// pages that are not loaded yet must stay non-present
			flags := mapFlags(r) | paging.MapKeepFrame
			if r.State(i) != region.PagePresent {
				flags &^= paging.MapPresent
			}
			if _, err := m.mmu.Map(ob.Proc.PDir, pageAddr(ob, i), nil, 1, flags); err != nil {
				return err
			}
		}
	}
	return nil
}
