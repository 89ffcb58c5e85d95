package vmm

import (
	"github.com/Nils-TUD/Escape-sub006/kernel/mm"
	"github.com/Nils-TUD/Escape-sub006/kernel/mm/region"
	"github.com/Nils-TUD/Escape-sub006/kernel/proc"
	"github.com/sirupsen/logrus"
)

// Remove unbinds the region in slot rno from p. The frames of the region are
// released once the last binding is gone.
func (m *Manager) Remove(p *proc.Process, rno int) {
	p.RegLock.Lock()
	defer p.RegLock.Unlock()

	m.removeLocked(p, rno)
}

// RemoveAll unbinds all regions of p. Stacks are kept unless removeStacks is
// set.
func (m *Manager) RemoveAll(p *proc.Process, removeStacks bool) {
	p.RegLock.Lock()
	defer p.RegLock.Unlock()

	m.removeAllLocked(p, removeStacks)
}

func (m *Manager) removeAllLocked(p *proc.Process, removeStacks bool) {
	for rno, b := range p.Regions {
		if b != nil && (removeStacks || !b.Region.Has(region.Stack)) {
			m.removeLocked(p, rno)
		}
	}
}

// removeLocked implements Remove. The caller must hold p.RegLock for writing.
func (m *Manager) removeLocked(p *proc.Process, rno int) {
	b := binding(p, rno)
	r := b.Region

	r.Lock()
	r.RemoveOwner(b)
	own, shared := m.releasePages(b, 0, r.PageCount(), r.OwnerCount() == 0)
	r.Unlock()

	p.Charge(-own, -shared)
	p.Regions[rno] = nil

	empty := true
	for _, other := range p.Regions {
		if other != nil {
			empty = false
			break
		}
	}
	if empty {
		p.Regions = nil
	}

	m.log.WithFields(logrus.Fields{"pid": p.PID, "slot": rno, "virt": b.Virt}).Debug("removed region")
}

// releasePages unmaps count pages of b starting at page first and returns
// the number of own and shared frames that p is no longer charged for,
// including the released page tables. If last is set, b is the last
// binding of the region and the frames that are not shared with other
// processes are freed. The caller must hold the region lock.
func (m *Manager) releasePages(b *proc.Binding, first, count uintptr, last bool) (int64, int64) {
	var (
		p           = b.Proc
		r           = b.Region
		own, shared int64
		frames      []mm.Frame
	)

	for i := first; i < first+count; i++ {
		mapping, ok := m.mmu.Lookup(p.PDir, pageAddr(b, i))
		if !ok || !mapping.Present {
			continue
		}

		switch {
		case !last || r.Has(region.NoFree):
			shared++
			continue
		case r.State(i) == region.PageCopyOnWrite:
			shared++
			if _, foundOther := m.cow.Remove(p, mapping.Frame); foundOther {
				continue
			}
		case r.Has(region.Shareable):
			shared++
		default:
			own++
		}
		frames = append(frames, mapping.Frame)
	}

	stats := m.mmu.Unmap(p.PDir, pageAddr(b, first), count, false)
	own += int64(stats.PTables)

	for _, frame := range frames {
		m.mmu.Allocator().FreeFrame(frame, mm.ClassDefault)
	}
	return own, shared
}
