package vmm

import (
	"github.com/Nils-TUD/Escape-sub006/kernel/mm"
	"github.com/Nils-TUD/Escape-sub006/kernel/mm/region"
	"github.com/Nils-TUD/Escape-sub006/kernel/proc"
	"github.com/sirupsen/logrus"
)

// Grow adds (amount > 0) or removes (amount < 0) pages to the growable
// region in slot rno of p. Regions that grow down change at their start. It
// returns the previous start address for regions that grow down and the
// previous end address otherwise.
func (m *Manager) Grow(p *proc.Process, rno int, amount int) (uintptr, error) {
	p.RegLock.Lock()
	defer p.RegLock.Unlock()

	b := p.Binding(rno)
	if b == nil {
		return 0, errNoBinding
	}
	return m.grow(b, amount)
}

// GrowStackTo grows one of the stacks of t so that it covers addr. It
// returns ErrInvalidRange if no stack can reach addr within its budget.
func (m *Manager) GrowStackTo(t *proc.Thread, addr uintptr) error {
	p := t.Proc
	p.RegLock.Lock()
	defer p.RegLock.Unlock()

	addr &^= mm.PageSize - 1
	for _, rno := range t.StackRegions {
		b := p.Binding(rno)
		if b == nil {
			continue
		}

		var pages uintptr
		switch {
		case b.Region.Has(region.GrowsDown):
			if addr >= b.Virt {
				continue
			}
			pages = (b.Virt - addr) / mm.PageSize
		default:
			if addr < b.End() {
				continue
			}
			pages = (addr-b.End())/mm.PageSize + 1
		}

		// stacks of a thread grow towards each other; try the next one
		if b.Region.PageCount()+pages >= m.layout.MaxStackPages-1 {
			continue
		}
		if _, err := m.grow(b, int(pages)); err != nil {
			return err
		}
		return nil
	}
	return ErrInvalidRange
}

// grow implements Grow. The caller must hold the region lock of b's process
// for writing.
func (m *Manager) grow(b *proc.Binding, amount int) (uintptr, error) {
	p, r := b.Proc, b.Region

	r.Lock()
	defer r.Unlock()

	if !r.Has(region.Growable) || r.Has(region.Shareable) {
		return 0, ErrInvalidRange
	}

	res := b.End()
	if r.Has(region.GrowsDown) {
		res = b.Virt
	}

	switch {
	case amount > 0:
		if r.Has(region.Stack) && r.PageCount()+uintptr(amount) >= m.layout.MaxStackPages-1 {
			return 0, ErrInvalidRange
		}

		size := uintptr(amount) * mm.PageSize
		start := b.End()
		if r.Has(region.GrowsDown) {
			if size > b.Virt {
				return 0, ErrInvalidRange
			}
			start = b.Virt - size
		}
		if start+size > m.layout.FreeAreaEnd || start < m.layout.TextBegin {
			return 0, ErrInvalidRange
		}
		if m.isOccupied(p, start, start+size) != nil {
			return 0, ErrOverlap
		}

		stats, err := m.mmu.Map(p.PDir, start, nil, uintptr(amount), mapFlags(r))
		if err != nil {
			return 0, err
		}
		p.ChargeStats(stats, false)

		if err = r.Grow(amount); err != nil {
			return 0, err
		}
		if r.Has(region.GrowsDown) {
			b.Virt = start
		}
	case amount < 0:
		shrink := uintptr(-amount)
		if shrink > r.PageCount() {
			return 0, region.ErrShrinkTooFar
		}

		first := r.PageCount() - shrink
		if r.Has(region.GrowsDown) {
			first = 0
		}
		own, shared := m.releasePages(b, first, shrink, true)
		p.Charge(-own, -shared)

		if err := r.Grow(amount); err != nil {
			return 0, err
		}
		if r.Has(region.GrowsDown) {
			b.Virt += shrink * mm.PageSize
		}
	}

	m.log.WithFields(logrus.Fields{"pid": p.PID, "virt": b.Virt, "pages": r.PageCount(), "amount": amount}).Debug("resized region")
	return res, nil
}
