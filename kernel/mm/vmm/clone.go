package vmm

import (
	"github.com/Nils-TUD/Escape-sub006/kernel/mm/region"
	"github.com/Nils-TUD/Escape-sub006/kernel/proc"
	"github.com/sirupsen/logrus"
)

// CloneAll copies the bindings of parent into child, which must not have
// any bindings yet. Only the stack and TLS regions of t are cloned; those of
// the other threads of parent are skipped. Shareable regions are shared,
// all others are cloned copy-on-write. The address space of parent must be
// active.
//
// If cloning fails, the bindings that have already been added to child are
// removed again. The copy-on-write marks in parent are kept.
func (m *Manager) CloneAll(parent, child *proc.Process, t *proc.Thread) error {
	unlock := lockPair(parent, child)
	defer unlock()

	for _, b := range child.Regions {
		if b != nil {
			return errChildNotEmpty
		}
	}
	child.Regions = make([]*proc.Binding, len(parent.Regions))

	for rno, b := range parent.Regions {
		if b == nil {
			continue
		}
		if b.Region.Has(region.Stack) && !t.HasStackRegion(rno) {
			continue
		}
		if b.Region.Has(region.TLS) && t.TLSRegion != rno {
			continue
		}

		if err := m.cloneBinding(b, child, rno); err != nil {
			m.log.WithFields(logrus.Fields{"pid": parent.PID, "child": child.PID, "slot": rno}).WithError(err).Warn("clone failed")
			m.removeAllLocked(child, true)
			return err
		}
	}

	m.log.WithFields(logrus.Fields{"pid": parent.PID, "child": child.PID}).Debug("cloned address space")
	return nil
}

// cloneBinding binds a copy of b into child at the same address and slot.
func (m *Manager) cloneBinding(b *proc.Binding, child *proc.Process, rno int) error {
	var (
		parent = b.Proc
		r      = b.Region
		nb     = &proc.Binding{Virt: b.Virt, Proc: child}
	)

	r.Lock()
	defer r.Unlock()

	if r.Has(region.Shareable) {
		nb.Region = r
		r.AddOwner(nb)
		stats, err := m.mmu.ClonePages(parent.PDir, child.PDir, b.Virt, nb.Virt, r.PageCount(), true)
		if err != nil {
			r.RemoveOwner(nb)
			return err
		}
		child.ChargeStats(stats, true)
		child.Regions[rno] = nb
		return nil
	}

	nr := r.Clone(nb)
	nb.Region = nr
	if r.Has(region.NoFree) {
		// device memory is shared as is
		stats, err := m.mmu.ClonePages(parent.PDir, child.PDir, b.Virt, nb.Virt, r.PageCount(), true)
		if err != nil {
			return err
		}
		child.ChargeStats(stats, true)
		child.Regions[rno] = nb
		return nil
	}

	stats, err := m.mmu.ClonePages(parent.PDir, child.PDir, b.Virt, nb.Virt, r.PageCount(), false)
	if err != nil {
		return err
	}
	child.Charge(int64(stats.PTables), 0)

	for i := uintptr(0); i < r.PageCount(); i++ {
		state := r.State(i)
		if state == region.PageLoading {
			// the loader maps into parent only; child loads on its own
			nr.SetState(i, region.PageDemandLoad)
			continue
		}
		if !state.Backed() {
			continue
		}

		frame := m.mmu.FrameOf(parent.PDir, pageAddr(b, i))
		if state != region.PageCopyOnWrite {
			r.SetState(i, region.PageCopyOnWrite)
			m.cow.Add(parent, frame)
			parent.Charge(-1, 1)
		}
		nr.SetState(i, region.PageCopyOnWrite)
		m.cow.Add(child, frame)
		child.Charge(0, 1)
	}

	child.Regions[rno] = nb
	return nil
}
