package vmm

import (
	"io"

	"github.com/Nils-TUD/Escape-sub006/kernel/kfmt"
	"github.com/Nils-TUD/Escape-sub006/kernel/mm"
	"github.com/Nils-TUD/Escape-sub006/kernel/mm/paging"
	"github.com/Nils-TUD/Escape-sub006/kernel/mm/region"
	"github.com/Nils-TUD/Escape-sub006/kernel/proc"
	"github.com/Nils-TUD/Escape-sub006/kernel/sched"
	"github.com/go-errors/errors"
	"github.com/sirupsen/logrus"
)

// Pagefault resolves a fault of p at addr. It returns nil if the access can
// be retried and ErrNotResolvable if the address does not belong to a
// binding or the access is not permitted. Errors of the backing file are
// passed on wrapped.
//
// While a page is loaded from its backing file the region lock is dropped;
// concurrent faults on the same page wait until the loader is done.
func (m *Manager) Pagefault(p *proc.Process, addr uintptr, write bool) error {
	p.RegLock.RLock()
	defer p.RegLock.RUnlock()

	b := m.bindingAt(p, addr)
	if b == nil {
		return ErrNotResolvable
	}

	r := b.Region
	page := (addr - b.Virt) / mm.PageSize

	r.Lock()
	defer r.Unlock()

	for {
		switch state := r.State(page); state {
		case region.PageLoading:
			m.events.Wait(r, sched.EvVMMDone, r)
		case region.PageDemandLoad:
			if err := m.demandLoad(b, page); err != nil {
				return err
			}
			return checkAccess(r, write)
		case region.PageDemandZero:
			if err := m.demandZero(b, page); err != nil {
				return err
			}
			return checkAccess(r, write)
		case region.PageCopyOnWrite:
			if !write {
				return nil
			}
			if !r.Has(region.Writable) {
				return ErrNotResolvable
			}

			n, err := m.cow.PageFault(p, pageAddr(b, page), mapFlags(r)&paging.MapExecutable)
			if err != nil {
				return err
			}
			p.Charge(int64(n), -int64(n))
			r.SetState(page, region.PagePresent)
			return nil
		case region.PageSwapped:
			kfmt.Panic(ErrSwapNotSupported)
			return ErrSwapNotSupported
		default:
			// another thread resolved the fault before we got the lock
			return checkAccess(r, write)
		}
	}
}

// checkAccess returns ErrNotResolvable for writes to a read-only region.
// Loading a page does not make it writable.
func checkAccess(r *region.Region, write bool) error {
	if write && !r.Has(region.Writable) {
		return ErrNotResolvable
	}
	return nil
}

// demandLoad loads page of b from the backing file and maps it into every
// binding of the region. The caller holds the region lock which is released
// during the file access.
func (m *Manager) demandLoad(b *proc.Binding, page uintptr) error {
	r := b.Region
	r.SetState(page, region.PageLoading)
	r.Unlock()

	var frame mm.Frame
	data, err := m.readPage(r, page)
	if err == nil {
		if f, kerr := m.mmu.DemandLoad(data); kerr != nil {
			err = kerr
		} else {
			frame = f
		}
	}

	r.Lock()
	if err != nil {
		r.SetState(page, region.PageDemandLoad)
		m.events.Wakeup(r, sched.EvVMMDone)
		m.log.WithFields(logrus.Fields{"pid": b.Proc.PID, "addr": pageAddr(b, page)}).WithError(err).Warn("demand-load failed")
		return err
	}

	flags := mapFlags(r)
	for _, o := range r.Owners() {
		ob := o.(*proc.Binding)
		if _, kerr := m.mmu.Map(ob.Proc.PDir, pageAddr(ob, page), []mm.Frame{frame}, 1, flags); kerr != nil {
			kfmt.Panic(errLoaderMapping)
			return errLoaderMapping
		}
		if r.Has(region.Shareable) {
			ob.Proc.Charge(0, 1)
		} else {
			ob.Proc.Charge(1, 0)
		}
	}

	r.SetState(page, region.PagePresent)
	m.events.Wakeup(r, sched.EvVMMDone)
	return nil
}

// readPage reads the part of page that is backed by the binary of r. The
// result is shorter than a page for the last loaded page.
func (m *Manager) readPage(r *region.Region, page uintptr) ([]byte, error) {
	bin, offset := r.Binary()

	f, err := m.fs.OpenInode(bin.Ino, bin.Dev)
	if err != nil {
		return nil, errors.WrapPrefix(err, "open "+bin.String(), 0)
	}
	defer f.Close()

	desc, err := f.Stat()
	if err != nil {
		return nil, errors.WrapPrefix(err, "stat "+bin.String(), 0)
	}
	if desc.ModTime != bin.ModTime {
		return nil, errors.WrapPrefix(ErrStaleBacking, bin.String(), 0)
	}

	start := page * mm.PageSize
	if start >= r.LoadCount() {
		return nil, nil
	}

	buf := make([]byte, min(mm.PageSize, r.LoadCount()-start))
	n, err := f.ReadAt(buf, offset+int64(start))
	if err != nil && err != io.EOF {
		return nil, errors.WrapPrefix(err, "read "+bin.String(), 0)
	}
	return buf[:n], nil
}

// demandZero backs page of b with a zeroed frame.
func (m *Manager) demandZero(b *proc.Binding, page uintptr) error {
	r := b.Region
	if r.Has(region.Shareable) {
		kfmt.Panic(errZeroShareable)
		return errZeroShareable
	}

	stats, err := m.mmu.Map(b.Proc.PDir, pageAddr(b, page), nil, 1, mapFlags(r))
	if err != nil {
		return err
	}
	b.Proc.ChargeStats(stats, false)
	r.SetState(page, region.PagePresent)
	return nil
}

// bindingAt returns the binding that contains addr. The caller must hold
// p.RegLock.
func (m *Manager) bindingAt(p *proc.Process, addr uintptr) *proc.Binding {
	for _, b := range p.Regions {
		if b != nil && addr >= b.Virt && addr < b.End() {
			return b
		}
	}
	return nil
}

// FaultIn makes sure that size bytes starting at addr are accessible by p,
// resolving faults as needed. It returns false if any page cannot be made
// accessible.
func (m *Manager) FaultIn(p *proc.Process, addr, size uintptr, write bool) bool {
	resolve := func(pageAddr uintptr, write bool) bool {
		return m.Pagefault(p, pageAddr, write) == nil
	}
	if write {
		return m.mmu.IsRangeWritable(p.PDir, addr, size, resolve)
	}
	return m.mmu.IsRangeReadable(p.PDir, addr, size, resolve)
}

// CopyToUser writes data to addr of p whose address space must be active.
// Faults are resolved on the way.
func (m *Manager) CopyToUser(p *proc.Process, addr uintptr, data []byte) error {
	return m.copyUser(p, addr, data, true)
}

// CopyFromUser reads len(buf) bytes at addr of p whose address space must be
// active. Faults are resolved on the way.
func (m *Manager) CopyFromUser(p *proc.Process, addr uintptr, buf []byte) error {
	return m.copyUser(p, addr, buf, false)
}

func (m *Manager) copyUser(p *proc.Process, addr uintptr, buf []byte, write bool) error {
	for len(buf) > 0 {
		var (
			fault uintptr
			err   error
		)
		if write {
			fault, err = m.copyOut(p, addr, buf)
		} else {
			fault, err = m.copyIn(p, addr, buf)
		}
		if err == nil {
			return nil
		}
		if err != paging.ErrPageFault {
			return err
		}

		if err = m.Pagefault(p, fault, write); err != nil {
			return err
		}
		buf = buf[fault-addr:]
		addr = fault
	}
	return nil
}

func (m *Manager) copyOut(p *proc.Process, addr uintptr, buf []byte) (uintptr, error) {
	if fault, err := m.mmu.WriteUser(p.PDir, addr, buf); err != nil {
		return fault, err
	}
	return 0, nil
}

func (m *Manager) copyIn(p *proc.Process, addr uintptr, buf []byte) (uintptr, error) {
	if fault, err := m.mmu.ReadUser(p.PDir, addr, buf); err != nil {
		return fault, err
	}
	return 0, nil
}
