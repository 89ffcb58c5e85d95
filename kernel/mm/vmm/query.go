package vmm

import (
	"bytes"
	"fmt"

	"github.com/Nils-TUD/Escape-sub006/kernel/mm/region"
	"github.com/Nils-TUD/Escape-sub006/kernel/proc"
	"github.com/Nils-TUD/Escape-sub006/kernel/vfs"
)

// RegionOf returns the slot of the binding that contains addr or -1.
func (m *Manager) RegionOf(p *proc.Process, addr uintptr) int {
	p.RegLock.RLock()
	defer p.RegLock.RUnlock()

	if b := m.bindingAt(p, addr); b != nil {
		return p.Slot(b.Region)
	}
	return -1
}

// RegRange returns the address range of the binding in slot rno. If
// pageRounded is set, the end is rounded up to the next page boundary.
func (m *Manager) RegRange(p *proc.Process, rno int, pageRounded bool) (uintptr, uintptr, bool) {
	p.RegLock.RLock()
	defer p.RegLock.RUnlock()

	b := p.Binding(rno)
	if b == nil {
		return 0, 0, false
	}
	if pageRounded {
		return b.Virt, b.End(), true
	}
	return b.Virt, b.Virt + b.Region.Size(), true
}

// Exists reports whether slot rno of p holds a binding.
func (m *Manager) Exists(p *proc.Process, rno int) bool {
	p.RegLock.RLock()
	defer p.RegLock.RUnlock()

	return p.Binding(rno) != nil
}

// HasBinary returns the slot of a shareable region of p that is backed by
// bin or -1.
func (m *Manager) HasBinary(p *proc.Process, bin vfs.BinDesc) int {
	p.RegLock.RLock()
	defer p.RegLock.RUnlock()

	for rno, b := range p.Regions {
		if b == nil || !b.Region.Has(region.Shareable) {
			continue
		}
		if rbin, _ := b.Region.Binary(); rbin.Valid() && rbin == bin {
			return rno
		}
	}
	return -1
}

// DLDataRegion returns the slot of the data region of the dynamic linker or
// -1.
func (m *Manager) DLDataRegion(p *proc.Process) int {
	p.RegLock.RLock()
	defer p.RegLock.RUnlock()

	for rno, b := range p.Regions {
		if b == nil {
			continue
		}
		f := b.Region.Flags()
		if f&(region.Growable|region.Writable|region.Stack) == region.Growable|region.Writable && rno > SlotData {
			if bin, _ := b.Region.Binary(); bin.Valid() {
				return rno
			}
		}
	}
	return -1
}

// MemUsage returns the own, shared and swapped frame counters of p.
func (m *Manager) MemUsage(p *proc.Process) (own, shared, swapped int64) {
	return p.OwnFrames(), p.SharedFrames(), p.SwappedFrames()
}

// WeightedUsage returns the number of frames p uses where every page of a
// shared region counts with the reciprocal of the number of its owners.
func (m *Manager) WeightedUsage(p *proc.Process) float64 {
	p.RegLock.RLock()
	defer p.RegLock.RUnlock()

	var usage float64
	for _, b := range p.Regions {
		if b == nil {
			continue
		}
		r := b.Region
		r.Lock()
		pages := float64(r.PresentPageCount() + r.SwappedPageCount())
		if owners := r.OwnerCount(); r.Has(region.Shareable) && owners > 1 {
			pages /= float64(owners)
		}
		r.Unlock()
		usage += pages
	}
	return usage
}

// SetTimestamp records ts as the last use of all regions of t's process
// except for the stack and TLS regions of the other threads.
func (m *Manager) SetTimestamp(t *proc.Thread, ts uint64) {
	p := t.Proc
	p.RegLock.RLock()
	defer p.RegLock.RUnlock()

	for rno, b := range p.Regions {
		if b == nil {
			continue
		}
		r := b.Region
		if r.Has(region.Stack) && !t.HasStackRegion(rno) {
			continue
		}
		if r.Has(region.TLS) && t.TLSRegion != rno {
			continue
		}
		r.Lock()
		r.SetTimestamp(ts)
		r.Unlock()
	}
}

// Sprint returns a description of all bindings of p.
func (m *Manager) Sprint(p *proc.Process) string {
	p.RegLock.RLock()
	defer p.RegLock.RUnlock()

	var buf bytes.Buffer
	for rno, b := range p.Regions {
		if b == nil {
			continue
		}
		b.Region.Lock()
		fmt.Fprintf(&buf, "VMRegion %d (%#x .. %#x):\n", rno, b.Virt, b.Virt+b.Region.Size()-1)
		buf.WriteString(b.Region.Sprint(b.Virt))
		b.Region.Unlock()
	}
	return buf.String()
}

// Print logs the bindings of p.
func (m *Manager) Print(p *proc.Process) {
	m.log.WithField("pid", p.PID).Info("regions of " + p.String() + ":\n" + m.Sprint(p))
}
