package task

import (
	"github.com/Nils-TUD/Escape-sub006/kernel/mm"
	"github.com/Nils-TUD/Escape-sub006/kernel/mm/paging"
	"github.com/Nils-TUD/Escape-sub006/kernel/mm/vmm"
	"github.com/Nils-TUD/Escape-sub006/kernel/proc"
	"github.com/Nils-TUD/Escape-sub006/kernel/vfs"
	"github.com/sirupsen/logrus"
)

// Spawn creates a process with its own address space, loads img into it and
// starts its first thread. The address space of the new process is active
// while the image is loaded; the previously active one is restored
// afterwards.
func (k *Kernel) Spawn(name string, img *Image) (*proc.Process, *proc.Thread, error) {
	p, err := k.newProcess(name)
	if err != nil {
		return nil, nil, err
	}

	if err = k.withActive(p.PDir, func() error { return k.load(p, img) }); err != nil {
		k.Destroy(p)
		return nil, nil, err
	}

	t, err := k.NewThread(p)
	if err != nil {
		k.Destroy(p)
		return nil, nil, err
	}

	k.log.WithFields(logrus.Fields{"pid": p.PID, "name": name, "entry": k.EntryPoint(img)}).Info("spawned process")
	return p, t, nil
}

// EntryPoint returns the address at which img starts executing once it is
// loaded.
func (k *Kernel) EntryPoint(img *Image) uintptr {
	return k.VMM.Layout().TextBegin + img.EntryOffset
}

// Exec replaces the program of t's process with img. Stacks are kept; all
// other regions are removed.
func (k *Kernel) Exec(t *proc.Thread, img *Image) error {
	p := t.Proc
	k.VMM.RemoveAll(p, false)
	for _, other := range p.Threads() {
		other.TLSRegion = -1
	}

	if err := k.withActive(p.PDir, func() error { return k.load(p, img) }); err != nil {
		return err
	}
	k.log.WithFields(logrus.Fields{"pid": p.PID, "entry": k.EntryPoint(img)}).Info("replaced program")
	return nil
}

// Fork creates a copy of t's process. The address space of the process must
// be active. The returned thread of the child uses the same stack regions
// as t.
func (k *Kernel) Fork(t *proc.Thread) (*proc.Thread, error) {
	parent := t.Proc
	if k.MMU.Current() != parent.PDir {
		return nil, errNotCurrent
	}

	child, err := k.newProcess(parent.Name)
	if err != nil {
		return nil, err
	}
	if err = k.VMM.CloneAll(parent, child, t); err != nil {
		k.Destroy(child)
		return nil, err
	}

	nt := child.NewThread()
	nt.StackRegions = t.StackRegions
	nt.TLSRegion = t.TLSRegion

	k.log.WithFields(logrus.Fields{"pid": parent.PID, "child": child.PID}).Info("forked process")
	return nt, nil
}

// NewThread adds a thread with a fresh stack to p.
func (k *Kernel) NewThread(p *proc.Process) (*proc.Thread, error) {
	t := p.NewThread()
	rno, err := k.VMM.Add(p, vfs.BinDesc{}, 0, k.stackPages*mm.PageSize, 0, vmm.TypeStack)
	if err != nil {
		p.RemoveThread(t)
		return nil, err
	}
	t.StackRegions[0] = rno
	return t, nil
}

// ExitThread removes the stack and TLS regions of t and detaches it from its
// process.
func (k *Kernel) ExitThread(t *proc.Thread) {
	p := t.Proc
	for i, rno := range t.StackRegions {
		if rno >= 0 && k.VMM.Exists(p, rno) {
			k.VMM.Remove(p, rno)
		}
		t.StackRegions[i] = -1
	}
	if t.TLSRegion >= 0 && k.VMM.Exists(p, t.TLSRegion) {
		k.VMM.Remove(p, t.TLSRegion)
	}
	t.TLSRegion = -1
	p.RemoveThread(t)
}

// Destroy removes all regions of p, releases its address space and drops
// it from the process table. If the address space of p is active, the
// kernel address space is activated first.
func (k *Kernel) Destroy(p *proc.Process) {
	if k.MMU.Current() == p.PDir {
		k.MMU.Activate(k.MMU.KernelSpace())
	}

	k.VMM.RemoveAll(p, true)
	for _, t := range p.Threads() {
		p.RemoveThread(t)
	}

	stats := k.MMU.DestroyAddressSpace(p.PDir)
	p.Charge(-int64(stats.PTables), 0)
	k.Procs.Remove(p)

	k.log.WithField("pid", p.PID).Info("destroyed process")
}

func (k *Kernel) newProcess(name string) (*proc.Process, error) {
	as, stats, err := k.MMU.CreateAddressSpace()
	if err != nil {
		return nil, err
	}
	p := k.Procs.Add(name, as)
	p.ChargeStats(stats, false)
	return p, nil
}

// load adds the regions of img to p.
func (k *Kernel) load(p *proc.Process, img *Image) error {
	if len(img.Segments) == 0 {
		return errNoLoadSegments
	}
	for _, seg := range img.Segments {
		if _, err := k.VMM.Add(p, img.Binary, seg.Offset, seg.Size, seg.LoadCount, seg.Type); err != nil {
			return err
		}
	}
	return nil
}

// withActive runs fn with as as the active address space.
func (k *Kernel) withActive(as *paging.AddressSpace, fn func() error) error {
	prev := k.MMU.Current()
	if prev != as {
		k.MMU.Activate(as)
		defer k.MMU.Activate(prev)
	}
	return fn()
}
