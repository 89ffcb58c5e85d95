// Package proc contains the process and thread objects the memory manager
// operates on together with the table that owns them.
package proc

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/Nils-TUD/Escape-sub006/kernel"
	"github.com/Nils-TUD/Escape-sub006/kernel/kfmt"
	"github.com/Nils-TUD/Escape-sub006/kernel/mm"
	"github.com/Nils-TUD/Escape-sub006/kernel/mm/paging"
	"github.com/Nils-TUD/Escape-sub006/kernel/mm/region"
)

var errNegativeFrames = &kernel.Error{Module: "proc", Message: "frame counter dropped below zero"}

// PID identifies a process.
type PID int

// Binding is a region bound at a virtual address of a process.
type Binding struct {
	Region *region.Region
	Virt   uintptr
	Proc   *Process
}

// Base implements region.Owner.
func (b *Binding) Base() uintptr {
	return b.Virt
}

// OwnerID implements region.Owner.
func (b *Binding) OwnerID() int {
	return int(b.Proc.PID)
}

// End returns the first address past the page-rounded binding.
func (b *Binding) End() uintptr {
	return b.Virt + mm.RoundUp(b.Region.Size())
}

// Process is a user process with its own address space.
type Process struct {
	PID  PID
	Name string

	// PDir is the address space of the process.
	PDir *paging.AddressSpace

	// RegLock protects Regions. Fault handlers take it for reading, all
	// operations that add or remove bindings take it for writing.
	RegLock sync.RWMutex

	// Regions holds the bindings of the process indexed by slot number.
	// Empty slots are nil.
	Regions []*Binding

	ownFrames    atomic.Int64
	sharedFrames atomic.Int64
	swapped      atomic.Int64

	threadLock sync.Mutex
	threads    []*Thread
	nextTID    int

	handle Handle
}

// Handle returns the table handle of the process.
func (p *Process) Handle() Handle {
	return p.handle
}

// Charge adds the supplied deltas to the frame counters of the process.
// Counters must never become negative.
func (p *Process) Charge(own, shared int64) {
	o := p.ownFrames.Add(own)
	s := p.sharedFrames.Add(shared)
	if o < 0 || s < 0 {
		kfmt.Panic(&kernel.Error{
			Module:  errNegativeFrames.Module,
			Message: fmt.Sprintf("%s (pid %d: own=%d shared=%d)", errNegativeFrames.Message, p.PID, o, s),
		})
	}
}

// ChargeStats charges the page tables in stats as own frames and the
// content frames as own or shared frames.
func (p *Process) ChargeStats(stats mm.AllocStats, shared bool) {
	if shared {
		p.Charge(int64(stats.PTables), int64(stats.Frames))
	} else {
		p.Charge(int64(stats.PTables+stats.Frames), 0)
	}
}

// OwnFrames returns the number of frames exclusively charged to the process.
func (p *Process) OwnFrames() int64 {
	return p.ownFrames.Load()
}

// SharedFrames returns the number of frames the process shares with others.
func (p *Process) SharedFrames() int64 {
	return p.sharedFrames.Load()
}

// SwappedFrames returns the number of swapped out frames of the process.
func (p *Process) SwappedFrames() int64 {
	return p.swapped.Load()
}

// Binding returns the binding in slot rno or nil. The caller must hold
// RegLock.
func (p *Process) Binding(rno int) *Binding {
	if rno < 0 || rno >= len(p.Regions) {
		return nil
	}
	return p.Regions[rno]
}

// Slot returns the slot number of the binding of r or -1. The caller must
// hold RegLock.
func (p *Process) Slot(r *region.Region) int {
	for i, b := range p.Regions {
		if b != nil && b.Region == r {
			return i
		}
	}
	return -1
}

// NewThread creates a thread without stack regions.
func (p *Process) NewThread() *Thread {
	p.threadLock.Lock()
	defer p.threadLock.Unlock()

	p.nextTID++
	t := &Thread{
		TID:          p.nextTID,
		Proc:         p,
		StackRegions: [StackRegionCount]int{-1, -1},
		TLSRegion:    -1,
	}
	p.threads = append(p.threads, t)
	return t
}

// RemoveThread detaches t from the process.
func (p *Process) RemoveThread(t *Thread) {
	p.threadLock.Lock()
	defer p.threadLock.Unlock()

	for i, other := range p.threads {
		if other == t {
			p.threads = append(p.threads[:i], p.threads[i+1:]...)
			return
		}
	}
}

// Threads returns a copy of the thread list.
func (p *Process) Threads() []*Thread {
	p.threadLock.Lock()
	defer p.threadLock.Unlock()

	return append([]*Thread(nil), p.threads...)
}

func (p *Process) String() string {
	return fmt.Sprintf("%d:%s", p.PID, p.Name)
}

// StackRegionCount is the maximum number of stack regions per thread.
const StackRegionCount = 2

// Thread is a kernel-visible thread of a process.
type Thread struct {
	TID  int
	Proc *Process

	// StackRegions holds the slot numbers of the stack regions of the
	// thread; -1 marks an unused entry.
	StackRegions [StackRegionCount]int

	// TLSRegion is the slot number of the thread-local storage or -1.
	TLSRegion int
}

// HasStackRegion returns true if rno is one of the stack slots of t.
func (t *Thread) HasStackRegion(rno int) bool {
	for _, s := range t.StackRegions {
		if s >= 0 && s == rno {
			return true
		}
	}
	return false
}
