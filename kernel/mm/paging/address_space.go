package paging

import (
	"fmt"

	"github.com/Nils-TUD/Escape-sub006/kernel"
	"github.com/Nils-TUD/Escape-sub006/kernel/kfmt"
	"github.com/Nils-TUD/Escape-sub006/kernel/mm"
	"github.com/Nils-TUD/Escape-sub006/kernel/sync"
)

// AddressSpace is the root of a page table hierarchy. All modifications of
// its tables happen while holding its lock.
type AddressSpace struct {
	id   uint64
	lock sync.Spinlock
	root mm.Frame
}

// ID returns a unique identifier for the address space.
func (as *AddressSpace) ID() uint64 {
	return as.id
}

// Root returns the frame that holds the top-level page table.
func (as *AddressSpace) Root() mm.Frame {
	return as.root
}

func (as *AddressSpace) String() string {
	return fmt.Sprintf("as%d@%#x", as.id, as.root.Address())
}

// lockPair acquires the locks of a and b in a stable order and returns a
// function that releases them. Either argument may be nil.
func lockPair(a, b *AddressSpace) func() {
	switch {
	case a == nil && b == nil:
		return func() {}
	case a == nil || a == b:
		b.lock.Acquire()
		return b.lock.Release
	case b == nil:
		a.lock.Acquire()
		return a.lock.Release
	}

	first, second := a, b
	if second.id < first.id {
		first, second = second, first
	}
	first.lock.Acquire()
	second.lock.Acquire()
	return func() {
		second.lock.Release()
		first.lock.Release()
	}
}

// CreateAddressSpace allocates a new root table whose kernel half points to
// the shared kernel tables. The returned stats account for the root table.
func (m *MMU) CreateAddressSpace() (*AddressSpace, mm.AllocStats, *kernel.Error) {
	root, err := m.alloc.AllocFrame(mm.ClassCritical)
	if err != nil {
		return nil, mm.AllocStats{}, err
	}
	clear(m.mem.Frame(root))

	kernelEntry := &m.table(root)[kernelP4Index]
	kernelEntry.SetFrame(m.kernelP3)
	kernelEntry.SetFlags(FlagPresent | FlagRW)

	as := &AddressSpace{id: m.nextID.Add(1), root: root}
	m.log.WithField("as", as).Debug("created address space")
	return as, mm.AllocStats{PTables: 1}, nil
}

// DestroyAddressSpace releases the root table and any user page tables that
// are still attached to it. Content frames are not touched; they are
// expected to have been unmapped already. Destroying the active address
// space is a fatal error.
func (m *MMU) DestroyAddressSpace(as *AddressSpace) mm.AllocStats {
	as.lock.Acquire()
	defer as.lock.Release()

	if m.isCurrent(as) {
		kfmt.Panic(ErrDestroyCurrent)
		return mm.AllocStats{}
	}

	var stats mm.AllocStats
	m.withForeignTable(as, func(v *tableView) *kernel.Error {
		stats.PTables += m.freeTables(as.root, 0)
		return nil
	})

	m.alloc.FreeFrame(as.root, mm.ClassCritical)
	stats.PTables++
	m.log.WithField("as", as).Debug("destroyed address space")
	return stats
}

// freeTables recursively releases all user page tables reachable from the
// table stored in frame. The table itself is not released.
func (m *MMU) freeTables(frame mm.Frame, level uint8) uintptr {
	if level >= pageLevels-1 {
		return 0
	}

	var (
		freed uintptr
		table = m.table(frame)
		last  = entriesPerTable
	)
	if level == 0 {
		last = kernelP4Index
	}

	for i := 0; i < last; i++ {
		if !table[i].HasFlags(FlagPresent) {
			continue
		}
		child := table[i].Frame()
		freed += m.freeTables(child, level+1)
		m.alloc.FreeFrame(child, mm.ClassDefault)
		table[i] = 0
		freed++
	}
	return freed
}
