package proc

import (
	"sync"

	"github.com/Nils-TUD/Escape-sub006/kernel/mm/paging"
)

// Handle refers to a process table slot. Handles of removed processes are
// detected by their generation and never resolve to a newer process.
type Handle struct {
	index uint32
	gen   uint32
}

type tableSlot struct {
	proc *Process
	gen  uint32
}

// Table is the arena that owns all processes.
type Table struct {
	mutex   sync.RWMutex
	slots   []tableSlot
	free    []uint32
	nextPID PID
}

// NewTable returns an empty process table.
func NewTable() *Table {
	return &Table{}
}

// Add creates a process that uses the supplied address space.
func (t *Table) Add(name string, pdir *paging.AddressSpace) *Process {
	t.mutex.Lock()
	defer t.mutex.Unlock()

	var index uint32
	if n := len(t.free); n > 0 {
		index = t.free[n-1]
		t.free = t.free[:n-1]
	} else {
		index = uint32(len(t.slots))
		t.slots = append(t.slots, tableSlot{})
	}

	p := &Process{
		PID:    t.nextPID,
		Name:   name,
		PDir:   pdir,
		handle: Handle{index: index, gen: t.slots[index].gen},
	}
	t.nextPID++
	t.slots[index].proc = p
	return p
}

// Get resolves a handle.
func (t *Table) Get(h Handle) (*Process, bool) {
	t.mutex.RLock()
	defer t.mutex.RUnlock()

	if int(h.index) >= len(t.slots) {
		return nil, false
	}
	slot := t.slots[h.index]
	if slot.gen != h.gen || slot.proc == nil {
		return nil, false
	}
	return slot.proc, true
}

// Remove drops the process from the table and invalidates its handle.
func (t *Table) Remove(p *Process) {
	t.mutex.Lock()
	defer t.mutex.Unlock()

	h := p.handle
	if int(h.index) >= len(t.slots) || t.slots[h.index].gen != h.gen {
		return
	}
	t.slots[h.index] = tableSlot{gen: h.gen + 1}
	t.free = append(t.free, h.index)
}

// Len returns the number of live processes.
func (t *Table) Len() int {
	t.mutex.RLock()
	defer t.mutex.RUnlock()
	return len(t.slots) - len(t.free)
}

// Each invokes fn for all live processes until fn returns false. The table
// must not be modified from within fn.
func (t *Table) Each(fn func(p *Process) bool) {
	t.mutex.RLock()
	defer t.mutex.RUnlock()

	for _, slot := range t.slots {
		if slot.proc != nil && !fn(slot.proc) {
			return
		}
	}
}
