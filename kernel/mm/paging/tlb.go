package paging

import (
	gosync "sync"

	"github.com/Nils-TUD/Escape-sub006/kernel/mm"
)

// tlb caches translations of the currently active address space. Entries
// must be flushed whenever the underlying page table entry changes.
type tlb struct {
	mutex   gosync.Mutex
	entries map[mm.Page]pageTableEntry
	flushes uint64
}

func newTLB() *tlb {
	return &tlb{entries: make(map[mm.Page]pageTableEntry)}
}

func (t *tlb) lookup(page mm.Page) (pageTableEntry, bool) {
	t.mutex.Lock()
	pte, ok := t.entries[page]
	t.mutex.Unlock()
	return pte, ok
}

func (t *tlb) insert(page mm.Page, pte pageTableEntry) {
	t.mutex.Lock()
	t.entries[page] = pte
	t.mutex.Unlock()
}

// flushEntry removes the cached translation for a single page.
func (t *tlb) flushEntry(page mm.Page) {
	t.mutex.Lock()
	delete(t.entries, page)
	t.flushes++
	t.mutex.Unlock()
}

// flushRange removes all cached translations for [start, start+size).
func (t *tlb) flushRange(start, size uintptr) {
	first, last := mm.PageFromAddress(start), mm.PageFromAddress(start+size-1)
	t.mutex.Lock()
	for page := range t.entries {
		if page >= first && page <= last {
			delete(t.entries, page)
		}
	}
	t.flushes++
	t.mutex.Unlock()
}

// flushAll drops every cached translation except for global ones.
func (t *tlb) flushAll() {
	t.mutex.Lock()
	for page, pte := range t.entries {
		if !pte.HasFlags(FlagGlobal) {
			delete(t.entries, page)
		}
	}
	t.flushes++
	t.mutex.Unlock()
}

func (t *tlb) len() int {
	t.mutex.Lock()
	defer t.mutex.Unlock()
	return len(t.entries)
}
