package pmm

import (
	"github.com/Nils-TUD/Escape-sub006/kernel"
	"github.com/Nils-TUD/Escape-sub006/kernel/kfmt"
	"github.com/Nils-TUD/Escape-sub006/kernel/mm"
	"github.com/Nils-TUD/Escape-sub006/kernel/sync"
)

var (
	errDoubleFree      = &kernel.Error{Module: "pmm", Message: "attempt to free a frame that is not reserved"}
	errBadContiguous   = &kernel.Error{Module: "pmm", Message: "invalid contiguous allocation request"}
	errFrameOutOfRange = &kernel.Error{Module: "pmm", Message: "frame does not belong to the allocator pool"}
)

// BitmapAllocator implements a physical frame allocator that tracks frame
// reservations using a bitmap. A number of frames is held back as a critical
// reserve that only mm.ClassCritical allocations may consume.
type BitmapAllocator struct {
	lock sync.Spinlock

	// startFrame is the first frame that this allocator manages; frames
	// below it (e.g. frame 0) are never handed out. Each bitmap entry i
	// corresponds to frame (startFrame + i).
	startFrame mm.Frame

	// endFrame tracks the last frame in the pool (inclusive).
	endFrame mm.Frame

	// freeCount tracks the available frames in the pool.
	freeCount uintptr

	// criticalReserve is the number of frames default allocations
	// must leave untouched.
	criticalReserve uintptr

	// nextHint is the bitmap index where the next free frame scan starts.
	nextHint uintptr

	// freeBitmap tracks used/free frames in the pool. A set bit marks a
	// reserved frame.
	freeBitmap []uint64
}

// NewBitmapAllocator creates an allocator for all frames of mem except frame
// 0 which stays reserved so that a zero page-table entry never refers to a
// valid frame.
func NewBitmapAllocator(mem *Memory, criticalReserve uintptr) *BitmapAllocator {
	pageCount := mem.FrameCount() - 1
	return &BitmapAllocator{
		startFrame:      mm.Frame(1),
		endFrame:        mm.Frame(mem.FrameCount() - 1),
		freeCount:       pageCount,
		criticalReserve: criticalReserve,
		freeBitmap:      make([]uint64, (pageCount+63)>>6),
	}
}

// AllocFrame reserves the first available frame.
func (alloc *BitmapAllocator) AllocFrame(class mm.AllocClass) (mm.Frame, *kernel.Error) {
	alloc.lock.Acquire()
	defer alloc.lock.Release()

	if alloc.availableLocked(class) == 0 {
		return mm.InvalidFrame, mm.ErrOutOfMemory
	}

	pageCount := uintptr(alloc.endFrame-alloc.startFrame) + 1
	for i := uintptr(0); i < pageCount; i++ {
		index := (alloc.nextHint + i) % pageCount
		block, mask := index>>6, uint64(1)<<(index&63)
		if alloc.freeBitmap[block]&mask != 0 {
			continue
		}

		alloc.freeBitmap[block] |= mask
		alloc.freeCount--
		alloc.nextHint = index + 1
		return alloc.startFrame + mm.Frame(index), nil
	}

	return mm.InvalidFrame, mm.ErrOutOfMemory
}

// FreeFrame releases a frame previously reserved by AllocFrame or
// AllocContiguous.
func (alloc *BitmapAllocator) FreeFrame(frame mm.Frame, _ mm.AllocClass) {
	alloc.lock.Acquire()
	defer alloc.lock.Release()

	alloc.freeLocked(frame)
}

// FreeCount returns the number of frames available to class.
func (alloc *BitmapAllocator) FreeCount(class mm.AllocClass) uintptr {
	alloc.lock.Acquire()
	defer alloc.lock.Release()

	return alloc.availableLocked(class)
}

// AllocContiguous reserves count physically contiguous frames whose first
// frame number is a multiple of align (in frames).
func (alloc *BitmapAllocator) AllocContiguous(count, align uintptr) (mm.Frame, *kernel.Error) {
	if count == 0 {
		return mm.InvalidFrame, errBadContiguous
	}
	if align == 0 {
		align = 1
	}

	alloc.lock.Acquire()
	defer alloc.lock.Release()

	if alloc.availableLocked(mm.ClassDefault) < count {
		return mm.InvalidFrame, mm.ErrOutOfMemory
	}

	for first := alloc.startFrame; uintptr(first)+count-1 <= uintptr(alloc.endFrame); first++ {
		if uintptr(first)%align != 0 {
			continue
		}

		free := true
		for f := first; f < first+mm.Frame(count); f++ {
			if alloc.isReservedLocked(f) {
				free = false
				break
			}
		}
		if !free {
			continue
		}

		for f := first; f < first+mm.Frame(count); f++ {
			index := uintptr(f - alloc.startFrame)
			alloc.freeBitmap[index>>6] |= uint64(1) << (index & 63)
		}
		alloc.freeCount -= count
		return first, nil
	}

	return mm.InvalidFrame, mm.ErrOutOfMemory
}

// FreeContiguous releases a range reserved by AllocContiguous.
func (alloc *BitmapAllocator) FreeContiguous(first mm.Frame, count uintptr) {
	alloc.lock.Acquire()
	defer alloc.lock.Release()

	for f := first; f < first+mm.Frame(count); f++ {
		alloc.freeLocked(f)
	}
}

func (alloc *BitmapAllocator) availableLocked(class mm.AllocClass) uintptr {
	if class == mm.ClassCritical {
		return alloc.freeCount
	}
	if alloc.freeCount <= alloc.criticalReserve {
		return 0
	}
	return alloc.freeCount - alloc.criticalReserve
}

func (alloc *BitmapAllocator) isReservedLocked(frame mm.Frame) bool {
	index := uintptr(frame - alloc.startFrame)
	return alloc.freeBitmap[index>>6]&(uint64(1)<<(index&63)) != 0
}

func (alloc *BitmapAllocator) freeLocked(frame mm.Frame) {
	if frame < alloc.startFrame || frame > alloc.endFrame {
		kfmt.Panic(errFrameOutOfRange)
		return
	}

	index := uintptr(frame - alloc.startFrame)
	block, mask := index>>6, uint64(1)<<(index&63)
	if alloc.freeBitmap[block]&mask == 0 {
		kfmt.Panic(errDoubleFree)
		return
	}

	alloc.freeBitmap[block] &^= mask
	alloc.freeCount++
	if index < alloc.nextHint {
		alloc.nextHint = index
	}
}
