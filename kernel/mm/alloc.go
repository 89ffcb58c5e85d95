package mm

import "github.com/Nils-TUD/Escape-sub006/kernel"

var (
	// ErrOutOfMemory is returned when a frame or page table cannot be
	// allocated.
	ErrOutOfMemory = &kernel.Error{Module: "mm", Message: "out of memory"}
)

// AllocClass selects the pool a frame allocation is served from.
type AllocClass uint8

const (
	// ClassDefault is used for user pages and user page tables.
	ClassDefault AllocClass = iota

	// ClassCritical is used for kernel pages. Critical allocations may dip
	// into the reserve that default allocations cannot touch.
	ClassCritical
)

func (c AllocClass) String() string {
	if c == ClassCritical {
		return "critical"
	}
	return "default"
}

// FrameAllocator hands out and reclaims physical frames.
type FrameAllocator interface {
	// AllocFrame reserves a single frame. It returns InvalidFrame and
	// ErrOutOfMemory if no frame is available for the requested class.
	AllocFrame(class AllocClass) (Frame, *kernel.Error)

	// FreeFrame releases a frame previously returned by AllocFrame.
	FreeFrame(frame Frame, class AllocClass)

	// FreeCount returns the number of frames that can still be allocated
	// using the requested class.
	FreeCount(class AllocClass) uintptr
}

// AllocStats reports the number of content frames and page-table frames that
// were allocated (or freed) by a paging operation.
type AllocStats struct {
	Frames  uintptr
	PTables uintptr
}

// Add accumulates the counters of other into s.
func (s *AllocStats) Add(other AllocStats) {
	s.Frames += other.Frames
	s.PTables += other.PTables
}

// ContiguousAllocator is implemented by frame allocators that can hand out
// physically contiguous frame ranges.
type ContiguousAllocator interface {
	// AllocContiguous reserves count consecutive frames. The first frame
	// is a multiple of align.
	AllocContiguous(count, align uintptr) (Frame, *kernel.Error)

	// FreeContiguous releases a range returned by AllocContiguous.
	FreeContiguous(first Frame, count uintptr)
}
