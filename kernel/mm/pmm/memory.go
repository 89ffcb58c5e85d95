// Package pmm provides the machine's physical memory and the frame allocator
// that manages it.
package pmm

import (
	"github.com/Nils-TUD/Escape-sub006/kernel"
	"github.com/Nils-TUD/Escape-sub006/kernel/kfmt"
	"github.com/Nils-TUD/Escape-sub006/kernel/mm"
)

var errInvalidFrame = &kernel.Error{Module: "pmm", Message: "access to frame outside of physical memory"}

// Memory is the physical RAM of the machine. Frame contents are only
// addressable through their frame number.
type Memory struct {
	frameCount uintptr
	data       []byte
}

// NewMemory allocates a physical memory with frameCount frames. All frames
// start out zeroed.
func NewMemory(frameCount uintptr) *Memory {
	return &Memory{
		frameCount: frameCount,
		data:       make([]byte, frameCount*uintptr(mm.PageSize)),
	}
}

// FrameCount returns the number of frames in this memory.
func (m *Memory) FrameCount() uintptr {
	return m.frameCount
}

// Frame returns the contents of the given frame. Accessing a frame outside
// of physical memory is a kernel bug.
func (m *Memory) Frame(frame mm.Frame) []byte {
	if uintptr(frame) >= m.frameCount {
		kfmt.Panic(errInvalidFrame)
	}

	start := frame.Address()
	return m.data[start : start+mm.PageSize : start+mm.PageSize]
}
