// Package cow keeps track of frames that are shared copy-on-write between
// processes and resolves write faults on them.
package cow

import (
	"sync"

	"github.com/Nils-TUD/Escape-sub006/kernel"
	"github.com/Nils-TUD/Escape-sub006/kernel/kfmt"
	"github.com/Nils-TUD/Escape-sub006/kernel/mm"
	"github.com/Nils-TUD/Escape-sub006/kernel/mm/paging"
	"github.com/Nils-TUD/Escape-sub006/kernel/proc"
	"github.com/sirupsen/logrus"
)

var errNotRegistered = &kernel.Error{Module: "cow", Message: "frame is not registered for copy-on-write"}

// Registry maps frames to the processes that share them copy-on-write.
type Registry struct {
	mutex  sync.Mutex
	frames map[mm.Frame][]*proc.Process
	mmu    *paging.MMU
	log    *logrus.Entry
}

// NewRegistry returns an empty registry.
func NewRegistry(mmu *paging.MMU) *Registry {
	return &Registry{
		frames: make(map[mm.Frame][]*proc.Process),
		mmu:    mmu,
		log:    kfmt.Logger("cow"),
	}
}

// Add registers p as a sharer of frame. It returns false if p already
// shares the frame.
func (r *Registry) Add(p *proc.Process, frame mm.Frame) bool {
	r.mutex.Lock()
	defer r.mutex.Unlock()

	for _, sharer := range r.frames[frame] {
		if sharer == p {
			return false
		}
	}
	r.frames[frame] = append(r.frames[frame], p)
	return true
}

// Remove drops p from the sharers of frame. It returns the number of frames
// that are no longer shared by p (0 or 1) and whether another process still
// shares the frame.
func (r *Registry) Remove(p *proc.Process, frame mm.Frame) (uintptr, bool) {
	r.mutex.Lock()
	defer r.mutex.Unlock()

	removed := r.removeLocked(p, frame)
	foundOther := len(r.frames[frame]) > 0
	if removed {
		return 1, foundOther
	}
	return 0, foundOther
}

func (r *Registry) removeLocked(p *proc.Process, frame mm.Frame) bool {
	sharers := r.frames[frame]
	for i, sharer := range sharers {
		if sharer == p {
			sharers = append(sharers[:i], sharers[i+1:]...)
			if len(sharers) == 0 {
				delete(r.frames, frame)
			} else {
				r.frames[frame] = sharers
			}
			return true
		}
	}
	return false
}

// Sharers returns the number of processes that share frame.
func (r *Registry) Sharers(frame mm.Frame) int {
	r.mutex.Lock()
	defer r.mutex.Unlock()
	return len(r.frames[frame])
}

// PageFault resolves a write fault of p at virtAddr. If other processes
// still share the frame, p receives a private copy; otherwise it keeps the
// frame. Either way the page is remapped writable with the supplied extra
// flags and the number of frames that became exclusively owned by p is
// returned.
func (r *Registry) PageFault(p *proc.Process, virtAddr uintptr, flags paging.MapFlag) (uintptr, *kernel.Error) {
	virtAddr &^= mm.PageSize - 1
	frame := r.mmu.FrameOf(p.PDir, virtAddr)
	flags |= paging.MapPresent | paging.MapWritable

	r.mutex.Lock()
	if !r.removeLocked(p, frame) {
		r.mutex.Unlock()
		kfmt.Panic(errNotRegistered)
		return 0, errNotRegistered
	}

	if len(r.frames[frame]) == 0 {
		r.mutex.Unlock()
		if _, err := r.mmu.Map(p.PDir, virtAddr, nil, 1, flags|paging.MapKeepFrame); err != nil {
			return 0, err
		}
		r.log.WithFields(logrus.Fields{"pid": p.PID, "addr": virtAddr, "frame": frame}).Debug("kept frame")
		return 1, nil
	}

	// The copy is made while holding the registry lock so that the last
	// sharer cannot take over and modify the frame before it is complete.
	copyFrame, err := r.mmu.Allocator().AllocFrame(mm.ClassDefault)
	if err != nil {
		r.frames[frame] = append(r.frames[frame], p)
		r.mutex.Unlock()
		return 0, err
	}
	r.mmu.CopyFrame(copyFrame, frame)
	r.mutex.Unlock()

	if _, err = r.mmu.Map(p.PDir, virtAddr, []mm.Frame{copyFrame}, 1, flags); err != nil {
		r.mmu.Allocator().FreeFrame(copyFrame, mm.ClassDefault)
		r.Add(p, frame)
		return 0, err
	}

	r.log.WithFields(logrus.Fields{"pid": p.PID, "addr": virtAddr, "from": frame, "to": copyFrame}).Debug("copied frame")
	return 1, nil
}
