// Package task ties processes, threads and their address spaces together.
// It creates and destroys processes, loads program images, forks and
// dispatches page faults to the memory manager.
package task

import (
	"github.com/Nils-TUD/Escape-sub006/kernel"
	"github.com/Nils-TUD/Escape-sub006/kernel/kfmt"
	"github.com/Nils-TUD/Escape-sub006/kernel/mm"
	"github.com/Nils-TUD/Escape-sub006/kernel/mm/cow"
	"github.com/Nils-TUD/Escape-sub006/kernel/mm/paging"
	"github.com/Nils-TUD/Escape-sub006/kernel/mm/pmm"
	"github.com/Nils-TUD/Escape-sub006/kernel/mm/vmm"
	"github.com/Nils-TUD/Escape-sub006/kernel/proc"
	"github.com/Nils-TUD/Escape-sub006/kernel/sched"
	"github.com/Nils-TUD/Escape-sub006/kernel/vfs"
	"github.com/sirupsen/logrus"
)

var (
	errNotCurrent     = &kernel.Error{Module: "task", Message: "address space of the forking process is not active"}
	errNoLoadSegments = &kernel.Error{Module: "task", Message: "image has no loadable segments"}
	errBadSegment     = &kernel.Error{Module: "task", Message: "malformed loadable segment"}
	errBadEntry       = &kernel.Error{Module: "task", Message: "entry point outside of the text segment"}
	errMissingFS      = &kernel.Error{Module: "task", Message: "no file system configured"}
)

// Config describes the simulated machine.
type Config struct {
	// Frames is the number of physical frames.
	Frames uintptr

	// CriticalReserve is the number of frames only kernel allocations may
	// use.
	CriticalReserve uintptr

	// FS serves the binaries that back file-mapped regions.
	FS vfs.FS

	// Layout is the user address space layout. The zero value selects
	// vmm.DefaultLayout.
	Layout vmm.Layout

	// StackPages is the initial size of thread stacks. Defaults to 4.
	StackPages uintptr
}

// Kernel bundles the memory management subsystems.
type Kernel struct {
	MMU    *paging.MMU
	Procs  *proc.Table
	COW    *cow.Registry
	Events *sched.Events
	VMM    *vmm.Manager
	FS     vfs.FS

	stackPages uintptr
	log        *logrus.Entry
}

// New boots a kernel with the supplied configuration.
func New(cfg Config) (*Kernel, error) {
	if cfg.FS == nil {
		return nil, errMissingFS
	}
	if cfg.Layout == (vmm.Layout{}) {
		cfg.Layout = vmm.DefaultLayout()
	}
	if cfg.StackPages == 0 {
		cfg.StackPages = 4
	}

	mem := pmm.NewMemory(cfg.Frames)
	mmu, err := paging.NewMMU(mem, pmm.NewBitmapAllocator(mem, cfg.CriticalReserve))
	if err != nil {
		return nil, err
	}

	k := &Kernel{
		MMU:        mmu,
		Procs:      proc.NewTable(),
		COW:        cow.NewRegistry(mmu),
		Events:     sched.NewEvents(),
		FS:         cfg.FS,
		stackPages: cfg.StackPages,
		log:        kfmt.Logger("task"),
	}
	k.VMM = vmm.New(vmm.Config{
		MMU:    mmu,
		Procs:  k.Procs,
		COW:    k.COW,
		FS:     cfg.FS,
		Events: k.Events,
		Layout: cfg.Layout,
	})

	k.log.WithFields(logrus.Fields{
		"frames": cfg.Frames,
		"free":   mmu.Allocator().FreeCount(mm.ClassDefault),
	}).Info("memory manager initialized")
	return k, nil
}

// FreeFrames returns the number of frames available to user allocations.
func (k *Kernel) FreeFrames() uintptr {
	return k.MMU.Allocator().FreeCount(mm.ClassDefault)
}
